package app

import "errors"

// Config holds all the necessary configuration for an App instance to run.
type Config struct {
	ScriptPath  string // script to load and execute
	EvalSource  string // inline source, used instead of ScriptPath when set
	Root        string // directory module names resolve under
	ListModules bool   // list loadable modules under Root instead of running

	LogFormat    string
	LogLevel     string
	OtelEndpoint string
	OtelService  string
}

// NewConfig validates a Config.
func NewConfig(cfg Config) (*Config, error) {
	if cfg.ListModules {
		if cfg.ScriptPath != "" || cfg.EvalSource != "" {
			return nil, errors.New("listing modules cannot be combined with a script or inline source")
		}
		return &cfg, nil
	}
	if cfg.ScriptPath == "" && cfg.EvalSource == "" {
		return nil, errors.New("either a script path or inline source is required")
	}
	if cfg.ScriptPath != "" && cfg.EvalSource != "" {
		return nil, errors.New("a script path and inline source are mutually exclusive")
	}
	return &cfg, nil
}
