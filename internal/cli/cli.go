// Package cli parses command-line arguments into an app.Config.
package cli

import (
	"flag"
	"fmt"
	"io"
	"strings"

	"github.com/jorendorff/js-loaders-sub000/internal/app"
)

// ExitError is a custom error type that includes a specific exit code.
type ExitError struct {
	Code    int
	Message string
}

// Error implements the error interface for ExitError.
func (e *ExitError) Error() string {
	return e.Message
}

// Parse processes command-line arguments. It returns a populated app.Config,
// a boolean indicating if the program should exit cleanly, or an ExitError.
func Parse(args []string, output io.Writer) (*app.Config, bool, error) {
	flagSet := flag.NewFlagSet("modloader", flag.ContinueOnError)
	flagSet.SetOutput(output)

	flagSet.Usage = func() {
		fmt.Fprint(output, `
modloader - Load, link, and execute HCL module scripts.

Usage:
  modloader [options] [SCRIPT_PATH]

Arguments:
  SCRIPT_PATH
    Path to a script file. Its imports are resolved, fetched, linked, and
    executed, and the script's outputs are printed.

Options:
`)
		flagSet.PrintDefaults()
	}

	rootFlag := flagSet.String("root", ".", "Directory module names resolve under.")
	evalFlag := flagSet.String("eval", "", "Evaluate the given source text instead of a script file.")
	listFlag := flagSet.Bool("list", false, "List the loadable modules under the root directory and exit.")
	logFormatFlag := flagSet.String("log-format", "text", "Log output format. Options: 'text' or 'json'.")
	logLevelFlag := flagSet.String("log-level", "info", "Set the logging level. Options: 'debug', 'info', 'warn', 'error'.")
	otelEndpointFlag := flagSet.String("otel-endpoint", "", "OTLP/gRPC collector endpoint. Empty disables tracing.")
	otelServiceFlag := flagSet.String("otel-service", "modloader", "OpenTelemetry service name.")

	if err := flagSet.Parse(args); err != nil {
		if err == flag.ErrHelp {
			return nil, true, nil
		}
		return nil, false, &ExitError{Code: 2, Message: err.Error()}
	}

	path := ""
	if flagSet.NArg() > 0 {
		path = flagSet.Arg(0)
	}

	if path == "" && *evalFlag == "" && !*listFlag {
		flagSet.Usage()
		return nil, true, nil
	}

	logFormat := strings.ToLower(*logFormatFlag)
	if logFormat != "text" && logFormat != "json" {
		return nil, false, &ExitError{Code: 2, Message: "invalid log-format: must be 'text' or 'json'"}
	}

	logLevel := strings.ToLower(*logLevelFlag)
	switch logLevel {
	case "debug", "info", "warn", "error":
		// valid
	default:
		return nil, false, &ExitError{Code: 2, Message: "invalid log-level: must be 'debug', 'info', 'warn', or 'error'"}
	}

	config, err := app.NewConfig(app.Config{
		ScriptPath:   path,
		EvalSource:   *evalFlag,
		Root:         *rootFlag,
		ListModules:  *listFlag,
		LogFormat:    logFormat,
		LogLevel:     logLevel,
		OtelEndpoint: *otelEndpointFlag,
		OtelService:  *otelServiceFlag,
	})
	if err != nil {
		return nil, false, &ExitError{Code: 2, Message: err.Error()}
	}

	return config, false, nil
}
