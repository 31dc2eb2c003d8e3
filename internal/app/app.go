// Package app is the composition root: it wires the logger, hook policy,
// telemetry, and loader together and drives one top-level script run.
package app

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sort"

	"github.com/zclconf/go-cty/cty"
	ctyjson "github.com/zclconf/go-cty/cty/json"

	"github.com/jorendorff/js-loaders-sub000/internal/ctxlog"
	"github.com/jorendorff/js-loaders-sub000/internal/hooks"
	"github.com/jorendorff/js-loaders-sub000/internal/loader"
	"github.com/jorendorff/js-loaders-sub000/internal/telemetry"
)

// App encapsulates the application's dependencies, configuration, and lifecycle.
type App struct {
	outW   io.Writer
	logger *slog.Logger
	config *Config
	policy *hooks.Default
	loader *loader.Loader
}

// NewApp constructs the application with its own isolated logger and loader.
func NewApp(outW, logW io.Writer, cfg *Config) *App {
	logger := newLogger(cfg.LogLevel, cfg.LogFormat, logW)
	policy := hooks.NewDefault(cfg.Root)
	return &App{
		outW:   outW,
		logger: logger,
		config: cfg,
		policy: policy,
		loader: loader.New(policy),
	}
}

// Loader returns the application's loader. This is primarily for testing.
func (a *App) Loader() *loader.Loader { return a.loader }

// Run loads and executes the configured script, prints its outputs, and
// returns any load, link, or execution error.
func (a *App) Run(ctx context.Context) error {
	ctx = ctxlog.WithLogger(ctx, a.logger)

	if a.config.ListModules {
		return a.listModules()
	}

	shutdown, err := telemetry.Setup(a.config.OtelEndpoint, a.config.OtelService)
	if err != nil {
		return fmt.Errorf("failed to configure telemetry: %w", err)
	}
	defer func() {
		if err := shutdown(context.Background()); err != nil {
			a.logger.Warn("Telemetry shutdown failed.", "error", err)
		}
	}()

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	var outputs map[string]cty.Value
	var runErr error
	onSuccess := func(out map[string]cty.Value) {
		outputs = out
		cancel()
	}
	onFailure := func(err error) {
		runErr = err
		cancel()
	}

	if a.config.EvalSource != "" {
		a.loader.EvalAsync(runCtx, a.config.EvalSource, onSuccess, onFailure)
	} else {
		a.loader.LoadScript(runCtx, a.config.ScriptPath, onSuccess, onFailure)
	}

	// The queue is the pipeline's single thread of control; it runs until
	// one of the completion callbacks cancels the context.
	if err := a.loader.Queue().Run(runCtx); err != nil && runErr == nil && outputs == nil {
		return err
	}
	if runErr != nil {
		return runErr
	}
	return a.printOutputs(outputs)
}

func (a *App) listModules() error {
	names, err := a.policy.ListModules()
	if err != nil {
		return fmt.Errorf("failed to list modules under %s: %w", a.config.Root, err)
	}
	for _, name := range names {
		fmt.Fprintln(a.outW, name)
	}
	return nil
}

func (a *App) printOutputs(outputs map[string]cty.Value) error {
	names := make([]string, 0, len(outputs))
	for name := range outputs {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		v := outputs[name]
		data, err := ctyjson.Marshal(v, v.Type())
		if err != nil {
			return fmt.Errorf("failed to render output %q: %w", name, err)
		}
		fmt.Fprintf(a.outW, "%s = %s\n", name, data)
	}
	return nil
}
