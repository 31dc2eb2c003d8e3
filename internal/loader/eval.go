package loader

import (
	"context"
	"errors"
	"fmt"

	"github.com/zclconf/go-cty/cty"

	"github.com/jorendorff/js-loaders-sub000/internal/hooks"
	"github.com/jorendorff/js-loaders-sub000/internal/modlang"
)

// errNotRegistered backs the synchronous-eval rule that imports must already
// be satisfied.
var errNotRegistered = errors.New("module is not registered")

// Eval synchronously compiles, links, and executes source text, returning the
// script's output values. Unlike the asynchronous entry points it throws
// rather than queueing a callback: every import must resolve against the
// registry (or a module the script itself declares) or Eval fails without
// starting any load.
func (l *Loader) Eval(ctx context.Context, source string) (map[string]cty.Value, error) {
	unit, err := modlang.Compile(source, "<eval>")
	if err != nil {
		return nil, err
	}
	sc, err := l.linkScriptNow(ctx, unit)
	if err != nil {
		return nil, err
	}
	if err := l.ensureExecuted(ctx, sc); err != nil {
		return nil, err
	}
	return sc.outputsCopy(), nil
}

// linkScriptNow links a script against the registry in one synchronous pass,
// staging any modules the script declares and committing them only if the
// whole script validates.
func (l *Loader) linkScriptNow(ctx context.Context, unit *modlang.Script) (*script, error) {
	staged := make(map[string]*Module, len(unit.Modules))
	sc := &script{unit: unit, bindings: make(map[string]*Module)}

	for _, decl := range unit.Modules {
		if _, ok := l.registry[decl.Name]; ok {
			return nil, &ConflictError{Name: decl.Name}
		}
		if _, ok := l.pending[decl.Name]; ok {
			return nil, &ConflictError{Name: decl.Name}
		}
		m := &Module{
			name:        decl.Name,
			decl:        decl,
			owner:       sc,
			bindings:    make(map[string]*Module),
			exportNames: decl.ExportNames(),
		}
		sc.modules = append(sc.modules, m)
		staged[decl.Name] = m
	}

	bind := func(reqs []*modlang.ImportRequest, into map[string]*Module, importer, refName string) error {
		for _, req := range reqs {
			ref := hooks.Referer{Name: refName, Address: unit.Name}
			nres, err := l.hooks.Normalize(req.Name, hooks.NormalizeOptions{Referer: ref})
			if err != nil {
				return fmt.Errorf("failed to normalize %q: %w", req.Name, err)
			}
			fullName := nres.Normalized
			target, ok := staged[fullName]
			if !ok {
				target, ok = l.registry[fullName]
			}
			if !ok {
				return &LinkError{Importer: importer, Target: fullName, Err: errNotRegistered}
			}
			for _, want := range req.Names {
				if !target.declaresExport(want) {
					return &LinkError{Importer: importer, Target: fullName, Missing: want}
				}
			}
			into[req.As] = target
		}
		return nil
	}

	if err := bind(unit.Imports, sc.bindings, unit.Name, ""); err != nil {
		return nil, err
	}
	for i, decl := range unit.Modules {
		if err := bind(decl.Imports, sc.modules[i].bindings, decl.Name, decl.Name); err != nil {
			return nil, err
		}
	}

	for name, m := range staged {
		l.registry[name] = m
	}
	return sc, nil
}
