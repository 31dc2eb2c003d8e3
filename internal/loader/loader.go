// Package loader implements the module load/link/execute pipeline: given a
// request to import, evaluate, or load a named module or script, it resolves
// the module's identity through the hook chain, fetches and compiles its
// source, recursively discovers and loads its dependencies, links each batch
// of mutually-dependent code atomically, and executes every body exactly
// once, in dependency post-order, even across import cycles, overlapping
// concurrent loads, and mid-flight failures.
//
// All loader state is confined to a single cooperative thread of control: the
// task queue returned by Queue. Asynchronous entry points post their work
// onto the queue, hook completions are posted back onto it, and the
// synchronous API (Eval, Get, Has, Set, Delete) must be called from the
// goroutine draining it.
package loader

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"

	"github.com/zclconf/go-cty/cty"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/jorendorff/js-loaders-sub000/internal/ctxlog"
	"github.com/jorendorff/js-loaders-sub000/internal/hooks"
	"github.com/jorendorff/js-loaders-sub000/internal/modlang"
	"github.com/jorendorff/js-loaders-sub000/internal/task"
)

// Loader owns a registry of committed modules and a table of in-flight loads.
type Loader struct {
	queue  *task.Queue
	hooks  hooks.Hooks
	tracer trace.Tracer

	// registry maps full module name to committed module. Every entry is
	// fully linked; linkage against an entry is a point-in-time binding, so
	// overwriting or deleting a name never disturbs code already linked
	// against the previous occupant.
	registry map[string]*Module

	// pending maps full module name to its single in-flight load, so that
	// overlapping requests for one name share one fetch.
	pending map[string]*Load

	// onExecute, when set, observes each node body as it is about to run.
	onExecute func(name string)
}

// Option configures a Loader.
type Option func(*Loader)

// WithExecuteObserver installs a callback invoked with each node's name just
// before its body runs. Intended for instrumentation.
func WithExecuteObserver(fn func(name string)) Option {
	return func(l *Loader) { l.onExecute = fn }
}

// New creates a loader around the given hook policy.
func New(h hooks.Hooks, opts ...Option) *Loader {
	l := &Loader{
		queue:    task.NewQueue(),
		hooks:    h,
		tracer:   otel.Tracer("modloader"),
		registry: make(map[string]*Module),
		pending:  make(map[string]*Load),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Queue returns the task queue the pipeline runs on. The caller is
// responsible for draining it from exactly one goroutine.
func (l *Loader) Queue() *task.Queue { return l.queue }

// Import asynchronously loads, links, and executes the named module and every
// module it transitively imports, then delivers it to onSuccess. Failures are
// delivered to onFailure; both callbacks run on fresh queue turns, never
// synchronously from this call. A nil onFailure panics with the error so an
// unhandled load failure cannot vanish silently.
func (l *Loader) Import(ctx context.Context, name string, onSuccess func(*Module), onFailure func(error)) {
	onFailure = orPanic(onFailure)
	l.queue.Post(func() { l.importOnTurn(ctx, name, onSuccess, onFailure) })
}

func (l *Loader) importOnTurn(ctx context.Context, name string, onSuccess func(*Module), onFailure func(error)) {
	ld, fullName, err := l.requestLoad(ctx, name, hooks.Referer{})
	if err != nil {
		l.queue.Post(func() { onFailure(err) })
		return
	}

	if ld == nil {
		// Already registered: execution is all that may remain.
		m := l.registry[fullName]
		l.queue.Post(func() {
			if err := l.ensureExecuted(ctx, m); err != nil {
				onFailure(err)
				return
			}
			onSuccess(m)
		})
		return
	}

	complete := func(ctx context.Context) {
		m, ok := l.registry[fullName]
		if !ok {
			onFailure(fmt.Errorf("module %q was not committed by its link pass", fullName))
			return
		}
		if err := l.ensureExecuted(ctx, m); err != nil {
			onFailure(err)
			return
		}
		onSuccess(m)
	}
	ls := newLinkSet(l, ld, complete, onFailure)
	ls.start(ctx)
}

// LoadScript asynchronously fetches, links, and executes the script at the
// given address, resolving any imports it contains, and delivers the script's
// output values.
func (l *Loader) LoadScript(ctx context.Context, address string, onSuccess func(map[string]cty.Value), onFailure func(error)) {
	onFailure = orPanic(onFailure)
	l.queue.Post(func() {
		ld := newAnonymousLoad(l)
		ls := newLinkSet(l, ld, scriptComplete(l, ld, onSuccess, onFailure), onFailure)
		ls.start(ctx)
		l.fetch(ctx, ld, hooks.FetchRequest{Address: address})
	})
}

// EvalAsync is LoadScript with the source text supplied directly; the fetch
// hook is skipped but translate and link hooks still apply.
func (l *Loader) EvalAsync(ctx context.Context, source string, onSuccess func(map[string]cty.Value), onFailure func(error)) {
	onFailure = orPanic(onFailure)
	l.queue.Post(func() {
		ld := newAnonymousLoad(l)
		ls := newLinkSet(l, ld, scriptComplete(l, ld, onSuccess, onFailure), onFailure)
		ls.start(ctx)
		l.finishFetch(ctx, ld, source, "<eval>", hooks.FetchRequest{Address: "<eval>"})
	})
}

func scriptComplete(l *Loader, ld *Load, onSuccess func(map[string]cty.Value), onFailure func(error)) func(context.Context) {
	return func(ctx context.Context) {
		sc := ld.linked
		if sc == nil {
			onFailure(errors.New("script was not linked"))
			return
		}
		if err := l.ensureExecuted(ctx, sc); err != nil {
			onFailure(err)
			return
		}
		onSuccess(sc.outputsCopy())
	}
}

// Get returns the registered module after forcing execution of it and its
// dependency closure; the registry never hands out a not-yet-executed module.
// A missing name returns (nil, nil).
func (l *Loader) Get(ctx context.Context, name string) (*Module, error) {
	m, ok := l.registry[name]
	if !ok {
		return nil, nil
	}
	if err := l.ensureExecuted(ctx, m); err != nil {
		return nil, err
	}
	return m, nil
}

// Has reports whether the name is registered. No side effects, no hooks.
func (l *Loader) Has(name string) bool {
	_, ok := l.registry[name]
	return ok
}

// Set overwrites the registry slot for name. Code already linked against the
// previous occupant stays linked to it.
func (l *Loader) Set(name string, m *Module) error {
	if name == "" {
		return errors.New("module name must not be empty")
	}
	if m == nil {
		return errors.New("module must not be nil")
	}
	if m.name == "<module>" {
		m.name = name
	}
	l.registry[name] = m
	return nil
}

// Delete removes the named entry, reporting whether it existed. Nothing
// linked against the entry is affected, and an in-flight load for the name
// proceeds until it tries to resolve an import against the missing entry.
func (l *Loader) Delete(name string) bool {
	_, ok := l.registry[name]
	delete(l.registry, name)
	return ok
}

// requestLoad normalizes a name and returns the load responsible for it,
// starting one if needed. A nil load with a nil error means the name is
// already registered and the request is satisfied immediately.
func (l *Loader) requestLoad(ctx context.Context, name string, ref hooks.Referer) (*Load, string, error) {
	nres, err := l.hooks.Normalize(name, hooks.NormalizeOptions{Referer: ref})
	if err != nil {
		return nil, "", fmt.Errorf("failed to normalize %q: %w", name, err)
	}
	fullName := nres.Normalized
	if fullName == "" {
		return nil, "", fmt.Errorf("normalize of %q returned an empty name: %w", name, ErrBadHookResult)
	}

	if _, ok := l.registry[fullName]; ok {
		return nil, fullName, nil
	}
	if ld, ok := l.pending[fullName]; ok {
		return ld, fullName, nil
	}

	ctxlog.FromContext(ctx).Debug("Starting load.", "name", fullName)
	ld := newLoad(l, fullName)
	l.pending[fullName] = ld
	l.startFetch(ctx, ld, fullName, ref, nres.Metadata)
	return ld, fullName, nil
}

// startFetch resolves the load's address, claims any extra bundled names,
// and kicks off the fetch. Failures here fail the load.
func (l *Loader) startFetch(ctx context.Context, ld *Load, fullName string, ref hooks.Referer, metadata map[string]any) {
	rres, err := l.hooks.Resolve(fullName, hooks.ResolveOptions{Referer: ref, Metadata: metadata})
	if err != nil {
		ld.fail(ctx, fmt.Errorf("failed to resolve %q: %w", fullName, err))
		return
	}
	if rres.Address == "" {
		ld.fail(ctx, fmt.Errorf("resolve of %q returned an empty address: %w", fullName, ErrBadHookResult))
		return
	}

	for _, extra := range rres.Extra {
		if ld.claims(extra) {
			continue
		}
		if _, ok := l.registry[extra]; ok {
			ld.fail(ctx, &ConflictError{Name: extra})
			return
		}
		if other, ok := l.pending[extra]; ok && other != ld {
			ld.fail(ctx, &ConflictError{Name: extra})
			return
		}
		l.pending[extra] = ld
		ld.fullNames = append(ld.fullNames, extra)
	}

	l.fetch(ctx, ld, hooks.FetchRequest{Address: rres.Address, Normalized: fullName, Referer: ref})
}

// fetch invokes the fetch hook with guarded continuations: fulfill and reject
// together fire at most once, and always complete on a fresh queue turn.
func (l *Loader) fetch(ctx context.Context, ld *Load, req hooks.FetchRequest) {
	ctx, span := l.tracer.Start(ctx, "load.fetch",
		trace.WithAttributes(attribute.String("module.address", req.Address)))

	var once atomic.Bool
	fulfill := func(source, actualAddress string) {
		if !once.CompareAndSwap(false, true) {
			return
		}
		l.queue.Post(func() {
			span.End()
			l.finishFetch(ctx, ld, source, actualAddress, req)
		})
	}
	reject := func(err error) {
		if !once.CompareAndSwap(false, true) {
			return
		}
		if err == nil {
			err = fmt.Errorf("fetch of %s rejected without a reason: %w", req.Address, ErrBadHookResult)
		}
		l.queue.Post(func() {
			span.RecordError(err)
			span.End()
			if !ld.alive() {
				return
			}
			ld.fail(ctx, err)
		})
	}

	l.hooks.Fetch(req, fulfill, reject)
}

// finishFetch runs the post-fetch half of the pipeline: translate, the link
// hook, compilation, and Load.finish. A load abandoned while the fetch was in
// flight discards the result.
func (l *Loader) finishFetch(ctx context.Context, ld *Load, source, actualAddress string, req hooks.FetchRequest) {
	logger := ctxlog.FromContext(ctx)
	if !ld.alive() {
		logger.Debug("Discarding fetch result for abandoned load.", "address", req.Address)
		return
	}
	if actualAddress == "" {
		actualAddress = req.Address
	}

	translated, err := l.hooks.Translate(source, hooks.TranslateOptions{Normalized: req.Normalized, Address: actualAddress})
	if err != nil {
		ld.fail(ctx, fmt.Errorf("failed to translate %s: %w", actualAddress, err))
		return
	}

	exports, err := l.hooks.Link(translated, hooks.LinkOptions{Normalized: req.Normalized, Address: actualAddress})
	if err != nil {
		ld.fail(ctx, fmt.Errorf("link hook failed for %s: %w", actualAddress, err))
		return
	}
	if exports != nil {
		if ld.anonymous || len(ld.fullNames) != 1 {
			ld.fail(ctx, fmt.Errorf("link hook returned a module for a script load: %w", ErrBadHookResult))
			return
		}
		ld.onEndRun(ctx, NewModule(exports))
		return
	}

	unit, err := modlang.Compile(translated, actualAddress)
	if err != nil {
		ld.fail(ctx, err)
		return
	}
	ld.finish(ctx, actualAddress, unit)
}

// orPanic substitutes the default error callback: re-throw, so an unhandled
// load failure surfaces in the host instead of vanishing.
func orPanic(onFailure func(error)) func(error) {
	if onFailure != nil {
		return onFailure
	}
	return func(err error) { panic(err) }
}
