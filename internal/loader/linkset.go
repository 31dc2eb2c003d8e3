package loader

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/jorendorff/js-loaders-sub000/internal/ctxlog"
	"github.com/jorendorff/js-loaders-sub000/internal/modlang"
)

// LinkSet batches one top-level request together with every load it
// transitively depends on, and owns the all-or-nothing linking transaction
// for the batch. It completes exactly once: either by linking every member
// and scheduling the success continuation, or by failing.
type LinkSet struct {
	loader *Loader
	seed   *Load

	loads map[*Load]struct{}
	// loadingCount equals the number of member loads still in StatusLoading.
	loadingCount int

	done     bool
	complete func(ctx context.Context)
	errback  func(error)
}

func newLinkSet(l *Loader, seed *Load, complete func(ctx context.Context), errback func(error)) *LinkSet {
	return &LinkSet{
		loader:   l,
		seed:     seed,
		loads:    make(map[*Load]struct{}),
		complete: complete,
		errback:  errback,
	}
}

// start attaches the seed load and, if the batch is already fully loaded
// (joining an existing load that finished earlier), links immediately.
func (ls *LinkSet) start(ctx context.Context) {
	ls.addLoad(ctx, ls.seed)
	ls.maybeLink(ctx)
}

// addLoad is an idempotent membership add. Joining a load that has already
// failed fails this link set with the stored exception. Joining a load that
// is already loaded also pulls in that load's not-yet-registered
// dependencies, keeping the batch self-consistent.
func (ls *LinkSet) addLoad(ctx context.Context, ld *Load) {
	if ls.done {
		return
	}
	if ld.status == StatusFailed {
		ls.fail(ctx, ld.err)
		return
	}
	if _, ok := ls.loads[ld]; ok {
		return
	}
	ls.loads[ld] = struct{}{}
	ld.attachLinkSet(ls)

	switch ld.status {
	case StatusLoading:
		ls.loadingCount++
	case StatusLoaded:
		for _, dep := range ld.deps {
			if _, ok := ls.loader.registry[dep]; ok {
				continue
			}
			if depLoad, ok := ls.loader.pending[dep]; ok {
				ls.addLoad(ctx, depLoad)
			}
			// A dependency in neither table was deleted out from under the
			// load; the link pass will report it.
		}
	}
}

// onLoad is called by a member load transitioning out of StatusLoading.
func (ls *LinkSet) onLoad(ctx context.Context, ld *Load) {
	if ls.done {
		return
	}
	ls.loadingCount--
	ls.maybeLink(ctx)
}

func (ls *LinkSet) maybeLink(ctx context.Context) {
	if ls.done || ls.loadingCount > 0 {
		return
	}
	if err := ls.link(ctx); err != nil {
		ls.fail(ctx, err)
		return
	}
	// Success: the loads are committed and no longer need this link set.
	ls.done = true
	for ld := range ls.loads {
		ld.detachLinkSet(ls)
	}
	ls.loads = nil
	complete := ls.complete
	ls.loader.queue.Post(func() { complete(ctx) })
}

// link performs the linking transaction for the whole batch: a depth-first
// validation walk from the seed that resolves every import and checks every
// requested export name, staging its results, followed by a commit that
// publishes every staged module to the registry together. A failure anywhere
// in the walk commits nothing.
func (ls *LinkSet) link(ctx context.Context) error {
	ctx, span := ls.loader.tracer.Start(ctx, "linkset.link",
		trace.WithAttributes(attribute.Int("linkset.loads", len(ls.loads))))
	defer span.End()
	logger := ctxlog.FromContext(ctx)
	logger.Debug("Link pass starting.", "loads", len(ls.loads))

	st := &linkState{
		modules: make(map[string]*Module),
		visited: make(map[*Load]*script),
	}
	if _, err := ls.linkLoad(ctx, ls.seed, st); err != nil {
		span.RecordError(err)
		return err
	}

	// Commit. Everything validated; move every staged name from the pending
	// table to the registry in one synchronous pass.
	for ld, sc := range st.visited {
		ld.linked = sc
		ld.status = StatusLinked
		ld.evictPending()
	}
	for name, m := range st.modules {
		ls.loader.registry[name] = m
	}
	logger.Debug("Link pass committed.", "modules", len(st.modules))
	return nil
}

// linkState carries the staging area for one link pass.
type linkState struct {
	// modules holds every module declared by a visited script, keyed by full
	// name. Published to the registry only after the whole batch validates.
	modules map[string]*Module
	visited map[*Load]*script
}

// linkLoad validates and stages one member load's script, recursing into
// not-yet-visited dependency loads as their names are resolved.
func (ls *LinkSet) linkLoad(ctx context.Context, ld *Load, st *linkState) (*script, error) {
	if sc, ok := st.visited[ld]; ok {
		return sc, nil
	}
	if ld.status == StatusLinked {
		// Committed earlier (a link-hook short circuit, or a prior pass).
		return ld.linked, nil
	}
	if ld.status != StatusLoaded {
		return nil, fmt.Errorf("cannot link %v: load is still %s", ld.fullNames, ld.status)
	}

	l := ls.loader
	unit := ld.script
	sc := &script{unit: unit, bindings: make(map[string]*Module)}
	st.visited[ld] = sc

	// Re-verify declared names: the registry may have changed since finish.
	for _, decl := range unit.Modules {
		if _, ok := l.registry[decl.Name]; ok {
			return nil, &ConflictError{Name: decl.Name}
		}
		if other, ok := l.pending[decl.Name]; ok && other != ld {
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
		st.modules[decl.Name] = m
	}

	if err := ls.bindImports(ctx, ld, unit.Imports, sc.bindings, st, unit.Name); err != nil {
		return nil, err
	}
	for i, decl := range unit.Modules {
		if err := ls.bindImports(ctx, ld, decl.Imports, sc.modules[i].bindings, st, decl.Name); err != nil {
			return nil, err
		}
	}
	return sc, nil
}

// bindImports resolves each import request to a concrete module and validates
// any export names the request demands.
func (ls *LinkSet) bindImports(ctx context.Context, ld *Load, reqs []*modlang.ImportRequest, bindings map[string]*Module, st *linkState, importer string) error {
	for _, req := range reqs {
		fullName, ok := ld.depName[req]
		if !ok {
			fullName = req.Name
		}
		target, err := ls.resolveModule(ctx, fullName, st)
		if err != nil {
			return &LinkError{Importer: importer, Target: fullName, Err: err}
		}
		for _, want := range req.Names {
			if !target.declaresExport(want) {
				return &LinkError{Importer: importer, Target: fullName, Missing: want}
			}
		}
		bindings[req.As] = target
	}
	return nil
}

// resolveModule locates the module behind a full name: in the staging area
// (a sibling declaration in this batch), in the registry, or by recursing
// into the in-flight load that claims the name.
func (ls *LinkSet) resolveModule(ctx context.Context, fullName string, st *linkState) (*Module, error) {
	if m, ok := st.modules[fullName]; ok {
		return m, nil
	}
	if m, ok := ls.loader.registry[fullName]; ok {
		return m, nil
	}
	if depLoad, ok := ls.loader.pending[fullName]; ok {
		if _, err := ls.linkLoad(ctx, depLoad, st); err != nil {
			return nil, err
		}
		if m, ok := st.modules[fullName]; ok {
			return m, nil
		}
		return nil, fmt.Errorf("script at %s does not declare module %q", depLoad.address, fullName)
	}
	return nil, fmt.Errorf("module %q is not registered", fullName)
}

// fail detaches this link set from every member load, which may cascade
// cleanup of loads nothing else needs, then delivers the error callback on a
// fresh turn. It runs at most once.
func (ls *LinkSet) fail(ctx context.Context, err error) {
	if ls.done {
		return
	}
	ls.done = true
	ctxlog.FromContext(ctx).Debug("Link set failed.", "error", err)
	for _, ld := range ls.loadSnapshot() {
		ld.onLinkSetFail(ctx, ls)
	}
	ls.loads = nil
	errback := ls.errback
	ls.loader.queue.Post(func() { errback(err) })
}

func (ls *LinkSet) loadSnapshot() []*Load {
	out := make([]*Load, 0, len(ls.loads))
	for ld := range ls.loads {
		out = append(out, ld)
	}
	return out
}
