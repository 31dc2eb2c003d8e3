package loader

import (
	"context"
	"fmt"

	"github.com/jorendorff/js-loaders-sub000/internal/ctxlog"
	"github.com/jorendorff/js-loaders-sub000/internal/hooks"
	"github.com/jorendorff/js-loaders-sub000/internal/modlang"
)

// Status tracks a Load's progress through the pipeline.
type Status int

const (
	// StatusLoading means the source is still being fetched, translated, or
	// compiled, and the dependency list is not yet known.
	StatusLoading Status = iota
	// StatusLoaded means the source is compiled and the dependency list is
	// final. The load is waiting for its link set to link it.
	StatusLoaded
	// StatusLinked means the load's modules are committed to the registry.
	StatusLinked
	// StatusFailed is terminal; Err holds the cause.
	StatusFailed
)

func (s Status) String() string {
	switch s {
	case StatusLoading:
		return "loading"
	case StatusLoaded:
		return "loaded"
	case StatusLinked:
		return "linked"
	case StatusFailed:
		return "failed"
	default:
		return fmt.Sprintf("Status(%d)", int(s))
	}
}

// Load tracks one attempt to obtain and prepare one module name, or a cluster
// of names declared by the same fetched script. Concurrent requests for the
// same name share a single Load through the loader's pending table.
type Load struct {
	loader *Loader

	// fullNames is the set of module names this load is responsible for.
	// Usually one; more when the resolve hook bundles extra names or the
	// fetched script declares additional modules. Empty for anonymous
	// script/eval loads.
	fullNames []string

	status  Status
	script  *modlang.Script
	address string

	// deps lists the full names of every module this load's script imports,
	// in discovery order. Frozen once status reaches StatusLoaded.
	deps []string

	// depName maps each syntactic import request to its normalized name.
	depName map[*modlang.ImportRequest]string

	// linkSets holds the link sets currently depending on this load, in
	// attachment order, so that link sets becoming ready on the same turn
	// complete in the order their originating calls were made. Membership is
	// kept mutually consistent with LinkSet.loads.
	linkSets []*LinkSet

	err    error
	module *Module // set when the link hook supplied a finished module
	linked *script // set when the owning link set links this load

	anonymous bool
}

func newLoad(l *Loader, fullName string) *Load {
	return &Load{
		loader:    l,
		fullNames: []string{fullName},
	}
}

func newAnonymousLoad(l *Loader) *Load {
	return &Load{
		loader:    l,
		anonymous: true,
	}
}

// Err returns the failure recorded on the load, if any.
func (ld *Load) Err() error { return ld.err }

// attachLinkSet is an idempotent ordered membership add.
func (ld *Load) attachLinkSet(ls *LinkSet) {
	for _, got := range ld.linkSets {
		if got == ls {
			return
		}
	}
	ld.linkSets = append(ld.linkSets, ls)
}

func (ld *Load) detachLinkSet(ls *LinkSet) {
	for i, got := range ld.linkSets {
		if got == ls {
			ld.linkSets = append(ld.linkSets[:i], ld.linkSets[i+1:]...)
			return
		}
	}
}

// claims reports whether this load is responsible for name.
func (ld *Load) claims(name string) bool {
	for _, n := range ld.fullNames {
		if n == name {
			return true
		}
	}
	return false
}

// alive reports whether a deferred fetch completion should still be acted on.
// Once every link set has detached, or the load has left the loading state,
// any outstanding hook callback for it must become a no-op.
func (ld *Load) alive() bool {
	return ld.status == StatusLoading && len(ld.linkSets) > 0
}

// finish is called once source has been fetched, translated, and compiled
// with no link-hook override taken. It claims every module name the script
// declares, discovers the script's imports, starts or joins a load for each,
// and transitions to StatusLoaded. The dependency list is exhaustive and
// never changes afterward.
func (ld *Load) finish(ctx context.Context, address string, unit *modlang.Script) {
	l := ld.loader
	logger := ctxlog.FromContext(ctx)
	ld.address = address
	ld.script = unit

	// Claim declared module names. A name already registered, or claimed by
	// a different in-flight load, is a duplicate declaration.
	for _, decl := range unit.Modules {
		if ld.claims(decl.Name) {
			continue
		}
		if _, ok := l.registry[decl.Name]; ok {
			ld.fail(ctx, &ConflictError{Name: decl.Name})
			return
		}
		if other, ok := l.pending[decl.Name]; ok && other != ld {
			ld.fail(ctx, &ConflictError{Name: decl.Name})
			return
		}
		l.pending[decl.Name] = ld
		ld.fullNames = append(ld.fullNames, decl.Name)
	}

	// Discover dependencies: script-level imports resolve against the
	// script's own identity, module-level imports against the declaring
	// module's name.
	ld.depName = make(map[*modlang.ImportRequest]string)
	seen := make(map[string]bool)
	scriptRef := hooks.Referer{Address: address}
	if len(ld.fullNames) > 0 {
		scriptRef.Name = ld.fullNames[0]
	}
	if !ld.discoverImports(ctx, unit.Imports, scriptRef, seen) {
		return
	}
	for _, decl := range unit.Modules {
		ref := hooks.Referer{Name: decl.Name, Address: address}
		if !ld.discoverImports(ctx, decl.Imports, ref, seen) {
			return
		}
	}

	ld.status = StatusLoaded
	logger.Debug("Load finished.",
		"names", ld.fullNames, "address", address, "deps", ld.deps)
	for _, ls := range ld.linkSetSnapshot() {
		ls.onLoad(ctx, ld)
	}
}

// discoverImports normalizes each import request, reuses a registry entry or
// in-flight load where one exists, and otherwise starts a brand-new load,
// attaching every owning link set to it. Returns false if the load failed.
func (ld *Load) discoverImports(ctx context.Context, reqs []*modlang.ImportRequest, ref hooks.Referer, seen map[string]bool) bool {
	l := ld.loader
	for _, req := range reqs {
		depLoad, fullName, err := l.requestLoad(ctx, req.Name, ref)
		if err != nil {
			ld.fail(ctx, err)
			return false
		}
		ld.depName[req] = fullName
		if !seen[fullName] {
			seen[fullName] = true
			ld.deps = append(ld.deps, fullName)
		}
		if depLoad == nil || depLoad == ld {
			// Satisfied by the registry, or by a module this very script
			// declares. Nothing further to track.
			continue
		}
		for _, ls := range ld.linkSetSnapshot() {
			ls.addLoad(ctx, depLoad)
		}
	}
	return true
}

// onEndRun is the alternate success path taken when the link hook supplies a
// finished module directly: default linking is skipped and the module is
// committed immediately.
func (ld *Load) onEndRun(ctx context.Context, m *Module) {
	l := ld.loader
	name := ld.fullNames[0]
	m.name = name
	ld.evictPending()
	l.registry[name] = m
	ld.module = m
	ld.status = StatusLinked
	ctxlog.FromContext(ctx).Debug("Load short-circuited by link hook.", "name", name)
	for _, ls := range ld.linkSetSnapshot() {
		ls.onLoad(ctx, ld)
	}
}

// fail transitions the load to StatusFailed and propagates the failure to
// every link set depending on it. Each link set detaches itself in response,
// so the membership set is empty afterward.
func (ld *Load) fail(ctx context.Context, err error) {
	if ld.status == StatusFailed {
		return
	}
	ctxlog.FromContext(ctx).Debug("Load failed.", "names", ld.fullNames, "error", err)
	ld.status = StatusFailed
	ld.err = err
	for _, ls := range ld.linkSetSnapshot() {
		ls.fail(ctx, err)
	}
	if len(ld.linkSets) != 0 {
		panic("loader: link sets survived load failure")
	}
	ld.evictPending()
}

// onLinkSetFail detaches a failed link set. A load left with no dependents is
// evicted from the pending table (unless a later load superseded its entries)
// and abandoned; its outstanding fetch callbacks become no-ops via alive.
func (ld *Load) onLinkSetFail(ctx context.Context, ls *LinkSet) {
	ld.detachLinkSet(ls)
	if len(ld.linkSets) == 0 && ld.status != StatusFailed {
		ctxlog.FromContext(ctx).Debug("Load abandoned, no link sets remain.", "names", ld.fullNames)
		ld.evictPending()
	}
}

// evictPending removes this load's pending-table entries, skipping names a
// later load has taken over.
func (ld *Load) evictPending() {
	for _, name := range ld.fullNames {
		if ld.loader.pending[name] == ld {
			delete(ld.loader.pending, name)
		}
	}
}

func (ld *Load) linkSetSnapshot() []*LinkSet {
	out := make([]*LinkSet, len(ld.linkSets))
	copy(out, ld.linkSets)
	return out
}
