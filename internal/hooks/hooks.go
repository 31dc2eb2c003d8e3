// Package hooks defines the five pluggable policy functions the loader
// pipeline calls out to, and ships a default implementation that resolves
// module names to files under a root directory or URLs under a base address.
//
// The pipeline owns everything else; name and address semantics live entirely
// here.
package hooks

import (
	"github.com/zclconf/go-cty/cty"
)

// Referer identifies the importing context for a normalize/resolve call.
type Referer struct {
	// Name is the full (normalized) name of the importing module, or empty
	// for top-level requests.
	Name string
	// Address is where the importing script was fetched from, when known.
	Address string
}

// NormalizeOptions carries context into the normalize hook.
type NormalizeOptions struct {
	Referer Referer
}

// NormalizeResult is the normalize hook's result: the full module name used
// as the registry key, plus optional metadata handed on to the resolve hook.
type NormalizeResult struct {
	Normalized string
	Metadata   map[string]any
}

// ResolveOptions carries context into the resolve hook.
type ResolveOptions struct {
	Referer  Referer
	Metadata map[string]any
}

// ResolveResult is the resolve hook's result.
type ResolveResult struct {
	// Address is where to fetch the module's source from.
	Address string
	// Extra names additional modules bundled at the same address. None of
	// them may already be registered or loading elsewhere.
	Extra []string
}

// FetchRequest describes one fetch.
type FetchRequest struct {
	Address string
	// Normalized is the requested module name, empty for direct script
	// loads.
	Normalized string
	Referer    Referer
}

// FulfillFunc delivers fetched source text and the actual address it came
// from (which may differ from the requested one, e.g. after a redirect).
type FulfillFunc func(source, actualAddress string)

// RejectFunc delivers a fetch failure.
type RejectFunc func(err error)

// TranslateOptions carries context into the translate hook.
type TranslateOptions struct {
	Normalized string
	Address    string
}

// LinkOptions carries context into the link hook.
type LinkOptions struct {
	Normalized string
	Address    string
}

// Hooks is the strategy interface for loader policy. Implementations may
// embed Default and override individual methods.
type Hooks interface {
	// Normalize turns a name as written in an import into the full module
	// name used as the registry key.
	Normalize(name string, opts NormalizeOptions) (NormalizeResult, error)

	// Resolve turns a full module name into a fetchable address.
	Resolve(normalized string, opts ResolveOptions) (ResolveResult, error)

	// Fetch obtains source text for an address. It must call fulfill or
	// reject, each at most once; the pipeline guards against duplicate or
	// late invocations, and a hook that never calls back leaves the request
	// pending forever. Fetch may complete synchronously or from another
	// goroutine.
	Fetch(req FetchRequest, fulfill FulfillFunc, reject RejectFunc)

	// Translate rewrites fetched source text before compilation.
	Translate(source string, opts TranslateOptions) (string, error)

	// Link inspects fetched source before default compilation. Returning a
	// non-nil export map bypasses default linking entirely: the loader
	// registers a finished module with exactly those exports. Returning
	// (nil, nil) selects the default compile-then-link path.
	Link(source string, opts LinkOptions) (map[string]cty.Value, error)
}
