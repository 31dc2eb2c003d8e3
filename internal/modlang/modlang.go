// Package modlang defines the HCL source language for modules and scripts and
// compiles source text into the loader's executable units.
//
// A script file contains three kinds of top-level blocks:
//
//	import "util/strings" {
//	  as    = "strs"            # optional local name, defaults to "strings"
//	  names = ["upper"]         # optional export names to validate at link time
//	}
//
//	module "app/greeting" {
//	  import "util/strings" {}
//	  export "greeting" { value = "hello" }
//	}
//
//	output "message" { value = greeting.greeting }
//
// A module's export names are fixed at compile time; the values behind them
// are computed once, when the module body executes. Import scanning is purely
// syntactic, so a compiled unit's dependency list never changes.
package modlang

import (
	"fmt"
	"strings"

	"github.com/hashicorp/hcl/v2"
	"github.com/hashicorp/hcl/v2/hclsyntax"
	"github.com/zclconf/go-cty/cty"
)

// Script is a compiled but unlinked executable unit. It may declare zero or
// more named modules alongside its own imports and outputs.
type Script struct {
	// Name is the display name used in diagnostics, typically the address
	// the source was fetched from.
	Name string

	Imports []*ImportRequest
	Modules []*ModuleDecl
	Outputs []*ValueDecl
}

// ModuleDecl is one module declaration embedded in a script.
type ModuleDecl struct {
	// Name is the full module name being declared.
	Name string

	Imports []*ImportRequest
	Exports []*ValueDecl
}

// ImportRequest is one syntactic import declaration.
type ImportRequest struct {
	// Name is the module name exactly as written in the source, before
	// normalization.
	Name string

	// As is the local variable the imported module's exports are bound to.
	As string

	// Names lists export names the importer requires the target module to
	// declare. Empty means no per-name validation.
	Names []string
}

// ValueDecl is a named expression: an export inside a module, or an output at
// script level.
type ValueDecl struct {
	Name  string
	Value hcl.Expression
}

// ExportNames returns the module's declared export names in declaration order.
func (d *ModuleDecl) ExportNames() []string {
	names := make([]string, len(d.Exports))
	for i, e := range d.Exports {
		names[i] = e.Name
	}
	return names
}

// Evaluate computes the named values in declaration order. vars maps each
// import's local name to an object of the target module's current exports.
func Evaluate(decls []*ValueDecl, vars map[string]cty.Value) (map[string]cty.Value, error) {
	evalCtx := &hcl.EvalContext{Variables: vars}
	out := make(map[string]cty.Value, len(decls))
	for _, d := range decls {
		v, diags := d.Value.Value(evalCtx)
		if diags.HasErrors() {
			return nil, fmt.Errorf("failed to evaluate %q: %w", d.Name, diags)
		}
		out[d.Name] = v
	}
	return out, nil
}

// DefaultLocalName derives the local binding name for an import that carries
// no "as" attribute: the last path segment, coerced into a valid identifier.
func DefaultLocalName(moduleName string) string {
	seg := moduleName
	if i := strings.LastIndex(seg, "/"); i >= 0 {
		seg = seg[i+1:]
	}
	var b strings.Builder
	for i, r := range seg {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r == '_':
			b.WriteRune(r)
		case r >= '0' && r <= '9':
			if i == 0 {
				b.WriteRune('_')
			}
			b.WriteRune(r)
		default:
			b.WriteRune('_')
		}
	}
	if b.Len() == 0 {
		return "_"
	}
	return b.String()
}

// validIdentifier reports whether s can be referenced as an HCL variable.
func validIdentifier(s string) bool {
	return s != "" && hclsyntax.ValidIdentifier(s)
}
