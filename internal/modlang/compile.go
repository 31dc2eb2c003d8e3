package modlang

import (
	"fmt"

	"github.com/hashicorp/hcl/v2"
	"github.com/hashicorp/hcl/v2/gohcl"
	"github.com/hashicorp/hcl/v2/hclparse"
)

// hclScriptFile mirrors the top-level structure of a script for decoding.
type hclScriptFile struct {
	Imports []*hclImportBlock `hcl:"import,block"`
	Modules []*hclModuleBlock `hcl:"module,block"`
	Outputs []*hclValueBlock  `hcl:"output,block"`
}

type hclImportBlock struct {
	Name  string   `hcl:"name,label"`
	As    string   `hcl:"as,optional"`
	Names []string `hcl:"names,optional"`
}

type hclModuleBlock struct {
	Name    string            `hcl:"name,label"`
	Imports []*hclImportBlock `hcl:"import,block"`
	Exports []*hclValueBlock  `hcl:"export,block"`
}

type hclValueBlock struct {
	Name  string         `hcl:"name,label"`
	Value hcl.Expression `hcl:"value,attr"`
}

// Compile parses source text and builds a Script, validating that declared
// names are unique and that every import binds to a usable local name.
func Compile(source, filename string) (*Script, error) {
	parser := hclparse.NewParser()
	file, diags := parser.ParseHCL([]byte(source), filename)
	if diags.HasErrors() {
		return nil, fmt.Errorf("failed to parse %s: %w", filename, diags)
	}

	var raw hclScriptFile
	diags = gohcl.DecodeBody(file.Body, nil, &raw)
	if diags.HasErrors() {
		return nil, fmt.Errorf("failed to decode %s: %w", filename, diags)
	}

	script := &Script{Name: filename}

	imports, err := buildImports(raw.Imports, filename)
	if err != nil {
		return nil, err
	}
	script.Imports = imports

	declared := make(map[string]bool, len(raw.Modules))
	for _, mb := range raw.Modules {
		if mb.Name == "" {
			return nil, fmt.Errorf("%s: module declaration with empty name", filename)
		}
		if declared[mb.Name] {
			return nil, fmt.Errorf("%s: module %q declared more than once", filename, mb.Name)
		}
		declared[mb.Name] = true

		decl := &ModuleDecl{Name: mb.Name}
		decl.Imports, err = buildImports(mb.Imports, filename)
		if err != nil {
			return nil, err
		}
		decl.Exports, err = buildValues(mb.Exports, filename, "export")
		if err != nil {
			return nil, err
		}
		script.Modules = append(script.Modules, decl)
	}

	script.Outputs, err = buildValues(raw.Outputs, filename, "output")
	if err != nil {
		return nil, err
	}

	return script, nil
}

// buildImports converts decoded import blocks, fills in default local names,
// and rejects colliding bindings within the same scope.
func buildImports(blocks []*hclImportBlock, filename string) ([]*ImportRequest, error) {
	locals := make(map[string]string, len(blocks))
	reqs := make([]*ImportRequest, 0, len(blocks))
	for _, ib := range blocks {
		if ib.Name == "" {
			return nil, fmt.Errorf("%s: import with empty module name", filename)
		}
		local := ib.As
		if local == "" {
			local = DefaultLocalName(ib.Name)
		}
		if !validIdentifier(local) {
			return nil, fmt.Errorf("%s: import %q: %q is not a valid local name", filename, ib.Name, local)
		}
		if prev, ok := locals[local]; ok {
			return nil, fmt.Errorf("%s: imports %q and %q both bind local name %q", filename, prev, ib.Name, local)
		}
		locals[local] = ib.Name
		reqs = append(reqs, &ImportRequest{Name: ib.Name, As: local, Names: ib.Names})
	}
	return reqs, nil
}

// buildValues converts decoded export/output blocks, rejecting duplicates.
func buildValues(blocks []*hclValueBlock, filename, kind string) ([]*ValueDecl, error) {
	seen := make(map[string]bool, len(blocks))
	decls := make([]*ValueDecl, 0, len(blocks))
	for _, vb := range blocks {
		if vb.Name == "" {
			return nil, fmt.Errorf("%s: %s with empty name", filename, kind)
		}
		if seen[vb.Name] {
			return nil, fmt.Errorf("%s: %s %q declared more than once", filename, kind, vb.Name)
		}
		seen[vb.Name] = true
		decls = append(decls, &ValueDecl{Name: vb.Name, Value: vb.Value})
	}
	return decls, nil
}
