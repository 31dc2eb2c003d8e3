package loader

import (
	"context"
	"sort"

	"github.com/zclconf/go-cty/cty"

	"github.com/jorendorff/js-loaders-sub000/internal/modlang"
)

// Module is a compiled, linked unit of code with a fixed set of named exports.
// The export names are determined when the module is compiled (or when a
// synthetic module is built via NewModule); the values behind them appear when
// the module body executes. Modules have referential identity and are never
// merged.
type Module struct {
	name        string
	decl        *modlang.ModuleDecl
	owner       *script            // declaring script instance, nil for synthetic modules
	bindings    map[string]*Module // local import name -> linked module
	exportNames []string
	exports     map[string]cty.Value
	ran         bool
}

// NewModule builds a synthetic, already-executed module from concrete export
// values. Combined with Set, this supports polyfilling a name in the registry
// without any source involved.
func NewModule(exports map[string]cty.Value) *Module {
	names := make([]string, 0, len(exports))
	vals := make(map[string]cty.Value, len(exports))
	for name, v := range exports {
		names = append(names, name)
		vals[name] = v
	}
	sort.Strings(names)
	return &Module{
		name:        "<module>",
		exportNames: names,
		exports:     vals,
		ran:         true,
	}
}

// Name returns the full module name the module was created under.
func (m *Module) Name() string { return m.name }

// ExportNames returns the module's declared export names in declaration order.
func (m *Module) ExportNames() []string {
	names := make([]string, len(m.exportNames))
	copy(names, m.exportNames)
	return names
}

// Export returns the named export value and whether the name is declared.
// Before the module body has executed, declared exports read as null.
func (m *Module) Export(name string) (cty.Value, bool) {
	if !m.declaresExport(name) {
		return cty.NilVal, false
	}
	if m.ran {
		if v, ok := m.exports[name]; ok {
			return v, true
		}
	}
	return cty.NullVal(cty.DynamicPseudoType), true
}

// Exports returns a copy of the module's current export values.
func (m *Module) Exports() map[string]cty.Value {
	out := make(map[string]cty.Value, len(m.exportNames))
	for _, name := range m.exportNames {
		v, _ := m.Export(name)
		out[name] = v
	}
	return out
}

func (m *Module) declaresExport(name string) bool {
	for _, n := range m.exportNames {
		if n == name {
			return true
		}
	}
	return false
}

// exportsValue is the object other code sees when it imports this module. A
// linked but not-yet-executed module presents its declared exports as nulls;
// this is what the first-executed member of an import cycle observes in its
// unfinished peers.
func (m *Module) exportsValue() cty.Value {
	if len(m.exportNames) == 0 {
		return cty.EmptyObjectVal
	}
	attrs := make(map[string]cty.Value, len(m.exportNames))
	for _, name := range m.exportNames {
		v, _ := m.Export(name)
		attrs[name] = v
	}
	return cty.ObjectVal(attrs)
}

func (m *Module) nodeName() string { return m.name }

func (m *Module) depNodes() []execNode {
	if m.decl == nil {
		return nil
	}
	deps := make([]execNode, 0, len(m.decl.Imports))
	for _, req := range m.decl.Imports {
		if target, ok := m.bindings[req.As]; ok {
			deps = append(deps, target)
		}
	}
	return deps
}

func (m *Module) executed() bool { return m.ran }
func (m *Module) markExecuted()  { m.ran = true }

func (m *Module) run(ctx context.Context, l *Loader) error {
	if m.decl == nil {
		return nil
	}
	out, err := modlang.Evaluate(m.decl.Exports, importVars(m.decl.Imports, m.bindings))
	if err != nil {
		return err
	}
	m.exports = out
	return nil
}

// script is a linked instance of a compiled script: its import bindings, the
// modules it declared, and (after execution) its output values.
type script struct {
	unit     *modlang.Script
	bindings map[string]*Module
	modules  []*Module
	outputs  map[string]cty.Value
	ran      bool
}

func (s *script) nodeName() string { return s.unit.Name }

func (s *script) depNodes() []execNode {
	deps := make([]execNode, 0, len(s.unit.Imports))
	for _, req := range s.unit.Imports {
		if target, ok := s.bindings[req.As]; ok {
			deps = append(deps, target)
		}
	}
	return deps
}

func (s *script) executed() bool { return s.ran }
func (s *script) markExecuted()  { s.ran = true }

func (s *script) run(ctx context.Context, l *Loader) error {
	out, err := modlang.Evaluate(s.unit.Outputs, importVars(s.unit.Imports, s.bindings))
	if err != nil {
		return err
	}
	s.outputs = out
	return nil
}

func (s *script) outputsCopy() map[string]cty.Value {
	out := make(map[string]cty.Value, len(s.outputs))
	for name, v := range s.outputs {
		out[name] = v
	}
	return out
}

// importVars builds the evaluation scope for a unit's body: each import's
// local name bound to the target module's current export object.
func importVars(reqs []*modlang.ImportRequest, bindings map[string]*Module) map[string]cty.Value {
	vars := make(map[string]cty.Value, len(reqs))
	for _, req := range reqs {
		if target, ok := bindings[req.As]; ok {
			vars[req.As] = target.exportsValue()
		}
	}
	return vars
}
