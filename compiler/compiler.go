// Package compiler lowers a parsed, scheduled, and hoisted module set into
// a vm.Program: the register-machine artifact spec §4.4 describes. It
// shares every upstream stage (parser/schedule/hoist/builtins) with the
// tree-walking interp package and produces semantically equivalent code —
// the VM's choice-point backtracking (vm/exec.go) stands in for the
// interpreter's recursive solveFrom/solveLoops, which is why the compiler
// itself never needs to emit explicit backtracking control flow: it just
// lowers statements in schedule order and lets OpLoopStart's choice points
// do the rest. The fluent builder shape mirrors the real enterprise-opa
// vm.NewCompiler().WithPolicy(...).WithBuiltins(...).Compile() API
// (other_examples, rego_vm plugin), same as the vm package itself.
package compiler

import (
	"sort"
	"strings"

	"github.com/ironleaf/polyrule/ast"
	"github.com/ironleaf/polyrule/builtins"
	"github.com/ironleaf/polyrule/hoist"
	"github.com/ironleaf/polyrule/interp"
	"github.com/ironleaf/polyrule/rerr"
	"github.com/ironleaf/polyrule/schedule"
	"github.com/ironleaf/polyrule/value"
	"github.com/ironleaf/polyrule/vm"
)

// Compiler builds one vm.Program from a fixed module set. Chain the With*
// setters before calling Compile.
type Compiler struct {
	modules  []*ast.Module
	sched    *schedule.Schedule
	hoist    *hoist.Table
	builtins *builtins.Registry

	ip          *interp.Interp
	rulesByPath map[string][]*ast.Rule

	instrs  []vm.Instruction
	spans   []rerr.Span
	literals []value.Value
	litIdx   map[string]int
	strs     []string
	strIdx   map[string]int

	rules           []vm.RuleInfo
	entryPoints     map[string]int
	entryPointOrder []string

	runtimeRecursionCheck bool

	pending []pendingBlock
}

type pendingBlock struct {
	patch func(startPC int)
	run   func() error
}

// NewCompiler constructs an empty, unconfigured Compiler.
func NewCompiler() *Compiler {
	return &Compiler{
		litIdx:      map[string]int{},
		strIdx:      map[string]int{},
		entryPoints: map[string]int{},
	}
}

func (c *Compiler) WithModules(m []*ast.Module) *Compiler         { c.modules = m; return c }
func (c *Compiler) WithSchedule(s *schedule.Schedule) *Compiler   { c.sched = s; return c }
func (c *Compiler) WithHoist(h *hoist.Table) *Compiler            { c.hoist = h; return c }
func (c *Compiler) WithBuiltins(r *builtins.Registry) *Compiler   { c.builtins = r; return c }

// Compile lowers every rule in every module into the returned Program.
// Unlike the interpreter's on-demand ensureRule, this compiles every
// definition unconditionally up front: a CompiledPolicy is a shared,
// immutable artifact a host may query by any rule path, not just a single
// fixed entrypoint.
func (c *Compiler) Compile() (*vm.Program, error) {
	c.ip = interp.New(c.modules, c.sched, c.hoist, c.builtins, value.NewObject())
	c.rulesByPath = map[string][]*ast.Rule{}
	for _, m := range c.modules {
		for _, r := range m.Rules {
			r.Module = m
			key := strings.Join(rulePath(m, r), ".")
			c.rulesByPath[key] = append(c.rulesByPath[key], r)
		}
	}

	if err := c.checkStaticRecursion(); err != nil {
		return nil, err
	}

	for _, m := range c.modules {
		for _, r := range m.Rules {
			if err := c.compileRuleDef(m, r); err != nil {
				return nil, err
			}
		}
	}

	paths := make([]string, 0, len(c.rulesByPath))
	for path := range c.rulesByPath {
		paths = append(paths, path)
	}
	sort.Strings(paths)
	for _, path := range paths {
		pc := len(c.instrs)
		c.append(vm.Instruction{Op: vm.OpVirtualDataLookup, A: 0, Imm: c.poolString(path)}, rerr.Span{})
		c.append(vm.Instruction{Op: vm.OpReturn}, rerr.Span{})
		c.entryPoints[path] = pc
		c.entryPointOrder = append(c.entryPointOrder, path)
		c.runtimeRecursionCheck = true
	}

	if err := c.drainPending(); err != nil {
		return nil, err
	}

	return &vm.Program{
		Version:               vm.ProgramVersion,
		Instructions:          c.instrs,
		Literals:              c.literals,
		Strings:               c.strs,
		Spans:                 c.spans,
		Rules:                 c.rules,
		EntryPoints:           c.entryPoints,
		EntryPointNames:       c.entryPointOrder,
		Builtins:              c.referencedBuiltins(),
		RuntimeRecursionCheck: c.runtimeRecursionCheck,
	}, nil
}

// referencedBuiltins scans the compiled instruction stream for every
// distinct OpBuiltinCall target, pairing each with its registered arity
// (spec §4.5.5's builtin-info table).
func (c *Compiler) referencedBuiltins() []vm.BuiltinInfo {
	seen := map[string]bool{}
	var out []vm.BuiltinInfo
	for _, instr := range c.instrs {
		if instr.Op != vm.OpBuiltinCall {
			continue
		}
		name := c.strs[instr.Imm]
		if seen[name] {
			continue
		}
		seen[name] = true
		out = append(out, vm.BuiltinInfo{Name: name, Arity: c.builtins.Arity(name)})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

func rulePath(m *ast.Module, r *ast.Rule) []string {
	return append(append([]string{}, m.Path...), r.Refr...)
}

func (c *Compiler) append(instr vm.Instruction, span rerr.Span) int {
	idx := len(c.instrs)
	c.instrs = append(c.instrs, instr)
	c.spans = append(c.spans, span)
	return idx
}

func (c *Compiler) deferBlock(patch func(int), run func() error) {
	c.pending = append(c.pending, pendingBlock{patch: patch, run: run})
}

func (c *Compiler) drainPending() error {
	for len(c.pending) > 0 {
		pb := c.pending[0]
		c.pending = c.pending[1:]
		pb.patch(len(c.instrs))
		if err := pb.run(); err != nil {
			return err
		}
	}
	return nil
}

func (c *Compiler) poolLiteral(v value.Value) int {
	h := v.Hash()
	if idx, ok := c.litIdx[h]; ok {
		return idx
	}
	idx := len(c.literals)
	c.literals = append(c.literals, v)
	c.litIdx[h] = idx
	return idx
}

func (c *Compiler) poolString(s string) int {
	if idx, ok := c.strIdx[s]; ok {
		return idx
	}
	idx := len(c.strs)
	c.strs = append(c.strs, s)
	c.strIdx[s] = idx
	return idx
}

func spanOf(p ast.Position) rerr.Span {
	return rerr.Span{Line: p.Line, Col: p.Col, Offset: p.Offset}
}
