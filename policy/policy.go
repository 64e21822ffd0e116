// Package policy implements the CompiledPolicy artifact (spec §5, §6.1
// compile_with_entrypoint/compile_for_target): a frozen module set plus
// whichever execution target it was compiled for, immutable once built
// so a host can share one instance across many concurrent evaluators.
// Each evaluator gets its own interp.Interp/vm.VM handle derived from
// the shared artifact — mutation (strict-builtin-errors, limits) always
// happens on that per-evaluator copy, never on the shared CompiledPolicy,
// mirroring the teacher's context-carries-overrides convention
// (runtime/execution/context.go's ExecutionContext.WithMode).
package policy

import (
	"context"
	"strings"

	"github.com/ironleaf/polyrule/ast"
	"github.com/ironleaf/polyrule/builtins"
	"github.com/ironleaf/polyrule/compiler"
	"github.com/ironleaf/polyrule/hoist"
	"github.com/ironleaf/polyrule/interp"
	"github.com/ironleaf/polyrule/limits"
	"github.com/ironleaf/polyrule/rerr"
	"github.com/ironleaf/polyrule/schedule"
	"github.com/ironleaf/polyrule/value"
	"github.com/ironleaf/polyrule/vm"
)

// Target names the execution backend a CompiledPolicy was built for,
// per SPEC_FULL §4.8's generalized compile_for_target.
type Target string

const (
	TargetInterp Target = "interp"
	TargetVM     Target = "vm"
)

// CompiledPolicy is the immutable result of compiling a fixed module
// set against one Target. Safe for concurrent use by multiple
// Evaluators; nothing here is mutated after Compile returns.
type CompiledPolicy struct {
	target   Target
	modules  []*ast.Module
	sched    *schedule.Schedule
	hoist    *hoist.Table
	builtins *builtins.Registry
	initData value.Value

	ip   *interp.Interp // set when target == TargetInterp
	prog *vm.Program    // set when target == TargetVM
}

// Compile schedules and hoists modules, then lowers them against
// target. reg is consulted both for interp builtin dispatch and, for
// TargetVM, to resolve OpBuiltinCall operands at compile time.
func Compile(modules []*ast.Module, reg *builtins.Registry, initData value.Value, target Target) (*CompiledPolicy, error) {
	sched, err := schedule.Build(modules)
	if err != nil {
		return nil, err
	}
	tbl, err := hoist.Build(modules, sched)
	if err != nil {
		return nil, err
	}

	cp := &CompiledPolicy{
		target:   target,
		modules:  modules,
		sched:    sched,
		hoist:    tbl,
		builtins: reg,
		initData: initData,
	}

	switch target {
	case TargetInterp:
		cp.ip = interp.New(modules, sched, tbl, reg, initData)
	case TargetVM:
		prog, err := compiler.NewCompiler().
			WithModules(modules).
			WithSchedule(sched).
			WithHoist(tbl).
			WithBuiltins(reg).
			Compile()
		if err != nil {
			return nil, err
		}
		cp.prog = prog
	default:
		return nil, rerr.New(rerr.KindInvalidDataFormat, "unknown compile target "+string(target))
	}
	return cp, nil
}

// Target reports which backend this policy was compiled for.
func (cp *CompiledPolicy) Target() Target { return cp.target }

// Program exposes the compiled vm.Program for serialization (spec
// §6.3); nil unless Target() == TargetVM.
func (cp *CompiledPolicy) Program() *vm.Program { return cp.prog }

// Modules exposes the frozen module set, e.g. so a host can list known
// rule paths for "did you mean" suggestions.
func (cp *CompiledPolicy) Modules() []*ast.Module { return cp.modules }

// Options configures one Evaluator; zero value means "use process-wide
// defaults" for every limit field, matching limits.DefaultConfig.
type Options struct {
	StrictBuiltinErrors bool
	Limits              limits.Config
}

// Evaluator is a single-threaded handle bound to one CompiledPolicy and
// one set of per-call overrides (spec §5: one VM/engine per thread; no
// intra-evaluation parallelism). Never shared across goroutines.
type Evaluator struct {
	policy *CompiledPolicy
	opts   Options
	data   value.Value // initData cloned at construction (spec §5)
}

// NewEvaluator derives a fresh Evaluator from cp. data overlays cp's
// compile-time initData (e.g. a host's add_data calls since compiling);
// pass value.Undefined to just use cp's initData unchanged.
func (cp *CompiledPolicy) NewEvaluator(opts Options, data value.Value) *Evaluator {
	base := cp.initData
	if !data.IsUndefined() {
		base = value.ObjectMerge(cp.initData, data)
	}
	return &Evaluator{policy: cp, opts: opts, data: base}
}

// interp builds a private *interp.Interp carrying this evaluator's
// overrides, copied from the shared one so concurrent evaluators never
// race on StrictBuiltinErrors/limit fields.
func (e *Evaluator) interp() *interp.Interp {
	ip := *e.policy.ip
	ip.InitData = e.data
	ip.StrictBuiltinErrors = e.opts.StrictBuiltinErrors
	cfg := e.opts.Limits
	if cfg.TimeLimit > 0 {
		ip.TimeLimit = cfg.TimeLimit
	}
	if cfg.TimeCheckInterval > 0 {
		ip.TimeCheckEvery = cfg.TimeCheckInterval
	}
	if cfg.MaxInstructions > 0 {
		ip.MaxInstructions = cfg.MaxInstructions
	}
	return &ip
}

func (e *Evaluator) vm() *vm.VM {
	return vm.NewVM().
		WithProgram(e.policy.prog).
		WithData(e.data).
		WithBuiltins(e.policy.builtins).
		WithStrictBuiltinErrors(e.opts.StrictBuiltinErrors).
		WithLimits(vm.Limits{
			Instructions:      e.opts.Limits.MaxInstructions,
			TimeLimit:         e.opts.Limits.TimeLimit,
			TimeCheckInterval: e.opts.Limits.TimeCheckInterval,
		})
}

// EvalRule evaluates the rule(s) contributing to the dotted data path
// (e.g. "data.t.allow") against input, dispatching to whichever
// backend this policy was compiled for.
func (e *Evaluator) EvalRule(ctx context.Context, input value.Value, path string) (value.Value, error) {
	switch e.policy.target {
	case TargetInterp:
		return e.interp().EvalRule(input, strings.Split(path, "."))
	default:
		return e.vm().WithInput(input).EvalRule(ctx, path)
	}
}

// EvalEntryPoint runs a named compiled entry point (TargetVM only —
// the interpreter has no separate entry-point table, it resolves rule
// paths directly) against input.
func (e *Evaluator) EvalEntryPoint(ctx context.Context, input value.Value, name string) (value.Value, error) {
	if e.policy.target != TargetVM {
		return value.Undefined, rerr.New(rerr.KindInvalidRulePath, "entry points require a vm-target CompiledPolicy")
	}
	return e.vm().WithInput(input).EvalEntry(ctx, name)
}

// EvalEntryPointByIndex runs a compiled entry point by its stable
// position in the program's EntryPointNames order (spec §6.2
// execute_entry_point_by_index), TargetVM only.
func (e *Evaluator) EvalEntryPointByIndex(ctx context.Context, input value.Value, idx int) (value.Value, error) {
	if e.policy.target != TargetVM {
		return value.Undefined, rerr.New(rerr.KindInvalidRulePath, "entry points require a vm-target CompiledPolicy")
	}
	return e.vm().WithInput(input).EvalEntryByIndex(ctx, idx)
}

// EvalQueryBool reports whether an ad-hoc query has at least one
// solution, used by the engine's eval_bool_query/eval_allow_query/
// eval_deny_query shapes.
func (e *Evaluator) EvalQueryBool(ctx context.Context, input value.Value, mod *ast.Module, q *ast.Query) (bool, error) {
	if e.policy.target != TargetInterp {
		return false, rerr.New(rerr.KindInvalidDataFormat, "ad-hoc queries require an interp-target CompiledPolicy")
	}
	return e.interp().EvalQuery(input, mod, q)
}

// EvalQueryResults evaluates an ad-hoc query and collects every
// solution's bindings and top-level expression values (spec §6.1
// eval_query), rather than just reporting success/failure.
func (e *Evaluator) EvalQueryResults(input value.Value, mod *ast.Module, q *ast.Query) ([]interp.QueryResult, error) {
	if e.policy.target != TargetInterp {
		return nil, rerr.New(rerr.KindInvalidDataFormat, "ad-hoc queries require an interp-target CompiledPolicy")
	}
	return e.interp().EvalQueryResults(input, mod, q)
}
