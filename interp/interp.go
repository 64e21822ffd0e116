// Package interp implements the tree-walking interpreter (spec §4.3):
// expression evaluation, schedule-ordered statement solving driven by
// the loop-hoisting table, with-modifier save/restore, and rule
// evaluation with memoization, conflict detection, and recursion
// detection. This is the reference execution path; the compiler/vm
// packages implement the same semantics as a register machine over
// the same AST/Schedule/Table inputs.
package interp

import (
	"strings"
	"time"

	"github.com/ironleaf/polyrule/ast"
	"github.com/ironleaf/polyrule/builtins"
	"github.com/ironleaf/polyrule/hoist"
	"github.com/ironleaf/polyrule/limits"
	"github.com/ironleaf/polyrule/rerr"
	"github.com/ironleaf/polyrule/schedule"
	"github.com/ironleaf/polyrule/value"
)

// Interp holds everything needed to evaluate queries and rules over a
// fixed set of modules: the schedule and hoisting table built ahead of
// time, the builtin registry, and the process-wide resource limits.
type Interp struct {
	Modules             []*ast.Module
	Sched               *schedule.Schedule
	Hoist               *hoist.Table
	Builtins            *builtins.Registry
	InitData            value.Value
	StrictBuiltinErrors bool

	TimeLimit       time.Duration
	TimeCheckEvery  int
	MaxInstructions int64

	rulesByPath map[string][]*ast.Rule
}

// New builds an Interp over a fully scheduled and hoisted module set.
// initData is the base document mounted at "data" before any rule is
// evaluated; it is typically empty and populated entirely by rules,
// but a host may seed static reference data under it.
func New(modules []*ast.Module, sched *schedule.Schedule, tbl *hoist.Table, reg *builtins.Registry, initData value.Value) *Interp {
	ip := &Interp{
		Modules:     modules,
		Sched:       sched,
		Hoist:       tbl,
		Builtins:    reg,
		InitData:    initData,
		rulesByPath: map[string][]*ast.Rule{},
	}
	cfg := limits.DefaultConfig()
	ip.TimeLimit = cfg.TimeLimit
	ip.TimeCheckEvery = cfg.TimeCheckInterval
	ip.MaxInstructions = cfg.MaxInstructions
	for mi, m := range modules {
		m.Index = mi
		for _, r := range m.Rules {
			r.Module = m
			path := strings.Join(rulePath(m, r), ".")
			ip.rulesByPath[path] = append(ip.rulesByPath[path], r)
		}
	}
	return ip
}

func rulePath(m *ast.Module, r *ast.Rule) []string {
	return append(append([]string{}, m.Path...), r.Refr...)
}

// Scope is one nesting level of local variable bindings.
type Scope map[string]value.Value

func cloneScope(s Scope) Scope {
	out := make(Scope, len(s))
	for k, v := range s {
		out[k] = v
	}
	return out
}

// ruleValueEntry is the memoized result of evaluating one rule path.
// "Defined here" spans on conflicts (spec §4.3.4/§7) are attached where
// the conflict is detected, in evalComplete/evalPartialObject/
// callUserFunction, not carried in the memo itself.
type ruleValueEntry struct {
	Value value.Value
}

// evalCtx is a single top-level evaluation's mutable state: the
// document tree, local scope stack, recursion guard, and rule memo
// table. A new evalCtx is created per EvalQuery/EvalRule call from the
// Engine; nested evaluation (comprehensions, rule bodies, function
// calls) all share the same evalCtx so that memoization and the
// active-rule recursion guard work across the whole query.
type evalCtx struct {
	ip    *Interp
	input value.Value
	data  value.Value

	scopes      []Scope
	activeRules []string
	processed   map[string]bool
	ruleValues  map[string]ruleValueEntry

	funcOverrides map[string]value.Value

	budget *limits.Budget
	timer  *limits.ExecutionTimer
}

// newContext creates a fresh evaluation context seeded with input and
// the interpreter's initial data document.
func (ip *Interp) newContext(input value.Value) *evalCtx {
	return &evalCtx{
		ip:            ip,
		input:         input,
		data:          ip.InitData,
		scopes:        []Scope{{}},
		processed:     map[string]bool{},
		ruleValues:    map[string]ruleValueEntry{},
		funcOverrides: map[string]value.Value{},
		budget:        limits.NewBudget(ip.MaxInstructions),
		timer:         limits.NewExecutionTimer(ip.TimeLimit, ip.TimeCheckEvery),
	}
}

// errStop is the internal sentinel used to unwind a search once the
// caller's emit callback asks to stop (e.g. the first solution is
// enough for a rule body or a boolean query).
type stopSearch struct{}

func (stopSearch) Error() string { return "search stopped" }

var errStop error = stopSearch{}

func (ctx *evalCtx) pushScope() {
	ctx.scopes = append(ctx.scopes, Scope{})
}

func (ctx *evalCtx) popScope() {
	ctx.scopes = ctx.scopes[:len(ctx.scopes)-1]
}

func (ctx *evalCtx) top() int { return len(ctx.scopes) - 1 }

func (ctx *evalCtx) bind(name string, v value.Value) {
	if name == "_" {
		return
	}
	ctx.scopes[ctx.top()][name] = v
}

func (ctx *evalCtx) tick() error {
	if err := ctx.budget.Consume(1); err != nil {
		return err
	}
	return ctx.timer.Tick(time.Now())
}

// evalVar resolves a bare identifier: local scope, then the well-known
// "input"/"data" roots, then a same-package rule referenced by its
// bare name, then an import alias (spec §4.3.1 variable resolution
// order). Unresolved names are Undefined, not an error — a local that
// was never bound by an earlier statement behaves like any other
// undefined expression.
func (ctx *evalCtx) evalVar(mod *ast.Module, name string) (value.Value, error) {
	for i := len(ctx.scopes) - 1; i >= 0; i-- {
		if v, ok := ctx.scopes[i][name]; ok {
			return v, nil
		}
	}
	if name == "input" {
		return ctx.input, nil
	}
	if name == "data" {
		return ctx.data, nil
	}
	localPath := append(append([]string{}, mod.Path...), name)
	if _, ok := ctx.ip.rulesByPath[strings.Join(localPath, ".")]; ok {
		return ctx.ensureRule(localPath)
	}
	for _, imp := range mod.Imports {
		if imp.Alias == name {
			if len(imp.Path) > 0 && imp.Path[0] == "future" {
				return value.Undefined, nil
			}
			return ctx.resolveRootedPath(imp.Path)
		}
	}
	return value.Undefined, nil
}

// resolveRootedPath evaluates a fully-qualified dotted path rooted at
// "input" or "data" (used for import aliases, which have already been
// resolved to an absolute path by the parser).
func (ctx *evalCtx) resolveRootedPath(path []string) (value.Value, error) {
	if len(path) == 0 {
		return value.Undefined, nil
	}
	switch path[0] {
	case "input":
		cur := ctx.input
		for _, p := range path[1:] {
			cur = cur.Index(value.String(p))
		}
		return cur, nil
	case "data":
		if _, ok := ctx.ip.rulesByPath[strings.Join(path, ".")]; ok {
			return ctx.ensureRule(path)
		}
		cur := ctx.data
		for _, p := range path[1:] {
			cur = cur.Index(value.String(p))
		}
		return cur, nil
	default:
		return value.Undefined, nil
	}
}

// evalRef evaluates a chained ref expression. When rooted at "data" it
// interleaves indexing with on-demand rule evaluation: every field
// step that matches a known rule path gets that rule evaluated (and
// spliced into the data document) before the index read happens, so a
// ref into an as-yet-unevaluated rule always sees its value.
func (ctx *evalCtx) evalRef(mod *ast.Module, e ast.Expr) (value.Value, error) {
	var cur value.Value
	var path []string
	dataRooted := false

	switch e.RefHead {
	case "input":
		cur = ctx.input
	case "data":
		cur = ctx.data
		path = []string{"data"}
		dataRooted = true
	default:
		v, err := ctx.evalVar(mod, e.RefHead)
		if err != nil {
			return value.Undefined, err
		}
		cur = v
	}

	for _, rp := range e.RefParts {
		if cur.IsUndefined() {
			return value.Undefined, nil
		}
		if rp.Field != "" {
			if dataRooted {
				path = append(path, rp.Field)
				key := strings.Join(path, ".")
				if _, ok := ctx.ip.rulesByPath[key]; ok {
					v, err := ctx.ensureRule(path)
					if err != nil {
						return value.Undefined, err
					}
					cur = v
					continue
				}
			}
			cur = cur.Index(value.String(rp.Field))
			continue
		}
		iv, err := ctx.evalExpr(mod, *rp.Index)
		if err != nil {
			return value.Undefined, err
		}
		cur = cur.Index(iv)
		dataRooted = false
	}
	return cur, nil
}

// evalExpr evaluates a single expression node (spec §4.3.1).
func (ctx *evalCtx) evalExpr(mod *ast.Module, e ast.Expr) (value.Value, error) {
	if err := ctx.tick(); err != nil {
		return value.Undefined, err
	}
	switch e.Kind {
	case ast.ExprNull:
		return value.Null, nil
	case ast.ExprBool:
		return value.Bool(e.Bool), nil
	case ast.ExprNumber:
		return value.NumberFromString(e.Number)
	case ast.ExprString:
		return value.String(e.Str), nil
	case ast.ExprWildcard:
		return value.Undefined, nil
	case ast.ExprVar:
		return ctx.evalVar(mod, e.Var)
	case ast.ExprRef:
		return ctx.evalRef(mod, e)
	case ast.ExprNeg:
		v, err := ctx.evalExpr(mod, *e.Left)
		if err != nil {
			return value.Undefined, err
		}
		return value.Neg(v), nil
	case ast.ExprArith:
		l, err := ctx.evalExpr(mod, *e.Left)
		if err != nil {
			return value.Undefined, err
		}
		r, err := ctx.evalExpr(mod, *e.Right)
		if err != nil {
			return value.Undefined, err
		}
		switch e.ArithOp {
		case ast.OpAdd:
			return value.Add(l, r), nil
		case ast.OpSub:
			return value.Sub(l, r), nil
		case ast.OpMul:
			return value.Mul(l, r), nil
		case ast.OpDiv:
			return value.Div(l, r), nil
		case ast.OpMod:
			return value.Mod(l, r), nil
		}
		return value.Undefined, nil
	case ast.ExprCompare:
		l, err := ctx.evalExpr(mod, *e.Left)
		if err != nil {
			return value.Undefined, err
		}
		r, err := ctx.evalExpr(mod, *e.Right)
		if err != nil {
			return value.Undefined, err
		}
		switch e.CompareOp {
		case ast.OpEq:
			return value.Eq(l, r), nil
		case ast.OpNe:
			return value.Ne(l, r), nil
		case ast.OpLt:
			return value.Lt(l, r), nil
		case ast.OpLe:
			return value.Le(l, r), nil
		case ast.OpGt:
			return value.Gt(l, r), nil
		case ast.OpGe:
			return value.Ge(l, r), nil
		}
		return value.Undefined, nil
	case ast.ExprBin:
		l, err := ctx.evalExpr(mod, *e.Left)
		if err != nil {
			return value.Undefined, err
		}
		r, err := ctx.evalExpr(mod, *e.Right)
		if err != nil {
			return value.Undefined, err
		}
		if l.Kind() != value.KindSet || r.Kind() != value.KindSet {
			if ctx.ip.StrictBuiltinErrors {
				return value.Undefined, rerr.New(rerr.KindBuiltinTypeError, "| and & require set operands").WithSpan(spanOf(e.Pos))
			}
			return value.Undefined, nil
		}
		if e.BinOp == ast.OpUnion {
			return value.SetUnion(l, r), nil
		}
		return value.SetIntersect(l, r), nil
	case ast.ExprMembership:
		return ctx.evalMembership(mod, e)
	case ast.ExprArrayLit:
		elems := make([]value.Value, len(e.Elems))
		for i, el := range e.Elems {
			v, err := ctx.evalExpr(mod, el)
			if err != nil {
				return value.Undefined, err
			}
			if v.IsUndefined() {
				return value.Undefined, nil
			}
			elems[i] = v
		}
		return value.Array(elems...), nil
	case ast.ExprSetLit:
		elems := make([]value.Value, len(e.Elems))
		for i, el := range e.Elems {
			v, err := ctx.evalExpr(mod, el)
			if err != nil {
				return value.Undefined, err
			}
			if v.IsUndefined() {
				return value.Undefined, nil
			}
			elems[i] = v
		}
		return value.NewSet(elems...), nil
	case ast.ExprObjectLit:
		pairs := make([][2]value.Value, len(e.KVs))
		for i, kv := range e.KVs {
			k, err := ctx.evalExpr(mod, kv.Key)
			if err != nil {
				return value.Undefined, err
			}
			v, err := ctx.evalExpr(mod, kv.Val)
			if err != nil {
				return value.Undefined, err
			}
			if k.IsUndefined() || v.IsUndefined() {
				return value.Undefined, nil
			}
			pairs[i] = [2]value.Value{k, v}
		}
		return value.NewObject(pairs...), nil
	case ast.ExprArrayCompr:
		return ctx.evalArrayCompr(mod, e)
	case ast.ExprSetCompr:
		return ctx.evalSetCompr(mod, e)
	case ast.ExprObjectCompr:
		return ctx.evalObjectCompr(mod, e)
	case ast.ExprCall:
		return ctx.evalCall(mod, e)
	case ast.ExprAssign:
		// Reached only when an assignment appears somewhere other than a
		// bare statement position (spec forbids this at parse time, but an
		// evaluator must still resolve gracefully if the AST ever contains
		// one): evaluate the right side and bind the left pattern directly
		// without going through the hoisting table.
		r, err := ctx.evalExpr(mod, *e.Right)
		if err != nil {
			return value.Undefined, err
		}
		if ctx.bindLiteralPattern(*e.Left, r) {
			return value.True, nil
		}
		return value.Undefined, nil
	}
	return value.Undefined, nil
}

func spanOf(p ast.Position) rerr.Span {
	return rerr.Span{Line: p.Line, Col: p.Col, Offset: p.Offset}
}

func (ctx *evalCtx) evalMembership(mod *ast.Module, e ast.Expr) (value.Value, error) {
	coll, err := ctx.evalExpr(mod, *e.Coll)
	if err != nil {
		return value.Undefined, err
	}
	if e.Key != nil {
		kv, err := ctx.evalExpr(mod, *e.Key)
		if err != nil {
			return value.Undefined, err
		}
		vv, err := ctx.evalExpr(mod, *e.Left)
		if err != nil {
			return value.Undefined, err
		}
		if kv.IsUndefined() || vv.IsUndefined() || coll.IsUndefined() {
			return value.Undefined, nil
		}
		idx := coll.Index(kv)
		return value.Bool(!idx.IsUndefined() && value.Equal(idx, vv)), nil
	}
	lv, err := ctx.evalExpr(mod, *e.Left)
	if err != nil {
		return value.Undefined, err
	}
	return value.In(lv, coll), nil
}

// bindLiteralPattern performs ad-hoc destructuring without a
// precomputed plan — only reachable from evalExpr's defensive
// ExprAssign fallback above, so it only needs to handle the simple var
// case faithfully.
func (ctx *evalCtx) bindLiteralPattern(pattern ast.Expr, v value.Value) bool {
	if v.IsUndefined() {
		return false
	}
	if pattern.Kind == ast.ExprWildcard {
		return true
	}
	if pattern.Kind == ast.ExprVar {
		ctx.bind(pattern.Var, v)
		return true
	}
	lit, ok := pattern.Literal()
	return ok && value.Equal(lit, v)
}

func (ctx *evalCtx) evalArrayCompr(mod *ast.Module, e ast.Expr) (value.Value, error) {
	ctx.pushScope()
	defer ctx.popScope()
	var out []value.Value
	_, err := ctx.solveQuery(mod, e.ComprBody, func() (bool, error) {
		v, err := ctx.evalExpr(mod, *e.ComprTerm)
		if err != nil {
			return false, err
		}
		if !v.IsUndefined() {
			out = append(out, v)
		}
		return true, nil
	})
	if err != nil {
		return value.Undefined, err
	}
	return value.Array(out...), nil
}

func (ctx *evalCtx) evalSetCompr(mod *ast.Module, e ast.Expr) (value.Value, error) {
	ctx.pushScope()
	defer ctx.popScope()
	var out []value.Value
	_, err := ctx.solveQuery(mod, e.ComprBody, func() (bool, error) {
		v, err := ctx.evalExpr(mod, *e.ComprTerm)
		if err != nil {
			return false, err
		}
		if !v.IsUndefined() {
			out = append(out, v)
		}
		return true, nil
	})
	if err != nil {
		return value.Undefined, err
	}
	return value.NewSet(out...), nil
}

func (ctx *evalCtx) evalObjectCompr(mod *ast.Module, e ast.Expr) (value.Value, error) {
	ctx.pushScope()
	defer ctx.popScope()
	var pairs [][2]value.Value
	_, err := ctx.solveQuery(mod, e.ComprBody, func() (bool, error) {
		k, err := ctx.evalExpr(mod, *e.ComprKey)
		if err != nil {
			return false, err
		}
		v, err := ctx.evalExpr(mod, *e.ComprTerm)
		if err != nil {
			return false, err
		}
		if !k.IsUndefined() && !v.IsUndefined() {
			pairs = append(pairs, [2]value.Value{k, v})
		}
		return true, nil
	})
	if err != nil {
		return value.Undefined, err
	}
	return value.NewObject(pairs...), nil
}
