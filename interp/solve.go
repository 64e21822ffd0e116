package interp

import (
	"github.com/ironleaf/polyrule/ast"
	"github.com/ironleaf/polyrule/hoist"
	"github.com/ironleaf/polyrule/value"
)

// solveQuery enumerates every satisfying binding combination for q in
// schedule order, invoking emit once per solution. emit returns
// (keepGoing, err); returning keepGoing=false stops the search early
// (used by rule-body/boolean evaluation, which only needs the first
// solution) without treating the stop as an error. solveQuery reports
// whether at least one solution was found.
func (ctx *evalCtx) solveQuery(mod *ast.Module, q *ast.Query, emit func() (bool, error)) (bool, error) {
	if q == nil || len(q.Stmts) == 0 {
		// An empty query is vacuously true (used for bodiless complete and
		// function rule definitions).
		_, err := emit()
		return true, err
	}
	order := ctx.ip.Sched.Order(mod.Index, q.QIdx)
	bySidx := make(map[int]*ast.LiteralStmt, len(q.Stmts))
	for _, st := range q.Stmts {
		bySidx[st.SIdx] = st
	}
	found := false
	err := ctx.solveFrom(mod, q, order, bySidx, 0, emit, &found)
	if err == errStop {
		err = nil
	}
	return found, err
}

func (ctx *evalCtx) solveFrom(mod *ast.Module, q *ast.Query, order []int, bySidx map[int]*ast.LiteralStmt, idx int, emit func() (bool, error), found *bool) error {
	if idx == len(order) {
		*found = true
		keepGoing, err := emit()
		if err != nil {
			return err
		}
		if !keepGoing {
			return errStop
		}
		return nil
	}

	st := bySidx[order[idx]]
	snap, skip, err := ctx.applyWith(mod, st.With)
	if err != nil {
		return err
	}
	if skip {
		return nil
	}
	// overridden captures the post-applyWith state so continueToNext can
	// put it back once it is done recursing into the statements after
	// st — the override must hold only for st's own evaluation (spec
	// §4.3.3), never for what follows it.
	var overridden *withSnapshot
	if snap != nil {
		overridden = ctx.snapshotWithState()
	}

	entry := ctx.ip.Hoist.Lookup(mod.Index, q.QIdx, st.SIdx)

	// continueToNext restores the real (pre-with) state before recursing
	// past st, then reinstates st's override afterward so a further
	// hoisted-loop iteration or backtrack of st itself still runs with
	// it active.
	continueToNext := func() error {
		if snap != nil {
			ctx.restoreWithState(snap)
		}
		err := ctx.solveFrom(mod, q, order, bySidx, idx+1, emit, found)
		if snap != nil {
			ctx.restoreWithState(overridden)
		}
		return err
	}

	next := func() error {
		if entry != nil && len(entry.Loops) > 0 {
			return ctx.solveLoops(mod, entry, 0, func() error {
				ok, err := ctx.evalStmtCore(mod, st, entry)
				if err != nil {
					return err
				}
				if !ok {
					return nil
				}
				return continueToNext()
			})
		}
		top := ctx.top()
		saved := cloneScope(ctx.scopes[top])
		ok, err := ctx.evalStmtCore(mod, st, entry)
		if err != nil {
			ctx.scopes[top] = saved
			return err
		}
		if !ok {
			ctx.scopes[top] = saved
			return nil
		}
		err = continueToNext()
		if err != nil && err != errStop {
			ctx.scopes[top] = saved
			return err
		}
		stop := err == errStop
		ctx.scopes[top] = saved
		if stop {
			return errStop
		}
		return nil
	}

	err = next()
	if snap != nil {
		ctx.restoreWithState(snap)
	}
	return err
}

// evalStmtCore evaluates the "core" truth test of a statement, assuming
// any hoisted loop bindings for it have already been applied to the
// current scope.
func (ctx *evalCtx) evalStmtCore(mod *ast.Module, st *ast.LiteralStmt, entry *hoist.Entry) (bool, error) {
	switch st.Kind {
	case ast.LitExpr:
		if st.Expr.Kind == ast.ExprAssign {
			r, err := ctx.evalExpr(mod, *st.Expr.Right)
			if err != nil {
				return false, err
			}
			if r.IsUndefined() {
				return false, nil
			}
			return ctx.applyPlan(entry, st.Expr.Left.EIdx, r)
		}
		v, err := ctx.evalExpr(mod, st.Expr)
		if err != nil {
			return false, err
		}
		return v.IsTruthy(), nil

	case ast.LitNot:
		v, err := ctx.evalExpr(mod, st.Expr)
		if err != nil {
			return false, err
		}
		return !v.IsTruthy(), nil

	case ast.LitSome, ast.LitSomeIn, ast.LitEvery:
		// All of the actual work for these three kinds (iteration,
		// pattern matching) happens in solveLoops before evalStmtCore is
		// reached; getting here at all means it already succeeded.
		return true, nil
	}
	return false, nil
}

// applyPlan looks up the binding plan for a pattern expression and
// matches val against it, mutating the current top scope.
func (ctx *evalCtx) applyPlan(entry *hoist.Entry, patternEIdx int, val value.Value) (bool, error) {
	plan := entry.Plan(patternEIdx)
	if plan == nil {
		return false, hoist.MissingPlan(patternEIdx)
	}
	return ctx.applyDestructure(plan.Destructure, val), nil
}

// applyDestructure recursively matches val against a DestructuringPlan,
// binding variables into the current top scope as it goes. When an
// array/object shape fails partway, the bindings made for the earlier
// sub-patterns stay in the scope; the callers restore the scope
// themselves (solveFrom/solveLoops via their saved snapshot).
func (ctx *evalCtx) applyDestructure(d *hoist.DestructuringPlan, val value.Value) bool {
	if d == nil {
		return true
	}
	if val.IsUndefined() {
		return false
	}
	switch d.Kind {
	case hoist.DestructWildcard:
		return true
	case hoist.DestructVar:
		ctx.bind(d.VarName, val)
		return true
	case hoist.DestructLiteral:
		if d.Literal.IsUndefined() {
			// Opaque non-pattern sub-expression (spec §4.2 note): accept
			// structurally, the surrounding expression evaluation already
			// resolved it on its own.
			return true
		}
		return value.Equal(d.Literal, val)
	case hoist.DestructArray:
		if val.Kind() != value.KindArray || len(val.Array()) != len(d.Elems) {
			return false
		}
		elems := val.Array()
		for i, sub := range d.Elems {
			if !ctx.applyDestructure(sub, elems[i]) {
				return false
			}
		}
		return true
	case hoist.DestructObject:
		if val.Kind() != value.KindObject {
			return false
		}
		for i, k := range d.Keys {
			v := val.Index(k)
			if v.IsUndefined() {
				return false
			}
			if !ctx.applyDestructure(d.Vals[i], v) {
				return false
			}
		}
		return true
	}
	return false
}

// errEveryBreak stops iterateCollection's traversal from inside
// evalEveryLoop only; it never escapes that function, so it cannot be
// confused with the outer search's errStop sentinel.
type everyBreak struct{}

func (everyBreak) Error() string { return "every: element failed" }

var errEveryBreak error = everyBreak{}

// solveLoops runs every hoisted loop for one statement in order
// (outermost first), then invokes body once bindings for all of them
// are in place for a given combination.
func (ctx *evalCtx) solveLoops(mod *ast.Module, entry *hoist.Entry, i int, body func() error) error {
	if i == len(entry.Loops) {
		return body()
	}
	loop := entry.Loops[i]

	if loop.Kind == hoist.LoopEvery {
		ok, err := ctx.evalEveryLoop(mod, loop, entry)
		if err != nil {
			return err
		}
		if !ok {
			return nil
		}
		return ctx.solveLoops(mod, entry, i+1, body)
	}

	collV, err := ctx.evalExpr(mod, loop.Collection)
	if err != nil {
		return err
	}
	if collV.IsUndefined() {
		return nil
	}

	top := ctx.top()
	return ctx.iterateCollection(collV, func(k, v value.Value) error {
		saved := cloneScope(ctx.scopes[top])
		ok := true
		if loop.Index != nil {
			plan := entry.Plan(loop.Index.EIdx)
			if plan == nil {
				ctx.scopes[top] = saved
				return hoist.MissingPlan(loop.Index.EIdx)
			}
			ok = ctx.applyDestructure(plan.Destructure, k)
		}
		if ok && loop.HasValue {
			plan := entry.Plan(loop.Value.EIdx)
			if plan == nil {
				ctx.scopes[top] = saved
				return hoist.MissingPlan(loop.Value.EIdx)
			}
			ok = ctx.applyDestructure(plan.Destructure, v)
		}
		if !ok {
			ctx.scopes[top] = saved
			return nil
		}
		err := ctx.solveLoops(mod, entry, i+1, body)
		if err != nil && err != errStop {
			ctx.scopes[top] = saved
			return err
		}
		stop := err == errStop
		ctx.scopes[top] = saved
		if stop {
			return errStop
		}
		return nil
	})
}

// evalEveryLoop evaluates `every k?, v in dom { query }`: it must hold
// for every element of dom (vacuously true over an empty collection),
// each checked in its own fresh scope so bindings from one element
// never leak into the next.
func (ctx *evalCtx) evalEveryLoop(mod *ast.Module, loop hoist.Loop, entry *hoist.Entry) (bool, error) {
	collV, err := ctx.evalExpr(mod, loop.Collection)
	if err != nil {
		return false, err
	}
	if collV.IsUndefined() {
		return false, nil
	}

	all := true
	err = ctx.iterateCollection(collV, func(k, v value.Value) error {
		ctx.pushScope()
		defer ctx.popScope()
		if loop.Index != nil {
			if plan := entry.Plan(loop.Index.EIdx); plan != nil {
				ctx.applyDestructure(plan.Destructure, k)
			}
		}
		if plan := entry.Plan(loop.Value.EIdx); plan != nil {
			ctx.applyDestructure(plan.Destructure, v)
		}
		ok, err := ctx.solveQuery(mod, loop.Body, func() (bool, error) { return false, nil })
		if err != nil {
			return err
		}
		if !ok {
			all = false
			return errEveryBreak
		}
		return nil
	})
	if err != nil && err != errEveryBreak {
		return false, err
	}
	return all, nil
}

// iterateCollection calls fn once per (key, value) pair of coll in
// canonical order: index/element for arrays, element/element for
// sets, key/value for objects.
func (ctx *evalCtx) iterateCollection(coll value.Value, fn func(k, v value.Value) error) error {
	switch coll.Kind() {
	case value.KindArray:
		for i, e := range coll.Array() {
			if err := fn(value.Int(int64(i)), e); err != nil {
				return err
			}
		}
	case value.KindSet:
		for _, e := range coll.SetElems() {
			if err := fn(e, e); err != nil {
				return err
			}
		}
	case value.KindObject:
		for _, kv := range coll.ObjectEntries() {
			if err := fn(kv.Key, kv.Value); err != nil {
				return err
			}
		}
	}
	return nil
}
