// Package schedule implements the per-query statement scheduler (spec
// §4.1): given a query's statements in declaration order, it produces a
// permutation that respects variable-binding dependencies, falling back
// to declaration order wherever nothing constrains the choice.
package schedule

import (
	"github.com/ironleaf/polyrule/ast"
	"github.com/ironleaf/polyrule/rerr"
)

// Key identifies one query within a compiled policy's module set.
type Key struct {
	Module int
	Query  int
}

// Schedule holds one statement order per (module, query) pair. Orders are
// expressed as permutations of SIdx values, matching the contract in
// spec §4.1.
type Schedule struct {
	Orders map[Key][]int
}

// Order returns the scheduled statement order for a query, or nil if the
// query was never scheduled (an internal error at any later stage).
func (s *Schedule) Order(module, query int) []int {
	return s.Orders[Key{Module: module, Query: query}]
}

// Build schedules every query reachable from every rule body in modules,
// including queries nested inside comprehensions and every-statements.
func Build(modules []*ast.Module) (*Schedule, error) {
	s := &Schedule{Orders: map[Key][]int{}}
	for mi, m := range modules {
		for _, r := range m.Rules {
			for _, b := range r.Bodies {
				if err := scheduleTree(s, mi, b.Query); err != nil {
					return nil, err
				}
			}
		}
	}
	return s, nil
}

func scheduleTree(s *Schedule, moduleIdx int, q *ast.Query) error {
	if q == nil {
		return nil
	}
	order, err := scheduleQuery(q)
	if err != nil {
		return err
	}
	s.Orders[Key{Module: moduleIdx, Query: q.QIdx}] = order
	for _, st := range q.Stmts {
		if st.Kind == ast.LitEvery {
			if err := scheduleTree(s, moduleIdx, st.EveryBody); err != nil {
				return err
			}
		}
		if err := scheduleNestedCompr(s, moduleIdx, &st.Expr); err != nil {
			return err
		}
	}
	return nil
}

// scheduleNestedCompr walks an expression tree for comprehension bodies
// (array/set/object) and schedules each one independently.
func scheduleNestedCompr(s *Schedule, moduleIdx int, e *ast.Expr) error {
	if e == nil {
		return nil
	}
	if e.ComprBody != nil {
		if err := scheduleTree(s, moduleIdx, e.ComprBody); err != nil {
			return err
		}
	}
	for _, sub := range []*ast.Expr{e.Left, e.Right, e.Key, e.Coll, e.ComprTerm, e.ComprKey} {
		if err := scheduleNestedCompr(s, moduleIdx, sub); err != nil {
			return err
		}
	}
	for i := range e.Elems {
		if err := scheduleNestedCompr(s, moduleIdx, &e.Elems[i]); err != nil {
			return err
		}
	}
	for i := range e.KVs {
		if err := scheduleNestedCompr(s, moduleIdx, &e.KVs[i].Key); err != nil {
			return err
		}
		if err := scheduleNestedCompr(s, moduleIdx, &e.KVs[i].Val); err != nil {
			return err
		}
	}
	for i := range e.CallArgs {
		if err := scheduleNestedCompr(s, moduleIdx, &e.CallArgs[i]); err != nil {
			return err
		}
	}
	for _, rp := range e.RefParts {
		if err := scheduleNestedCompr(s, moduleIdx, rp.Index); err != nil {
			return err
		}
	}
	return nil
}

// scheduleQuery orders one query's statements. It builds a dependency
// graph (statement that binds v -> statement that uses v) and runs a
// stable Kahn's-algorithm topological sort: at every step the
// lowest-declaration-position ready statement is placed next, so
// independent statements keep their source order.
func scheduleQuery(q *ast.Query) ([]int, error) {
	n := len(q.Stmts)
	if n == 0 {
		return nil, nil
	}

	bound := make([]map[string]bool, n)
	used := make([]map[string]bool, n)
	for i, st := range q.Stmts {
		bound[i] = BoundVars(st)
		used[i] = UsedVars(st)
	}

	bindingStmt := map[string]int{}
	for i := range q.Stmts {
		for v := range bound[i] {
			if _, ok := bindingStmt[v]; !ok {
				bindingStmt[v] = i
			}
		}
	}

	edges := make([][]int, n)
	indeg := make([]int, n)
	added := make([]map[int]bool, n)
	for i := range added {
		added[i] = map[int]bool{}
	}
	for j := range q.Stmts {
		for v := range used[j] {
			i, ok := bindingStmt[v]
			if !ok || i == j || added[i][j] {
				continue
			}
			added[i][j] = true
			edges[i] = append(edges[i], j)
			indeg[j]++
		}
	}

	placed := make([]bool, n)
	order := make([]int, 0, n)
	for len(order) < n {
		progressed := false
		for i := 0; i < n; i++ {
			if placed[i] || indeg[i] > 0 {
				continue
			}
			placed[i] = true
			order = append(order, q.Stmts[i].SIdx)
			for _, j := range edges[i] {
				indeg[j]--
			}
			progressed = true
			break
		}
		if !progressed {
			pos := q.Stmts[0].Pos
			return nil, rerr.New(rerr.KindScheduleImpossible, "cyclic variable dependency among statements in query").
				WithSpan(rerr.Span{Line: pos.Line, Col: pos.Col, Offset: pos.Offset})
		}
	}
	return order, nil
}

// BoundVars returns the set of variable names a statement binds, i.e.
// the names a later statement in the same query may depend on.
func BoundVars(st *ast.LiteralStmt) map[string]bool {
	out := map[string]bool{}
	switch st.Kind {
	case ast.LitExpr:
		if st.Expr.Kind == ast.ExprAssign && st.Expr.Left != nil {
			CollectPatternVars(*st.Expr.Left, out)
		}
	case ast.LitSome:
		for _, v := range st.SomeVars {
			out[v] = true
		}
	case ast.LitSomeIn:
		CollectPatternVars(st.SomeVal, out)
		if st.SomeKey != nil {
			CollectPatternVars(*st.SomeKey, out)
		}
	}
	return out
}

// CollectPatternVars walks a destructuring pattern (var, wildcard, or
// array/object literal of patterns) collecting every bound name.
func CollectPatternVars(e ast.Expr, out map[string]bool) {
	switch e.Kind {
	case ast.ExprVar:
		out[e.Var] = true
	case ast.ExprArrayLit, ast.ExprSetLit:
		for _, el := range e.Elems {
			CollectPatternVars(el, out)
		}
	case ast.ExprObjectLit:
		for _, kv := range e.KVs {
			CollectPatternVars(kv.Val, out)
		}
	}
}

// UsedVars returns every variable a statement reads. For an assignment
// statement this is the right-hand side plus any dynamic index
// expressions nested in the left-hand pattern; bound names themselves
// are excluded.
func UsedVars(st *ast.LiteralStmt) map[string]bool {
	out := map[string]bool{}
	switch st.Kind {
	case ast.LitExpr:
		if st.Expr.Kind == ast.ExprAssign {
			if st.Expr.Right != nil {
				CollectFreeVars(*st.Expr.Right, out)
			}
			CollectIndexVars(*st.Expr.Left, out)
		} else {
			CollectFreeVars(st.Expr, out)
		}
	case ast.LitNot:
		CollectFreeVars(st.Expr, out)
	case ast.LitSomeIn:
		CollectFreeVars(st.SomeColl, out)
	case ast.LitEvery:
		CollectFreeVars(st.EveryDom, out)
	}
	for _, w := range st.With {
		CollectFreeVars(w.As, out)
	}
	for b := range BoundVars(st) {
		delete(out, b)
	}
	return out
}

// CollectIndexVars walks a destructuring pattern collecting variables
// used inside dynamic ref indices (e.g. `arr[i]` on an assignment LHS),
// which are reads, not bindings.
func CollectIndexVars(e ast.Expr, out map[string]bool) {
	if e.Kind == ast.ExprRef {
		for _, rp := range e.RefParts {
			if rp.Index != nil {
				CollectFreeVars(*rp.Index, out)
			}
		}
	}
	for _, el := range e.Elems {
		CollectIndexVars(el, out)
	}
	for _, kv := range e.KVs {
		CollectIndexVars(kv.Val, out)
	}
}

// CollectFreeVars recursively collects every ExprVar name and every
// ref-head other than input/data reachable from e.
func CollectFreeVars(e ast.Expr, out map[string]bool) {
	switch e.Kind {
	case ast.ExprVar:
		out[e.Var] = true
	case ast.ExprRef:
		if e.RefHead != "input" && e.RefHead != "data" {
			out[e.RefHead] = true
		}
		for _, rp := range e.RefParts {
			if rp.Index != nil {
				CollectFreeVars(*rp.Index, out)
			}
		}
	case ast.ExprCall:
		for _, a := range e.CallArgs {
			CollectFreeVars(a, out)
		}
	case ast.ExprArrayLit, ast.ExprSetLit:
		for _, el := range e.Elems {
			CollectFreeVars(el, out)
		}
	case ast.ExprObjectLit:
		for _, kv := range e.KVs {
			CollectFreeVars(kv.Key, out)
			CollectFreeVars(kv.Val, out)
		}
	case ast.ExprArrayCompr, ast.ExprSetCompr, ast.ExprObjectCompr:
		// Comprehension bodies are scheduled independently; only the
		// closed-over outer names matter here, which for this module's
		// purposes we conservatively skip (they are resolved at eval time
		// through scope lookup, not statement ordering).
	}
	for _, sub := range []*ast.Expr{e.Left, e.Right, e.Key, e.Coll} {
		if sub != nil {
			CollectFreeVars(*sub, out)
		}
	}
}
