// Package hoist implements the loop hoister and destructuring planner
// (spec §4.2): for every statement it identifies iteration sites —
// `collection[index]` sub-expressions whose index is a fresh local, plus
// `walk` calls — and builds a BindingPlan for every pattern expression
// (assignment targets, some-in targets, function parameters, loop
// indices, walk outputs). Both the interpreter and the compiler drive
// their loop/binding execution entirely off this table; an absent entry
// where one is required is a programmer error in this module, not a
// policy error.
package hoist

import (
	"github.com/ironleaf/polyrule/ast"
	"github.com/ironleaf/polyrule/rerr"
	"github.com/ironleaf/polyrule/schedule"
	"github.com/ironleaf/polyrule/value"
)

// LoopKind distinguishes the three iteration-site shapes from spec §4.2.
type LoopKind int

const (
	LoopForEach LoopKind = iota
	LoopEvery
	LoopWalk
)

// Loop describes one hoisted iteration site: a collection to range over,
// an optional index/key pattern, and a value pattern.
type Loop struct {
	Kind       LoopKind
	SourceEIdx int // EIdx of the expression that triggered this hoist
	Collection ast.Expr
	Index      *ast.Expr // nil when the statement does not bind an index/key
	Value      ast.Expr
	HasValue   bool       // false for plain ref-hoisted loops, which only bind Index
	Body       *ast.Query // LoopEvery only: the nested query to satisfy for every element
}

// PlanKind distinguishes the four BindingPlan shapes from spec §4.2.
type PlanKind int

const (
	PlanAssignment PlanKind = iota
	PlanParameter
	PlanLoopIndex
	PlanSomeIn
)

// BindingPlan associates one pattern expression with how a runtime
// value should be matched against it and which variables get bound.
type BindingPlan struct {
	Kind        PlanKind
	PatternEIdx int
	Destructure *DestructuringPlan
}

// DestructureKind enumerates the recursive pattern shapes a
// DestructuringPlan can describe.
type DestructureKind int

const (
	DestructVar DestructureKind = iota
	DestructWildcard
	DestructLiteral
	DestructArray
	DestructObject
)

// DestructuringPlan recursively describes how to match a runtime Value
// against a pattern expression and what variables to bind in the
// process.
type DestructuringPlan struct {
	Kind DestructureKind

	VarName string // DestructVar

	Literal value.Value // DestructLiteral: exact-match constant embedded in the pattern

	Elems []*DestructuringPlan // DestructArray: positional sub-plans

	Keys []value.Value        // DestructObject: literal keys, parallel to Vals
	Vals []*DestructuringPlan // DestructObject: sub-plans for each key
}

// Key identifies one statement within a compiled policy's module set.
type Key struct {
	Module int
	Query  int
	Stmt   int // SIdx
}

// Entry is the hoisting-table row for one statement: its ordered loops
// (outermost first) plus a binding plan per pattern expression
// encountered while building them.
type Entry struct {
	Loops []Loop
	Plans map[int]*BindingPlan // keyed by pattern EIdx
}

// Table is the hoisting table for an entire compiled policy.
type Table struct {
	Entries map[Key]*Entry
}

// Lookup returns the hoisting entry for a statement, or nil if the
// statement has no hoisted loops or binding plans (a plain boolean
// test, for instance).
func (t *Table) Lookup(module, query, stmt int) *Entry {
	return t.Entries[Key{Module: module, Query: query, Stmt: stmt}]
}

// Plan returns the binding plan for a pattern expression within a
// statement's entry, or nil.
func (e *Entry) Plan(eidx int) *BindingPlan {
	if e == nil {
		return nil
	}
	return e.Plans[eidx]
}

// Build constructs the hoisting table for every query reachable from
// every rule body in modules, using sched to know which variables are
// already bound by the time a given statement executes.
func Build(modules []*ast.Module, sched *schedule.Schedule) (*Table, error) {
	t := &Table{Entries: map[Key]*Entry{}}
	for mi, m := range modules {
		for _, r := range m.Rules {
			// Function parameters get Parameter plans rooted outside any
			// query; file them under the synthetic query slot -1, with a
			// statement slot derived from the rule's source offset, so the
			// compiler/interpreter can look them up per rule.
			if r.Kind == ast.RuleFunction && len(r.Params) > 0 {
				e := &Entry{Plans: map[int]*BindingPlan{}}
				for _, param := range r.Params {
					planPattern(param, PlanParameter, e.Plans)
				}
				t.Entries[Key{Module: mi, Query: -1, Stmt: -(r.Pos.Offset + 1)}] = e
			}
			for _, b := range r.Bodies {
				if err := buildTree(t, mi, b.Query, sched, nil); err != nil {
					return nil, err
				}
			}
		}
	}
	return t, nil
}

func buildTree(t *Table, moduleIdx int, q *ast.Query, sched *schedule.Schedule, outerBound map[string]bool) error {
	if q == nil {
		return nil
	}
	order := sched.Order(moduleIdx, q.QIdx)
	bySidx := map[int]*ast.LiteralStmt{}
	for _, st := range q.Stmts {
		bySidx[st.SIdx] = st
	}

	bound := map[string]bool{}
	for v := range outerBound {
		bound[v] = true
	}
	for _, sidx := range order {
		st := bySidx[sidx]
		entry, err := buildStmt(st, bound)
		if err != nil {
			return err
		}
		if entry != nil {
			t.Entries[Key{Module: moduleIdx, Query: q.QIdx, Stmt: sidx}] = entry
		}
		for v := range schedule.BoundVars(st) {
			bound[v] = true
		}

		if st.Kind == ast.LitEvery {
			innerBound := map[string]bool{}
			for v := range bound {
				innerBound[v] = true
			}
			if st.EveryKey != nil {
				innerBound[st.EveryKey.Var] = true
			}
			innerBound[st.EveryVal.Var] = true
			if err := buildTree(t, moduleIdx, st.EveryBody, sched, innerBound); err != nil {
				return err
			}
		}
		if err := buildNestedCompr(t, moduleIdx, &st.Expr, sched, bound); err != nil {
			return err
		}
	}
	return nil
}

func buildNestedCompr(t *Table, moduleIdx int, e *ast.Expr, sched *schedule.Schedule, bound map[string]bool) error {
	if e == nil {
		return nil
	}
	if e.ComprBody != nil {
		if err := buildTree(t, moduleIdx, e.ComprBody, sched, bound); err != nil {
			return err
		}
	}
	for _, sub := range []*ast.Expr{e.Left, e.Right, e.Key, e.Coll, e.ComprTerm, e.ComprKey} {
		if err := buildNestedCompr(t, moduleIdx, sub, sched, bound); err != nil {
			return err
		}
	}
	for i := range e.Elems {
		if err := buildNestedCompr(t, moduleIdx, &e.Elems[i], sched, bound); err != nil {
			return err
		}
	}
	for i := range e.CallArgs {
		if err := buildNestedCompr(t, moduleIdx, &e.CallArgs[i], sched, bound); err != nil {
			return err
		}
	}
	return nil
}

// buildStmt produces the Entry for one statement given the set of
// variables already bound by earlier-scheduled statements in the same
// query.
func buildStmt(st *ast.LiteralStmt, bound map[string]bool) (*Entry, error) {
	e := &Entry{Plans: map[int]*BindingPlan{}}

	switch st.Kind {
	case ast.LitSomeIn:
		e.Loops = append(e.Loops, Loop{
			Kind:       LoopForEach,
			SourceEIdx: st.SomeVal.EIdx,
			Collection: st.SomeColl,
			Index:      st.SomeKey,
			Value:      st.SomeVal,
			HasValue:   true,
		})
		planPattern(st.SomeVal, PlanSomeIn, e.Plans)
		if st.SomeKey != nil {
			planPattern(*st.SomeKey, PlanSomeIn, e.Plans)
		}

	case ast.LitEvery:
		e.Loops = append(e.Loops, Loop{
			Kind:       LoopEvery,
			SourceEIdx: st.EveryVal.EIdx,
			Collection: st.EveryDom,
			Index:      st.EveryKey,
			Value:      st.EveryVal,
			HasValue:   true,
			Body:       st.EveryBody,
		})
		planPattern(st.EveryVal, PlanLoopIndex, e.Plans)
		if st.EveryKey != nil {
			planPattern(*st.EveryKey, PlanLoopIndex, e.Plans)
		}

	case ast.LitExpr:
		if st.Expr.Kind == ast.ExprAssign && st.Expr.Left != nil {
			if err := findRefLoops(*st.Expr.Right, bound, e); err != nil {
				return nil, err
			}
			planPattern(*st.Expr.Left, PlanAssignment, e.Plans)
		} else {
			if err := findRefLoops(st.Expr, bound, e); err != nil {
				return nil, err
			}
		}

	case ast.LitNot:
		if err := findRefLoops(st.Expr, bound, e); err != nil {
			return nil, err
		}
	}

	if len(e.Loops) == 0 && len(e.Plans) == 0 {
		return nil, nil
	}
	return e, nil
}

// findRefLoops walks e looking for `collection[index]` sub-expressions
// whose index variable is not in bound, and for calls to walk, each of
// which becomes a hoisted Loop on e.
func findRefLoops(e ast.Expr, bound map[string]bool, out *Entry) error {
	if e.Kind == ast.ExprRef {
		prefix := ast.Expr{Kind: ast.ExprRef, RefHead: e.RefHead, Pos: e.Pos}
		for _, rp := range e.RefParts {
			if rp.Index != nil && rp.Index.Kind == ast.ExprVar && !bound[rp.Index.Var] {
				loop := Loop{
					Kind:       LoopForEach,
					SourceEIdx: e.EIdx,
					Collection: prefix,
					Index:      rp.Index,
				}
				out.Loops = append(out.Loops, loop)
				bound[rp.Index.Var] = true
				planPattern(*rp.Index, PlanLoopIndex, out.Plans)
			} else if rp.Index != nil {
				if err := findRefLoops(*rp.Index, bound, out); err != nil {
					return err
				}
			}
			if rp.Field != "" {
				prefix.RefParts = append(prefix.RefParts, rp)
			} else {
				prefix.RefParts = append(prefix.RefParts, ast.RefPart{Index: rp.Index})
			}
		}
		return nil
	}
	if e.Kind == ast.ExprCall && len(e.CallFunc) == 1 && e.CallFunc[0] == "walk" && len(e.CallArgs) >= 1 {
		// Collection is the whole `walk(x)` call, not its argument: walk
		// is an eager builtin (see builtins.bWalk) whose result is the set
		// of [path, value] pairs to range over, not the argument itself.
		out.Loops = append(out.Loops, Loop{
			Kind:       LoopWalk,
			SourceEIdx: e.EIdx,
			Collection: e,
		})
	}
	for _, a := range e.CallArgs {
		if err := findRefLoops(a, bound, out); err != nil {
			return err
		}
	}
	for _, el := range e.Elems {
		if err := findRefLoops(el, bound, out); err != nil {
			return err
		}
	}
	for _, kv := range e.KVs {
		if err := findRefLoops(kv.Key, bound, out); err != nil {
			return err
		}
		if err := findRefLoops(kv.Val, bound, out); err != nil {
			return err
		}
	}
	for _, sub := range []*ast.Expr{e.Left, e.Right, e.Key, e.Coll} {
		if sub != nil {
			if err := findRefLoops(*sub, bound, out); err != nil {
				return err
			}
		}
	}
	return nil
}

// planPattern builds a BindingPlan (and its recursive DestructuringPlan)
// for a pattern expression and records it under the pattern's EIdx.
func planPattern(pattern ast.Expr, kind PlanKind, plans map[int]*BindingPlan) {
	plans[pattern.EIdx] = &BindingPlan{
		Kind:        kind,
		PatternEIdx: pattern.EIdx,
		Destructure: buildDestructure(pattern),
	}
}

func buildDestructure(e ast.Expr) *DestructuringPlan {
	switch e.Kind {
	case ast.ExprWildcard:
		return &DestructuringPlan{Kind: DestructWildcard}
	case ast.ExprVar:
		return &DestructuringPlan{Kind: DestructVar, VarName: e.Var}
	case ast.ExprArrayLit:
		elems := make([]*DestructuringPlan, len(e.Elems))
		for i, el := range e.Elems {
			elems[i] = buildDestructure(el)
		}
		return &DestructuringPlan{Kind: DestructArray, Elems: elems}
	case ast.ExprObjectLit:
		keys := make([]value.Value, len(e.KVs))
		vals := make([]*DestructuringPlan, len(e.KVs))
		for i, kv := range e.KVs {
			k, ok := kv.Key.Literal()
			if !ok {
				k = value.String(kv.Key.Str)
			}
			keys[i] = k
			vals[i] = buildDestructure(kv.Val)
		}
		return &DestructuringPlan{Kind: DestructObject, Keys: keys, Vals: vals}
	default:
		if v, ok := e.Literal(); ok {
			return &DestructuringPlan{Kind: DestructLiteral, Literal: v}
		}
		// Non-literal, non-pattern sub-expression (e.g. a ref on an
		// assignment LHS target for a rewrite). Treat as an opaque literal
		// match against whatever it evaluates to; the interpreter/compiler
		// resolve it in their own expression-evaluation path instead.
		return &DestructuringPlan{Kind: DestructLiteral}
	}
}

// MissingPlan builds the internal error spec §4.2 requires when an
// operation needs a binding plan that Build did not produce.
func MissingPlan(eidx int) error {
	return rerr.New(rerr.KindMissingBindingPlan, "no binding plan for pattern expression")
}

// FuncParamKey returns the synthetic statement key Build files a
// RuleFunction's parameter plans under.
func FuncParamKey(moduleIdx int, r *ast.Rule) Key {
	return Key{Module: moduleIdx, Query: -1, Stmt: -(r.Pos.Offset + 1)}
}

// FuncParamPlans returns the per-parameter binding plans for a function
// rule, in declaration order, or nil if the rule takes no parameters.
func (t *Table) FuncParamPlans(moduleIdx int, r *ast.Rule) []*BindingPlan {
	e := t.Entries[FuncParamKey(moduleIdx, r)]
	if e == nil {
		return nil
	}
	out := make([]*BindingPlan, len(r.Params))
	for i, p := range r.Params {
		out[i] = e.Plans[p.EIdx]
	}
	return out
}
