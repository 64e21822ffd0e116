package compiler

import "github.com/ironleaf/polyrule/ast"

// referencedVars collects every variable name syntactically mentioned
// anywhere within q (including inside its own nested loops and
// comprehensions), used to decide which outer-bound registers an
// Every-loop or comprehension's nested child frame needs captured into
// it via OpLoopStart/OpComprehensionBegin's Args convention. This is
// deliberately conservative: a name that happens to also be rebound
// inside the nested query is harmless to capture (the rebind simply
// shadows it), so over-including costs an unused register slot rather
// than a correctness bug.
func referencedVars(q *ast.Query) map[string]bool {
	out := map[string]bool{}
	if q == nil {
		return out
	}
	for _, st := range q.Stmts {
		collectStmtVars(st, out)
	}
	return out
}

func collectStmtVars(st *ast.LiteralStmt, out map[string]bool) {
	switch st.Kind {
	case ast.LitExpr, ast.LitNot:
		collectExprVars(&st.Expr, out)
	case ast.LitSomeIn:
		if st.SomeKey != nil {
			collectExprVars(st.SomeKey, out)
		}
		collectExprVars(&st.SomeVal, out)
		collectExprVars(&st.SomeColl, out)
	case ast.LitEvery:
		if st.EveryKey != nil {
			collectExprVars(st.EveryKey, out)
		}
		collectExprVars(&st.EveryVal, out)
		collectExprVars(&st.EveryDom, out)
		for inner := range referencedVars(st.EveryBody) {
			out[inner] = true
		}
	}
	for _, w := range st.With {
		collectExprVars(&w.As, out)
	}
}

func collectExprVars(e *ast.Expr, out map[string]bool) {
	if e == nil {
		return
	}
	switch e.Kind {
	case ast.ExprVar:
		out[e.Var] = true
	case ast.ExprRef:
		out[e.RefHead] = true
		for _, rp := range e.RefParts {
			if rp.Index != nil {
				collectExprVars(rp.Index, out)
			}
		}
	case ast.ExprNeg:
		collectExprVars(e.Left, out)
	case ast.ExprArith, ast.ExprCompare, ast.ExprBin:
		collectExprVars(e.Left, out)
		collectExprVars(e.Right, out)
	case ast.ExprMembership:
		if e.Key != nil {
			collectExprVars(e.Key, out)
		}
		collectExprVars(e.Left, out)
		collectExprVars(e.Coll, out)
	case ast.ExprArrayCompr, ast.ExprSetCompr, ast.ExprObjectCompr:
		if e.ComprKey != nil {
			collectExprVars(e.ComprKey, out)
		}
		collectExprVars(e.ComprTerm, out)
		for inner := range referencedVars(e.ComprBody) {
			out[inner] = true
		}
	case ast.ExprCall:
		for _, a := range e.CallArgs {
			collectExprVars(&a, out)
		}
	case ast.ExprArrayLit, ast.ExprSetLit:
		for _, el := range e.Elems {
			collectExprVars(&el, out)
		}
	case ast.ExprObjectLit:
		for _, kv := range e.KVs {
			collectExprVars(&kv.Key, out)
			collectExprVars(&kv.Val, out)
		}
	case ast.ExprAssign:
		collectExprVars(e.Left, out)
		collectExprVars(e.Right, out)
	}
}

// captureArgs builds the (outerReg, childReg) pair list for every name in
// vars that the outer scope already has a register for, allocating the
// paired register in child for each.
func captureArgs(vars map[string]bool, outer, child *scope) ([]uint8, error) {
	var args []uint8
	for name := range vars {
		outerReg, ok := outer.lookup(name)
		if !ok {
			continue
		}
		childReg, err := child.alloc()
		if err != nil {
			return nil, err
		}
		child.vars[name] = childReg
		args = append(args, outerReg, childReg)
	}
	return args, nil
}
