package interp

import (
	"strconv"
	"strings"
	"time"

	"github.com/ironleaf/polyrule/ast"
	"github.com/ironleaf/polyrule/value"
)

// ExpressionResult is one top-level expression's outcome within a single
// query solution (spec §6.1 eval_query's QueryResult.expressions).
type ExpressionResult struct {
	Value    value.Value
	Text     string
	Location ast.Position
}

// QueryResult is one satisfying solution of an ad-hoc query: the
// variable bindings in scope plus the value of every top-level
// expression statement, mirroring the real host-facing query-results
// shape (other_examples, open-policy-agent rego.ResultSet).
type QueryResult struct {
	Bindings    map[string]value.Value
	Expressions []ExpressionResult
}

// EvalQueryResults evaluates an ad-hoc query and collects every
// solution it produces (spec §6.1 eval_query), as opposed to EvalQuery
// which only reports whether one exists. emit is driven with
// keepGoing=true throughout so solveQuery enumerates the full solution
// set instead of stopping at the first.
func (ip *Interp) EvalQueryResults(input value.Value, mod *ast.Module, q *ast.Query) ([]QueryResult, error) {
	ctx := ip.newContext(input)
	ctx.timer.Start(time.Now())
	ctx.pushScope()
	defer ctx.popScope()

	exprStmts := make([]*ast.LiteralStmt, 0, len(q.Stmts))
	for _, st := range q.Stmts {
		if st.Kind == ast.LitExpr {
			exprStmts = append(exprStmts, st)
		}
	}

	var results []QueryResult
	_, err := ctx.solveQuery(mod, q, func() (bool, error) {
		res := QueryResult{Bindings: snapshotBindings(ctx.scopes[ctx.top()])}
		for _, st := range exprStmts {
			v, err := ctx.evalExpr(mod, st.Expr)
			if err != nil {
				return false, err
			}
			res.Expressions = append(res.Expressions, ExpressionResult{
				Value:    v,
				Text:     renderExpr(st.Expr),
				Location: st.Pos,
			})
		}
		results = append(results, res)
		return true, nil
	})
	if err != nil {
		return nil, err
	}
	return results, nil
}

func snapshotBindings(s Scope) map[string]value.Value {
	out := make(map[string]value.Value, len(s))
	for k, v := range s {
		if strings.HasPrefix(k, "$") {
			continue // compiler/interp-internal synthetic temporaries
		}
		out[k] = v
	}
	return out
}

// renderExpr best-effort reconstructs source text for an expression, for
// display in QueryResult.Expressions.Text. It does not need to round-trip
// exactly; it exists so a host can show the user which expression a
// value came from.
func renderExpr(e ast.Expr) string {
	var sb strings.Builder
	writeExpr(&sb, e)
	return sb.String()
}

func writeExpr(sb *strings.Builder, e ast.Expr) {
	switch e.Kind {
	case ast.ExprNull:
		sb.WriteString("null")
	case ast.ExprBool:
		sb.WriteString(strconv.FormatBool(e.Bool))
	case ast.ExprNumber:
		sb.WriteString(e.Number)
	case ast.ExprString:
		sb.WriteString(strconv.Quote(e.Str))
	case ast.ExprVar, ast.ExprWildcard:
		if e.Kind == ast.ExprWildcard {
			sb.WriteString("_")
		} else {
			sb.WriteString(e.Var)
		}
	case ast.ExprRef:
		sb.WriteString(e.RefHead)
		for _, p := range e.RefParts {
			if p.Index != nil {
				sb.WriteString("[")
				writeExpr(sb, *p.Index)
				sb.WriteString("]")
			} else {
				sb.WriteString(".")
				sb.WriteString(p.Field)
			}
		}
	case ast.ExprArith:
		writeBinary(sb, e.Left, arithOpStr(e.ArithOp), e.Right)
	case ast.ExprCompare:
		writeBinary(sb, e.Left, compareOpStr(e.CompareOp), e.Right)
	case ast.ExprBin:
		op := "|"
		if e.BinOp == ast.OpIntersect {
			op = "&"
		}
		writeBinary(sb, e.Left, op, e.Right)
	case ast.ExprMembership:
		if e.Key != nil {
			writeExpr(sb, *e.Key)
			sb.WriteString(", ")
		}
		writeExpr(sb, *e.Left)
		sb.WriteString(" in ")
		writeExpr(sb, *e.Coll)
	case ast.ExprCall:
		sb.WriteString(strings.Join(e.CallFunc, "."))
		sb.WriteString("(")
		for i, a := range e.CallArgs {
			if i > 0 {
				sb.WriteString(", ")
			}
			writeExpr(sb, a)
		}
		sb.WriteString(")")
	case ast.ExprNeg:
		sb.WriteString("-")
		writeExpr(sb, *e.Left)
	case ast.ExprArrayLit:
		sb.WriteString("[")
		for i, el := range e.Elems {
			if i > 0 {
				sb.WriteString(", ")
			}
			writeExpr(sb, el)
		}
		sb.WriteString("]")
	case ast.ExprSetLit:
		sb.WriteString("{")
		for i, el := range e.Elems {
			if i > 0 {
				sb.WriteString(", ")
			}
			writeExpr(sb, el)
		}
		sb.WriteString("}")
	case ast.ExprObjectLit:
		sb.WriteString("{")
		for i, kv := range e.KVs {
			if i > 0 {
				sb.WriteString(", ")
			}
			writeExpr(sb, kv.Key)
			sb.WriteString(": ")
			writeExpr(sb, kv.Val)
		}
		sb.WriteString("}")
	case ast.ExprAssign:
		op := "="
		if e.AssignDef {
			op = ":="
		}
		writeBinary(sb, e.Left, op, e.Right)
	case ast.ExprArrayCompr:
		sb.WriteString("[")
		writeExpr(sb, *e.ComprTerm)
		sb.WriteString(" | ...]")
	case ast.ExprSetCompr:
		sb.WriteString("{")
		writeExpr(sb, *e.ComprTerm)
		sb.WriteString(" | ...}")
	case ast.ExprObjectCompr:
		sb.WriteString("{...}")
	default:
		sb.WriteString("<expr>")
	}
}

func writeBinary(sb *strings.Builder, l *ast.Expr, op string, r *ast.Expr) {
	writeExpr(sb, *l)
	sb.WriteString(" ")
	sb.WriteString(op)
	sb.WriteString(" ")
	writeExpr(sb, *r)
}

func arithOpStr(op ast.ArithOp) string {
	switch op {
	case ast.OpAdd:
		return "+"
	case ast.OpSub:
		return "-"
	case ast.OpMul:
		return "*"
	case ast.OpDiv:
		return "/"
	case ast.OpMod:
		return "%"
	default:
		return "?"
	}
}

func compareOpStr(op ast.CompareOp) string {
	switch op {
	case ast.OpEq:
		return "=="
	case ast.OpNe:
		return "!="
	case ast.OpLt:
		return "<"
	case ast.OpLe:
		return "<="
	case ast.OpGt:
		return ">"
	case ast.OpGe:
		return ">="
	default:
		return "?"
	}
}
