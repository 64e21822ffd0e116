package interp

import (
	"time"

	"github.com/ironleaf/polyrule/ast"
	"github.com/ironleaf/polyrule/value"
)

// EvalConstExpr evaluates e outside of any rule or query context: no
// input, no local scope beyond e's own free variables. This is the
// "scratch interpreter" spec §4.4.4 calls for — the compiler uses it to
// fold a rule's default value (and any other expression it has statically
// proven is literal-only) down to a single Value at compile time instead
// of emitting code for it. Callers must only pass expressions already
// validated to be literals, literal-only containers, or comprehensions
// over them; anything else may legitimately resolve to Undefined here
// even if it wouldn't at normal evaluation time.
func (ip *Interp) EvalConstExpr(mod *ast.Module, e ast.Expr) (value.Value, error) {
	ctx := ip.newContext(value.NewObject())
	ctx.timer.Start(time.Now())
	return ctx.evalExpr(mod, e)
}
