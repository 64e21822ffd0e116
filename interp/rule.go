// Rule evaluation: on-demand per-path evaluation with memoization,
// conflict detection between multiple definitions contributing to the
// same path, and recursion detection via an active-rule stack (spec
// §4.3.4). Function calls (spec §4.3.5) share the same machinery via
// per-invocation parameter binding instead of a memoized path lookup.
package interp

import (
	"strings"
	"time"

	"github.com/ironleaf/polyrule/ast"
	"github.com/ironleaf/polyrule/rerr"
	"github.com/ironleaf/polyrule/value"
)

func pathStr(path []string) string { return strings.Join(path, ".") }

// ensureRule evaluates every non-function rule contributing to path (if
// not already memoized or overridden by a with-modifier) and returns
// its combined value, or Undefined if no definition succeeded.
func (ctx *evalCtx) ensureRule(path []string) (value.Value, error) {
	key := pathStr(path)
	if entry, ok := ctx.ruleValues[key]; ok {
		return entry.Value, nil
	}
	if ctx.processed[key] {
		return getPath(ctx.data, path), nil
	}

	rules := ctx.ip.rulesByPath[key]
	if len(rules) == 0 {
		return value.Undefined, nil
	}

	for _, a := range ctx.activeRules {
		if a == key {
			return value.Undefined, rerr.New(rerr.KindRecursion, "recursion detected evaluating "+key)
		}
	}
	ctx.activeRules = append(ctx.activeRules, key)
	defer func() { ctx.activeRules = ctx.activeRules[:len(ctx.activeRules)-1] }()

	var nonDefault, defaults []*ast.Rule
	for _, r := range rules {
		switch r.Kind {
		case ast.RuleDefault:
			defaults = append(defaults, r)
		case ast.RuleFunction:
			// Function definitions never contribute to a data-document
			// value; they are only resolved via callFunction.
		default:
			nonDefault = append(nonDefault, r)
		}
	}

	result, err := ctx.evalRuleSet(nonDefault)
	if err != nil {
		return value.Undefined, err
	}
	if result.IsUndefined() && len(defaults) > 0 {
		d := defaults[0]
		dv, err := ctx.evalExpr(d.Module, d.DefaultValue)
		if err != nil {
			return value.Undefined, err
		}
		result = dv
	}

	ctx.processed[key] = true
	if !result.IsUndefined() {
		ctx.ruleValues[key] = ruleValueEntry{Value: result}
		ctx.data = spliceDoc(ctx.data, path, result)
	}
	return result, nil
}

// evalRuleSet combines every body of every rule definition sharing one
// path, per its RuleKind (spec §4.3.4 conflict rules).
func (ctx *evalCtx) evalRuleSet(rules []*ast.Rule) (value.Value, error) {
	if len(rules) == 0 {
		return value.Undefined, nil
	}
	switch rules[0].Kind {
	case ast.RulePartialSet:
		return ctx.evalPartialSet(rules)
	case ast.RulePartialObject:
		return ctx.evalPartialObject(rules)
	default:
		return ctx.evalComplete(rules)
	}
}

func (ctx *evalCtx) evalComplete(rules []*ast.Rule) (value.Value, error) {
	result := value.Undefined
	var definedAt rerr.Span
	for _, r := range rules {
		bodies := r.Bodies
		if len(bodies) == 0 {
			bodies = []*ast.Body{{}}
		}
		for _, b := range bodies {
			ok, v, err := ctx.evalRuleBody(r, b)
			if err != nil {
				return value.Undefined, err
			}
			if !ok {
				continue
			}
			if v.IsUndefined() {
				continue
			}
			if !result.IsUndefined() && !value.Equal(result, v) {
				return value.Undefined, rerr.New(rerr.KindMultipleOutputs, "complete rules must not produce conflicting values").
					WithSpan(spanOf(r.Pos)).WithDefinedAt(definedAt)
			}
			result = v
			definedAt = spanOf(r.Pos)
			break
		}
	}
	return result, nil
}

func (ctx *evalCtx) evalPartialSet(rules []*ast.Rule) (value.Value, error) {
	var elems []value.Value
	for _, r := range rules {
		bodies := r.Bodies
		if len(bodies) == 0 {
			v, err := ctx.evalExpr(r.Module, r.Key)
			if err != nil {
				return value.Undefined, err
			}
			if !v.IsUndefined() {
				elems = append(elems, v)
			}
			continue
		}
		for _, b := range bodies {
			err := ctx.forEachBodySolution(r, b, func() error {
				v, err := ctx.evalExpr(r.Module, r.Key)
				if err != nil {
					return err
				}
				if !v.IsUndefined() {
					elems = append(elems, v)
				}
				return nil
			})
			if err != nil {
				return value.Undefined, err
			}
		}
	}
	if len(elems) == 0 {
		return value.Undefined, nil
	}
	return value.NewSet(elems...), nil
}

func (ctx *evalCtx) evalPartialObject(rules []*ast.Rule) (value.Value, error) {
	obj := value.NewObject()
	seen := map[string]value.Value{}
	definedAt := map[string]rerr.Span{}
	any := false
	for _, r := range rules {
		bodies := r.Bodies
		solve := func() error {
			k, err := ctx.evalExpr(r.Module, r.Key)
			if err != nil {
				return err
			}
			v, err := ctx.evalExpr(r.Module, r.Value)
			if err != nil {
				return err
			}
			if k.IsUndefined() || v.IsUndefined() {
				return nil
			}
			hk := k.Hash()
			if prev, ok := seen[hk]; ok && !value.Equal(prev, v) {
				return rerr.New(rerr.KindRuleConflict, "object rule conflicts with a previous definition for the same key").
					WithSpan(spanOf(r.Pos)).WithDefinedAt(definedAt[hk])
			}
			seen[hk] = v
			definedAt[hk] = spanOf(r.Pos)
			obj = obj.ObjectSet(k, v)
			any = true
			return nil
		}
		if len(bodies) == 0 {
			if err := solve(); err != nil {
				return value.Undefined, err
			}
			continue
		}
		for _, b := range bodies {
			if err := ctx.forEachBodySolution(r, b, solve); err != nil {
				return value.Undefined, err
			}
		}
	}
	if !any {
		return value.Undefined, nil
	}
	return obj, nil
}

// evalRuleBody checks the first solution of one body (a rule body is a
// boolean test, not a collector: the first success is the one that
// counts, per spec §4.3.2) and, if it holds, evaluates the rule's
// output expression in that binding.
func (ctx *evalCtx) evalRuleBody(r *ast.Rule, b *ast.Body) (bool, value.Value, error) {
	ctx.pushScope()
	defer ctx.popScope()
	var out value.Value
	ok, err := ctx.solveQuery(r.Module, b.Query, func() (bool, error) {
		v, err := ctx.evalExpr(r.Module, r.Value)
		if err != nil {
			return false, err
		}
		out = v
		return false, nil
	})
	return ok, out, err
}

// forEachBodySolution invokes fn once per satisfying binding of a
// partial-set/object rule body — unlike evalRuleBody, every solution
// contributes an element, not just the first.
func (ctx *evalCtx) forEachBodySolution(r *ast.Rule, b *ast.Body, fn func() error) error {
	ctx.pushScope()
	defer ctx.popScope()
	var fnErr error
	_, err := ctx.solveQuery(r.Module, b.Query, func() (bool, error) {
		if err := fn(); err != nil {
			fnErr = err
			return false, err
		}
		return true, nil
	})
	if fnErr != nil {
		return fnErr
	}
	return err
}

// callFunction resolves and invokes a function call: user-defined
// RuleFunction rules first (first successful definition wins, multiple
// disagreeing successes are an error), then the builtin/extension
// registry. A with-modifier override on the function's path or name
// short-circuits to a constant value regardless of arguments.
func (ctx *evalCtx) callFunction(mod *ast.Module, e ast.Expr) (value.Value, error) {
	args := make([]value.Value, len(e.CallArgs))
	for i, a := range e.CallArgs {
		v, err := ctx.evalExpr(mod, a)
		if err != nil {
			return value.Undefined, err
		}
		if v.IsUndefined() {
			return value.Undefined, nil
		}
		args[i] = v
	}

	callFunc := e.CallFunc
	if len(callFunc) > 1 {
		for _, imp := range mod.Imports {
			if imp.Alias == callFunc[0] && len(imp.Path) > 0 && imp.Path[0] != "future" {
				callFunc = append(append([]string{}, imp.Path...), callFunc[1:]...)
				break
			}
		}
	}
	callName := strings.Join(callFunc, ".")
	if ov, ok := ctx.funcOverrides[callName]; ok {
		return ov, nil
	}

	fullPath := callFunc
	if len(callFunc) >= 1 {
		if _, ok := ctx.ip.rulesByPath[callName]; !ok {
			candidate := rulePath(mod, &ast.Rule{Refr: callFunc})
			if _, ok := ctx.ip.rulesByPath[pathStr(candidate)]; ok {
				fullPath = candidate
			}
		}
	}
	fullKey := pathStr(fullPath)
	if ov, ok := ctx.funcOverrides[fullKey]; ok {
		return ov, nil
	}

	if rules, ok := ctx.ip.rulesByPath[fullKey]; ok {
		var funcs []*ast.Rule
		for _, r := range rules {
			if r.Kind == ast.RuleFunction && len(r.Params) == len(args) {
				funcs = append(funcs, r)
			}
		}
		if len(funcs) > 0 {
			return ctx.callUserFunction(funcs, args)
		}
	}

	if fn, ok := ctx.ip.Builtins.Get(callName); ok {
		if a := ctx.ip.Builtins.Arity(callName); a >= 0 && a != len(args) {
			return value.Undefined, rerr.New(rerr.KindBuiltinTypeError, "wrong number of arguments to "+callName).WithSpan(spanOf(e.Pos))
		}
		v, err := fn(ctx.ip.StrictBuiltinErrors, args)
		if err != nil {
			return value.Undefined, rerr.Wrap(rerr.KindBuiltinTypeError, "builtin call failed: "+callName, err).WithSpan(spanOf(e.Pos))
		}
		return v, nil
	}

	return value.Undefined, rerr.New(rerr.KindUnknownFunction, "unknown function: "+callName).WithSpan(spanOf(e.Pos))
}

func (ctx *evalCtx) callUserFunction(funcs []*ast.Rule, args []value.Value) (value.Value, error) {
	key := pathStr(rulePath(funcs[0].Module, funcs[0]))
	for _, a := range ctx.activeRules {
		if a == key {
			return value.Undefined, rerr.New(rerr.KindRecursion, "recursion detected calling "+key)
		}
	}
	ctx.activeRules = append(ctx.activeRules, key)
	defer func() { ctx.activeRules = ctx.activeRules[:len(ctx.activeRules)-1] }()

	result := value.Undefined
	var definedAt rerr.Span
	for _, r := range funcs {
		params := ctx.ip.Hoist.FuncParamPlans(r.Module.Index, r)
		bodies := r.Bodies
		if len(bodies) == 0 {
			bodies = []*ast.Body{{}}
		}
		for _, b := range bodies {
			ctx.pushScope()
			ok := true
			for i, p := range params {
				if p == nil {
					ok = false
					break
				}
				if !ctx.applyDestructure(p.Destructure, args[i]) {
					ok = false
					break
				}
			}
			if !ok {
				ctx.popScope()
				continue
			}
			var out value.Value
			solved, err := ctx.solveQuery(r.Module, b.Query, func() (bool, error) {
				v, err := ctx.evalExpr(r.Module, r.Value)
				if err != nil {
					return false, err
				}
				out = v
				return false, nil
			})
			ctx.popScope()
			if err != nil {
				return value.Undefined, err
			}
			if !solved || out.IsUndefined() {
				continue
			}
			if !result.IsUndefined() && !value.Equal(result, out) {
				return value.Undefined, rerr.New(rerr.KindMultipleFuncOutputs, "function must not produce conflicting results for the same arguments").
					WithSpan(spanOf(r.Pos)).WithDefinedAt(definedAt)
			}
			result = out
			definedAt = spanOf(r.Pos)
		}
	}
	return result, nil
}

func (ctx *evalCtx) evalCall(mod *ast.Module, e ast.Expr) (value.Value, error) {
	return ctx.callFunction(mod, e)
}

// EvalRule evaluates the rule(s) contributing to a dotted data path
// (e.g. []string{"data","pkg","allow"}) against a fresh context seeded
// with input, returning Undefined if no rule defines that path.
func (ip *Interp) EvalRule(input value.Value, path []string) (value.Value, error) {
	ctx := ip.newContext(input)
	ctx.timer.Start(time.Now())
	return ctx.ensureRule(path)
}

// EvalQuery evaluates an ad-hoc query (e.g. an Engine-constructed
// top-level body) against a fresh context and reports whether it has
// at least one solution.
func (ip *Interp) EvalQuery(input value.Value, mod *ast.Module, q *ast.Query) (bool, error) {
	ctx := ip.newContext(input)
	ctx.timer.Start(time.Now())
	ctx.pushScope()
	defer ctx.popScope()
	return ctx.solveQuery(mod, q, func() (bool, error) { return false, nil })
}
