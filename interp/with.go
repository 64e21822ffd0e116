package interp

import (
	"strings"

	"github.com/ironleaf/polyrule/ast"
	"github.com/ironleaf/polyrule/rerr"
	"github.com/ironleaf/polyrule/value"
)

// withSnapshot captures every piece of state a with-modifier can touch
// (spec §4.3.3), so a statement's modifiers can be undone exactly once
// it finishes, loop iterations included.
type withSnapshot struct {
	input         value.Value
	data          value.Value
	processed     map[string]bool
	ruleValues    map[string]ruleValueEntry
	funcOverrides map[string]value.Value
}

func (ctx *evalCtx) snapshotWithState() *withSnapshot {
	return &withSnapshot{
		input:         ctx.input,
		data:          ctx.data,
		processed:     cloneBoolMap(ctx.processed),
		ruleValues:    cloneRuleValues(ctx.ruleValues),
		funcOverrides: cloneValueMap(ctx.funcOverrides),
	}
}

func (ctx *evalCtx) restoreWithState(s *withSnapshot) {
	ctx.input = s.input
	ctx.data = s.data
	ctx.processed = s.processed
	ctx.ruleValues = s.ruleValues
	ctx.funcOverrides = s.funcOverrides
}

func cloneBoolMap(m map[string]bool) map[string]bool {
	out := make(map[string]bool, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

func cloneRuleValues(m map[string]ruleValueEntry) map[string]ruleValueEntry {
	out := make(map[string]ruleValueEntry, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

func cloneValueMap(m map[string]value.Value) map[string]value.Value {
	out := make(map[string]value.Value, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

// applyWith installs every with-modifier on a statement, snapshotting
// prior state first. It returns skip=true when an `as` expression
// evaluates to Undefined, per spec §4.3.3: the statement is simply
// treated as failed rather than erroring.
func (ctx *evalCtx) applyWith(mod *ast.Module, mods []ast.WithMod) (*withSnapshot, bool, error) {
	if len(mods) == 0 {
		return nil, false, nil
	}
	snap := ctx.snapshotWithState()
	for _, w := range mods {
		av, err := ctx.evalExpr(mod, w.As)
		if err != nil {
			ctx.restoreWithState(snap)
			return nil, false, err
		}
		if av.IsUndefined() {
			ctx.restoreWithState(snap)
			return nil, true, nil
		}
		if ctx.isFuncTarget(w.Target) {
			ctx.funcOverrides[strings.Join(w.Target, ".")] = av
			continue
		}
		if len(w.Target) == 0 {
			ctx.restoreWithState(snap)
			return nil, false, rerr.New(rerr.KindInvalidWithTarget, "with target must name input, data, or a function").WithSpan(spanOf(w.Pos))
		}
		switch w.Target[0] {
		case "input":
			ctx.input = spliceDoc(ctx.input, w.Target[1:], av)
		case "data":
			ctx.data = spliceDoc(ctx.data, w.Target[1:], av)
			prefix := strings.Join(w.Target, ".")
			for rp := range ctx.ip.rulesByPath {
				if rp == prefix || strings.HasPrefix(rp, prefix+".") {
					ctx.processed[rp] = true
					delete(ctx.ruleValues, rp)
				}
			}
		default:
			ctx.restoreWithState(snap)
			return nil, false, rerr.New(rerr.KindInvalidWithTarget, "with target must be rooted at input, data, or a function").WithSpan(spanOf(w.Pos))
		}
	}
	return snap, false, nil
}

// isFuncTarget reports whether a with-target names a builtin or a
// user-defined function rather than an input/data path.
func (ctx *evalCtx) isFuncTarget(target []string) bool {
	if len(target) == 0 {
		return false
	}
	name := strings.Join(target, ".")
	if _, ok := ctx.ip.Builtins.Get(name); ok {
		return true
	}
	if rules, ok := ctx.ip.rulesByPath[name]; ok {
		for _, r := range rules {
			if r.Kind == ast.RuleFunction {
				return true
			}
		}
	}
	return false
}

// spliceDoc rebuilds doc with val installed at path, creating
// intermediate objects as needed. An empty path replaces doc entirely.
func spliceDoc(doc value.Value, path []string, val value.Value) value.Value {
	if len(path) == 0 {
		return val
	}
	var cur value.Value
	if doc.Kind() == value.KindObject {
		cur = doc.Index(value.String(path[0]))
	} else {
		cur = value.Undefined
	}
	if cur.IsUndefined() {
		cur = value.NewObject()
	}
	child := spliceDoc(cur, path[1:], val)
	base := doc
	if base.Kind() != value.KindObject {
		base = value.NewObject()
	}
	return base.ObjectSet(value.String(path[0]), child)
}

// getPath reads a dotted path out of doc, returning Undefined if any
// step is missing.
func getPath(doc value.Value, path []string) value.Value {
	cur := doc
	for _, p := range path {
		if cur.IsUndefined() {
			return value.Undefined
		}
		cur = cur.Index(value.String(p))
	}
	return cur
}
