package vm

import (
	"context"
	"strings"

	"github.com/ironleaf/polyrule/ast"
	"github.com/ironleaf/polyrule/rerr"
	"github.com/ironleaf/polyrule/value"
)

// ensureRuleValue evaluates (and memoizes) the rule living at path,
// mirroring the interpreter's on-demand rule.go:ensureRule. It backs
// both OpCallRule and OpVirtualDataLookup, so a runtime-recursion check
// lives here rather than duplicated at each call site (spec §4.4.3
// step 6).
func (v *VM) ensureRuleValue(ctx context.Context, path string) (value.Value, error) {
	if v.ruleDone[path] {
		return v.ruleValues[path], nil
	}
	for _, p := range v.callStack {
		if p == path {
			return value.Undefined, rerr.New(rerr.KindRecursion, "recursive evaluation of "+path)
		}
	}
	idxs := v.prog.ruleInfosByPath(path)
	if len(idxs) == 0 {
		v.ruleDone[path] = true
		v.ruleValues[path] = value.Undefined
		return value.Undefined, nil
	}

	v.callStack = append(v.callStack, path)
	var result value.Value
	var err error
	switch v.prog.Rules[idxs[0]].Kind {
	case ast.RuleComplete, ast.RuleDefault:
		result, err = v.evalComplete(ctx, idxs)
	default:
		result, err = v.evalPartial(ctx, idxs)
	}
	v.callStack = v.callStack[:len(v.callStack)-1]
	if err != nil {
		return value.Undefined, err
	}
	v.ruleDone[path] = true
	v.ruleValues[path] = result
	return result, nil
}

// evalComplete resolves a Complete rule: the first body (across
// non-default definitions) that completes wins; multiple definitions
// disagreeing on the value is a conflict; an unmatched rule falls back
// to its compile-time-evaluated default (spec §4.3.4, §4.4.4).
func (v *VM) evalComplete(ctx context.Context, idxs []int) (value.Value, error) {
	var result value.Value
	found := false
	defaultIdx := -1

	for _, idx := range idxs {
		ri := v.prog.Rules[idx]
		if ri.Kind == ast.RuleDefault {
			defaultIdx = idx
			continue
		}
		for _, entryPC := range ri.EntryPCs {
			v.pushFrame(entryPC, false)
			done, err := v.dispatch(ctx)
			if err != nil {
				return value.Undefined, err
			}
			if !done.found {
				continue
			}
			if found && !value.Equal(done.result, result) {
				return value.Undefined, rerr.New(rerr.KindMultipleOutputs, "multiple conflicting values for "+ri.PathString())
			}
			result = done.result
			found = true
			break
		}
	}

	if !found && defaultIdx >= 0 {
		ri := v.prog.Rules[defaultIdx]
		if ri.DefaultLiteralIdx >= 0 {
			result = v.prog.Literals[ri.DefaultLiteralIdx]
			found = true
		}
	}
	if !found {
		return value.Undefined, nil
	}
	return result, nil
}

// evalPartial resolves PartialSet/PartialObject rules: every body of
// every definition sharing the path runs as a collect-all frame, and
// the results are unioned (set) or merged with conflict detection
// (object), per spec §4.3.4.
func (v *VM) evalPartial(ctx context.Context, idxs []int) (value.Value, error) {
	isObject := v.prog.Rules[idxs[0]].Kind == ast.RulePartialObject

	var solutions []value.Value
	var pairs []objPair
	for _, idx := range idxs {
		ri := v.prog.Rules[idx]
		for _, entryPC := range ri.EntryPCs {
			v.pushFrame(entryPC, true)
			done, err := v.dispatch(ctx)
			if err != nil {
				return value.Undefined, err
			}
			solutions = append(solutions, done.solutions...)
			pairs = append(pairs, done.objPairs...)
		}
	}

	if !isObject {
		return value.NewSet(solutions...), nil
	}

	seen := map[string]value.Value{}
	var out [][2]value.Value
	for _, p := range pairs {
		h := p.Key.Hash()
		if existing, ok := seen[h]; ok {
			if !value.Equal(existing, p.Val) {
				return value.Undefined, rerr.New(rerr.KindRuleConflict, "conflicting values for the same object key")
			}
			continue
		}
		seen[h] = p.Val
		out = append(out, [2]value.Value{p.Key, p.Val})
	}
	return value.NewObject(out...), nil
}

// evalFunctionCall resolves a user-defined function call by path and
// argument count, trying each matching definition's bodies in order
// (spec §4.3.5). Parameter destructuring is compiled into each entry
// point's own instructions; the caller's argument values are simply
// seeded into registers 1..N before dispatch (register 0 is the
// result register, matching the rule-window convention in spec
// §4.4.1).
func (v *VM) evalFunctionCall(ctx context.Context, path string, args []value.Value) (value.Value, error) {
	for _, a := range args {
		if a.IsUndefined() {
			return value.Undefined, nil
		}
	}

	var result value.Value
	found := false
	defaultIdx := -1
	for _, idx := range v.prog.ruleInfosByPath(path) {
		ri := v.prog.Rules[idx]
		if ri.Arity != len(args) {
			continue
		}
		if ri.Kind == ast.RuleDefault {
			defaultIdx = idx
			continue
		}
		for _, entryPC := range ri.EntryPCs {
			f := v.pushFrame(entryPC, false)
			for i, a := range args {
				f.regs[1+i] = a
			}
			done, err := v.dispatch(ctx)
			if err != nil {
				return value.Undefined, err
			}
			if !done.found {
				continue
			}
			if found && !value.Equal(done.result, result) {
				return value.Undefined, rerr.New(rerr.KindMultipleFuncOutputs, "multiple conflicting outputs for "+path)
			}
			result = done.result
			found = true
			break
		}
	}

	if !found && defaultIdx >= 0 {
		ri := v.prog.Rules[defaultIdx]
		if ri.DefaultLiteralIdx >= 0 {
			result = v.prog.Literals[ri.DefaultLiteralIdx]
			found = true
		}
	}
	if !found {
		return value.Undefined, nil
	}
	return result, nil
}

// getPath reads a dotted "data.xxx.yyy" path out of doc (the document
// rooted under "data", so the leading segment is dropped), returning
// Undefined if any step is missing — used when a virtual-data-document
// lookup resolves to no rule (the path is ordinary stored data),
// mirroring interp/with.go's helper of the same name.
func getPath(doc value.Value, dotted string) value.Value {
	parts := strings.Split(dotted, ".")
	if len(parts) > 0 && parts[0] == "data" {
		parts = parts[1:]
	}
	cur := doc
	for _, p := range parts {
		if cur.IsUndefined() {
			return value.Undefined
		}
		cur = cur.Index(value.String(p))
	}
	return cur
}
