package compiler

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ironleaf/polyrule/ast"
	"github.com/ironleaf/polyrule/builtins"
	"github.com/ironleaf/polyrule/hoist"
	"github.com/ironleaf/polyrule/parser"
	"github.com/ironleaf/polyrule/rerr"
	"github.com/ironleaf/polyrule/schedule"
	"github.com/ironleaf/polyrule/value"
	"github.com/ironleaf/polyrule/vm"
)

// buildProgram parses one or more module sources, runs the full
// schedule -> hoist -> compiler pipeline, and returns the resulting
// Program, mirroring what the engine package does for the "vm" compile
// target.
func buildProgram(t *testing.T, sources ...string) *vm.Program {
	t.Helper()
	mods := make([]*ast.Module, len(sources))
	for i, src := range sources {
		m, err := parser.Parse(src)
		require.NoError(t, err)
		mods[i] = m
	}
	sched, err := schedule.Build(mods)
	require.NoError(t, err)
	tbl, err := hoist.Build(mods, sched)
	require.NoError(t, err)
	reg := builtins.NewRegistry()
	prog, err := NewCompiler().WithModules(mods).WithSchedule(sched).WithHoist(tbl).WithBuiltins(reg).Compile()
	require.NoError(t, err)
	return prog
}

func mustJSON(t *testing.T, text string) value.Value {
	t.Helper()
	v, err := value.ParseJSON([]byte(text))
	require.NoError(t, err)
	return v
}

func evalRule(t *testing.T, prog *vm.Program, input value.Value, path string) (value.Value, error) {
	t.Helper()
	return vm.NewVM().
		WithProgram(prog).
		WithInput(input).
		WithBuiltins(builtins.NewRegistry()).
		EvalRule(context.Background(), path)
}

func TestCompleteRuleEvaluatesAgainstInput(t *testing.T) {
	prog := buildProgram(t, `
package t

allow {
	input.user == "admin"
}
`)

	v, err := evalRule(t, prog, mustJSON(t, `{"user":"admin"}`), "data.t.allow")
	require.NoError(t, err)
	assert.Equal(t, value.True, v)

	v, err = evalRule(t, prog, mustJSON(t, `{"user":"guest"}`), "data.t.allow")
	require.NoError(t, err)
	assert.True(t, v.IsUndefined())
}

func TestDefaultValueIsFoldedAtCompileTime(t *testing.T) {
	prog := buildProgram(t, `
package t

default allow := false

allow {
	input.user == "admin"
}
`)

	ri := prog.Rules[0]
	for _, r := range prog.Rules {
		if r.Kind == ast.RuleDefault {
			ri = r
		}
	}
	require.GreaterOrEqual(t, ri.DefaultLiteralIdx, 0, "default rule should fold to a pooled literal with no instructions")

	v, err := evalRule(t, prog, mustJSON(t, `{"user":"guest"}`), "data.t.allow")
	require.NoError(t, err)
	assert.Equal(t, value.False, v)

	v, err = evalRule(t, prog, mustJSON(t, `{"user":"admin"}`), "data.t.allow")
	require.NoError(t, err)
	assert.Equal(t, value.True, v)
}

func TestPartialSetRuleCollectsAllSolutions(t *testing.T) {
	prog := buildProgram(t, `
package t

names contains x {
	some x in input.names
	startswith(x, "a")
}
`)

	v, err := evalRule(t, prog, mustJSON(t, `{"names":["amy","bob","alice","carl"]}`), "data.t.names")
	require.NoError(t, err)
	require.Equal(t, value.KindSet, v.Kind())
	assert.ElementsMatch(t, []value.Value{value.String("amy"), value.String("alice")}, v.SetElems())
}

func TestPartialObjectRuleBuildsKeyedMap(t *testing.T) {
	prog := buildProgram(t, `
package t

lengths[name] := count(name) {
	some name in input.names
}
`)

	v, err := evalRule(t, prog, mustJSON(t, `{"names":["ab","xyz"]}`), "data.t.lengths")
	require.NoError(t, err)
	require.Equal(t, value.KindObject, v.Kind())
	assert.Equal(t, value.Int(2), v.Index(value.String("ab")))
	assert.Equal(t, value.Int(3), v.Index(value.String("xyz")))
}

func TestPartialObjectRuleConflictIsAnError(t *testing.T) {
	prog := buildProgram(t, `
package t

pick[k] := v {
	some k, v in input.a
}

pick[k] := v {
	some k, v in input.b
}
`)

	v, err := evalRule(t, prog, mustJSON(t, `{"a":{"x":1},"b":{"x":2}}`), "data.t.pick")
	require.Error(t, err)
	assert.True(t, rerr.Of(err, rerr.KindRuleConflict))
	assert.True(t, v.IsUndefined())
}

func TestEveryStatementRequiresAllElements(t *testing.T) {
	prog := buildProgram(t, `
package t

allow {
	every n in input.nums {
		n > 0
	}
}
`)

	v, err := evalRule(t, prog, mustJSON(t, `{"nums":[1,2,3]}`), "data.t.allow")
	require.NoError(t, err)
	assert.Equal(t, value.True, v)

	v, err = evalRule(t, prog, mustJSON(t, `{"nums":[1,-2,3]}`), "data.t.allow")
	require.NoError(t, err)
	assert.True(t, v.IsUndefined())

	v, err = evalRule(t, prog, mustJSON(t, `{"nums":[]}`), "data.t.allow")
	require.NoError(t, err)
	assert.Equal(t, value.True, v, "every over an empty domain is vacuously true")
}

func TestFunctionCallResolvesUserDefinedFunction(t *testing.T) {
	prog := buildProgram(t, `
package t

square(x) := x * x

allow {
	square(input.n) == 9
}
`)

	v, err := evalRule(t, prog, mustJSON(t, `{"n":3}`), "data.t.allow")
	require.NoError(t, err)
	assert.Equal(t, value.True, v)

	v, err = evalRule(t, prog, mustJSON(t, `{"n":4}`), "data.t.allow")
	require.NoError(t, err)
	assert.True(t, v.IsUndefined())
}

func TestRecursiveRuleIsRejectedAtCompileTime(t *testing.T) {
	mods := make([]*ast.Module, 1)
	m, err := parser.Parse(`
package t

loopy {
	data.t.loopy
}
`)
	require.NoError(t, err)
	mods[0] = m
	sched, err := schedule.Build(mods)
	require.NoError(t, err)
	tbl, err := hoist.Build(mods, sched)
	require.NoError(t, err)

	_, err = NewCompiler().WithModules(mods).WithSchedule(sched).WithHoist(tbl).WithBuiltins(builtins.NewRegistry()).Compile()
	require.Error(t, err)
	assert.True(t, rerr.Of(err, rerr.KindCompileRecursion))
}

func TestWithModifierIsRejectedAtCompileTime(t *testing.T) {
	mods := make([]*ast.Module, 1)
	m, err := parser.Parse(`
package t

allow {
	input.user == "admin" with input.user as "admin"
}
`)
	require.NoError(t, err)
	mods[0] = m
	sched, err := schedule.Build(mods)
	require.NoError(t, err)
	tbl, err := hoist.Build(mods, sched)
	require.NoError(t, err)

	_, err = NewCompiler().WithModules(mods).WithSchedule(sched).WithHoist(tbl).WithBuiltins(builtins.NewRegistry()).Compile()
	require.Error(t, err)
	assert.True(t, rerr.Of(err, rerr.KindInvalidWithTarget))
}

func TestRefIndexIsHoistedAsLoopOverUnboundVariable(t *testing.T) {
	prog := buildProgram(t, `
package t

matches contains i {
	input.items[i] == "hit"
}
`)

	v, err := evalRule(t, prog, mustJSON(t, `{"items":["miss","hit","miss","hit"]}`), "data.t.matches")
	require.NoError(t, err)
	require.Equal(t, value.KindSet, v.Kind())
	assert.ElementsMatch(t, []value.Value{value.Int(1), value.Int(3)}, v.SetElems())
}

func TestArrayComprehensionCollectsAllTerms(t *testing.T) {
	prog := buildProgram(t, `
package t

doubled := [x * 2 | some x in input.nums]
`)

	v, err := evalRule(t, prog, mustJSON(t, `{"nums":[1,2,3]}`), "data.t.doubled")
	require.NoError(t, err)
	require.Equal(t, value.KindArray, v.Kind())
	assert.Equal(t, []value.Value{value.Int(2), value.Int(4), value.Int(6)}, v.Array())
}

func TestDestructuringBindsArrayElementsInForEachLoop(t *testing.T) {
	prog := buildProgram(t, `
package t

firsts contains x {
	some pair in input.pairs
	[x, _] := pair
}
`)

	v, err := evalRule(t, prog, mustJSON(t, `{"pairs":[[1,2],[3,4]]}`), "data.t.firsts")
	require.NoError(t, err)
	require.Equal(t, value.KindSet, v.Kind())
	assert.ElementsMatch(t, []value.Value{value.Int(1), value.Int(3)}, v.SetElems())
}

func TestDataRootedRulePathIsResolvedThroughVirtualDataLookup(t *testing.T) {
	prog := buildProgram(t, `
package t

base {
	input.x > 0
}

derived {
	data.t.base
}
`)

	v, err := evalRule(t, prog, mustJSON(t, `{"x":1}`), "data.t.derived")
	require.NoError(t, err)
	assert.Equal(t, value.True, v)

	v, err = evalRule(t, prog, mustJSON(t, `{"x":-1}`), "data.t.derived")
	require.NoError(t, err)
	assert.True(t, v.IsUndefined())
}

func TestNotStatementSucceedsOnUndefinedOperand(t *testing.T) {
	prog := buildProgram(t, `
package t

allow {
	not input.admin
}
`)

	v, err := evalRule(t, prog, mustJSON(t, `{}`), "data.t.allow")
	require.NoError(t, err)
	assert.Equal(t, value.True, v, "input.admin is Undefined (missing key), so not input.admin must succeed")

	v, err = evalRule(t, prog, mustJSON(t, `{"admin":false}`), "data.t.allow")
	require.NoError(t, err)
	assert.Equal(t, value.True, v)

	v, err = evalRule(t, prog, mustJSON(t, `{"admin":true}`), "data.t.allow")
	require.NoError(t, err)
	assert.True(t, v.IsUndefined())
}
