package interp

import (
	"encoding/json"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ironleaf/polyrule/ast"
	"github.com/ironleaf/polyrule/builtins"
	"github.com/ironleaf/polyrule/hoist"
	"github.com/ironleaf/polyrule/parser"
	"github.com/ironleaf/polyrule/rerr"
	"github.com/ironleaf/polyrule/schedule"
	"github.com/ironleaf/polyrule/value"
)

// buildInterp parses one or more module sources and wires up the full
// schedule -> hoist -> interp pipeline, mirroring what the engine
// package does per compiled policy.
func buildInterp(t *testing.T, sources ...string) *Interp {
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
	return New(mods, sched, tbl, builtins.NewRegistry(), value.NewObject())
}

func mustJSON(t *testing.T, text string) value.Value {
	t.Helper()
	v, err := value.ParseJSON([]byte(text))
	require.NoError(t, err)
	return v
}

func TestCompleteRuleEvaluatesAgainstInput(t *testing.T) {
	ip := buildInterp(t, `
package t

allow {
	input.user == "admin"
}
`)

	v, err := ip.EvalRule(mustJSON(t, `{"user":"admin"}`), []string{"data", "t", "allow"})
	require.NoError(t, err)
	assert.Equal(t, value.True, v)

	v, err = ip.EvalRule(mustJSON(t, `{"user":"guest"}`), []string{"data", "t", "allow"})
	require.NoError(t, err)
	assert.True(t, v.IsUndefined())
}

func TestDefaultValueAppliesWhenNoBodySucceeds(t *testing.T) {
	ip := buildInterp(t, `
package t

default allow := false

allow {
	input.user == "admin"
}
`)

	v, err := ip.EvalRule(mustJSON(t, `{"user":"guest"}`), []string{"data", "t", "allow"})
	require.NoError(t, err)
	assert.Equal(t, value.False, v)

	v, err = ip.EvalRule(mustJSON(t, `{"user":"admin"}`), []string{"data", "t", "allow"})
	require.NoError(t, err)
	assert.Equal(t, value.True, v)
}

func TestPartialSetRuleCollectsAllSolutions(t *testing.T) {
	ip := buildInterp(t, `
package t

names contains x {
	some x in input.names
	startswith(x, "a")
}
`)

	v, err := ip.EvalRule(mustJSON(t, `{"names":["amy","bob","alice","carl"]}`), []string{"data", "t", "names"})
	require.NoError(t, err)
	require.Equal(t, value.KindSet, v.Kind())
	assert.ElementsMatch(t, []value.Value{value.String("amy"), value.String("alice")}, v.SetElems())
}

func TestPartialObjectRuleBuildsKeyedMap(t *testing.T) {
	ip := buildInterp(t, `
package t

lengths[name] := count(name) {
	some name in input.names
}
`)

	v, err := ip.EvalRule(mustJSON(t, `{"names":["ab","xyz"]}`), []string{"data", "t", "lengths"})
	require.NoError(t, err)
	require.Equal(t, value.KindObject, v.Kind())
	assert.Equal(t, value.Int(2), v.Index(value.String("ab")))
	assert.Equal(t, value.Int(3), v.Index(value.String("xyz")))

	want := map[string]any{"ab": json.Number("2"), "xyz": json.Number("3")}
	if diff := cmp.Diff(want, value.ToJSON(v)); diff != "" {
		t.Errorf("partial-object rule result mismatch (-want +got):\n%s", diff)
	}
}

func TestPartialObjectRuleConflictIsAnError(t *testing.T) {
	ip := buildInterp(t, `
package t

pick[k] := v {
	some k, v in input.a
}

pick[k] := v {
	some k, v in input.b
}
`)

	v, err := ip.EvalRule(mustJSON(t, `{"a":{"x":1},"b":{"x":2}}`), []string{"data", "t", "pick"})
	require.Error(t, err)
	assert.True(t, rerr.Of(err, rerr.KindRuleConflict))
	assert.True(t, v.IsUndefined())

	var rerrErr *rerr.Error
	require.ErrorAs(t, err, &rerrErr)
	assert.NotNil(t, rerrErr.DefinedAt, "conflict error should carry a secondary span for the earlier definition")
}

func TestEveryStatementRequiresAllElements(t *testing.T) {
	ip := buildInterp(t, `
package t

allow {
	every n in input.nums {
		n > 0
	}
}
`)

	v, err := ip.EvalRule(mustJSON(t, `{"nums":[1,2,3]}`), []string{"data", "t", "allow"})
	require.NoError(t, err)
	assert.Equal(t, value.True, v)

	v, err = ip.EvalRule(mustJSON(t, `{"nums":[1,-2,3]}`), []string{"data", "t", "allow"})
	require.NoError(t, err)
	assert.True(t, v.IsUndefined())

	v, err = ip.EvalRule(mustJSON(t, `{"nums":[]}`), []string{"data", "t", "allow"})
	require.NoError(t, err)
	assert.Equal(t, value.True, v, "every over an empty domain is vacuously true")
}

func TestFunctionCallResolvesUserDefinedFunction(t *testing.T) {
	ip := buildInterp(t, `
package t

square(x) := x * x

allow {
	square(input.n) == 9
}
`)

	v, err := ip.EvalRule(mustJSON(t, `{"n":3}`), []string{"data", "t", "allow"})
	require.NoError(t, err)
	assert.Equal(t, value.True, v)

	v, err = ip.EvalRule(mustJSON(t, `{"n":4}`), []string{"data", "t", "allow"})
	require.NoError(t, err)
	assert.True(t, v.IsUndefined())
}

func TestRecursiveRuleIsRejected(t *testing.T) {
	ip := buildInterp(t, `
package t

loopy {
	data.t.loopy
}
`)

	v, err := ip.EvalRule(value.NewObject(), []string{"data", "t", "loopy"})
	require.Error(t, err)
	assert.True(t, rerr.Of(err, rerr.KindRecursion))
	assert.True(t, v.IsUndefined())
}

func TestWithModifierOverridesInputForStatementScope(t *testing.T) {
	ip := buildInterp(t, `
package t

allow {
	input.user == "admin" with input.user as "admin"
}
`)

	v, err := ip.EvalRule(mustJSON(t, `{"user":"guest"}`), []string{"data", "t", "allow"})
	require.NoError(t, err)
	assert.Equal(t, value.True, v)
}

func TestWithModifierOverrideDoesNotLeakToFollowingStatement(t *testing.T) {
	ip := buildInterp(t, `
package t

allow {
	input.user == "admin" with input.user as "admin"
	input.user == "guest"
}
`)

	v, err := ip.EvalRule(mustJSON(t, `{"user":"guest"}`), []string{"data", "t", "allow"})
	require.NoError(t, err)
	assert.Equal(t, value.True, v, "the with-override on the first statement must not apply to the second")
}

func TestRefIndexIsHoistedAsLoopOverUnboundVariable(t *testing.T) {
	ip := buildInterp(t, `
package t

matches contains i {
	input.items[i] == "hit"
}
`)

	v, err := ip.EvalRule(mustJSON(t, `{"items":["miss","hit","miss","hit"]}`), []string{"data", "t", "matches"})
	require.NoError(t, err)
	require.Equal(t, value.KindSet, v.Kind())
	assert.ElementsMatch(t, []value.Value{value.Int(1), value.Int(3)}, v.SetElems())
}

func TestArrayComprehensionCollectsAllTerms(t *testing.T) {
	ip := buildInterp(t, `
package t

doubled := [x * 2 | some x in input.nums]
`)

	v, err := ip.EvalRule(mustJSON(t, `{"nums":[1,2,3]}`), []string{"data", "t", "doubled"})
	require.NoError(t, err)
	require.Equal(t, value.KindArray, v.Kind())
	assert.Equal(t, []value.Value{value.Int(2), value.Int(4), value.Int(6)}, v.Array())
}
