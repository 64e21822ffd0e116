package engine_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ironleaf/polyrule/engine"
	"github.com/ironleaf/polyrule/policy"
	"github.com/ironleaf/polyrule/rerr"
	"github.com/ironleaf/polyrule/value"
)

func TestAddPolicyReturnsPackageName(t *testing.T) {
	e := engine.New()
	pkg, err := e.AddPolicy("authz.rego", `
package authz

allow { input.user == "admin" }
`)
	require.NoError(t, err)
	assert.Equal(t, "data.authz", pkg)
}

func TestEvalRuleUsesCurrentInput(t *testing.T) {
	e := engine.New()
	_, err := e.AddPolicy("authz.rego", `
package authz

allow { input.user == "admin" }
`)
	require.NoError(t, err)

	require.NoError(t, e.SetInputJSON([]byte(`{"user":"admin"}`)))
	v, err := e.EvalRule(context.Background(), "data.authz.allow")
	require.NoError(t, err)
	assert.Equal(t, value.True, v)

	require.NoError(t, e.SetInputJSON([]byte(`{"user":"guest"}`)))
	v, err = e.EvalRule(context.Background(), "data.authz.allow")
	require.NoError(t, err)
	assert.True(t, v.IsUndefined())
}

func TestAddDataMergesAndDetectsConflicts(t *testing.T) {
	e := engine.New()
	good, err := value.ParseJSON([]byte(`{"thresholds":{"max":10}}`))
	require.NoError(t, err)
	require.NoError(t, e.AddData(good))

	more, err := value.ParseJSON([]byte(`{"thresholds":{"min":1}}`))
	require.NoError(t, err)
	require.NoError(t, e.AddData(more))

	conflict, err := value.ParseJSON([]byte(`{"thresholds":{"max":20}}`))
	require.NoError(t, err)
	err = e.AddData(conflict)
	require.Error(t, err)
	assert.True(t, rerr.Of(err, rerr.KindInvalidDataFormat))
}

func TestAddDataRejectsNonObjectRoot(t *testing.T) {
	e := engine.New()
	arr, err := value.ParseJSON([]byte(`[1,2,3]`))
	require.NoError(t, err)
	err = e.AddData(arr)
	require.Error(t, err)
	assert.True(t, rerr.Of(err, rerr.KindInvalidDataFormat))
}

func TestEvalQueryCollectsAllSolutions(t *testing.T) {
	e := engine.New()
	_, err := e.AddPolicy("names.rego", `
package t

`)
	require.NoError(t, err)
	require.NoError(t, e.SetInputJSON([]byte(`{"names":["amy","bob","alice"]}`)))

	results, err := e.EvalQuery(`some x in input.names; startswith(x, "a")`, false)
	require.NoError(t, err)
	require.Len(t, results, 2)
	var got []string
	for _, r := range results {
		got = append(got, r.Bindings["x"].Str())
	}
	assert.ElementsMatch(t, []string{"amy", "alice"}, got)
}

func TestEvalAllowAndDenyQuery(t *testing.T) {
	e := engine.New()
	require.NoError(t, e.SetInputJSON([]byte(`{"user":"admin"}`)))

	allowed, err := e.EvalAllowQuery(context.Background(), `input.user == "admin"`)
	require.NoError(t, err)
	assert.True(t, allowed)

	denied, err := e.EvalDenyQuery(context.Background(), `input.user == "admin"`)
	require.NoError(t, err)
	assert.False(t, denied)

	denied, err = e.EvalDenyQuery(context.Background(), `input.user == "root"`)
	require.NoError(t, err)
	assert.True(t, denied)
}

func TestAddExtensionCannotBeReplaced(t *testing.T) {
	e := engine.New()
	fn := func(strict bool, args []value.Value) (value.Value, error) {
		return value.Bool(true), nil
	}
	require.NoError(t, e.AddExtension("always_true", 0, fn))
	err := e.AddExtension("always_true", 0, fn)
	require.Error(t, err)
}

func TestCompileWithEntrypointExposesVMProgram(t *testing.T) {
	e := engine.New()
	_, err := e.AddPolicy("authz.rego", `
package authz

allow { input.user == "admin" }
`)
	require.NoError(t, err)

	cp, err := e.CompileWithEntrypoint("data.authz.allow")
	require.NoError(t, err)
	assert.Equal(t, policy.TargetVM, cp.Target())
	require.NotNil(t, cp.Program())

	_, err = e.CompileWithEntrypoint("data.authz.nope")
	require.Error(t, err)
	assert.True(t, rerr.Of(err, rerr.KindInvalidRulePath))
}
