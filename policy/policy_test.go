package policy_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ironleaf/polyrule/ast"
	"github.com/ironleaf/polyrule/builtins"
	"github.com/ironleaf/polyrule/limits"
	"github.com/ironleaf/polyrule/parser"
	"github.com/ironleaf/polyrule/policy"
	"github.com/ironleaf/polyrule/rerr"
	"github.com/ironleaf/polyrule/value"
)

func mustJSON(t *testing.T, text string) value.Value {
	t.Helper()
	v, err := value.ParseJSON([]byte(text))
	require.NoError(t, err)
	return v
}

func parseOne(t *testing.T, source string) []*ast.Module {
	t.Helper()
	m, err := parser.Parse(source)
	require.NoError(t, err)
	return []*ast.Module{m}
}

func TestInterpAndVMTargetsAgreeOnCompleteRule(t *testing.T) {
	source := `
package t

allow {
	input.user == "admin"
}
`
	reg := builtins.NewRegistry()
	input := mustJSON(t, `{"user":"admin"}`)

	interpPolicy, err := policy.Compile(parseOne(t, source), reg, value.NewObject(), policy.TargetInterp)
	require.NoError(t, err)
	vmPolicy, err := policy.Compile(parseOne(t, source), reg, value.NewObject(), policy.TargetVM)
	require.NoError(t, err)

	ctx := context.Background()
	v1, err := interpPolicy.NewEvaluator(policy.Options{}, value.Undefined).EvalRule(ctx, input, "data.t.allow")
	require.NoError(t, err)
	v2, err := vmPolicy.NewEvaluator(policy.Options{}, value.Undefined).EvalRule(ctx, input, "data.t.allow")
	require.NoError(t, err)
	assert.Equal(t, v1, v2)
}

func TestInterpAndVMTargetsAgreeOnNotOverUndefinedOperand(t *testing.T) {
	source := `
package t

allow {
	not input.admin
}
`
	reg := builtins.NewRegistry()
	input := mustJSON(t, `{}`)

	interpPolicy, err := policy.Compile(parseOne(t, source), reg, value.NewObject(), policy.TargetInterp)
	require.NoError(t, err)
	vmPolicy, err := policy.Compile(parseOne(t, source), reg, value.NewObject(), policy.TargetVM)
	require.NoError(t, err)

	ctx := context.Background()
	v1, err := interpPolicy.NewEvaluator(policy.Options{}, value.Undefined).EvalRule(ctx, input, "data.t.allow")
	require.NoError(t, err)
	v2, err := vmPolicy.NewEvaluator(policy.Options{}, value.Undefined).EvalRule(ctx, input, "data.t.allow")
	require.NoError(t, err)
	assert.Equal(t, value.True, v1)
	assert.Equal(t, v1, v2)
}

func TestNewEvaluatorOverridesDoNotLeakAcrossEvaluators(t *testing.T) {
	mods := parseOne(t, `
package t

allow {
	input.user == "admin"
}
`)
	reg := builtins.NewRegistry()
	cp, err := policy.Compile(mods, reg, value.NewObject(), policy.TargetInterp)
	require.NoError(t, err)

	ctx := context.Background()
	input := mustJSON(t, `{"user":"admin"}`)

	strict := cp.NewEvaluator(policy.Options{StrictBuiltinErrors: true}, value.Undefined)
	lenient := cp.NewEvaluator(policy.Options{StrictBuiltinErrors: false}, value.Undefined)

	v, err := strict.EvalRule(ctx, input, "data.t.allow")
	require.NoError(t, err)
	assert.Equal(t, value.True, v)

	v, err = lenient.EvalRule(ctx, input, "data.t.allow")
	require.NoError(t, err)
	assert.Equal(t, value.True, v)
}

func TestEvaluatorRespectsPerCallLimitsOverride(t *testing.T) {
	mods := parseOne(t, `
package t

allow {
	input.user == "admin"
}
`)
	reg := builtins.NewRegistry()
	cp, err := policy.Compile(mods, reg, value.NewObject(), policy.TargetVM)
	require.NoError(t, err)

	ctx := context.Background()
	input := mustJSON(t, `{"user":"admin"}`)

	ev := cp.NewEvaluator(policy.Options{Limits: limits.Config{MaxInstructions: 1000}}, value.Undefined)
	v, err := ev.EvalRule(ctx, input, "data.t.allow")
	require.NoError(t, err)
	assert.Equal(t, value.True, v)
}

func TestEvalEntryPointRejectedForInterpTarget(t *testing.T) {
	mods := parseOne(t, `
package t

allow { true }
`)
	reg := builtins.NewRegistry()
	cp, err := policy.Compile(mods, reg, value.NewObject(), policy.TargetInterp)
	require.NoError(t, err)

	_, err = cp.NewEvaluator(policy.Options{}, value.Undefined).EvalEntryPoint(context.Background(), value.NewObject(), "data.t.allow")
	require.Error(t, err)
	assert.True(t, rerr.Of(err, rerr.KindInvalidRulePath))
}

func TestCompiledPolicyIsImmutableDataOverlayPerEvaluator(t *testing.T) {
	mods := parseOne(t, `
package t

over_limit {
	data.thresholds.max < input.count
}
`)
	reg := builtins.NewRegistry()
	base := mustJSON(t, `{"thresholds":{"max":10}}`)
	cp, err := policy.Compile(mods, reg, base, policy.TargetInterp)
	require.NoError(t, err)

	ctx := context.Background()
	lowCount := mustJSON(t, `{"count":5}`)
	highCount := mustJSON(t, `{"count":20}`)

	overlay := mustJSON(t, `{"thresholds":{"max":1}}`)
	withOverlay := cp.NewEvaluator(policy.Options{}, overlay)
	withoutOverlay := cp.NewEvaluator(policy.Options{}, value.Undefined)

	v, err := withOverlay.EvalRule(ctx, lowCount, "data.t.over_limit")
	require.NoError(t, err)
	assert.Equal(t, value.True, v, "overlay lowers the threshold below count=5")

	v, err = withoutOverlay.EvalRule(ctx, lowCount, "data.t.over_limit")
	require.NoError(t, err)
	assert.True(t, v.IsUndefined(), "base policy's threshold of 10 is unaffected by the other evaluator's overlay")

	v, err = withoutOverlay.EvalRule(ctx, highCount, "data.t.over_limit")
	require.NoError(t, err)
	assert.Equal(t, value.True, v)
}
