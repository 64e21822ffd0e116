package vm_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ironleaf/polyrule/builtins"
	"github.com/ironleaf/polyrule/rerr"
	"github.com/ironleaf/polyrule/value"
	"github.com/ironleaf/polyrule/vm"
)

func TestEvalEntryRunsNamedEntryPoint(t *testing.T) {
	prog := buildProgram(t, `
package t

allow {
	input.user == "admin"
}
`)

	input, err := value.ParseJSON([]byte(`{"user":"admin"}`))
	require.NoError(t, err)
	v, err := vm.NewVM().
		WithProgram(prog).
		WithInput(input).
		WithBuiltins(builtins.NewRegistry()).
		EvalEntry(context.Background(), "data.t.allow")
	require.NoError(t, err)
	assert.Equal(t, value.True, v)
}

func TestEvalEntryByIndexMatchesEvalEntryByName(t *testing.T) {
	prog := buildProgram(t, `
package t

allow {
	input.user == "admin"
}
`)

	idx := -1
	for i, name := range prog.EntryPointNames {
		if name == "data.t.allow" {
			idx = i
		}
	}
	require.GreaterOrEqual(t, idx, 0, "compiler should have recorded an entry point for data.t.allow")

	input, err := value.ParseJSON([]byte(`{"user":"admin"}`))
	require.NoError(t, err)
	v, err := vm.NewVM().
		WithProgram(prog).
		WithInput(input).
		WithBuiltins(builtins.NewRegistry()).
		EvalEntryByIndex(context.Background(), idx)
	require.NoError(t, err)
	assert.Equal(t, value.True, v)
}

func TestEvalEntryByIndexOutOfRangeIsAnError(t *testing.T) {
	prog := buildProgram(t, `
package t

allow { true }
`)

	_, err := vm.NewVM().
		WithProgram(prog).
		WithBuiltins(builtins.NewRegistry()).
		EvalEntryByIndex(context.Background(), len(prog.EntryPointNames)+5)
	require.Error(t, err)
	assert.True(t, rerr.Of(err, rerr.KindInvalidRulePath))
}

func TestUnknownEntryPointIsAnError(t *testing.T) {
	prog := buildProgram(t, `
package t

allow { true }
`)

	_, err := vm.NewVM().
		WithProgram(prog).
		WithBuiltins(builtins.NewRegistry()).
		EvalEntry(context.Background(), "data.t.nope")
	require.Error(t, err)
	assert.True(t, rerr.Of(err, rerr.KindInvalidRulePath))
}

func TestInstructionBudgetAbortsExcessiveEvaluation(t *testing.T) {
	prog := buildProgram(t, `
package t

matches contains i {
	input.items[i] == "hit"
}
`)

	input, err := value.ParseJSON([]byte(`{"items":["hit","hit","hit","hit","hit","hit","hit","hit"]}`))
	require.NoError(t, err)
	_, err = vm.NewVM().
		WithProgram(prog).
		WithInput(input).
		WithBuiltins(builtins.NewRegistry()).
		WithLimits(vm.Limits{Instructions: 3}).
		EvalRule(context.Background(), "data.t.matches")
	require.Error(t, err)
	assert.True(t, rerr.Of(err, rerr.KindInstrBudget))
}

func TestTimeLimitAbortsSlowEvaluation(t *testing.T) {
	prog := buildProgram(t, `
package t

allow { input.user == "admin" }
`)

	input, err := value.ParseJSON([]byte(`{"user":"admin"}`))
	require.NoError(t, err)
	_, err = vm.NewVM().
		WithProgram(prog).
		WithInput(input).
		WithBuiltins(builtins.NewRegistry()).
		WithLimits(vm.Limits{TimeLimit: time.Nanosecond, TimeCheckInterval: 1}).
		EvalRule(context.Background(), "data.t.allow")
	require.Error(t, err)
	assert.True(t, rerr.Of(err, rerr.KindTimeLimit))
}

func TestSuspendableModeWithoutPauseRunsToCompletion(t *testing.T) {
	prog := buildProgram(t, `
package t

allow {
	input.user == "admin"
}
`)

	input, err := value.ParseJSON([]byte(`{"user":"admin"}`))
	require.NoError(t, err)
	v, err := vm.NewVM().
		WithProgram(prog).
		WithInput(input).
		WithBuiltins(builtins.NewRegistry()).
		WithMode(vm.Suspendable).
		EvalEntry(context.Background(), "data.t.allow")
	require.NoError(t, err)
	assert.Equal(t, value.True, v)
}

func TestCheckpointWithoutPauseIsAnError(t *testing.T) {
	prog := buildProgram(t, `
package t

allow { true }
`)
	machine := vm.NewVM().WithProgram(prog).WithBuiltins(builtins.NewRegistry()).WithMode(vm.Suspendable)
	_, err := machine.Checkpoint()
	require.Error(t, err)
	assert.True(t, rerr.Of(err, rerr.KindContention))
}

func TestResumeWithUnknownCheckpointIDIsAnError(t *testing.T) {
	prog := buildProgram(t, `
package t

allow { true }
`)
	machine := vm.NewVM().WithProgram(prog).WithBuiltins(builtins.NewRegistry())
	_, err := machine.Resume(context.Background(), "not-a-real-id", value.Undefined)
	require.Error(t, err)
	assert.True(t, rerr.Of(err, rerr.KindContention))
}
