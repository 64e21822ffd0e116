package vm_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ironleaf/polyrule/ast"
	"github.com/ironleaf/polyrule/builtins"
	"github.com/ironleaf/polyrule/compiler"
	"github.com/ironleaf/polyrule/hoist"
	"github.com/ironleaf/polyrule/parser"
	"github.com/ironleaf/polyrule/schedule"
	"github.com/ironleaf/polyrule/value"
	"github.com/ironleaf/polyrule/vm"
)

func buildProgram(t *testing.T, source string) *vm.Program {
	t.Helper()
	m, err := parser.Parse(source)
	require.NoError(t, err)
	mods := []*ast.Module{m}
	sched, err := schedule.Build(mods)
	require.NoError(t, err)
	tbl, err := hoist.Build(mods, sched)
	require.NoError(t, err)
	prog, err := compiler.NewCompiler().
		WithModules(mods).
		WithSchedule(sched).
		WithHoist(tbl).
		WithBuiltins(builtins.NewRegistry()).
		Compile()
	require.NoError(t, err)
	return prog
}

func TestSerializeRoundTripsACompleteProgram(t *testing.T) {
	prog := buildProgram(t, `
package t

allow {
	input.user == "admin"
}
`)

	blob, err := vm.Serialize(prog)
	require.NoError(t, err)

	res, err := vm.Deserialize(blob, builtins.NewRegistry())
	require.NoError(t, err)
	require.NotNil(t, res.Complete)
	require.Nil(t, res.Partial)

	input, err := value.ParseJSON([]byte(`{"user":"admin"}`))
	require.NoError(t, err)
	v, err := vm.NewVM().
		WithProgram(res.Complete).
		WithInput(input).
		WithBuiltins(builtins.NewRegistry()).
		EvalRule(context.Background(), "data.t.allow")
	require.NoError(t, err)
	assert.Equal(t, value.True, v)
}

func TestDeserializeWithoutRegistryYieldsPartial(t *testing.T) {
	prog := buildProgram(t, `
package t

allow {
	startswith(input.name, "a")
}
`)

	blob, err := vm.Serialize(prog)
	require.NoError(t, err)

	res, err := vm.Deserialize(blob, nil)
	require.NoError(t, err)
	assert.Nil(t, res.Complete)
	require.NotNil(t, res.Partial)

	_, err = vm.Rebind(res.Partial, builtins.NewRegistry())
	require.NoError(t, err)
}

func TestDeserializeWithMissingBuiltinYieldsPartial(t *testing.T) {
	prog := buildProgram(t, `
package t

allow {
	startswith(input.name, "a")
}
`)

	blob, err := vm.Serialize(prog)
	require.NoError(t, err)

	emptyReg := &builtins.Registry{}
	res, err := vm.Deserialize(blob, emptyReg)
	require.NoError(t, err)
	assert.Nil(t, res.Complete)
	require.NotNil(t, res.Partial)

	_, err = vm.Rebind(res.Partial, emptyReg)
	require.Error(t, err)
}

func TestSerializePreservesEntryPointOrderAndBuiltinInfo(t *testing.T) {
	prog := buildProgram(t, `
package t

allow {
	startswith(input.name, "a")
}
`)
	require.NotEmpty(t, prog.EntryPointNames)
	require.NotEmpty(t, prog.Builtins)

	blob, err := vm.Serialize(prog)
	require.NoError(t, err)
	res, err := vm.Deserialize(blob, builtins.NewRegistry())
	require.NoError(t, err)
	require.NotNil(t, res.Complete)

	assert.Equal(t, prog.EntryPointNames, res.Complete.EntryPointNames)
	require.Len(t, res.Complete.Builtins, len(prog.Builtins))
	found := false
	for _, b := range res.Complete.Builtins {
		if b.Name == "startswith" {
			found = true
		}
	}
	assert.True(t, found, "builtin-info table should list startswith")
}

func TestSerializePreservesLiteralTableThroughJSONRoundTrip(t *testing.T) {
	prog := buildProgram(t, `
package t

default limit := 10

over {
	input.count > limit
}
`)

	blob, err := vm.Serialize(prog)
	require.NoError(t, err)
	res, err := vm.Deserialize(blob, builtins.NewRegistry())
	require.NoError(t, err)
	require.NotNil(t, res.Complete)

	input, err := value.ParseJSON([]byte(`{"count":11}`))
	require.NoError(t, err)
	v, err := vm.NewVM().
		WithProgram(res.Complete).
		WithInput(input).
		WithBuiltins(builtins.NewRegistry()).
		EvalRule(context.Background(), "data.t.over")
	require.NoError(t, err)
	assert.Equal(t, value.True, v)
}
