package vm

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ironleaf/polyrule/ast"
	"github.com/ironleaf/polyrule/builtins"
	"github.com/ironleaf/polyrule/limits"
	"github.com/ironleaf/polyrule/rerr"
	"github.com/ironleaf/polyrule/value"
)

// ExecMode selects between the two RVM execution modes (spec §4.5.2).
type ExecMode int

const (
	RunToCompletion ExecMode = iota
	Suspendable
)

// Limits bounds one VM run: an instruction budget and an execution
// timer, mirroring the interpreter's limits package contract (spec
// §4.5.3/§5), plus the process-wide fallback from limits.DefaultConfig
// when a field is left zero.
type Limits struct {
	Instructions      int64
	TimeLimit         time.Duration
	TimeCheckInterval int
}

// Statistics accumulates per-run counters, grounded on the real
// enterprise-opa VM's vm.WithStatistics(ctx) convention
// (other_examples, rego_vm plugin) of threading a stats collector
// through context rather than a constructor argument.
type Statistics struct {
	mu           sync.Mutex
	Instructions int64
	RuleCalls    int64
	BuiltinCalls int64
}

func (s *Statistics) tick(instructions int64) {
	if s == nil {
		return
	}
	s.mu.Lock()
	s.Instructions += instructions
	s.mu.Unlock()
}

type statsKey struct{}

// WithStatistics attaches a fresh *Statistics to ctx and returns both,
// so a caller can read counters back after EvalEntry/EvalRule returns.
func WithStatistics(ctx context.Context) (*Statistics, context.Context) {
	s := &Statistics{}
	return s, context.WithValue(ctx, statsKey{}, s)
}

func statisticsFrom(ctx context.Context) *Statistics {
	s, _ := ctx.Value(statsKey{}).(*Statistics)
	return s
}

// VM executes one Program. The fluent With* builder mirrors the real
// enterprise-opa vm.NewVM().WithExecutable(...) shape.
type VM struct {
	prog     *Program
	input    value.Value
	data     value.Value
	builtins *builtins.Registry
	strict   bool
	mode     ExecMode
	lim      Limits

	timer  *limits.ExecutionTimer
	budget *limits.Budget

	mu         sync.Mutex
	paused     bool
	frames     []*frame
	checkpoint map[string]*vmCheckpoint

	callStack []string // rule path stack, for runtime recursion detection

	ruleValues map[string]value.Value
	ruleDone   map[string]bool
}

// NewVM constructs an unconfigured VM; chain With* calls before
// EvalEntry/EvalRule.
func NewVM() *VM {
	return &VM{
		input:      value.NewObject(),
		data:       value.NewObject(),
		checkpoint: map[string]*vmCheckpoint{},
		ruleValues: map[string]value.Value{},
		ruleDone:   map[string]bool{},
	}
}

func (v *VM) WithProgram(p *Program) *VM            { v.prog = p; return v }
func (v *VM) WithInput(in value.Value) *VM          { v.input = in; return v }
func (v *VM) WithData(d value.Value) *VM            { v.data = d; return v }
func (v *VM) WithBuiltins(r *builtins.Registry) *VM { v.builtins = r; return v }
func (v *VM) WithStrictBuiltinErrors(b bool) *VM     { v.strict = b; return v }
func (v *VM) WithMode(m ExecMode) *VM                { v.mode = m; return v }
func (v *VM) WithLimits(l Limits) *VM                { v.lim = l; return v }

// Pause requests a Suspendable-mode VM to stop at the next instruction
// boundary. The running evaluation call then returns ErrSuspended; call
// Checkpoint to capture
// resumable state and Resume to continue later.
func (v *VM) Pause() {
	v.mu.Lock()
	v.paused = true
	v.mu.Unlock()
}

// ErrSuspended is returned by an evaluation call (EvalEntry, EvalRule,
// Resume) when a Suspendable-mode VM paused
// before reaching a final Return.
var ErrSuspended = rerr.New(rerr.KindContention, "vm suspended")

// vmCheckpoint snapshots enough state to resume a Suspendable run: the
// frame stack (the resume value itself is passed to Resume). Per spec
// §5, re-entering the
// same VM handle concurrently is a contention error, not supported
// here — a host runs one VM per thread.
type vmCheckpoint struct {
	frames []*frame
}

// Checkpoint captures the current (paused) execution state under a
// fresh ID a host can pass back to Resume later.
func (v *VM) Checkpoint() (string, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if !v.paused {
		return "", rerr.New(rerr.KindContention, "vm is not paused")
	}
	id := uuid.NewString()
	v.checkpoint[id] = &vmCheckpoint{frames: v.frames}
	return id, nil
}

// Resume restores a prior checkpoint, optionally supplying a value that
// becomes the result of the operation the VM was suspended on (written
// into the top frame's result register, by convention register 0), and
// continues dispatch to completion.
func (v *VM) Resume(ctx context.Context, id string, resumeValue value.Value) (value.Value, error) {
	v.mu.Lock()
	cp, ok := v.checkpoint[id]
	if !ok {
		v.mu.Unlock()
		return value.Undefined, rerr.New(rerr.KindContention, "unknown checkpoint id")
	}
	delete(v.checkpoint, id)
	v.frames = cp.frames
	v.paused = false
	v.mu.Unlock()

	if len(v.frames) > 0 && !resumeValue.IsUndefined() {
		top := v.frames[len(v.frames)-1]
		top.regs[0] = resumeValue
	}
	f, err := v.dispatch(ctx)
	return resultOf(f, err)
}

// EvalEntry runs the named entry point to completion (or suspension)
// and returns its result value (spec §6.2 execute_entry_point_by_name).
func (v *VM) EvalEntry(ctx context.Context, name string) (value.Value, error) {
	pc, ok := v.prog.EntryPoints[name]
	if !ok {
		return value.Undefined, rerr.New(rerr.KindInvalidRulePath, "unknown entry point "+name)
	}
	return v.runFrom(ctx, pc)
}

// EvalEntryByIndex runs the entry point at idx in the program's stable
// EntryPointNames order (spec §6.2 execute_entry_point_by_index) — the
// slot a host picks when it compiled with compile_for_target and wants
// to re-run a specific entrypoint without re-resolving it by name.
func (v *VM) EvalEntryByIndex(ctx context.Context, idx int) (value.Value, error) {
	if idx < 0 || idx >= len(v.prog.EntryPointNames) {
		return value.Undefined, rerr.New(rerr.KindInvalidRulePath, "entry point index out of range")
	}
	return v.EvalEntry(ctx, v.prog.EntryPointNames[idx])
}

// EvalRule runs every definition sharing path, merging results the way
// the interpreter's rule.go does: Complete/Function take the first
// agreeing value, PartialSet/PartialObject union across every
// definition and body.
func (v *VM) EvalRule(ctx context.Context, path string) (value.Value, error) {
	idxs := v.prog.ruleInfosByPath(path)
	if len(idxs) == 0 {
		return value.Undefined, nil
	}
	v.startRun()
	switch v.prog.Rules[idxs[0]].Kind {
	case ast.RuleComplete, ast.RuleDefault, ast.RuleFunction:
		return v.evalComplete(ctx, idxs)
	default:
		return v.evalPartial(ctx, idxs)
	}
}

// startRun (re)initializes the timer and instruction budget shared by
// every frame an evaluation pushes, so a limit set via WithLimits
// bounds the whole call (every rule body / entry point it tries), not
// just one frame's dispatch loop.
func (v *VM) startRun() {
	lim := v.lim
	def := limits.DefaultConfig()
	if lim.Instructions <= 0 {
		lim.Instructions = def.MaxInstructions
	}
	if lim.TimeLimit <= 0 {
		lim.TimeLimit = def.TimeLimit
	}
	if lim.TimeCheckInterval <= 0 {
		lim.TimeCheckInterval = def.TimeCheckInterval
	}
	v.timer = limits.NewExecutionTimer(lim.TimeLimit, lim.TimeCheckInterval)
	v.timer.Start(time.Now())
	v.budget = limits.NewBudget(lim.Instructions)
}

func (v *VM) runFrom(ctx context.Context, pc int) (value.Value, error) {
	v.mu.Lock()
	v.frames = []*frame{newFrame(pc)}
	v.paused = false
	v.mu.Unlock()
	v.startRun()
	f, err := v.dispatch(ctx)
	return resultOf(f, err)
}

// resultOf adapts dispatch's frame-shaped outcome to a single result
// value: the frame's register-0 result on a found completion, Undefined
// otherwise, and any error (including ErrSuspended) passed through
// unchanged.
func resultOf(f *frame, err error) (value.Value, error) {
	if err != nil {
		return value.Undefined, err
	}
	if f == nil || !f.found {
		return value.Undefined, nil
	}
	return f.result, nil
}
