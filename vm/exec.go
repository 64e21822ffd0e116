package vm

import (
	"context"
	"time"

	"github.com/ironleaf/polyrule/rerr"
	"github.com/ironleaf/polyrule/value"
)

// objPair is one accumulated key/value pair for a PartialObject/
// object-comprehension frame running in collect-all mode.
type objPair struct{ Key, Val value.Value }

// loopEntry is one (key, value) candidate a ForEach/Every loop binds on
// an iteration; key is the zero Value when the loop has no index/key
// variable.
type loopEntry struct {
	key value.Value
	val value.Value
}

// choicePoint is a backtracking point pushed by LoopStart (ForEach
// mode): the remaining candidates plus where execution resumes when
// the next one is tried.
type choicePoint struct {
	entries   []loopEntry
	pos       int
	indexReg  uint8
	hasIndex  bool
	valueReg  uint8
	resumePC  int
}

// comprResult is the accumulated output of a fully-run comprehension
// sub-frame, staged by ComprehensionBegin for ComprehensionEnd to
// materialize.
type comprResult struct {
	solutions []value.Value
	objPairs  []objPair
}

// frame is one register window: the activation record for a single
// rule-body/function-body/comprehension-body attempt (spec §4.4.1).
// collectAll distinguishes a "gather every solution" activation
// (partial-set/object bodies, comprehensions) from a "stop at the
// first success" one (complete rules, boolean queries).
type frame struct {
	pc   int
	regs [256]value.Value

	choicePoints []choicePoint

	collectAll bool
	solutions  []value.Value
	objPairs   []objPair

	found  bool
	result value.Value

	pendingCompr *comprResult
}

func newFrame(pc int) *frame { return &frame{pc: pc} }

func (v *VM) pushFrame(pc int, collectAll bool) *frame {
	f := newFrame(pc)
	f.collectAll = collectAll
	v.frames = append(v.frames, f)
	return f
}

func (v *VM) popFrame() *frame {
	n := len(v.frames)
	f := v.frames[n-1]
	v.frames = v.frames[:n-1]
	return f
}

type contSignal int

const (
	contAdvance contSignal = iota
	contJumped
	contFail
	contReturn
)

// dispatch drives the frame most recently pushed onto v.frames to
// completion (a returned value, an exhausted search, or an error),
// pops it, and returns it so the caller (rule.go's orchestration, or a
// nested comprehension/every driver) can read .found/.result/
// .solutions/.objPairs.
func (v *VM) dispatch(ctx context.Context) (*frame, error) {
	depth := len(v.frames)
	f := v.frames[depth-1]
	for {
		if v.mode == Suspendable {
			v.mu.Lock()
			paused := v.paused
			v.mu.Unlock()
			if paused {
				return nil, ErrSuspended
			}
		}
		select {
		case <-ctx.Done():
			v.frames = v.frames[:depth-1]
			return nil, rerr.Wrap(rerr.KindTimeLimit, "context cancelled", ctx.Err())
		default:
		}
		if err := v.budget.Consume(1); err != nil {
			v.frames = v.frames[:depth-1]
			return nil, err
		}
		if err := v.timer.Tick(time.Now()); err != nil {
			v.frames = v.frames[:depth-1]
			return nil, err
		}
		if stats := statisticsFrom(ctx); stats != nil {
			stats.tick(1)
		}

		if f.pc < 0 || f.pc >= len(v.prog.Instructions) {
			v.frames = v.frames[:depth-1]
			return nil, rerr.New(rerr.KindInvalidDataFormat, "instruction pointer out of range")
		}
		instr := v.prog.Instructions[f.pc]
		sig, err := v.exec(ctx, f, instr)
		if err != nil {
			v.frames = v.frames[:depth-1]
			return nil, err
		}
		switch sig {
		case contAdvance:
			f.pc++
		case contJumped:
			// handler already set f.pc
		case contFail:
			if !v.backtrack(f) {
				v.frames = v.frames[:depth-1]
				return f, nil
			}
		case contReturn:
			v.frames = v.frames[:depth-1]
			return f, nil
		}
	}
}

// backtrack advances the most recent still-live choice point, rebinding
// its index/value registers and resuming execution there. It reports
// false once every choice point in f is exhausted.
func (v *VM) backtrack(f *frame) bool {
	for len(f.choicePoints) > 0 {
		top := len(f.choicePoints) - 1
		cp := f.choicePoints[top]
		if cp.pos < len(cp.entries) {
			e := cp.entries[cp.pos]
			cp.pos++
			f.choicePoints[top] = cp
			if cp.hasIndex {
				f.regs[cp.indexReg] = e.key
			}
			f.regs[cp.valueReg] = e.val
			f.pc = cp.resumePC
			return true
		}
		f.choicePoints = f.choicePoints[:top]
	}
	return false
}

// copyCaptures seeds a freshly pushed child frame (comprehension or
// every-element sub-frame) with the enclosing frame's free variables.
// args is a flat (outerReg, childReg) pair list: a child frame otherwise
// starts with every register at its zero value, so any variable the
// nested query reads that was bound outside it (not the loop's own
// index/value) must be copied in explicitly.
func copyCaptures(outer, child *frame, args []uint8) {
	for i := 0; i+1 < len(args); i += 2 {
		child.regs[args[i+1]] = outer.regs[args[i]]
	}
}

// buildEntries flattens a collection Value into the ordered candidates
// a ForEach/Every loop iterates, per spec §4.2: arrays yield
// (index, element), sets yield (zero, element), objects yield
// (key, value).
func buildEntries(coll value.Value) []loopEntry {
	switch coll.Kind() {
	case value.KindArray:
		arr := coll.Array()
		out := make([]loopEntry, len(arr))
		for i, e := range arr {
			out[i] = loopEntry{key: value.Int(int64(i)), val: e}
		}
		return out
	case value.KindSet:
		elems := coll.SetElems()
		out := make([]loopEntry, len(elems))
		for i, e := range elems {
			out[i] = loopEntry{val: e}
		}
		return out
	case value.KindObject:
		entries := coll.ObjectEntries()
		out := make([]loopEntry, len(entries))
		for i, e := range entries {
			out[i] = loopEntry{key: e.Key, val: e.Value}
		}
		return out
	default:
		return nil
	}
}

// exec executes one instruction against f, returning how dispatch
// should continue.
func (v *VM) exec(ctx context.Context, f *frame, instr Instruction) (contSignal, error) {
	switch instr.Op {
	case OpLoadConst:
		f.regs[instr.A] = v.prog.Literals[instr.Imm]
		return contAdvance, nil
	case OpLoadBool:
		f.regs[instr.A] = value.Bool(instr.Imm != 0)
		return contAdvance, nil
	case OpLoadInput:
		f.regs[instr.A] = v.input
		return contAdvance, nil
	case OpLoadData:
		f.regs[instr.A] = v.data
		return contAdvance, nil
	case OpMove:
		f.regs[instr.A] = f.regs[instr.B]
		return contAdvance, nil

	case OpAdd:
		f.regs[instr.A] = value.Add(f.regs[instr.B], f.regs[instr.C])
		return contAdvance, nil
	case OpSub:
		f.regs[instr.A] = value.Sub(f.regs[instr.B], f.regs[instr.C])
		return contAdvance, nil
	case OpMul:
		f.regs[instr.A] = value.Mul(f.regs[instr.B], f.regs[instr.C])
		return contAdvance, nil
	case OpDiv:
		f.regs[instr.A] = value.Div(f.regs[instr.B], f.regs[instr.C])
		return contAdvance, nil
	case OpMod:
		f.regs[instr.A] = value.Mod(f.regs[instr.B], f.regs[instr.C])
		return contAdvance, nil
	case OpEq:
		f.regs[instr.A] = value.Eq(f.regs[instr.B], f.regs[instr.C])
		return contAdvance, nil
	case OpNe:
		f.regs[instr.A] = value.Ne(f.regs[instr.B], f.regs[instr.C])
		return contAdvance, nil
	case OpLt:
		f.regs[instr.A] = value.Lt(f.regs[instr.B], f.regs[instr.C])
		return contAdvance, nil
	case OpLe:
		f.regs[instr.A] = value.Le(f.regs[instr.B], f.regs[instr.C])
		return contAdvance, nil
	case OpGt:
		f.regs[instr.A] = value.Gt(f.regs[instr.B], f.regs[instr.C])
		return contAdvance, nil
	case OpGe:
		f.regs[instr.A] = value.Ge(f.regs[instr.B], f.regs[instr.C])
		return contAdvance, nil
	case OpNot:
		// Mirrors interp's LitNot handling (!v.IsTruthy()): Undefined is
		// not truthy, so its negation succeeds rather than propagating.
		f.regs[instr.A] = value.Bool(!f.regs[instr.B].IsTruthy())
		return contAdvance, nil
	case OpUnion:
		f.regs[instr.A] = value.SetUnion(f.regs[instr.B], f.regs[instr.C])
		return contAdvance, nil
	case OpIntersect:
		f.regs[instr.A] = value.SetIntersect(f.regs[instr.B], f.regs[instr.C])
		return contAdvance, nil

	case OpIndex:
		f.regs[instr.A] = f.regs[instr.B].Index(f.regs[instr.C])
		return contAdvance, nil
	case OpIndexLiteral:
		f.regs[instr.A] = f.regs[instr.B].Index(v.prog.Literals[instr.Imm])
		return contAdvance, nil
	case OpChainedIndex:
		cur := f.regs[instr.B]
		for _, sidx := range instr.Args {
			cur = cur.Index(value.String(v.prog.Strings[sidx]))
		}
		f.regs[instr.A] = cur
		return contAdvance, nil
	case OpVirtualDataLookup:
		path := v.prog.Strings[instr.Imm]
		result, err := v.ensureRuleValue(ctx, path)
		if err != nil {
			return 0, err
		}
		if result.IsUndefined() {
			result = getPath(v.data, path)
		}
		f.regs[instr.A] = result
		return contAdvance, nil

	case OpArrayCreate:
		elems := make([]value.Value, len(instr.Args))
		for i, r := range instr.Args {
			elems[i] = f.regs[r]
		}
		f.regs[instr.A] = value.Array(elems...)
		return contAdvance, nil
	case OpSetCreate:
		elems := make([]value.Value, len(instr.Args))
		for i, r := range instr.Args {
			elems[i] = f.regs[r]
		}
		f.regs[instr.A] = value.NewSet(elems...)
		return contAdvance, nil
	case OpObjectCreate:
		pairs := make([][2]value.Value, 0, len(instr.Args)/2)
		for i := 0; i+1 < len(instr.Args); i += 2 {
			pairs = append(pairs, [2]value.Value{f.regs[instr.Args[i]], f.regs[instr.Args[i+1]]})
		}
		f.regs[instr.A] = value.NewObject(pairs...)
		return contAdvance, nil
	case OpContains:
		f.regs[instr.A] = value.In(f.regs[instr.C], f.regs[instr.B])
		return contAdvance, nil
	case OpSetAdd:
		f.regs[instr.A] = f.regs[instr.B].SetAdd(f.regs[instr.C])
		return contAdvance, nil
	case OpObjectSet:
		val := f.regs[instr.Args[0]]
		f.regs[instr.A] = f.regs[instr.B].ObjectSet(f.regs[instr.C], val)
		return contAdvance, nil

	case OpAssertCondition:
		reg := f.regs[instr.A]
		var ok bool
		if instr.Imm == 1 { // definedness check (assignment RHS)
			ok = !reg.IsUndefined()
		} else { // truthy check (boolean condition)
			ok = reg.IsTruthy()
		}
		if !ok {
			return contFail, nil
		}
		return contAdvance, nil

	case OpJump:
		f.pc = instr.Imm
		return contJumped, nil
	case OpJumpIfFalse:
		if !f.regs[instr.A].IsTruthy() {
			f.pc = instr.Imm
			return contJumped, nil
		}
		return contAdvance, nil
	case OpJumpIfTrue:
		if f.regs[instr.A].IsTruthy() {
			f.pc = instr.Imm
			return contJumped, nil
		}
		return contAdvance, nil

	case OpLoopStart:
		return v.execLoopStart(ctx, f, instr)
	case OpLoopNext:
		// Reserved for fidelity with spec §4.4.2's named instruction; this
		// compiler never emits it; OpRuleReturn/OpComprehensionYield's own
		// collect-all handling already requests the next combination.
		return contFail, nil

	case OpComprehensionBegin:
		child := v.pushFrame(instr.Imm, true)
		copyCaptures(f, child, instr.Args)
		done, err := v.dispatch(ctx)
		if err != nil {
			return 0, err
		}
		f.pendingCompr = &comprResult{solutions: done.solutions, objPairs: done.objPairs}
		return contAdvance, nil
	case OpComprehensionYield:
		if instr.Imm == 1 {
			f.objPairs = append(f.objPairs, objPair{Key: f.regs[instr.A], Val: f.regs[0]})
		} else {
			f.solutions = append(f.solutions, f.regs[0])
		}
		return contFail, nil
	case OpComprehensionEnd:
		if f.pendingCompr == nil {
			return 0, rerr.New(rerr.KindInvalidDataFormat, "ComprehensionEnd with no pending comprehension")
		}
		pc := f.pendingCompr
		f.pendingCompr = nil
		switch instr.Imm {
		case 0: // array
			f.regs[instr.A] = value.Array(pc.solutions...)
		case 1: // set
			f.regs[instr.A] = value.NewSet(pc.solutions...)
		case 2: // object
			pairs := make([][2]value.Value, len(pc.objPairs))
			for i, p := range pc.objPairs {
				pairs[i] = [2]value.Value{p.Key, p.Val}
			}
			f.regs[instr.A] = value.NewObject(pairs...)
		}
		return contAdvance, nil

	case OpCallRule:
		path := v.prog.Strings[instr.Imm]
		result, err := v.ensureRuleValue(ctx, path)
		if err != nil {
			return 0, err
		}
		f.regs[instr.A] = result
		return contAdvance, nil
	case OpFunctionCall:
		path := v.prog.Strings[instr.Imm]
		args := make([]value.Value, len(instr.Args))
		for i, r := range instr.Args {
			args[i] = f.regs[r]
		}
		result, err := v.evalFunctionCall(ctx, path, args)
		if err != nil {
			return 0, err
		}
		f.regs[instr.A] = result
		return contAdvance, nil
	case OpBuiltinCall:
		name := v.prog.Strings[instr.Imm]
		args := make([]value.Value, len(instr.Args))
		for i, r := range instr.Args {
			args[i] = f.regs[r]
		}
		if stats := statisticsFrom(ctx); stats != nil {
			stats.mu.Lock()
			stats.BuiltinCalls++
			stats.mu.Unlock()
		}
		result, err := v.builtins.Call(name, v.strict, args)
		if err != nil {
			if v.strict {
				return 0, rerr.Wrap(rerr.KindBuiltinTypeError, "builtin "+name+" failed", err)
			}
			result = value.Undefined
		}
		f.regs[instr.A] = result
		return contAdvance, nil

	case OpRuleInit:
		return contAdvance, nil
	case OpRuleReturn:
		if !f.collectAll {
			f.result = f.regs[0]
			f.found = true
			return contReturn, nil
		}
		if instr.Imm == 1 {
			f.objPairs = append(f.objPairs, objPair{Key: f.regs[instr.A], Val: f.regs[0]})
		} else {
			f.solutions = append(f.solutions, f.regs[0])
		}
		return contFail, nil
	case OpReturn:
		f.result = f.regs[0]
		f.found = true
		return contReturn, nil

	case OpDestructuringSuccess:
		return contAdvance, nil

	default:
		return 0, rerr.New(rerr.KindInvalidDataFormat, "unknown opcode")
	}
}

// execLoopStart handles both LoopMode variants. ForEach pushes a
// backtracking choice point and binds the first candidate; an empty
// collection simply fails the statement. Every runs its nested body
// once per candidate as an independent collect-nothing frame, failing
// the whole statement the first time one doesn't hold; an empty domain
// is vacuously true (spec §4.2/§4.3.3).
func (v *VM) execLoopStart(ctx context.Context, f *frame, instr Instruction) (contSignal, error) {
	coll := f.regs[instr.B]
	entries := buildEntries(coll)

	if instr.LoopMode == LoopEvery {
		if len(entries) == 0 {
			f.pc = instr.Imm
			return contJumped, nil
		}
		for _, e := range entries {
			child := v.pushFrame(instr.Imm2, false)
			child.regs[instr.A] = e.key
			child.regs[instr.C] = e.val
			copyCaptures(f, child, instr.Args)
			done, err := v.dispatch(ctx)
			if err != nil {
				return 0, err
			}
			if !done.found || !done.result.IsTruthy() {
				return contFail, nil
			}
		}
		f.pc = instr.Imm
		return contJumped, nil
	}

	if len(entries) == 0 {
		return contFail, nil
	}
	first := entries[0]
	if instr.Imm2 == 1 {
		f.regs[instr.A] = first.key
	}
	f.regs[instr.C] = first.val
	f.choicePoints = append(f.choicePoints, choicePoint{
		entries:  entries,
		pos:      1,
		indexReg: instr.A,
		hasIndex: instr.Imm2 == 1,
		valueReg: instr.C,
		resumePC: f.pc + 1,
	})
	return contAdvance, nil
}
