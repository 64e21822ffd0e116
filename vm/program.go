// Package vm implements the register-based virtual machine (RVM, spec
// §4.4-§4.5): a Program (instruction stream + side tables) produced by
// the compiler package, and an executor that runs it under the same
// resource-bound contract (limits package) as the tree-walking
// interpreter. The bytecode format and the fluent VM/Compiler builder
// shape are grounded on the real enterprise-opa VM plugin's
// vm.NewCompiler()/vm.NewVM() API (other_examples, rego_vm plugin).
package vm

import (
	"github.com/ironleaf/polyrule/ast"
	"github.com/ironleaf/polyrule/rerr"
	"github.com/ironleaf/polyrule/value"
)

// Op enumerates the RVM instruction classes from spec §4.4.2. Jump/
// JumpIfFalse/JumpIfTrue are the structural glue the spec's design-level
// table leaves implicit — every register machine needs an explicit
// branch instruction to lower loops and multi-body rules into a flat
// stream, so the compiler emits them itself.
type Op int

const (
	OpLoadConst Op = iota
	OpLoadBool
	OpLoadInput
	OpLoadData
	OpMove

	OpAdd
	OpSub
	OpMul
	OpDiv
	OpMod
	OpEq
	OpNe
	OpLt
	OpLe
	OpGt
	OpGe
	OpNot
	OpUnion
	OpIntersect

	OpIndex               // A = B[C] (C holds the key/index value)
	OpIndexLiteral        // A = B[Literals[Imm]]
	OpChainedIndex        // A = B indexed through Strings[Args[0]], Strings[Args[1]], ... in turn
	OpVirtualDataLookup   // A = on-demand rule evaluation at Strings[Imm], falling back to the
	                      // stored data document at that path if no rule claims it; B unused

	OpArrayCreate
	OpSetCreate
	OpObjectCreate
	OpContains
	OpSetAdd
	OpObjectSet

	OpAssertCondition

	OpJump
	OpJumpIfFalse
	OpJumpIfTrue

	// OpLoopStart begins one iteration site, shaped by LoopMode:
	//   ForEach: B=collection, A=index/key dest (meaningful iff Imm2==1),
	//     C=value dest. Binds the first candidate and pushes a
	//     backtracking choice point that resumes at the following
	//     instruction; an empty collection fails the statement outright
	//     (Imm/Imm2 carry no jump target in this mode).
	//   Every: B=domain, A=index/key dest, C=value dest in the *nested*
	//     frame, Imm2=entry PC of the nested per-element query, Imm=PC to
	//     jump to once every element holds (or immediately, if the domain
	//     is empty — vacuously true per spec §4.2). Args carries
	//     (outer register, child register) pairs for every free variable
	//     the nested query reads that isn't the loop's own index/value.
	OpLoopStart
	// OpLoopNext is defined for parity with spec §4.4.2's named
	// instruction set but is not emitted by this compiler: OpRuleReturn
	// and OpComprehensionYield already request the next combination
	// themselves when running in collect-all mode, which covers every
	// site LoopNext would otherwise cover.
	OpLoopNext

	// OpComprehensionBegin runs the comprehension body at Imm as a fresh
	// collect-all child frame and stashes its solutions/objPairs on the
	// parent for the following OpComprehensionEnd to materialize. Args
	// carries (outer register, child register) free-variable capture
	// pairs, same convention as OpLoopStart's Every mode.
	OpComprehensionBegin
	OpComprehensionYield
	OpComprehensionEnd

	OpCallRule
	OpFunctionCall
	OpBuiltinCall

	OpRuleInit
	OpRuleReturn
	OpReturn

	OpDestructuringSuccess
)

// LoopMode distinguishes ForEach (hoisted ref/some-in iteration) from
// Every (every-statement, vacuously true on an empty domain, aborts the
// whole rule body the first element that fails its nested query).
type LoopMode int

const (
	LoopForEach LoopMode = iota
	LoopEvery
)

// Instruction is one RVM opcode plus its operands. Register operands (A,
// B, C) index into the current activation's register window; Imm/Imm2
// carry literal-table/string-table indices, jump targets, or small
// integers (arity, loop mode) depending on Op. Args holds the
// variable-length register list ArrayCreate/ObjectCreate/calls need.
type Instruction struct {
	Op       Op
	A, B, C  uint8
	Imm      int
	Imm2     int
	Args     []uint8
	LoopMode LoopMode
}

// RuleInfo records everything the VM needs to activate one rule
// definition: its dotted path, arity (-1 for non-functions), and the
// entry PCs of each body alternative, tried left-to-right per spec
// §4.4.3 step 4. Overloaded function arities are independent entries
// sharing the same Path (dedup key is (Path, Arity), per
// original_source/src/languages/rego/compiler.rs's per-definition
// worklist).
type RuleInfo struct {
	Path        []string
	Kind        ast.RuleKind
	Arity       int
	ModuleIndex int
	EntryPCs    []int
	// DefaultLiteralIdx indexes Literals for a Complete rule's statically
	// evaluated default value (spec §4.4.4); -1 when the rule has none.
	DefaultLiteralIdx int
}

func (ri RuleInfo) PathString() string {
	s := ""
	for i, p := range ri.Path {
		if i > 0 {
			s += "."
		}
		s += p
	}
	return s
}

// Program is the compiled artifact the RVM executes: an instruction
// stream plus every side table spec §4.4 requires.
type Program struct {
	Version int

	Instructions []Instruction
	Literals     []value.Value
	Strings      []string
	// Spans parallels Instructions: instruction index -> source span, for
	// diagnostics (spec §4.4.2's SpanInfo table).
	Spans []rerr.Span

	Rules       []RuleInfo
	EntryPoints map[string]int
	// EntryPointNames orders EntryPoints' keys stably (insertion order at
	// compile time), giving execute_entry_point_by_index a defined slot
	// for each name independent of map iteration order.
	EntryPointNames []string

	// Builtins lists every builtin/extension this program's
	// OpBuiltinCall instructions actually reference, serialized
	// alongside the program (spec §4.5.5's builtin-info table) so a
	// deserializing host can tell which names it needs bound before the
	// program is Complete.
	Builtins []BuiltinInfo

	// RuntimeRecursionCheck is set whenever the compiler emitted an
	// OpVirtualDataLookup, since that path may dynamically resolve to the
	// currently-executing rule (spec §4.4.3 step 6).
	RuntimeRecursionCheck bool
}

// BuiltinInfo names one builtin/extension referenced by a Program, with
// the arity the compiler observed at the call site it was resolved
// against (spec §4.5.5).
type BuiltinInfo struct {
	Name  string
	Arity int
}

// ruleInfosByPath returns the indices of the RuleInfo entries sharing a
// dotted path (there may be several distinct arities for a function).
func (p *Program) ruleInfosByPath(path string) []int {
	var out []int
	for i, ri := range p.Rules {
		if ri.PathString() == path {
			out = append(out, i)
		}
	}
	return out
}
