// Package ast defines the tree of modules, rules, bodies, and expressions
// produced by the parser (spec §3). Every expression and statement node
// carries a stable integer index assigned at construction time; those
// index spaces (eidx/sidx/qidx) are what the schedule, loop-hoisting
// table, and compiled-program side-tables key off of, so they must never
// be renumbered after a Module is built.
package ast

import "github.com/ironleaf/polyrule/value"

// Position records source location, following the teacher's node-carries-
// its-own-span convention (core/ast/ast.go Position).
type Position struct {
	Line, Col, Offset int
}

// Module is a package reference with ordered imports and rules.
type Module struct {
	Path    []string // dotted path rooted at "data", e.g. ["data","t"]
	Imports []Import
	Rules   []*Rule

	// NumExprs/NumStmts/NumQueries are the sizes of the stable index
	// spaces assigned while this module was parsed.
	NumExprs   int
	NumStmts   int
	NumQueries int

	Index int // this module's own index in the policy's module list
}

func (m *Module) PathString() string {
	s := ""
	for i, p := range m.Path {
		if i > 0 {
			s += "."
		}
		s += p
	}
	return s
}

type Import struct {
	Path  []string
	Alias string
	Pos   Position
}

// RuleKind distinguishes the four head shapes from spec §3.
type RuleKind int

const (
	RuleDefault RuleKind = iota
	RuleComplete
	RulePartialSet
	RulePartialObject
	RuleFunction
)

// Rule is either a default rule (a path + constant expression) or a spec
// rule (a head plus zero or more bodies).
type Rule struct {
	Kind RuleKind
	Refr []string // path this rule contributes to, relative to the module

	// Default rules only.
	DefaultValue Expr

	// Spec rules only.
	Params  []Expr // function parameters (patterns), RuleFunction only
	Key     Expr   // PartialObject key expr, or PartialSet element expr
	Value   Expr   // Complete/PartialObject value expr, Function return expr
	Bodies  []*Body

	Module *Module // back-reference, set once the owning module is known
	Pos    Position
}

// Body is one alternative definition of a rule: an optional alternate
// output expression (`assign`) plus an ordered query.
type Body struct {
	Assign Expr
	Query  *Query
	Pos    Position
}

// Query is an ordered sequence of statements. QIdx is this query's slot
// in the owning module's stable qidx space.
type Query struct {
	Stmts []*LiteralStmt
	QIdx  int
}

// LiteralKind distinguishes the five literal shapes from spec §3.
type LiteralKind int

const (
	LitExpr LiteralKind = iota
	LitNot
	LitSome
	LitSomeIn
	LitEvery
)

// LiteralStmt is (literal, with-mods). SIdx is this statement's slot in
// the owning module's stable sidx space.
type LiteralStmt struct {
	Kind LiteralKind
	SIdx int

	// LitExpr / LitNot
	Expr Expr

	// LitSome: declared variable names with no binding collection.
	SomeVars []string

	// LitSomeIn: `some k?, v in coll`
	SomeKey  *Expr // nil when no key variable was given
	SomeVal  Expr
	SomeColl Expr

	// LitEvery: `every k?, v in dom { query }`
	EveryKey  *Expr // nil when no key variable was given
	EveryVal  Expr
	EveryDom  Expr
	EveryBody *Query

	With []WithMod
	Pos  Position
}

// WithMod overrides input, data, or a function for the scope of one
// statement (spec §3 With-modifier).
type WithMod struct {
	// Target is the dotted path being overridden: ["input"], ["data",...],
	// or a function/builtin path.
	Target []string
	As     Expr
	Pos    Position
}

// ExprKind enumerates expression node shapes.
type ExprKind int

const (
	ExprNull ExprKind = iota
	ExprBool
	ExprNumber
	ExprString
	ExprVar
	ExprRef // chained ref: Ref.Target[expr].Field...
	ExprArith
	ExprCompare
	ExprBin // | and & set operators
	ExprMembership
	ExprArrayCompr
	ExprSetCompr
	ExprObjectCompr
	ExprCall
	ExprNeg
	ExprArrayLit
	ExprSetLit
	ExprObjectLit
	ExprAssign // `=` or `:=`
	ExprWildcard
)

// ArithOp / CompareOp / BinOp enumerate the operator tokens.
type ArithOp int

const (
	OpAdd ArithOp = iota
	OpSub
	OpMul
	OpDiv
	OpMod
)

type CompareOp int

const (
	OpEq CompareOp = iota
	OpNe
	OpLt
	OpLe
	OpGt
	OpGe
)

type BinOp int

const (
	OpUnion BinOp = iota
	OpIntersect
)

// RefPart is one step of a chained ref: either a static field name or a
// dynamic index expression.
type RefPart struct {
	Field string // set when this step is a literal `.field`
	Index *Expr  // set when this step is a `[expr]` index
}

// Expr is a single expression node. EIdx is this expression's slot in the
// owning module's stable eidx space; it is what the loop-hoisting table
// and compiled-program span table key off of.
type Expr struct {
	Kind ExprKind
	EIdx int

	Bool   bool
	Number string // decimal literal text, parsed lazily by the evaluator
	Str    string
	Var    string

	RefHead  string // "input", "data", an import alias, or a local var
	RefParts []RefPart

	ArithOp   ArithOp
	CompareOp CompareOp
	BinOp     BinOp
	Left      *Expr
	Right     *Expr

	// Membership: `x in coll` (Left=x) or `k, v in coll` (Key=k, Left=v)
	Key  *Expr
	Coll *Expr

	// Comprehensions
	ComprTerm *Expr
	ComprKey  *Expr // ObjectCompr only
	ComprBody *Query

	// Call
	CallFunc []string // dotted function path
	CallArgs []Expr

	// Composite literals
	Elems []Expr
	KVs   []KV

	// Assignment
	AssignDef bool // true for `:=`, false for `=`

	Pos Position
}

type KV struct {
	Key Expr
	Val Expr
}

// Literal returns the constant Value this expression denotes if it is a
// pure literal (null/bool/number/string or a literal-only container),
// used by the compiler's default-value validation (spec §4.4.4).
func (e Expr) Literal() (value.Value, bool) {
	switch e.Kind {
	case ExprNull:
		return value.Null, true
	case ExprBool:
		return value.Bool(e.Bool), true
	case ExprNumber:
		n, err := value.NumberFromString(e.Number)
		if err != nil {
			return value.Undefined, false
		}
		return n, true
	case ExprString:
		return value.String(e.Str), true
	case ExprArrayLit:
		elems := make([]value.Value, 0, len(e.Elems))
		for _, el := range e.Elems {
			v, ok := el.Literal()
			if !ok {
				return value.Undefined, false
			}
			elems = append(elems, v)
		}
		return value.Array(elems...), true
	case ExprSetLit:
		elems := make([]value.Value, 0, len(e.Elems))
		for _, el := range e.Elems {
			v, ok := el.Literal()
			if !ok {
				return value.Undefined, false
			}
			elems = append(elems, v)
		}
		return value.NewSet(elems...), true
	case ExprObjectLit:
		pairs := make([][2]value.Value, 0, len(e.KVs))
		for _, kv := range e.KVs {
			k, ok := kv.Key.Literal()
			if !ok {
				return value.Undefined, false
			}
			v, ok := kv.Val.Literal()
			if !ok {
				return value.Undefined, false
			}
			pairs = append(pairs, [2]value.Value{k, v})
		}
		return value.NewObject(pairs...), true
	default:
		return value.Undefined, false
	}
}
