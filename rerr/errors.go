// Package rerr implements the error taxonomy shared by every stage of the
// pipeline (spec §7). Every error surfaced past the parser carries a Kind,
// a message, and a source Span; rule and output conflicts also carry a
// secondary "defined here" span.
package rerr

import (
	"fmt"

	pkgerrors "github.com/pkg/errors"
)

// Kind enumerates the internal error taxonomy from spec §7.
type Kind string

const (
	// Syntax / analysis
	KindParse              Kind = "PARSE_ERROR"
	KindScheduleImpossible Kind = "SCHEDULE_IMPOSSIBLE"
	KindDuplicateLocal     Kind = "DUPLICATE_LOCAL_VARIABLE"
	KindInvalidDefault     Kind = "INVALID_DEFAULT_VALUE"
	KindInvalidRef         Kind = "INVALID_REF"
	KindInvalidImport      Kind = "INVALID_IMPORT"
	KindDuplicateImport    Kind = "DUPLICATE_IMPORT"
	KindInvalidWithTarget  Kind = "INVALID_WITH_TARGET"

	// Evaluation
	KindRuleConflict        Kind = "RULE_CONFLICT"
	KindMultipleOutputs     Kind = "MULTIPLE_COMPLETE_OUTPUTS"
	KindMultipleFuncOutputs Kind = "MULTIPLE_FUNCTION_OUTPUTS"
	KindRecursion           Kind = "RECURSION_DETECTED"
	KindInvalidRulePath     Kind = "INVALID_RULE_PATH"
	KindUndefinedVariable   Kind = "UNDEFINED_VARIABLE"
	KindBuiltinTypeError    Kind = "BUILTIN_TYPE_ERROR"

	// Resource
	KindMemoryLimit Kind = "MEMORY_LIMIT_EXCEEDED"
	KindInstrBudget Kind = "INSTRUCTION_BUDGET_EXCEEDED"
	KindTimeLimit   Kind = "EXECUTION_TIME_LIMIT_EXCEEDED"

	// Compilation (VM)
	KindUnknownFunction    Kind = "UNKNOWN_FUNCTION"
	KindUnknownBuiltin     Kind = "UNKNOWN_BUILTIN"
	KindRegisterOverflow   Kind = "REGISTER_OVERFLOW"
	KindMissingBindingPlan Kind = "MISSING_BINDING_PLAN"
	KindCompileRecursion   Kind = "COMPILE_TIME_RECURSION"

	// Deserialization
	KindInvalidDataFormat Kind = "INVALID_DATA_FORMAT"
	KindPartialProgram    Kind = "PARTIAL_PROGRAM_NEEDS_REBIND"

	// Contention (VM FFI boundary)
	KindContention Kind = "HANDLE_ALREADY_IN_USE"
)

// Span locates an error within source text.
type Span struct {
	File   string
	Line   int
	Col    int
	Offset int
}

func (s Span) String() string {
	if s.File == "" && s.Line == 0 {
		return ""
	}
	return fmt.Sprintf("%s:%d:%d", s.File, s.Line, s.Col)
}

// Error is the structured error type propagated out of every package in
// this module. It implements error, Unwrap (for errors.Is/As), and keeps
// enough context for a host to render a precise diagnostic.
type Error struct {
	Kind      Kind
	Message   string
	At        Span
	DefinedAt *Span // secondary "defined here" location, e.g. rule conflicts
	Cause     error
}

func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

func Wrap(kind Kind, message string, cause error) *Error {
	return &Error{Kind: kind, Message: message, Cause: pkgerrors.WithStack(cause)}
}

func (e *Error) WithSpan(s Span) *Error {
	e.At = s
	return e
}

func (e *Error) WithDefinedAt(s Span) *Error {
	e.DefinedAt = &s
	return e
}

func (e *Error) Error() string {
	loc := e.At.String()
	base := e.Message
	if loc != "" {
		base = fmt.Sprintf("%s (%s)", base, loc)
	}
	if e.DefinedAt != nil {
		base = fmt.Sprintf("%s; defined here: %s", base, e.DefinedAt.String())
	}
	if e.Cause != nil {
		return fmt.Sprintf("%s: %v", base, e.Cause)
	}
	return base
}

func (e *Error) Unwrap() error { return e.Cause }

// Is allows errors.Is(err, rerr.New(KindX, "")) style Kind comparisons
// when only the Kind matters to the caller.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind
}

// Of reports whether err (or something it wraps) is a *Error of the given
// Kind.
func Of(err error, kind Kind) bool {
	var e *Error
	for err != nil {
		if ae, ok := err.(*Error); ok {
			e = ae
			break
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			break
		}
		err = u.Unwrap()
	}
	return e != nil && e.Kind == kind
}
