package vm

import (
	"github.com/fxamacker/cbor/v2"

	"github.com/ironleaf/polyrule/builtins"
	"github.com/ironleaf/polyrule/rerr"
	"github.com/ironleaf/polyrule/value"
)

// ProgramVersion is the binary envelope version (spec §4.5.5). Bumped
// whenever the wire shape below changes incompatibly.
const ProgramVersion = 1

// wireProgram is the CBOR-portable shape of a Program. value.Value
// holds unexported fields, so Literals travel as JSON text (value
// already implements MarshalJSON/ParseJSON) rather than asking cbor to
// reflect into it directly.
type wireProgram struct {
	Version               int
	Instructions          []Instruction
	LiteralsJSON          []string
	Strings               []string
	Spans                 []rerr.Span
	Rules                 []RuleInfo
	EntryPoints           map[string]int
	EntryPointNames       []string
	Builtins              []BuiltinInfo
	RuntimeRecursionCheck bool
}

// Serialize encodes a Program to its binary form (spec §4.5.5).
func Serialize(p *Program) ([]byte, error) {
	w := wireProgram{
		Version:               ProgramVersion,
		Instructions:          p.Instructions,
		Strings:               p.Strings,
		Spans:                 p.Spans,
		Rules:                 p.Rules,
		EntryPoints:           p.EntryPoints,
		EntryPointNames:       p.EntryPointNames,
		Builtins:              p.Builtins,
		RuntimeRecursionCheck: p.RuntimeRecursionCheck,
	}
	w.LiteralsJSON = make([]string, len(p.Literals))
	for i, lit := range p.Literals {
		b, err := lit.MarshalJSON()
		if err != nil {
			return nil, rerr.Wrap(rerr.KindInvalidDataFormat, "encoding literal table", err)
		}
		w.LiteralsJSON[i] = string(b)
	}
	return cbor.Marshal(w)
}

// DeserializeResult is the outcome of Deserialize: exactly one of
// Complete or Partial is set (spec §4.5.5).
type DeserializeResult struct {
	Complete *Program
	Partial  *Program
}

// Deserialize decodes a Program's binary form. When reg is non-nil,
// every OpBuiltinCall target is checked against it; if every name
// resolves the result is Complete, otherwise Partial (Rebind's error
// names the unresolved builtins). A nil reg always yields Partial — the
// caller has not yet rebound an environment.
func Deserialize(data []byte, reg *builtins.Registry) (DeserializeResult, error) {
	var w wireProgram
	if err := cbor.Unmarshal(data, &w); err != nil {
		return DeserializeResult{}, rerr.Wrap(rerr.KindInvalidDataFormat, "decoding program envelope", err)
	}
	if w.Version != ProgramVersion {
		return DeserializeResult{}, rerr.New(rerr.KindInvalidDataFormat, "incompatible program envelope version")
	}

	p := &Program{
		Version:               w.Version,
		Instructions:          w.Instructions,
		Strings:               w.Strings,
		Spans:                 w.Spans,
		Rules:                 w.Rules,
		EntryPoints:           w.EntryPoints,
		EntryPointNames:       w.EntryPointNames,
		Builtins:              w.Builtins,
		RuntimeRecursionCheck: w.RuntimeRecursionCheck,
	}
	p.Literals = make([]value.Value, len(w.LiteralsJSON))
	for i, text := range w.LiteralsJSON {
		v, err := value.ParseJSON([]byte(text))
		if err != nil {
			return DeserializeResult{}, rerr.Wrap(rerr.KindInvalidDataFormat, "decoding literal table", err)
		}
		p.Literals[i] = v
	}

	if reg == nil {
		return DeserializeResult{Partial: p}, nil
	}
	if missing := unresolvedBuiltins(p, reg); len(missing) > 0 {
		return DeserializeResult{Partial: p}, nil
	}
	return DeserializeResult{Complete: p}, nil
}

// Rebind re-checks a Partial program's builtin references against reg,
// promoting it to Complete once every reference resolves.
func Rebind(p *Program, reg *builtins.Registry) (*Program, error) {
	if missing := unresolvedBuiltins(p, reg); len(missing) > 0 {
		return nil, rerr.New(rerr.KindPartialProgram, "program still references unbound builtins: "+joinNames(missing))
	}
	return p, nil
}

func unresolvedBuiltins(p *Program, reg *builtins.Registry) []string {
	seen := map[string]bool{}
	var missing []string
	for _, instr := range p.Instructions {
		if instr.Op != OpBuiltinCall {
			continue
		}
		name := p.Strings[instr.Imm]
		if seen[name] {
			continue
		}
		seen[name] = true
		if _, ok := reg.Get(name); !ok {
			missing = append(missing, name)
		}
	}
	return missing
}

func joinNames(names []string) string {
	s := ""
	for i, n := range names {
		if i > 0 {
			s += ", "
		}
		s += n
	}
	return s
}
