package compiler

import "github.com/ironleaf/polyrule/rerr"

// scope tracks the register a compiled body has allocated to each local
// variable name. Registers are handed out monotonically and never
// recycled within one scope, which is what lets a bound variable's
// register stay valid across a backtrack: OpLoopStart's choice point
// resumes downstream code at the same PC with the same register file, so
// anything compiled after a loop must keep reading the loop's dest
// register rather than a register that might since have been reused for
// something else.
type scope struct {
	vars map[string]uint8
	next uint8
}

func newScope() *scope {
	return &scope{vars: map[string]uint8{}, next: 1}
}

func (s *scope) alloc() (uint8, error) {
	if s.next == 0 {
		return 0, rerr.New(rerr.KindRegisterOverflow, "rule body exceeds available registers")
	}
	r := s.next
	s.next++
	return r, nil
}

func (s *scope) bind(name string) (uint8, error) {
	if name == "_" {
		return s.alloc()
	}
	if r, ok := s.vars[name]; ok {
		return r, nil
	}
	r, err := s.alloc()
	if err != nil {
		return 0, err
	}
	s.vars[name] = r
	return r, nil
}

func (s *scope) lookup(name string) (uint8, bool) {
	r, ok := s.vars[name]
	return r, ok
}
