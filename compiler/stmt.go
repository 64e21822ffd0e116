package compiler

import (
	"github.com/ironleaf/polyrule/ast"
	"github.com/ironleaf/polyrule/hoist"
	"github.com/ironleaf/polyrule/rerr"
	"github.com/ironleaf/polyrule/value"
	"github.com/ironleaf/polyrule/vm"
)

// compileQuery lowers every statement of q, in schedule order, into sc's
// straight-line instruction stream. No explicit backtracking control
// flow is ever emitted here: the VM's own choice points (pushed by
// OpLoopStart) make a purely sequential lowering of hoisted loops plus
// their downstream statements behave exactly like interp/solve.go's
// recursive solveFrom/solveLoops, because a failed AssertCondition
// anywhere downstream backtracks to the most recent choice point and
// resumes at the instruction right after its LoopStart — which, in this
// layout, is always that loop's own destructuring-assert chain.
func (c *Compiler) compileQuery(mod *ast.Module, q *ast.Query, sc *scope) error {
	if q == nil || len(q.Stmts) == 0 {
		return nil
	}
	order := c.sched.Order(mod.Index, q.QIdx)
	byIdx := map[int]*ast.LiteralStmt{}
	for _, st := range q.Stmts {
		byIdx[st.SIdx] = st
	}
	for _, sidx := range order {
		st := byIdx[sidx]
		if st == nil {
			continue
		}
		if len(st.With) > 0 {
			return rerr.New(rerr.KindInvalidWithTarget, "the VM compilation target does not support with-modifiers; evaluate this policy with the tree-walking interpreter instead")
		}
		entry := c.hoist.Lookup(mod.Index, q.QIdx, sidx)
		if entry != nil {
			for _, loop := range entry.Loops {
				if err := c.compileLoop(mod, sc, loop, entry); err != nil {
					return err
				}
			}
		}
		if err := c.compileStmtCore(mod, sc, st, entry); err != nil {
			return err
		}
	}
	return nil
}

// compileStmtCore compiles the part of a statement that isn't already
// covered by its hoisted loops: an assert for LitExpr/LitNot, a
// destructure-bind for an assignment. LitSome/LitSomeIn/LitEvery need no
// additional core code — LitSome is a bare declaration with nothing to
// assert, and SomeIn/Every are handled entirely by their hoisted Loop.
func (c *Compiler) compileStmtCore(mod *ast.Module, sc *scope, st *ast.LiteralStmt, entry *hoist.Entry) error {
	span := spanOf(st.Pos)
	switch st.Kind {
	case ast.LitExpr:
		if st.Expr.Kind == ast.ExprAssign {
			rhs, err := c.compileExpr(mod, sc, *st.Expr.Right)
			if err != nil {
				return err
			}
			c.append(vm.Instruction{Op: vm.OpAssertCondition, A: rhs, Imm: 1}, span)
			return c.applyPlan(entry, st.Expr.Left.EIdx, rhs, sc, st.Pos)
		}
		reg, err := c.compileExpr(mod, sc, st.Expr)
		if err != nil {
			return err
		}
		c.append(vm.Instruction{Op: vm.OpAssertCondition, A: reg, Imm: 0}, span)
		return nil
	case ast.LitNot:
		reg, err := c.compileExpr(mod, sc, st.Expr)
		if err != nil {
			return err
		}
		tmp, err := sc.alloc()
		if err != nil {
			return err
		}
		c.append(vm.Instruction{Op: vm.OpNot, A: tmp, B: reg}, span)
		c.append(vm.Instruction{Op: vm.OpAssertCondition, A: tmp, Imm: 0}, span)
		return nil
	case ast.LitSome, ast.LitSomeIn, ast.LitEvery:
		return nil
	default:
		return rerr.New(rerr.KindInvalidRef, "unsupported statement kind")
	}
}

// compileLoop lowers one hoisted iteration site. ForEach/Walk push a
// backtracking choice point inline, in the same frame; Every runs its
// nested per-element query as a deferred child-frame block, captured the
// same way a comprehension body is.
func (c *Compiler) compileLoop(mod *ast.Module, sc *scope, loop hoist.Loop, entry *hoist.Entry) error {
	span := spanOf(loop.Collection.Pos)
	collReg, err := c.compileExpr(mod, sc, loop.Collection)
	if err != nil {
		return err
	}

	if loop.Kind == hoist.LoopEvery {
		return c.compileEveryLoop(mod, sc, loop, entry, collReg, span)
	}

	hasIndex := loop.Index != nil
	var destIdx, destVal uint8
	if hasIndex {
		destIdx, err = sc.alloc()
		if err != nil {
			return err
		}
	}
	destVal, err = sc.alloc()
	if err != nil {
		return err
	}
	imm2 := 0
	if hasIndex {
		imm2 = 1
	}
	c.append(vm.Instruction{Op: vm.OpLoopStart, A: destIdx, B: collReg, C: destVal, Imm2: imm2}, span)

	if hasIndex {
		if err := c.applyPlan(entry, loop.Index.EIdx, destIdx, sc, span2pos(span)); err != nil {
			return err
		}
	}
	if loop.HasValue {
		if err := c.applyPlan(entry, loop.Value.EIdx, destVal, sc, span2pos(span)); err != nil {
			return err
		}
	}
	return nil
}

// compileEveryLoop lowers a `every` statement's nested per-element query
// as a deferred child-frame block. The outer LoopStart's Imm (the PC to
// resume at once every element has held, or immediately on an empty
// domain) is known the instant it's emitted — nothing more gets spliced
// into the outer stream before the next statement — while Imm2 (the
// nested query's own entry PC) is only known once the deferred block is
// drained, so it is patched then.
func (c *Compiler) compileEveryLoop(mod *ast.Module, sc *scope, loop hoist.Loop, entry *hoist.Entry, collReg uint8, span rerr.Span) error {
	_ = span
	pos := loop.Collection.Pos
	vars := referencedVars(loop.Body)
	childSc := newScope()
	args, err := captureArgs(vars, sc, childSc)
	if err != nil {
		return err
	}

	hasIndex := loop.Index != nil
	idxChildReg, err := childSc.alloc()
	if err != nil {
		return err
	}
	valChildReg, err := childSc.alloc()
	if err != nil {
		return err
	}

	instrIdx := len(c.instrs)
	c.append(vm.Instruction{Op: vm.OpLoopStart, A: idxChildReg, C: valChildReg, B: collReg, LoopMode: vm.LoopEvery, Args: args}, spanOf(pos))
	c.instrs[instrIdx].Imm = len(c.instrs)

	c.deferBlock(
		func(start int) { c.instrs[instrIdx].Imm2 = start },
		func() error {
			if hasIndex {
				if err := c.applyPlan(entry, loop.Index.EIdx, idxChildReg, childSc, pos); err != nil {
					return err
				}
			}
			if err := c.applyPlan(entry, loop.Value.EIdx, valChildReg, childSc, pos); err != nil {
				return err
			}
			if err := c.compileQuery(mod, loop.Body, childSc); err != nil {
				return err
			}
			trueIdx := c.poolLiteral(value.True)
			c.append(vm.Instruction{Op: vm.OpLoadConst, A: 0, Imm: trueIdx}, spanOf(pos))
			c.append(vm.Instruction{Op: vm.OpReturn}, spanOf(pos))
			return nil
		},
	)
	return nil
}

func span2pos(s rerr.Span) ast.Position {
	return ast.Position{Line: s.Line, Col: s.Col, Offset: s.Offset}
}
