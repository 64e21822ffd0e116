package compiler

import (
	"github.com/ironleaf/polyrule/ast"
	"github.com/ironleaf/polyrule/rerr"
	"github.com/ironleaf/polyrule/vm"
)

// compileRuleDef compiles one rule definition (default rules fold to a
// single literal; everything else gets one entry PC per body
// alternative) and appends its RuleInfo.
func (c *Compiler) compileRuleDef(m *ast.Module, r *ast.Rule) error {
	ri := vm.RuleInfo{
		Path:              rulePath(m, r),
		Kind:              r.Kind,
		Arity:             -1,
		ModuleIndex:       m.Index,
		DefaultLiteralIdx: -1,
	}
	if r.Kind == ast.RuleFunction {
		ri.Arity = len(r.Params)
	}

	if r.Kind == ast.RuleDefault {
		val, err := c.ip.EvalConstExpr(m, r.DefaultValue)
		if err != nil {
			return err
		}
		ri.DefaultLiteralIdx = c.poolLiteral(val)
		c.rules = append(c.rules, ri)
		return nil
	}

	bodies := r.Bodies
	if len(bodies) == 0 {
		bodies = []*ast.Body{{Pos: r.Pos}}
	}
	for _, b := range bodies {
		entryPC := len(c.instrs)
		sc := newScope()
		if r.Kind == ast.RuleFunction {
			if err := c.bindParams(m, r, sc); err != nil {
				return err
			}
		}
		if err := c.compileQuery(m, b.Query, sc); err != nil {
			return err
		}
		if err := c.compileRuleLeaf(m, r, sc); err != nil {
			return err
		}
		ri.EntryPCs = append(ri.EntryPCs, entryPC)
	}
	c.rules = append(c.rules, ri)
	return nil
}

// bindParams reserves registers 1..N for a function's parameters (the
// convention evalFunctionCall's caller-side register seeding relies on,
// vm/rule.go) and applies each parameter's destructuring plan against
// its raw register.
func (c *Compiler) bindParams(m *ast.Module, r *ast.Rule, sc *scope) error {
	sc.next = uint8(1 + len(r.Params))
	plans := c.hoist.FuncParamPlans(m.Index, r)
	for i, p := range r.Params {
		reg := uint8(1 + i)
		if plans == nil || plans[i] == nil {
			continue
		}
		if err := c.compileDestructure(plans[i].Destructure, reg, sc, p.Pos); err != nil {
			return err
		}
	}
	return nil
}

func (c *Compiler) compileRuleLeaf(m *ast.Module, r *ast.Rule, sc *scope) error {
	span := spanOf(r.Pos)
	switch r.Kind {
	case ast.RuleComplete, ast.RuleFunction:
		reg, err := c.compileExpr(m, sc, r.Value)
		if err != nil {
			return err
		}
		c.moveToZero(reg, span)
		c.append(vm.Instruction{Op: vm.OpRuleReturn, Imm: 0}, span)
		return nil
	case ast.RulePartialSet:
		reg, err := c.compileExpr(m, sc, r.Key)
		if err != nil {
			return err
		}
		c.moveToZero(reg, span)
		c.append(vm.Instruction{Op: vm.OpRuleReturn, Imm: 0}, span)
		return nil
	case ast.RulePartialObject:
		kReg, err := c.compileExpr(m, sc, r.Key)
		if err != nil {
			return err
		}
		vReg, err := c.compileExpr(m, sc, r.Value)
		if err != nil {
			return err
		}
		c.moveToZero(vReg, span)
		c.append(vm.Instruction{Op: vm.OpRuleReturn, A: kReg, Imm: 1}, span)
		return nil
	default:
		return rerr.New(rerr.KindInvalidRulePath, "unexpected rule kind reaching leaf compilation")
	}
}

// moveToZero ensures the rule's output value ends up in register 0,
// OpRuleReturn/OpReturn's fixed result register.
func (c *Compiler) moveToZero(reg uint8, span rerr.Span) {
	if reg == 0 {
		return
	}
	c.append(vm.Instruction{Op: vm.OpMove, A: 0, B: reg}, span)
}
