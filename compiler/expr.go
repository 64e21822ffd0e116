package compiler

import (
	"strings"

	"github.com/ironleaf/polyrule/ast"
	"github.com/ironleaf/polyrule/rerr"
	"github.com/ironleaf/polyrule/value"
	"github.com/ironleaf/polyrule/vm"
)

// compileExpr lowers e into register code within sc, returning the
// register holding its value. This mirrors interp/interp.go's evalExpr
// case for case, opcode for semantics.
func (c *Compiler) compileExpr(mod *ast.Module, sc *scope, e ast.Expr) (uint8, error) {
	span := spanOf(e.Pos)
	switch e.Kind {
	case ast.ExprNull:
		return c.loadLiteral(sc, value.Null, span)
	case ast.ExprBool:
		return c.loadLiteral(sc, value.Bool(e.Bool), span)
	case ast.ExprNumber:
		n, err := value.NumberFromString(e.Number)
		if err != nil {
			return 0, rerr.Wrap(rerr.KindParse, "invalid number literal", err)
		}
		return c.loadLiteral(sc, n, span)
	case ast.ExprString:
		return c.loadLiteral(sc, value.String(e.Str), span)
	case ast.ExprWildcard:
		return c.loadLiteral(sc, value.Undefined, span)
	case ast.ExprVar:
		return c.compileVar(mod, sc, e.Var, span)
	case ast.ExprRef:
		return c.compileRef(mod, sc, e)
	case ast.ExprNeg:
		sub, err := c.compileExpr(mod, sc, *e.Left)
		if err != nil {
			return 0, err
		}
		zero, err := c.loadLiteral(sc, value.Int(0), span)
		if err != nil {
			return 0, err
		}
		dest, err := sc.alloc()
		if err != nil {
			return 0, err
		}
		c.append(vm.Instruction{Op: vm.OpSub, A: dest, B: zero, C: sub}, span)
		return dest, nil
	case ast.ExprArith:
		l, r, dest, err := c.compileBinary(mod, sc, e)
		if err != nil {
			return 0, err
		}
		op := map[ast.ArithOp]vm.Op{
			ast.OpAdd: vm.OpAdd, ast.OpSub: vm.OpSub, ast.OpMul: vm.OpMul,
			ast.OpDiv: vm.OpDiv, ast.OpMod: vm.OpMod,
		}[e.ArithOp]
		c.append(vm.Instruction{Op: op, A: dest, B: l, C: r}, span)
		return dest, nil
	case ast.ExprCompare:
		l, r, dest, err := c.compileBinary(mod, sc, e)
		if err != nil {
			return 0, err
		}
		op := map[ast.CompareOp]vm.Op{
			ast.OpEq: vm.OpEq, ast.OpNe: vm.OpNe, ast.OpLt: vm.OpLt,
			ast.OpLe: vm.OpLe, ast.OpGt: vm.OpGt, ast.OpGe: vm.OpGe,
		}[e.CompareOp]
		c.append(vm.Instruction{Op: op, A: dest, B: l, C: r}, span)
		return dest, nil
	case ast.ExprBin:
		l, r, dest, err := c.compileBinary(mod, sc, e)
		if err != nil {
			return 0, err
		}
		op := vm.OpUnion
		if e.BinOp == ast.OpIntersect {
			op = vm.OpIntersect
		}
		c.append(vm.Instruction{Op: op, A: dest, B: l, C: r}, span)
		return dest, nil
	case ast.ExprMembership:
		return c.compileMembership(mod, sc, e)
	case ast.ExprArrayLit:
		return c.compileCollectionLit(mod, sc, e, vm.OpArrayCreate)
	case ast.ExprSetLit:
		return c.compileCollectionLit(mod, sc, e, vm.OpSetCreate)
	case ast.ExprObjectLit:
		return c.compileObjectLit(mod, sc, e)
	case ast.ExprArrayCompr, ast.ExprSetCompr, ast.ExprObjectCompr:
		return c.compileCompr(mod, sc, e)
	case ast.ExprCall:
		return c.compileCall(mod, sc, e)
	case ast.ExprAssign:
		// Only reachable from a malformed statement position (spec's
		// assignment statements are lowered by compileStmt instead); best
		// effort for any expression-position occurrence.
		rhs, err := c.compileExpr(mod, sc, *e.Right)
		if err != nil {
			return 0, err
		}
		if e.Left != nil && e.Left.Kind == ast.ExprVar {
			sc.vars[e.Left.Var] = rhs
		}
		return rhs, nil
	default:
		return 0, rerr.New(rerr.KindInvalidRef, "unsupported expression kind")
	}
}

func (c *Compiler) loadLiteral(sc *scope, v value.Value, span rerr.Span) (uint8, error) {
	dest, err := sc.alloc()
	if err != nil {
		return 0, err
	}
	c.append(vm.Instruction{Op: vm.OpLoadConst, A: dest, Imm: c.poolLiteral(v)}, span)
	return dest, nil
}

// compileBinary evaluates both operands and allocates the destination
// register for an Arith/Compare/Bin expression.
func (c *Compiler) compileBinary(mod *ast.Module, sc *scope, e ast.Expr) (l, r, dest uint8, err error) {
	l, err = c.compileExpr(mod, sc, *e.Left)
	if err != nil {
		return 0, 0, 0, err
	}
	r, err = c.compileExpr(mod, sc, *e.Right)
	if err != nil {
		return 0, 0, 0, err
	}
	dest, err = sc.alloc()
	return l, r, dest, err
}

// compileMembership handles both `x in coll` (Left=x) and `k, v in coll`
// (Key=k, Left=v) forms, mirroring interp/interp.go's evalMembership.
func (c *Compiler) compileMembership(mod *ast.Module, sc *scope, e ast.Expr) (uint8, error) {
	span := spanOf(e.Pos)
	collReg, err := c.compileExpr(mod, sc, *e.Coll)
	if err != nil {
		return 0, err
	}
	if e.Key == nil {
		lv, err := c.compileExpr(mod, sc, *e.Left)
		if err != nil {
			return 0, err
		}
		dest, err := sc.alloc()
		if err != nil {
			return 0, err
		}
		c.append(vm.Instruction{Op: vm.OpContains, A: dest, B: collReg, C: lv}, span)
		return dest, nil
	}
	kv, err := c.compileExpr(mod, sc, *e.Key)
	if err != nil {
		return 0, err
	}
	vv, err := c.compileExpr(mod, sc, *e.Left)
	if err != nil {
		return 0, err
	}
	idxReg, err := sc.alloc()
	if err != nil {
		return 0, err
	}
	c.append(vm.Instruction{Op: vm.OpIndex, A: idxReg, B: collReg, C: kv}, span)
	eqReg, err := sc.alloc()
	if err != nil {
		return 0, err
	}
	c.append(vm.Instruction{Op: vm.OpEq, A: eqReg, B: idxReg, C: vv}, span)
	return eqReg, nil
}

func (c *Compiler) compileCollectionLit(mod *ast.Module, sc *scope, e ast.Expr, op vm.Op) (uint8, error) {
	args := make([]uint8, len(e.Elems))
	for i, el := range e.Elems {
		r, err := c.compileExpr(mod, sc, el)
		if err != nil {
			return 0, err
		}
		args[i] = r
	}
	dest, err := sc.alloc()
	if err != nil {
		return 0, err
	}
	c.append(vm.Instruction{Op: op, A: dest, Args: args}, spanOf(e.Pos))
	return dest, nil
}

func (c *Compiler) compileObjectLit(mod *ast.Module, sc *scope, e ast.Expr) (uint8, error) {
	args := make([]uint8, 0, len(e.KVs)*2)
	for _, kv := range e.KVs {
		k, err := c.compileExpr(mod, sc, kv.Key)
		if err != nil {
			return 0, err
		}
		v, err := c.compileExpr(mod, sc, kv.Val)
		if err != nil {
			return 0, err
		}
		args = append(args, k, v)
	}
	dest, err := sc.alloc()
	if err != nil {
		return 0, err
	}
	c.append(vm.Instruction{Op: vm.OpObjectCreate, A: dest, Args: args}, spanOf(e.Pos))
	return dest, nil
}

// compileVar resolves a bare variable name: a local binding first, then
// "input"/"data", then a same-package rule by bare name, then an import
// alias — the same order interp/interp.go's evalVar uses. An unresolved
// name (a future-keyword import, or a genuinely free variable such as an
// unconstrained `some x`) loads Undefined rather than failing to compile,
// matching the interpreter's permissive behavior at runtime.
func (c *Compiler) compileVar(mod *ast.Module, sc *scope, name string, span rerr.Span) (uint8, error) {
	if r, ok := sc.lookup(name); ok {
		return r, nil
	}
	switch name {
	case "input":
		dest, err := sc.alloc()
		if err != nil {
			return 0, err
		}
		c.append(vm.Instruction{Op: vm.OpLoadInput, A: dest}, span)
		return dest, nil
	case "data":
		dest, err := sc.alloc()
		if err != nil {
			return 0, err
		}
		c.append(vm.Instruction{Op: vm.OpLoadData, A: dest}, span)
		return dest, nil
	}
	localPath := strings.Join(append(append([]string{}, mod.Path...), name), ".")
	if _, ok := c.rulesByPath[localPath]; ok {
		dest, err := sc.alloc()
		if err != nil {
			return 0, err
		}
		c.append(vm.Instruction{Op: vm.OpCallRule, A: dest, Imm: c.poolString(localPath)}, span)
		return dest, nil
	}
	for _, imp := range mod.Imports {
		if imp.Alias != name {
			continue
		}
		if len(imp.Path) > 0 && imp.Path[0] == "future" {
			return c.loadLiteral(sc, value.Undefined, span)
		}
		return c.compileRootedPath(sc, imp.Path, span)
	}
	return c.loadLiteral(sc, value.Undefined, span)
}

// compileRootedPath lowers a fully-resolved dotted path (an import's
// target, "input", or "data") into a register, mirroring
// interp/interp.go's resolveRootedPath.
func (c *Compiler) compileRootedPath(sc *scope, path []string, span rerr.Span) (uint8, error) {
	if len(path) == 0 {
		return c.loadLiteral(sc, value.Undefined, span)
	}
	var cur uint8
	var err error
	rest := path[1:]
	switch path[0] {
	case "input":
		cur, err = sc.alloc()
		if err != nil {
			return 0, err
		}
		c.append(vm.Instruction{Op: vm.OpLoadInput, A: cur}, span)
	case "data":
		built := "data"
		for _, p := range rest {
			built += "." + p
			if _, ok := c.rulesByPath[built]; ok {
				dest, err := sc.alloc()
				if err != nil {
					return 0, err
				}
				c.append(vm.Instruction{Op: vm.OpVirtualDataLookup, A: dest, Imm: c.poolString(built)}, span)
				return dest, nil
			}
		}
		cur, err = sc.alloc()
		if err != nil {
			return 0, err
		}
		c.append(vm.Instruction{Op: vm.OpLoadData, A: cur}, span)
	default:
		return c.loadLiteral(sc, value.Undefined, span)
	}
	for _, p := range rest {
		dest, err := sc.alloc()
		if err != nil {
			return 0, err
		}
		c.append(vm.Instruction{Op: vm.OpIndexLiteral, A: dest, B: cur, Imm: c.poolLiteral(value.String(p))}, span)
		cur = dest
	}
	return cur, nil
}

// compileRef lowers a chained ref expression, batching consecutive
// literal `.field` steps into a single OpChainedIndex and flushing the
// batch whenever a data-rooted prefix matches a known rule path (which
// needs OpVirtualDataLookup instead) or a dynamic `[expr]` index
// interrupts the chain.
func (c *Compiler) compileRef(mod *ast.Module, sc *scope, e ast.Expr) (uint8, error) {
	span := spanOf(e.Pos)
	var cur uint8
	var path []string
	dataRooted := false

	switch e.RefHead {
	case "input":
		r, err := sc.alloc()
		if err != nil {
			return 0, err
		}
		c.append(vm.Instruction{Op: vm.OpLoadInput, A: r}, span)
		cur = r
	case "data":
		r, err := sc.alloc()
		if err != nil {
			return 0, err
		}
		c.append(vm.Instruction{Op: vm.OpLoadData, A: r}, span)
		cur = r
		path = []string{"data"}
		dataRooted = true
	default:
		r, err := c.compileVar(mod, sc, e.RefHead, span)
		if err != nil {
			return 0, err
		}
		cur = r
	}

	var pending []string
	flush := func() error {
		if len(pending) == 0 {
			return nil
		}
		if len(pending) == 1 {
			dest, err := sc.alloc()
			if err != nil {
				return err
			}
			c.append(vm.Instruction{Op: vm.OpIndexLiteral, A: dest, B: cur, Imm: c.poolLiteral(value.String(pending[0]))}, span)
			cur = dest
		} else {
			args := make([]uint8, len(pending))
			for i, f := range pending {
				args[i] = uint8(c.poolString(f))
			}
			dest, err := sc.alloc()
			if err != nil {
				return err
			}
			c.append(vm.Instruction{Op: vm.OpChainedIndex, A: dest, B: cur, Args: args}, span)
			cur = dest
		}
		pending = nil
		return nil
	}

	for _, rp := range e.RefParts {
		if rp.Index == nil {
			if dataRooted {
				path = append(path, rp.Field)
				key := strings.Join(path, ".")
				if _, ok := c.rulesByPath[key]; ok {
					if err := flush(); err != nil {
						return 0, err
					}
					dest, err := sc.alloc()
					if err != nil {
						return 0, err
					}
					c.append(vm.Instruction{Op: vm.OpVirtualDataLookup, A: dest, Imm: c.poolString(key)}, span)
					cur = dest
					continue
				}
			}
			pending = append(pending, rp.Field)
			continue
		}
		if err := flush(); err != nil {
			return 0, err
		}
		idxReg, err := c.compileExpr(mod, sc, *rp.Index)
		if err != nil {
			return 0, err
		}
		dest, err := sc.alloc()
		if err != nil {
			return 0, err
		}
		c.append(vm.Instruction{Op: vm.OpIndex, A: dest, B: cur, C: idxReg}, span)
		cur = dest
		dataRooted = false
	}
	if err := flush(); err != nil {
		return 0, err
	}
	return cur, nil
}

// compileCall resolves a function call to either a user-defined function
// (OpFunctionCall) or a builtin (OpBuiltinCall), mirroring
// interp/rule.go's callFunction import-alias expansion.
func (c *Compiler) compileCall(mod *ast.Module, sc *scope, e ast.Expr) (uint8, error) {
	span := spanOf(e.Pos)
	args := make([]uint8, len(e.CallArgs))
	for i, a := range e.CallArgs {
		r, err := c.compileExpr(mod, sc, a)
		if err != nil {
			return 0, err
		}
		args[i] = r
	}

	callFunc := e.CallFunc
	if len(callFunc) > 1 {
		for _, imp := range mod.Imports {
			if imp.Alias == callFunc[0] && len(imp.Path) > 0 && imp.Path[0] != "future" {
				callFunc = append(append([]string{}, imp.Path...), callFunc[1:]...)
				break
			}
		}
	}

	fullPath := callFunc
	bare := strings.Join(callFunc, ".")
	if _, ok := c.rulesByPath[bare]; !ok {
		candidate := strings.Join(append(append([]string{}, mod.Path...), callFunc...), ".")
		if _, ok := c.rulesByPath[candidate]; ok {
			fullPath = append(append([]string{}, mod.Path...), callFunc...)
		}
	}
	fullKey := strings.Join(fullPath, ".")

	if defs, ok := c.rulesByPath[fullKey]; ok {
		for _, r := range defs {
			if r.Kind == ast.RuleFunction && len(r.Params) == len(args) {
				dest, err := sc.alloc()
				if err != nil {
					return 0, err
				}
				c.append(vm.Instruction{Op: vm.OpFunctionCall, A: dest, Imm: c.poolString(fullKey), Args: args}, span)
				return dest, nil
			}
		}
	}

	dest, err := sc.alloc()
	if err != nil {
		return 0, err
	}
	c.append(vm.Instruction{Op: vm.OpBuiltinCall, A: dest, Imm: c.poolString(bare), Args: args}, span)
	return dest, nil
}

// compileCompr lowers an array/set/object comprehension. The body runs as
// a fresh collect-all child frame (OpComprehensionBegin/End), deferred
// until the enclosing straight-line body finishes emitting its own
// instructions so the nested block can be appended contiguously rather
// than spliced into the middle of the outer stream.
func (c *Compiler) compileCompr(mod *ast.Module, sc *scope, e ast.Expr) (uint8, error) {
	span := spanOf(e.Pos)
	vars := referencedVars(e.ComprBody)
	if e.ComprTerm != nil {
		collectExprVars(e.ComprTerm, vars)
	}
	if e.ComprKey != nil {
		collectExprVars(e.ComprKey, vars)
	}
	childSc := newScope()
	args, err := captureArgs(vars, sc, childSc)
	if err != nil {
		return 0, err
	}

	dest, err := sc.alloc()
	if err != nil {
		return 0, err
	}
	instrIdx := c.append(vm.Instruction{Op: vm.OpComprehensionBegin, Args: args}, span)

	kindImm := 0
	switch e.Kind {
	case ast.ExprSetCompr:
		kindImm = 1
	case ast.ExprObjectCompr:
		kindImm = 2
	}
	c.append(vm.Instruction{Op: vm.OpComprehensionEnd, A: dest, Imm: kindImm}, span)

	c.deferBlock(
		func(start int) { c.instrs[instrIdx].Imm = start },
		func() error { return c.compileComprBody(mod, e, childSc) },
	)
	return dest, nil
}

func (c *Compiler) compileComprBody(mod *ast.Module, e ast.Expr, sc *scope) error {
	if err := c.compileQuery(mod, e.ComprBody, sc); err != nil {
		return err
	}
	span := spanOf(e.Pos)
	if e.Kind == ast.ExprObjectCompr {
		kReg, err := c.compileExpr(mod, sc, *e.ComprKey)
		if err != nil {
			return err
		}
		vReg, err := c.compileExpr(mod, sc, *e.ComprTerm)
		if err != nil {
			return err
		}
		if vReg != 0 {
			c.append(vm.Instruction{Op: vm.OpMove, A: 0, B: vReg}, span)
		}
		c.append(vm.Instruction{Op: vm.OpComprehensionYield, A: kReg, Imm: 1}, span)
		return nil
	}
	tReg, err := c.compileExpr(mod, sc, *e.ComprTerm)
	if err != nil {
		return err
	}
	if tReg != 0 {
		c.append(vm.Instruction{Op: vm.OpMove, A: 0, B: tReg}, span)
	}
	c.append(vm.Instruction{Op: vm.OpComprehensionYield, Imm: 0}, span)
	return nil
}
