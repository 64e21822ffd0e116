package parser

import (
	"github.com/ironleaf/polyrule/ast"
	"github.com/ironleaf/polyrule/lexer"
)

// parseExpr parses a full expression, precedence low to high:
// membership(in) > set-bin(| &) > comparison > additive > multiplicative
// > unary-minus > postfix(ref/call/index) > primary.
func (p *Parser) parseExpr() (ast.Expr, error) {
	return p.parseMembership()
}

func (p *Parser) parseMembership() (ast.Expr, error) {
	left, err := p.parseSetBin()
	if err != nil {
		return ast.Expr{}, err
	}
	if p.isKeyword("in") {
		p.advance()
		coll, err := p.parseSetBin()
		if err != nil {
			return ast.Expr{}, err
		}
		e := p.b.Expr(ast.Expr{Kind: ast.ExprMembership, Left: &left, Coll: &coll, Pos: left.Pos})
		return e, nil
	}
	// `k, v in coll` form: left was parsed as a bare var for k, followed by ','
	if p.isPunct(",") {
		save := p.pos
		p.advance()
		v, err := p.parseSetBin()
		if err == nil && p.isKeyword("in") {
			p.advance()
			coll, err2 := p.parseSetBin()
			if err2 == nil {
				kcopy := left
				e := p.b.Expr(ast.Expr{Kind: ast.ExprMembership, Key: &kcopy, Left: &v, Coll: &coll, Pos: left.Pos})
				return e, nil
			}
		}
		p.pos = save
	}
	return left, nil
}

func (p *Parser) parseSetBin() (ast.Expr, error) {
	left, err := p.parseComparison()
	if err != nil {
		return ast.Expr{}, err
	}
	for p.isPunct("|") || p.isPunct("&") {
		op := ast.OpUnion
		if p.isPunct("&") {
			op = ast.OpIntersect
		}
		p.advance()
		right, err := p.parseComparison()
		if err != nil {
			return ast.Expr{}, err
		}
		left = p.b.Expr(ast.Expr{Kind: ast.ExprBin, BinOp: op, Left: &left, Right: &right, Pos: left.Pos})
	}
	return left, nil
}

var compareOps = map[string]ast.CompareOp{
	"==": ast.OpEq, "!=": ast.OpNe, "<": ast.OpLt, "<=": ast.OpLe, ">": ast.OpGt, ">=": ast.OpGe,
}

func (p *Parser) parseComparison() (ast.Expr, error) {
	left, err := p.parseAdditive()
	if err != nil {
		return ast.Expr{}, err
	}
	if op, ok := compareOps[p.cur().Value]; ok && p.cur().Type == lexer.PUNCT {
		p.advance()
		right, err := p.parseAdditive()
		if err != nil {
			return ast.Expr{}, err
		}
		return p.b.Expr(ast.Expr{Kind: ast.ExprCompare, CompareOp: op, Left: &left, Right: &right, Pos: left.Pos}), nil
	}
	return left, nil
}

func (p *Parser) parseAdditive() (ast.Expr, error) {
	left, err := p.parseMultiplicative()
	if err != nil {
		return ast.Expr{}, err
	}
	for p.isPunct("+") || p.isPunct("-") {
		op := ast.OpAdd
		if p.isPunct("-") {
			op = ast.OpSub
		}
		p.advance()
		right, err := p.parseMultiplicative()
		if err != nil {
			return ast.Expr{}, err
		}
		left = p.b.Expr(ast.Expr{Kind: ast.ExprArith, ArithOp: op, Left: &left, Right: &right, Pos: left.Pos})
	}
	return left, nil
}

func (p *Parser) parseMultiplicative() (ast.Expr, error) {
	left, err := p.parseUnary()
	if err != nil {
		return ast.Expr{}, err
	}
	for p.isPunct("*") || p.isPunct("/") || p.isPunct("%") {
		var op ast.ArithOp
		switch p.cur().Value {
		case "*":
			op = ast.OpMul
		case "/":
			op = ast.OpDiv
		case "%":
			op = ast.OpMod
		}
		p.advance()
		right, err := p.parseUnary()
		if err != nil {
			return ast.Expr{}, err
		}
		left = p.b.Expr(ast.Expr{Kind: ast.ExprArith, ArithOp: op, Left: &left, Right: &right, Pos: left.Pos})
	}
	return left, nil
}

func (p *Parser) parseUnary() (ast.Expr, error) {
	if p.isPunct("-") {
		pos := p.pos2()
		p.advance()
		inner, err := p.parseUnary()
		if err != nil {
			return ast.Expr{}, err
		}
		return p.b.Expr(ast.Expr{Kind: ast.ExprNeg, Left: &inner, Pos: pos}), nil
	}
	return p.parsePostfix()
}

// parsePostfix handles chained refs (`.field`, `[expr]`) and calls
// (`(args)`) applied to a primary expression.
func (p *Parser) parsePostfix() (ast.Expr, error) {
	prim, err := p.parsePrimary()
	if err != nil {
		return ast.Expr{}, err
	}
	if prim.Kind != ast.ExprVar {
		return prim, nil
	}
	// A call: ident immediately followed by '('.
	if p.isPunct("(") {
		args, err := p.parseArgList()
		if err != nil {
			return ast.Expr{}, err
		}
		path := []string{prim.Var}
		return p.b.Expr(ast.Expr{Kind: ast.ExprCall, CallFunc: path, CallArgs: args, Pos: prim.Pos}), nil
	}
	if !p.isPunct(".") && !p.isPunct("[") {
		return prim, nil
	}
	ref := ast.Expr{Kind: ast.ExprRef, RefHead: prim.Var, Pos: prim.Pos}
	for p.isPunct(".") || p.isPunct("[") {
		if p.isPunct(".") {
			p.advance()
			if p.cur().Type != lexer.IDENT && p.cur().Type != lexer.KEYWORD {
				return ast.Expr{}, p.errHere("expected field name after '.'")
			}
			ref.RefParts = append(ref.RefParts, ast.RefPart{Field: p.advance().Value})
		} else {
			p.advance() // '['
			idx, err := p.parseExpr()
			if err != nil {
				return ast.Expr{}, err
			}
			if _, err := p.expectPunct("]"); err != nil {
				return ast.Expr{}, err
			}
			ref.RefParts = append(ref.RefParts, ast.RefPart{Index: &idx})
		}
	}
	// Trailing call on a ref, e.g. data.foo.bar(1,2).
	if p.isPunct("(") {
		args, err := p.parseArgList()
		if err != nil {
			return ast.Expr{}, err
		}
		path := append([]string{ref.RefHead}, refPartFields(ref.RefParts)...)
		return p.b.Expr(ast.Expr{Kind: ast.ExprCall, CallFunc: path, CallArgs: args, Pos: ref.Pos}), nil
	}
	return p.b.Expr(ref), nil
}

func refPartFields(parts []ast.RefPart) []string {
	out := make([]string, 0, len(parts))
	for _, pt := range parts {
		out = append(out, pt.Field)
	}
	return out
}

func (p *Parser) parseArgList() ([]ast.Expr, error) {
	p.advance() // '('
	var args []ast.Expr
	if p.isPunct(")") {
		p.advance()
		return args, nil
	}
	for {
		e, err := p.parseExpr()
		if err != nil {
			return nil, err
		}
		args = append(args, e)
		if p.isPunct(",") {
			p.advance()
			continue
		}
		break
	}
	if _, err := p.expectPunct(")"); err != nil {
		return nil, err
	}
	return args, nil
}

func (p *Parser) parsePrimary() (ast.Expr, error) {
	pos := p.pos2()
	t := p.cur()
	switch {
	case t.Type == lexer.NUMBER:
		p.advance()
		return p.b.Expr(ast.Expr{Kind: ast.ExprNumber, Number: t.Value, Pos: pos}), nil
	case t.Type == lexer.STRING:
		p.advance()
		return p.b.Expr(ast.Expr{Kind: ast.ExprString, Str: t.Value, Pos: pos}), nil
	case t.Type == lexer.KEYWORD && t.Value == "true":
		p.advance()
		return p.b.Expr(ast.Expr{Kind: ast.ExprBool, Bool: true, Pos: pos}), nil
	case t.Type == lexer.KEYWORD && t.Value == "false":
		p.advance()
		return p.b.Expr(ast.Expr{Kind: ast.ExprBool, Bool: false, Pos: pos}), nil
	case t.Type == lexer.KEYWORD && t.Value == "null":
		p.advance()
		return p.b.Expr(ast.Expr{Kind: ast.ExprNull, Pos: pos}), nil
	case t.Type == lexer.IDENT:
		p.advance()
		if t.Value == "_" {
			return p.b.Expr(ast.Expr{Kind: ast.ExprWildcard, Pos: pos}), nil
		}
		return p.b.Expr(ast.Expr{Kind: ast.ExprVar, Var: t.Value, Pos: pos}), nil
	case p.isPunct("("):
		p.advance()
		e, err := p.parseExpr()
		if err != nil {
			return ast.Expr{}, err
		}
		if _, err := p.expectPunct(")"); err != nil {
			return ast.Expr{}, err
		}
		return e, nil
	case p.isPunct("["):
		return p.parseArrayLitOrCompr(pos)
	case p.isPunct("{"):
		return p.parseBraceLitOrCompr(pos)
	default:
		return ast.Expr{}, p.errHere("unexpected token in expression")
	}
}

func (p *Parser) parseArrayLitOrCompr(pos ast.Position) (ast.Expr, error) {
	p.advance() // '['
	if p.isPunct("]") {
		p.advance()
		return p.b.Expr(ast.Expr{Kind: ast.ExprArrayLit, Pos: pos}), nil
	}
	first, err := p.parseExpr()
	if err != nil {
		return ast.Expr{}, err
	}
	if p.isPunct("|") {
		p.advance()
		body, err := p.parseQuery()
		if err != nil {
			return ast.Expr{}, err
		}
		if _, err := p.expectPunct("]"); err != nil {
			return ast.Expr{}, err
		}
		return p.b.Expr(ast.Expr{Kind: ast.ExprArrayCompr, ComprTerm: &first, ComprBody: body, Pos: pos}), nil
	}
	elems := []ast.Expr{first}
	for p.isPunct(",") {
		p.advance()
		if p.isPunct("]") {
			break
		}
		e, err := p.parseExpr()
		if err != nil {
			return ast.Expr{}, err
		}
		elems = append(elems, e)
	}
	if _, err := p.expectPunct("]"); err != nil {
		return ast.Expr{}, err
	}
	return p.b.Expr(ast.Expr{Kind: ast.ExprArrayLit, Elems: elems, Pos: pos}), nil
}

func (p *Parser) parseBraceLitOrCompr(pos ast.Position) (ast.Expr, error) {
	p.advance() // '{'
	if p.isPunct("}") {
		p.advance()
		return p.b.Expr(ast.Expr{Kind: ast.ExprObjectLit, Pos: pos}), nil
	}
	first, err := p.parseExpr()
	if err != nil {
		return ast.Expr{}, err
	}
	if p.isPunct(":") {
		p.advance()
		val, err := p.parseExpr()
		if err != nil {
			return ast.Expr{}, err
		}
		if p.isPunct("|") {
			p.advance()
			body, err := p.parseQuery()
			if err != nil {
				return ast.Expr{}, err
			}
			if _, err := p.expectPunct("}"); err != nil {
				return ast.Expr{}, err
			}
			return p.b.Expr(ast.Expr{Kind: ast.ExprObjectCompr, ComprKey: &first, ComprTerm: &val, ComprBody: body, Pos: pos}), nil
		}
		kvs := []ast.KV{{Key: first, Val: val}}
		for p.isPunct(",") {
			p.advance()
			if p.isPunct("}") {
				break
			}
			k, err := p.parseExpr()
			if err != nil {
				return ast.Expr{}, err
			}
			if _, err := p.expectPunct(":"); err != nil {
				return ast.Expr{}, err
			}
			v, err := p.parseExpr()
			if err != nil {
				return ast.Expr{}, err
			}
			kvs = append(kvs, ast.KV{Key: k, Val: v})
		}
		if _, err := p.expectPunct("}"); err != nil {
			return ast.Expr{}, err
		}
		return p.b.Expr(ast.Expr{Kind: ast.ExprObjectLit, KVs: kvs, Pos: pos}), nil
	}
	if p.isPunct("|") {
		p.advance()
		body, err := p.parseQuery()
		if err != nil {
			return ast.Expr{}, err
		}
		if _, err := p.expectPunct("}"); err != nil {
			return ast.Expr{}, err
		}
		return p.b.Expr(ast.Expr{Kind: ast.ExprSetCompr, ComprTerm: &first, ComprBody: body, Pos: pos}), nil
	}
	elems := []ast.Expr{first}
	for p.isPunct(",") {
		p.advance()
		if p.isPunct("}") {
			break
		}
		e, err := p.parseExpr()
		if err != nil {
			return ast.Expr{}, err
		}
		elems = append(elems, e)
	}
	if _, err := p.expectPunct("}"); err != nil {
		return ast.Expr{}, err
	}
	return p.b.Expr(ast.Expr{Kind: ast.ExprSetLit, Elems: elems, Pos: pos}), nil
}
