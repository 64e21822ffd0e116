package parser

import (
	"github.com/ironleaf/polyrule/ast"
	"github.com/ironleaf/polyrule/lexer"
)

// parseRule parses one rule definition:
//
//	default <refr> := <expr>
//	<refr> := <expr> if { <query> } (else { <query> })*
//	<refr> contains <expr> if { <query> }
//	<refr>[<key>] := <expr> if { <query> }
//	<name>(<params>) := <expr> if { <query> }
func (p *Parser) parseRule() (*ast.Rule, error) {
	pos := p.pos2()
	if p.isKeyword("default") {
		p.advance()
		refr, err := p.parseDottedPath()
		if err != nil {
			return nil, err
		}
		if _, err := p.expectPunct(":="); err != nil {
			return nil, err
		}
		val, err := p.parseExpr()
		if err != nil {
			return nil, err
		}
		return &ast.Rule{Kind: ast.RuleDefault, Refr: refr, DefaultValue: val, Pos: pos}, nil
	}

	if p.cur().Type != lexer.IDENT {
		return nil, p.errHere("expected rule name")
	}
	name := p.advance().Value
	refr := []string{name}
	for p.isPunct(".") {
		p.advance()
		refr = append(refr, p.advance().Value)
	}

	r := &ast.Rule{Pos: pos}

	switch {
	case p.isPunct("("):
		// Function: name(params) := expr { body }
		params, err := p.parseParamList()
		if err != nil {
			return nil, err
		}
		r.Kind = ast.RuleFunction
		r.Refr = refr
		r.Params = params
		if _, err := p.expectPunct(":="); err != nil {
			return nil, err
		}
		val, err := p.parseExpr()
		if err != nil {
			return nil, err
		}
		r.Value = val

	case p.isKeyword("contains"):
		p.advance()
		key, err := p.parseExpr()
		if err != nil {
			return nil, err
		}
		r.Kind = ast.RulePartialSet
		r.Refr = refr
		r.Key = key

	case p.isPunct("["):
		p.advance()
		key, err := p.parseExpr()
		if err != nil {
			return nil, err
		}
		if _, err := p.expectPunct("]"); err != nil {
			return nil, err
		}
		r.Refr = refr
		if p.isPunct(":=") {
			p.advance()
			val, err := p.parseExpr()
			if err != nil {
				return nil, err
			}
			r.Kind = ast.RulePartialObject
			r.Key = key
			r.Value = val
		} else {
			r.Kind = ast.RulePartialSet
			r.Key = key
		}

	case p.isPunct(":="):
		p.advance()
		val, err := p.parseExpr()
		if err != nil {
			return nil, err
		}
		r.Kind = ast.RuleComplete
		r.Refr = refr
		r.Value = val

	default:
		// bare `allow { ... }` sugar for `allow := true { ... }`
		r.Kind = ast.RuleComplete
		r.Refr = refr
		r.Value = ast.Expr{Kind: ast.ExprBool, Bool: true}
	}

	if p.isKeyword("if") {
		p.advance()
	}
	if p.isPunct("{") {
		body, err := p.parseBody()
		if err != nil {
			return nil, err
		}
		r.Bodies = append(r.Bodies, body)
		for p.isKeyword("else") {
			p.advance()
			if p.isKeyword("if") {
				p.advance()
			}
			eb, err := p.parseBody()
			if err != nil {
				return nil, err
			}
			r.Bodies = append(r.Bodies, eb)
		}
	}
	return r, nil
}

func (p *Parser) parseParamList() ([]ast.Expr, error) {
	p.advance() // '('
	var params []ast.Expr
	if p.isPunct(")") {
		p.advance()
		return params, nil
	}
	for {
		e, err := p.parseExpr()
		if err != nil {
			return nil, err
		}
		params = append(params, e)
		if p.isPunct(",") {
			p.advance()
			continue
		}
		break
	}
	if _, err := p.expectPunct(")"); err != nil {
		return nil, err
	}
	return params, nil
}

func (p *Parser) parseBody() (*ast.Body, error) {
	pos := p.pos2()
	q, err := p.parseQuery()
	if err != nil {
		return nil, err
	}
	return &ast.Body{Query: q, Pos: pos}, nil
}

// parseQuery parses `{ stmt ; stmt ; ... }`.
func (p *Parser) parseQuery() (*ast.Query, error) {
	if _, err := p.expectPunct("{"); err != nil {
		return nil, err
	}
	q := p.b.Query(&ast.Query{})
	for !p.isPunct("}") {
		stmt, err := p.parseStmt()
		if err != nil {
			return nil, err
		}
		q.Stmts = append(q.Stmts, stmt)
		for p.isPunct(";") {
			p.advance()
		}
	}
	p.advance() // '}'
	return q, nil
}
