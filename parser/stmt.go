package parser

import (
	"github.com/ironleaf/polyrule/ast"
	"github.com/ironleaf/polyrule/lexer"
)

func (p *Parser) parseStmt() (*ast.LiteralStmt, error) {
	pos := p.pos2()
	var stmt *ast.LiteralStmt
	var err error

	switch {
	case p.isKeyword("not"):
		p.advance()
		e, e2 := p.parseExpr()
		if e2 != nil {
			return nil, e2
		}
		stmt = &ast.LiteralStmt{Kind: ast.LitNot, Expr: e, Pos: pos}

	case p.isKeyword("some"):
		stmt, err = p.parseSome(pos)
		if err != nil {
			return nil, err
		}

	case p.isKeyword("every"):
		stmt, err = p.parseEvery(pos)
		if err != nil {
			return nil, err
		}

	default:
		left, e := p.parseExpr()
		if e != nil {
			return nil, e
		}
		if p.isPunct(":=") || p.isPunct("=") {
			assignDef := p.isPunct(":=")
			p.advance()
			right, e := p.parseExpr()
			if e != nil {
				return nil, e
			}
			assign := p.b.Expr(ast.Expr{Kind: ast.ExprAssign, AssignDef: assignDef, Left: &left, Right: &right, Pos: pos})
			stmt = &ast.LiteralStmt{Kind: ast.LitExpr, Expr: assign, Pos: pos}
		} else {
			stmt = &ast.LiteralStmt{Kind: ast.LitExpr, Expr: left, Pos: pos}
		}
	}

	for p.isKeyword("with") {
		w, err := p.parseWith()
		if err != nil {
			return nil, err
		}
		stmt.With = append(stmt.With, w)
	}
	return p.b.Stmt(stmt), nil
}

// parseSome handles `some x, y, ...` and `some k, v in coll` / `some v in coll`.
func (p *Parser) parseSome(pos ast.Position) (*ast.LiteralStmt, error) {
	p.advance() // 'some'
	var names []string
	if p.cur().Type != lexer.IDENT {
		return nil, p.errHere("expected identifier after 'some'")
	}
	names = append(names, p.advance().Value)
	for p.isPunct(",") {
		p.advance()
		if p.cur().Type != lexer.IDENT {
			return nil, p.errHere("expected identifier in 'some' list")
		}
		names = append(names, p.advance().Value)
	}
	if p.isKeyword("in") {
		p.advance()
		coll, err := p.parseExpr()
		if err != nil {
			return nil, err
		}
		val := p.b.Expr(ast.Expr{Kind: ast.ExprVar, Var: names[len(names)-1], Pos: pos})
		st := &ast.LiteralStmt{Kind: ast.LitSomeIn, SomeVal: val, SomeColl: coll, Pos: pos}
		if len(names) == 2 {
			key := p.b.Expr(ast.Expr{Kind: ast.ExprVar, Var: names[0], Pos: pos})
			st.SomeKey = &key
		}
		return st, nil
	}
	return &ast.LiteralStmt{Kind: ast.LitSome, SomeVars: names, Pos: pos}, nil
}

// parseEvery handles `every [k,] v in dom { query }`.
func (p *Parser) parseEvery(pos ast.Position) (*ast.LiteralStmt, error) {
	p.advance() // 'every'
	if p.cur().Type != lexer.IDENT {
		return nil, p.errHere("expected identifier after 'every'")
	}
	first := p.advance().Value
	var keyName, valName string
	if p.isPunct(",") {
		p.advance()
		if p.cur().Type != lexer.IDENT {
			return nil, p.errHere("expected identifier in 'every' list")
		}
		keyName = first
		valName = p.advance().Value
	} else {
		valName = first
	}
	if err := p.expectKeyword("in"); err != nil {
		return nil, err
	}
	dom, err := p.parseExpr()
	if err != nil {
		return nil, err
	}
	body, err := p.parseQuery()
	if err != nil {
		return nil, err
	}
	st := &ast.LiteralStmt{
		Kind:     ast.LitEvery,
		EveryVal: p.b.Expr(ast.Expr{Kind: ast.ExprVar, Var: valName, Pos: pos}),
		EveryDom: dom,
		EveryBody: body,
		Pos:      pos,
	}
	if keyName != "" {
		key := p.b.Expr(ast.Expr{Kind: ast.ExprVar, Var: keyName, Pos: pos})
		st.EveryKey = &key
	}
	return st, nil
}

// parseWith handles `with <target> as <expr>`.
func (p *Parser) parseWith() (ast.WithMod, error) {
	pos := p.pos2()
	p.advance() // 'with'
	target, err := p.parseDottedPath()
	if err != nil {
		return ast.WithMod{}, err
	}
	if err := p.expectKeyword("as"); err != nil {
		return ast.WithMod{}, err
	}
	as, err := p.parseExpr()
	if err != nil {
		return ast.WithMod{}, err
	}
	return ast.WithMod{Target: target, As: as, Pos: pos}, nil
}
