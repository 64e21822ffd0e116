// Package parser implements a hand-written recursive-descent parser from
// policy source text to ast.Module. As spec §1 states, surface-grammar
// exhaustiveness is a non-goal; this covers the constructs named in
// spec §3-§4 (rule shapes, literal kinds, with-modifiers, comprehensions,
// chained refs, arithmetic/comparison/membership) in the teacher-style
// token-cursor idiom (chirst-cdb/compiler/{lexer,parser}.go).
package parser

import (
	"fmt"

	"github.com/ironleaf/polyrule/ast"
	"github.com/ironleaf/polyrule/lexer"
	"github.com/ironleaf/polyrule/rerr"
)

type Parser struct {
	toks []lexer.Token
	pos  int
	b    *ast.Builder
	mod  *ast.Module
}

// Parse lexes and parses a single module from source text.
func Parse(src string) (*ast.Module, error) {
	lx := lexer.New(src)
	toks, err := lx.Lex()
	if err != nil {
		return nil, rerr.Wrap(rerr.KindParse, "lex error", err)
	}
	mod := &ast.Module{}
	p := &Parser{toks: toks, mod: mod, b: ast.NewBuilder(mod)}
	if err := p.parseModule(); err != nil {
		return nil, err
	}
	return mod, nil
}

func (p *Parser) cur() lexer.Token { return p.toks[p.pos] }

func (p *Parser) at(i int) lexer.Token {
	if p.pos+i >= len(p.toks) {
		return p.toks[len(p.toks)-1]
	}
	return p.toks[p.pos+i]
}

func (p *Parser) advance() lexer.Token {
	t := p.cur()
	if p.pos < len(p.toks)-1 {
		p.pos++
	}
	return t
}

func (p *Parser) isEOF() bool { return p.cur().Type == lexer.EOF }

func (p *Parser) errHere(msg string) error {
	t := p.cur()
	return rerr.New(rerr.KindParse, msg).WithSpan(rerr.Span{Line: t.Line, Col: t.Col, Offset: t.Offset})
}

func (p *Parser) expectPunct(val string) (lexer.Token, error) {
	if p.cur().Type == lexer.PUNCT && p.cur().Value == val {
		return p.advance(), nil
	}
	return lexer.Token{}, p.errHere(fmt.Sprintf("expected %q, got %q", val, p.cur().Value))
}

func (p *Parser) isPunct(val string) bool {
	return p.cur().Type == lexer.PUNCT && p.cur().Value == val
}

func (p *Parser) isKeyword(val string) bool {
	return p.cur().Type == lexer.KEYWORD && p.cur().Value == val
}

func (p *Parser) pos2() ast.Position {
	t := p.cur()
	return ast.Position{Line: t.Line, Col: t.Col, Offset: t.Offset}
}

func (p *Parser) parseModule() error {
	if err := p.expectKeyword("package"); err != nil {
		return err
	}
	path, err := p.parseDottedPath()
	if err != nil {
		return err
	}
	p.mod.Path = append([]string{"data"}, path...)

	for p.isKeyword("import") {
		imp, err := p.parseImport()
		if err != nil {
			return err
		}
		p.mod.Imports = append(p.mod.Imports, imp)
	}

	for !p.isEOF() {
		r, err := p.parseRule()
		if err != nil {
			return err
		}
		r.Module = p.mod
		p.mod.Rules = append(p.mod.Rules, r)
	}
	return nil
}

func (p *Parser) expectKeyword(kw string) error {
	if !p.isKeyword(kw) {
		return p.errHere(fmt.Sprintf("expected keyword %q, got %q", kw, p.cur().Value))
	}
	p.advance()
	return nil
}

func (p *Parser) parseDottedPath() ([]string, error) {
	var parts []string
	if p.cur().Type != lexer.IDENT && p.cur().Type != lexer.KEYWORD {
		return nil, p.errHere("expected identifier")
	}
	parts = append(parts, p.advance().Value)
	for p.isPunct(".") {
		p.advance()
		if p.cur().Type != lexer.IDENT && p.cur().Type != lexer.KEYWORD {
			return nil, p.errHere("expected identifier after '.'")
		}
		parts = append(parts, p.advance().Value)
	}
	return parts, nil
}

func (p *Parser) parseImport() (ast.Import, error) {
	pos := p.pos2()
	p.advance() // 'import'
	path, err := p.parseDottedPath()
	if err != nil {
		return ast.Import{}, err
	}
	imp := ast.Import{Path: path, Pos: pos}
	if p.isKeyword("as") {
		p.advance()
		if p.cur().Type != lexer.IDENT {
			return ast.Import{}, p.errHere("expected alias identifier")
		}
		imp.Alias = p.advance().Value
	} else {
		imp.Alias = path[len(path)-1]
	}
	return imp, nil
}
