package ast

// Builder assigns the stable eidx/sidx/qidx index spaces as the parser
// constructs a Module. One Builder belongs to exactly one Module.
type Builder struct {
	mod *Module
}

func NewBuilder(mod *Module) *Builder {
	return &Builder{mod: mod}
}

// Expr stamps e with the next eidx and returns it.
func (b *Builder) Expr(e Expr) Expr {
	e.EIdx = b.mod.NumExprs
	b.mod.NumExprs++
	return e
}

// Stmt stamps s with the next sidx.
func (b *Builder) Stmt(s *LiteralStmt) *LiteralStmt {
	s.SIdx = b.mod.NumStmts
	b.mod.NumStmts++
	return s
}

// Query stamps q with the next qidx.
func (b *Builder) Query(q *Query) *Query {
	q.QIdx = b.mod.NumQueries
	b.mod.NumQueries++
	return q
}
