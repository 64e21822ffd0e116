package compiler

import (
	"strings"

	"github.com/ironleaf/polyrule/ast"
	"github.com/ironleaf/polyrule/rerr"
)

// checkStaticRecursion is a best-effort compile-time cycle check over
// directly-resolvable rule references: data-rooted literal-field refs,
// and function calls whose dotted name is a full rule path. Bare-name
// references to a same-package rule and calls by a package-relative name
// are not followed by this pass. It catches those cases early with a
// precise diagnostic; every other recursion (bare-name, through a
// with-override, an indirect data reference built from a variable, or a
// builtin that re-enters policy evaluation) is left to the VM's runtime
// callStack check in vm/rule.go, which is the backstop for every case
// this pre-pass can't see.
func (c *Compiler) checkStaticRecursion() error {
	graph := map[string]map[string]bool{}
	for path := range c.rulesByPath {
		graph[path] = map[string]bool{}
	}
	for path, defs := range c.rulesByPath {
		for _, r := range defs {
			edges := graph[path]
			if r.Kind == ast.RuleDefault {
				continue
			}
			collectRuleRefs(r, edges, c.rulesByPath)
		}
	}

	const (
		white = 0
		gray  = 1
		black = 2
	)
	color := map[string]int{}
	var stack []string
	var visit func(node string) error
	visit = func(node string) error {
		color[node] = gray
		stack = append(stack, node)
		for next := range graph[node] {
			switch color[next] {
			case white:
				if err := visit(next); err != nil {
					return err
				}
			case gray:
				return rerr.New(rerr.KindCompileRecursion, "static recursion cycle: "+strings.Join(append(append([]string{}, stack...), next), " -> "))
			}
		}
		stack = stack[:len(stack)-1]
		color[node] = black
		return nil
	}
	for path := range graph {
		if color[path] == white {
			if err := visit(path); err != nil {
				return err
			}
		}
	}
	return nil
}

func collectRuleRefs(r *ast.Rule, edges map[string]bool, rulesByPath map[string][]*ast.Rule) {
	walkExprRefs(&r.Value, edges, rulesByPath)
	walkExprRefs(&r.Key, edges, rulesByPath)
	for _, b := range r.Bodies {
		if b.Query == nil {
			continue
		}
		for _, st := range b.Query.Stmts {
			walkExprRefs(&st.Expr, edges, rulesByPath)
			if st.EveryBody != nil {
				for _, inner := range st.EveryBody.Stmts {
					walkExprRefs(&inner.Expr, edges, rulesByPath)
				}
			}
		}
	}
}

func walkExprRefs(e *ast.Expr, edges map[string]bool, rulesByPath map[string][]*ast.Rule) {
	if e == nil {
		return
	}
	switch e.Kind {
	case ast.ExprRef:
		if e.RefHead != "data" {
			return
		}
		path := []string{"data"}
		for _, rp := range e.RefParts {
			if rp.Index != nil {
				return // dynamic index breaks static resolution
			}
			path = append(path, rp.Field)
			key := strings.Join(path, ".")
			if _, ok := rulesByPath[key]; ok {
				edges[key] = true
			}
		}
	case ast.ExprCall:
		key := strings.Join(e.CallFunc, ".")
		if _, ok := rulesByPath[key]; ok {
			edges[key] = true
		}
		for _, a := range e.CallArgs {
			walkExprRefs(&a, edges, rulesByPath)
		}
	case ast.ExprArith, ast.ExprCompare, ast.ExprBin, ast.ExprAssign:
		walkExprRefs(e.Left, edges, rulesByPath)
		walkExprRefs(e.Right, edges, rulesByPath)
	case ast.ExprMembership:
		walkExprRefs(e.Key, edges, rulesByPath)
		walkExprRefs(e.Left, edges, rulesByPath)
		walkExprRefs(e.Coll, edges, rulesByPath)
	case ast.ExprNeg:
		walkExprRefs(e.Left, edges, rulesByPath)
	case ast.ExprArrayLit, ast.ExprSetLit:
		for _, el := range e.Elems {
			walkExprRefs(&el, edges, rulesByPath)
		}
	case ast.ExprObjectLit:
		for _, kv := range e.KVs {
			walkExprRefs(&kv.Key, edges, rulesByPath)
			walkExprRefs(&kv.Val, edges, rulesByPath)
		}
	case ast.ExprArrayCompr, ast.ExprSetCompr, ast.ExprObjectCompr:
		// Comprehension bodies schedule and compile independently; a
		// cycle that only exists inside one is caught at runtime instead.
	}
}
