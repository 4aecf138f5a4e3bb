package rulecompiler

import "skic/internal/ast"

// ExtractLiterals flattens a rule AST into its body literals and head.
//
// A rule shaped as IMPLIES(body, head) yields the body's literals
// (flattened through nested AND) and head as the consequent. A bare
// Application with no IMPLIES is treated as a fact-like rule: it is its
// own single literal and its own head.
func ExtractLiterals(ruleAST ast.Node) (literals []ast.Node, head ast.Node) {
	conn, ok := ruleAST.(*ast.Connective)
	if !ok || conn.Kind != ast.IMPLIES || len(conn.Operands) != 2 {
		return []ast.Node{ruleAST}, ruleAST
	}
	body, head := conn.Operands[0], conn.Operands[1]
	return flattenConjunction(body), head
}

// flattenConjunction walks nested AND connectives and returns the leaf
// literals in left-to-right order.
func flattenConjunction(n ast.Node) []ast.Node {
	conn, ok := n.(*ast.Connective)
	if !ok || conn.Kind != ast.AND {
		return []ast.Node{n}
	}
	var out []ast.Node
	for _, operand := range conn.Operands {
		out = append(out, flattenConjunction(operand)...)
	}
	return out
}

// DetermineRuleType classifies a rule's shape. SIMPLE: any AST that is not
// a two-operand IMPLIES (treated as a bare fact), or an IMPLIES whose body
// is a single Application. CONJUNCTIVE: an IMPLIES whose body is an AND
// whose operands, after flattening nested ANDs, are all Applications.
// COMPLEX: any other IMPLIES, such as one whose body holds negation,
// disjunction or a quantifier.
func DetermineRuleType(ruleAST ast.Node) Shape {
	conn, ok := ruleAST.(*ast.Connective)
	if !ok || conn.Kind != ast.IMPLIES || len(conn.Operands) != 2 {
		return SIMPLE
	}
	body := conn.Operands[0]
	bodyConn, isConn := body.(*ast.Connective)
	if !isConn {
		if _, isApp := body.(*ast.Application); isApp {
			return SIMPLE
		}
		return COMPLEX
	}
	if bodyConn.Kind != ast.AND {
		return COMPLEX
	}
	for _, operand := range flattenConjunction(bodyConn) {
		if _, isApp := operand.(*ast.Application); !isApp {
			return COMPLEX
		}
	}
	return CONJUNCTIVE
}
