// Package collaborators defines the external capability interfaces SKIC
// consumes but does not implement: type lookup, unification, and proof
// search. Production hosts supply their own implementations; this package
// also ships minimal in-memory mocks for tests.
package collaborators

import "skic/internal/ast"

// Type is an opaque type-system handle; SKIC never inspects its fields.
type Type struct {
	Name   string
	Parent string
}

// TypeSystem is consumed for type lookup and subtyping checks only.
type TypeSystem interface {
	GetType(name string) (Type, bool)
	SubtypeOf(a, b string) bool
	RegisterType(name string, parent string)
}

// UnificationEngine unifies a pattern against a candidate statement.
// A nil error with a non-nil (possibly empty) Bindings means success;
// a nil Bindings means the unification failed outright.
type UnificationEngine interface {
	Unify(pattern, stmt ast.Node) (ast.Bindings, error)
}

// ProofObject is the opaque result of a proof attempt.
type ProofObject struct {
	Query     ast.Node
	IsProven  bool
	Witnesses []ast.Bindings
	Detail    string
}

// Prover maps a query over a set of contexts to a ProofObject.
type Prover interface {
	Prove(query ast.Node, contextIDs []string) (ProofObject, error)
}
