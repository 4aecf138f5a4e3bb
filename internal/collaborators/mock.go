package collaborators

import (
	"fmt"
	"strings"
	"time"

	"skic/internal/ast"
)

// MockTypeSystem is a minimal in-memory TypeSystem used by tests and by
// callers that do not yet have a real type system wired in.
type MockTypeSystem struct {
	types map[string]Type
}

func NewMockTypeSystem() *MockTypeSystem {
	return &MockTypeSystem{types: make(map[string]Type)}
}

func (m *MockTypeSystem) GetType(name string) (Type, bool) {
	t, ok := m.types[name]
	return t, ok
}

func (m *MockTypeSystem) SubtypeOf(a, b string) bool {
	if a == b {
		return true
	}
	for cur, ok := m.types[a]; ok; cur, ok = m.types[cur.Parent] {
		if cur.Parent == b {
			return true
		}
		if cur.Parent == "" {
			break
		}
	}
	return false
}

func (m *MockTypeSystem) RegisterType(name, parent string) {
	m.types[name] = Type{Name: name, Parent: parent}
}

// MockUnificationEngine implements the subset of unification SKIC's own
// tests need: matching Constants by equality, Variables binding freely,
// and Applications unifying argument-wise.
type MockUnificationEngine struct{}

func NewMockUnificationEngine() *MockUnificationEngine { return &MockUnificationEngine{} }

func (u *MockUnificationEngine) Unify(pattern, stmt ast.Node) (ast.Bindings, error) {
	b := ast.Bindings{}
	if !unify(pattern, stmt, b) {
		return nil, nil
	}
	return b, nil
}

func unify(pattern, stmt ast.Node, b ast.Bindings) bool {
	switch p := pattern.(type) {
	case *ast.Variable:
		if existing, ok := b[p.ID]; ok {
			return existing.Equal(stmt)
		}
		b[p.ID] = stmt
		return true
	case *ast.Constant:
		c, ok := stmt.(*ast.Constant)
		return ok && c.Name == p.Name
	case *ast.Application:
		s, ok := stmt.(*ast.Application)
		if !ok || len(s.Args) != len(p.Args) {
			return false
		}
		if !unify(p.Operator, s.Operator, b) {
			return false
		}
		for i := range p.Args {
			if !unify(p.Args[i], s.Args[i], b) {
				return false
			}
		}
		return true
	case *ast.Connective:
		s, ok := stmt.(*ast.Connective)
		if !ok || s.Kind != p.Kind || len(s.Operands) != len(p.Operands) {
			return false
		}
		for i := range p.Operands {
			if !unify(p.Operands[i], s.Operands[i], b) {
				return false
			}
		}
		return true
	default:
		return pattern.Equal(stmt)
	}
}

// MockProver always returns a proof object; IsProven is true iff the
// query's lower-cased string form contains "true", a crude deterministic stand-in
// for a real prover, which is sufficient for exercising the inference
// manager's plumbing in tests.
type MockProver struct {
	Delay time.Duration
}

func NewMockProver() *MockProver { return &MockProver{} }

func (p *MockProver) Prove(query ast.Node, contextIDs []string) (ProofObject, error) {
	if p.Delay > 0 {
		time.Sleep(p.Delay)
	}
	proven := strings.Contains(strings.ToLower(query.String()), "true")
	return ProofObject{
		Query:    query,
		IsProven: proven,
		Detail:   fmt.Sprintf("evaluated over %d context(s)", len(contextIDs)),
	}, nil
}
