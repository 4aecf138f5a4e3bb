// Package ast defines the AST node taxonomy SKIC consumes from its host
// system's type system and unification engine. Nodes are immutable; every
// constructor that "changes" a node returns a new value.
package ast

import (
	"fmt"
	"sort"
	"strings"
)

// ConnectiveKind enumerates logical connectives.
type ConnectiveKind int

const (
	AND ConnectiveKind = iota
	OR
	NOT
	IMPLIES
)

func (k ConnectiveKind) String() string {
	switch k {
	case AND:
		return "AND"
	case OR:
		return "OR"
	case NOT:
		return "NOT"
	case IMPLIES:
		return "IMPLIES"
	default:
		return "UNKNOWN"
	}
}

// QuantifierKind enumerates quantifiers.
type QuantifierKind int

const (
	FORALL QuantifierKind = iota
	EXISTS
)

func (k QuantifierKind) String() string {
	if k == FORALL {
		return "FORALL"
	}
	return "EXISTS"
}

// Node is the closed set of AST node variants. All implementations are
// comparable by structural equality via Equal, and every node must be able
// to produce a deterministic string form used for hashing and cache keys.
type Node interface {
	// Type returns the type reference attached to this node.
	Type() string
	// Metadata returns the node's metadata map; callers must not mutate it.
	Metadata() map[string]string
	// WithMetadata returns a copy of the node with the given metadata
	// merged over the existing metadata, leaving the receiver unmodified.
	WithMetadata(m map[string]string) Node
	// Equal reports structural equality: same shape, names, ids and types.
	Equal(other Node) bool
	// String renders a deterministic, parseable-looking form of the node.
	String() string
}

func mergeMetadata(base, extra map[string]string) map[string]string {
	out := make(map[string]string, len(base)+len(extra))
	for k, v := range base {
		out[k] = v
	}
	for k, v := range extra {
		out[k] = v
	}
	return out
}

func metadataEqual(a, b map[string]string) bool {
	if len(a) != len(b) {
		return false
	}
	for k, v := range a {
		if bv, ok := b[k]; !ok || bv != v {
			return false
		}
	}
	return true
}

// Constant is an atom naming a type and a name.
type Constant struct {
	Name     string
	Typ      string
	MetaData map[string]string
}

func NewConstant(name, typ string) *Constant { return &Constant{Name: name, Typ: typ} }

func (c *Constant) Type() string                   { return c.Typ }
func (c *Constant) Metadata() map[string]string    { return c.MetaData }
func (c *Constant) WithMetadata(m map[string]string) Node {
	cp := *c
	cp.MetaData = mergeMetadata(c.MetaData, m)
	return &cp
}
func (c *Constant) Equal(other Node) bool {
	o, ok := other.(*Constant)
	return ok && o.Name == c.Name && o.Typ == c.Typ
}
func (c *Constant) String() string { return c.Name }

// Variable carries a stable integer id used as the unification key.
type Variable struct {
	Name     string
	ID       int64
	Typ      string
	MetaData map[string]string
}

func NewVariable(name string, id int64, typ string) *Variable {
	return &Variable{Name: name, ID: id, Typ: typ}
}

func (v *Variable) Type() string                { return v.Typ }
func (v *Variable) Metadata() map[string]string { return v.MetaData }
func (v *Variable) WithMetadata(m map[string]string) Node {
	cp := *v
	cp.MetaData = mergeMetadata(v.MetaData, m)
	return &cp
}
func (v *Variable) Equal(other Node) bool {
	o, ok := other.(*Variable)
	return ok && o.ID == v.ID && o.Name == v.Name && o.Typ == v.Typ
}
func (v *Variable) String() string { return "?" + v.Name }

// Application is a function/predicate application; Operator is typically a
// Constant naming the predicate.
type Application struct {
	Operator Node
	Args     []Node
	Typ      string
	MetaData map[string]string
}

func NewApplication(operator Node, args []Node, typ string) *Application {
	return &Application{Operator: operator, Args: args, Typ: typ}
}

func (a *Application) Type() string                { return a.Typ }
func (a *Application) Metadata() map[string]string  { return a.MetaData }
func (a *Application) WithMetadata(m map[string]string) Node {
	cp := *a
	cp.MetaData = mergeMetadata(a.MetaData, m)
	return &cp
}
func (a *Application) Equal(other Node) bool {
	o, ok := other.(*Application)
	if !ok || len(o.Args) != len(a.Args) || a.Typ != o.Typ || !a.Operator.Equal(o.Operator) {
		return false
	}
	for i := range a.Args {
		if !a.Args[i].Equal(o.Args[i]) {
			return false
		}
	}
	return true
}
func (a *Application) String() string {
	parts := make([]string, len(a.Args))
	for i, arg := range a.Args {
		parts[i] = arg.String()
	}
	return fmt.Sprintf("%s(%s)", a.Operator.String(), strings.Join(parts, ", "))
}

// PredicateName returns the operator's name if it is a Constant, else "".
func (a *Application) PredicateName() string {
	if c, ok := a.Operator.(*Constant); ok {
		return c.Name
	}
	return ""
}

// Connective is a logical connective over one or more operands.
type Connective struct {
	Kind     ConnectiveKind
	Operands []Node
	Typ      string
	MetaData map[string]string
}

func NewConnective(kind ConnectiveKind, operands []Node, typ string) *Connective {
	return &Connective{Kind: kind, Operands: operands, Typ: typ}
}

func (c *Connective) Type() string                { return c.Typ }
func (c *Connective) Metadata() map[string]string  { return c.MetaData }
func (c *Connective) WithMetadata(m map[string]string) Node {
	cp := *c
	cp.MetaData = mergeMetadata(c.MetaData, m)
	return &cp
}
func (c *Connective) Equal(other Node) bool {
	o, ok := other.(*Connective)
	if !ok || o.Kind != c.Kind || o.Typ != c.Typ || len(o.Operands) != len(c.Operands) {
		return false
	}
	for i := range c.Operands {
		if !c.Operands[i].Equal(o.Operands[i]) {
			return false
		}
	}
	return true
}
func (c *Connective) String() string {
	parts := make([]string, len(c.Operands))
	for i, op := range c.Operands {
		parts[i] = op.String()
	}
	return fmt.Sprintf("%s(%s)", c.Kind, strings.Join(parts, ", "))
}

// Quantifier binds variables over a body formula.
type Quantifier struct {
	Kind      QuantifierKind
	BoundVars []*Variable
	Body      Node
	Typ       string
	MetaData  map[string]string
}

func NewQuantifier(kind QuantifierKind, bound []*Variable, body Node, typ string) *Quantifier {
	return &Quantifier{Kind: kind, BoundVars: bound, Body: body, Typ: typ}
}

func (q *Quantifier) Type() string                { return q.Typ }
func (q *Quantifier) Metadata() map[string]string  { return q.MetaData }
func (q *Quantifier) WithMetadata(m map[string]string) Node {
	cp := *q
	cp.MetaData = mergeMetadata(q.MetaData, m)
	return &cp
}
func (q *Quantifier) Equal(other Node) bool {
	o, ok := other.(*Quantifier)
	if !ok || o.Kind != q.Kind || o.Typ != q.Typ || len(o.BoundVars) != len(q.BoundVars) || !q.Body.Equal(o.Body) {
		return false
	}
	for i := range q.BoundVars {
		if !q.BoundVars[i].Equal(o.BoundVars[i]) {
			return false
		}
	}
	return true
}
func (q *Quantifier) String() string {
	names := make([]string, len(q.BoundVars))
	for i, v := range q.BoundVars {
		names[i] = v.String()
	}
	return fmt.Sprintf("%s %s. %s", q.Kind, strings.Join(names, ", "), q.Body.String())
}

// RootType returns the type name of a node for type-index purposes.
func RootType(n Node) string { return n.Type() }

// RootPredicateName returns the predicate name if n is an Application whose
// operator is a Constant, else "".
func RootPredicateName(n Node) string {
	if app, ok := n.(*Application); ok {
		return app.PredicateName()
	}
	return ""
}

// ConstantArgNames returns the names of every Constant argument of n, if n
// is an Application; used to populate the constant index.
func ConstantArgNames(n Node) []string {
	app, ok := n.(*Application)
	if !ok {
		return nil
	}
	var names []string
	for _, arg := range app.Args {
		if c, ok := arg.(*Constant); ok {
			names = append(names, c.Name)
		}
	}
	sort.Strings(names)
	return names
}

// Bindings maps a variable id to the AST node it was unified with.
type Bindings map[int64]Node

// Clone returns a shallow copy of the bindings map.
func (b Bindings) Clone() Bindings {
	cp := make(Bindings, len(b))
	for k, v := range b {
		cp[k] = v
	}
	return cp
}
