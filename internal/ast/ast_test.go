package ast

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConstant_EqualIgnoresMetadata(t *testing.T) {
	a := NewConstant("alice", "Entity")
	b := NewConstant("alice", "Entity").WithMetadata(map[string]string{"source": "import"})
	assert.True(t, a.Equal(b))
	assert.True(t, b.Equal(a))

	c := NewConstant("bob", "Entity")
	assert.False(t, a.Equal(c))
}

func TestConstant_WithMetadataIsImmutable(t *testing.T) {
	a := NewConstant("alice", "Entity")
	b := a.WithMetadata(map[string]string{"k": "v"})
	assert.Nil(t, a.Metadata())
	assert.Equal(t, "v", b.Metadata()["k"])

	c := b.WithMetadata(map[string]string{"k2": "v2"})
	assert.Equal(t, "v", c.Metadata()["k"])
	assert.Equal(t, "v2", c.Metadata()["k2"])
	assert.Len(t, b.Metadata(), 1, "merging into c must not mutate b")
}

func TestVariable_EqualRequiresSameID(t *testing.T) {
	x1 := NewVariable("X", 1, "Entity")
	x1b := NewVariable("X", 1, "Entity")
	x2 := NewVariable("X", 2, "Entity")

	assert.True(t, x1.Equal(x1b))
	assert.False(t, x1.Equal(x2))
	assert.Equal(t, "?X", x1.String())
}

func TestApplication_EqualChecksOperatorArityAndArgs(t *testing.T) {
	p := NewConstant("likes", "Relation")
	alice := NewConstant("alice", "Entity")
	bob := NewConstant("bob", "Entity")

	a := NewApplication(p, []Node{alice, bob}, "Prop")
	b := NewApplication(p, []Node{alice, bob}, "Prop")
	c := NewApplication(p, []Node{bob, alice}, "Prop")

	assert.True(t, a.Equal(b))
	assert.False(t, a.Equal(c))
	assert.Equal(t, "likes(alice, bob)", a.String())
}

func TestApplication_PredicateName(t *testing.T) {
	p := NewConstant("likes", "Relation")
	app := NewApplication(p, nil, "Prop")
	assert.Equal(t, "likes", app.PredicateName())

	opaque := NewApplication(NewVariable("F", 1, "Relation"), nil, "Prop")
	assert.Equal(t, "", opaque.PredicateName())
}

func TestConnective_EqualChecksKindAndOperands(t *testing.T) {
	p := NewApplication(NewConstant("p", "Relation"), nil, "Prop")
	q := NewApplication(NewConstant("q", "Relation"), nil, "Prop")

	and1 := NewConnective(AND, []Node{p, q}, "Prop")
	and2 := NewConnective(AND, []Node{p, q}, "Prop")
	or := NewConnective(OR, []Node{p, q}, "Prop")

	assert.True(t, and1.Equal(and2))
	assert.False(t, and1.Equal(or))
	assert.Equal(t, "AND(p(), q())", and1.String())
}

func TestQuantifier_EqualChecksBoundVarsAndBody(t *testing.T) {
	x := NewVariable("X", 1, "Entity")
	body := NewApplication(NewConstant("human", "Relation"), []Node{x}, "Prop")

	q1 := NewQuantifier(FORALL, []*Variable{x}, body, "Prop")
	q2 := NewQuantifier(FORALL, []*Variable{x}, body, "Prop")
	q3 := NewQuantifier(EXISTS, []*Variable{x}, body, "Prop")

	assert.True(t, q1.Equal(q2))
	assert.False(t, q1.Equal(q3))
	assert.Equal(t, "FORALL ?X. human(?X)", q1.String())
}

func TestRootPredicateNameAndConstantArgNames(t *testing.T) {
	alice := NewConstant("alice", "Entity")
	bob := NewConstant("bob", "Entity")
	app := NewApplication(NewConstant("likes", "Relation"), []Node{bob, alice}, "Prop")

	assert.Equal(t, "likes", RootPredicateName(app))
	assert.Equal(t, []string{"alice", "bob"}, ConstantArgNames(app))

	assert.Equal(t, "", RootPredicateName(alice))
	assert.Nil(t, ConstantArgNames(alice))
}

func TestBindings_CloneIsIndependent(t *testing.T) {
	x := NewVariable("X", 1, "Entity")
	orig := Bindings{1: NewConstant("alice", "Entity")}
	clone := orig.Clone()
	clone[1] = NewConstant("bob", "Entity")

	require.NotEqual(t, orig[1].(*Constant).Name, clone[1].(*Constant).Name)
	assert.True(t, orig[x.ID].Equal(NewConstant("alice", "Entity")))
}
