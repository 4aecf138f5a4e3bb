// Package rulecompiler implements SKIC's C4 Rule Compiler & Index: rule
// shape classification, literal extraction, compilation into an
// executable form, and a predicate/constant/type index over compiled
// rules' literals.
package rulecompiler

import (
	"time"

	"skic/internal/ast"
)

// Shape classifies a compiled rule's body.
type Shape int

const (
	SIMPLE Shape = iota
	CONJUNCTIVE
	COMPLEX
)

func (s Shape) String() string {
	switch s {
	case SIMPLE:
		return "SIMPLE"
	case CONJUNCTIVE:
		return "CONJUNCTIVE"
	default:
		return "COMPLEX"
	}
}

// CompiledRule is a rule compiled into an executable form, with match
// statistics updated on every execution.
type CompiledRule struct {
	ID                   string
	OriginalAST          ast.Node
	Shape                Shape
	Head                 ast.Node
	Literals             []ast.Node
	LastMatchedAt        time.Time
	MatchCount           int64
	TotalExecutionTime   time.Duration
	AverageExecutionTime time.Duration
}

// RuleIndex mirrors the statement indices but keyed across rule
// conditions' literals, for fast fact-triggered lookup.
type RuleIndex struct {
	predicate map[string]map[string]bool
	constant  map[string]map[string]bool
	typ       map[string]map[string]bool
}

func newRuleIndex() *RuleIndex {
	return &RuleIndex{
		predicate: make(map[string]map[string]bool),
		constant:  make(map[string]map[string]bool),
		typ:       make(map[string]map[string]bool),
	}
}

func (idx *RuleIndex) add(ruleID string, literals []ast.Node) {
	for _, lit := range literals {
		if pred := ast.RootPredicateName(lit); pred != "" {
			addRule(idx.predicate, pred, ruleID)
		}
		for _, c := range ast.ConstantArgNames(lit) {
			addRule(idx.constant, c, ruleID)
		}
		addRule(idx.typ, ast.RootType(lit), ruleID)
	}
}

func (idx *RuleIndex) remove(ruleID string, literals []ast.Node) {
	for _, lit := range literals {
		if pred := ast.RootPredicateName(lit); pred != "" {
			removeRule(idx.predicate, pred, ruleID)
		}
		for _, c := range ast.ConstantArgNames(lit) {
			removeRule(idx.constant, c, ruleID)
		}
		removeRule(idx.typ, ast.RootType(lit), ruleID)
	}
}

func addRule(m map[string]map[string]bool, key, ruleID string) {
	set, ok := m[key]
	if !ok {
		set = make(map[string]bool)
		m[key] = set
	}
	set[ruleID] = true
}

func removeRule(m map[string]map[string]bool, key, ruleID string) {
	if set, ok := m[key]; ok {
		delete(set, ruleID)
		if len(set) == 0 {
			delete(m, key)
		}
	}
}

// matches probes the index by a fact's predicate, constant arguments, and
// root type, returning the union of matching rule ids.
func (idx *RuleIndex) matches(fact ast.Node) map[string]bool {
	out := make(map[string]bool)
	if pred := ast.RootPredicateName(fact); pred != "" {
		for id := range idx.predicate[pred] {
			out[id] = true
		}
	}
	for _, c := range ast.ConstantArgNames(fact) {
		for id := range idx.constant[c] {
			out[id] = true
		}
	}
	for id := range idx.typ[ast.RootType(fact)] {
		out[id] = true
	}
	return out
}
