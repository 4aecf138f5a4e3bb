package rulecompiler

import (
	"crypto/sha256"
	"encoding/hex"
	"sort"
	"sync"
	"time"

	"skic/internal/ast"
	"skic/internal/kbrouter"
	"skic/internal/obslog"
	"skic/internal/skerr"
)

// Compiler is SKIC's C4 Rule Compiler & Index.
type Compiler struct {
	mu      sync.RWMutex
	router  *kbrouter.Router
	rules   map[string]*CompiledRule
	index   *RuleIndex
	mangle  *mangleEvaluator
	log     *obslog.Logger
}

func New(router *kbrouter.Router, log *obslog.Logger) *Compiler {
	if log == nil {
		log = obslog.Nop()
	}
	return &Compiler{
		router: router,
		rules:  make(map[string]*CompiledRule),
		index:  newRuleIndex(),
		mangle: newMangleEvaluator(),
		log:    log,
	}
}

func stableRuleID(ruleAST ast.Node) string {
	h := sha256.Sum256([]byte(ruleAST.String()))
	return hex.EncodeToString(h[:])[:32]
}

// CompileRule derives a rule id from a stable hash of the AST if one is
// not supplied, and is idempotent: recompiling an already-known rule id
// returns it immediately without re-deriving anything.
func (c *Compiler) CompileRule(ruleAST ast.Node, id string) (string, error) {
	if id == "" {
		id = stableRuleID(ruleAST)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.rules[id]; ok {
		return id, nil
	}
	literals, head := ExtractLiterals(ruleAST)
	shape := DetermineRuleType(ruleAST)
	rule := &CompiledRule{
		ID:          id,
		OriginalAST: ruleAST,
		Shape:       shape,
		Head:        head,
		Literals:    literals,
	}
	c.rules[id] = rule
	c.index.add(id, literals)
	c.log.Info("rule compiled", map[string]any{"rule_id": id, "shape": shape.String()})
	return id, nil
}

// ExecuteRule dispatches to the strategy matching the rule's shape,
// measures execution time, and updates match statistics.
func (c *Compiler) ExecuteRule(ruleID string, contextIDs []string) ([]ast.Bindings, error) {
	c.mu.RLock()
	rule, ok := c.rules[ruleID]
	c.mu.RUnlock()
	if !ok {
		return nil, skerr.Wrap(skerr.ErrUnknownRule, "rule %q", ruleID)
	}

	start := time.Now()
	var results []ast.Bindings
	var err error
	switch rule.Shape {
	case SIMPLE:
		results, err = c.router.QueryMatch(rule.Literals[0], contextIDs, nil)
	case CONJUNCTIVE:
		results, err = c.executeConjunctive(rule.Literals, contextIDs)
	default:
		results, err = c.executeComplex(rule, contextIDs)
	}
	elapsed := time.Since(start)

	c.mu.Lock()
	rule.MatchCount++
	rule.LastMatchedAt = time.Now()
	rule.TotalExecutionTime += elapsed
	rule.AverageExecutionTime = rule.TotalExecutionTime / time.Duration(rule.MatchCount)
	c.mu.Unlock()

	if err != nil {
		c.log.Warn("rule execution failed", map[string]any{"rule_id": ruleID, "error": err.Error()})
		return nil, err
	}
	return results, nil
}

// executeConjunctive joins literals left-to-right on shared variable ids,
// keeping intermediate result sets minimal.
func (c *Compiler) executeConjunctive(literals []ast.Node, contextIDs []string) ([]ast.Bindings, error) {
	if len(literals) == 0 {
		return nil, nil
	}
	results, err := c.router.QueryMatch(literals[0], contextIDs, nil)
	if err != nil {
		return nil, err
	}
	for _, lit := range literals[1:] {
		var next []ast.Bindings
		for _, partial := range results {
			grounded := applyBindings(lit, partial)
			matches, err := c.router.QueryMatch(grounded, contextIDs, nil)
			if err != nil {
				return nil, err
			}
			for _, m := range matches {
				if merged, ok := mergeBindings(partial, m); ok {
					next = append(next, merged)
				}
			}
		}
		results = next
	}
	return results, nil
}

// executeComplex evaluates a COMPLEX rule's body through the embedded
// Mangle engine, degrading gracefully (log + empty result) rather than
// failing if the body shape can't be lowered.
func (c *Compiler) executeComplex(rule *CompiledRule, contextIDs []string) ([]ast.Bindings, error) {
	var facts []ast.Node
	for _, ctxID := range contextIDs {
		nodes, err := c.router.EnumerateContext(ctxID)
		if err != nil {
			return nil, err
		}
		facts = append(facts, nodes...)
	}
	done := make(chan struct{})
	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()
	go func() {
		for {
			select {
			case <-done:
				return
			case <-ticker.C:
				c.log.Info("still evaluating complex rule...", map[string]any{"rule_id": rule.ID})
			}
		}
	}()
	results, err := c.mangle.Evaluate(rule.Literals, facts)
	close(done)
	if err != nil {
		c.log.Warn("complex rule evaluation degraded to empty result", map[string]any{
			"rule_id": rule.ID, "error": err.Error(),
		})
		return nil, nil
	}
	return results, nil
}

// applyBindings substitutes bound variables in n, leaving unbound
// variables and everything else untouched.
func applyBindings(n ast.Node, b ast.Bindings) ast.Node {
	switch v := n.(type) {
	case *ast.Variable:
		if val, ok := b[v.ID]; ok {
			return val
		}
		return v
	case *ast.Application:
		args := make([]ast.Node, len(v.Args))
		for i, a := range v.Args {
			args[i] = applyBindings(a, b)
		}
		return ast.NewApplication(applyBindings(v.Operator, b), args, v.Typ)
	case *ast.Connective:
		ops := make([]ast.Node, len(v.Operands))
		for i, o := range v.Operands {
			ops[i] = applyBindings(o, b)
		}
		return ast.NewConnective(v.Kind, ops, v.Typ)
	default:
		return n
	}
}

// mergeBindings combines two binding sets, succeeding only if they agree
// on every variable id both define.
func mergeBindings(a, b ast.Bindings) (ast.Bindings, bool) {
	out := a.Clone()
	for id, val := range b {
		if existing, ok := out[id]; ok {
			if !existing.Equal(val) {
				return nil, false
			}
			continue
		}
		out[id] = val
	}
	return out, true
}

// FindMatchingRules probes the rule index by fact's predicate, constant
// arguments, and root type, returning the union ordered by descending
// match count, ties broken by smaller rule id.
func (c *Compiler) FindMatchingRules(fact ast.Node) []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	matchSet := c.index.matches(fact)
	ids := make([]string, 0, len(matchSet))
	for id := range matchSet {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool {
		ri, rj := c.rules[ids[i]], c.rules[ids[j]]
		if ri.MatchCount != rj.MatchCount {
			return ri.MatchCount > rj.MatchCount
		}
		return ids[i] < ids[j]
	})
	return ids
}

// RemoveRule purges a compiled rule from the rule table and every index
// entry it populated.
func (c *Compiler) RemoveRule(ruleID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	rule, ok := c.rules[ruleID]
	if !ok {
		return skerr.Wrap(skerr.ErrUnknownRule, "rule %q", ruleID)
	}
	c.index.remove(ruleID, rule.Literals)
	delete(c.rules, ruleID)
	return nil
}

// Rule returns a compiled rule by id, for inspection/tests.
func (c *Compiler) Rule(ruleID string) (*CompiledRule, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	r, ok := c.rules[ruleID]
	return r, ok
}
