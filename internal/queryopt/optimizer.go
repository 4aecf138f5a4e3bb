package queryopt

import (
	"sort"
	"time"

	"skic/internal/ast"
	"skic/internal/kbrouter"
	"skic/internal/obslog"
)

// Optimiser produces QueryPlans and executes them, recording feedback.
type Optimiser struct {
	router *kbrouter.Router
	stats  *Statistics
	log    *obslog.Logger
}

func New(router *kbrouter.Router, stats *Statistics, log *obslog.Logger) *Optimiser {
	if log == nil {
		log = obslog.Nop()
	}
	return &Optimiser{router: router, stats: stats, log: log}
}

// Optimise builds a QueryPlan for pattern over contextIDs.
func (o *Optimiser) Optimise(pattern ast.Node, contextIDs []string, bindVars []*ast.Variable) (*QueryPlan, error) {
	if err := o.stats.Refresh(o.router, false); err != nil {
		o.log.Warn("statistics refresh failed", map[string]any{"error": err.Error()})
	}
	optimised := o.applyStrategies(pattern)
	hash := PlanHash(pattern, contextIDs, bindVars)
	cost := estimateCost(o.stats, hash, contextIDs, optimised)
	return &QueryPlan{
		OriginalPattern:  pattern,
		OptimisedPattern: optimised,
		ContextIDs:       contextIDs,
		VarsToBind:       bindVars,
		EstimatedCost:    cost,
		Hash:             hash,
	}, nil
}

// applyStrategies runs reorderConjunctions, pushConstantsToFront, and
// optimiseVariableBinding in order. Each is a total function: on any
// internal failure it logs a warning and returns the input unchanged.
func (o *Optimiser) applyStrategies(pattern ast.Node) ast.Node {
	out := o.reorderConjunctions(pattern)
	out = o.pushConstantsToFront(out)
	out = o.optimiseVariableBinding(out)
	return out
}

func (o *Optimiser) selectivityOf(n ast.Node) float64 {
	switch v := n.(type) {
	case *ast.Variable:
		return 1.0
	case *ast.Constant:
		s := o.stats.ConstantSelectivity(v.Name)
		if s == 0 {
			return 1.0
		}
		return s
	case *ast.Application:
		s := 1.0
		if pred := v.PredicateName(); pred != "" {
			if ps := o.stats.PredicateSelectivity(pred); ps > 0 {
				s = ps
			}
		}
		for _, arg := range v.Args {
			if c, ok := arg.(*ast.Constant); ok {
				if cs := o.stats.ConstantSelectivity(c.Name); cs > 0 {
					s *= cs
				}
			}
		}
		return s
	default:
		if ts := o.stats.TypeSelectivity(ast.RootType(n)); ts > 0 {
			return ts
		}
		return 1.0
	}
}

// reorderConjunctions places the most selective conjunct first within a
// top-level AND connective. Non-AND patterns pass through unchanged.
func (o *Optimiser) reorderConjunctions(pattern ast.Node) ast.Node {
	conj, ok := pattern.(*ast.Connective)
	if !ok || conj.Kind != ast.AND {
		return pattern
	}
	operands := append([]ast.Node(nil), conj.Operands...)
	sort.SliceStable(operands, func(i, j int) bool {
		return o.selectivityOf(operands[i]) < o.selectivityOf(operands[j])
	})
	return ast.NewConnective(ast.AND, operands, conj.Typ)
}

// pushConstantsToFront stable-sorts an Application's arguments so Constant
// arguments precede Variable arguments, letting index probes bind on
// constants first. Only applied when the Application itself carries a
// "commutative"="true" metadata flag, since reordering arguments of a non-commutative predicate
// would change its meaning.
func (o *Optimiser) pushConstantsToFront(pattern ast.Node) ast.Node {
	app, ok := pattern.(*ast.Application)
	if !ok {
		return pattern
	}
	if app.Metadata()["commutative"] != "true" {
		return pattern
	}
	args := append([]ast.Node(nil), app.Args...)
	sort.SliceStable(args, func(i, j int) bool {
		_, iConst := args[i].(*ast.Constant)
		_, jConst := args[j].(*ast.Constant)
		return iConst && !jConst
	})
	return ast.NewApplication(app.Operator, args, app.Typ)
}

// optimiseVariableBinding reorders a top-level AND's conjuncts by a greedy
// join-order pass: the conjunct sharing the most variables already bound
// by earlier conjuncts goes next, so joins short-circuit earlier.
func (o *Optimiser) optimiseVariableBinding(pattern ast.Node) ast.Node {
	conj, ok := pattern.(*ast.Connective)
	if !ok || conj.Kind != ast.AND {
		return pattern
	}
	remaining := append([]ast.Node(nil), conj.Operands...)
	bound := make(map[int64]bool)
	ordered := make([]ast.Node, 0, len(remaining))
	for len(remaining) > 0 {
		bestIdx, bestScore := 0, -1
		for i, n := range remaining {
			score := sharedVarCount(n, bound)
			if score > bestScore {
				bestIdx, bestScore = i, score
			}
		}
		chosen := remaining[bestIdx]
		for _, v := range variablesIn(chosen) {
			bound[v] = true
		}
		ordered = append(ordered, chosen)
		remaining = append(remaining[:bestIdx], remaining[bestIdx+1:]...)
	}
	return ast.NewConnective(ast.AND, ordered, conj.Typ)
}

func sharedVarCount(n ast.Node, bound map[int64]bool) int {
	count := 0
	for _, v := range variablesIn(n) {
		if bound[v] {
			count++
		}
	}
	return count
}

func variablesIn(n ast.Node) []int64 {
	var out []int64
	switch v := n.(type) {
	case *ast.Variable:
		out = append(out, v.ID)
	case *ast.Application:
		out = append(out, variablesIn(v.Operator)...)
		for _, a := range v.Args {
			out = append(out, variablesIn(a)...)
		}
	case *ast.Connective:
		for _, o := range v.Operands {
			out = append(out, variablesIn(o)...)
		}
	case *ast.Quantifier:
		out = append(out, variablesIn(v.Body)...)
	}
	return out
}

// Execute times the router query for an optimised plan and records
// feedback into the statistics ring buffer.
func (o *Optimiser) Execute(plan *QueryPlan) ([]ast.Bindings, error) {
	start := time.Now()
	results, err := o.router.QueryMatch(plan.OptimisedPattern, plan.ContextIDs, plan.VarsToBind)
	o.stats.RecordQueryTime(plan.Hash, time.Since(start))
	return results, err
}
