package rulecompiler

import (
	"bytes"
	"fmt"
	"strconv"
	"strings"

	mangleanalysis "github.com/google/mangle/analysis"
	mangleast "github.com/google/mangle/ast"
	manglefactstore "github.com/google/mangle/factstore"
	mangleengine "github.com/google/mangle/engine"
	mangleparse "github.com/google/mangle/parse"

	skast "skic/internal/ast"
)

// mangleEvaluator hosts COMPLEX rule bodies on an embedded Mangle Datalog
// engine: parse.Unit, analysis.AnalyzeOneUnit, then
// engine.EvalProgramWithStats over an in-memory fact store.
type mangleEvaluator struct{}

func newMangleEvaluator() *mangleEvaluator { return &mangleEvaluator{} }

const derivedPredicate = "skic_derived"

// Evaluate lowers literals (a rule's body) plus the currently known facts
// into a small Mangle program, evaluates it, and returns one Bindings per
// derived tuple, keyed back to the original variable ids.
func (e *mangleEvaluator) Evaluate(literals []skast.Node, facts []skast.Node) ([]skast.Bindings, error) {
	varNames, varIDs := collectVariables(literals)
	if len(varNames) == 0 {
		// A ground body: treat as a zero-arity derived predicate so the
		// program still type-checks, and presence of any derived row
		// means "satisfied".
		varNames = []string{}
	}

	var src strings.Builder
	for _, f := range facts {
		atom, ok := toMangleAtomText(f, nil)
		if ok {
			fmt.Fprintf(&src, "%s.\n", atom)
		}
	}
	bodyParts := make([]string, 0, len(literals))
	for _, lit := range literals {
		text, ok := toMangleAtomText(lit, varNames)
		if !ok {
			return nil, fmt.Errorf("rule literal %s cannot be lowered to Mangle", lit.String())
		}
		bodyParts = append(bodyParts, text)
	}
	fmt.Fprintf(&src, "%s(%s) :- %s.\n", derivedPredicate, strings.Join(varNames, ", "), strings.Join(bodyParts, ", "))

	unit, err := mangleparse.Unit(bytes.NewReader([]byte(src.String())))
	if err != nil {
		return nil, fmt.Errorf("parse generated mangle program: %w", err)
	}
	programInfo, err := mangleanalysis.AnalyzeOneUnit(unit, nil)
	if err != nil {
		return nil, fmt.Errorf("analyze generated mangle program: %w", err)
	}
	store := manglefactstore.NewSimpleInMemoryStore()
	if _, err := mangleengine.EvalProgramWithStats(programInfo, store); err != nil {
		return nil, fmt.Errorf("evaluate generated mangle program: %w", err)
	}

	pred := mangleast.PredicateSym{Symbol: derivedPredicate, Arity: len(varNames)}
	var results []skast.Bindings
	err = store.GetFacts(mangleast.NewQuery(pred), func(atom mangleast.Atom) error {
		b := skast.Bindings{}
		for i, arg := range atom.Args {
			if i >= len(varIDs) {
				break
			}
			b[varIDs[i]] = mangleTermToNode(arg)
		}
		results = append(results, b)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("read derived facts: %w", err)
	}
	return results, nil
}

func collectVariables(nodes []skast.Node) ([]string, []int64) {
	seen := make(map[int64]bool)
	var names []string
	var ids []int64
	var walk func(n skast.Node)
	walk = func(n skast.Node) {
		switch v := n.(type) {
		case *skast.Variable:
			if !seen[v.ID] {
				seen[v.ID] = true
				names = append(names, "V"+strconv.FormatInt(v.ID, 10))
				ids = append(ids, v.ID)
			}
		case *skast.Application:
			walk(v.Operator)
			for _, a := range v.Args {
				walk(a)
			}
		case *skast.Connective:
			for _, o := range v.Operands {
				walk(o)
			}
		}
	}
	for _, n := range nodes {
		walk(n)
	}
	return names, ids
}

// toMangleAtomText renders an Application as `pred(arg1, arg2)` Mangle
// source text. The second parameter is unused: variables are always
// rendered from their ids, which keeps naming consistent between facts
// and the rule body.
func toMangleAtomText(n skast.Node, _ []string) (string, bool) {
	app, ok := n.(*skast.Application)
	if !ok {
		return "", false
	}
	pred := app.PredicateName()
	if pred == "" {
		return "", false
	}
	parts := make([]string, len(app.Args))
	for i, arg := range app.Args {
		switch a := arg.(type) {
		case *skast.Variable:
			parts[i] = "V" + strconv.FormatInt(a.ID, 10)
		case *skast.Constant:
			parts[i] = mangleQuote(a.Name)
		default:
			return "", false
		}
	}
	return fmt.Sprintf("%s(%s)", mangleIdent(pred), strings.Join(parts, ", ")), true
}

func mangleIdent(s string) string {
	return strings.ToLower(strings.ReplaceAll(s, " ", "_"))
}

func mangleQuote(s string) string {
	return "\"" + strings.ReplaceAll(s, "\"", "\\\"") + "\""
}

func mangleTermToNode(t mangleast.BaseTerm) skast.Node {
	return skast.NewConstant(fmt.Sprint(t), "Entity")
}
