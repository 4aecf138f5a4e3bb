package queryopt

import (
	"sort"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"skic/internal/ast"
	"skic/internal/collaborators"
	"skic/internal/kbrouter"
	"skic/internal/kbstore"
)

func isA(entity, class string) ast.Node {
	return ast.NewApplication(
		ast.NewConstant("is_a", "Relation"),
		[]ast.Node{ast.NewConstant(entity, "Entity"), ast.NewConstant(class, "Entity")},
		"Prop",
	)
}

func newTestRouter(t *testing.T) *kbrouter.Router {
	t.Helper()
	backend := kbstore.NewMemoryBackend(collaborators.NewMockUnificationEngine(), nil)
	r := kbrouter.New(backend, nil)
	require.NoError(t, r.CreateContext("T", "", "default", ""))
	return r
}

func TestComplexity_CostModel(t *testing.T) {
	x := ast.NewVariable("X", 1, "Entity")
	c := ast.NewConstant("alice", "Entity")
	assert.Equal(t, 10.0, complexity(x))
	assert.Equal(t, 1.0, complexity(c))

	// Application: operator (1) + args (1 + 10).
	app := ast.NewApplication(ast.NewConstant("likes", "Relation"), []ast.Node{c, x}, "Prop")
	assert.Equal(t, 12.0, complexity(app))

	// Connective: sum of operands.
	conj := ast.NewConnective(ast.AND, []ast.Node{app, app}, "Prop")
	assert.Equal(t, 24.0, complexity(conj))
}

func TestPlanHash_DistinguishesInputs(t *testing.T) {
	x := ast.NewVariable("X", 1, "Entity")
	p := isA("john", "Person")

	h1 := PlanHash(p, []string{"T"}, []*ast.Variable{x})
	h2 := PlanHash(p, []string{"T"}, []*ast.Variable{x})
	assert.Equal(t, h1, h2)

	assert.NotEqual(t, h1, PlanHash(p, []string{"U"}, []*ast.Variable{x}))
	assert.NotEqual(t, h1, PlanHash(p, []string{"T"}, nil))
	assert.NotEqual(t, h1, PlanHash(isA("mary", "Person"), []string{"T"}, []*ast.Variable{x}))
}

func TestStatistics_RefreshCountsFromContexts(t *testing.T) {
	r := newTestRouter(t)
	_, err := r.AddStatement(isA("john", "Person"), "T", nil)
	require.NoError(t, err)
	_, err = r.AddStatement(isA("mary", "Person"), "T", nil)
	require.NoError(t, err)

	s := NewStatistics(time.Hour)
	require.NoError(t, s.Refresh(r, true))

	// Two is_a applications; "Person" appears as a constant arg in both.
	assert.Equal(t, 1.0, s.PredicateSelectivity("is_a"))
	assert.Equal(t, 0.5, s.ConstantSelectivity("Person"))
	assert.Equal(t, 0.0, s.ConstantSelectivity("absent"))
}

func TestStatistics_RefreshRespectsInterval(t *testing.T) {
	r := newTestRouter(t)
	s := NewStatistics(time.Hour)
	require.NoError(t, s.Refresh(r, true))

	_, err := r.AddStatement(isA("john", "Person"), "T", nil)
	require.NoError(t, err)

	// Not stale and not forced: counts must stay as refreshed.
	require.NoError(t, s.Refresh(r, false))
	assert.Equal(t, 0.0, s.PredicateSelectivity("is_a"))

	require.NoError(t, s.Refresh(r, true))
	assert.Equal(t, 1.0, s.PredicateSelectivity("is_a"))
}

func TestStatistics_QueryTimeRingBufferIsCapped(t *testing.T) {
	s := NewStatistics(time.Hour)
	for i := 0; i < queryTimesCap+50; i++ {
		s.RecordQueryTime("h", time.Millisecond)
	}
	s.mu.Lock()
	n := len(s.queryTimes["h"])
	s.mu.Unlock()
	assert.Equal(t, queryTimesCap, n)

	avg, ok := s.AverageQueryTime("h")
	require.True(t, ok)
	assert.Equal(t, time.Millisecond, avg)

	_, ok = s.AverageQueryTime("unknown")
	assert.False(t, ok)
}

func TestOptimiser_ReorderConjunctionsPutsSelectiveFirst(t *testing.T) {
	r := newTestRouter(t)
	// "common" dominates the statistics; "rare" appears once.
	for _, e := range []string{"a", "b", "c", "d"} {
		_, err := r.AddStatement(isA(e, "common"), "T", nil)
		require.NoError(t, err)
	}
	_, err := r.AddStatement(
		ast.NewApplication(ast.NewConstant("rare_pred", "Relation"), []ast.Node{ast.NewConstant("rare", "Entity")}, "Prop"),
		"T", nil)
	require.NoError(t, err)

	stats := NewStatistics(time.Hour)
	require.NoError(t, stats.Refresh(r, true))
	o := New(r, stats, nil)

	x := ast.NewVariable("X", 1, "Entity")
	broad := ast.NewApplication(ast.NewConstant("is_a", "Relation"), []ast.Node{x, ast.NewConstant("common", "Entity")}, "Prop")
	narrow := ast.NewApplication(ast.NewConstant("rare_pred", "Relation"), []ast.Node{ast.NewConstant("rare", "Entity")}, "Prop")
	conj := ast.NewConnective(ast.AND, []ast.Node{broad, narrow}, "Prop")

	plan, err := o.Optimise(conj, []string{"T"}, nil)
	require.NoError(t, err)

	out, ok := plan.OptimisedPattern.(*ast.Connective)
	require.True(t, ok)
	require.Len(t, out.Operands, 2)
	assert.True(t, out.Operands[0].Equal(narrow), "the most selective conjunct must come first")
}

func TestOptimiser_PushConstantsRequiresCommutativeFlag(t *testing.T) {
	r := newTestRouter(t)
	o := New(r, NewStatistics(time.Hour), nil)

	x := ast.NewVariable("X", 1, "Entity")
	c := ast.NewConstant("alice", "Entity")
	op := ast.NewConstant("related", "Relation")

	plain := ast.NewApplication(op, []ast.Node{x, c}, "Prop")
	assert.True(t, o.pushConstantsToFront(plain).Equal(plain), "non-commutative applications must pass through unchanged")

	commutative := ast.NewApplication(op, []ast.Node{x, c}, "Prop").
		WithMetadata(map[string]string{"commutative": "true"}).(*ast.Application)
	out, ok := o.pushConstantsToFront(commutative).(*ast.Application)
	require.True(t, ok)
	assert.True(t, out.Args[0].Equal(c), "constant arguments must precede variables")
	assert.True(t, out.Args[1].Equal(x))
}

func TestOptimiser_VariableBindingPrefersSharedVars(t *testing.T) {
	r := newTestRouter(t)
	o := New(r, NewStatistics(time.Hour), nil)

	x := ast.NewVariable("X", 1, "Entity")
	y := ast.NewVariable("Y", 2, "Entity")
	z := ast.NewVariable("Z", 3, "Entity")
	p := func(name string, args ...ast.Node) ast.Node {
		return ast.NewApplication(ast.NewConstant(name, "Relation"), args, "Prop")
	}

	// After choosing p(x, y) first, q(y, z) shares y and must come before
	// the disjoint s(w).
	w := ast.NewVariable("W", 4, "Entity")
	conj := ast.NewConnective(ast.AND, []ast.Node{p("p", x, y), p("s", w), p("q", y, z)}, "Prop")

	out, ok := o.optimiseVariableBinding(conj).(*ast.Connective)
	require.True(t, ok)
	require.Len(t, out.Operands, 3)
	assert.True(t, out.Operands[1].Equal(p("q", y, z)), "the conjunct sharing a bound variable must be scheduled next")
}

func TestOptimiser_PlanEquivalence(t *testing.T) {
	// Executing an optimised plan must return the same bindings as the
	// raw router query.
	r := newTestRouter(t)
	_, err := r.AddStatement(isA("john", "Person"), "T", nil)
	require.NoError(t, err)
	_, err = r.AddStatement(isA("mary", "Person"), "T", nil)
	require.NoError(t, err)

	stats := NewStatistics(time.Hour)
	o := New(r, stats, nil)

	x := ast.NewVariable("X", 1, "Entity")
	pattern := ast.NewApplication(
		ast.NewConstant("is_a", "Relation"),
		[]ast.Node{x, ast.NewConstant("Person", "Entity")},
		"Prop",
	)

	direct, err := r.QueryMatch(pattern, []string{"T"}, []*ast.Variable{x})
	require.NoError(t, err)

	plan, err := o.Optimise(pattern, []string{"T"}, []*ast.Variable{x})
	require.NoError(t, err)
	planned, err := o.Execute(plan)
	require.NoError(t, err)

	if diff := cmp.Diff(boundNames(direct, x), boundNames(planned, x)); diff != "" {
		t.Errorf("binding multiset mismatch (-direct +planned):\n%s", diff)
	}
}

// boundNames renders each result's binding for v as a string, sorted, so
// two binding multisets compare order-independently.
func boundNames(results []ast.Bindings, v *ast.Variable) []string {
	out := make([]string, 0, len(results))
	for _, b := range results {
		out = append(out, b[v.ID].String())
	}
	sort.Strings(out)
	return out
}

func TestOptimiser_ExecuteRecordsFeedback(t *testing.T) {
	r := newTestRouter(t)
	stats := NewStatistics(time.Hour)
	o := New(r, stats, nil)

	pattern := isA("john", "Person")
	plan, err := o.Optimise(pattern, []string{"T"}, nil)
	require.NoError(t, err)

	_, err = o.Execute(plan)
	require.NoError(t, err)

	_, ok := stats.AverageQueryTime(plan.Hash)
	assert.True(t, ok, "execution must record a duration under the plan hash")
}

func TestOptimiser_CostUsesHistoryWhenAvailable(t *testing.T) {
	r := newTestRouter(t)
	stats := NewStatistics(time.Hour)
	o := New(r, stats, nil)

	pattern := isA("john", "Person")
	hash := PlanHash(pattern, []string{"T"}, nil)
	stats.RecordQueryTime(hash, 5*time.Millisecond)

	plan, err := o.Optimise(pattern, []string{"T"}, nil)
	require.NoError(t, err)
	assert.Equal(t, float64(5*time.Millisecond)/float64(time.Microsecond), plan.EstimatedCost)

	// A never-seen pattern falls back to |contexts| x complexity.
	fresh := isA("mary", "Person")
	plan2, err := o.Optimise(fresh, []string{"T"}, nil)
	require.NoError(t, err)
	assert.Equal(t, complexity(fresh), plan2.EstimatedCost)
}
