package cache

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTimeBasedInvalidation_ClearsWholeCache(t *testing.T) {
	s := NewStore(10, LRU, 0)
	s.Put("a", 1, 0)
	s.Put("b", 2, 0)

	NewTimeBasedInvalidation(s).Invalidate()
	assert.Equal(t, 0, s.Size())
}

func TestTimeBasedInvalidation_OlderThanKeepsFreshEntries(t *testing.T) {
	s := NewStore(10, LRU, 0)
	s.Put("old", 1, 0)
	time.Sleep(5 * time.Millisecond)
	s.Put("fresh", 2, 0)

	NewTimeBasedInvalidation(s).InvalidateOlderThan(3 * time.Millisecond)

	_, ok := s.Get("old")
	assert.False(t, ok)
	_, ok = s.Get("fresh")
	assert.True(t, ok)
}

func TestPatternBasedInvalidation_MatchingOnly(t *testing.T) {
	s := NewStore(10, LRU, 0)
	s.Put("query:ctxA:p1", 1, 0)
	s.Put("query:ctxA:p2", 2, 0)
	s.Put("query:ctxB:p1", 3, 0)

	NewPatternBasedInvalidation(s).InvalidateMatching("ctxA")

	assert.Equal(t, 1, s.Size())
	_, ok := s.Get("query:ctxB:p1")
	assert.True(t, ok)
}

func TestDependencyBasedInvalidation_RemovesDependents(t *testing.T) {
	s := NewStore(10, LRU, 0)
	s.Put("base", 1, 0)
	s.Put("dep1", 2, 0)
	s.Put("dep2", 3, 0)
	s.Put("unrelated", 4, 0)

	inv := NewDependencyBasedInvalidation(s, false)
	inv.AddDependency("base", "dep1")
	inv.AddDependency("base", "dep2")

	inv.Invalidate("base")

	for _, key := range []string{"base", "dep1", "dep2"} {
		_, ok := s.Get(key)
		assert.False(t, ok, "%s must be invalidated", key)
	}
	_, ok := s.Get("unrelated")
	assert.True(t, ok)
}

func TestDependencyBasedInvalidation_NonRecursiveStopsAtDirectDependents(t *testing.T) {
	s := NewStore(10, LRU, 0)
	s.Put("a", 1, 0)
	s.Put("b", 2, 0)
	s.Put("c", 3, 0)

	inv := NewDependencyBasedInvalidation(s, false)
	inv.AddDependency("a", "b")
	inv.AddDependency("b", "c")

	inv.Invalidate("a")

	_, ok := s.Get("b")
	require.False(t, ok)
	_, ok = s.Get("c")
	assert.True(t, ok, "transitive dependents must survive in non-recursive mode")
}

func TestDependencyBasedInvalidation_RecursiveFollowsChain(t *testing.T) {
	s := NewStore(10, LRU, 0)
	s.Put("a", 1, 0)
	s.Put("b", 2, 0)
	s.Put("c", 3, 0)

	inv := NewDependencyBasedInvalidation(s, true)
	inv.AddDependency("a", "b")
	inv.AddDependency("b", "c")

	inv.Invalidate("a")

	for _, key := range []string{"a", "b", "c"} {
		_, ok := s.Get(key)
		assert.False(t, ok)
	}
}

func TestDependencyBasedInvalidation_CyclicGraphTerminates(t *testing.T) {
	s := NewStore(10, LRU, 0)
	s.Put("a", 1, 0)
	s.Put("b", 2, 0)

	inv := NewDependencyBasedInvalidation(s, true)
	inv.AddDependency("a", "b")
	inv.AddDependency("b", "a")

	// Must not recurse forever on the a<->b cycle.
	inv.Invalidate("a")

	_, ok := s.Get("a")
	assert.False(t, ok)
	_, ok = s.Get("b")
	assert.False(t, ok)
}
