// Package queryopt implements SKIC's C3 Query Optimiser: statistics
// collection, plan construction with real reordering strategies, cost
// estimation, and plan execution with feedback recording.
package queryopt

import (
	"sync"
	"time"

	"skic/internal/ast"
	"skic/internal/kbrouter"
)

const queryTimesCap = 100

// Statistics tracks predicate/constant/type frequency counts and recent
// query durations, refreshed on demand from the router's backends via
// EnumerateContext.
type Statistics struct {
	mu              sync.Mutex
	predicateCounts map[string]int
	constantCounts  map[string]int
	typeCounts      map[string]int
	queryTimes      map[string][]time.Duration
	lastUpdated     time.Time
	refreshInterval time.Duration
}

func NewStatistics(refreshInterval time.Duration) *Statistics {
	return &Statistics{
		predicateCounts: make(map[string]int),
		constantCounts:  make(map[string]int),
		typeCounts:      make(map[string]int),
		queryTimes:      make(map[string][]time.Duration),
		refreshInterval: refreshInterval,
	}
}

// Refresh rescans every listed context through the router if the
// statistics are stale (or force is set), recomputing the frequency
// tables from scratch.
func (s *Statistics) Refresh(router *kbrouter.Router, force bool) error {
	s.mu.Lock()
	stale := force || time.Since(s.lastUpdated) >= s.refreshInterval
	s.mu.Unlock()
	if !stale {
		return nil
	}
	contextIDs, err := router.ListContexts()
	if err != nil {
		return err
	}
	predicateCounts := make(map[string]int)
	constantCounts := make(map[string]int)
	typeCounts := make(map[string]int)
	for _, id := range contextIDs {
		nodes, err := router.EnumerateContext(id)
		if err != nil {
			return err
		}
		for _, n := range nodes {
			if pred := ast.RootPredicateName(n); pred != "" {
				predicateCounts[pred]++
			}
			for _, c := range ast.ConstantArgNames(n) {
				constantCounts[c]++
			}
			typeCounts[ast.RootType(n)]++
		}
	}
	s.mu.Lock()
	s.predicateCounts = predicateCounts
	s.constantCounts = constantCounts
	s.typeCounts = typeCounts
	s.lastUpdated = time.Now()
	s.mu.Unlock()
	return nil
}

func total(counts map[string]int) int {
	n := 0
	for _, c := range counts {
		n += c
	}
	return n
}

// Selectivity returns count(name)/total for the given table; lower is more
// selective. A name absent from the table is maximally selective (0).
func (s *Statistics) selectivity(counts map[string]int, name string) float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	t := total(counts)
	if t == 0 {
		return 0
	}
	return float64(counts[name]) / float64(t)
}

func (s *Statistics) PredicateSelectivity(name string) float64 {
	return s.selectivity(s.predicateCountsSnapshot(), name)
}
func (s *Statistics) ConstantSelectivity(name string) float64 {
	return s.selectivity(s.constantCountsSnapshot(), name)
}
func (s *Statistics) TypeSelectivity(name string) float64 {
	return s.selectivity(s.typeCountsSnapshot(), name)
}

func (s *Statistics) predicateCountsSnapshot() map[string]int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.predicateCounts
}
func (s *Statistics) constantCountsSnapshot() map[string]int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.constantCounts
}
func (s *Statistics) typeCountsSnapshot() map[string]int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.typeCounts
}

// RecordQueryTime appends a duration to the ring buffer for hash, capped
// at queryTimesCap entries (oldest dropped first).
func (s *Statistics) RecordQueryTime(hash string, d time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	buf := s.queryTimes[hash]
	buf = append(buf, d)
	if len(buf) > queryTimesCap {
		buf = buf[len(buf)-queryTimesCap:]
	}
	s.queryTimes[hash] = buf
}

// AverageQueryTime returns the historical average for hash, if any.
func (s *Statistics) AverageQueryTime(hash string) (time.Duration, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	buf := s.queryTimes[hash]
	if len(buf) == 0 {
		return 0, false
	}
	var sum time.Duration
	for _, d := range buf {
		sum += d
	}
	return sum / time.Duration(len(buf)), true
}
