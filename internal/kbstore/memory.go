package kbstore

import (
	"skic/internal/collaborators"
	"skic/internal/obslog"
)

// MemoryBackend is the in-memory KB backend variant: Persist and Load are
// no-ops that always succeed.
type MemoryBackend struct {
	*core
}

// NewMemoryBackend constructs an empty in-memory backend. Callers create
// whatever root context they need explicitly via CreateContext.
func NewMemoryBackend(unify collaborators.UnificationEngine, log *obslog.Logger) *MemoryBackend {
	b := &MemoryBackend{core: newCore(unify, log)}
	return b
}

func (b *MemoryBackend) Persist() error { return nil }
func (b *MemoryBackend) Load() error    { return nil }

var _ Backend = (*MemoryBackend)(nil)
