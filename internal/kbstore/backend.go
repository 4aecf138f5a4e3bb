// Package kbstore implements SKIC's C1 KB Backend: the primary store of
// statements per context, its secondary indices, transactions, and the
// three backend variants (in-memory, file-based, embedded relational).
package kbstore

import (
	"time"

	"skic/internal/ast"
)

// ContextInfo is the public view of a context record.
type ContextInfo struct {
	ID        string
	Parent    string
	Kind      string
	CreatedAt time.Time
}

// Backend is the contract every KB backend variant implements. All
// operations are thread-safe; mutating operations hold an exclusive lock
// over the backend's state for their duration.
type Backend interface {
	AddStatement(node ast.Node, contextID string, metadata map[string]string) (bool, error)
	RetractStatement(pattern ast.Node, contextID string) (bool, error)
	QueryMatch(pattern ast.Node, contextIDs []string, bindVars []*ast.Variable) ([]ast.Bindings, error)
	StatementExists(node ast.Node, contextIDs []string) (bool, error)

	CreateContext(id string, parent string, kind string) error
	DeleteContext(id string) error
	ListContexts() ([]string, error)
	ContextInfo(id string) (ContextInfo, bool)

	// EnumerateContext returns every statement stored in a context. It
	// exists so statistics collection never needs to fake a wildcard
	// query.
	EnumerateContext(contextID string) ([]ast.Node, error)

	BeginTransaction() error
	CommitTransaction() error
	RollbackTransaction() error

	Persist() error
	Load() error
}
