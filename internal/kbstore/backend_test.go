package kbstore

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"skic/internal/ast"
	"skic/internal/collaborators"
	"skic/internal/skerr"
)

// backendFactories lets the contract tests below run identically against
// every Backend variant the package ships.
func backendFactories(t *testing.T) map[string]func() Backend {
	return map[string]func() Backend{
		"memory": func() Backend {
			return NewMemoryBackend(collaborators.NewMockUnificationEngine(), nil)
		},
		"file": func() Backend {
			return NewFileBackend(collaborators.NewMockUnificationEngine(), t.TempDir(), false, nil)
		},
	}
}

func likes(a, b string) ast.Node {
	return ast.NewApplication(
		ast.NewConstant("likes", "Relation"),
		[]ast.Node{ast.NewConstant(a, "Entity"), ast.NewConstant(b, "Entity")},
		"Prop",
	)
}

func TestBackend_AddStatementIsIdempotent(t *testing.T) {
	for name, factory := range backendFactories(t) {
		t.Run(name, func(t *testing.T) {
			b := factory()
			require.NoError(t, b.CreateContext("ctx", "", "default"))

			added, err := b.AddStatement(likes("alice", "bob"), "ctx", nil)
			require.NoError(t, err)
			assert.True(t, added)

			added, err = b.AddStatement(likes("alice", "bob"), "ctx", nil)
			require.NoError(t, err)
			assert.False(t, added, "duplicate statement must not be added twice")
		})
	}
}

func TestBackend_AddStatementUnknownContext(t *testing.T) {
	for name, factory := range backendFactories(t) {
		t.Run(name, func(t *testing.T) {
			b := factory()
			_, err := b.AddStatement(likes("alice", "bob"), "nope", nil)
			assert.ErrorIs(t, err, skerr.ErrUnknownContext)
		})
	}
}

func TestBackend_QueryMatchByPredicate(t *testing.T) {
	for name, factory := range backendFactories(t) {
		t.Run(name, func(t *testing.T) {
			b := factory()
			require.NoError(t, b.CreateContext("ctx", "", "default"))
			_, err := b.AddStatement(likes("alice", "bob"), "ctx", nil)
			require.NoError(t, err)
			_, err = b.AddStatement(likes("alice", "carol"), "ctx", nil)
			require.NoError(t, err)

			x := ast.NewVariable("X", 1, "Entity")
			pattern := ast.NewApplication(
				ast.NewConstant("likes", "Relation"),
				[]ast.Node{ast.NewConstant("alice", "Entity"), x},
				"Prop",
			)
			results, err := b.QueryMatch(pattern, []string{"ctx"}, []*ast.Variable{x})
			require.NoError(t, err)
			assert.Len(t, results, 2)
		})
	}
}

func TestBackend_RetractStatementRemovesMatches(t *testing.T) {
	for name, factory := range backendFactories(t) {
		t.Run(name, func(t *testing.T) {
			b := factory()
			require.NoError(t, b.CreateContext("ctx", "", "default"))
			_, err := b.AddStatement(likes("alice", "bob"), "ctx", nil)
			require.NoError(t, err)

			removed, err := b.RetractStatement(likes("alice", "bob"), "ctx")
			require.NoError(t, err)
			assert.True(t, removed)

			exists, err := b.StatementExists(likes("alice", "bob"), []string{"ctx"})
			require.NoError(t, err)
			assert.False(t, exists)
		})
	}
}

func TestBackend_DeleteContextWithChildrenFails(t *testing.T) {
	for name, factory := range backendFactories(t) {
		t.Run(name, func(t *testing.T) {
			b := factory()
			require.NoError(t, b.CreateContext("parent", "", "default"))
			require.NoError(t, b.CreateContext("child", "parent", "default"))

			err := b.DeleteContext("parent")
			assert.ErrorIs(t, err, skerr.ErrContextHasChildren)

			require.NoError(t, b.DeleteContext("child"))
			assert.NoError(t, b.DeleteContext("parent"))
		})
	}
}

func TestBackend_CreateContextDuplicateFails(t *testing.T) {
	for name, factory := range backendFactories(t) {
		t.Run(name, func(t *testing.T) {
			b := factory()
			require.NoError(t, b.CreateContext("ctx", "", "default"))
			err := b.CreateContext("ctx", "", "default")
			assert.ErrorIs(t, err, skerr.ErrContextExists)
		})
	}
}

func TestBackend_TransactionRollbackRestoresState(t *testing.T) {
	for name, factory := range backendFactories(t) {
		t.Run(name, func(t *testing.T) {
			b := factory()
			require.NoError(t, b.CreateContext("ctx", "", "default"))
			_, err := b.AddStatement(likes("alice", "bob"), "ctx", nil)
			require.NoError(t, err)

			require.NoError(t, b.BeginTransaction())
			_, err = b.AddStatement(likes("alice", "carol"), "ctx", nil)
			require.NoError(t, err)
			require.NoError(t, b.RollbackTransaction())

			exists, err := b.StatementExists(likes("alice", "carol"), []string{"ctx"})
			require.NoError(t, err)
			assert.False(t, exists, "rolled-back statement must not exist")

			exists, err = b.StatementExists(likes("alice", "bob"), []string{"ctx"})
			require.NoError(t, err)
			assert.True(t, exists, "pre-transaction statement must survive rollback")
		})
	}
}

func TestBackend_TransactionCommitKeepsChanges(t *testing.T) {
	for name, factory := range backendFactories(t) {
		t.Run(name, func(t *testing.T) {
			b := factory()
			require.NoError(t, b.CreateContext("ctx", "", "default"))

			require.NoError(t, b.BeginTransaction())
			_, err := b.AddStatement(likes("alice", "bob"), "ctx", nil)
			require.NoError(t, err)
			require.NoError(t, b.CommitTransaction())

			exists, err := b.StatementExists(likes("alice", "bob"), []string{"ctx"})
			require.NoError(t, err)
			assert.True(t, exists)
		})
	}
}

func TestBackend_BeginTransactionTwiceFails(t *testing.T) {
	for name, factory := range backendFactories(t) {
		t.Run(name, func(t *testing.T) {
			b := factory()
			require.NoError(t, b.BeginTransaction())
			err := b.BeginTransaction()
			assert.ErrorIs(t, err, skerr.ErrTransactionInProgress)
			require.NoError(t, b.RollbackTransaction())
		})
	}
}

func TestBackend_CommitWithoutTransactionFails(t *testing.T) {
	for name, factory := range backendFactories(t) {
		t.Run(name, func(t *testing.T) {
			b := factory()
			err := b.CommitTransaction()
			assert.ErrorIs(t, err, skerr.ErrNoTransaction)
		})
	}
}

func TestBackend_EnumerateContextReturnsAllStatements(t *testing.T) {
	for name, factory := range backendFactories(t) {
		t.Run(name, func(t *testing.T) {
			b := factory()
			require.NoError(t, b.CreateContext("ctx", "", "default"))
			_, err := b.AddStatement(likes("alice", "bob"), "ctx", nil)
			require.NoError(t, err)
			_, err = b.AddStatement(likes("alice", "carol"), "ctx", nil)
			require.NoError(t, err)

			stmts, err := b.EnumerateContext("ctx")
			require.NoError(t, err)
			assert.Len(t, stmts, 2)
		})
	}
}
