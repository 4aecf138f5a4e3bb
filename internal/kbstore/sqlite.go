package kbstore

import (
	"bytes"
	"database/sql"
	"encoding/gob"
	"encoding/json"
	"sync"
	"time"

	_ "modernc.org/sqlite"

	"skic/internal/ast"
	"skic/internal/collaborators"
	"skic/internal/obslog"
	"skic/internal/skerr"
)

// SQLiteBackend is the embedded-relational KB backend variant: two tables,
// contexts and statements, via modernc.org/sqlite (pure Go, no cgo) over
// database/sql.
type SQLiteBackend struct {
	*core
	db *sql.DB

	loadedMu sync.Mutex
	loaded   map[string]bool
}

// NewSQLiteBackend opens (creating if necessary) the database at path and
// ensures the schema exists.
func NewSQLiteBackend(unify collaborators.UnificationEngine, path string, log *obslog.Logger) (*SQLiteBackend, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, skerr.Wrap(skerr.ErrBackendIO, "open sqlite db %q: %v", path, err)
	}
	b := &SQLiteBackend{core: newCore(unify, log), db: db, loaded: make(map[string]bool)}
	if err := b.ensureSchema(); err != nil {
		return nil, err
	}
	if err := b.ensureMetadataColumn(); err != nil {
		return nil, err
	}
	return b, nil
}

func (b *SQLiteBackend) ensureSchema() error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS contexts (
			context_id TEXT PRIMARY KEY,
			parent TEXT,
			kind TEXT,
			created_at TIMESTAMP
		)`,
		`CREATE TABLE IF NOT EXISTS statements (
			auto_id INTEGER PRIMARY KEY AUTOINCREMENT,
			context_id TEXT NOT NULL,
			blob BLOB NOT NULL,
			FOREIGN KEY(context_id) REFERENCES contexts(context_id)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_statements_context ON statements(context_id)`,
	}
	for _, s := range stmts {
		if _, err := b.db.Exec(s); err != nil {
			return skerr.Wrap(skerr.ErrBackendIO, "schema setup: %v", err)
		}
	}
	return nil
}

// ensureMetadataColumn backfills a queryable metadata_json column onto the
// statements table (PRAGMA table_info column check, then a transactional
// backfill) so a database opened from an older schema upgrades in place
// rather than failing.
func (b *SQLiteBackend) ensureMetadataColumn() error {
	rows, err := b.db.Query(`PRAGMA table_info(statements)`)
	if err != nil {
		return skerr.Wrap(skerr.ErrBackendIO, "table info: %v", err)
	}
	hasColumn := false
	for rows.Next() {
		var cid int
		var name, ctype string
		var notnull, pk int
		var dflt any
		if err := rows.Scan(&cid, &name, &ctype, &notnull, &dflt, &pk); err != nil {
			rows.Close()
			return skerr.Wrap(skerr.ErrBackendIO, "scan table info: %v", err)
		}
		if name == "metadata_json" {
			hasColumn = true
		}
	}
	rows.Close()
	if hasColumn {
		return nil
	}
	if _, err := b.db.Exec(`ALTER TABLE statements ADD COLUMN metadata_json TEXT`); err != nil {
		return skerr.Wrap(skerr.ErrBackendIO, "add metadata_json column: %v", err)
	}
	return b.backfillMetadataColumn()
}

// backfillMetadataColumn populates metadata_json for every pre-existing row
// inside a single transaction, decoding each row's blob to recover the
// node's metadata map.
func (b *SQLiteBackend) backfillMetadataColumn() error {
	rows, err := b.db.Query(`SELECT auto_id, blob FROM statements WHERE metadata_json IS NULL`)
	if err != nil {
		return skerr.Wrap(skerr.ErrBackendIO, "select rows to backfill: %v", err)
	}
	type pending struct {
		id   int64
		meta []byte
	}
	var work []pending
	for rows.Next() {
		var id int64
		var blob []byte
		if err := rows.Scan(&id, &blob); err != nil {
			rows.Close()
			return skerr.Wrap(skerr.ErrBackendIO, "scan row to backfill: %v", err)
		}
		node, err := decodeNode(blob)
		if err != nil {
			b.core.log.Warn("skipping corrupt row during metadata backfill", map[string]any{"auto_id": id, "error": err.Error()})
			continue
		}
		meta, err := json.Marshal(node.Metadata())
		if err != nil {
			continue
		}
		work = append(work, pending{id: id, meta: meta})
	}
	rows.Close()
	if len(work) == 0 {
		return nil
	}
	tx, err := b.db.Begin()
	if err != nil {
		return skerr.Wrap(skerr.ErrBackendIO, "begin backfill transaction: %v", err)
	}
	for _, p := range work {
		if _, err := tx.Exec(`UPDATE statements SET metadata_json = ? WHERE auto_id = ?`, string(p.meta), p.id); err != nil {
			tx.Rollback()
			return skerr.Wrap(skerr.ErrBackendIO, "backfill row %d: %v", p.id, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return skerr.Wrap(skerr.ErrBackendIO, "commit backfill transaction: %v", err)
	}
	b.core.log.Info("backfilled metadata_json column", map[string]any{"rows": len(work)})
	return nil
}

func encodeNode(node ast.Node) ([]byte, error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(&node); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func decodeNode(blob []byte) (ast.Node, error) {
	var node ast.Node
	if err := gob.NewDecoder(bytes.NewReader(blob)).Decode(&node); err != nil {
		return nil, err
	}
	return node, nil
}

// ensureLoaded lazily pulls a context's statement rows into the in-memory
// core on first reference.
func (b *SQLiteBackend) ensureLoaded(contextID string) error {
	b.loadedMu.Lock()
	defer b.loadedMu.Unlock()
	if b.loaded[contextID] {
		return nil
	}
	rows, err := b.db.Query(`SELECT auto_id, blob FROM statements WHERE context_id = ?`, contextID)
	if err != nil {
		return skerr.Wrap(skerr.ErrBackendIO, "load statements for %q: %v", contextID, err)
	}
	defer rows.Close()
	for rows.Next() {
		var id int64
		var blob []byte
		if err := rows.Scan(&id, &blob); err != nil {
			return skerr.Wrap(skerr.ErrBackendIO, "scan statement row: %v", err)
		}
		node, err := decodeNode(blob)
		if err != nil {
			b.core.log.Warn("corrupt statement blob skipped", map[string]any{"context": contextID, "error": err.Error()})
			continue
		}
		b.core.insertRaw(contextID, uint64(id), node)
	}
	b.loaded[contextID] = true
	return nil
}

func (b *SQLiteBackend) CreateContext(id, parent, kind string) error {
	if err := b.core.CreateContext(id, parent, kind); err != nil {
		return err
	}
	_, err := b.db.Exec(`INSERT INTO contexts(context_id, parent, kind, created_at) VALUES (?, ?, ?, ?)`,
		id, parent, kind, time.Now())
	if err != nil {
		return skerr.Wrap(skerr.ErrBackendIO, "insert context %q: %v", id, err)
	}
	b.loadedMu.Lock()
	b.loaded[id] = true
	b.loadedMu.Unlock()
	return nil
}

func (b *SQLiteBackend) DeleteContext(id string) error {
	if err := b.core.DeleteContext(id); err != nil {
		return err
	}
	if _, err := b.db.Exec(`DELETE FROM statements WHERE context_id = ?`, id); err != nil {
		return skerr.Wrap(skerr.ErrBackendIO, "delete statements for %q: %v", id, err)
	}
	if _, err := b.db.Exec(`DELETE FROM contexts WHERE context_id = ?`, id); err != nil {
		return skerr.Wrap(skerr.ErrBackendIO, "delete context %q: %v", id, err)
	}
	b.loadedMu.Lock()
	delete(b.loaded, id)
	b.loadedMu.Unlock()
	return nil
}

func (b *SQLiteBackend) AddStatement(node ast.Node, contextID string, metadata map[string]string) (bool, error) {
	if err := b.ensureLoaded(contextID); err != nil {
		return false, err
	}
	ok, id, err := b.core.addStatementReturningID(node, contextID, metadata)
	if err != nil || !ok {
		return ok, err
	}
	if len(metadata) > 0 {
		node = node.WithMetadata(metadata)
	}
	blob, err := encodeNode(node)
	if err != nil {
		return true, skerr.Wrap(skerr.ErrBackendIO, "encode statement: %v", err)
	}
	if !b.core.inTransaction() {
		meta, _ := json.Marshal(node.Metadata())
		_, err = b.db.Exec(`INSERT INTO statements(auto_id, context_id, blob, metadata_json) VALUES (?, ?, ?, ?)`, id, contextID, blob, string(meta))
		if err != nil {
			return true, skerr.Wrap(skerr.ErrBackendIO, "insert statement: %v", err)
		}
	}
	return true, nil
}

func (b *SQLiteBackend) RetractStatement(pattern ast.Node, contextID string) (bool, error) {
	if err := b.ensureLoaded(contextID); err != nil {
		return false, err
	}
	removed, err := b.core.retractIDs(pattern, contextID)
	if err != nil {
		return len(removed) > 0, err
	}
	if len(removed) == 0 {
		return false, nil
	}
	if !b.core.inTransaction() {
		for _, id := range removed {
			if _, err := b.db.Exec(`DELETE FROM statements WHERE auto_id = ?`, id); err != nil {
				return true, skerr.Wrap(skerr.ErrBackendIO, "delete statement %d: %v", id, err)
			}
		}
	}
	return true, nil
}

func (b *SQLiteBackend) QueryMatch(pattern ast.Node, contextIDs []string, bindVars []*ast.Variable) ([]ast.Bindings, error) {
	for _, id := range contextIDs {
		if err := b.ensureLoaded(id); err != nil {
			return nil, err
		}
	}
	return b.core.QueryMatch(pattern, contextIDs, bindVars)
}

func (b *SQLiteBackend) StatementExists(node ast.Node, contextIDs []string) (bool, error) {
	for _, id := range contextIDs {
		if err := b.ensureLoaded(id); err != nil {
			return false, err
		}
	}
	return b.core.StatementExists(node, contextIDs)
}

func (b *SQLiteBackend) EnumerateContext(contextID string) ([]ast.Node, error) {
	if err := b.ensureLoaded(contextID); err != nil {
		return nil, err
	}
	return b.core.EnumerateContext(contextID)
}

// CommitTransaction commits the in-memory transaction and then flushes the
// full current statement set for every loaded context to the database,
// since mutations issued while a transaction was open were deliberately
// not written through row-by-row.
func (b *SQLiteBackend) CommitTransaction() error {
	if err := b.core.CommitTransaction(); err != nil {
		return err
	}
	return b.resyncAll()
}

func (b *SQLiteBackend) resyncAll() error {
	infos, stmts := b.core.snapshotContexts()
	for contextID := range infos {
		b.loadedMu.Lock()
		loaded := b.loaded[contextID]
		b.loadedMu.Unlock()
		if !loaded {
			continue
		}
		if _, err := b.db.Exec(`DELETE FROM statements WHERE context_id = ?`, contextID); err != nil {
			return skerr.Wrap(skerr.ErrBackendIO, "resync delete for %q: %v", contextID, err)
		}
		for _, node := range stmts[contextID] {
			blob, err := encodeNode(node)
			if err != nil {
				return skerr.Wrap(skerr.ErrBackendIO, "resync encode for %q: %v", contextID, err)
			}
			meta, _ := json.Marshal(node.Metadata())
			if _, err := b.db.Exec(`INSERT INTO statements(context_id, blob, metadata_json) VALUES (?, ?, ?)`, contextID, blob, string(meta)); err != nil {
				return skerr.Wrap(skerr.ErrBackendIO, "resync insert for %q: %v", contextID, err)
			}
		}
	}
	return nil
}

// Persist is a no-op beyond what write-through already guarantees: every
// mutation outside a transaction is already durable when it returns.
func (b *SQLiteBackend) Persist() error { return nil }

// Load reads the context table and marks every context as not-yet-loaded,
// so statement rows are pulled in lazily on first reference.
func (b *SQLiteBackend) Load() error {
	rows, err := b.db.Query(`SELECT context_id, parent, kind, created_at FROM contexts`)
	if err != nil {
		return skerr.Wrap(skerr.ErrBackendIO, "load contexts: %v", err)
	}
	defer rows.Close()
	b.loadedMu.Lock()
	defer b.loadedMu.Unlock()
	for rows.Next() {
		var id, parent, kind string
		var createdAt time.Time
		if err := rows.Scan(&id, &parent, &kind, &createdAt); err != nil {
			return skerr.Wrap(skerr.ErrBackendIO, "scan context row: %v", err)
		}
		b.core.ensureContextShell(id, ContextInfo{ID: id, Parent: parent, Kind: kind, CreatedAt: createdAt})
		b.loaded[id] = false
	}
	return nil
}

// Close releases the underlying database handle.
func (b *SQLiteBackend) Close() error { return b.db.Close() }

var _ Backend = (*SQLiteBackend)(nil)
