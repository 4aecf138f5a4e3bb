package kbstore

import (
	"bytes"
	"encoding/gob"
	"encoding/json"
	"os"
	"path/filepath"
	"time"

	"skic/internal/ast"
	"skic/internal/collaborators"
	"skic/internal/obslog"
	"skic/internal/skerr"
)

func init() {
	gob.Register(&ast.Constant{})
	gob.Register(&ast.Variable{})
	gob.Register(&ast.Application{})
	gob.Register(&ast.Connective{})
	gob.Register(&ast.Quantifier{})
}

// fileContextRecord is the JSON shape of one entry in contexts.json.
type fileContextRecord struct {
	Parent    string    `json:"parent"`
	Kind      string    `json:"kind"`
	CreatedAt time.Time `json:"created_at"`
}

// FileBackend is the file-based KB backend variant. Contexts are
// serialised as JSON in a single file; each context's statement set is a
// gob-encoded blob in its own per-context file.
type FileBackend struct {
	*core
	storageDir  string
	autoPersist bool
}

// NewFileBackend constructs a file-based backend rooted at storageDir.
// When autoPersist is false, mutations stay in memory until an explicit
// Persist call.
func NewFileBackend(unify collaborators.UnificationEngine, storageDir string, autoPersist bool, log *obslog.Logger) *FileBackend {
	return &FileBackend{core: newCore(unify, log), storageDir: storageDir, autoPersist: autoPersist}
}

func (b *FileBackend) maybeAutoPersist() {
	if b.autoPersist && !b.core.inTransaction() {
		if err := b.Persist(); err != nil {
			b.core.log.Warn("auto-persist failed", map[string]any{"error": err.Error()})
		}
	}
}

func (b *FileBackend) AddStatement(node ast.Node, contextID string, metadata map[string]string) (bool, error) {
	ok, err := b.core.AddStatement(node, contextID, metadata)
	if ok {
		b.maybeAutoPersist()
	}
	return ok, err
}

func (b *FileBackend) RetractStatement(pattern ast.Node, contextID string) (bool, error) {
	ok, err := b.core.RetractStatement(pattern, contextID)
	if ok {
		b.maybeAutoPersist()
	}
	return ok, err
}

func (b *FileBackend) CreateContext(id, parent, kind string) error {
	err := b.core.CreateContext(id, parent, kind)
	if err == nil {
		b.maybeAutoPersist()
	}
	return err
}

func (b *FileBackend) DeleteContext(id string) error {
	err := b.core.DeleteContext(id)
	if err == nil {
		b.maybeAutoPersist()
	}
	return err
}

func (b *FileBackend) CommitTransaction() error {
	if err := b.core.CommitTransaction(); err != nil {
		return err
	}
	if b.autoPersist {
		return b.Persist()
	}
	return nil
}

// Persist durably flushes all contexts and statements accepted so far. It
// is idempotent: re-running it with no intervening mutation leaves the
// same contexts and statements on disk.
func (b *FileBackend) Persist() error {
	if b.storageDir == "" {
		return nil
	}
	if err := os.MkdirAll(filepath.Join(b.storageDir, "contexts"), 0o755); err != nil {
		return skerr.Wrap(skerr.ErrBackendIO, "mkdir storage dir: %v", err)
	}
	infos, stmts := b.core.snapshotContexts()
	records := make(map[string]fileContextRecord, len(infos))
	for id, info := range infos {
		records[id] = fileContextRecord{Parent: info.Parent, Kind: info.Kind, CreatedAt: info.CreatedAt}
	}
	data, err := json.MarshalIndent(records, "", "  ")
	if err != nil {
		return skerr.Wrap(skerr.ErrBackendIO, "marshal contexts: %v", err)
	}
	if err := os.WriteFile(filepath.Join(b.storageDir, "contexts.json"), data, 0o644); err != nil {
		return skerr.Wrap(skerr.ErrBackendIO, "write contexts.json: %v", err)
	}
	for id, nodes := range stmts {
		dir := filepath.Join(b.storageDir, "contexts", id)
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return skerr.Wrap(skerr.ErrBackendIO, "mkdir context dir %q: %v", id, err)
		}
		var buf bytes.Buffer
		wrapped := make([]ast.Node, len(nodes))
		copy(wrapped, nodes)
		if err := gob.NewEncoder(&buf).Encode(&wrapped); err != nil {
			return skerr.Wrap(skerr.ErrBackendIO, "encode statements for %q: %v", id, err)
		}
		if err := os.WriteFile(filepath.Join(dir, "statements.gob"), buf.Bytes(), 0o644); err != nil {
			return skerr.Wrap(skerr.ErrBackendIO, "write statements for %q: %v", id, err)
		}
	}
	return nil
}

// Load restores state from durable storage, rebuilding indices from the
// primary set. A missing storage root is treated as an empty backend, and
// a missing per-context blob as an empty context.
func (b *FileBackend) Load() error {
	if b.storageDir == "" {
		return nil
	}
	path := filepath.Join(b.storageDir, "contexts.json")
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		b.core.log.Warn("failed to read contexts.json", map[string]any{"error": err.Error()})
		return nil
	}
	var records map[string]fileContextRecord
	if err := json.Unmarshal(data, &records); err != nil {
		b.core.log.Warn("corrupt contexts.json, treating as empty", map[string]any{"error": err.Error()})
		return nil
	}
	infos := make(map[string]ContextInfo, len(records))
	stmts := make(map[string][]ast.Node, len(records))
	for id, rec := range records {
		infos[id] = ContextInfo{ID: id, Parent: rec.Parent, Kind: rec.Kind, CreatedAt: rec.CreatedAt}
		blobPath := filepath.Join(b.storageDir, "contexts", id, "statements.gob")
		blob, err := os.ReadFile(blobPath)
		if os.IsNotExist(err) {
			stmts[id] = nil
			continue
		}
		if err != nil {
			b.core.log.Warn("failed to read statements blob", map[string]any{"context": id, "error": err.Error()})
			stmts[id] = nil
			continue
		}
		var nodes []ast.Node
		if err := gob.NewDecoder(bytes.NewReader(blob)).Decode(&nodes); err != nil {
			b.core.log.Warn("corrupt statements blob, treating as empty", map[string]any{"context": id, "error": err.Error()})
			stmts[id] = nil
			continue
		}
		stmts[id] = nodes
	}
	b.core.restore(infos, stmts)
	return nil
}

var _ Backend = (*FileBackend)(nil)
