package kbstore

import (
	"sort"
	"sync"
	"time"

	"skic/internal/ast"
	"skic/internal/collaborators"
	"skic/internal/obslog"
	"skic/internal/skerr"
)

type contextState struct {
	info           ContextInfo
	nextID         uint64
	statements     map[uint64]ast.Node
	predicateIndex map[string]map[uint64]bool
	constantIndex  map[string]map[uint64]bool
	typeIndex      map[string]map[uint64]bool
}

func newContextState(info ContextInfo) *contextState {
	return &contextState{
		info:           info,
		statements:     make(map[uint64]ast.Node),
		predicateIndex: make(map[string]map[uint64]bool),
		constantIndex:  make(map[string]map[uint64]bool),
		typeIndex:      make(map[string]map[uint64]bool),
	}
}

func (cs *contextState) clone() *contextState {
	cp := newContextState(cs.info)
	cp.nextID = cs.nextID
	for id, n := range cs.statements {
		cp.statements[id] = n
	}
	for k, set := range cs.predicateIndex {
		cp.predicateIndex[k] = cloneSet(set)
	}
	for k, set := range cs.constantIndex {
		cp.constantIndex[k] = cloneSet(set)
	}
	for k, set := range cs.typeIndex {
		cp.typeIndex[k] = cloneSet(set)
	}
	return cp
}

func cloneSet(s map[uint64]bool) map[uint64]bool {
	cp := make(map[uint64]bool, len(s))
	for k, v := range s {
		cp[k] = v
	}
	return cp
}

func (cs *contextState) index(id uint64, node ast.Node) {
	if pred := ast.RootPredicateName(node); pred != "" {
		addToSet(cs.predicateIndex, pred, id)
	}
	for _, name := range ast.ConstantArgNames(node) {
		addToSet(cs.constantIndex, name, id)
	}
	addToSet(cs.typeIndex, ast.RootType(node), id)
}

func (cs *contextState) unindex(id uint64, node ast.Node) {
	if pred := ast.RootPredicateName(node); pred != "" {
		removeFromSet(cs.predicateIndex, pred, id)
	}
	for _, name := range ast.ConstantArgNames(node) {
		removeFromSet(cs.constantIndex, name, id)
	}
	removeFromSet(cs.typeIndex, ast.RootType(node), id)
}

func addToSet(idx map[string]map[uint64]bool, key string, id uint64) {
	set, ok := idx[key]
	if !ok {
		set = make(map[uint64]bool)
		idx[key] = set
	}
	set[id] = true
}

func removeFromSet(idx map[string]map[uint64]bool, key string, id uint64) {
	if set, ok := idx[key]; ok {
		delete(set, id)
		if len(set) == 0 {
			delete(idx, key)
		}
	}
}

// candidates selects the candidate statement id set for pattern:
// predicate index, else type index, else the full context. The predicate
// index is the tightest safe filter; the type index is a coarser
// fallback; a full scan is the correctness-preserving last resort.
func (cs *contextState) candidates(pattern ast.Node) map[uint64]bool {
	if app, ok := pattern.(*ast.Application); ok {
		if pred := app.PredicateName(); pred != "" {
			if set, ok := cs.predicateIndex[pred]; ok {
				return set
			}
			return nil
		}
	}
	if set, ok := cs.typeIndex[ast.RootType(pattern)]; ok {
		return set
	}
	full := make(map[uint64]bool, len(cs.statements))
	for id := range cs.statements {
		full[id] = true
	}
	return full
}

// core is the shared in-memory engine used by both the in-memory and
// file-based backend variants: same primary sets, indices, and
// transaction snapshotting, differing only in durability.
type core struct {
	mu         sync.RWMutex
	contexts   map[string]*contextState
	unify      collaborators.UnificationEngine
	log        *obslog.Logger
	inTx       bool
	snapshot   map[string]*contextState
}

func newCore(unify collaborators.UnificationEngine, log *obslog.Logger) *core {
	if log == nil {
		log = obslog.Nop()
	}
	return &core{contexts: make(map[string]*contextState), unify: unify, log: log}
}

func (c *core) CreateContext(id, parent, kind string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.contexts[id]; ok {
		return skerr.Wrap(skerr.ErrContextExists, "context %q", id)
	}
	if parent != "" {
		if _, ok := c.contexts[parent]; !ok {
			return skerr.Wrap(skerr.ErrUnknownContext, "parent context %q", parent)
		}
	}
	c.contexts[id] = newContextState(ContextInfo{ID: id, Parent: parent, Kind: kind, CreatedAt: time.Now()})
	c.log.Info("context created", map[string]any{"context": id, "parent": parent})
	return nil
}

func (c *core) DeleteContext(id string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.contexts[id]; !ok {
		return skerr.Wrap(skerr.ErrUnknownContext, "context %q", id)
	}
	for _, cs := range c.contexts {
		if cs.info.Parent == id {
			return skerr.Wrap(skerr.ErrContextHasChildren, "context %q", id)
		}
	}
	delete(c.contexts, id)
	return nil
}

func (c *core) ListContexts() ([]string, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	ids := make([]string, 0, len(c.contexts))
	for id := range c.contexts {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids, nil
}

func (c *core) ContextInfo(id string) (ContextInfo, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	cs, ok := c.contexts[id]
	if !ok {
		return ContextInfo{}, false
	}
	return cs.info, true
}

func (c *core) AddStatement(node ast.Node, contextID string, metadata map[string]string) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	cs, ok := c.contexts[contextID]
	if !ok {
		return false, skerr.Wrap(skerr.ErrUnknownContext, "context %q", contextID)
	}
	if len(metadata) > 0 {
		node = node.WithMetadata(metadata)
	}
	for _, existing := range cs.statements {
		if existing.Equal(node) {
			return false, nil
		}
	}
	id := cs.nextID
	cs.nextID++
	cs.statements[id] = node
	cs.index(id, node)
	return true, nil
}

// addStatementReturningID behaves like AddStatement but also reports the
// internal id assigned to the new statement, for backends (the relational
// variant) that need to correlate it with a durable row id.
func (c *core) addStatementReturningID(node ast.Node, contextID string, metadata map[string]string) (bool, uint64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	cs, ok := c.contexts[contextID]
	if !ok {
		return false, 0, skerr.Wrap(skerr.ErrUnknownContext, "context %q", contextID)
	}
	if len(metadata) > 0 {
		node = node.WithMetadata(metadata)
	}
	for _, existing := range cs.statements {
		if existing.Equal(node) {
			return false, 0, nil
		}
	}
	id := cs.nextID
	cs.nextID++
	cs.statements[id] = node
	cs.index(id, node)
	return true, id, nil
}

// insertRaw inserts a statement under a caller-chosen id, used when
// rebuilding in-memory state from a durable row id (relational backend).
func (c *core) insertRaw(contextID string, id uint64, node ast.Node) {
	c.mu.Lock()
	defer c.mu.Unlock()
	cs, ok := c.contexts[contextID]
	if !ok {
		return
	}
	cs.statements[id] = node
	cs.index(id, node)
	if id >= cs.nextID {
		cs.nextID = id + 1
	}
}

// retractIDs behaves like RetractStatement but also returns the ids that
// were removed, so a backend with a durable row per statement can delete
// the matching rows.
func (c *core) retractIDs(pattern ast.Node, contextID string) ([]uint64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	cs, ok := c.contexts[contextID]
	if !ok {
		return nil, skerr.Wrap(skerr.ErrUnknownContext, "context %q", contextID)
	}
	var removed []uint64
	for id := range cs.candidates(pattern) {
		node := cs.statements[id]
		bindings, err := c.unify.Unify(pattern, node)
		if err != nil {
			return removed, err
		}
		if bindings == nil {
			continue
		}
		delete(cs.statements, id)
		cs.unindex(id, node)
		removed = append(removed, id)
	}
	return removed, nil
}

// ensureContextShell registers a context's metadata in-memory without
// any statements, for backends that load statement blobs lazily.
func (c *core) ensureContextShell(id string, info ContextInfo) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.contexts[id]; ok {
		return
	}
	c.contexts[id] = newContextState(info)
}

func (c *core) RetractStatement(pattern ast.Node, contextID string) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	cs, ok := c.contexts[contextID]
	if !ok {
		return false, skerr.Wrap(skerr.ErrUnknownContext, "context %q", contextID)
	}
	removedAny := false
	for id := range cs.candidates(pattern) {
		node := cs.statements[id]
		bindings, err := c.unify.Unify(pattern, node)
		if err != nil {
			return removedAny, err
		}
		if bindings == nil {
			continue
		}
		delete(cs.statements, id)
		cs.unindex(id, node)
		removedAny = true
	}
	return removedAny, nil
}

func (c *core) QueryMatch(pattern ast.Node, contextIDs []string, bindVars []*ast.Variable) ([]ast.Bindings, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	var results []ast.Bindings
	for _, contextID := range contextIDs {
		cs, ok := c.contexts[contextID]
		if !ok {
			return nil, skerr.Wrap(skerr.ErrUnknownContext, "context %q", contextID)
		}
		ids := make([]uint64, 0)
		for id := range cs.candidates(pattern) {
			ids = append(ids, id)
		}
		sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
		for _, id := range ids {
			node := cs.statements[id]
			bindings, err := c.unify.Unify(pattern, node)
			if err != nil {
				return nil, err
			}
			if bindings == nil {
				continue
			}
			results = append(results, restrict(bindings, bindVars))
		}
	}
	return results, nil
}

func restrict(b ast.Bindings, vars []*ast.Variable) ast.Bindings {
	if len(vars) == 0 {
		return b.Clone()
	}
	out := make(ast.Bindings, len(vars))
	for _, v := range vars {
		if val, ok := b[v.ID]; ok {
			out[v.ID] = val
		}
	}
	return out
}

func (c *core) StatementExists(node ast.Node, contextIDs []string) (bool, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	for _, contextID := range contextIDs {
		cs, ok := c.contexts[contextID]
		if !ok {
			return false, skerr.Wrap(skerr.ErrUnknownContext, "context %q", contextID)
		}
		for id := range cs.candidates(node) {
			bindings, err := c.unify.Unify(node, cs.statements[id])
			if err != nil {
				return false, err
			}
			if bindings != nil {
				return true, nil
			}
		}
	}
	return false, nil
}

func (c *core) EnumerateContext(contextID string) ([]ast.Node, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	cs, ok := c.contexts[contextID]
	if !ok {
		return nil, skerr.Wrap(skerr.ErrUnknownContext, "context %q", contextID)
	}
	ids := make([]uint64, 0, len(cs.statements))
	for id := range cs.statements {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	out := make([]ast.Node, len(ids))
	for i, id := range ids {
		out[i] = cs.statements[id]
	}
	return out, nil
}

func (c *core) BeginTransaction() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.inTx {
		return skerr.ErrTransactionInProgress
	}
	snap := make(map[string]*contextState, len(c.contexts))
	for id, cs := range c.contexts {
		snap[id] = cs.clone()
	}
	c.snapshot = snap
	c.inTx = true
	return nil
}

func (c *core) CommitTransaction() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.inTx {
		return skerr.ErrNoTransaction
	}
	c.snapshot = nil
	c.inTx = false
	return nil
}

func (c *core) RollbackTransaction() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.inTx {
		return skerr.ErrNoTransaction
	}
	c.contexts = c.snapshot
	c.snapshot = nil
	c.inTx = false
	return nil
}

func (c *core) inTransaction() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.inTx
}

// snapshotContexts returns the statement set and context table needed by a
// Persist implementation, without exposing internal index structures.
func (c *core) snapshotContexts() (map[string]ContextInfo, map[string][]ast.Node) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	infos := make(map[string]ContextInfo, len(c.contexts))
	stmts := make(map[string][]ast.Node, len(c.contexts))
	for id, cs := range c.contexts {
		infos[id] = cs.info
		ids := make([]uint64, 0, len(cs.statements))
		for sid := range cs.statements {
			ids = append(ids, sid)
		}
		sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
		list := make([]ast.Node, len(ids))
		for i, sid := range ids {
			list[i] = cs.statements[sid]
		}
		stmts[id] = list
	}
	return infos, stmts
}

// restore rebuilds context state (and indices) from a loaded snapshot,
// used by Load implementations.
func (c *core) restore(infos map[string]ContextInfo, stmts map[string][]ast.Node) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.contexts = make(map[string]*contextState, len(infos))
	for id, info := range infos {
		cs := newContextState(info)
		for _, node := range stmts[id] {
			sid := cs.nextID
			cs.nextID++
			cs.statements[sid] = node
			cs.index(sid, node)
		}
		c.contexts[id] = cs
	}
}
