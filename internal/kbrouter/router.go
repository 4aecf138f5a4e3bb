// Package kbrouter implements SKIC's C2 KB Router: it multiplexes a
// logical KB API over one or more backends, routing per-context to the
// backend registered for that context (or a default), and fans
// transactions out across every backend in use.
package kbrouter

import (
	"sort"
	"sync"

	"skic/internal/ast"
	"skic/internal/kbstore"
	"skic/internal/obslog"
)

// Router owns a default backend plus any number of named backends and a
// context→backend-name mapping.
type Router struct {
	mu              sync.RWMutex
	defaultBackend  kbstore.Backend
	backends        map[string]kbstore.Backend
	contextToBackend map[string]string
	log             *obslog.Logger
}

// New constructs a Router with the given default backend.
func New(defaultBackend kbstore.Backend, log *obslog.Logger) *Router {
	if log == nil {
		log = obslog.Nop()
	}
	return &Router{
		defaultBackend:   defaultBackend,
		backends:         make(map[string]kbstore.Backend),
		contextToBackend: make(map[string]string),
		log:              log,
	}
}

// RegisterBackend adds a named backend the router can dispatch to.
func (r *Router) RegisterBackend(name string, b kbstore.Backend) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.backends[name] = b
}

// backendFor returns the backend registered for contextID, or the default.
func (r *Router) backendFor(contextID string) kbstore.Backend {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if name, ok := r.contextToBackend[contextID]; ok {
		if b, ok := r.backends[name]; ok {
			return b
		}
	}
	return r.defaultBackend
}

// uniqueBackends returns every distinct backend currently in use: the
// default plus every registered backend, deduplicated by identity, in a
// deterministic order (default first, then registered names sorted).
func (r *Router) uniqueBackends() []kbstore.Backend {
	r.mu.RLock()
	defer r.mu.RUnlock()
	seen := map[kbstore.Backend]bool{r.defaultBackend: true}
	out := []kbstore.Backend{r.defaultBackend}
	names := make([]string, 0, len(r.backends))
	for name := range r.backends {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		b := r.backends[name]
		if !seen[b] {
			seen[b] = true
			out = append(out, b)
		}
	}
	return out
}

func (r *Router) AddStatement(node ast.Node, contextID string, metadata map[string]string) (bool, error) {
	return r.backendFor(contextID).AddStatement(node, contextID, metadata)
}

func (r *Router) RetractStatement(pattern ast.Node, contextID string) (bool, error) {
	return r.backendFor(contextID).RetractStatement(pattern, contextID)
}

// groupByBackend partitions contextIDs by the backend that serves them,
// preserving the relative order contexts were first seen in.
func (r *Router) groupByBackend(contextIDs []string) ([]kbstore.Backend, map[kbstore.Backend][]string) {
	order := make([]kbstore.Backend, 0)
	groups := make(map[kbstore.Backend][]string)
	for _, id := range contextIDs {
		b := r.backendFor(id)
		if _, ok := groups[b]; !ok {
			order = append(order, b)
		}
		groups[b] = append(groups[b], id)
	}
	return order, groups
}

// QueryMatch groups contexts by backend and queries each backend once over
// its subset, concatenating results in context-list order.
func (r *Router) QueryMatch(pattern ast.Node, contextIDs []string, bindVars []*ast.Variable) ([]ast.Bindings, error) {
	order, groups := r.groupByBackend(contextIDs)
	var results []ast.Bindings
	for _, b := range order {
		res, err := b.QueryMatch(pattern, groups[b], bindVars)
		if err != nil {
			return nil, err
		}
		results = append(results, res...)
	}
	return results, nil
}

func (r *Router) StatementExists(node ast.Node, contextIDs []string) (bool, error) {
	order, groups := r.groupByBackend(contextIDs)
	for _, b := range order {
		exists, err := b.StatementExists(node, groups[b])
		if err != nil {
			return false, err
		}
		if exists {
			return true, nil
		}
	}
	return false, nil
}

// CreateContext registers the backend mapping first if backendName is
// given; else inherits the parent's backend if the parent exists; else
// uses the default. It then delegates context creation to that backend.
func (r *Router) CreateContext(id, parent, kind, backendName string) error {
	r.mu.Lock()
	target := r.defaultBackend
	if backendName != "" {
		if b, ok := r.backends[backendName]; ok {
			target = b
			r.contextToBackend[id] = backendName
		}
	} else if parent != "" {
		if parentBackendName, ok := r.contextToBackend[parent]; ok {
			if b, ok := r.backends[parentBackendName]; ok {
				target = b
				r.contextToBackend[id] = parentBackendName
			}
		}
	}
	r.mu.Unlock()
	return target.CreateContext(id, parent, kind)
}

func (r *Router) DeleteContext(id string) error {
	if err := r.backendFor(id).DeleteContext(id); err != nil {
		return err
	}
	r.mu.Lock()
	delete(r.contextToBackend, id)
	r.mu.Unlock()
	return nil
}

// ListContexts merges the context lists of every backend in use.
func (r *Router) ListContexts() ([]string, error) {
	var all []string
	for _, b := range r.uniqueBackends() {
		ids, err := b.ListContexts()
		if err != nil {
			return nil, err
		}
		all = append(all, ids...)
	}
	sort.Strings(all)
	return all, nil
}

func (r *Router) EnumerateContext(contextID string) ([]ast.Node, error) {
	return r.backendFor(contextID).EnumerateContext(contextID)
}

// BeginTransaction broadcasts to the unique backend set in deterministic
// order. A failure in any backend is recorded but does not abort the
// broadcast.
func (r *Router) BeginTransaction() []error {
	var errs []error
	for _, b := range r.uniqueBackends() {
		if err := b.BeginTransaction(); err != nil {
			errs = append(errs, err)
		}
	}
	return errs
}

func (r *Router) CommitTransaction() []error {
	var errs []error
	for _, b := range r.uniqueBackends() {
		if err := b.CommitTransaction(); err != nil {
			errs = append(errs, err)
		}
	}
	return errs
}

func (r *Router) RollbackTransaction() []error {
	var errs []error
	for _, b := range r.uniqueBackends() {
		if err := b.RollbackTransaction(); err != nil {
			errs = append(errs, err)
		}
	}
	return errs
}

// PersistAll persists every unique backend, used by the manager's
// shutdown sequence.
func (r *Router) PersistAll() []error {
	var errs []error
	for _, b := range r.uniqueBackends() {
		if err := b.Persist(); err != nil {
			errs = append(errs, err)
		}
	}
	return errs
}
