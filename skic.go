// Package skic is the public entry point to the Scalable Knowledge &
// Inference Core: a ScalabilityManager façade wiring the cache, knowledge
// backends, router, query optimiser, rule compiler, and parallel inference
// manager into a single cohesive client surface.
package skic

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"go.uber.org/zap"

	"skic/internal/ast"
	"skic/internal/cache"
	"skic/internal/collaborators"
	"skic/internal/inference"
	"skic/internal/kbrouter"
	"skic/internal/kbstore"
	"skic/internal/obslog"
	"skic/internal/queryopt"
	"skic/internal/rulecompiler"
	"skic/internal/skerr"
)

// StorageBackendType selects which kbstore.Backend implementation a context
// is served by.
type StorageBackendType int

const (
	InMemory StorageBackendType = iota
	FileBased
	SQLite
)

// Config enumerates the recognised options for a Manager and what they
// select: the storage backend variant, feature flags, worker-pool sizing,
// cache policy, and diagnostic logging.
type Config struct {
	StorageBackendType StorageBackendType
	StorageDir         string
	DBPath             string
	AutoPersist        bool

	EnableQueryOptimisation bool
	EnableRuleCompilation   bool

	MaxInferenceWorkers int
	InferenceStrategy   inference.Strategy

	MaxCacheSize        int
	CacheEvictionPolicy cache.EvictionPolicy
	CacheTTL            time.Duration

	LogDir   string
	DebugLog bool
}

// DefaultConfig returns the stock configuration: file-based storage under
// ./data, auto-persist on, optimisation and rule compilation both on, 4
// priority-dispatch inference workers, a 10000-entry LRU cache with a 1h
// TTL.
func DefaultConfig() Config {
	return Config{
		StorageBackendType:      FileBased,
		StorageDir:              "./data/kb_storage",
		DBPath:                  "./data/kb.db",
		AutoPersist:             true,
		EnableQueryOptimisation: true,
		EnableRuleCompilation:   true,
		MaxInferenceWorkers:     4,
		InferenceStrategy:       inference.PriorityBased,
		MaxCacheSize:            10000,
		CacheEvictionPolicy:     cache.LRU,
		CacheTTL:                time.Hour,
		LogDir:                  "./data/logs",
		DebugLog:                false,
	}
}

// Option configures concerns that sit outside the Config record: the zap
// logger and the unification/type/prover collaborators a real deployment
// supplies.
type Option func(*options)

type options struct {
	logger   *zap.Logger
	unify    collaborators.UnificationEngine
	types    collaborators.TypeSystem
	prover   collaborators.Prover
}

// WithLogger sets the façade-level structured logger. Defaults to
// zap.NewNop().
func WithLogger(l *zap.Logger) Option {
	return func(o *options) { o.logger = l }
}

// WithUnificationEngine supplies the pattern-matching collaborator.
// Defaults to collaborators.NewMockUnificationEngine().
func WithUnificationEngine(u collaborators.UnificationEngine) Option {
	return func(o *options) { o.unify = u }
}

// WithTypeSystem supplies the type collaborator. Defaults to
// collaborators.NewMockTypeSystem().
func WithTypeSystem(t collaborators.TypeSystem) Option {
	return func(o *options) { o.types = t }
}

// WithProver supplies the proof collaborator driving the inference
// manager. Defaults to collaborators.NewMockProver().
func WithProver(p collaborators.Prover) Option {
	return func(o *options) { o.prover = p }
}

// Manager is the ScalabilityManager façade: the single client-facing
// object a caller constructs and drives.
type Manager struct {
	cfg Config
	log *zap.Logger

	cache    *cache.Store
	memoizer *cache.Memoizer
	timeInv  *cache.TimeBasedInvalidation
	depInv   *cache.DependencyBasedInvalidation

	router   *kbrouter.Router
	backends []kbstore.Backend

	stats     *queryopt.Statistics
	optimiser *queryopt.Optimiser

	compiler *rulecompiler.Compiler
	infer    *inference.Manager

	types collaborators.TypeSystem

	obs *obslog.Logger
}

// New constructs a Manager, wiring components in dependency order: the
// storage backend, then the router atop it, then the cache, then the
// optimiser and rule compiler atop the router, then the parallel
// inference manager atop the prover collaborator.
func New(cfg Config, opts ...Option) (*Manager, error) {
	o := &options{}
	for _, opt := range opts {
		opt(o)
	}
	if o.logger == nil {
		o.logger = zap.NewNop()
	}
	if o.unify == nil {
		o.unify = collaborators.NewMockUnificationEngine()
	}
	if o.prover == nil {
		o.prover = collaborators.NewMockProver()
	}
	if o.types == nil {
		o.types = collaborators.NewMockTypeSystem()
	}

	obs := obslog.New(obslog.CategoryManager, cfg.LogDir, cfg.DebugLog)

	backend, err := newBackend(cfg, o.unify, obs)
	if err != nil {
		return nil, err
	}

	router := kbrouter.New(backend, obslog.New(obslog.CategoryRouter, cfg.LogDir, cfg.DebugLog))

	store := cache.NewStore(cfg.MaxCacheSize, cfg.CacheEvictionPolicy, cfg.CacheTTL)
	memoizer := cache.NewMemoizer(store, cfg.CacheTTL)

	stats := queryopt.NewStatistics(30 * time.Second)
	var optimiser *queryopt.Optimiser
	if cfg.EnableQueryOptimisation {
		optimiser = queryopt.New(router, stats, obslog.New(obslog.CategoryOptimiser, cfg.LogDir, cfg.DebugLog))
	}

	var compiler *rulecompiler.Compiler
	if cfg.EnableRuleCompilation {
		compiler = rulecompiler.New(router, obslog.New(obslog.CategoryRuleCompiler, cfg.LogDir, cfg.DebugLog))
	}

	workers := cfg.MaxInferenceWorkers
	if workers <= 0 {
		workers = 1
	}
	infer := inference.New(workers, cfg.InferenceStrategy, o.prover, obslog.New(obslog.CategoryInference, cfg.LogDir, cfg.DebugLog))

	m := &Manager{
		cfg:       cfg,
		log:       o.logger,
		cache:     store,
		memoizer:  memoizer,
		timeInv:   cache.NewTimeBasedInvalidation(store),
		depInv:    cache.NewDependencyBasedInvalidation(store, true),
		router:    router,
		backends:  []kbstore.Backend{backend},
		stats:     stats,
		optimiser: optimiser,
		compiler:  compiler,
		infer:     infer,
		types:     o.types,
		obs:       obs,
	}
	m.log.Info("skic manager initialised",
		zap.String("backend", backendName(cfg.StorageBackendType)),
		zap.Int("inference_workers", workers),
		zap.Bool("query_optimisation", cfg.EnableQueryOptimisation),
		zap.Bool("rule_compilation", cfg.EnableRuleCompilation),
	)
	return m, nil
}

func newBackend(cfg Config, unify collaborators.UnificationEngine, _ *obslog.Logger) (kbstore.Backend, error) {
	var b kbstore.Backend
	switch cfg.StorageBackendType {
	case InMemory:
		b = kbstore.NewMemoryBackend(unify, obslog.New(obslog.CategoryBackend, cfg.LogDir, cfg.DebugLog))
	case FileBased:
		if cfg.StorageDir != "" {
			if err := os.MkdirAll(cfg.StorageDir, 0o755); err != nil {
				return nil, fmt.Errorf("create storage dir: %w", err)
			}
		}
		b = kbstore.NewFileBackend(unify, cfg.StorageDir, cfg.AutoPersist, obslog.New(obslog.CategoryBackend, cfg.LogDir, cfg.DebugLog))
	case SQLite:
		if dir := filepath.Dir(cfg.DBPath); dir != "" && dir != "." {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return nil, fmt.Errorf("create db dir: %w", err)
			}
		}
		sb, err := kbstore.NewSQLiteBackend(unify, cfg.DBPath, obslog.New(obslog.CategoryBackend, cfg.LogDir, cfg.DebugLog))
		if err != nil {
			return nil, err
		}
		b = sb
	default:
		return nil, fmt.Errorf("unknown storage backend type %d", cfg.StorageBackendType)
	}
	if err := b.Load(); err != nil {
		return nil, err
	}
	return b, nil
}

func backendName(t StorageBackendType) string {
	switch t {
	case InMemory:
		return "in_memory"
	case FileBased:
		return "file_based"
	case SQLite:
		return "sqlite"
	default:
		return "unknown"
	}
}

// RegisterBackend wires an additional named backend into the router.
// Contexts created with a matching backendName are served by it instead of
// the default.
func (m *Manager) RegisterBackend(name string, b kbstore.Backend) {
	m.router.RegisterBackend(name, b)
	m.backends = append(m.backends, b)
}

// --- Knowledge base operations ---

// AddStatement adds a statement to a context, invalidating any cached
// query results that depended on it.
func (m *Manager) AddStatement(node ast.Node, contextID string, metadata map[string]string) (bool, error) {
	added, err := m.router.AddStatement(node, contextID, metadata)
	if added {
		m.depInv.Invalidate(contextID)
	}
	return added, err
}

// RetractStatement removes a matching statement from a context,
// invalidating dependent cache entries the same way AddStatement does.
func (m *Manager) RetractStatement(pattern ast.Node, contextID string) (bool, error) {
	removed, err := m.router.RetractStatement(pattern, contextID)
	if removed {
		m.depInv.Invalidate(contextID)
	}
	return removed, err
}

// StatementExists reports whether a statement matching node exists in any
// of the given contexts.
func (m *Manager) StatementExists(node ast.Node, contextIDs []string) (bool, error) {
	return m.router.StatementExists(node, contextIDs)
}

// QueryStatementsMatchPattern resolves bindings for pattern across
// contextIDs, memoising the result and routing through the query
// optimiser when enabled.
func (m *Manager) QueryStatementsMatchPattern(pattern ast.Node, contextIDs []string, bindVars []*ast.Variable) ([]ast.Bindings, error) {
	args := []any{pattern.String(), contextIDs, bindVarNames(bindVars)}
	key := cache.Key("query", args, nil)
	for _, ctxID := range contextIDs {
		m.depInv.AddDependency(ctxID, key)
	}
	result, err := m.memoizer.Call("query", args, nil, func() (any, error) {
		return m.execute(pattern, contextIDs, bindVars)
	})
	if err != nil {
		return nil, err
	}
	return result.([]ast.Bindings), nil
}

func (m *Manager) execute(pattern ast.Node, contextIDs []string, bindVars []*ast.Variable) ([]ast.Bindings, error) {
	if m.optimiser == nil {
		return m.router.QueryMatch(pattern, contextIDs, bindVars)
	}
	plan, err := m.optimiser.Optimise(pattern, contextIDs, bindVars)
	if err != nil {
		return nil, err
	}
	return m.optimiser.Execute(plan)
}

func bindVarNames(vars []*ast.Variable) []string {
	names := make([]string, len(vars))
	for i, v := range vars {
		names[i] = v.String()
	}
	return names
}

// --- Context management ---

func (m *Manager) CreateContext(id, parent, kind, backendName string) error {
	return m.router.CreateContext(id, parent, kind, backendName)
}

func (m *Manager) DeleteContext(id string) error {
	if err := m.router.DeleteContext(id); err != nil {
		return err
	}
	m.depInv.Invalidate(id)
	return nil
}

func (m *Manager) ListContexts() ([]string, error) {
	return m.router.ListContexts()
}

// --- Transactions ---

func (m *Manager) BeginTransaction() []error  { return m.router.BeginTransaction() }
func (m *Manager) CommitTransaction() []error { return m.router.CommitTransaction() }

// RollbackTransaction restores every backend's snapshot and drops all
// cached query results: entries cached while the transaction was open
// describe state the rollback just discarded.
func (m *Manager) RollbackTransaction() []error {
	errs := m.router.RollbackTransaction()
	m.cache.Clear()
	return errs
}

// --- Rule compilation ---

// CompileRule compiles and indexes a rule, returning its error when rule
// compilation is disabled in the configuration.
func (m *Manager) CompileRule(ruleAST ast.Node, id string) (string, error) {
	if m.compiler == nil {
		return "", skerr.Wrap(skerr.ErrDisabled, "rule compilation")
	}
	return m.compiler.CompileRule(ruleAST, id)
}

// ExecuteRule runs a compiled rule against the given contexts, memoising
// the result under the same context-keyed invalidation as queries.
func (m *Manager) ExecuteRule(ruleID string, contextIDs []string) ([]ast.Bindings, error) {
	if m.compiler == nil {
		return nil, skerr.Wrap(skerr.ErrDisabled, "rule compilation")
	}
	args := []any{ruleID, contextIDs}
	key := cache.Key("rule", args, nil)
	for _, ctxID := range contextIDs {
		m.depInv.AddDependency(ctxID, key)
	}
	result, err := m.memoizer.Call("rule", args, nil, func() (any, error) {
		return m.compiler.ExecuteRule(ruleID, contextIDs)
	})
	if err != nil {
		return nil, err
	}
	return result.([]ast.Bindings), nil
}

// FindMatchingRules returns compiled rule IDs whose index could match
// fact, most-frequently-matched first.
func (m *Manager) FindMatchingRules(fact ast.Node) []string {
	if m.compiler == nil {
		return nil
	}
	return m.compiler.FindMatchingRules(fact)
}

// --- Parallel inference ---

func (m *Manager) SubmitInferenceTask(query ast.Node, contextIDs []string, priority inference.Priority, timeout time.Duration) (string, error) {
	return m.infer.Submit(query, contextIDs, priority, timeout)
}

func (m *Manager) ProcessInferenceTasks(batchSize int) { m.infer.Process(batchSize) }

func (m *Manager) GetInferenceTaskResult(id string, wait bool) (inference.TaskResult, bool) {
	return m.infer.GetResult(id, wait)
}

func (m *Manager) CancelInferenceTask(id string) bool { return m.infer.Cancel(id) }

func (m *Manager) InferenceTaskStatus(id string) inference.Status { return m.infer.Status(id) }

func (m *Manager) BatchProve(queries []ast.Node, contextIDs []string) ([]collaborators.ProofObject, error) {
	return m.infer.BatchProve(queries, contextIDs)
}

func (m *Manager) GetInferenceStatistics() inference.Statistics { return m.infer.Statistics() }

// --- Cache management ---

// ClearCaches drops every memoised query/rule result.
func (m *Manager) ClearCaches() { m.cache.Clear() }

// GetCacheStatistics reports the cache's current entry count.
func (m *Manager) GetCacheStatistics() int { return m.cache.Size() }

// TypeSystem returns the type collaborator this manager was constructed
// with, for callers that need subtype checks alongside KB operations.
func (m *Manager) TypeSystem() collaborators.TypeSystem { return m.types }

// InvalidateCacheOlderThan sweeps memoised entries older than maxAge
// without clearing fresher ones.
func (m *Manager) InvalidateCacheOlderThan(maxAge time.Duration) {
	m.timeInv.InvalidateOlderThan(maxAge)
}

// --- Lifecycle ---

// Shutdown stops the inference manager (draining in-flight work when wait
// is true) and persists every registered backend.
func (m *Manager) Shutdown(wait bool) []error {
	m.infer.Shutdown(wait)
	errs := m.router.PersistAll()
	for _, err := range errs {
		m.log.Warn("backend persist failed during shutdown", zap.Error(err))
	}
	for _, b := range m.backends {
		if closer, ok := b.(interface{ Close() error }); ok {
			if err := closer.Close(); err != nil {
				m.log.Warn("backend close failed during shutdown", zap.Error(err))
				errs = append(errs, err)
			}
		}
	}
	m.obs.Close()
	return errs
}
