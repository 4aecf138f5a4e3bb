package inference

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"skic/internal/ast"
	"skic/internal/collaborators"
	"skic/internal/obslog"
	"skic/internal/skerr"
)

// ErrShutdown is returned by Submit once the manager has begun shutting
// down; no new tasks are accepted past that point.
var ErrShutdown = errors.New("inference manager is shutting down")

// worker is one pool slot: a buffered inbox channel it reads tasks from.
type worker struct {
	id    int
	inbox chan *InferenceTask
}

type activeEntry struct {
	workerID int
	done     chan struct{}
}

// Manager is SKIC's parallel inference manager: a priority queue feeding a
// worker pool under a pluggable dispatch strategy, with a completed-result
// table callers poll or block on.
type Manager struct {
	mu     sync.Mutex
	log    *obslog.Logger
	prover collaborators.Prover

	strategy Strategy
	workers  []*worker
	eg       *errgroup.Group
	cancel   context.CancelFunc

	queue        *taskQueue
	dispatched   map[string]*InferenceTask // assigned to a worker inbox, not yet started
	active       map[string]*activeEntry
	completed    map[string]TaskResult
	cancelled    map[string]bool
	rrCursor     int
	shuttingDown bool
}

// New constructs a Manager with numWorkers persistent worker goroutines
// dispatching under strategy. The pool runs under an errgroup sharing one
// cancellable context; workers run until Shutdown cancels it.
func New(numWorkers int, strategy Strategy, prover collaborators.Prover, log *obslog.Logger) *Manager {
	if numWorkers < 1 {
		numWorkers = 1
	}
	if log == nil {
		log = obslog.Nop()
	}
	ctx, cancel := context.WithCancel(context.Background())
	eg, egCtx := errgroup.WithContext(ctx)
	m := &Manager{
		log:        log,
		prover:     prover,
		strategy:   strategy,
		queue:      newTaskQueue(),
		dispatched: make(map[string]*InferenceTask),
		active:     make(map[string]*activeEntry),
		completed:  make(map[string]TaskResult),
		cancelled:  make(map[string]bool),
		eg:         eg,
		cancel:     cancel,
	}
	for i := 0; i < numWorkers; i++ {
		w := &worker{id: i, inbox: make(chan *InferenceTask, 4096)}
		m.workers = append(m.workers, w)
	}
	for _, w := range m.workers {
		eg.Go(func() error {
			m.runWorker(egCtx, w)
			return nil
		})
	}
	return m
}

// Submit enqueues a new task, assigning it a uuid and timestamping its
// creation. Dispatch order is established later, by Process.
func (m *Manager) Submit(query ast.Node, contextIDs []string, priority Priority, timeout time.Duration) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.shuttingDown {
		return "", ErrShutdown
	}
	task := &InferenceTask{
		ID:         uuid.NewString(),
		Query:      query,
		ContextIDs: contextIDs,
		Priority:   priority,
		Timeout:    timeout,
		CreatedAt:  time.Now(),
	}
	m.queue.push(task)
	m.log.Debug("task submitted", map[string]any{"task_id": task.ID, "priority": priority.String()})
	return task.ID, nil
}

// Process drains up to batchSize queued tasks in priority order and hands
// them to the worker pool per the configured strategy.
func (m *Manager) Process(batchSize int) {
	m.mu.Lock()
	n := batchSize
	if n > m.queue.Len() {
		n = m.queue.Len()
	}
	batch := make([]*InferenceTask, 0, n)
	for len(batch) < n && m.queue.Len() > 0 {
		t := m.queue.pop()
		if m.cancelled[t.ID] {
			continue
		}
		m.dispatched[t.ID] = t
		batch = append(batch, t)
	}
	m.mu.Unlock()
	if len(batch) == 0 {
		return
	}
	m.dispatch(batch)
}

// dispatch hands an already priority-ordered batch to worker inboxes per
// the configured Strategy.
func (m *Manager) dispatch(batch []*InferenceTask) {
	n := len(m.workers)
	switch m.strategy {
	case RoundRobin:
		m.mu.Lock()
		start := m.rrCursor
		m.rrCursor = (m.rrCursor + len(batch)) % n
		m.mu.Unlock()
		for i, t := range batch {
			m.workers[(start+i)%n].inbox <- t
		}
	case PriorityBased:
		// batch is already sorted descending-priority/ascending-created_at
		// by the heap pop order; assign one by one to the least-loaded
		// worker.
		loads := make([]int, n)
		for i, w := range m.workers {
			loads[i] = len(w.inbox)
		}
		for _, t := range batch {
			idx := 0
			for i, l := range loads {
				if l < loads[idx] {
					idx = i
				}
			}
			m.workers[idx].inbox <- t
			loads[idx]++
		}
	case WorkStealing:
		chunkSize := len(batch) / (2 * n)
		if chunkSize < 1 {
			chunkSize = 1
		}
		w := 0
		for start := 0; start < len(batch); start += chunkSize {
			end := start + chunkSize
			if end > len(batch) {
				end = len(batch)
			}
			for _, t := range batch[start:end] {
				m.workers[w%n].inbox <- t
			}
			w++
		}
	}
}

// steal opportunistically pulls one task from a peer worker's inbox.
// Channels only expose FIFO access, so the steal takes the peer's oldest
// pending task rather than its tail chunk.
func (m *Manager) steal(self *worker) *InferenceTask {
	for _, other := range m.workers {
		if other.id == self.id {
			continue
		}
		select {
		case t := <-other.inbox:
			return t
		default:
		}
	}
	return nil
}

// runWorker is a worker pool goroutine: it drains its own inbox, steals
// under the work-stealing strategy when idle, and exits once the pool
// context is cancelled.
func (m *Manager) runWorker(ctx context.Context, w *worker) {
	for {
		select {
		case <-ctx.Done():
			return
		case t := <-w.inbox:
			m.execute(w, t)
			continue
		default:
		}
		if m.strategy == WorkStealing {
			if t := m.steal(w); t != nil {
				m.execute(w, t)
				continue
			}
		}
		select {
		case <-ctx.Done():
			return
		case t := <-w.inbox:
			m.execute(w, t)
		case <-time.After(5 * time.Millisecond):
		}
	}
}

// execute runs one task against the Prover, enforcing its timeout (if any)
// and recording the outcome. A task cancelled while still sitting in a
// worker's inbox is detected here and skipped without invoking the Prover.
func (m *Manager) execute(w *worker, t *InferenceTask) {
	m.mu.Lock()
	delete(m.dispatched, t.ID)
	if _, already := m.completed[t.ID]; already {
		m.mu.Unlock()
		return
	}
	entry := &activeEntry{workerID: w.id, done: make(chan struct{})}
	m.active[t.ID] = entry
	m.mu.Unlock()

	t.StartedAt = time.Now()
	resultCh := make(chan collaborators.ProofObject, 1)
	errCh := make(chan error, 1)
	go func() {
		po, err := m.prover.Prove(t.Query, t.ContextIDs)
		if err != nil {
			errCh <- err
			return
		}
		resultCh <- po
	}()

	var tr TaskResult
	if t.Timeout > 0 {
		select {
		case po := <-resultCh:
			tr = TaskResult{Proof: po, CompletedAt: time.Now()}
		case err := <-errCh:
			tr = TaskResult{Err: err, CompletedAt: time.Now()}
		case <-time.After(t.Timeout):
			tr = TaskResult{Err: skerr.ErrTimeout, CompletedAt: time.Now()}
			m.log.Warn("task timed out", map[string]any{"task_id": t.ID})
		}
	} else {
		select {
		case po := <-resultCh:
			tr = TaskResult{Proof: po, CompletedAt: time.Now()}
		case err := <-errCh:
			tr = TaskResult{Err: err, CompletedAt: time.Now()}
		}
	}
	t.CompletedAt = tr.CompletedAt

	m.mu.Lock()
	delete(m.active, t.ID)
	m.completed[t.ID] = tr
	m.mu.Unlock()
	close(entry.done)
}

// GetResult returns the completed result immediately if known, blocks on
// the task's completion if wait is set and the task is dispatched to a
// worker or running, or reports not-found otherwise.
func (m *Manager) GetResult(id string, wait bool) (TaskResult, bool) {
	m.mu.Lock()
	if tr, ok := m.completed[id]; ok {
		m.mu.Unlock()
		return tr, true
	}
	entry, ok := m.active[id]
	_, pending := m.dispatched[id]
	m.mu.Unlock()
	for wait && !ok && pending {
		// Dispatched but not yet started: poll until a worker picks it up
		// or it completes without running (e.g. cancelled).
		time.Sleep(time.Millisecond)
		m.mu.Lock()
		tr, done := m.completed[id]
		entry, ok = m.active[id]
		_, pending = m.dispatched[id]
		m.mu.Unlock()
		if done {
			return tr, true
		}
	}
	if !ok || !wait {
		return TaskResult{}, false
	}
	<-entry.done
	m.mu.Lock()
	tr := m.completed[id]
	m.mu.Unlock()
	return tr, true
}

// Cancel attempts to cancel a task: always effective for a still-queued
// task, best-effort (and often unsuccessful) for one already executing.
func (m *Manager) Cancel(id string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.completed[id]; ok {
		return false
	}
	if m.queue.removeByID(id) {
		m.cancelled[id] = true
		m.completed[id] = TaskResult{Err: skerr.ErrTaskCancelled, CompletedAt: time.Now()}
		return true
	}
	if _, ok := m.dispatched[id]; ok {
		m.cancelled[id] = true
		m.completed[id] = TaskResult{Err: skerr.ErrTaskCancelled, CompletedAt: time.Now()}
		return true
	}
	return false
}

// Status reports a task's lifecycle state, derived from queue/active/
// completed membership.
func (m *Manager) Status(id string) Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	if tr, ok := m.completed[id]; ok {
		if m.cancelled[id] {
			return StatusCancelled
		}
		if tr.Succeeded() {
			return StatusCompleted
		}
		return StatusFailed
	}
	if _, ok := m.active[id]; ok {
		return StatusRunning
	}
	if _, ok := m.dispatched[id]; ok {
		return StatusPending
	}
	if m.queue.contains(id) {
		return StatusPending
	}
	return StatusUnknown
}

// BatchProve submits every query, processes them as one batch, and blocks
// for every result, substituting a not-proven ProofObject for any failed
// task rather than returning an error.
func (m *Manager) BatchProve(queries []ast.Node, contextIDs []string) ([]collaborators.ProofObject, error) {
	ids := make([]string, len(queries))
	for i, q := range queries {
		id, err := m.Submit(q, contextIDs, MEDIUM, 0)
		if err != nil {
			return nil, err
		}
		ids[i] = id
	}
	m.Process(len(queries))
	out := make([]collaborators.ProofObject, len(queries))
	var eg errgroup.Group
	for i, id := range ids {
		eg.Go(func() error {
			tr, _ := m.GetResult(id, true)
			if tr.Err != nil {
				out[i] = collaborators.ProofObject{Query: queries[i], IsProven: false, Detail: tr.Err.Error()}
				return nil
			}
			out[i] = tr.Proof
			return nil
		})
	}
	_ = eg.Wait()
	return out, nil
}

// Statistics returns a point-in-time snapshot of the manager's counters.
func (m *Manager) Statistics() Statistics {
	m.mu.Lock()
	defer m.mu.Unlock()
	var completed, failed, cancelled int
	for id, tr := range m.completed {
		switch {
		case m.cancelled[id]:
			cancelled++
		case tr.Succeeded():
			completed++
		default:
			failed++
		}
	}
	return Statistics{
		Pending:   m.queue.Len() + len(m.dispatched),
		Running:   len(m.active),
		Completed: completed,
		Failed:    failed,
		Cancelled: cancelled,
	}
}

// Shutdown prevents new submissions and either drains active tasks (wait)
// or cancels them (no wait), then stops every worker goroutine. Called
// more than once, it is a no-op past the first call.
func (m *Manager) Shutdown(wait bool) {
	m.mu.Lock()
	m.shuttingDown = true
	if !wait {
		for _, t := range append([]*InferenceTask(nil), m.queue.items...) {
			m.queue.removeByID(t.ID)
			m.cancelled[t.ID] = true
			m.completed[t.ID] = TaskResult{Err: skerr.ErrTaskCancelled, CompletedAt: time.Now()}
		}
		for id := range m.dispatched {
			m.cancelled[id] = true
			m.completed[id] = TaskResult{Err: skerr.ErrTaskCancelled, CompletedAt: time.Now()}
		}
	}
	m.mu.Unlock()

	if wait {
		for {
			m.mu.Lock()
			remaining := len(m.active) + len(m.dispatched)
			m.mu.Unlock()
			if remaining == 0 {
				break
			}
			time.Sleep(2 * time.Millisecond)
		}
	}
	m.cancel()
	_ = m.eg.Wait()
}
