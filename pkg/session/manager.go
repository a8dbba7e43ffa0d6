package session

import (
	"context"
	"fmt"
	"slices"
	"sync"
	"time"

	"log/slog"

	"github.com/aretw0/espalier/internal/logging"
	"github.com/aretw0/espalier/pkg/domain"
	"github.com/aretw0/espalier/pkg/ports"
	"github.com/google/uuid"
)

// DefaultLockTTL bounds how long a distributed run lock survives a crashed holder.
const DefaultLockTTL = 30 * time.Second

// maxFinished bounds the outcomes kept for Wait after a run leaves the active set.
const maxFinished = 1024

// Runner drives one run to termination.
type Runner interface {
	Run(ctx context.Context, runID string, objective domain.TaskObjective) (*domain.RunState, error)
}

// lockEntry holds the mutex and the reference count.
type lockEntry struct {
	mu   sync.Mutex
	refs int
}

// activeRun tracks a run in flight.
type activeRun struct {
	cancel context.CancelFunc
	done   chan struct{}
	state  *domain.RunState
	err    error
}

// Manager orchestrates run execution, ensuring one machine per run ID.
// It uses Reference Counting to garbage collect unused locks.
type Manager struct {
	runner Runner
	store  ports.RunStore

	mu     sync.Mutex            // Global lock for the maps
	locks  map[string]*lockEntry // Map of active locks
	active map[string]*activeRun
	wg     sync.WaitGroup

	// finished keeps recent outcomes, oldest first.
	finished map[string]*activeRun
	order    []string

	locker  ports.DistributedLocker // Optional distributed locker
	lockTTL time.Duration
	logger  *slog.Logger
	newID   func() string
}

// Option configures the Manager.
type Option func(*Manager)

// WithLocker enables distributed locking.
func WithLocker(locker ports.DistributedLocker) Option {
	return func(m *Manager) {
		m.locker = locker
	}
}

// WithLockTTL sets the distributed lock expiry.
func WithLockTTL(ttl time.Duration) Option {
	return func(m *Manager) {
		m.lockTTL = ttl
	}
}

// WithLogger configures a logger for the Manager.
func WithLogger(logger *slog.Logger) Option {
	return func(m *Manager) {
		m.logger = logger
	}
}

// WithIDGenerator replaces uuid run IDs.
func WithIDGenerator(fn func() string) Option {
	return func(m *Manager) {
		m.newID = fn
	}
}

// NewManager creates a run manager. store may be nil when finished runs need
// not be inspected.
func NewManager(runner Runner, store ports.RunStore, opts ...Option) *Manager {
	m := &Manager{
		runner:   runner,
		store:    store,
		locks:    make(map[string]*lockEntry),
		active:   make(map[string]*activeRun),
		finished: make(map[string]*activeRun),
		lockTTL:  DefaultLockTTL,
		logger:   logging.NewNop(), // Default to no-op
		newID:    uuid.NewString,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// acquire gets or creates a lock entry and increments its reference count.
// The caller MUST Lock the entry.mu, and then call release(runID) after unlocking.
func (m *Manager) acquire(runID string) *lockEntry {
	m.mu.Lock()
	defer m.mu.Unlock()

	entry, exists := m.locks[runID]
	if !exists {
		entry = &lockEntry{}
		m.locks[runID] = entry
	}
	entry.refs++
	return entry
}

// release decrements the reference count and deletes the entry if it reaches zero.
func (m *Manager) release(runID string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	entry, exists := m.locks[runID]
	if !exists {
		return
	}

	entry.refs--
	if entry.refs <= 0 {
		delete(m.locks, runID)
	}
}

// Start accepts an objective and runs it in the background.
// The run is detached from ctx; use Cancel to stop it.
func (m *Manager) Start(ctx context.Context, objective domain.TaskObjective) (string, error) {
	runID := m.newID()
	return runID, m.StartWithID(ctx, runID, objective)
}

// StartWithID is Start with a caller-chosen run ID.
func (m *Manager) StartWithID(ctx context.Context, runID string, objective domain.TaskObjective) error {
	if err := objective.Validate(); err != nil {
		return err
	}

	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	ar := &activeRun{cancel: cancel, done: make(chan struct{})}

	m.mu.Lock()
	if _, busy := m.active[runID]; busy {
		m.mu.Unlock()
		cancel()
		return fmt.Errorf("%w: %s", domain.ErrRunActive, runID)
	}
	m.active[runID] = ar
	m.wg.Add(1)
	m.mu.Unlock()

	go func() {
		defer m.wg.Done()
		defer cancel()

		err := m.WithLock(runCtx, runID, func(ctx context.Context) error {
			state, err := m.runner.Run(ctx, runID, objective)
			ar.state = state
			return err
		})
		if err != nil {
			m.logger.Error("run aborted", "run_id", runID, "err", err)
		}
		ar.err = err

		m.mu.Lock()
		delete(m.active, runID)
		m.remember(runID, ar)
		m.mu.Unlock()
		close(ar.done)
	}()
	return nil
}

// remember keeps the outcome of a finished run. Callers hold m.mu.
func (m *Manager) remember(runID string, ar *activeRun) {
	if _, seen := m.finished[runID]; !seen {
		m.order = append(m.order, runID)
	}
	m.finished[runID] = ar
	for len(m.order) > maxFinished {
		delete(m.finished, m.order[0])
		m.order = m.order[1:]
	}
}

// Cancel signals a running run to stop. It returns domain.ErrRunNotFound when
// the run is not active on this instance.
func (m *Manager) Cancel(runID string) error {
	m.mu.Lock()
	ar, ok := m.active[runID]
	m.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s is not active", domain.ErrRunNotFound, runID)
	}
	ar.cancel()
	return nil
}

// Wait blocks until the run terminates and returns its final state.
// Runs that already finished are read from the store.
func (m *Manager) Wait(ctx context.Context, runID string) (*domain.RunState, error) {
	m.mu.Lock()
	ar, ok := m.active[runID]
	if !ok {
		ar, ok = m.finished[runID]
	}
	m.mu.Unlock()
	if !ok {
		return m.Load(ctx, runID)
	}
	select {
	case <-ar.done:
		if ar.state == nil && ar.err == nil {
			return m.Load(ctx, runID)
		}
		return ar.state, ar.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Active lists the runs in flight on this instance.
func (m *Manager) Active() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	ids := make([]string, 0, len(m.active))
	for id := range m.active {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	return ids
}

// Shutdown cancels every active run and waits for them to terminate.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.mu.Lock()
	for _, ar := range m.active {
		ar.cancel()
	}
	m.mu.Unlock()

	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Load retrieves a run state from the store.
func (m *Manager) Load(ctx context.Context, runID string) (*domain.RunState, error) {
	if m.store == nil {
		return nil, domain.ErrRunNotFound
	}
	return m.store.Load(ctx, runID)
}

// List delegates to the store.
func (m *Manager) List(ctx context.Context) ([]string, error) {
	if m.store == nil {
		return nil, nil
	}
	return m.store.List(ctx)
}

// Delete removes a finished run from the store.
func (m *Manager) Delete(ctx context.Context, runID string) error {
	if m.store == nil {
		return nil
	}
	return m.WithLock(ctx, runID, func(ctx context.Context) error {
		return m.store.Delete(ctx, runID)
	})
}

// WithLock executes a function while holding the lock for the run.
func (m *Manager) WithLock(ctx context.Context, runID string, fn func(context.Context) error) error {
	entry := m.acquire(runID)
	entry.mu.Lock()
	defer func() {
		entry.mu.Unlock()
		m.release(runID)
	}()

	// Distributed Locking
	if m.locker != nil {
		unlock, err := m.locker.Lock(ctx, runID, m.lockTTL)
		if err != nil {
			return fmt.Errorf("failed to acquire distributed lock: %w", err)
		}
		defer func() {
			// The run context may already be cancelled; release regardless.
			if err := unlock(context.WithoutCancel(ctx)); err != nil {
				m.logger.Warn("Failed to release distributed lock (will expire via TTL)",
					"run_id", runID,
					"err", err,
				)
			}
		}()
	}

	return fn(ctx)
}
