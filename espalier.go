package espalier

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/aretw0/espalier/internal/logging"
	"github.com/aretw0/espalier/internal/retry"
	"github.com/aretw0/espalier/internal/runtime"
	"github.com/aretw0/espalier/pkg/adapters/memory"
	"github.com/aretw0/espalier/pkg/adapters/process"
	"github.com/aretw0/espalier/pkg/domain"
	recall "github.com/aretw0/espalier/pkg/memory"
	"github.com/aretw0/espalier/pkg/ports"
	"github.com/aretw0/espalier/pkg/protocol"
	"github.com/aretw0/espalier/pkg/safety"
	"github.com/aretw0/espalier/pkg/session"
	"github.com/google/uuid"
)

// DefaultPingTimeout bounds the backbone liveness check.
const DefaultPingTimeout = 5 * time.Second

// Agent is the high-level entry point. It wraps the orchestration engine
// and the session manager behind a small API.
type Agent struct {
	backbone ports.Backbone
	cache    ports.GenerationCache
	sandbox  ports.Sandbox
	memories ports.MemoryStore
	store    ports.RunStore
	audit    ports.AuditLog
	events   ports.EventSink
	locker   ports.DistributedLocker
	filter   *safety.Filter
	hooks    domain.LifecycleHooks
	logger   *slog.Logger
	newID    func() string

	sampling    domain.SamplingConfig
	defaults    domain.ObjectiveDefaults
	engineCfg   runtime.Config
	retry       retry.Policy
	recallLimit int
	pingTimeout time.Duration

	readyMu sync.Mutex
	ready   bool

	engine   *runtime.Engine
	sessions *session.Manager
}

// Option defines a functional option for configuring the Agent.
type Option func(*Agent)

// WithBackbone sets the generation backbone. Required.
func WithBackbone(b ports.Backbone) Option {
	return func(a *Agent) { a.backbone = b }
}

// WithGenerationCache caches deterministic generations.
func WithGenerationCache(c ports.GenerationCache) Option {
	return func(a *Agent) { a.cache = c }
}

// WithSandbox replaces the default process sandbox.
func WithSandbox(s ports.Sandbox) Option {
	return func(a *Agent) { a.sandbox = s }
}

func WithMemoryStore(m ports.MemoryStore) Option {
	return func(a *Agent) { a.memories = m }
}

func WithRunStore(s ports.RunStore) Option {
	return func(a *Agent) { a.store = s }
}

func WithAuditLog(l ports.AuditLog) Option {
	return func(a *Agent) { a.audit = l }
}

// WithEventSink forwards ordered lifecycle events, e.g. to the HTTP stream.
func WithEventSink(s ports.EventSink) Option {
	return func(a *Agent) { a.events = s }
}

// WithLocker serialises runs across processes sharing a store.
func WithLocker(l ports.DistributedLocker) Option {
	return func(a *Agent) { a.locker = l }
}

// WithSafetyFilter replaces the default prompt filter.
func WithSafetyFilter(f *safety.Filter) Option {
	return func(a *Agent) { a.filter = f }
}

// WithLifecycleHooks registers observability hooks. Repeated calls chain.
func WithLifecycleHooks(h domain.LifecycleHooks) Option {
	return func(a *Agent) { a.hooks = domain.MergeHooks(a.hooks, h) }
}

// WithLogger sets a custom structured logger.
func WithLogger(l *slog.Logger) Option {
	return func(a *Agent) { a.logger = l }
}

// WithIDGenerator replaces uuid run IDs.
func WithIDGenerator(fn func() string) Option {
	return func(a *Agent) { a.newID = fn }
}

// WithSampling sets the base sampling configuration. Presets are resolved in New.
func WithSampling(cfg domain.SamplingConfig) Option {
	return func(a *Agent) { a.sampling = cfg }
}

// WithObjectiveDefaults sets the iteration cap and confidence threshold
// applied to objectives that leave them unset.
func WithObjectiveDefaults(d domain.ObjectiveDefaults) Option {
	return func(a *Agent) { a.defaults = d }
}

// WithProtocolRetries sets how often a role is re-invoked after a malformed reply.
func WithProtocolRetries(n int) Option {
	return func(a *Agent) { a.engineCfg.ProtocolRetries = n }
}

// WithLimits sets the per-invocation sandbox limits requested by the engine.
func WithLimits(l domain.Limits) Option {
	return func(a *Agent) { a.engineCfg.Limits = l }
}

// WithResearch runs the researcher role before the first plan.
func WithResearch(enabled bool) Option {
	return func(a *Agent) { a.engineCfg.Research = enabled }
}

// WithFinalize asks the finalizer role to summarise successful runs.
func WithFinalize(enabled bool) Option {
	return func(a *Agent) { a.engineCfg.Finalize = enabled }
}

// WithCheckpoint persists a progress memory after each failed iteration.
func WithCheckpoint(enabled bool) Option {
	return func(a *Agent) { a.engineCfg.Checkpoint = enabled }
}

// WithRetryPolicy bounds retries against every external dependency.
func WithRetryPolicy(attempts int, baseDelay, maxDelay time.Duration) Option {
	return func(a *Agent) {
		a.retry = retry.Policy{Attempts: attempts, BaseDelay: baseDelay, MaxDelay: maxDelay}
	}
}

// WithRecallLimit sets how many memories are injected at run start.
func WithRecallLimit(n int) Option {
	return func(a *Agent) { a.recallLimit = n }
}

// WithPingTimeout bounds the readiness check.
func WithPingTimeout(d time.Duration) Option {
	return func(a *Agent) { a.pingTimeout = d }
}

// New initializes an Agent. Unset stores default to in-memory adapters and
// the sandbox defaults to a process sandbox with empty per-run workspaces.
func New(opts ...Option) (*Agent, error) {
	a := &Agent{
		logger:      logging.NewNop(),
		newID:       uuid.NewString,
		sampling:    domain.DefaultSampling(),
		defaults:    domain.ObjectiveDefaults{IterationCap: 5, ConfidenceThreshold: 0.7},
		engineCfg:   runtime.DefaultConfig(),
		retry:       retry.DefaultPolicy(),
		recallLimit: recall.DefaultRecallLimit,
		pingTimeout: DefaultPingTimeout,
	}
	for _, opt := range opts {
		opt(a)
	}

	if a.backbone == nil {
		return nil, errors.New("espalier: a backbone is required (use WithBackbone)")
	}
	sampling, err := a.sampling.ApplyPreset()
	if err != nil {
		return nil, fmt.Errorf("espalier: %w", err)
	}
	a.sampling = sampling

	if a.store == nil {
		a.store = memory.NewStore()
	}
	if a.memories == nil {
		a.memories = memory.NewMemoryStore()
	}
	if a.audit == nil {
		a.audit = memory.NewAuditLog()
	}
	if a.sandbox == nil {
		a.sandbox = process.NewSandbox(
			process.WithAuditLog(a.audit),
			process.WithAuditRetry(a.retry),
			process.WithLogger(a.logger),
		)
	}

	invokerOpts := []protocol.Option{
		protocol.WithSampling(a.sampling),
		protocol.WithRetry(a.retry),
		protocol.WithLogger(a.logger),
	}
	if a.cache != nil {
		invokerOpts = append(invokerOpts, protocol.WithCache(a.cache))
	}
	if a.filter != nil {
		invokerOpts = append(invokerOpts, protocol.WithFilter(a.filter))
	}
	invoker := protocol.NewInvoker(a.backbone, invokerOpts...)

	bridge := recall.NewBridge(a.memories,
		recall.WithRecallLimit(a.recallLimit),
		recall.WithRetry(a.retry),
		recall.WithLogger(a.logger),
	)

	engineOpts := []runtime.Option{
		runtime.WithConfig(a.engineCfg),
		runtime.WithMemory(bridge),
		runtime.WithRunStore(a.store),
		runtime.WithAuditLog(a.audit),
		runtime.WithLifecycleHooks(a.hooks),
		runtime.WithLogger(a.logger),
		runtime.WithRetry(a.retry),
	}
	if a.events != nil {
		engineOpts = append(engineOpts, runtime.WithEventSink(a.events))
	}
	a.engine = runtime.NewEngine(invoker, a.sandbox, engineOpts...)

	sessionOpts := []session.Option{
		session.WithLogger(a.logger),
		session.WithIDGenerator(a.newID),
	}
	if a.locker != nil {
		sessionOpts = append(sessionOpts, session.WithLocker(a.locker))
	}
	a.sessions = session.NewManager(a.engine, a.store, sessionOpts...)

	return a, nil
}

// Ready pings the backbone once. A successful check is remembered; a failed
// one returns domain.ErrNotReady and is retried on the next call.
func (a *Agent) Ready(ctx context.Context) error {
	a.readyMu.Lock()
	defer a.readyMu.Unlock()
	if a.ready {
		return nil
	}

	pingCtx, cancel := context.WithTimeout(ctx, a.pingTimeout)
	defer cancel()
	if err := a.backbone.Ping(pingCtx); err != nil {
		a.logger.Warn("backbone liveness check failed", "err", err)
		return fmt.Errorf("%w: backbone unreachable: %v", domain.ErrNotReady, err)
	}
	a.ready = true
	a.logger.Info("backbone ready")
	return nil
}

func (a *Agent) prepare(ctx context.Context, objective domain.TaskObjective) (domain.TaskObjective, error) {
	if err := a.Ready(ctx); err != nil {
		return objective, err
	}
	objective = objective.WithDefaults(a.defaults)
	return objective, objective.Validate()
}

// Run executes an objective synchronously and returns the terminated state.
// Cancelling ctx terminates the run as failed with reason cancelled.
func (a *Agent) Run(ctx context.Context, objective domain.TaskObjective) (*domain.RunState, error) {
	objective, err := a.prepare(ctx, objective)
	if err != nil {
		return nil, err
	}

	runID := a.newID()
	var state *domain.RunState
	err = a.sessions.WithLock(ctx, runID, func(ctx context.Context) error {
		var runErr error
		state, runErr = a.engine.Run(ctx, runID, objective)
		return runErr
	})
	return state, err
}

// Start accepts an objective and runs it in the background.
func (a *Agent) Start(ctx context.Context, objective domain.TaskObjective) (string, error) {
	objective, err := a.prepare(ctx, objective)
	if err != nil {
		return "", err
	}
	return a.sessions.Start(ctx, objective)
}

// Cancel signals cancellation to an active run.
func (a *Agent) Cancel(runID string) error {
	return a.sessions.Cancel(runID)
}

// Wait blocks until the run terminates and returns its final state.
func (a *Agent) Wait(ctx context.Context, runID string) (*domain.RunState, error) {
	return a.sessions.Wait(ctx, runID)
}

// Active lists the runs currently executing.
func (a *Agent) Active() []string {
	return a.sessions.Active()
}

// Load returns the latest persisted state of a run.
func (a *Agent) Load(ctx context.Context, runID string) (*domain.RunState, error) {
	return a.sessions.Load(ctx, runID)
}

// List returns the persisted run IDs.
func (a *Agent) List(ctx context.Context) ([]string, error) {
	return a.sessions.List(ctx)
}

// Tools describes the tools the sandbox offers.
func (a *Agent) Tools() []domain.ToolSpec {
	return a.sandbox.Tools()
}

// AuditLog returns the audit sink in use.
func (a *Agent) AuditLog() ports.AuditLog {
	return a.audit
}

// Shutdown cancels active runs and waits for them to record termination.
func (a *Agent) Shutdown(ctx context.Context) error {
	return a.sessions.Shutdown(ctx)
}
