package runtime

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/aretw0/espalier/internal/logging"
	"github.com/aretw0/espalier/internal/retry"
	"github.com/aretw0/espalier/pkg/domain"
	"github.com/aretw0/espalier/pkg/gate"
	"github.com/aretw0/espalier/pkg/memory"
	"github.com/aretw0/espalier/pkg/ports"
	"github.com/aretw0/espalier/pkg/protocol"
)

// Config holds the tunables of the state machine.
type Config struct {
	// ProtocolRetries is how often a role is re-invoked after a schema-invalid reply.
	ProtocolRetries int
	// Limits apply to every tool invocation.
	Limits domain.Limits
	// Research runs the researcher role before the first plan.
	Research bool
	// Finalize asks the finalizer role for a summary of a successful run.
	Finalize bool
	// Checkpoint persists a progress memory after every failed iteration.
	Checkpoint bool
}

// DefaultConfig returns the engine defaults.
func DefaultConfig() Config {
	return Config{
		ProtocolRetries: 1,
		Limits:          domain.Limits{Timeout: 10 * time.Second},
	}
}

// Engine is the orchestration state machine. It drives a run from idle to
// terminated, one phase at a time.
type Engine struct {
	roles   gate.RoleCaller
	sandbox ports.Sandbox
	gate    *gate.Gate
	memory  *memory.Bridge
	store   ports.RunStore
	audit   ports.AuditLog
	events  ports.EventSink
	hooks   domain.LifecycleHooks
	logger  *slog.Logger
	retry   retry.Policy
	cfg     Config
	now     func() time.Time
}

// Option configures the Engine.
type Option func(*Engine)

// WithConfig replaces the engine configuration.
func WithConfig(cfg Config) Option {
	return func(e *Engine) { e.cfg = cfg }
}

// WithMemory enables long-term memory recall and commit.
func WithMemory(b *memory.Bridge) Option {
	return func(e *Engine) { e.memory = b }
}

// WithRunStore persists the run state after every transition.
func WithRunStore(s ports.RunStore) Option {
	return func(e *Engine) { e.store = s }
}

// WithAuditLog records role messages, reports and transitions.
func WithAuditLog(a ports.AuditLog) Option {
	return func(e *Engine) { e.audit = a }
}

// WithEventSink forwards ordered lifecycle events.
func WithEventSink(s ports.EventSink) Option {
	return func(e *Engine) { e.events = s }
}

// WithLifecycleHooks registers observability callbacks.
func WithLifecycleHooks(h domain.LifecycleHooks) Option {
	return func(e *Engine) { e.hooks = domain.MergeHooks(e.hooks, h) }
}

// WithLogger sets the structured logger.
func WithLogger(l *slog.Logger) Option {
	return func(e *Engine) { e.logger = l }
}

// WithRetry sets the retry policy for store and audit writes.
func WithRetry(p retry.Policy) Option {
	return func(e *Engine) { e.retry = p }
}

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// NewEngine creates a state machine. sandbox may be nil, in which case every
// iteration goes straight from implementing to evaluating.
func NewEngine(roles gate.RoleCaller, sandbox ports.Sandbox, opts ...Option) *Engine {
	e := &Engine{
		roles:   roles,
		sandbox: sandbox,
		logger:  logging.NewNop(),
		retry:   retry.DefaultPolicy(),
		cfg:     DefaultConfig(),
		now:     func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(e)
	}
	e.gate = gate.New(roles, sandbox, gate.WithRetries(e.cfg.ProtocolRetries), gate.WithLogger(e.logger))
	return e
}

// run is the per-run bookkeeping owned by one Run call.
type run struct {
	state      *domain.RunState
	seq        int
	assessment gate.Assessment
}

// Run drives the objective to termination and returns the final state.
// Failed, exhausted and cancelled runs are reported through the state, not the
// error; the error is reserved for invalid objectives and broken transitions.
func (e *Engine) Run(ctx context.Context, runID string, objective domain.TaskObjective) (*domain.RunState, error) {
	if err := objective.Validate(); err != nil {
		return nil, err
	}

	r := &run{state: domain.NewRunState(runID, objective)}
	r.state.StartedAt = e.now()
	e.logger.InfoContext(ctx, "run started", "run_id", runID, "iteration_cap", objective.IterationCap)
	e.publish(ctx, r, domain.EventRunStarted, objective)
	if err := e.save(ctx, r); err != nil {
		e.finish(ctx, r, domain.StatusFailed, domain.ReasonDependencyFault, err.Error())
		return r.state.Snapshot(), nil
	}

	for !r.state.Terminated() {
		if err := ctx.Err(); err != nil {
			e.finish(ctx, r, domain.StatusFailed, domain.ReasonCancelled, err.Error())
			break
		}
		if err := e.step(ctx, r); err != nil {
			if errors.Is(err, domain.ErrInvalidTransition) {
				return r.state.Snapshot(), err
			}
			e.finish(ctx, r, domain.StatusFailed, failureReason(ctx, err), err.Error())
		}
	}
	return r.state.Snapshot(), nil
}

func failureReason(ctx context.Context, err error) domain.Reason {
	switch {
	case ctx.Err() != nil, errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return domain.ReasonCancelled
	case domain.IsProtocolViolation(err):
		return domain.ReasonProtocolViolation
	default:
		return domain.ReasonDependencyFault
	}
}

// step executes the current phase and moves to the next one.
func (e *Engine) step(ctx context.Context, r *run) error {
	st := r.state
	switch st.Phase {
	case domain.PhaseIdle:
		if e.memory != nil {
			st.Memories = e.memory.Recall(ctx, st.Objective)
		}
		st.Iteration = 1
		return e.enter(ctx, r, domain.PhasePlanning)

	case domain.PhasePlanning:
		if st.Iteration == 1 && e.cfg.Research {
			if _, err := e.invoke(ctx, r, domain.RoleResearcher); err != nil {
				return err
			}
		}
		if _, err := e.invoke(ctx, r, domain.RolePlanner); err != nil {
			return err
		}
		return e.enter(ctx, r, domain.PhaseDesigning)

	case domain.PhaseDesigning:
		if _, err := e.invoke(ctx, r, domain.RoleArchitect); err != nil {
			return err
		}
		return e.enter(ctx, r, domain.PhaseImplementing)

	case domain.PhaseImplementing:
		msg, err := e.invoke(ctx, r, domain.RoleEngineer)
		if err != nil {
			return err
		}
		if msg.HasAction() && e.sandbox != nil {
			return e.enter(ctx, r, domain.PhaseExecuting)
		}
		return e.enter(ctx, r, domain.PhaseEvaluating)

	case domain.PhaseExecuting:
		msg := st.LastMessage(domain.RoleEngineer)
		if msg == nil || msg.Action == nil {
			return fmt.Errorf("%w: executing without an engineer action", domain.ErrInvalidTransition)
		}
		inv := domain.ToolInvocation{
			RunID:     st.RunID,
			Iteration: st.Iteration,
			Name:      msg.Action.Name,
			Input:     msg.Action.Input,
			Limits:    e.cfg.Limits,
			Seed:      st.Objective.Seed,
			Origin:    domain.RoleEngineer,
		}
		e.toolCall(ctx, r, inv)
		res, err := e.sandbox.Execute(ctx, inv)
		if err != nil {
			return err
		}
		e.toolReturn(ctx, r, inv, res)
		if res.IsViolation() {
			e.logger.InfoContext(ctx, "tool violation recorded", "run_id", st.RunID, "tool", res.Name, "violation", res.Violation)
		}
		return e.enter(ctx, r, domain.PhaseEvaluating)

	case domain.PhaseEvaluating:
		a, err := e.gate.Assess(ctx, e.gateInput(r))
		if err != nil {
			return err
		}
		if err := e.recordAssessment(ctx, r, a); err != nil {
			return err
		}
		r.assessment = a
		return e.enter(ctx, r, domain.PhaseCritiquing)

	case domain.PhaseCritiquing:
		crit, msg, err := e.gate.Review(ctx, e.gateInput(r), r.assessment)
		if err != nil {
			return err
		}
		if err := e.recordMessage(ctx, r, msg); err != nil {
			return err
		}
		if err := e.append(ctx, r, domain.HistoryEntry{Kind: domain.EntryCritique, Critique: &crit}, ports.AuditCritique, crit); err != nil {
			return err
		}

		d := decide(r.assessment.Evaluation, crit, st.Iteration, st.Objective)
		if d.done {
			detail := ""
			if d.status == domain.StatusExhausted {
				detail = fmt.Sprintf("%v after %d iteration(s), last cause: %s", domain.ErrIterationExhausted, st.Iteration, d.cause)
			}
			e.finish(ctx, r, d.status, d.reason, detail)
			return nil
		}
		e.logger.InfoContext(ctx, "iteration rejected", "run_id", st.RunID, "iteration", st.Iteration, "cause", d.cause,
			"confidence", crit.Confidence)
		return e.enter(ctx, r, domain.PhaseLooping)

	case domain.PhaseLooping:
		if e.cfg.Checkpoint && e.memory != nil {
			if err := e.memory.Checkpoint(ctx, st); err != nil {
				e.logger.WarnContext(ctx, "memory checkpoint failed", "run_id", st.RunID, "err", err)
			}
		}
		st.Iteration++
		return e.enter(ctx, r, domain.PhasePlanning)
	}
	return fmt.Errorf("%w: no handler for phase %s", domain.ErrInvalidTransition, st.Phase)
}

// finish terminates the run. Terminal bookkeeping ignores cancellation so a
// cancelled run still commits its memory and final state.
func (e *Engine) finish(ctx context.Context, r *run, status domain.RunStatus, reason domain.Reason, detail string) {
	ctx = context.WithoutCancel(ctx)
	st := r.state
	st.Status = status
	st.Reason = reason
	st.Detail = detail

	if status == domain.StatusSucceeded && e.cfg.Finalize {
		if _, err := e.invoke(ctx, r, domain.RoleFinalizer); err != nil {
			e.logger.WarnContext(ctx, "finalizer failed", "run_id", st.RunID, "err", err)
		}
	}

	if e.memory != nil {
		if err := e.memory.Commit(ctx, st); err != nil {
			e.logger.ErrorContext(ctx, "memory commit failed", "run_id", st.RunID, "err", err)
			st.Status = domain.StatusFailed
			st.Reason = domain.ReasonDependencyFault
			st.Detail = err.Error()
		}
	}

	if scoped, ok := e.sandbox.(ports.RunScoped); ok {
		if err := scoped.ReleaseRun(st.RunID); err != nil {
			e.logger.WarnContext(ctx, "run workspace not released", "run_id", st.RunID, "err", err)
		}
	}

	ended := e.now()
	st.EndedAt = &ended
	if err := e.enter(ctx, r, domain.PhaseTerminated); err != nil {
		e.logger.ErrorContext(ctx, "failed to persist terminal state", "run_id", st.RunID, "err", err)
	}

	ev := &domain.TerminalEvent{
		EventBase: e.base(r, domain.EventRunTerminated),
		Status:    st.Status,
		Reason:    st.Reason,
		Detail:    st.Detail,
	}
	if e.hooks.OnTerminate != nil {
		e.hooks.OnTerminate(ctx, ev)
	}
	e.publish(ctx, r, domain.EventRunTerminated, ev)
	e.logger.InfoContext(ctx, "run terminated", "run_id", st.RunID, "status", st.Status, "reason", st.Reason,
		"iterations", st.Iteration)
}

// enter records a transition, fires the phase hooks and persists the state.
func (e *Engine) enter(ctx context.Context, r *run, to domain.Phase) error {
	st := r.state
	from := st.Phase
	if err := checkTransition(from, to); err != nil {
		return err
	}
	t := domain.Transition{From: from, To: to, Iteration: st.Iteration}
	st.Transitions = append(st.Transitions, t)
	st.Phase = to
	st.Role = roleOf(to)
	e.logger.DebugContext(ctx, "phase transition", "run_id", st.RunID, "transition", t.String())

	if err := e.record(ctx, r, ports.AuditTransition, "", t); err != nil {
		return err
	}

	ev := &domain.PhaseEvent{EventBase: e.base(r, domain.EventPhaseEnter), From: from, To: to, Role: st.Role}
	if e.hooks.OnPhaseEnter != nil {
		e.hooks.OnPhaseEnter(ctx, ev)
	}
	e.publish(ctx, r, domain.EventPhaseEnter, ev)

	if to == domain.PhasePlanning {
		it := &domain.PhaseEvent{EventBase: e.base(r, domain.EventIterationStart), From: from, To: to, Role: st.Role}
		if e.hooks.OnIteration != nil {
			e.hooks.OnIteration(ctx, it)
		}
		e.publish(ctx, r, domain.EventIterationStart, it)
	}
	return e.save(ctx, r)
}

// invoke calls a role against the current run context and records its reply.
func (e *Engine) invoke(ctx context.Context, r *run, role domain.Role) (domain.RoleMessage, error) {
	msg, err := e.roles.InvokeRetrying(ctx, role, e.taskContext(r), e.cfg.ProtocolRetries)
	if err != nil {
		return domain.RoleMessage{}, err
	}
	return msg, e.recordMessage(ctx, r, msg)
}

func (e *Engine) recordMessage(ctx context.Context, r *run, msg domain.RoleMessage) error {
	if err := e.append(ctx, r, domain.HistoryEntry{Kind: domain.EntryRoleMessage, Message: &msg}, ports.AuditRoleMessage, msg); err != nil {
		return err
	}
	e.publish(ctx, r, domain.EventRoleMessage, msg)
	return nil
}

// recordAssessment appends the evaluator replies, its reruns and the report in
// the order they happened.
func (e *Engine) recordAssessment(ctx context.Context, r *run, a gate.Assessment) error {
	for i, msg := range a.Messages {
		if i == 1 {
			for _, res := range a.Reruns {
				r.state.Append(domain.HistoryEntry{Kind: domain.EntryToolResult, Tool: &res})
			}
		}
		if err := e.recordMessage(ctx, r, msg); err != nil {
			return err
		}
	}
	eval := a.Evaluation
	return e.append(ctx, r, domain.HistoryEntry{Kind: domain.EntryEvaluation, Evaluation: &eval}, ports.AuditEvaluation, eval)
}

func (e *Engine) append(ctx context.Context, r *run, entry domain.HistoryEntry, kind ports.AuditKind, payload any) error {
	r.state.Append(entry)
	return e.record(ctx, r, kind, "", payload)
}

func (e *Engine) taskContext(r *run) protocol.TaskContext {
	st := r.state
	tc := protocol.TaskContext{
		Objective: st.Objective,
		Iteration: st.Iteration,
		Memories:  st.Memories,
		History:   st.History,
		Evidence:  st.ToolResults(st.Iteration),
	}
	if e.sandbox != nil {
		tc.Tools = e.sandbox.Tools()
	}
	return tc
}

func (e *Engine) gateInput(r *run) gate.Input {
	return gate.Input{
		RunID:   r.state.RunID,
		Context: e.taskContext(r),
		Limits:  e.cfg.Limits,
		OnTool: func(ctx context.Context, inv domain.ToolInvocation, res *domain.ToolResult) {
			if res == nil {
				e.toolCall(ctx, r, inv)
				return
			}
			e.toolEvent(ctx, r, inv, res)
		},
	}
}

// toolReturn appends the result to the history and fires the return hook.
func (e *Engine) toolReturn(ctx context.Context, r *run, inv domain.ToolInvocation, res domain.ToolResult) {
	r.state.Append(domain.HistoryEntry{Kind: domain.EntryToolResult, Tool: &res})
	e.toolEvent(ctx, r, inv, &res)
}

func (e *Engine) save(ctx context.Context, r *run) error {
	if e.store == nil {
		return nil
	}
	snapshot := r.state.Snapshot()
	_, err := retry.Do(ctx, e.retry, "run_store", func(ctx context.Context) (struct{}, error) {
		return struct{}{}, e.store.Save(ctx, snapshot.RunID, snapshot)
	})
	return err
}
