// Package memory bridges runs and the long-term memory store.
//
// Recall injects prior experience at run start and never blocks a run: a
// failing store degrades to an empty context. Commit writes the experience of
// a finished run and reports a DependencyFault when the store stays down.
package memory

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/aretw0/espalier/internal/logging"
	"github.com/aretw0/espalier/internal/retry"
	"github.com/aretw0/espalier/pkg/domain"
	"github.com/aretw0/espalier/pkg/ports"
	"github.com/google/uuid"
)

// DefaultRecallLimit bounds the records injected into a run.
const DefaultRecallLimit = 5

// Bridge connects the state machine to a MemoryStore.
type Bridge struct {
	store  ports.MemoryStore
	limit  int
	retry  retry.Policy
	logger *slog.Logger
	newID  func() string
	now    func() time.Time
}

// Option configures the Bridge.
type Option func(*Bridge)

// WithRecallLimit sets how many records Recall returns.
func WithRecallLimit(n int) Option {
	return func(b *Bridge) { b.limit = n }
}

// WithRetry sets the persist retry policy.
func WithRetry(p retry.Policy) Option {
	return func(b *Bridge) { b.retry = p }
}

// WithLogger sets the structured logger.
func WithLogger(l *slog.Logger) Option {
	return func(b *Bridge) { b.logger = l }
}

// WithIDGenerator replaces uuid-based record IDs.
func WithIDGenerator(fn func() string) Option {
	return func(b *Bridge) { b.newID = fn }
}

// NewBridge creates a bridge over store.
func NewBridge(store ports.MemoryStore, opts ...Option) *Bridge {
	b := &Bridge{
		store:  store,
		limit:  DefaultRecallLimit,
		retry:  retry.DefaultPolicy(),
		logger: logging.NewNop(),
		newID:  uuid.NewString,
		now:    func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Recall returns records relevant to the objective. Store errors are logged
// and yield no records so the run proceeds without prior context.
func (b *Bridge) Recall(ctx context.Context, objective domain.TaskObjective) []domain.MemoryRecord {
	records, err := b.store.Retrieve(ctx, objective, b.limit)
	if err != nil {
		b.logger.Warn("memory recall failed, continuing without prior context", "err", err)
		return nil
	}
	return records
}

// Checkpoint persists an episodic progress record for the current iteration.
func (b *Bridge) Checkpoint(ctx context.Context, state *domain.RunState) error {
	content := fmt.Sprintf("Task: %s\nProgress: iteration %d of %d\n%s",
		state.Objective.Goal, state.Iteration, state.Objective.IterationCap, feedbackLine(state))
	return b.persist(ctx, b.record(state, domain.MemoryEpisodic, content))
}

// Commit persists the experience of a terminated run: always an episodic record,
// plus semantic and procedural records when the run succeeded.
func (b *Bridge) Commit(ctx context.Context, state *domain.RunState) error {
	records := []domain.MemoryRecord{b.record(state, domain.MemoryEpisodic, Experience(state))}
	if state.Status == domain.StatusSucceeded {
		if lesson := lesson(state); lesson != "" {
			records = append(records, b.record(state, domain.MemorySemantic, lesson))
		}
		if proc := procedure(state); proc != "" {
			records = append(records, b.record(state, domain.MemoryProcedural, proc))
		}
	}
	for _, r := range records {
		if err := b.persist(ctx, r); err != nil {
			return err
		}
	}
	return nil
}

func (b *Bridge) persist(ctx context.Context, r domain.MemoryRecord) error {
	_, err := retry.Do(ctx, b.retry, "memory", func(ctx context.Context) (struct{}, error) {
		return struct{}{}, b.store.Persist(ctx, r)
	})
	return err
}

func (b *Bridge) record(state *domain.RunState, cat domain.MemoryCategory, content string) domain.MemoryRecord {
	key := strings.Join(Terms(state.Objective.Goal), " ")
	return domain.MemoryRecord{
		ID:        b.newID(),
		Category:  cat,
		Content:   content,
		RunID:     state.RunID,
		Key:       key,
		Terms:     Terms(key + " " + content),
		CreatedAt: b.now(),
	}
}

// Experience formats the episodic record of a run.
func Experience(state *domain.RunState) string {
	result := string(state.Status)
	if state.Reason != "" && state.Reason != domain.ReasonSucceeded {
		result += " (" + string(state.Reason) + ")"
	}
	solution := "none"
	if msg := state.LastMessage(domain.RoleEngineer); msg != nil {
		solution = msg.Rationale
		if msg.HasAction() {
			solution += " [" + msg.Action.Name + "]"
		}
	}
	return fmt.Sprintf("Task: %s\nResult: %s\nSolution: %s\n%s", state.Objective.Goal, result, solution, feedbackLine(state))
}

func feedbackLine(state *domain.RunState) string {
	_, crit := state.Reports(state.Iteration)
	if crit == nil || crit.Feedback == "" {
		return "Feedback: none"
	}
	return "Feedback: " + crit.Feedback
}

func lesson(state *domain.RunState) string {
	_, crit := state.Reports(state.Iteration)
	if crit == nil {
		return ""
	}
	parts := []string{crit.Critique}
	if crit.Feedback != "" {
		parts = append(parts, crit.Feedback)
	}
	return fmt.Sprintf("Lesson for %q: %s", state.Objective.Goal, strings.Join(parts, " "))
}

func procedure(state *domain.RunState) string {
	var steps []string
	for _, e := range state.History {
		if e.Tool != nil && e.Tool.Passed() {
			steps = append(steps, e.Tool.Name)
		}
	}
	if len(steps) == 0 {
		return ""
	}
	return fmt.Sprintf("To %s: %s", state.Objective.Goal, strings.Join(steps, " -> "))
}
