package domain

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
	"time"
)

// RunStatus is the coarse termination status of a run.
type RunStatus string

const (
	StatusRunning   RunStatus = "running"
	StatusSucceeded RunStatus = "succeeded"
	StatusFailed    RunStatus = "failed"
	StatusExhausted RunStatus = "exhausted" // Iteration cap reached without success
)

// IsTerminal reports whether the status is final.
func (s RunStatus) IsTerminal() bool {
	return s == StatusSucceeded || s == StatusFailed || s == StatusExhausted
}

// Phase is a state of the orchestration state machine.
type Phase string

const (
	PhaseIdle         Phase = "idle"
	PhasePlanning     Phase = "planning"
	PhaseDesigning    Phase = "designing"
	PhaseImplementing Phase = "implementing"
	PhaseExecuting    Phase = "executing"
	PhaseEvaluating   Phase = "evaluating"
	PhaseCritiquing   Phase = "critiquing"
	PhaseLooping      Phase = "looping"
	PhaseTerminated   Phase = "terminated"
)

// Reason is the machine-readable explanation attached to a terminated run.
type Reason string

const (
	ReasonNone               Reason = ""
	ReasonSucceeded          Reason = "succeeded"
	ReasonEvaluationFailed   Reason = "evaluation_failed"
	ReasonLowConfidence      Reason = "low_confidence"
	ReasonIterationExhausted Reason = "iteration_exhausted"
	ReasonProtocolViolation  Reason = "protocol_violation"
	ReasonDependencyFault    Reason = "dependency_fault"
	ReasonCancelled          Reason = "cancelled"
)

// Transition records one move of the state machine.
type Transition struct {
	From      Phase `json:"from"`
	To        Phase `json:"to"`
	Iteration int   `json:"iteration"`
}

func (t Transition) String() string {
	return fmt.Sprintf("%d:%s->%s", t.Iteration, t.From, t.To)
}

// EntryKind tags the payload of a HistoryEntry.
type EntryKind string

const (
	EntryRoleMessage EntryKind = "role_message"
	EntryToolResult  EntryKind = "tool_result"
	EntryEvaluation  EntryKind = "evaluation"
	EntryCritique    EntryKind = "critique"
)

// HistoryEntry is one append-only record of the run history.
// Exactly one of the payload pointers is set, matching Kind.
type HistoryEntry struct {
	Seq        int               `json:"seq"`
	Iteration  int               `json:"iteration"`
	Kind       EntryKind         `json:"kind"`
	Message    *RoleMessage      `json:"message,omitempty"`
	Tool       *ToolResult       `json:"tool,omitempty"`
	Evaluation *EvaluationReport `json:"evaluation,omitempty"`
	Critique   *CritiqueReport   `json:"critique,omitempty"`
}

// RunState is the mutable record of one run.
// It is owned and mutated exclusively by the orchestration state machine.
type RunState struct {
	RunID     string        `json:"run_id"`
	Objective TaskObjective `json:"objective"`
	Phase     Phase         `json:"phase"`
	Role      Role          `json:"role,omitempty"`
	Iteration int           `json:"iteration"`
	Status    RunStatus     `json:"status"`
	Reason    Reason        `json:"reason,omitempty"`

	// Detail carries the human-readable cause for failed runs.
	Detail string `json:"detail,omitempty"`

	History     []HistoryEntry `json:"history"`
	Transitions []Transition   `json:"transitions"`

	// Memories are the records injected at run start. Read-only during the run.
	Memories []MemoryRecord `json:"memories,omitempty"`

	StartedAt time.Time  `json:"started_at"`
	EndedAt   *time.Time `json:"ended_at,omitempty"`

	// Sealed carries the encrypted full state when a store seals runs at rest.
	Sealed string `json:"sealed,omitempty"`
}

// NewRunState creates an idle run for the given objective.
func NewRunState(runID string, objective TaskObjective) *RunState {
	return &RunState{
		RunID:       runID,
		Objective:   objective,
		Phase:       PhaseIdle,
		Status:      StatusRunning,
		History:     []HistoryEntry{},
		Transitions: []Transition{},
		StartedAt:   time.Now().UTC(),
	}
}

// Append adds an entry to the history, assigning its sequence number.
func (s *RunState) Append(entry HistoryEntry) HistoryEntry {
	entry.Seq = len(s.History) + 1
	if entry.Iteration == 0 {
		entry.Iteration = s.Iteration
	}
	s.History = append(s.History, entry)
	return entry
}

// IterationEntries returns the history entries of a single iteration.
func (s *RunState) IterationEntries(iteration int) []HistoryEntry {
	var out []HistoryEntry
	for _, e := range s.History {
		if e.Iteration == iteration {
			out = append(out, e)
		}
	}
	return out
}

// ToolResults returns the tool results recorded for an iteration.
func (s *RunState) ToolResults(iteration int) []ToolResult {
	var out []ToolResult
	for _, e := range s.IterationEntries(iteration) {
		if e.Kind == EntryToolResult && e.Tool != nil {
			out = append(out, *e.Tool)
		}
	}
	return out
}

// Reports returns the evaluation and critique of an iteration, if present.
func (s *RunState) Reports(iteration int) (*EvaluationReport, *CritiqueReport) {
	var eval *EvaluationReport
	var crit *CritiqueReport
	for _, e := range s.IterationEntries(iteration) {
		switch e.Kind {
		case EntryEvaluation:
			eval = e.Evaluation
		case EntryCritique:
			crit = e.Critique
		}
	}
	return eval, crit
}

// LastMessage returns the most recent message produced by role.
func (s *RunState) LastMessage(role Role) *RoleMessage {
	for i := len(s.History) - 1; i >= 0; i-- {
		e := s.History[i]
		if e.Kind == EntryRoleMessage && e.Message != nil && e.Message.Role == role {
			return e.Message
		}
	}
	return nil
}

// DecisionTrace returns a copy of the transition sequence.
func (s *RunState) DecisionTrace() []Transition {
	out := make([]Transition, len(s.Transitions))
	copy(out, s.Transitions)
	return out
}

// TraceHash is a stable digest of the decision trace and final status.
// Two runs with the same objective, sampling and seed must produce the same hash.
func (s *RunState) TraceHash() string {
	var b strings.Builder
	for _, t := range s.Transitions {
		b.WriteString(t.String())
		b.WriteByte('\n')
	}
	b.WriteString(string(s.Status))
	b.WriteByte('|')
	b.WriteString(string(s.Reason))
	sum := sha256.Sum256([]byte(b.String()))
	return hex.EncodeToString(sum[:])
}

// Terminated reports whether the run reached its final phase.
func (s *RunState) Terminated() bool {
	return s.Phase == PhaseTerminated
}

// Snapshot returns a deep copy of the state, safe to hand to stores and observers.
func (s *RunState) Snapshot() *RunState {
	if s == nil {
		return nil
	}
	out := *s
	out.History = make([]HistoryEntry, len(s.History))
	for i, e := range s.History {
		out.History[i] = e.clone()
	}
	out.Transitions = s.DecisionTrace()
	if s.Memories != nil {
		out.Memories = make([]MemoryRecord, len(s.Memories))
		copy(out.Memories, s.Memories)
	}
	if s.EndedAt != nil {
		t := *s.EndedAt
		out.EndedAt = &t
	}
	if s.Objective.ConfidenceThreshold != nil {
		out.Objective.ConfidenceThreshold = Threshold(*s.Objective.ConfidenceThreshold)
	}
	return &out
}

func (e HistoryEntry) clone() HistoryEntry {
	out := e
	if e.Message != nil {
		m := e.Message.Clone()
		out.Message = &m
	}
	if e.Tool != nil {
		t := e.Tool.Clone()
		out.Tool = &t
	}
	if e.Evaluation != nil {
		ev := *e.Evaluation
		ev.Issues = append([]string(nil), e.Evaluation.Issues...)
		ev.Evidence = append([]string(nil), e.Evaluation.Evidence...)
		out.Evaluation = &ev
	}
	if e.Critique != nil {
		c := *e.Critique
		c.Issues = append([]string(nil), e.Critique.Issues...)
		out.Critique = &c
	}
	return out
}
