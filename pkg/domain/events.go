package domain

import (
	"context"
	"time"
)

// EventType defines the category of a lifecycle event.
type EventType string

const (
	EventRunStarted     EventType = "run_started"
	EventPhaseEnter     EventType = "phase_enter"
	EventIterationStart EventType = "iteration_start"
	EventRoleMessage    EventType = "role_message"
	EventToolCall       EventType = "tool_call"
	EventToolReturn     EventType = "tool_return"
	EventRunTerminated  EventType = "run_terminated"
)

// EventBase contains common fields for all events.
type EventBase struct {
	Timestamp time.Time `json:"timestamp"`
	Type      EventType `json:"type"`
	RunID     string    `json:"run_id"`
	Iteration int       `json:"iteration"`
}

// PhaseEvent represents a state machine transition.
type PhaseEvent struct {
	EventBase
	From Phase `json:"from"`
	To   Phase `json:"to"`
	Role Role  `json:"role,omitempty"`
}

// ToolEvent represents a tool execution.
type ToolEvent struct {
	EventBase
	Invocation ToolInvocation `json:"invocation"`
	Result     *ToolResult    `json:"result,omitempty"`
}

// TerminalEvent is emitted once when a run terminates.
type TerminalEvent struct {
	EventBase
	Status RunStatus `json:"status"`
	Reason Reason    `json:"reason"`
	Detail string    `json:"detail,omitempty"`
}

// LifecycleEvent is the envelope forwarded to the request gateway.
// Seq orders events within a run.
type LifecycleEvent struct {
	Seq       int       `json:"seq"`
	Type      EventType `json:"type"`
	RunID     string    `json:"run_id"`
	Iteration int       `json:"iteration"`
	Timestamp time.Time `json:"timestamp"`
	Data      any       `json:"data,omitempty"`
}

// LifecycleHooks defines callbacks for state machine observability.
type LifecycleHooks struct {
	OnPhaseEnter func(context.Context, *PhaseEvent)
	OnIteration  func(context.Context, *PhaseEvent)
	OnToolCall   func(context.Context, *ToolEvent)
	OnToolReturn func(context.Context, *ToolEvent)
	OnTerminate  func(context.Context, *TerminalEvent)
}

// MergeHooks chains several hook sets; each callback runs in order.
func MergeHooks(sets ...LifecycleHooks) LifecycleHooks {
	var out LifecycleHooks
	for _, h := range sets {
		out.OnPhaseEnter = chain(out.OnPhaseEnter, h.OnPhaseEnter)
		out.OnIteration = chain(out.OnIteration, h.OnIteration)
		out.OnToolCall = chain(out.OnToolCall, h.OnToolCall)
		out.OnToolReturn = chain(out.OnToolReturn, h.OnToolReturn)
		out.OnTerminate = chain(out.OnTerminate, h.OnTerminate)
	}
	return out
}

func chain[E any](a, b func(context.Context, E)) func(context.Context, E) {
	switch {
	case a == nil:
		return b
	case b == nil:
		return a
	}
	return func(ctx context.Context, e E) {
		a(ctx, e)
		b(ctx, e)
	}
}
