package ports

import (
	"context"

	"github.com/aretw0/espalier/pkg/domain"
)

// Sandbox executes bounded tool invocations.
type Sandbox interface {
	// Execute runs one invocation. Policy breaches, timeouts and tool failures
	// are reported inside the ToolResult; the error is reserved for faults of
	// the sandbox itself.
	Execute(ctx context.Context, inv domain.ToolInvocation) (domain.ToolResult, error)

	// Tools lists the tools the sandbox provides.
	Tools() []domain.ToolSpec
}

// RunScoped is implemented by sandboxes that keep per-run state, such as a
// private workspace. The engine releases it when the run terminates.
type RunScoped interface {
	ReleaseRun(runID string) error
}

// EventSink receives ordered lifecycle events for forwarding to callers.
type EventSink interface {
	Publish(ctx context.Context, event domain.LifecycleEvent)
}
