package observability

import (
	"context"
	"log/slog"

	"github.com/aretw0/espalier/pkg/domain"
)

// LoggingHooks logs every lifecycle event at debug level and terminations at info.
func LoggingHooks(logger *slog.Logger) domain.LifecycleHooks {
	return domain.LifecycleHooks{
		OnPhaseEnter: func(ctx context.Context, e *domain.PhaseEvent) {
			logger.DebugContext(ctx, "phase_enter", "run_id", e.RunID, "iteration", e.Iteration, "from", e.From, "to", e.To, "role", e.Role)
		},
		OnIteration: func(ctx context.Context, e *domain.PhaseEvent) {
			logger.DebugContext(ctx, "iteration_start", "run_id", e.RunID, "iteration", e.Iteration)
		},
		OnToolCall: func(ctx context.Context, e *domain.ToolEvent) {
			logger.DebugContext(ctx, "tool_call", "run_id", e.RunID, "tool_name", e.Invocation.Name, "origin", e.Invocation.Origin)
		},
		OnToolReturn: func(ctx context.Context, e *domain.ToolEvent) {
			if e.Result == nil {
				return
			}
			logger.DebugContext(ctx, "tool_return",
				"run_id", e.RunID,
				"tool_name", e.Result.Name,
				"exit_code", e.Result.ExitCode,
				"violation", e.Result.Violation,
				"duration", e.Result.Duration,
			)
		},
		OnTerminate: func(ctx context.Context, e *domain.TerminalEvent) {
			logger.InfoContext(ctx, "run_terminated", "run_id", e.RunID, "status", e.Status, "reason", e.Reason)
		},
	}
}
