package runtime

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/aretw0/espalier/internal/retry"
	"github.com/aretw0/espalier/pkg/domain"
	"github.com/aretw0/espalier/pkg/ports"
)

func (e *Engine) base(r *run, t domain.EventType) domain.EventBase {
	return domain.EventBase{
		Timestamp: e.now(),
		Type:      t,
		RunID:     r.state.RunID,
		Iteration: r.state.Iteration,
	}
}

// publish forwards an event to the sink with the next per-run sequence number.
func (e *Engine) publish(ctx context.Context, r *run, t domain.EventType, data any) {
	if e.events == nil {
		return
	}
	r.seq++
	e.events.Publish(ctx, domain.LifecycleEvent{
		Seq:       r.seq,
		Type:      t,
		RunID:     r.state.RunID,
		Iteration: r.state.Iteration,
		Timestamp: e.now(),
		Data:      data,
	})
}

func (e *Engine) toolCall(ctx context.Context, r *run, inv domain.ToolInvocation) {
	ev := &domain.ToolEvent{EventBase: e.base(r, domain.EventToolCall), Invocation: inv.Clone()}
	if e.hooks.OnToolCall != nil {
		e.hooks.OnToolCall(ctx, ev)
	}
	e.publish(ctx, r, domain.EventToolCall, ev)
}

func (e *Engine) toolEvent(ctx context.Context, r *run, inv domain.ToolInvocation, res *domain.ToolResult) {
	out := res.Clone()
	ev := &domain.ToolEvent{EventBase: e.base(r, domain.EventToolReturn), Invocation: inv.Clone(), Result: &out}
	if e.hooks.OnToolReturn != nil {
		e.hooks.OnToolReturn(ctx, ev)
	}
	e.publish(ctx, r, domain.EventToolReturn, ev)
}

// record appends an audit entry for the current iteration.
func (e *Engine) record(ctx context.Context, r *run, kind ports.AuditKind, ref string, payload any) error {
	if e.audit == nil {
		return nil
	}
	b, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encode audit payload: %w", err)
	}
	entry := ports.AuditEntry{RunID: r.state.RunID, Iteration: r.state.Iteration, Kind: kind, Ref: ref, Payload: b}
	_, err = retry.Do(ctx, e.retry, "audit", func(ctx context.Context) (struct{}, error) {
		return struct{}{}, e.audit.Append(ctx, entry)
	})
	return err
}
