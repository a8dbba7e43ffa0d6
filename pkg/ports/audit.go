package ports

import (
	"context"
	"encoding/json"
	"time"
)

// AuditKind tags an audit entry.
type AuditKind string

const (
	AuditToolInvocation AuditKind = "tool_invocation"
	AuditToolResult     AuditKind = "tool_result"
	AuditRoleMessage    AuditKind = "role_message"
	AuditEvaluation     AuditKind = "evaluation"
	AuditCritique       AuditKind = "critique"
	AuditTransition     AuditKind = "transition"
)

// AuditEntry is one append-only audit record keyed by run ID and iteration.
type AuditEntry struct {
	ID        int64           `json:"id"`
	RunID     string          `json:"run_id"`
	Iteration int             `json:"iteration"`
	Kind      AuditKind       `json:"kind"`
	Ref       string          `json:"ref,omitempty"` // Invocation or result ID
	Payload   json.RawMessage `json:"payload"`
	CreatedAt time.Time       `json:"created_at"`
}

// AuditLog is the append-only record of what the agent actually did.
// It outlives the runs it describes.
type AuditLog interface {
	// Append writes an entry. Implementations assign ID and CreatedAt.
	Append(ctx context.Context, entry AuditEntry) error

	// Query returns all entries of a run in append order.
	Query(ctx context.Context, runID string) ([]AuditEntry, error)
}
