package memory

import (
	"context"
	"slices"
	"sync"
	"time"

	"github.com/aretw0/espalier/pkg/ports"
)

// AuditLog implements ports.AuditLog in memory. Entries are never modified.
type AuditLog struct {
	mu      sync.RWMutex
	entries []ports.AuditEntry
}

// NewAuditLog creates an empty log.
func NewAuditLog() *AuditLog {
	return &AuditLog{}
}

func (a *AuditLog) Append(ctx context.Context, entry ports.AuditEntry) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	entry.ID = int64(len(a.entries) + 1)
	entry.CreatedAt = time.Now().UTC()
	entry.Payload = slices.Clone(entry.Payload)
	a.entries = append(a.entries, entry)
	return nil
}

func (a *AuditLog) Query(ctx context.Context, runID string) ([]ports.AuditEntry, error) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	var out []ports.AuditEntry
	for _, e := range a.entries {
		if e.RunID == runID {
			e.Payload = slices.Clone(e.Payload)
			out = append(out, e)
		}
	}
	return out, nil
}
