package ports

import (
	"context"

	"github.com/aretw0/espalier/pkg/domain"
)

// MemoryStore is the long-term memory persistence engine.
type MemoryStore interface {
	// Retrieve returns records relevant to the objective, most relevant first.
	Retrieve(ctx context.Context, objective domain.TaskObjective, limit int) ([]domain.MemoryRecord, error)

	// Persist stores a record. It is called at run termination and at checkpoints.
	Persist(ctx context.Context, record domain.MemoryRecord) error
}
