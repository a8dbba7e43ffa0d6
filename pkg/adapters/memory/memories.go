package memory

import (
	"context"
	"sync"

	"github.com/aretw0/espalier/pkg/domain"
	recall "github.com/aretw0/espalier/pkg/memory"
)

// MemoryStore implements ports.MemoryStore in memory with oldest-first eviction.
type MemoryStore struct {
	mu         sync.RWMutex
	records    []domain.MemoryRecord
	maxRecords int
}

// MemoryOption configures a MemoryStore.
type MemoryOption func(*MemoryStore)

// WithMaxRecords bounds the store; the oldest records are evicted first.
func WithMaxRecords(n int) MemoryOption {
	return func(m *MemoryStore) { m.maxRecords = n }
}

// NewMemoryStore creates an empty store.
func NewMemoryStore(opts ...MemoryOption) *MemoryStore {
	m := &MemoryStore{}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

func (m *MemoryStore) Persist(ctx context.Context, record domain.MemoryRecord) error {
	if len(record.Terms) == 0 {
		record.Terms = recall.RecordTerms(record)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.records = append(m.records, record)
	if m.maxRecords > 0 && len(m.records) > m.maxRecords {
		m.records = append([]domain.MemoryRecord(nil), m.records[len(m.records)-m.maxRecords:]...)
	}
	return nil
}

func (m *MemoryStore) Retrieve(ctx context.Context, objective domain.TaskObjective, limit int) ([]domain.MemoryRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return recall.Rank(m.records, objective.Goal, limit), nil
}

// Len returns the number of stored records.
func (m *MemoryStore) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.records)
}
