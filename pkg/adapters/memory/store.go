package memory

import (
	"context"
	"slices"
	"sync"

	"github.com/aretw0/espalier/pkg/domain"
)

// Store implements ports.RunStore in memory.
// Safe for concurrent use.
type Store struct {
	data map[string]*domain.RunState
	mu   sync.RWMutex
}

// NewStore creates a new in-memory store.
func NewStore() *Store {
	return &Store{
		data: make(map[string]*domain.RunState),
	}
}

// Save persists a snapshot of the state in memory.
func (s *Store) Save(ctx context.Context, runID string, state *domain.RunState) error {
	// Deep copy to ensure isolation, similar to serialization
	snapshot := state.Snapshot()

	s.mu.Lock()
	defer s.mu.Unlock()
	s.data[runID] = snapshot
	return nil
}

// Load retrieves the state from memory.
func (s *Store) Load(ctx context.Context, runID string) (*domain.RunState, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	state, ok := s.data[runID]
	if !ok {
		return nil, domain.ErrRunNotFound
	}

	// Copy on read so callers can't mutate store state through the pointer
	return state.Snapshot(), nil
}

// Delete removes the state.
func (s *Store) Delete(ctx context.Context, runID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.data, runID)
	return nil
}

// List returns the stored run IDs.
func (s *Store) List(ctx context.Context) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	runs := make([]string, 0, len(s.data))
	for id := range s.data {
		runs = append(runs, id)
	}
	slices.Sort(runs)
	return runs, nil
}
