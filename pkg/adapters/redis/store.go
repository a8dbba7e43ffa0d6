package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/aretw0/espalier/pkg/domain"
	backend "github.com/redis/go-redis/v9"
)

// Store implements ports.RunStore. Each run is a JSON document; a sorted set
// indexes the run IDs by expiry (or save time when no TTL is set).
type Store struct {
	client *backend.Client
	prefix string
	ttl    time.Duration
}

// StoreOption configures the Store.
type StoreOption func(*Store)

// WithPrefix replaces the key prefix.
func WithPrefix(prefix string) StoreOption {
	return func(s *Store) { s.prefix = prefix }
}

// WithTTL expires run documents after ttl.
func WithTTL(ttl time.Duration) StoreOption {
	return func(s *Store) { s.ttl = ttl }
}

// NewFromClient creates a run store over an existing client.
func NewFromClient(client *backend.Client, opts ...StoreOption) *Store {
	s := &Store{client: client, prefix: DefaultPrefix + "run:"}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Store) key(runID string) string { return s.prefix + runID }
func (s *Store) index() string           { return s.prefix + "index" }

// Save writes the state and refreshes its index entry atomically.
func (s *Store) Save(ctx context.Context, runID string, state *domain.RunState) error {
	data, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("encode run %s: %w", runID, err)
	}
	score := float64(time.Now().Add(s.ttl).UnixMilli())
	_, err = s.client.TxPipelined(ctx, func(pipe backend.Pipeliner) error {
		pipe.Set(ctx, s.key(runID), data, s.ttl)
		pipe.ZAdd(ctx, s.index(), backend.Z{Score: score, Member: runID})
		return nil
	})
	if err != nil {
		return fmt.Errorf("save run %s: %w", runID, err)
	}
	return nil
}

func (s *Store) Load(ctx context.Context, runID string) (*domain.RunState, error) {
	data, err := s.client.Get(ctx, s.key(runID)).Bytes()
	if errors.Is(err, backend.Nil) {
		return nil, domain.ErrRunNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("load run %s: %w", runID, err)
	}
	var state domain.RunState
	if err := json.Unmarshal(data, &state); err != nil {
		return nil, fmt.Errorf("decode run %s: %w", runID, err)
	}
	return &state, nil
}

func (s *Store) Delete(ctx context.Context, runID string) error {
	_, err := s.client.TxPipelined(ctx, func(pipe backend.Pipeliner) error {
		pipe.Del(ctx, s.key(runID))
		pipe.ZRem(ctx, s.index(), runID)
		return nil
	})
	return err
}

// List returns the indexed run IDs. Expired entries are pruned lazily.
func (s *Store) List(ctx context.Context) ([]string, error) {
	if s.ttl > 0 {
		cutoff := strconv.FormatInt(time.Now().UnixMilli(), 10)
		if err := s.client.ZRemRangeByScore(ctx, s.index(), "-inf", "("+cutoff).Err(); err != nil {
			return nil, fmt.Errorf("prune run index: %w", err)
		}
	}
	return s.client.ZRange(ctx, s.index(), 0, -1).Result()
}
