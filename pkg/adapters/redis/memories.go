package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/aretw0/espalier/pkg/domain"
	"github.com/aretw0/espalier/pkg/memory"
	backend "github.com/redis/go-redis/v9"
)

// MemoryStore implements ports.MemoryStore. Records are JSON documents indexed
// by creation time, so eviction drops the oldest first.
type MemoryStore struct {
	client     *backend.Client
	prefix     string
	maxRecords int
	ttl        time.Duration
}

// MemoryOption configures the MemoryStore.
type MemoryOption func(*MemoryStore)

// WithMemoryPrefix replaces the key prefix.
func WithMemoryPrefix(prefix string) MemoryOption {
	return func(m *MemoryStore) { m.prefix = prefix }
}

// WithMaxRecords bounds the store.
func WithMaxRecords(n int) MemoryOption {
	return func(m *MemoryStore) { m.maxRecords = n }
}

// WithMemoryTTL expires records after ttl.
func WithMemoryTTL(ttl time.Duration) MemoryOption {
	return func(m *MemoryStore) { m.ttl = ttl }
}

// NewMemoryStore creates a memory store over an existing client.
func NewMemoryStore(client *backend.Client, opts ...MemoryOption) *MemoryStore {
	m := &MemoryStore{client: client, prefix: DefaultPrefix + "memory:"}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

func (m *MemoryStore) key(id string) string { return m.prefix + id }
func (m *MemoryStore) index() string        { return m.prefix + "index" }

func (m *MemoryStore) Persist(ctx context.Context, record domain.MemoryRecord) error {
	if len(record.Terms) == 0 {
		record.Terms = memory.RecordTerms(record)
	}
	data, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("encode memory %s: %w", record.ID, err)
	}
	_, err = m.client.TxPipelined(ctx, func(pipe backend.Pipeliner) error {
		pipe.Set(ctx, m.key(record.ID), data, m.ttl)
		pipe.ZAdd(ctx, m.index(), backend.Z{Score: float64(record.CreatedAt.UnixNano()), Member: record.ID})
		return nil
	})
	if err != nil {
		return fmt.Errorf("persist memory %s: %w", record.ID, err)
	}
	return m.prune(ctx)
}

// prune evicts the oldest records beyond maxRecords.
func (m *MemoryStore) prune(ctx context.Context) error {
	if m.maxRecords <= 0 {
		return nil
	}
	n, err := m.client.ZCard(ctx, m.index()).Result()
	if err != nil {
		return fmt.Errorf("count memories: %w", err)
	}
	excess := n - int64(m.maxRecords)
	if excess <= 0 {
		return nil
	}
	ids, err := m.client.ZRange(ctx, m.index(), 0, excess-1).Result()
	if err != nil {
		return fmt.Errorf("select evictions: %w", err)
	}
	_, err = m.client.TxPipelined(ctx, func(pipe backend.Pipeliner) error {
		for _, id := range ids {
			pipe.Del(ctx, m.key(id))
			pipe.ZRem(ctx, m.index(), id)
		}
		return nil
	})
	return err
}

// Retrieve loads every live record and ranks them against the objective.
// Index entries whose document expired are dropped on the way.
func (m *MemoryStore) Retrieve(ctx context.Context, objective domain.TaskObjective, limit int) ([]domain.MemoryRecord, error) {
	ids, err := m.client.ZRange(ctx, m.index(), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("list memories: %w", err)
	}
	if len(ids) == 0 {
		return nil, nil
	}
	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = m.key(id)
	}
	values, err := m.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("load memories: %w", err)
	}

	records := make([]domain.MemoryRecord, 0, len(values))
	var stale []any
	for i, v := range values {
		s, ok := v.(string)
		if !ok {
			stale = append(stale, ids[i])
			continue
		}
		var r domain.MemoryRecord
		if err := json.NewDecoder(strings.NewReader(s)).Decode(&r); err != nil {
			return nil, fmt.Errorf("decode memory %s: %w", ids[i], err)
		}
		records = append(records, r)
	}
	if len(stale) > 0 {
		_ = m.client.ZRem(ctx, m.index(), stale...).Err()
	}
	return memory.Rank(records, objective.Goal, limit), nil
}
