package redis_test

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/aretw0/espalier/pkg/adapters/redis"
	"github.com/aretw0/espalier/pkg/domain"
	"github.com/aretw0/espalier/pkg/ports"
	backend "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newClient(t *testing.T) (*miniredis.Miniredis, *backend.Client) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := backend.NewClient(&backend.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return mr, client
}

func TestRedisStore_Contract(t *testing.T) {
	_, client := newClient(t)
	ports.RunStoreContract(t, redis.NewFromClient(client))
}

func TestRedisMemoryStore_Contract(t *testing.T) {
	_, client := newClient(t)
	ports.MemoryStoreContract(t, redis.NewMemoryStore(client))
}

func TestRedisStore_TTL_Expiration(t *testing.T) {
	mr, client := newClient(t)

	// Create store with 1s TTL
	store := redis.NewFromClient(client, redis.WithTTL(1*time.Second))
	ctx := context.Background()
	runID := "run-ttl"
	state := domain.NewRunState(runID, domain.TaskObjective{Goal: "reverse a string", IterationCap: 1})

	// 1. Save
	err := store.Save(ctx, runID, state)
	assert.NoError(t, err)

	// 2. Verify List (immediately)
	runs, err := store.List(ctx)
	assert.NoError(t, err)
	assert.Contains(t, runs, runID)

	// 3. Fast Forward time in miniredis (for Key Expiration)
	mr.FastForward(2 * time.Second)

	// 4. Verify Load (should fail)
	_, err = store.Load(ctx, runID)
	assert.ErrorIs(t, err, domain.ErrRunNotFound)

	// 5. Verify List (lazily cleaned up)
	// The index score is wall-clock based, so real time has to pass as well.
	time.Sleep(1200 * time.Millisecond)

	runs, err = store.List(ctx)
	assert.NoError(t, err)
	assert.Empty(t, runs)
}

func TestRedisStore_Prefix(t *testing.T) {
	mr, client := newClient(t)

	// Custom Prefix
	store := redis.NewFromClient(client, redis.WithPrefix("custom:app:"))
	ctx := context.Background()
	runID := "my-run"

	err := store.Save(ctx, runID, domain.NewRunState(runID, domain.TaskObjective{Goal: "x", IterationCap: 1}))
	assert.NoError(t, err)

	assert.True(t, mr.Exists("custom:app:my-run"), "Expected key with custom prefix to exist")
	assert.True(t, mr.Exists("custom:app:index"), "Expected index with custom prefix to exist")

	list, err := store.List(ctx)
	assert.NoError(t, err)
	assert.Contains(t, list, runID)
}

func TestRedisMemoryStore_MaxRecords(t *testing.T) {
	_, client := newClient(t)
	store := redis.NewMemoryStore(client, redis.WithMaxRecords(2))
	ctx := context.Background()
	base := time.Now()

	for i := range 4 {
		require.NoError(t, store.Persist(ctx, domain.MemoryRecord{
			ID:        fmt.Sprintf("m%d", i),
			Category:  domain.MemoryEpisodic,
			Content:   "reverse string attempt",
			CreatedAt: base.Add(time.Duration(i) * time.Second),
		}))
	}

	got, err := store.Retrieve(ctx, domain.TaskObjective{Goal: "reverse string"}, 10)
	require.NoError(t, err)
	ids := make([]string, len(got))
	for i, r := range got {
		ids[i] = r.ID
	}
	assert.ElementsMatch(t, []string{"m2", "m3"}, ids)
}

func TestRedisMemoryStore_TTL(t *testing.T) {
	mr, client := newClient(t)
	store := redis.NewMemoryStore(client, redis.WithMemoryTTL(time.Minute), redis.WithMemoryPrefix("t:"))
	ctx := context.Background()

	require.NoError(t, store.Persist(ctx, domain.MemoryRecord{ID: "old", Content: "reverse string", CreatedAt: time.Now()}))
	mr.FastForward(2 * time.Minute)

	got, err := store.Retrieve(ctx, domain.TaskObjective{Goal: "reverse string"}, 5)
	require.NoError(t, err)
	assert.Empty(t, got)

	card, err := client.ZCard(ctx, "t:index").Result()
	require.NoError(t, err)
	assert.Zero(t, card, "expired records are dropped from the index")
}

func TestGenerationCache(t *testing.T) {
	mr, client := newClient(t)
	cache := redis.NewGenerationCache(client, time.Minute)
	ctx := context.Background()
	cfg := domain.DefaultSampling()

	_, ok, err := cache.Get(ctx, "ROLE: planner", cfg)
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, cache.Set(ctx, "ROLE: planner", cfg, `{"analysis":"x"}`))
	text, ok, err := cache.Get(ctx, "ROLE: planner", cfg)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, `{"analysis":"x"}`, text)

	cfg.Seed = 7
	_, ok, err = cache.Get(ctx, "ROLE: planner", cfg)
	require.NoError(t, err)
	assert.False(t, ok, "a different seed is a different key")

	mr.FastForward(2 * time.Minute)
	_, ok, err = cache.Get(ctx, "ROLE: planner", domain.DefaultSampling())
	require.NoError(t, err)
	assert.False(t, ok, "entries expire")
}
