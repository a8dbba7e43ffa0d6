package redis_test

import (
	"context"
	"testing"
	"time"

	"github.com/aretw0/espalier/pkg/adapters/redis"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLocker_ExclusiveUntilUnlock(t *testing.T) {
	mr, client := newClient(t)
	locker := redis.NewLocker(client, "espalier:")
	ctx := context.Background()

	unlock, err := locker.Lock(ctx, "run-1", time.Minute)
	require.NoError(t, err)
	assert.True(t, mr.Exists("espalier:lock:run-1"))

	short, cancel := context.WithTimeout(ctx, 250*time.Millisecond)
	defer cancel()
	_, err = locker.Lock(short, "run-1", time.Minute)
	assert.ErrorIs(t, err, redis.ErrLockAcquire)
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	require.NoError(t, unlock(ctx))
	assert.False(t, mr.Exists("espalier:lock:run-1"))

	again, err := locker.Lock(ctx, "run-1", time.Minute)
	require.NoError(t, err)
	require.NoError(t, again(ctx))
}

func TestLocker_UnlockDoesNotStealForeignLock(t *testing.T) {
	mr, client := newClient(t)
	locker := redis.NewLocker(client, "espalier:")
	ctx := context.Background()

	unlock, err := locker.Lock(ctx, "run-2", time.Minute)
	require.NoError(t, err)

	// The lock expires and another replica takes it.
	mr.FastForward(2 * time.Minute)
	require.NoError(t, mr.Set("espalier:lock:run-2", "other-replica"))

	require.NoError(t, unlock(ctx))
	got, err := mr.Get("espalier:lock:run-2")
	require.NoError(t, err)
	assert.Equal(t, "other-replica", got)
}

func TestLocker_RefreshesWhileHeld(t *testing.T) {
	mr, client := newClient(t)
	locker := redis.NewLocker(client, "espalier:")
	ctx := context.Background()
	const ttl = 300 * time.Millisecond
	key := "espalier:lock:run-3"

	unlock, err := locker.Lock(ctx, "run-3", ttl)
	require.NoError(t, err)

	// Nearly expired; a refresh must push the expiry back out.
	mr.FastForward(250 * time.Millisecond)
	require.Eventually(t, func() bool { return mr.TTL(key) > 200*time.Millisecond }, 2*time.Second, 10*time.Millisecond)

	// Past the original TTL in total, the lock is still ours.
	mr.FastForward(200 * time.Millisecond)
	require.Eventually(t, func() bool { return mr.TTL(key) > 200*time.Millisecond }, 2*time.Second, 10*time.Millisecond)
	assert.True(t, mr.Exists(key), "a long run keeps its lock")

	require.NoError(t, unlock(ctx))
	assert.False(t, mr.Exists(key))
}

func TestLocker_ReportsLostLock(t *testing.T) {
	mr, client := newClient(t)
	locker := redis.NewLocker(client, "espalier:")
	ctx := context.Background()
	key := "espalier:lock:run-4"

	unlock, err := locker.Lock(ctx, "run-4", 150*time.Millisecond)
	require.NoError(t, err)
	require.NoError(t, mr.Set(key, "other-replica"))

	// Let at least one refresh notice the takeover.
	time.Sleep(200 * time.Millisecond)
	assert.ErrorIs(t, unlock(ctx), redis.ErrLockLost)
	got, err := mr.Get(key)
	require.NoError(t, err)
	assert.Equal(t, "other-replica", got)
}
