package session

import (
	"context"
	"fmt"
	"testing"

	"github.com/aretw0/espalier/pkg/adapters/memory"
	"github.com/aretw0/espalier/pkg/domain"
)

func TestManager_LockLifecycle(t *testing.T) {
	store := memory.NewStore()
	mgr := NewManager(nil, store)
	ctx := context.Background()
	count := 10000

	// 1. Save and Delete many runs under their locks
	for i := 0; i < count; i++ {
		rid := fmt.Sprintf("run-%d", i)
		_ = mgr.WithLock(ctx, rid, func(ctx context.Context) error {
			return store.Save(ctx, rid, domain.NewRunState(rid, domain.TaskObjective{Goal: "x", IterationCap: 1}))
		})
		_ = mgr.Delete(ctx, rid)
	}

	// 2. Count locks remaining in map
	lockCount := len(mgr.locks)
	t.Logf("Runs Created: %d, Locks Leaked: %d", count, lockCount)

	if lockCount != 0 {
		t.Errorf("Memory Leak Detected: %d locks remaining in memory after Delete", lockCount)
	}
}
