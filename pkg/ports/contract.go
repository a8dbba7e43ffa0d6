package ports

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/aretw0/espalier/pkg/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// RunStoreContract runs a suite of tests to verify that a RunStore implementation
// adheres to the defined interface contract.
func RunStoreContract(t *testing.T, store RunStore) {
	ctx := context.Background()
	runID := "contract-test-run-" + time.Now().Format("20060102150405")

	t.Run("Save and Load", func(t *testing.T) {
		state := domain.NewRunState(runID, domain.TaskObjective{Goal: "reverse a string", IterationCap: 3, ConfidenceThreshold: domain.Threshold(0.8)})
		state.Iteration = 1
		state.Phase = domain.PhasePlanning
		state.Append(domain.HistoryEntry{
			Kind:    domain.EntryRoleMessage,
			Message: &domain.RoleMessage{Role: domain.RolePlanner, Rationale: "split the work"},
		})

		err := store.Save(ctx, runID, state)
		require.NoError(t, err, "Save should not return error")

		loaded, err := store.Load(ctx, runID)
		require.NoError(t, err, "Load should not return error")
		assert.Equal(t, state.RunID, loaded.RunID)
		assert.Equal(t, domain.PhasePlanning, loaded.Phase)
		assert.Equal(t, "reverse a string", loaded.Objective.Goal)
		require.Len(t, loaded.History, 1)
		assert.Equal(t, "split the work", loaded.History[0].Message.Rationale)
	})

	t.Run("Load returns a detached copy", func(t *testing.T) {
		loaded, err := store.Load(ctx, runID)
		require.NoError(t, err)
		loaded.Phase = domain.PhaseTerminated

		again, err := store.Load(ctx, runID)
		require.NoError(t, err)
		assert.NotEqual(t, domain.PhaseTerminated, again.Phase, "mutating a loaded state must not leak into the store")
	})

	t.Run("Load Non-Existent", func(t *testing.T) {
		_, err := store.Load(ctx, "non-existent-"+runID)
		assert.ErrorIs(t, err, domain.ErrRunNotFound)
	})

	t.Run("Delete", func(t *testing.T) {
		err := store.Save(ctx, runID, domain.NewRunState(runID, domain.TaskObjective{Goal: "x", IterationCap: 1}))
		require.NoError(t, err)

		err = store.Delete(ctx, runID)
		require.NoError(t, err, "Delete should not return error")

		_, err = store.Load(ctx, runID)
		assert.ErrorIs(t, err, domain.ErrRunNotFound, "Load after Delete should return ErrRunNotFound")
	})

	t.Run("List", func(t *testing.T) {
		id1 := runID + "-1"
		id2 := runID + "-2"
		_ = store.Save(ctx, id1, domain.NewRunState(id1, domain.TaskObjective{Goal: "a", IterationCap: 1}))
		_ = store.Save(ctx, id2, domain.NewRunState(id2, domain.TaskObjective{Goal: "b", IterationCap: 1}))

		defer func() {
			_ = store.Delete(ctx, id1)
			_ = store.Delete(ctx, id2)
		}()

		runs, err := store.List(ctx)
		require.NoError(t, err)
		assert.Contains(t, runs, id1)
		assert.Contains(t, runs, id2)
	})
}

// MemoryStoreContract verifies persistence and relevance ordering of a MemoryStore.
func MemoryStoreContract(t *testing.T, store MemoryStore) {
	ctx := context.Background()
	now := time.Now().UTC()

	records := []domain.MemoryRecord{
		{ID: "m1", Category: domain.MemoryEpisodic, Content: "Task: reverse a string in python. Result: succeeded", RunID: "r1", Key: "reverse string python", CreatedAt: now},
		{ID: "m2", Category: domain.MemorySemantic, Content: "Parsing CSV files needs the csv module", RunID: "r2", Key: "parse csv", CreatedAt: now.Add(time.Second)},
		{ID: "m3", Category: domain.MemoryProcedural, Content: "python_exec -> run_tests for string utilities", RunID: "r1", Key: "string utilities", CreatedAt: now.Add(2 * time.Second)},
	}
	for _, r := range records {
		require.NoError(t, store.Persist(ctx, r))
	}

	t.Run("Retrieve ranks by relevance", func(t *testing.T) {
		got, err := store.Retrieve(ctx, domain.TaskObjective{Goal: "reverse a string"}, 10)
		require.NoError(t, err)
		require.NotEmpty(t, got)
		assert.Equal(t, "m1", got[0].ID)
		for _, r := range got {
			assert.NotEqual(t, "m2", r.ID, "unrelated records should not be returned")
		}
	})

	t.Run("Retrieve honours limit", func(t *testing.T) {
		got, err := store.Retrieve(ctx, domain.TaskObjective{Goal: "string"}, 1)
		require.NoError(t, err)
		assert.Len(t, got, 1)
	})

	t.Run("Retrieve with no match", func(t *testing.T) {
		got, err := store.Retrieve(ctx, domain.TaskObjective{Goal: "kubernetes operator"}, 5)
		require.NoError(t, err)
		assert.Empty(t, got)
	})
}

// AuditLogContract verifies append-only ordering of an AuditLog.
func AuditLogContract(t *testing.T, log AuditLog) {
	ctx := context.Background()
	runID := "audit-contract-" + time.Now().Format("150405.000000")

	payload := func(v any) json.RawMessage {
		b, err := json.Marshal(v)
		require.NoError(t, err)
		return b
	}

	entries := []AuditEntry{
		{RunID: runID, Iteration: 1, Kind: AuditToolInvocation, Ref: "inv-1", Payload: payload(map[string]any{"name": "python_exec"})},
		{RunID: runID, Iteration: 1, Kind: AuditToolResult, Ref: "res-1", Payload: payload(map[string]any{"exit_code": 0})},
		{RunID: runID, Iteration: 2, Kind: AuditToolInvocation, Ref: "inv-2", Payload: payload(map[string]any{"name": "python_exec"})},
		{RunID: "other-" + runID, Iteration: 1, Kind: AuditRoleMessage, Payload: payload(map[string]any{"role": "planner"})},
	}
	for _, e := range entries {
		require.NoError(t, log.Append(ctx, e))
	}

	got, err := log.Query(ctx, runID)
	require.NoError(t, err)
	require.Len(t, got, 3)

	assert.Equal(t, "inv-1", got[0].Ref)
	assert.Equal(t, "res-1", got[1].Ref)
	assert.Equal(t, "inv-2", got[2].Ref)
	assert.Equal(t, 2, got[2].Iteration)
	assert.Less(t, got[0].ID, got[1].ID, "IDs must increase in append order")
	assert.False(t, got[0].CreatedAt.IsZero())
	assert.JSONEq(t, `{"exit_code":0}`, string(got[1].Payload))

	empty, err := log.Query(ctx, "missing-"+runID)
	require.NoError(t, err)
	assert.Empty(t, empty)
}
