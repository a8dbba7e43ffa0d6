package memory_test

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/aretw0/espalier/internal/retry"
	adapter "github.com/aretw0/espalier/pkg/adapters/memory"
	"github.com/aretw0/espalier/pkg/domain"
	"github.com/aretw0/espalier/pkg/memory"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

type mockStore struct {
	mock.Mock
}

func (m *mockStore) Persist(ctx context.Context, r domain.MemoryRecord) error {
	return m.Called(r).Error(0)
}

func (m *mockStore) Retrieve(ctx context.Context, objective domain.TaskObjective, limit int) ([]domain.MemoryRecord, error) {
	args := m.Called(objective.Goal, limit)
	recs, _ := args.Get(0).([]domain.MemoryRecord)
	return recs, args.Error(1)
}

var fast = retry.Policy{Attempts: 2, BaseDelay: time.Millisecond, MaxDelay: time.Millisecond}

func sequentialIDs() func() string {
	n := 0
	return func() string {
		n++
		return fmt.Sprintf("mem-%d", n)
	}
}

func succeededRun() *domain.RunState {
	st := domain.NewRunState("run-1", domain.TaskObjective{Goal: "reverse a string in python", IterationCap: 3})
	st.Iteration = 1
	st.Append(domain.HistoryEntry{Kind: domain.EntryRoleMessage, Message: &domain.RoleMessage{
		Role:      domain.RoleEngineer,
		Rationale: "slice with [::-1]",
		Action:    &domain.ToolRequest{Name: "python_exec"},
	}})
	st.Append(domain.HistoryEntry{Kind: domain.EntryToolResult, Tool: &domain.ToolResult{ID: "res-1", Name: "python_exec", Stdout: "olleh"}})
	st.Append(domain.HistoryEntry{Kind: domain.EntryCritique, Critique: &domain.CritiqueReport{
		Critique: "idiomatic slicing", Approved: true, Feedback: "add a docstring", Confidence: 0.9,
	}})
	st.Status = domain.StatusSucceeded
	st.Reason = domain.ReasonSucceeded
	return st
}

func TestBridge_CommitSucceeded(t *testing.T) {
	store := adapter.NewMemoryStore()
	b := memory.NewBridge(store, memory.WithIDGenerator(sequentialIDs()), memory.WithRetry(fast))

	require.NoError(t, b.Commit(context.Background(), succeededRun()))
	assert.Equal(t, 3, store.Len(), "episodic, semantic and procedural")

	recalled := b.Recall(context.Background(), domain.TaskObjective{Goal: "reverse a list in python"})
	require.NotEmpty(t, recalled)

	byCategory := map[domain.MemoryCategory]string{}
	for _, r := range recalled {
		byCategory[r.Category] = r.Content
		assert.Equal(t, "run-1", r.RunID)
	}
	assert.Contains(t, byCategory[domain.MemoryEpisodic], "Task: reverse a string in python\nResult: succeeded\nSolution: slice with [::-1] [python_exec]\nFeedback: add a docstring")
	assert.Contains(t, byCategory[domain.MemorySemantic], "idiomatic slicing add a docstring")
	assert.Equal(t, "To reverse a string in python: python_exec", byCategory[domain.MemoryProcedural])
}

func TestBridge_CommitFailedRunIsEpisodicOnly(t *testing.T) {
	store := adapter.NewMemoryStore()
	b := memory.NewBridge(store, memory.WithRetry(fast))

	st := succeededRun()
	st.Status = domain.StatusExhausted
	st.Reason = domain.ReasonIterationExhausted
	require.NoError(t, b.Commit(context.Background(), st))
	assert.Equal(t, 1, store.Len())
	assert.Contains(t, memory.Experience(st), "Result: exhausted (iteration_exhausted)")
}

func TestBridge_CommitFaultAfterRetries(t *testing.T) {
	store := &mockStore{}
	store.On("Persist", mock.Anything).Return(errors.New("connection reset"))
	b := memory.NewBridge(store, memory.WithRetry(fast))

	err := b.Commit(context.Background(), succeededRun())
	var fault *domain.DependencyFault
	require.ErrorAs(t, err, &fault)
	assert.Equal(t, "memory", fault.Dependency)
	assert.Equal(t, 2, fault.Attempts)
	store.AssertNumberOfCalls(t, "Persist", 2)
}

func TestBridge_RecallDegradesToEmpty(t *testing.T) {
	store := &mockStore{}
	store.On("Retrieve", "g", 2).Return(nil, errors.New("down"))
	b := memory.NewBridge(store, memory.WithRecallLimit(2))

	assert.Empty(t, b.Recall(context.Background(), domain.TaskObjective{Goal: "g"}))
	store.AssertExpectations(t)
}

func TestBridge_Checkpoint(t *testing.T) {
	store := &mockStore{}
	var got domain.MemoryRecord
	store.On("Persist", mock.Anything).Run(func(args mock.Arguments) {
		got = args.Get(0).(domain.MemoryRecord)
	}).Return(nil)
	b := memory.NewBridge(store, memory.WithIDGenerator(func() string { return "cp" }))

	st := succeededRun()
	st.Status = domain.StatusRunning
	require.NoError(t, b.Checkpoint(context.Background(), st))
	assert.Equal(t, "cp", got.ID)
	assert.Equal(t, domain.MemoryEpisodic, got.Category)
	assert.Contains(t, got.Content, "Progress: iteration 1 of 3")
}

func TestRank(t *testing.T) {
	now := time.Now()
	records := []domain.MemoryRecord{
		{ID: "a", Content: "parse json config", CreatedAt: now},
		{ID: "b", Content: "reverse a string", CreatedAt: now},
		{ID: "c", Content: "reverse string quickly", CreatedAt: now.Add(time.Second)},
		{ID: "d", Content: "unrelated", CreatedAt: now},
	}

	tests := []struct {
		name  string
		query string
		limit int
		want  []string
	}{
		{"ties go to newer", "reverse string", -1, []string{"c", "b"}},
		{"limit", "reverse string", 1, []string{"c"}},
		{"no overlap", "kubernetes", -1, []string{}},
		{"stop words only", "the and of", -1, []string{}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := []string{}
			for _, r := range memory.Rank(records, tt.query, tt.limit) {
				got = append(got, r.ID)
			}
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestTerms(t *testing.T) {
	assert.Equal(t, []string{"json", "parse", "python"}, memory.Terms("Parse the JSON, in Python! parse"))
}
