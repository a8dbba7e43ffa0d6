package domain

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRunState_AppendAssignsSeqAndIteration(t *testing.T) {
	st := NewRunState("r1", TaskObjective{Goal: "g", IterationCap: 2})
	st.Iteration = 1
	first := st.Append(HistoryEntry{Kind: EntryRoleMessage, Message: &RoleMessage{Role: RolePlanner}})
	st.Iteration = 2
	second := st.Append(HistoryEntry{Kind: EntryToolResult, Tool: &ToolResult{Name: "shell"}})
	pinned := st.Append(HistoryEntry{Kind: EntryCritique, Iteration: 1, Critique: &CritiqueReport{Feedback: "late"}})

	assert.Equal(t, 1, first.Seq)
	assert.Equal(t, 1, first.Iteration)
	assert.Equal(t, 2, second.Seq)
	assert.Equal(t, 2, second.Iteration)
	assert.Equal(t, 1, pinned.Iteration)

	assert.Len(t, st.IterationEntries(1), 2)
	assert.Len(t, st.ToolResults(2), 1)
	_, crit := st.Reports(1)
	require.NotNil(t, crit)
	assert.Equal(t, "late", crit.Feedback)
	assert.Equal(t, RolePlanner, st.LastMessage(RolePlanner).Role)
	assert.Nil(t, st.LastMessage(RoleCritic))
}

func TestRunState_SnapshotIsDeep(t *testing.T) {
	ended := time.Now()
	st := NewRunState("r1", TaskObjective{Goal: "g"})
	st.Append(HistoryEntry{Kind: EntryEvaluation, Evaluation: &EvaluationReport{Verdict: VerdictFail, Issues: []string{"a"}}})
	st.Transitions = append(st.Transitions, Transition{From: PhaseIdle, To: PhasePlanning, Iteration: 1})
	st.EndedAt = &ended

	snap := st.Snapshot()
	snap.History[0].Evaluation.Issues[0] = "changed"
	snap.Transitions[0].To = PhaseTerminated
	*snap.EndedAt = ended.Add(time.Hour)

	assert.Equal(t, "a", st.History[0].Evaluation.Issues[0])
	assert.Equal(t, PhasePlanning, st.Transitions[0].To)
	assert.Equal(t, ended, *st.EndedAt)

	var nilState *RunState
	assert.Nil(t, nilState.Snapshot())
}

func TestRunState_TraceHash(t *testing.T) {
	build := func(status RunStatus) *RunState {
		st := NewRunState("x", TaskObjective{Goal: "g"})
		st.Transitions = []Transition{
			{From: PhaseIdle, To: PhasePlanning, Iteration: 1},
			{From: PhasePlanning, To: PhaseTerminated, Iteration: 1},
		}
		st.Status = status
		return st
	}

	a, b := build(StatusSucceeded), build(StatusSucceeded)
	b.RunID = "other"
	b.StartedAt = b.StartedAt.Add(time.Minute)
	assert.Equal(t, a.TraceHash(), b.TraceHash(), "identity and timing do not affect the trace")
	assert.NotEqual(t, a.TraceHash(), build(StatusFailed).TraceHash())
}

func TestTaskObjective_Validate(t *testing.T) {
	defaults := ObjectiveDefaults{IterationCap: 3, ConfidenceThreshold: 0.8}

	tests := []struct {
		name    string
		obj     TaskObjective
		wantErr bool
	}{
		{"defaults fill zero fields", TaskObjective{Goal: "sort a list"}, false},
		{"blank goal", TaskObjective{Goal: "   "}, true},
		{"negative cap", TaskObjective{Goal: "g", IterationCap: -1}, true},
		{"threshold above one", TaskObjective{Goal: "g", ConfidenceThreshold: Threshold(1.5)}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.obj.WithDefaults(defaults).Validate()
			if tt.wantErr {
				assert.True(t, errors.Is(err, ErrInvalidObjective))
				return
			}
			assert.NoError(t, err)
		})
	}

	filled := TaskObjective{Goal: "g"}.WithDefaults(defaults)
	assert.Equal(t, 3, filled.IterationCap)
	assert.Equal(t, 0.8, filled.MinConfidence())

	zero := TaskObjective{Goal: "g", ConfidenceThreshold: Threshold(0)}.WithDefaults(defaults)
	require.NotNil(t, zero.ConfidenceThreshold)
	assert.Equal(t, 0.0, zero.MinConfidence(), "an explicit zero is kept")
}

func TestSamplingConfig_ApplyPreset(t *testing.T) {
	tests := []struct {
		name     string
		cfg      SamplingConfig
		wantTemp float64
		wantTok  int
		wantErr  bool
	}{
		{"deterministic forces zero temperature", SamplingConfig{Mode: SamplingDeterministic, Preset: PresetCreative, MaxTokens: 512}, 0, 512, false},
		{"stochastic creative", SamplingConfig{Mode: SamplingStochastic, Preset: PresetCreative, MaxTokens: 512}, 0.9, 512, false},
		{"research raises token budget", SamplingConfig{Mode: SamplingStochastic, Preset: PresetResearch, MaxTokens: 512}, 0.2, 2048, false},
		{"unknown preset", SamplingConfig{Preset: "wild"}, 0, 0, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := tt.cfg.ApplyPreset()
			if tt.wantErr {
				assert.ErrorContains(t, err, "unknown sampling preset")
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.wantTemp, got.Temperature)
			assert.Equal(t, tt.wantTok, got.MaxTokens)
		})
	}
}

func TestSamplingConfig_ForStep(t *testing.T) {
	det := DefaultSampling()
	a := det.ForStep(42, RoleEngineer, 1, 0)
	assert.Equal(t, a.Seed, det.ForStep(42, RoleEngineer, 1, 0).Seed)
	assert.NotEqual(t, a.Seed, det.ForStep(42, RoleEngineer, 2, 0).Seed)
	assert.NotEqual(t, a.Seed, det.ForStep(42, RoleCritic, 1, 0).Seed)
	assert.GreaterOrEqual(t, a.Seed, int64(0))

	sto := SamplingConfig{Mode: SamplingStochastic, Seed: 9}
	assert.Equal(t, int64(9), sto.ForStep(42, RoleEngineer, 1, 0).Seed)
}
