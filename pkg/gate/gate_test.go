package gate_test

import (
	"context"
	"testing"

	"github.com/aretw0/espalier/pkg/adapters/backbone"
	"github.com/aretw0/espalier/pkg/domain"
	"github.com/aretw0/espalier/pkg/gate"
	"github.com/aretw0/espalier/pkg/protocol"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeSandbox struct {
	result domain.ToolResult
	calls  []domain.ToolInvocation
}

func (f *fakeSandbox) Execute(ctx context.Context, inv domain.ToolInvocation) (domain.ToolResult, error) {
	f.calls = append(f.calls, inv)
	res := f.result
	res.Name = inv.Name
	return res, nil
}

func (f *fakeSandbox) Tools() []domain.ToolSpec { return nil }

func input(evidence ...domain.ToolResult) gate.Input {
	return gate.Input{
		RunID: "run-1",
		Context: protocol.TaskContext{
			Objective: domain.TaskObjective{Goal: "reverse a string", IterationCap: 3, ConfidenceThreshold: domain.Threshold(0.7)},
			Iteration: 1,
			Evidence:  evidence,
		},
	}
}

var passing = domain.ToolResult{ID: "res-pass", Name: "run_tests", Stdout: "ok"}
var failing = domain.ToolResult{ID: "res-fail", Name: "run_tests", ExitCode: 1, Stderr: "Traceback (most recent call last)"}

// outcome is what the engine gathers from one gate pass.
type outcome struct {
	Evaluation domain.EvaluationReport
	Critique   domain.CritiqueReport
	Reruns     []domain.ToolResult
	Messages   []domain.RoleMessage
}

// evaluate drives the gate the way the engine does: assess, then review.
func evaluate(g *gate.Gate, in gate.Input) (outcome, error) {
	ctx := context.Background()
	a, err := g.Assess(ctx, in)
	if err != nil {
		return outcome{}, err
	}
	crit, msg, err := g.Review(ctx, in, a)
	if err != nil {
		return outcome{}, err
	}
	return outcome{
		Evaluation: a.Evaluation,
		Critique:   crit,
		Reruns:     a.Reruns,
		Messages:   append(a.Messages, msg),
	}, nil
}

func critic(confidence float64) backbone.Reply {
	return backbone.JSON(map[string]any{"critique": "looks right", "approved": true, "feedback": "add edge cases", "confidence": confidence})
}

func evaluator(status string, evidence ...string) backbone.Reply {
	return backbone.JSON(map[string]any{"test_plan": "run the tests", "status": status, "evidence": evidence})
}

func TestGate_PassWithEvidence(t *testing.T) {
	bb := backbone.NewScripted().
		On(domain.RoleEvaluator, evaluator("pass", "E1")).
		On(domain.RoleCritic, critic(0.9))
	g := gate.New(protocol.NewInvoker(bb), nil)

	out, err := evaluate(g, input(passing))
	require.NoError(t, err)
	assert.Equal(t, domain.VerdictPass, out.Evaluation.Verdict)
	assert.Equal(t, []string{"res-pass"}, out.Evaluation.Evidence)
	assert.False(t, out.Evaluation.Forced)
	assert.Equal(t, 0.9, out.Critique.Confidence)
	assert.Len(t, out.Messages, 2)

	// The critic sees the evaluation report.
	critCalls := bb.CallsFor(domain.RoleCritic)
	require.Len(t, critCalls, 1)
	assert.Contains(t, critCalls[0].Prompt, "EVALUATION: verdict=pass")
}

func TestGate_PassWithoutValidEvidenceIsForcedToFail(t *testing.T) {
	tests := []struct {
		name       string
		evidence   []domain.ToolResult
		cited      []string
		noEvidence bool
	}{
		{"no tool ran", nil, nil, true},
		{"nothing cited", []domain.ToolResult{passing}, nil, false},
		{"cited failing result", []domain.ToolResult{failing}, []string{"E1"}, false},
		{"unknown citation", []domain.ToolResult{passing}, []string{"E7", "made-up"}, false},
		{"violation", []domain.ToolResult{{ID: "v", Violation: domain.ViolationNetwork, ExitCode: -1}}, []string{"v"}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			bb := backbone.NewScripted().
				On(domain.RoleEvaluator, evaluator("pass", tt.cited...)).
				On(domain.RoleCritic, critic(0.95))
			g := gate.New(protocol.NewInvoker(bb), nil)

			out, err := evaluate(g, input(tt.evidence...))
			require.NoError(t, err)
			assert.Equal(t, domain.VerdictFail, out.Evaluation.Verdict)
			assert.True(t, out.Evaluation.Forced)
			assert.Contains(t, out.Evaluation.Issues, gate.IssueNoEvidence)
			assert.Equal(t, tt.noEvidence, out.Evaluation.NoEvidence)
			assert.Len(t, bb.CallsFor(domain.RoleCritic), 1, "the critic always runs")
		})
	}
}

func TestGate_EvaluatorRerunsTests(t *testing.T) {
	bb := backbone.NewScripted().
		On(domain.RoleEvaluator,
			backbone.JSON(map[string]any{"test_plan": "run tests", "status": "fail", "action": "run_tests", "input": map[string]any{"code": "x", "test_code": "y"}}),
			evaluator("pass", "E1")).
		On(domain.RoleCritic, critic(0.8))
	sb := &fakeSandbox{result: domain.ToolResult{ID: "rerun-1", Stdout: "ok"}}

	var observed []string
	in := input()
	in.OnTool = func(ctx context.Context, inv domain.ToolInvocation, res *domain.ToolResult) {
		if res == nil {
			observed = append(observed, "call:"+inv.Name)
		} else {
			observed = append(observed, "return:"+res.ID)
		}
	}

	out, err := evaluate(gate.New(protocol.NewInvoker(bb), sb), in)
	require.NoError(t, err)
	require.Len(t, sb.calls, 1)
	assert.Equal(t, domain.RoleEvaluator, sb.calls[0].Origin)
	assert.Equal(t, "run-1", sb.calls[0].RunID)
	assert.Equal(t, []string{"call:run_tests", "return:rerun-1"}, observed)

	assert.Equal(t, domain.VerdictPass, out.Evaluation.Verdict)
	assert.Equal(t, []string{"rerun-1"}, out.Evaluation.Evidence)
	assert.False(t, out.Evaluation.NoEvidence)
	assert.Len(t, out.Reruns, 1)
	assert.Len(t, out.Messages, 3)
}

func TestGate_ProtocolRetry(t *testing.T) {
	bb := backbone.NewScripted().
		On(domain.RoleEvaluator, backbone.Text("I think it passes"), evaluator("fail")).
		On(domain.RoleCritic, backbone.Text(`{"critique": "?"}`), backbone.Text("still wrong"))
	g := gate.New(protocol.NewInvoker(bb), nil, gate.WithRetries(1))

	_, err := evaluate(g, input(passing))
	var pv *domain.ProtocolViolation
	require.ErrorAs(t, err, &pv)
	assert.Equal(t, domain.RoleCritic, pv.Role)

	evalCalls := bb.CallsFor(domain.RoleEvaluator)
	require.Len(t, evalCalls, 2)
	assert.Contains(t, evalCalls[1].Prompt, "YOUR PREVIOUS REPLY WAS REJECTED")
}

func TestGround_ResolvesLabelsAndIDs(t *testing.T) {
	report := gate.Ground(protocol.EvaluatorOutput{Status: "pass", Evidence: []string{"e2", "E2", "res-pass"}},
		[]domain.ToolResult{failing, passing})
	assert.Equal(t, domain.VerdictPass, report.Verdict)
	assert.Equal(t, []string{"res-pass"}, report.Evidence, "duplicate citations collapse")
}
