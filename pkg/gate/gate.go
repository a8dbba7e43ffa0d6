// Package gate implements the mandatory evaluation and critique gate.
//
// The evaluator judges the iteration from tool evidence, then the critic reviews
// it. Both always run. A pass verdict only stands when it cites at least one
// valid tool result.
package gate

import (
	"context"
	"log/slog"
	"slices"
	"strings"

	"github.com/aretw0/espalier/internal/logging"
	"github.com/aretw0/espalier/pkg/domain"
	"github.com/aretw0/espalier/pkg/ports"
	"github.com/aretw0/espalier/pkg/protocol"
)

// IssueNoEvidence is recorded when a pass verdict is overridden.
const IssueNoEvidence = "no valid test evidence"

// RoleCaller invokes a role with bounded protocol retries.
type RoleCaller interface {
	InvokeRetrying(ctx context.Context, role domain.Role, tc protocol.TaskContext, retries int) (domain.RoleMessage, error)
}

// ToolObserver is notified around tool runs requested by the evaluator.
// result is nil before execution.
type ToolObserver func(ctx context.Context, inv domain.ToolInvocation, result *domain.ToolResult)

// Input is one iteration handed to the gate.
type Input struct {
	RunID   string
	Context protocol.TaskContext
	Limits  domain.Limits
	OnTool  ToolObserver
}

// Assessment is the evaluator's part of the outcome.
type Assessment struct {
	Evaluation domain.EvaluationReport
	Messages   []domain.RoleMessage

	// Evidence is every tool result of the iteration, including reruns.
	Evidence []domain.ToolResult

	// Reruns are the results produced by the gate itself.
	Reruns []domain.ToolResult
}

// Gate runs the evaluator and critic roles.
type Gate struct {
	roles   RoleCaller
	sandbox ports.Sandbox
	retries int
	logger  *slog.Logger
}

// Option configures the Gate.
type Option func(*Gate)

// WithRetries sets the protocol retry budget for each role call.
func WithRetries(n int) Option {
	return func(g *Gate) { g.retries = n }
}

// WithLogger sets the structured logger.
func WithLogger(l *slog.Logger) Option {
	return func(g *Gate) { g.logger = l }
}

// New creates a gate. sandbox may be nil, in which case evaluator actions are ignored.
func New(roles RoleCaller, sandbox ports.Sandbox, opts ...Option) *Gate {
	g := &Gate{roles: roles, sandbox: sandbox, retries: 1, logger: logging.NewNop()}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// Assess invokes the evaluator. When it asks for a tool run, the gate executes
// it through the sandbox and lets the evaluator judge once more with the new evidence.
func (g *Gate) Assess(ctx context.Context, in Input) (Assessment, error) {
	tc := in.Context
	evidence := slices.Clone(tc.Evidence)
	var a Assessment

	msg, err := g.evaluator(ctx, tc, evidence)
	if err != nil {
		return Assessment{}, err
	}
	a.Messages = append(a.Messages, msg)

	if msg.HasAction() && g.sandbox != nil {
		inv := domain.ToolInvocation{
			RunID:     in.RunID,
			Iteration: tc.Iteration,
			Name:      msg.Action.Name,
			Input:     msg.Action.Input,
			Limits:    in.Limits,
			Seed:      tc.Objective.Seed,
			Origin:    domain.RoleEvaluator,
		}
		if in.OnTool != nil {
			in.OnTool(ctx, inv, nil)
		}
		res, err := g.sandbox.Execute(ctx, inv)
		if err != nil {
			return Assessment{}, err
		}
		if in.OnTool != nil {
			in.OnTool(ctx, inv, &res)
		}
		evidence = append(evidence, res)
		a.Reruns = append(a.Reruns, res)

		msg, err = g.evaluator(ctx, tc, evidence)
		if err != nil {
			return Assessment{}, err
		}
		a.Messages = append(a.Messages, msg)
	}

	out, err := protocol.DecodeMessage[protocol.EvaluatorOutput](msg)
	if err != nil {
		return Assessment{}, &domain.ProtocolViolation{Role: domain.RoleEvaluator, Reason: protocol.ReasonDecodeFailed, Raw: msg.Raw, Err: err}
	}
	a.Evaluation = Ground(out, evidence)
	a.Evidence = evidence
	if a.Evaluation.Forced {
		g.logger.Info("pass verdict overridden", "run_id", in.RunID, "iteration", tc.Iteration, "reason", IssueNoEvidence)
	}
	return a, nil
}

func (g *Gate) evaluator(ctx context.Context, tc protocol.TaskContext, evidence []domain.ToolResult) (domain.RoleMessage, error) {
	tc.Evidence = evidence
	return g.roles.InvokeRetrying(ctx, domain.RoleEvaluator, tc, g.retries)
}

// Review invokes the critic with the evaluation report. It always runs.
func (g *Gate) Review(ctx context.Context, in Input, a Assessment) (domain.CritiqueReport, domain.RoleMessage, error) {
	tc := in.Context
	tc.Evidence = a.Evidence
	eval := a.Evaluation
	tc.Evaluation = &eval

	msg, err := g.roles.InvokeRetrying(ctx, domain.RoleCritic, tc, g.retries)
	if err != nil {
		return domain.CritiqueReport{}, domain.RoleMessage{}, err
	}
	out, err := protocol.DecodeMessage[protocol.CriticOutput](msg)
	if err != nil {
		return domain.CritiqueReport{}, msg, &domain.ProtocolViolation{Role: domain.RoleCritic, Reason: protocol.ReasonDecodeFailed, Raw: msg.Raw, Err: err}
	}
	return domain.CritiqueReport{
		Critique:   out.Critique,
		Approved:   out.Approved,
		Feedback:   out.Feedback,
		Confidence: min(max(out.Confidence, 0), 1),
		Issues:     out.Issues,
	}, msg, nil
}

// Ground turns the evaluator's reply into a report whose pass verdict is backed
// by evidence. Citations may be prompt labels (E1) or result IDs; unknown ones
// are dropped.
func Ground(out protocol.EvaluatorOutput, evidence []domain.ToolResult) domain.EvaluationReport {
	report := domain.EvaluationReport{
		Verdict:    domain.Verdict(out.Status),
		TestPlan:   out.TestPlan,
		Issues:     slices.Clone(out.Issues),
		NoEvidence: len(evidence) == 0,
	}

	valid := false
	for _, ref := range out.Evidence {
		res, ok := resolve(ref, evidence)
		if !ok {
			continue
		}
		if !slices.Contains(report.Evidence, res.ID) {
			report.Evidence = append(report.Evidence, res.ID)
		}
		if res.Passed() {
			valid = true
		}
	}

	if report.Verdict == domain.VerdictPass && !valid {
		report.Verdict = domain.VerdictFail
		report.Forced = true
		report.Issues = append(report.Issues, IssueNoEvidence)
	}
	return report
}

func resolve(ref string, evidence []domain.ToolResult) (domain.ToolResult, bool) {
	ref = strings.TrimSpace(ref)
	for i, res := range evidence {
		if strings.EqualFold(ref, protocol.EvidenceLabel(i)) || (ref != "" && ref == res.ID) {
			return res, true
		}
	}
	return domain.ToolResult{}, false
}
