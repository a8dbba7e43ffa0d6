package protocol

import (
	"fmt"
	"strings"

	"github.com/aretw0/espalier/pkg/domain"
	"github.com/aretw0/espalier/pkg/schema"
	"github.com/mitchellh/mapstructure"
)

// RoleSpec binds a role to its reply schema, prompt instructions and decoder.
type RoleSpec struct {
	Role         domain.Role
	Schema       schema.Schema
	Instructions string

	// Build turns a validated payload into a RoleMessage.
	Build func(fields map[string]any) (domain.RoleMessage, error)
}

// PlannerOutput is the planner reply payload.
type PlannerOutput struct {
	Analysis   string   `mapstructure:"analysis"`
	Milestones []string `mapstructure:"milestones"`
}

// ArchitectOutput is the architect reply payload.
type ArchitectOutput struct {
	DesignRationale string            `mapstructure:"design_rationale"`
	FileStructure   map[string]string `mapstructure:"file_structure"`
}

// EngineerOutput is the engineer reply payload.
type EngineerOutput struct {
	Thought        string         `mapstructure:"thought"`
	Action         string         `mapstructure:"action"`
	Input          map[string]any `mapstructure:"input"`
	ExpectedResult string         `mapstructure:"expected_result"`
}

// EvaluatorOutput is the evaluator reply payload.
type EvaluatorOutput struct {
	TestPlan string         `mapstructure:"test_plan"`
	Status   string         `mapstructure:"status"`
	Issues   []string       `mapstructure:"issues"`
	Evidence []string       `mapstructure:"evidence"`
	Action   string         `mapstructure:"action"`
	Input    map[string]any `mapstructure:"input"`
}

// CriticOutput is the critic reply payload.
type CriticOutput struct {
	Critique   string   `mapstructure:"critique"`
	Approved   bool     `mapstructure:"approved"`
	Feedback   string   `mapstructure:"feedback"`
	Confidence float64  `mapstructure:"confidence"`
	Issues     []string `mapstructure:"issues"`
}

// ResearcherOutput is the researcher reply payload.
type ResearcherOutput struct {
	CoreChallenge string   `mapstructure:"core_challenge"`
	Hypothesis    string   `mapstructure:"hypothesis"`
	Keywords      []string `mapstructure:"keywords"`
}

// FinalizerOutput is the finalizer reply payload.
type FinalizerOutput struct {
	Summary string `mapstructure:"summary"`
}

// Decode maps a validated payload onto a typed output struct.
func Decode[T any](fields map[string]any) (T, error) {
	var out T
	if err := mapstructure.Decode(fields, &out); err != nil {
		return out, fmt.Errorf("decode payload: %w", err)
	}
	return out, nil
}

// DecodeMessage decodes the payload of a message.
func DecodeMessage[T any](msg domain.RoleMessage) (T, error) {
	return Decode[T](msg.Fields)
}

// DefaultRoles returns the fixed role table.
func DefaultRoles() map[domain.Role]RoleSpec {
	specs := []RoleSpec{
		{
			Role: domain.RolePlanner,
			Schema: schema.Schema{
				"analysis":   schema.Text(),
				"milestones": schema.Slice(schema.String()),
			},
			Instructions: "You are the Planner. Analyse the objective and break it into milestones. Account for earlier iterations and their feedback.",
			Build: func(fields map[string]any) (domain.RoleMessage, error) {
				out, err := Decode[PlannerOutput](fields)
				if err != nil {
					return domain.RoleMessage{}, err
				}
				return domain.RoleMessage{
					Role:           domain.RolePlanner,
					Rationale:      out.Analysis,
					ExpectedResult: strings.Join(out.Milestones, "; "),
				}, nil
			},
		},
		{
			Role: domain.RoleArchitect,
			Schema: schema.Schema{
				"design_rationale": schema.Text(),
				"file_structure":   schema.Map(schema.String()),
			},
			Instructions: "You are the Architect. Turn the plan into a concrete design: explain the rationale and map each file to its purpose.",
			Build: func(fields map[string]any) (domain.RoleMessage, error) {
				out, err := Decode[ArchitectOutput](fields)
				if err != nil {
					return domain.RoleMessage{}, err
				}
				return domain.RoleMessage{Role: domain.RoleArchitect, Rationale: out.DesignRationale}, nil
			},
		},
		{
			Role: domain.RoleEngineer,
			Schema: schema.Schema{
				"thought":         schema.Text(),
				"action":          schema.Text(),
				"input":           schema.Optional(schema.Map(nil)),
				"expected_result": schema.Optional(schema.String()),
			},
			Instructions: "You are the Engineer. Implement the design by requesting exactly one tool action. Set action to \"final_answer\" when no tool is needed.",
			Build: func(fields map[string]any) (domain.RoleMessage, error) {
				out, err := Decode[EngineerOutput](fields)
				if err != nil {
					return domain.RoleMessage{}, err
				}
				msg := domain.RoleMessage{
					Role:           domain.RoleEngineer,
					Rationale:      out.Thought,
					ExpectedResult: out.ExpectedResult,
				}
				msg.Action = &domain.ToolRequest{Name: out.Action, Input: out.Input}
				return msg, nil
			},
		},
		{
			Role: domain.RoleEvaluator,
			Schema: schema.Schema{
				"test_plan": schema.Text(),
				"status":    schema.Enum(string(domain.VerdictPass), string(domain.VerdictFail)),
				"issues":    schema.Optional(schema.Slice(schema.String())),
				"evidence":  schema.Optional(schema.Slice(schema.String())),
				"action":    schema.Optional(schema.String()),
				"input":     schema.Optional(schema.Map(nil)),
			},
			Instructions: "You are the Evaluator. Judge the result strictly from the tool evidence. Cite evidence labels (E1, E2, ...) that support your verdict. " +
				"You may request one test run with action \"run_tests\". Without valid evidence the status must be \"fail\".",
			Build: func(fields map[string]any) (domain.RoleMessage, error) {
				out, err := Decode[EvaluatorOutput](fields)
				if err != nil {
					return domain.RoleMessage{}, err
				}
				msg := domain.RoleMessage{Role: domain.RoleEvaluator, Rationale: out.TestPlan}
				if out.Action != "" {
					msg.Action = &domain.ToolRequest{Name: out.Action, Input: out.Input}
				}
				return msg, nil
			},
		},
		{
			Role: domain.RoleCritic,
			Schema: schema.Schema{
				"critique":   schema.Text(),
				"approved":   schema.Bool(),
				"feedback":   schema.String(),
				"confidence": schema.Range(0, 1),
				"issues":     schema.Optional(schema.Slice(schema.String())),
			},
			Instructions: "You are the Critic. Question the assumptions behind the solution independently of the test outcome and report your confidence in [0,1].",
			Build: func(fields map[string]any) (domain.RoleMessage, error) {
				out, err := Decode[CriticOutput](fields)
				if err != nil {
					return domain.RoleMessage{}, err
				}
				return domain.RoleMessage{Role: domain.RoleCritic, Rationale: out.Critique, ExpectedResult: out.Feedback}, nil
			},
		},
		{
			Role: domain.RoleResearcher,
			Schema: schema.Schema{
				"core_challenge": schema.Text(),
				"hypothesis":     schema.Text(),
				"keywords":       schema.Optional(schema.Slice(schema.String())),
			},
			Instructions: "You are the Researcher. Identify the core technical challenge and state a testable hypothesis for solving it.",
			Build: func(fields map[string]any) (domain.RoleMessage, error) {
				out, err := Decode[ResearcherOutput](fields)
				if err != nil {
					return domain.RoleMessage{}, err
				}
				return domain.RoleMessage{Role: domain.RoleResearcher, Rationale: out.CoreChallenge, ExpectedResult: out.Hypothesis}, nil
			},
		},
		{
			Role: domain.RoleFinalizer,
			Schema: schema.Schema{
				"summary": schema.Text(),
			},
			Instructions: "You are the Finalizer. Summarise the accepted solution for the requester.",
			Build: func(fields map[string]any) (domain.RoleMessage, error) {
				out, err := Decode[FinalizerOutput](fields)
				if err != nil {
					return domain.RoleMessage{}, err
				}
				return domain.RoleMessage{Role: domain.RoleFinalizer, Rationale: out.Summary}, nil
			},
		},
	}

	table := make(map[domain.Role]RoleSpec, len(specs))
	for _, s := range specs {
		table[s.Role] = s
	}
	return table
}
