package domain

import "maps"

// Role is a named reasoning capability invoked with a fixed schema.
type Role string

const (
	RolePlanner    Role = "planner"
	RoleArchitect  Role = "architect"
	RoleEngineer   Role = "engineer"
	RoleEvaluator  Role = "evaluator"
	RoleCritic     Role = "critic"
	RoleResearcher Role = "researcher"
	RoleFinalizer  Role = "finalizer"
)

// ActionFinalAnswer is the engineer action meaning "no tool call required".
const ActionFinalAnswer = "final_answer"

// ToolRequest is the action named by a role message.
type ToolRequest struct {
	Name  string         `json:"name" yaml:"name" mapstructure:"name"`
	Input map[string]any `json:"input,omitempty" yaml:"input,omitempty" mapstructure:"input"`
}

// RoleMessage is the structured output of one role invocation.
// It is immutable once produced by the role invoker.
type RoleMessage struct {
	Role Role `json:"role"`

	// Rationale is the plan, design rationale, thought or critique of the role.
	Rationale string `json:"rationale"`

	// Action is the tool the role asks to execute, if any.
	Action *ToolRequest `json:"action,omitempty"`

	// ExpectedResult optionally describes what the action should produce.
	ExpectedResult string `json:"expected_result,omitempty"`

	// Fields holds the validated role-specific payload.
	Fields map[string]any `json:"fields,omitempty"`

	// Raw is the unparsed backbone output.
	Raw string `json:"raw,omitempty"`

	// Attempts counts invocations needed to obtain a valid message.
	Attempts int `json:"attempts"`
}

// Clone returns a deep-enough copy of the message.
func (m RoleMessage) Clone() RoleMessage {
	out := m
	if m.Fields != nil {
		out.Fields = maps.Clone(m.Fields)
	}
	if m.Action != nil {
		a := *m.Action
		a.Input = maps.Clone(m.Action.Input)
		out.Action = &a
	}
	return out
}

// HasAction reports whether the message names an executable action.
func (m RoleMessage) HasAction() bool {
	return m.Action != nil && m.Action.Name != "" && m.Action.Name != ActionFinalAnswer
}
