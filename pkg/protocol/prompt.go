package protocol

import (
	"fmt"
	"strings"
	"text/template"
	"unicode/utf8"

	"github.com/aretw0/espalier/pkg/domain"
)

// TaskContext is everything a role sees when it is invoked.
// It is assembled by the state machine from a RunState snapshot.
type TaskContext struct {
	Objective domain.TaskObjective
	Iteration int

	Memories []domain.MemoryRecord
	History  []domain.HistoryEntry

	// Evidence holds the tool results of the current iteration, labelled E1..En in the prompt.
	Evidence []domain.ToolResult

	// Evaluation is handed to the critic.
	Evaluation *domain.EvaluationReport

	Tools []domain.ToolSpec

	// Correction explains why the previous attempt at this role was rejected.
	Correction string
}

// EvidenceLabel returns the prompt label of the i-th evidence result.
func EvidenceLabel(i int) string {
	return fmt.Sprintf("E%d", i+1)
}

const maxOutputInPrompt = 2000

var promptTemplate = template.Must(template.New("role").Funcs(template.FuncMap{
	"label": EvidenceLabel,
	"trunc": truncate,
	"join":  strings.Join,
}).Parse(`ROLE: {{.Role}}
{{.Instructions}}

OBJECTIVE:
{{.Objective.Goal}}
{{- with .Objective.SuccessCriteria}}

SUCCESS CRITERIA:
{{.}}
{{- end}}

ITERATION: {{.Iteration}} of {{.Objective.IterationCap}}
{{- if .Memories}}

EXISTING KNOWLEDGE (avoid repeating failed approaches):
{{- range .Memories}}
- [{{.Category}}] {{.Content}}
{{- end}}
{{- end}}
{{- if .History}}

HISTORY:
{{- range .History}}
{{.}}
{{- end}}
{{- end}}
{{- if .Tools}}

AVAILABLE TOOLS:
{{- range .Tools}}
- {{.Name}} ({{.Kind}}): {{.Description}}
{{- end}}
{{- end}}
{{- if .ShowEvidence}}

EVIDENCE:
{{- range $i, $e := .Evidence}}
{{label $i}} {{$e.Name}} exit={{$e.ExitCode}}{{with $e.Violation}} violation={{.}}{{end}}{{with $e.Error}} error={{.}}{{end}}
stdout: {{trunc $e.Stdout}}
stderr: {{trunc $e.Stderr}}
{{- else}}
none (no tool was executed this iteration)
{{- end}}
{{- end}}
{{- with .Evaluation}}

EVALUATION: verdict={{.Verdict}}{{if .NoEvidence}} (no evidence){{end}}
{{- with .Issues}}
issues: {{join . "; "}}
{{- end}}
{{- end}}
{{- with .Correction}}

YOUR PREVIOUS REPLY WAS REJECTED: {{.}}
{{- end}}

Reply with a single JSON object matching this schema:
{{.Schema}}
`))

type promptData struct {
	TaskContext
	Role         domain.Role
	Instructions string
	Schema       string
	History      []string
	ShowEvidence bool
}

// Render builds the prompt for role from tc.
// The output is a pure function of its inputs, so identical contexts yield identical prompts.
func Render(spec RoleSpec, tc TaskContext) (string, error) {
	data := promptData{
		TaskContext:  tc,
		Role:         spec.Role,
		Instructions: spec.Instructions,
		Schema:       spec.Schema.Describe(),
		History:      summarizeHistory(tc.History),
		ShowEvidence: spec.Role == domain.RoleEvaluator || spec.Role == domain.RoleCritic,
	}
	var b strings.Builder
	if err := promptTemplate.Execute(&b, data); err != nil {
		return "", fmt.Errorf("render %s prompt: %w", spec.Role, err)
	}
	return b.String(), nil
}

func summarizeHistory(entries []domain.HistoryEntry) []string {
	lines := make([]string, 0, len(entries))
	for _, e := range entries {
		prefix := fmt.Sprintf("[iter %d]", e.Iteration)
		switch {
		case e.Message != nil:
			line := fmt.Sprintf("%s %s: %s", prefix, e.Message.Role, oneLine(e.Message.Rationale))
			if e.Message.HasAction() {
				line += fmt.Sprintf(" -> %s", e.Message.Action.Name)
			}
			lines = append(lines, line)
		case e.Tool != nil:
			line := fmt.Sprintf("%s tool %s exit=%d", prefix, e.Tool.Name, e.Tool.ExitCode)
			if e.Tool.IsViolation() {
				line += fmt.Sprintf(" violation=%s", e.Tool.Violation)
			}
			lines = append(lines, line)
		case e.Evaluation != nil:
			lines = append(lines, fmt.Sprintf("%s evaluation %s: %s", prefix, e.Evaluation.Verdict, strings.Join(e.Evaluation.Issues, "; ")))
		case e.Critique != nil:
			lines = append(lines, fmt.Sprintf("%s critique (confidence %.2f): %s", prefix, e.Critique.Confidence, oneLine(e.Critique.Feedback)))
		}
	}
	return lines
}

func oneLine(s string) string {
	return truncate(strings.Join(strings.Fields(s), " "))
}

func truncate(s string) string {
	if len(s) <= maxOutputInPrompt {
		return s
	}
	// Cut on a rune boundary so the prompt stays valid UTF-8.
	cut := maxOutputInPrompt
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut] + "...(truncated)"
}
