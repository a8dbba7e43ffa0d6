package tui

import (
	"fmt"
	"strings"

	"github.com/aretw0/espalier/pkg/domain"
)

// Report renders a terminated run as markdown.
func Report(st *domain.RunState) string {
	var b strings.Builder

	fmt.Fprintf(&b, "# Run %s\n\n", st.RunID)
	fmt.Fprintf(&b, "**Goal:** %s\n\n", st.Objective.Goal)
	if st.Objective.SuccessCriteria != "" {
		fmt.Fprintf(&b, "**Success criteria:** %s\n\n", st.Objective.SuccessCriteria)
	}

	b.WriteString("| Status | Reason | Iterations | Trace |\n|---|---|---|---|\n")
	fmt.Fprintf(&b, "| %s | %s | %d / %d | `%.12s` |\n\n", st.Status, st.Reason, st.Iteration, st.Objective.IterationCap, st.TraceHash())
	if st.Detail != "" {
		fmt.Fprintf(&b, "> %s\n\n", st.Detail)
	}

	if msg := st.LastMessage(domain.RoleFinalizer); msg != nil {
		fmt.Fprintf(&b, "## Summary\n\n%s\n\n", msg.Rationale)
	}

	for i := 1; i <= st.Iteration; i++ {
		fmt.Fprintf(&b, "## Iteration %d\n\n", i)
		for _, e := range st.IterationEntries(i) {
			switch e.Kind {
			case domain.EntryRoleMessage:
				m := e.Message
				fmt.Fprintf(&b, "- **%s**: %s", m.Role, oneLine(m.Rationale))
				if m.Action != nil {
					fmt.Fprintf(&b, " → `%s`", m.Action.Name)
				}
				b.WriteString("\n")
			case domain.EntryToolResult:
				r := e.Tool
				status := fmt.Sprintf("exit %d", r.ExitCode)
				if r.IsViolation() {
					status = "violation: " + string(r.Violation)
				}
				fmt.Fprintf(&b, "- tool `%s` (%s, %s)\n", r.Name, r.ID, status)
				if out := strings.TrimSpace(r.Stdout); out != "" {
					fmt.Fprintf(&b, "\n  ```\n  %s\n  ```\n", strings.ReplaceAll(truncate(out, 400), "\n", "\n  "))
				}
			}
		}

		eval, crit := st.Reports(i)
		if eval != nil {
			fmt.Fprintf(&b, "\n**Evaluation:** %s", eval.Verdict)
			if len(eval.Evidence) > 0 {
				fmt.Fprintf(&b, " (evidence: %s)", strings.Join(eval.Evidence, ", "))
			}
			b.WriteString("\n")
			for _, issue := range eval.Issues {
				fmt.Fprintf(&b, "  - %s\n", issue)
			}
		}
		if crit != nil {
			fmt.Fprintf(&b, "\n**Critique:** confidence %.2f. %s\n", crit.Confidence, oneLine(crit.Feedback))
		}
		b.WriteString("\n")
	}
	return b.String()
}

func oneLine(s string) string {
	return strings.Join(strings.Fields(s), " ")
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "…"
}
