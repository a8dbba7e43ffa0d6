package graph

import (
	"fmt"
	"strings"

	"github.com/aretw0/espalier/pkg/domain"
)

// GraphOverlay contains run state to visualize on the phase graph.
type GraphOverlay struct {
	Transitions []domain.Transition
	Current     domain.Phase
}

// phaseEdges is the static transition table drawn as the base graph.
var phaseEdges = [][2]domain.Phase{
	{domain.PhaseIdle, domain.PhasePlanning},
	{domain.PhasePlanning, domain.PhaseDesigning},
	{domain.PhaseDesigning, domain.PhaseImplementing},
	{domain.PhaseImplementing, domain.PhaseExecuting},
	{domain.PhaseImplementing, domain.PhaseEvaluating},
	{domain.PhaseExecuting, domain.PhaseEvaluating},
	{domain.PhaseEvaluating, domain.PhaseCritiquing},
	{domain.PhaseCritiquing, domain.PhaseLooping},
	{domain.PhaseCritiquing, domain.PhaseTerminated},
	{domain.PhaseLooping, domain.PhasePlanning},
}

// GenerateMermaid produces a Mermaid flowchart of the state machine.
// Shapes are semantic:
// - Idle/Terminated: ((Circle))
// - Executing: [[Subroutine]]
// - Evaluating/Critiquing: {Decision}
// - Default: [Rectangle]
// With an overlay, edges taken by the run are labelled with the iterations
// that took them and visited phases are styled.
func GenerateMermaid(overlay *GraphOverlay) string {
	var sb strings.Builder
	sb.WriteString("graph TD\n")

	seen := make(map[domain.Phase]bool)
	for _, e := range phaseEdges {
		for _, p := range e {
			if !seen[p] {
				seen[p] = true
				sb.WriteString(node(p))
			}
		}
	}

	taken := make(map[[2]domain.Phase][]int)
	if overlay != nil {
		for _, t := range overlay.Transitions {
			key := [2]domain.Phase{t.From, t.To}
			taken[key] = append(taken[key], t.Iteration)
		}
	}

	for _, e := range phaseEdges {
		iters := taken[e]
		if len(iters) == 0 {
			sb.WriteString(fmt.Sprintf("    %s --> %s\n", e[0], e[1]))
			continue
		}
		sb.WriteString(fmt.Sprintf("    %s == \"%s\" ==> %s\n", e[0], iterLabel(iters), e[1]))
	}

	// Edges outside the table, e.g. a failure straight to terminated.
	if overlay != nil {
		for _, t := range overlay.Transitions {
			key := [2]domain.Phase{t.From, t.To}
			if inTable(key) || taken[key] == nil {
				continue
			}
			sb.WriteString(fmt.Sprintf("    %s -. \"%s\" .-> %s\n", t.From, iterLabel(taken[key]), t.To))
			delete(taken, key)
		}
	}

	if overlay != nil {
		sb.WriteString("\n    %% Overlay Styles\n")
		sb.WriteString("    classDef visited fill:#e1f5fe,stroke:#01579b,stroke-width:2px,color:#000;\n")
		sb.WriteString("    classDef current fill:#ffeb3b,stroke:#fbc02d,stroke-width:4px,color:#000;\n")

		visited := make(map[domain.Phase]bool)
		for _, t := range overlay.Transitions {
			for _, p := range []domain.Phase{t.From, t.To} {
				if !visited[p] {
					visited[p] = true
					sb.WriteString(fmt.Sprintf("    class %s visited;\n", p))
				}
			}
		}
		if overlay.Current != "" {
			sb.WriteString(fmt.Sprintf("    class %s current;\n", overlay.Current))
		}
	}

	return sb.String()
}

func node(p domain.Phase) string {
	opener, closer := "[", "]"
	switch p {
	case domain.PhaseIdle, domain.PhaseTerminated:
		opener, closer = "((", "))"
	case domain.PhaseExecuting:
		opener, closer = "[[", "]]"
	case domain.PhaseEvaluating, domain.PhaseCritiquing:
		opener, closer = "{", "}"
	}
	return fmt.Sprintf("    %s%s\"%s\"%s\n", p, opener, p, closer)
}

func inTable(key [2]domain.Phase) bool {
	for _, e := range phaseEdges {
		if e == key {
			return true
		}
	}
	return false
}

func iterLabel(iters []int) string {
	parts := make([]string, len(iters))
	for i, n := range iters {
		parts[i] = fmt.Sprintf("#%d", n)
	}
	return strings.Join(parts, " ")
}
