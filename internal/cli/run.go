package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/aretw0/espalier/internal/presentation/graph"
	"github.com/aretw0/espalier/internal/presentation/tui"
	"github.com/aretw0/espalier/pkg/domain"
	"golang.org/x/term"
)

// RunOptions contains all the configuration for the run command.
type RunOptions struct {
	Objective domain.TaskObjective
	// JSON prints the run snapshot instead of the markdown report.
	JSON bool
	// Mermaid appends the decision graph of the run to the report.
	Mermaid bool
	// Plain disables glamour rendering even on a terminal.
	Plain bool
	Out   io.Writer
}

// Execute runs one objective to termination and writes the outcome to opts.Out.
// The returned state is nil only when the run could not start.
func Execute(ctx context.Context, rt *Runtime, opts RunOptions) (*domain.RunState, error) {
	if opts.Out == nil {
		opts.Out = os.Stdout
	}
	state, err := rt.Agent.Run(ctx, opts.Objective)
	if state == nil {
		return nil, err
	}
	if rerr := Render(opts.Out, state, opts); rerr != nil {
		return state, rerr
	}
	return state, err
}

// Render writes a terminated run in the format chosen by opts.
func Render(w io.Writer, st *domain.RunState, opts RunOptions) error {
	if opts.JSON {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(st.Snapshot())
	}

	doc := tui.Report(st)
	if opts.Mermaid {
		doc += "## Decision graph\n\n```mermaid\n" + graph.GenerateMermaid(&graph.GraphOverlay{
			Transitions: st.DecisionTrace(),
			Current:     st.Phase,
		}) + "```\n"
	}

	if !opts.Plain && isTerminal(w) {
		render, err := tui.NewRenderer(0)
		if err == nil {
			if out, err := render(doc); err == nil {
				doc = out
			}
		}
	}
	_, err := fmt.Fprint(w, doc)
	return err
}

func isTerminal(w io.Writer) bool {
	f, ok := w.(*os.File)
	return ok && term.IsTerminal(int(f.Fd()))
}
