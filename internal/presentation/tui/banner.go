package tui

import (
	"fmt"
	"io"

	"github.com/aretw0/espalier/pkg/domain"
	"github.com/muesli/termenv"
)

// PrintBanner writes the espalier banner in the terminal's color profile.
func PrintBanner(w io.Writer, version string) {
	out := termenv.NewOutput(w)
	lines := []struct{ text, color string }{
		{"                     _ _          ", "#86efac"},
		{"   ___  ___ _ __   __ _| (_) ___ _ __ ", "#4ade80"},
		{"  / _ \\/ __| '_ \\ / _` | | |/ _ \\ '__|", "#22c55e"},
		{" |  __/\\__ \\ |_) | (_| | | |  __/ |   ", "#16a34a"},
		{"  \\___||___/ .__/ \\__,_|_|_|\\___|_|   ", "#15803d"},
		{"           |_|                        ", "#166534"},
	}
	fmt.Fprintln(w)
	for _, l := range lines {
		fmt.Fprintln(w, out.String(l.text).Foreground(out.Color(l.color)))
	}
	fmt.Fprintf(w, "  %s\n\n", out.String("v"+version).Faint())
}

// StatusStyle colors a run status for terminal output.
func StatusStyle(w io.Writer, status domain.RunStatus) string {
	out := termenv.NewOutput(w)
	color := "#eab308"
	switch status {
	case domain.StatusSucceeded:
		color = "#22c55e"
	case domain.StatusFailed:
		color = "#ef4444"
	}
	return out.String(string(status)).Foreground(out.Color(color)).Bold().String()
}
