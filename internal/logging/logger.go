package logging

import (
	"io"
	"log/slog"
	"os"
	"strings"

	slogmulti "github.com/samber/slog-multi"
)

// New creates a configured application logger.
// It writes to Stderr (to separate from Stdout report/JSON-RPC output).
// It standardizes common keys (e.g., "error" -> "err").
// Extra sinks, such as a log file, receive the same records in JSON.
func New(level slog.Level, format string, sinks ...io.Writer) *slog.Logger {
	opts := &slog.HandlerOptions{
		Level: level,
		ReplaceAttr: func(groups []string, a slog.Attr) slog.Attr {
			// Standardize 'error' key to 'err'
			if a.Key == "error" {
				a.Key = "err"
			}
			return a
		},
	}

	var primary slog.Handler
	if strings.EqualFold(format, "json") {
		primary = slog.NewJSONHandler(os.Stderr, opts)
	} else {
		primary = slog.NewTextHandler(os.Stderr, opts)
	}
	if len(sinks) == 0 {
		return slog.New(primary)
	}

	handlers := []slog.Handler{primary}
	for _, w := range sinks {
		handlers = append(handlers, slog.NewJSONHandler(w, opts))
	}
	return slog.New(slogmulti.Fanout(handlers...))
}

// ParseLevel maps a config string to a slog level, defaulting to info.
func ParseLevel(s string) slog.Level {
	var level slog.Level
	if err := level.UnmarshalText([]byte(s)); err != nil {
		return slog.LevelInfo
	}
	return level
}

// NewNop returns a no-op logger.
func NewNop() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}
