package cli

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/aretw0/espalier/internal/config"
	"github.com/aretw0/espalier/internal/logging"
	"github.com/aretw0/espalier/internal/presentation/tui"
	"github.com/aretw0/espalier/pkg/domain"
)

// SignalContext wraps a context and captures the signal that cancelled it.
type SignalContext struct {
	context.Context
	Cancel func()
	start  sync.Once
	stop   sync.Once
	sigCh  chan os.Signal
	sigVal os.Signal
	mu     sync.Mutex
}

// NewSignalContext creates a context that is cancelled on SIGINT or SIGTERM.
// It acts as a drop-in replacement for signal.NotifyContext but allows retrieving the signal.
func NewSignalContext(parent context.Context) *SignalContext {
	ctx, cancel := context.WithCancel(parent)
	sc := &SignalContext{
		Context: ctx,
		Cancel:  cancel,
		sigCh:   make(chan os.Signal, 1),
	}

	sc.start.Do(func() {
		signal.Notify(sc.sigCh, os.Interrupt, syscall.SIGTERM)
		go func() {
			select {
			case sig := <-sc.sigCh:
				sc.mu.Lock()
				sc.sigVal = sig
				sc.mu.Unlock()
				sc.Cancel()
			case <-sc.Context.Done():
			}
			sc.stop.Do(func() {
				signal.Stop(sc.sigCh)
			})
		}()
	})

	return sc
}

// Signal returns the signal that caused the context to be cancelled, or nil.
func (sc *SignalContext) Signal() os.Signal {
	sc.mu.Lock()
	defer sc.mu.Unlock()
	return sc.sigVal
}

// NewLogger builds the application logger from the log section. When a log
// file is configured the returned closer must be closed on exit.
func NewLogger(cfg config.LogConfig) (*slog.Logger, io.Closer, error) {
	level := logging.ParseLevel(cfg.Level)
	if cfg.File == "" {
		return logging.New(level, cfg.Format), nopCloser{}, nil
	}
	f, err := os.OpenFile(cfg.File, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, nil, fmt.Errorf("open log file: %w", err)
	}
	return logging.New(level, cfg.Format, f), f, nil
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }

// printSystemMessage prints a standardized system message.
func printSystemMessage(w io.Writer, format string, args ...any) {
	fmt.Fprintf(w, ">>> %s\n", fmt.Sprintf(format, args...))
}

// ProgressHooks prints a line per phase change and tool call, for interactive runs.
func ProgressHooks(w io.Writer) domain.LifecycleHooks {
	var mu sync.Mutex
	return domain.LifecycleHooks{
		OnIteration: func(ctx context.Context, e *domain.PhaseEvent) {
			mu.Lock()
			defer mu.Unlock()
			printSystemMessage(w, "iteration %d", e.Iteration)
		},
		OnPhaseEnter: func(ctx context.Context, e *domain.PhaseEvent) {
			if e.Role == "" {
				return
			}
			mu.Lock()
			defer mu.Unlock()
			fmt.Fprintf(w, "    %s (%s)\n", e.To, e.Role)
		},
		OnToolReturn: func(ctx context.Context, e *domain.ToolEvent) {
			if e.Result == nil {
				return
			}
			mu.Lock()
			defer mu.Unlock()
			if e.Result.IsViolation() {
				fmt.Fprintf(w, "    tool %s: violation %s\n", e.Result.Name, e.Result.Violation)
				return
			}
			fmt.Fprintf(w, "    tool %s: exit %d in %s\n", e.Result.Name, e.Result.ExitCode, e.Result.Duration)
		},
		OnTerminate: func(ctx context.Context, e *domain.TerminalEvent) {
			mu.Lock()
			defer mu.Unlock()
			printSystemMessage(w, "run %s %s (%s)", e.RunID, tui.StatusStyle(w, e.Status), e.Reason)
		},
	}
}
