package http

import (
	"context"
	"log/slog"
	"sync"

	"github.com/aretw0/espalier/internal/logging"
	"github.com/aretw0/espalier/pkg/domain"
	"github.com/aretw0/espalier/pkg/ports"
)

const (
	// DefaultRetainedRuns bounds how many runs keep an event backlog.
	DefaultRetainedRuns = 256

	subscriberBuffer = 64
)

var _ ports.EventSink = (*StreamManager)(nil)

// StreamManager fans lifecycle events out to SSE subscribers and keeps a
// per-run backlog so reconnecting clients can replay from a sequence number.
type StreamManager struct {
	mu     sync.Mutex
	runs   map[string]*runStream
	order  []string
	retain int
	logger *slog.Logger
}

type runStream struct {
	events      []domain.LifecycleEvent
	subscribers map[chan domain.LifecycleEvent]struct{}
	closed      bool
}

// StreamOption configures a StreamManager.
type StreamOption func(*StreamManager)

// WithRetainedRuns sets how many run backlogs are kept before the oldest is evicted.
func WithRetainedRuns(n int) StreamOption {
	return func(sm *StreamManager) {
		if n > 0 {
			sm.retain = n
		}
	}
}

// WithStreamLogger sets the logger.
func WithStreamLogger(l *slog.Logger) StreamOption {
	return func(sm *StreamManager) { sm.logger = l }
}

func NewStreamManager(opts ...StreamOption) *StreamManager {
	sm := &StreamManager{
		runs:   make(map[string]*runStream),
		retain: DefaultRetainedRuns,
		logger: logging.NewNop(),
	}
	for _, opt := range opts {
		opt(sm)
	}
	return sm
}

// stream returns the backlog of a run, creating it if needed. Callers hold sm.mu.
func (sm *StreamManager) stream(runID string) *runStream {
	rs, ok := sm.runs[runID]
	if ok {
		return rs
	}
	rs = &runStream{subscribers: make(map[chan domain.LifecycleEvent]struct{})}
	sm.runs[runID] = rs
	sm.order = append(sm.order, runID)
	for len(sm.order) > sm.retain {
		oldest := sm.order[0]
		sm.order = sm.order[1:]
		if old, ok := sm.runs[oldest]; ok {
			for ch := range old.subscribers {
				close(ch)
			}
			delete(sm.runs, oldest)
		}
	}
	return rs
}

// Publish records the event and forwards it to the run's subscribers.
// A subscriber that falls behind is disconnected rather than skipped, so
// every delivered stream stays gap-free; the client resumes with since.
func (sm *StreamManager) Publish(ctx context.Context, event domain.LifecycleEvent) {
	sm.mu.Lock()
	defer sm.mu.Unlock()

	rs := sm.stream(event.RunID)
	rs.events = append(rs.events, event)
	if event.Type == domain.EventRunTerminated {
		rs.closed = true
	}

	for ch := range rs.subscribers {
		select {
		case ch <- event:
		default:
			sm.logger.Warn("SSE: subscriber buffer full, disconnecting", "run_id", event.RunID, "seq", event.Seq)
			delete(rs.subscribers, ch)
			close(ch)
			continue
		}
		if rs.closed {
			delete(rs.subscribers, ch)
			close(ch)
		}
	}
}

// Subscribe returns the backlog after since and a channel for later events.
// The channel is closed after the terminal event. A nil channel means the
// run already terminated and the backlog is complete.
func (sm *StreamManager) Subscribe(runID string, since int) ([]domain.LifecycleEvent, <-chan domain.LifecycleEvent, func()) {
	sm.mu.Lock()
	defer sm.mu.Unlock()

	rs := sm.stream(runID)
	var backlog []domain.LifecycleEvent
	for _, ev := range rs.events {
		if ev.Seq > since {
			backlog = append(backlog, ev)
		}
	}
	if rs.closed {
		return backlog, nil, func() {}
	}

	ch := make(chan domain.LifecycleEvent, subscriberBuffer)
	rs.subscribers[ch] = struct{}{}
	return backlog, ch, func() {
		sm.mu.Lock()
		defer sm.mu.Unlock()
		if _, ok := rs.subscribers[ch]; ok {
			delete(rs.subscribers, ch)
			close(ch)
		}
	}
}

// Known reports whether any event was recorded for the run.
func (sm *StreamManager) Known(runID string) bool {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	rs, ok := sm.runs[runID]
	return ok && len(rs.events) > 0
}
