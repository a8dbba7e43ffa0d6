package observability

import (
	"context"

	"github.com/aretw0/espalier/pkg/domain"
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds the Prometheus collectors fed by lifecycle hooks.
type Metrics struct {
	PhaseEnters  *prometheus.CounterVec
	Iterations   prometheus.Counter
	ToolCalls    *prometheus.CounterVec
	ToolDuration *prometheus.HistogramVec
	Runs         *prometheus.CounterVec
	ActiveRuns   prometheus.Gauge
}

// NewMetrics creates the collectors and registers them with reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		PhaseEnters: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "espalier_phase_enter_total",
				Help: "Total number of state machine phase entries",
			},
			[]string{"phase"},
		),
		Iterations: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "espalier_iterations_total",
			Help: "Total number of plan/implement/evaluate iterations started",
		}),
		ToolCalls: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "espalier_tool_calls_total",
				Help: "Total number of sandbox tool executions",
			},
			[]string{"tool", "violation"},
		),
		ToolDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "espalier_tool_duration_seconds",
				Help:    "Duration of sandbox tool executions",
				Buckets: prometheus.ExponentialBuckets(0.01, 2, 12),
			},
			[]string{"tool"},
		),
		Runs: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "espalier_runs_total",
				Help: "Total number of terminated runs",
			},
			[]string{"status", "reason"},
		),
		ActiveRuns: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "espalier_runs_active",
			Help: "Runs currently being driven by a state machine",
		}),
	}
	reg.MustRegister(m.PhaseEnters, m.Iterations, m.ToolCalls, m.ToolDuration, m.Runs, m.ActiveRuns)
	return m
}

// Hooks returns lifecycle hooks that record into the collectors.
func (m *Metrics) Hooks() domain.LifecycleHooks {
	return domain.LifecycleHooks{
		OnPhaseEnter: func(ctx context.Context, e *domain.PhaseEvent) {
			m.PhaseEnters.WithLabelValues(string(e.To)).Inc()
			if e.From == domain.PhaseIdle {
				m.ActiveRuns.Inc()
			}
		},
		OnIteration: func(ctx context.Context, e *domain.PhaseEvent) {
			m.Iterations.Inc()
		},
		OnToolReturn: func(ctx context.Context, e *domain.ToolEvent) {
			if e.Result == nil {
				return
			}
			violation := string(e.Result.Violation)
			if violation == "" {
				violation = "none"
			}
			m.ToolCalls.WithLabelValues(e.Result.Name, violation).Inc()
			m.ToolDuration.WithLabelValues(e.Result.Name).Observe(e.Result.Duration.Seconds())
		},
		OnTerminate: func(ctx context.Context, e *domain.TerminalEvent) {
			m.Runs.WithLabelValues(string(e.Status), string(e.Reason)).Inc()
			m.ActiveRuns.Dec()
		},
	}
}
