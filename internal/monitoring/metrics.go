// Package monitoring registers the Prometheus metrics the triage backend
// exports on /metrics.
package monitoring

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for the triage engine.
type Metrics struct {
	// Pipeline metrics
	StepDuration   *prometheus.HistogramVec
	StepFailures   *prometheus.CounterVec
	FallbacksTotal *prometheus.CounterVec
	RunDuration    prometheus.Histogram
	ActiveRuns     prometheus.Gauge

	// Stream metrics
	DroppedEvents     *prometheus.CounterVec
	StreamSubscribers prometheus.Gauge

	// Edge metrics
	RateLimitRejections prometheus.Counter
	ActionsTotal        *prometheus.CounterVec
	CircuitOpens        *prometheus.CounterVec
}

// NewMetrics creates and registers all Prometheus metrics. Call once per
// process; promauto registers on the default registry.
func NewMetrics() *Metrics {
	return &Metrics{
		StepDuration: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "triage_step_duration_seconds",
				Help:    "Wall-clock duration of each pipeline step",
				Buckets: []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0, 2.0},
			},
			[]string{"step", "ok"},
		),

		StepFailures: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "triage_step_failures_total",
				Help: "Step failures by step and failure kind",
			},
			[]string{"step", "kind"}, // kind: timeout, error, circuit_open
		),

		FallbacksTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "triage_fallbacks_total",
				Help: "Deterministic fallback substitutions by step",
			},
			[]string{"step"},
		),

		RunDuration: promauto.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "triage_run_duration_seconds",
				Help:    "End-to-end triage run duration",
				Buckets: []float64{0.1, 0.25, 0.5, 1.0, 2.0, 3.0, 5.0, 10.0},
			},
		),

		ActiveRuns: promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "triage_active_runs",
				Help: "Runs currently executing",
			},
		),

		DroppedEvents: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "triage_stream_dropped_events_total",
				Help: "Events dropped because a subscriber channel was full",
			},
			[]string{"type"},
		),

		StreamSubscribers: promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "triage_stream_subscribers",
				Help: "Open stream subscriptions",
			},
		),

		RateLimitRejections: promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "triage_rate_limit_rejections_total",
				Help: "Requests rejected by the rate limiter",
			},
		),

		ActionsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "triage_actions_total",
				Help: "Action executor outcomes",
			},
			[]string{"action", "outcome"}, // outcome: applied, replayed, pending_otp, rejected
		),

		CircuitOpens: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "triage_circuit_opens_total",
				Help: "Circuit breaker rejections by step",
			},
			[]string{"step"},
		),
	}
}
