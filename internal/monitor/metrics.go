package monitor

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds all Prometheus metrics for the test runner.
type Metrics struct {
	Registry *prometheus.Registry

	SessionsTotal     *prometheus.CounterVec
	StepDuration      *prometheus.HistogramVec
	ActiveSessions    prometheus.Gauge
	ProvisionFailures *prometheus.CounterVec
	TunnelFailures    prometheus.Counter
	TestsExecuted     *prometheus.CounterVec
	PriceDollars      prometheus.Histogram
	RequestsInFlight  prometheus.Gauge
}

// NewMetrics creates and registers all Prometheus metrics using a dedicated registry.
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()

	m := &Metrics{
		Registry: reg,

		SessionsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "testrunner",
				Name:      "sessions_total",
				Help:      "Total sessions by kind and final status.",
			},
			[]string{"kind", "status"},
		),

		StepDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: "testrunner",
				Name:      "step_duration_seconds",
				Help:      "Duration of pipeline steps in seconds.",
				Buckets:   []float64{0.5, 1, 2.5, 5, 10, 30, 60, 120, 300, 600},
			},
			[]string{"step"},
		),

		ActiveSessions: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: "testrunner",
				Name:      "active_sessions",
				Help:      "Number of sessions currently in flight.",
			},
		),

		ProvisionFailures: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "testrunner",
				Name:      "provision_failures_total",
				Help:      "Environment provisioning failures by reason.",
			},
			[]string{"reason"},
		),

		TunnelFailures: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: "testrunner",
				Name:      "tunnel_failures_total",
				Help:      "Public tunnel establishment failures.",
			},
		),

		TestsExecuted: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "testrunner",
				Name:      "tests_executed_total",
				Help:      "Individual test cases executed by outcome.",
			},
			[]string{"status"},
		),

		PriceDollars: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: "testrunner",
				Name:      "price_dollars",
				Help:      "Final prices produced by the pricing engine.",
				Buckets:   prometheus.LinearBuckets(50, 5, 11),
			},
		),

		RequestsInFlight: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: "testrunner",
				Subsystem: "api",
				Name:      "requests_in_flight",
				Help:      "Number of HTTP requests currently being processed.",
			},
		),
	}

	// Register all collectors
	reg.MustRegister(
		m.SessionsTotal,
		m.StepDuration,
		m.ActiveSessions,
		m.ProvisionFailures,
		m.TunnelFailures,
		m.TestsExecuted,
		m.PriceDollars,
		m.RequestsInFlight,
	)

	return m
}

// RecordSession records a completed session with its final status.
func (m *Metrics) RecordSession(kind, status string) {
	m.SessionsTotal.WithLabelValues(kind, status).Inc()
}

// RecordStep records the duration of one pipeline step.
func (m *Metrics) RecordStep(step string, durationSec float64) {
	m.StepDuration.WithLabelValues(step).Observe(durationSec)
}

// RecordTestCases records per-case outcomes from one test run.
func (m *Metrics) RecordTestCases(passed, failed, skipped int) {
	m.TestsExecuted.WithLabelValues("passed").Add(float64(passed))
	m.TestsExecuted.WithLabelValues("failed").Add(float64(failed))
	m.TestsExecuted.WithLabelValues("skipped").Add(float64(skipped))
}
