// Package metrics exposes Prometheus collectors for the orchestration
// pipeline. Collectors are package-level and registered once via promauto;
// the HTTP server serves them on /metrics.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"mailflow/pkg/proto"
)

var (
	stepsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "mailflow_steps_total",
		Help: "Step executions by step name and outcome.",
	}, []string{"step", "outcome"})

	stepRetriesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "mailflow_step_retries_total",
		Help: "Step retry attempts by step name.",
	}, []string{"step"})

	stepDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "mailflow_step_duration_seconds",
		Help:    "Step execution latency by step name.",
		Buckets: prometheus.ExponentialBuckets(0.005, 2, 12),
	}, []string{"step"})

	runsTerminal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "mailflow_runs_terminal_total",
		Help: "Runs reaching a terminal status, by status.",
	}, []string{"status"})

	runsSuspended = promauto.NewCounter(prometheus.CounterOpts{
		Name: "mailflow_runs_suspended_total",
		Help: "Runs suspended for human approval.",
	})

	runsInFlight = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "mailflow_runs_in_flight",
		Help: "Runs currently executing pipeline steps.",
	})

	sendsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "mailflow_sends_total",
		Help: "Send attempts by outcome.",
	}, []string{"outcome"})
)

// RecordStep records one step execution.
func RecordStep(step proto.StepName, outcome proto.Outcome, d time.Duration) {
	stepsTotal.WithLabelValues(step.String(), string(outcome)).Inc()
	stepDuration.WithLabelValues(step.String()).Observe(d.Seconds())
}

// RecordStepRetry records one retry attempt for a step.
func RecordStepRetry(step proto.StepName) {
	stepRetriesTotal.WithLabelValues(step.String()).Inc()
}

// RecordTerminal records a run reaching a terminal status.
func RecordTerminal(status proto.Status) {
	runsTerminal.WithLabelValues(string(status)).Inc()
}

// RecordSuspended records a run pausing at the approval boundary.
func RecordSuspended() {
	runsSuspended.Inc()
}

// RunStarted and RunStopped track the in-flight gauge around pipeline
// execution.
func RunStarted() { runsInFlight.Inc() }

// RunStopped decrements the in-flight gauge.
func RunStopped() { runsInFlight.Dec() }

// RecordSend records one send attempt.
func RecordSend(outcome proto.Outcome) {
	sendsTotal.WithLabelValues(string(outcome)).Inc()
}
