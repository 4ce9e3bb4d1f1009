// Package toolmetrics provides the Prometheus instrumentation for the tool
// execution substrate: dispatch outcomes and latency, idempotency cache
// behavior, and security gate decisions: one struct of promauto-registered
// vectors, built once at startup and threaded through by reference.
package toolmetrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds every Prometheus collector the orchestrator reports
// dispatch, idempotency store, and security gate outcomes through.
type Metrics struct {
	// DispatchCounter counts Dispatch outcomes.
	// Labels: tool_name, capability_name, status (success|error)
	DispatchCounter *prometheus.CounterVec

	// DispatchDuration measures Dispatch latency in seconds.
	// Labels: tool_name, capability_name
	DispatchDuration *prometheus.HistogramVec

	// IdempotencyCounter counts Idempotency Store check outcomes.
	// Labels: status (new|duplicate|in_progress|expired)
	IdempotencyCounter *prometheus.CounterVec

	// GateCounter counts Security Gate decisions.
	// Labels: decision (allowed|denied|requires_confirmation)
	GateCounter *prometheus.CounterVec
}

// New creates and registers the tool runtime's Prometheus collectors.
// Call once at startup; all metrics register against the default registry.
func New() *Metrics {
	return &Metrics{
		DispatchCounter: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "toolrun_dispatch_total",
				Help: "Total number of capability dispatches by tool, capability, and status",
			},
			[]string{"tool_name", "capability_name", "status"},
		),
		DispatchDuration: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "toolrun_dispatch_duration_seconds",
				Help:    "Duration of capability dispatches in seconds",
				Buckets: []float64{0.005, 0.01, 0.05, 0.1, 0.5, 1, 5, 10, 30},
			},
			[]string{"tool_name", "capability_name"},
		),
		IdempotencyCounter: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "toolrun_idempotency_checks_total",
				Help: "Total number of idempotency store checks by outcome",
			},
			[]string{"status"},
		),
		GateCounter: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "toolrun_gate_decisions_total",
				Help: "Total number of security gate decisions by outcome",
			},
			[]string{"decision"},
		),
	}
}

// RecordDispatch records one Dispatch outcome and its latency.
func (m *Metrics) RecordDispatch(toolName, capabilityName, status string, durationSeconds float64) {
	if m == nil {
		return
	}
	m.DispatchCounter.WithLabelValues(toolName, capabilityName, status).Inc()
	m.DispatchDuration.WithLabelValues(toolName, capabilityName).Observe(durationSeconds)
}

// RecordIdempotencyCheck records one Idempotency Store check outcome.
func (m *Metrics) RecordIdempotencyCheck(status string) {
	if m == nil {
		return
	}
	m.IdempotencyCounter.WithLabelValues(status).Inc()
}

// RecordGateDecision records one Security Gate decision.
func (m *Metrics) RecordGateDecision(decision string) {
	if m == nil {
		return
	}
	m.GateCounter.WithLabelValues(decision).Inc()
}
