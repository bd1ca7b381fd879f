// Package metrics provides Prometheus instrumentation for the orchestrator.
//
// Metrics include:
//   - Stop waits by kind and outcome
//   - Protocol messages observed per direction and type, and suppressed duplicates
//   - Stop resolution outcomes (resolved, minimal fallback, failed) and retries
//   - Breakpoint definitions skipped during install, by reason
//   - Live sessions
//   - MCP tool calls and their latency
//
// A Metrics value is bound to the registerer passed to New; tests use a fresh
// prometheus.NewRegistry. All methods are safe on a nil *Metrics.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "dap_orchestrator"

// Metrics holds the collectors.
type Metrics struct {
	// StopWaits counts finished waits.
	// Labels: kind (session, entry), outcome (stopped, terminated, timeout, cancelled)
	StopWaits *prometheus.CounterVec

	// ProtocolMessages counts messages seen by trackers.
	// Labels: direction (inbound, outbound), type (request, response, event)
	ProtocolMessages *prometheus.CounterVec

	// DuplicateMessages counts deliveries discarded by the fingerprint cache.
	DuplicateMessages prometheus.Counter

	// StopResolutions counts stop resolution outcomes.
	// Labels: outcome (resolved, minimal, failed)
	StopResolutions *prometheus.CounterVec

	// StopResolutionRetries counts retried inspection attempts.
	StopResolutionRetries prometheus.Counter

	// BreakpointsSkipped counts definitions rejected at install.
	// Labels: reason
	BreakpointsSkipped *prometheus.CounterVec

	// ActiveSessions tracks sessions in the registry.
	ActiveSessions prometheus.Gauge

	// ToolCalls counts MCP tool invocations.
	// Labels: tool, outcome (ok, error)
	ToolCalls *prometheus.CounterVec

	// ToolDuration observes tool latency in seconds.
	// Labels: tool
	ToolDuration *prometheus.HistogramVec
}

// New creates and registers all collectors on reg.
func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		StopWaits: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "stop_waits_total",
				Help:      "Finished stop waits by kind and outcome",
			},
			[]string{"kind", "outcome"},
		),
		ProtocolMessages: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "tracker",
				Name:      "messages_total",
				Help:      "Protocol messages observed by direction and type",
			},
			[]string{"direction", "type"},
		),
		DuplicateMessages: f.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "tracker",
				Name:      "duplicate_messages_total",
				Help:      "Protocol message deliveries discarded as duplicates",
			},
		),
		StopResolutions: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "tracker",
				Name:      "stop_resolutions_total",
				Help:      "Stop resolution outcomes",
			},
			[]string{"outcome"},
		),
		StopResolutionRetries: f.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "tracker",
				Name:      "stop_resolution_retries_total",
				Help:      "Inspection attempts retried during stop resolution",
			},
		),
		BreakpointsSkipped: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "breakpoints",
				Name:      "skipped_total",
				Help:      "Breakpoint definitions skipped during install by reason",
			},
			[]string{"reason"},
		),
		ActiveSessions: f.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "active_sessions",
				Help:      "Debug sessions currently in the registry",
			},
		),
		ToolCalls: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "mcp",
				Name:      "tool_calls_total",
				Help:      "MCP tool invocations by tool and outcome",
			},
			[]string{"tool", "outcome"},
		),
		ToolDuration: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: "mcp",
				Name:      "tool_duration_seconds",
				Help:      "MCP tool latency",
				Buckets:   []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 15, 30, 60, 120},
			},
			[]string{"tool"},
		),
	}
}

// ObserveWait records a finished wait.
func (m *Metrics) ObserveWait(kind, outcome string) {
	if m == nil {
		return
	}
	m.StopWaits.WithLabelValues(kind, outcome).Inc()
}

// ObserveMessage records a tracked protocol message.
func (m *Metrics) ObserveMessage(direction, msgType string) {
	if m == nil {
		return
	}
	m.ProtocolMessages.WithLabelValues(direction, msgType).Inc()
}

// ObserveDuplicate records a discarded duplicate delivery.
func (m *Metrics) ObserveDuplicate() {
	if m == nil {
		return
	}
	m.DuplicateMessages.Inc()
}

// ObserveResolution records a stop resolution outcome.
func (m *Metrics) ObserveResolution(outcome string) {
	if m == nil {
		return
	}
	m.StopResolutions.WithLabelValues(outcome).Inc()
}

// ObserveRetry records a retried inspection attempt.
func (m *Metrics) ObserveRetry() {
	if m == nil {
		return
	}
	m.StopResolutionRetries.Inc()
}

// ObserveSkippedBreakpoint records a skipped definition.
func (m *Metrics) ObserveSkippedBreakpoint(reason string) {
	if m == nil {
		return
	}
	m.BreakpointsSkipped.WithLabelValues(reason).Inc()
}

// SetActiveSessions sets the live session gauge.
func (m *Metrics) SetActiveSessions(n int) {
	if m == nil {
		return
	}
	m.ActiveSessions.Set(float64(n))
}

// ObserveToolCall records a finished tool invocation.
func (m *Metrics) ObserveToolCall(tool, outcome string, d time.Duration) {
	if m == nil {
		return
	}
	m.ToolCalls.WithLabelValues(tool, outcome).Inc()
	m.ToolDuration.WithLabelValues(tool).Observe(d.Seconds())
}
