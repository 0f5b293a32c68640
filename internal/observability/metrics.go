package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the broker's Prometheus collectors. All collectors register
// with the default registry via promauto, so NewMetrics must be called at
// most once per process.
type Metrics struct {
	// EnvelopeCounter tracks envelopes through the broker.
	// Labels: type (wire message type), direction (inbound|outbound)
	EnvelopeCounter *prometheus.CounterVec

	// ActiveSessions is the current number of live sessions.
	ActiveSessions prometheus.Gauge

	// ActiveParticipants is the current number of connected participants
	// across all sessions.
	ActiveParticipants prometheus.Gauge

	// GateCounter counts gates by final outcome.
	// Labels: outcome (approved|rejected|expired)
	GateCounter *prometheus.CounterVec

	// GateWaitDuration measures the time a gate stays open in seconds.
	GateWaitDuration prometheus.Histogram

	// ToolExecutionCounter counts tool runs reported to the broker.
	// Labels: tool, status (success|error)
	ToolExecutionCounter *prometheus.CounterVec

	// ErrorCounter tracks protocol error envelopes by code.
	ErrorCounter *prometheus.CounterVec

	// SessionDuration measures session lifetime in seconds.
	SessionDuration prometheus.Histogram
}

// NewMetrics registers and returns the broker metric set.
func NewMetrics() *Metrics {
	return &Metrics{
		EnvelopeCounter: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "parley_envelopes_total",
				Help: "Total envelopes processed by type and direction",
			},
			[]string{"type", "direction"},
		),

		ActiveSessions: promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "parley_active_sessions",
				Help: "Current number of live sessions",
			},
		),

		ActiveParticipants: promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "parley_active_participants",
				Help: "Current number of connected participants",
			},
		),

		GateCounter: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "parley_gates_total",
				Help: "Total approval gates by outcome",
			},
			[]string{"outcome"},
		),

		GateWaitDuration: promauto.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "parley_gate_wait_duration_seconds",
				Help:    "Time a gate stayed open before resolution",
				Buckets: []float64{1, 5, 15, 30, 60, 120, 300, 600},
			},
		),

		ToolExecutionCounter: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "parley_tool_executions_total",
				Help: "Total tool results observed by tool and status",
			},
			[]string{"tool", "status"},
		),

		ErrorCounter: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "parley_errors_total",
				Help: "Total protocol error envelopes by code",
			},
			[]string{"code"},
		),

		SessionDuration: promauto.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "parley_session_duration_seconds",
				Help:    "Session lifetime in seconds",
				Buckets: []float64{60, 300, 600, 1800, 3600, 7200, 14400, 28800},
			},
		),
	}
}

// EnvelopeIn records an inbound envelope.
func (m *Metrics) EnvelopeIn(messageType string) {
	m.EnvelopeCounter.WithLabelValues(messageType, "inbound").Inc()
}

// EnvelopeOut records an outbound envelope delivery.
func (m *Metrics) EnvelopeOut(messageType string) {
	m.EnvelopeCounter.WithLabelValues(messageType, "outbound").Inc()
}

// SessionStarted bumps the active session gauge.
func (m *Metrics) SessionStarted() {
	m.ActiveSessions.Inc()
}

// SessionEnded drops the gauge and records lifetime.
func (m *Metrics) SessionEnded(durationSeconds float64) {
	m.ActiveSessions.Dec()
	m.SessionDuration.Observe(durationSeconds)
}

// GateResolved records a gate outcome and how long it waited.
func (m *Metrics) GateResolved(outcome string, waitSeconds float64) {
	m.GateCounter.WithLabelValues(outcome).Inc()
	m.GateWaitDuration.Observe(waitSeconds)
}

// ToolResult records a tool.result envelope passing through the broker.
func (m *Metrics) ToolResult(tool string, success bool) {
	status := "success"
	if !success {
		status = "error"
	}
	m.ToolExecutionCounter.WithLabelValues(tool, status).Inc()
}

// ProtocolError records an error envelope by code.
func (m *Metrics) ProtocolError(code string) {
	m.ErrorCounter.WithLabelValues(code).Inc()
}
