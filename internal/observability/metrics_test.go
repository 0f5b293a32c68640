package observability

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

// NewMetrics registers with the default registry, so the whole suite shares
// one instance.
func TestMetricsRecording(t *testing.T) {
	m := NewMetrics()

	m.EnvelopeIn("message.post")
	m.EnvelopeIn("message.post")
	m.EnvelopeOut("message.post")
	if got := testutil.ToFloat64(m.EnvelopeCounter.WithLabelValues("message.post", "inbound")); got != 2 {
		t.Errorf("inbound count = %v", got)
	}
	if got := testutil.ToFloat64(m.EnvelopeCounter.WithLabelValues("message.post", "outbound")); got != 1 {
		t.Errorf("outbound count = %v", got)
	}

	m.SessionStarted()
	m.SessionStarted()
	m.SessionEnded(12.5)
	if got := testutil.ToFloat64(m.ActiveSessions); got != 1 {
		t.Errorf("active sessions = %v", got)
	}

	m.GateResolved("approved", 3)
	if got := testutil.ToFloat64(m.GateCounter.WithLabelValues("approved")); got != 1 {
		t.Errorf("gate count = %v", got)
	}

	m.ToolResult("shell", true)
	m.ToolResult("shell", false)
	if got := testutil.ToFloat64(m.ToolExecutionCounter.WithLabelValues("shell", "error")); got != 1 {
		t.Errorf("tool error count = %v", got)
	}

	m.ProtocolError("UNAUTHORIZED")
	if got := testutil.ToFloat64(m.ErrorCounter.WithLabelValues("UNAUTHORIZED")); got != 1 {
		t.Errorf("error count = %v", got)
	}
}
