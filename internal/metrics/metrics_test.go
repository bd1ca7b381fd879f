package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestMetrics_Observe(t *testing.T) {
	m := New(prometheus.NewRegistry())

	m.ObserveWait("entry", "timeout")
	m.ObserveWait("entry", "timeout")
	m.ObserveDuplicate()
	m.ObserveResolution("minimal")
	m.ObserveSkippedBreakpoint("out_of_range")
	m.SetActiveSessions(3)
	m.ObserveToolCall("debug_list_sessions", "ok", 20*time.Millisecond)

	assert.Equal(t, 2.0, testutil.ToFloat64(m.StopWaits.WithLabelValues("entry", "timeout")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.DuplicateMessages))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.StopResolutions.WithLabelValues("minimal")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.BreakpointsSkipped.WithLabelValues("out_of_range")))
	assert.Equal(t, 3.0, testutil.ToFloat64(m.ActiveSessions))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.ToolCalls.WithLabelValues("debug_list_sessions", "ok")))
}

func TestMetrics_NilSafe(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.ObserveWait("session", "stopped")
		m.ObserveMessage("inbound", "event")
		m.ObserveDuplicate()
		m.ObserveResolution("resolved")
		m.ObserveRetry()
		m.ObserveSkippedBreakpoint("duplicate")
		m.SetActiveSessions(1)
		m.ObserveToolCall("debug_get_output", "error", time.Second)
	})
}
