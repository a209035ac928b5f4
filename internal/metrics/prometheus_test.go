package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	logx "schd/pkg/logx"
)

func newTestSink(t *testing.T) (*PrometheusSink, *prometheus.Registry) {
	t.Helper()
	reg := prometheus.NewRegistry()
	return NewPrometheusSink(reg, logx.Nop()), reg
}

func find(t *testing.T, reg *prometheus.Registry, name string, labels map[string]string) *dto.Metric {
	t.Helper()
	mfs, err := reg.Gather()
	require.NoError(t, err)
	for _, mf := range mfs {
		if mf.GetName() != name {
			continue
		}
		for _, m := range mf.GetMetric() {
			if matchLabels(m.GetLabel(), labels) {
				return m
			}
		}
	}
	return nil
}

func matchLabels(pairs []*dto.LabelPair, want map[string]string) bool {
	if len(pairs) != len(want) {
		return false
	}
	for _, p := range pairs {
		if v, ok := want[p.GetName()]; !ok || v != p.GetValue() {
			return false
		}
	}
	return true
}

func TestRunCompleted(t *testing.T) {
	s, reg := newTestSink(t)
	s.RunCompleted("backup", "success", 2*time.Second)
	s.RunCompleted("backup", "success", time.Second)
	s.RunCompleted("backup", "failure", time.Second)

	m := find(t, reg, "schd_job_runs_total", map[string]string{"job": "backup", "status": "success"})
	require.NotNil(t, m)
	assert.Equal(t, 2.0, m.GetCounter().GetValue())

	h := find(t, reg, "schd_job_run_duration_seconds", map[string]string{"job": "backup"})
	require.NotNil(t, h)
	assert.Equal(t, uint64(3), h.GetHistogram().GetSampleCount())
	assert.InDelta(t, 4.0, h.GetHistogram().GetSampleSum(), 1e-9)
}

func TestDropsAndRemoteCounters(t *testing.T) {
	s, reg := newTestSink(t)
	s.RunDropped("a", DropMisfire)
	s.NotifyFailed("email")
	s.DispatchReceived("a")
	s.DispatchDuplicate("a")
	s.StreamReconnect()
	s.StreamReconnect()
	s.QueueDepth(4)

	assert.Equal(t, 1.0, find(t, reg, "schd_job_runs_dropped_total", map[string]string{"job": "a", "reason": "misfire"}).GetCounter().GetValue())
	assert.Equal(t, 1.0, find(t, reg, "schd_notify_failures_total", map[string]string{"type": "email"}).GetCounter().GetValue())
	assert.Equal(t, 1.0, find(t, reg, "schd_dispatch_events_total", map[string]string{"job": "a"}).GetCounter().GetValue())
	assert.Equal(t, 1.0, find(t, reg, "schd_dispatch_duplicates_total", map[string]string{"job": "a"}).GetCounter().GetValue())
	assert.Equal(t, 2.0, find(t, reg, "schd_stream_reconnects_total", nil).GetCounter().GetValue())
	assert.Equal(t, 4.0, find(t, reg, "schd_queue_depth", nil).GetGauge().GetValue())
}

func TestDoubleRegistrationDoesNotPanic(t *testing.T) {
	reg := prometheus.NewRegistry()
	_ = NewPrometheusSink(reg, logx.Nop())
	s := NewPrometheusSink(reg, logx.Nop())
	assert.NotPanics(t, func() { s.RunCompleted("x", "success", time.Millisecond) })
}

func TestOrNoop(t *testing.T) {
	assert.IsType(t, Noop{}, OrNoop(nil))
	s, _ := newTestSink(t)
	assert.Same(t, s, OrNoop(s))
}
