package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"

	logx "schd/pkg/logx"
)

// PrometheusSink implements Sink with the Prometheus client library.
// Registration errors are logged and never propagated.
type PrometheusSink struct {
	log logx.Logger

	runsTotal         *prometheus.CounterVec
	runDuration       *prometheus.HistogramVec
	runsDroppedTotal  *prometheus.CounterVec
	notifyFailedTotal *prometheus.CounterVec

	dispatchTotal   *prometheus.CounterVec
	duplicatesTotal *prometheus.CounterVec
	reconnectsTotal prometheus.Counter
	queueDepth      prometheus.Gauge
}

func NewPrometheusSink(reg prometheus.Registerer, log logx.Logger) *PrometheusSink {
	s := &PrometheusSink{log: log}
	s.initRunMetrics(reg)
	s.initRemoteMetrics(reg)
	return s
}

func (s *PrometheusSink) initRunMetrics(reg prometheus.Registerer) {
	s.runsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "schd_job_runs_total",
		Help: "Completed job executions by job and result status.",
	}, []string{"job", "status"})
	s.runDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "schd_job_run_duration_seconds",
		Help:    "Job execution wall time in seconds.",
		Buckets: []float64{0.01, 0.1, 0.5, 1, 5, 15, 60, 300, 900},
	}, []string{"job"})
	s.runsDroppedTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "schd_job_runs_dropped_total",
		Help: "Firings that never started, by reason.",
	}, []string{"job", "reason"})
	s.notifyFailedTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "schd_notify_failures_total",
		Help: "Error notifications that could not be delivered.",
	}, []string{"type"})
	s.queueDepth = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "schd_queue_depth",
		Help: "Firings waiting for a free worker.",
	})

	s.register(reg, s.runsTotal, "schd_job_runs_total")
	s.register(reg, s.runDuration, "schd_job_run_duration_seconds")
	s.register(reg, s.runsDroppedTotal, "schd_job_runs_dropped_total")
	s.register(reg, s.notifyFailedTotal, "schd_notify_failures_total")
	s.register(reg, s.queueDepth, "schd_queue_depth")
}

func (s *PrometheusSink) initRemoteMetrics(reg prometheus.Registerer) {
	s.dispatchTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "schd_dispatch_events_total",
		Help: "NewJobInstance events received from the coordinator.",
	}, []string{"job"})
	s.duplicatesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "schd_dispatch_duplicates_total",
		Help: "Dispatch events ignored because the instance was already seen.",
	}, []string{"job"})
	s.reconnectsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "schd_stream_reconnects_total",
		Help: "Event stream reconnect attempts.",
	})

	s.register(reg, s.dispatchTotal, "schd_dispatch_events_total")
	s.register(reg, s.duplicatesTotal, "schd_dispatch_duplicates_total")
	s.register(reg, s.reconnectsTotal, "schd_stream_reconnects_total")
}

func (s *PrometheusSink) register(reg prometheus.Registerer, c prometheus.Collector, name string) {
	if reg == nil {
		return
	}
	if err := reg.Register(c); err != nil {
		s.log.Warn("metrics: register failed", logx.String("metric", name), logx.Err(err))
	}
}

func (s *PrometheusSink) RunCompleted(job, status string, d time.Duration) {
	s.runsTotal.WithLabelValues(job, status).Inc()
	s.runDuration.WithLabelValues(job).Observe(d.Seconds())
}

func (s *PrometheusSink) RunDropped(job, reason string) {
	s.runsDroppedTotal.WithLabelValues(job, reason).Inc()
}

func (s *PrometheusSink) NotifyFailed(notifierType string) {
	s.notifyFailedTotal.WithLabelValues(notifierType).Inc()
}

func (s *PrometheusSink) DispatchReceived(job string) {
	s.dispatchTotal.WithLabelValues(job).Inc()
}

func (s *PrometheusSink) DispatchDuplicate(job string) {
	s.duplicatesTotal.WithLabelValues(job).Inc()
}

func (s *PrometheusSink) StreamReconnect() { s.reconnectsTotal.Inc() }

func (s *PrometheusSink) QueueDepth(n int) { s.queueDepth.Set(float64(n)) }
