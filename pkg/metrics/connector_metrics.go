package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// -------------------------- 连接协调器指标 --------------------------
// 标签 operation: connect / disconnect / refresh-live / refresh-memory / refresh-gcpauses / loggers / loglevel

func (m *MetricFactory) NewConnectorAttemptsTotal() *prometheus.CounterVec {
	return promauto.With(m.reg).NewCounterVec(
		prometheus.CounterOpts{
			Name: "connector_attempts_total",
			Help: "Total number of connector operation attempts",
		},
		[]string{"operation"},
	)
}

func (m *MetricFactory) NewConnectorFailuresTotal() *prometheus.CounterVec {
	return promauto.With(m.reg).NewCounterVec(
		prometheus.CounterOpts{
			Name: "connector_failures_total",
			Help: "Total number of failed connector operation attempts",
		},
		[]string{"operation"},
	)
}

func (m *MetricFactory) NewConnectorExhaustedTotal() *prometheus.CounterVec {
	return promauto.With(m.reg).NewCounterVec(
		prometheus.CounterOpts{
			Name: "connector_retries_exhausted_total",
			Help: "Total number of operation chains that gave up after the last retry",
		},
		[]string{"operation"},
	)
}

func (m *MetricFactory) NewConnectorAttemptDurationSeconds() *prometheus.HistogramVec {
	return promauto.With(m.reg).NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "connector_attempt_duration_seconds",
			Help:    "Duration of a single connector operation attempt",
			Buckets: prometheus.ExponentialBuckets(0.01, 2, 10), // 0.01s ~ 5.12s
		},
		[]string{"operation"},
	)
}

// NewRegisteredProcesses 已注册进程数，取值由 fn 在抓取时计算
func (m *MetricFactory) NewRegisteredProcesses(fn func() float64) prometheus.GaugeFunc {
	return promauto.With(m.reg).NewGaugeFunc(prometheus.GaugeOpts{
		Name: "connector_registered_processes",
		Help: "Number of processes registered with the coordinator",
	}, fn)
}

// NewConnectedProcesses 至少成功刷新过一次的进程数
func (m *MetricFactory) NewConnectedProcesses(fn func() float64) prometheus.GaugeFunc {
	return promauto.With(m.reg).NewGaugeFunc(prometheus.GaugeOpts{
		Name: "connector_connected_processes",
		Help: "Number of registered processes with at least one successful refresh",
	}, fn)
}

func (m *MetricFactory) NewProgressTasksActive() prometheus.Gauge {
	return promauto.With(m.reg).NewGauge(prometheus.GaugeOpts{
		Name: "connector_progress_tasks_active",
		Help: "Number of progress tasks currently running",
	})
}

func (m *MetricFactory) NewDiagnosticsTotal() *prometheus.CounterVec {
	return promauto.With(m.reg).NewCounterVec(
		prometheus.CounterOpts{
			Name: "connector_diagnostics_total",
			Help: "Total number of diagnostic events reported to the operator",
		},
		[]string{"severity"},
	)
}
