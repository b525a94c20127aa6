package metrics

import "github.com/live-connector/pkg/monitor"

// MetricFactory 指标工厂，用于统一创建指标（counter/gauge/histogram）。
type MetricFactory struct {
	reg Registers
}

// NewMetricFactory 创建指标工厂
func NewMetricFactory(reg Registers) *MetricFactory {
	return &MetricFactory{reg: reg}
}

// NewCoordinatorMetrics 创建并注册 Coordinator 的全部指标；每个注册器只能调用一次
func (m *MetricFactory) NewCoordinatorMetrics() *monitor.CoordinatorMetrics {
	return &monitor.CoordinatorMetrics{
		Attempts:        m.NewConnectorAttemptsTotal(),
		Failures:        m.NewConnectorFailuresTotal(),
		Exhausted:       m.NewConnectorExhaustedTotal(),
		AttemptDuration: m.NewConnectorAttemptDurationSeconds(),
	}
}

// NewCollectorMetrics 创建采集器共享的错误数/耗时指标
func (m *MetricFactory) NewCollectorMetrics() *monitor.CollectorMetrics {
	return &monitor.CollectorMetrics{
		Errors:   m.NewAgentCollectErrorsTotal(),
		Duration: m.NewAgentCollectDurationSeconds(),
	}
}

// NewReporterMetrics 进度与诊断指标
func (m *MetricFactory) NewReporterMetrics() *monitor.ReporterMetrics {
	return &monitor.ReporterMetrics{
		ProgressActive: m.NewProgressTasksActive(),
		Diagnostics:    m.NewDiagnosticsTotal(),
	}
}
