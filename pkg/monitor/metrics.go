package monitor

import "github.com/prometheus/client_golang/prometheus"

// -------------------------- Coordinator 指标结构体 --------------------------
type CoordinatorMetrics struct {
	Attempts        *prometheus.CounterVec   // 每次尝试（按操作类型）
	Failures        *prometheus.CounterVec   // 失败的尝试
	Exhausted       *prometheus.CounterVec   // 重试耗尽的调用链
	AttemptDuration *prometheus.HistogramVec // 单次尝试耗时（秒）
}

// -------------------------- 采集器指标结构体 --------------------------
type CollectorMetrics struct {
	Errors   *prometheus.CounterVec   // 采集错误次数（按采集器）
	Duration *prometheus.HistogramVec // 采集耗时（按采集器）
}

// -------------------------- 进度 / 诊断指标 --------------------------
type ReporterMetrics struct {
	ProgressActive prometheus.Gauge       // 进行中的进度任务数
	Diagnostics    *prometheus.CounterVec // 诊断事件数（按严重程度）
}
