// Package progress 向操作者展示长耗时操作（连接、刷新、断开）的进度。
package progress

import (
	"time"

	cmap "github.com/orcaman/concurrent-map/v2"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
)

// Reporter 进度上报接口
type Reporter interface {
	Begin(taskID, title, message string)
	Update(taskID, message string)
	End(taskID string)
}

// Noop 丢弃所有进度事件
type Noop struct{}

func (Noop) Begin(string, string, string) {}
func (Noop) Update(string, string)        {}
func (Noop) End(string)                   {}

type task struct {
	title   string
	started time.Time
}

// LogReporter 把进度写入 zap 日志，并用 gauge 统计进行中的任务数
type LogReporter struct {
	log    *zap.Logger
	active cmap.ConcurrentMap[string, task]
	gauge  prometheus.Gauge
}

// NewLogReporter gauge 可以为 nil
func NewLogReporter(log *zap.Logger, gauge prometheus.Gauge) *LogReporter {
	if log == nil {
		log = zap.NewNop()
	}
	return &LogReporter{log: log, active: cmap.New[task](), gauge: gauge}
}

// Begin 开始一个任务；同一 taskID 再次 Begin 会重置开始时间
func (r *LogReporter) Begin(taskID, title, message string) {
	r.active.Set(taskID, task{title: title, started: time.Now()})
	r.setGauge()
	r.log.Info(title, zap.String("task", taskID), zap.String("message", message))
}

func (r *LogReporter) Update(taskID, message string) {
	if !r.active.Has(taskID) {
		r.active.SetIfAbsent(taskID, task{started: time.Now()})
		r.setGauge()
	}
	r.log.Debug("progress", zap.String("task", taskID), zap.String("message", message))
}

func (r *LogReporter) End(taskID string) {
	t, ok := r.active.Pop(taskID)
	if !ok {
		return
	}
	r.setGauge()
	r.log.Info("task done",
		zap.String("task", taskID),
		zap.String("title", t.title),
		zap.Duration("elapsed", time.Since(t.started)))
}

// Active 进行中的任务 ID
func (r *LogReporter) Active() []string {
	return r.active.Keys()
}

func (r *LogReporter) setGauge() {
	if r.gauge != nil {
		r.gauge.Set(float64(r.active.Count()))
	}
}
