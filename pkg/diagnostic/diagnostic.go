// Package diagnostic 向操作者报告终止性失败（重试耗尽等）。
package diagnostic

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
)

// Severity 严重程度
type Severity string

const (
	SeverityError   Severity = "error"
	SeverityWarning Severity = "warning"
	SeverityInfo    Severity = "info"
)

// Event 一条诊断事件
type Event struct {
	Severity   Severity  `json:"severity"`
	ProcessKey string    `json:"processKey,omitempty"`
	Message    string    `json:"message"`
	Cause      error     `json:"-"`
	CauseText  string    `json:"cause,omitempty"`
	Time       time.Time `json:"time"`
}

// Error 构造 error 级别事件
func Error(processKey, message string, cause error) Event {
	e := Event{Severity: SeverityError, ProcessKey: processKey, Message: message, Cause: cause, Time: time.Now()}
	if cause != nil {
		e.CauseText = cause.Error()
	}
	return e
}

// Sink 诊断事件接收方
type Sink interface {
	Report(e Event)
}

// Noop 丢弃所有事件
type Noop struct{}

func (Noop) Report(Event) {}

// DefaultHistory LogSink 默认保留的事件数
const DefaultHistory = 100

// LogSink 写 zap 日志、计数，并保留最近的若干条事件供 HTTP 查询
type LogSink struct {
	log     *zap.Logger
	counter *prometheus.CounterVec

	mu     sync.Mutex
	recent []Event
	next   int
	full   bool
}

// NewLogSink counter 可以为 nil；history <= 0 时使用 DefaultHistory
func NewLogSink(log *zap.Logger, counter *prometheus.CounterVec, history int) *LogSink {
	if log == nil {
		log = zap.NewNop()
	}
	if history <= 0 {
		history = DefaultHistory
	}
	return &LogSink{log: log, counter: counter, recent: make([]Event, history)}
}

func (s *LogSink) Report(e Event) {
	if e.Time.IsZero() {
		e.Time = time.Now()
	}
	if e.Cause != nil && e.CauseText == "" {
		e.CauseText = e.Cause.Error()
	}
	fields := []zap.Field{zap.String("severity", string(e.Severity)), zap.String("process", e.ProcessKey)}
	if e.Cause != nil {
		fields = append(fields, zap.Error(e.Cause))
	}
	switch e.Severity {
	case SeverityError:
		s.log.Error(e.Message, fields...)
	case SeverityWarning:
		s.log.Warn(e.Message, fields...)
	default:
		s.log.Info(e.Message, fields...)
	}
	if s.counter != nil {
		s.counter.WithLabelValues(string(e.Severity)).Inc()
	}

	s.mu.Lock()
	s.recent[s.next] = e
	s.next = (s.next + 1) % len(s.recent)
	if s.next == 0 {
		s.full = true
	}
	s.mu.Unlock()
}

// Recent 最近的事件，按时间从旧到新
func (s *LogSink) Recent() []Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.full {
		return append([]Event(nil), s.recent[:s.next]...)
	}
	out := make([]Event, 0, len(s.recent))
	out = append(out, s.recent[s.next:]...)
	return append(out, s.recent[:s.next]...)
}
