// Package scheduler 提供带延迟的任务调度：有界的 ants 协程池负责执行，
// clockwork 定时器负责延迟（测试中可替换为 FakeClock）。
package scheduler

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/panjf2000/ants/v2"
	"go.uber.org/zap"
)

// DefaultPoolSize 默认工作协程数
const DefaultPoolSize = 10

// ErrClosed 调度器已关闭
var ErrClosed = errors.New("scheduler: closed")

// Scheduler 延迟任务调度器
type Scheduler struct {
	pool   *ants.Pool
	clock  clockwork.Clock
	log    *zap.Logger
	closed atomic.Bool

	mu     sync.Mutex
	seq    uint64
	timers map[uint64]pending
}

// pending 未触发的延迟任务；dropped 在任务因关闭而不再执行时调用
type pending struct {
	timer   clockwork.Timer
	dropped func()
}

// Option 调度器选项
type Option func(*Scheduler)

// WithClock 替换时钟（测试用 clockwork.NewFakeClock()）
func WithClock(c clockwork.Clock) Option {
	return func(s *Scheduler) { s.clock = c }
}

// WithLogger 设置日志
func WithLogger(l *zap.Logger) Option {
	return func(s *Scheduler) { s.log = l }
}

// New 创建调度器；size <= 0 时使用 DefaultPoolSize
func New(size int, opts ...Option) (*Scheduler, error) {
	if size <= 0 {
		size = DefaultPoolSize
	}
	s := &Scheduler{
		clock:  clockwork.NewRealClock(),
		log:    zap.NewNop(),
		timers: make(map[uint64]pending),
	}
	for _, opt := range opts {
		opt(s)
	}
	pool, err := ants.NewPool(size,
		ants.WithPanicHandler(func(p interface{}) {
			s.log.Error("scheduled task panicked", zap.Any("panic", p))
		}),
		ants.WithLogger(zapPrintf{s.log}),
	)
	if err != nil {
		return nil, fmt.Errorf("create worker pool: %w", err)
	}
	s.pool = pool
	return s, nil
}

// Schedule 在 delay 之后把 task 交给协程池执行，调用方不会阻塞
func (s *Scheduler) Schedule(delay time.Duration, task func()) error {
	return s.ScheduleOrDrop(delay, task, nil)
}

// ScheduleOrDrop 与 Schedule 相同；任务被接受后若因 Shutdown 不再执行，调用 dropped（最多一次）。
// 返回 ErrClosed 时任务未被接受，dropped 不会被调用。
func (s *Scheduler) ScheduleOrDrop(delay time.Duration, task, dropped func()) error {
	if s.closed.Load() {
		return ErrClosed
	}
	if delay <= 0 {
		go s.submit(task, dropped)
		return nil
	}

	s.mu.Lock()
	s.seq++
	id := s.seq
	s.timers[id] = pending{
		dropped: dropped,
		timer: s.clock.AfterFunc(delay, func() {
			s.mu.Lock()
			delete(s.timers, id)
			s.mu.Unlock()
			s.submit(task, dropped)
		}),
	}
	s.mu.Unlock()
	return nil
}

func (s *Scheduler) submit(task, dropped func()) {
	if s.closed.Load() {
		drop(dropped)
		return
	}
	if err := s.pool.Submit(task); err != nil {
		// 关闭过程中提交失败属于正常情况
		if !errors.Is(err, ants.ErrPoolClosed) {
			s.log.Error("submit scheduled task failed", zap.Error(err))
		}
		drop(dropped)
	}
}

func drop(dropped func()) {
	if dropped != nil {
		dropped()
	}
}

// Pending 尚未触发的延迟任务数量
func (s *Scheduler) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.timers)
}

// Closed 是否已调用 Shutdown
func (s *Scheduler) Closed() bool {
	return s.closed.Load()
}

// Running 正在执行的任务数量
func (s *Scheduler) Running() int {
	return s.pool.Running()
}

// Shutdown 停止所有未触发的定时器（并调用其 dropped），再等待正在执行的任务结束（最多 timeout）
func (s *Scheduler) Shutdown(timeout time.Duration) error {
	if !s.closed.CompareAndSwap(false, true) {
		return nil
	}
	var dropped []func()
	s.mu.Lock()
	for id, p := range s.timers {
		// Stop 返回 false 说明回调已在执行，由 submit 负责 dropped
		if p.timer.Stop() && p.dropped != nil {
			dropped = append(dropped, p.dropped)
		}
		delete(s.timers, id)
	}
	s.mu.Unlock()
	for _, fn := range dropped {
		fn()
	}

	if err := s.pool.ReleaseTimeout(timeout); err != nil {
		return fmt.Errorf("release worker pool: %w", err)
	}
	return nil
}

// zapPrintf 适配 ants.Logger
type zapPrintf struct{ l *zap.Logger }

func (z zapPrintf) Printf(format string, args ...interface{}) {
	z.l.Sugar().Debugf(format, args...)
}
