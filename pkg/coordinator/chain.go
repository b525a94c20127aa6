package coordinator

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/live-connector/pkg/scheduler"
)

// 操作名，用作指标 label 与进度任务 ID 的一部分
const (
	opConnect         = "connect"
	opDisconnect      = "disconnect"
	opRefreshLive     = "refresh-live"
	opRefreshMemory   = "refresh-memory"
	opRefreshGcPauses = "refresh-gcpauses"
	opLoggers         = "loggers"
	opLogLevel        = "loglevel"
)

// outcome 重试链的终止状态（失败一侧）
type outcome struct {
	err     error
	retries int
	// registered 终止时 binding 仍在注册表中
	registered bool
	// cancelled binding 已被移除/替换，或调度器已关闭；此时不上报诊断
	cancelled bool
}

// chain 一次操作及其重试，同一条链上的尝试严格串行
type chain struct {
	seq      uint64
	op       string
	b        *binding
	title    string
	describe string
	// gated 为 true 时，binding 不再是当前注册项即停止（disconnect 不受此限制）
	gated bool

	backoff backoff.BackOff
	retries int

	attempt     func(ctx context.Context) error
	onSuccess   func()
	onExhausted func(o outcome)
}

// taskID 同一进程同一操作可能有多条链并发（如按 tag 的内存刷新），用序号区分
func (ch *chain) taskID() string {
	return "live-connector-" + ch.op + "-" + ch.b.key + "-" + strconv.FormatUint(ch.seq, 10)
}

func (c *Coordinator) newChain(op string, b *binding, title, describe string, gated bool) *chain {
	return &chain{
		seq:      c.chainSeq.Add(1),
		op:       op,
		b:        b,
		title:    title,
		describe: describe,
		gated:    gated,
		backoff:  c.policy.NewBackOff(),
	}
}

// isCurrent 注册表中该 key 对应的正是这个 binding
func (c *Coordinator) isCurrent(b *binding) bool {
	cur, ok := c.registry.Get(b.key)
	return ok && cur == b
}

func (c *Coordinator) start(ch *chain) {
	c.progress.Begin(ch.taskID(), ch.title, ch.describe+": "+ch.b.key)
	if err := c.schedule(ch, 0); err != nil {
		c.abandon(ch, err)
	}
}

// schedule 调度下一次尝试；已接受的尝试若因调度器关闭被丢弃，链条按取消结束
func (c *Coordinator) schedule(ch *chain, delay time.Duration) error {
	return c.scheduler.ScheduleOrDrop(delay,
		func() { c.run(ch) },
		func() { c.abandon(ch, scheduler.ErrClosed) },
	)
}

func (c *Coordinator) run(ch *chain) {
	if ch.gated && !c.isCurrent(ch.b) {
		c.log.Debug("retry chain cancelled",
			zap.String("op", ch.op), zap.String("process", ch.b.key), zap.Int("retry", ch.retries))
		c.progress.End(ch.taskID())
		ch.onExhausted(outcome{err: context.Canceled, retries: ch.retries, cancelled: true})
		return
	}

	c.progress.Update(ch.taskID(), fmt.Sprintf("%s: %s - retry no: %d", ch.describe, ch.b.key, ch.retries))
	err := c.invoke(ch)
	if err == nil {
		c.progress.End(ch.taskID())
		if ch.onSuccess != nil {
			ch.onSuccess()
		}
		return
	}

	registered := c.isCurrent(ch.b)
	c.log.Warn("attempt failed",
		zap.String("op", ch.op),
		zap.String("process", ch.b.key),
		zap.Int("retry", ch.retries),
		zap.Bool("registered", registered),
		zap.Error(err))

	if !ch.gated || registered {
		if delay := ch.backoff.NextBackOff(); delay != backoff.Stop {
			ch.retries++
			if serr := c.schedule(ch, delay); serr != nil {
				c.abandon(ch, serr)
			}
			return
		}
	}

	c.progress.End(ch.taskID())
	cancelled := ch.gated && !registered
	if !cancelled && c.metrics != nil {
		c.metrics.Exhausted.WithLabelValues(ch.op).Inc()
	}
	ch.onExhausted(outcome{err: err, retries: ch.retries, registered: registered, cancelled: cancelled})
}

// abandon 调度器已关闭，链条无法继续
func (c *Coordinator) abandon(ch *chain, err error) {
	if !errors.Is(err, scheduler.ErrClosed) {
		c.log.Error("schedule attempt failed", zap.String("op", ch.op), zap.String("process", ch.b.key), zap.Error(err))
	}
	c.progress.End(ch.taskID())
	ch.onExhausted(outcome{err: err, retries: ch.retries, registered: c.isCurrent(ch.b), cancelled: true})
}

// invoke 执行一次尝试：tracing span、耗时指标，以及 Capability 的 panic 兜底
func (c *Coordinator) invoke(ch *chain) (err error) {
	ctx, span := c.tracer.Start(c.ctx, "connector."+ch.op, trace.WithAttributes(
		attribute.String("process.key", ch.b.key),
		attribute.Int("retry", ch.retries),
	))
	start := time.Now()

	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%s panicked: %v", ch.op, r)
		}
		if c.metrics != nil {
			c.metrics.Attempts.WithLabelValues(ch.op).Inc()
			c.metrics.AttemptDuration.WithLabelValues(ch.op).Observe(time.Since(start).Seconds())
			if err != nil {
				c.metrics.Failures.WithLabelValues(ch.op).Inc()
			}
		}
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}()

	return ch.attempt(ctx)
}
