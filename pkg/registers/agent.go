package registers

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/sourcegraph/conc"
	"go.uber.org/zap"

	"github.com/live-connector/pkg/logger"
)

type entry struct {
	collector Collector
	interval  time.Duration
}

// AgentImpl 实现 registers.Agent 接口
type AgentImpl struct {
	mu      sync.Mutex
	entries []entry
	wg      conc.WaitGroup
	ctx     context.Context
	cancel  context.CancelFunc
	started bool
}

// NewAgent 创建采集器注册器（初始化上下文）
func NewAgent() *AgentImpl {
	ctx, cancel := context.WithCancel(context.Background())
	return &AgentImpl{ctx: ctx, cancel: cancel}
}

// Register 注册采集器；interval <= 0 的采集器只在启动时执行一次
func (r *AgentImpl) Register(c Collector, interval time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries = append(r.entries, entry{collector: c, interval: interval})
}

// Collectors 已注册的采集器（副本）
func (r *AgentImpl) Collectors() []Collector {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Collector, 0, len(r.entries))
	for _, e := range r.entries {
		out = append(out, e.collector)
	}
	return out
}

// InitAll 初始化所有采集器，任一失败即返回
func (r *AgentImpl) InitAll() error {
	for _, c := range r.Collectors() {
		if err := c.Init(); err != nil {
			return fmt.Errorf("collector %s init failed: %w", c.Name(), err)
		}
		logger.Debug("collector initialized successfully", zap.String("name", c.Name()))
	}
	return nil
}

// Start 初始化并为每个采集器启动独立的定时循环
func (r *AgentImpl) Start(ctx context.Context) error {
	if err := r.InitAll(); err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.started {
		return fmt.Errorf("agent already started")
	}
	r.started = true
	for _, e := range r.entries {
		e := e
		r.wg.Go(func() { r.loop(ctx, e) })
	}
	logger.Debug("collector agent started", zap.Int("registered-collectors-count", len(r.entries)))
	return nil
}

// loop 同时监听外部 ctx 和内部 ctx 的关闭信号
func (r *AgentImpl) loop(ctx context.Context, e entry) {
	name := e.collector.Name()

	// 首次采集（失败仅警告）
	if err := e.collector.Collect(ctx); err != nil {
		logger.Warn("first collection failed", zap.String("name", name), zap.Error(err))
	}
	if e.interval <= 0 {
		return
	}

	ticker := time.NewTicker(e.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if err := e.collector.Collect(ctx); err != nil {
				logger.Warn("collection failed", zap.String("name", name), zap.Error(err))
			}
		case <-ctx.Done(): // 响应外部关闭信号（如服务停止）
			logger.Info("collector stopped by external context", zap.String("name", name), zap.Error(ctx.Err()))
			return
		case <-r.ctx.Done(): // 响应内部关闭信号（如主动调用 Shutdown）
			logger.Info("collector stopped by internal shutdown", zap.String("name", name))
			return
		}
	}
}

// Shutdown 停止所有循环（最多等到 ctx 结束），然后关闭采集器
func (r *AgentImpl) Shutdown(ctx context.Context) error {
	logger.Info("starting to shutdown collector agent")
	r.cancel()

	done := make(chan struct{})
	go func() {
		defer close(done)
		// 采集器 panic 不影响关闭流程
		if p := r.wg.WaitAndRecover(); p != nil {
			logger.Error("collector panicked", zap.String("panic", p.String()))
		}
	}()
	select {
	case <-done:
	case <-ctx.Done():
		logger.Warn("collector loops did not stop in time", zap.Error(ctx.Err()))
	}

	return r.CloseAll()
}

// CloseAll 批量关闭采集器（记录最后一个错误，不阻断整体关闭）
func (r *AgentImpl) CloseAll() error {
	var lastErr error
	for _, c := range r.Collectors() {
		logger.Debug("closing collector", zap.String("name", c.Name()))
		if err := c.Close(); err != nil {
			logger.Error("failed to close collector", zap.String("name", c.Name()), zap.Error(err))
			lastErr = err
		}
	}
	return lastErr
}
