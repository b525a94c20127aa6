// Package coordinator 管理被监控进程的连接生命周期：
// connect → refresh(多种数据) → disconnect，带有界重试、进度上报与诊断升级。
//
// 注册表中的 binding 是重试链继续执行的唯一凭证：binding 一旦被移除或被新的
// connect 替换，所有仍在途中的重试都会在下一次检查时静默停止。
package coordinator

import (
	"context"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	cmap "github.com/orcaman/concurrent-map/v2"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
	"go.uber.org/zap"

	"github.com/live-connector/pkg/connector"
	"github.com/live-connector/pkg/diagnostic"
	"github.com/live-connector/pkg/livedata"
	"github.com/live-connector/pkg/logger"
	"github.com/live-connector/pkg/monitor"
	"github.com/live-connector/pkg/progress"
	"github.com/live-connector/pkg/scheduler"
)

// binding 进程 key 与 Capability 的一次绑定；每次 connect 都会生成新的 binding
type binding struct {
	key        string
	capability connector.Capability
	connected  atomic.Bool

	removeListener func()
	once           sync.Once
}

func (b *binding) unsubscribe() {
	b.once.Do(func() {
		if b.removeListener != nil {
			b.removeListener()
		}
	})
}

// ProcessInfo 对外展示的进程信息
type ProcessInfo struct {
	Key       string `json:"key"`
	ID        string `json:"id"`
	Name      string `json:"name"`
	Label     string `json:"label"`
	Connected bool   `json:"connected"`
}

// Coordinator 连接协调器，所有方法并发安全
type Coordinator struct {
	registry cmap.ConcurrentMap[string, *binding]
	store    *livedata.Store

	scheduler     *scheduler.Scheduler
	ownsScheduler bool
	policy        scheduler.RetryPolicy
	chainSeq      atomic.Uint64

	progress    progress.Reporter
	diagnostics diagnostic.Sink
	metrics     *monitor.CoordinatorMetrics
	tracer      trace.Tracer
	log         *zap.Logger

	ctx    context.Context
	cancel context.CancelFunc
}

// Option 协调器选项
type Option func(*Coordinator)

// WithRetryPolicy 覆盖默认重试策略（10 次，间隔 3 秒）
func WithRetryPolicy(p scheduler.RetryPolicy) Option {
	return func(c *Coordinator) { c.policy = p }
}

// WithScheduler 使用外部调度器；调用方负责关闭它
func WithScheduler(s *scheduler.Scheduler) Option {
	return func(c *Coordinator) { c.scheduler = s }
}

func WithProgress(r progress.Reporter) Option {
	return func(c *Coordinator) { c.progress = r }
}

func WithDiagnostics(s diagnostic.Sink) Option {
	return func(c *Coordinator) { c.diagnostics = s }
}

func WithStore(s *livedata.Store) Option {
	return func(c *Coordinator) { c.store = s }
}

// WithMetrics 可以为 nil（不上报指标）
func WithMetrics(m *monitor.CoordinatorMetrics) Option {
	return func(c *Coordinator) { c.metrics = m }
}

func WithTracer(t trace.Tracer) Option {
	return func(c *Coordinator) { c.tracer = t }
}

func WithLogger(l *zap.Logger) Option {
	return func(c *Coordinator) { c.log = l }
}

// New 创建协调器；未指定的协作者使用 no-op 实现
func New(opts ...Option) (*Coordinator, error) {
	c := &Coordinator{
		registry:    cmap.New[*binding](),
		policy:      scheduler.DefaultRetryPolicy(),
		progress:    progress.Noop{},
		diagnostics: diagnostic.Noop{},
		tracer:      noop.NewTracerProvider().Tracer("coordinator"),
		log:         logger.Named("coordinator"),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.store == nil {
		c.store = livedata.NewStore()
	}
	if c.scheduler == nil {
		s, err := scheduler.New(scheduler.DefaultPoolSize, scheduler.WithLogger(c.log))
		if err != nil {
			return nil, err
		}
		c.scheduler = s
		c.ownsScheduler = true
	}
	c.ctx, c.cancel = context.WithCancel(context.Background())
	return c, nil
}

// Store 底层的实时数据存储（只读使用）
func (c *Coordinator) Store() *livedata.Store {
	return c.store
}

func (c *Coordinator) IsKnownProcessKey(key string) bool {
	return c.registry.Has(key)
}

// GetProcessKeys 所有已注册的进程 key（含尚未连通的）
func (c *Coordinator) GetProcessKeys() []string {
	keys := c.registry.Keys()
	sort.Strings(keys)
	return keys
}

// GetConnectedProcesses 已注册且至少成功刷新过一次的进程 key
func (c *Coordinator) GetConnectedProcesses() []string {
	var keys []string
	for item := range c.registry.IterBuffered() {
		if item.Val.connected.Load() {
			keys = append(keys, item.Key)
		}
	}
	sort.Strings(keys)
	return keys
}

// Processes 已注册进程的概要信息，按 key 排序
func (c *Coordinator) Processes() []ProcessInfo {
	out := make([]ProcessInfo, 0, c.registry.Count())
	for item := range c.registry.IterBuffered() {
		b := item.Val
		out = append(out, ProcessInfo{
			Key:       item.Key,
			ID:        b.capability.ProcessID(),
			Name:      b.capability.ProcessName(),
			Label:     b.capability.Label(),
			Connected: b.connected.Load(),
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out
}

// RegisteredCount / ConnectedCount 供 GaugeFunc 使用
func (c *Coordinator) RegisteredCount() float64 {
	return float64(c.registry.Count())
}

func (c *Coordinator) ConnectedCount() float64 {
	return float64(len(c.GetConnectedProcesses()))
}

func (c *Coordinator) GetLiveData(key string) *connector.LiveData {
	d, _ := c.store.General.Get(key)
	return d
}

func (c *Coordinator) GetAllLiveData() []*connector.LiveData {
	all := c.store.General.All()
	out := make([]*connector.LiveData, 0, len(all))
	for _, d := range all {
		out = append(out, d)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ProcessKey < out[j].ProcessKey })
	return out
}

func (c *Coordinator) GetMemoryMetricsLiveData(key string) *connector.MetricsLiveData {
	d, _ := c.store.Memory.Get(key)
	return d
}

func (c *Coordinator) GetGcPausesMetricsLiveData(key string) *connector.MetricsLiveData {
	d, _ := c.store.GcPauses.Get(key)
	return d
}

// GetLoggersLiveData 最近一次获取的日志配置（不触发远程调用）
func (c *Coordinator) GetLoggersLiveData(key string) *connector.LoggersData {
	d, _ := c.store.Loggers.Get(key)
	return d
}

// DisconnectAll 断开所有已注册进程，用于退出前的清理
func (c *Coordinator) DisconnectAll() {
	for _, key := range c.registry.Keys() {
		c.DisconnectProcess(key)
	}
}

// Shutdown 停止调度：未触发的重试被丢弃，进行中的尝试最多等待 timeout
func (c *Coordinator) Shutdown(timeout time.Duration) error {
	defer c.cancel()
	if !c.ownsScheduler {
		return nil
	}
	return c.scheduler.Shutdown(timeout)
}
