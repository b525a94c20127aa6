package registers

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel"
	"go.uber.org/zap"

	"github.com/live-connector/pkg/collector"
	"github.com/live-connector/pkg/config"
	"github.com/live-connector/pkg/connector"
	"github.com/live-connector/pkg/connector/actuator"
	"github.com/live-connector/pkg/coordinator"
	"github.com/live-connector/pkg/diagnostic"
	"github.com/live-connector/pkg/discovery"
	"github.com/live-connector/pkg/logger"
	"github.com/live-connector/pkg/metrics"
	"github.com/live-connector/pkg/monitor"
	"github.com/live-connector/pkg/progress"
	"github.com/live-connector/pkg/scheduler"
)

type Module struct {
	Enabled  bool
	Name     string
	Interval time.Duration
	NewFunc  func() Collector
}

// Runtime 组装好的运行时组件，供 HTTP 服务和关闭流程使用
type Runtime struct {
	Registry    *prometheus.Registry
	Coordinator *coordinator.Coordinator
	Scheduler   *scheduler.Scheduler
	Diagnostics *diagnostic.LogSink
	Progress    *progress.LogReporter
	Agent       *AgentImpl
	Collectors  []Collector
}

type runtimeOptions struct {
	enableProcess bool
	lister        discovery.Lister
	factory       collector.CapabilityFactory
}

// RuntimeOption 替换默认依赖（主要用于测试）
type RuntimeOption func(*runtimeOptions)

// WithProcessMetrics 是否注册进程级指标
func WithProcessMetrics(enable bool) RuntimeOption {
	return func(o *runtimeOptions) { o.enableProcess = enable }
}

// WithLister 替换本机进程列表来源
func WithLister(l discovery.Lister) RuntimeOption {
	return func(o *runtimeOptions) { o.lister = l }
}

// WithCapabilityFactory 替换发现进程的 Capability 构造
func WithCapabilityFactory(f collector.CapabilityFactory) RuntimeOption {
	return func(o *runtimeOptions) { o.factory = f }
}

// InitRuntime 初始化指标注册器、调度器、协调器和采集器，并启动采集循环。
// 返回的 Runtime 需要调用 Shutdown 释放。
func InitRuntime(ctx context.Context, cfg *config.Config, opts ...RuntimeOption) (*Runtime, error) {
	o := runtimeOptions{}
	for _, opt := range opts {
		opt(&o)
	}

	// 1. Prometheus 注册器（不注册Go指标）
	promReg := metrics.NewAgentRegistry(o.enableProcess)
	metricFactory := metrics.NewMetricFactory(metrics.NewPromRegistry(promReg))
	reporterMetrics := metricFactory.NewReporterMetrics()

	// 2. 诊断 / 进度
	sink := diagnostic.NewLogSink(logger.Named("diagnostic"), reporterMetrics.Diagnostics, cfg.Coordinator.DiagnosticsKeep)
	reporter := progress.NewLogReporter(logger.Named("progress"), reporterMetrics.ProgressActive)

	// 3. 调度器与协调器
	sched, err := scheduler.New(cfg.Coordinator.WorkerPoolSize, scheduler.WithLogger(logger.Named("scheduler")))
	if err != nil {
		return nil, fmt.Errorf("init scheduler failed: %w", err)
	}
	coord, err := coordinator.New(
		coordinator.WithScheduler(sched),
		coordinator.WithRetryPolicy(scheduler.RetryPolicy{
			MaxRetryCount: cfg.Coordinator.MaxRetryCount,
			RetryDelay:    cfg.Coordinator.RetryDelay,
		}),
		coordinator.WithProgress(reporter),
		coordinator.WithDiagnostics(sink),
		coordinator.WithMetrics(metricFactory.NewCoordinatorMetrics()),
		coordinator.WithTracer(otel.Tracer("live-connector")),
	)
	if err != nil {
		_ = sched.Shutdown(time.Second)
		return nil, fmt.Errorf("init coordinator failed: %w", err)
	}
	// GaugeFunc 在抓取时读取协调器状态（promauto 已注册）
	metricFactory.NewRegisteredProcesses(coord.RegisteredCount)
	metricFactory.NewConnectedProcesses(coord.ConnectedCount)

	rt := &Runtime{
		Registry:    promReg,
		Coordinator: coord,
		Scheduler:   sched,
		Diagnostics: sink,
		Progress:    reporter,
		Agent:       NewAgent(),
	}

	// 4. 注册采集器
	if o.lister == nil {
		o.lister = discovery.NewHostLister(logger.Named("discovery"))
	}
	if o.factory == nil {
		o.factory = ActuatorFactory(cfg.Discovery)
	}
	collectorMetrics := metricFactory.NewCollectorMetrics()
	rt.Collectors = registerCollectors(rt.Agent, cfg, coord, o, collectorMetrics)

	// 5. 启动
	if err := rt.Agent.Start(ctx); err != nil {
		_ = coord.Shutdown(time.Second)
		_ = sched.Shutdown(time.Second)
		return nil, err
	}
	return rt, nil
}

// registerCollectors 采集器注册统一入口：新增采集器只需在 modules 列表添加一条
func registerCollectors(agent Agent, cfg *config.Config, coord collector.ProcessCoordinator, o runtimeOptions, m *monitor.CollectorMetrics) []Collector {
	modules := []Module{
		{
			Enabled:  cfg.Monitor.Collectors.Discovery.Enable,
			Name:     "discovery",
			Interval: cfg.Monitor.DiscoveryInterval,
			NewFunc: func() Collector {
				scanner := discovery.NewScanner(cfg.Discovery, o.lister, int32(os.Getpid()), logger.Named("discovery"))
				return collector.NewDiscoveryCollector(scanner, coord, o.factory, m)
			},
		},
		{
			Enabled:  cfg.Monitor.Collectors.Refresh.Enable,
			Name:     "refresh",
			Interval: cfg.Monitor.Interval,
			NewFunc: func() Collector {
				return collector.NewRefreshCollector(cfg.Monitor.Collectors.Refresh, coord, m)
			},
		},
	}

	var registered []Collector
	var names []string
	for _, mod := range modules {
		if !mod.Enabled {
			logger.Debug("collector disabled", zap.String("name", mod.Name))
			continue
		}
		c := mod.NewFunc()
		agent.Register(c, mod.Interval)
		registered = append(registered, c)
		names = append(names, c.Name())
		logger.Debug("registered collector", zap.String("name", mod.Name), zap.Duration("interval", mod.Interval))
	}
	if len(registered) == 0 {
		// 仍可通过 HTTP API 手动连接进程
		logger.Warn("no collectors enabled; processes must be connected through the API")
	} else {
		logger.Debug("all enabled collectors registered", zap.Strings("enabled_collectors", names))
	}
	return registered
}

// ActuatorFactory 为发现的进程创建 actuator 连接
func ActuatorFactory(cfg config.DiscoveryConfig) collector.CapabilityFactory {
	return func(t discovery.Target) (connector.Capability, error) {
		c, err := actuator.New(actuator.Config{
			BaseURL:          t.BaseURL,
			ProcessID:        strconv.Itoa(int(t.Process.PID)),
			ProcessName:      t.Process.Name,
			Timeout:          cfg.RequestTimeout,
			FailureThreshold: cfg.FailureThreshold,
			MaxSamples:       cfg.MaxSamples,
			Logger:           logger.Named("actuator"),
		})
		if err != nil {
			return nil, err
		}
		return c, nil
	}
}

// Shutdown 依次停止采集循环、断开所有进程、停止协调器和调度器
func (r *Runtime) Shutdown(ctx context.Context) error {
	var errs []error
	if err := r.Agent.Shutdown(ctx); err != nil {
		errs = append(errs, fmt.Errorf("shutdown agent: %w", err))
	}

	// 断开尝试与调度器关闭并发，来不及执行的直接丢弃
	r.Coordinator.DisconnectAll()

	timeout := 5 * time.Second
	if deadline, ok := ctx.Deadline(); ok {
		if left := time.Until(deadline); left > 0 {
			timeout = left
		}
	}
	if err := r.Coordinator.Shutdown(timeout); err != nil {
		errs = append(errs, fmt.Errorf("shutdown coordinator: %w", err))
	}
	if err := r.Scheduler.Shutdown(timeout); err != nil {
		errs = append(errs, fmt.Errorf("shutdown scheduler: %w", err))
	}
	return errors.Join(errs...)
}
