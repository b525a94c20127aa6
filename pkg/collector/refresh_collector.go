package collector

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/live-connector/pkg/config"
	"github.com/live-connector/pkg/connector"
	"github.com/live-connector/pkg/logger"
	"github.com/live-connector/pkg/monitor"
)

// RefreshCollector 周期触发已连通进程的实时数据刷新（通用 / 内存 / GC 暂停）。
// 刷新本身是异步的，Collect 只负责发起。
type RefreshCollector struct {
	name        string
	cfg         config.RefreshCollectorConfig
	coordinator ProcessCoordinator
	metrics     *monitor.CollectorMetrics
}

// NewRefreshCollector 创建刷新采集器
func NewRefreshCollector(cfg config.RefreshCollectorConfig, coordinator ProcessCoordinator, metrics *monitor.CollectorMetrics) *RefreshCollector {
	return &RefreshCollector{
		name:        "refresh-collector",
		cfg:         cfg,
		coordinator: coordinator,
		metrics:     metrics,
	}
}

func (c *RefreshCollector) Name() string { return c.name }

func (c *RefreshCollector) Init() error { return nil }

// Collect 为每个已连通的进程发起一轮刷新
func (c *RefreshCollector) Collect(ctx context.Context) error {
	start := time.Now()
	defer func() {
		if c.metrics != nil {
			c.metrics.Duration.WithLabelValues(c.name).Observe(time.Since(start).Seconds())
		}
	}()

	keys := c.coordinator.GetConnectedProcesses()
	for _, key := range keys {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		c.coordinator.RefreshProcess(connector.ProcessParams{ProcessKey: key, Endpoint: connector.EndpointGeneral})

		if c.cfg.Memory {
			tags := c.cfg.MemoryTags
			if len(tags) == 0 {
				tags = []string{""}
			}
			for _, t := range tags {
				c.coordinator.RefreshProcess(connector.ProcessParams{
					ProcessKey: key,
					Endpoint:   connector.EndpointMemory,
					MetricName: c.cfg.MemoryMetric,
					Tags:       t,
				})
			}
		}
		if c.cfg.GcPauses {
			c.coordinator.RefreshProcess(connector.ProcessParams{
				ProcessKey: key,
				Endpoint:   connector.EndpointGcPauses,
				MetricName: c.cfg.GcPauseMetric,
			})
		}
	}
	logger.Debug("refresh triggered", zap.String("name", c.name), zap.Int("processes", len(keys)))
	return nil
}

func (c *RefreshCollector) Close() error { return nil }
