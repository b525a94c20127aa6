package collector

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/live-connector/pkg/connector"
	"github.com/live-connector/pkg/discovery"
	"github.com/live-connector/pkg/logger"
	"github.com/live-connector/pkg/monitor"
)

// ProcessCoordinator 采集器用到的协调器能力
type ProcessCoordinator interface {
	ConnectProcess(key string, capability connector.Capability)
	DisconnectProcess(key string)
	RefreshProcess(params connector.ProcessParams)
	IsKnownProcessKey(key string) bool
	GetConnectedProcesses() []string
}

// Scanner 本机进程扫描
type Scanner interface {
	Scan(ctx context.Context) ([]discovery.Target, error)
}

// CapabilityFactory 为发现的进程创建 Capability
type CapabilityFactory func(t discovery.Target) (connector.Capability, error)

// DiscoveryCollector 周期扫描本机进程：新出现的进程自动连接，消失的进程自动断开。
// 只断开自己发现的进程，不影响通过 API 手动连接的进程。
type DiscoveryCollector struct {
	name          string
	scanner       Scanner
	coordinator   ProcessCoordinator
	newCapability CapabilityFactory
	metrics       *monitor.CollectorMetrics

	mu         sync.Mutex
	discovered map[string]struct{}
}

// NewDiscoveryCollector 创建发现采集器
func NewDiscoveryCollector(scanner Scanner, coordinator ProcessCoordinator, factory CapabilityFactory, metrics *monitor.CollectorMetrics) *DiscoveryCollector {
	return &DiscoveryCollector{
		name:          "discovery-collector",
		scanner:       scanner,
		coordinator:   coordinator,
		newCapability: factory,
		metrics:       metrics,
		discovered:    make(map[string]struct{}),
	}
}

// Name 返回采集器名称
func (c *DiscoveryCollector) Name() string { return c.name }

// Init 检查依赖
func (c *DiscoveryCollector) Init() error {
	if c.scanner == nil || c.coordinator == nil || c.newCapability == nil {
		return fmt.Errorf("%s: scanner, coordinator and capability factory are required", c.name)
	}
	return nil
}

// Collect 执行一次扫描
func (c *DiscoveryCollector) Collect(ctx context.Context) error {
	start := time.Now()
	defer func() {
		if c.metrics != nil {
			c.metrics.Duration.WithLabelValues(c.name).Observe(time.Since(start).Seconds())
		}
	}()

	targets, err := c.scanner.Scan(ctx)
	if err != nil {
		c.countError()
		return fmt.Errorf("scan processes failed: %w", err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	seen := make(map[string]struct{}, len(targets))
	for _, t := range targets {
		key := t.Key()
		seen[key] = struct{}{}
		// 已注册（包括仍在重试中的）不重复连接
		if c.coordinator.IsKnownProcessKey(key) {
			continue
		}
		capability, err := c.newCapability(t)
		if err != nil {
			c.countError()
			logger.Warn("create capability failed", zap.String("process", key), zap.String("url", t.BaseURL), zap.Error(err))
			continue
		}
		logger.Info("process discovered", zap.String("process", key), zap.String("url", t.BaseURL))
		c.coordinator.ConnectProcess(key, capability)
		c.discovered[key] = struct{}{}
	}

	for key := range c.discovered {
		if _, ok := seen[key]; ok {
			continue
		}
		logger.Info("process gone", zap.String("process", key))
		c.coordinator.DisconnectProcess(key)
		delete(c.discovered, key)
	}
	return nil
}

// Close 断开所有自动发现的进程
func (c *DiscoveryCollector) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	for key := range c.discovered {
		c.coordinator.DisconnectProcess(key)
		delete(c.discovered, key)
	}
	return nil
}

// Discovered 当前由本采集器管理的进程数
func (c *DiscoveryCollector) Discovered() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.discovered)
}

func (c *DiscoveryCollector) countError() {
	if c.metrics != nil {
		c.metrics.Errors.WithLabelValues(c.name).Inc()
	}
}
