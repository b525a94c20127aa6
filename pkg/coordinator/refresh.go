package coordinator

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/live-connector/pkg/connector"
)

// RefreshProcess 按 endpoint 刷新一类实时数据；未注册的 key 直接忽略
func (c *Coordinator) RefreshProcess(params connector.ProcessParams) {
	b, ok := c.registry.Get(params.ProcessKey)
	if !ok {
		c.log.Debug("refresh skipped: unknown process", zap.String("process", params.ProcessKey))
		return
	}
	c.refresh(b, params)
}

func (c *Coordinator) refresh(b *binding, params connector.ProcessParams) {
	key := b.key
	capability := b.capability

	// fetch 返回写入存储的动作；没有新数据时为 nil
	var (
		op, target string
		fetch      func(ctx context.Context) (func(), error)
	)
	switch params.Endpoint {
	case connector.EndpointMemory:
		op, target = opRefreshMemory, "memory metrics"
		fetch = func(ctx context.Context) (func(), error) {
			current, _ := c.store.Memory.Get(key)
			d, err := capability.RefreshMemoryMetrics(ctx, current, params.MetricName, params.Tags)
			if err != nil || d == nil {
				return nil, err
			}
			return func() { c.store.Memory.Merge(key, mergeSeries(d, params.MetricName, params.Tags)) }, nil
		}
	case connector.EndpointGcPauses:
		op, target = opRefreshGcPauses, "gc pauses metrics"
		fetch = func(ctx context.Context) (func(), error) {
			current, _ := c.store.GcPauses.Get(key)
			d, err := capability.RefreshGcPausesMetrics(ctx, current, params.MetricName, params.Tags)
			if err != nil || d == nil {
				return nil, err
			}
			return func() { c.store.GcPauses.Merge(key, mergeSeries(d, params.MetricName, params.Tags)) }, nil
		}
	default:
		op, target = opRefreshLive, "live data"
		fetch = func(ctx context.Context) (func(), error) {
			current, _ := c.store.General.Get(key)
			d, err := capability.Refresh(ctx, current)
			if err != nil || d == nil {
				return nil, err
			}
			return func() { c.store.General.Upsert(key, d) }, nil
		}
	}

	var apply func()
	ch := c.newChain(op, b, "Refreshing", "Refreshing "+target+" of process", true)
	ch.attempt = func(ctx context.Context) (err error) {
		apply, err = fetch(ctx)
		return err
	}
	ch.onSuccess = func() {
		if apply == nil {
			return
		}
		// 与并发 disconnect 之间没有互斥：已在途的结果仍可能写入
		apply()
		b.connected.Store(true)
	}
	ch.onExhausted = func(o outcome) {
		if !o.registered || o.cancelled {
			return
		}
		c.report(key, fmt.Sprintf("Failed to refresh %s of process %s after retries: %d", target, key, o.retries), o.err)
		// 从未连通过的进程不再保留注册
		if !b.connected.Load() {
			c.disconnectIfCurrent(b)
		}
	}
	c.start(ch)
}

// mergeSeries 只把本次刷新的序列写进写入时刻的快照，同一进程不同 tag 的刷新互不覆盖
func mergeSeries(fresh *connector.MetricsLiveData, name, tags string) func(*connector.MetricsLiveData, bool) *connector.MetricsLiveData {
	return func(stored *connector.MetricsLiveData, _ bool) *connector.MetricsLiveData {
		return stored.MergeSeries(fresh, name, tags)
	}
}

// ConfigureLogLevel 异步修改日志级别；成功后原地修补日志配置快照
func (c *Coordinator) ConfigureLogLevel(params connector.ProcessParams) {
	b, ok := c.registry.Get(params.ProcessKey)
	if !ok {
		c.log.Debug("configure log level skipped: unknown process", zap.String("process", params.ProcessKey))
		return
	}
	key := b.key

	var update *connector.LogLevelUpdate
	ch := c.newChain(opLogLevel, b, "Configuring log level", "Configuring log level of process", true)
	ch.attempt = func(ctx context.Context) error {
		current, _ := c.store.Loggers.Get(key)
		u, err := b.capability.ConfigureLogLevel(ctx, current, params.Args)
		update = u
		return err
	}
	ch.onSuccess = func() {
		if update == nil {
			return
		}
		if !c.store.PatchLogLevel(key, update) {
			c.log.Debug("no loggers snapshot to patch", zap.String("process", key), zap.String("logger", update.LoggerName))
		}
	}
	ch.onExhausted = func(o outcome) {
		if o.registered && !o.cancelled {
			c.report(key, fmt.Sprintf("Failed to configure log level of process %s after retries: %d", key, o.retries), o.err)
		}
	}
	c.start(ch)
}
