package coordinator

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/live-connector/pkg/connector"
)

// GetLoggers 获取日志配置，阻塞直到重试链结束或 ctx 结束。
// 重试耗尽时返回 (nil, nil)；从未连通过的进程会被强制断开。
// ctx 结束只影响调用方的等待，链条本身照常结束。
func (c *Coordinator) GetLoggers(ctx context.Context, params connector.ProcessParams) (*connector.LoggersData, error) {
	b, ok := c.registry.Get(params.ProcessKey)
	if !ok {
		c.log.Debug("get loggers skipped: unknown process", zap.String("process", params.ProcessKey))
		return nil, nil
	}
	key := b.key

	// 每条链只会结束一次，缓冲为 1 保证发送不阻塞
	done := make(chan *connector.LoggersData, 1)
	var result *connector.LoggersData

	ch := c.newChain(opLoggers, b, "Fetching loggers", "Fetching loggers of process", true)
	ch.attempt = func(ctx context.Context) error {
		current, _ := c.store.Loggers.Get(key)
		d, err := b.capability.GetLoggers(ctx, current)
		result = d
		return err
	}
	ch.onSuccess = func() {
		if result != nil {
			c.store.Loggers.Upsert(key, result)
		}
		done <- result
	}
	ch.onExhausted = func(o outcome) {
		if o.registered && !o.cancelled {
			c.report(key, fmt.Sprintf("Failed to fetch loggers of process %s after retries: %d", key, o.retries), o.err)
			if !b.connected.Load() {
				c.disconnectIfCurrent(b)
			}
		}
		done <- nil
	}
	c.start(ch)

	select {
	case d := <-done:
		return d, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}
