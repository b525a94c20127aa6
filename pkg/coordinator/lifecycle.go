package coordinator

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/live-connector/pkg/connector"
	"github.com/live-connector/pkg/diagnostic"
)

// ConnectProcess 注册 binding 并异步连接；成功后立即触发一次 general 刷新。
// 同一 key 再次 connect 会替换旧 binding，旧 binding 的重试链随之失效。
func (c *Coordinator) ConnectProcess(key string, capability connector.Capability) {
	b := &binding{key: key, capability: capability}
	// 先订阅再注册：注册之前收到的关闭通知找不到当前 binding，直接忽略
	b.removeListener = capability.AddCloseListener(func(string) {
		c.log.Info("connection closed unexpectedly", zap.String("process", key))
		c.disconnectIfCurrent(b)
	})

	var prev *binding
	c.registry.Upsert(key, b, func(exist bool, old, nb *binding) *binding {
		if exist {
			prev = old
		}
		return nb
	})
	if prev != nil {
		prev.unsubscribe()
		// 换了新的 Capability 实例时释放旧连接，不清理数据
		if prev.capability != capability {
			c.startDisconnect(prev)
		}
	}

	ch := c.newChain(opConnect, b, "Connecting", "Connecting to process", true)
	ch.attempt = func(ctx context.Context) error {
		return capability.Connect(ctx)
	}
	ch.onSuccess = func() {
		c.log.Info("process connected", zap.String("process", key))
		c.refresh(b, connector.ProcessParams{ProcessKey: key, Endpoint: connector.EndpointGeneral})
	}
	ch.onExhausted = func(o outcome) {
		if o.registered && !o.cancelled {
			c.report(key, fmt.Sprintf("Failed to connect to process %s after retries: %d", key, o.retries), o.err)
		}
	}
	c.start(ch)
}

// DisconnectProcess 清理实时数据、移除 binding（取消所有在途重试）并异步断开
func (c *Coordinator) DisconnectProcess(key string) {
	c.store.RemoveAll(key)
	b, ok := c.registry.Pop(key)
	if !ok {
		return
	}
	c.release(b)
}

// disconnectIfCurrent 仅当 b 仍是当前 binding 时断开；用于关闭通知与强制断开
func (c *Coordinator) disconnectIfCurrent(b *binding) {
	removed := c.registry.RemoveCb(b.key, func(_ string, cur *binding, exists bool) bool {
		return exists && cur == b
	})
	if !removed {
		return
	}
	c.store.RemoveAll(b.key)
	c.release(b)
}

func (c *Coordinator) release(b *binding) {
	b.connected.Store(false)
	b.unsubscribe()
	c.startDisconnect(b)
}

// startDisconnect 断开不受注册表约束：失败总会上报，但不会重新注册
func (c *Coordinator) startDisconnect(b *binding) {
	ch := c.newChain(opDisconnect, b, "Disconnecting", "Disconnecting from process", false)
	ch.attempt = func(ctx context.Context) error {
		return b.capability.Disconnect(ctx)
	}
	ch.onSuccess = func() {
		c.log.Info("process disconnected", zap.String("process", b.key))
	}
	ch.onExhausted = func(o outcome) {
		if !o.cancelled {
			c.report(b.key, fmt.Sprintf("Failed to disconnect from process %s after retries: %d", b.key, o.retries), o.err)
		}
	}
	c.start(ch)
}

func (c *Coordinator) report(key, message string, cause error) {
	c.diagnostics.Report(diagnostic.Error(key, message, cause))
}
