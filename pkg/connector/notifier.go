package connector

import (
	"strconv"
	"sync/atomic"

	cmap "github.com/orcaman/concurrent-map/v2"
)

// CloseNotifier 可嵌入到 Capability 实现中，负责管理“意外关闭”监听器。
// 监听器挂在实例上，而不是进程级单例。零值不可用，需通过 NewCloseNotifier 创建。
type CloseNotifier struct {
	seq       atomic.Uint64
	listeners cmap.ConcurrentMap[string, CloseListener]
}

// NewCloseNotifier 创建 notifier
func NewCloseNotifier() *CloseNotifier {
	return &CloseNotifier{listeners: cmap.New[CloseListener]()}
}

// AddCloseListener 实现 Capability.AddCloseListener
func (n *CloseNotifier) AddCloseListener(fn CloseListener) func() {
	id := strconv.FormatUint(n.seq.Add(1), 10)
	n.listeners.Set(id, fn)
	return func() { n.listeners.Remove(id) }
}

// NotifyClosed 通知所有监听器；返回被通知的数量
func (n *CloseNotifier) NotifyClosed(processKey string) int {
	notified := 0
	for _, fn := range n.listeners.Items() {
		fn(processKey)
		notified++
	}
	return notified
}

// ListenerCount 当前注册的监听器数量
func (n *CloseNotifier) ListenerCount() int {
	return n.listeners.Count()
}
