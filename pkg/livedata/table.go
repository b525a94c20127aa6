package livedata

import (
	cmap "github.com/orcaman/concurrent-map/v2"
)

// Table 以进程 key 为索引的单类实时数据表，所有操作按 key 原子执行
type Table[V any] struct {
	variant Variant
	m       cmap.ConcurrentMap[string, V]
	emit    func(Event)
}

func newTable[V any](variant Variant, emit func(Event)) *Table[V] {
	return &Table[V]{variant: variant, m: cmap.New[V](), emit: emit}
}

// Get 返回 key 当前的快照
func (t *Table[V]) Get(key string) (V, bool) {
	return t.m.Get(key)
}

// AddIfAbsent 仅在 key 不存在时写入，返回是否写入成功
func (t *Table[V]) AddIfAbsent(key string, value V) bool {
	added := t.m.SetIfAbsent(key, value)
	if added {
		t.emit(Event{Kind: Added, Variant: t.variant, ProcessKey: key})
	}
	return added
}

// Update 覆盖写入（last-write-wins）
func (t *Table[V]) Update(key string, value V) {
	t.m.Set(key, value)
	t.emit(Event{Kind: Updated, Variant: t.variant, ProcessKey: key})
}

// Upsert 先尝试 AddIfAbsent，失败再 Update
func (t *Table[V]) Upsert(key string, value V) {
	if !t.AddIfAbsent(key, value) {
		t.Update(key, value)
	}
}

// Merge 在写入时刻基于表中已有的值计算新值，整个读-改-写对该 key 原子执行。
// fn 在分片锁内调用，不应阻塞。
func (t *Table[V]) Merge(key string, fn func(current V, exist bool) V) {
	added := false
	var zero V
	t.m.Upsert(key, zero, func(exist bool, current, _ V) V {
		added = !exist
		return fn(current, exist)
	})
	kind := Updated
	if added {
		kind = Added
	}
	t.emit(Event{Kind: kind, Variant: t.variant, ProcessKey: key})
}

// Remove 删除 key，返回删除前是否存在
func (t *Table[V]) Remove(key string) bool {
	_, existed := t.m.Pop(key)
	if existed {
		t.emit(Event{Kind: Removed, Variant: t.variant, ProcessKey: key})
	}
	return existed
}

// Keys 当前所有 key
func (t *Table[V]) Keys() []string {
	return t.m.Keys()
}

// All 返回当前所有快照的拷贝映射
func (t *Table[V]) All() map[string]V {
	return t.m.Items()
}

// Len 表中条目数量
func (t *Table[V]) Len() int {
	return t.m.Count()
}
