// Package livedata 保存每个被监控进程最近一次的实时数据快照。
//
// 四类数据（通用、内存指标、GC 暂停指标、logger 配置）各自独立存放，
// 某一类刷新失败不会影响其它类。所有写入都是按 key 原子的，不需要外部加锁。
package livedata

import (
	"strconv"
	"sync/atomic"

	cmap "github.com/orcaman/concurrent-map/v2"

	"github.com/live-connector/pkg/connector"
)

// Variant 数据类别
type Variant string

const (
	VariantGeneral  Variant = "general"
	VariantMemory   Variant = "memory"
	VariantGcPauses Variant = "gcpauses"
	VariantLoggers  Variant = "loggers"
)

// EventKind 变更类型
type EventKind int

const (
	Added EventKind = iota
	Updated
	Removed
)

func (k EventKind) String() string {
	switch k {
	case Added:
		return "added"
	case Updated:
		return "updated"
	case Removed:
		return "removed"
	}
	return "unknown"
}

// Event 一次存储变更
type Event struct {
	Kind       EventKind
	Variant    Variant
	ProcessKey string
}

// Listener 变更监听器，同步回调，不应阻塞
type Listener func(Event)

// Store 四张独立的实时数据表
type Store struct {
	General  *Table[*connector.LiveData]
	Memory   *Table[*connector.MetricsLiveData]
	GcPauses *Table[*connector.MetricsLiveData]
	Loggers  *Table[*connector.LoggersData]

	seq       atomic.Uint64
	listeners cmap.ConcurrentMap[string, Listener]
}

// NewStore 创建空存储
func NewStore() *Store {
	s := &Store{listeners: cmap.New[Listener]()}
	s.General = newTable[*connector.LiveData](VariantGeneral, s.emit)
	s.Memory = newTable[*connector.MetricsLiveData](VariantMemory, s.emit)
	s.GcPauses = newTable[*connector.MetricsLiveData](VariantGcPauses, s.emit)
	s.Loggers = newTable[*connector.LoggersData](VariantLoggers, s.emit)
	return s
}

// AddListener 注册变更监听器，返回注销函数
func (s *Store) AddListener(fn Listener) (remove func()) {
	id := strconv.FormatUint(s.seq.Add(1), 10)
	s.listeners.Set(id, fn)
	return func() { s.listeners.Remove(id) }
}

func (s *Store) emit(e Event) {
	for _, fn := range s.listeners.Items() {
		fn(e)
	}
}

// RemoveAll 删除某进程的全部四类数据
func (s *Store) RemoveAll(key string) {
	s.General.Remove(key)
	s.Memory.Remove(key)
	s.GcPauses.Remove(key)
	s.Loggers.Remove(key)
}

// PatchLogLevel 对 logger 配置做局部更新；key 没有 logger 数据时返回 false
func (s *Store) PatchLogLevel(key string, update *connector.LogLevelUpdate) bool {
	if update == nil || !s.Loggers.m.Has(key) {
		return false
	}
	patched := false
	s.Loggers.m.Upsert(key, nil, func(exist bool, current, _ *connector.LoggersData) *connector.LoggersData {
		if !exist || current == nil {
			return current
		}
		patched = true
		return current.WithLevel(update)
	})
	if !patched {
		// Has 与 Upsert 之间被并发删除，清理占位的 nil
		s.Loggers.m.RemoveCb(key, func(_ string, v *connector.LoggersData, exists bool) bool {
			return exists && v == nil
		})
		return false
	}
	s.emit(Event{Kind: Updated, Variant: VariantLoggers, ProcessKey: key})
	return true
}

// Keys 至少有一类数据的进程 key（去重）
func (s *Store) Keys() []string {
	seen := make(map[string]struct{})
	var keys []string
	for _, ks := range [][]string{s.General.Keys(), s.Memory.Keys(), s.GcPauses.Keys(), s.Loggers.Keys()} {
		for _, k := range ks {
			if _, ok := seen[k]; ok {
				continue
			}
			seen[k] = struct{}{}
			keys = append(keys, k)
		}
	}
	return keys
}
