// Package connector 定义被监控进程的连接能力（Capability）以及各类实时数据快照。
// Coordinator 只依赖这里的接口，不关心具体的传输协议（HTTP/actuator、JMX 等）。
package connector

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrNotConnected 在未 Connect 成功前调用数据接口时返回
	ErrNotConnected = errors.New("connector: process not connected")
	// ErrNoData 进程可达，但没有返回任何可用数据
	ErrNoData = errors.New("connector: no data returned")
)

// Capability 单个被监控进程的连接能力。
// 每种进程类型提供一个实现；所有方法都可能被 Coordinator 的工作协程并发调用。
// 返回 (nil, nil) 表示本次没有新数据，Coordinator 不会写入存储。
type Capability interface {
	ProcessKey() string
	ProcessID() string
	ProcessName() string
	Label() string

	Connect(ctx context.Context) error
	Refresh(ctx context.Context, current *LiveData) (*LiveData, error)
	RefreshMemoryMetrics(ctx context.Context, current *MetricsLiveData, metricName, tags string) (*MetricsLiveData, error)
	RefreshGcPausesMetrics(ctx context.Context, current *MetricsLiveData, metricName, tags string) (*MetricsLiveData, error)
	GetLoggers(ctx context.Context, current *LoggersData) (*LoggersData, error)
	ConfigureLogLevel(ctx context.Context, current *LoggersData, args map[string]string) (*LogLevelUpdate, error)
	Disconnect(ctx context.Context) error

	// AddCloseListener 注册“连接意外关闭”回调，返回值用于注销
	AddCloseListener(fn CloseListener) (remove func())
}

// CloseListener 连接意外关闭时以进程 key 回调
type CloseListener func(processKey string)

// Endpoint 刷新的数据类别
type Endpoint string

const (
	EndpointGeneral  Endpoint = ""
	EndpointMemory   Endpoint = "memory"
	EndpointGcPauses Endpoint = "gcpauses"
)

// ParseEndpoint 解析外部传入的 endpoint 字符串（HTTP 查询参数、配置等）
func ParseEndpoint(s string) (Endpoint, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "live", "general":
		return EndpointGeneral, nil
	case "memory":
		return EndpointMemory, nil
	case "gcpauses", "gc-pauses", "gc":
		return EndpointGcPauses, nil
	}
	return EndpointGeneral, fmt.Errorf("unknown endpoint %q (expected: live, memory, gcpauses)", s)
}

func (e Endpoint) String() string {
	if e == EndpointGeneral {
		return "live"
	}
	return string(e)
}

// ProcessParams 一次刷新/日志请求的参数
type ProcessParams struct {
	ProcessKey string
	Endpoint   Endpoint
	MetricName string
	// Tags 形如 "area:heap,id:G1 Eden Space"
	Tags string
	Args map[string]string
}

// Log level 参数键
const (
	ArgLogger          = "logger"
	ArgConfiguredLevel = "configuredLevel"
)

// ProcessKey 由进程自身的标识生成唯一 key
func ProcessKey(processID, processName string) string {
	return processID + " - " + processName
}
