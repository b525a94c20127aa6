package registers

import (
	"context"
	"time"
)

// Agent 顶层采集器接口（封装所有采集器的生命周期管理）
// 后续扩展采集器仅需实现Collector接口，通过Agent注册即可
type Agent interface {
	Register(collector Collector, interval time.Duration) // 注册采集器及其执行间隔
	Start(ctx context.Context) error                      // 启动采集（每个采集器一个定时循环）
	Shutdown(ctx context.Context) error                   // 优雅停止
}

// Collector 采集器核心接口（所有采集器必须实现）
type Collector interface {
	Name() string                      // 采集器名称（唯一标识）
	Init() error                       // 初始化（预检查依赖）
	Collect(ctx context.Context) error // 执行一次采集/刷新
	Close() error                      // 关闭（释放资源）
}
