package agent

import (
	"github.com/spf13/cobra"
)

func initMonitorFlags(root *cobra.Command) {
	f := root.PersistentFlags()
	refresh := defaultCfg.Monitor.Collectors.Refresh

	f.Duration("monitor.interval", defaultCfg.Monitor.Interval, "-> Live data refresh interval | 实时数据刷新间隔")
	f.Duration("monitor.discovery_interval", defaultCfg.Monitor.DiscoveryInterval, "-> Process discovery interval | 进程发现间隔")

	f.Bool("monitor.collectors.discovery.enable", defaultCfg.Monitor.Collectors.Discovery.Enable, "-> Enable local process discovery | 启用进程发现")
	f.Bool("monitor.collectors.refresh.enable", refresh.Enable, "-> Enable periodic refresh | 启用周期刷新")
	f.Bool("monitor.collectors.refresh.memory", refresh.Memory, "-> Refresh memory metrics | 刷新内存指标")
	f.String("monitor.collectors.refresh.memory_metric", refresh.MemoryMetric, "-> Memory metric name | 内存指标名")
	f.StringSlice("monitor.collectors.refresh.memory_tags", refresh.MemoryTags, "-> Memory metric tag sets, one series each | 内存指标标签")
	f.Bool("monitor.collectors.refresh.gc_pauses", refresh.GcPauses, "-> Refresh GC pause metrics | 刷新GC暂停指标")
	f.String("monitor.collectors.refresh.gc_pause_metric", refresh.GcPauseMetric, "-> GC pause metric name | GC暂停指标名")
}
