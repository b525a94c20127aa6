package agent

import (
	"github.com/spf13/cobra"
)

func initCoordinatorFlags(root *cobra.Command) {
	f := root.PersistentFlags()
	prefix := "coordinator."

	f.Int(prefix+"max_retry_count", defaultCfg.Coordinator.MaxRetryCount, "-> Retries after the first attempt | 首次尝试之外的最大重试次数")
	f.Duration(prefix+"retry_delay", defaultCfg.Coordinator.RetryDelay, "-> Fixed delay between retries | 重试间隔")
	f.Int(prefix+"worker_pool_size", defaultCfg.Coordinator.WorkerPoolSize, "-> Worker pool size | 调度协程池大小")
	f.Int(prefix+"diagnostics_keep", defaultCfg.Coordinator.DiagnosticsKeep, "-> Recent diagnostics kept for the API | 保留最近诊断事件条数")
}

func initDiscoveryFlags(root *cobra.Command) {
	f := root.PersistentFlags()
	prefix := "discovery."

	f.StringSlice(prefix+"patterns", defaultCfg.Discovery.Patterns, "-> Substrings matched against process name/cmdline | 进程匹配子串")
	f.String(prefix+"scheme", defaultCfg.Discovery.Scheme, "-> Actuator scheme [http,https] | actuator 协议")
	f.String(prefix+"host", defaultCfg.Discovery.Host, "-> Actuator host | actuator 主机")
	f.Int(prefix+"port", defaultCfg.Discovery.Port, "-> Actuator port, 0 = first listening port | actuator 端口")
	f.String(prefix+"base_path", defaultCfg.Discovery.BasePath, "-> Actuator base path | actuator 根路径")
	f.Duration(prefix+"request_timeout", defaultCfg.Discovery.RequestTimeout, "-> HTTP request timeout | 单次请求超时")
	f.Int(prefix+"failure_threshold", defaultCfg.Discovery.FailureThreshold, "-> Consecutive transport failures before close, 0 = off | 连续失败阈值")
	f.Int(prefix+"max_samples", defaultCfg.Discovery.MaxSamples, "-> Samples kept per metric series | 每个序列保留样本数")
}
