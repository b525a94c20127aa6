package config

import (
	"fmt"
	"reflect"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/go-viper/mapstructure/v2"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var valid = validator.New()

// EnvPrefix 环境变量前缀：LIVE_AGENT_COORDINATOR_RETRY_DELAY -> coordinator.retry_delay
const EnvPrefix = "LIVE_AGENT"

// Config 全局配置结构体（聚合所有核心模块）
type Config struct {
	Server      ServerConfig      `yaml:"server" mapstructure:"server" comment:"HTTP服务配置"`
	Monitor     MonitorConfig     `yaml:"monitor" mapstructure:"monitor" comment:"周期刷新/发现配置"`
	Coordinator CoordinatorConfig `yaml:"coordinator" mapstructure:"coordinator" comment:"连接协调器（重试/协程池）配置"`
	Discovery   DiscoveryConfig   `yaml:"discovery" mapstructure:"discovery" comment:"本机进程发现与 actuator 连接配置"`
	Log         ZapLogConfig      `yaml:"log" mapstructure:"log" comment:"日志配置"`
}

// ServerConfig HTTP服务配置（超时统一为time.Duration，支持"30s"解析）
type ServerConfig struct {
	Addr         string        `yaml:"addr" mapstructure:"addr" validate:"required,hostname_port" comment:"HTTP监听地址（格式：ip:port）"`
	ReadTimeout  time.Duration `yaml:"read_timeout" mapstructure:"read_timeout" validate:"required,gt=0" comment:"读取超时时间（如30s）"`
	WriteTimeout time.Duration `yaml:"write_timeout" mapstructure:"write_timeout" validate:"required,gt=0" comment:"写入超时时间（如30s）"`
	IdleTimeout  time.Duration `yaml:"idle_timeout" mapstructure:"idle_timeout" validate:"required,gt=0" comment:"空闲连接超时时间（如60s）"`
}

// MonitorConfig 周期任务配置
type MonitorConfig struct {
	Interval          time.Duration   `yaml:"interval" mapstructure:"interval" validate:"required,gt=0" comment:"实时数据刷新间隔（如10s）"`
	DiscoveryInterval time.Duration   `yaml:"discovery_interval" mapstructure:"discovery_interval" validate:"required,gt=0" comment:"进程发现间隔（如15s）"`
	Collectors        CollectorConfig `yaml:"collectors" mapstructure:"collectors" comment:"各类采集器配置"`
}

// CollectorConfig 采集器开关
type CollectorConfig struct {
	Discovery DiscoveryCollectorConfig `yaml:"discovery" mapstructure:"discovery" comment:"自动发现并连接本机进程"`
	Refresh   RefreshCollectorConfig   `yaml:"refresh" mapstructure:"refresh" comment:"周期刷新已连接进程的实时数据"`
}

// DiscoveryCollectorConfig 发现采集器
type DiscoveryCollectorConfig struct {
	Enable bool `yaml:"enable" mapstructure:"enable" comment:"是否启用进程发现" default:"true"`
}

// RefreshCollectorConfig 刷新采集器，内存与 GC 指标可单独关闭
type RefreshCollectorConfig struct {
	Enable        bool     `yaml:"enable" mapstructure:"enable" comment:"是否启用周期刷新" default:"true"`
	Memory        bool     `yaml:"memory" mapstructure:"memory" comment:"是否刷新内存指标" default:"true"`
	MemoryMetric  string   `yaml:"memory_metric" mapstructure:"memory_metric" validate:"required_if=Memory true" comment:"内存指标名" default:"jvm.memory.used"`
	MemoryTags    []string `yaml:"memory_tags" mapstructure:"memory_tags" comment:"内存指标标签组合，每项对应一个序列（如 area:heap）"`
	GcPauses      bool     `yaml:"gc_pauses" mapstructure:"gc_pauses" comment:"是否刷新GC暂停指标" default:"true"`
	GcPauseMetric string   `yaml:"gc_pause_metric" mapstructure:"gc_pause_metric" validate:"required_if=GcPauses true" comment:"GC暂停指标名" default:"jvm.gc.pause"`
}

// CoordinatorConfig 重试策略与工作协程池
type CoordinatorConfig struct {
	MaxRetryCount   int           `yaml:"max_retry_count" mapstructure:"max_retry_count" validate:"gte=0,lte=1000" comment:"首次尝试之外的最大重试次数" default:"10"`
	RetryDelay      time.Duration `yaml:"retry_delay" mapstructure:"retry_delay" validate:"required,gt=0" comment:"重试间隔（固定）" default:"3s"`
	WorkerPoolSize  int           `yaml:"worker_pool_size" mapstructure:"worker_pool_size" validate:"required,gt=0,lte=1024" comment:"调度协程池大小" default:"10"`
	DiagnosticsKeep int           `yaml:"diagnostics_keep" mapstructure:"diagnostics_keep" validate:"gte=0" comment:"保留最近诊断事件条数" default:"100"`
}

// DiscoveryConfig 进程匹配与 actuator 地址推导
type DiscoveryConfig struct {
	Patterns         []string      `yaml:"patterns" mapstructure:"patterns" validate:"dive,required" comment:"进程名/命令行包含任一子串即视为目标"`
	Scheme           string        `yaml:"scheme" mapstructure:"scheme" validate:"required,oneof=http https" comment:"actuator 协议" default:"http"`
	Host             string        `yaml:"host" mapstructure:"host" validate:"required" comment:"actuator 主机" default:"127.0.0.1"`
	Port             int           `yaml:"port" mapstructure:"port" validate:"gte=0,lte=65535" comment:"actuator 端口，0 表示取进程第一个监听端口" default:"0"`
	BasePath         string        `yaml:"base_path" mapstructure:"base_path" validate:"required,startswith=/" comment:"actuator 根路径" default:"/actuator"`
	RequestTimeout   time.Duration `yaml:"request_timeout" mapstructure:"request_timeout" validate:"required,gt=0" comment:"单次 HTTP 请求超时" default:"5s"`
	FailureThreshold int           `yaml:"failure_threshold" mapstructure:"failure_threshold" validate:"gte=0" comment:"连续传输失败多少次视为连接意外关闭，0 表示不检测" default:"3"`
	MaxSamples       int           `yaml:"max_samples" mapstructure:"max_samples" validate:"gt=0" comment:"每个指标序列保留的样本数" default:"60"`
}

// ZapLogConfig 日志配置
type ZapLogConfig struct {
	Level     string `yaml:"level" mapstructure:"level" validate:"required,oneof=debug info warn error" comment:"日志级别" default:"info"`
	Format    string `yaml:"format" mapstructure:"format" validate:"required,oneof=json console" comment:"日志格式（json/console）" default:"json"`
	Path      string `yaml:"path" mapstructure:"path" validate:"required" comment:"日志存储路径" default:"./logs"`
	Rotation  string `yaml:"rotation" mapstructure:"rotation" validate:"required,oneof=daily size" comment:"轮转方式：daily 按天（rotatelogs），size 按大小（lumberjack）" default:"daily"`
	MaxSize   int    `yaml:"max_size" mapstructure:"max_size" validate:"required,gt=0" comment:"单个日志文件最大大小（MB）" default:"100"`
	MaxBackup int    `yaml:"max_backup" mapstructure:"max_backup" validate:"gte=0" comment:"日志文件最大备份数" default:"30"`
	MaxAge    int    `yaml:"max_age" mapstructure:"max_age" validate:"gte=0" comment:"日志文件最大保存天数" default:"7"`
	Compress  bool   `yaml:"compress" mapstructure:"compress" comment:"是否压缩过期日志" default:"true"`
}

// NewDefaultConfig 创建默认配置（所有字段兜底，避免空指针/非法值）
func NewDefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Addr:         "0.0.0.0:8080",
			ReadTimeout:  30 * time.Second,
			WriteTimeout: 30 * time.Second,
			IdleTimeout:  60 * time.Second,
		},
		Monitor: MonitorConfig{
			Interval:          10 * time.Second,
			DiscoveryInterval: 15 * time.Second,
			Collectors: CollectorConfig{
				Discovery: DiscoveryCollectorConfig{Enable: true},
				Refresh: RefreshCollectorConfig{
					Enable:        true,
					Memory:        true,
					MemoryMetric:  "jvm.memory.used",
					MemoryTags:    []string{"area:heap", "area:nonheap"},
					GcPauses:      true,
					GcPauseMetric: "jvm.gc.pause",
				},
			},
		},
		Coordinator: CoordinatorConfig{
			MaxRetryCount:   10,
			RetryDelay:      3 * time.Second,
			WorkerPoolSize:  10,
			DiagnosticsKeep: 100,
		},
		Discovery: DiscoveryConfig{
			Patterns:         []string{"spring-boot", "org.springframework.boot.loader"},
			Scheme:           "http",
			Host:             "127.0.0.1",
			Port:             0,
			BasePath:         "/actuator",
			RequestTimeout:   5 * time.Second,
			FailureThreshold: 3,
			MaxSamples:       60,
		},
		Log: ZapLogConfig{
			Level:     "info",
			Format:    "json",
			Path:      "./logs",
			Rotation:  "daily",
			MaxSize:   100,
			MaxBackup: 30,
			MaxAge:    7,
			Compress:  true,
		},
	}
}

// LoadConfigWithCli 支持 time.Duration，(Flags + YAML + ENV)
func LoadConfigWithCli(cmd *cobra.Command) (*Config, error) {
	cfg := NewDefaultConfig()
	v := viper.New()

	// 1. 绑定 Cobra Flags → Viper
	if err := v.BindPFlags(cmd.Flags()); err != nil {
		return nil, fmt.Errorf("bind flags: %w", err)
	}

	// 2. 解析配置文件 (--config)，文件不存在时只使用默认值 + flags + env
	configFile, _ := cmd.Flags().GetString("config")
	if configFile != "" {
		v.SetConfigFile(configFile)
		// 默认路径下没有配置文件不算错误；显式指定 --config 时必须存在
		if err := v.ReadInConfig(); err != nil && (cmd.Flags().Changed("config") || !isNotExist(err)) {
			return nil, fmt.Errorf("read config file %s: %w", configFile, err)
		}
	}

	// 3. 绑定环境变量 ENV -> Viper （LIVE_AGENT_SERVER_ADDR -> server.addr）
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// 4. 注册所有键的默认值，AutomaticEnv 只对 viper 已知的键生效
	setDefaults(v, "", reflect.ValueOf(*cfg))

	if err := decode(v, cfg); err != nil {
		return nil, err
	}

	// 5. 校验配置
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}

	return cfg, nil
}

// setDefaults 按 mapstructure tag 递归登记默认值（server.addr、coordinator.retry_delay ...）
func setDefaults(v *viper.Viper, prefix string, rv reflect.Value) {
	rt := rv.Type()
	for i := 0; i < rt.NumField(); i++ {
		field := rt.Field(i)
		key := field.Tag.Get("mapstructure")
		if key == "" || key == "-" {
			continue
		}
		if prefix != "" {
			key = prefix + "." + key
		}
		fv := rv.Field(i)
		if fv.Kind() == reflect.Struct && field.Type != reflect.TypeOf(time.Duration(0)) {
			setDefaults(v, key, fv)
			continue
		}
		v.SetDefault(key, fv.Interface())
	}
}

// decode 解码反序列化到结构体（支持 time.Duration 与逗号分隔的切片）
func decode(v *viper.Viper, cfg *Config) error {
	decoderConfig := &mapstructure.DecoderConfig{
		Metadata:         nil,
		Result:           cfg,
		WeaklyTypedInput: true,
		DecodeHook: mapstructure.ComposeDecodeHookFunc(
			mapstructure.StringToTimeDurationHookFunc(),
			mapstructure.StringToSliceHookFunc(","),
		),
	}

	decoder, err := mapstructure.NewDecoder(decoderConfig)
	if err != nil {
		return fmt.Errorf("new decoder: %w", err)
	}

	if err := decoder.Decode(v.AllSettings()); err != nil {
		return fmt.Errorf("decode config: %w", err)
	}
	return nil
}

// Validate 配置校验
func (c *Config) Validate() error {
	if err := valid.Struct(c); err != nil {
		return err
	}
	// 	1,校验Server服务配置
	if err := c.Server.Validate(); err != nil {
		return err
	}
	// 	2，校验周期任务配置
	if err := c.Monitor.Validate(); err != nil {
		return err
	}
	// 	3，校验协调器配置
	if err := c.Coordinator.Validate(); err != nil {
		return err
	}
	// 	4，校验发现配置（只有启用发现时才有意义）
	if c.Monitor.Collectors.Discovery.Enable {
		if err := c.Discovery.Validate(); err != nil {
			return err
		}
	}
	// 	5，校验日志配置
	if err := c.Log.Validate(); err != nil {
		return err
	}
	return nil
}
