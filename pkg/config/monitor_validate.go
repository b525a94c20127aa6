package config

import (
	"errors"
	"fmt"
	"io/fs"
	"net"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Validate HTTP服务配置校验
func (h *ServerConfig) Validate() error {
	if err := valid.Struct(h); err != nil {
		return err
	}
	// 	校验Addr格式(必须是 ":port" 或 "ip:port")
	if h.Addr == "" {
		return errors.New("[ERROR] server.addr cannot be empty")
	}
	// 	用net包解析地址，验证格式合法性
	if _, err := net.ResolveTCPAddr("tcp", h.Addr); err != nil {
		return fmt.Errorf("[ERROR] server.addr format invalid (expected: :port or ip:port), got %s: %w", h.Addr, err)
	}
	return nil
}

func (m *MonitorConfig) Validate() error {
	if err := valid.Struct(m); err != nil {
		return err
	}
	if m.Interval < time.Second || m.Interval > 3600*time.Second {
		return fmt.Errorf("monitor.interval must be between 1 and 3600 seconds, got %s", m.Interval)
	}
	if m.DiscoveryInterval < time.Second || m.DiscoveryInterval > 3600*time.Second {
		return fmt.Errorf("monitor.discovery_interval must be between 1 and 3600 seconds, got %s", m.DiscoveryInterval)
	}
	if err := m.Collectors.validate(); err != nil {
		return err
	}
	return nil
}

// 刷新采集器的标签必须是 key:value 形式，且不重复
func (col *CollectorConfig) validate() error {
	if err := valid.Struct(col); err != nil {
		return err
	}
	if !col.Refresh.Enable {
		return nil
	}
	seen := map[string]bool{}
	for _, tag := range col.Refresh.MemoryTags {
		for _, pair := range strings.Split(tag, ",") {
			k, v, ok := strings.Cut(strings.TrimSpace(pair), ":")
			if !ok || k == "" || v == "" {
				return fmt.Errorf("monitor.collectors.refresh.memory_tags: %q is not key:value", tag)
			}
		}
		if seen[tag] {
			return fmt.Errorf("monitor.collectors.refresh.memory_tags duplicated entry: %q", tag)
		}
		seen[tag] = true
	}
	return nil
}

// Validate 重试间隔至少 1ms，否则重试链会变成忙等
func (c *CoordinatorConfig) Validate() error {
	if err := valid.Struct(c); err != nil {
		return err
	}
	if c.RetryDelay < time.Millisecond {
		return fmt.Errorf("coordinator.retry_delay must be at least 1ms, got %s", c.RetryDelay)
	}
	return nil
}

// Validate 匹配规则不能为空白，也不能重复
func (d *DiscoveryConfig) Validate() error {
	if err := valid.Struct(d); err != nil {
		return err
	}
	if len(d.Patterns) == 0 {
		return errors.New("discovery.patterns must not be empty when discovery is enabled")
	}
	seen := map[string]bool{}
	for _, p := range d.Patterns {
		if strings.TrimSpace(p) == "" {
			return errors.New("discovery.patterns cannot contain empty string")
		}
		if seen[p] {
			return fmt.Errorf("discovery.patterns duplicated entry: %q", p)
		}
		seen[p] = true
	}
	if strings.HasSuffix(d.BasePath, "/") && d.BasePath != "/" {
		return fmt.Errorf("discovery.base_path must not end with '/', got %s", d.BasePath)
	}
	return nil
}

func isNotExist(err error) bool {
	var notFound viper.ConfigFileNotFoundError
	return errors.Is(err, fs.ErrNotExist) || errors.As(err, &notFound)
}
