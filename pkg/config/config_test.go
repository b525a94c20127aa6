package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/cobra"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestCommand(t *testing.T) *cobra.Command {
	cmd := &cobra.Command{Use: "test"}
	def := NewDefaultConfig()
	f := cmd.Flags()
	f.String("config", "", "")
	f.String("server.addr", def.Server.Addr, "")
	f.Int("coordinator.max_retry_count", def.Coordinator.MaxRetryCount, "")
	f.Duration("coordinator.retry_delay", def.Coordinator.RetryDelay, "")
	f.String("log.path", t.TempDir(), "")
	return cmd
}

func TestDefaultConfigIsValid(t *testing.T) {
	cfg := NewDefaultConfig()
	cfg.Log.Path = t.TempDir()
	require.NoError(t, cfg.Validate())
	assert.Equal(t, 10, cfg.Coordinator.MaxRetryCount)
	assert.Equal(t, 3*time.Second, cfg.Coordinator.RetryDelay)
}

func TestLoadConfigWithCli_FlagsOverrideDefaults(t *testing.T) {
	cmd := newTestCommand(t)
	require.NoError(t, cmd.Flags().Parse([]string{
		"--server.addr=127.0.0.1:9999",
		"--coordinator.retry_delay=250ms",
	}))

	cfg, err := LoadConfigWithCli(cmd)
	require.NoError(t, err)
	assert.Equal(t, "127.0.0.1:9999", cfg.Server.Addr)
	assert.Equal(t, 250*time.Millisecond, cfg.Coordinator.RetryDelay)
	assert.Equal(t, 10, cfg.Coordinator.MaxRetryCount)
}

func TestLoadConfigWithCli_FileAndEnv(t *testing.T) {
	dir := t.TempDir()
	file := filepath.Join(dir, "config.yaml")
	yaml := `
coordinator:
  max_retry_count: 4
  retry_delay: 1s
discovery:
  patterns: ["my-app"]
  port: 8081
log:
  path: ` + dir + `
`
	require.NoError(t, os.WriteFile(file, []byte(yaml), 0o644))
	t.Setenv("LIVE_AGENT_COORDINATOR_WORKER_POOL_SIZE", "4")

	cmd := newTestCommand(t)
	require.NoError(t, cmd.Flags().Parse([]string{"--config=" + file}))

	cfg, err := LoadConfigWithCli(cmd)
	require.NoError(t, err)
	assert.Equal(t, 4, cfg.Coordinator.MaxRetryCount)
	assert.Equal(t, time.Second, cfg.Coordinator.RetryDelay)
	assert.Equal(t, []string{"my-app"}, cfg.Discovery.Patterns)
	assert.Equal(t, 8081, cfg.Discovery.Port)
	assert.Equal(t, 4, cfg.Coordinator.WorkerPoolSize)
}

func TestLoadConfigWithCli_MissingExplicitFile(t *testing.T) {
	cmd := newTestCommand(t)
	require.NoError(t, cmd.Flags().Parse([]string{"--config=" + filepath.Join(t.TempDir(), "nope.yaml")}))

	_, err := LoadConfigWithCli(cmd)
	assert.Error(t, err)
}

func TestValidate_Rejects(t *testing.T) {
	cases := map[string]func(c *Config){
		"negative retries":   func(c *Config) { c.Coordinator.MaxRetryCount = -1 },
		"zero pool":          func(c *Config) { c.Coordinator.WorkerPoolSize = 0 },
		"sub-ms retry delay": func(c *Config) { c.Coordinator.RetryDelay = time.Microsecond },
		"bad addr":           func(c *Config) { c.Server.Addr = "nope" },
		"empty pattern":      func(c *Config) { c.Discovery.Patterns = []string{" "} },
		"bad scheme":         func(c *Config) { c.Discovery.Scheme = "ftp" },
		"trailing slash":     func(c *Config) { c.Discovery.BasePath = "/actuator/" },
		"bad memory tag":     func(c *Config) { c.Monitor.Collectors.Refresh.MemoryTags = []string{"heap"} },
		"bad log level":      func(c *Config) { c.Log.Level = "trace" },
		"bad rotation":       func(c *Config) { c.Log.Rotation = "hourly" },
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			cfg := NewDefaultConfig()
			cfg.Log.Path = t.TempDir()
			mutate(cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}

func TestValidate_DiscoveryDisabledSkipsPatterns(t *testing.T) {
	cfg := NewDefaultConfig()
	cfg.Log.Path = t.TempDir()
	cfg.Monitor.Collectors.Discovery.Enable = false
	cfg.Discovery.Patterns = nil
	assert.NoError(t, cfg.Validate())
}
