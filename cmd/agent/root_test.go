package agent

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/live-connector/pkg/config"
)

func TestRootFlags_MapOntoConfig(t *testing.T) {
	cmd := newRootCmd()
	require.NoError(t, cmd.ParseFlags([]string{
		"--config=",
		"--server.addr=127.0.0.1:9999",
		"--monitor.discovery_interval=30s",
		"--monitor.collectors.refresh.memory_tags=area:heap,id:Metaspace",
		"--coordinator.retry_delay=250ms",
		"--coordinator.max_retry_count=2",
		"--discovery.patterns=orders,billing",
		"--discovery.port=8081",
		"--log.rotation=size",
	}))

	cfg, err := config.LoadConfigWithCli(cmd)
	require.NoError(t, err)
	assert.Equal(t, "127.0.0.1:9999", cfg.Server.Addr)
	assert.Equal(t, 30*time.Second, cfg.Monitor.DiscoveryInterval)
	assert.Equal(t, []string{"area:heap", "id:Metaspace"}, cfg.Monitor.Collectors.Refresh.MemoryTags)
	assert.Equal(t, 250*time.Millisecond, cfg.Coordinator.RetryDelay)
	assert.Equal(t, 2, cfg.Coordinator.MaxRetryCount)
	assert.Equal(t, []string{"orders", "billing"}, cfg.Discovery.Patterns)
	assert.Equal(t, 8081, cfg.Discovery.Port)
	assert.Equal(t, "size", cfg.Log.Rotation)
}

func TestRootFlags_DefaultsAreValid(t *testing.T) {
	cmd := newRootCmd()
	require.NoError(t, cmd.ParseFlags([]string{"--config="}))

	cfg, err := config.LoadConfigWithCli(cmd)
	require.NoError(t, err)
	assert.Equal(t, config.NewDefaultConfig(), cfg)
}

func TestRootFlags_InvalidValueRejected(t *testing.T) {
	cmd := newRootCmd()
	require.NoError(t, cmd.ParseFlags([]string{"--config=", "--log.level=verbose"}))

	_, err := config.LoadConfigWithCli(cmd)
	assert.Error(t, err)
}
