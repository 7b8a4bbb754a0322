package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultConfig_Valid(t *testing.T) {
	require.NoError(t, DefaultConfig().Validate())
}

func TestValidate_Rejects(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"bad port", func(c *Config) { c.Server.Port = 0 }},
		{"unknown sink", func(c *Config) { c.EditLog.Sink = "s3" }},
		{"file sink without dir", func(c *Config) { c.EditLog.Dir = "" }},
		{"postgres without host", func(c *Config) { c.EditLog.Sink = "postgres"; c.Database.Host = "" }},
		{"redis without host", func(c *Config) { c.Redis.Enabled = true; c.Redis.Host = "" }},
		{"replication range", func(c *Config) { c.Namespace.DefaultReplication = 0 }},
		{"dead before stale", func(c *Config) { c.Heartbeat.DeadTimeout = c.Heartbeat.StaleInterval }},
		{"hard below soft", func(c *Config) { c.Lease.HardLimit = time.Second }},
		{"threshold", func(c *Config) { c.SafeMode.ThresholdPct = 1.5 }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}

func TestLoad_FileAndEnvironment(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "coordinator.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
server:
  host: 127.0.0.1
  port: 9000
  node_id: coord-a
edit_log:
  sink: memory
namespace:
  default_block_size: 1048576
  default_replication: 2
  min_replication: 1
  max_replication: 8
lease:
  soft_limit: 30s
  hard_limit: 5m
`), 0644))

	t.Setenv("COORDINATOR_NODE_ID", "coord-env")
	t.Setenv("LOG_LEVEL", "debug")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 9000, cfg.Server.Port)
	assert.Equal(t, "coord-env", cfg.Server.NodeID)
	assert.Equal(t, "memory", cfg.EditLog.Sink)
	assert.Equal(t, int64(1048576), cfg.Namespace.DefaultBlockSize)
	assert.Equal(t, int16(2), cfg.Namespace.DefaultReplication)
	assert.Equal(t, 30*time.Second, cfg.Lease.SoftLimit)
	assert.Equal(t, 5*time.Minute, cfg.Lease.HardLimit)
	assert.Equal(t, "debug", cfg.Logging.Level)
	assert.Equal(t, 30*time.Second, cfg.Heartbeat.StaleInterval, "unset sections keep defaults")
}

func TestLoad_MissingFileUsesDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	require.NoError(t, err)
	assert.Equal(t, DefaultConfig().Server.Port, cfg.Server.Port)
}

func TestHosts(t *testing.T) {
	h, err := ParseHosts([]byte(`
include: [dn-2, dn-1]
exclude: [dn-9]
decommission: [dn-3]
`))
	require.NoError(t, err)

	assert.True(t, h.Allowed("dn-1"))
	assert.True(t, h.Allowed("dn-3"), "decommissioning nodes stay admitted")
	assert.False(t, h.Allowed("dn-4"))
	assert.False(t, h.Allowed("dn-9"))
	assert.True(t, h.Decommissioning("dn-3"))
	assert.False(t, h.Decommissioning("dn-1"))

	open, err := LoadHosts("")
	require.NoError(t, err)
	assert.True(t, open.Allowed("anything"))

	_, err = ParseHosts([]byte("include: [unterminated"))
	assert.Error(t, err)
}
