package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv("FOLLOWUP_CONFIG", "")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, 15*time.Minute, cfg.Sync.Interval)
	assert.Equal(t, 72*time.Hour, cfg.Sync.CallOffset)
	assert.Equal(t, 1000, cfg.Sync.BatchSize)
	assert.Equal(t, 3, cfg.Calls.MaxAttempts)
	assert.Equal(t, "none", cfg.Events.Sink)
	assert.Less(t, cfg.Source.MaxOpenConns, cfg.Database.MaxConns, "source pool is sized smaller")
}

func TestLoadFileThenEnv(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "followup.yaml")
	content := []byte(`
sync:
  interval: 30m
  batch_size: 250
calls:
  max_attempts: 5
events:
  sink: redis
`)
	require.NoError(t, os.WriteFile(path, content, 0o600))

	t.Setenv("FOLLOWUP_CONFIG", path)
	t.Setenv("SYNC_BATCH_SIZE", "500")
	t.Setenv("CALL_RETRY_DELAY", "45")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, 30*time.Minute, cfg.Sync.Interval)
	assert.Equal(t, 500, cfg.Sync.BatchSize, "env overrides file")
	assert.Equal(t, 5, cfg.Calls.MaxAttempts)
	assert.Equal(t, 45*time.Minute, cfg.Calls.RetryDelay, "bare number is minutes")
	assert.Equal(t, "redis", cfg.Events.Sink)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"zero interval", func(c *Config) { c.Sync.Interval = 0 }},
		{"zero batch", func(c *Config) { c.Sync.BatchSize = 0 }},
		{"negative offset", func(c *Config) { c.Sync.CallOffset = -time.Hour }},
		{"zero attempts", func(c *Config) { c.Calls.MaxAttempts = 0 }},
		{"unknown sink", func(c *Config) { c.Events.Sink = "kafka" }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Defaults()
			tt.mutate(&cfg)
			assert.Error(t, cfg.Validate())
		})
	}

	cfg := Defaults()
	assert.NoError(t, cfg.Validate())
}
