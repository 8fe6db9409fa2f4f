package config

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/hupe1980/agentledger/engine"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, content string) string {
	t.Helper()

	path := filepath.Join(t.TempDir(), "agentledger.toml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))

	return path
}

func TestDefault(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())

	assert.Equal(t, BackendMemory, cfg.Store.Backend)
	assert.Equal(t, 24*time.Hour, cfg.Store.DedupeWindow.Duration)
	assert.Equal(t, engine.DefaultConfig, cfg.EngineConfig())
}

func TestLoad_FileThenEnvironment(t *testing.T) {
	path := writeFile(t, `
[store]
backend = "sqlite"
path = "/tmp/ledger.db"
dedupe_window = "1h"

[log]
level = "debug"
format = "text"

[engine]
event_batch_size = 5
snapshot_interval = 0
parallel_tools = true
default_tool_timeout = "5s"
`)

	cfg, err := LoadEnvironment(path, map[string]string{
		"AGENTLEDGER_ENGINE_EVENT_BATCH_SIZE":           "7",
		"AGENTLEDGER_STORE_DEDUPE_WINDOW":               "10m",
		"AGENTLEDGER_ENGINE_MAX_CONFLICT_RETRIES":       "1",
		"AGENTLEDGER_ENGINE_DEFAULT_TOOL_TIMEOUT":       "2s",
		"UNRELATED_ENGINE_EVENT_BATCH_SIZE":             "99",
		"AGENTLEDGER_ENGINE_MAX_CONCURRENT_INVOCATIONS": "0",
	})
	require.NoError(t, err)

	assert.Equal(t, BackendSQLite, cfg.Store.Backend)
	assert.Equal(t, "/tmp/ledger.db", cfg.Store.Path)
	assert.Equal(t, 10*time.Minute, cfg.Store.DedupeWindow.Duration)
	assert.Equal(t, "debug", cfg.Log.Level)

	ec := cfg.EngineConfig()
	assert.Equal(t, 7, ec.EventBatchSize)
	assert.Equal(t, uint64(0), ec.SnapshotInterval)
	assert.True(t, ec.ParallelTools)
	assert.Equal(t, 1, ec.MaxConflictRetries)
	assert.Equal(t, 0, ec.MaxConcurrentInvocations)
	assert.Equal(t, 2*time.Second, ec.DefaultToolTimeout)
	assert.Equal(t, engine.DefaultConfig.ReplayPageSize, ec.ReplayPageSize)
}

func TestLoad_Errors(t *testing.T) {
	_, err := LoadEnvironment(filepath.Join(t.TempDir(), "missing.toml"), nil)
	assert.Error(t, err)

	_, err = LoadEnvironment(writeFile(t, "[store]\nbogus = 1\n"), nil)
	assert.Error(t, err)

	_, err = LoadEnvironment(writeFile(t, "[store]\ndedupe_window = \"soon\"\n"), nil)
	assert.Error(t, err)

	_, err = LoadEnvironment("", map[string]string{"AGENTLEDGER_ENGINE_EVENT_BATCH_SIZE": "many"})
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(c *Config)
	}{
		{"unknown backend", func(c *Config) { c.Store.Backend = "redis" }},
		{"sqlite without path", func(c *Config) { c.Store.Backend = BackendSQLite; c.Store.Path = " " }},
		{"unknown level", func(c *Config) { c.Log.Level = "loud" }},
		{"unknown format", func(c *Config) { c.Log.Format = "xml" }},
		{"zero batch", func(c *Config) { c.Engine.EventBatchSize = 0 }},
		{"negative retries", func(c *Config) { c.Engine.MaxConflictRetries = -1 }},
		{"negative window", func(c *Config) { c.Store.DedupeWindow = Duration{-time.Second} }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(&cfg)
			assert.ErrorIs(t, cfg.Validate(), ErrInvalidConfig)
		})
	}
}

func TestNewLogger(t *testing.T) {
	cfg := Default()
	cfg.Log.Format = "text"
	cfg.Log.Level = "warn"

	var buf bytes.Buffer

	logger := cfg.NewLogger(&buf)
	logger.Info("hidden")
	logger.Warn("shown", "k", "v")

	out := buf.String()
	assert.NotContains(t, out, "hidden")
	assert.True(t, strings.Contains(out, "shown"))
	assert.Contains(t, out, "component=agentledger")
}
