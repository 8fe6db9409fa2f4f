// Package config loads the runtime configuration of agentledger.
//
// Values are resolved in three layers: built-in defaults, an optional TOML
// file, then environment variables prefixed with AGENTLEDGER_:
//
//	[store]
//	backend = "sqlite"
//	path = "agentledger.db"
//	dedupe_window = "24h"
//
//	[engine]
//	event_batch_size = 50
//
// overridden by e.g. AGENTLEDGER_STORE_BACKEND=memory.
package config

import (
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/hupe1980/agentledger/engine"
	"github.com/hupe1980/agentledger/logging"
	"github.com/m-mizutani/goerr/v2"
	"github.com/pelletier/go-toml/v2"
)

// EnvPrefix prefixes every environment variable read by Load.
const EnvPrefix = "AGENTLEDGER_"

// Store backends.
const (
	BackendMemory = "memory"
	BackendSQLite = "sqlite"
)

// ErrInvalidConfig is returned by Validate.
var ErrInvalidConfig = errors.New("invalid config")

// Duration is a time.Duration written as a Go duration string ("30s").
type Duration struct {
	time.Duration
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (d *Duration) UnmarshalText(b []byte) error {
	v, err := time.ParseDuration(strings.TrimSpace(string(b)))
	if err != nil {
		return err
	}

	d.Duration = v

	return nil
}

// MarshalText implements encoding.TextMarshaler.
func (d Duration) MarshalText() ([]byte, error) { return []byte(d.String()), nil }

// Config is the complete runtime configuration.
type Config struct {
	Store  StoreConfig  `toml:"store" envPrefix:"STORE_"`
	Log    LogConfig    `toml:"log" envPrefix:"LOG_"`
	Engine EngineConfig `toml:"engine" envPrefix:"ENGINE_"`
}

// StoreConfig selects the storage backend.
type StoreConfig struct {
	// Backend is memory or sqlite.
	Backend string `toml:"backend" env:"BACKEND"`
	// Path is the SQLite database file.
	Path string `toml:"path" env:"PATH"`
	// DedupeWindow bounds idempotency key deduplication. Zero means forever.
	DedupeWindow Duration `toml:"dedupe_window" env:"DEDUPE_WINDOW"`
}

// LogConfig configures the structured logger.
type LogConfig struct {
	Level  string `toml:"level" env:"LEVEL"`
	Format string `toml:"format" env:"FORMAT"`
}

// EngineConfig mirrors engine.Config.
type EngineConfig struct {
	MaxConcurrentInvocations int      `toml:"max_concurrent_invocations" env:"MAX_CONCURRENT_INVOCATIONS"`
	EventBatchSize           int      `toml:"event_batch_size" env:"EVENT_BATCH_SIZE"`
	MaxConflictRetries       int      `toml:"max_conflict_retries" env:"MAX_CONFLICT_RETRIES"`
	SnapshotInterval         uint64   `toml:"snapshot_interval" env:"SNAPSHOT_INTERVAL"`
	ParallelTools            bool     `toml:"parallel_tools" env:"PARALLEL_TOOLS"`
	MaxParallelTools         int      `toml:"max_parallel_tools" env:"MAX_PARALLEL_TOOLS"`
	ReplayPageSize           int      `toml:"replay_page_size" env:"REPLAY_PAGE_SIZE"`
	DefaultToolTimeout       Duration `toml:"default_tool_timeout" env:"DEFAULT_TOOL_TIMEOUT"`
}

// Default returns the built-in configuration: in-memory stores, JSON info
// logging and the engine defaults.
func Default() Config {
	d := engine.DefaultConfig

	return Config{
		Store: StoreConfig{
			Backend:      BackendMemory,
			Path:         "agentledger.db",
			DedupeWindow: Duration{24 * time.Hour},
		},
		Log: LogConfig{Level: "info", Format: "json"},
		Engine: EngineConfig{
			MaxConcurrentInvocations: d.MaxConcurrentInvocations,
			EventBatchSize:           d.EventBatchSize,
			MaxConflictRetries:       d.MaxConflictRetries,
			SnapshotInterval:         d.SnapshotInterval,
			ParallelTools:            d.ParallelTools,
			MaxParallelTools:         d.MaxParallelTools,
			ReplayPageSize:           d.ReplayPageSize,
			DefaultToolTimeout:       Duration{d.DefaultToolTimeout},
		},
	}
}

// Load resolves defaults, the TOML file at path (skipped when empty) and the
// process environment.
func Load(path string) (Config, error) {
	return load(path, env.Options{Prefix: EnvPrefix})
}

// LoadEnvironment is Load with an explicit environment instead of the
// process one.
func LoadEnvironment(path string, environ map[string]string) (Config, error) {
	return load(path, env.Options{Prefix: EnvPrefix, Environment: environ})
}

func load(path string, opts env.Options) (Config, error) {
	cfg := Default()

	if path != "" {
		f, err := os.Open(path) //nolint:gosec // path is operator supplied
		if err != nil {
			return Config{}, goerr.Wrap(err, "open config", goerr.V("path", path))
		}
		defer f.Close()

		if err := Decode(f, &cfg); err != nil {
			return Config{}, goerr.Wrap(err, "decode config", goerr.V("path", path))
		}
	}

	if err := env.ParseWithOptions(&cfg, opts); err != nil {
		return Config{}, goerr.Wrap(err, "parse env")
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

// Decode reads TOML from r into cfg. Keys absent from the document keep
// their current values; unknown keys are rejected.
func Decode(r io.Reader, cfg *Config) error {
	dec := toml.NewDecoder(r)
	dec.DisallowUnknownFields()

	return dec.Decode(cfg)
}

// Validate checks value ranges and enumerations.
func (c Config) Validate() error {
	switch c.Store.Backend {
	case BackendMemory:
	case BackendSQLite:
		if strings.TrimSpace(c.Store.Path) == "" {
			return fmt.Errorf("%w: store.path is required for the sqlite backend", ErrInvalidConfig)
		}
	default:
		return fmt.Errorf("%w: unknown store.backend %q", ErrInvalidConfig, c.Store.Backend)
	}

	if _, err := logging.ParseLevel(c.Log.Level); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}

	if c.Log.Format != "json" && c.Log.Format != "text" {
		return fmt.Errorf("%w: unknown log.format %q", ErrInvalidConfig, c.Log.Format)
	}

	if c.Engine.EventBatchSize <= 0 {
		return fmt.Errorf("%w: engine.event_batch_size must be positive", ErrInvalidConfig)
	}

	if c.Engine.MaxConcurrentInvocations < 0 || c.Engine.MaxConflictRetries < 0 ||
		c.Engine.MaxParallelTools < 0 || c.Engine.ReplayPageSize < 0 {
		return fmt.Errorf("%w: engine limits must not be negative", ErrInvalidConfig)
	}

	if c.Store.DedupeWindow.Duration < 0 || c.Engine.DefaultToolTimeout.Duration < 0 {
		return fmt.Errorf("%w: durations must not be negative", ErrInvalidConfig)
	}

	return nil
}

// EngineConfig converts the engine section to an engine.Config.
func (c Config) EngineConfig() engine.Config {
	out := engine.DefaultConfig
	out.MaxConcurrentInvocations = c.Engine.MaxConcurrentInvocations
	out.EventBatchSize = c.Engine.EventBatchSize
	out.MaxConflictRetries = c.Engine.MaxConflictRetries
	out.SnapshotInterval = c.Engine.SnapshotInterval
	out.ParallelTools = c.Engine.ParallelTools
	out.MaxParallelTools = c.Engine.MaxParallelTools
	out.ReplayPageSize = c.Engine.ReplayPageSize
	out.DefaultToolTimeout = c.Engine.DefaultToolTimeout.Duration

	return out
}

// NewLogger builds the configured logger writing to w.
func (c Config) NewLogger(w io.Writer) *logging.RuntimeLogger {
	level, _ := logging.ParseLevel(c.Log.Level)

	cfg := logging.DefaultLoggerConfig()
	cfg.Level = level
	cfg.Format = c.Log.Format
	cfg.Output = w
	cfg.Component = "agentledger"

	return logging.NewLogger(cfg)
}
