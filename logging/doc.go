// Package logging provides a minimal logging interface and adapters for agentledger.
//
// The Logger interface defines the standard logging methods (Debug, Info, Warn, Error)
// that the engine, tool boundary and replay engine use for observability. This package includes:
//
//   - Logger interface for dependency injection
//   - SlogAdapter wrapping Go's structured logging
//   - RuntimeLogger with instance / plan context and domain helpers
//   - NoOpLogger for silent operation (testing, minimal setups)
//
// Usage:
//
//	logger := logging.NewSlogLogger(logging.LogLevelInfo, "json", false)
//	eng := engine.New(schema, stores, registry, func(o *engine.Options) { o.Logger = logger })
//
// All methods take slog style key/value pairs.
package logging
