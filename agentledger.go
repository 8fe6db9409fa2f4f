// Package agentledger provides a high-level façade over the event sourced
// agent runtime. Most applications interact with this package by:
//  1. Creating a Ledger via New() (in-memory stores) or Open() (stores chosen
//     by a config.Config, e.g. SQLite)
//  2. Registering the tools their agent schemas reference
//  3. Feeding events through Process, or running instances with Invoke /
//     InvokeSync
//  4. Reproducing past runs with Replay
//
// The façade delegates orchestration to engine.Engine while keeping setup and
// usage ergonomics concise. All defaults are safe for local development and
// testing; production deployments typically open a durable store and supply
// a structured logger.
package agentledger

import (
	"context"
	"errors"
	"os"

	"github.com/hupe1980/agentledger/config"
	"github.com/hupe1980/agentledger/core"
	"github.com/hupe1980/agentledger/engine"
	"github.com/hupe1980/agentledger/eventlog"
	"github.com/hupe1980/agentledger/logging"
	"github.com/hupe1980/agentledger/planner"
	"github.com/hupe1980/agentledger/replay"
	"github.com/hupe1980/agentledger/sqlite"
	"github.com/hupe1980/agentledger/telemetry"
	"github.com/hupe1980/agentledger/tool"
)

// Options configures a Ledger.
type Options struct {
	// Engine configuration (concurrency, batching, snapshots, tool timeouts)
	EngineConfig engine.Config

	// Stores (default to in-memory implementations if not provided)
	EventLog  core.EventLog
	HotState  core.HotStateStore
	Snapshots core.SnapshotStore
	History   core.HistoryStore

	// Registry resolves tool references. Defaults to a registry with the
	// function and dictionary adapters.
	Registry *tool.Registry

	// Planning is handed to the planner on every cycle (tenant, budget
	// override, tool restrictions).
	Planning planner.Context

	// Logger (defaults to NoOp logger if nil)
	Logger logging.Logger

	// Tracer records cycle, tool and replay spans (optional).
	Tracer *telemetry.Tracer
}

// Ledger is the high-level façade aggregating the engine and its stores.
type Ledger struct {
	opts   Options
	engine *engine.Engine
	closer func() error
}

// New creates a Ledger with optional overrides. Any unset store is
// initialized with an in-memory implementation.
func New(optFns ...func(o *Options)) *Ledger {
	opts := Options{
		EngineConfig: engine.DefaultConfig,
		Logger:       logging.NoOpLogger{},
	}

	for _, fn := range optFns {
		fn(&opts)
	}

	e := engine.New(func(o *engine.Options) {
		o.Config = opts.EngineConfig
		o.EventLog = opts.EventLog
		o.HotState = opts.HotState
		o.Snapshots = opts.Snapshots
		o.History = opts.History
		o.Registry = opts.Registry
		o.Planning = opts.Planning
		o.Logger = opts.Logger
		o.Tracer = opts.Tracer
	})

	return &Ledger{opts: opts, engine: e, closer: func() error { return nil }}
}

// Open creates a Ledger whose engine settings, logger and store backend are
// taken from cfg. Option functions run afterwards and may override any of
// them. Close releases the backend.
func Open(ctx context.Context, cfg config.Config, optFns ...func(o *Options)) (*Ledger, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	window := cfg.Store.DedupeWindow.Duration
	logger := cfg.NewLogger(os.Stderr)

	base := func(o *Options) {
		o.EngineConfig = cfg.EngineConfig()
		o.Logger = logger
		o.EventLog = eventlog.NewInMemoryLog(func(lo *eventlog.Options) { lo.DedupeWindow = window })
	}

	closer := func() error { return nil }

	if cfg.Store.Backend == config.BackendSQLite {
		store, err := sqlite.Open(ctx, cfg.Store.Path, func(o *sqlite.Options) {
			o.DedupeWindow = window
		})
		if err != nil {
			return nil, err
		}

		closer = store.Close
		base = func(o *Options) {
			o.EngineConfig = cfg.EngineConfig()
			o.Logger = logger
			o.EventLog = store.EventLog()
			o.HotState = store.HotState()
			o.Snapshots = store.Snapshots()
			o.History = store.History()
		}
	}

	l := New(append([]func(o *Options){base}, optFns...)...)
	l.closer = closer

	return l, nil
}

// Close releases the store backend.
func (l *Ledger) Close() error { return l.closer() }

// Engine exposes the underlying engine for advanced use (callbacks,
// snapshots, checkpoints).
func (l *Ledger) Engine() *engine.Engine { return l.engine }

// RegisterTool binds t to schema in the tool registry.
func (l *Ledger) RegisterTool(schema core.ToolSchema, t tool.Tool) error {
	return l.engine.Registry().Register(schema, t)
}

// BindTools builds the tools declared by schema through the registry
// adapters. Tools registered explicitly are kept.
func (l *Ledger) BindTools(schema core.AgentSchema) error {
	return l.engine.Registry().BindAll(schema.Tools)
}

// Append stores an event in its instance stream.
func (l *Ledger) Append(ctx context.Context, ev core.Event) (core.Event, error) {
	return l.engine.Append(ctx, ev)
}

// Process appends ev and runs its instance until no events remain. A
// producer retry rejected as a duplicate still runs the instance, so a
// crashed run is resumed.
func (l *Ledger) Process(ctx context.Context, ev core.Event, schema core.AgentSchema) ([]engine.Outcome, error) {
	stored, err := l.engine.Append(ctx, ev)
	if err != nil {
		if !errors.Is(err, core.ErrDuplicateEvent) {
			return nil, err
		}

		l.opts.Logger.Info("ledger.duplicate_event", "instance_id", ev.InstanceID, "idempotency_key", ev.IdempotencyKey, "sequence", uint64(stored.Sequence))
	}

	return l.engine.Run(ctx, ev.InstanceID, schema)
}

// Invoke starts an asynchronous run returning outcome & error channels.
func (l *Ledger) Invoke(ctx context.Context, instanceID string, schema core.AgentSchema) (string, <-chan engine.Outcome, <-chan error, error) {
	return l.engine.Invoke(ctx, instanceID, schema)
}

// InvokeSync runs an instance to idle and returns all committed cycles.
func (l *Ledger) InvokeSync(ctx context.Context, instanceID string, schema core.AgentSchema) (string, []engine.Outcome, error) {
	return l.engine.InvokeSync(ctx, instanceID, schema)
}

// Stop cancels a running invocation.
func (l *Ledger) Stop(invocationID string) error { return l.engine.Stop(invocationID) }

// State returns the current state of an instance.
func (l *Ledger) State(ctx context.Context, instanceID string) (core.State, bool, error) {
	return l.engine.State(ctx, instanceID)
}

// Replay reproduces an instance from the given cursor using recorded tool
// results only.
func (l *Ledger) Replay(ctx context.Context, instanceID string, schema core.AgentSchema, from core.Cursor, opts ...replay.Option) (replay.Result, error) {
	return l.engine.Replayer().Replay(ctx, instanceID, schema, from, opts...)
}
