package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/hupe1980/agentledger/core"
	"github.com/hupe1980/agentledger/eventlog"
	"github.com/hupe1980/agentledger/executor"
	"github.com/hupe1980/agentledger/history"
	"github.com/hupe1980/agentledger/hotstate"
	"github.com/hupe1980/agentledger/logging"
	"github.com/hupe1980/agentledger/planner"
	"github.com/hupe1980/agentledger/replay"
	"github.com/hupe1980/agentledger/snapshot"
	"github.com/hupe1980/agentledger/telemetry"
	"github.com/hupe1980/agentledger/tool"
	"github.com/m-mizutani/goerr/v2"
	"golang.org/x/sync/semaphore"
)

// ErrInvocationNotFound is returned by Stop for an unknown invocation id.
var ErrInvocationNotFound = errors.New("invocation not found")

// Config holds the operational parameters of an Engine.
type Config struct {
	// MaxConcurrentInvocations limits the number of instances processed at
	// the same time. Set to 0 for unlimited.
	MaxConcurrentInvocations int

	// EventBatchSize bounds the number of events handed to the planner in a
	// single cycle.
	EventBatchSize int

	// MaxConflictRetries bounds how often a cycle is re-planned after losing
	// the optimistic commit.
	MaxConflictRetries int

	// SnapshotInterval takes a snapshot whenever the committed state version
	// is a multiple of it. 0 disables automatic snapshots.
	SnapshotInterval uint64

	// EventBufferSize sets the buffer of the outcome channel of Invoke.
	EventBufferSize int

	// ParallelTools runs independent tool actions of a plan concurrently.
	ParallelTools bool

	// MaxParallelTools bounds concurrent tool calls of one group.
	MaxParallelTools int

	// ReplayPageSize bounds a single event log read during replay.
	ReplayPageSize int

	// DefaultToolTimeout applies to tools whose schema sets no timeout.
	DefaultToolTimeout time.Duration
}

// DefaultConfig provides the defaults used by New.
var DefaultConfig = Config{
	MaxConcurrentInvocations: 10,
	EventBatchSize:           100,
	MaxConflictRetries:       3,
	SnapshotInterval:         10,
	EventBufferSize:          100,
	ReplayPageSize:           500,
	DefaultToolTimeout:       30 * time.Second,
}

// Options configures an Engine. Every store defaults to its in-memory
// implementation.
type Options struct {
	Config Config

	EventLog  core.EventLog
	HotState  core.HotStateStore
	Snapshots core.SnapshotStore
	History   core.HistoryStore

	// Registry resolves tool schemas to implementations. Defaults to a
	// registry with the function and dictionary adapters.
	Registry *tool.Registry

	Planner planner.Planner

	// Planning carries the tenant, tool availability, budget and policy
	// inputs of every plan. InstanceID is filled in per cycle.
	Planning planner.Context

	// RateLimit is the tenant wide tool call rate.
	RateLimit core.RateLimit

	Callbacks *CallbackManager
	Logger    logging.Logger
	Tracer    *telemetry.Tracer
}

// Outcome is the result of one committed cycle.
type Outcome struct {
	InstanceID string               `json:"instance_id"`
	Plan       core.Plan            `json:"plan"`
	Result     core.ExecutionResult `json:"result"`
	// Snapshot is set when the cycle took an automatic snapshot.
	Snapshot *core.Snapshot `json:"snapshot,omitempty"`
	// Attempts counts commit attempts; > 1 means the cycle was re-planned
	// after a conflict.
	Attempts int `json:"attempts"`
}

// Engine drives instances through plan, execute and commit cycles. It holds
// a lock per instance so that a single engine never runs two cycles of the
// same instance concurrently; writers in other processes are detected by
// the optimistic version check of the hot state store.
type Engine struct {
	events    core.EventLog
	hot       core.HotStateStore
	snapshots core.SnapshotStore
	history   core.HistoryStore
	registry  *tool.Registry
	boundary  *tool.Boundary
	planner   planner.Planner
	executor  *executor.Executor
	planning  planner.Context
	callbacks *CallbackManager
	logger    logging.Logger
	tracer    *telemetry.Tracer

	config Config

	// sem bounds concurrently processed instances; nil means unlimited.
	sem *semaphore.Weighted

	locksMu sync.Mutex
	locks   map[string]*sync.Mutex

	activeInvocations map[string]context.CancelFunc
	invocationsMu     sync.RWMutex
}

// New creates an Engine.
//
// Examples:
//
//	// Development setup with in-memory stores
//	engine := New()
//
//	// Durable setup
//	store, _ := sqlite.Open(ctx, "agentledger.db")
//	engine := New(func(o *Options) {
//	    o.EventLog = store.EventLog()
//	    o.HotState = store.HotState()
//	    o.Snapshots = store.Snapshots()
//	    o.History = store.History()
//	    o.Registry = registry
//	})
func New(optFns ...func(o *Options)) *Engine {
	opts := Options{
		Config: DefaultConfig,
		Logger: logging.NoOpLogger{},
	}

	for _, fn := range optFns {
		fn(&opts)
	}

	if opts.EventLog == nil {
		opts.EventLog = eventlog.NewInMemoryLog()
	}

	if opts.HotState == nil {
		opts.HotState = hotstate.NewInMemoryStore()
	}

	if opts.Snapshots == nil {
		opts.Snapshots = snapshot.NewInMemoryStore()
	}

	if opts.History == nil {
		opts.History = history.NewInMemoryStore()
	}

	if opts.Registry == nil {
		opts.Registry = tool.NewRegistry(tool.NewFunctionAdapter(), tool.NewDictionaryAdapter())
	}

	if opts.Planner == nil {
		opts.Planner = planner.New()
	}

	if opts.Callbacks == nil {
		opts.Callbacks = NewCallbackManager()
	}

	if opts.Config.EventBatchSize <= 0 {
		opts.Config.EventBatchSize = DefaultConfig.EventBatchSize
	}

	if opts.Config.EventBufferSize <= 0 {
		opts.Config.EventBufferSize = DefaultConfig.EventBufferSize
	}

	boundary := tool.NewBoundary(opts.Registry, opts.History, func(o *tool.Options) {
		o.DefaultTimeout = opts.Config.DefaultToolTimeout
		o.Logger = opts.Logger
		o.Tracer = opts.Tracer
	})

	exec := executor.New(func(o *executor.Options) {
		o.Parallel = opts.Config.ParallelTools
		o.MaxParallel = opts.Config.MaxParallelTools
		o.TenantID = opts.Planning.TenantID
		o.RateLimit = opts.RateLimit
		o.Budget = opts.Planning.Budget
		o.Logger = opts.Logger
		o.Tracer = opts.Tracer
	})

	e := &Engine{
		events:    opts.EventLog,
		hot:       opts.HotState,
		snapshots: opts.Snapshots,
		history:   opts.History,
		registry:  opts.Registry,
		boundary:  boundary,
		planner:   opts.Planner,
		executor:  exec,
		planning:  opts.Planning,
		callbacks: opts.Callbacks,
		logger:    opts.Logger,
		tracer:    opts.Tracer,

		config: opts.Config,

		locks:             make(map[string]*sync.Mutex),
		activeInvocations: make(map[string]context.CancelFunc),
	}

	if opts.Config.MaxConcurrentInvocations > 0 {
		e.sem = semaphore.NewWeighted(int64(opts.Config.MaxConcurrentInvocations))
	}

	return e
}

// Registry returns the tool registry of the engine.
func (e *Engine) Registry() *tool.Registry { return e.registry }

// Callbacks returns the callback manager of the engine.
func (e *Engine) Callbacks() *CallbackManager { return e.callbacks }

// Append writes ev to the event log. A duplicate idempotency key returns the
// original event together with core.ErrDuplicateEvent.
func (e *Engine) Append(ctx context.Context, ev core.Event) (core.Event, error) {
	return e.events.Append(ctx, ev)
}

// Events reads up to limit events of an instance after the given cursor.
func (e *Engine) Events(ctx context.Context, instanceID string, after core.Cursor, limit int) ([]core.Event, error) {
	return e.events.Read(ctx, instanceID, after, limit)
}

// State returns the current state of an instance.
func (e *Engine) State(ctx context.Context, instanceID string) (core.State, bool, error) {
	return e.hot.Read(ctx, instanceID)
}

// Step runs at most one cycle for an instance. It reports false when there
// was nothing to do: no pending events or a terminal instance.
func (e *Engine) Step(ctx context.Context, instanceID string, schema core.AgentSchema) (Outcome, bool, error) {
	if instanceID == "" {
		return Outcome{}, false, core.ErrInstanceMissing
	}

	release, err := e.acquire(ctx)
	if err != nil {
		return Outcome{}, false, err
	}
	defer release()

	return e.step(ctx, instanceID, schema)
}

// Run processes pending events of an instance until none are left or the
// instance is terminal. It returns the committed cycles in order.
func (e *Engine) Run(ctx context.Context, instanceID string, schema core.AgentSchema) ([]Outcome, error) {
	outcomes := []Outcome{}

	err := e.run(ctx, instanceID, schema, func(o Outcome) error {
		outcomes = append(outcomes, o)
		return nil
	})

	return outcomes, err
}

func (e *Engine) run(ctx context.Context, instanceID string, schema core.AgentSchema, emit func(Outcome) error) error {
	if instanceID == "" {
		return core.ErrInstanceMissing
	}

	if err := schema.Validate(); err != nil {
		return err
	}

	release, err := e.acquire(ctx)
	if err != nil {
		return err
	}
	defer release()

	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		out, ran, err := e.step(ctx, instanceID, schema)
		if err != nil {
			return err
		}

		if !ran {
			return nil
		}

		if err := emit(out); err != nil {
			return err
		}
	}
}

// Invoke runs an instance asynchronously and streams committed cycles.
//
// The outcome channel is closed when the instance has no pending events,
// reached a terminal phase, or the invocation was stopped. A terminal error
// is delivered on the error channel before both channels are closed.
//
// Example:
//
//	id, outcomes, errs, err := engine.Invoke(ctx, "order-1", schema)
//	if err != nil {
//	    return err
//	}
//	_ = id
//
//	for o := range outcomes {
//	    fmt.Println(o.Plan.ID, o.Result.Status)
//	}
//
//	if err := <-errs; err != nil {
//	    return err
//	}
func (e *Engine) Invoke(
	ctx context.Context,
	instanceID string,
	schema core.AgentSchema,
) (string, <-chan Outcome, <-chan error, error) {
	if instanceID == "" {
		return "", nil, nil, core.ErrInstanceMissing
	}

	if err := schema.Validate(); err != nil {
		return "", nil, nil, err
	}

	invocationID := uuid.NewString()

	outcomesCh := make(chan Outcome, e.config.EventBufferSize)
	errorsCh := make(chan error, 1)

	invocationCtx, cancel := context.WithCancel(ctx)

	e.invocationsMu.Lock()
	e.activeInvocations[invocationID] = cancel
	e.invocationsMu.Unlock()

	go func() {
		defer func() {
			cancel()
			e.invocationsMu.Lock()
			delete(e.activeInvocations, invocationID)
			e.invocationsMu.Unlock()
			close(outcomesCh)
			close(errorsCh)
		}()

		err := e.run(invocationCtx, instanceID, schema, func(o Outcome) error {
			select {
			case <-invocationCtx.Done():
				return invocationCtx.Err()
			case outcomesCh <- o:
				e.logger.Debug("engine delivered outcome", "invocation_id", invocationID, "plan_id", o.Plan.ID)
				return nil
			}
		})
		if err != nil {
			errorsCh <- fmt.Errorf("instance %s: %w", instanceID, err)
		}
	}()

	return invocationID, outcomesCh, errorsCh, nil
}

// InvokeSync runs an instance and returns all committed cycles.
func (e *Engine) InvokeSync(
	ctx context.Context,
	instanceID string,
	schema core.AgentSchema,
) (string, []Outcome, error) {
	invocationID, outcomesCh, errorsCh, err := e.Invoke(ctx, instanceID, schema)
	if err != nil {
		return "", nil, err
	}

	var outcomes []Outcome
	for o := range outcomesCh {
		outcomes = append(outcomes, o)
	}

	return invocationID, outcomes, <-errorsCh
}

// Stop cancels a running invocation. Tool calls in flight observe the
// cancellation and are recorded as CANCELLED.
func (e *Engine) Stop(invocationID string) error {
	e.invocationsMu.RLock()
	cancel, exists := e.activeInvocations[invocationID]
	e.invocationsMu.RUnlock()

	if !exists {
		return goerr.Wrap(ErrInvocationNotFound, "stop", goerr.V("invocation_id", invocationID))
	}

	cancel()

	return nil
}

// Replayer returns a replay engine over the stores of e that plans with the
// same planner and planning context.
func (e *Engine) Replayer() *replay.Engine {
	return replay.New(e.events, e.snapshots, e.history, e.boundary, func(o *replay.Options) {
		o.BatchSize = e.config.EventBatchSize
		o.PageSize = e.config.ReplayPageSize
		o.Planning = e.planning
		o.Planner = e.planner
		o.Executor = e.executor
		o.Logger = e.logger
		o.Tracer = e.tracer
	})
}

// acquire takes a slot of the concurrency limit.
func (e *Engine) acquire(ctx context.Context) (func(), error) {
	if e.sem == nil {
		return func() {}, nil
	}

	if err := e.sem.Acquire(ctx, 1); err != nil {
		return nil, err
	}

	return func() { e.sem.Release(1) }, nil
}

// lock serializes work on one instance.
func (e *Engine) lock(instanceID string) func() {
	e.locksMu.Lock()
	mu, ok := e.locks[instanceID]
	if !ok {
		mu = &sync.Mutex{}
		e.locks[instanceID] = mu
	}
	e.locksMu.Unlock()

	mu.Lock()

	return mu.Unlock
}

func (e *Engine) readState(ctx context.Context, instanceID string) (core.State, error) {
	state, ok, err := e.hot.Read(ctx, instanceID)
	if err != nil {
		return core.State{}, goerr.Wrap(err, "read state", goerr.V("instance_id", instanceID))
	}

	if !ok {
		return core.NewState(), nil
	}

	return state, nil
}
