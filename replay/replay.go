// Package replay reconstructs instance state by re-running the planner and
// executor over the event log with recorded tool results. A replay never
// invokes a live tool: the executor runs in replay mode and the boundary
// answers from the tool record store only.
package replay

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/hupe1980/agentledger/core"
	"github.com/hupe1980/agentledger/executor"
	"github.com/hupe1980/agentledger/logging"
	"github.com/hupe1980/agentledger/planner"
	"github.com/hupe1980/agentledger/telemetry"
	"github.com/m-mizutani/goerr/v2"
)

// Status is the outcome of a replay.
type Status string

const (
	// StatusSuccess means every event in range was reproduced.
	StatusSuccess Status = "SUCCESS"
	// StatusPartial means the replay stopped early because a tool record was
	// missing.
	StatusPartial Status = "PARTIAL"
	// StatusFailed means the replay detected an inconsistency.
	StatusFailed Status = "FAILED"
)

const (
	defaultBatchSize = 100
	defaultPageSize  = 500
)

// Cycle is one replayed planning cycle or restore. A restore carries the
// checkpoint id and no plan.
type Cycle struct {
	From         core.Cursor          `json:"from"`
	To           core.Cursor          `json:"to"`
	Plan         core.Plan            `json:"plan"`
	Result       core.ExecutionResult `json:"result"`
	CheckpointID string               `json:"checkpoint_id,omitempty"`
}

// Result is the outcome of a replay.
type Result struct {
	Status      Status      `json:"status"`
	FinalState  core.State  `json:"final_state"`
	FinalCursor core.Cursor `json:"final_cursor"`
	Cycles      []Cycle     `json:"cycles"`
	// Events counts the events folded into FinalState.
	Events int    `json:"events"`
	Reason string `json:"reason,omitempty"`
}

// Options configures an Engine.
type Options struct {
	// BatchSize bounds the planner input for events that have no recorded
	// cycle.
	BatchSize int
	// PageSize bounds a single event log read.
	PageSize int
	// Planning is the planning context the live engine used. InstanceID is
	// filled in per replay.
	Planning planner.Context
	Planner  planner.Planner
	Executor *executor.Executor
	Logger   logging.Logger
	Tracer   *telemetry.Tracer
}

// Engine replays instances.
type Engine struct {
	events    core.EventLog
	snapshots core.SnapshotStore
	cycles    core.CycleStore
	invoker   core.ToolInvoker
	opts      Options
}

// New creates a replay engine. snapshots and cycles may be nil: without
// snapshots every replay starts from the zero state, without cycles events
// are batched by BatchSize.
func New(events core.EventLog, snapshots core.SnapshotStore, cycles core.CycleStore, invoker core.ToolInvoker, optFns ...func(o *Options)) *Engine {
	opts := Options{
		BatchSize: defaultBatchSize,
		PageSize:  defaultPageSize,
		Logger:    logging.NoOpLogger{},
	}

	for _, fn := range optFns {
		fn(&opts)
	}

	if opts.Planner == nil {
		opts.Planner = planner.New()
	}

	if opts.Executor == nil {
		opts.Executor = executor.New()
	}

	if opts.BatchSize <= 0 {
		opts.BatchSize = defaultBatchSize
	}

	if opts.PageSize <= 0 {
		opts.PageSize = defaultPageSize
	}

	opts.Executor = opts.Executor.WithReplay()

	return &Engine{events: events, snapshots: snapshots, cycles: cycles, invoker: invoker, opts: opts}
}

// Option configures a single replay.
type Option func(r *request)

type request struct {
	until    core.Cursor
	hasUntil bool
	initial  *core.State
}

// UntilCursor stops the replay before the event with sequence c.
func UntilCursor(c core.Cursor) Option {
	return func(r *request) {
		r.until = c
		r.hasUntil = true
	}
}

// WithInitialState starts the replay from s instead of a snapshot or the
// zero state.
func WithInitialState(s core.State) Option {
	return func(r *request) {
		c := s.Clone()
		r.initial = &c
	}
}

// Replay re-runs the events of instanceID starting at sequence from.
//
// The starting state is the WithInitialState state, else the latest
// snapshot taken before from, else the zero state. The zero state reflects
// cursor 0, so without a snapshot the replay starts at the first event.
func (e *Engine) Replay(ctx context.Context, instanceID string, schema core.AgentSchema, from core.Cursor, opts ...Option) (Result, error) {
	if instanceID == "" {
		return Result{}, core.ErrInstanceMissing
	}

	req := request{}
	for _, o := range opts {
		o(&req)
	}

	if req.initial != nil {
		return e.run(ctx, instanceID, schema, *req.initial, from, req)
	}

	if e.snapshots != nil && from > 1 {
		snap, ok, err := e.snapshots.FindLatestBefore(ctx, instanceID, from-1)
		if err != nil {
			return Result{}, goerr.Wrap(err, "find snapshot", goerr.V("instance_id", instanceID))
		}

		if ok {
			return e.run(ctx, instanceID, schema, snap.State(), snap.Cursor.Next(), req)
		}
	}

	return e.run(ctx, instanceID, schema, core.NewState(), core.Beginning.Next(), req)
}

// ReplayFromSnapshot replays the events after snap.
func (e *Engine) ReplayFromSnapshot(ctx context.Context, instanceID string, schema core.AgentSchema, snap core.Snapshot, opts ...Option) (Result, error) {
	if err := snap.Validate(); err != nil {
		return Result{}, err
	}

	if snap.InstanceID != instanceID {
		return Result{}, goerr.Wrap(core.ErrInvalidSnapshot, "snapshot belongs to another instance",
			goerr.V("instance_id", instanceID), goerr.V("snapshot_instance_id", snap.InstanceID))
	}

	req := request{}
	for _, o := range opts {
		o(&req)
	}

	return e.run(ctx, instanceID, schema, snap.State(), snap.Cursor.Next(), req)
}

func (e *Engine) run(ctx context.Context, instanceID string, schema core.AgentSchema, state core.State, from core.Cursor, req request) (Result, error) {
	started := time.Now()
	ctx = e.opts.Tracer.StartReplay(ctx, instanceID, from)

	res, err := e.replay(ctx, instanceID, schema, state, from, req)

	e.opts.Tracer.EndReplay(ctx, string(res.Status), res.FinalCursor, res.Reason, err)
	e.log(instanceID, res, time.Since(started))

	return res, err
}

func (e *Engine) log(instanceID string, res Result, d time.Duration) {
	if rl, ok := e.opts.Logger.(*logging.RuntimeLogger); ok {
		rl.WithInstance(instanceID, "").LogReplay(string(res.Status), res.Events, uint64(res.FinalCursor), d, res.Reason)

		return
	}

	e.opts.Logger.Info("replay.finished",
		"instance_id", instanceID, "status", string(res.Status),
		"final_cursor", uint64(res.FinalCursor), "events", res.Events, "reason", res.Reason)
}

func (e *Engine) replay(ctx context.Context, instanceID string, schema core.AgentSchema, state core.State, from core.Cursor, req request) (Result, error) {
	next := core.RuntimeOf(state).Cursor.Next()
	if from.IsAfter(next) {
		next = from
	}

	res := Result{Status: StatusSuccess, FinalState: state, FinalCursor: core.RuntimeOf(state).Cursor, Cycles: []Cycle{}}

	end, err := e.events.CurrentCursor(ctx, instanceID)
	if err != nil {
		return res, goerr.Wrap(err, "read current cursor", goerr.V("instance_id", instanceID))
	}

	// last is the last sequence inside the range.
	last := end
	if req.hasUntil && req.until.IsBefore(end.Next()) {
		if req.until == 0 {
			return res, nil
		}

		last = req.until - 1
	}

	// Skipping events leaves the recorded history behind, so the rest of the
	// range is batched like an unrecorded tail.
	h := &walk{}
	if e.cycles != nil && next == core.RuntimeOf(state).Cursor.Next() {
		h.records, err = e.cycles.ListCycles(ctx, instanceID, state.Version)
		if err != nil {
			return res, goerr.Wrap(err, "list cycles", goerr.V("instance_id", instanceID))
		}
	}

	stream := newStream(e.events, instanceID, next-1, last, e.opts.PageSize)
	pctx := e.opts.Planning
	pctx.InstanceID = instanceID

	for {
		rec, recorded, err := h.at(res.FinalState.Version)
		if err != nil {
			res.Status = StatusFailed
			res.Reason = err.Error()

			return res, nil
		}

		if recorded && rec.IsRestore() && !(req.hasUntil && next.IsAfter(last)) {
			if !e.restore(rec, &res) {
				return res, nil
			}

			h.advance()

			next = res.FinalCursor.Next()
			stream = newStream(e.events, instanceID, res.FinalCursor, last, e.opts.PageSize)

			continue
		}

		if core.RuntimeOf(res.FinalState).Phase.Terminal() {
			// Events after the end of an instance are never planned.
			return res, nil
		}

		if next.IsAfter(last) {
			return res, nil
		}

		upTo := next + core.Cursor(e.opts.BatchSize) - 1
		if recorded {
			if rec.IsRestore() || rec.From != next {
				res.Status = StatusFailed
				res.Reason = fmt.Sprintf("history diverged at version %d: recorded entry starts at %d, replay at %d",
					rec.BaseVersion, rec.From, next)

				return res, nil
			}

			upTo = rec.Input
			if upTo < rec.To {
				upTo = rec.To
			}

			if upTo.IsAfter(last) {
				res.Status = StatusPartial
				res.Reason = fmt.Sprintf("recorded cycle %s ends at %d, after the replay range", rec.PlanID, upTo)

				return res, nil
			}
		}

		if upTo.IsAfter(last) {
			upTo = last
		}

		batch, err := stream.take(ctx, next, upTo)
		if err != nil {
			if errors.Is(err, core.ErrSequenceGap) {
				res.Status = StatusFailed
				res.Reason = err.Error()

				return res, nil
			}

			return res, err
		}

		cyc, stop, err := e.cycle(ctx, instanceID, schema, res.FinalState, batch, pctx, rec, recorded, &res)
		if err != nil || stop {
			return res, err
		}

		if recorded {
			h.advance()
		}

		res.Cycles = append(res.Cycles, cyc)
		res.FinalState = cyc.Result.NewState
		res.FinalCursor = cyc.To
		res.Events += int(cyc.To - cyc.From + 1)
		next = cyc.To.Next()
	}
}

// restore applies a recorded restore. It reports false when the replay ended
// with FAILED recorded in res.
func (e *Engine) restore(rec core.CycleRecord, res *Result) bool {
	if rec.State == nil || rec.State.Version != rec.NewVersion || rec.State.Digest() != rec.StateDigest {
		res.Status = StatusFailed
		res.Reason = fmt.Sprintf("restore of checkpoint %s at version %d is not reproducible", rec.CheckpointID, rec.NewVersion)

		return false
	}

	st := rec.State.Clone()
	cursor := core.RuntimeOf(st).Cursor

	res.Cycles = append(res.Cycles, Cycle{
		From:         cursor,
		To:           cursor,
		CheckpointID: rec.CheckpointID,
		Result:       core.ExecutionResult{Status: core.StatusSuccess, NewState: st},
	})
	res.FinalState = st
	res.FinalCursor = cursor

	return true
}

// walk steps through the history records of an instance in version order.
type walk struct {
	records []core.CycleRecord
	i       int
}

// at returns the record based on version. It fails when history moves past
// version without an entry for it, which means the state was changed
// outside recorded cycles and restores.
func (w *walk) at(version uint64) (core.CycleRecord, bool, error) {
	for w.i < len(w.records) && w.records[w.i].BaseVersion < version {
		w.i++
	}

	if w.i == len(w.records) {
		return core.CycleRecord{}, false, nil
	}

	rec := w.records[w.i]
	if rec.BaseVersion > version {
		return core.CycleRecord{}, false, fmt.Errorf("history has no entry for version %d, next entry is based on version %d",
			version, rec.BaseVersion)
	}

	return rec, true, nil
}

func (w *walk) advance() { w.i++ }

// cycle replays one batch. It reports stop when the replay ended with a
// PARTIAL or FAILED status recorded in res.
func (e *Engine) cycle(ctx context.Context, instanceID string, schema core.AgentSchema, state core.State, batch []core.Event, pctx planner.Context, rec core.CycleRecord, recorded bool, res *Result) (Cycle, bool, error) {
	plan, err := e.opts.Planner.Plan(schema, state, batch, pctx)
	if err != nil {
		res.Status = StatusFailed
		res.Reason = fmt.Sprintf("plan events %d..%d: %v", batch[0].Sequence, batch[len(batch)-1].Sequence, err)

		return Cycle{}, true, nil
	}

	if recorded {
		if plan.ID != rec.PlanID || plan.Digest() != rec.PlanDigest || plan.To != rec.To {
			res.Status = StatusFailed
			res.Reason = fmt.Sprintf("plan diverged at cursor %d: recorded %s, replayed %s", batch[0].Sequence, rec.PlanID, plan.ID)

			return Cycle{}, true, nil
		}
	}

	out, err := e.opts.Executor.Execute(ctx, instanceID, schema, plan, state, e.invoker)
	if err != nil {
		if errors.Is(err, core.ErrRecordMissing) {
			res.Status = StatusPartial
			res.Reason = err.Error()

			return Cycle{}, true, nil
		}

		res.Status = StatusFailed
		res.Reason = fmt.Sprintf("execute plan %s: %v", plan.ID, err)

		return Cycle{}, true, nil
	}

	if recorded && out.NewState.Digest() != rec.StateDigest {
		res.Status = StatusFailed
		res.Reason = fmt.Sprintf("state diverged after plan %s", plan.ID)

		return Cycle{}, true, nil
	}

	return Cycle{From: plan.From, To: plan.To, Plan: plan, Result: out}, false, nil
}
