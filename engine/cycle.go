package engine

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/hupe1980/agentledger/core"
	"github.com/hupe1980/agentledger/logging"
	"github.com/m-mizutani/goerr/v2"
)

// step runs one cycle, re-planning after lost commits.
func (e *Engine) step(ctx context.Context, instanceID string, schema core.AgentSchema) (Outcome, bool, error) {
	unlock := e.lock(instanceID)
	defer unlock()

	for attempt := 1; ; attempt++ {
		out, ran, committed, err := e.cycle(ctx, instanceID, schema, attempt)
		if err != nil || !ran || committed {
			return out, ran, err
		}

		e.logger.Warn("engine.conflict", "instance_id", instanceID, "plan_id", out.Plan.ID, "attempt", attempt)

		if err := e.callbacks.ExecuteCallbacks(ctx, CallbackOnConflict, &CallbackContext{
			InstanceID: instanceID,
			Plan:       &out.Plan,
			Result:     &out.Result,
			Attempt:    attempt,
		}); err != nil {
			return out, false, err
		}

		if attempt > e.config.MaxConflictRetries {
			return out, false, goerr.Wrap(core.ErrConcurrencyConflict, "commit cycle",
				goerr.V("instance_id", instanceID), goerr.V("attempts", attempt))
		}
	}
}

// cycle plans, executes and commits one batch. It reports ran=false when
// there is nothing to plan and committed=false when the commit lost against
// a concurrent writer.
func (e *Engine) cycle(ctx context.Context, instanceID string, schema core.AgentSchema, attempt int) (out Outcome, ran, committed bool, err error) {
	started := time.Now()

	state, err := e.readState(ctx, instanceID)
	if err != nil {
		return Outcome{}, false, false, err
	}

	rt := core.RuntimeOf(state)
	if rt.Phase.Terminal() {
		return Outcome{}, false, false, nil
	}

	intent, pinned, err := e.pendingIntent(ctx, instanceID, state)
	if err != nil {
		return Outcome{}, false, false, err
	}

	limit := e.config.EventBatchSize
	if pinned {
		limit = int(intent.Input - rt.Cursor)
	}

	events, err := e.events.Read(ctx, instanceID, rt.Cursor, limit)
	if err != nil {
		return Outcome{}, false, false, goerr.Wrap(err, "read events", goerr.V("instance_id", instanceID), goerr.V("after", uint64(rt.Cursor)))
	}

	if len(events) == 0 {
		return Outcome{}, false, false, nil
	}

	input := events[len(events)-1].Sequence
	if pinned && input != intent.Input {
		return Outcome{}, false, false, goerr.Wrap(core.ErrSequenceGap, "read pending cycle input",
			goerr.V("instance_id", instanceID), goerr.V("input", uint64(intent.Input)), goerr.V("read", uint64(input)))
	}

	ctx = e.tracer.StartCycle(ctx, instanceID, events[0].Sequence, input)

	var (
		plan core.Plan
		res  core.ExecutionResult
	)

	defer func() {
		e.tracer.EndCycle(ctx, plan.ID, res.Status, err)
	}()

	pctx := e.planning
	pctx.InstanceID = instanceID

	plan, err = e.planner.Plan(schema, state, events, pctx)
	if err != nil {
		return Outcome{}, false, false, goerr.Wrap(err, "plan", goerr.V("instance_id", instanceID), goerr.V("cursor", uint64(rt.Cursor)))
	}

	out = Outcome{InstanceID: instanceID, Plan: plan, Attempts: attempt}

	cc := &CallbackContext{InstanceID: instanceID, Plan: &plan, Attempt: attempt}
	if err = e.callbacks.ExecuteCallbacks(ctx, CallbackBeforeCycle, cc); err != nil {
		return out, false, false, err
	}

	if !pinned {
		if err = e.history.SaveIntent(ctx, core.CycleIntent{
			InstanceID:  instanceID,
			BaseVersion: state.Version,
			From:        events[0].Sequence,
			Input:       input,
		}); err != nil {
			return out, false, false, goerr.Wrap(err, "save cycle intent", goerr.V("instance_id", instanceID))
		}
	}

	res, err = e.executor.Execute(ctx, instanceID, schema, plan, state, e.boundary)
	if err != nil {
		return out, false, false, err
	}

	out.Result = res
	cc.Result = &res

	for i := range res.Events {
		if res.Events[i].ActionID == "" {
			continue
		}

		cc.Event = &res.Events[i]
		if err = e.callbacks.ExecuteCallbacks(ctx, CallbackAfterTool, cc); err != nil {
			return out, false, false, err
		}
	}

	cc.Event = nil

	if err = e.callbacks.ExecuteCallbacks(ctx, CallbackBeforeCommit, cc); err != nil {
		return out, false, false, err
	}

	ok, err := e.hot.Update(ctx, instanceID, state.Version, res.NewState)
	if err != nil {
		return out, false, false, goerr.Wrap(err, "commit state", goerr.V("instance_id", instanceID), goerr.V("version", state.Version))
	}

	if !ok {
		return out, true, false, nil
	}

	if err = e.history.AppendCycle(ctx, core.CycleRecord{
		Kind:        core.CycleKindPlan,
		InstanceID:  instanceID,
		PlanID:      plan.ID,
		PlanDigest:  plan.Digest(),
		From:        plan.From,
		To:          plan.To,
		Input:       input,
		BaseVersion: state.Version,
		NewVersion:  res.NewState.Version,
		Status:      res.Status,
		StateDigest: res.NewState.Digest(),
		Timestamp:   plan.Timestamp,
	}); err != nil {
		return out, true, true, goerr.Wrap(err, "append cycle", goerr.V("instance_id", instanceID), goerr.V("plan_id", plan.ID))
	}

	if e.config.SnapshotInterval > 0 && res.NewState.Version%e.config.SnapshotInterval == 0 {
		snap, serr := e.saveSnapshot(ctx, instanceID, plan.To, res.NewState)
		if serr != nil {
			// The cycle is committed; a later snapshot covers the same events.
			e.logger.Warn("engine.snapshot_failed", "instance_id", instanceID, "version", res.NewState.Version, "error", serr.Error())
		} else {
			out.Snapshot = &snap
		}
	}

	e.logCycle(instanceID, out, time.Since(started))

	if err = e.callbacks.ExecuteCallbacks(ctx, CallbackAfterCycle, cc); err != nil {
		return out, true, true, err
	}

	return out, true, true, nil
}

// pendingIntent returns the input range of a cycle that started on state
// but never committed. Planning exactly that range again reproduces the
// plan id, so tool calls the crashed attempt made are answered from their
// records instead of running twice.
func (e *Engine) pendingIntent(ctx context.Context, instanceID string, state core.State) (core.CycleIntent, bool, error) {
	intent, ok, err := e.history.FindIntent(ctx, instanceID)
	if err != nil {
		return core.CycleIntent{}, false, goerr.Wrap(err, "find cycle intent", goerr.V("instance_id", instanceID))
	}

	if !ok || intent.BaseVersion != state.Version || intent.From != core.RuntimeOf(state).Cursor.Next() || intent.Input < intent.From {
		return core.CycleIntent{}, false, nil
	}

	return intent, true, nil
}

func (e *Engine) logCycle(instanceID string, out Outcome, d time.Duration) {
	if rl, ok := e.logger.(*logging.RuntimeLogger); ok {
		rl.WithInstance(instanceID, out.Plan.ID).
			LogCycle(string(out.Result.Status), uint64(out.Plan.From), uint64(out.Plan.To), out.Result.NewState.Version, d)

		return
	}

	e.logger.Info("engine.cycle",
		"instance_id", instanceID, "plan_id", out.Plan.ID, "status", string(out.Result.Status),
		"from", uint64(out.Plan.From), "to", uint64(out.Plan.To), "version", out.Result.NewState.Version)
}

func (e *Engine) saveSnapshot(ctx context.Context, instanceID string, cursor core.Cursor, state core.State) (core.Snapshot, error) {
	snap, err := core.NewSnapshot(uuid.NewString(), instanceID, cursor, state)
	if err != nil {
		return core.Snapshot{}, err
	}

	if err := e.snapshots.Save(ctx, snap); err != nil {
		return core.Snapshot{}, goerr.Wrap(err, "save snapshot", goerr.V("instance_id", instanceID), goerr.V("cursor", uint64(cursor)))
	}

	if err := e.callbacks.ExecuteCallbacks(ctx, CallbackOnSnapshot, &CallbackContext{
		InstanceID: instanceID,
		Snapshot:   &snap,
	}); err != nil {
		return snap, err
	}

	return snap, nil
}

// CreateSnapshot captures the current state of an instance at its cursor.
func (e *Engine) CreateSnapshot(ctx context.Context, instanceID string) (core.Snapshot, error) {
	unlock := e.lock(instanceID)
	defer unlock()

	return e.snapshotLocked(ctx, instanceID)
}

func (e *Engine) snapshotLocked(ctx context.Context, instanceID string) (core.Snapshot, error) {
	state, ok, err := e.hot.Read(ctx, instanceID)
	if err != nil {
		return core.Snapshot{}, goerr.Wrap(err, "read state", goerr.V("instance_id", instanceID))
	}

	if !ok {
		return core.Snapshot{}, goerr.Wrap(core.ErrNotFound, "snapshot", goerr.V("instance_id", instanceID))
	}

	return e.saveSnapshot(ctx, instanceID, core.RuntimeOf(state).Cursor, state)
}

// PruneSnapshots deletes the snapshots of an instance taken before cursor.
func (e *Engine) PruneSnapshots(ctx context.Context, instanceID string, before core.Cursor) (int, error) {
	return e.snapshots.DeleteBefore(ctx, instanceID, before)
}

// Checkpoint snapshots the current state and stores a restorable
// checkpoint backed by that snapshot.
func (e *Engine) Checkpoint(ctx context.Context, instanceID string, metadata map[string]string) (core.Checkpoint, error) {
	unlock := e.lock(instanceID)
	defer unlock()

	snap, err := e.snapshotLocked(ctx, instanceID)
	if err != nil {
		return core.Checkpoint{}, err
	}

	return e.hot.Checkpoint(ctx, instanceID, metadata, snap.ID)
}

// Restore writes a checkpoint back as the next state version and records
// the restore in history. Events after the checkpointed cursor are planned
// again on the next cycle.
func (e *Engine) Restore(ctx context.Context, instanceID, checkpointID string) (core.State, error) {
	unlock := e.lock(instanceID)
	defer unlock()

	state, err := e.hot.Restore(ctx, instanceID, checkpointID)
	if err != nil {
		return core.State{}, goerr.Wrap(err, "restore", goerr.V("instance_id", instanceID), goerr.V("checkpoint_id", checkpointID))
	}

	// The restore is a history entry of its own so replay can follow it.
	cursor := core.RuntimeOf(state).Cursor
	recorded := state.Clone()

	if err := e.history.AppendCycle(ctx, core.CycleRecord{
		Kind:         core.CycleKindRestore,
		InstanceID:   instanceID,
		From:         cursor,
		To:           cursor,
		Input:        cursor,
		BaseVersion:  state.Version - 1,
		NewVersion:   state.Version,
		Status:       core.StatusSuccess,
		StateDigest:  state.Digest(),
		Timestamp:    state.LastModified,
		CheckpointID: checkpointID,
		State:        &recorded,
	}); err != nil {
		return state, goerr.Wrap(err, "append restore", goerr.V("instance_id", instanceID), goerr.V("checkpoint_id", checkpointID))
	}

	e.logger.Info("engine.restored", "instance_id", instanceID, "checkpoint_id", checkpointID, "version", state.Version)

	return state, nil
}

// Snapshot returns the snapshot with the given id.
func (e *Engine) Snapshot(ctx context.Context, id string) (core.Snapshot, bool, error) {
	return e.snapshots.FindByID(ctx, id)
}
