package engine

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/hupe1980/agentledger/core"
	"github.com/hupe1980/agentledger/history"
	"github.com/hupe1980/agentledger/hotstate"
	"github.com/hupe1980/agentledger/internal/testutil"
	"github.com/hupe1980/agentledger/replay"
	"github.com/hupe1980/agentledger/snapshot"
	"github.com/hupe1980/agentledger/tool"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const instance = "order-1"

type harness struct {
	engine    *Engine
	schema    core.AgentSchema
	history   *history.InMemoryStore
	snapshots *snapshot.InMemoryStore
	calls     atomic.Int32
}

func newHarness(t *testing.T, optFns ...func(o *Options)) *harness {
	t.Helper()

	h := &harness{
		schema: testutil.NewSchemaBuilder("orders").
			Tool("add", 1).
			Rule(core.Rule{On: "item.added", Steps: []core.Step{{
				Name:   "add",
				Tool:   "add",
				Input:  map[string]any{"sku": "$event.sku", "count": "$state.cart.count"},
				Output: "cart",
			}}}).
			Rule(core.Rule{On: "order.closed", Then: core.OutcomeComplete, Reason: "closed"}).
			Build(),
		history:   history.NewInMemoryStore(),
		snapshots: snapshot.NewInMemoryStore(),
	}

	registry := tool.NewRegistry()
	add := tool.NewFunctionTool("add", "", nil, func(_ context.Context, args map[string]any) (any, error) {
		h.calls.Add(1)

		count, _ := args["count"].(float64)

		return map[string]any{"count": count + 1, "last": args["sku"]}, nil
	})
	require.NoError(t, registry.Register(h.schema.Tools[0], add))

	opts := append([]func(o *Options){func(o *Options) {
		o.Registry = registry
		o.History = h.history
		o.Snapshots = h.snapshots
	}}, optFns...)

	h.engine = New(opts...)

	return h
}

func (h *harness) append(t *testing.T, evs ...core.Event) {
	t.Helper()

	for _, ev := range evs {
		_, err := h.engine.Append(context.Background(), ev)
		require.NoError(t, err)
	}
}

func (h *harness) state(t *testing.T) core.State {
	t.Helper()

	st, ok, err := h.engine.State(context.Background(), instance)
	require.NoError(t, err)
	require.True(t, ok)

	return st
}

func added(sku string) core.Event {
	return testutil.NewEventBuilder(instance).Type("item.added").Field("sku", sku).Build()
}

func closed() core.Event {
	return testutil.NewEventBuilder(instance).Type("order.closed").Build()
}

func cartCount(st core.State) any {
	cart, _ := st.Data["cart"].(map[string]any)
	return cart["count"]
}

func withConfig(fn func(c *Config)) func(o *Options) {
	return func(o *Options) { fn(&o.Config) }
}

func TestEngine_RunCommitsCycles(t *testing.T) {
	h := newHarness(t, withConfig(func(c *Config) { c.EventBatchSize = 2 }))
	h.append(t, added("a"), added("b"), added("c"))

	outcomes, err := h.engine.Run(context.Background(), instance, h.schema)
	require.NoError(t, err)
	require.Len(t, outcomes, 2)

	assert.Equal(t, core.Cursor(1), outcomes[0].Plan.From)
	assert.Equal(t, core.Cursor(2), outcomes[0].Plan.To)
	assert.Equal(t, core.Cursor(3), outcomes[1].Plan.To)
	assert.Equal(t, 1, outcomes[0].Attempts)

	st := h.state(t)
	assert.Equal(t, uint64(2), st.Version)
	assert.Equal(t, float64(3), cartCount(st))
	assert.Equal(t, core.Cursor(3), core.RuntimeOf(st).Cursor)
	assert.Equal(t, int32(3), h.calls.Load())

	cycles, err := h.history.ListCycles(context.Background(), instance, 0)
	require.NoError(t, err)
	require.Len(t, cycles, 2)
	assert.Equal(t, core.Cursor(2), cycles[0].Input)
	assert.Equal(t, st.Digest(), cycles[1].StateDigest)
	assert.Equal(t, uint64(1), cycles[1].BaseVersion)

	// Nothing left to do.
	outcomes, err = h.engine.Run(context.Background(), instance, h.schema)
	require.NoError(t, err)
	assert.Empty(t, outcomes)
}

func TestEngine_RunStopsAtTerminal(t *testing.T) {
	h := newHarness(t)
	h.append(t, added("a"), closed(), added("late"))

	outcomes, err := h.engine.Run(context.Background(), instance, h.schema)
	require.NoError(t, err)
	require.Len(t, outcomes, 1)

	st := h.state(t)
	rt := core.RuntimeOf(st)
	assert.Equal(t, core.PhaseCompleted, rt.Phase)
	assert.Equal(t, core.Cursor(2), rt.Cursor)
	assert.Equal(t, int32(1), h.calls.Load())

	_, ran, err := h.engine.Step(context.Background(), instance, h.schema)
	require.NoError(t, err)
	assert.False(t, ran)
}

func TestEngine_RequiresInstance(t *testing.T) {
	h := newHarness(t)

	_, _, err := h.engine.Step(context.Background(), "", h.schema)
	assert.ErrorIs(t, err, core.ErrInstanceMissing)

	_, err = h.engine.Run(context.Background(), "", h.schema)
	assert.ErrorIs(t, err, core.ErrInstanceMissing)
}

// racingStore lets a foreign writer win the next commits.
type racingStore struct {
	*hotstate.InMemoryStore
	races atomic.Int32
}

func (r *racingStore) Update(ctx context.Context, instanceID string, expected uint64, st core.State) (bool, error) {
	if r.races.Add(-1) >= 0 {
		cur, _, _ := r.Read(ctx, instanceID)

		data := core.CloneData(cur.Data)
		if data == nil {
			data = map[string]any{}
		}

		data["touched"] = true

		if _, err := r.Upsert(ctx, instanceID, data); err != nil {
			return false, err
		}
	}

	return r.InMemoryStore.Update(ctx, instanceID, expected, st)
}

func TestEngine_ConflictReplans(t *testing.T) {
	hot := &racingStore{InMemoryStore: hotstate.NewInMemoryStore()}
	hot.races.Store(1)

	var conflicts atomic.Int32

	h := newHarness(t, func(o *Options) { o.HotState = hot })
	h.engine.Callbacks().RegisterCallback(NewFunctionCallback(CallbackOnConflict, func(_ context.Context, cc *CallbackContext) error {
		conflicts.Add(1)
		assert.Equal(t, 1, cc.Attempt)
		return nil
	}))

	h.append(t, added("a"))

	outcomes, err := h.engine.Run(context.Background(), instance, h.schema)
	require.NoError(t, err)
	require.Len(t, outcomes, 1)

	assert.Equal(t, 2, outcomes[0].Attempts)
	assert.Equal(t, int32(1), conflicts.Load())

	st := h.state(t)
	assert.Equal(t, uint64(2), st.Version)
	assert.Equal(t, true, st.Data["touched"])
	assert.Equal(t, float64(1), cartCount(st))
}

func TestEngine_ConflictRetriesExhausted(t *testing.T) {
	hot := &racingStore{InMemoryStore: hotstate.NewInMemoryStore()}
	hot.races.Store(100)

	h := newHarness(t,
		func(o *Options) { o.HotState = hot },
		withConfig(func(c *Config) { c.MaxConflictRetries = 1 }),
	)
	h.append(t, added("a"))

	_, err := h.engine.Run(context.Background(), instance, h.schema)
	require.ErrorIs(t, err, core.ErrConcurrencyConflict)

	cycles, err := h.history.ListCycles(context.Background(), instance, 0)
	require.NoError(t, err)
	assert.Empty(t, cycles)
}

func TestEngine_AutomaticSnapshots(t *testing.T) {
	var snaps atomic.Int32

	h := newHarness(t, withConfig(func(c *Config) {
		c.EventBatchSize = 1
		c.SnapshotInterval = 2
	}))
	h.engine.Callbacks().RegisterCallback(NewFunctionCallback(CallbackOnSnapshot, func(_ context.Context, cc *CallbackContext) error {
		snaps.Add(1)
		return nil
	}))

	h.append(t, added("a"), added("b"), added("c"))

	outcomes, err := h.engine.Run(context.Background(), instance, h.schema)
	require.NoError(t, err)
	require.Len(t, outcomes, 3)

	assert.Nil(t, outcomes[0].Snapshot)
	require.NotNil(t, outcomes[1].Snapshot)
	assert.Nil(t, outcomes[2].Snapshot)
	assert.Equal(t, int32(1), snaps.Load())

	snap := outcomes[1].Snapshot
	assert.Equal(t, core.Cursor(2), snap.Cursor)
	assert.Equal(t, uint64(2), snap.StateVersion)

	found, ok, err := h.snapshots.FindLatestBefore(context.Background(), instance, 3)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, snap.ID, found.ID)
}

func TestEngine_CallbackOrder(t *testing.T) {
	h := newHarness(t)

	var (
		mu    sync.Mutex
		order []CallbackType
	)

	record := func(_ context.Context, cc *CallbackContext) error {
		mu.Lock()
		defer mu.Unlock()

		order = append(order, cc.CallbackType)

		return nil
	}

	for _, ct := range []CallbackType{CallbackBeforeCycle, CallbackAfterTool, CallbackBeforeCommit, CallbackAfterCycle} {
		h.engine.Callbacks().RegisterCallback(NewFunctionCallback(ct, record))
	}

	h.append(t, added("a"))

	_, err := h.engine.Run(context.Background(), instance, h.schema)
	require.NoError(t, err)

	assert.Equal(t, []CallbackType{CallbackBeforeCycle, CallbackAfterTool, CallbackBeforeCommit, CallbackAfterCycle}, order)
}

func TestEngine_StateValidationRejectsCommit(t *testing.T) {
	h := newHarness(t)
	h.engine.Callbacks().RegisterCallback(NewStateValidationCallback(func(data map[string]any) error {
		if _, ok := data["cart"]; ok {
			return errors.New("cart writes are frozen")
		}
		return nil
	}))

	h.append(t, added("a"))

	_, err := h.engine.Run(context.Background(), instance, h.schema)
	require.EqualError(t, err, "cart writes are frozen")

	_, ok, err := h.engine.State(context.Background(), instance)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestEngine_InvokeSync(t *testing.T) {
	h := newHarness(t)
	h.append(t, added("a"), added("b"))

	id, outcomes, err := h.engine.InvokeSync(context.Background(), instance, h.schema)
	require.NoError(t, err)
	assert.NotEmpty(t, id)
	require.Len(t, outcomes, 1)
	assert.Equal(t, core.StatusSuccess, outcomes[0].Result.Status)

	assert.ErrorIs(t, h.engine.Stop(id), ErrInvocationNotFound)
}

func TestEngine_StopCancelsInvocation(t *testing.T) {
	h := newHarness(t)

	started := make(chan struct{})

	schema := testutil.NewSchemaBuilder("slow").
		Tool("slow", 0).
		Rule(core.Rule{On: "item.added", Steps: []core.Step{{Name: "slow", Tool: "slow"}}}).
		Build()

	require.NoError(t, h.engine.Registry().Register(schema.Tools[0], tool.NewFunctionTool("slow", "", nil,
		func(ctx context.Context, _ map[string]any) (any, error) {
			close(started)
			<-ctx.Done()
			return nil, ctx.Err()
		})))

	h.append(t, added("a"))

	id, outcomesCh, errorsCh, err := h.engine.Invoke(context.Background(), instance, schema)
	require.NoError(t, err)

	<-started
	require.NoError(t, h.engine.Stop(id))

	for range outcomesCh {
	}

	assert.ErrorIs(t, <-errorsCh, context.Canceled)

	planID := mustPlanID(t, h, schema)

	rec, ok, err := h.history.LookupToolResult(context.Background(), core.RecordKey{
		InstanceID: instance,
		PlanID:     planID,
		ActionID:   core.NewActionID(planID, 0, core.ActionToolInvocation),
	})
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, core.ErrCodeCancelled, rec.ErrorCode)
}

// mustPlanID recomputes the plan of the first cycle.
func mustPlanID(t *testing.T, h *harness, schema core.AgentSchema) string {
	t.Helper()

	evs, err := h.engine.events.Read(context.Background(), instance, 0, h.engine.config.EventBatchSize)
	require.NoError(t, err)

	pctx := h.engine.planning
	pctx.InstanceID = instance

	plan, err := h.engine.planner.Plan(schema, core.NewState(), evs, pctx)
	require.NoError(t, err)

	return plan.ID
}

func TestEngine_ReplayerReproducesState(t *testing.T) {
	h := newHarness(t, withConfig(func(c *Config) { c.EventBatchSize = 2 }))
	h.append(t, added("a"), added("b"), added("c"), closed())

	_, err := h.engine.Run(context.Background(), instance, h.schema)
	require.NoError(t, err)

	live := h.state(t)
	calls := h.calls.Load()

	res, err := h.engine.Replayer().Replay(context.Background(), instance, h.schema, 1)
	require.NoError(t, err)

	assert.Equal(t, replay.StatusSuccess, res.Status)
	assert.Equal(t, live.Digest(), res.FinalState.Digest())
	assert.Equal(t, core.Cursor(4), res.FinalCursor)
	assert.Equal(t, calls, h.calls.Load())
}

func TestEngine_CheckpointRestore(t *testing.T) {
	h := newHarness(t, withConfig(func(c *Config) { c.SnapshotInterval = 0 }))
	ctx := context.Background()

	_, err := h.engine.Checkpoint(ctx, instance, nil)
	require.ErrorIs(t, err, core.ErrNotFound)

	h.append(t, added("a"))
	_, err = h.engine.Run(ctx, instance, h.schema)
	require.NoError(t, err)

	cp, err := h.engine.Checkpoint(ctx, instance, map[string]string{"reason": "before b"})
	require.NoError(t, err)
	assert.Equal(t, uint64(1), cp.StateVersion)

	ref, ok := cp.SnapshotRef()
	require.True(t, ok)

	snap, ok, err := h.snapshots.FindByID(ctx, ref)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, core.Cursor(1), snap.Cursor)

	h.append(t, added("b"))
	_, err = h.engine.Run(ctx, instance, h.schema)
	require.NoError(t, err)
	assert.Equal(t, float64(2), cartCount(h.state(t)))

	restored, err := h.engine.Restore(ctx, instance, cp.ID)
	require.NoError(t, err)
	assert.Equal(t, uint64(3), restored.Version)
	assert.Equal(t, float64(1), cartCount(restored))

	n, err := h.engine.PruneSnapshots(ctx, instance, 2)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestEngine_AcquireHonoursContext(t *testing.T) {
	h := newHarness(t, withConfig(func(c *Config) { c.MaxConcurrentInvocations = 1 }))

	release, err := h.engine.acquire(context.Background())
	require.NoError(t, err)
	defer release()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, _, err = h.engine.Step(ctx, instance, h.schema)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestEngine_BatchSizeDoesNotChangeState(t *testing.T) {
	run := func(batch int) core.State {
		h := newHarness(t, withConfig(func(c *Config) { c.EventBatchSize = batch }))
		h.append(t, added("a"), added("b"), added("c"))

		_, err := h.engine.Run(context.Background(), instance, h.schema)
		require.NoError(t, err)

		return h.state(t)
	}

	one := run(1)
	three := run(3)

	assert.Equal(t, float64(3), cartCount(one))
	assert.Equal(t, cartCount(one), cartCount(three))
	assert.Equal(t, one.Data["cart"], three.Data["cart"])
}

func TestEngine_ResumesUncommittedCycle(t *testing.T) {
	h := newHarness(t)

	var failed atomic.Bool

	h.engine.Callbacks().RegisterCallback(NewFunctionCallback(CallbackBeforeCommit, func(_ context.Context, _ *CallbackContext) error {
		if failed.CompareAndSwap(false, true) {
			return errors.New("crashed before commit")
		}
		return nil
	}))

	h.append(t, added("a"))

	_, err := h.engine.Run(context.Background(), instance, h.schema)
	require.EqualError(t, err, "crashed before commit")
	assert.Equal(t, int32(1), h.calls.Load())

	intent, ok, err := h.history.FindIntent(context.Background(), instance)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, core.CycleIntent{InstanceID: instance, BaseVersion: 0, From: 1, Input: 1}, intent)

	// A new event arrives before the restart.
	h.append(t, added("b"))

	outcomes, err := h.engine.Run(context.Background(), instance, h.schema)
	require.NoError(t, err)
	require.Len(t, outcomes, 2)

	assert.Equal(t, core.Cursor(1), outcomes[0].Plan.To, "the pending range is planned again unchanged")
	assert.Equal(t, int32(2), h.calls.Load(), "the first call is answered from its record")
	assert.Equal(t, float64(2), cartCount(h.state(t)))
}

func TestEngine_RestoreIsReplayed(t *testing.T) {
	h := newHarness(t, withConfig(func(c *Config) { c.SnapshotInterval = 0 }))
	ctx := context.Background()

	h.append(t, added("a"))
	_, err := h.engine.Run(ctx, instance, h.schema)
	require.NoError(t, err)

	cp, err := h.engine.Checkpoint(ctx, instance, nil)
	require.NoError(t, err)

	h.append(t, added("b"))
	_, err = h.engine.Run(ctx, instance, h.schema)
	require.NoError(t, err)

	_, err = h.engine.Restore(ctx, instance, cp.ID)
	require.NoError(t, err)

	cycles, err := h.history.ListCycles(ctx, instance, 2)
	require.NoError(t, err)
	require.Len(t, cycles, 1)
	assert.True(t, cycles[0].IsRestore())
	assert.Equal(t, cp.ID, cycles[0].CheckpointID)
	assert.Equal(t, uint64(2), cycles[0].BaseVersion)

	// "b" runs again on top of the restored state.
	_, err = h.engine.Run(ctx, instance, h.schema)
	require.NoError(t, err)

	live := h.state(t)
	assert.Equal(t, uint64(4), live.Version)
	assert.Equal(t, float64(2), cartCount(live))

	res, err := h.engine.Replayer().Replay(ctx, instance, h.schema, 1)
	require.NoError(t, err)

	assert.Equal(t, replay.StatusSuccess, res.Status, res.Reason)
	assert.Equal(t, live.Digest(), res.FinalState.Digest())
	assert.Equal(t, core.Cursor(2), res.FinalCursor)
}
