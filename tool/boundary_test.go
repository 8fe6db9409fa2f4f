package tool

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/hupe1980/agentledger/core"
	"github.com/hupe1980/agentledger/history"
	"github.com/hupe1980/agentledger/logging"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type countingTool struct {
	name  string
	calls atomic.Int32
	fn    func(ctx context.Context, args map[string]any) (any, error)
}

func (c *countingTool) Name() string               { return c.name }
func (c *countingTool) Description() string        { return "" }
func (c *countingTool) Parameters() map[string]any { return nil }

func (c *countingTool) Call(ctx context.Context, args map[string]any) (any, error) {
	c.calls.Add(1)
	return c.fn(ctx, args)
}

func newCounting(name string, fn func(ctx context.Context, args map[string]any) (any, error)) *countingTool {
	return &countingTool{name: name, fn: fn}
}

func setupBoundary(t *testing.T, schema core.ToolSchema, tl Tool) (*Boundary, *history.InMemoryStore) {
	t.Helper()

	r := NewRegistry()
	require.NoError(t, r.Register(schema, tl))

	records := history.NewInMemoryStore()

	return NewBoundary(r, records), records
}

func icFor(action string) core.InvocationContext {
	return core.InvocationContext{InstanceID: "order-1", PlanID: "plan-1", ActionID: action}
}

func TestBoundary_RecordsAndReusesResults(t *testing.T) {
	ctx := context.Background()
	tl := newCounting("charge", func(_ context.Context, args map[string]any) (any, error) {
		return map[string]any{"charged": args["amount"], "n": 1}, nil
	})

	b, records := setupBoundary(t, core.ToolSchema{Ref: ref("charge", "1.0.0"), Cost: 2}, tl)

	res := b.InvokeSync(ctx, ref("charge", "1.0.0"), map[string]any{"amount": 10}, icFor("a1"))
	require.True(t, res.Success, res.ErrorMessage)
	assert.Equal(t, map[string]any{"charged": float64(10), "n": float64(1)}, res.Result)
	assert.Equal(t, 2.0, res.Cost)

	again := b.InvokeSync(ctx, ref("charge", "1.0.0"), map[string]any{"amount": 10}, icFor("a1"))
	assert.Equal(t, res, again)
	assert.Equal(t, int32(1), tl.calls.Load())

	stored, ok, err := records.LookupToolResult(ctx, icFor("a1").Key())
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, res, stored)
}

func TestBoundary_ReplayNeverCallsLive(t *testing.T) {
	ctx := context.Background()
	tl := newCounting("charge", func(context.Context, map[string]any) (any, error) { return "ok", nil })

	b, _ := setupBoundary(t, core.ToolSchema{Ref: ref("charge", "1.0.0")}, tl)

	live := b.InvokeSync(ctx, ref("charge", "1.0.0"), nil, icFor("a1"))
	require.True(t, live.Success)

	replayIC := icFor("a1")
	replayIC.Replay = true

	replayed := b.InvokeSync(ctx, ref("charge", "1.0.0"), nil, replayIC)
	assert.Equal(t, live, replayed)

	replayIC.ActionID = "a2"
	missing := b.InvokeSync(ctx, ref("charge", "1.0.0"), nil, replayIC)
	assert.False(t, missing.Success)
	assert.Equal(t, core.ErrCodeRecordMissing, missing.ErrorCode)
	assert.Equal(t, int32(1), tl.calls.Load())
}

func TestBoundary_ToolNotFoundIsRecorded(t *testing.T) {
	ctx := context.Background()
	b, records := setupBoundary(t, core.ToolSchema{Ref: ref("charge", "1.0.0")}, echoTool("charge"))

	res := b.InvokeSync(ctx, ref("refund", "1.0.0"), nil, icFor("a1"))
	assert.Equal(t, core.ErrCodeToolNotFound, res.ErrorCode)

	_, ok, _ := records.LookupToolResult(ctx, icFor("a1").Key())
	assert.True(t, ok)
}

func TestBoundary_BudgetPreemption(t *testing.T) {
	tl := newCounting("charge", func(context.Context, map[string]any) (any, error) { return "ok", nil })
	b, _ := setupBoundary(t, core.ToolSchema{Ref: ref("charge", "1.0.0"), Cost: 1}, tl)

	ic := icFor("a1")
	ic.Budget = core.Budget{Limit: 5, Spent: 4.5}

	res := b.InvokeSync(context.Background(), ref("charge", "1.0.0"), nil, ic)
	assert.Equal(t, core.ErrCodeBudgetExceeded, res.ErrorCode)
	assert.Zero(t, res.Cost)
	assert.Equal(t, int32(0), tl.calls.Load())

	ic = icFor("a2")
	ic.Budget = core.Budget{Limit: 5, Spent: 4}
	assert.True(t, b.InvokeSync(context.Background(), ref("charge", "1.0.0"), nil, ic).Success)
}

func TestBoundary_RateLimits(t *testing.T) {
	ctx := context.Background()
	tl := newCounting("lookup", func(context.Context, map[string]any) (any, error) { return "ok", nil })
	b, _ := setupBoundary(t, core.ToolSchema{
		Ref:       ref("lookup", "1.0.0"),
		RateLimit: core.RateLimit{PerSecond: 0.001, Burst: 1},
	}, tl)

	assert.True(t, b.InvokeSync(ctx, ref("lookup", "1.0.0"), nil, icFor("a1")).Success)

	res := b.InvokeSync(ctx, ref("lookup", "1.0.0"), nil, icFor("a2"))
	assert.Equal(t, core.ErrCodeRateLimited, res.ErrorCode)
	assert.Equal(t, "tool", res.RateLimitInfo["scope"])
	assert.NotEqual(t, "0", res.RateLimitInfo["retry_after_ms"])
	assert.Equal(t, int32(1), tl.calls.Load())
}

func TestBoundary_TenantRateLimit(t *testing.T) {
	ctx := context.Background()
	b, _ := setupBoundary(t, core.ToolSchema{Ref: ref("lookup", "1.0.0")}, echoTool("lookup"))

	tenantIC := func(action, tenant string) core.InvocationContext {
		ic := icFor(action)
		ic.TenantID = tenant
		ic.RateLimit = core.RateLimit{PerSecond: 0.001, Burst: 2}

		return ic
	}

	assert.True(t, b.InvokeSync(ctx, ref("lookup", "1.0.0"), nil, tenantIC("a1", "acme")).Success)
	assert.True(t, b.InvokeSync(ctx, ref("lookup", "1.0.0"), nil, tenantIC("a2", "acme")).Success)

	res := b.InvokeSync(ctx, ref("lookup", "1.0.0"), nil, tenantIC("a3", "acme"))
	assert.Equal(t, core.ErrCodeRateLimited, res.ErrorCode)
	assert.Equal(t, "tenant", res.RateLimitInfo["scope"])

	// Other tenants have their own bucket.
	assert.True(t, b.InvokeSync(ctx, ref("lookup", "1.0.0"), nil, tenantIC("a4", "globex")).Success)
}

func TestBoundary_TimeoutIsRecorded(t *testing.T) {
	ctx := context.Background()
	slow := newCounting("slow", func(ctx context.Context, _ map[string]any) (any, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	})

	b, records := setupBoundary(t, core.ToolSchema{Ref: ref("slow", "1.0.0"), TimeoutMs: 10, Cost: 3}, slow)

	res := b.InvokeSync(ctx, ref("slow", "1.0.0"), nil, icFor("a1"))
	assert.Equal(t, core.ErrCodeTimeout, res.ErrorCode)
	assert.Equal(t, 3.0, res.Cost)

	stored, ok, _ := records.LookupToolResult(ctx, icFor("a1").Key())
	require.True(t, ok)
	assert.Equal(t, core.ErrCodeTimeout, stored.ErrorCode)
}

func TestBoundary_CancelledIsRecorded(t *testing.T) {
	started := make(chan struct{})
	blocking := newCounting("block", func(ctx context.Context, _ map[string]any) (any, error) {
		close(started)
		<-ctx.Done()

		return nil, ctx.Err()
	})

	b, records := setupBoundary(t, core.ToolSchema{Ref: ref("block", "1.0.0")}, blocking)

	ctx, cancel := context.WithCancel(context.Background())

	go func() {
		<-started
		cancel()
	}()

	res := b.InvokeSync(ctx, ref("block", "1.0.0"), nil, icFor("a1"))
	assert.Equal(t, core.ErrCodeCancelled, res.ErrorCode)

	_, ok, _ := records.LookupToolResult(context.Background(), icFor("a1").Key())
	assert.True(t, ok)
}

func TestBoundary_PanicBecomesExecutionError(t *testing.T) {
	b, _ := setupBoundary(t, core.ToolSchema{Ref: ref("bad", "1.0.0")},
		newCounting("bad", func(context.Context, map[string]any) (any, error) { panic("kaboom") }))

	res := b.InvokeSync(context.Background(), ref("bad", "1.0.0"), nil, icFor("a1"))
	assert.Equal(t, core.ErrCodeExecution, res.ErrorCode)
	assert.Contains(t, res.ErrorMessage, "kaboom")
}

func TestBoundary_CostedAndInvocationContext(t *testing.T) {
	var seen core.InvocationContext

	tl := newCounting("metered", func(ctx context.Context, _ map[string]any) (any, error) {
		seen, _ = InvocationFrom(ctx)
		return Costed{Value: "done", Cost: 0.25}, nil
	})

	b, _ := setupBoundary(t, core.ToolSchema{Ref: ref("metered", "1.0.0"), Cost: 10}, tl)

	res := b.InvokeSync(context.Background(), ref("metered", "1.0.0"), nil, icFor("a1"))
	require.True(t, res.Success)
	assert.Equal(t, "done", res.Result)
	assert.Equal(t, 0.25, res.Cost)
	assert.Equal(t, "a1", seen.ActionID)
}

type failingRecords struct{ *history.InMemoryStore }

func (failingRecords) RecordToolResult(context.Context, core.RecordKey, core.ToolResult) (core.ToolResult, bool, error) {
	return core.ToolResult{}, false, errors.New("disk full")
}

func TestBoundary_RecordFailure(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.Register(core.ToolSchema{Ref: ref("echo", "1.0.0")}, echoTool("echo")))

	b := NewBoundary(r, failingRecords{InMemoryStore: history.NewInMemoryStore()})

	res := b.InvokeSync(context.Background(), ref("echo", "1.0.0"), nil, icFor("a1"))
	assert.Equal(t, core.ErrCodeRecordFailed, res.ErrorCode)
	assert.Contains(t, res.ErrorMessage, "disk full")
}

func TestBoundary_InvokeAsync(t *testing.T) {
	b, _ := setupBoundary(t, core.ToolSchema{Ref: ref("echo", "1.0.0")}, echoTool("echo"))

	ch := b.Invoke(context.Background(), ref("echo", "1.0.0"), map[string]any{"x": "y"}, icFor("a1"))

	select {
	case res := <-ch:
		assert.True(t, res.Success)
		assert.Equal(t, map[string]any{"x": "y"}, res.Result)
	case <-time.After(time.Second):
		t.Fatal("no result")
	}

	_, open := <-ch
	assert.False(t, open)
}

func TestBoundary_ConcurrentCallersSeeOneResult(t *testing.T) {
	var n atomic.Int32

	tl := newCounting("ticket", func(context.Context, map[string]any) (any, error) {
		return n.Add(1), nil
	})

	b, _ := setupBoundary(t, core.ToolSchema{Ref: ref("ticket", "1.0.0")}, tl)

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		results []core.ToolResult
	)

	for i := 0; i < 16; i++ {
		wg.Add(1)

		go func() {
			defer wg.Done()

			res := b.InvokeSync(context.Background(), ref("ticket", "1.0.0"), nil, icFor("a1"))

			mu.Lock()
			results = append(results, res)
			mu.Unlock()
		}()
	}

	wg.Wait()

	for _, res := range results {
		assert.Equal(t, results[0].Result, res.Result)
	}
}

func TestBoundary_LogsToolCalls(t *testing.T) {
	var buf bytes.Buffer

	r := NewRegistry()
	require.NoError(t, r.Register(core.ToolSchema{Ref: ref("charge", "1.0.0")},
		newCounting("charge", func(context.Context, map[string]any) (any, error) { return nil, errors.New("declined") })))

	b := NewBoundary(r, history.NewInMemoryStore(), func(o *Options) {
		o.Logger = logging.NewLogger(&logging.LoggerConfig{Level: logging.LogLevelInfo, Output: &buf})
	})

	res := b.InvokeSync(context.Background(), ref("charge", "1.0.0"), nil, icFor("a1"))
	require.False(t, res.Success)

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	require.Len(t, lines, 1)

	var line map[string]any
	require.NoError(t, json.Unmarshal([]byte(lines[0]), &line))

	assert.Equal(t, "Tool execution failed", line["msg"])
	assert.Equal(t, "charge", line["tool_name"])
	assert.Equal(t, "a1", line["action_id"])
	assert.Equal(t, core.ErrCodeExecution, line["error_code"])
	assert.Equal(t, "order-1", line["instance_id"])
	assert.Equal(t, "plan-1", line["plan_id"])
}
