package saga

import (
	"bytes"
	"context"
	"encoding/json"
	"sync"
	"testing"

	"github.com/hupe1980/agentledger/core"
	"github.com/hupe1980/agentledger/history"
	"github.com/hupe1980/agentledger/internal/testutil"
	"github.com/hupe1980/agentledger/logging"
	"github.com/hupe1980/agentledger/tool"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// scriptedInvoker answers calls per tool name and remembers the action ids
// in call order.
type scriptedInvoker struct {
	mu     sync.Mutex
	calls  []string
	params map[string]map[string]any
	script map[string]func(ic core.InvocationContext) core.ToolResult
}

func newScripted() *scriptedInvoker {
	return &scriptedInvoker{
		params: map[string]map[string]any{},
		script: map[string]func(ic core.InvocationContext) core.ToolResult{},
	}
}

func (s *scriptedInvoker) on(name string, fn func(ic core.InvocationContext) core.ToolResult) {
	s.script[name] = fn
}

func (s *scriptedInvoker) InvokeSync(_ context.Context, ref core.SchemaRef, params map[string]any, ic core.InvocationContext) core.ToolResult {
	s.mu.Lock()
	s.calls = append(s.calls, ic.ActionID)
	s.params[ic.ActionID] = params
	s.mu.Unlock()

	fn, ok := s.script[ref.Name]
	if !ok {
		return core.ToolResult{Success: true, Result: map[string]any{"tool": ref.Name}, Cost: 1}
	}

	return fn(ic)
}

func (s *scriptedInvoker) Invoke(ctx context.Context, ref core.SchemaRef, params map[string]any, ic core.InvocationContext) <-chan core.ToolResult {
	ch := make(chan core.ToolResult, 1)
	ch <- s.InvokeSync(ctx, ref, params, ic)
	close(ch)

	return ch
}

func fail(code string) func(core.InvocationContext) core.ToolResult {
	return func(core.InvocationContext) core.ToolResult { return core.Failure(code, "boom") }
}

func step(id, toolName, undo string) core.SagaStep {
	s := core.SagaStep{
		ID:     id,
		Action: core.Action{ID: "a-" + id, Type: core.ActionToolInvocation, Tool: testutil.ToolRef(toolName)},
	}

	if undo != "" {
		s.Compensation = &core.Action{Type: core.ActionToolInvocation, Tool: testutil.ToolRef(undo)}
	}

	return s
}

func ic() core.InvocationContext {
	return core.InvocationContext{InstanceID: "order-1", PlanID: "plan-1"}
}

func TestExecute_AllStepsSucceed(t *testing.T) {
	inv := newScripted()

	res := Execute(context.Background(), core.Saga{ID: "checkout", Steps: []core.SagaStep{
		step("reserve", "reserve", "release"),
		step("charge", "charge", "refund"),
	}}, inv, ic())

	assert.Equal(t, core.SagaCompleted, res.Status)
	assert.Empty(t, res.CompensatedSteps)
	assert.Equal(t, []string{"a-reserve", "a-charge"}, inv.calls)
	assert.Len(t, res.Results, 2)
}

func TestExecute_FailureCompensatesCompletedSteps(t *testing.T) {
	inv := newScripted()
	inv.on("charge", fail(core.ErrCodeValidation))

	res := Execute(context.Background(), core.Saga{ID: "checkout", Steps: []core.SagaStep{
		step("step1", "reserve", "release"),
		step("step2", "charge", "refund"),
		step("step3", "ship", "cancel_shipment"),
	}}, inv, ic())

	assert.Equal(t, core.SagaCompensated, res.Status)
	require.Len(t, res.CompensatedSteps, 1)
	assert.Equal(t, "step1", res.CompensatedSteps[0].StepID)
	assert.Equal(t, "step2", res.FailedStep)
	assert.Contains(t, res.Reason, core.ErrCodeValidation)

	// step3 never ran; the failed step itself is not compensated.
	assert.Equal(t, []string{"a-step1", "a-step2", core.CompensationID("a-step1")}, inv.calls)
}

func TestExecute_CompensatesInReverseOrder(t *testing.T) {
	inv := newScripted()
	inv.on("ship", fail(core.ErrCodeValidation))

	res := Execute(context.Background(), core.Saga{ID: "checkout", Steps: []core.SagaStep{
		step("reserve", "reserve", "release"),
		step("charge", "charge", "refund"),
		step("ship", "ship", ""),
	}}, inv, ic())

	assert.Equal(t, core.SagaCompensated, res.Status)
	require.Len(t, res.CompensatedSteps, 2)
	assert.Equal(t, "charge", res.CompensatedSteps[0].StepID)
	assert.Equal(t, "reserve", res.CompensatedSteps[1].StepID)
	assert.Equal(t, []string{
		"a-reserve", "a-charge", "a-ship",
		core.CompensationID("a-charge"), core.CompensationID("a-reserve"),
	}, inv.calls)
}

func TestExecute_FailedCompensationStillAttemptsTheRest(t *testing.T) {
	inv := newScripted()
	inv.on("ship", fail(core.ErrCodeValidation))
	inv.on("refund", fail(core.ErrCodeExecution))

	res := Execute(context.Background(), core.Saga{ID: "checkout", Steps: []core.SagaStep{
		step("reserve", "reserve", "release"),
		step("charge", "charge", "refund"),
		step("ship", "ship", ""),
	}}, inv, ic())

	assert.Equal(t, core.SagaFailed, res.Status)
	require.Len(t, res.FailedCompensations, 1)
	assert.Equal(t, "charge", res.FailedCompensations[0].StepID)
	require.Len(t, res.CompensatedSteps, 1)
	assert.Equal(t, "reserve", res.CompensatedSteps[0].StepID)
	assert.Contains(t, inv.calls, core.CompensationID("a-reserve"))
}

func TestExecute_RetriesPrimaryAction(t *testing.T) {
	inv := newScripted()
	inv.on("charge", func(ic core.InvocationContext) core.ToolResult {
		if ic.ActionID == core.AttemptID("a-charge", 3) {
			return core.ToolResult{Success: true, Result: "ok"}
		}

		return core.Failure(core.ErrCodeExecution, "flaky")
	})

	s := step("charge", "charge", "")
	s.Retry = &core.RetryConfig{MaxAttempts: 3, InitialIntervalMs: 1, MaxIntervalMs: 1}

	res := Execute(context.Background(), core.Saga{ID: "pay", Steps: []core.SagaStep{s}}, inv, ic())

	assert.Equal(t, core.SagaCompleted, res.Status)
	assert.Equal(t, []string{"a-charge", "a-charge#2", "a-charge#3"}, inv.calls)
}

func TestExecute_ResolveSeesEarlierResults(t *testing.T) {
	inv := newScripted()
	inv.on("reserve", func(core.InvocationContext) core.ToolResult {
		return core.ToolResult{Success: true, Result: map[string]any{"reservation": "r-1"}}
	})

	second := step("charge", "charge", "")
	second.Action.Parameters = map[string]any{"reservation": core.ActionRef("a-reserve", "reservation")}

	resolve := func(params map[string]any, results map[string]core.ToolResult) (map[string]any, error) {
		out := map[string]any{}

		for k, v := range params {
			if s, ok := v.(string); ok {
				if id, _, ok := core.ParseActionRef(s); ok {
					out[k] = results[id].Result.(map[string]any)["reservation"]
					continue
				}
			}

			out[k] = v
		}

		return out, nil
	}

	res := Execute(context.Background(), core.Saga{ID: "checkout", Steps: []core.SagaStep{
		step("reserve", "reserve", ""), second,
	}}, inv, ic(), func(o *Options) { o.Resolve = resolve })

	assert.Equal(t, core.SagaCompleted, res.Status)
	assert.Equal(t, "r-1", inv.params["a-charge"]["reservation"])
}

func TestExecute_ResolveErrorFailsStep(t *testing.T) {
	inv := newScripted()

	charge := step("charge", "charge", "")
	charge.Action.Parameters = map[string]any{"hold": "$actions.a-reserve.hold_id"}

	res := Execute(context.Background(), core.Saga{ID: "checkout", Steps: []core.SagaStep{
		step("reserve", "reserve", "release"),
		charge,
	}}, inv, ic(), func(o *Options) {
		o.Resolve = func(params map[string]any, results map[string]core.ToolResult) (map[string]any, error) {
			if _, ok := params["hold"]; ok {
				return nil, tool.NewToolError("charge", "upstream failed", core.ErrCodeDependency)
			}

			return params, nil
		}
	})

	assert.Equal(t, core.SagaCompensated, res.Status)
	assert.Equal(t, "charge", res.FailedStep)
	assert.Equal(t, core.ErrCodeDependency, res.Results["a-charge"].ErrorCode)
	require.Len(t, res.CompensatedSteps, 1)
	assert.Equal(t, "reserve", res.CompensatedSteps[0].StepID)
	assert.Equal(t, []string{"a-reserve", core.CompensationID("a-reserve")}, inv.calls)
}

func TestExecute_LogsOutcome(t *testing.T) {
	var buf bytes.Buffer

	inv := newScripted()
	inv.on("charge", fail(core.ErrCodeValidation))

	Execute(context.Background(), core.Saga{ID: "checkout", Steps: []core.SagaStep{
		step("reserve", "reserve", "release"),
		step("charge", "charge", ""),
	}}, inv, ic(), func(o *Options) {
		o.Logger = logging.NewLogger(&logging.LoggerConfig{Level: logging.LogLevelDebug, Output: &buf})
	})

	var line map[string]any
	require.NoError(t, json.Unmarshal(bytes.TrimSpace(buf.Bytes()), &line))

	assert.Equal(t, "Saga finished", line["msg"])
	assert.Equal(t, "checkout", line["saga_id"])
	assert.Equal(t, string(core.SagaCompensated), line["status"])
	assert.Equal(t, float64(1), line["compensated_steps"])
	assert.Equal(t, "order-1", line["instance_id"])
}

func TestExecute_CompensationRecordedOnceThroughBoundary(t *testing.T) {
	registry := tool.NewRegistry()
	releases := 0

	for _, name := range []string{"reserve", "release", "charge"} {
		fn := func(context.Context, map[string]any) (any, error) { return "ok", nil }

		switch name {
		case "release":
			fn = func(context.Context, map[string]any) (any, error) { releases++; return "released", nil }
		case "charge":
			fn = func(context.Context, map[string]any) (any, error) { return nil, assert.AnError }
		}

		require.NoError(t, registry.Register(core.ToolSchema{Ref: testutil.ToolRef(name)}, tool.NewFunctionTool(name, "", nil, fn)))
	}

	b := tool.NewBoundary(registry, history.NewInMemoryStore())
	s := core.Saga{ID: "checkout", Steps: []core.SagaStep{
		step("reserve", "reserve", "release"),
		step("charge", "charge", ""),
	}}

	first := Execute(context.Background(), s, b, ic())
	second := Execute(context.Background(), s, b, ic())

	assert.Equal(t, core.SagaCompensated, first.Status)
	assert.Equal(t, first.Status, second.Status)
	assert.Equal(t, 1, releases)
}
