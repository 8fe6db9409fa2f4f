package tool

import (
	"context"
	"errors"
	"testing"

	"github.com/hupe1980/agentledger/core"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInvokeWithRetry_RecordsEveryAttempt(t *testing.T) {
	ctx := context.Background()

	flaky := &countingTool{name: "flaky"}
	flaky.fn = func(context.Context, map[string]any) (any, error) {
		if flaky.calls.Load() < 3 {
			return nil, errors.New("temporarily unavailable")
		}

		return "ok", nil
	}

	b, records := setupBoundary(t, core.ToolSchema{Ref: ref("flaky", "1.0.0")}, flaky)
	cfg := &core.RetryConfig{MaxAttempts: 4, InitialIntervalMs: 1, MaxIntervalMs: 2}

	res, attempts := InvokeWithRetry(ctx, b, ref("flaky", "1.0.0"), nil, icFor("a1"), cfg)
	require.True(t, res.Success)
	assert.Equal(t, 3, attempts)

	for _, id := range []string{"a1", "a1#2", "a1#3"} {
		_, ok, err := records.LookupToolResult(ctx, icFor(id).Key())
		require.NoError(t, err)
		assert.True(t, ok, id)
	}

	// Replay walks the same attempts without calling the tool.
	replayIC := icFor("a1")
	replayIC.Replay = true

	replayed, replayAttempts := InvokeWithRetry(ctx, b, ref("flaky", "1.0.0"), nil, replayIC, cfg)
	assert.Equal(t, res, replayed)
	assert.Equal(t, 3, replayAttempts)
	assert.Equal(t, int32(3), flaky.calls.Load())
}

func TestInvokeWithRetry_ChargesEveryAttempt(t *testing.T) {
	flaky := &countingTool{name: "flaky"}
	flaky.fn = func(context.Context, map[string]any) (any, error) {
		if flaky.calls.Load() < 3 {
			return nil, errors.New("temporarily unavailable")
		}

		return "ok", nil
	}

	b, _ := setupBoundary(t, core.ToolSchema{Ref: ref("flaky", "1.0.0"), Cost: 5}, flaky)

	res, attempts := InvokeWithRetry(context.Background(), b, ref("flaky", "1.0.0"), nil, icFor("a1"),
		&core.RetryConfig{MaxAttempts: 3, InitialIntervalMs: 1})
	require.True(t, res.Success)
	assert.Equal(t, 3, attempts)
	assert.Equal(t, 15.0, res.Cost)
}

func TestInvokeWithRetry_StopsOnPermanentFailure(t *testing.T) {
	b, _ := setupBoundary(t, core.ToolSchema{Ref: ref("sum", "1.0.0")}, sumTool())

	res, attempts := InvokeWithRetry(context.Background(), b, ref("sum", "1.0.0"), map[string]any{}, icFor("a1"),
		&core.RetryConfig{MaxAttempts: 5})
	assert.Equal(t, core.ErrCodeValidation, res.ErrorCode)
	assert.Equal(t, 1, attempts)
}

func TestInvokeWithRetry_ExhaustsAttempts(t *testing.T) {
	broken := newCounting("broken", func(context.Context, map[string]any) (any, error) {
		return nil, errors.New("down")
	})

	b, _ := setupBoundary(t, core.ToolSchema{Ref: ref("broken", "1.0.0")}, broken)

	res, attempts := InvokeWithRetry(context.Background(), b, ref("broken", "1.0.0"), nil, icFor("a1"),
		&core.RetryConfig{MaxAttempts: 3, InitialIntervalMs: 1})
	assert.False(t, res.Success)
	assert.Equal(t, core.ErrCodeExecution, res.ErrorCode)
	assert.Equal(t, 3, attempts)
	assert.Equal(t, int32(3), broken.calls.Load())
}

func TestRetryable(t *testing.T) {
	assert.True(t, Retryable(core.ErrCodeTimeout))
	assert.False(t, Retryable(core.ErrCodeRecordMissing))
	assert.False(t, Retryable(core.ErrCodeBudgetExceeded))
}
