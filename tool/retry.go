package tool

import (
	"context"
	"errors"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/hupe1980/agentledger/core"
)

// Retryable reports whether a failed result may succeed on another attempt.
func Retryable(code string) bool {
	switch code {
	case core.ErrCodeExecution, core.ErrCodeTimeout, core.ErrCodeRateLimited:
		return true
	default:
		return false
	}
}

// InvokeWithRetry invokes ref up to cfg.MaxAttempts times. Attempt n is
// recorded under core.AttemptID(ic.ActionID, n), so a replay walks the same
// attempts. Replays never sleep between attempts. It returns the last result
// with Cost set to the cost of all attempts, and the number of attempts made.
func InvokeWithRetry(ctx context.Context, invoker core.ToolInvoker, ref core.SchemaRef, params map[string]any, ic core.InvocationContext, cfg *core.RetryConfig) (core.ToolResult, int) {
	if cfg == nil || cfg.MaxAttempts <= 1 {
		return invoker.InvokeSync(ctx, ref, params, ic), 1
	}

	var (
		attempt int
		spent   float64
		last    core.ToolResult
	)

	op := func() (core.ToolResult, error) {
		attempt++

		aic := ic.ForAction(core.AttemptID(ic.ActionID, attempt))
		aic.Budget.Spent += spent

		last = invoker.InvokeSync(ctx, ref, params, aic)
		spent += last.Cost

		if last.Success {
			return last, nil
		}

		err := errors.New(last.ErrorMessage)
		if !Retryable(last.ErrorCode) {
			return last, backoff.Permanent(err)
		}

		return last, err
	}

	_, _ = backoff.Retry(ctx, op,
		backoff.WithBackOff(newBackOff(cfg, ic.IsReplay())),
		backoff.WithMaxTries(uint(cfg.MaxAttempts)),
		backoff.WithMaxElapsedTime(0),
	)

	last.Cost = spent

	return last, attempt
}

func newBackOff(cfg *core.RetryConfig, replay bool) backoff.BackOff {
	if replay {
		return &backoff.ZeroBackOff{}
	}

	b := backoff.NewExponentialBackOff()
	b.RandomizationFactor = 0

	if cfg.InitialIntervalMs > 0 {
		b.InitialInterval = time.Duration(cfg.InitialIntervalMs) * time.Millisecond
	}

	if cfg.MaxIntervalMs > 0 {
		b.MaxInterval = time.Duration(cfg.MaxIntervalMs) * time.Millisecond
	}

	if cfg.Multiplier > 0 {
		b.Multiplier = cfg.Multiplier
	}

	b.Reset()

	return b
}
