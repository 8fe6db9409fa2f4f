package tool

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/hupe1980/agentledger/core"
	"github.com/hupe1980/agentledger/logging"
	"github.com/hupe1980/agentledger/telemetry"
	"golang.org/x/time/rate"
)

// Options configures a Boundary.
type Options struct {
	// DefaultTimeout applies to tools whose schema sets no timeout.
	// Zero disables the default.
	DefaultTimeout time.Duration
	Logger         logging.Logger
	Tracer         *telemetry.Tracer
}

// Boundary is the core.ToolInvoker every action goes through. Results are
// recorded under (instance, plan, action) before they are returned, and a
// recorded result is returned instead of calling the tool again.
type Boundary struct {
	registry *Registry
	records  core.ToolRecordStore
	opts     Options

	mu       sync.Mutex
	limiters map[string]*rate.Limiter
}

// Compile-time check.
var _ core.ToolInvoker = (*Boundary)(nil)

// NewBoundary creates a boundary over registry and records.
func NewBoundary(registry *Registry, records core.ToolRecordStore, optFns ...func(o *Options)) *Boundary {
	opts := Options{
		DefaultTimeout: 30 * time.Second,
		Logger:         logging.NoOpLogger{},
	}

	for _, fn := range optFns {
		fn(&opts)
	}

	return &Boundary{
		registry: registry,
		records:  records,
		opts:     opts,
		limiters: make(map[string]*rate.Limiter),
	}
}

// Registry returns the registry the boundary resolves tools from.
func (b *Boundary) Registry() *Registry { return b.registry }

// Invoke runs InvokeSync asynchronously. The channel yields exactly one result.
func (b *Boundary) Invoke(ctx context.Context, ref core.SchemaRef, params map[string]any, ic core.InvocationContext) <-chan core.ToolResult {
	ch := make(chan core.ToolResult, 1)

	go func() {
		defer close(ch)
		ch <- b.InvokeSync(ctx, ref, params, ic)
	}()

	return ch
}

// InvokeSync invokes the tool behind ref. It never returns an error; every
// failure is expressed as a ToolResult error code.
func (b *Boundary) InvokeSync(ctx context.Context, ref core.SchemaRef, params map[string]any, ic core.InvocationContext) core.ToolResult {
	ctx = b.opts.Tracer.StartTool(ctx, ref, ic)

	res := b.invoke(ctx, ref, params, ic)

	b.opts.Tracer.EndTool(ctx, res)

	return res
}

func (b *Boundary) invoke(ctx context.Context, ref core.SchemaRef, params map[string]any, ic core.InvocationContext) core.ToolResult {
	key := ic.Key()

	if b.records != nil {
		rec, ok, err := b.records.LookupToolResult(ctx, key)
		if err != nil {
			b.opts.Logger.Error("tool.lookup_failed", "tool", ref.Name, "action_id", ic.ActionID, "error", err.Error())
			return core.Failure(core.ErrCodeRecordFailed, fmt.Sprintf("lookup recorded result: %v", err))
		}

		if ok {
			b.opts.Logger.Debug("tool.recorded", "tool", ref.Name, "action_id", ic.ActionID)
			return rec
		}
	}

	if ic.IsReplay() {
		b.opts.Logger.Warn("tool.record_missing", "tool", ref.Name, "action_id", ic.ActionID)
		return core.Failure(core.ErrCodeRecordMissing, fmt.Sprintf("no recorded result for %s", key))
	}

	return b.record(ctx, key, b.call(ctx, ref, params, ic))
}

func (b *Boundary) call(ctx context.Context, ref core.SchemaRef, params map[string]any, ic core.InvocationContext) core.ToolResult {
	entry, ok := b.registry.Lookup(ref)
	if !ok {
		return core.Failure(core.ErrCodeToolNotFound, fmt.Sprintf("tool %s not registered", ref))
	}

	schema := entry.Schema

	if !ic.Budget.Allows(schema.Cost) {
		return core.Failure(core.ErrCodeBudgetExceeded,
			fmt.Sprintf("cost %.2f exceeds remaining budget %.2f", schema.Cost, ic.Budget.Remaining()))
	}

	if res, limited := b.rateLimit(schema, ic); limited {
		return res
	}

	timeout := schema.Timeout()
	if timeout <= 0 {
		timeout = b.opts.DefaultTimeout
	}

	start := time.Now()
	value, err := b.run(WithInvocation(ctx, ic), entry.Tool, params, timeout)
	duration := time.Since(start)

	res := core.ToolResult{DurationMs: duration.Milliseconds(), Cost: schema.Cost}

	if c, ok := value.(Costed); ok {
		value = c.Value
		res.Cost = c.Cost
	}

	if err != nil {
		res.Success = false
		res.ErrorCode, res.ErrorMessage = classify(ctx, err)

		b.logCall(ref.Name, ic, duration, res)

		return res
	}

	normalized, err := core.NormalizeJSON(value)
	if err != nil {
		res.ErrorCode = core.ErrCodeExecution
		res.ErrorMessage = fmt.Sprintf("result is not JSON serializable: %v", err)
		b.logCall(ref.Name, ic, duration, res)

		return res
	}

	res.Success = true
	res.Result = normalized
	b.logCall(ref.Name, ic, duration, res)

	return res
}

func (b *Boundary) logCall(name string, ic core.InvocationContext, d time.Duration, res core.ToolResult) {
	if rl, ok := b.opts.Logger.(*logging.RuntimeLogger); ok {
		rl.WithInstance(ic.InstanceID, ic.PlanID).LogToolCall(name, ic.ActionID, d, res.Success, res.ErrorCode)

		return
	}

	if !res.Success {
		b.opts.Logger.Warn("tool.call.error", "tool", name, "action_id", ic.ActionID,
			"error_code", res.ErrorCode, "duration_ms", res.DurationMs)

		return
	}

	b.opts.Logger.Info("tool.call.success", "tool", name, "action_id", ic.ActionID, "duration_ms", res.DurationMs)
}

var errPanic = errors.New("tool panicked")

// run calls t with a timeout. Panics are converted into errors.
func (b *Boundary) run(ctx context.Context, t Tool, params map[string]any, timeout time.Duration) (any, error) {
	cctx := ctx

	if timeout > 0 {
		var cancel context.CancelFunc

		cctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	type outcome struct {
		value any
		err   error
	}

	done := make(chan outcome, 1)

	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- outcome{err: fmt.Errorf("%w: %v", errPanic, r)}
			}
		}()

		v, err := t.Call(cctx, core.CloneData(params))
		done <- outcome{value: v, err: err}
	}()

	select {
	case o := <-done:
		return o.value, o.err
	case <-cctx.Done():
		return nil, cctx.Err()
	}
}

func classify(parent context.Context, err error) (string, string) {
	var toolErr *ToolError

	switch {
	case parent.Err() != nil:
		return core.ErrCodeCancelled, parent.Err().Error()
	case errors.Is(err, context.DeadlineExceeded):
		return core.ErrCodeTimeout, "tool call timed out"
	case errors.Is(err, context.Canceled):
		return core.ErrCodeCancelled, err.Error()
	case errors.As(err, &toolErr) && toolErr.Code != "":
		return toolErr.Code, toolErr.Message
	default:
		return core.ErrCodeExecution, err.Error()
	}
}

// rateLimit checks the per-tool limiter, then the per-tenant limiter.
func (b *Boundary) rateLimit(schema core.ToolSchema, ic core.InvocationContext) (core.ToolResult, bool) {
	checks := []struct {
		scope string
		key   string
		limit core.RateLimit
	}{
		{scope: "tool", key: "tool:" + schema.Ref.Key(), limit: schema.RateLimit},
	}

	if ic.TenantID != "" {
		checks = append(checks, struct {
			scope string
			key   string
			limit core.RateLimit
		}{scope: "tenant", key: "tenant:" + ic.TenantID, limit: ic.RateLimit})
	}

	for _, c := range checks {
		if !c.limit.Enabled() {
			continue
		}

		lim := b.limiter(c.key, c.limit)

		r := lim.Reserve()
		if !r.OK() {
			return rateLimited(c.scope, c.limit, 0), true
		}

		if d := r.Delay(); d > 0 {
			r.Cancel()
			return rateLimited(c.scope, c.limit, d), true
		}
	}

	return core.ToolResult{}, false
}

func (b *Boundary) limiter(key string, rl core.RateLimit) *rate.Limiter {
	b.mu.Lock()
	defer b.mu.Unlock()

	lim, ok := b.limiters[key]
	if !ok {
		burst := rl.Burst
		if burst < 1 {
			burst = 1
		}

		lim = rate.NewLimiter(rate.Limit(rl.PerSecond), burst)
		b.limiters[key] = lim
	}

	return lim
}

func rateLimited(scope string, rl core.RateLimit, retryAfter time.Duration) core.ToolResult {
	res := core.Failure(core.ErrCodeRateLimited, fmt.Sprintf("%s rate limit exceeded", scope))
	res.RateLimitInfo = map[string]string{
		"scope":          scope,
		"per_second":     strconv.FormatFloat(rl.PerSecond, 'f', -1, 64),
		"burst":          strconv.Itoa(rl.Burst),
		"retry_after_ms": strconv.FormatInt(retryAfter.Milliseconds(), 10),
	}

	return res
}

// record stores res insert-if-absent. The write is detached from ctx so a
// cancelled call is still recorded. When another writer won the race, its
// result is returned.
func (b *Boundary) record(ctx context.Context, key core.RecordKey, res core.ToolResult) core.ToolResult {
	if b.records == nil {
		return res
	}

	stored, _, err := b.records.RecordToolResult(context.WithoutCancel(ctx), key, res)
	if err != nil {
		b.opts.Logger.Error("tool.record_failed", "action_id", key.ActionID, "error", err.Error())

		failed := core.Failure(core.ErrCodeRecordFailed, fmt.Sprintf("record result: %v", err))
		failed.DurationMs = res.DurationMs
		failed.Cost = res.Cost

		return failed
	}

	return stored
}
