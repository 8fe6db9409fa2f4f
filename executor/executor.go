package executor

import (
	"context"
	"errors"
	"fmt"

	"github.com/hupe1980/agentledger/core"
	"github.com/hupe1980/agentledger/logging"
	"github.com/hupe1980/agentledger/planner"
	"github.com/hupe1980/agentledger/telemetry"
	"github.com/hupe1980/agentledger/tool"
	"github.com/m-mizutani/goerr/v2"
	"golang.org/x/sync/errgroup"
)

var (
	// ErrStalePlan is returned when a plan was computed against another
	// state version than the one it is applied to.
	ErrStalePlan = errors.New("plan does not match the state version")
	// ErrInstanceMismatch is returned when a plan belongs to another instance.
	ErrInstanceMismatch = errors.New("plan belongs to another instance")
)

// Options configures an Executor.
type Options struct {
	// Parallel runs contiguous independent tool actions concurrently.
	// Results are still applied in plan order. Ignored in replay mode.
	Parallel bool
	// MaxParallel bounds concurrent tool calls of one group; <= 0 means no
	// bound.
	MaxParallel int
	// Replay makes every tool call replay-only.
	Replay   bool
	TenantID string
	// RateLimit is the tenant call rate passed to the boundary.
	RateLimit core.RateLimit
	// Budget overrides the schema budget when its limit is set.
	Budget core.Budget
	Logger logging.Logger
	Tracer *telemetry.Tracer
}

// Executor applies plans to state. It never writes to a store: the result
// carries the new state and the caller commits it.
type Executor struct {
	opts Options
}

// New creates an Executor.
func New(optFns ...func(o *Options)) *Executor {
	opts := Options{Logger: logging.NoOpLogger{}}
	for _, fn := range optFns {
		fn(&opts)
	}

	return &Executor{opts: opts}
}

// WithReplay returns a copy of e whose tool calls are replay-only.
func (e *Executor) WithReplay() *Executor {
	opts := e.opts
	opts.Replay = true

	return &Executor{opts: opts}
}

// Execute runs plan against state. Tool failures are captured in the result;
// an error is returned only for invalid input or, in replay mode, a missing
// tool record (wrapping core.ErrRecordMissing).
func (e *Executor) Execute(ctx context.Context, instanceID string, schema core.AgentSchema, plan core.Plan, state core.State, invoker core.ToolInvoker) (core.ExecutionResult, error) {
	if plan.InstanceID != instanceID {
		return core.ExecutionResult{}, goerr.Wrap(ErrInstanceMismatch, "execute",
			goerr.V("instance_id", instanceID), goerr.V("plan_instance_id", plan.InstanceID))
	}

	if plan.Version != state.Version {
		return core.ExecutionResult{}, goerr.Wrap(ErrStalePlan, "execute",
			goerr.V("plan_version", plan.Version), goerr.V("state_version", state.Version))
	}

	rt := core.RuntimeOf(state)
	if rt.Phase.Terminal() {
		return core.ExecutionResult{}, goerr.Wrap(planner.ErrInstanceTerminal, "execute", goerr.V("phase", string(rt.Phase)))
	}

	budget := core.Budget{Limit: schema.Budget, Spent: rt.Spent}
	if e.opts.Budget.Limited() {
		budget.Limit = e.opts.Budget.Limit
	}

	c := &cycle{
		opts:     e.opts,
		schema:   schema,
		plan:     plan,
		invoker:  invoker,
		data:     core.CloneData(state.Data),
		results:  make(map[string]core.ToolResult),
		failed:   make(map[string]bool),
		budget:   core.NewBudgetLimiter(budget),
		rt:       rt,
		logger:   e.opts.Logger,
		parallel: e.opts.Parallel && !e.opts.Replay,
	}

	if err := c.run(ctx); err != nil {
		return core.ExecutionResult{}, err
	}

	return c.result(state), nil
}

type cycle struct {
	opts     Options
	schema   core.AgentSchema
	plan     core.Plan
	invoker  core.ToolInvoker
	logger   logging.Logger
	parallel bool

	data    map[string]any
	results map[string]core.ToolResult
	// failed holds failed and skipped action ids.
	failed map[string]bool
	events []core.ExecutionEvent
	budget *core.BudgetLimiter
	rt     core.Runtime

	partial   bool
	hardFail  bool
	waiting   bool
	completed bool
	terminal  bool
	reason    string
}

func (c *cycle) run(ctx context.Context) error {
	actions := c.plan.Actions

	for i := 0; i < len(actions) && !c.terminal && !c.waiting; {
		a := actions[i]

		switch a.Type {
		case core.ActionToolInvocation:
			var (
				n   int
				err error
			)

			switch {
			case a.Saga != "":
				n, err = c.saga(ctx, actions[i:])
			case c.parallel:
				n, err = c.group(ctx, actions[i:])
			default:
				n, err = 1, c.single(ctx, a)
			}

			if err != nil {
				return err
			}

			i += n

			continue
		case core.ActionWait:
			c.waiting = true
			c.rt.WaitFor = a.WaitFor
			c.setReason(a.Reason)
			c.emit(core.ExecutionEvent{Type: core.EventCycleWaiting, ActionID: a.ID, Message: a.WaitFor})
		case core.ActionComplete:
			c.completed = true
			c.terminal = true
			c.setReason(a.Reason)
		case core.ActionFail:
			c.hardFail = true
			c.terminal = true
			c.setReason(a.Reason)
		default:
			return goerr.Wrap(core.ErrInvalidSchema, "unknown action type",
				goerr.V("action_id", a.ID), goerr.V("type", string(a.Type)))
		}

		i++
	}

	return nil
}

// single runs one tool action outside any saga.
func (c *cycle) single(ctx context.Context, a core.Action) error {
	params, ok := c.prepare(a)
	if !ok {
		return nil
	}

	res, attempts := tool.InvokeWithRetry(ctx, c.invoker, a.Tool, params, c.ic(a.ID), a.Retry)

	return c.apply(a, res, attempts)
}

// group runs the longest prefix of actions that are plain tool calls
// independent of each other concurrently and applies them in order. An
// action reading the state ends the group once an earlier member writes an
// output.
func (c *cycle) group(ctx context.Context, actions []core.Action) (int, error) {
	members := map[string]bool{}
	writes := false
	n := 0

	for _, a := range actions {
		if a.Type != core.ActionToolInvocation || a.Saga != "" || dependsOnAny(a, members) {
			break
		}

		if writes && readsState(a.Parameters) {
			break
		}

		members[a.ID] = true
		writes = writes || a.Output != ""
		n++
	}

	if n == 1 {
		return 1, c.single(ctx, actions[0])
	}

	type call struct {
		params   map[string]any
		ic       core.InvocationContext
		ok       bool
		res      core.ToolResult
		attempts int
	}

	calls := make([]call, n)

	for i, a := range actions[:n] {
		params, ok := c.prepare(a)
		calls[i] = call{params: params, ic: c.ic(a.ID), ok: ok}
	}

	var g errgroup.Group
	if c.opts.MaxParallel > 0 {
		g.SetLimit(c.opts.MaxParallel)
	}

	for i, a := range actions[:n] {
		if !calls[i].ok {
			continue
		}

		g.Go(func() error {
			calls[i].res, calls[i].attempts = tool.InvokeWithRetry(ctx, c.invoker, a.Tool, calls[i].params, calls[i].ic, a.Retry)
			return nil
		})
	}

	_ = g.Wait()

	for i, a := range actions[:n] {
		if !calls[i].ok {
			continue
		}

		if err := c.apply(a, calls[i].res, calls[i].attempts); err != nil {
			return n, err
		}
	}

	return n, nil
}

// prepare checks dependencies and resolves parameters. It records a skipped
// or failed action and reports false when the action must not run.
func (c *cycle) prepare(a core.Action) (map[string]any, bool) {
	for _, dep := range a.DependsOn {
		if c.failed[dep] {
			c.skip(a, fmt.Sprintf("depends on failed action %s", dep))
			return nil, false
		}
	}

	if a.Output != "" && reservedPath(a.Output) {
		c.fail(a, core.Failure(core.ErrCodeValidation, fmt.Sprintf("output path %q is reserved", a.Output)))
		return nil, false
	}

	params, err := resolveParams(a.Tool.Name, a.Parameters, c.lookup, c.data)
	if err != nil {
		var toolErr *tool.ToolError
		if errors.As(err, &toolErr) && toolErr.Code == core.ErrCodeDependency {
			c.skip(a, toolErr.Message)
			return nil, false
		}

		c.fail(a, core.Failure(core.ErrCodeValidation, err.Error()))

		return nil, false
	}

	return params, true
}

func (c *cycle) lookup(actionID string) (core.ToolResult, bool) {
	res, ok := c.results[actionID]
	return res, ok
}

// apply folds a tool result into the cycle.
func (c *cycle) apply(a core.Action, res core.ToolResult, attempts int) error {
	if res.ErrorCode == core.ErrCodeRecordMissing {
		return goerr.Wrap(core.ErrRecordMissing, "replay action "+a.ID,
			goerr.V("plan_id", c.plan.ID), goerr.V("action_id", a.ID), goerr.V("attempt", attempts))
	}

	c.charge(res.Cost)

	return c.record(a, res, attempts)
}

// record stores an already charged result and writes its output.
func (c *cycle) record(a core.Action, res core.ToolResult, attempts int) error {
	if !res.Success {
		c.fail(a, res)
		return nil
	}

	c.results[a.ID] = res

	if a.Output != "" {
		data, err := writeOutput(c.data, a.Output, res.Result)
		if err != nil {
			c.fail(a, core.Failure(core.ErrCodeValidation, fmt.Sprintf("write output %q: %v", a.Output, err)))
			return nil
		}

		c.data = data
	}

	c.logger.Debug("action.succeeded", "action_id", a.ID, "tool", a.Tool.Name, "attempts", attempts, "cost", res.Cost)
	c.emit(core.ExecutionEvent{Type: core.EventActionSucceeded, ActionID: a.ID, Tool: a.Tool, Cost: res.Cost})

	return nil
}

func (c *cycle) fail(a core.Action, res core.ToolResult) {
	c.results[a.ID] = res
	c.failed[a.ID] = true

	if !a.Optional {
		c.partial = true
		c.setReason(fmt.Sprintf("action %s failed: %s", a.ID, res.ErrorMessage))
	}

	c.logger.Warn("action.failed", "action_id", a.ID, "tool", a.Tool.Name, "error_code", res.ErrorCode, "optional", a.Optional)
	c.emit(core.ExecutionEvent{
		Type:      core.EventActionFailed,
		ActionID:  a.ID,
		Tool:      a.Tool,
		ErrorCode: res.ErrorCode,
		Message:   res.ErrorMessage,
		Cost:      res.Cost,
	})
}

func (c *cycle) skip(a core.Action, msg string) {
	c.results[a.ID] = core.Failure(core.ErrCodeDependency, msg)
	c.failed[a.ID] = true
	c.hardFail = true
	c.setReason(fmt.Sprintf("action %s skipped: %s", a.ID, msg))

	c.emit(core.ExecutionEvent{
		Type:      core.EventActionSkipped,
		ActionID:  a.ID,
		Tool:      a.Tool,
		ErrorCode: core.ErrCodeDependency,
		Message:   msg,
	})
}

func (c *cycle) charge(cost float64) {
	if cost == 0 {
		return
	}

	if err := c.budget.Charge(cost); err != nil {
		c.logger.Warn("budget.exceeded", "plan_id", c.plan.ID, "error", err.Error())
	}
}

func (c *cycle) ic(actionID string) core.InvocationContext {
	return core.InvocationContext{
		InstanceID:     c.plan.InstanceID,
		PlanID:         c.plan.ID,
		ActionID:       actionID,
		CorrelationKey: c.plan.CorrelationKey,
		TenantID:       c.opts.TenantID,
		Replay:         c.opts.Replay,
		Budget:         c.budget.Budget(),
		RateLimit:      c.opts.RateLimit,
		Policies:       c.schema.Policies,
	}
}

func (c *cycle) emit(ev core.ExecutionEvent) {
	ev.PlanID = c.plan.ID
	ev.Timestamp = c.plan.Timestamp
	c.events = append(c.events, ev)
}

func (c *cycle) setReason(r string) {
	if c.reason == "" {
		c.reason = r
	}
}

func (c *cycle) status() core.ExecutionStatus {
	switch {
	case c.hardFail:
		return core.StatusFailed
	case c.partial:
		return core.StatusPartial
	case c.waiting:
		return core.StatusWaiting
	default:
		return core.StatusSuccess
	}
}

func (c *cycle) result(prev core.State) core.ExecutionResult {
	status := c.status()
	rt := c.rt

	switch {
	case c.hardFail:
		rt.Phase = core.PhaseFailed
		rt.WaitFor = ""
		c.emit(core.ExecutionEvent{Type: core.EventInstanceFailed, Message: c.reason})
	case c.completed:
		rt.Phase = core.PhaseCompleted
		rt.WaitFor = ""
		c.emit(core.ExecutionEvent{Type: core.EventInstanceCompleted, Message: c.reason})
	case c.waiting:
		rt.Phase = core.PhaseWaiting
	default:
		rt.Phase = core.PhaseRunning
		rt.WaitFor = ""
	}

	rt.Cursor = c.plan.To
	rt.Spent = c.budget.Budget().Spent
	rt.PlanID = c.plan.ID

	next := core.WithRuntime(core.State{
		Version:      prev.Version + 1,
		Data:         c.data,
		LastModified: c.plan.Timestamp,
	}, rt)

	return core.ExecutionResult{
		Status:   status,
		NewState: next,
		Events:   c.events,
		Results:  c.results,
		Reason:   c.reason,
	}
}

func dependsOnAny(a core.Action, ids map[string]bool) bool {
	for _, d := range a.DependsOn {
		if ids[d] {
			return true
		}
	}

	return false
}
