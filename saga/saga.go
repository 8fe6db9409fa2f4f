// Package saga runs ordered, compensable tool calls. When a primary action
// fails, the compensations of every step that already succeeded are issued
// in strict reverse order, each exactly once.
package saga

import (
	"context"
	"errors"
	"fmt"

	"github.com/hupe1980/agentledger/core"
	"github.com/hupe1980/agentledger/logging"
	"github.com/hupe1980/agentledger/telemetry"
	"github.com/hupe1980/agentledger/tool"
)

// ResolveFunc rewrites the parameters of a primary or compensation action
// before it is invoked. results holds every result of the run so far, keyed
// by action id.
type ResolveFunc func(params map[string]any, results map[string]core.ToolResult) (map[string]any, error)

// Options configures a saga run.
type Options struct {
	// Resolve is applied to the parameters of every action. Nil leaves them
	// untouched.
	Resolve ResolveFunc
	Logger  logging.Logger
	Tracer  *telemetry.Tracer
}

// Execute runs s through invoker. Primary actions are retried per step
// configuration; compensations are invoked once under
// core.CompensationID(actionID). Every outcome is reported in the result,
// Execute never fails.
func Execute(ctx context.Context, s core.Saga, invoker core.ToolInvoker, ic core.InvocationContext, optFns ...func(o *Options)) core.SagaResult {
	opts := Options{Logger: logging.NoOpLogger{}}
	for _, fn := range optFns {
		fn(&opts)
	}

	ctx = opts.Tracer.StartSaga(ctx, s.ID, len(s.Steps))

	r := &run{
		saga:    s,
		invoker: invoker,
		ic:      ic,
		opts:    opts,
		results: make(map[string]core.ToolResult),
	}

	res := r.execute(ctx)

	opts.Tracer.EndSaga(ctx, res)
	logSaga(opts.Logger, s.ID, ic, res)

	return res
}

func logSaga(logger logging.Logger, sagaID string, ic core.InvocationContext, res core.SagaResult) {
	if rl, ok := logger.(*logging.RuntimeLogger); ok {
		rl.WithInstance(ic.InstanceID, ic.PlanID).
			WithContext("failed_compensations", len(res.FailedCompensations)).
			LogSaga(sagaID, string(res.Status), len(res.CompensatedSteps), res.Reason)

		return
	}

	logger.Info("saga.finished",
		"saga_id", sagaID,
		"status", string(res.Status),
		"compensated_steps", len(res.CompensatedSteps),
		"failed_compensations", len(res.FailedCompensations))
}

type run struct {
	saga    core.Saga
	invoker core.ToolInvoker
	ic      core.InvocationContext
	opts    Options
	results map[string]core.ToolResult
}

func (r *run) execute(ctx context.Context) core.SagaResult {
	done := make([]core.SagaStep, 0, len(r.saga.Steps))

	for _, step := range r.saga.Steps {
		res := r.primary(ctx, step)
		if res.Success {
			done = append(done, step)
			continue
		}

		reason := fmt.Sprintf("step %s failed: %s", step.ID, res.ErrorMessage)
		if res.ErrorCode != "" {
			reason = fmt.Sprintf("step %s failed [%s]: %s", step.ID, res.ErrorCode, res.ErrorMessage)
		}

		out := r.compensate(ctx, done, reason)
		out.FailedStep = step.ID
		out.Reason = reason

		return out
	}

	return core.SagaResult{
		Status:           core.SagaCompleted,
		CompensatedSteps: []core.CompensatedStep{},
		Results:          r.results,
	}
}

func (r *run) primary(ctx context.Context, step core.SagaStep) core.ToolResult {
	a := step.Action

	params, err := r.resolve(a.Parameters)
	if err != nil {
		res := resolveFailure(a.Tool, err)
		r.results[a.ID] = res

		return res
	}

	retry := step.Retry
	if retry == nil {
		retry = a.Retry
	}

	res, _ := tool.InvokeWithRetry(ctx, r.invoker, a.Tool, params, r.icFor(a.ID), retry)
	r.charge(res)
	r.results[a.ID] = res

	return res
}

// compensate undoes done in reverse order. A failing compensation does not
// stop the remaining ones.
func (r *run) compensate(ctx context.Context, done []core.SagaStep, reason string) core.SagaResult {
	out := core.SagaResult{
		Status:           core.SagaCompensated,
		CompensatedSteps: []core.CompensatedStep{},
		Results:          r.results,
	}

	// Undo must not be aborted by the cancellation that may have failed the
	// primary action.
	ctx = context.WithoutCancel(ctx)

	for i := len(done) - 1; i >= 0; i-- {
		step := done[i]
		if step.Compensation == nil {
			continue
		}

		c := *step.Compensation
		if c.ID == "" {
			c.ID = core.CompensationID(step.Action.ID)
		}

		res := r.invokeCompensation(ctx, c)
		r.results[c.ID] = res

		if res.Success {
			out.CompensatedSteps = append(out.CompensatedSteps, core.CompensatedStep{StepID: step.ID, Reason: reason})
			continue
		}

		r.opts.Logger.Error("saga.compensation_failed",
			"saga_id", r.saga.ID, "step_id", step.ID, "error_code", res.ErrorCode, "error", res.ErrorMessage)

		out.FailedCompensations = append(out.FailedCompensations, core.CompensatedStep{
			StepID: step.ID,
			Reason: fmt.Sprintf("compensation failed [%s]: %s", res.ErrorCode, res.ErrorMessage),
		})
	}

	if len(out.FailedCompensations) > 0 {
		out.Status = core.SagaFailed
	}

	return out
}

func (r *run) invokeCompensation(ctx context.Context, c core.Action) core.ToolResult {
	params, err := r.resolve(c.Parameters)
	if err != nil {
		return resolveFailure(c.Tool, err)
	}

	res := r.invoker.InvokeSync(ctx, c.Tool, params, r.icFor(c.ID))
	r.charge(res)

	return res
}

func (r *run) resolve(params map[string]any) (map[string]any, error) {
	if r.opts.Resolve == nil {
		return params, nil
	}

	return r.opts.Resolve(params, r.results)
}

func (r *run) icFor(actionID string) core.InvocationContext {
	return r.ic.ForAction(actionID)
}

func (r *run) charge(res core.ToolResult) {
	r.ic.Budget.Spent += res.Cost
}

func resolveFailure(ref core.SchemaRef, err error) core.ToolResult {
	var toolErr *tool.ToolError
	if errors.As(err, &toolErr) {
		return core.Failure(toolErr.Code, toolErr.Message)
	}

	return core.Failure(core.ErrCodeValidation, fmt.Sprintf("resolve parameters of %s: %v", ref.Name, err))
}
