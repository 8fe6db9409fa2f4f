package executor

import (
	"context"

	"github.com/hupe1980/agentledger/core"
	"github.com/hupe1980/agentledger/saga"
	"github.com/m-mizutani/goerr/v2"
)

// saga hands the contiguous actions sharing actions[0].Saga to the saga
// engine and returns how many actions it consumed.
func (c *cycle) saga(ctx context.Context, actions []core.Action) (int, error) {
	id := actions[0].Saga

	n := 0
	for _, a := range actions {
		if a.Type != core.ActionToolInvocation || a.Saga != id {
			break
		}

		n++
	}

	group := actions[:n]
	s := core.Saga{ID: id, Steps: make([]core.SagaStep, 0, n)}

	for _, a := range group {
		if a.Output != "" && reservedPath(a.Output) {
			c.fail(a, core.Failure(core.ErrCodeValidation, "output path "+a.Output+" is reserved"))
			c.abortSaga(group, a.ID)

			return n, nil
		}

		s.Steps = append(s.Steps, sagaStep(a))
	}

	res := saga.Execute(ctx, s, c.invoker, c.ic(""), func(o *saga.Options) {
		o.Logger = c.logger
		o.Tracer = c.opts.Tracer
		o.Resolve = func(params map[string]any, results map[string]core.ToolResult) (map[string]any, error) {
			return resolveParams(id, params, func(actionID string) (core.ToolResult, bool) {
				if r, ok := results[actionID]; ok {
					return r, true
				}

				return c.lookup(actionID)
			}, c.data)
		}
	})

	for actionID, r := range res.Results {
		if r.ErrorCode == core.ErrCodeRecordMissing {
			return n, goerr.Wrap(core.ErrRecordMissing, "replay saga action "+actionID,
				goerr.V("plan_id", c.plan.ID), goerr.V("saga_id", id), goerr.V("action_id", actionID))
		}
	}

	// Charge in plan order so the running budget is reproducible.
	for _, a := range group {
		if r, ok := res.Results[a.ID]; ok {
			c.charge(r.Cost)
		}

		if r, ok := res.Results[core.CompensationID(a.ID)]; ok {
			c.charge(r.Cost)
			c.results[core.CompensationID(a.ID)] = r
		}
	}

	switch res.Status {
	case core.SagaCompleted:
		for _, a := range group {
			if err := c.record(a, res.Results[a.ID], 1); err != nil {
				return n, err
			}
		}

		c.emit(core.ExecutionEvent{Type: core.EventSagaCompleted, Message: id})
	case core.SagaCompensated, core.SagaFailed:
		c.unwind(group, res)
	}

	return n, nil
}

// unwind reports a saga that did not complete. Every saga action counts as
// failed so dependents are skipped.
func (c *cycle) unwind(group []core.Action, res core.SagaResult) {
	for _, a := range group {
		r, ran := res.Results[a.ID]

		switch {
		case !ran:
			c.results[a.ID] = core.Failure(core.ErrCodeDependency, "saga "+a.Saga+" aborted")
			c.failed[a.ID] = true
			c.emit(core.ExecutionEvent{
				Type:      core.EventActionSkipped,
				ActionID:  a.ID,
				Tool:      a.Tool,
				ErrorCode: core.ErrCodeDependency,
				Message:   "saga " + a.Saga + " aborted",
			})
		case r.Success:
			c.results[a.ID] = r
			c.failed[a.ID] = true
			c.emit(core.ExecutionEvent{Type: core.EventActionSucceeded, ActionID: a.ID, Tool: a.Tool, Cost: r.Cost})
		case r.ErrorCode == core.ErrCodeDependency:
			c.skip(a, r.ErrorMessage)
		default:
			c.results[a.ID] = r
			c.failed[a.ID] = true
			c.emit(core.ExecutionEvent{
				Type:      core.EventActionFailed,
				ActionID:  a.ID,
				Tool:      a.Tool,
				ErrorCode: r.ErrorCode,
				Message:   r.ErrorMessage,
				Cost:      r.Cost,
			})
		}
	}

	steps := make(map[string]core.Action, len(group))
	for _, a := range group {
		steps[stepID(a)] = a
	}

	for _, cs := range res.CompensatedSteps {
		a := steps[cs.StepID]
		c.emit(core.ExecutionEvent{
			Type:     core.EventStepCompensated,
			ActionID: core.CompensationID(a.ID),
			Tool:     compensationTool(a),
			Message:  cs.Reason,
		})
	}

	for _, cs := range res.FailedCompensations {
		a := steps[cs.StepID]
		c.emit(core.ExecutionEvent{
			Type:      core.EventActionFailed,
			ActionID:  core.CompensationID(a.ID),
			Tool:      compensationTool(a),
			ErrorCode: c.results[core.CompensationID(a.ID)].ErrorCode,
			Message:   cs.Reason,
		})
	}

	if res.Status == core.SagaFailed {
		c.hardFail = true
		c.setReason("saga " + res.FailedStep + ": " + res.Reason)
		c.emit(core.ExecutionEvent{Type: core.EventSagaFailed, Message: res.Reason})

		return
	}

	c.partial = true
	c.setReason(res.Reason)
	c.emit(core.ExecutionEvent{Type: core.EventSagaCompensated, Message: res.Reason})
}

// abortSaga marks the rest of a saga that is rejected before it starts.
func (c *cycle) abortSaga(group []core.Action, failedID string) {
	for _, a := range group {
		if a.ID == failedID {
			continue
		}

		c.results[a.ID] = core.Failure(core.ErrCodeDependency, "saga "+a.Saga+" aborted")
		c.failed[a.ID] = true
	}
}

func sagaStep(a core.Action) core.SagaStep {
	st := core.SagaStep{ID: stepID(a), Action: a, Retry: a.Retry}

	if a.Compensation != nil {
		st.Compensation = &core.Action{
			ID:         core.CompensationID(a.ID),
			Type:       core.ActionToolInvocation,
			Tool:       a.Compensation.Tool,
			Parameters: a.Compensation.Parameters,
		}
	}

	return st
}

func stepID(a core.Action) string {
	if a.Step != "" {
		return a.Step
	}

	return a.ID
}

func compensationTool(a core.Action) core.SchemaRef {
	if a.Compensation == nil {
		return core.SchemaRef{}
	}

	return a.Compensation.Tool
}
