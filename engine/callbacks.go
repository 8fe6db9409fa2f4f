package engine

import (
	"context"
	"sync"

	"github.com/hupe1980/agentledger/core"
	"github.com/hupe1980/agentledger/logging"
)

// CallbackType defines the lifecycle points of a cycle where callbacks run.
//
// Callbacks are executed synchronously. A callback returning an error from a
// point before the commit aborts the cycle without touching the hot state;
// errors from later points are returned to the caller after the commit.
type CallbackType string

const (
	// CallbackBeforeCycle is triggered after planning, before any tool runs.
	CallbackBeforeCycle CallbackType = "before_cycle"

	// CallbackAfterTool is triggered once per action outcome reported by the
	// executor (succeeded, failed, skipped, compensated).
	CallbackAfterTool CallbackType = "after_tool"

	// CallbackBeforeCommit is triggered with the execution result before the
	// new state is written. Use it to validate state.
	CallbackBeforeCommit CallbackType = "before_commit"

	// CallbackAfterCycle is triggered once the new state is committed.
	CallbackAfterCycle CallbackType = "after_cycle"

	// CallbackOnConflict is triggered when the optimistic commit lost against
	// a concurrent writer and the cycle is about to be re-planned.
	CallbackOnConflict CallbackType = "on_conflict"

	// CallbackOnSnapshot is triggered after a snapshot was saved.
	CallbackOnSnapshot CallbackType = "on_snapshot"
)

// CallbackContext carries the information available at a callback point.
// Fields that do not apply to a point are nil.
type CallbackContext struct {
	InstanceID string

	// Plan is the plan of the current cycle.
	Plan *core.Plan

	// Result is set from CallbackAfterTool on.
	Result *core.ExecutionResult

	// Event is the action outcome for CallbackAfterTool.
	Event *core.ExecutionEvent

	// Snapshot is set for CallbackOnSnapshot.
	Snapshot *core.Snapshot

	// Attempt counts commit attempts of the cycle, starting at 1.
	Attempt int

	CallbackType CallbackType

	// Metadata provides extensible storage for custom callback data.
	Metadata map[string]any
}

// Callback defines the interface for cycle lifecycle hooks.
type Callback interface {
	// Type returns the callback type this implementation handles.
	Type() CallbackType

	// Execute performs the callback logic with the provided context.
	Execute(ctx context.Context, callbackCtx *CallbackContext) error
}

// FunctionCallback wraps a function as a callback implementation.
//
// Example:
//
//	audit := NewFunctionCallback(
//	    CallbackAfterTool,
//	    func(ctx context.Context, cc *CallbackContext) error {
//	        log.Printf("%s %s", cc.Event.Type, cc.Event.ActionID)
//	        return nil
//	    },
//	)
type FunctionCallback struct {
	callbackType CallbackType
	fn           func(ctx context.Context, callbackCtx *CallbackContext) error
}

// NewFunctionCallback creates a new function-based callback.
func NewFunctionCallback(
	callbackType CallbackType,
	fn func(ctx context.Context, callbackCtx *CallbackContext) error,
) *FunctionCallback {
	return &FunctionCallback{
		callbackType: callbackType,
		fn:           fn,
	}
}

// Type returns the callback type this function handles.
func (c *FunctionCallback) Type() CallbackType {
	return c.callbackType
}

// Execute calls the wrapped function with the provided context.
func (c *FunctionCallback) Execute(ctx context.Context, callbackCtx *CallbackContext) error {
	return c.fn(ctx, callbackCtx)
}

// CallbackManager keeps the registered callbacks per type. Callbacks run in
// registration order and the first error stops the remaining ones.
type CallbackManager struct {
	mu        sync.RWMutex
	callbacks map[CallbackType][]Callback
}

// NewCallbackManager creates an empty callback manager.
func NewCallbackManager() *CallbackManager {
	return &CallbackManager{
		callbacks: make(map[CallbackType][]Callback),
	}
}

// RegisterCallback adds a callback for its type.
func (cm *CallbackManager) RegisterCallback(callback Callback) {
	cm.mu.Lock()
	defer cm.mu.Unlock()

	callbackType := callback.Type()
	cm.callbacks[callbackType] = append(cm.callbacks[callbackType], callback)
}

// ExecuteCallbacks executes all registered callbacks for the specified type.
func (cm *CallbackManager) ExecuteCallbacks(
	ctx context.Context,
	callbackType CallbackType,
	callbackCtx *CallbackContext,
) error {
	if cm == nil {
		return nil
	}

	cm.mu.RLock()
	callbacks := cm.callbacks[callbackType]
	cm.mu.RUnlock()

	callbackCtx.CallbackType = callbackType

	for _, callback := range callbacks {
		if err := callback.Execute(ctx, callbackCtx); err != nil {
			return err
		}
	}

	return nil
}

// LoggingCallback writes one structured log line per callback invocation.
//
// Example:
//
//	manager.RegisterCallback(NewLoggingCallback(CallbackAfterTool, logger))
type LoggingCallback struct {
	callbackType CallbackType
	logger       logging.Logger
}

// NewLoggingCallback creates a new logging callback.
func NewLoggingCallback(callbackType CallbackType, logger logging.Logger) *LoggingCallback {
	return &LoggingCallback{
		callbackType: callbackType,
		logger:       logger,
	}
}

// Type returns the callback type this logger handles.
func (c *LoggingCallback) Type() CallbackType {
	return c.callbackType
}

// Execute logs the callback point with the instance and plan involved.
func (c *LoggingCallback) Execute(_ context.Context, callbackCtx *CallbackContext) error {
	if c.logger == nil {
		return nil
	}

	args := []any{"callback", string(c.callbackType), "instance_id", callbackCtx.InstanceID, "attempt", callbackCtx.Attempt}

	if callbackCtx.Plan != nil {
		args = append(args, "plan_id", callbackCtx.Plan.ID)
	}

	if ev := callbackCtx.Event; ev != nil {
		args = append(args, "event", string(ev.Type), "action_id", ev.ActionID)
		if ev.ErrorCode != "" {
			args = append(args, "error_code", ev.ErrorCode)
		}
	}

	if callbackCtx.Result != nil && callbackCtx.Event == nil {
		args = append(args, "status", string(callbackCtx.Result.Status))
	}

	if callbackCtx.Snapshot != nil {
		args = append(args, "snapshot_id", callbackCtx.Snapshot.ID, "cursor", uint64(callbackCtx.Snapshot.Cursor))
	}

	c.logger.Debug("engine.callback", args...)

	return nil
}

// StateValidationCallback validates the state a cycle is about to commit.
// Returning an error rejects the commit.
//
// Example:
//
//	validator := func(data map[string]any) error {
//	    if _, ok := data["customer"]; !ok {
//	        return errors.New("customer is required")
//	    }
//	    return nil
//	}
//	manager.RegisterCallback(NewStateValidationCallback(validator))
type StateValidationCallback struct {
	validator func(data map[string]any) error
}

// NewStateValidationCallback creates a new state validation callback.
func NewStateValidationCallback(validator func(data map[string]any) error) *StateValidationCallback {
	return &StateValidationCallback{
		validator: validator,
	}
}

// Type returns the callback type (always CallbackBeforeCommit).
func (c *StateValidationCallback) Type() CallbackType {
	return CallbackBeforeCommit
}

// Execute validates the new state of the cycle result.
func (c *StateValidationCallback) Execute(_ context.Context, callbackCtx *CallbackContext) error {
	if c.validator != nil && callbackCtx.Result != nil {
		return c.validator(callbackCtx.Result.NewState.Data)
	}

	return nil
}
