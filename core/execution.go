package core

import (
	"context"
	"time"
)

// ExecutionStatus is the outcome of one executor cycle.
type ExecutionStatus string

const (
	StatusSuccess ExecutionStatus = "SUCCESS"
	StatusPartial ExecutionStatus = "PARTIAL"
	StatusFailed  ExecutionStatus = "FAILED"
	StatusWaiting ExecutionStatus = "WAITING"
)

// ExecutionEventType classifies an ExecutionEvent.
type ExecutionEventType string

const (
	EventActionSucceeded   ExecutionEventType = "action.succeeded"
	EventActionFailed      ExecutionEventType = "action.failed"
	EventActionSkipped     ExecutionEventType = "action.skipped"
	EventCycleWaiting      ExecutionEventType = "cycle.waiting"
	EventInstanceCompleted ExecutionEventType = "instance.completed"
	EventInstanceFailed    ExecutionEventType = "instance.failed"
	EventSagaCompleted     ExecutionEventType = "saga.completed"
	EventSagaCompensated   ExecutionEventType = "saga.compensated"
	EventSagaFailed        ExecutionEventType = "saga.failed"
	EventStepCompensated   ExecutionEventType = "saga.step_compensated"
)

// ExecutionEvent describes something that happened during a cycle. It is
// emitted for audit and observability only and never feeds back into
// planning.
type ExecutionEvent struct {
	Type      ExecutionEventType `json:"type"`
	PlanID    string             `json:"plan_id"`
	ActionID  string             `json:"action_id,omitempty"`
	Tool      SchemaRef          `json:"tool"`
	ErrorCode string             `json:"error_code,omitempty"`
	Message   string             `json:"message,omitempty"`
	Cost      float64            `json:"cost,omitempty"`
	Timestamp time.Time          `json:"timestamp"`
}

// ExecutionResult is the output of one executor cycle.
type ExecutionResult struct {
	Status   ExecutionStatus       `json:"status"`
	NewState State                 `json:"new_state"`
	Events   []ExecutionEvent      `json:"events"`
	Results  map[string]ToolResult `json:"results,omitempty"`
	Reason   string                `json:"reason,omitempty"`
}

// SagaStatus is the outcome of a saga run.
type SagaStatus string

const (
	SagaCompleted   SagaStatus = "COMPLETED"
	SagaCompensated SagaStatus = "COMPENSATED"
	SagaFailed      SagaStatus = "FAILED"
)

// SagaStep pairs a primary action with its optional compensation.
type SagaStep struct {
	ID           string       `json:"step_id"`
	Action       Action       `json:"action"`
	Compensation *Action      `json:"compensation,omitempty"`
	Retry        *RetryConfig `json:"retry,omitempty"`
}

// Saga is an ordered set of compensable steps.
type Saga struct {
	ID    string     `json:"saga_id"`
	Steps []SagaStep `json:"steps"`
}

// CompensatedStep records one compensation issued by a saga run.
type CompensatedStep struct {
	StepID string `json:"step_id"`
	Reason string `json:"reason"`
}

// SagaResult is the outcome of a saga run.
type SagaResult struct {
	Status           SagaStatus        `json:"status"`
	CompensatedSteps []CompensatedStep `json:"compensated_steps"`
	// FailedCompensations need operator intervention.
	FailedCompensations []CompensatedStep     `json:"failed_compensations,omitempty"`
	FailedStep          string                `json:"failed_step,omitempty"`
	Reason              string                `json:"reason,omitempty"`
	Results             map[string]ToolResult `json:"results,omitempty"`
}

// ToolInvoker is the capability the executor and saga engine call tools
// through. Implementations never return an error: every outcome is a
// ToolResult.
type ToolInvoker interface {
	InvokeSync(ctx context.Context, ref SchemaRef, params map[string]any, ic InvocationContext) ToolResult
	Invoke(ctx context.Context, ref SchemaRef, params map[string]any, ic InvocationContext) <-chan ToolResult
}

// CycleKind tells the entries of an instance history apart.
type CycleKind string

const (
	// CycleKindPlan is a committed planning cycle.
	CycleKindPlan CycleKind = "cycle"
	// CycleKindRestore is a checkpoint written back as the next version.
	CycleKindRestore CycleKind = "restore"
)

// CycleRecord is the history entry of a committed cycle or restore. Replay
// walks the records of an instance in version order to reproduce batch
// boundaries and restores and to detect divergence.
type CycleRecord struct {
	Kind       CycleKind `json:"kind,omitempty"`
	InstanceID string    `json:"instance_id"`
	PlanID     string    `json:"plan_id,omitempty"`
	PlanDigest string    `json:"plan_digest,omitempty"`
	From       Cursor    `json:"from"`
	To         Cursor    `json:"to"`
	// Input is the last event handed to the planner. The plan may stop
	// before it, so To <= Input.
	Input       Cursor          `json:"input"`
	BaseVersion uint64          `json:"base_version"`
	NewVersion  uint64          `json:"new_version"`
	Status      ExecutionStatus `json:"status,omitempty"`
	StateDigest string          `json:"state_digest"`
	Timestamp   time.Time       `json:"timestamp"`
	// CheckpointID and State are set on restore records. State is the
	// restored state.
	CheckpointID string `json:"checkpoint_id,omitempty"`
	State        *State `json:"state,omitempty"`
}

// IsRestore reports whether rec records a restore.
func (rec CycleRecord) IsRestore() bool { return rec.Kind == CycleKindRestore }

// CycleIntent pins the events of a cycle before its tools run. A cycle that
// crashed before its commit is planned again over exactly this range, so the
// plan id and tool record keys are reused.
type CycleIntent struct {
	InstanceID  string `json:"instance_id"`
	BaseVersion uint64 `json:"base_version"`
	From        Cursor `json:"from"`
	Input       Cursor `json:"input"`
}
