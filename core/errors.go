package core

import "errors"

// Input errors. They are reported before any state is touched.
var (
	ErrInvalidSchemaRef = errors.New("invalid schema reference")
	ErrInvalidSchema    = errors.New("invalid agent schema")
	ErrMalformedEvent   = errors.New("malformed event")
	ErrInvalidSnapshot  = errors.New("invalid snapshot")
)

// Store errors.
var (
	ErrNotFound        = errors.New("not found")
	ErrDuplicateEvent  = errors.New("duplicate event")
	ErrInvalidVersion  = errors.New("new state version must be greater than the expected version")
	ErrRecordConflict  = errors.New("tool result already recorded")
	ErrSequenceGap     = errors.New("event sequence gap")
	ErrInstanceMissing = errors.New("instance id is required")
)

// Execution errors.
var (
	// ErrConcurrencyConflict is returned when an optimistic state update kept
	// losing against a concurrent writer.
	ErrConcurrencyConflict = errors.New("concurrency conflict")

	// ErrRecordMissing is returned while replaying when no recorded ToolResult
	// exists for an action.
	ErrRecordMissing = errors.New("recorded tool result missing")
)

// Tool result error codes. They are stable strings persisted with each
// recorded ToolResult.
const (
	ErrCodeValidation     = "VALIDATION_ERROR"
	ErrCodeExecution      = "EXECUTION_ERROR"
	ErrCodeToolNotFound   = "TOOL_NOT_FOUND"
	ErrCodeBudgetExceeded = "BUDGET_EXCEEDED"
	ErrCodeRateLimited    = "RATE_LIMITED"
	ErrCodeTimeout        = "TIMEOUT"
	ErrCodeCancelled      = "CANCELLED"
	ErrCodeRecordMissing  = "RECORD_MISSING"
	ErrCodeRecordFailed   = "RECORD_FAILED"
	ErrCodeDependency     = "DEPENDENCY_FAILED"
)
