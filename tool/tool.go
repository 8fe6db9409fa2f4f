// Package tool implements the tool boundary: the single choke point through
// which agent cycles reach external capabilities. It resolves tools from a
// registry, enforces budgets and rate limits, applies timeouts and records
// every result so that replays never repeat a side effect.
package tool

import (
	"context"
	"fmt"

	"github.com/hupe1980/agentledger/core"
	"github.com/hupe1980/agentledger/internal/util"
)

// Tool defines the interface for capabilities callable through the boundary.
//
// Tool implementations should:
//   - Define a JSON schema for their parameters
//   - Return JSON-serializable results
//   - Be safe for concurrent use
//   - Honour ctx cancellation
type Tool interface {
	// Name returns the unique identifier for this tool.
	Name() string

	// Description returns a human-readable description of what this tool does.
	Description() string

	// Parameters returns a JSON schema describing the expected input format.
	Parameters() map[string]any

	// Call executes the tool. The invocation context of the current action is
	// available through InvocationFrom(ctx).
	Call(ctx context.Context, args map[string]any) (any, error)
}

// ValidationError represents parameter validation errors with detailed information.
type ValidationError = util.ValidationError

// ToolError represents errors that occur during tool execution.
type ToolError struct {
	Tool    string `json:"tool"`              // Name of the tool that failed
	Message string `json:"message"`           // Error message
	Code    string `json:"code"`              // Error code for categorization
	Details any    `json:"details,omitempty"` // Additional error details
}

func (e *ToolError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("tool error [%s] in %s: %s", e.Code, e.Tool, e.Message)
	}

	return fmt.Sprintf("tool error in %s: %s", e.Tool, e.Message)
}

// NewToolError creates a new ToolError with the specified details.
func NewToolError(tool, message, code string) *ToolError {
	return &ToolError{
		Tool:    tool,
		Message: message,
		Code:    code,
	}
}

// Costed lets a tool report the actual cost of a call. When a tool returns a
// Costed value the boundary charges Cost instead of the schema cost and
// records Value as the result.
type Costed struct {
	Value any
	Cost  float64
}

type invocationKey struct{}

// WithInvocation attaches ic to ctx.
func WithInvocation(ctx context.Context, ic core.InvocationContext) context.Context {
	return context.WithValue(ctx, invocationKey{}, ic)
}

// InvocationFrom returns the invocation context attached by the boundary.
func InvocationFrom(ctx context.Context) (core.InvocationContext, bool) {
	ic, ok := ctx.Value(invocationKey{}).(core.InvocationContext)
	return ic, ok
}
