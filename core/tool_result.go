package core

// ToolResult is the normalized outcome of one tool invocation. It is recorded
// verbatim under its RecordKey so replay can return the identical value.
type ToolResult struct {
	Success       bool              `json:"success"`
	Result        any               `json:"result,omitempty"`
	ErrorCode     string            `json:"error_code,omitempty"`
	ErrorMessage  string            `json:"error_message,omitempty"`
	DurationMs    int64             `json:"duration_ms"`
	Cost          float64           `json:"cost"`
	RateLimitInfo map[string]string `json:"rate_limit_info,omitempty"`
}

// Error returns the optional error message.
func (r ToolResult) Error() (string, bool) {
	if r.Success {
		return "", false
	}

	return r.ErrorMessage, true
}

// Failure builds an unsuccessful result with an error code.
func Failure(code, message string) ToolResult {
	return ToolResult{Success: false, ErrorCode: code, ErrorMessage: message}
}

// RecordKey addresses a recorded ToolResult.
type RecordKey struct {
	InstanceID string `json:"instance_id"`
	PlanID     string `json:"plan_id"`
	ActionID   string `json:"action_id"`
}

// String implements fmt.Stringer.
func (k RecordKey) String() string { return k.InstanceID + "/" + k.PlanID + "/" + k.ActionID }

// InvocationContext travels with every tool call.
type InvocationContext struct {
	InstanceID     string `json:"instance_id"`
	PlanID         string `json:"plan_id"`
	ActionID       string `json:"action_id"`
	CorrelationKey string `json:"correlation_key,omitempty"`
	TenantID       string `json:"tenant_id,omitempty"`
	// Replay forbids live calls; the boundary only returns recorded results.
	Replay bool `json:"replay"`
	// Budget is the remaining cost allowance of the instance.
	Budget Budget `json:"budget"`
	// RateLimit is the tenant level call rate; zero disables it.
	RateLimit RateLimit   `json:"rate_limit"`
	Policies  []SchemaRef `json:"policies,omitempty"`
}

// IsReplay reports whether the call runs under the replay engine.
func (ic InvocationContext) IsReplay() bool { return ic.Replay }

// Key returns the record key of the call.
func (ic InvocationContext) Key() RecordKey {
	return RecordKey{InstanceID: ic.InstanceID, PlanID: ic.PlanID, ActionID: ic.ActionID}
}

// ForAction returns a copy of ic addressing actionID.
func (ic InvocationContext) ForAction(actionID string) InvocationContext {
	ic.ActionID = actionID
	return ic
}
