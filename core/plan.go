package core

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
	"time"
)

// ActionType enumerates what an Action does.
type ActionType string

const (
	ActionToolInvocation ActionType = "TOOL_INVOCATION"
	ActionWait           ActionType = "WAIT"
	ActionComplete       ActionType = "COMPLETE"
	ActionFail           ActionType = "FAIL"
)

// Compensation is the undo call paired with a saga step.
type Compensation struct {
	Tool       SchemaRef      `json:"tool"`
	Parameters map[string]any `json:"parameters,omitempty"`
}

// Action is one ordered entry of a Plan.
type Action struct {
	ID         string         `json:"action_id"`
	Type       ActionType     `json:"type"`
	Tool       SchemaRef      `json:"tool"`
	Parameters map[string]any `json:"parameters,omitempty"`
	// Step is the schema step the action was planned from.
	Step     string `json:"step,omitempty"`
	Optional bool   `json:"optional,omitempty"`
	// DependsOn lists action ids whose results the parameters reference.
	DependsOn []string `json:"depends_on,omitempty"`
	// Output is the state path the result is written to.
	Output       string        `json:"output,omitempty"`
	Saga         string        `json:"saga,omitempty"`
	Compensation *Compensation `json:"compensation,omitempty"`
	Retry        *RetryConfig  `json:"retry,omitempty"`
	// WaitFor is the resuming event name of a WAIT action.
	WaitFor string `json:"wait_for,omitempty"`
	Reason  string `json:"reason,omitempty"`
}

// NewActionID derives a stable action id from the plan id, the action's
// position and its type.
func NewActionID(planID string, index int, t ActionType) string {
	return fmt.Sprintf("%s-%d-%s", planID, index, strings.ToLower(string(t)))
}

// CompensationID is the id under which an action's compensation is recorded.
func CompensationID(actionID string) string { return actionID + "/compensate" }

// AttemptID is the id under which retry attempt n (1-based) of an action is
// recorded. The first attempt uses the action id itself.
func AttemptID(actionID string, attempt int) string {
	if attempt <= 1 {
		return actionID
	}

	return fmt.Sprintf("%s#%d", actionID, attempt)
}

// Plan is the deterministic output of one planning cycle.
type Plan struct {
	// ID is content addressed over the planner inputs.
	ID string `json:"plan_id"`
	// Version is the state version the plan was computed against.
	Version    uint64    `json:"plan_version"`
	InstanceID string    `json:"instance_id"`
	From       Cursor    `json:"from"`
	To         Cursor    `json:"to"`
	Timestamp  time.Time `json:"timestamp"`
	// CorrelationKey is the first correlation key among the planned events.
	CorrelationKey string   `json:"correlation_key,omitempty"`
	Actions        []Action `json:"actions"`
}

// Digest hashes the plan's actions. Two plans with equal ids but different
// digests prove planner nondeterminism.
func (p Plan) Digest() string {
	b, _ := CanonicalJSON(p.Actions)
	sum := sha256.Sum256(b)

	return hex.EncodeToString(sum[:])
}

// Terminal reports whether the plan ends the instance.
func (p Plan) Terminal() bool {
	for _, a := range p.Actions {
		if a.Type == ActionComplete || a.Type == ActionFail {
			return true
		}
	}

	return false
}

// ActionRefPrefix marks a parameter string that refers to the result of an
// earlier action in the same plan: "$actions.<actionID>[.<path>]".
const ActionRefPrefix = "$actions."

// ActionRef builds a reference to the result of actionID at path.
func ActionRef(actionID, path string) string {
	if path == "" {
		return ActionRefPrefix + actionID
	}

	return ActionRefPrefix + actionID + "." + path
}

// ParseActionRef splits a reference built by ActionRef.
func ParseActionRef(s string) (actionID, path string, ok bool) {
	rest, found := strings.CutPrefix(s, ActionRefPrefix)
	if !found || rest == "" {
		return "", "", false
	}

	actionID, path, _ = strings.Cut(rest, ".")

	return actionID, path, true
}

// StateRefPrefix marks a parameter string that reads the state data as it
// stands when the action runs: "$state[.<path>]".
const StateRefPrefix = "$state"

// ParseStateRef returns the gjson path of a state reference.
func ParseStateRef(s string) (path string, ok bool) {
	if s == StateRefPrefix {
		return "", true
	}

	return strings.CutPrefix(s, StateRefPrefix+".")
}

// TemplateKey marks a parameter object holding a template that reads the
// state. It is rendered when the action runs, over data plus the state.
const TemplateKey = "$template"

// DeferredTemplate wraps a template and its plan time data.
func DeferredTemplate(text string, data map[string]any) map[string]any {
	return map[string]any{TemplateKey: map[string]any{"text": text, "data": data}}
}

// ParseDeferredTemplate unwraps a value built by DeferredTemplate.
func ParseDeferredTemplate(v map[string]any) (text string, data map[string]any, ok bool) {
	if len(v) != 1 {
		return "", nil, false
	}

	inner, ok := v[TemplateKey].(map[string]any)
	if !ok {
		return "", nil, false
	}

	text, ok = inner["text"].(string)
	if !ok {
		return "", nil, false
	}

	data, _ = inner["data"].(map[string]any)

	return text, data, true
}
