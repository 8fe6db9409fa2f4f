package core

import (
	"fmt"
	"strings"
	"time"
)

// ProtocolType names the binding a tool adapter uses to reach a tool.
type ProtocolType string

const (
	ProtocolFunction   ProtocolType = "FUNCTION"
	ProtocolDictionary ProtocolType = "DICTIONARY"
	ProtocolModel      ProtocolType = "MODEL"
	ProtocolHTTP       ProtocolType = "HTTP"
	ProtocolGRPC       ProtocolType = "GRPC"
	ProtocolMCP        ProtocolType = "MCP"
	ProtocolDirectDB   ProtocolType = "DIRECT_DB"
)

// RateLimit bounds how often a tool (or tenant) may be called.
type RateLimit struct {
	PerSecond float64 `json:"per_second" yaml:"per_second"`
	Burst     int     `json:"burst" yaml:"burst"`
}

// Enabled reports whether the limit is configured.
func (r RateLimit) Enabled() bool { return r.PerSecond > 0 }

// ToolSchema is the validated description of a tool an agent may call.
type ToolSchema struct {
	Ref         SchemaRef      `json:"ref" yaml:"ref"`
	Description string         `json:"description,omitempty" yaml:"description,omitempty"`
	Protocol    ProtocolType   `json:"protocol" yaml:"protocol"`
	Endpoint    string         `json:"endpoint,omitempty" yaml:"endpoint,omitempty"`
	Parameters  map[string]any `json:"parameters,omitempty" yaml:"parameters,omitempty"`
	TimeoutMs   int64          `json:"timeout_ms,omitempty" yaml:"timeout_ms,omitempty"`
	// Cost is the estimated cost of one call, used for budget pre-emption and
	// charged when the tool does not report its own cost.
	Cost      float64        `json:"cost,omitempty" yaml:"cost,omitempty"`
	RateLimit RateLimit      `json:"rate_limit,omitempty" yaml:"rate_limit,omitempty"`
	Config    map[string]any `json:"config,omitempty" yaml:"config,omitempty"`
}

// Timeout returns the call timeout or zero when unbounded.
func (t ToolSchema) Timeout() time.Duration { return time.Duration(t.TimeoutMs) * time.Millisecond }

// RetryConfig bounds in-place retries of a primary action.
type RetryConfig struct {
	MaxAttempts       int     `json:"max_attempts" yaml:"max_attempts"`
	InitialIntervalMs int64   `json:"initial_interval_ms,omitempty" yaml:"initial_interval_ms,omitempty"`
	MaxIntervalMs     int64   `json:"max_interval_ms,omitempty" yaml:"max_interval_ms,omitempty"`
	Multiplier        float64 `json:"multiplier,omitempty" yaml:"multiplier,omitempty"`
}

// CompensationSpec describes the undo call of a step.
type CompensationSpec struct {
	Tool  string         `json:"tool" yaml:"tool"`
	Input map[string]any `json:"input,omitempty" yaml:"input,omitempty"`
}

// Step is one tool call of a rule.
type Step struct {
	Name string `json:"name" yaml:"name"`
	// Tool is the name of a tool declared in the agent schema.
	Tool string `json:"tool" yaml:"tool"`
	// Input values may reference "$event.<path>", "$state.<path>" or
	// "$steps.<step>.<path>" and may contain {{ }} templates.
	Input map[string]any `json:"input,omitempty" yaml:"input,omitempty"`
	// Output is the state path the successful result is written to.
	Output       string            `json:"output,omitempty" yaml:"output,omitempty"`
	Optional     bool              `json:"optional,omitempty" yaml:"optional,omitempty"`
	Saga         string            `json:"saga,omitempty" yaml:"saga,omitempty"`
	Compensation *CompensationSpec `json:"compensation,omitempty" yaml:"compensation,omitempty"`
	Retry        *RetryConfig      `json:"retry,omitempty" yaml:"retry,omitempty"`
}

// Outcome is what a rule does after its steps.
type Outcome string

const (
	OutcomeContinue Outcome = ""
	OutcomeWait     Outcome = "wait"
	OutcomeComplete Outcome = "complete"
	OutcomeFail     Outcome = "fail"
)

// Rule maps an event schema name to the steps planned for it.
type Rule struct {
	// On is the event schema name this rule subscribes to.
	On    string  `json:"on" yaml:"on"`
	Steps []Step  `json:"steps,omitempty" yaml:"steps,omitempty"`
	Then  Outcome `json:"then,omitempty" yaml:"then,omitempty"`
	// WaitFor names the event schema that resumes a waiting instance.
	WaitFor string `json:"wait_for,omitempty" yaml:"wait_for,omitempty"`
	Reason  string `json:"reason,omitempty" yaml:"reason,omitempty"`
}

// AgentSchema is the validated, immutable description of an agent.
type AgentSchema struct {
	Ref         SchemaRef    `json:"ref" yaml:"ref"`
	Description string       `json:"description,omitempty" yaml:"description,omitempty"`
	Tools       []ToolSchema `json:"tools,omitempty" yaml:"tools,omitempty"`
	Policies    []SchemaRef  `json:"policies,omitempty" yaml:"policies,omitempty"`
	// Budget caps the accumulated tool cost of an instance; 0 means unlimited.
	Budget float64 `json:"budget,omitempty" yaml:"budget,omitempty"`
	Rules  []Rule  `json:"rules" yaml:"rules"`
}

// Tool returns the declared tool with the given name.
func (s AgentSchema) Tool(name string) (ToolSchema, bool) {
	for _, t := range s.Tools {
		if t.Ref.Name == name {
			return t, true
		}
	}

	return ToolSchema{}, false
}

// RulesFor returns the rules subscribed to an event schema name in
// declaration order.
func (s AgentSchema) RulesFor(eventName string) []Rule {
	var out []Rule

	for _, r := range s.Rules {
		if r.On == eventName {
			out = append(out, r)
		}
	}

	return out
}

// Validate performs the structural checks the planner relies on.
func (s AgentSchema) Validate() error {
	if s.Ref.IsZero() {
		return fmt.Errorf("%w: ref is required", ErrInvalidSchema)
	}

	seen := map[string]bool{}

	for _, t := range s.Tools {
		if t.Ref.IsZero() {
			return fmt.Errorf("%w: tool without ref", ErrInvalidSchema)
		}

		if seen[t.Ref.Name] {
			return fmt.Errorf("%w: duplicate tool %q", ErrInvalidSchema, t.Ref.Name)
		}

		seen[t.Ref.Name] = true
	}

	for i, r := range s.Rules {
		if strings.TrimSpace(r.On) == "" {
			return fmt.Errorf("%w: rule %d has no event", ErrInvalidSchema, i)
		}

		if r.Then == OutcomeWait && r.WaitFor == "" {
			return fmt.Errorf("%w: rule %q waits without wait_for", ErrInvalidSchema, r.On)
		}

		steps := map[string]bool{}

		for _, st := range r.Steps {
			if st.Name == "" {
				return fmt.Errorf("%w: rule %q has an unnamed step", ErrInvalidSchema, r.On)
			}

			if steps[st.Name] {
				return fmt.Errorf("%w: rule %q has duplicate step %q", ErrInvalidSchema, r.On, st.Name)
			}

			steps[st.Name] = true

			if !seen[st.Tool] {
				return fmt.Errorf("%w: step %q references undeclared tool %q", ErrInvalidSchema, st.Name, st.Tool)
			}

			if st.Compensation != nil && !seen[st.Compensation.Tool] {
				return fmt.Errorf("%w: step %q compensation references undeclared tool %q", ErrInvalidSchema, st.Name, st.Compensation.Tool)
			}
		}
	}

	return nil
}
