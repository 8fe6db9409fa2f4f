package planner

import (
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/hupe1980/agentledger/core"
	"github.com/m-mizutani/goerr/v2"
)

var (
	// ErrUnknownTool is returned when a step references a tool the schema does not declare.
	ErrUnknownTool = errors.New("unknown tool")
	// ErrInstanceTerminal is returned when planning for a completed or failed instance.
	ErrInstanceTerminal = errors.New("instance is terminal")
	// ErrNoEvents is returned when there is nothing to plan.
	ErrNoEvents = errors.New("no events to plan")
)

// planNamespace seeds the name-based plan ids.
var planNamespace = uuid.MustParse("6f1c7c1e-3b7a-5c1e-9d43-2f1b8d0a4e11")

// Context carries the planning inputs that are not part of the state.
type Context struct {
	InstanceID string `json:"instance_id"`
	TenantID   string `json:"tenant_id,omitempty"`
	// AvailableTools restricts the tools a plan may use. Empty means every
	// tool the schema declares.
	AvailableTools []core.SchemaRef `json:"available_tools,omitempty"`
	// Budget overrides the schema budget when its limit is set.
	Budget   core.Budget      `json:"budget"`
	Policies []core.SchemaRef `json:"policies,omitempty"`
}

// Planner produces plans.
type Planner interface {
	Plan(schema core.AgentSchema, state core.State, events []core.Event, pctx Context) (core.Plan, error)
}

// RulePlanner is the rule-based Planner.
type RulePlanner struct{}

// New creates a RulePlanner.
func New() *RulePlanner { return &RulePlanner{} }

// Compile-time check.
var _ Planner = (*RulePlanner)(nil)

// Plan implements Planner.
func (p *RulePlanner) Plan(schema core.AgentSchema, state core.State, events []core.Event, pctx Context) (core.Plan, error) {
	if err := schema.Validate(); err != nil {
		return core.Plan{}, err
	}

	if len(events) == 0 {
		return core.Plan{}, ErrNoEvents
	}

	rt := core.RuntimeOf(state)
	if rt.Phase.Terminal() {
		return core.Plan{}, goerr.Wrap(ErrInstanceTerminal, "plan", goerr.V("phase", string(rt.Phase)))
	}

	if err := validateEvents(events, rt.Cursor, pctx.InstanceID); err != nil {
		return core.Plan{}, err
	}

	planID, err := derivePlanID(schema, state, events, pctx)
	if err != nil {
		return core.Plan{}, err
	}

	b := &builder{
		planID:  planID,
		schema:  schema,
		state:   state,
		pctx:    pctx,
		budget:  effectiveBudget(schema, rt, pctx),
		waiting: rt.Phase == core.PhaseWaiting,
		waitFor: rt.WaitFor,
	}

	last := len(events) - 1

	for i, ev := range events {
		stop, err := b.event(ev)
		if err != nil {
			return core.Plan{}, err
		}

		if stop {
			last = i
			break
		}
	}

	if b.waiting && !b.parked {
		// No event released the instance.
		b.add(core.Action{Type: core.ActionWait, WaitFor: b.waitFor, Reason: "still waiting"})
	}

	return core.Plan{
		ID:             planID,
		Version:        state.Version,
		InstanceID:     events[0].InstanceID,
		From:           events[0].Sequence,
		To:             events[last].Sequence,
		Timestamp:      events[last].Timestamp,
		CorrelationKey: correlationKey(events[:last+1]),
		Actions:        b.actions,
	}, nil
}

func correlationKey(events []core.Event) string {
	for _, ev := range events {
		if ev.HasCorrelationKey() {
			return ev.CorrelationKey
		}
	}

	return ""
}

func validateEvents(events []core.Event, cursor core.Cursor, instanceID string) error {
	for i, ev := range events {
		if err := ev.Validate(); err != nil {
			return err
		}

		if instanceID != "" && ev.InstanceID != instanceID {
			return goerr.Wrap(core.ErrMalformedEvent, "event belongs to another instance",
				goerr.V("want", instanceID), goerr.V("got", ev.InstanceID))
		}

		if i == 0 {
			if !ev.Sequence.IsAfter(cursor) {
				return goerr.Wrap(core.ErrMalformedEvent, "event already applied",
					goerr.V("sequence", uint64(ev.Sequence)), goerr.V("cursor", uint64(cursor)))
			}

			continue
		}

		if ev.Sequence != events[i-1].Sequence.Next() {
			return goerr.Wrap(core.ErrSequenceGap, "events out of order",
				goerr.V("previous", uint64(events[i-1].Sequence)), goerr.V("sequence", uint64(ev.Sequence)))
		}
	}

	return nil
}

// derivePlanID hashes every planning input into a name-based UUID.
func derivePlanID(schema core.AgentSchema, state core.State, events []core.Event, pctx Context) (string, error) {
	b, err := core.CanonicalJSON(struct {
		Schema  core.AgentSchema `json:"schema"`
		Version uint64           `json:"version"`
		Data    map[string]any   `json:"data"`
		Events  []core.Event     `json:"events"`
		Context Context          `json:"context"`
	}{schema, state.Version, state.Data, events, pctx})
	if err != nil {
		return "", goerr.Wrap(err, "encode planning inputs")
	}

	return uuid.NewSHA1(planNamespace, b).String(), nil
}

func effectiveBudget(schema core.AgentSchema, rt core.Runtime, pctx Context) core.Budget {
	if pctx.Budget.Limited() {
		return pctx.Budget
	}

	return core.Budget{Limit: schema.Budget, Spent: rt.Spent}
}

type builder struct {
	planID  string
	schema  core.AgentSchema
	state   core.State
	pctx    Context
	budget  core.Budget
	actions []core.Action

	waiting bool
	waitFor string
	// parked is set once the plan ends in a WAIT of its own.
	parked bool
	// steps maps step names of the current rule to action ids. Dropped
	// optional steps map to "".
	steps map[string]string
}

func (b *builder) add(a core.Action) string {
	a.ID = core.NewActionID(b.planID, len(b.actions), a.Type)
	b.actions = append(b.actions, a)

	return a.ID
}

// event plans one event and reports whether planning stops after it.
func (b *builder) event(ev core.Event) (bool, error) {
	name := ev.SchemaRef.Name

	if b.waiting {
		if name != b.waitFor {
			return false, nil
		}

		b.waiting = false
	}

	for _, rule := range b.schema.RulesFor(name) {
		stop, err := b.rule(rule, ev)
		if err != nil || stop {
			return stop, err
		}
	}

	return false, nil
}

func (b *builder) rule(rule core.Rule, ev core.Event) (bool, error) {
	scope, err := newScope(ev)
	if err != nil {
		return false, err
	}

	b.steps = map[string]string{}

	for _, step := range rule.Steps {
		if b.budget.Exhausted() {
			b.add(core.Action{
				Type:   core.ActionFail,
				Step:   step.Name,
				Reason: fmt.Sprintf("budget exhausted: spent %.2f of %.2f", b.budget.Spent, b.budget.Limit),
			})

			return true, nil
		}

		ts, ok := b.schema.Tool(step.Tool)
		if !ok {
			return false, goerr.Wrap(ErrUnknownTool, "plan step", goerr.V("step", step.Name), goerr.V("tool", step.Tool))
		}

		if !b.available(ts.Ref) {
			if step.Optional {
				b.steps[step.Name] = ""
				continue
			}

			b.add(core.Action{
				Type:   core.ActionFail,
				Step:   step.Name,
				Reason: fmt.Sprintf("tool %s is not available", ts.Ref.Name),
			})

			return true, nil
		}

		action, err := b.toolAction(step, ts, scope)
		if err != nil {
			return false, err
		}

		b.steps[step.Name] = b.add(action)
	}

	switch rule.Then {
	case core.OutcomeWait:
		b.add(core.Action{Type: core.ActionWait, WaitFor: rule.WaitFor, Reason: rule.Reason})
		b.parked = true

		return true, nil
	case core.OutcomeComplete:
		b.add(core.Action{Type: core.ActionComplete, Reason: rule.Reason})
		return true, nil
	case core.OutcomeFail:
		b.add(core.Action{Type: core.ActionFail, Reason: rule.Reason})
		return true, nil
	default:
		return false, nil
	}
}

func (b *builder) toolAction(step core.Step, ts core.ToolSchema, scope scope) (core.Action, error) {
	var deps []string

	params, err := b.resolveMap(step.Input, scope, &deps)
	if err != nil {
		return core.Action{}, goerr.Wrap(err, "resolve step input", goerr.V("step", step.Name))
	}

	a := core.Action{
		Type:       core.ActionToolInvocation,
		Tool:       ts.Ref,
		Parameters: params,
		Step:       step.Name,
		Optional:   step.Optional,
		Output:     step.Output,
		Saga:       step.Saga,
		Retry:      step.Retry,
	}

	if step.Compensation != nil {
		cts, ok := b.schema.Tool(step.Compensation.Tool)
		if !ok {
			return core.Action{}, goerr.Wrap(ErrUnknownTool, "plan compensation",
				goerr.V("step", step.Name), goerr.V("tool", step.Compensation.Tool))
		}

		// A compensation may read the result of its own step.
		self := core.NewActionID(b.planID, len(b.actions), core.ActionToolInvocation)
		b.steps[step.Name] = self

		var cdeps []string

		cparams, err := b.resolveMap(step.Compensation.Input, scope, &cdeps)
		delete(b.steps, step.Name)

		if err != nil {
			return core.Action{}, goerr.Wrap(err, "resolve compensation input", goerr.V("step", step.Name))
		}

		for _, d := range cdeps {
			if d != self {
				deps = append(deps, d)
			}
		}

		a.Compensation = &core.Compensation{Tool: cts.Ref, Parameters: cparams}
	}

	a.DependsOn = dedupe(deps)

	return a, nil
}

func (b *builder) available(ref core.SchemaRef) bool {
	if len(b.pctx.AvailableTools) == 0 {
		return true
	}

	for _, r := range b.pctx.AvailableTools {
		if r.Type == ref.Type && r.Name == ref.Name && r.Version.Compatible(ref.Version) {
			return true
		}
	}

	return false
}

func dedupe(in []string) []string {
	if len(in) == 0 {
		return nil
	}

	seen := make(map[string]bool, len(in))
	out := make([]string, 0, len(in))

	for _, s := range in {
		if !seen[s] {
			seen[s] = true
			out = append(out, s)
		}
	}

	return out
}
