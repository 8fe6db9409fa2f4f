package testutil

import (
	"github.com/hupe1980/agentledger/core"
)

// ToolRef returns the v1.0.0 ref of a tool name.
func ToolRef(name string) core.SchemaRef {
	return core.NewSchemaRef("tool", name, core.Version{Major: 1})
}

// SchemaBuilder provides a fluent helper for constructing agent schemas.
//
//	schema := NewSchemaBuilder("orders").
//		Tool("reserve", 1).
//		Rule(core.Rule{On: "order.created", Steps: []core.Step{{Name: "r", Tool: "reserve"}}}).
//		Build()
type SchemaBuilder struct {
	schema core.AgentSchema
}

// NewSchemaBuilder creates a builder for agent name.
func NewSchemaBuilder(name string) *SchemaBuilder {
	return &SchemaBuilder{schema: core.AgentSchema{
		Ref: core.NewSchemaRef("agent", name, core.Version{Major: 1}),
	}}
}

// Tool declares a FUNCTION tool with the given cost (chainable).
func (b *SchemaBuilder) Tool(name string, cost float64) *SchemaBuilder {
	b.schema.Tools = append(b.schema.Tools, core.ToolSchema{
		Ref:      ToolRef(name),
		Protocol: core.ProtocolFunction,
		Cost:     cost,
	})

	return b
}

// ToolSchema declares a fully specified tool (chainable).
func (b *SchemaBuilder) ToolSchema(ts core.ToolSchema) *SchemaBuilder {
	b.schema.Tools = append(b.schema.Tools, ts)
	return b
}

// Budget sets the per-instance budget (chainable).
func (b *SchemaBuilder) Budget(v float64) *SchemaBuilder { b.schema.Budget = v; return b }

// Policy adds a policy ref (chainable).
func (b *SchemaBuilder) Policy(ref core.SchemaRef) *SchemaBuilder {
	b.schema.Policies = append(b.schema.Policies, ref)
	return b
}

// Rule appends a rule (chainable).
func (b *SchemaBuilder) Rule(r core.Rule) *SchemaBuilder {
	b.schema.Rules = append(b.schema.Rules, r)
	return b
}

// Build validates and returns the schema.
func (b *SchemaBuilder) Build() core.AgentSchema {
	if err := b.schema.Validate(); err != nil {
		panic(err)
	}

	return b.schema
}
