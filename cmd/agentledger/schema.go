package main

import (
	"fmt"
	"os"

	"github.com/hupe1980/agentledger/core"
	"gopkg.in/yaml.v3"
)

// loadSchema reads and validates an agent schema from a YAML file:
//
//	ref: ref://schemas/agent/orders/1.0.0
//	tools:
//	  - ref: ref://schemas/tool/currency/1.0.0
//	    protocol: DICTIONARY
//	    config: {entries: {de: EUR}}
//	rules:
//	  - on: order.created
//	    steps:
//	      - {name: currency, tool: currency, input: {key: $event.country}, output: currency}
func loadSchema(path string) (core.AgentSchema, error) {
	f, err := os.Open(path) //nolint:gosec // path is operator supplied
	if err != nil {
		return core.AgentSchema{}, fmt.Errorf("open schema: %w", err)
	}
	defer f.Close()

	dec := yaml.NewDecoder(f)
	dec.KnownFields(true)

	var schema core.AgentSchema
	if err := dec.Decode(&schema); err != nil {
		return core.AgentSchema{}, fmt.Errorf("decode schema %s: %w", path, err)
	}

	if err := schema.Validate(); err != nil {
		return core.AgentSchema{}, err
	}

	return schema, nil
}
