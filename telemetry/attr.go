package telemetry

import "go.opentelemetry.io/otel/attribute"

func instanceAttr(id string) attribute.KeyValue {
	return attribute.String("agentledger.instance_id", id)
}

func planAttr(id string) attribute.KeyValue {
	return attribute.String("agentledger.plan_id", id)
}

func actionAttr(id string) attribute.KeyValue {
	return attribute.String("agentledger.action_id", id)
}

func cursorAttr(key string, c uint64) attribute.KeyValue {
	return attribute.Int64("agentledger."+key, int64(c))
}

func statusAttr(s string) attribute.KeyValue {
	return attribute.String("agentledger.status", s)
}

func toolNameAttr(name string) attribute.KeyValue {
	return attribute.String("tool.name", name)
}

func toolRefAttr(ref string) attribute.KeyValue {
	return attribute.String("tool.ref", ref)
}

func toolErrorCodeAttr(code string) attribute.KeyValue {
	return attribute.String("tool.error_code", code)
}

func toolCostAttr(cost float64) attribute.KeyValue {
	return attribute.Float64("tool.cost", cost)
}

func replayAttr(replay bool) attribute.KeyValue {
	return attribute.Bool("agentledger.replay", replay)
}

func reasonAttr(reason string) attribute.KeyValue {
	return attribute.String("agentledger.reason", reason)
}

func sagaStepsAttr(n int) attribute.KeyValue {
	return attribute.Int("saga.steps", n)
}
