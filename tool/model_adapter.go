package tool

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/hupe1980/agentledger/core"
	"github.com/hupe1980/agentledger/internal/util"
	"github.com/hupe1980/agentledger/model"
)

// DefaultModelSeed pins sampling for MODEL tools that do not configure a seed.
const DefaultModelSeed int64 = 42

// ModelAdapter binds MODEL protocol schemas to language models. Generation
// always runs with temperature 0 and a fixed seed; the recorded result is what
// makes a cycle reproducible, not the model.
//
//	endpoint: classifier          # model name passed to NewModelAdapter
//	config:
//	  instructions: "Answer with one word."
//	  prompt: "Classify: {{ .text }}"
//	  format: json                # parse the completion as JSON
//	  seed: 7
//	  max_tokens: 256
//	  cost_per_1k_tokens: 0.5
type ModelAdapter struct {
	models map[string]model.Model
}

// NewModelAdapter creates an adapter serving the given named models.
func NewModelAdapter(models map[string]model.Model) *ModelAdapter {
	return &ModelAdapter{models: models}
}

// Protocol implements Adapter.
func (a *ModelAdapter) Protocol() core.ProtocolType { return core.ProtocolModel }

// Build implements Adapter.
func (a *ModelAdapter) Build(schema core.ToolSchema) (Tool, error) {
	m, ok := a.models[schema.Endpoint]
	if !ok {
		return nil, fmt.Errorf("unknown model %q", schema.Endpoint)
	}

	prompt, _ := schema.Config["prompt"].(string)
	if prompt == "" {
		return nil, fmt.Errorf("model tool %s has no prompt", schema.Ref.Name)
	}

	instructions, _ := schema.Config["instructions"].(string)
	format, _ := schema.Config["format"].(string)

	seed := DefaultModelSeed
	if v, ok := number(schema.Config["seed"]); ok {
		seed = int64(v)
	}

	var maxTokens int64
	if v, ok := number(schema.Config["max_tokens"]); ok {
		maxTokens = int64(v)
	}

	costPer1k, _ := number(schema.Config["cost_per_1k_tokens"])

	name := schema.Ref.Name

	return NewFunctionTool(name, schema.Description, schema.Parameters, func(ctx context.Context, args map[string]any) (any, error) {
		text, err := util.RenderTemplate(prompt, args)
		if err != nil {
			return nil, NewToolError(name, fmt.Sprintf("render prompt: %v", err), core.ErrCodeValidation)
		}

		resp, err := model.Complete(ctx, m, model.Request{
			Instructions: instructions,
			Messages:     []model.Message{{Role: model.RoleUser, Text: text}},
			Temperature:  model.Float(0),
			Seed:         model.Int(seed),
			MaxTokens:    maxTokens,
		})
		if err != nil {
			return nil, err
		}

		var out any = map[string]any{
			"text":          resp.Text,
			"model":         m.Info().Name,
			"finish_reason": resp.FinishReason,
		}

		if strings.EqualFold(format, "json") {
			var parsed any
			if err := json.Unmarshal([]byte(strings.TrimSpace(resp.Text)), &parsed); err != nil {
				return nil, NewToolError(name, fmt.Sprintf("model output is not JSON: %v", err), core.ErrCodeExecution)
			}

			out = parsed
		}

		if costPer1k > 0 && resp.Usage != nil {
			return Costed{Value: out, Cost: float64(resp.Usage.TotalTokens) / 1000 * costPer1k}, nil
		}

		return out, nil
	}), nil
}

func number(v any) (float64, bool) {
	switch n := v.(type) {
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint64:
		return float64(n), true
	case float64:
		return n, true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	default:
		return 0, false
	}
}
