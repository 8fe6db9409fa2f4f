package executor

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/hupe1980/agentledger/core"
	"github.com/hupe1980/agentledger/internal/util"
	"github.com/hupe1980/agentledger/tool"
	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
)

// resultSource finds the result of an earlier action.
type resultSource func(actionID string) (core.ToolResult, bool)

// resolver expands the deferred references of one action's parameters.
type resolver struct {
	tool    string
	results resultSource
	data    map[string]any
	doc     []byte
}

// resolveParams replaces "$actions.<id>[.<path>]" strings with the
// referenced result and "$state[.<path>]" strings and state templates with
// values from data. A reference to a missing or failed result is a
// DEPENDENCY_FAILED tool error.
func resolveParams(toolName string, params map[string]any, src resultSource, data map[string]any) (map[string]any, error) {
	r := &resolver{tool: toolName, results: src, data: data}
	return r.params(params)
}

func (r *resolver) params(params map[string]any) (map[string]any, error) {
	if params == nil {
		return nil, nil
	}

	out := make(map[string]any, len(params))

	for k, v := range params {
		res, err := r.value(v)
		if err != nil {
			return nil, err
		}

		out[k] = res
	}

	return out, nil
}

func (r *resolver) value(v any) (any, error) {
	switch t := v.(type) {
	case map[string]any:
		if text, data, ok := core.ParseDeferredTemplate(t); ok {
			return r.template(text, data)
		}

		return r.params(t)
	case []any:
		out := make([]any, len(t))

		for i, e := range t {
			res, err := r.value(e)
			if err != nil {
				return nil, err
			}

			out[i] = res
		}

		return out, nil
	case string:
		if path, ok := core.ParseStateRef(t); ok {
			return r.state(path)
		}

		id, path, ok := core.ParseActionRef(t)
		if !ok {
			return t, nil
		}

		res, found := r.results(id)
		if !found || !res.Success {
			return nil, tool.NewToolError(r.tool, fmt.Sprintf("action %s did not succeed", id), core.ErrCodeDependency)
		}

		return extract(res.Result, path)
	default:
		return v, nil
	}
}

func (r *resolver) state(path string) (any, error) {
	if r.doc == nil {
		doc, err := core.CanonicalJSON(r.data)
		if err != nil {
			return nil, err
		}

		r.doc = doc
	}

	if path == "" {
		return core.NormalizeJSON(r.data)
	}

	res := gjson.GetBytes(r.doc, path)
	if !res.Exists() {
		return nil, nil
	}

	return core.NormalizeJSON(res.Value())
}

func (r *resolver) template(text string, data map[string]any) (any, error) {
	scope := make(map[string]any, len(data)+1)
	for k, v := range data {
		scope[k] = v
	}

	scope["state"] = core.CloneData(r.data)

	return util.RenderTemplate(text, scope)
}

// readsState reports whether v holds a state reference or state template.
func readsState(v any) bool {
	switch t := v.(type) {
	case map[string]any:
		if _, _, ok := core.ParseDeferredTemplate(t); ok {
			return true
		}

		for _, e := range t {
			if readsState(e) {
				return true
			}
		}
	case []any:
		for _, e := range t {
			if readsState(e) {
				return true
			}
		}
	case string:
		_, ok := core.ParseStateRef(t)
		return ok
	}

	return false
}

func extract(result any, path string) (any, error) {
	if path == "" {
		return core.NormalizeJSON(result)
	}

	doc, err := json.Marshal(result)
	if err != nil {
		return nil, err
	}

	r := gjson.GetBytes(doc, path)
	if !r.Exists() {
		return nil, nil
	}

	return core.NormalizeJSON(r.Value())
}

// reservedPath reports whether path writes into the runtime bookkeeping.
func reservedPath(path string) bool {
	return path == core.RuntimeKey || strings.HasPrefix(path, core.RuntimeKey+".")
}

// writeOutput sets value at the sjson path inside data and returns the new
// data.
func writeOutput(data map[string]any, path string, value any) (map[string]any, error) {
	doc, err := json.Marshal(data)
	if err != nil {
		return nil, err
	}

	doc, err = sjson.SetBytes(doc, path, value)
	if err != nil {
		return nil, err
	}

	var out map[string]any
	if err := json.Unmarshal(doc, &out); err != nil {
		return nil, err
	}

	return out, nil
}
