package planner

import (
	"encoding/json"
	"strings"

	"github.com/hupe1980/agentledger/core"
	"github.com/hupe1980/agentledger/internal/util"
	"github.com/m-mizutani/goerr/v2"
	"github.com/tidwall/gjson"
)

const (
	eventPrefix = "$event"
	stepsPrefix = "$steps."
)

// scope is the event data a step input may read. State references are left
// for the executor so every event sees the outputs of the events before it.
type scope struct {
	payload []byte
	tmpl    map[string]any
}

func newScope(ev core.Event) (scope, error) {
	var payload any

	_ = json.Unmarshal(ev.Payload, &payload)

	tmpl, err := core.NormalizeJSON(map[string]any{
		"event": payload,
		"meta": map[string]any{
			"sequence":        uint64(ev.Sequence),
			"type":            ev.SchemaRef.Name,
			"correlation_key": ev.CorrelationKey,
		},
	})
	if err != nil {
		return scope{}, goerr.Wrap(core.ErrMalformedEvent, "normalize template data", goerr.V("error", err.Error()))
	}

	return scope{payload: ev.Payload, tmpl: tmpl.(map[string]any)}, nil
}

func (b *builder) resolveMap(in map[string]any, s scope, deps *[]string) (map[string]any, error) {
	if in == nil {
		return nil, nil
	}

	out := make(map[string]any, len(in))

	for k, v := range in {
		r, err := b.resolve(v, s, deps)
		if err != nil {
			return nil, goerr.Wrap(err, "resolve", goerr.V("key", k))
		}

		out[k] = r
	}

	return out, nil
}

func (b *builder) resolve(v any, s scope, deps *[]string) (any, error) {
	switch t := v.(type) {
	case map[string]any:
		return b.resolveMap(t, s, deps)
	case []any:
		out := make([]any, len(t))

		for i, e := range t {
			r, err := b.resolve(e, s, deps)
			if err != nil {
				return nil, err
			}

			out[i] = r
		}

		return out, nil
	case string:
		return b.resolveString(t, s, deps)
	default:
		return core.NormalizeJSON(t)
	}
}

// resolveString expands references. Missing paths resolve to nil.
func (b *builder) resolveString(str string, s scope, deps *[]string) (any, error) {
	switch {
	case str == eventPrefix:
		return lookup(s.payload, "")
	case strings.HasPrefix(str, eventPrefix+"."):
		return lookup(s.payload, str[len(eventPrefix)+1:])
	case isStateRef(str):
		return str, nil
	case strings.HasPrefix(str, stepsPrefix):
		name, path, _ := strings.Cut(str[len(stepsPrefix):], ".")

		actionID, ok := b.steps[name]
		if !ok {
			return nil, goerr.Wrap(core.ErrInvalidSchema, "reference to a step that is not planned before it",
				goerr.V("step", name))
		}

		if actionID == "" {
			return nil, nil
		}

		*deps = append(*deps, actionID)

		return core.ActionRef(actionID, path), nil
	case strings.Contains(str, "{{") && strings.Contains(str, ".state"):
		return core.DeferredTemplate(str, s.tmpl), nil
	case strings.Contains(str, "{{"):
		out, err := util.RenderTemplate(str, s.tmpl)
		if err != nil {
			return nil, goerr.Wrap(core.ErrInvalidSchema, "render template", goerr.V("template", str), goerr.V("error", err.Error()))
		}

		return out, nil
	default:
		return str, nil
	}
}

func lookup(doc []byte, path string) (any, error) {
	if path == "" {
		var out any
		if len(doc) == 0 {
			return nil, nil
		}

		if err := json.Unmarshal(doc, &out); err != nil {
			return nil, goerr.Wrap(core.ErrMalformedEvent, "decode document")
		}

		return out, nil
	}

	r := gjson.GetBytes(doc, path)
	if !r.Exists() {
		return nil, nil
	}

	return core.NormalizeJSON(r.Value())
}

func isStateRef(str string) bool {
	_, ok := core.ParseStateRef(str)
	return ok
}
