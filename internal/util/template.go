package util

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"text/template"
)

var (
	templateFuncs = template.FuncMap{
		"default": func(defaultVal any, val any) any {
			if val == nil || val == "" {
				return defaultVal
			}

			return val
		},
		"upper": strings.ToUpper,
		"lower": strings.ToLower,
		"join": func(sep string, items []any) string {
			out := make([]string, len(items))
			for i, item := range items {
				out[i] = fmt.Sprintf("%v", item)
			}

			return strings.Join(out, sep)
		},
		// json renders a value with sorted map keys so plans stay byte-stable.
		"json": func(v any) (string, error) {
			b, err := json.Marshal(v)
			return string(b), err
		},
	}

	templateCache sync.Map // text -> *template.Template
)

// RenderTemplate renders text as a text/template over data. Missing keys
// render as their zero value. Parsed templates are cached by text, so the
// planner can render the same step input on every cycle.
func RenderTemplate(text string, data map[string]any) (string, error) {
	if !strings.Contains(text, "{{") {
		return text, nil
	}

	tmpl, err := parseTemplate(text)
	if err != nil {
		return "", err
	}

	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, data); err != nil {
		return "", err
	}

	return buf.String(), nil
}

func parseTemplate(text string) (*template.Template, error) {
	if t, ok := templateCache.Load(text); ok {
		return t.(*template.Template), nil
	}

	t, err := template.New("input").Option("missingkey=zero").Funcs(templateFuncs).Parse(text)
	if err != nil {
		return nil, err
	}

	actual, _ := templateCache.LoadOrStore(text, t)

	return actual.(*template.Template), nil
}
