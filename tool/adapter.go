package tool

import (
	"context"
	"fmt"
	"sync"

	"github.com/hupe1980/agentledger/core"
)

// FunctionAdapter binds FUNCTION protocol schemas to Go functions registered
// by handler name. The handler is chosen by the schema endpoint, falling back
// to the ref name.
type FunctionAdapter struct {
	mu       sync.RWMutex
	handlers map[string]func(ctx context.Context, args map[string]any) (any, error)
}

// NewFunctionAdapter creates an adapter without handlers.
func NewFunctionAdapter() *FunctionAdapter {
	return &FunctionAdapter{handlers: make(map[string]func(context.Context, map[string]any) (any, error))}
}

// Handle registers fn under name.
func (a *FunctionAdapter) Handle(name string, fn func(ctx context.Context, args map[string]any) (any, error)) *FunctionAdapter {
	a.mu.Lock()
	defer a.mu.Unlock()

	a.handlers[name] = fn

	return a
}

// Protocol implements Adapter.
func (a *FunctionAdapter) Protocol() core.ProtocolType { return core.ProtocolFunction }

// Build implements Adapter.
func (a *FunctionAdapter) Build(schema core.ToolSchema) (Tool, error) {
	name := schema.Endpoint
	if name == "" {
		name = schema.Ref.Name
	}

	a.mu.RLock()
	fn, ok := a.handlers[name]
	a.mu.RUnlock()

	if !ok {
		return nil, fmt.Errorf("no function handler %q", name)
	}

	return NewFunctionTool(schema.Ref.Name, schema.Description, schema.Parameters, fn), nil
}

// DictionaryAdapter binds DICTIONARY protocol schemas: static lookup tables
// declared in the schema config.
//
//	config:
//	  key: country        # argument holding the lookup key (default "key")
//	  entries: {de: EUR, us: USD}
//	  default: unknown    # optional fallback
type DictionaryAdapter struct{}

// NewDictionaryAdapter creates a DictionaryAdapter.
func NewDictionaryAdapter() *DictionaryAdapter { return &DictionaryAdapter{} }

// Protocol implements Adapter.
func (DictionaryAdapter) Protocol() core.ProtocolType { return core.ProtocolDictionary }

// Build implements Adapter.
func (DictionaryAdapter) Build(schema core.ToolSchema) (Tool, error) {
	entries, ok := schema.Config["entries"].(map[string]any)
	if !ok {
		return nil, fmt.Errorf("dictionary tool %s has no entries", schema.Ref.Name)
	}

	keyArg, _ := schema.Config["key"].(string)
	if keyArg == "" {
		keyArg = "key"
	}

	fallback, hasFallback := schema.Config["default"]

	params := schema.Parameters
	if params == nil {
		params = map[string]any{
			"type":       "object",
			"properties": map[string]any{keyArg: map[string]any{"type": "string"}},
			"required":   []string{keyArg},
		}
	}

	name := schema.Ref.Name

	return NewFunctionTool(name, schema.Description, params, func(_ context.Context, args map[string]any) (any, error) {
		key := fmt.Sprint(args[keyArg])

		if v, ok := entries[key]; ok {
			return v, nil
		}

		if hasFallback {
			return fallback, nil
		}

		return nil, NewToolError(name, fmt.Sprintf("no entry for %q", key), core.ErrCodeExecution)
	}), nil
}
