package tool

import (
	"errors"
	"sort"
	"sync"

	"github.com/hupe1980/agentledger/core"
	"github.com/m-mizutani/goerr/v2"
)

var (
	// ErrDuplicateTool is returned when a schema ref is registered twice.
	ErrDuplicateTool = errors.New("tool already registered")
	// ErrNoAdapter is returned when no adapter serves a schema protocol.
	ErrNoAdapter = errors.New("no adapter for protocol")
)

// Entry is a registered tool together with its declared schema.
type Entry struct {
	Schema core.ToolSchema
	Tool   Tool
}

// Adapter creates tools from protocol bindings declared in a ToolSchema.
type Adapter interface {
	Protocol() core.ProtocolType
	Build(schema core.ToolSchema) (Tool, error)
}

// Registry resolves schema refs to tools. It is safe for concurrent use.
type Registry struct {
	mu       sync.RWMutex
	entries  map[string]Entry
	byName   map[string][]string
	adapters map[core.ProtocolType]Adapter
}

// NewRegistry creates a registry with the given adapters.
func NewRegistry(adapters ...Adapter) *Registry {
	r := &Registry{
		entries:  make(map[string]Entry),
		byName:   make(map[string][]string),
		adapters: make(map[core.ProtocolType]Adapter),
	}

	for _, a := range adapters {
		r.RegisterAdapter(a)
	}

	return r
}

// RegisterAdapter installs (or replaces) the adapter for its protocol.
func (r *Registry) RegisterAdapter(a Adapter) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.adapters[a.Protocol()] = a
}

// Register binds an explicit tool implementation to schema.
func (r *Registry) Register(schema core.ToolSchema, t Tool) error {
	if schema.Ref.IsZero() {
		return goerr.Wrap(core.ErrInvalidSchemaRef, "tool schema has no ref", goerr.V("tool", t.Name()))
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	key := schema.Ref.Key()
	if _, ok := r.entries[key]; ok {
		return goerr.Wrap(ErrDuplicateTool, "register tool", goerr.V("ref", key))
	}

	r.entries[key] = Entry{Schema: schema, Tool: t}

	nameKey := schema.Ref.Type + "/" + schema.Ref.Name
	r.byName[nameKey] = append(r.byName[nameKey], key)

	return nil
}

// Bind builds a tool for schema through the adapter of its protocol and
// registers it.
func (r *Registry) Bind(schema core.ToolSchema) error {
	r.mu.RLock()
	a, ok := r.adapters[schema.Protocol]
	r.mu.RUnlock()

	if !ok {
		return goerr.Wrap(ErrNoAdapter, "bind tool",
			goerr.V("ref", schema.Ref.String()),
			goerr.V("protocol", string(schema.Protocol)))
	}

	t, err := a.Build(schema)
	if err != nil {
		return goerr.Wrap(err, "build tool", goerr.V("ref", schema.Ref.String()))
	}

	return r.Register(schema, t)
}

// BindAll binds every schema, skipping refs that are already registered.
func (r *Registry) BindAll(schemas []core.ToolSchema) error {
	for _, s := range schemas {
		if _, ok := r.Lookup(s.Ref); ok {
			continue
		}

		if err := r.Bind(s); err != nil {
			return err
		}
	}

	return nil
}

// Lookup resolves ref. An exact version match wins; otherwise the highest
// registered version with the same major version is returned. A digest on
// ref must match the registered digest when both are present.
func (r *Registry) Lookup(ref core.SchemaRef) (Entry, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if e, ok := r.entries[ref.Key()]; ok {
		return e, digestMatches(ref, e.Schema.Ref)
	}

	var (
		best  Entry
		found bool
	)

	for _, key := range r.byName[ref.Type+"/"+ref.Name] {
		e := r.entries[key]
		if !e.Schema.Ref.Version.Compatible(ref.Version) {
			continue
		}

		if !found || e.Schema.Ref.Version.Compare(best.Schema.Ref.Version) > 0 {
			best, found = e, true
		}
	}

	if !found {
		return Entry{}, false
	}

	return best, digestMatches(ref, best.Schema.Ref)
}

// Refs returns all registered refs in key order.
func (r *Registry) Refs() []core.SchemaRef {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]core.SchemaRef, 0, len(r.entries))
	for _, e := range r.entries {
		out = append(out, e.Schema.Ref)
	}

	sort.Slice(out, func(i, j int) bool { return out[i].Key() < out[j].Key() })

	return out
}

func digestMatches(want, have core.SchemaRef) bool {
	wd, ok := want.Digest()
	if !ok {
		return true
	}

	hd, ok := have.Digest()
	if !ok {
		return true
	}

	return wd == hd
}
