package core

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"
)

// RuntimeKey is the reserved state data key holding engine bookkeeping.
const RuntimeKey = "_runtime"

// State is the versioned, per-instance state. Only the executor produces new
// versions; stores persist them behind an optimistic version check.
type State struct {
	Version      uint64         `json:"version"`
	Data         map[string]any `json:"data"`
	LastModified time.Time      `json:"last_modified"`
}

// NewState returns the zero state of a fresh instance.
func NewState() State {
	return State{Data: map[string]any{}}
}

// Clone deep copies the state data.
func (s State) Clone() State {
	c := s
	c.Data = CloneData(s.Data)

	return c
}

// Digest hashes the version and canonical data. LastModified is excluded.
func (s State) Digest() string {
	h := sha256.New()
	fmt.Fprintf(h, "%d:", s.Version)

	b, _ := CanonicalJSON(s.Data)
	h.Write(b)

	return hex.EncodeToString(h.Sum(nil))
}

// Phase is the lifecycle phase of an instance.
type Phase string

const (
	PhaseRunning   Phase = "running"
	PhaseWaiting   Phase = "waiting"
	PhaseCompleted Phase = "completed"
	PhaseFailed    Phase = "failed"
)

// Terminal reports whether no further events are processed in this phase.
func (p Phase) Terminal() bool { return p == PhaseCompleted || p == PhaseFailed }

// Runtime is the engine bookkeeping stored under RuntimeKey.
type Runtime struct {
	// Cursor is the last event folded into the state.
	Cursor Cursor `json:"cursor"`
	// Phase is the instance lifecycle phase.
	Phase Phase `json:"phase"`
	// WaitFor is the event schema name a waiting instance is parked on.
	WaitFor string `json:"wait_for,omitempty"`
	// Spent is the accumulated tool cost.
	Spent float64 `json:"spent"`
	// PlanID is the last applied plan.
	PlanID string `json:"plan_id,omitempty"`
}

// RuntimeOf decodes the runtime bookkeeping of s. A state without runtime
// data yields a running instance at the beginning of its stream.
func RuntimeOf(s State) Runtime {
	rt := Runtime{Phase: PhaseRunning}

	raw, ok := s.Data[RuntimeKey]
	if !ok {
		return rt
	}

	b, err := json.Marshal(raw)
	if err != nil {
		return rt
	}

	_ = json.Unmarshal(b, &rt)
	if rt.Phase == "" {
		rt.Phase = PhaseRunning
	}

	return rt
}

// WithRuntime returns a copy of s carrying rt.
func WithRuntime(s State, rt Runtime) State {
	c := s.Clone()
	if c.Data == nil {
		c.Data = map[string]any{}
	}

	b, _ := json.Marshal(rt)

	var m map[string]any

	_ = json.Unmarshal(b, &m)
	c.Data[RuntimeKey] = m

	return c
}

// CloneData deep copies a JSON shaped map.
func CloneData(in map[string]any) map[string]any {
	if in == nil {
		return map[string]any{}
	}

	out := make(map[string]any, len(in))
	for k, v := range in {
		out[k] = cloneValue(v)
	}

	return out
}

func cloneValue(v any) any {
	switch t := v.(type) {
	case map[string]any:
		return CloneData(t)
	case []any:
		c := make([]any, len(t))
		for i, e := range t {
			c[i] = cloneValue(e)
		}

		return c
	case json.RawMessage:
		return append(json.RawMessage(nil), t...)
	default:
		return v
	}
}

// CanonicalJSON encodes v with sorted map keys. Values are normalized through
// a generic decode first so equal documents encode identically regardless of
// their Go representation.
func CanonicalJSON(v any) ([]byte, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}

	var generic any
	if err := json.Unmarshal(b, &generic); err != nil {
		return nil, err
	}

	return json.Marshal(generic)
}

// NormalizeJSON round-trips v through JSON so it only contains
// map[string]any, []any, string, float64, bool and nil.
func NormalizeJSON(v any) (any, error) {
	if v == nil {
		return nil, nil
	}

	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}

	var out any
	if err := json.Unmarshal(b, &out); err != nil {
		return nil, err
	}

	return out, nil
}
