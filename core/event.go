package core

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// Event is an immutable record in an instance's event stream. Events are
// produced upstream, validated against their schema and routed to an
// instance before they reach the log; the log assigns Sequence on append.
type Event struct {
	// Sequence is the event's cursor within its instance stream.
	Sequence Cursor `json:"sequence"`
	// InstanceID is the agent instance the router delivered the event to.
	InstanceID string `json:"instance_id"`
	// SchemaRef identifies the event schema.
	SchemaRef SchemaRef `json:"schema_ref"`
	// Timestamp is the producer supplied event time.
	Timestamp time.Time `json:"timestamp"`
	// CorrelationKey groups related events across instances (optional).
	CorrelationKey string `json:"correlation_key,omitempty"`
	// IdempotencyKey deduplicates producer retries (optional).
	IdempotencyKey string `json:"idempotency_key,omitempty"`
	// Payload is the raw JSON document.
	Payload json.RawMessage `json:"payload"`
	// Source names the producer.
	Source string `json:"source,omitempty"`
}

// NewEvent builds an unsequenced event from a JSON serializable payload.
func NewEvent(instanceID string, schema SchemaRef, ts time.Time, payload any) (Event, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return Event{}, fmt.Errorf("%w: %v", ErrMalformedEvent, err)
	}

	ev := Event{
		InstanceID: instanceID,
		SchemaRef:  schema,
		Timestamp:  ts.UTC(),
		Payload:    raw,
	}

	return ev, ev.Validate()
}

// Validate checks the structural fields the core relies on. Payload content
// validation is the schema registry's job.
func (e Event) Validate() error {
	if strings.TrimSpace(e.InstanceID) == "" {
		return fmt.Errorf("%w: instance id is required", ErrMalformedEvent)
	}

	if e.SchemaRef.IsZero() {
		return fmt.Errorf("%w: schema ref is required", ErrMalformedEvent)
	}

	if e.Timestamp.IsZero() {
		return fmt.Errorf("%w: timestamp is required", ErrMalformedEvent)
	}

	if len(e.Payload) == 0 || !json.Valid(e.Payload) {
		return fmt.Errorf("%w: payload must be a JSON document", ErrMalformedEvent)
	}

	return nil
}

// HasCorrelationKey reports whether the optional correlation key is set.
func (e Event) HasCorrelationKey() bool { return e.CorrelationKey != "" }

// HasIdempotencyKey reports whether the optional idempotency key is set.
func (e Event) HasIdempotencyKey() bool { return e.IdempotencyKey != "" }

// Clone returns a copy whose payload does not alias e's.
func (e Event) Clone() Event {
	c := e
	c.Payload = append(json.RawMessage(nil), e.Payload...)

	return c
}
