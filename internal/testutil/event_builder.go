package testutil

import (
	"time"

	"github.com/hupe1980/agentledger/core"
)

// BaseTime is the default timestamp of built events.
var BaseTime = time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

// EventBuilder provides a fluent helper for constructing events in tests.
// Example:
//
//	ev := NewEventBuilder("order-1").Type("order.created").Field("amount", 10).Build()
//
// Chain only the parts you need; sensible defaults are applied.
type EventBuilder struct {
	instanceID     string
	name           string
	version        core.Version
	ts             time.Time
	correlationKey string
	idempotencyKey string
	source         string
	payload        map[string]any
}

// NewEventBuilder creates a builder for instanceID with event type "test.event".
func NewEventBuilder(instanceID string) *EventBuilder {
	return &EventBuilder{
		instanceID: instanceID,
		name:       "test.event",
		version:    core.Version{Major: 1},
		ts:         BaseTime,
		payload:    map[string]any{},
	}
}

// Type sets the event schema name (chainable).
func (b *EventBuilder) Type(name string) *EventBuilder { b.name = name; return b }

// Version sets the event schema version (chainable).
func (b *EventBuilder) Version(v core.Version) *EventBuilder { b.version = v; return b }

// At sets the timestamp (chainable).
func (b *EventBuilder) At(ts time.Time) *EventBuilder { b.ts = ts; return b }

// After sets the timestamp to BaseTime + d (chainable).
func (b *EventBuilder) After(d time.Duration) *EventBuilder { b.ts = BaseTime.Add(d); return b }

// Correlation sets the correlation key (chainable).
func (b *EventBuilder) Correlation(k string) *EventBuilder { b.correlationKey = k; return b }

// Idempotency sets the idempotency key (chainable).
func (b *EventBuilder) Idempotency(k string) *EventBuilder { b.idempotencyKey = k; return b }

// Source sets the event source (chainable).
func (b *EventBuilder) Source(s string) *EventBuilder { b.source = s; return b }

// Field sets a payload field (chainable).
func (b *EventBuilder) Field(k string, v any) *EventBuilder { b.payload[k] = v; return b }

// Build finalizes and returns the event.
func (b *EventBuilder) Build() core.Event {
	ev, err := core.NewEvent(b.instanceID, core.NewSchemaRef("event", b.name, b.version), b.ts, b.payload)
	if err != nil {
		panic(err)
	}

	ev.CorrelationKey = b.correlationKey
	ev.IdempotencyKey = b.idempotencyKey
	ev.Source = b.source

	return ev
}

// Sequenced returns events with sequences 1..n assigned, as a log would.
func Sequenced(evs ...core.Event) []core.Event {
	out := make([]core.Event, len(evs))
	for i, ev := range evs {
		ev.Sequence = core.Cursor(i + 1)
		out[i] = ev
	}

	return out
}
