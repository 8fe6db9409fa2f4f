// Package eventlog contains concrete implementations of core.EventLog, the
// append-only, cursor ordered input stream of every agent instance.
package eventlog

import (
	"context"
	"sync"
	"time"

	"github.com/hupe1980/agentledger/core"
	"github.com/m-mizutani/goerr/v2"
)

// Options configures an InMemoryLog.
type Options struct {
	// DedupeWindow bounds how far apart (by event timestamp) two events with
	// the same idempotency key are treated as duplicates. Zero means forever.
	DedupeWindow time.Duration
	// Now is the clock used by FindByIdempotencyKey.
	Now func() time.Time
}

// InMemoryLog is a process-local EventLog. Each instance owns a slice whose
// index i holds sequence i+1.
type InMemoryLog struct {
	mu      sync.RWMutex
	streams map[string][]core.Event
	opts    Options
}

// NewInMemoryLog creates an empty log.
func NewInMemoryLog(optFns ...func(o *Options)) *InMemoryLog {
	opts := Options{Now: func() time.Time { return time.Now().UTC() }}

	for _, fn := range optFns {
		fn(&opts)
	}

	return &InMemoryLog{streams: make(map[string][]core.Event), opts: opts}
}

// Append validates ev, rejects idempotency duplicates and assigns the next
// sequence of the instance stream.
func (l *InMemoryLog) Append(_ context.Context, ev core.Event) (core.Event, error) {
	if err := ev.Validate(); err != nil {
		return core.Event{}, err
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	stream := l.streams[ev.InstanceID]

	if ev.HasIdempotencyKey() {
		if dup, ok := findDuplicate(stream, ev, l.opts.DedupeWindow); ok {
			return dup.Clone(), goerr.Wrap(core.ErrDuplicateEvent, "event already appended",
				goerr.V("instance_id", ev.InstanceID),
				goerr.V("idempotency_key", ev.IdempotencyKey),
				goerr.V("sequence", dup.Sequence))
		}
	}

	stored := ev.Clone()
	stored.Sequence = core.Cursor(len(stream) + 1)
	stored.Timestamp = stored.Timestamp.UTC()
	l.streams[ev.InstanceID] = append(stream, stored)

	return stored.Clone(), nil
}

// Read returns events with sequence > after.
func (l *InMemoryLog) Read(_ context.Context, instanceID string, after core.Cursor, limit int) ([]core.Event, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	stream := l.streams[instanceID]
	if uint64(after) >= uint64(len(stream)) {
		return []core.Event{}, nil
	}

	tail := stream[after:]
	if limit > 0 && len(tail) > limit {
		tail = tail[:limit]
	}

	out := make([]core.Event, len(tail))
	for i, ev := range tail {
		out[i] = ev.Clone()
	}

	return out, nil
}

// ReadByCorrelation scans every stream for a correlation key. Results are
// ordered by timestamp, then instance and sequence.
func (l *InMemoryLog) ReadByCorrelation(_ context.Context, correlationKey, schemaName string, limit int) ([]core.Event, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	var out []core.Event

	for _, stream := range l.streams {
		for _, ev := range stream {
			if ev.CorrelationKey != correlationKey {
				continue
			}

			if schemaName != "" && ev.SchemaRef.Name != schemaName {
				continue
			}

			out = append(out, ev.Clone())
		}
	}

	sortByTime(out)

	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}

	return out, nil
}

// FindByIdempotencyKey returns the newest event with key appended within window.
func (l *InMemoryLog) FindByIdempotencyKey(_ context.Context, instanceID, key string, window time.Duration) (core.Event, bool, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	stream := l.streams[instanceID]
	now := l.opts.Now()

	for i := len(stream) - 1; i >= 0; i-- {
		ev := stream[i]
		if ev.IdempotencyKey != key {
			continue
		}

		if window > 0 && now.Sub(ev.Timestamp) > window {
			return core.Event{}, false, nil
		}

		return ev.Clone(), true, nil
	}

	return core.Event{}, false, nil
}

// CurrentCursor returns the newest sequence of the stream.
func (l *InMemoryLog) CurrentCursor(_ context.Context, instanceID string) (core.Cursor, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	return core.Cursor(len(l.streams[instanceID])), nil
}

func findDuplicate(stream []core.Event, ev core.Event, window time.Duration) (core.Event, bool) {
	for i := len(stream) - 1; i >= 0; i-- {
		existing := stream[i]
		if existing.IdempotencyKey != ev.IdempotencyKey {
			continue
		}

		if window <= 0 {
			return existing, true
		}

		d := ev.Timestamp.Sub(existing.Timestamp)
		if d < 0 {
			d = -d
		}

		if d <= window {
			return existing, true
		}
	}

	return core.Event{}, false
}
