package eventlog

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/hupe1980/agentledger/core"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Interface compliance (compile-time assertions)
var _ core.EventLog = (*InMemoryLog)(nil)

var (
	created = core.NewSchemaRef("event", "order.created", core.Version{Major: 1})
	paid    = core.NewSchemaRef("event", "order.paid", core.Version{Major: 1})
	t0      = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
)

func newEvent(t *testing.T, instance string, ref core.SchemaRef, offset time.Duration) core.Event {
	t.Helper()

	ev, err := core.NewEvent(instance, ref, t0.Add(offset), map[string]any{"at": offset.String()})
	require.NoError(t, err)

	return ev
}

func TestInMemoryLog_AppendAssignsSequences(t *testing.T) {
	ctx := context.Background()
	l := NewInMemoryLog()

	for i := 0; i < 3; i++ {
		ev, err := l.Append(ctx, newEvent(t, "i1", created, time.Duration(i)*time.Second))
		require.NoError(t, err)
		assert.Equal(t, core.Cursor(i+1), ev.Sequence)
	}

	ev, err := l.Append(ctx, newEvent(t, "i2", created, 0))
	require.NoError(t, err)
	assert.Equal(t, core.Cursor(1), ev.Sequence)

	cur, err := l.CurrentCursor(ctx, "i1")
	require.NoError(t, err)
	assert.Equal(t, core.Cursor(3), cur)

	cur, err = l.CurrentCursor(ctx, "unknown")
	require.NoError(t, err)
	assert.Equal(t, core.Beginning, cur)
}

func TestInMemoryLog_RejectsMalformed(t *testing.T) {
	l := NewInMemoryLog()

	_, err := l.Append(context.Background(), core.Event{InstanceID: "i1", SchemaRef: created, Timestamp: t0, Payload: []byte("nope")})
	assert.ErrorIs(t, err, core.ErrMalformedEvent)
}

func TestInMemoryLog_ReadExclusiveCursor(t *testing.T) {
	ctx := context.Background()
	l := NewInMemoryLog()

	for i := 0; i < 5; i++ {
		_, err := l.Append(ctx, newEvent(t, "i1", created, time.Duration(i)*time.Second))
		require.NoError(t, err)
	}

	evs, err := l.Read(ctx, "i1", 2, 0)
	require.NoError(t, err)
	require.Len(t, evs, 3)
	assert.Equal(t, core.Cursor(3), evs[0].Sequence)

	evs, err = l.Read(ctx, "i1", 0, 2)
	require.NoError(t, err)
	require.Len(t, evs, 2)
	assert.Equal(t, core.Cursor(2), evs[1].Sequence)

	evs, err = l.Read(ctx, "i1", 5, 10)
	require.NoError(t, err)
	assert.Empty(t, evs)

	// Returned payloads do not alias the log.
	evs, _ = l.Read(ctx, "i1", 0, 1)
	evs[0].Payload[0] = '['
	again, _ := l.Read(ctx, "i1", 0, 1)
	assert.Equal(t, byte('{'), again[0].Payload[0])
}

func TestInMemoryLog_IdempotencyWindow(t *testing.T) {
	ctx := context.Background()
	l := NewInMemoryLog(func(o *Options) {
		o.DedupeWindow = time.Minute
		o.Now = func() time.Time { return t0.Add(90 * time.Second) }
	})

	first := newEvent(t, "i1", created, 0)
	first.IdempotencyKey = "k1"

	stored, err := l.Append(ctx, first)
	require.NoError(t, err)

	dup := newEvent(t, "i1", created, 30*time.Second)
	dup.IdempotencyKey = "k1"

	got, err := l.Append(ctx, dup)
	assert.ErrorIs(t, err, core.ErrDuplicateEvent)
	assert.Equal(t, stored.Sequence, got.Sequence)

	// Outside the window the key may be reused.
	late := newEvent(t, "i1", created, 2*time.Minute)
	late.IdempotencyKey = "k1"

	_, err = l.Append(ctx, late)
	require.NoError(t, err)

	found, ok, err := l.FindByIdempotencyKey(ctx, "i1", "k1", 0)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, core.Cursor(2), found.Sequence)

	// The newest event is 30s in the future of the clock; a 10s window still finds it.
	_, ok, err = l.FindByIdempotencyKey(ctx, "i1", "k1", 10*time.Second)
	require.NoError(t, err)
	assert.True(t, ok)

	_, ok, _ = l.FindByIdempotencyKey(ctx, "i1", "missing", 0)
	assert.False(t, ok)
}

func TestInMemoryLog_ReadByCorrelation(t *testing.T) {
	ctx := context.Background()
	l := NewInMemoryLog()

	a := newEvent(t, "i1", created, 2*time.Second)
	a.CorrelationKey = "order-1"
	b := newEvent(t, "i2", paid, time.Second)
	b.CorrelationKey = "order-1"
	c := newEvent(t, "i2", created, 0)
	c.CorrelationKey = "order-2"

	for _, ev := range []core.Event{a, b, c} {
		_, err := l.Append(ctx, ev)
		require.NoError(t, err)
	}

	evs, err := l.ReadByCorrelation(ctx, "order-1", "", 0)
	require.NoError(t, err)
	require.Len(t, evs, 2)
	assert.Equal(t, "i2", evs[0].InstanceID)
	assert.Equal(t, "i1", evs[1].InstanceID)

	evs, err = l.ReadByCorrelation(ctx, "order-1", "order.created", 0)
	require.NoError(t, err)
	require.Len(t, evs, 1)
	assert.Equal(t, "i1", evs[0].InstanceID)

	evs, err = l.ReadByCorrelation(ctx, "order-1", "", 1)
	require.NoError(t, err)
	assert.Len(t, evs, 1)
}

func TestInMemoryLog_ConcurrentAppendsAreGapFree(t *testing.T) {
	ctx := context.Background()
	l := NewInMemoryLog()

	var wg sync.WaitGroup

	for i := 0; i < 50; i++ {
		wg.Add(1)

		go func(i int) {
			defer wg.Done()

			ev, _ := core.NewEvent("i1", created, t0, map[string]any{"n": fmt.Sprint(i)})
			_, _ = l.Append(ctx, ev)
		}(i)
	}

	wg.Wait()

	evs, err := l.Read(ctx, "i1", 0, 0)
	require.NoError(t, err)
	require.Len(t, evs, 50)

	for i, ev := range evs {
		assert.Equal(t, core.Cursor(i+1), ev.Sequence)
	}
}
