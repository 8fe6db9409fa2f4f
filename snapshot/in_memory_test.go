package snapshot

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
var _ core.SnapshotStore = (*InMemoryStore)(nil)

func mustSnapshot(t *testing.T, id string, cursor core.Cursor) core.Snapshot {
	t.Helper()

	st := core.State{Version: uint64(cursor), Data: map[string]any{"cursor": float64(cursor)}, LastModified: time.Unix(int64(cursor), 0).UTC()}
	snap, err := core.NewSnapshot(id, "i1", cursor, st)
	require.NoError(t, err)

	return snap
}

func TestInMemoryStore_SaveFind(t *testing.T) {
	ctx := context.Background()
	s := NewInMemoryStore()

	// Saved out of order on purpose.
	for _, c := range []core.Cursor{10, 5, 20} {
		require.NoError(t, s.Save(ctx, mustSnapshot(t, fmt.Sprintf("s%d", c), c)))
	}

	snap, ok, err := s.FindByID(ctx, "s5")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, core.Cursor(5), snap.Cursor)

	_, ok, err = s.FindByID(ctx, "nope")
	require.NoError(t, err)
	assert.False(t, ok)

	snap, ok, _ = s.FindLatestBefore(ctx, "i1", 10)
	require.True(t, ok)
	assert.Equal(t, "s10", snap.ID)

	snap, ok, _ = s.FindLatestBefore(ctx, "i1", 19)
	require.True(t, ok)
	assert.Equal(t, "s10", snap.ID)

	_, ok, _ = s.FindLatestBefore(ctx, "i1", 4)
	assert.False(t, ok)

	_, ok, _ = s.FindLatestBefore(ctx, "other", 100)
	assert.False(t, ok)
}

func TestInMemoryStore_RejectsInvalidAndDuplicate(t *testing.T) {
	ctx := context.Background()
	s := NewInMemoryStore()

	snap := mustSnapshot(t, "s1", 1)
	require.NoError(t, s.Save(ctx, snap))
	assert.Error(t, s.Save(ctx, snap))

	bad := snap
	bad.ID = ""
	assert.ErrorIs(t, s.Save(ctx, bad), core.ErrInvalidSnapshot)
}

func TestInMemoryStore_CopyIsolation(t *testing.T) {
	ctx := context.Background()
	s := NewInMemoryStore()

	snap := mustSnapshot(t, "s1", 1)
	require.NoError(t, s.Save(ctx, snap))

	snap.Data["cursor"] = "mutated"

	got, _, _ := s.FindByID(ctx, "s1")
	assert.Equal(t, 1.0, got.Data["cursor"])

	got.Data["cursor"] = "mutated"

	again, _, _ := s.FindByID(ctx, "s1")
	assert.Equal(t, 1.0, again.Data["cursor"])
}

func TestInMemoryStore_DeleteBefore(t *testing.T) {
	ctx := context.Background()
	s := NewInMemoryStore()

	for c := core.Cursor(1); c <= 5; c++ {
		require.NoError(t, s.Save(ctx, mustSnapshot(t, fmt.Sprintf("s%d", c), c)))
	}

	n, err := s.DeleteBefore(ctx, "i1", 4)
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	_, ok, _ := s.FindByID(ctx, "s2")
	assert.False(t, ok)

	snap, ok, _ := s.FindLatestBefore(ctx, "i1", 100)
	require.True(t, ok)
	assert.Equal(t, "s5", snap.ID)

	n, err = s.DeleteBefore(ctx, "i1", 4)
	require.NoError(t, err)
	assert.Equal(t, 0, n)
}

func TestInMemoryStore_ConcurrentAccess(t *testing.T) {
	ctx := context.Background()
	s := NewInMemoryStore()

	var wg sync.WaitGroup

	for i := 1; i <= 20; i++ {
		wg.Add(1)

		go func(i int) {
			defer wg.Done()

			_ = s.Save(ctx, mustSnapshot(t, fmt.Sprintf("s%d", i), core.Cursor(i)))
			_, _, _ = s.FindLatestBefore(ctx, "i1", core.Cursor(i))
		}(i)
	}

	wg.Wait()

	snap, ok, _ := s.FindLatestBefore(ctx, "i1", 100)
	require.True(t, ok)
	assert.Equal(t, core.Cursor(20), snap.Cursor)
}
