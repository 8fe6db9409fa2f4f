package snapshot

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/hupe1980/agentledger/core"
)

// InMemoryStore is an in-process SnapshotStore useful for tests, examples and
// single-process deployments. Snapshots are kept per instance sorted by
// cursor and copied on save and retrieval.
//
// Layout: instanceID -> snapshots ordered by cursor, plus an id index.
//
// Retention is left to callers via DeleteBefore.
type InMemoryStore struct {
	mu        sync.RWMutex
	instances map[string][]core.Snapshot
	byID      map[string]string // snapshotID -> instanceID
}

// NewInMemoryStore returns an empty in-memory snapshot store.
func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{
		instances: make(map[string][]core.Snapshot),
		byID:      make(map[string]string),
	}
}

// Save validates and stores a copy of snap. Snapshot ids are unique.
func (s *InMemoryStore) Save(_ context.Context, snap core.Snapshot) error {
	if err := snap.Validate(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.byID[snap.ID]; exists {
		return fmt.Errorf("snapshot %s already exists", snap.ID)
	}

	list := append(s.instances[snap.InstanceID], copySnapshot(snap))
	sort.SliceStable(list, func(i, j int) bool { return list[i].Cursor < list[j].Cursor })

	s.instances[snap.InstanceID] = list
	s.byID[snap.ID] = snap.InstanceID

	return nil
}

// FindByID returns a copy of the snapshot with the given id.
func (s *InMemoryStore) FindByID(_ context.Context, id string) (core.Snapshot, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	instanceID, ok := s.byID[id]
	if !ok {
		return core.Snapshot{}, false, nil
	}

	for _, snap := range s.instances[instanceID] {
		if snap.ID == id {
			return copySnapshot(snap), true, nil
		}
	}

	return core.Snapshot{}, false, nil
}

// FindLatestBefore returns the newest snapshot with Cursor <= maxCursor.
func (s *InMemoryStore) FindLatestBefore(_ context.Context, instanceID string, maxCursor core.Cursor) (core.Snapshot, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	list := s.instances[instanceID]
	for i := len(list) - 1; i >= 0; i-- {
		if !list[i].Cursor.IsAfter(maxCursor) {
			return copySnapshot(list[i]), true, nil
		}
	}

	return core.Snapshot{}, false, nil
}

// DeleteBefore removes snapshots with Cursor < cursor.
func (s *InMemoryStore) DeleteBefore(_ context.Context, instanceID string, cursor core.Cursor) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	list := s.instances[instanceID]
	kept := list[:0]
	removed := 0

	for _, snap := range list {
		if snap.Cursor.IsBefore(cursor) {
			delete(s.byID, snap.ID)
			removed++

			continue
		}

		kept = append(kept, snap)
	}

	s.instances[instanceID] = kept

	return removed, nil
}

func copySnapshot(snap core.Snapshot) core.Snapshot {
	c := snap
	c.Data = core.CloneData(snap.Data)

	return c
}
