package hotstate

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/hupe1980/agentledger/core"
)

// InMemoryStore is a volatile HotStateStore keeping the current state of each
// instance in a process local map. It is safe for concurrent access and best
// suited for tests or single process deployments. States are cloned on the
// way in and out to prevent external mutation of internal data.
type InMemoryStore struct {
	mu          sync.RWMutex
	states      map[string]core.State
	checkpoints map[string]checkpointEntry // checkpointID -> entry
	now         func() time.Time
}

type checkpointEntry struct {
	checkpoint core.Checkpoint
	data       map[string]any
}

// NewInMemoryStore constructs an empty in-memory hot state store.
func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{
		states:      make(map[string]core.State),
		checkpoints: make(map[string]checkpointEntry),
		now:         func() time.Time { return time.Now().UTC() },
	}
}

// Read returns a clone of the current state.
func (s *InMemoryStore) Read(_ context.Context, instanceID string) (core.State, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	st, ok := s.states[instanceID]
	if !ok {
		return core.State{}, false, nil
	}

	return st.Clone(), true, nil
}

// Update performs the optimistic compare-and-set.
func (s *InMemoryStore) Update(_ context.Context, instanceID string, expectedVersion uint64, newState core.State) (bool, error) {
	if instanceID == "" {
		return false, core.ErrInstanceMissing
	}

	if newState.Version <= expectedVersion {
		return false, core.ErrInvalidVersion
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	current, ok := s.states[instanceID]

	switch {
	case !ok && expectedVersion != 0:
		return false, nil
	case ok && current.Version != expectedVersion:
		return false, nil
	}

	s.states[instanceID] = newState.Clone()

	return true, nil
}

// Upsert writes data as the next version regardless of the current one.
func (s *InMemoryStore) Upsert(_ context.Context, instanceID string, data map[string]any) (uint64, error) {
	if instanceID == "" {
		return 0, core.ErrInstanceMissing
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	return s.upsertLocked(instanceID, data), nil
}

// Checkpoint stores a copy of the current state under a fresh id.
func (s *InMemoryStore) Checkpoint(_ context.Context, instanceID string, metadata map[string]string, snapshotRef string) (core.Checkpoint, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	st, ok := s.states[instanceID]
	if !ok {
		return core.Checkpoint{}, fmt.Errorf("checkpoint %s: %w", instanceID, core.ErrNotFound)
	}

	cp := core.NewCheckpoint(uuid.NewString(), instanceID, st.Version, s.now(), metadata, snapshotRef)
	s.checkpoints[cp.ID] = checkpointEntry{checkpoint: cp, data: core.CloneData(st.Data)}

	return cp, nil
}

// Restore writes the checkpointed data as the next version.
func (s *InMemoryStore) Restore(_ context.Context, instanceID, checkpointID string) (core.State, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entry, ok := s.checkpoints[checkpointID]
	if !ok || entry.checkpoint.InstanceID != instanceID {
		return core.State{}, fmt.Errorf("checkpoint %s: %w", checkpointID, core.ErrNotFound)
	}

	s.upsertLocked(instanceID, entry.data)

	return s.states[instanceID].Clone(), nil
}

// upsertLocked stores data as the next version; caller must hold the write lock.
func (s *InMemoryStore) upsertLocked(instanceID string, data map[string]any) uint64 {
	next := s.states[instanceID].Version + 1
	s.states[instanceID] = core.State{Version: next, Data: core.CloneData(data), LastModified: s.now()}

	return next
}
