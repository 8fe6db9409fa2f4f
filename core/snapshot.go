package core

import (
	"fmt"
	"strings"
	"time"
)

// Snapshot is an immutable capture of an instance's state pinned to the
// cursor it reflects. Replaying the instance's events up to Cursor from the
// zero state must yield Data.
type Snapshot struct {
	ID           string         `json:"snapshot_id"`
	InstanceID   string         `json:"instance_id"`
	Cursor       Cursor         `json:"cursor"`
	Data         map[string]any `json:"state_data"`
	Timestamp    time.Time      `json:"timestamp"`
	StateVersion uint64         `json:"state_version"`
}

// NewSnapshot captures state at cursor. The timestamp is taken from the
// state's LastModified so snapshots of replayed state are identical.
func NewSnapshot(id, instanceID string, cursor Cursor, state State) (Snapshot, error) {
	s := Snapshot{
		ID:           id,
		InstanceID:   instanceID,
		Cursor:       cursor,
		Data:         CloneData(state.Data),
		Timestamp:    state.LastModified,
		StateVersion: state.Version,
	}

	return s, s.Validate()
}

// Validate checks the snapshot invariants.
func (s Snapshot) Validate() error {
	if strings.TrimSpace(s.ID) == "" {
		return fmt.Errorf("%w: snapshot id is required", ErrInvalidSnapshot)
	}

	if strings.TrimSpace(s.InstanceID) == "" {
		return fmt.Errorf("%w: instance id is required", ErrInvalidSnapshot)
	}

	if s.Data == nil {
		return fmt.Errorf("%w: state data is required", ErrInvalidSnapshot)
	}

	return nil
}

// State rebuilds the captured state.
func (s Snapshot) State() State {
	return State{Version: s.StateVersion, Data: CloneData(s.Data), LastModified: s.Timestamp}
}

// Checkpoint is a named, restorable copy of an instance's state.
type Checkpoint struct {
	ID           string            `json:"id"`
	InstanceID   string            `json:"instance_id"`
	StateVersion uint64            `json:"state_version"`
	Timestamp    time.Time         `json:"timestamp"`
	Metadata     map[string]string `json:"metadata,omitempty"`

	snapshotRef string
}

// NewCheckpoint builds a checkpoint record. An empty snapshotRef means the
// checkpoint is not backed by a snapshot.
func NewCheckpoint(id, instanceID string, version uint64, ts time.Time, metadata map[string]string, snapshotRef string) Checkpoint {
	md := make(map[string]string, len(metadata))
	for k, v := range metadata {
		md[k] = v
	}

	return Checkpoint{
		ID:           id,
		InstanceID:   instanceID,
		StateVersion: version,
		Timestamp:    ts,
		Metadata:     md,
		snapshotRef:  snapshotRef,
	}
}

// SnapshotRef returns the backing snapshot id, if any.
func (c Checkpoint) SnapshotRef() (string, bool) { return c.snapshotRef, c.snapshotRef != "" }
