package core

import (
	"context"
	"time"
)

// EventLog is the append-only, cursor ordered event store. Streams are
// partitioned by instance id; sequences start at 1 per instance.
type EventLog interface {
	// Append assigns the next sequence of ev's instance stream and stores it.
	// An event whose idempotency key was already appended within the dedupe
	// window is rejected with ErrDuplicateEvent and the original is returned.
	Append(ctx context.Context, ev Event) (Event, error)
	// Read returns up to limit events with sequence > after in cursor order.
	// A limit <= 0 means no limit.
	Read(ctx context.Context, instanceID string, after Cursor, limit int) ([]Event, error)
	// ReadByCorrelation returns events sharing a correlation key across all
	// instances, optionally filtered by event schema name ("" matches all).
	ReadByCorrelation(ctx context.Context, correlationKey, schemaName string, limit int) ([]Event, error)
	// FindByIdempotencyKey looks up an event appended no longer than window
	// ago. A zero window disables the age check.
	FindByIdempotencyKey(ctx context.Context, instanceID, key string, window time.Duration) (Event, bool, error)
	// CurrentCursor returns the sequence of the newest event of a stream.
	CurrentCursor(ctx context.Context, instanceID string) (Cursor, error)
}

// HotStateStore holds the current state of each instance.
type HotStateStore interface {
	// Read returns the current state, if the instance has one.
	Read(ctx context.Context, instanceID string) (State, bool, error)
	// Update stores newState only when the stored version equals
	// expectedVersion (0 for an instance without state). It reports false on
	// a version mismatch and never overwrites a newer state.
	Update(ctx context.Context, instanceID string, expectedVersion uint64, newState State) (bool, error)
	// Upsert stores data as the next version unconditionally.
	Upsert(ctx context.Context, instanceID string, data map[string]any) (uint64, error)
	// Checkpoint saves a restorable copy of the current state.
	Checkpoint(ctx context.Context, instanceID string, metadata map[string]string, snapshotRef string) (Checkpoint, error)
	// Restore writes the checkpointed data as the next version.
	Restore(ctx context.Context, instanceID, checkpointID string) (State, error)
}

// SnapshotStore persists cursor pinned snapshots.
type SnapshotStore interface {
	Save(ctx context.Context, snap Snapshot) error
	FindByID(ctx context.Context, id string) (Snapshot, bool, error)
	// FindLatestBefore returns the newest snapshot with Cursor <= maxCursor.
	FindLatestBefore(ctx context.Context, instanceID string, maxCursor Cursor) (Snapshot, bool, error)
	// DeleteBefore prunes snapshots with Cursor < cursor and returns how many
	// were removed.
	DeleteBefore(ctx context.Context, instanceID string, cursor Cursor) (int, error)
}

// ToolRecordStore persists recorded tool results.
type ToolRecordStore interface {
	LookupToolResult(ctx context.Context, key RecordKey) (ToolResult, bool, error)
	// RecordToolResult stores res unless a result already exists for key. It
	// returns the stored result and whether res was inserted.
	RecordToolResult(ctx context.Context, key RecordKey, res ToolResult) (ToolResult, bool, error)
}

// CycleStore persists committed cycle and restore records.
type CycleStore interface {
	AppendCycle(ctx context.Context, rec CycleRecord) error
	// ListCycles returns the records of an instance with NewVersion after
	// the given version, ordered by NewVersion.
	ListCycles(ctx context.Context, instanceID string, afterVersion uint64) ([]CycleRecord, error)
}

// IntentStore keeps the latest cycle intent of each instance.
type IntentStore interface {
	// SaveIntent replaces the intent of the instance.
	SaveIntent(ctx context.Context, intent CycleIntent) error
	FindIntent(ctx context.Context, instanceID string) (CycleIntent, bool, error)
}

// HistoryStore is the execution history needed for replay and recovery.
type HistoryStore interface {
	ToolRecordStore
	CycleStore
	IntentStore
}
