// Package sqlite provides SQLite-backed implementations of the agentledger
// stores: the event log, the hot state store, the snapshot store and the
// history store. All four share one database file and its embedded
// migrations.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"path/filepath"
	"strings"
	"time"

	"github.com/hupe1980/agentledger/core"
	"github.com/hupe1980/agentledger/sqlite/migrations"
	"github.com/m-mizutani/goerr/v2"
	_ "modernc.org/sqlite"
)

// ErrNotConfigured is returned when a store is used after Close.
var ErrNotConfigured = errors.New("storage is not configured")

// Options configures a Store.
type Options struct {
	// DedupeWindow bounds how far apart (by event timestamp) two events with
	// the same idempotency key are treated as duplicates. Zero means forever.
	DedupeWindow time.Duration
	// Now is the clock for state timestamps and idempotency lookups.
	Now func() time.Time
}

// Store owns the database handle.
type Store struct {
	db   *sql.DB
	opts Options
}

// Open opens (or creates) the database at path and applies the embedded
// migrations. ":memory:" opens a private in-memory database.
func Open(ctx context.Context, path string, optFns ...func(o *Options)) (*Store, error) {
	if strings.TrimSpace(path) == "" {
		return nil, errors.New("storage path is required")
	}

	opts := Options{Now: func() time.Time { return time.Now().UTC() }}
	for _, fn := range optFns {
		fn(&opts)
	}

	dsn := ":memory:"
	if path != ":memory:" {
		dsn = "file:" + filepath.Clean(path) + "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)&_txlock=immediate"
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, goerr.Wrap(err, "open sqlite db", goerr.V("path", path))
	}

	// A single connection serializes writers and keeps ":memory:" databases
	// alive across calls.
	db.SetMaxOpenConns(1)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, goerr.Wrap(err, "ping sqlite db", goerr.V("path", path))
	}

	if err := ApplyMigrations(ctx, db, migrations.FS, ""); err != nil {
		_ = db.Close()
		return nil, goerr.Wrap(err, "run migrations", goerr.V("path", path))
	}

	return &Store{db: db, opts: opts}, nil
}

// Close closes the database handle.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}

	err := s.db.Close()
	s.db = nil

	return err
}

// EventLog returns the core.EventLog view of the store.
func (s *Store) EventLog() *EventLog { return &EventLog{s: s} }

// HotState returns the core.HotStateStore view of the store.
func (s *Store) HotState() *HotState { return &HotState{s: s} }

// Snapshots returns the core.SnapshotStore view of the store.
func (s *Store) Snapshots() *Snapshots { return &Snapshots{s: s} }

// History returns the core.HistoryStore view of the store.
func (s *Store) History() *History { return &History{s: s} }

func (s *Store) conn(ctx context.Context) (*sql.DB, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	if s == nil || s.db == nil {
		return nil, ErrNotConfigured
	}

	return s.db, nil
}

// inTx runs fn in a transaction and commits when it returns nil.
func (s *Store) inTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	db, err := s.conn(ctx)
	if err != nil {
		return err
	}

	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return goerr.Wrap(err, "begin tx")
	}
	defer tx.Rollback()

	if err := fn(tx); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return goerr.Wrap(err, "commit tx")
	}

	return nil
}

// toNanos stores the zero time as 0.
func toNanos(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}

	return t.UTC().UnixNano()
}

func fromNanos(v int64) time.Time {
	if v == 0 {
		return time.Time{}
	}

	return time.Unix(0, v).UTC()
}

func encodeData(data map[string]any) ([]byte, error) {
	if data == nil {
		data = map[string]any{}
	}

	return json.Marshal(data)
}

func decodeData(raw []byte) (map[string]any, error) {
	data := map[string]any{}
	if err := json.Unmarshal(raw, &data); err != nil {
		return nil, err
	}

	return data, nil
}

// Compile-time checks.
var (
	_ core.EventLog      = (*EventLog)(nil)
	_ core.HotStateStore = (*HotState)(nil)
	_ core.SnapshotStore = (*Snapshots)(nil)
	_ core.HistoryStore  = (*History)(nil)
)
