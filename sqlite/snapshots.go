package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"strings"

	"github.com/hupe1980/agentledger/core"
	"github.com/m-mizutani/goerr/v2"
)

// ErrSnapshotExists is returned when a snapshot id is saved twice.
var ErrSnapshotExists = errors.New("snapshot already exists")

// Snapshots is the SQLite core.SnapshotStore.
type Snapshots struct {
	s *Store
}

const snapshotColumns = `id, instance_id, cursor, data, timestamp, state_version`

// Save validates and stores snap. Snapshot ids are unique.
func (p *Snapshots) Save(ctx context.Context, snap core.Snapshot) error {
	if err := snap.Validate(); err != nil {
		return err
	}

	db, err := p.s.conn(ctx)
	if err != nil {
		return err
	}

	data, err := encodeData(snap.Data)
	if err != nil {
		return goerr.Wrap(err, "encode snapshot", goerr.V("snapshot_id", snap.ID))
	}

	if _, err := db.ExecContext(ctx,
		`INSERT INTO snapshots (`+snapshotColumns+`) VALUES (?, ?, ?, ?, ?, ?)`,
		snap.ID, snap.InstanceID, int64(snap.Cursor), data, toNanos(snap.Timestamp), int64(snap.StateVersion),
	); err != nil {
		if isConstraintError(err) {
			return goerr.Wrap(ErrSnapshotExists, "save snapshot", goerr.V("snapshot_id", snap.ID))
		}

		return goerr.Wrap(err, "save snapshot", goerr.V("snapshot_id", snap.ID))
	}

	return nil
}

// FindByID returns the snapshot with the given id.
func (p *Snapshots) FindByID(ctx context.Context, id string) (core.Snapshot, bool, error) {
	db, err := p.s.conn(ctx)
	if err != nil {
		return core.Snapshot{}, false, err
	}

	return scanSnapshot(db.QueryRowContext(ctx,
		`SELECT `+snapshotColumns+` FROM snapshots WHERE id = ?`, id))
}

// FindLatestBefore returns the newest snapshot with Cursor <= maxCursor.
// Snapshots at the same cursor are ordered by insertion.
func (p *Snapshots) FindLatestBefore(ctx context.Context, instanceID string, maxCursor core.Cursor) (core.Snapshot, bool, error) {
	db, err := p.s.conn(ctx)
	if err != nil {
		return core.Snapshot{}, false, err
	}

	return scanSnapshot(db.QueryRowContext(ctx,
		`SELECT `+snapshotColumns+` FROM snapshots
		 WHERE instance_id = ? AND cursor <= ?
		 ORDER BY cursor DESC, rowid DESC
		 LIMIT 1`,
		instanceID, int64(maxCursor)))
}

// DeleteBefore removes snapshots with Cursor < cursor.
func (p *Snapshots) DeleteBefore(ctx context.Context, instanceID string, cursor core.Cursor) (int, error) {
	db, err := p.s.conn(ctx)
	if err != nil {
		return 0, err
	}

	res, err := db.ExecContext(ctx,
		`DELETE FROM snapshots WHERE instance_id = ? AND cursor < ?`, instanceID, int64(cursor))
	if err != nil {
		return 0, goerr.Wrap(err, "delete snapshots", goerr.V("instance_id", instanceID))
	}

	n, err := res.RowsAffected()
	if err != nil {
		return 0, goerr.Wrap(err, "delete snapshots", goerr.V("instance_id", instanceID))
	}

	return int(n), nil
}

func scanSnapshot(row *sql.Row) (core.Snapshot, bool, error) {
	var (
		snap    core.Snapshot
		cursor  int64
		raw     []byte
		ts      int64
		version int64
	)

	err := row.Scan(&snap.ID, &snap.InstanceID, &cursor, &raw, &ts, &version)
	if errors.Is(err, sql.ErrNoRows) {
		return core.Snapshot{}, false, nil
	}

	if err != nil {
		return core.Snapshot{}, false, goerr.Wrap(err, "read snapshot")
	}

	data, err := decodeData(raw)
	if err != nil {
		return core.Snapshot{}, false, goerr.Wrap(err, "decode snapshot", goerr.V("snapshot_id", snap.ID))
	}

	snap.Cursor = core.Cursor(cursor)
	snap.Data = data
	snap.Timestamp = fromNanos(ts)
	snap.StateVersion = uint64(version)

	return snap, true, nil
}

func isConstraintError(err error) bool {
	return strings.Contains(strings.ToLower(err.Error()), "constraint")
}
