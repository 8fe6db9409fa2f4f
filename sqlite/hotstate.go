package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"

	"github.com/google/uuid"
	"github.com/hupe1980/agentledger/core"
	"github.com/m-mizutani/goerr/v2"
)

// HotState is the SQLite core.HotStateStore.
type HotState struct {
	s *Store
}

// Read returns the current state, if the instance has one.
func (h *HotState) Read(ctx context.Context, instanceID string) (core.State, bool, error) {
	db, err := h.s.conn(ctx)
	if err != nil {
		return core.State{}, false, err
	}

	st, ok, err := readState(ctx, db, instanceID)
	if err != nil {
		return core.State{}, false, goerr.Wrap(err, "read state", goerr.V("instance_id", instanceID))
	}

	return st, ok, nil
}

// Update performs the optimistic compare-and-set.
func (h *HotState) Update(ctx context.Context, instanceID string, expectedVersion uint64, newState core.State) (bool, error) {
	if instanceID == "" {
		return false, core.ErrInstanceMissing
	}

	if newState.Version <= expectedVersion {
		return false, core.ErrInvalidVersion
	}

	data, err := encodeData(newState.Data)
	if err != nil {
		return false, goerr.Wrap(err, "encode state", goerr.V("instance_id", instanceID))
	}

	updated := false

	err = h.s.inTx(ctx, func(tx *sql.Tx) error {
		var res sql.Result

		if expectedVersion == 0 {
			res, err = tx.ExecContext(ctx,
				`INSERT INTO states (instance_id, version, data, last_modified) VALUES (?, ?, ?, ?)
				 ON CONFLICT(instance_id) DO NOTHING`,
				instanceID, int64(newState.Version), data, toNanos(newState.LastModified),
			)
		} else {
			res, err = tx.ExecContext(ctx,
				`UPDATE states SET version = ?, data = ?, last_modified = ?
				 WHERE instance_id = ? AND version = ?`,
				int64(newState.Version), data, toNanos(newState.LastModified), instanceID, int64(expectedVersion),
			)
		}

		if err != nil {
			return goerr.Wrap(err, "update state", goerr.V("instance_id", instanceID), goerr.V("expected_version", expectedVersion))
		}

		n, err := res.RowsAffected()
		if err != nil {
			return goerr.Wrap(err, "update state", goerr.V("instance_id", instanceID))
		}

		updated = n == 1

		return nil
	})

	return updated, err
}

// Upsert writes data as the next version regardless of the current one.
func (h *HotState) Upsert(ctx context.Context, instanceID string, data map[string]any) (uint64, error) {
	if instanceID == "" {
		return 0, core.ErrInstanceMissing
	}

	var version uint64

	err := h.s.inTx(ctx, func(tx *sql.Tx) error {
		v, err := h.upsert(ctx, tx, instanceID, data)
		version = v

		return err
	})

	return version, err
}

// Checkpoint stores a copy of the current state under a fresh id.
func (h *HotState) Checkpoint(ctx context.Context, instanceID string, metadata map[string]string, snapshotRef string) (core.Checkpoint, error) {
	var cp core.Checkpoint

	err := h.s.inTx(ctx, func(tx *sql.Tx) error {
		st, ok, err := readState(ctx, tx, instanceID)
		if err != nil {
			return goerr.Wrap(err, "read state", goerr.V("instance_id", instanceID))
		}

		if !ok {
			return goerr.Wrap(core.ErrNotFound, "checkpoint", goerr.V("instance_id", instanceID))
		}

		cp = core.NewCheckpoint(uuid.NewString(), instanceID, st.Version, h.s.opts.Now(), metadata, snapshotRef)

		md, err := json.Marshal(cp.Metadata)
		if err != nil {
			return goerr.Wrap(err, "encode metadata", goerr.V("instance_id", instanceID))
		}

		data, err := encodeData(st.Data)
		if err != nil {
			return goerr.Wrap(err, "encode state", goerr.V("instance_id", instanceID))
		}

		if _, err := tx.ExecContext(ctx,
			`INSERT INTO checkpoints (id, instance_id, state_version, timestamp, metadata, snapshot_ref, data)
			 VALUES (?, ?, ?, ?, ?, ?, ?)`,
			cp.ID, instanceID, int64(cp.StateVersion), toNanos(cp.Timestamp), md, snapshotRef, data,
		); err != nil {
			return goerr.Wrap(err, "insert checkpoint", goerr.V("instance_id", instanceID))
		}

		return nil
	})

	return cp, err
}

// Restore writes the checkpointed data as the next version.
func (h *HotState) Restore(ctx context.Context, instanceID, checkpointID string) (core.State, error) {
	var st core.State

	err := h.s.inTx(ctx, func(tx *sql.Tx) error {
		var raw []byte

		err := tx.QueryRowContext(ctx,
			`SELECT data FROM checkpoints WHERE id = ? AND instance_id = ?`, checkpointID, instanceID,
		).Scan(&raw)
		if errors.Is(err, sql.ErrNoRows) {
			return goerr.Wrap(core.ErrNotFound, "restore", goerr.V("checkpoint_id", checkpointID))
		}

		if err != nil {
			return goerr.Wrap(err, "read checkpoint", goerr.V("checkpoint_id", checkpointID))
		}

		data, err := decodeData(raw)
		if err != nil {
			return goerr.Wrap(err, "decode checkpoint", goerr.V("checkpoint_id", checkpointID))
		}

		if _, err := h.upsert(ctx, tx, instanceID, data); err != nil {
			return err
		}

		restored, _, err := readState(ctx, tx, instanceID)
		st = restored

		return err
	})

	return st, err
}

func (h *HotState) upsert(ctx context.Context, tx *sql.Tx, instanceID string, data map[string]any) (uint64, error) {
	raw, err := encodeData(data)
	if err != nil {
		return 0, goerr.Wrap(err, "encode state", goerr.V("instance_id", instanceID))
	}

	var version int64
	if err := tx.QueryRowContext(ctx,
		`INSERT INTO states (instance_id, version, data, last_modified) VALUES (?, 1, ?, ?)
		 ON CONFLICT(instance_id) DO UPDATE SET
		   version = states.version + 1,
		   data = excluded.data,
		   last_modified = excluded.last_modified
		 RETURNING version`,
		instanceID, raw, toNanos(h.s.opts.Now()),
	).Scan(&version); err != nil {
		return 0, goerr.Wrap(err, "upsert state", goerr.V("instance_id", instanceID))
	}

	return uint64(version), nil
}

type queryer interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func readState(ctx context.Context, q queryer, instanceID string) (core.State, bool, error) {
	var (
		version int64
		raw     []byte
		ts      int64
	)

	err := q.QueryRowContext(ctx,
		`SELECT version, data, last_modified FROM states WHERE instance_id = ?`, instanceID,
	).Scan(&version, &raw, &ts)
	if errors.Is(err, sql.ErrNoRows) {
		return core.State{}, false, nil
	}

	if err != nil {
		return core.State{}, false, err
	}

	data, err := decodeData(raw)
	if err != nil {
		return core.State{}, false, err
	}

	return core.State{Version: uint64(version), Data: data, LastModified: fromNanos(ts)}, true, nil
}
