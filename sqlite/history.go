package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"

	"github.com/hupe1980/agentledger/core"
	"github.com/m-mizutani/goerr/v2"
)

// History is the SQLite core.HistoryStore. Tool results are stored as JSON
// documents keyed by (instance, plan, action).
type History struct {
	s *Store
}

// LookupToolResult returns the recorded result for key.
func (h *History) LookupToolResult(ctx context.Context, key core.RecordKey) (core.ToolResult, bool, error) {
	db, err := h.s.conn(ctx)
	if err != nil {
		return core.ToolResult{}, false, err
	}

	res, ok, err := lookupResult(ctx, db, key)
	if err != nil {
		return core.ToolResult{}, false, goerr.Wrap(err, "lookup tool result", goerr.V("key", key.String()))
	}

	return res, ok, nil
}

// RecordToolResult stores res unless key already has a record, in which case
// the existing record wins.
func (h *History) RecordToolResult(ctx context.Context, key core.RecordKey, res core.ToolResult) (core.ToolResult, bool, error) {
	raw, err := json.Marshal(res)
	if err != nil {
		return core.ToolResult{}, false, goerr.Wrap(err, "encode tool result", goerr.V("key", key.String()))
	}

	var (
		stored   core.ToolResult
		inserted bool
	)

	err = h.s.inTx(ctx, func(tx *sql.Tx) error {
		r, err := tx.ExecContext(ctx,
			`INSERT INTO tool_records (instance_id, plan_id, action_id, result) VALUES (?, ?, ?, ?)
			 ON CONFLICT(instance_id, plan_id, action_id) DO NOTHING`,
			key.InstanceID, key.PlanID, key.ActionID, raw,
		)
		if err != nil {
			return goerr.Wrap(err, "record tool result", goerr.V("key", key.String()))
		}

		n, err := r.RowsAffected()
		if err != nil {
			return goerr.Wrap(err, "record tool result", goerr.V("key", key.String()))
		}

		inserted = n == 1

		existing, ok, err := lookupResult(ctx, tx, key)
		if err != nil {
			return goerr.Wrap(err, "read tool result", goerr.V("key", key.String()))
		}

		if !ok {
			return goerr.Wrap(core.ErrNotFound, "read tool result", goerr.V("key", key.String()))
		}

		stored = existing

		return nil
	})
	if err != nil {
		return core.ToolResult{}, false, err
	}

	return stored, inserted, nil
}

// AppendCycle stores a committed cycle or restore record.
func (h *History) AppendCycle(ctx context.Context, rec core.CycleRecord) error {
	if rec.InstanceID == "" {
		return core.ErrInstanceMissing
	}

	kind := rec.Kind
	if kind == "" {
		kind = core.CycleKindPlan
	}

	var state []byte

	if rec.State != nil {
		raw, err := json.Marshal(rec.State)
		if err != nil {
			return goerr.Wrap(err, "encode restored state", goerr.V("instance_id", rec.InstanceID))
		}

		state = raw
	}

	db, err := h.s.conn(ctx)
	if err != nil {
		return err
	}

	if _, err := db.ExecContext(ctx,
		`INSERT INTO cycles (instance_id, kind, plan_id, plan_digest, from_cursor, to_cursor, input_cursor,
		                     base_version, new_version, status, state_digest, timestamp, checkpoint_id, state)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.InstanceID, string(kind), rec.PlanID, rec.PlanDigest,
		int64(rec.From), int64(rec.To), int64(rec.Input),
		int64(rec.BaseVersion), int64(rec.NewVersion),
		string(rec.Status), rec.StateDigest, toNanos(rec.Timestamp),
		rec.CheckpointID, state,
	); err != nil {
		return goerr.Wrap(err, "append cycle", goerr.V("instance_id", rec.InstanceID), goerr.V("plan_id", rec.PlanID))
	}

	return nil
}

// ListCycles returns the records with NewVersion after afterVersion,
// ordered by NewVersion.
func (h *History) ListCycles(ctx context.Context, instanceID string, afterVersion uint64) ([]core.CycleRecord, error) {
	db, err := h.s.conn(ctx)
	if err != nil {
		return nil, err
	}

	rows, err := db.QueryContext(ctx,
		`SELECT instance_id, kind, plan_id, plan_digest, from_cursor, to_cursor, input_cursor,
		        base_version, new_version, status, state_digest, timestamp, checkpoint_id, state
		 FROM cycles
		 WHERE instance_id = ? AND new_version > ?
		 ORDER BY new_version, id`,
		instanceID, int64(afterVersion),
	)
	if err != nil {
		return nil, goerr.Wrap(err, "list cycles", goerr.V("instance_id", instanceID))
	}
	defer rows.Close()

	out := []core.CycleRecord{}

	for rows.Next() {
		var (
			rec                         core.CycleRecord
			kind, status                string
			from, to, input, base, next int64
			ts                          int64
			state                       []byte
		)

		if err := rows.Scan(&rec.InstanceID, &kind, &rec.PlanID, &rec.PlanDigest, &from, &to, &input,
			&base, &next, &status, &rec.StateDigest, &ts, &rec.CheckpointID, &state); err != nil {
			return nil, goerr.Wrap(err, "scan cycle", goerr.V("instance_id", instanceID))
		}

		rec.Kind = core.CycleKind(kind)
		rec.From = core.Cursor(from)
		rec.To = core.Cursor(to)
		rec.Input = core.Cursor(input)
		rec.BaseVersion = uint64(base)
		rec.NewVersion = uint64(next)
		rec.Status = core.ExecutionStatus(status)
		rec.Timestamp = fromNanos(ts)

		if len(state) > 0 {
			var st core.State
			if err := json.Unmarshal(state, &st); err != nil {
				return nil, goerr.Wrap(err, "decode restored state", goerr.V("instance_id", instanceID))
			}

			rec.State = &st
		}

		out = append(out, rec)
	}

	return out, rows.Err()
}

// SaveIntent replaces the cycle intent of the instance.
func (h *History) SaveIntent(ctx context.Context, intent core.CycleIntent) error {
	if intent.InstanceID == "" {
		return core.ErrInstanceMissing
	}

	db, err := h.s.conn(ctx)
	if err != nil {
		return err
	}

	if _, err := db.ExecContext(ctx,
		`INSERT INTO cycle_intents (instance_id, base_version, from_cursor, input_cursor) VALUES (?, ?, ?, ?)
		 ON CONFLICT(instance_id) DO UPDATE SET
		     base_version = excluded.base_version,
		     from_cursor = excluded.from_cursor,
		     input_cursor = excluded.input_cursor`,
		intent.InstanceID, int64(intent.BaseVersion), int64(intent.From), int64(intent.Input),
	); err != nil {
		return goerr.Wrap(err, "save cycle intent", goerr.V("instance_id", intent.InstanceID))
	}

	return nil
}

// FindIntent returns the latest cycle intent of the instance.
func (h *History) FindIntent(ctx context.Context, instanceID string) (core.CycleIntent, bool, error) {
	db, err := h.s.conn(ctx)
	if err != nil {
		return core.CycleIntent{}, false, err
	}

	var base, from, input int64

	err = db.QueryRowContext(ctx,
		`SELECT base_version, from_cursor, input_cursor FROM cycle_intents WHERE instance_id = ?`,
		instanceID,
	).Scan(&base, &from, &input)
	if errors.Is(err, sql.ErrNoRows) {
		return core.CycleIntent{}, false, nil
	}

	if err != nil {
		return core.CycleIntent{}, false, goerr.Wrap(err, "find cycle intent", goerr.V("instance_id", instanceID))
	}

	return core.CycleIntent{
		InstanceID:  instanceID,
		BaseVersion: uint64(base),
		From:        core.Cursor(from),
		Input:       core.Cursor(input),
	}, true, nil
}

func lookupResult(ctx context.Context, q queryer, key core.RecordKey) (core.ToolResult, bool, error) {
	var raw []byte

	err := q.QueryRowContext(ctx,
		`SELECT result FROM tool_records WHERE instance_id = ? AND plan_id = ? AND action_id = ?`,
		key.InstanceID, key.PlanID, key.ActionID,
	).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return core.ToolResult{}, false, nil
	}

	if err != nil {
		return core.ToolResult{}, false, err
	}

	var res core.ToolResult
	if err := json.Unmarshal(raw, &res); err != nil {
		return core.ToolResult{}, false, err
	}

	return res, true, nil
}
