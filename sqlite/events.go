package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/hupe1980/agentledger/core"
	"github.com/m-mizutani/goerr/v2"
)

// EventLog is the SQLite core.EventLog. Sequences are assigned inside the
// append transaction as MAX(sequence)+1 of the instance stream.
type EventLog struct {
	s *Store
}

const eventColumns = `instance_id, sequence, schema_ref, timestamp, correlation_key, idempotency_key, payload, source`

// Append validates ev, rejects idempotency duplicates and assigns the next
// sequence of the instance stream.
func (l *EventLog) Append(ctx context.Context, ev core.Event) (core.Event, error) {
	if err := ev.Validate(); err != nil {
		return core.Event{}, err
	}

	stored := ev.Clone()
	stored.Timestamp = stored.Timestamp.UTC()

	var dup *core.Event

	err := l.s.inTx(ctx, func(tx *sql.Tx) error {
		if ev.HasIdempotencyKey() {
			existing, ok, err := findDuplicate(ctx, tx, ev, l.s.opts.DedupeWindow)
			if err != nil {
				return err
			}

			if ok {
				dup = &existing
				return nil
			}
		}

		var last int64
		if err := tx.QueryRowContext(ctx,
			`SELECT COALESCE(MAX(sequence), 0) FROM events WHERE instance_id = ?`, ev.InstanceID,
		).Scan(&last); err != nil {
			return goerr.Wrap(err, "read last sequence", goerr.V("instance_id", ev.InstanceID))
		}

		stored.Sequence = core.Cursor(last + 1)

		if _, err := tx.ExecContext(ctx,
			`INSERT INTO events (`+eventColumns+`, schema_name) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			stored.InstanceID,
			int64(stored.Sequence),
			stored.SchemaRef.String(),
			toNanos(stored.Timestamp),
			stored.CorrelationKey,
			stored.IdempotencyKey,
			[]byte(stored.Payload),
			stored.Source,
			stored.SchemaRef.Name,
		); err != nil {
			return goerr.Wrap(err, "append event", goerr.V("instance_id", ev.InstanceID))
		}

		return nil
	})
	if err != nil {
		return core.Event{}, err
	}

	if dup != nil {
		return *dup, goerr.Wrap(core.ErrDuplicateEvent, "event already appended",
			goerr.V("instance_id", ev.InstanceID),
			goerr.V("idempotency_key", ev.IdempotencyKey),
			goerr.V("sequence", dup.Sequence))
	}

	return stored, nil
}

// findDuplicate looks for an event with the same idempotency key whose
// timestamp lies within window of ev's.
func findDuplicate(ctx context.Context, tx *sql.Tx, ev core.Event, window time.Duration) (core.Event, bool, error) {
	rows, err := tx.QueryContext(ctx,
		`SELECT `+eventColumns+` FROM events
		 WHERE instance_id = ? AND idempotency_key = ?
		 ORDER BY sequence DESC`,
		ev.InstanceID, ev.IdempotencyKey,
	)
	if err != nil {
		return core.Event{}, false, goerr.Wrap(err, "find duplicate", goerr.V("instance_id", ev.InstanceID))
	}
	defer rows.Close()

	for rows.Next() {
		existing, err := scanEvent(rows)
		if err != nil {
			return core.Event{}, false, err
		}

		if window <= 0 {
			return existing, true, nil
		}

		d := ev.Timestamp.Sub(existing.Timestamp)
		if d < 0 {
			d = -d
		}

		if d <= window {
			return existing, true, nil
		}
	}

	return core.Event{}, false, rows.Err()
}

// Read returns up to limit events with sequence > after.
func (l *EventLog) Read(ctx context.Context, instanceID string, after core.Cursor, limit int) ([]core.Event, error) {
	db, err := l.s.conn(ctx)
	if err != nil {
		return nil, err
	}

	if limit <= 0 {
		limit = -1
	}

	rows, err := db.QueryContext(ctx,
		`SELECT `+eventColumns+` FROM events
		 WHERE instance_id = ? AND sequence > ?
		 ORDER BY sequence
		 LIMIT ?`,
		instanceID, int64(after), limit,
	)
	if err != nil {
		return nil, goerr.Wrap(err, "read events", goerr.V("instance_id", instanceID), goerr.V("after", uint64(after)))
	}

	return collectEvents(rows)
}

// ReadByCorrelation returns events sharing a correlation key across all
// instances, ordered by timestamp, then instance and sequence.
func (l *EventLog) ReadByCorrelation(ctx context.Context, correlationKey, schemaName string, limit int) ([]core.Event, error) {
	db, err := l.s.conn(ctx)
	if err != nil {
		return nil, err
	}

	if limit <= 0 {
		limit = -1
	}

	rows, err := db.QueryContext(ctx,
		`SELECT `+eventColumns+` FROM events
		 WHERE correlation_key = ? AND (? = '' OR schema_name = ?)
		 ORDER BY timestamp, instance_id, sequence
		 LIMIT ?`,
		correlationKey, schemaName, schemaName, limit,
	)
	if err != nil {
		return nil, goerr.Wrap(err, "read by correlation", goerr.V("correlation_key", correlationKey))
	}

	return collectEvents(rows)
}

// FindByIdempotencyKey returns the newest event with key appended no longer
// than window ago.
func (l *EventLog) FindByIdempotencyKey(ctx context.Context, instanceID, key string, window time.Duration) (core.Event, bool, error) {
	db, err := l.s.conn(ctx)
	if err != nil {
		return core.Event{}, false, err
	}

	ev, err := scanEvent(db.QueryRowContext(ctx,
		`SELECT `+eventColumns+` FROM events
		 WHERE instance_id = ? AND idempotency_key = ?
		 ORDER BY sequence DESC
		 LIMIT 1`,
		instanceID, key,
	))
	if errors.Is(err, sql.ErrNoRows) {
		return core.Event{}, false, nil
	}

	if err != nil {
		return core.Event{}, false, goerr.Wrap(err, "find by idempotency key", goerr.V("instance_id", instanceID))
	}

	if window > 0 && l.s.opts.Now().Sub(ev.Timestamp) > window {
		return core.Event{}, false, nil
	}

	return ev, true, nil
}

// CurrentCursor returns the newest sequence of the stream.
func (l *EventLog) CurrentCursor(ctx context.Context, instanceID string) (core.Cursor, error) {
	db, err := l.s.conn(ctx)
	if err != nil {
		return 0, err
	}

	var last int64
	if err := db.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(sequence), 0) FROM events WHERE instance_id = ?`, instanceID,
	).Scan(&last); err != nil {
		return 0, goerr.Wrap(err, "current cursor", goerr.V("instance_id", instanceID))
	}

	return core.Cursor(last), nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanEvent(row scanner) (core.Event, error) {
	var (
		ev      core.Event
		seq     int64
		ref     string
		ts      int64
		payload []byte
	)

	if err := row.Scan(&ev.InstanceID, &seq, &ref, &ts, &ev.CorrelationKey, &ev.IdempotencyKey, &payload, &ev.Source); err != nil {
		return core.Event{}, err
	}

	schemaRef, err := core.ParseSchemaRef(ref)
	if err != nil {
		return core.Event{}, goerr.Wrap(err, "decode schema ref", goerr.V("schema_ref", ref))
	}

	ev.Sequence = core.Cursor(seq)
	ev.SchemaRef = schemaRef
	ev.Timestamp = fromNanos(ts)
	ev.Payload = payload

	return ev, nil
}

func collectEvents(rows *sql.Rows) ([]core.Event, error) {
	defer rows.Close()

	out := []core.Event{}

	for rows.Next() {
		ev, err := scanEvent(rows)
		if err != nil {
			return nil, err
		}

		out = append(out, ev)
	}

	return out, rows.Err()
}
