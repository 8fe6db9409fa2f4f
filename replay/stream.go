package replay

import (
	"context"
	"fmt"

	"github.com/hupe1980/agentledger/core"
	"github.com/m-mizutani/goerr/v2"
)

// stream reads an instance's events page by page and hands out contiguous
// ranges of them.
type stream struct {
	log        core.EventLog
	instanceID string
	pageSize   int
	last       core.Cursor

	buf []core.Event
	// read is the sequence of the newest event fetched so far.
	read core.Cursor
	// gap is set once the log skipped a sequence; nothing after it is read.
	gap error
}

func newStream(log core.EventLog, instanceID string, after, last core.Cursor, pageSize int) *stream {
	return &stream{log: log, instanceID: instanceID, pageSize: pageSize, last: last, read: after}
}

// take returns the events with sequence in [from, to].
func (s *stream) take(ctx context.Context, from, to core.Cursor) ([]core.Event, error) {
	for len(s.buf) > 0 && s.buf[0].Sequence.IsBefore(from) {
		s.buf = s.buf[1:]
	}

	for s.read.IsBefore(to) && s.gap == nil {
		page, err := s.log.Read(ctx, s.instanceID, s.read, s.pageSize)
		if err != nil {
			return nil, goerr.Wrap(err, "read events", goerr.V("instance_id", s.instanceID), goerr.V("after", uint64(s.read)))
		}

		if len(page) == 0 {
			s.gap = goerr.Wrap(core.ErrSequenceGap, "event log ends early",
				goerr.V("want", uint64(to)), goerr.V("have", uint64(s.read)))

			break
		}

		for _, ev := range page {
			if ev.Sequence != s.read.Next() {
				s.gap = goerr.Wrap(core.ErrSequenceGap, fmt.Sprintf("event %d missing", uint64(s.read.Next())),
					goerr.V("previous", uint64(s.read)), goerr.V("sequence", uint64(ev.Sequence)))

				break
			}

			s.read = ev.Sequence

			if !ev.Sequence.IsBefore(from) && !ev.Sequence.IsAfter(s.last) {
				s.buf = append(s.buf, ev)
			}
		}
	}

	n := 0
	for n < len(s.buf) && !s.buf[n].Sequence.IsAfter(to) {
		n++
	}

	if n == 0 || s.buf[0].Sequence != from || s.buf[n-1].Sequence != to {
		if s.gap != nil {
			return nil, s.gap
		}

		return nil, goerr.Wrap(core.ErrSequenceGap, "missing events", goerr.V("from", uint64(from)), goerr.V("to", uint64(to)))
	}

	out := make([]core.Event, n)
	copy(out, s.buf[:n])

	return out, nil
}
