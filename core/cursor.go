package core

import "strconv"

// Cursor is a position in an instance's event stream. The first event of a
// stream carries sequence 1; a cursor value c denotes "every event up to and
// including c has been observed".
type Cursor uint64

// Beginning is the cursor before any event.
const Beginning Cursor = 0

// Next returns the cursor immediately following c.
func (c Cursor) Next() Cursor { return c + 1 }

// IsBefore reports whether c is strictly before other.
func (c Cursor) IsBefore(other Cursor) bool { return c < other }

// IsAfter reports whether c is strictly after other.
func (c Cursor) IsAfter(other Cursor) bool { return c > other }

// String implements fmt.Stringer.
func (c Cursor) String() string { return strconv.FormatUint(uint64(c), 10) }

// ParseCursor parses the decimal form produced by String.
func ParseCursor(s string) (Cursor, error) {
	v, err := strconv.ParseUint(s, 10, 64)
	if err != nil {
		return 0, err
	}

	return Cursor(v), nil
}
