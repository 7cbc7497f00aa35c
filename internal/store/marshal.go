package store

import (
	"database/sql"
	"time"
)

// rowScanner is satisfied by *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...any) error
}

// nullTime converts t to a nullable INTEGER column value.
// The zero time is stored as NULL.
func nullTime(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return t.UnixNano()
}

// unixNano converts t to a NOT NULL INTEGER column value.
func unixNano(t time.Time) int64 {
	return t.UnixNano()
}

// timeFrom converts a nullable INTEGER column back to a UTC time.
func timeFrom(v sql.NullInt64) time.Time {
	if !v.Valid {
		return time.Time{}
	}
	return time.Unix(0, v.Int64).UTC()
}

// timeFromInt converts a NOT NULL INTEGER column back to a UTC time.
func timeFromInt(v int64) time.Time {
	return time.Unix(0, v).UTC()
}
