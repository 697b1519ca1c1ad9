package store

import (
	"database/sql"
	"fmt"
	"time"
)

// Session statuses.
const (
	StatusActive     = "active"
	StatusTerminated = "terminated"
)

// SessionRecord is one persisted terminal session.
type SessionRecord struct {
	ID        string
	Kind      string
	Name      string
	Command   string
	Cols      int
	Rows      int
	WorkDir   string
	Status    string
	CreatedAt time.Time
	EndedAt   time.Time
}

// ErrorRecord is one detected error block for a session.
type ErrorRecord struct {
	ID         int64
	SessionID  string
	Stream     string
	Rule       string
	DedupKey   string
	Block      string
	DetectedAt time.Time
}

func nowUTC() time.Time {
	return time.Now().UTC()
}

func formatTimestamp(ts time.Time) string {
	if ts.IsZero() {
		ts = nowUTC()
	}
	return ts.UTC().Format(time.RFC3339)
}

func parseTimestamp(v string) (time.Time, error) {
	ts, err := time.Parse(time.RFC3339, v)
	if err != nil {
		return time.Time{}, fmt.Errorf("failed to parse timestamp %q: %w", v, err)
	}
	return ts, nil
}

func nullIfZeroTime(ts time.Time) sql.NullString {
	if ts.IsZero() {
		return sql.NullString{}
	}
	return sql.NullString{String: formatTimestamp(ts), Valid: true}
}
