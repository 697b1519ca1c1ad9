package store

import (
	"context"
	"database/sql"
	"fmt"
)

type ErrorRepo struct {
	db *sql.DB
}

func NewErrorRepo(db *sql.DB) *ErrorRepo {
	return &ErrorRepo{db: db}
}

// Record inserts a detected error block. A block with the same dedup key for
// the same session and stream is ignored, so replays are harmless.
func (r *ErrorRepo) Record(ctx context.Context, rec *ErrorRecord) error {
	if rec.SessionID == "" || rec.DedupKey == "" {
		return fmt.Errorf("error record requires session id and dedup key")
	}
	if rec.DetectedAt.IsZero() {
		rec.DetectedAt = nowUTC()
	}

	res, err := r.db.ExecContext(ctx, `
INSERT OR IGNORE INTO error_events (session_id, stream, rule, dedup_key, block, detected_at)
VALUES (?, ?, ?, ?, ?, ?)
`, rec.SessionID, rec.Stream, rec.Rule, rec.DedupKey, rec.Block, formatTimestamp(rec.DetectedAt))
	if err != nil {
		return fmt.Errorf("failed to record error event: %w", err)
	}
	if id, err := res.LastInsertId(); err == nil {
		rec.ID = id
	}
	return nil
}

// ListBySession returns the session's error blocks, oldest first.
func (r *ErrorRepo) ListBySession(ctx context.Context, sessionID string) ([]*ErrorRecord, error) {
	rows, err := r.db.QueryContext(ctx, `
SELECT id, session_id, stream, rule, dedup_key, block, detected_at
FROM error_events
WHERE session_id = ?
ORDER BY detected_at ASC, id ASC
`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("failed to list error events: %w", err)
	}
	defer rows.Close()

	records := []*ErrorRecord{}
	for rows.Next() {
		var rec ErrorRecord
		var detectedRaw string
		if err := rows.Scan(&rec.ID, &rec.SessionID, &rec.Stream, &rec.Rule, &rec.DedupKey, &rec.Block, &detectedRaw); err != nil {
			return nil, fmt.Errorf("failed to scan error event row: %w", err)
		}
		rec.DetectedAt, err = parseTimestamp(detectedRaw)
		if err != nil {
			return nil, err
		}
		records = append(records, &rec)
	}
	return records, rows.Err()
}

// CountBySession reports how many distinct error blocks the session has.
func (r *ErrorRepo) CountBySession(ctx context.Context, sessionID string) (int, error) {
	var n int
	err := r.db.QueryRowContext(ctx, `
SELECT COUNT(*) FROM error_events WHERE session_id = ?
`, sessionID).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("failed to count error events: %w", err)
	}
	return n, nil
}
