package store

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
)

type SessionRepo struct {
	db *sql.DB
}

func NewSessionRepo(db *sql.DB) *SessionRepo {
	return &SessionRepo{db: db}
}

func (r *SessionRepo) Create(ctx context.Context, rec *SessionRecord) error {
	if rec.ID == "" {
		return fmt.Errorf("session id cannot be empty")
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = nowUTC()
	}
	if rec.Status == "" {
		rec.Status = StatusActive
	}

	_, err := r.db.ExecContext(ctx, `
INSERT INTO sessions (id, kind, name, command, cols, rows, work_dir, status, created_at, ended_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
`, rec.ID, rec.Kind, rec.Name, rec.Command, rec.Cols, rec.Rows, rec.WorkDir, rec.Status, formatTimestamp(rec.CreatedAt), nullIfZeroTime(rec.EndedAt))
	if err != nil {
		return fmt.Errorf("failed to create session: %w", err)
	}
	return nil
}

func (r *SessionRepo) Get(ctx context.Context, id string) (*SessionRecord, error) {
	var rec SessionRecord
	var createdRaw string
	var endedRaw sql.NullString

	err := r.db.QueryRowContext(ctx, `
SELECT id, kind, name, command, cols, rows, work_dir, status, created_at, ended_at
FROM sessions
WHERE id = ?
`, id).Scan(&rec.ID, &rec.Kind, &rec.Name, &rec.Command, &rec.Cols, &rec.Rows, &rec.WorkDir, &rec.Status, &createdRaw, &endedRaw)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get session %q: %w", id, err)
	}

	rec.CreatedAt, err = parseTimestamp(createdRaw)
	if err != nil {
		return nil, err
	}
	if endedRaw.Valid {
		rec.EndedAt, err = parseTimestamp(endedRaw.String)
		if err != nil {
			return nil, err
		}
	}
	return &rec, nil
}

// SessionFilter narrows List results. Zero fields match everything.
type SessionFilter struct {
	Kind   string
	Status string
}

func (r *SessionRepo) List(ctx context.Context, filter SessionFilter) ([]*SessionRecord, error) {
	query := `SELECT id, kind, name, command, cols, rows, work_dir, status, created_at, ended_at FROM sessions`
	args := []any{}
	where := []string{}

	if filter.Kind != "" {
		where = append(where, "kind = ?")
		args = append(args, filter.Kind)
	}
	if filter.Status != "" {
		where = append(where, "status = ?")
		args = append(args, filter.Status)
	}
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY created_at DESC"

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list sessions: %w", err)
	}
	defer rows.Close()

	records := []*SessionRecord{}
	for rows.Next() {
		var rec SessionRecord
		var createdRaw string
		var endedRaw sql.NullString
		if err := rows.Scan(&rec.ID, &rec.Kind, &rec.Name, &rec.Command, &rec.Cols, &rec.Rows, &rec.WorkDir, &rec.Status, &createdRaw, &endedRaw); err != nil {
			return nil, fmt.Errorf("failed to scan session row: %w", err)
		}
		rec.CreatedAt, err = parseTimestamp(createdRaw)
		if err != nil {
			return nil, err
		}
		if endedRaw.Valid {
			rec.EndedAt, err = parseTimestamp(endedRaw.String)
			if err != nil {
				return nil, err
			}
		}
		records = append(records, &rec)
	}
	return records, rows.Err()
}

// MarkEnded flips the session to terminated and stamps the end time.
func (r *SessionRepo) MarkEnded(ctx context.Context, id string) error {
	res, err := r.db.ExecContext(ctx, `
UPDATE sessions SET status = ?, ended_at = ? WHERE id = ?
`, StatusTerminated, formatTimestamp(nowUTC()), id)
	if err != nil {
		return fmt.Errorf("failed to mark session %q ended: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("session %q not found", id)
	}
	return nil
}

// UpdateSize records the session's current terminal dimensions.
func (r *SessionRepo) UpdateSize(ctx context.Context, id string, cols, rows int) error {
	_, err := r.db.ExecContext(ctx, `
UPDATE sessions SET cols = ?, rows = ? WHERE id = ?
`, cols, rows, id)
	if err != nil {
		return fmt.Errorf("failed to update session %q size: %w", id, err)
	}
	return nil
}

func (r *SessionRepo) Delete(ctx context.Context, id string) error {
	_, err := r.db.ExecContext(ctx, `DELETE FROM sessions WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("failed to delete session %q: %w", id, err)
	}
	return nil
}
