package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

type RunRepo struct {
	db *sql.DB
}

func NewRunRepo(db *sql.DB) *RunRepo {
	return &RunRepo{db: db}
}

func (r *RunRepo) Create(ctx context.Context, run *RunRecord) error {
	if run == nil {
		return fmt.Errorf("run record is required")
	}
	if run.ID == "" {
		id, err := NewID()
		if err != nil {
			return err
		}
		run.ID = id
	}
	if run.SubmittedAt.IsZero() {
		run.SubmittedAt = nowUTC()
	}
	if run.Status == "" {
		run.Status = RunStatusRunning
	}
	_, err := r.db.ExecContext(ctx, `
INSERT INTO runs (
	id, session_id, source, filename, submitted_at, finished_at, status, event_count,
	duration_ms, error_name, error_message, error_line
) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
`,
		run.ID,
		nullIfEmpty(run.SessionID),
		run.Source,
		run.Filename,
		formatTimestamp(run.SubmittedAt),
		formatTimestampOrEmpty(run.FinishedAt),
		run.Status,
		run.EventCount,
		run.DurationMS,
		run.ErrorName,
		run.ErrorMessage,
		run.ErrorLine,
	)
	if err != nil {
		return fmt.Errorf("failed to create run %q: %w", run.ID, err)
	}
	return nil
}

// Finish records the terminal status of a run.
func (r *RunRepo) Finish(ctx context.Context, id, status string, events int, elapsed time.Duration) error {
	_, err := r.db.ExecContext(ctx, `
UPDATE runs SET finished_at = ?, status = ?, event_count = ?, duration_ms = ?
WHERE id = ?
`, formatTimestamp(nowUTC()), status, events, elapsed.Milliseconds(), id)
	if err != nil {
		return fmt.Errorf("failed to finish run %q: %w", id, err)
	}
	return nil
}

// SetError records the exception a run raised.
func (r *RunRepo) SetError(ctx context.Context, id, name, message string, line int) error {
	_, err := r.db.ExecContext(ctx, `
UPDATE runs SET error_name = ?, error_message = ?, error_line = ?
WHERE id = ?
`, name, message, line, id)
	if err != nil {
		return fmt.Errorf("failed to set error of run %q: %w", id, err)
	}
	return nil
}

func (r *RunRepo) Get(ctx context.Context, id string) (*RunRecord, error) {
	row := r.db.QueryRowContext(ctx, `
SELECT `+runColumns+`
FROM runs
WHERE id = ?
`, id)
	run, err := scanRun(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get run %q: %w", id, err)
	}
	return run, nil
}

// List returns the most recent runs first, optionally limited to one session.
func (r *RunRepo) List(ctx context.Context, sessionID string, limit int) ([]*RunRecord, error) {
	query := `SELECT ` + runColumns + ` FROM runs`
	args := []any{}
	if sessionID != "" {
		query += ` WHERE session_id = ?`
		args = append(args, sessionID)
	}
	query += ` ORDER BY submitted_at DESC LIMIT ?`
	args = append(args, clampLimit(limit))

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list runs: %w", err)
	}
	defer rows.Close()

	var out []*RunRecord
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan run: %w", err)
		}
		out = append(out, run)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate runs: %w", err)
	}
	return out, nil
}

// CountByStatus returns how many runs ended with each status.
func (r *RunRepo) CountByStatus(ctx context.Context) (map[string]int, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT status, count(1) FROM runs GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("failed to count runs: %w", err)
	}
	defer rows.Close()

	out := make(map[string]int)
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, fmt.Errorf("failed to scan run count: %w", err)
		}
		out[status] = n
	}
	return out, rows.Err()
}

const runColumns = `id, session_id, source, filename, submitted_at, finished_at, status, event_count,
	duration_ms, error_name, error_message, error_line`

func scanRun(row scanner) (*RunRecord, error) {
	var run RunRecord
	var sessionID sql.NullString
	var submittedRaw, finishedRaw string
	if err := row.Scan(
		&run.ID,
		&sessionID,
		&run.Source,
		&run.Filename,
		&submittedRaw,
		&finishedRaw,
		&run.Status,
		&run.EventCount,
		&run.DurationMS,
		&run.ErrorName,
		&run.ErrorMessage,
		&run.ErrorLine,
	); err != nil {
		return nil, err
	}
	run.SessionID = sessionID.String
	var err error
	if run.SubmittedAt, err = parseTimestamp(submittedRaw); err != nil {
		return nil, err
	}
	if run.FinishedAt, err = parseOptionalTimestamp(finishedRaw); err != nil {
		return nil, err
	}
	return &run, nil
}

func nullIfEmpty(v string) sql.NullString {
	if v == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: v, Valid: true}
}
