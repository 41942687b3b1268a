package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

type SessionRepo struct {
	db *sql.DB
}

func NewSessionRepo(db *sql.DB) *SessionRepo {
	return &SessionRepo{db: db}
}

func (r *SessionRepo) Create(ctx context.Context, s *SessionRecord) error {
	if s == nil {
		return fmt.Errorf("session record is required")
	}
	if s.ID == "" {
		id, err := NewID()
		if err != nil {
			return err
		}
		s.ID = id
	}
	if s.StartedAt.IsZero() {
		s.StartedAt = nowUTC()
	}
	_, err := r.db.ExecContext(ctx, `
INSERT INTO kernel_sessions (
	id, backend, language, version, pid, restart_count, started_at, ended_at, end_reason
) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
`,
		s.ID,
		s.Backend,
		s.Language,
		s.Version,
		s.PID,
		s.RestartCount,
		formatTimestamp(s.StartedAt),
		formatTimestampOrEmpty(s.EndedAt),
		s.EndReason,
	)
	if err != nil {
		return fmt.Errorf("failed to create session %q: %w", s.ID, err)
	}
	return nil
}

// End records when and why a session ended. Ending an unknown session is a
// no-op.
func (r *SessionRepo) End(ctx context.Context, id, reason string) error {
	_, err := r.db.ExecContext(ctx, `
UPDATE kernel_sessions SET ended_at = ?, end_reason = ?
WHERE id = ? AND ended_at = ''
`, formatTimestamp(nowUTC()), reason, id)
	if err != nil {
		return fmt.Errorf("failed to end session %q: %w", id, err)
	}
	return nil
}

func (r *SessionRepo) Get(ctx context.Context, id string) (*SessionRecord, error) {
	row := r.db.QueryRowContext(ctx, `
SELECT id, backend, language, version, pid, restart_count, started_at, ended_at, end_reason
FROM kernel_sessions
WHERE id = ?
`, id)
	s, err := scanSession(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get session %q: %w", id, err)
	}
	return s, nil
}

// List returns the most recently started sessions first.
func (r *SessionRepo) List(ctx context.Context, limit int) ([]*SessionRecord, error) {
	rows, err := r.db.QueryContext(ctx, `
SELECT id, backend, language, version, pid, restart_count, started_at, ended_at, end_reason
FROM kernel_sessions
ORDER BY started_at DESC
LIMIT ?
`, clampLimit(limit))
	if err != nil {
		return nil, fmt.Errorf("failed to list sessions: %w", err)
	}
	defer rows.Close()

	var out []*SessionRecord
	for rows.Next() {
		s, err := scanSession(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan session: %w", err)
		}
		out = append(out, s)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate sessions: %w", err)
	}
	return out, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanSession(row scanner) (*SessionRecord, error) {
	var s SessionRecord
	var startedRaw, endedRaw string
	if err := row.Scan(
		&s.ID,
		&s.Backend,
		&s.Language,
		&s.Version,
		&s.PID,
		&s.RestartCount,
		&startedRaw,
		&endedRaw,
		&s.EndReason,
	); err != nil {
		return nil, err
	}
	var err error
	if s.StartedAt, err = parseTimestamp(startedRaw); err != nil {
		return nil, err
	}
	if s.EndedAt, err = parseOptionalTimestamp(endedRaw); err != nil {
		return nil, err
	}
	return &s, nil
}
