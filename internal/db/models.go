package db

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"time"
)

// SessionRecord is one interpreter session lifetime.
type SessionRecord struct {
	ID           string    `json:"id"`
	Backend      string    `json:"backend"`
	Language     string    `json:"language"`
	Version      string    `json:"version"`
	PID          int       `json:"pid,omitempty"`
	RestartCount int       `json:"restart_count"`
	StartedAt    time.Time `json:"started_at"`
	EndedAt      time.Time `json:"ended_at,omitempty"`
	EndReason    string    `json:"end_reason,omitempty"`
}

// Run statuses beyond the terminal event statuses.
const RunStatusRunning = "running"

// RunRecord is one execution request.
type RunRecord struct {
	ID           string    `json:"id"`
	SessionID    string    `json:"session_id,omitempty"`
	Source       string    `json:"source"`
	Filename     string    `json:"filename"`
	SubmittedAt  time.Time `json:"submitted_at"`
	FinishedAt   time.Time `json:"finished_at,omitempty"`
	Status       string    `json:"status"`
	EventCount   int       `json:"event_count"`
	DurationMS   int64     `json:"duration_ms"`
	ErrorName    string    `json:"error_name,omitempty"`
	ErrorMessage string    `json:"error_message,omitempty"`
	ErrorLine    int       `json:"error_line,omitempty"`
}

func NewID() (string, error) {
	buf := make([]byte, 16)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("failed to read random bytes: %w", err)
	}
	return hex.EncodeToString(buf), nil
}

func nowUTC() time.Time {
	return time.Now().UTC()
}

// timestampLayout is fixed-width so stored timestamps sort lexically.
const timestampLayout = "2006-01-02T15:04:05.000000000Z07:00"

func formatTimestamp(ts time.Time) string {
	if ts.IsZero() {
		ts = nowUTC()
	}
	return ts.UTC().Format(timestampLayout)
}

func formatTimestampOrEmpty(ts time.Time) string {
	if ts.IsZero() {
		return ""
	}
	return ts.UTC().Format(timestampLayout)
}

func parseTimestamp(v string) (time.Time, error) {
	ts, err := time.Parse(time.RFC3339Nano, v)
	if err != nil {
		return time.Time{}, fmt.Errorf("failed to parse timestamp %q: %w", v, err)
	}
	return ts, nil
}

func parseOptionalTimestamp(v string) (time.Time, error) {
	if v == "" {
		return time.Time{}, nil
	}
	return parseTimestamp(v)
}

func clampLimit(limit int) int {
	if limit <= 0 {
		return 50
	}
	if limit > 500 {
		return 500
	}
	return limit
}
