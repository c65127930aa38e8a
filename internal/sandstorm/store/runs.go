package store

import (
	"context"
	"fmt"
	"time"
)

// RunRecord is one terminated session's audit row.
type RunRecord struct {
	SessionID  string
	Backend    string
	Outcome    string
	Subtype    string
	Error      string
	CreatedAt  time.Time
	FinishedAt time.Time
}

// RecordRun inserts a terminated session. Idempotent per session ID.
func (s *Store) RecordRun(ctx context.Context, rec RunRecord) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO runs (session_id, backend, outcome, subtype, error, created_at, finished_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (session_id) DO NOTHING`,
		rec.SessionID, rec.Backend, rec.Outcome, rec.Subtype, rec.Error,
		rec.CreatedAt.UTC(), rec.FinishedAt.UTC(),
	)
	if err != nil {
		return fmt.Errorf("record run %s: %w", rec.SessionID, err)
	}
	return nil
}

// RecentRuns returns the most recently finished runs, newest first.
func (s *Store) RecentRuns(ctx context.Context, limit int) ([]RunRecord, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT session_id, backend, outcome, subtype, error, created_at, finished_at
		FROM runs ORDER BY finished_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	defer rows.Close()

	var records []RunRecord
	for rows.Next() {
		var rec RunRecord
		if err := rows.Scan(&rec.SessionID, &rec.Backend, &rec.Outcome, &rec.Subtype,
			&rec.Error, &rec.CreatedAt, &rec.FinishedAt); err != nil {
			return nil, fmt.Errorf("scan run: %w", err)
		}
		records = append(records, rec)
	}
	return records, rows.Err()
}

// RunCount returns the total number of recorded runs.
func (s *Store) RunCount(ctx context.Context) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM runs").Scan(&n); err != nil {
		return 0, fmt.Errorf("count runs: %w", err)
	}
	return n, nil
}
