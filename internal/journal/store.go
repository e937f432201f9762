// Package journal records every build invocation and the fate of each of
// its batches in SQLite.
package journal

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// ErrNotFound is returned when an invocation id is unknown.
var ErrNotFound = errors.New("invocation not found")

// Invocation statuses.
const (
	StatusRunning   = "running"
	StatusSucceeded = "succeeded"
	StatusRequeued  = "requeued"
	StatusFailed    = "failed"
	StatusAbandoned = "abandoned"
)

// Batch outcomes.
const (
	BatchCompleted = "completed"
	BatchRequeued  = "requeued"
	BatchAbandoned = "abandoned"
)

// Launch describes an invocation as it starts.
type Launch struct {
	ID         string
	Generation int
	Descriptor string
	Batches    int
	Items      int
	LocalOnly  bool
	StartedAt  time.Time
}

// Close describes how an invocation ended.
type Close struct {
	ID         string
	ExitCode   int
	Completed  int
	Requeued   int
	Err        error
	FinishedAt time.Time
	Batches    []Batch
}

// Batch is one batch's outcome within an invocation.
type Batch struct {
	Generation int
	Sequence   int
	Items      int
	Outcome    string
}

// Entry is a journal row.
type Entry struct {
	Launch
	Status     string
	ExitCode   *int
	Completed  int
	Requeued   int
	LastError  string
	FinishedAt *time.Time
}

type Store struct {
	db *sql.DB
}

func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

func (s *Store) RecordLaunch(ctx context.Context, l Launch) error {
	if l.ID == "" {
		return fmt.Errorf("invocation id is empty")
	}
	_, err := s.db.ExecContext(ctx, `
INSERT INTO invocation_log(id, generation, descriptor, batches, items, local_only, status, started_at)
VALUES(?, ?, ?, ?, ?, ?, ?, ?);
`, l.ID, l.Generation, l.Descriptor, l.Batches, l.Items, l.LocalOnly, StatusRunning, l.StartedAt.UTC().Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("insert invocation: %w", err)
	}
	return nil
}

// RecordClose finalizes an invocation and stores its batch outcomes.
func (s *Store) RecordClose(ctx context.Context, c Close) error {
	status := StatusSucceeded
	var lastErr sql.NullString
	switch {
	case c.Err != nil:
		status = StatusFailed
		lastErr = sql.NullString{String: c.Err.Error(), Valid: true}
	case c.Requeued > 0:
		status = StatusRequeued
	}
	finished := c.FinishedAt.UTC().Format(time.RFC3339Nano)

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	res, err := tx.ExecContext(ctx, `
UPDATE invocation_log
SET status = ?, exit_code = ?, completed = ?, requeued = ?, last_error = ?, finished_at = ?
WHERE id = ?;
`, status, c.ExitCode, c.Completed, c.Requeued, lastErr, finished, c.ID)
	if err != nil {
		return fmt.Errorf("update invocation: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("invocation %s: %w", c.ID, ErrNotFound)
	}

	for _, b := range c.Batches {
		_, err := tx.ExecContext(ctx, `
INSERT INTO batch_log(invocation_id, generation, sequence, items, outcome, recorded_at)
VALUES(?, ?, ?, ?, ?, ?);
`, c.ID, b.Generation, b.Sequence, b.Items, b.Outcome, finished)
		if err != nil {
			return fmt.Errorf("insert batch %d/%d: %w", b.Generation, b.Sequence, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}

// MarkAbandoned closes invocations left running by a previous process.
func (s *Store) MarkAbandoned(ctx context.Context, now time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
UPDATE invocation_log SET status = ?, finished_at = ? WHERE status = ?;
`, StatusAbandoned, now.UTC().Format(time.RFC3339Nano), StatusRunning)
	if err != nil {
		return 0, fmt.Errorf("mark abandoned: %w", err)
	}
	return res.RowsAffected()
}

const entryColumns = `id, generation, descriptor, batches, items, local_only, status,
       exit_code, completed, requeued, last_error, started_at, finished_at`

// Recent returns up to limit invocations, newest first.
func (s *Store) Recent(ctx context.Context, limit int) ([]Entry, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.db.QueryContext(ctx, `
SELECT `+entryColumns+`
FROM invocation_log
ORDER BY started_at DESC
LIMIT ?;
`, limit)
	if err != nil {
		return nil, fmt.Errorf("query invocations: %w", err)
	}
	defer rows.Close()

	var out []Entry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// Get returns a single invocation.
func (s *Store) Get(ctx context.Context, id string) (Entry, error) {
	row := s.db.QueryRowContext(ctx, `
SELECT `+entryColumns+`
FROM invocation_log
WHERE id = ?;
`, id)
	e, err := scanEntry(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Entry{}, fmt.Errorf("invocation %s: %w", id, ErrNotFound)
	}
	return e, err
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanEntry(row rowScanner) (Entry, error) {
	var (
		e                   Entry
		exitCode            sql.NullInt64
		completed, requeued sql.NullInt64
		lastErr, finished   sql.NullString
		started             string
	)
	if err := row.Scan(&e.ID, &e.Generation, &e.Descriptor, &e.Batches, &e.Items, &e.LocalOnly, &e.Status,
		&exitCode, &completed, &requeued, &lastErr, &started, &finished); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Entry{}, err
		}
		return Entry{}, fmt.Errorf("scan invocation: %w", err)
	}
	var err error
	if e.StartedAt, err = time.Parse(time.RFC3339Nano, started); err != nil {
		return Entry{}, fmt.Errorf("parse started_at: %w", err)
	}
	if exitCode.Valid {
		code := int(exitCode.Int64)
		e.ExitCode = &code
	}
	e.Completed = int(completed.Int64)
	e.Requeued = int(requeued.Int64)
	e.LastError = lastErr.String
	if finished.Valid {
		t, err := time.Parse(time.RFC3339Nano, finished.String)
		if err != nil {
			return Entry{}, fmt.Errorf("parse finished_at: %w", err)
		}
		e.FinishedAt = &t
	}
	return e, nil
}

// Batches returns the recorded batch outcomes of an invocation.
func (s *Store) Batches(ctx context.Context, invocationID string) ([]Batch, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT generation, sequence, items, outcome
FROM batch_log
WHERE invocation_id = ?
ORDER BY generation, sequence;
`, invocationID)
	if err != nil {
		return nil, fmt.Errorf("query batches: %w", err)
	}
	defer rows.Close()

	var out []Batch
	for rows.Next() {
		var b Batch
		if err := rows.Scan(&b.Generation, &b.Sequence, &b.Items, &b.Outcome); err != nil {
			return nil, fmt.Errorf("scan batch: %w", err)
		}
		out = append(out, b)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if out == nil {
		var exists int
		err := s.db.QueryRowContext(ctx, "SELECT 1 FROM invocation_log WHERE id = ?;", invocationID).Scan(&exists)
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("invocation %s: %w", invocationID, ErrNotFound)
		}
		if err != nil {
			return nil, fmt.Errorf("lookup invocation: %w", err)
		}
	}
	return out, nil
}
