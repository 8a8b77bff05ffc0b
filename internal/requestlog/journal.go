// Package requestlog journals request outcomes in SQLite.
package requestlog

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/mattjoyce/pt2/internal/backend"
	"github.com/mattjoyce/pt2/internal/log"
	"github.com/mattjoyce/pt2/internal/storage"
)

// DefaultMaxResultBytes caps the stored result of a single request.
const DefaultMaxResultBytes = 1 << 20

// Outcome is the journal status of a request.
type Outcome string

const (
	OutcomePending   Outcome = "pending"
	OutcomeSucceeded Outcome = "succeeded"
	OutcomeFailed    Outcome = "failed"
	OutcomeAbandoned Outcome = "abandoned"
)

// ErrNotFound is returned for unknown request ids.
var ErrNotFound = errors.New("request not found")

// Schema creates the request_log table.
var Schema = []string{
	`CREATE TABLE IF NOT EXISTS request_log (
  id            TEXT PRIMARY KEY,
  backend       TEXT NOT NULL,
  operation     TEXT NOT NULL,
  status        TEXT NOT NULL,
  error_id      TEXT NOT NULL DEFAULT '',
  error_message TEXT NOT NULL DEFAULT '',
  result        TEXT,
  created_at    TEXT NOT NULL,
  resolved_at   TEXT
);`,
	`CREATE INDEX IF NOT EXISTS request_log_backend_created_idx ON request_log(backend, created_at);`,
}

// Entry is one journaled request.
type Entry struct {
	ID           string          `json:"id"`
	Backend      string          `json:"backend"`
	Operation    string          `json:"operation"`
	Status       Outcome         `json:"status"`
	ErrorID      string          `json:"error_id,omitempty"`
	ErrorMessage string          `json:"error_message,omitempty"`
	Result       json.RawMessage `json:"result,omitempty"`
	CreatedAt    time.Time       `json:"created_at"`
	ResolvedAt   *time.Time      `json:"resolved_at,omitempty"`
}

// Journal records request creation and resolution.
type Journal struct {
	db             *sql.DB
	maxResultBytes int
	now            func() time.Time
	logger         *slog.Logger
}

// Open opens the journal in the SQLite database at path.
func Open(ctx context.Context, path string) (*Journal, error) {
	db, err := storage.OpenSQLite(ctx, path, Schema)
	if err != nil {
		return nil, fmt.Errorf("open request log: %w", err)
	}
	return New(db), nil
}

// New wraps an already bootstrapped database.
func New(db *sql.DB) *Journal {
	return &Journal{
		db:             db,
		maxResultBytes: DefaultMaxResultBytes,
		now:            func() time.Time { return time.Now().UTC() },
		logger:         log.WithComponent("requestlog"),
	}
}

// Close closes the database.
func (j *Journal) Close() error {
	return j.db.Close()
}

// Record journals a newly issued request. A resolution that raced ahead of
// the insert is kept.
func (j *Journal) Record(ctx context.Context, backendID, requestID, operation string) error {
	_, err := j.db.ExecContext(ctx, `
INSERT INTO request_log(id, backend, operation, status, created_at)
VALUES(?, ?, ?, ?, ?)
ON CONFLICT(id) DO NOTHING;`,
		requestID, backendID, operation, string(OutcomePending), formatTime(j.now()))
	if err != nil {
		return fmt.Errorf("record request %s: %w", requestID, err)
	}
	return nil
}

// Resolve journals the outcome carried by ev. Events that do not resolve a
// request are ignored.
func (j *Journal) Resolve(ctx context.Context, ev backend.Event) error {
	var outcome Outcome
	switch ev.Kind {
	case backend.EventReplyRegistered:
		outcome = OutcomeSucceeded
	case backend.EventErrorRegistered:
		outcome = OutcomeFailed
	case backend.EventRequestAbandoned:
		outcome = OutcomeAbandoned
	default:
		return nil
	}

	var result any
	if len(ev.RawResult) > 0 {
		if len(ev.RawResult) > j.maxResultBytes {
			j.logger.Warn("result too large, not journaled", "request_id", ev.RequestID, "bytes", len(ev.RawResult))
		} else {
			result = string(ev.RawResult)
		}
	}

	now := formatTime(j.now())
	_, err := j.db.ExecContext(ctx, `
INSERT INTO request_log(id, backend, operation, status, error_id, error_message, result, created_at, resolved_at)
VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT(id) DO UPDATE SET
  status = excluded.status,
  error_id = excluded.error_id,
  error_message = excluded.error_message,
  result = excluded.result,
  resolved_at = excluded.resolved_at
WHERE request_log.status = 'pending';`,
		ev.RequestID, ev.Backend, ev.Operation, string(outcome), ev.ErrorID, ev.ErrorMessage, result, now, now)
	if err != nil {
		return fmt.Errorf("resolve request %s: %w", ev.RequestID, err)
	}
	return nil
}

// Notify journals resolutions. Write errors are logged.
func (j *Journal) Notify(ev backend.Event) {
	if !ev.Resolves() {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := j.Resolve(ctx, ev); err != nil {
		j.logger.Error("failed to journal request outcome", "request_id", ev.RequestID, "error", err)
	}
}

// Get returns one entry.
func (j *Journal) Get(ctx context.Context, requestID string) (Entry, error) {
	row := j.db.QueryRowContext(ctx, `
SELECT id, backend, operation, status, error_id, error_message, result, created_at, resolved_at
FROM request_log WHERE id = ?;`, requestID)
	e, err := scanEntry(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Entry{}, ErrNotFound
	}
	return e, err
}

// List returns the most recent entries, newest first, optionally filtered
// by backend.
func (j *Journal) List(ctx context.Context, backendID string, limit int) ([]Entry, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := j.db.QueryContext(ctx, `
SELECT id, backend, operation, status, error_id, error_message, result, created_at, resolved_at
FROM request_log
WHERE (? = '' OR backend = ?)
ORDER BY created_at DESC, id
LIMIT ?;`, backendID, backendID, limit)
	if err != nil {
		return nil, fmt.Errorf("list requests: %w", err)
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

// AbandonPending marks every pending entry abandoned. Entries left pending
// by a previous run can never be answered.
func (j *Journal) AbandonPending(ctx context.Context) (int64, error) {
	res, err := j.db.ExecContext(ctx, `
UPDATE request_log SET status = ?, resolved_at = ? WHERE status = 'pending';`,
		string(OutcomeAbandoned), formatTime(j.now()))
	if err != nil {
		return 0, fmt.Errorf("abandon pending requests: %w", err)
	}
	return res.RowsAffected()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanEntry(s scanner) (Entry, error) {
	var (
		e          Entry
		status     string
		result     sql.NullString
		createdAt  string
		resolvedAt sql.NullString
	)
	if err := s.Scan(&e.ID, &e.Backend, &e.Operation, &status, &e.ErrorID, &e.ErrorMessage, &result, &createdAt, &resolvedAt); err != nil {
		return Entry{}, err
	}
	e.Status = Outcome(status)
	if result.Valid && result.String != "" {
		e.Result = json.RawMessage(result.String)
	}
	t, err := time.Parse(time.RFC3339Nano, createdAt)
	if err != nil {
		return Entry{}, fmt.Errorf("parse created_at: %w", err)
	}
	e.CreatedAt = t
	if resolvedAt.Valid {
		rt, err := time.Parse(time.RFC3339Nano, resolvedAt.String)
		if err != nil {
			return Entry{}, fmt.Errorf("parse resolved_at: %w", err)
		}
		e.ResolvedAt = &rt
	}
	return e, nil
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}
