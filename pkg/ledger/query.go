package ledger

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"slices"
	"strings"
	"time"
)

// Event is one row of the ledger.
type Event struct {
	ID        int64     `json:"id" yaml:"id" toml:"id"`
	RunID     string    `json:"run_id" yaml:"run_id" toml:"run_id"`
	Type      string    `json:"type" yaml:"type" toml:"type"`
	Source    string    `json:"source" yaml:"source" toml:"source"`
	Subject   string    `json:"subject" yaml:"subject" toml:"subject"`
	Payload   string    `json:"payload" yaml:"payload" toml:"payload"`
	CreatedAt time.Time `json:"created_at" yaml:"created_at" toml:"created_at"`
}

// QueryOpts specifies filter criteria for querying events.
type QueryOpts struct {
	RunID string     // only events of this run
	Type  string     // only events of this type
	After *time.Time // created at or after (inclusive)
	Limit int        // newest N events (0 = no limit)
}

// Query returns the events matching opts, oldest first.
func (l *Ledger) Query(ctx context.Context, opts QueryOpts) ([]Event, error) {
	if l == nil {
		return nil, nil
	}
	return query(ctx, l.db, opts)
}

// Recent returns the newest n events, oldest first.
func (l *Ledger) Recent(ctx context.Context, n int) ([]Event, error) {
	return l.Query(ctx, QueryOpts{Limit: n})
}

// ReadHistory opens an existing ledger at path and returns the matching
// events. A missing database is reported as an error.
func ReadHistory(ctx context.Context, path string, opts QueryOpts) ([]Event, error) {
	if _, err := os.Stat(path); err != nil {
		return nil, fmt.Errorf("ledger not found: %w", err)
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open ledger: %w", err)
	}
	defer db.Close()
	return query(ctx, db, opts)
}

func query(ctx context.Context, db *sql.DB, opts QueryOpts) ([]Event, error) {
	q, args := buildQuery(opts)
	rows, err := db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("query events: %w", err)
	}
	defer rows.Close()

	var events []Event
	for rows.Next() {
		var e Event
		var createdAt string
		if err := rows.Scan(&e.ID, &e.RunID, &e.Type, &e.Source, &e.Subject, &e.Payload, &createdAt); err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		e.CreatedAt, err = time.Parse(timeLayout, createdAt)
		if err != nil {
			return nil, fmt.Errorf("parse created_at of event %d: %w", e.ID, err)
		}
		events = append(events, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate events: %w", err)
	}

	// Selected newest first so LIMIT keeps the tail; report chronologically.
	slices.Reverse(events)
	return events, nil
}

func buildQuery(opts QueryOpts) (string, []any) {
	var conditions []string
	var args []any

	q := "SELECT id, run_id, type, source, subject, payload, created_at FROM events"

	if opts.RunID != "" {
		conditions = append(conditions, "run_id = ?")
		args = append(args, opts.RunID)
	}
	if opts.Type != "" {
		conditions = append(conditions, "type = ?")
		args = append(args, opts.Type)
	}
	if opts.After != nil {
		conditions = append(conditions, "created_at >= ?")
		args = append(args, opts.After.UTC().Format(timeLayout))
	}

	if len(conditions) > 0 {
		q += " WHERE " + strings.Join(conditions, " AND ")
	}
	q += " ORDER BY id DESC"
	if opts.Limit > 0 {
		q += fmt.Sprintf(" LIMIT %d", opts.Limit)
	}
	return q, args
}
