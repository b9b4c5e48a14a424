// Package ledger records what a run did in a local SQLite database: queue
// transactions, dispatched task results, provider retirements and processed
// jobs. "sttq history" reads it back.
//
// A nil *Ledger is valid and records nothing, so callers need not check
// whether a ledger was configured.
package ledger

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"

	"sttq/pkg/dispatch"
	"sttq/pkg/queue"

	_ "modernc.org/sqlite" // SQLite driver
)

// Fixed-width so stored timestamps sort lexically.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

// Ledger appends events for one run.
type Ledger struct {
	db    *sql.DB
	runID string
	now   func() time.Time
}

// Open opens (creating if needed) the ledger at path with WAL journaling and
// a 5-second busy timeout, and applies the schema. An empty runID gets a
// fresh UUID. Use ":memory:" for a throwaway ledger.
func Open(ctx context.Context, path, runID string) (*Ledger, error) {
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("create ledger dir: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite %s: %w", path, err)
	}
	// One connection: writes serialize anyway and ":memory:" is per connection.
	db.SetMaxOpenConns(1)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping sqlite %s: %w", path, err)
	}
	if _, err := db.ExecContext(ctx, "PRAGMA journal_mode=WAL"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("set WAL mode on %s: %w", path, err)
	}
	if _, err := db.ExecContext(ctx, "PRAGMA busy_timeout=5000"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("set busy_timeout on %s: %w", path, err)
	}
	if _, err := db.ExecContext(ctx, SchemaDDL); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("init ledger schema: %w", err)
	}

	if runID == "" {
		runID = uuid.NewString()
	}
	return &Ledger{db: db, runID: runID, now: time.Now}, nil
}

// RunID returns the identifier stamped on every event of this run.
func (l *Ledger) RunID() string {
	if l == nil {
		return ""
	}
	return l.runID
}

// Close releases the database. Safe on a nil Ledger.
func (l *Ledger) Close() error {
	if l == nil || l.db == nil {
		return nil
	}
	return l.db.Close()
}

// Record appends one event. Payload is JSON-encoded unless it is nil.
func (l *Ledger) Record(ctx context.Context, typ, source, subject string, payload any) error {
	if l == nil {
		return nil
	}
	var body string
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("encode %s event: %w", typ, err)
		}
		body = string(data)
	}
	_, err := l.db.ExecContext(ctx,
		`INSERT INTO events (run_id, type, source, subject, payload, created_at) VALUES (?, ?, ?, ?, ?, ?)`,
		l.runID, typ, source, subject, body, l.now().UTC().Format(timeLayout),
	)
	if err != nil {
		return fmt.Errorf("insert %s event: %w", typ, err)
	}
	return nil
}

type transactionPayload struct {
	Attempts  int    `json:"attempts"`
	Published bool   `json:"published"`
	Error     string `json:"error,omitempty"`
}

// RecordTransaction logs a finished queue transaction. host is the source,
// the commit message the subject.
func (l *Ledger) RecordTransaction(ctx context.Context, host string, res queue.Result, txErr error) error {
	p := transactionPayload{Attempts: res.Attempts, Published: res.Published}
	if txErr != nil {
		p.Error = txErr.Error()
	}
	return l.Record(ctx, TypeTransaction, host, res.Message, p)
}

type taskPayload struct {
	Status      string `json:"status"`
	OutputBytes int    `json:"output_bytes"`
	Error       string `json:"error,omitempty"`
}

// RecordTask logs the terminal result of one dispatched task.
func (l *Ledger) RecordTask(ctx context.Context, r dispatch.TaskResult) error {
	p := taskPayload{Status: "ok", OutputBytes: len(r.Output)}
	if r.Err != nil {
		p.Status = "unprocessed"
		if !errors.Is(r.Err, dispatch.ErrUnprocessed) {
			p.Status = "failed"
		}
		p.Error = r.Err.Error()
	}
	return l.Record(ctx, TypeTask, r.Provider, r.Task.ID, p)
}

type retirePayload struct {
	Reason string `json:"reason"`
}

// RecordRetirement logs a provider worker leaving the pool.
func (l *Ledger) RecordRetirement(ctx context.Context, r dispatch.Retirement) error {
	return l.Record(ctx, TypeRetire, r.Provider, r.Provider, retirePayload{Reason: r.Reason})
}

type processPayload struct {
	Status string `json:"status"`
	Error  string `json:"error,omitempty"`
}

// RecordProcess logs the outcome of processing one job. status is one of
// "done", "skipped" or "failed".
func (l *Ledger) RecordProcess(ctx context.Context, bvid, status string, procErr error) error {
	p := processPayload{Status: status}
	if procErr != nil {
		p.Error = procErr.Error()
	}
	return l.Record(ctx, TypeProcess, "process", bvid, p)
}
