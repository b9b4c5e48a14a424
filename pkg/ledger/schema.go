package ledger

// SchemaDDL defines the SQLite schema of the run ledger.
// Execute against a SQLite database with: db.Exec(SchemaDDL)
const SchemaDDL = `
-- One row per queue transaction, task result, provider retirement or processed job
CREATE TABLE IF NOT EXISTS events (
    id INTEGER PRIMARY KEY,
    run_id TEXT NOT NULL,
    type TEXT NOT NULL,
    source TEXT NOT NULL DEFAULT '',
    subject TEXT NOT NULL DEFAULT '',
    payload TEXT NOT NULL DEFAULT '',
    created_at TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_events_run ON events(run_id);
CREATE INDEX IF NOT EXISTS idx_events_type ON events(type);
`

// Event types written by sttq.
const (
	TypeTransaction = "transaction"
	TypeTask        = "task"
	TypeRetire      = "retire"
	TypeProcess     = "process"
)
