package archive

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

// Ledger is a small sqlite database next to the raw archive that tracks
// ingest runs and every archived exchange, so partial runs can be audited
// without re-walking the filesystem.
type Ledger struct {
	db *sql.DB
}

const ledgerSchema = `
CREATE TABLE IF NOT EXISTS ingest_runs (
	run_id      TEXT PRIMARY KEY,
	repo        TEXT NOT NULL,
	started_at  DATETIME NOT NULL,
	finished_at DATETIME,
	item_count  INTEGER NOT NULL DEFAULT 0,
	status      TEXT NOT NULL DEFAULT 'running'
);
CREATE TABLE IF NOT EXISTS ingest_requests (
	run_id      TEXT NOT NULL,
	tag         TEXT NOT NULL,
	fingerprint TEXT NOT NULL,
	attempt     INTEGER NOT NULL,
	status      INTEGER NOT NULL,
	path        TEXT NOT NULL,
	recorded_at DATETIME NOT NULL,
	PRIMARY KEY (run_id, tag, fingerprint, attempt)
);
`

// OpenLedger opens (and if needed initializes) the run ledger at path.
func OpenLedger(path string) (*Ledger, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("archive: open ledger: %w", err)
	}
	if _, err := db.ExecContext(context.Background(), ledgerSchema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("archive: init ledger schema: %w", err)
	}
	return &Ledger{db: db}, nil
}

// Close releases the underlying database handle.
func (l *Ledger) Close() error { return l.db.Close() }

// BeginRun records the start of an ingest run.
func (l *Ledger) BeginRun(ctx context.Context, runID, repo string) error {
	_, err := l.db.ExecContext(ctx,
		`INSERT INTO ingest_runs (run_id, repo, started_at) VALUES (?, ?, ?)`,
		runID, repo, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("archive: begin run: %w", err)
	}
	return nil
}

// FinishRun marks a run finished with its hydrated item count.
func (l *Ledger) FinishRun(ctx context.Context, runID string, itemCount int, status string) error {
	res, err := l.db.ExecContext(ctx,
		`UPDATE ingest_runs SET finished_at = ?, item_count = ?, status = ? WHERE run_id = ?`,
		time.Now().UTC(), itemCount, status, runID)
	if err != nil {
		return fmt.Errorf("archive: finish run: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("archive: finish run: run %s not found", runID)
	}
	return nil
}

// RecordRequest notes one archived exchange. Conflicts are ignored so a
// resumed run can safely re-record an already archived attempt.
func (l *Ledger) RecordRequest(ctx context.Context, runID string, rec *Record, path string) error {
	_, err := l.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO ingest_requests (run_id, tag, fingerprint, attempt, status, path, recorded_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		runID, rec.Meta.Tag, rec.Meta.RequestFingerprint, rec.Meta.Attempt,
		rec.Response.Status, path, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("archive: record request: %w", err)
	}
	return nil
}

// RunStats summarizes a finished or in-flight run.
type RunStats struct {
	RunID      string
	Repo       string
	Status     string
	ItemCount  int
	Requests   int
	RateLimits int
}

// Stats reports request counts for a run, including how many attempts hit
// a rate-limit status.
func (l *Ledger) Stats(ctx context.Context, runID string) (*RunStats, error) {
	st := &RunStats{RunID: runID}
	err := l.db.QueryRowContext(ctx,
		`SELECT repo, status, item_count FROM ingest_runs WHERE run_id = ?`, runID).
		Scan(&st.Repo, &st.Status, &st.ItemCount)
	if err != nil {
		return nil, fmt.Errorf("archive: run stats: %w", err)
	}
	err = l.db.QueryRowContext(ctx,
		`SELECT COUNT(*), COALESCE(SUM(CASE WHEN status IN (429, 403) THEN 1 ELSE 0 END), 0)
		 FROM ingest_requests WHERE run_id = ?`, runID).
		Scan(&st.Requests, &st.RateLimits)
	if err != nil {
		return nil, fmt.Errorf("archive: run stats: %w", err)
	}
	return st, nil
}
