// Package archive persists the governor's append-only history to SQLite:
// violation log entries, swept counter windows, and analytics rollups. The
// hot path never reads from here; it exists for operators and audits.
package archive

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "modernc.org/sqlite" // sqlite driver (pure Go)

	"github.com/postflow/governor/internal/limits"
)

const schema = `
CREATE TABLE IF NOT EXISTS violations (
	id               INTEGER PRIMARY KEY AUTOINCREMENT,
	occurred_at      INTEGER NOT NULL,
	scope_key        TEXT NOT NULL,
	code             TEXT NOT NULL,
	message          TEXT NOT NULL,
	action           TEXT NOT NULL,
	used             INTEGER NOT NULL,
	cap              INTEGER NOT NULL,
	since_last_ms    INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_violations_scope ON violations(scope_key, occurred_at);

CREATE TABLE IF NOT EXISTS counter_windows (
	scope_key     TEXT NOT NULL,
	action        TEXT NOT NULL,
	window        TEXT NOT NULL,
	window_start  INTEGER NOT NULL,
	window_end    INTEGER NOT NULL,
	used          INTEGER NOT NULL,
	cap           INTEGER NOT NULL,
	PRIMARY KEY (scope_key, action, window, window_start)
);

CREATE TABLE IF NOT EXISTS worker_analytics (
	worker_id      TEXT NOT NULL,
	period_start   INTEGER NOT NULL,
	period_end     INTEGER NOT NULL,
	jobs_completed INTEGER NOT NULL,
	jobs_failed    INTEGER NOT NULL,
	success_rate   REAL NOT NULL,
	avg_exec_ms    INTEGER NOT NULL,
	utilization    REAL NOT NULL,
	PRIMARY KEY (worker_id, period_start)
);
`

// Store is the SQLite-backed archive
type Store struct {
	db *sql.DB
}

// Open opens (creating if needed) the archive database at path and applies
// the schema. Foreign keys and a busy timeout are enabled to reduce
// contention errors under concurrent writers.
func Open(path string) (*Store, error) {
	dsn := fmt.Sprintf("file:%s?_pragma=foreign_keys(ON)&_pragma=busy_timeout(5000)", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open archive db: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping archive db: %w", err)
	}
	if _, err := db.ExecContext(ctx, schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to apply archive schema: %w", err)
	}
	return &Store{db: db}, nil
}

// Close closes the underlying database
func (s *Store) Close() error {
	return s.db.Close()
}

// ViolationRow is one archived denial
type ViolationRow struct {
	ID          int64     `json:"id"`
	OccurredAt  time.Time `json:"occurred_at"`
	ScopeKey    string    `json:"scope_key"`
	Code        string    `json:"code"`
	Message     string    `json:"message"`
	Action      string    `json:"action"`
	Used        int64     `json:"used"`
	Limit       int64     `json:"limit"`
	SinceLastMS int64     `json:"since_last_ms"`
}

// InsertViolation appends one denial to the violation log. Rows are never
// updated or deleted.
func (s *Store) InsertViolation(ctx context.Context, v ViolationRow) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO violations (occurred_at, scope_key, code, message, action, used, cap, since_last_ms)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		v.OccurredAt.Unix(), v.ScopeKey, v.Code, v.Message, v.Action, v.Used, v.Limit, v.SinceLastMS)
	if err != nil {
		return fmt.Errorf("failed to insert violation: %w", err)
	}
	return nil
}

// ListViolations returns up to limit entries newest first, optionally
// filtered by scope key
func (s *Store) ListViolations(ctx context.Context, scopeKey string, limit int) ([]ViolationRow, error) {
	query := `SELECT id, occurred_at, scope_key, code, message, action, used, cap, since_last_ms
		FROM violations`
	args := []interface{}{}
	if scopeKey != "" {
		query += ` WHERE scope_key = ?`
		args = append(args, scopeKey)
	}
	query += ` ORDER BY occurred_at DESC, id DESC LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query violations: %w", err)
	}
	defer rows.Close()

	var out []ViolationRow
	for rows.Next() {
		var v ViolationRow
		var at int64
		if err := rows.Scan(&v.ID, &at, &v.ScopeKey, &v.Code, &v.Message, &v.Action, &v.Used, &v.Limit, &v.SinceLastMS); err != nil {
			return nil, fmt.Errorf("failed to scan violation: %w", err)
		}
		v.OccurredAt = time.Unix(at, 0).UTC()
		out = append(out, v)
	}
	return out, rows.Err()
}

// ArchiveCounter stores one swept counter window. Implements limits.Archiver.
// Re-archiving the same window overwrites in place, which keeps the sweeper
// idempotent across restarts.
func (s *Store) ArchiveCounter(ctx context.Context, row limits.CounterRow) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO counter_windows (scope_key, action, window, window_start, window_end, used, cap)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (scope_key, action, window, window_start)
		DO UPDATE SET used = excluded.used, cap = excluded.cap`,
		row.ScopeKey, row.Action, string(row.Window), row.WindowStart.Unix(), row.WindowEnd.Unix(), row.Used, row.Limit)
	if err != nil {
		return fmt.Errorf("failed to archive counter window: %w", err)
	}
	return nil
}

// AnalyticsRow is one worker rollup for one aggregation period
type AnalyticsRow struct {
	WorkerID      string    `json:"worker_id"`
	PeriodStart   time.Time `json:"period_start"`
	PeriodEnd     time.Time `json:"period_end"`
	JobsCompleted int64     `json:"jobs_completed"`
	JobsFailed    int64     `json:"jobs_failed"`
	SuccessRate   float64   `json:"success_rate"`
	AvgExecMS     int64     `json:"avg_exec_ms"`
	Utilization   float64   `json:"utilization"`
}

// UpsertWorkerAnalytics writes one rollup row; re-running an aggregation
// period replaces the earlier row
func (s *Store) UpsertWorkerAnalytics(ctx context.Context, row AnalyticsRow) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO worker_analytics (worker_id, period_start, period_end, jobs_completed, jobs_failed, success_rate, avg_exec_ms, utilization)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (worker_id, period_start)
		DO UPDATE SET period_end = excluded.period_end,
			jobs_completed = excluded.jobs_completed,
			jobs_failed = excluded.jobs_failed,
			success_rate = excluded.success_rate,
			avg_exec_ms = excluded.avg_exec_ms,
			utilization = excluded.utilization`,
		row.WorkerID, row.PeriodStart.Unix(), row.PeriodEnd.Unix(),
		row.JobsCompleted, row.JobsFailed, row.SuccessRate, row.AvgExecMS, row.Utilization)
	if err != nil {
		return fmt.Errorf("failed to upsert worker analytics: %w", err)
	}
	return nil
}

// ListWorkerAnalytics returns up to limit rollups for one worker, newest
// period first
func (s *Store) ListWorkerAnalytics(ctx context.Context, workerID string, limit int) ([]AnalyticsRow, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT worker_id, period_start, period_end, jobs_completed, jobs_failed, success_rate, avg_exec_ms, utilization
		FROM worker_analytics WHERE worker_id = ?
		ORDER BY period_start DESC LIMIT ?`, workerID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query worker analytics: %w", err)
	}
	defer rows.Close()

	var out []AnalyticsRow
	for rows.Next() {
		var r AnalyticsRow
		var start, end int64
		if err := rows.Scan(&r.WorkerID, &start, &end, &r.JobsCompleted, &r.JobsFailed, &r.SuccessRate, &r.AvgExecMS, &r.Utilization); err != nil {
			return nil, fmt.Errorf("failed to scan worker analytics: %w", err)
		}
		r.PeriodStart = time.Unix(start, 0).UTC()
		r.PeriodEnd = time.Unix(end, 0).UTC()
		out = append(out, r)
	}
	return out, rows.Err()
}
