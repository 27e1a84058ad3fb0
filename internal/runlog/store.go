// Package runlog keeps an append-only ledger of agent runs: which
// provider and model answered, how many tool steps were taken, and
// whether the run succeeded.
package runlog

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"
)

// previewLimit bounds the prompt and response text kept per run.
const previewLimit = 200

// Run is one recorded agent run.
type Run struct {
	ID        string    `json:"id"`
	Timestamp time.Time `json:"timestamp"`
	SessionID string    `json:"session_id,omitempty"`
	Provider  string    `json:"provider"`
	Model     string    `json:"model"`
	Prompt    string    `json:"prompt"`
	Response  string    `json:"response,omitempty"`
	Steps     int       `json:"steps"`
	Success   bool      `json:"success"`
	Error     string    `json:"error,omitempty"`
	Duration  time.Duration `json:"duration_ns"`
}

// Summary holds aggregated totals over a window of runs.
type Summary struct {
	TotalRuns  int   `json:"total_runs"`
	Succeeded  int   `json:"succeeded"`
	Failed     int   `json:"failed"`
	TotalSteps int64 `json:"total_steps"`
}

// Store is a SQLite run ledger. All methods are safe for concurrent use.
type Store struct {
	db *sql.DB
}

// NewStore opens the ledger at dbPath, creating the schema on first use.
func NewStore(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("open run database: %w", err)
	}

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate run schema: %w", err)
	}
	return s, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS agent_runs (
		id          TEXT PRIMARY KEY,
		timestamp   TEXT NOT NULL,
		session_id  TEXT,
		provider    TEXT NOT NULL,
		model       TEXT NOT NULL,
		prompt      TEXT NOT NULL,
		response    TEXT,
		steps       INTEGER NOT NULL,
		success     INTEGER NOT NULL,
		error       TEXT,
		duration_ns INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_runs_timestamp ON agent_runs(timestamp);
	CREATE INDEX IF NOT EXISTS idx_runs_session ON agent_runs(session_id);
	`
	_, err := s.db.Exec(schema)
	return err
}

// Record persists a run. An empty ID gets a UUIDv7 and a zero timestamp
// becomes now. Prompt and response are truncated to a short preview.
func (s *Store) Record(ctx context.Context, run Run) (string, error) {
	if run.ID == "" {
		id, err := uuid.NewV7()
		if err != nil {
			return "", fmt.Errorf("generate run ID: %w", err)
		}
		run.ID = id.String()
	}
	if run.Timestamp.IsZero() {
		run.Timestamp = time.Now()
	}

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO agent_runs
			(id, timestamp, session_id, provider, model, prompt, response,
			 steps, success, error, duration_ns)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		run.ID,
		run.Timestamp.UTC().Format(time.RFC3339Nano),
		run.SessionID,
		run.Provider,
		run.Model,
		preview(run.Prompt),
		preview(run.Response),
		run.Steps,
		run.Success,
		run.Error,
		int64(run.Duration),
	)
	if err != nil {
		return "", fmt.Errorf("insert run: %w", err)
	}
	return run.ID, nil
}

// Recent returns up to limit runs, newest first.
func (s *Store) Recent(ctx context.Context, limit int) ([]Run, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, timestamp, COALESCE(session_id, ''), provider, model, prompt,
		        COALESCE(response, ''), steps, success, COALESCE(error, ''), duration_ns
		 FROM agent_runs
		 ORDER BY timestamp DESC, id DESC
		 LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("query recent runs: %w", err)
	}
	defer rows.Close()

	var runs []Run
	for rows.Next() {
		var (
			r        Run
			ts       string
			duration int64
		)
		if err := rows.Scan(&r.ID, &ts, &r.SessionID, &r.Provider, &r.Model, &r.Prompt,
			&r.Response, &r.Steps, &r.Success, &r.Error, &duration); err != nil {
			return nil, fmt.Errorf("scan run: %w", err)
		}
		r.Timestamp, _ = time.Parse(time.RFC3339Nano, ts)
		r.Duration = time.Duration(duration)
		runs = append(runs, r)
	}
	return runs, rows.Err()
}

// Summary returns totals for runs within [start, end).
func (s *Store) Summary(ctx context.Context, start, end time.Time) (*Summary, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*), COALESCE(SUM(success), 0), COALESCE(SUM(steps), 0)
		 FROM agent_runs
		 WHERE timestamp >= ? AND timestamp < ?`,
		start.UTC().Format(time.RFC3339Nano),
		end.UTC().Format(time.RFC3339Nano),
	)

	var sum Summary
	if err := row.Scan(&sum.TotalRuns, &sum.Succeeded, &sum.TotalSteps); err != nil {
		return nil, fmt.Errorf("query run summary: %w", err)
	}
	sum.Failed = sum.TotalRuns - sum.Succeeded
	return &sum, nil
}

func preview(s string) string {
	r := []rune(s)
	if len(r) <= previewLimit {
		return s
	}
	return string(r[:previewLimit]) + "…"
}
