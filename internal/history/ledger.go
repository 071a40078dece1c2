// Package history keeps a SQLite ledger of every supervised run job.
package history

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"listing-batch/internal/model"
)

const DefaultFile = "history.db"

type Entry struct {
	JobID        string       `json:"job_id"`
	RunID        string       `json:"run_id"`
	AccountID    string       `json:"account_id"`
	Step         model.StepID `json:"step"`
	Server       string       `json:"server"`
	Status       string       `json:"status"`
	Reason       string       `json:"reason"`
	ExitCode     int          `json:"exit_code"`
	Success      bool         `json:"success"`
	Processed    int          `json:"processed"`
	InitialCount int          `json:"initial_count"`
	FinalCount   int          `json:"final_count"`
	StartedAt    time.Time    `json:"started_at"`
	FinishedAt   time.Time    `json:"finished_at"`
	ReportDir    string       `json:"report_dir,omitempty"`
}

type Ledger struct {
	db *sql.DB
}

const schema = `
CREATE TABLE IF NOT EXISTS run_jobs (
	job_id TEXT PRIMARY KEY,
	run_id TEXT,
	account_id TEXT NOT NULL,
	step TEXT NOT NULL,
	server TEXT,
	status TEXT,
	reason TEXT,
	exit_code INTEGER,
	success INTEGER,
	processed INTEGER,
	initial_count INTEGER,
	final_count INTEGER,
	started_at TEXT,
	finished_at TEXT,
	report_dir TEXT
);
CREATE INDEX IF NOT EXISTS run_jobs_step_idx ON run_jobs (step, success, finished_at);
`

func Open(path string) (*Ledger, error) {
	if path == "" {
		path = DefaultFile
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create ledger directory: %w", err)
	}
	db, err := sql.Open("sqlite3", path+"?_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("open ledger %s: %w", path, err)
	}
	// account workers record concurrently; one connection serialises writes
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("create ledger schema: %w", err)
	}
	return &Ledger{db: db}, nil
}

func (l *Ledger) Close() error {
	return l.db.Close()
}

func (l *Ledger) Record(e Entry) error {
	_, err := l.db.Exec(`INSERT OR REPLACE INTO run_jobs
		(job_id, run_id, account_id, step, server, status, reason, exit_code, success, processed, initial_count, final_count, started_at, finished_at, report_dir)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.JobID, e.RunID, e.AccountID, string(e.Step), e.Server, e.Status, e.Reason, e.ExitCode, boolInt(e.Success),
		e.Processed, e.InitialCount, e.FinalCount, formatTime(e.StartedAt), formatTime(e.FinishedAt), e.ReportDir)
	if err != nil {
		return fmt.Errorf("record job %s: %w", e.JobID, err)
	}
	return nil
}

// Recent returns the newest entries first.
func (l *Ledger) Recent(limit int) ([]Entry, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := l.db.Query(`SELECT job_id, run_id, account_id, step, server, status, reason, exit_code, success,
		processed, initial_count, final_count, started_at, finished_at, report_dir
		FROM run_jobs ORDER BY finished_at DESC, job_id LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("query recent jobs: %w", err)
	}
	defer rows.Close()

	out := []Entry{}
	for rows.Next() {
		var e Entry
		var step, started, finished string
		var success int
		if err := rows.Scan(&e.JobID, &e.RunID, &e.AccountID, &step, &e.Server, &e.Status, &e.Reason, &e.ExitCode,
			&success, &e.Processed, &e.InitialCount, &e.FinalCount, &started, &finished, &e.ReportDir); err != nil {
			return nil, err
		}
		e.Step = model.StepID(step)
		e.Success = success != 0
		e.StartedAt = parseTime(started)
		e.FinishedAt = parseTime(finished)
		out = append(out, e)
	}
	return out, rows.Err()
}

// LastSuccess returns the start time of the latest successful job for step.
func (l *Ledger) LastSuccess(step model.StepID) (time.Time, bool, error) {
	var started sql.NullString
	err := l.db.QueryRow(`SELECT started_at FROM run_jobs WHERE step = ? AND success = 1
		ORDER BY started_at DESC LIMIT 1`, string(step)).Scan(&started)
	if err == sql.ErrNoRows {
		return time.Time{}, false, nil
	}
	if err != nil {
		return time.Time{}, false, fmt.Errorf("query last success for step %s: %w", step, err)
	}
	t := parseTime(started.String)
	return t, !t.IsZero(), nil
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTime(s string) time.Time {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}
	}
	return t
}
