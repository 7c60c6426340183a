package state

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/cohortlabs/cohort/pkg/models"
)

// ErrNoRuns is returned when the audit trail holds no finished run.
var ErrNoRuns = errors.New("no recorded runs")

// RunSummary is one row of the run history.
type RunSummary struct {
	ID         string
	StartedAt  time.Time
	FinishedAt *time.Time
	ExitCode   *int
	Cancelled  bool
	Fatal      string
}

// BeginRun records the start of a run.
func (db *DB) BeginRun(runID string, startedAt time.Time) error {
	_, err := db.Exec(`
		INSERT INTO runs (id, started_at) VALUES (?, ?)
	`, runID, formatTime(startedAt))
	if err != nil {
		return fmt.Errorf("record run start: %w", err)
	}
	return nil
}

// FinishRun seals a run with its final report. The full report is
// stored as JSON so cohort status can render it verbatim.
func (db *DB) FinishRun(report *models.RunReport) error {
	raw, err := json.Marshal(report)
	if err != nil {
		return fmt.Errorf("marshal report: %w", err)
	}

	cancelled := 0
	if report.Cancelled {
		cancelled = 1
	}
	_, err = db.Exec(`
		UPDATE runs SET finished_at = ?, exit_code = ?, cancelled = ?, fatal = ?, report_json = ?
		WHERE id = ?
	`, formatTime(report.FinishedAt), report.ExitCode(), cancelled, report.Fatal, string(raw), report.RunID)
	if err != nil {
		return fmt.Errorf("record run finish: %w", err)
	}

	for _, o := range report.Outcomes {
		if err := db.recordOutcome(report.RunID, o); err != nil {
			return err
		}
	}
	for _, d := range report.Decisions {
		if err := db.recordDecision(report.RunID, d); err != nil {
			return err
		}
	}
	return nil
}

func (db *DB) recordOutcome(runID string, o models.TaskOutcome) error {
	merged := 0
	if o.Merged {
		merged = 1
	}
	_, err := db.Exec(`
		INSERT OR REPLACE INTO workers (id, run_id, task_id, state, error, merged)
		VALUES (?, ?, ?, ?, ?, ?)
	`, o.WorkerID, runID, o.TaskID, string(o.State), o.Error, merged)
	if err != nil {
		return fmt.Errorf("record worker outcome: %w", err)
	}
	return nil
}

func (db *DB) recordDecision(runID string, d models.Decision) error {
	votes, err := json.Marshal(d.Votes)
	if err != nil {
		return fmt.Errorf("marshal votes: %w", err)
	}

	var resolvedValue, resolvedAt any
	if d.ResolvedValue != nil {
		resolvedValue = *d.ResolvedValue
	}
	if d.ResolvedAt != nil {
		resolvedAt = formatTime(*d.ResolvedAt)
	}
	_, err = db.Exec(`
		INSERT OR REPLACE INTO decisions (id, run_id, policy, resolved_value, resolved_at, votes_json)
		VALUES (?, ?, ?, ?, ?, ?)
	`, d.ID, runID, string(d.Policy), resolvedValue, resolvedAt, string(votes))
	if err != nil {
		return fmt.Errorf("record decision: %w", err)
	}
	return nil
}

// LatestReport returns the report of the most recently finished run.
func (db *DB) LatestReport() (*models.RunReport, error) {
	var raw string
	row := db.QueryRow(`
		SELECT report_json FROM runs
		WHERE report_json IS NOT NULL
		ORDER BY started_at DESC LIMIT 1
	`)
	if err := row.Scan(&raw); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNoRuns
		}
		return nil, fmt.Errorf("load latest report: %w", err)
	}

	var report models.RunReport
	if err := json.Unmarshal([]byte(raw), &report); err != nil {
		return nil, fmt.Errorf("unmarshal report: %w", err)
	}
	return &report, nil
}

// ListRuns returns the run history, newest first.
func (db *DB) ListRuns(limit int) ([]RunSummary, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := db.Query(`
		SELECT id, started_at, finished_at, exit_code, cancelled, COALESCE(fatal, '')
		FROM runs ORDER BY started_at DESC LIMIT ?
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	defer rows.Close()

	var runs []RunSummary
	for rows.Next() {
		var (
			r          RunSummary
			startedAt  string
			finishedAt sql.NullString
			exitCode   sql.NullInt64
			cancelled  int
		)
		if err := rows.Scan(&r.ID, &startedAt, &finishedAt, &exitCode, &cancelled, &r.Fatal); err != nil {
			return nil, fmt.Errorf("scan run: %w", err)
		}
		if r.StartedAt, err = parseTime(startedAt); err != nil {
			return nil, fmt.Errorf("parse started_at: %w", err)
		}
		if finishedAt.Valid {
			t, err := parseTime(finishedAt.String)
			if err != nil {
				return nil, fmt.Errorf("parse finished_at: %w", err)
			}
			r.FinishedAt = &t
		}
		if exitCode.Valid {
			code := int(exitCode.Int64)
			r.ExitCode = &code
		}
		r.Cancelled = cancelled != 0
		runs = append(runs, r)
	}
	return runs, rows.Err()
}
