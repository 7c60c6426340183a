package state

import (
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/cohortlabs/cohort/pkg/models"
)

func openTestDB(t *testing.T) *DB {
	t.Helper()
	db, err := Open(filepath.Join(t.TempDir(), "audit.db"))
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	if err := db.Migrate(); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return db
}

func TestMigrateIsIdempotent(t *testing.T) {
	db := openTestDB(t)
	if err := db.Migrate(); err != nil {
		t.Fatalf("second migrate: %v", err)
	}

	var version int
	row := db.QueryRow("SELECT MAX(version) FROM schema_version")
	if err := row.Scan(&version); err != nil {
		t.Fatalf("scan version: %v", err)
	}
	if version != 3 {
		t.Errorf("schema version = %d, want 3", version)
	}
}

func TestLatestReportRoundTrip(t *testing.T) {
	db := openTestDB(t)

	started := time.Now().Add(-time.Minute)
	if err := db.BeginRun("run-1", started); err != nil {
		t.Fatalf("begin run: %v", err)
	}

	value := "approach-b"
	resolvedAt := time.Now()
	report := &models.RunReport{
		RunID:      "run-1",
		StartedAt:  started,
		FinishedAt: time.Now(),
		Outcomes: []models.TaskOutcome{
			{TaskID: "task-a", WorkerID: "worker-1", State: models.WorkerStateCompleted, Merged: true},
			{TaskID: "task-b", WorkerID: "worker-2", State: models.WorkerStateFailed, Error: "exit 1"},
		},
		Decisions: []models.Decision{
			{ID: "dec-1", Policy: models.PolicyMajority, ResolvedValue: &value, ResolvedAt: &resolvedAt},
		},
	}
	if err := db.FinishRun(report); err != nil {
		t.Fatalf("finish run: %v", err)
	}

	loaded, err := db.LatestReport()
	if err != nil {
		t.Fatalf("latest report: %v", err)
	}
	if loaded.RunID != "run-1" {
		t.Errorf("run ID = %s, want run-1", loaded.RunID)
	}
	if len(loaded.Outcomes) != 2 {
		t.Fatalf("outcomes = %d, want 2", len(loaded.Outcomes))
	}
	if loaded.ExitCode() != 1 {
		t.Errorf("exit code = %d, want 1", loaded.ExitCode())
	}
	if loaded.Decisions[0].ResolvedValue == nil || *loaded.Decisions[0].ResolvedValue != "approach-b" {
		t.Error("decision resolution did not survive the round trip")
	}
}

func TestLatestReportWithoutRuns(t *testing.T) {
	db := openTestDB(t)
	if _, err := db.LatestReport(); !errors.Is(err, ErrNoRuns) {
		t.Fatalf("err = %v, want ErrNoRuns", err)
	}
}

func TestListRunsNewestFirst(t *testing.T) {
	db := openTestDB(t)

	base := time.Now().Add(-time.Hour)
	for i, id := range []string{"run-1", "run-2", "run-3"} {
		if err := db.BeginRun(id, base.Add(time.Duration(i)*time.Minute)); err != nil {
			t.Fatalf("begin %s: %v", id, err)
		}
	}
	report := &models.RunReport{RunID: "run-3", FinishedAt: time.Now()}
	if err := db.FinishRun(report); err != nil {
		t.Fatalf("finish run: %v", err)
	}

	runs, err := db.ListRuns(10)
	if err != nil {
		t.Fatalf("list runs: %v", err)
	}
	if len(runs) != 3 {
		t.Fatalf("runs = %d, want 3", len(runs))
	}
	if runs[0].ID != "run-3" {
		t.Errorf("first run = %s, want run-3", runs[0].ID)
	}
	if runs[0].ExitCode == nil || *runs[0].ExitCode != 0 {
		t.Error("finished run missing exit code")
	}
	if runs[1].ExitCode != nil {
		t.Error("unfinished run should have no exit code")
	}
}

func TestWorkerRowsRecorded(t *testing.T) {
	db := openTestDB(t)
	if err := db.BeginRun("run-1", time.Now()); err != nil {
		t.Fatalf("begin run: %v", err)
	}
	report := &models.RunReport{
		RunID:      "run-1",
		FinishedAt: time.Now(),
		Outcomes: []models.TaskOutcome{
			{TaskID: "task-a", WorkerID: "worker-1", State: models.WorkerStateDrifted, Error: "scope drift confirmed"},
		},
	}
	if err := db.FinishRun(report); err != nil {
		t.Fatalf("finish run: %v", err)
	}

	var state, errMsg string
	row := db.QueryRow("SELECT state, error FROM workers WHERE id = ?", "worker-1")
	if err := row.Scan(&state, &errMsg); err != nil {
		t.Fatalf("scan worker: %v", err)
	}
	if state != string(models.WorkerStateDrifted) {
		t.Errorf("state = %s, want drifted", state)
	}
	if errMsg != "scope drift confirmed" {
		t.Errorf("error = %q", errMsg)
	}
}
