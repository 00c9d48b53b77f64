package checkpoint

import (
	"database/sql"
	"path/filepath"
	"testing"
	"time"
)

func backends(t *testing.T) map[string]StateBackend {
	t.Helper()
	state, err := New(t.TempDir())
	if err != nil {
		t.Fatalf("New() error: %v", err)
	}
	t.Cleanup(func() { state.Close() })

	fs, err := NewFileState(filepath.Join(t.TempDir(), "state.yaml"))
	if err != nil {
		t.Fatalf("NewFileState() error: %v", err)
	}
	return map[string]StateBackend{"sqlite": state, "file": fs}
}

func TestRunLifecycle(t *testing.T) {
	for name, b := range backends(t) {
		t.Run(name, func(t *testing.T) {
			cfg := map[string]string{"converter": "example"}
			if err := b.CreateRun("run1", "example", cfg, "/etc/converter.yaml"); err != nil {
				t.Fatalf("CreateRun: %v", err)
			}

			steps := []string{"generate_config", "users", "topics"}
			for i, s := range steps {
				if err := b.StartStep("run1", s, "Converting "+s, i); err != nil {
					t.Fatalf("StartStep(%s): %v", s, err)
				}
			}
			if err := b.CompleteStep(StepRecord{RunID: "run1", Name: "users", Mode: "serial", Status: StatusSuccess, Items: 3, Progress: 3, Errors: 1}); err != nil {
				t.Fatalf("CompleteStep: %v", err)
			}
			if err := b.CompleteStep(StepRecord{RunID: "run1", Name: "topics", Status: StatusFailed, Error: "source unavailable"}); err != nil {
				t.Fatalf("CompleteStep: %v", err)
			}
			if err := b.CompleteRun("run1", StatusFailed, "step topics failed"); err != nil {
				t.Fatalf("CompleteRun: %v", err)
			}

			run, err := b.GetRunByID("run1")
			if err != nil || run == nil {
				t.Fatalf("GetRunByID = %v, %v", run, err)
			}
			if run.Status != StatusFailed || run.Error != "step topics failed" || run.Converter != "example" {
				t.Errorf("run = %+v", run)
			}
			if run.CompletedAt == nil {
				t.Error("CompletedAt not set")
			}
			if run.ConfigHash == "" || run.ConfigHash != configHash(cfg) {
				t.Errorf("ConfigHash = %q", run.ConfigHash)
			}

			got, err := b.GetSteps("run1")
			if err != nil {
				t.Fatalf("GetSteps: %v", err)
			}
			if len(got) != 3 {
				t.Fatalf("steps = %d, want 3", len(got))
			}
			for i, s := range steps {
				if got[i].Name != s {
					t.Errorf("step %d = %s, want %s", i, got[i].Name, s)
				}
			}
			if got[0].Status != StatusRunning || got[0].CompletedAt != nil {
				t.Errorf("unfinished step = %+v", got[0])
			}
			if got[1].Items != 3 || got[1].Errors != 1 || got[1].Mode != "serial" {
				t.Errorf("users = %+v", got[1])
			}
			if got[2].Error != "source unavailable" {
				t.Errorf("topics error = %q", got[2].Error)
			}
		})
	}
}

func TestLookupMissing(t *testing.T) {
	for name, b := range backends(t) {
		t.Run(name, func(t *testing.T) {
			run, err := b.GetLastRun()
			if err != nil || run != nil {
				t.Errorf("GetLastRun on empty state = %v, %v", run, err)
			}
			run, err = b.GetRunByID("nope")
			if err != nil || run != nil {
				t.Errorf("GetRunByID(nope) = %v, %v", run, err)
			}
			runs, err := b.GetAllRuns()
			if err != nil || len(runs) != 0 {
				t.Errorf("GetAllRuns = %v, %v", runs, err)
			}
		})
	}
}

func TestCompleteUnknownStep(t *testing.T) {
	for name, b := range backends(t) {
		t.Run(name, func(t *testing.T) {
			if err := b.CreateRun("run1", "example", nil, ""); err != nil {
				t.Fatal(err)
			}
			if err := b.CompleteStep(StepRecord{RunID: "run1", Name: "users", Status: StatusSuccess}); err == nil {
				t.Error("expected an error for a step that never started")
			}
		})
	}
}

func TestStateHistoryOrder(t *testing.T) {
	state, err := New(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	defer state.Close()

	base := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	for i, id := range []string{"first", "second", "third"} {
		at := base.Add(time.Duration(i) * time.Second)
		state.now = func() time.Time { return at }
		if err := state.CreateRun(id, "example", nil, ""); err != nil {
			t.Fatal(err)
		}
	}

	runs, err := state.GetAllRuns()
	if err != nil {
		t.Fatal(err)
	}
	if len(runs) != 3 || runs[0].ID != "third" || runs[2].ID != "first" {
		t.Fatalf("runs = %+v", runs)
	}
	last, err := state.GetLastRun()
	if err != nil || last.ID != "third" {
		t.Fatalf("GetLastRun = %v, %v", last, err)
	}
	if !last.StartedAt.Equal(base.Add(2 * time.Second)) {
		t.Errorf("StartedAt = %v", last.StartedAt)
	}
}

func TestCleanupOldRuns(t *testing.T) {
	state, err := New(t.TempDir())
	if err != nil {
		t.Fatalf("New() error: %v", err)
	}
	defer state.Close()

	now := time.Now().UTC()
	create := func(id string, at time.Time, status string) {
		t.Helper()
		state.now = func() time.Time { return at }
		if err := state.CreateRun(id, "example", nil, ""); err != nil {
			t.Fatalf("CreateRun(%s) error: %v", id, err)
		}
		if err := state.StartStep(id, "users", "Converting users", 0); err != nil {
			t.Fatalf("StartStep(%s) error: %v", id, err)
		}
		if status != StatusRunning {
			if err := state.CompleteRun(id, status, ""); err != nil {
				t.Fatalf("CompleteRun(%s) error: %v", id, err)
			}
		}
	}
	create("old-success", now.AddDate(0, 0, -40), StatusSuccess)
	create("old-failed", now.AddDate(0, 0, -35), StatusFailed)
	create("old-running", now.AddDate(0, 0, -32), StatusRunning)
	create("recent", now.AddDate(0, 0, -1), StatusSuccess)
	state.now = func() time.Time { return now }

	deleted, err := state.CleanupOldRuns(30)
	if err != nil {
		t.Fatalf("CleanupOldRuns error: %v", err)
	}
	if deleted != 2 {
		t.Fatalf("deleted runs = %d, want 2", deleted)
	}
	if got := countRows(t, state.db, `SELECT COUNT(*) FROM runs`); got != 2 {
		t.Fatalf("runs remaining = %d, want 2", got)
	}
	if got := countRows(t, state.db, `SELECT COUNT(*) FROM steps`); got != 2 {
		t.Fatalf("steps remaining = %d, want 2", got)
	}
}

func countRows(t *testing.T, db *sql.DB, query string, args ...any) int {
	t.Helper()
	var count int
	if err := db.QueryRow(query, args...).Scan(&count); err != nil {
		t.Fatalf("count query error: %v", err)
	}
	return count
}
