package checkpoint

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestFileStatePersists(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state.yaml")

	fs, err := NewFileState(path)
	if err != nil {
		t.Fatalf("NewFileState: %v", err)
	}
	if err := fs.CreateRun("run1", "example", nil, ""); err != nil {
		t.Fatal(err)
	}
	if err := fs.StartStep("run1", "users", "Converting users", 0); err != nil {
		t.Fatal(err)
	}
	if err := fs.CompleteStep(StepRecord{RunID: "run1", Name: "users", Status: StatusSuccess, Items: 10}); err != nil {
		t.Fatal(err)
	}

	info, err := os.Stat(path)
	if err != nil {
		t.Fatal(err)
	}
	if perm := info.Mode().Perm(); perm != 0600 {
		t.Errorf("state file mode = %o, want 600", perm)
	}
	data, _ := os.ReadFile(path)
	if !strings.Contains(string(data), "run_id: run1") {
		t.Errorf("state file:\n%s", data)
	}

	reopened, err := NewFileState(path)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	steps, err := reopened.GetSteps("run1")
	if err != nil {
		t.Fatal(err)
	}
	if len(steps) != 1 || steps[0].Items != 10 || steps[0].Status != StatusSuccess {
		t.Errorf("steps after reopen = %+v", steps)
	}
}

func TestFileStateKeepsOnlyLatestRun(t *testing.T) {
	fs, err := NewFileState(filepath.Join(t.TempDir(), "state.yaml"))
	if err != nil {
		t.Fatal(err)
	}
	for _, id := range []string{"run1", "run2"} {
		if err := fs.CreateRun(id, "example", nil, ""); err != nil {
			t.Fatal(err)
		}
	}
	runs, err := fs.GetAllRuns()
	if err != nil {
		t.Fatal(err)
	}
	if len(runs) != 1 || runs[0].ID != "run2" {
		t.Errorf("runs = %+v", runs)
	}
	if err := fs.CompleteRun("run1", StatusSuccess, ""); err == nil {
		t.Error("completing a forgotten run should fail")
	}
}

func TestFileStateRejectsGarbage(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state.yaml")
	if err := os.WriteFile(path, []byte("steps: [unterminated"), 0600); err != nil {
		t.Fatal(err)
	}
	if _, err := NewFileState(path); err == nil {
		t.Error("expected a parse error")
	}
}
