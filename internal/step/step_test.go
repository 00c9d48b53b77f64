package step

import (
	"errors"
	"fmt"
	"strings"
	"testing"
)

func TestTrackerResetStats(t *testing.T) {
	sink := &BufferSink{}
	tr := NewTracker(sink)

	tr.ResetStats()
	tr.LogError("Failed to process item", errors.New("boom"), map[string]any{"id": 1})
	if got := tr.Stats(); got.ErrorCount != 1 || got.WarningCount != 0 {
		t.Fatalf("after one error: %+v", got)
	}

	tr.LogWarning("odd value", nil, nil)
	tr.LogWarning("odd value", nil, nil)
	tr.LogError("again", nil, nil)
	tr.SetProgress(42)

	tr.ResetStats()
	got := tr.Stats()
	if got != (Stats{Progress: 1}) {
		t.Fatalf("after reset: %+v, want progress 1 and no counts", got)
	}
}

func TestTrackerWritesEntries(t *testing.T) {
	sink := &BufferSink{}
	tr := NewTracker(sink)
	tr.ResetStats()

	tr.LogInfo("started", nil)
	tr.LogWarning("skipped", nil, map[string]any{"reason": "empty"})
	tr.LogError("failed", errors.New("bad row"), map[string]any{"item": Item{"id": int64(7)}})

	entries := sink.Drain()
	if len(entries) != 3 {
		t.Fatalf("got %d entries, want 3", len(entries))
	}
	wantTypes := []LogType{LogInfo, LogWarning, LogError}
	for i, e := range entries {
		if e.Type != wantTypes[i] {
			t.Errorf("entry %d type = %s, want %s", i, e.Type, wantTypes[i])
		}
		if e.CreatedAt.IsZero() {
			t.Errorf("entry %d has no timestamp", i)
		}
	}
	if !strings.Contains(entries[2].Exception, "bad row") {
		t.Errorf("exception = %q", entries[2].Exception)
	}
	if entries[0].Exception != "" {
		t.Errorf("info entry should have no exception, got %q", entries[0].Exception)
	}
	if len(sink.Drain()) != 0 {
		t.Error("Drain should empty the buffer")
	}
}

func TestTrackerWithoutSink(t *testing.T) {
	tr := NewTracker(nil)
	tr.ResetStats()
	tr.LogError("no sink", nil, nil)
	if tr.Stats().ErrorCount != 1 {
		t.Fatal("counter must increase even without a sink")
	}
}

func TestDescriptorTitle(t *testing.T) {
	tests := []struct {
		name string
		desc Descriptor
		want string
	}{
		{"snake case", Define("import_users", nil), "Import users"},
		{"camel case", Define("ImportUsers", nil), "Import users"},
		{"single word", Define("posts", nil), "Posts"},
		{"explicit", Define("posts", nil).WithTitle("Converting posts"), "Converting posts"},
		{"empty", Define("", nil), ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.desc.Title(); got != tt.want {
				t.Errorf("Title() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestDescriptorBuilderCopies(t *testing.T) {
	base := Define("topics", nil)
	parallel := base.Parallel().InPercent().CustomIncrement()

	if base.Options != (Options{}) {
		t.Errorf("base descriptor was modified: %+v", base.Options)
	}
	want := Options{RunInParallel: true, ReportProgressInPercent: true, UseCustomProgressIncrement: true}
	if parallel.Options != want {
		t.Errorf("Options = %+v, want %+v", parallel.Options, want)
	}
}

func TestOutputInsert(t *testing.T) {
	var out Output
	if err := out.Insert("users", []string{"id", "username"}, int64(1), "alice"); err != nil {
		t.Fatal(err)
	}
	out.Exec("UPDATE users SET active = ?", true)

	stmts := out.Statements()
	if len(stmts) != 2 {
		t.Fatalf("got %d statements", len(stmts))
	}
	if stmts[0].SQL != "INSERT INTO users (id, username) VALUES (?, ?)" {
		t.Errorf("SQL = %q", stmts[0].SQL)
	}
	if len(stmts[0].Args) != 2 || stmts[0].Args[1] != "alice" {
		t.Errorf("Args = %v", stmts[0].Args)
	}

	if err := out.Insert("users", []string{"id"}, 1, 2); err == nil {
		t.Error("expected column/value mismatch error")
	}

	out.Reset()
	if len(out.Statements()) != 0 {
		t.Error("Reset should drop statements")
	}
}

func TestFatal(t *testing.T) {
	if Fatal("x", nil) != nil {
		t.Fatal("Fatal(nil) should be nil")
	}
	cause := errors.New("cannot connect")
	err := Fatal("users", cause)
	if !errors.Is(err, cause) {
		t.Error("Fatal must wrap the cause")
	}
	if again := Fatal("posts", fmt.Errorf("wrapped: %w", err)); !strings.Contains(again.Error(), "step users") {
		t.Errorf("existing fatal error should be kept, got %q", again)
	}

	var fe *FatalError
	if !errors.As(err, &fe) || fe.Step != "users" {
		t.Errorf("errors.As failed: %v", err)
	}
}
