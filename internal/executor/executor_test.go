package executor

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/johndauphine/forum-converter/internal/intermediatedb"
	"github.com/johndauphine/forum-converter/internal/job"
	"github.com/johndauphine/forum-converter/internal/step"
	"github.com/johndauphine/forum-converter/internal/wire"
	"github.com/johndauphine/forum-converter/internal/worker"
)

type usersStep struct {
	step.Base
	items     []step.Item
	endless   bool
	max       int64
	known     bool
	maxErr    error
	itemsErr  error
	sizeDelay time.Duration
	fail      func(item step.Item) bool
}

func (s *usersStep) Items(ctx context.Context, yield func(step.Item) error) error {
	if s.endless {
		for i := int64(1); ; i++ {
			if err := yield(step.Item{"id": i, "name": fmt.Sprintf("user%d", i)}); err != nil {
				return err
			}
		}
	}
	for _, item := range s.items {
		if err := yield(item); err != nil {
			return err
		}
	}
	return s.itemsErr
}

func (s *usersStep) MaxProgress(ctx context.Context) (int64, bool, error) {
	time.Sleep(s.sizeDelay)
	return s.max, s.known, s.maxErr
}

func (s *usersStep) ProcessItem(ctx context.Context, item step.Item, out *step.Output) error {
	if s.fail != nil && s.fail(item) {
		return fmt.Errorf("cannot convert %v", item["name"])
	}
	return out.Insert("users", []string{"original_id", "username"}, item["id"], item["name"])
}

func numbered(n int) []step.Item {
	items := make([]step.Item, n)
	for i := range items {
		items[i] = step.Item{"id": int64(i + 1), "name": fmt.Sprintf("user%d", i+1)}
	}
	return items
}

type fixture struct {
	db      *intermediatedb.DB
	tracker *step.Tracker
}

func newFixture(t *testing.T) fixture {
	t.Helper()
	db, err := intermediatedb.Open(filepath.Join(t.TempDir(), "intermediate.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { db.Close() })
	if err := db.Migrate(context.Background()); err != nil {
		t.Fatal(err)
	}
	return fixture{db: db, tracker: step.NewTracker(db)}
}

func (f fixture) executor(desc step.Descriptor, s *usersStep, workers int) *Executor {
	resolve := func(ctx context.Context, hello wire.Hello) (worker.Processor, error) {
		if hello.Step != desc.Name {
			return nil, fmt.Errorf("unknown step %q", hello.Step)
		}
		sink := &step.BufferSink{}
		return job.NewParallel(s, step.NewTracker(sink), sink), nil
	}
	return New(desc, s, f.tracker, f.db, nil, Options{
		Workers:   workers,
		BatchSize: 16,
		Launcher:  &worker.InProcessLauncher{Resolve: resolve},
		Hello:     wire.Hello{Converter: "test"},
	})
}

func (f fixture) count(t *testing.T, table string) int64 {
	t.Helper()
	n, err := f.db.Count(context.Background(), table)
	if err != nil {
		t.Fatal(err)
	}
	return n
}

func (f fixture) errorEntries(t *testing.T) []string {
	t.Helper()
	rows, err := f.db.Query(context.Background(), "SELECT COALESCE(details, '') FROM log_entries WHERE type = 'error'")
	if err != nil {
		t.Fatal(err)
	}
	defer rows.Close()
	var out []string
	for rows.Next() {
		var d string
		if err := rows.Scan(&d); err != nil {
			t.Fatal(err)
		}
		out = append(out, d)
	}
	return out
}

func TestShouldRunParallel(t *testing.T) {
	parallel := step.Options{RunInParallel: true}
	tests := []struct {
		name    string
		opts    step.Options
		max     int64
		known   bool
		workers int
		want    bool
	}{
		{"not parallel step", step.Options{}, 1000, true, 3, false},
		{"not parallel step, unknown size", step.Options{}, 0, false, 3, false},
		{"unknown size", parallel, 0, false, 3, true},
		{"at threshold", parallel, 30, true, 3, false},
		{"below threshold", parallel, 5, true, 3, false},
		{"above threshold", parallel, 31, true, 3, true},
		{"single worker", parallel, 11, true, 1, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := ShouldRunParallel(tt.opts, tt.max, tt.known, tt.workers); got != tt.want {
				t.Errorf("ShouldRunParallel = %t, want %t", got, tt.want)
			}
		})
	}
}

func TestSerialBadItemDoesNotStopStep(t *testing.T) {
	f := newFixture(t)
	s := &usersStep{
		items: []step.Item{
			{"id": int64(1), "name": "ok1"},
			{"id": int64(2), "name": "bad1"},
			{"id": int64(3), "name": "ok2"},
		},
		max: 3, known: true,
		fail: func(item step.Item) bool { return item["name"] == "bad1" },
	}
	desc := step.Define("users", nil)

	res, err := f.executor(desc, s, 3).Execute(context.Background())
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if res.Mode != ModeSerial {
		t.Errorf("Mode = %s, want serial", res.Mode)
	}
	if res.Totals.Items != 3 || res.Totals.Errors != 1 || res.Totals.Progress != 3 {
		t.Errorf("Totals = %+v", res.Totals)
	}
	if n := f.count(t, "users"); n != 2 {
		t.Errorf("users = %d, want 2", n)
	}
	entries := f.errorEntries(t)
	if len(entries) != 1 || !strings.Contains(entries[0], "bad1") {
		t.Errorf("error entries = %v", entries)
	}
}

func TestSmallParallelStepRunsSerially(t *testing.T) {
	f := newFixture(t)
	s := &usersStep{items: numbered(12), max: 12, known: true}
	desc := step.Define("users", nil).Parallel()

	res, err := f.executor(desc, s, 2).Execute(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if res.Mode != ModeSerial {
		t.Errorf("Mode = %s, want serial for 12 items on 2 workers", res.Mode)
	}
}

func TestParallelProcessesEveryItem(t *testing.T) {
	for _, workers := range []int{1, 3, 8} {
		t.Run(fmt.Sprintf("%d workers", workers), func(t *testing.T) {
			f := newFixture(t)
			const n = 200
			s := &usersStep{
				items: numbered(n),
				fail:  func(item step.Item) bool { return item["id"].(int64)%7 == 0 },
			}
			desc := step.Define("users", nil).Parallel()

			res, err := f.executor(desc, s, workers).Execute(context.Background())
			if err != nil {
				t.Fatalf("Execute: %v", err)
			}
			if res.Mode != ModeParallel {
				t.Fatalf("Mode = %s, want parallel", res.Mode)
			}
			failed := int64(n / 7)
			if res.Totals.Items != n || res.Totals.Errors != failed {
				t.Errorf("Totals = %+v, want %d items and %d errors", res.Totals, n, failed)
			}
			if got := f.count(t, "users"); got != n-failed {
				t.Errorf("users = %d, want %d", got, n-failed)
			}
			if got := len(f.errorEntries(t)); int64(got) != failed {
				t.Errorf("error entries = %d, want %d", got, failed)
			}
		})
	}
}

func TestParallelWriteConflictIsItemError(t *testing.T) {
	f := newFixture(t)
	items := numbered(40)
	items = append(items, step.Item{"id": int64(1), "name": "duplicate"})
	s := &usersStep{items: items}
	desc := step.Define("users", nil).Parallel()

	res, err := f.executor(desc, s, 2).Execute(context.Background())
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if res.Totals.Items != 41 || res.Totals.Errors != 1 {
		t.Errorf("Totals = %+v", res.Totals)
	}
	if n := f.count(t, "users"); n != 40 {
		t.Errorf("users = %d, want 40", n)
	}
}

func TestCustomIncrement(t *testing.T) {
	f := newFixture(t)
	s := &usersStep{items: numbered(4), max: 4, known: true}
	desc := step.Define("users", nil).CustomIncrement()

	res, err := f.executor(desc, s, 1).Execute(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	// Without SetProgress every item reports the reset value of 1.
	if res.Totals.Progress != 4 {
		t.Errorf("Progress = %d, want 4", res.Totals.Progress)
	}
}

func TestStepLevelFailures(t *testing.T) {
	boom := errors.New("source unavailable")
	tests := []struct {
		name string
		step *usersStep
		desc step.Descriptor
	}{
		{"max progress", &usersStep{maxErr: boom}, step.Define("users", nil)},
		{"serial items", &usersStep{items: numbered(2), known: true, max: 2, itemsErr: boom}, step.Define("users", nil)},
		{"parallel items", &usersStep{items: numbered(2), itemsErr: boom}, step.Define("users", nil).Parallel()},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			_, err := f.executor(tt.desc, tt.step, 2).Execute(context.Background())
			var fe *step.FatalError
			if !errors.As(err, &fe) {
				t.Fatalf("expected FatalError, got %v", err)
			}
			if !errors.Is(err, boom) {
				t.Errorf("cause lost: %v", err)
			}
		})
	}
}

func TestSlowSizingIsRecorded(t *testing.T) {
	f := newFixture(t)
	s := &usersStep{items: numbered(1), max: 1, known: true, sizeDelay: 5 * time.Millisecond}
	e := f.executor(step.Define("users", nil), s, 1)
	e.opts.SlowSizing = time.Millisecond

	if _, err := e.Execute(context.Background()); err != nil {
		t.Fatal(err)
	}
	counts, err := f.db.LogCounts(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if counts[step.LogInfo] != 1 {
		t.Errorf("info entries = %d, want 1", counts[step.LogInfo])
	}
}

func TestCancelParallel(t *testing.T) {
	f := newFixture(t)
	s := &usersStep{endless: true}
	desc := step.Define("users", nil).Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(100*time.Millisecond, cancel)

	done := make(chan error, 1)
	go func() {
		_, err := f.executor(desc, s, 2).Execute(ctx)
		done <- err
	}()

	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Fatalf("expected context.Canceled, got %v", err)
		}
	case <-time.After(10 * time.Second):
		t.Fatal("executor did not stop after cancel")
	}
}
