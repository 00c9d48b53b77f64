package worker

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/johndauphine/forum-converter/internal/job"
	"github.com/johndauphine/forum-converter/internal/step"
	"github.com/johndauphine/forum-converter/internal/wire"
)

const helperEnv = "FORUM_CONVERTER_TEST_WORKER"

// TestMain lets the test binary act as a worker process when re-executed
// by ProcessLauncher.
func TestMain(m *testing.M) {
	if os.Getenv(helperEnv) == "1" {
		if err := Serve(context.Background(), os.Stdin, os.Stdout, testResolver); err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(2)
		}
		os.Exit(0)
	}
	os.Exit(m.Run())
}

type squareStep struct {
	step.Base
	step.UnknownMax
}

func (s *squareStep) Items(context.Context, func(step.Item) error) error { return nil }

func (s *squareStep) ProcessItem(ctx context.Context, item step.Item, out *step.Output) error {
	if item["exit"] == true {
		os.Exit(3)
	}
	n, _ := item["n"].(int64)
	if item["huge"] == true {
		out.Exec("INSERT INTO blobs (n, body) VALUES (?, ?)", n, strings.Repeat("x", wire.MaxFrameSize))
		return nil
	}
	if n%5 == 0 {
		return fmt.Errorf("multiple of five: %d", n)
	}
	out.Exec("INSERT INTO squares (n, sq) VALUES (?, ?)", n, n*n)
	return nil
}

func testResolver(ctx context.Context, hello wire.Hello) (Processor, error) {
	if hello.Step != "squares" {
		return nil, fmt.Errorf("unknown step %q", hello.Step)
	}
	sink := &step.BufferSink{}
	return job.NewParallel(&squareStep{}, step.NewTracker(sink), sink), nil
}

func numberItems(n int) []step.Item {
	items := make([]step.Item, n)
	for i := range items {
		items[i] = step.Item{"n": int64(i + 1)}
	}
	return items
}

func runPool(t *testing.T, ctx context.Context, l Launcher, workers int, items []step.Item) ([]Result, error) {
	t.Helper()
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	pool, err := StartPool(ctx, l, workers, wire.Hello{Converter: "test", Step: "squares"}, 3)
	if err != nil {
		return nil, err
	}

	work := make(chan Task, 10)
	results := make(chan Result, 10)
	var collected []Result
	done := make(chan struct{})
	go func() {
		for r := range results {
			collected = append(collected, r)
		}
		close(done)
	}()
	go func() {
		defer close(work)
		for i, item := range items {
			select {
			case work <- Task{Seq: uint64(i + 1), Item: item}:
			case <-ctx.Done():
				return
			}
		}
	}()

	err = pool.Run(ctx, work, results)
	close(results)
	<-done
	return collected, err
}

func TestInProcessPoolDeliversEveryResult(t *testing.T) {
	const n = 37
	for _, workers := range []int{1, 2, 4} {
		t.Run(fmt.Sprintf("%d workers", workers), func(t *testing.T) {
			results, err := runPool(t, context.Background(), &InProcessLauncher{Resolve: testResolver}, workers, numberItems(n))
			if err != nil {
				t.Fatalf("Run: %v", err)
			}
			if len(results) != n {
				t.Fatalf("got %d results, want %d", len(results), n)
			}

			seen := make(map[uint64]bool)
			var failed int
			for _, r := range results {
				if seen[r.Seq] {
					t.Errorf("duplicate result for item %d", r.Seq)
				}
				seen[r.Seq] = true
				if r.Failed {
					failed++
					if len(r.Statements) != 0 || r.Stats.ErrorCount != 1 || len(r.LogEntries) != 1 {
						t.Errorf("failed item %d: %+v", r.Seq, r)
					}
				} else if len(r.Statements) != 1 {
					t.Errorf("item %d produced %d statements", r.Seq, len(r.Statements))
				}
			}
			if failed != n/5 {
				t.Errorf("failed = %d, want %d", failed, n/5)
			}
		})
	}
}

func TestDialReportsStartupFailure(t *testing.T) {
	l := &InProcessLauncher{Resolve: testResolver}
	_, err := Dial(context.Background(), l, 1, wire.Hello{Step: "nope"}, 1)
	if err == nil || !strings.Contains(err.Error(), `unknown step "nope"`) {
		t.Fatalf("expected startup failure, got %v", err)
	}
}

func TestServeRejectsOtherVersion(t *testing.T) {
	var in, out bytes.Buffer
	if err := wire.NewWriter(&in).Write(wire.Hello{Version: wire.Version + 1, Step: "squares"}); err != nil {
		t.Fatal(err)
	}

	err := Serve(context.Background(), &in, &out, testResolver)
	if !errors.Is(err, wire.ErrVersionMismatch) {
		t.Fatalf("expected version mismatch, got %v", err)
	}
	msg, err := wire.NewReader(&out).Read()
	if err != nil {
		t.Fatal(err)
	}
	if _, ok := msg.(wire.Failure); !ok {
		t.Errorf("worker answered %s, want failure", msg.Kind())
	}
}

func TestServeStopsOnEOF(t *testing.T) {
	var in, out bytes.Buffer
	w := wire.NewWriter(&in)
	w.Write(wire.Hello{Version: wire.Version, Step: "squares"})
	w.Write(wire.Work{Seq: 1, Item: step.Item{"n": int64(2)}})

	if err := Serve(context.Background(), &in, &out, testResolver); err != nil {
		t.Fatalf("Serve: %v", err)
	}
	r := wire.NewReader(&out)
	if msg, _ := r.Read(); msg.Kind() != wire.KindReady {
		t.Fatalf("first frame = %v", msg)
	}
	msg, err := r.Read()
	if err != nil {
		t.Fatal(err)
	}
	res := msg.(wire.Result)
	if res.Seq != 1 || res.Statements[0].Args[1] != int64(4) {
		t.Errorf("result = %+v", res)
	}
}

func TestServeFailsItemWhoseResultIsTooLarge(t *testing.T) {
	var in, out bytes.Buffer
	w := wire.NewWriter(&in)
	w.Write(wire.Hello{Version: wire.Version, Step: "squares"})
	w.Write(wire.Work{Seq: 1, Item: step.Item{"n": int64(1), "huge": true}})
	w.Write(wire.Work{Seq: 2, Item: step.Item{"n": int64(3)}})
	w.Write(wire.Done{})

	if err := Serve(context.Background(), &in, &out, testResolver); err != nil {
		t.Fatalf("Serve: %v", err)
	}
	r := wire.NewReader(&out)
	if msg, _ := r.Read(); msg.Kind() != wire.KindReady {
		t.Fatalf("first frame = %v", msg)
	}

	msg, err := r.Read()
	if err != nil {
		t.Fatal(err)
	}
	res := msg.(wire.Result)
	if res.Seq != 1 || !res.Failed || len(res.Statements) != 0 {
		t.Fatalf("oversized item result = %+v", res)
	}
	if res.Stats.ErrorCount != 1 || res.Stats.Progress != 1 {
		t.Errorf("stats = %+v", res.Stats)
	}
	if len(res.LogEntries) != 1 || res.LogEntries[0].Type != step.LogError ||
		!strings.Contains(res.LogEntries[0].Exception, "exceeds") {
		t.Errorf("log entries = %+v", res.LogEntries)
	}

	msg, err = r.Read()
	if err != nil {
		t.Fatal(err)
	}
	if next := msg.(wire.Result); next.Seq != 2 || next.Failed || next.Statements[0].Args[1] != int64(9) {
		t.Errorf("next result = %+v", next)
	}
}

func processLauncher() *ProcessLauncher {
	return &ProcessLauncher{
		Path: os.Args[0],
		Args: []string{"-test.run=^$"},
		Env:  []string{helperEnv + "=1"},
	}
}

func TestProcessPool(t *testing.T) {
	if testing.Short() {
		t.Skip("starts child processes")
	}
	results, err := runPool(t, context.Background(), processLauncher(), 2, numberItems(20))
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(results) != 20 {
		t.Fatalf("got %d results, want 20", len(results))
	}
	workers := map[int]bool{}
	for _, r := range results {
		workers[r.Worker] = true
	}
	if len(workers) == 0 {
		t.Error("no worker ids recorded")
	}
}

func TestProcessWorkerDeathFailsStep(t *testing.T) {
	if testing.Short() {
		t.Skip("starts child processes")
	}
	items := numberItems(10)
	items[2]["exit"] = true

	_, err := runPool(t, context.Background(), processLauncher(), 1, items)
	if !errors.Is(err, ErrWorkerDied) {
		t.Fatalf("expected ErrWorkerDied, got %v", err)
	}
}

func TestCancelStopsWorkers(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	l := &InProcessLauncher{Resolve: testResolver}
	pool, err := StartPool(ctx, l, 2, wire.Hello{Step: "squares"}, 2)
	if err != nil {
		t.Fatal(err)
	}

	work := make(chan Task) // never closed
	results := make(chan Result, 100)
	errc := make(chan error, 1)
	go func() { errc <- pool.Run(ctx, work, results) }()

	work <- Task{Seq: 1, Item: step.Item{"n": int64(1)}}
	cancel()

	select {
	case err := <-errc:
		if !errors.Is(err, context.Canceled) {
			t.Fatalf("expected context.Canceled, got %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("pool did not stop after cancel")
	}
}
