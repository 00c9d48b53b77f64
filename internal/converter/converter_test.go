package converter

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/johndauphine/forum-converter/internal/checkpoint"
	"github.com/johndauphine/forum-converter/internal/config"
	"github.com/johndauphine/forum-converter/internal/intermediatedb"
	"github.com/johndauphine/forum-converter/internal/step"
	"github.com/johndauphine/forum-converter/internal/wire"
)

// events records step activity across a run.
type events struct {
	mu   sync.Mutex
	list []string
}

func (e *events) add(s string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.list = append(e.list, s)
}

func (e *events) all() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]string(nil), e.list...)
}

type plainStep struct {
	name string
	log  *events
	err  error
}

func (s *plainStep) Execute(ctx context.Context) error {
	s.log.add(s.name + ":start")
	time.Sleep(5 * time.Millisecond)
	s.log.add(s.name + ":end")
	return s.err
}

type usersStep struct {
	step.Base
	log     *events
	items   []step.Item
	endless bool
}

func (s *usersStep) Execute(ctx context.Context) error {
	if s.log != nil {
		s.log.add("users:start")
	}
	return nil
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
	if s.log != nil {
		s.log.add("users:end")
	}
	return nil
}

func (s *usersStep) MaxProgress(ctx context.Context) (int64, bool, error) {
	if s.endless {
		return 0, false, nil
	}
	return int64(len(s.items)), true, nil
}

func (s *usersStep) ProcessItem(ctx context.Context, item step.Item, out *step.Output) error {
	if strings.HasPrefix(fmt.Sprint(item["name"]), "bad") {
		return fmt.Errorf("cannot convert %v", item["name"])
	}
	return out.Insert("users", []string{"original_id", "username"}, item["id"], item["name"])
}

var (
	orderLog   events
	scenarioOK events
)

func init() {
	plain := func(name string, err error, log *events) step.Descriptor {
		return step.Define(name, func(step.Context) (step.Step, error) {
			return &plainStep{name: name, log: log, err: err}, nil
		})
	}

	Register(Definition{
		Name: "test-order",
		Build: func(ctx context.Context, cfg *config.Config) (*Plan, error) {
			many := make([]step.Item, 100)
			for i := range many {
				many[i] = step.Item{"id": int64(i + 1), "name": fmt.Sprintf("user%d", i+1)}
			}
			return &Plan{Steps: []step.Descriptor{
				plain("a", nil, &orderLog),
				step.Define("users", func(step.Context) (step.Step, error) {
					return &usersStep{log: &orderLog, items: many}, nil
				}).Parallel(),
				plain("c", nil, &orderLog),
			}}, nil
		},
	})

	Register(Definition{
		Name: "test-scenario",
		Build: func(ctx context.Context, cfg *config.Config) (*Plan, error) {
			return &Plan{Steps: []step.Descriptor{
				step.Define("users", func(step.Context) (step.Step, error) {
					return &usersStep{items: []step.Item{
						{"id": int64(1), "name": "ok1"},
						{"id": int64(2), "name": "bad1"},
						{"id": int64(3), "name": "ok2"},
					}}, nil
				}),
				plain("after", nil, &scenarioOK),
			}}, nil
		},
	})

	Register(Definition{
		Name: "test-fatal",
		Build: func(ctx context.Context, cfg *config.Config) (*Plan, error) {
			var log events
			return &Plan{Steps: []step.Descriptor{
				plain("broken", errors.New("cannot reach source"), &log),
				plain("never", nil, &log),
			}}, nil
		},
	})

	Register(Definition{
		Name: "test-abort",
		Build: func(ctx context.Context, cfg *config.Config) (*Plan, error) {
			return &Plan{Steps: []step.Descriptor{
				step.Define("users", func(step.Context) (step.Step, error) {
					return &usersStep{endless: true}, nil
				}).Parallel(),
			}}, nil
		},
	})
}

func testConfig(t *testing.T, name string) *config.Config {
	t.Helper()
	dir := t.TempDir()
	cfg, err := config.LoadBytes([]byte(fmt.Sprintf(`
converter:
  name: %s
  parallel_mode: goroutines
  workers: 2
  batch_size: 8
intermediate_db:
  path: %s
state:
  data_dir: %s
`, name, filepath.Join(dir, "intermediate.db"), dir)))
	if err != nil {
		t.Fatalf("LoadBytes: %v", err)
	}
	return cfg
}

func newRun(t *testing.T, name string) (*Converter, *checkpoint.State, *config.Config) {
	t.Helper()
	cfg := testConfig(t, name)
	def, err := Lookup(name)
	if err != nil {
		t.Fatal(err)
	}
	state, err := checkpoint.New(cfg.State.DataDir)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { state.Close() })
	return New(def, cfg, Options{State: state}), state, cfg
}

func TestStepsRunInOrder(t *testing.T) {
	c, _, _ := newRun(t, "test-order")
	report, err := c.Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	want := []string{"a:start", "a:end", "users:start", "users:end", "c:start", "c:end"}
	got := orderLog.all()
	if strings.Join(got, ",") != strings.Join(want, ",") {
		t.Errorf("events = %v, want %v", got, want)
	}
	if len(report.Steps) != 3 || report.Steps[1].Mode != "parallel" {
		t.Errorf("steps = %+v", report.Steps)
	}
	if report.Steps[1].Totals.Items != 100 {
		t.Errorf("users items = %d, want 100", report.Steps[1].Totals.Items)
	}
}

func TestBadItemContinuesToNextStep(t *testing.T) {
	c, state, cfg := newRun(t, "test-scenario")
	report, err := c.Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if got := report.Summary().Errors; got != 1 {
		t.Errorf("errors = %d, want 1", got)
	}
	if got := scenarioOK.all(); len(got) != 2 {
		t.Errorf("next step did not run: %v", got)
	}

	db, err := intermediatedb.Open(cfg.IntermediateDB.Path)
	if err != nil {
		t.Fatal(err)
	}
	defer db.Close()
	if n, err := db.Count(context.Background(), "users"); err != nil || n != 2 {
		t.Errorf("users = %d, %v; want 2", n, err)
	}
	counts, err := db.LogCounts(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if counts[step.LogError] != 1 {
		t.Errorf("error entries = %d, want 1", counts[step.LogError])
	}

	run, err := state.GetRunByID(c.RunID())
	if err != nil || run == nil {
		t.Fatalf("GetRunByID = %v, %v", run, err)
	}
	if run.Status != checkpoint.StatusSuccess {
		t.Errorf("run status = %s, want success", run.Status)
	}
	steps, err := state.GetSteps(c.RunID())
	if err != nil {
		t.Fatal(err)
	}
	if len(steps) != 2 || steps[0].Errors != 1 || steps[0].Mode != "serial" || steps[1].Mode != ModePlain {
		t.Errorf("steps = %+v", steps)
	}
}

func TestStepLevelErrorHaltsRun(t *testing.T) {
	c, state, _ := newRun(t, "test-fatal")
	report, err := c.Run(context.Background())

	var fe *step.FatalError
	if !errors.As(err, &fe) || fe.Step != "broken" {
		t.Fatalf("expected FatalError for broken, got %v", err)
	}
	if len(report.Steps) != 1 {
		t.Errorf("steps run = %d, want 1", len(report.Steps))
	}
	run, _ := state.GetRunByID(c.RunID())
	if run == nil || run.Status != checkpoint.StatusFailed || !strings.Contains(run.Error, "cannot reach source") {
		t.Errorf("run = %+v", run)
	}
}

func TestAbortIsNeverSuccess(t *testing.T) {
	c, state, _ := newRun(t, "test-abort")

	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(100*time.Millisecond, cancel)

	done := make(chan error, 1)
	go func() {
		_, err := c.Run(ctx)
		done <- err
	}()

	select {
	case err := <-done:
		if !errors.Is(err, ErrAborted) {
			t.Fatalf("Run error = %v, want ErrAborted", err)
		}
	case <-time.After(10 * time.Second):
		t.Fatal("run did not stop after cancel")
	}

	run, err := state.GetRunByID(c.RunID())
	if err != nil || run == nil {
		t.Fatalf("GetRunByID = %v, %v", run, err)
	}
	if run.Status != checkpoint.StatusAborted {
		t.Errorf("run status = %s, want aborted", run.Status)
	}
	steps, _ := state.GetSteps(c.RunID())
	if len(steps) != 1 || steps[0].Status != checkpoint.StatusAborted {
		t.Errorf("steps = %+v", steps)
	}
}

func TestFilterSteps(t *testing.T) {
	all := []step.Descriptor{step.Define("a", nil), step.Define("b", nil), step.Define("c", nil)}
	tests := []struct {
		name    string
		filter  config.StepsFilter
		want    string
		wantErr bool
	}{
		{"no filter", config.StepsFilter{}, "a,b,c", false},
		{"only", config.StepsFilter{Only: []string{"c", "a"}}, "a,c", false},
		{"skip", config.StepsFilter{Skip: []string{"b"}}, "a,c", false},
		{"unknown", config.StepsFilter{Skip: []string{"x"}}, "", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := FilterSteps(all, tt.filter)
			if (err != nil) != tt.wantErr {
				t.Fatalf("err = %v, wantErr %t", err, tt.wantErr)
			}
			var names []string
			for _, d := range got {
				names = append(names, d.Name)
			}
			if strings.Join(names, ",") != tt.want {
				t.Errorf("steps = %v, want %s", names, tt.want)
			}
		})
	}
}

func TestResolve(t *testing.T) {
	cfg := testConfig(t, "test-scenario")
	settings, err := cfg.Bytes()
	if err != nil {
		t.Fatal(err)
	}

	proc, err := Resolve(context.Background(), wire.Hello{Converter: "test-scenario", Step: "users", Settings: settings})
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	defer proc.Cleanup()
	out := proc.Run(context.Background(), step.Item{"id": int64(9), "name": "ok9"})
	if out.Failed() || len(out.Statements) != 1 {
		t.Errorf("outcome = %+v", out)
	}

	tests := []struct {
		name string
		conv string
		step string
	}{
		{"unknown converter", "nope", "users"},
		{"unknown step", "test-scenario", "nope"},
		{"plain step", "test-scenario", "after"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := Resolve(context.Background(), wire.Hello{Converter: tt.conv, Step: tt.step, Settings: settings}); err == nil {
				t.Error("expected an error")
			}
		})
	}
}

func TestRegistry(t *testing.T) {
	if _, err := Lookup("does-not-exist"); err == nil {
		t.Error("Lookup should fail for unknown converters")
	}
	names := map[string]bool{}
	for _, d := range List() {
		names[d.Name] = true
	}
	for _, n := range []string{"test-order", "test-scenario", "test-fatal", "test-abort"} {
		if !names[n] {
			t.Errorf("%s missing from List", n)
		}
	}
}
