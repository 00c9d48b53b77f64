// Package converter drives a conversion run: it prepares the intermediate
// database, then executes the steps of a registered converter one after
// another and records the outcome.
package converter

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/google/uuid"

	"github.com/johndauphine/forum-converter/internal/checkpoint"
	"github.com/johndauphine/forum-converter/internal/config"
	"github.com/johndauphine/forum-converter/internal/executor"
	"github.com/johndauphine/forum-converter/internal/intermediatedb"
	"github.com/johndauphine/forum-converter/internal/logging"
	"github.com/johndauphine/forum-converter/internal/notify"
	"github.com/johndauphine/forum-converter/internal/progress"
	"github.com/johndauphine/forum-converter/internal/step"
	"github.com/johndauphine/forum-converter/internal/wire"
	"github.com/johndauphine/forum-converter/internal/worker"
)

// ErrAborted is returned by Run when its context was cancelled.
var ErrAborted = errors.New("aborted")

// ModePlain marks steps without items.
const ModePlain = "plain"

// Options are the collaborators of a run. Every field is optional.
type Options struct {
	ConfigPath string
	State      checkpoint.StateBackend
	Notifier   notify.Provider
	Reporter   progress.Reporter
	Launcher   worker.Launcher
}

// StepResult is the outcome of one step.
type StepResult struct {
	Name     string
	Title    string
	Mode     string
	Totals   progress.Totals
	Duration time.Duration
	Err      error
}

// Report summarizes a run.
type Report struct {
	RunID     string
	Converter string
	Steps     []StepResult
	Duration  time.Duration
}

// Summary totals the steps for notifications.
func (r *Report) Summary() notify.Summary {
	s := notify.Summary{Steps: len(r.Steps)}
	for _, st := range r.Steps {
		s.Items += st.Totals.Items
		s.Warnings += st.Totals.Warnings
		s.Errors += st.Totals.Errors
	}
	return s
}

// Converter runs one converter definition.
type Converter struct {
	def   Definition
	cfg   *config.Config
	opts  Options
	runID string
}

// New prepares a run of def with the given configuration.
func New(def Definition, cfg *config.Config, opts Options) *Converter {
	if opts.Notifier == nil {
		opts.Notifier = notify.New(&cfg.Slack)
	}
	if opts.Reporter == nil {
		opts.Reporter = progress.NullReporter{}
	}
	if opts.Launcher == nil {
		opts.Launcher = &worker.InProcessLauncher{Resolve: Resolve}
	}
	return &Converter{
		def:   def,
		cfg:   cfg,
		opts:  opts,
		runID: uuid.New().String()[:8],
	}
}

// NewLauncher returns the worker launcher for the configured parallel
// mode. Process workers re-run exe with args.
func NewLauncher(cfg *config.Config, exe string, args ...string) worker.Launcher {
	if cfg.Converter.ParallelMode == "goroutines" {
		return &worker.InProcessLauncher{Resolve: Resolve}
	}
	return &worker.ProcessLauncher{Path: exe, Args: args, Stderr: os.Stderr}
}

// RunID identifies this run in the history.
func (c *Converter) RunID() string { return c.runID }

// Run executes every selected step in order. A step-level failure stops
// the run; item failures are counted and logged but do not. The report is
// never nil.
func (c *Converter) Run(ctx context.Context) (report *Report, err error) {
	start := time.Now()
	report = &Report{RunID: c.runID, Converter: c.def.Name}

	plan, err := c.def.Build(ctx, c.cfg)
	if err != nil {
		return report, fmt.Errorf("building converter %s: %w", c.def.Name, err)
	}
	defer closePlan(plan)

	steps, err := FilterSteps(plan.Steps, c.cfg.Converter.Steps)
	if err != nil {
		return report, err
	}

	if c.opts.State != nil {
		if err := c.opts.State.CreateRun(c.runID, c.def.Name, c.cfg.Sanitized(), c.opts.ConfigPath); err != nil {
			return report, fmt.Errorf("run history: %w", err)
		}
	}
	logging.Info("Starting %s conversion run %s (%d steps)", c.def.Name, c.runID, len(steps))
	c.notify("start", c.opts.Notifier.RunStarted(c.runID, c.def.Name, len(steps)))

	defer func() {
		report.Duration = time.Since(start)
		c.finish(start, report, err)
	}()

	err = c.run(ctx, plan, steps, report)
	if ctx.Err() != nil {
		err = ErrAborted
	}
	return report, err
}

func (c *Converter) run(ctx context.Context, plan *Plan, steps []step.Descriptor, report *Report) error {
	if plan.Setup != nil {
		if err := plan.Setup(ctx); err != nil {
			return fmt.Errorf("setup: %w", err)
		}
	}

	path := c.cfg.IntermediateDB.Path
	if c.cfg.IntermediateDB.Reset {
		if err := intermediatedb.Reset(path); err != nil {
			return err
		}
	}
	db, err := intermediatedb.Open(path)
	if err != nil {
		return err
	}
	defer db.Close()
	if err := db.Migrate(ctx); err != nil {
		return err
	}

	settings, err := c.cfg.Bytes()
	if err != nil {
		return fmt.Errorf("encoding settings for workers: %w", err)
	}
	hello := wire.Hello{Converter: c.def.Name, Settings: settings}

	for i, desc := range steps {
		if err := ctx.Err(); err != nil {
			return err
		}
		res, err := c.runStep(ctx, plan, i, desc, db, hello)
		report.Steps = append(report.Steps, res)
		if err != nil {
			return err
		}
	}
	return nil
}

func (c *Converter) runStep(ctx context.Context, plan *Plan, pos int, desc step.Descriptor, db *intermediatedb.DB, hello wire.Hello) (res StepResult, err error) {
	start := time.Now()
	res = StepResult{Name: desc.Name, Title: desc.Title(), Mode: ModePlain}

	if c.opts.State != nil {
		if err := c.opts.State.StartStep(c.runID, desc.Name, res.Title, pos); err != nil {
			return res, fmt.Errorf("run history: %w", err)
		}
	}
	defer func() {
		res.Duration = time.Since(start)
		res.Err = err
		c.recordStep(ctx, pos, res)
	}()

	tracker := step.NewTracker(db)
	s, err := desc.New(step.Context{Settings: c.cfg, Tracker: tracker, DB: db})
	if err != nil {
		return res, step.Fatal(desc.Name, fmt.Errorf("creating step: %w", err))
	}
	if cl, ok := s.(step.Cleaner); ok {
		defer func() {
			if cerr := cl.Cleanup(); cerr != nil {
				logging.Warn("%s: cleanup failed: %v", res.Title, cerr)
			}
		}()
	}

	if plan.BeforeStep != nil {
		if err := plan.BeforeStep(ctx, desc); err != nil {
			return res, step.Fatal(desc.Name, err)
		}
	}

	logging.Debug("%s: executing", res.Title)
	if err := s.Execute(ctx); err != nil {
		return res, step.Fatal(desc.Name, err)
	}

	if ps, ok := s.(step.ProgressStep); ok {
		exec := executor.New(desc, ps, tracker, db, c.opts.Reporter, executor.Options{
			Workers:     c.cfg.Converter.Workers,
			BatchSize:   c.cfg.Converter.BatchSize,
			MaxInFlight: c.cfg.Converter.MaxInFlight,
			Launcher:    c.opts.Launcher,
			Hello:       hello,
		})
		out, err := exec.Execute(ctx)
		res.Mode = string(out.Mode)
		res.Totals = out.Totals
		if err != nil {
			return res, err
		}
	} else {
		st := tracker.Stats()
		res.Totals = progress.Totals{Warnings: st.WarningCount, Errors: st.ErrorCount}
		logging.Info("%s: done in %s", res.Title, time.Since(start).Round(time.Millisecond))
	}

	if plan.AfterStep != nil {
		res.Duration = time.Since(start)
		if err := plan.AfterStep(ctx, desc, res); err != nil {
			return res, step.Fatal(desc.Name, err)
		}
	}
	return res, nil
}

// recordStep stores a finished step in the history. A cancelled step is
// recorded as aborted even if it returned no error.
func (c *Converter) recordStep(ctx context.Context, pos int, res StepResult) {
	status := checkpoint.StatusSuccess
	errMsg := ""
	switch {
	case ctx.Err() != nil:
		status = checkpoint.StatusAborted
	case res.Err != nil:
		status = checkpoint.StatusFailed
		errMsg = res.Err.Error()
		c.notify("step failure", c.opts.Notifier.StepFailed(c.runID, res.Name, res.Err))
	}
	if c.opts.State == nil {
		return
	}
	rec := checkpoint.StepRecord{
		RunID:    c.runID,
		Name:     res.Name,
		Title:    res.Title,
		Position: pos,
		Mode:     res.Mode,
		Status:   status,
		Items:    res.Totals.Items,
		Progress: res.Totals.Progress,
		Warnings: res.Totals.Warnings,
		Errors:   res.Totals.Errors,
		Error:    errMsg,
	}
	if err := c.opts.State.CompleteStep(rec); err != nil {
		logging.Warn("Recording step %s: %v", res.Name, err)
	}
}

func (c *Converter) finish(start time.Time, report *Report, err error) {
	status := checkpoint.StatusSuccess
	errMsg := ""
	switch {
	case errors.Is(err, ErrAborted):
		status = checkpoint.StatusAborted
		c.notify("abort", c.opts.Notifier.RunAborted(c.runID, c.def.Name, report.Duration))
	case err != nil:
		status = checkpoint.StatusFailed
		errMsg = err.Error()
		c.notify("failure", c.opts.Notifier.RunFailed(c.runID, c.def.Name, err, report.Duration))
	default:
		c.notify("completion", c.opts.Notifier.RunCompleted(c.runID, c.def.Name, start, report.Duration, report.Summary()))
	}
	if c.opts.State != nil {
		if serr := c.opts.State.CompleteRun(c.runID, status, errMsg); serr != nil {
			logging.Warn("Recording run %s: %v", c.runID, serr)
		}
	}
}

func (c *Converter) notify(event string, err error) {
	if err != nil {
		logging.Warn("Sending %s notification: %v", event, err)
	}
}

func closePlan(plan *Plan) error {
	if plan == nil || plan.Close == nil {
		return nil
	}
	err := plan.Close()
	if err != nil {
		logging.Warn("Closing converter: %v", err)
	}
	return err
}
