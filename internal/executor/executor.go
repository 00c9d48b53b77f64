// Package executor runs a single progress step, either serially in the
// calling goroutine or across a pool of workers.
package executor

import (
	"context"
	"errors"
	"fmt"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/johndauphine/forum-converter/internal/config"
	"github.com/johndauphine/forum-converter/internal/intermediatedb"
	"github.com/johndauphine/forum-converter/internal/job"
	"github.com/johndauphine/forum-converter/internal/logging"
	"github.com/johndauphine/forum-converter/internal/progress"
	"github.com/johndauphine/forum-converter/internal/step"
	"github.com/johndauphine/forum-converter/internal/wire"
	"github.com/johndauphine/forum-converter/internal/worker"
)

// Mode is the execution strategy chosen for a step.
type Mode string

const (
	ModeSerial   Mode = "serial"
	ModeParallel Mode = "parallel"
)

// ItemsPerWorker is the minimum number of items per worker for which a
// parallel run pays off.
const ItemsPerWorker = 10

// DefaultSlowSizing is the MaxProgress duration above which a warning is logged.
const DefaultSlowSizing = 5 * time.Second

// WriteFailureMessage is logged when an item's statements are rejected by
// the intermediate database.
const WriteFailureMessage = "Failed to write item"

// Store is the part of the intermediate database the executor writes to.
type Store interface {
	step.Writer
	ApplyBatch(ctx context.Context, batches []intermediatedb.Batch) ([]error, error)
}

// Options configures an Executor.
type Options struct {
	Workers     int // 0 means config.DefaultWorkers()
	BatchSize   int // results per writer transaction
	MaxInFlight int // items queued per worker
	Launcher    worker.Launcher
	Hello       wire.Hello // converter and settings; Step is filled in
	SlowSizing  time.Duration
	// FlushInterval bounds how long results wait for a full batch.
	FlushInterval time.Duration
}

func (o Options) withDefaults() Options {
	if o.Workers <= 0 {
		o.Workers = config.DefaultWorkers()
	}
	if o.BatchSize <= 0 {
		o.BatchSize = 500
	}
	if o.MaxInFlight <= 0 {
		o.MaxInFlight = 4
	}
	if o.SlowSizing <= 0 {
		o.SlowSizing = DefaultSlowSizing
	}
	if o.FlushInterval <= 0 {
		o.FlushInterval = 250 * time.Millisecond
	}
	return o
}

// Result summarizes one step execution.
type Result struct {
	Mode     Mode
	Totals   progress.Totals
	Duration time.Duration
}

// Executor runs one progress step.
type Executor struct {
	desc     step.Descriptor
	step     step.ProgressStep
	tracker  *step.Tracker
	store    Store
	reporter progress.Reporter
	opts     Options
}

// New creates an executor for s, which was built from desc.
func New(desc step.Descriptor, s step.ProgressStep, tracker *step.Tracker, store Store, reporter progress.Reporter, opts Options) *Executor {
	if reporter == nil {
		reporter = progress.NullReporter{}
	}
	return &Executor{
		desc:     desc,
		step:     s,
		tracker:  tracker,
		store:    store,
		reporter: reporter,
		opts:     opts.withDefaults(),
	}
}

// ShouldRunParallel decides the strategy: parallel only for steps that
// allow it and whose size is unknown or larger than workers*ItemsPerWorker.
func ShouldRunParallel(opts step.Options, max int64, known bool, workers int) bool {
	if !opts.RunInParallel {
		return false
	}
	if !known {
		return true
	}
	return max > int64(workers)*ItemsPerWorker
}

// Execute sizes the step, picks a strategy and processes every item.
// Item failures are counted in the totals; the returned error is a
// step-level failure or the context's error.
func (e *Executor) Execute(ctx context.Context) (Result, error) {
	start := time.Now()

	max, known, err := e.step.MaxProgress(ctx)
	if err != nil {
		return Result{}, step.Fatal(e.desc.Name, fmt.Errorf("computing max progress: %w", err))
	}
	if took := time.Since(start); took > e.opts.SlowSizing {
		logging.Warn("%s: computing max progress took %s", e.desc.Title(), took.Round(time.Millisecond))
		e.tracker.LogInfo("Slow max progress", map[string]any{
			"step":    e.desc.Name,
			"seconds": took.Seconds(),
		})
	}
	if !known {
		max = 0
	}

	res := Result{Mode: ModeSerial}
	if ShouldRunParallel(e.desc.Options, max, known, e.opts.Workers) {
		res.Mode = ModeParallel
	}
	logging.Debug("%s: %s execution (max=%d known=%t workers=%d)", e.desc.Title(), res.Mode, max, known, e.opts.Workers)

	e.reporter.Start(e.desc.Title(), max, e.desc.Options.ReportProgressInPercent)
	if res.Mode == ModeParallel {
		res.Totals, err = e.executeParallel(ctx)
	} else {
		res.Totals, err = e.executeSerially(ctx)
	}
	e.reporter.Finish(res.Totals)
	res.Duration = time.Since(start)

	if ctxErr := ctx.Err(); ctxErr != nil {
		return res, ctxErr
	}
	return res, err
}

func (e *Executor) executeSerially(ctx context.Context) (progress.Totals, error) {
	var totals progress.Totals
	custom := e.desc.Options.UseCustomProgressIncrement
	j := job.NewSerial(e.step, e.tracker, e.store)

	err := e.step.Items(ctx, func(item step.Item) error {
		if err := ctx.Err(); err != nil {
			return err
		}
		out := j.Run(ctx, item)
		totals.Add(out.Stats, custom)
		e.reporter.Update(totals)
		return nil
	})
	if err != nil && ctx.Err() == nil {
		return totals, step.Fatal(e.desc.Name, fmt.Errorf("enumerating items: %w", err))
	}
	return totals, err
}

func (e *Executor) executeParallel(ctx context.Context) (progress.Totals, error) {
	var totals progress.Totals
	workers := e.opts.Workers

	hello := e.opts.Hello
	hello.Step = e.desc.Name
	pool, err := worker.StartPool(ctx, e.opts.Launcher, workers, hello, e.opts.MaxInFlight)
	if err != nil {
		return totals, step.Fatal(e.desc.Name, fmt.Errorf("starting workers: %w", err))
	}

	work := make(chan worker.Task, 100*workers)
	results := make(chan worker.Result, 100*workers)

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		defer close(work)
		var seq uint64
		err := e.step.Items(gctx, func(item step.Item) error {
			seq++
			select {
			case work <- worker.Task{Seq: seq, Item: item}:
				return nil
			case <-gctx.Done():
				return gctx.Err()
			}
		})
		if err != nil && gctx.Err() == nil {
			return fmt.Errorf("enumerating items: %w", err)
		}
		return err
	})

	g.Go(func() error {
		defer close(results)
		return pool.Run(gctx, work, results)
	})

	g.Go(func() error {
		return e.write(gctx, results, &totals)
	})

	if err := g.Wait(); err != nil {
		if ctx.Err() != nil {
			return totals, ctx.Err()
		}
		return totals, step.Fatal(e.desc.Name, err)
	}
	return totals, nil
}

// write is the only writer to the intermediate database while workers run.
// It applies results in batches and folds their stats into totals.
func (e *Executor) write(ctx context.Context, results <-chan worker.Result, totals *progress.Totals) error {
	custom := e.desc.Options.UseCustomProgressIncrement
	batch := make([]worker.Result, 0, e.opts.BatchSize)

	flush := func(ctx context.Context) error {
		if len(batch) == 0 {
			return nil
		}
		pending := make([]intermediatedb.Batch, len(batch))
		for i, r := range batch {
			pending[i] = intermediatedb.Batch{Statements: r.Statements, LogEntries: r.LogEntries}
		}
		itemErrs, err := e.store.ApplyBatch(ctx, pending)
		if err != nil {
			return fmt.Errorf("writing results: %w", err)
		}
		for i, r := range batch {
			stats := r.Stats
			if itemErrs[i] != nil {
				e.tracker.LogError(WriteFailureMessage, itemErrs[i], map[string]any{"seq": r.Seq, "worker": r.Worker})
				stats.ErrorCount++
			}
			totals.Add(stats, custom)
		}
		e.reporter.Update(*totals)
		batch = batch[:0]
		return nil
	}

	ticker := time.NewTicker(e.opts.FlushInterval)
	defer ticker.Stop()

	for {
		select {
		case r, ok := <-results:
			if !ok {
				return flush(ctx)
			}
			batch = append(batch, r)
			if len(batch) >= e.opts.BatchSize {
				if err := flush(ctx); err != nil {
					return err
				}
			}
		case <-ticker.C:
			if err := flush(ctx); err != nil {
				return err
			}
		case <-ctx.Done():
			// Keep what already arrived.
			if err := flush(context.WithoutCancel(ctx)); err != nil && !errors.Is(err, context.Canceled) {
				logging.Warn("%s: discarding %d results: %v", e.desc.Title(), len(batch), err)
			}
			return ctx.Err()
		}
	}
}
