// Package job runs a progress step's per-item logic and turns item failures
// into data instead of errors.
package job

import (
	"context"
	"errors"

	"github.com/johndauphine/forum-converter/internal/step"
)

// FailureMessage is the log message recorded for an item that failed.
const FailureMessage = "Failed to process item"

// Outcome is the result of processing one item.
type Outcome struct {
	Statements []step.Statement
	LogEntries []step.LogEntry
	Stats      step.Stats
	Err        *step.ItemError
}

// Failed reports whether the item failed.
func (o Outcome) Failed() bool { return o.Err != nil }

// SerialJob processes items in the calling goroutine and writes their
// statements directly.
type SerialJob struct {
	step    step.ProgressStep
	tracker *step.Tracker
	db      step.Writer
}

// NewSerial returns a job writing through db. The tracker's sink receives
// log entries immediately.
func NewSerial(s step.ProgressStep, tracker *step.Tracker, db step.Writer) *SerialJob {
	return &SerialJob{step: s, tracker: tracker, db: db}
}

// Run processes item. The returned stats describe this item only.
func (j *SerialJob) Run(ctx context.Context, item step.Item) Outcome {
	stmts, itemErr := process(ctx, j.step, j.tracker, item)
	if itemErr == nil && len(stmts) > 0 {
		if err := j.db.Apply(ctx, stmts); err != nil {
			itemErr = fail(ctx, j.tracker, item, err)
		}
	}
	return Outcome{Stats: j.tracker.Stats(), Err: itemErr}
}

// ParallelJob processes items inside a worker. Statements and log entries
// are returned to the caller instead of being written.
type ParallelJob struct {
	step    step.ProgressStep
	tracker *step.Tracker
	sink    *step.BufferSink
}

// NewParallel returns a job whose tracker buffers entries in sink.
func NewParallel(s step.ProgressStep, tracker *step.Tracker, sink *step.BufferSink) *ParallelJob {
	return &ParallelJob{step: s, tracker: tracker, sink: sink}
}

// Run processes item and returns everything it produced.
func (j *ParallelJob) Run(ctx context.Context, item step.Item) Outcome {
	stmts, itemErr := process(ctx, j.step, j.tracker, item)
	return Outcome{
		Statements: stmts,
		LogEntries: j.sink.Drain(),
		Stats:      j.tracker.Stats(),
		Err:        itemErr,
	}
}

// Cleanup releases process-local resources held by the step.
func (j *ParallelJob) Cleanup() error {
	if c, ok := j.step.(step.Cleaner); ok {
		return c.Cleanup()
	}
	return nil
}

func process(ctx context.Context, s step.ProgressStep, tracker *step.Tracker, item step.Item) ([]step.Statement, *step.ItemError) {
	tracker.ResetStats()

	var out step.Output
	if err := processItem(ctx, s, item, &out); err != nil {
		return nil, fail(ctx, tracker, item, err)
	}
	return out.Statements(), nil
}

func processItem(ctx context.Context, s step.ProgressStep, item step.Item, out *step.Output) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = &step.PanicError{Value: r}
		}
	}()
	return s.ProcessItem(ctx, item, out)
}

// fail records the failure unless it is only the echo of a cancelled run.
func fail(ctx context.Context, tracker *step.Tracker, item step.Item, err error) *step.ItemError {
	if ctx.Err() == nil || !errors.Is(err, ctx.Err()) {
		tracker.LogError(FailureMessage, err, map[string]any{"item": item})
	}
	return &step.ItemError{Item: item, Err: err}
}
