// Package worker runs progress step items in separate worker processes and
// provides the parent-side handles that talk to them.
package worker

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/johndauphine/forum-converter/internal/job"
	"github.com/johndauphine/forum-converter/internal/logging"
	"github.com/johndauphine/forum-converter/internal/step"
	"github.com/johndauphine/forum-converter/internal/wire"
)

// Processor handles the items of one step inside a worker.
// *job.ParallelJob satisfies it.
type Processor interface {
	Run(ctx context.Context, item step.Item) job.Outcome
	Cleanup() error
}

// Resolver builds the processor named by a Hello frame.
type Resolver func(ctx context.Context, hello wire.Hello) (Processor, error)

// Serve speaks the worker side of the protocol on r and w until the parent
// sends Done or closes the stream.
func Serve(ctx context.Context, r io.Reader, w io.Writer, resolve Resolver) error {
	fr := wire.NewReader(r)
	fw := wire.NewWriter(w)

	msg, err := fr.Read()
	if err != nil {
		return fmt.Errorf("reading hello: %w", err)
	}
	hello, ok := msg.(wire.Hello)
	if !ok {
		return fmt.Errorf("%w: expected hello, got %s", wire.ErrMalformed, msg.Kind())
	}
	if hello.Version != wire.Version {
		err := fmt.Errorf("%w: parent speaks %d, worker speaks %d", wire.ErrVersionMismatch, hello.Version, wire.Version)
		fw.Write(wire.Failure{Message: err.Error()})
		return err
	}

	proc, err := resolve(ctx, hello)
	if err != nil {
		fw.Write(wire.Failure{Message: err.Error()})
		return fmt.Errorf("starting step %s: %w", hello.Step, err)
	}
	defer func() {
		if cerr := proc.Cleanup(); cerr != nil {
			logging.Warn("Cleanup of step %s failed: %v", hello.Step, cerr)
		}
	}()

	if err := fw.Write(wire.Ready{}); err != nil {
		return err
	}
	logging.Debug("Worker ready for step %s", hello.Step)

	var processed int
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		msg, err := fr.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return fmt.Errorf("reading work: %w", err)
		}

		switch m := msg.(type) {
		case wire.Work:
			out := proc.Run(ctx, m.Item)
			res := wire.Result{
				Seq:        m.Seq,
				Statements: out.Statements,
				LogEntries: out.LogEntries,
				Stats:      out.Stats,
				Failed:     out.Failed(),
			}
			err := fw.Write(res)
			if errors.Is(err, wire.ErrEncode) {
				logging.Warn("Result for item %d cannot be sent: %v", m.Seq, err)
				err = fw.Write(unsendableResult(res, err))
			}
			if err != nil {
				return fmt.Errorf("writing result %d: %w", m.Seq, err)
			}
			processed++
		case wire.Done:
			logging.Debug("Worker finished step %s after %d items", hello.Step, processed)
			return nil
		default:
			return fmt.Errorf("%w: unexpected %s frame", wire.ErrMalformed, msg.Kind())
		}
	}
	return nil
}

// unsendableResult replaces a result the codec rejected with a failed one
// carrying only the encode error, so the item is recorded and the step goes on.
func unsendableResult(res wire.Result, cause error) wire.Result {
	stats := res.Stats
	if !res.Failed {
		stats.ErrorCount++
	}
	return wire.Result{
		Seq: res.Seq,
		LogEntries: []step.LogEntry{{
			Type:      step.LogError,
			Message:   "Failed to send item result",
			Exception: cause.Error(),
			Details:   map[string]any{"statements": int64(len(res.Statements)), "log_entries": int64(len(res.LogEntries))},
			CreatedAt: time.Now().UTC(),
		}},
		Stats:  stats,
		Failed: true,
	}
}
