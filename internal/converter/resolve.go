package converter

import (
	"context"
	"fmt"

	"github.com/johndauphine/forum-converter/internal/config"
	"github.com/johndauphine/forum-converter/internal/job"
	"github.com/johndauphine/forum-converter/internal/step"
	"github.com/johndauphine/forum-converter/internal/wire"
	"github.com/johndauphine/forum-converter/internal/worker"
)

// Resolve is the worker.Resolver for registered converters. It rebuilds
// the converter from the settings in hello and constructs the named step
// without a database, so its statements travel back to the parent.
func Resolve(ctx context.Context, hello wire.Hello) (worker.Processor, error) {
	cfg, err := config.LoadBytes(hello.Settings)
	if err != nil {
		return nil, err
	}
	def, err := Lookup(hello.Converter)
	if err != nil {
		return nil, err
	}
	plan, err := def.Build(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("building converter %s: %w", def.Name, err)
	}

	proc, err := newProcessor(plan, cfg, hello.Step)
	if err != nil {
		closePlan(plan)
		return nil, err
	}
	return proc, nil
}

func newProcessor(plan *Plan, cfg *config.Config, name string) (*processor, error) {
	desc, ok := plan.Step(name)
	if !ok {
		return nil, fmt.Errorf("unknown step %q", name)
	}
	sink := &step.BufferSink{}
	tracker := step.NewTracker(sink)
	s, err := desc.New(step.Context{Settings: cfg, Tracker: tracker})
	if err != nil {
		return nil, fmt.Errorf("creating step %s: %w", name, err)
	}
	ps, ok := s.(step.ProgressStep)
	if !ok {
		return nil, fmt.Errorf("step %s has no items to process", name)
	}
	return &processor{ParallelJob: job.NewParallel(ps, tracker, sink), plan: plan}, nil
}

// processor releases the plan together with the step.
type processor struct {
	*job.ParallelJob
	plan *Plan
}

func (p *processor) Cleanup() error {
	err := p.ParallelJob.Cleanup()
	if cerr := closePlan(p.plan); err == nil {
		err = cerr
	}
	return err
}
