// Package step defines the unit of conversion work and the per-step
// bookkeeping shared by the serial and parallel execution paths.
//
// A Step runs once. A ProgressStep additionally enumerates independent work
// items and turns each one into statements for the intermediate database.
package step

import (
	"context"
	"strings"
	"unicode"

	"github.com/johndauphine/forum-converter/internal/config"
)

// Item is one unit of input data. Values must be encodable by the wire
// package so the item can cross a process boundary.
type Item map[string]any

// Writer applies statements to the intermediate database.
type Writer interface {
	Apply(ctx context.Context, stmts []Statement) error
}

// Context carries the dependencies a step is constructed with. It is
// immutable for the lifetime of the step.
type Context struct {
	Settings *config.Config
	Tracker  *Tracker
	// DB is nil inside worker processes; items write through Output instead.
	DB Writer
}

// Step is a phase of a conversion.
type Step interface {
	// Execute performs one-time, non-parallelizable work. For a ProgressStep
	// it runs before any item is processed.
	Execute(ctx context.Context) error
}

// ProgressStep is a Step whose work decomposes into independent items.
type ProgressStep interface {
	Step

	// Items enumerates every work item. It must be finite and must not
	// mutate shared state. An error returned here is fatal for the step.
	Items(ctx context.Context, yield func(Item) error) error

	// MaxProgress returns an upper bound for progress, or ok=false when it
	// is unknown.
	MaxProgress(ctx context.Context) (max int64, ok bool, err error)

	// ProcessItem converts one item. A returned error (or panic) fails only
	// this item; its statements are discarded.
	ProcessItem(ctx context.Context, item Item, out *Output) error
}

// Cleaner is implemented by progress steps that hold process-local
// resources. Cleanup runs once when a worker exits.
type Cleaner interface {
	Cleanup() error
}

// Base provides a no-op Execute.
type Base struct{}

// Execute does nothing.
func (Base) Execute(context.Context) error { return nil }

// UnknownMax can be embedded by progress steps that cannot size their work.
type UnknownMax struct{}

// MaxProgress reports an unknown bound.
func (UnknownMax) MaxProgress(context.Context) (int64, bool, error) { return 0, false, nil }

// Options are the per-step-type execution flags.
type Options struct {
	RunInParallel              bool
	ReportProgressInPercent    bool
	UseCustomProgressIncrement bool
}

// Factory builds a step from its context.
type Factory func(sc Context) (Step, error)

// Descriptor registers a step type with a converter. Descriptors are values;
// the With* methods return modified copies.
type Descriptor struct {
	Name    string
	title   string
	Options Options
	New     Factory
}

// Define starts a descriptor for the named step.
func Define(name string, factory Factory) Descriptor {
	return Descriptor{Name: name, New: factory}
}

// WithTitle overrides the title derived from the name.
func (d Descriptor) WithTitle(title string) Descriptor {
	d.title = title
	return d
}

// Parallel marks the step as eligible for multi-process execution.
func (d Descriptor) Parallel() Descriptor {
	d.Options.RunInParallel = true
	return d
}

// InPercent reports progress as a percentage instead of a count.
func (d Descriptor) InPercent() Descriptor {
	d.Options.ReportProgressInPercent = true
	return d
}

// CustomIncrement makes the step set its own progress per item via
// Tracker.SetProgress instead of counting one per item.
func (d Descriptor) CustomIncrement() Descriptor {
	d.Options.UseCustomProgressIncrement = true
	return d
}

// Title returns the explicit title or one derived from Name:
// "import_users" and "ImportUsers" both become "Import users".
func (d Descriptor) Title() string {
	if d.title != "" {
		return d.title
	}
	return humanize(d.Name)
}

func humanize(name string) string {
	var words []string
	var word []rune
	flush := func() {
		if len(word) > 0 {
			words = append(words, strings.ToLower(string(word)))
			word = word[:0]
		}
	}
	for i, r := range name {
		switch {
		case r == '_' || r == '-' || r == ' ' || r == '.':
			flush()
		case unicode.IsUpper(r) && i > 0:
			flush()
			word = append(word, r)
		default:
			word = append(word, r)
		}
	}
	flush()
	if len(words) == 0 {
		return ""
	}
	title := strings.Join(words, " ")
	runes := []rune(title)
	runes[0] = unicode.ToUpper(runes[0])
	return string(runes)
}
