package progress

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"golang.org/x/term"

	"github.com/johndauphine/forum-converter/internal/logging"
	"github.com/johndauphine/forum-converter/internal/step"
)

// Totals are the running counts of one step execution.
type Totals struct {
	Items    int64
	Progress int64
	Warnings int64
	Errors   int64
}

// Add folds the stats of one item into the totals. With custom increments
// the item's own progress value is used, otherwise every item counts one.
func (t *Totals) Add(s step.Stats, customIncrement bool) {
	t.Items++
	if customIncrement {
		t.Progress += s.Progress
	} else {
		t.Progress++
	}
	t.Warnings += s.WarningCount
	t.Errors += s.ErrorCount
}

// Reporter displays the progress of one step at a time. Calls for a step
// come from a single goroutine.
type Reporter interface {
	// Start begins a step. max <= 0 means the size is unknown.
	Start(title string, max int64, percent bool)
	// Update reports the running totals (may be throttled).
	Update(t Totals)
	// Finish reports the final totals of the step.
	Finish(t Totals)
	// Close releases the reporter after the last step.
	Close()
}

// Update is the JSON form of a progress update for automation.
type Update struct {
	Timestamp      string  `json:"timestamp"`
	Phase          string  `json:"phase"`
	Step           string  `json:"step"`
	Items          int64   `json:"items"`
	Progress       int64   `json:"progress"`
	Max            int64   `json:"max,omitempty"`
	ProgressPct    float64 `json:"progress_pct,omitempty"`
	ItemsPerSecond int64   `json:"items_per_second,omitempty"`
	Warnings       int64   `json:"warnings"`
	Errors         int64   `json:"errors"`
}

// JSONReporter writes newline-delimited JSON updates, typically to stderr.
type JSONReporter struct {
	writer     io.Writer
	mu         sync.Mutex
	interval   time.Duration
	lastReport time.Time
	closed     bool

	step  string
	max   int64
	start time.Time
}

// NewJSONReporter creates a JSON reporter. interval is the minimum time
// between running updates; Start and Finish are always written.
func NewJSONReporter(writer io.Writer, interval time.Duration) *JSONReporter {
	if writer == nil {
		writer = os.Stderr
	}
	return &JSONReporter{writer: writer, interval: interval}
}

// Start emits a "started" update.
func (r *JSONReporter) Start(title string, max int64, percent bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.step = title
	r.max = max
	if percent {
		r.max = 100
	}
	r.start = time.Now()
	r.emit("started", Totals{}, true)
}

// Update emits a "running" update unless one was written within the interval.
func (r *JSONReporter) Update(t Totals) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.emit("running", t, false)
}

// Finish emits a "finished" update.
func (r *JSONReporter) Finish(t Totals) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.emit("finished", t, true)
}

// Close marks the reporter as closed.
func (r *JSONReporter) Close() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.closed = true
}

func (r *JSONReporter) emit(phase string, t Totals, immediate bool) {
	if r.closed {
		return
	}
	now := time.Now()
	if !immediate && r.interval > 0 && now.Sub(r.lastReport) < r.interval {
		return
	}
	r.lastReport = now

	u := Update{
		Timestamp: now.Format(time.RFC3339),
		Phase:     phase,
		Step:      r.step,
		Items:     t.Items,
		Progress:  t.Progress,
		Max:       r.max,
		Warnings:  t.Warnings,
		Errors:    t.Errors,
	}
	if r.max > 0 {
		u.ProgressPct = float64(t.Progress) * 100 / float64(r.max)
	}
	if elapsed := now.Sub(r.start).Seconds(); elapsed > 0 {
		u.ItemsPerSecond = int64(float64(t.Items) / elapsed)
	}

	data, err := json.Marshal(u)
	if err != nil {
		logging.Warn("Failed to marshal progress update: %v", err)
		return
	}
	fmt.Fprintln(r.writer, string(data))
}

// NullReporter discards all progress.
type NullReporter struct{}

func (NullReporter) Start(string, int64, bool) {}
func (NullReporter) Update(Totals)             {}
func (NullReporter) Finish(Totals)             {}
func (NullReporter) Close()                    {}

// Select returns the reporter for a --ui mode: "bar", "json", "none", or
// "auto" (a bar on a terminal, JSON otherwise). w is usually os.Stderr.
func Select(mode string, w *os.File) (Reporter, error) {
	switch mode {
	case "", "auto":
		if term.IsTerminal(int(w.Fd())) {
			return NewBarReporter(w), nil
		}
		return NewJSONReporter(w, 2*time.Second), nil
	case "bar":
		return NewBarReporter(w), nil
	case "json":
		return NewJSONReporter(w, time.Second), nil
	case "none":
		return NullReporter{}, nil
	default:
		return nil, fmt.Errorf("unknown ui mode %q (want auto, bar, json, tui or none)", mode)
	}
}
