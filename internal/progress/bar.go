package progress

import (
	"fmt"
	"io"
	"os"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/schollz/progressbar/v3"

	"github.com/johndauphine/forum-converter/internal/logging"
)

// BarReporter draws a console progress bar for the running step.
type BarReporter struct {
	w       io.Writer
	bar     *progressbar.ProgressBar
	title   string
	max     int64
	percent bool
	start   time.Time
}

// NewBarReporter creates a bar reporter writing to w (stderr when nil).
func NewBarReporter(w io.Writer) *BarReporter {
	if w == nil {
		w = os.Stderr
	}
	return &BarReporter{w: w}
}

// Start creates the bar. An unknown max (<= 0) renders a spinner.
func (r *BarReporter) Start(title string, max int64, percent bool) {
	r.title = title
	r.percent = percent
	r.start = time.Now()
	r.max = max
	if percent {
		r.max = 100
	}

	total := r.max
	if total <= 0 {
		total = -1
	}
	opts := []progressbar.Option{
		progressbar.OptionSetWriter(r.w),
		progressbar.OptionSetDescription(title),
		progressbar.OptionSetWidth(40),
		progressbar.OptionThrottle(100 * time.Millisecond),
		progressbar.OptionSpinnerType(14),
		progressbar.OptionFullWidth(),
		progressbar.OptionSetRenderBlankState(true),
	}
	if !percent {
		opts = append(opts,
			progressbar.OptionShowCount(),
			progressbar.OptionShowIts(),
			progressbar.OptionSetItsString("items"),
		)
	}
	r.bar = progressbar.NewOptions64(total, opts...)
}

// Update moves the bar to the running totals.
func (r *BarReporter) Update(t Totals) {
	if r.bar == nil {
		return
	}
	r.bar.Describe(r.describe(t))
	value := t.Progress
	if r.max > 0 && value > r.max {
		value = r.max
	}
	r.bar.Set64(value)
}

// Finish completes the bar and logs a summary line.
func (r *BarReporter) Finish(t Totals) {
	if r.bar != nil {
		r.Update(t)
		r.bar.Finish()
		fmt.Fprintln(r.w)
	}
	logging.Info("%s: %s", r.title, Summary(t, time.Since(r.start)))
}

// Close is a no-op; the bar is released by Finish.
func (r *BarReporter) Close() {}

func (r *BarReporter) describe(t Totals) string {
	if t.Warnings == 0 && t.Errors == 0 {
		return r.title
	}
	return fmt.Sprintf("%s [%s, %s]", r.title,
		plural(t.Warnings, "warning"), plural(t.Errors, "error"))
}

// Summary formats totals for a log line, e.g.
// "1,204 items in 3s (401 items/sec), 2 warnings, 1 error".
func Summary(t Totals, elapsed time.Duration) string {
	rate := 0.0
	if elapsed > 0 {
		rate = float64(t.Items) / elapsed.Seconds()
	}
	return fmt.Sprintf("%s items in %s (%s items/sec), %s, %s",
		humanize.Comma(t.Items), elapsed.Round(time.Millisecond),
		humanize.Commaf(float64(int64(rate))),
		plural(t.Warnings, "warning"), plural(t.Errors, "error"))
}

func plural(n int64, word string) string {
	if n == 1 {
		return "1 " + word
	}
	return humanize.Comma(n) + " " + word + "s"
}
