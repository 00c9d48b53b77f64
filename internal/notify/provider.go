package notify

import "time"

// Provider receives run lifecycle events.
type Provider interface {
	RunStarted(runID, converter string, stepCount int) error
	RunCompleted(runID, converter string, startTime time.Time, duration time.Duration, summary Summary) error
	RunFailed(runID, converter string, err error, duration time.Duration) error
	RunAborted(runID, converter string, duration time.Duration) error
	StepFailed(runID, stepName string, err error) error
}

// Summary totals the steps of a finished run.
type Summary struct {
	Steps    int
	Items    int64
	Warnings int64
	Errors   int64
}

var _ Provider = (*Notifier)(nil)
