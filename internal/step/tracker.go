package step

import (
	"fmt"
	"sync"
	"time"

	"github.com/johndauphine/forum-converter/internal/logging"
)

// Stats are the counters for one item (or one serial iteration).
type Stats struct {
	Progress     int64
	WarningCount int64
	ErrorCount   int64
}

// LogType classifies a log entry.
type LogType string

const (
	LogInfo    LogType = "info"
	LogWarning LogType = "warning"
	LogError   LogType = "error"
)

// LogEntry is the durable record of something that happened during a step.
type LogEntry struct {
	Type      LogType
	Message   string
	Exception string
	Details   map[string]any
	CreatedAt time.Time
}

// LogSink persists log entries.
type LogSink interface {
	WriteLogEntry(entry LogEntry) error
}

// BufferSink keeps entries in memory until drained. Worker processes use it
// to ship entries back to the parent with each result.
type BufferSink struct {
	mu      sync.Mutex
	entries []LogEntry
}

// WriteLogEntry appends the entry.
func (b *BufferSink) WriteLogEntry(entry LogEntry) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.entries = append(b.entries, entry)
	return nil
}

// Drain returns all buffered entries and empties the buffer.
func (b *BufferSink) Drain() []LogEntry {
	b.mu.Lock()
	defer b.mu.Unlock()
	entries := b.entries
	b.entries = nil
	return entries
}

// Tracker owns the counters of one execution context and records log
// entries. It is not safe for concurrent use: each worker and the serial
// path own their own tracker.
type Tracker struct {
	stats Stats
	sink  LogSink
	now   func() time.Time
}

// NewTracker creates a tracker writing to sink.
func NewTracker(sink LogSink) *Tracker {
	return &Tracker{sink: sink, now: time.Now}
}

// ResetStats prepares the counters for the next item: progress 1, no
// warnings or errors.
func (t *Tracker) ResetStats() {
	t.stats = Stats{Progress: 1}
}

// SetProgress sets the progress reported for the current item.
func (t *Tracker) SetProgress(progress int64) {
	t.stats.Progress = progress
}

// Stats returns a snapshot of the counters.
func (t *Tracker) Stats() Stats {
	return t.stats
}

// LogInfo records an informational entry.
func (t *Tracker) LogInfo(message string, details map[string]any) {
	t.write(LogInfo, message, nil, details)
}

// LogWarning records a warning and increments the warning counter.
func (t *Tracker) LogWarning(message string, err error, details map[string]any) {
	t.stats.WarningCount++
	t.write(LogWarning, message, err, details)
}

// LogError records an error and increments the error counter.
func (t *Tracker) LogError(message string, err error, details map[string]any) {
	t.stats.ErrorCount++
	t.write(LogError, message, err, details)
}

func (t *Tracker) write(typ LogType, message string, err error, details map[string]any) {
	entry := LogEntry{
		Type:      typ,
		Message:   message,
		Details:   details,
		CreatedAt: t.now().UTC(),
	}
	if err != nil {
		entry.Exception = formatException(err)
	}
	if t.sink == nil {
		return
	}
	if werr := t.sink.WriteLogEntry(entry); werr != nil {
		// The sink is the only durable record; surface its failure on the console.
		logging.Error("Failed to write %s log entry %q: %v", typ, message, werr)
	}
}

func formatException(err error) string {
	return fmt.Sprintf("%T: %v", err, err)
}
