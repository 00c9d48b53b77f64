package checkpoint

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"time"
)

// Run and step statuses.
const (
	StatusRunning = "running"
	StatusSuccess = "success"
	StatusFailed  = "failed"
	StatusAborted = "aborted"
	StatusSkipped = "skipped"
)

// Run is one invocation of a converter.
type Run struct {
	ID          string
	Converter   string
	StartedAt   time.Time
	CompletedAt *time.Time
	Status      string
	Error       string
	ConfigHash  string
	ConfigPath  string
}

// StepRecord is the outcome of one step within a run.
type StepRecord struct {
	RunID       string
	Name        string
	Title       string
	Position    int
	Mode        string // plain, serial or parallel
	Status      string
	StartedAt   time.Time
	CompletedAt *time.Time
	Items       int64
	Progress    int64
	Warnings    int64
	Errors      int64
	Error       string
}

// Duration is how long the step ran, or zero while it is running.
func (r StepRecord) Duration() time.Duration {
	if r.CompletedAt == nil {
		return 0
	}
	return r.CompletedAt.Sub(r.StartedAt)
}

// StateBackend persists run history.
// State keeps every run in SQLite; FileState keeps only the latest run in
// a YAML file for environments without a writable data directory.
type StateBackend interface {
	CreateRun(id, converter string, config any, configPath string) error
	CompleteRun(id, status, errorMsg string) error

	StartStep(runID, name, title string, position int) error
	CompleteStep(rec StepRecord) error
	GetSteps(runID string) ([]StepRecord, error)

	GetRunByID(id string) (*Run, error)
	GetLastRun() (*Run, error)
	GetAllRuns() ([]Run, error)

	Close() error
}

var (
	_ StateBackend = (*State)(nil)
	_ StateBackend = (*FileState)(nil)
)

// configHash fingerprints the configuration a run started with.
func configHash(config any) string {
	if config == nil {
		return ""
	}
	data, err := json.Marshal(config)
	if err != nil {
		return ""
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:8])
}
