package checkpoint

import (
	"fmt"
	"os"
	"sort"
	"sync"
	"time"

	"gopkg.in/yaml.v3"
)

// FileState implements StateBackend using a single YAML file.
// It only remembers the latest run.
type FileState struct {
	path  string
	mu    sync.RWMutex
	state *fileStateData
}

// fileStateData is the YAML structure for the state file.
type fileStateData struct {
	RunID       string               `yaml:"run_id"`
	Converter   string               `yaml:"converter"`
	StartedAt   time.Time            `yaml:"started_at"`
	CompletedAt *time.Time           `yaml:"completed_at,omitempty"`
	Status      string               `yaml:"status"` // running, success, failed, aborted
	Error       string               `yaml:"error,omitempty"`
	ConfigHash  string               `yaml:"config_hash,omitempty"`
	ConfigPath  string               `yaml:"config_path,omitempty"`
	Steps       map[string]stepState `yaml:"steps"`
}

type stepState struct {
	Title       string     `yaml:"title"`
	Position    int        `yaml:"position"`
	Mode        string     `yaml:"mode,omitempty"`
	Status      string     `yaml:"status"`
	StartedAt   time.Time  `yaml:"started_at"`
	CompletedAt *time.Time `yaml:"completed_at,omitempty"`
	Items       int64      `yaml:"items,omitempty"`
	Progress    int64      `yaml:"progress,omitempty"`
	Warnings    int64      `yaml:"warnings,omitempty"`
	Errors      int64      `yaml:"errors,omitempty"`
	Error       string     `yaml:"error,omitempty"`
}

// NewFileState creates a file-based state manager.
// If the file exists, it loads the existing state.
func NewFileState(path string) (*FileState, error) {
	fs := &FileState{
		path:  path,
		state: &fileStateData{Steps: make(map[string]stepState)},
	}

	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return fs, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading state file: %w", err)
	}
	if err := yaml.Unmarshal(data, fs.state); err != nil {
		return nil, fmt.Errorf("parsing state file: %w", err)
	}
	if fs.state.Steps == nil {
		fs.state.Steps = make(map[string]stepState)
	}
	return fs, nil
}

// save writes the current state to the YAML file.
func (fs *FileState) save() error {
	data, err := yaml.Marshal(fs.state)
	if err != nil {
		return fmt.Errorf("marshaling state: %w", err)
	}
	if err := os.WriteFile(fs.path, data, 0600); err != nil {
		return fmt.Errorf("writing state file: %w", err)
	}
	return nil
}

// CreateRun replaces the remembered run with a new one.
func (fs *FileState) CreateRun(id, converter string, config any, configPath string) error {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	fs.state = &fileStateData{
		RunID:      id,
		Converter:  converter,
		StartedAt:  time.Now().UTC(),
		Status:     StatusRunning,
		ConfigHash: configHash(config),
		ConfigPath: configPath,
		Steps:      make(map[string]stepState),
	}
	return fs.save()
}

// CompleteRun marks the run as finished.
func (fs *FileState) CompleteRun(id, status, errorMsg string) error {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	if fs.state.RunID != id {
		return fmt.Errorf("run ID mismatch: expected %s, got %s", fs.state.RunID, id)
	}
	now := time.Now().UTC()
	fs.state.Status = status
	fs.state.CompletedAt = &now
	fs.state.Error = errorMsg
	return fs.save()
}

// StartStep records that a step began.
func (fs *FileState) StartStep(runID, name, title string, position int) error {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	if fs.state.RunID != runID {
		return fmt.Errorf("run ID mismatch: expected %s, got %s", fs.state.RunID, runID)
	}
	fs.state.Steps[name] = stepState{
		Title:     title,
		Position:  position,
		Status:    StatusRunning,
		StartedAt: time.Now().UTC(),
	}
	return fs.save()
}

// CompleteStep records the outcome of a step.
func (fs *FileState) CompleteStep(rec StepRecord) error {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	st, ok := fs.state.Steps[rec.Name]
	if !ok || fs.state.RunID != rec.RunID {
		return fmt.Errorf("completing step %s: step was never started", rec.Name)
	}
	completed := time.Now().UTC()
	if rec.CompletedAt != nil {
		completed = *rec.CompletedAt
	}
	st.Mode = rec.Mode
	st.Status = rec.Status
	st.CompletedAt = &completed
	st.Items = rec.Items
	st.Progress = rec.Progress
	st.Warnings = rec.Warnings
	st.Errors = rec.Errors
	st.Error = rec.Error
	fs.state.Steps[rec.Name] = st
	return fs.save()
}

// GetSteps returns the steps of the remembered run in execution order.
func (fs *FileState) GetSteps(runID string) ([]StepRecord, error) {
	fs.mu.RLock()
	defer fs.mu.RUnlock()

	if fs.state.RunID == "" || fs.state.RunID != runID {
		return nil, nil
	}
	steps := make([]StepRecord, 0, len(fs.state.Steps))
	for name, st := range fs.state.Steps {
		steps = append(steps, StepRecord{
			RunID:       runID,
			Name:        name,
			Title:       st.Title,
			Position:    st.Position,
			Mode:        st.Mode,
			Status:      st.Status,
			StartedAt:   st.StartedAt,
			CompletedAt: st.CompletedAt,
			Items:       st.Items,
			Progress:    st.Progress,
			Warnings:    st.Warnings,
			Errors:      st.Errors,
			Error:       st.Error,
		})
	}
	sort.Slice(steps, func(i, j int) bool { return steps[i].Position < steps[j].Position })
	return steps, nil
}

func (fs *FileState) run() *Run {
	if fs.state.RunID == "" {
		return nil
	}
	return &Run{
		ID:          fs.state.RunID,
		Converter:   fs.state.Converter,
		StartedAt:   fs.state.StartedAt,
		CompletedAt: fs.state.CompletedAt,
		Status:      fs.state.Status,
		Error:       fs.state.Error,
		ConfigHash:  fs.state.ConfigHash,
		ConfigPath:  fs.state.ConfigPath,
	}
}

// GetRunByID returns the remembered run if its ID matches.
func (fs *FileState) GetRunByID(id string) (*Run, error) {
	fs.mu.RLock()
	defer fs.mu.RUnlock()

	if fs.state.RunID != id {
		return nil, nil
	}
	return fs.run(), nil
}

// GetLastRun returns the remembered run, or nil.
func (fs *FileState) GetLastRun() (*Run, error) {
	fs.mu.RLock()
	defer fs.mu.RUnlock()
	return fs.run(), nil
}

// GetAllRuns returns the remembered run; the file keeps no older history.
func (fs *FileState) GetAllRuns() ([]Run, error) {
	fs.mu.RLock()
	defer fs.mu.RUnlock()

	if r := fs.run(); r != nil {
		return []Run{*r}, nil
	}
	return nil, nil
}

// Close is a no-op; every change is already on disk.
func (fs *FileState) Close() error {
	return nil
}
