package checkpoint

import (
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

// DBFile is the name of the history database inside the data directory.
const DBFile = "converter.db"

// timeLayout has a fixed width so stored timestamps sort lexically.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

// State keeps run history in SQLite.
type State struct {
	db  *sql.DB
	now func() time.Time
}

// New opens (creating if needed) the history database in dataDir.
func New(dataDir string) (*State, error) {
	if err := os.MkdirAll(dataDir, 0755); err != nil {
		return nil, fmt.Errorf("creating data dir: %w", err)
	}

	dbPath := filepath.Join(dataDir, DBFile)
	db, err := sql.Open("sqlite", dbPath+"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	db.SetMaxOpenConns(1)

	s := &State{db: db, now: func() time.Time { return time.Now().UTC() }}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrating schema: %w", err)
	}
	return s, nil
}

func (s *State) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS runs (
		id TEXT PRIMARY KEY,
		converter TEXT NOT NULL,
		started_at TEXT NOT NULL,
		completed_at TEXT,
		status TEXT NOT NULL DEFAULT 'running',
		error TEXT,
		config_hash TEXT,
		config_path TEXT
	);

	CREATE TABLE IF NOT EXISTS steps (
		run_id TEXT NOT NULL REFERENCES runs(id),
		name TEXT NOT NULL,
		title TEXT NOT NULL,
		position INTEGER NOT NULL,
		mode TEXT,
		status TEXT NOT NULL DEFAULT 'running',
		started_at TEXT NOT NULL,
		completed_at TEXT,
		items INTEGER NOT NULL DEFAULT 0,
		progress INTEGER NOT NULL DEFAULT 0,
		warnings INTEGER NOT NULL DEFAULT 0,
		errors INTEGER NOT NULL DEFAULT 0,
		error TEXT,
		PRIMARY KEY (run_id, name)
	);

	CREATE INDEX IF NOT EXISTS idx_runs_started ON runs(started_at);
	`
	_, err := s.db.Exec(schema)
	return err
}

// Close closes the database.
func (s *State) Close() error {
	return s.db.Close()
}

// CreateRun records the start of a run.
func (s *State) CreateRun(id, converter string, config any, configPath string) error {
	_, err := s.db.Exec(`
		INSERT INTO runs (id, converter, started_at, status, config_hash, config_path)
		VALUES (?, ?, ?, ?, ?, ?)`,
		id, converter, s.now().Format(timeLayout), StatusRunning, configHash(config), configPath)
	if err != nil {
		return fmt.Errorf("creating run %s: %w", id, err)
	}
	return nil
}

// CompleteRun records the final status of a run.
func (s *State) CompleteRun(id, status, errorMsg string) error {
	res, err := s.db.Exec(`
		UPDATE runs SET status = ?, completed_at = ?, error = ?
		WHERE id = ?`,
		status, s.now().Format(timeLayout), nullString(errorMsg), id)
	if err != nil {
		return fmt.Errorf("completing run %s: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("completing run %s: no such run", id)
	}
	return nil
}

// StartStep records that a step began.
func (s *State) StartStep(runID, name, title string, position int) error {
	_, err := s.db.Exec(`
		INSERT INTO steps (run_id, name, title, position, status, started_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(run_id, name) DO UPDATE SET
			status = excluded.status, started_at = excluded.started_at,
			completed_at = NULL, error = NULL`,
		runID, name, title, position, StatusRunning, s.now().Format(timeLayout))
	if err != nil {
		return fmt.Errorf("starting step %s: %w", name, err)
	}
	return nil
}

// CompleteStep records the outcome of a step started with StartStep.
func (s *State) CompleteStep(rec StepRecord) error {
	completed := s.now()
	if rec.CompletedAt != nil {
		completed = *rec.CompletedAt
	}
	res, err := s.db.Exec(`
		UPDATE steps SET mode = ?, status = ?, completed_at = ?,
			items = ?, progress = ?, warnings = ?, errors = ?, error = ?
		WHERE run_id = ? AND name = ?`,
		nullString(rec.Mode), rec.Status, completed.Format(timeLayout),
		rec.Items, rec.Progress, rec.Warnings, rec.Errors, nullString(rec.Error),
		rec.RunID, rec.Name)
	if err != nil {
		return fmt.Errorf("completing step %s: %w", rec.Name, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("completing step %s: step was never started", rec.Name)
	}
	return nil
}

// GetSteps returns the steps of a run in execution order.
func (s *State) GetSteps(runID string) ([]StepRecord, error) {
	rows, err := s.db.Query(`
		SELECT run_id, name, title, position, COALESCE(mode, ''), status, started_at, completed_at,
			items, progress, warnings, errors, COALESCE(error, '')
		FROM steps WHERE run_id = ? ORDER BY position`, runID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var steps []StepRecord
	for rows.Next() {
		var (
			r         StepRecord
			started   string
			completed sql.NullString
		)
		if err := rows.Scan(&r.RunID, &r.Name, &r.Title, &r.Position, &r.Mode, &r.Status, &started, &completed,
			&r.Items, &r.Progress, &r.Warnings, &r.Errors, &r.Error); err != nil {
			return nil, err
		}
		if r.StartedAt, err = parseTime(started); err != nil {
			return nil, err
		}
		if r.CompletedAt, err = parseNullTime(completed); err != nil {
			return nil, err
		}
		steps = append(steps, r)
	}
	return steps, rows.Err()
}

const runColumns = `id, converter, started_at, completed_at, status, COALESCE(error, ''),
	COALESCE(config_hash, ''), COALESCE(config_path, '')`

func scanRun(row interface{ Scan(...any) error }) (*Run, error) {
	var (
		r         Run
		started   string
		completed sql.NullString
	)
	if err := row.Scan(&r.ID, &r.Converter, &started, &completed, &r.Status, &r.Error, &r.ConfigHash, &r.ConfigPath); err != nil {
		return nil, err
	}
	var err error
	if r.StartedAt, err = parseTime(started); err != nil {
		return nil, err
	}
	if r.CompletedAt, err = parseNullTime(completed); err != nil {
		return nil, err
	}
	return &r, nil
}

// GetRunByID returns a run, or nil if there is none with that ID.
func (s *State) GetRunByID(id string) (*Run, error) {
	r, err := scanRun(s.db.QueryRow(`SELECT `+runColumns+` FROM runs WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return r, err
}

// GetLastRun returns the most recently started run, or nil.
func (s *State) GetLastRun() (*Run, error) {
	r, err := scanRun(s.db.QueryRow(`SELECT ` + runColumns + ` FROM runs ORDER BY started_at DESC LIMIT 1`))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return r, err
}

// GetAllRuns returns every run, newest first.
func (s *State) GetAllRuns() ([]Run, error) {
	rows, err := s.db.Query(`SELECT ` + runColumns + ` FROM runs ORDER BY started_at DESC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var runs []Run
	for rows.Next() {
		r, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, *r)
	}
	return runs, rows.Err()
}

// CleanupOldRuns deletes finished runs that started more than
// retentionDays ago, together with their steps. Running runs are kept.
func (s *State) CleanupOldRuns(retentionDays int) (int64, error) {
	cutoff := s.now().AddDate(0, 0, -retentionDays).Format(timeLayout)

	tx, err := s.db.Begin()
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()

	old := `SELECT id FROM runs WHERE started_at < ? AND status != 'running'`
	if _, err := tx.Exec(`DELETE FROM steps WHERE run_id IN (`+old+`)`, cutoff); err != nil {
		return 0, fmt.Errorf("deleting steps: %w", err)
	}
	res, err := tx.Exec(`DELETE FROM runs WHERE id IN (`+old+`)`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("deleting runs: %w", err)
	}
	deleted, _ := res.RowsAffected()
	return deleted, tx.Commit()
}

func nullString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func parseTime(s string) (time.Time, error) {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		// Rows written by SQLite's datetime('now').
		t, err = time.Parse("2006-01-02 15:04:05", s)
	}
	if err != nil {
		return time.Time{}, fmt.Errorf("parsing timestamp %q: %w", s, err)
	}
	return t, nil
}

func parseNullTime(s sql.NullString) (*time.Time, error) {
	if !s.Valid {
		return nil, nil
	}
	t, err := parseTime(s.String)
	if err != nil {
		return nil, err
	}
	return &t, nil
}
