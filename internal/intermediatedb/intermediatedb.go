// Package intermediatedb manages the SQLite staging database that steps
// populate. Its schema is fixed and embedded in the binary; steps may only
// write to tables it defines.
package intermediatedb

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/johndauphine/forum-converter/internal/step"
)

//go:embed schema/*.sql
var schemaFS embed.FS

// DB is a handle to the intermediate database. A single connection is used
// so that all writes are serialized.
type DB struct {
	db   *sql.DB
	path string
}

// Open opens or creates the database at path. Call Migrate before use.
func Open(path string) (*DB, error) {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("creating directory for intermediate db: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path+"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=foreign_keys(1)")
	if err != nil {
		return nil, fmt.Errorf("opening intermediate db: %w", err)
	}
	db.SetMaxOpenConns(1)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("opening intermediate db: %w", err)
	}
	return &DB{db: db, path: path}, nil
}

// Reset deletes the database file at path together with its WAL files.
func Reset(path string) error {
	for _, p := range []string{path, path + "-wal", path + "-shm"} {
		if err := os.Remove(p); err != nil && !errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("removing %s: %w", p, err)
		}
	}
	return nil
}

// Path returns the database file path.
func (d *DB) Path() string { return d.path }

// Close closes the database.
func (d *DB) Close() error {
	return d.db.Close()
}

// Migrate applies every embedded schema file not yet recorded in
// schema_migrations, in file name order.
func (d *DB) Migrate(ctx context.Context) error {
	if _, err := d.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS schema_migrations (
			name TEXT PRIMARY KEY,
			applied_at TEXT NOT NULL
		)`); err != nil {
		return fmt.Errorf("schema migration table: %w", err)
	}

	names, err := fs.Glob(schemaFS, "schema/*.sql")
	if err != nil {
		return err
	}
	sort.Strings(names)

	for _, name := range names {
		base := filepath.Base(name)
		var exists int
		err := d.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM schema_migrations WHERE name = ?`, base).Scan(&exists)
		if err != nil {
			return fmt.Errorf("schema migration %s: %w", base, err)
		}
		if exists > 0 {
			continue
		}

		ddl, err := schemaFS.ReadFile(name)
		if err != nil {
			return err
		}
		if err := d.inTx(ctx, func(tx *sql.Tx) error {
			if _, err := tx.ExecContext(ctx, string(ddl)); err != nil {
				return err
			}
			_, err := tx.ExecContext(ctx, `INSERT INTO schema_migrations (name, applied_at) VALUES (?, ?)`,
				base, time.Now().UTC().Format(time.RFC3339))
			return err
		}); err != nil {
			return fmt.Errorf("schema migration %s: %w", base, err)
		}
	}
	return nil
}

// Apply executes stmts in a single transaction.
func (d *DB) Apply(ctx context.Context, stmts []step.Statement) error {
	if len(stmts) == 0 {
		return nil
	}
	return d.inTx(ctx, func(tx *sql.Tx) error {
		return execAll(ctx, tx, stmts)
	})
}

// Batch is the pending output of one item.
type Batch struct {
	Statements []step.Statement
	LogEntries []step.LogEntry
}

// ApplyBatch writes several items in one transaction. Each item runs inside
// its own savepoint, so a statement that fails only discards that item's
// statements. The returned slice holds the per-item failure (or nil) in
// input order; the error is non-nil only when the transaction itself fails.
func (d *DB) ApplyBatch(ctx context.Context, batches []Batch) ([]error, error) {
	itemErrs := make([]error, len(batches))
	err := d.inTx(ctx, func(tx *sql.Tx) error {
		for i, b := range batches {
			for _, e := range b.LogEntries {
				if err := insertLogEntry(ctx, tx, e); err != nil {
					return err
				}
			}
			if len(b.Statements) == 0 {
				continue
			}
			if _, err := tx.ExecContext(ctx, "SAVEPOINT item"); err != nil {
				return err
			}
			if err := execAll(ctx, tx, b.Statements); err != nil {
				itemErrs[i] = err
				if _, rerr := tx.ExecContext(ctx, "ROLLBACK TO item"); rerr != nil {
					return rerr
				}
			}
			if _, err := tx.ExecContext(ctx, "RELEASE item"); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return itemErrs, nil
}

// WriteLogEntry persists one log entry.
func (d *DB) WriteLogEntry(entry step.LogEntry) error {
	return insertLogEntry(context.Background(), d.db, entry)
}

// HasTable reports whether the schema defines table.
func (d *DB) HasTable(ctx context.Context, table string) (bool, error) {
	var n int
	err := d.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM sqlite_master WHERE type = 'table' AND name = ?`, table).Scan(&n)
	return n > 0, err
}

// Columns returns the column names of table in declaration order.
func (d *DB) Columns(ctx context.Context, table string) ([]string, error) {
	rows, err := d.db.QueryContext(ctx, `SELECT name FROM pragma_table_info(?)`, table)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var cols []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, err
		}
		cols = append(cols, name)
	}
	return cols, rows.Err()
}

// ValidateTarget checks that table exists and has every column in cols.
func (d *DB) ValidateTarget(ctx context.Context, table string, cols []string) error {
	ok, err := d.HasTable(ctx, table)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("table %q is not part of the intermediate schema", table)
	}
	existing, err := d.Columns(ctx, table)
	if err != nil {
		return err
	}
	known := make(map[string]bool, len(existing))
	for _, c := range existing {
		known[c] = true
	}
	var missing []string
	for _, c := range cols {
		if !known[c] {
			missing = append(missing, c)
		}
	}
	if len(missing) > 0 {
		return fmt.Errorf("table %q has no column(s) %s", table, strings.Join(missing, ", "))
	}
	return nil
}

// Count returns the number of rows in table. The name is validated against
// the schema before it is interpolated.
func (d *DB) Count(ctx context.Context, table string) (int64, error) {
	ok, err := d.HasTable(ctx, table)
	if err != nil {
		return 0, err
	}
	if !ok {
		return 0, fmt.Errorf("unknown table %q", table)
	}
	var n int64
	err = d.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM "`+table+`"`).Scan(&n)
	return n, err
}

// LogCounts returns the number of log entries per type.
func (d *DB) LogCounts(ctx context.Context) (map[step.LogType]int64, error) {
	rows, err := d.db.QueryContext(ctx, `SELECT type, COUNT(*) FROM log_entries GROUP BY type`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	counts := make(map[step.LogType]int64)
	for rows.Next() {
		var typ string
		var n int64
		if err := rows.Scan(&typ, &n); err != nil {
			return nil, err
		}
		counts[step.LogType(typ)] = n
	}
	return counts, rows.Err()
}

// Query exposes read access for callers that inspect results.
func (d *DB) Query(ctx context.Context, query string, args ...any) (*sql.Rows, error) {
	return d.db.QueryContext(ctx, query, args...)
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func execAll(ctx context.Context, tx execer, stmts []step.Statement) error {
	for _, s := range stmts {
		if _, err := tx.ExecContext(ctx, s.SQL, s.Args...); err != nil {
			return fmt.Errorf("executing %q: %w", s.SQL, err)
		}
	}
	return nil
}

func insertLogEntry(ctx context.Context, db execer, e step.LogEntry) error {
	var details sql.NullString
	if len(e.Details) > 0 {
		data, err := json.Marshal(e.Details)
		if err != nil {
			data = []byte(fmt.Sprintf(`{"unencodable":%q}`, fmt.Sprint(e.Details)))
		}
		details = sql.NullString{String: string(data), Valid: true}
	}
	var exception sql.NullString
	if e.Exception != "" {
		exception = sql.NullString{String: e.Exception, Valid: true}
	}
	created := e.CreatedAt
	if created.IsZero() {
		created = time.Now()
	}
	_, err := db.ExecContext(ctx,
		`INSERT INTO log_entries (created_at, type, message, exception, details) VALUES (?, ?, ?, ?, ?)`,
		created.UTC().Format(time.RFC3339Nano), string(e.Type), e.Message, exception, details)
	if err != nil {
		return fmt.Errorf("writing log entry: %w", err)
	}
	return nil
}

func (d *DB) inTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := d.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	if err := fn(tx); err != nil {
		tx.Rollback()
		return err
	}
	return tx.Commit()
}
