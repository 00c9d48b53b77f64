// Package source connects converters to the forum database they read from.
package source

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	_ "github.com/jackc/pgx/v5/stdlib" // pgx driver for database/sql
	_ "github.com/lib/pq"
	_ "github.com/microsoft/go-mssqldb"
	_ "modernc.org/sqlite"

	"github.com/johndauphine/forum-converter/internal/config"
	"github.com/johndauphine/forum-converter/internal/logging"
	"github.com/johndauphine/forum-converter/internal/step"
)

// Source database kinds.
const (
	KindPostgres = "postgres" // pgx
	KindPQ       = "pq"       // lib/pq, for servers pgx cannot talk to
	KindMSSQL    = "mssql"
	KindSQLite   = "sqlite"
)

// DB is a read-only handle on the source forum database.
type DB struct {
	db   *sql.DB
	pool *pgxpool.Pool // set for KindPostgres; used for fast estimates
	kind string
}

// Open connects to the source described by cfg and verifies the connection.
func Open(ctx context.Context, cfg *config.Config) (*DB, error) {
	src := cfg.Source
	maxConns := src.MaxConns
	if maxConns <= 0 {
		maxConns = 4
	}
	dsn := cfg.SourceDSN()

	d := &DB{kind: src.Type}
	var err error
	switch src.Type {
	case KindPostgres, "pgx":
		d.kind = KindPostgres
		poolConfig, perr := pgxpool.ParseConfig(dsn)
		if perr != nil {
			return nil, fmt.Errorf("parsing connection config: %w", perr)
		}
		poolConfig.MaxConns = int32(maxConns)
		if d.pool, err = pgxpool.NewWithConfig(ctx, poolConfig); err != nil {
			return nil, fmt.Errorf("creating pool: %w", err)
		}
		if err := d.pool.Ping(ctx); err != nil {
			d.pool.Close()
			return nil, fmt.Errorf("pinging database: %w", err)
		}
		d.db, err = sql.Open("pgx", dsn)
	case KindPQ:
		d.db, err = sql.Open("postgres", dsn)
	case KindMSSQL:
		d.db, err = sql.Open("sqlserver", dsn)
	case KindSQLite:
		d.db, err = sql.Open("sqlite", dsn)
	case "":
		return nil, fmt.Errorf("no source database configured")
	default:
		return nil, fmt.Errorf("unsupported source type %q", src.Type)
	}
	if err != nil {
		d.Close()
		return nil, fmt.Errorf("opening connection: %w", err)
	}

	d.db.SetMaxOpenConns(maxConns)
	d.db.SetMaxIdleConns(max(maxConns/4, 1))
	d.db.SetConnMaxLifetime(30 * time.Minute)

	if err := d.db.PingContext(ctx); err != nil {
		d.Close()
		return nil, fmt.Errorf("pinging database: %w", err)
	}

	logging.Info("Connected to %s source: %s", d.kind, describe(src))
	return d, nil
}

// Wrap uses an existing connection as a source of the given kind.
func Wrap(db *sql.DB, kind string) *DB {
	return &DB{db: db, kind: kind}
}

func describe(src config.SourceConfig) string {
	if src.Type == KindSQLite {
		return src.Path
	}
	return fmt.Sprintf("%s:%d/%s", src.Host, src.Port, src.Database)
}

// Kind returns the database kind.
func (d *DB) Kind() string { return d.kind }

// SQL returns the underlying connection pool.
func (d *DB) SQL() *sql.DB { return d.db }

// Close closes all connections.
func (d *DB) Close() error {
	if d.pool != nil {
		d.pool.Close()
	}
	if d.db != nil {
		return d.db.Close()
	}
	return nil
}

// Count runs a query returning a single integer, typically SELECT COUNT(*).
func (d *DB) Count(ctx context.Context, query string, args ...any) (int64, error) {
	var n sql.NullInt64
	if err := d.db.QueryRowContext(ctx, query, args...).Scan(&n); err != nil {
		return 0, fmt.Errorf("counting: %w", err)
	}
	return n.Int64, nil
}

// Each runs query and calls fn with every row as an item keyed by column
// name. Text columns arrive as strings and binary columns as []byte.
// Iteration stops at the first error returned by fn.
func (d *DB) Each(ctx context.Context, query string, args []any, fn func(step.Item) error) error {
	rows, err := d.db.QueryContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("querying source: %w", err)
	}
	defer rows.Close()

	cols, err := rows.Columns()
	if err != nil {
		return err
	}
	binary := binaryColumns(rows, len(cols))

	values := make([]any, len(cols))
	ptrs := make([]any, len(cols))
	for i := range values {
		ptrs[i] = &values[i]
	}

	for rows.Next() {
		if err := rows.Scan(ptrs...); err != nil {
			return fmt.Errorf("scanning row: %w", err)
		}
		item := make(step.Item, len(cols))
		for i, col := range cols {
			item[col] = normalize(values[i], binary[i])
		}
		if err := fn(item); err != nil {
			return err
		}
	}
	return rows.Err()
}

func binaryColumns(rows *sql.Rows, n int) []bool {
	binary := make([]bool, n)
	types, err := rows.ColumnTypes()
	if err != nil {
		return binary
	}
	for i, ct := range types {
		switch strings.ToUpper(ct.DatabaseTypeName()) {
		case "BLOB", "BYTEA", "BINARY", "VARBINARY", "IMAGE":
			binary[i] = true
		}
	}
	return binary
}

// normalize maps driver values onto the types items carry.
func normalize(v any, binary bool) any {
	switch x := v.(type) {
	case []byte:
		if binary {
			return append([]byte(nil), x...)
		}
		return string(x)
	case int:
		return int64(x)
	case int32:
		return int64(x)
	case float32:
		return float64(x)
	case time.Time:
		return x.UTC()
	default:
		return v
	}
}
