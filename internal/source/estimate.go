package source

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"
)

// EstimateRows returns the row count the database's statistics hold for
// table, without scanning it. ok is false when no estimate is available;
// callers then fall back to an exact count or an unknown size.
func (d *DB) EstimateRows(ctx context.Context, table string) (n int64, ok bool) {
	// Statistics queries can block on busy catalogs.
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	schema, name := splitTable(table, d.kind)

	if d.kind == KindPostgres && d.pool != nil {
		var est float64
		if err := d.pool.QueryRow(ctx, pgEstimateQuery, name, schema).Scan(&est); err != nil || est < 0 {
			return 0, false
		}
		return int64(est), true
	}

	var query string
	switch d.kind {
	case KindPostgres, KindPQ:
		query = pgEstimateQuery
	case KindMSSQL:
		query = mssqlEstimateQuery
	default:
		return 0, false
	}

	var est sql.NullFloat64
	if err := d.db.QueryRowContext(ctx, query, name, schema).Scan(&est); err != nil || !est.Valid || est.Float64 < 0 {
		return 0, false
	}
	return int64(est.Float64), true
}

// reltuples is -1 for tables that were never analyzed.
const pgEstimateQuery = `
	SELECT c.reltuples
	FROM pg_class c
	JOIN pg_namespace n ON n.oid = c.relnamespace
	WHERE c.relname = $1 AND n.nspname = $2`

const mssqlEstimateQuery = `
	SELECT CAST(SUM(ps.row_count) AS FLOAT)
	FROM sys.dm_db_partition_stats ps
	INNER JOIN sys.tables t ON ps.object_id = t.object_id
	INNER JOIN sys.schemas s ON t.schema_id = s.schema_id
	WHERE t.name = @p1 AND s.name = @p2
	AND ps.index_id <= 1`

func splitTable(table, kind string) (schema, name string) {
	if i := strings.LastIndex(table, "."); i >= 0 {
		return table[:i], table[i+1:]
	}
	if kind == KindMSSQL {
		return "dbo", table
	}
	return "public", table
}

// ExactCount counts the rows of table, which may be schema-qualified.
func (d *DB) ExactCount(ctx context.Context, table string) (int64, error) {
	return d.Count(ctx, fmt.Sprintf("SELECT COUNT(*) FROM %s", QuoteTable(d.kind, table)))
}
