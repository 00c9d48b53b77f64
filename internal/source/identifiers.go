package source

import "strings"

// quoteIdent quotes an identifier for PostgreSQL and SQLite, escaping
// embedded quotes.
func quoteIdent(ident string) string {
	return `"` + strings.ReplaceAll(ident, `"`, `""`) + `"`
}

// quoteMSSQLIdent quotes a SQL Server identifier, escaping embedded ].
func quoteMSSQLIdent(ident string) string {
	return "[" + strings.ReplaceAll(ident, "]", "]]") + "]"
}

// QuoteTable quotes a table name for the given source kind. A name with a
// dot is treated as schema.table; the schema is not defaulted.
func QuoteTable(kind, table string) string {
	quote := quoteIdent
	if kind == KindMSSQL {
		quote = quoteMSSQLIdent
	}
	if i := strings.LastIndex(table, "."); i >= 0 {
		return quote(table[:i]) + "." + quote(table[i+1:])
	}
	return quote(table)
}
