package step

import (
	"fmt"
	"strings"
)

// Statement is one parametrized SQL statement for the intermediate database.
type Statement struct {
	SQL  string
	Args []any
}

// Output records the statements produced while processing one item. Nothing
// is written until the item has finished successfully.
type Output struct {
	stmts []Statement
}

// Exec records an arbitrary statement.
func (o *Output) Exec(sql string, args ...any) {
	o.stmts = append(o.stmts, Statement{SQL: sql, Args: args})
}

// Insert records an INSERT into table. The number of values must match the
// number of columns.
func (o *Output) Insert(table string, columns []string, values ...any) error {
	if len(columns) == 0 {
		return fmt.Errorf("insert into %s: no columns", table)
	}
	if len(columns) != len(values) {
		return fmt.Errorf("insert into %s: %d columns but %d values", table, len(columns), len(values))
	}
	o.stmts = append(o.stmts, Statement{
		SQL:  InsertSQL(table, columns),
		Args: values,
	})
	return nil
}

// Statements returns the recorded statements.
func (o *Output) Statements() []Statement {
	return o.stmts
}

// Reset discards everything recorded so far.
func (o *Output) Reset() {
	o.stmts = nil
}

// InsertSQL builds a parametrized INSERT statement for table.
func InsertSQL(table string, columns []string) string {
	var sb strings.Builder
	sb.WriteString("INSERT INTO ")
	sb.WriteString(table)
	sb.WriteString(" (")
	sb.WriteString(strings.Join(columns, ", "))
	sb.WriteString(") VALUES (")
	for i := range columns {
		if i > 0 {
			sb.WriteString(", ")
		}
		sb.WriteByte('?')
	}
	sb.WriteString(")")
	return sb.String()
}
