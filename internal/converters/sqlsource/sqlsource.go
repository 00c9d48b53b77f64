// Package sqlsource registers the "sql" converter, which copies rows from
// a source database into the intermediate schema using table mappings
// declared in settings:
//
//	settings:
//	  sql:
//	    mappings:
//	      - name: users
//	        query: SELECT id, login, created FROM members
//	        count_query: SELECT COUNT(*) FROM members
//	        target: users
//	        columns: {original_id: id, username: login, created_at: created}
//	        parallel: true
//
// Each mapping becomes one step, run in the order listed.
package sqlsource

import (
	"context"
	"fmt"
	"sort"

	"gopkg.in/yaml.v3"

	"github.com/johndauphine/forum-converter/internal/config"
	"github.com/johndauphine/forum-converter/internal/converter"
	"github.com/johndauphine/forum-converter/internal/logging"
	"github.com/johndauphine/forum-converter/internal/source"
	"github.com/johndauphine/forum-converter/internal/step"
)

// Name is the registered converter name.
const Name = "sql"

func init() {
	converter.Register(converter.Definition{
		Name:        Name,
		Description: "Copies rows from a source database using settings.sql.mappings",
		Build:       build,
	})
}

// Mapping copies the rows of one query into one intermediate table.
type Mapping struct {
	Name       string `yaml:"name"`
	Title      string `yaml:"title"`
	Query      string `yaml:"query"`
	CountQuery string `yaml:"count_query"`
	// EstimateTable sizes the step from database statistics when no
	// count query is given, counting the table when it has none.
	EstimateTable string            `yaml:"estimate_table"`
	Target        string            `yaml:"target"`
	Columns       map[string]string `yaml:"columns"` // target column -> source column
	Parallel      bool              `yaml:"parallel"`
}

// targetColumns returns the target columns in a stable order.
func (m Mapping) targetColumns() []string {
	cols := make([]string, 0, len(m.Columns))
	for c := range m.Columns {
		cols = append(cols, c)
	}
	sort.Strings(cols)
	return cols
}

// ParseMappings reads settings.sql.mappings.
func ParseMappings(s config.Settings) ([]Mapping, error) {
	raw := s.List("sql.mappings")
	if len(raw) == 0 {
		return nil, fmt.Errorf("invalid config: settings.sql.mappings is empty")
	}
	mappings := make([]Mapping, 0, len(raw))
	seen := map[string]bool{}
	for i, entry := range raw {
		data, err := yaml.Marshal(entry)
		if err != nil {
			return nil, fmt.Errorf("invalid config: sql mapping %d: %w", i, err)
		}
		var m Mapping
		if err := yaml.Unmarshal(data, &m); err != nil {
			return nil, fmt.Errorf("invalid config: sql mapping %d: %w", i, err)
		}
		switch {
		case m.Name == "":
			return nil, fmt.Errorf("invalid config: sql mapping %d has no name", i)
		case m.Query == "":
			return nil, fmt.Errorf("invalid config: sql mapping %s has no query", m.Name)
		case m.Target == "":
			return nil, fmt.Errorf("invalid config: sql mapping %s has no target", m.Name)
		case len(m.Columns) == 0:
			return nil, fmt.Errorf("invalid config: sql mapping %s has no columns", m.Name)
		case seen[m.Name]:
			return nil, fmt.Errorf("invalid config: sql mapping %s is defined twice", m.Name)
		}
		seen[m.Name] = true
		mappings = append(mappings, m)
	}
	return mappings, nil
}

// conn is shared by the steps of one plan. It stays nil in worker
// processes, which only call ProcessItem.
type conn struct {
	db *source.DB
}

func build(ctx context.Context, cfg *config.Config) (*converter.Plan, error) {
	if cfg.Source.Type == "" {
		return nil, fmt.Errorf("invalid config: the sql converter needs a source database")
	}
	mappings, err := ParseMappings(cfg.Settings)
	if err != nil {
		return nil, err
	}

	c := &conn{}
	plan := &converter.Plan{
		Setup: func(ctx context.Context) error {
			db, err := source.Open(ctx, cfg)
			if err != nil {
				return fmt.Errorf("connecting to source: %w", err)
			}
			c.db = db
			return nil
		},
		Close: func() error {
			if c.db == nil {
				return nil
			}
			return c.db.Close()
		},
	}
	for _, m := range mappings {
		desc := step.Define(m.Name, func(sc step.Context) (step.Step, error) {
			return &copyStep{mapping: m, conn: c, db: sc.DB}, nil
		})
		if m.Title != "" {
			desc = desc.WithTitle(m.Title)
		}
		if m.Parallel {
			desc = desc.Parallel()
		}
		plan.Steps = append(plan.Steps, desc)
	}
	return plan, nil
}

type targetValidator interface {
	ValidateTarget(ctx context.Context, table string, cols []string) error
}

// copyStep copies the rows of one mapping.
type copyStep struct {
	mapping Mapping
	conn    *conn
	db      step.Writer
}

// Execute checks that the mapping writes into the fixed schema.
func (s *copyStep) Execute(ctx context.Context) error {
	v, ok := s.db.(targetValidator)
	if !ok {
		return nil
	}
	return v.ValidateTarget(ctx, s.mapping.Target, s.mapping.targetColumns())
}

func (s *copyStep) Items(ctx context.Context, yield func(step.Item) error) error {
	if s.conn.db == nil {
		return fmt.Errorf("source database is not connected")
	}
	return s.conn.db.Each(ctx, s.mapping.Query, nil, yield)
}

func (s *copyStep) MaxProgress(ctx context.Context) (int64, bool, error) {
	if s.conn.db == nil {
		return 0, false, nil
	}
	if s.mapping.CountQuery != "" {
		n, err := s.conn.db.Count(ctx, s.mapping.CountQuery)
		return n, err == nil, err
	}
	if table := s.mapping.EstimateTable; table != "" {
		if n, ok := s.conn.db.EstimateRows(ctx, table); ok {
			return n, true, nil
		}
		// No statistics (SQLite, or a table never analyzed).
		n, err := s.conn.db.ExactCount(ctx, table)
		if err != nil {
			logging.Debug("%s: counting %s: %v", s.mapping.Name, table, err)
			return 0, false, nil
		}
		return n, true, nil
	}
	return 0, false, nil
}

func (s *copyStep) ProcessItem(ctx context.Context, item step.Item, out *step.Output) error {
	cols := s.mapping.targetColumns()
	values := make([]any, len(cols))
	for i, col := range cols {
		src := s.mapping.Columns[col]
		v, ok := item[src]
		if !ok {
			return fmt.Errorf("source row has no column %q", src)
		}
		values[i] = v
	}
	return out.Insert(s.mapping.Target, cols, values...)
}
