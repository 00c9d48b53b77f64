package config

import (
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"regexp"
	"runtime"
	"strings"

	"gopkg.in/yaml.v3"
)

// expandTilde expands ~ or ~/ at the start of a path to the user's home directory
func expandTilde(path string) string {
	if path == "" {
		return path
	}
	if path == "~" {
		home, _ := os.UserHomeDir()
		return home
	}
	if strings.HasPrefix(path, "~/") {
		home, _ := os.UserHomeDir()
		return filepath.Join(home, path[2:])
	}
	return path
}

// Config holds all configuration for a conversion run.
// It is treated as read-only once loaded.
type Config struct {
	IntermediateDB IntermediateDBConfig `yaml:"intermediate_db"`
	Source         SourceConfig         `yaml:"source"`
	Converter      ConverterConfig      `yaml:"converter"`
	State          StateConfig          `yaml:"state"`
	Slack          SlackConfig          `yaml:"slack"`
	Settings       Settings             `yaml:"settings,omitempty"`
}

// IntermediateDBConfig locates the staging database the steps populate.
type IntermediateDBConfig struct {
	Path  string `yaml:"path"`
	Reset bool   `yaml:"reset"` // Delete an existing file before the run
}

// SourceConfig holds the connection to the external forum database.
// Type may be empty when the converter does not read from a database.
type SourceConfig struct {
	Type            string `yaml:"type"` // "postgres" (pgx), "pq", "mssql" or "sqlite"
	Host            string `yaml:"host"`
	Port            int    `yaml:"port"`
	Database        string `yaml:"database"`
	User            string `yaml:"user"`
	Password        string `yaml:"password"`
	Path            string `yaml:"path"`              // sqlite only
	SSLMode         string `yaml:"ssl_mode"`          // PostgreSQL: disable, require, verify-ca, verify-full
	Encrypt         string `yaml:"encrypt"`           // MSSQL: disable, false, true
	TrustServerCert bool   `yaml:"trust_server_cert"` // MSSQL
	MaxConns        int    `yaml:"max_conns"`
}

// ConverterConfig controls which converter runs and how steps execute.
type ConverterConfig struct {
	Name         string      `yaml:"name"`
	Workers      int         `yaml:"workers"`       // Parallel worker count (default: CPUs - 1)
	ParallelMode string      `yaml:"parallel_mode"` // "processes" (default) or "goroutines"
	BatchSize    int         `yaml:"batch_size"`    // Results per writer transaction
	MaxInFlight  int         `yaml:"max_in_flight"` // Items queued per worker pipe
	Steps        StepsFilter `yaml:"steps"`
}

// StepsFilter restricts the steps of a converter by name.
type StepsFilter struct {
	Only []string `yaml:"only"`
	Skip []string `yaml:"skip"`
}

// StateConfig controls where run history is kept.
type StateConfig struct {
	DataDir string `yaml:"data_dir"`
	File    string `yaml:"file"` // Use a YAML state file instead of SQLite
}

// SlackConfig holds Slack notification settings
type SlackConfig struct {
	WebhookURL string `yaml:"webhook_url"`
	Channel    string `yaml:"channel"`
	Username   string `yaml:"username"`
	Enabled    bool   `yaml:"enabled"`
}

// LoadOptions controls configuration loading behavior.
type LoadOptions struct {
	SuppressWarnings bool
}

// Load reads configuration from a YAML file.
func Load(path string) (*Config, error) {
	return LoadWithOptions(path, LoadOptions{})
}

// LoadWithOptions reads configuration from a YAML file with options.
func LoadWithOptions(path string, opts LoadOptions) (*Config, error) {
	// Check file permissions before reading (warns if insecure)
	if warning := checkFilePermissions(path); warning != "" && !opts.SuppressWarnings {
		fmt.Fprint(os.Stderr, warning)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	return LoadBytes(data)
}

// LoadBytes reads configuration from YAML bytes.
func LoadBytes(data []byte) (*Config, error) {
	expanded, err := expandTemplates(string(data))
	if err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}

	cfg.applyDefaults()

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return &cfg, nil
}

// Bytes serializes the resolved configuration. Worker processes rebuild
// their converter from these bytes.
func (c *Config) Bytes() ([]byte, error) {
	return yaml.Marshal(c)
}

// DefaultDataDir returns the default data directory for state storage.
func DefaultDataDir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	dir := filepath.Join(home, ".forum-converter")
	if err := os.MkdirAll(dir, 0700); err != nil {
		return "", err
	}
	return dir, nil
}

// DefaultWorkers is the number of parallel workers used when none is
// configured: one per CPU, keeping one core for the writer and the display.
func DefaultWorkers() int {
	workers := runtime.NumCPU() - 1
	if workers < 1 {
		workers = 1
	}
	return workers
}

func (c *Config) applyDefaults() {
	if c.IntermediateDB.Path == "" {
		c.IntermediateDB.Path = "intermediate.db"
	}
	c.IntermediateDB.Path = expandTilde(c.IntermediateDB.Path)

	c.Source.Type = strings.ToLower(c.Source.Type)
	if c.Source.Port == 0 {
		switch c.Source.Type {
		case "postgres", "pgx", "pq":
			c.Source.Port = 5432
		case "mssql":
			c.Source.Port = 1433
		}
	}
	if c.Source.SSLMode == "" {
		c.Source.SSLMode = "prefer"
	}
	if c.Source.Encrypt == "" {
		c.Source.Encrypt = "true" // Secure default for MSSQL
	}
	if c.Source.MaxConns == 0 {
		c.Source.MaxConns = 4
	}
	c.Source.Path = expandTilde(c.Source.Path)

	if c.Converter.Workers <= 0 {
		c.Converter.Workers = DefaultWorkers()
	}
	if c.Converter.ParallelMode == "" {
		c.Converter.ParallelMode = "processes"
	}
	if c.Converter.BatchSize <= 0 {
		c.Converter.BatchSize = 500
	}
	if c.Converter.MaxInFlight <= 0 {
		c.Converter.MaxInFlight = 4
	}

	if c.State.DataDir == "" {
		home, _ := os.UserHomeDir()
		c.State.DataDir = filepath.Join(home, ".forum-converter")
	} else {
		c.State.DataDir = expandTilde(c.State.DataDir)
	}
	c.State.File = expandTilde(c.State.File)

	if c.Settings == nil {
		c.Settings = Settings{}
	}
}

func (c *Config) validate() error {
	if c.Converter.Name == "" {
		return fmt.Errorf("converter.name is required")
	}
	switch c.Converter.ParallelMode {
	case "processes", "goroutines":
	default:
		return fmt.Errorf("converter.parallel_mode must be 'processes' or 'goroutines', got '%s'", c.Converter.ParallelMode)
	}

	switch c.Source.Type {
	case "":
	case "postgres", "pgx", "pq", "mssql":
		if c.Source.Host == "" {
			return fmt.Errorf("source.host is required for source.type '%s'", c.Source.Type)
		}
		if c.Source.Database == "" {
			return fmt.Errorf("source.database is required for source.type '%s'", c.Source.Type)
		}
	case "sqlite":
		if c.Source.Path == "" {
			return fmt.Errorf("source.path is required for source.type 'sqlite'")
		}
	default:
		return fmt.Errorf("source.type must be one of postgres, pgx, pq, mssql, sqlite; got '%s'", c.Source.Type)
	}

	for _, name := range c.Converter.Steps.Only {
		for _, skipped := range c.Converter.Steps.Skip {
			if name == skipped {
				return fmt.Errorf("step %q is listed in both converter.steps.only and converter.steps.skip", name)
			}
		}
	}
	return nil
}

// SourceDSN returns the source database connection string.
func (c *Config) SourceDSN() string {
	s := c.Source
	switch s.Type {
	case "mssql":
		return buildMSSQLDSN(s.Host, s.Port, s.Database, s.User, s.Password, s.Encrypt, s.TrustServerCert)
	case "sqlite":
		return s.Path
	default:
		return buildPostgresDSN(s.Host, s.Port, s.Database, s.User, s.Password, s.SSLMode)
	}
}

func buildMSSQLDSN(host string, port int, database, user, password, encrypt string, trustServerCert bool) string {
	trustCert := "false"
	if trustServerCert {
		trustCert = "true"
	}
	u := &url.URL{
		Scheme: "sqlserver",
		User:   url.UserPassword(user, password),
		Host:   fmt.Sprintf("%s:%d", host, port),
	}
	q := url.Values{}
	q.Set("database", database)
	q.Set("encrypt", encrypt)
	q.Set("TrustServerCertificate", trustCert)
	u.RawQuery = q.Encode()
	return u.String()
}

func buildPostgresDSN(host string, port int, database, user, password, sslMode string) string {
	return fmt.Sprintf("postgres://%s:%s@%s:%d/%s?sslmode=%s",
		url.QueryEscape(user), url.QueryEscape(password), host, port, url.QueryEscape(database), sslMode)
}

// Sanitized returns a copy of the config with sensitive fields redacted
func (c *Config) Sanitized() *Config {
	sanitized := *c // shallow copy

	if sanitized.Source.Password != "" {
		sanitized.Source.Password = "[REDACTED]"
	}
	if sanitized.Slack.WebhookURL != "" {
		sanitized.Slack.WebhookURL = "[REDACTED]"
	}

	return &sanitized
}

var templatePattern = regexp.MustCompile(`\$\{(file|env):([^}]*)\}`)

// expandTemplates resolves ${file:/path} and ${env:NAME} references, then
// legacy ${NAME} environment variables.
func expandTemplates(data string) (string, error) {
	var firstErr error
	out := templatePattern.ReplaceAllStringFunc(data, func(match string) string {
		value, err := expandTemplateValue(match)
		if err != nil && firstErr == nil {
			firstErr = err
		}
		return value
	})
	if firstErr != nil {
		return "", firstErr
	}
	return os.Expand(out, func(name string) string {
		if strings.Contains(name, ":") {
			return "${" + name + "}"
		}
		return os.Getenv(name)
	}), nil
}

// expandTemplateValue resolves a single value. Values that are not a
// template are returned unchanged.
func expandTemplateValue(value string) (string, error) {
	m := templatePattern.FindStringSubmatch(value)
	if m == nil || m[0] != value {
		if strings.HasPrefix(value, "${") && strings.HasSuffix(value, "}") && !strings.Contains(value, ":") {
			return os.Getenv(value[2 : len(value)-1]), nil
		}
		return value, nil
	}
	kind, ref := m[1], strings.TrimSpace(m[2])
	if ref == "" {
		return value, nil
	}
	switch kind {
	case "file":
		data, err := os.ReadFile(expandTilde(ref))
		if err != nil {
			return "", fmt.Errorf("reading secret file %s: %w", ref, err)
		}
		return strings.TrimSpace(string(data)), nil
	default:
		return os.Getenv(ref), nil
	}
}
