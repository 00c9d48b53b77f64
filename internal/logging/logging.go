// Package logging is the leveled logger shared by the converter and its
// worker processes. Workers tag their lines so interleaved output on the
// parent's stderr can be told apart.
package logging

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"time"
)

// Level represents logging verbosity level
type Level int

const (
	// LevelError only logs errors
	LevelError Level = iota
	// LevelWarn logs warnings and errors
	LevelWarn
	// LevelInfo logs info, warnings, and errors (default)
	LevelInfo
	// LevelDebug logs everything including debug messages
	LevelDebug
)

// Logger provides leveled logging
type Logger struct {
	mu      sync.Mutex
	level   Level
	format  string
	process string
	output  io.Writer
	now     func() time.Time
}

var defaultLogger = &Logger{
	level:  LevelInfo,
	format: "text",
	output: os.Stdout,
	now:    time.Now,
}

// ParseLevel converts a --verbosity value to a Level.
func ParseLevel(s string) (Level, error) {
	switch strings.ToLower(s) {
	case "error":
		return LevelError, nil
	case "warn", "warning":
		return LevelWarn, nil
	case "info":
		return LevelInfo, nil
	case "debug":
		return LevelDebug, nil
	default:
		return LevelInfo, fmt.Errorf("unknown verbosity level: %s (valid: debug, info, warn, error)", s)
	}
}

func (l Level) String() string {
	switch l {
	case LevelError:
		return "ERROR"
	case LevelWarn:
		return "WARN"
	case LevelInfo:
		return "INFO"
	case LevelDebug:
		return "DEBUG"
	default:
		return "UNKNOWN"
	}
}

// SetLevel sets the global log level
func SetLevel(level Level) {
	defaultLogger.mu.Lock()
	defer defaultLogger.mu.Unlock()
	defaultLogger.level = level
}

// SetOutput sets the output destination for logging.
// A nil writer restores stdout.
func SetOutput(w io.Writer) {
	defaultLogger.mu.Lock()
	defer defaultLogger.mu.Unlock()
	if w == nil {
		w = os.Stdout
	}
	defaultLogger.output = w
}

// SetFormat selects "text" (default) or "json" log lines.
func SetFormat(format string) {
	defaultLogger.mu.Lock()
	defer defaultLogger.mu.Unlock()
	if strings.ToLower(format) == "json" {
		defaultLogger.format = "json"
		return
	}
	defaultLogger.format = "text"
}

// SetProcess tags every following line with name, e.g. "worker 3".
// An empty name removes the tag.
func SetProcess(name string) {
	defaultLogger.mu.Lock()
	defer defaultLogger.mu.Unlock()
	defaultLogger.process = name
}

func Debug(format string, args ...interface{}) {
	defaultLogger.log(LevelDebug, format, args...)
}

func Info(format string, args ...interface{}) {
	defaultLogger.log(LevelInfo, format, args...)
}

func Warn(format string, args ...interface{}) {
	defaultLogger.log(LevelWarn, format, args...)
}

func Error(format string, args ...interface{}) {
	defaultLogger.log(LevelError, format, args...)
}

type jsonLine struct {
	TS      string `json:"ts"`
	Level   string `json:"level"`
	Process string `json:"process,omitempty"`
	Msg     string `json:"msg"`
}

func (l *Logger) log(level Level, format string, args ...interface{}) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if level > l.level {
		return
	}

	msg := fmt.Sprintf(format, args...)
	now := l.now()

	if l.format == "json" {
		data, err := json.Marshal(jsonLine{
			TS:      now.Format(time.RFC3339Nano),
			Level:   strings.ToLower(level.String()),
			Process: l.process,
			Msg:     strings.TrimSpace(msg),
		})
		if err != nil {
			return
		}
		fmt.Fprintln(l.output, string(data))
		return
	}

	// Leading newlines stay ahead of the timestamp.
	trimmed := strings.TrimLeft(msg, "\n")
	if blank := len(msg) - len(trimmed); blank > 0 {
		fmt.Fprint(l.output, strings.Repeat("\n", blank))
	}
	msg = strings.TrimRight(trimmed, "\n")

	var sb strings.Builder
	sb.WriteString(now.Format("2006-01-02 15:04:05"))
	sb.WriteString(" [")
	sb.WriteString(level.String())
	sb.WriteString("] ")
	if l.process != "" {
		sb.WriteString("(" + l.process + ") ")
	}
	sb.WriteString(msg)
	sb.WriteByte('\n')
	io.WriteString(l.output, sb.String())
}
