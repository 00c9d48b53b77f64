// Package exitcodes defines the exit codes returned by the converter CLI.
// Operators and schedulers rely on them to tell an intentional abort from a
// crashed step.
package exitcodes

import (
	"context"
	"errors"
	"os"
	"strings"
)

const (
	// Success - every step completed (item-level errors are not failures)
	Success = 0

	// Aborted - the run was interrupted via SIGINT/SIGTERM
	Aborted = 1

	// StepFailed - a step failed structurally (setup, enumeration, worker crash)
	StepFailed = 2

	// ConfigError - configuration/YAML parsing or validation errors
	ConfigError = 3

	// IOError - file I/O errors
	IOError = 4

	// StateError - run history / intermediate database bookkeeping errors
	StateError = 5
)

// ExitError wraps an error with an exit code.
type ExitError struct {
	Err  error
	Code int
}

func (e *ExitError) Error() string {
	return e.Err.Error()
}

func (e *ExitError) Unwrap() error {
	return e.Err
}

// NewExitError creates a new ExitError with the given code.
func NewExitError(err error, code int) *ExitError {
	return &ExitError{Err: err, Code: code}
}

// FromError determines the appropriate exit code for an error.
func FromError(err error) int {
	if err == nil {
		return Success
	}

	var exitErr *ExitError
	if errors.As(err, &exitErr) {
		return exitErr.Code
	}

	if errors.Is(err, context.Canceled) {
		return Aborted
	}

	var pathErr *os.PathError
	if errors.As(err, &pathErr) {
		return IOError
	}

	errStr := strings.ToLower(err.Error())

	if containsAny(errStr, []string{
		"no such file",
		"file not found",
		"permission denied",
		"is a directory",
		"not a directory",
	}) {
		return IOError
	}

	if containsAny(errStr, []string{
		"yaml:",
		"unmarshal",
		"invalid config",
		"parsing config",
		"unknown converter",
		"missing required",
	}) {
		return ConfigError
	}

	if containsAny(errStr, []string{
		"run history",
		"state file",
		"schema migration",
	}) {
		return StateError
	}

	return StepFailed
}

// Description returns a human-readable description of the exit code.
func Description(code int) string {
	switch code {
	case Success:
		return "success"
	case Aborted:
		return "aborted"
	case StepFailed:
		return "step failed"
	case ConfigError:
		return "configuration error"
	case IOError:
		return "I/O error"
	case StateError:
		return "state error"
	default:
		return "unknown error"
	}
}

func containsAny(s string, substrs []string) bool {
	for _, substr := range substrs {
		if strings.Contains(s, substr) {
			return true
		}
	}
	return false
}
