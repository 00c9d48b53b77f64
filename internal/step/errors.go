package step

import (
	"errors"
	"fmt"
)

// ItemError is a recoverable failure of a single item. It is recorded as
// data (a log entry plus an error count) and never stops the step.
type ItemError struct {
	Item Item
	Err  error
}

func (e *ItemError) Error() string {
	return fmt.Sprintf("processing item: %v", e.Err)
}

func (e *ItemError) Unwrap() error { return e.Err }

// FatalError marks a step-level failure that aborts the conversion.
type FatalError struct {
	Step string
	Err  error
}

func (e *FatalError) Error() string {
	if e.Step == "" {
		return e.Err.Error()
	}
	return fmt.Sprintf("step %s: %v", e.Step, e.Err)
}

func (e *FatalError) Unwrap() error { return e.Err }

// Fatal wraps err as a step-level failure. It returns nil for a nil error
// and leaves an existing FatalError untouched.
func Fatal(name string, err error) error {
	if err == nil {
		return nil
	}
	var fe *FatalError
	if errors.As(err, &fe) {
		return err
	}
	return &FatalError{Step: name, Err: err}
}

// PanicError is the error recorded when ProcessItem panics.
type PanicError struct {
	Value any
}

func (e *PanicError) Error() string {
	return fmt.Sprintf("panic: %v", e.Value)
}
