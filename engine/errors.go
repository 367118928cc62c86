package engine

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound is returned when the named VM does not exist.
	ErrNotFound = errors.New("VM not found")
	// ErrUnavailable is returned when the engine tool cannot be reached.
	ErrUnavailable = errors.New("engine unavailable")
	// ErrRunning is returned by operations that require a stopped VM.
	ErrRunning = errors.New("VM is running")
)

// OpError records which engine operation failed on which VM.
type OpError struct {
	Op  string
	VM  string
	Err error
}

func (e *OpError) Error() string {
	if e.VM == "" {
		return fmt.Sprintf("%s: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("%s VM %s: %v", e.Op, e.VM, e.Err)
}

func (e *OpError) Unwrap() error { return e.Err }

// Wrap returns err annotated with op and vm, or nil when err is nil.
func Wrap(op, vm string, err error) error {
	if err == nil {
		return nil
	}
	return &OpError{Op: op, VM: vm, Err: err}
}
