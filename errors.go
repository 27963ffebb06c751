package beacon

import (
	"errors"
	"fmt"
)

var (
	ErrConflict        = errors.New("job already exists")
	ErrNotFound        = errors.New("job not found")
	ErrValidation      = errors.New("invalid input")
	ErrVersionConflict = errors.New("job version conflict")
	ErrStore           = errors.New("job store unavailable")
	ErrClosed          = errors.New("repository closed")

	// ErrEngineNotStopped is reported when an engine keeps running after it
	// was told to stop and the stop timeout elapsed.
	ErrEngineNotStopped = errors.New("engine did not stop")
)

// StoreError reports a failed load or flush against the backing store. The
// in-memory state is not rolled back when a flush fails.
type StoreError struct {
	Op  string // "read" or "write"
	Err error
}

func (e *StoreError) Error() string {
	return fmt.Sprintf("job store %s: %v", e.Op, e.Err)
}

func (e *StoreError) Unwrap() []error {
	return []error{ErrStore, e.Err}
}
