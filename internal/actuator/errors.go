package actuator

import (
	"errors"
	"fmt"
)

var (
	// ErrCircuitOpen rejects non-forced work while the channel's circuit is open.
	ErrCircuitOpen = errors.New("actuator channel circuit open")
	// ErrUnavailable rejects work on a channel with no driver bound.
	ErrUnavailable = errors.New("actuator channel unavailable: no driver bound")
	ErrStopped     = errors.New("actuator channel stopped")
	ErrStopTimeout = errors.New("actuator channel stop timed out; dispatcher abandoned")
	ErrEmpty       = errors.New("actuator command name is required")
	// ErrNilResult marks a driver call that returned neither a result nor an error.
	ErrNilResult      = errors.New("actuator driver returned no result")
	ErrUnknownChannel = errors.New("unknown actuator channel")

	// ErrTransient and ErrPersistent classify dispatch failures; use errors.Is.
	ErrTransient  = errors.New("transient actuator failure")
	ErrPersistent = errors.New("persistent actuator failure")
)

// TransientError is a single failed dispatch attempt. It is eligible for retry.
type TransientError struct {
	Command string
	Attempt int
	Err     error
}

func (e *TransientError) Error() string {
	return fmt.Sprintf("%s attempt %d: %v", e.Command, e.Attempt, e.Err)
}

func (e *TransientError) Unwrap() []error { return []error{ErrTransient, e.Err} }

// PersistentError is a command whose retry budget is exhausted.
type PersistentError struct {
	Command  string
	Attempts int
	Err      error
}

func (e *PersistentError) Error() string {
	return fmt.Sprintf("%s failed after %d attempts: %v", e.Command, e.Attempts, e.Err)
}

func (e *PersistentError) Unwrap() []error { return []error{ErrPersistent, e.Err} }
