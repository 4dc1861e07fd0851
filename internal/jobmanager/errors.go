package jobmanager

import (
	"errors"
	"fmt"
)

var (
	ErrJobNotFound = errors.New("no such job")
)

// InvalidStateError is returned when attempting an invalid Job status
// transition.
type InvalidStateError struct {
	from JobStatus
	to   JobStatus
}

func (e InvalidStateError) Error() string {
	if e.from == e.to {
		return fmt.Sprintf("job is already %s", e.from)
	}

	return fmt.Sprintf("cannot go from %s to %s", e.from, e.to)
}

func NewInvalidStateError(from, to JobStatus) InvalidStateError {
	return InvalidStateError{from, to}
}

// InvariantError reports a failure that cannot happen unless the shell's own
// bookkeeping is broken, e.g. wait4 failing while notifications are
// deferred. The shell cannot continue safely after one.
type InvariantError struct {
	Op  string
	Err error
}

func (e *InvariantError) Error() string {
	return fmt.Sprintf("internal error: %s: %v", e.Op, e.Err)
}

func (e *InvariantError) Unwrap() error {
	return e.Err
}
