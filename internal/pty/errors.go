package pty

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// ErrTimeout is matched by errors.Is for every *TimeoutError.
var ErrTimeout = errors.New("one-shot run timed out")

// SpawnError reports that no command candidate could be started.
type SpawnError struct {
	Command    string
	Candidates []string
	Err        error
}

func (e *SpawnError) Error() string {
	return fmt.Sprintf("spawn %s (tried %s): %v", e.Command, strings.Join(e.Candidates, ", "), e.Err)
}

func (e *SpawnError) Unwrap() error { return e.Err }

// TimeoutError is returned by Run when the deadline expires, regardless of
// whether the process is later killed.
type TimeoutError struct {
	Timeout time.Duration
	Output  string
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("timed out after %s", e.Timeout)
}

func (e *TimeoutError) Is(target error) bool { return target == ErrTimeout }

// ExitError is returned by Run when the process exits unsuccessfully. Output
// carries whatever the process printed, for diagnostics.
type ExitError struct {
	Status ExitStatus
	Output string
}

func (e *ExitError) Error() string {
	if e.Output != "" {
		return e.Output
	}
	if e.Status.Signal != "" {
		return fmt.Sprintf("terminated by %s", e.Status.Signal)
	}
	return fmt.Sprintf("exited with code %d", e.Status.Code)
}
