package workers

import (
	"context"
	"errors"
	"fmt"
)

var (
	ErrDuplicateName     = errors.New("task name already registered")
	ErrInvalidState      = errors.New("invalid task state")
	ErrManagerClosed     = errors.New("manager is shut down")
	ErrForcedTermination = errors.New("task force-terminated")

	// Context causes. A task can tell them apart with context.Cause.
	ErrCancelRequested = errors.New("cancellation requested")
	ErrTimeoutExceeded = errors.New("heartbeat timeout exceeded")
	ErrShutdown        = errors.New("manager shutting down")
)

// DuplicateNameError is returned by Register when a non-terminal task
// already holds the name.
type DuplicateNameError struct {
	Name   string
	TaskID string // current holder
}

func (e *DuplicateNameError) Error() string {
	return fmt.Sprintf("task name %q already registered by %s", e.Name, e.TaskID)
}

func (e *DuplicateNameError) Is(target error) bool { return target == ErrDuplicateName }

// InvalidStateError reports an operation that the task's current state
// does not allow. State is empty when the handle is unknown.
type InvalidStateError struct {
	Op     string
	TaskID string
	State  State
}

func (e *InvalidStateError) Error() string {
	if e.State == "" {
		return fmt.Sprintf("%s %s: unknown task", e.Op, e.TaskID)
	}
	return fmt.Sprintf("%s %s: not allowed in state %s", e.Op, e.TaskID, e.State)
}

func (e *InvalidStateError) Is(target error) bool { return target == ErrInvalidState }

// ForcedTerminationError is the recorded outcome of a task that had to be
// abandoned after its grace period.
type ForcedTerminationError struct {
	TaskID         string
	Reason         error
	CleanupSkipped bool
}

func (e *ForcedTerminationError) Error() string {
	msg := fmt.Sprintf("task %s force-terminated: %v", e.TaskID, e.Reason)
	if e.CleanupSkipped {
		msg += " (cleanup skipped)"
	}
	return msg
}

func (e *ForcedTerminationError) Is(target error) bool { return target == ErrForcedTermination }

func (e *ForcedTerminationError) Unwrap() error { return e.Reason }

// isCancellation reports whether err is how a task says it stopped because
// its context was cancelled.
func isCancellation(err error) bool {
	return errors.Is(err, ErrCancelRequested) ||
		errors.Is(err, ErrShutdown) ||
		errors.Is(err, ErrTimeoutExceeded) ||
		errors.Is(err, context.Canceled)
}
