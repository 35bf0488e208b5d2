package workers

import (
	"context"
	"errors"
	"fmt"
	"testing"
)

func TestErrorMatching(t *testing.T) {
	dup := error(&DuplicateNameError{Name: "ingest", TaskID: "task_1"})
	if !errors.Is(dup, ErrDuplicateName) {
		t.Error("DuplicateNameError should match ErrDuplicateName")
	}

	inv := fmt.Errorf("start: %w", &InvalidStateError{Op: "start", TaskID: "task_1", State: StateRunning})
	if !errors.Is(inv, ErrInvalidState) {
		t.Error("wrapped InvalidStateError should match ErrInvalidState")
	}

	forced := error(&ForcedTerminationError{TaskID: "task_1", Reason: ErrTimeoutExceeded, CleanupSkipped: true})
	if !errors.Is(forced, ErrForcedTermination) || !errors.Is(forced, ErrTimeoutExceeded) {
		t.Error("ForcedTerminationError should match its sentinel and its reason")
	}
	if got, want := forced.Error(), "task task_1 force-terminated: heartbeat timeout exceeded (cleanup skipped)"; got != want {
		t.Errorf("got %q, want %q", got, want)
	}
}

func TestInvalidStateErrorMessage(t *testing.T) {
	unknown := &InvalidStateError{Op: "cancel", TaskID: "task_x"}
	if got, want := unknown.Error(), "cancel task_x: unknown task"; got != want {
		t.Errorf("got %q, want %q", got, want)
	}
}

func TestIsCancellation(t *testing.T) {
	for _, err := range []error{
		context.Canceled,
		fmt.Errorf("read: %w", context.Canceled),
		ErrCancelRequested,
		ErrShutdown,
		ErrTimeoutExceeded,
	} {
		if !isCancellation(err) {
			t.Errorf("%v should count as cancellation", err)
		}
	}
	if isCancellation(errors.New("disk full")) {
		t.Error("plain error counted as cancellation")
	}
}
