// Package workers runs a small, bounded set of long-running background tasks
// with heartbeat-based liveness monitoring, cooperative cancellation and
// forced termination as the last resort.
package workers

import (
	"context"
	"strings"

	"github.com/google/uuid"
)

// Heartbeat records that a task is alive. It never blocks and is safe to
// call from any goroutine.
type Heartbeat func()

// Task is a unit of cancellable background work.
//
// Run executes on a dedicated goroutine. It must check ctx at bounded
// intervals (every 500ms or less) and at every blocking I/O boundary, and
// call hb at least once per timeout window while healthy. Returning an error
// that wraps context.Canceled after cancellation counts as a clean stop.
//
// Cleanup runs exactly once after Run returns, on every exit path, and also
// when the task is cancelled before it was started. It is skipped only when
// the task is force-terminated.
type Task interface {
	Run(ctx context.Context, hb Heartbeat) error
	Cleanup() error
}

// Canceler is implemented by tasks that block in calls which do not observe
// ctx (a read on a pipe, a driver call). Cancel is invoked on its own
// goroutine when cancellation is requested and should unblock Run.
type Canceler interface {
	Cancel()
}

// Func adapts a function into a Task with a no-op Cleanup.
type Func func(ctx context.Context, hb Heartbeat) error

func (f Func) Run(ctx context.Context, hb Heartbeat) error { return f(ctx, hb) }

func (Func) Cleanup() error { return nil }

// Handle identifies a registered task. After the task is reaped, Done and
// Get on the manager still answer with its final record.
type Handle struct {
	id   string
	name string
	e    *entry
}

// ID returns the task ID.
func (h *Handle) ID() string { return h.id }

// Name returns the name the task was registered under.
func (h *Handle) Name() string { return h.name }

// GenerateTaskID creates a short task identifier: "task_" + 8 hex chars.
func GenerateTaskID() string {
	u := uuid.New().String()
	return "task_" + strings.ReplaceAll(u[:8], "-", "")
}
