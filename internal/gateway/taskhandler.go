package gateway

import (
	"errors"
	"fmt"

	"github.com/dohr-michael/warden/internal/ingest"
	"github.com/dohr-michael/warden/internal/workers"
)

// ErrIngestDisabled is returned when no ingest queue is attached.
var ErrIngestDisabled = errors.New("ingest not available")

// TaskHandler implements ws.TaskHandler on top of the thread manager.
type TaskHandler struct {
	manager *workers.Manager
	queue   *ingest.Queue
}

// NewTaskHandler creates a task handler. queue may be nil.
func NewTaskHandler(manager *workers.Manager, queue *ingest.Queue) *TaskHandler {
	return &TaskHandler{manager: manager, queue: queue}
}

// List returns every registered task in registration order.
func (h *TaskHandler) List() []workers.Record {
	return h.manager.List()
}

// Get returns one task record.
func (h *TaskHandler) Get(id string) (workers.Record, bool) {
	return h.manager.GetByID(id)
}

// Cancel requests cooperative cancellation of a task.
func (h *TaskHandler) Cancel(id string) error {
	handle, ok := h.manager.HandleByID(id)
	if !ok {
		return &workers.InvalidStateError{Op: "cancel", TaskID: id}
	}
	return h.manager.RequestCancel(handle)
}

// SubmitIngest queues file imports and returns the task ids started.
func (h *TaskHandler) SubmitIngest(paths []string) ([]string, error) {
	if h.queue == nil {
		return nil, ErrIngestDisabled
	}
	handles, err := h.queue.Submit(paths...)
	ids := make([]string, 0, len(handles))
	for _, hd := range handles {
		ids = append(ids, hd.ID())
	}
	if err != nil {
		return ids, fmt.Errorf("submit ingest: %w", err)
	}
	return ids, nil
}
