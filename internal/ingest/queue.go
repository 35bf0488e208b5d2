package ingest

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"path/filepath"
	"slices"
	"sync"

	"github.com/dohr-michael/warden/internal/appstate"
	"github.com/dohr-michael/warden/internal/workers"
)

// PendingKey is the user data key listing files not yet imported. A resumed
// session re-queues them.
const PendingKey = "pending_files"

// Queue submits file imports to the thread manager and keeps the list of
// unfinished files in the application state.
type Queue struct {
	manager    *workers.Manager
	store      *appstate.Store
	db         *DB
	batchSize  int
	onProgress func(Progress)

	mu      sync.Mutex
	pending []string        // unfinished files, persisted
	running map[string]bool // files with an import in flight
	handles []*workers.Handle
}

// NewQueue creates a queue. batchSize <= 0 uses DefaultBatchSize.
func NewQueue(m *workers.Manager, store *appstate.Store, db *DB, batchSize int) *Queue {
	return &Queue{manager: m, store: store, db: db, batchSize: batchSize, running: make(map[string]bool)}
}

// OnProgress sets the progress callback passed to every task.
func (q *Queue) OnProgress(fn func(Progress)) {
	q.onProgress = fn
}

// PendingFrom decodes the pending file list from restored user data.
func PendingFrom(data map[string]json.RawMessage) ([]string, error) {
	raw, ok := data[PendingKey]
	if !ok {
		return nil, nil
	}
	var files []string
	if err := json.Unmarshal(raw, &files); err != nil {
		return nil, fmt.Errorf("decode %s: %w", PendingKey, err)
	}
	return files, nil
}

// Pending returns the files still waiting to be imported.
func (q *Queue) Pending() []string {
	q.mu.Lock()
	defer q.mu.Unlock()
	return slices.Clone(q.pending)
}

// Hold records paths as pending without importing them. Safe mode uses it
// to keep an interrupted list across the session.
func (q *Queue) Hold(paths ...string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	for _, p := range paths {
		p = filepath.Clean(p)
		if !slices.Contains(q.pending, p) {
			q.pending = append(q.pending, p)
		}
	}
	return q.persistLocked()
}

// Submit persists paths as pending, then registers and starts one task per
// path. A file whose import is already running is skipped; a held file is
// started.
func (q *Queue) Submit(paths ...string) ([]*workers.Handle, error) {
	q.mu.Lock()
	var added []string
	for _, p := range paths {
		p = filepath.Clean(p)
		if q.running[p] {
			continue
		}
		if !slices.Contains(q.pending, p) {
			q.pending = append(q.pending, p)
		}
		q.running[p] = true
		added = append(added, p)
	}
	err := q.persistLocked()
	if err != nil {
		for _, p := range added {
			delete(q.running, p)
		}
	}
	q.mu.Unlock()
	if err != nil {
		return nil, err
	}

	handles := make([]*workers.Handle, 0, len(added))
	for i, p := range added {
		h, err := q.start(p)
		if err != nil {
			q.release(added[i:]...)
			q.mu.Lock()
			q.handles = append(q.handles, handles...)
			q.mu.Unlock()
			return handles, err
		}
		handles = append(handles, h)
		go q.watch(h, p)
	}

	q.mu.Lock()
	q.handles = append(q.handles, handles...)
	q.mu.Unlock()
	return handles, nil
}

func (q *Queue) start(path string) (*workers.Handle, error) {
	task := NewFileTask(path, q.db,
		WithBatchSize(q.batchSize),
		WithCheckpoints(q.store),
		WithProgress(q.onProgress),
	)
	h, err := q.manager.Register(task, "ingest:"+path, 0)
	if err != nil {
		return nil, fmt.Errorf("register %s: %w", path, err)
	}
	if err := q.manager.Start(h); err != nil {
		return nil, fmt.Errorf("start %s: %w", path, err)
	}
	return h, nil
}

// release marks paths as no longer running. They stay pending.
func (q *Queue) release(paths ...string) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for _, p := range paths {
		delete(q.running, p)
	}
}

// Wait blocks until every submitted task is terminal or ctx is done.
func (q *Queue) Wait(ctx context.Context) error {
	q.mu.Lock()
	handles := slices.Clone(q.handles)
	q.mu.Unlock()

	for _, h := range handles {
		select {
		case <-q.manager.Done(h):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

// Results returns the records of every submitted task, including tasks the
// manager has since reaped.
func (q *Queue) Results() []workers.Record {
	q.mu.Lock()
	handles := slices.Clone(q.handles)
	q.mu.Unlock()

	out := make([]workers.Record, 0, len(handles))
	for _, h := range handles {
		if rec, ok := q.manager.Get(h); ok {
			out = append(out, rec)
		}
	}
	return out
}

// watch drops a file from the pending list once its import completed or
// failed. Cancelled and force-terminated imports stay pending.
func (q *Queue) watch(h *workers.Handle, path string) {
	<-q.manager.Done(h)
	rec, ok := q.manager.Get(h)

	q.mu.Lock()
	defer q.mu.Unlock()
	delete(q.running, path)
	if !ok {
		slog.Warn("import record lost, kept pending", "path", path)
		return
	}
	if rec.Cancelled || rec.State == workers.StateForceTerminated {
		slog.Info("import interrupted, kept pending", "path", path, "state", rec.State)
		return
	}

	q.pending = slices.DeleteFunc(q.pending, func(p string) bool { return p == path })
	if err := q.persistLocked(); err != nil {
		slog.Warn("persist pending files failed", "error", err)
	}
}

// persistLocked writes the pending list. Caller must hold q.mu.
func (q *Queue) persistLocked() error {
	if len(q.pending) == 0 {
		return q.store.ClearUserData(PendingKey)
	}
	if err := q.store.SetUserData(PendingKey, q.pending); err != nil {
		return fmt.Errorf("persist pending files: %w", err)
	}
	return nil
}
