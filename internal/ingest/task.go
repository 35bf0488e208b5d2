package ingest

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"github.com/dohr-michael/warden/internal/workers"
)

// DefaultBatchSize is the number of lines inserted per transaction.
const DefaultBatchSize = 500

// Checkpointer records crash-localization markers. appstate.Store implements it.
type Checkpointer interface {
	Checkpoint(name string) error
}

// Progress is reported after each committed batch.
type Progress struct {
	Path      string
	Lines     int64
	BytesRead int64
	Size      int64
}

// FileTask imports one file. It heartbeats after every batch, checks its
// context between batches and closes the file on Cancel to unblock a read.
type FileTask struct {
	path       string
	db         *DB
	batchSize  int
	cp         Checkpointer
	onProgress func(Progress)

	mu     sync.Mutex
	f      *os.File
	fileID int64
}

// TaskOption configures a FileTask.
type TaskOption func(*FileTask)

// WithBatchSize sets the lines per transaction.
func WithBatchSize(n int) TaskOption {
	return func(t *FileTask) {
		if n > 0 {
			t.batchSize = n
		}
	}
}

// WithCheckpoints writes before-import/after-import markers around the file.
func WithCheckpoints(cp Checkpointer) TaskOption {
	return func(t *FileTask) { t.cp = cp }
}

// WithProgress registers a progress callback. It runs on the task goroutine.
func WithProgress(fn func(Progress)) TaskOption {
	return func(t *FileTask) { t.onProgress = fn }
}

var (
	_ workers.Task     = (*FileTask)(nil)
	_ workers.Canceler = (*FileTask)(nil)
)

// NewFileTask creates an import task for path.
func NewFileTask(path string, db *DB, opts ...TaskOption) *FileTask {
	t := &FileTask{path: path, db: db, batchSize: DefaultBatchSize}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// Path returns the imported file path.
func (t *FileTask) Path() string { return t.path }

// FileID returns the database id of the import, 0 before it began.
func (t *FileTask) FileID() int64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.fileID
}

// Run implements workers.Task.
func (t *FileTask) Run(ctx context.Context, hb workers.Heartbeat) error {
	base := filepath.Base(t.path)
	if err := t.checkpoint("before-import:" + base); err != nil {
		return err
	}

	f, err := os.Open(t.path)
	if err != nil {
		return fmt.Errorf("open %s: %w", t.path, err)
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return fmt.Errorf("stat %s: %w", t.path, err)
	}

	fileID, err := t.db.BeginFile(ctx, t.path, info.Size())
	if err != nil {
		f.Close()
		return err
	}
	t.mu.Lock()
	t.f = f
	t.fileID = fileID
	t.mu.Unlock()

	lines, err := t.copyLines(ctx, hb, f, fileID, info.Size())

	// Record the outcome even when ctx is already cancelled.
	final := context.WithoutCancel(ctx)
	switch {
	case ctx.Err() != nil:
		if ferr := t.db.FinishFile(final, fileID, FileCancelled, context.Cause(ctx).Error()); ferr != nil {
			slog.Warn("record cancelled import failed", "path", t.path, "error", ferr)
		}
		slog.Info("import cancelled", "path", t.path, "lines", lines)
		return fmt.Errorf("import %s: %w", base, ctx.Err())
	case err != nil:
		if ferr := t.db.FinishFile(final, fileID, FileFailed, err.Error()); ferr != nil {
			slog.Warn("record failed import failed", "path", t.path, "error", ferr)
		}
		return err
	}

	if err := t.db.FinishFile(final, fileID, FileComplete, ""); err != nil {
		return err
	}
	slog.Info("import complete", "path", t.path, "lines", lines)
	return t.checkpoint("after-import:" + base)
}

func (t *FileTask) copyLines(ctx context.Context, hb workers.Heartbeat, f *os.File, fileID, size int64) (int64, error) {
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	var (
		batch = make([]Line, 0, t.batchSize)
		total int64
		read  int64
		n     int
	)
	flush := func() error {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := t.db.InsertBatch(ctx, fileID, batch); err != nil {
			return err
		}
		total += int64(len(batch))
		batch = batch[:0]
		hb()
		if t.onProgress != nil {
			t.onProgress(Progress{Path: t.path, Lines: total, BytesRead: read, Size: size})
		}
		return nil
	}

	for sc.Scan() {
		n++
		read += int64(len(sc.Bytes())) + 1
		batch = append(batch, Line{Number: n, Content: sc.Text()})
		if len(batch) >= t.batchSize {
			if err := flush(); err != nil {
				return total, err
			}
		}
	}
	if err := sc.Err(); err != nil {
		if ctx.Err() != nil {
			return total, ctx.Err()
		}
		return total, fmt.Errorf("read %s: %w", t.path, err)
	}
	return total, flush()
}

func (t *FileTask) checkpoint(name string) error {
	if t.cp == nil {
		return nil
	}
	if err := t.cp.Checkpoint(name); err != nil {
		return fmt.Errorf("checkpoint %s: %w", name, err)
	}
	return nil
}

// Cancel implements workers.Canceler: closing the file fails a blocked read.
func (t *FileTask) Cancel() {
	t.closeFile()
}

// Cleanup implements workers.Task.
func (t *FileTask) Cleanup() error {
	return t.closeFile()
}

func (t *FileTask) closeFile() error {
	t.mu.Lock()
	f := t.f
	t.f = nil
	t.mu.Unlock()

	if f == nil {
		return nil
	}
	if err := f.Close(); err != nil && !errors.Is(err, os.ErrClosed) {
		return fmt.Errorf("close %s: %w", t.path, err)
	}
	return nil
}
