// Package heartbeat drives the process liveness signal and classifies a
// recorded heartbeat as alive, stale or stopped.
package heartbeat

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// Status represents the liveness state of an application instance.
type Status string

const (
	StatusAlive   Status = "alive"
	StatusStale   Status = "stale"
	StatusStopped Status = "stopped"
	StatusDead    Status = "dead"
)

// Beater persists one liveness signal. appstate.Store implements it.
type Beater interface {
	Heartbeat() error
}

// Writer calls a Beater on a fixed interval from a background goroutine.
// A failed beat is logged and retried on the next tick.
type Writer struct {
	beater   Beater
	interval time.Duration

	failures atomic.Int64
	beats    atomic.Int64

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

// NewWriter creates a heartbeat writer that beats every interval (default 5s).
func NewWriter(beater Beater, interval time.Duration) *Writer {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	return &Writer{
		beater:   beater,
		interval: interval,
	}
}

// Start begins beating in a background goroutine. The first beat is
// written before Start returns.
func (w *Writer) Start() {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.cancel != nil {
		return // already running
	}

	w.done = make(chan struct{})

	ctx, cancel := context.WithCancel(context.Background())
	w.cancel = cancel

	w.beat()

	go func() {
		defer close(w.done)
		ticker := time.NewTicker(w.interval)
		defer ticker.Stop()

		for {
			select {
			case <-ticker.C:
				w.beat()
			case <-ctx.Done():
				return
			}
		}
	}()
}

// Stop stops the ticker and waits for an in-flight beat to finish.
func (w *Writer) Stop() {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.cancel == nil {
		return
	}

	w.cancel()
	<-w.done
	w.cancel = nil
}

// Failures returns how many beats failed since the writer was created.
func (w *Writer) Failures() int64 {
	return w.failures.Load()
}

// Beats returns how many beats succeeded since the writer was created.
func (w *Writer) Beats() int64 {
	return w.beats.Load()
}

func (w *Writer) beat() {
	if err := w.beater.Heartbeat(); err != nil {
		n := w.failures.Add(1)
		slog.Warn("heartbeat write failed, retrying next interval",
			"error", err, "failures", n, "interval", w.interval)
		return
	}
	w.beats.Add(1)
}

// Classify derives the liveness of an instance from its last recorded
// heartbeat. clean reports whether the instance completed its shutdown.
// A heartbeat older than staleAfter is stale; no heartbeat at all is dead.
func Classify(last time.Time, clean bool, now time.Time, staleAfter time.Duration) Status {
	if clean {
		return StatusStopped
	}
	if last.IsZero() {
		return StatusDead
	}
	if now.Sub(last) > staleAfter {
		return StatusStale
	}
	return StatusAlive
}
