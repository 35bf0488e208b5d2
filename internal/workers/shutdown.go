package workers

import (
	"log/slog"
	"time"

	"github.com/dohr-michael/warden/internal/events"
)

// ShutdownAll requests cancellation of every non-terminal task, waits up to
// timeout for them to stop, then force-terminates the rest and stops the
// monitor. It never blocks past timeout plus bookkeeping. Later and
// concurrent calls return the first summary without touching any record.
func (m *Manager) ShutdownAll(timeout time.Duration) Summary {
	m.shutdownOnce.Do(func() {
		m.summary = m.shutdown(timeout)
	})
	return m.summary
}

func (m *Manager) shutdown(timeout time.Duration) Summary {
	start := time.Now()
	var sum Summary

	m.mu.Lock()
	m.closed = true
	var pending []*entry
	for _, id := range m.order {
		e := m.entries[id]
		if e.rec.State.Terminal() {
			sum.AlreadyTerminal++
			continue
		}
		pending = append(pending, e)
		m.requestCancel(e, ErrShutdown)
	}
	m.mu.Unlock()

	slog.Info("shutting down tasks", "pending", len(pending), "timeout", timeout)

	deadline := time.NewTimer(timeout)
	defer deadline.Stop()
wait:
	for _, e := range pending {
		select {
		case <-e.done:
		case <-deadline.C:
			break wait
		}
	}

	m.mu.Lock()
	for _, e := range pending {
		m.forceTerminate(e, ErrShutdown)
		if e.rec.State == StateForceTerminated {
			sum.Forced++
		} else {
			sum.Graceful++
		}
	}
	m.mu.Unlock()

	m.stopMonitor()

	sum.Elapsed = time.Since(start)
	slog.Info("task shutdown complete",
		"graceful", sum.Graceful, "forced", sum.Forced,
		"already_terminal", sum.AlreadyTerminal, "elapsed", sum.Elapsed)

	if m.bus != nil {
		m.bus.Publish(events.NewTypedEvent(events.SourceManager, events.ShutdownSummaryPayload{
			Graceful:        sum.Graceful,
			Forced:          sum.Forced,
			AlreadyTerminal: sum.AlreadyTerminal,
			Elapsed:         sum.Elapsed,
		}))
	}
	return sum
}
