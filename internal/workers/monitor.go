package workers

import (
	"context"
	"log/slog"
	"time"

	"github.com/dohr-michael/warden/internal/events"
)

func (m *Manager) startMonitor() {
	ctx, cancel := context.WithCancel(context.Background())
	m.monitorCancel = cancel
	m.monitorDone = make(chan struct{})

	go func() {
		defer close(m.monitorDone)
		ticker := time.NewTicker(m.cfg.PollInterval)
		defer ticker.Stop()

		for {
			select {
			case <-ticker.C:
				m.checkLiveness(time.Now())
			case <-ctx.Done():
				return
			}
		}
	}()
}

func (m *Manager) stopMonitor() {
	m.monitorCancel()
	<-m.monitorDone
}

// checkLiveness times out tasks whose heartbeat went silent for longer than
// their timeout, and force-terminates timed-out tasks past the grace period.
// Timeout is measured from the last heartbeat, never from task age.
func (m *Manager) checkLiveness(now time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, id := range m.order {
		e := m.entries[id]
		switch e.rec.State {
		case StateRunning, StateCancelRequested:
			last := e.lastHeartbeat()
			if silence := now.Sub(last); silence > e.rec.Timeout {
				m.timeOut(e, now, last, silence)
			}
		case StateTimedOut:
			if now.Sub(e.rec.TimedOutAt) >= m.cfg.GracePeriod {
				m.forceTerminate(e, ErrTimeoutExceeded)
			}
		}
	}
}

// timeOut moves an unresponsive task to timed_out, cancels it and arms the
// grace-period escalation. Caller must hold m.mu.
func (m *Manager) timeOut(e *entry, now, last time.Time, silence time.Duration) {
	if !m.transition(e, StateTimedOut, now) {
		return
	}

	alreadyRequested := e.rec.CancelRequested
	e.rec.CancelRequested = true
	e.cancel(ErrTimeoutExceeded)
	if !alreadyRequested {
		m.notifyCanceler(e)
	}

	slog.Warn("task heartbeat stale",
		"task_id", e.rec.ID, "name", e.rec.Name, "silence", silence, "timeout", e.rec.Timeout)
	if m.bus != nil {
		m.bus.Publish(events.NewTypedEvent(events.SourceManager, events.HeartbeatStalePayload{
			TaskID:        e.rec.ID,
			Name:          e.rec.Name,
			LastHeartbeat: last,
			Silence:       silence,
			Timeout:       e.rec.Timeout,
		}))
	}

	e.escalation = time.AfterFunc(m.cfg.GracePeriod, func() { m.escalate(e) })
}

func (m *Manager) escalate(e *entry) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if e.rec.State == StateTimedOut {
		m.forceTerminate(e, ErrTimeoutExceeded)
	}
}
