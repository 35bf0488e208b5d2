package storage

import (
	"log/slog"
	"sync"

	"github.com/dohr-michael/warden/internal/events"
	"github.com/dohr-michael/warden/internal/storage/dirstore"
)

const journalFile = "events.jsonl"

// EventLogger persists bus events to JSONL files, one directory per
// application session. Events that carry no session ID are filed under the
// logger's current session, or "_global" before one is set.
type EventLogger struct {
	store       *dirstore.DirStore
	unsubscribe func()

	mu      sync.Mutex
	session string
}

// NewEventLogger creates an EventLogger that subscribes to all bus events
// and writes them as JSONL under dir.
func NewEventLogger(dir string, bus *events.Bus) *EventLogger {
	el := &EventLogger{
		store: dirstore.NewDirStore(dir, "journal"),
	}
	el.unsubscribe = bus.Subscribe(el.handleEvent)
	return el
}

// SetSession routes subsequent session-less events to sessionID.
func (el *EventLogger) SetSession(sessionID string) {
	el.mu.Lock()
	el.session = sessionID
	el.mu.Unlock()
}

// Close unsubscribes the logger from the event bus.
func (el *EventLogger) Close() {
	if el.unsubscribe != nil {
		el.unsubscribe()
	}
}

func (el *EventLogger) handleEvent(e events.Event) {
	if err := el.writeEvent(e); err != nil {
		slog.Warn("journal write failed", "event_type", e.Type, "error", err)
	}
}

func (el *EventLogger) writeEvent(e events.Event) error {
	id := el.sessionFor(e)

	el.store.Lock()
	defer el.store.Unlock()

	if err := el.store.EnsureDir(id); err != nil {
		return err
	}
	return el.store.AppendJSONL(id, journalFile, e)
}

func (el *EventLogger) sessionFor(e events.Event) string {
	if e.SessionID != "" {
		return e.SessionID
	}
	el.mu.Lock()
	defer el.mu.Unlock()
	if el.session == "" {
		return "_global"
	}
	return el.session
}

// LoadJournal returns the events recorded for sessionID, oldest first.
// A session with no journal yields an empty slice.
func LoadJournal(dir, sessionID string) ([]events.Event, error) {
	ds := dirstore.NewDirStore(dir, "journal")
	ds.RLock()
	defer ds.RUnlock()
	return dirstore.LoadJSONL[events.Event](ds, sessionID, journalFile)
}

// Tail returns at most n trailing events from list.
func Tail(list []events.Event, n int) []events.Event {
	if n <= 0 || len(list) <= n {
		return list
	}
	return list[len(list)-n:]
}
