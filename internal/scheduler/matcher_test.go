package scheduler

import (
	"testing"
	"time"

	"github.com/dohr-michael/warden/internal/events"
)

func makeEvent(eventType events.EventType, payload map[string]any) events.Event {
	return events.Event{
		ID:        "test-1",
		Type:      eventType,
		Timestamp: time.Now(),
		Source:    events.SourceManager,
		Payload:   payload,
	}
}

func TestMatchEvent_BasicMatch(t *testing.T) {
	trigger := &EventTrigger{Event: events.EventShutdownSummary}
	e := makeEvent(events.EventShutdownSummary, nil)

	if !MatchEvent(e, trigger) {
		t.Fatal("expected match for matching event type")
	}
}

func TestMatchEvent_TypeMismatch(t *testing.T) {
	trigger := &EventTrigger{Event: events.EventShutdownSummary}
	e := makeEvent(events.EventTaskStateChanged, nil)

	if MatchEvent(e, trigger) {
		t.Fatal("expected no match for different event type")
	}
}

func TestMatchEvent_NilTrigger(t *testing.T) {
	e := makeEvent(events.EventShutdownSummary, nil)

	if MatchEvent(e, nil) {
		t.Fatal("expected no match for nil trigger")
	}
}

func TestMatchEvent_FilterMatch(t *testing.T) {
	trigger := &EventTrigger{
		Event:  events.EventTaskStateChanged,
		Filter: map[string]string{"to": "force_terminated"},
	}
	e := makeEvent(events.EventTaskStateChanged, map[string]any{
		"task_id": "task_0a1b2c3d",
		"to":      "force_terminated",
	})

	if !MatchEvent(e, trigger) {
		t.Fatal("expected match when filter matches payload")
	}
}

func TestMatchEvent_FilterNonString(t *testing.T) {
	trigger := &EventTrigger{
		Event:  events.EventTaskStateChanged,
		Filter: map[string]string{"degraded": "true"},
	}
	e := makeEvent(events.EventTaskStateChanged, map[string]any{"degraded": true})

	if !MatchEvent(e, trigger) {
		t.Fatal("expected match on printed bool value")
	}
}

func TestMatchEvent_FilterMismatch(t *testing.T) {
	trigger := &EventTrigger{
		Event:  events.EventTaskStateChanged,
		Filter: map[string]string{"to": "force_terminated"},
	}
	e := makeEvent(events.EventTaskStateChanged, map[string]any{"to": "completed"})

	if MatchEvent(e, trigger) {
		t.Fatal("expected no match when filter value differs")
	}
}

func TestMatchEvent_FilterMissingKey(t *testing.T) {
	trigger := &EventTrigger{
		Event:  events.EventTaskStateChanged,
		Filter: map[string]string{"to": "force_terminated"},
	}
	e := makeEvent(events.EventTaskStateChanged, map[string]any{})

	if MatchEvent(e, trigger) {
		t.Fatal("expected no match when filter key is missing from payload")
	}
}
