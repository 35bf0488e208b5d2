package scheduler

import (
	"fmt"

	"github.com/dohr-michael/warden/internal/events"
)

// EventTrigger selects the bus events that fire a job.
type EventTrigger struct {
	Event  events.EventType  `json:"event"`
	Filter map[string]string `json:"filter,omitempty"`
}

// MatchEvent returns true if the event matches the given trigger. Every
// filter key must be present in the payload with the same printed value.
func MatchEvent(e events.Event, trigger *EventTrigger) bool {
	if trigger == nil {
		return false
	}

	if e.Type != trigger.Event {
		return false
	}

	for key, expected := range trigger.Filter {
		val, ok := e.Payload[key]
		if !ok {
			return false
		}
		if fmt.Sprint(val) != expected {
			return false
		}
	}

	return true
}
