package events

import (
	"encoding/json"
	"time"
)

// EventPayload is the interface all typed payloads implement.
type EventPayload interface {
	EventType() EventType
}

// =============================================================================
// THREAD MANAGER EVENTS
// =============================================================================

type TaskStateChangedPayload struct {
	TaskID   string `json:"task_id"`
	Name     string `json:"name,omitempty"`
	From     string `json:"from"`
	To       string `json:"to"`
	Error    string `json:"error,omitempty"`
	Degraded bool   `json:"degraded,omitempty"`
}

func (TaskStateChangedPayload) EventType() EventType { return EventTaskStateChanged }

type HeartbeatStalePayload struct {
	TaskID        string        `json:"task_id"`
	Name          string        `json:"name,omitempty"`
	LastHeartbeat time.Time     `json:"last_heartbeat"`
	Silence       time.Duration `json:"silence"`
	Timeout       time.Duration `json:"timeout"`
}

func (HeartbeatStalePayload) EventType() EventType { return EventTaskHeartbeatStale }

type ShutdownSummaryPayload struct {
	Graceful        int           `json:"graceful"`
	Forced          int           `json:"forced"`
	AlreadyTerminal int           `json:"already_terminal"`
	Elapsed         time.Duration `json:"elapsed"`
}

func (ShutdownSummaryPayload) EventType() EventType { return EventShutdownSummary }

// =============================================================================
// APPLICATION STATE / RECOVERY EVENTS
// =============================================================================

type LifecycleChangedPayload struct {
	From string `json:"from"`
	To   string `json:"to"`
}

func (LifecycleChangedPayload) EventType() EventType { return EventLifecycleChanged }

type CrashDetectedPayload struct {
	Status         string        `json:"status"`
	LastHeartbeat  time.Time     `json:"last_heartbeat,omitzero"`
	Gap            time.Duration `json:"gap"`
	LastCheckpoint string        `json:"last_checkpoint,omitempty"`
	Lifecycle      string        `json:"lifecycle,omitempty"`
	CrashCount     int           `json:"crash_count"`
}

func (CrashDetectedPayload) EventType() EventType { return EventCrashDetected }

type RecoveryDecidedPayload struct {
	Choice      string `json:"choice"`
	Recommended string `json:"recommended"`
	SafeMode    bool   `json:"safe_mode"`
	Restored    int    `json:"restored"`
}

func (RecoveryDecidedPayload) EventType() EventType { return EventRecoveryDecided }

// =============================================================================
// BUS EVENTS
// =============================================================================

// CentralQueue is the SubscriberID reported when the bus queue itself is full.
const CentralQueue = -1

type ListenerOverloadedPayload struct {
	SubscriberID int       `json:"subscriber_id"`
	DroppedType  EventType `json:"dropped_type"`
	Dropped      uint64    `json:"dropped"`
}

func (ListenerOverloadedPayload) EventType() EventType { return EventListenerOverloaded }

// =============================================================================
// TYPED EVENT CONSTRUCTORS
// =============================================================================

func NewTypedEvent(source EventSource, payload EventPayload) Event {
	return Event{
		ID:        generateEventID(),
		Type:      payload.EventType(),
		Timestamp: time.Now(),
		Source:    source,
		Payload:   toMap(payload),
	}
}

func NewTypedEventWithSession(source EventSource, payload EventPayload, sessionID string) Event {
	e := NewTypedEvent(source, payload)
	e.SessionID = sessionID
	return e
}

func toMap(v any) map[string]any {
	var result map[string]any
	data, err := json.Marshal(v)
	if err != nil {
		return nil
	}
	if err := json.Unmarshal(data, &result); err != nil {
		return nil
	}
	return result
}

// =============================================================================
// TYPED PAYLOAD EXTRACTORS
// =============================================================================

func ExtractPayload[T EventPayload](e Event) (T, bool) {
	var result T
	if e.Type != result.EventType() {
		return result, false
	}
	data, err := json.Marshal(e.Payload)
	if err != nil {
		return result, false
	}
	if err := json.Unmarshal(data, &result); err != nil {
		return result, false
	}
	return result, true
}

func GetTaskStateChangedPayload(e Event) (TaskStateChangedPayload, bool) {
	return ExtractPayload[TaskStateChangedPayload](e)
}

func GetHeartbeatStalePayload(e Event) (HeartbeatStalePayload, bool) {
	return ExtractPayload[HeartbeatStalePayload](e)
}

func GetShutdownSummaryPayload(e Event) (ShutdownSummaryPayload, bool) {
	return ExtractPayload[ShutdownSummaryPayload](e)
}

func GetCrashDetectedPayload(e Event) (CrashDetectedPayload, bool) {
	return ExtractPayload[CrashDetectedPayload](e)
}

func GetRecoveryDecidedPayload(e Event) (RecoveryDecidedPayload, bool) {
	return ExtractPayload[RecoveryDecidedPayload](e)
}
