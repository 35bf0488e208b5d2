package events

import (
	"testing"
	"time"
)

func TestTypedEvent_TaskStateChanged(t *testing.T) {
	payload := TaskStateChangedPayload{TaskID: "abc", Name: "ingest", From: "running", To: "failed", Error: "boom"}
	evt := NewTypedEvent(SourceManager, payload)

	if evt.Type != EventTaskStateChanged {
		t.Fatalf("expected type %q, got %q", EventTaskStateChanged, evt.Type)
	}
	got, ok := GetTaskStateChangedPayload(evt)
	if !ok {
		t.Fatal("ExtractPayload returned false")
	}
	if got != payload {
		t.Fatalf("got %+v, want %+v", got, payload)
	}
}

func TestTypedEvent_HeartbeatStale(t *testing.T) {
	last := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	payload := HeartbeatStalePayload{TaskID: "abc", LastHeartbeat: last, Silence: 90 * time.Second, Timeout: time.Minute}
	evt := NewTypedEvent(SourceManager, payload)

	got, ok := GetHeartbeatStalePayload(evt)
	if !ok {
		t.Fatal("ExtractPayload returned false")
	}
	if !got.LastHeartbeat.Equal(last) {
		t.Errorf("last heartbeat: got %v, want %v", got.LastHeartbeat, last)
	}
	if got.Silence != 90*time.Second || got.Timeout != time.Minute {
		t.Errorf("durations: got %s/%s", got.Silence, got.Timeout)
	}
}

func TestTypedEvent_ShutdownSummary(t *testing.T) {
	evt := NewTypedEvent(SourceManager, ShutdownSummaryPayload{Graceful: 2, Forced: 1, AlreadyTerminal: 4})

	got, ok := GetShutdownSummaryPayload(evt)
	if !ok {
		t.Fatal("ExtractPayload returned false")
	}
	if got.Graceful != 2 || got.Forced != 1 || got.AlreadyTerminal != 4 {
		t.Errorf("got %+v", got)
	}
}

func TestTypedEvent_CrashAndRecovery(t *testing.T) {
	crash := NewTypedEventWithSession(SourceRecovery, CrashDetectedPayload{
		Status:         "dead",
		Gap:            time.Minute,
		LastCheckpoint: "before-import",
		CrashCount:     2,
	}, "sess-1")
	if crash.SessionID != "sess-1" {
		t.Errorf("session id: got %q", crash.SessionID)
	}
	c, ok := GetCrashDetectedPayload(crash)
	if !ok || c.LastCheckpoint != "before-import" || c.CrashCount != 2 {
		t.Errorf("crash payload: got %+v, ok=%v", c, ok)
	}

	decided := NewTypedEvent(SourceRecovery, RecoveryDecidedPayload{Choice: "safe_mode", Recommended: "resume", SafeMode: true})
	d, ok := GetRecoveryDecidedPayload(decided)
	if !ok || !d.SafeMode || d.Choice != "safe_mode" {
		t.Errorf("recovery payload: got %+v, ok=%v", d, ok)
	}
}

func TestExtractPayloadWrongType(t *testing.T) {
	evt := NewTypedEvent(SourceStore, LifecycleChangedPayload{From: "idle", To: "busy"})
	if _, ok := GetTaskStateChangedPayload(evt); ok {
		t.Error("expected extraction to fail for mismatched event type")
	}
}
