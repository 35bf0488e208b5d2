package events

import (
	"sync"
	"testing"
	"time"
)

func TestBusPublishSubscribe(t *testing.T) {
	bus := NewBus(64)
	defer bus.Close()

	var mu sync.Mutex
	var received []Event

	bus.Subscribe(func(e Event) {
		mu.Lock()
		received = append(received, e)
		mu.Unlock()
	}, EventTaskStateChanged)

	bus.Publish(NewTypedEvent("test", TaskStateChangedPayload{TaskID: "t1", From: "registered", To: "running"}))
	bus.Publish(NewTypedEvent("test", LifecycleChangedPayload{From: "starting", To: "idle"}))

	time.Sleep(50 * time.Millisecond)

	mu.Lock()
	defer mu.Unlock()

	if len(received) != 1 {
		t.Fatalf("expected 1 event, got %d", len(received))
	}
	if received[0].Type != EventTaskStateChanged {
		t.Errorf("expected task.state_changed, got %s", received[0].Type)
	}
}

func TestBusSubscribeAll(t *testing.T) {
	bus := NewBus(64)
	defer bus.Close()

	var mu sync.Mutex
	count := 0

	bus.Subscribe(func(e Event) {
		mu.Lock()
		count++
		mu.Unlock()
	})

	bus.Publish(NewTypedEvent("test", TaskStateChangedPayload{TaskID: "t1"}))
	bus.Publish(NewTypedEvent("test", LifecycleChangedPayload{From: "idle", To: "busy"}))

	time.Sleep(50 * time.Millisecond)

	mu.Lock()
	defer mu.Unlock()

	if count != 2 {
		t.Errorf("expected 2 events, got %d", count)
	}
}

func TestBusPreservesOrderPerSubscriber(t *testing.T) {
	bus := NewBus(256)
	defer bus.Close()

	const n = 100
	done := make(chan struct{})
	var got []string

	bus.Subscribe(func(e Event) {
		p, ok := GetTaskStateChangedPayload(e)
		if !ok {
			return
		}
		got = append(got, p.To)
		if len(got) == n {
			close(done)
		}
	}, EventTaskStateChanged)

	want := make([]string, n)
	for i := range n {
		want[i] = string(rune('a' + i%26))
		bus.Publish(NewTypedEvent("test", TaskStateChangedPayload{TaskID: "t", To: want[i]}))
	}

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatalf("timeout: received %d of %d events", len(got), n)
	}

	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("event %d: got %q, want %q", i, got[i], want[i])
		}
	}
}

func TestBusSlowListenerDoesNotBlockOthers(t *testing.T) {
	bus := NewBus(64)
	defer bus.Close()

	block := make(chan struct{})
	defer close(block)
	bus.SubscribeQueue(1, func(Event) { <-block }, EventTaskStateChanged)

	fast := make(chan Event, 16)
	bus.Subscribe(func(e Event) { fast <- e }, EventTaskStateChanged)

	for range 10 {
		bus.Publish(NewTypedEvent("test", TaskStateChangedPayload{TaskID: "t"}))
	}

	deadline := time.After(time.Second)
	for i := range 10 {
		select {
		case <-fast:
		case <-deadline:
			t.Fatalf("fast listener received only %d events", i)
		}
	}
}

func TestBusOverloadSignalledOnce(t *testing.T) {
	bus := NewBus(64)
	defer bus.Close()

	block := make(chan struct{})
	defer close(block)
	bus.SubscribeQueue(1, func(Event) { <-block }, EventTaskStateChanged)

	notices := make(chan Event, 16)
	bus.Subscribe(func(e Event) { notices <- e }, EventListenerOverloaded)

	for range 10 {
		bus.Publish(NewTypedEvent("test", TaskStateChangedPayload{TaskID: "t"}))
	}

	select {
	case e := <-notices:
		p, ok := ExtractPayload[ListenerOverloadedPayload](e)
		if !ok {
			t.Fatal("expected overload payload")
		}
		if p.DroppedType != EventTaskStateChanged {
			t.Errorf("dropped type: got %s, want %s", p.DroppedType, EventTaskStateChanged)
		}
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for overload notice")
	}

	time.Sleep(50 * time.Millisecond)
	if extra := len(notices); extra != 0 {
		t.Errorf("expected a single overload notice per streak, got %d more", extra)
	}
	if bus.Dropped() == 0 {
		t.Error("expected dropped counter to grow")
	}
}

func TestBusPublishAfterClose(t *testing.T) {
	bus := NewBus(4)
	bus.Close()
	bus.Close()

	bus.Publish(NewTypedEvent("test", TaskStateChangedPayload{TaskID: "t"}))
	if err := bus.PublishAsync(t.Context(), NewTypedEvent("test", TaskStateChangedPayload{})); err != ErrBusClosed {
		t.Errorf("got %v, want ErrBusClosed", err)
	}
}

func TestBusHistory(t *testing.T) {
	bus := NewBus(8)
	defer bus.Close()

	for range 3 {
		bus.Publish(NewTypedEvent("test", LifecycleChangedPayload{From: "idle", To: "busy"}))
	}
	time.Sleep(50 * time.Millisecond)

	if got := len(bus.History(10)); got != 3 {
		t.Errorf("history: got %d, want 3", got)
	}
}

func TestRingBuffer(t *testing.T) {
	rb := NewRingBuffer(3)

	for i := 0; i < 5; i++ {
		rb.Add(NewEvent(EventTaskStateChanged, "test", map[string]any{"i": i}))
	}

	events := rb.Get(10)
	if len(events) != 3 {
		t.Fatalf("expected 3 events, got %d", len(events))
	}
	if events[0].Payload["i"] != 2 || events[2].Payload["i"] != 4 {
		t.Errorf("expected oldest-first window 2..4, got %v..%v", events[0].Payload["i"], events[2].Payload["i"])
	}
}

func TestSubscribeChan(t *testing.T) {
	bus := NewBus(64)
	defer bus.Close()

	ch, unsub := bus.SubscribeChan(8, EventCrashDetected)
	defer unsub()

	bus.Publish(NewTypedEvent("test", CrashDetectedPayload{Status: "dead"}))

	select {
	case e := <-ch:
		if e.Type != EventCrashDetected {
			t.Errorf("expected crash.detected, got %s", e.Type)
		}
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for event")
	}
}

func TestBusCentralQueueOverloadSignalledOnce(t *testing.T) {
	// Dispatch starts late so the central queue fills up.
	bus := newBus(2)
	defer bus.Close()

	notices, unsub := bus.SubscribeChan(8, EventListenerOverloaded)
	defer unsub()

	for range 6 {
		bus.Publish(NewTypedEvent("test", TaskStateChangedPayload{TaskID: "t"}))
	}
	if got := bus.Dropped(); got != 4 {
		t.Fatalf("dropped: got %d, want 4", got)
	}
	go bus.dispatch()

	select {
	case e := <-notices:
		p, ok := ExtractPayload[ListenerOverloadedPayload](e)
		if !ok || p.SubscriberID != CentralQueue || p.DroppedType != EventTaskStateChanged {
			t.Errorf("notice: got %+v", p)
		}
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for central overload notice")
	}

	time.Sleep(50 * time.Millisecond)
	if extra := len(notices); extra != 0 {
		t.Errorf("expected a single notice per streak, got %d more", extra)
	}

	bus.Publish(NewTypedEvent("test", TaskStateChangedPayload{TaskID: "t"}))
	if bus.centralOverloaded.Load() {
		t.Error("a delivered event must end the overload streak")
	}
}
