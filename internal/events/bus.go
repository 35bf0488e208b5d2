// Package events provides an in-memory event bus using Go channels.
package events

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

var (
	ErrBusClosed = errors.New("event bus is closed")
)

// EventType represents the type of event.
type EventType string

const (
	// Thread manager
	EventTaskStateChanged   EventType = "task.state_changed"
	EventTaskHeartbeatStale EventType = "task.heartbeat_stale"
	EventShutdownSummary    EventType = "shutdown.summary"

	// Application state / recovery
	EventLifecycleChanged EventType = "app.lifecycle_changed"
	EventCrashDetected    EventType = "crash.detected"
	EventRecoveryDecided  EventType = "recovery.decided"

	// Bus health
	EventListenerOverloaded EventType = "listener.overloaded"
)

// EventSource identifies the component that emitted an event.
type EventSource string

const (
	SourceManager    EventSource = "manager"
	SourceStore      EventSource = "store"
	SourceRecovery   EventSource = "recovery"
	SourceSupervisor EventSource = "supervisor"
	SourceBus        EventSource = "bus"
	SourceGateway    EventSource = "gateway"
)

// Event represents an event in the system.
type Event struct {
	ID        string         `json:"id"`
	SessionID string         `json:"session_id,omitempty"`
	Type      EventType      `json:"type"`
	Timestamp time.Time      `json:"timestamp"`
	Source    EventSource    `json:"source"`
	Payload   map[string]any `json:"payload"`
}

// eventIDCounter is used to generate sequential event IDs.
var eventIDCounter uint64

// NewEvent creates a new event with the current timestamp.
func NewEvent(eventType EventType, source EventSource, payload map[string]any) Event {
	return Event{
		ID:        generateEventID(),
		Type:      eventType,
		Timestamp: time.Now(),
		Source:    source,
		Payload:   payload,
	}
}

func generateEventID() string {
	seq := atomic.AddUint64(&eventIDCounter, 1)
	return fmt.Sprintf("%d-%d", time.Now().UnixNano(), seq)
}

// Subscriber is a function that receives events.
type Subscriber func(Event)

// DefaultSubscriberQueue is the per-subscriber queue length used by Subscribe.
const DefaultSubscriberQueue = 256

// subscription delivers events to one handler from its own goroutine,
// so a slow handler never stalls dispatch or reorders events.
type subscription struct {
	id         int
	eventTypes []EventType
	handler    Subscriber
	queue      chan Event
	done       chan struct{}
	closeOnce  sync.Once
	overloaded atomic.Bool
}

func (s *subscription) run() {
	for {
		select {
		case e := <-s.queue:
			s.handler(e)
		case <-s.done:
			return
		}
	}
}

func (s *subscription) stop() {
	s.closeOnce.Do(func() { close(s.done) })
}

// Bus is an in-memory event bus using Go channels.
type Bus struct {
	mu          sync.RWMutex
	subscribers map[int]*subscription
	nextID      int
	eventChan   chan Event
	notices     chan Event // central overload notices, bypass eventChan
	ringBuffer  *RingBuffer
	closed      bool
	done        chan struct{}

	dropped           atomic.Uint64 // central queue full + subscriber queue full
	centralOverloaded atomic.Bool
}

// NewBus creates a new event bus.
func NewBus(bufferSize int) *Bus {
	b := newBus(bufferSize)
	go b.dispatch()
	return b
}

func newBus(bufferSize int) *Bus {
	if bufferSize <= 0 {
		bufferSize = 1
	}
	return &Bus{
		subscribers: make(map[int]*subscription),
		eventChan:   make(chan Event, bufferSize),
		notices:     make(chan Event, 1),
		ringBuffer:  NewRingBuffer(bufferSize),
		done:        make(chan struct{}),
	}
}

func (b *Bus) dispatch() {
	for {
		select {
		case event := <-b.eventChan:
			b.ringBuffer.Add(event)
			b.notifySubscribers(event)
		case event := <-b.notices:
			b.ringBuffer.Add(event)
			b.notifySubscribers(event)
		case <-b.done:
			return
		}
	}
}

func (b *Bus) notifySubscribers(event Event) {
	b.mu.RLock()
	var overloaded []*subscription
	for _, sub := range b.subscribers {
		if !b.matches(sub, event) {
			continue
		}
		select {
		case sub.queue <- event:
			sub.overloaded.Store(false)
		default:
			b.dropped.Add(1)
			if !sub.overloaded.Swap(true) {
				overloaded = append(overloaded, sub)
			}
		}
	}
	b.mu.RUnlock()

	for _, sub := range overloaded {
		slog.Warn("event listener overloaded, dropping events",
			"subscriber", sub.id, "event_type", event.Type)
		// The notice itself is never re-announced, which bounds the feedback loop.
		if event.Type != EventListenerOverloaded {
			b.Publish(NewTypedEvent(SourceBus, ListenerOverloadedPayload{
				SubscriberID: sub.id,
				DroppedType:  event.Type,
				Dropped:      b.dropped.Load(),
			}))
		}
	}
}

func (b *Bus) matches(sub *subscription, event Event) bool {
	if len(sub.eventTypes) == 0 {
		return true
	}
	for _, t := range sub.eventTypes {
		if t == event.Type {
			return true
		}
	}
	return false
}

// Publish sends an event to the bus. It never blocks; when the bus queue is
// full the event is dropped and counted, and the first drop of a streak
// emits a listener.overloaded notice for CentralQueue.
func (b *Bus) Publish(event Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.closed {
		return
	}

	select {
	case b.eventChan <- event:
		b.centralOverloaded.Store(false)
	default:
		b.dropped.Add(1)
		if b.centralOverloaded.Swap(true) {
			return
		}
		slog.Warn("event bus queue full, dropping events", "event_type", event.Type)
		select {
		case b.notices <- NewTypedEvent(SourceBus, ListenerOverloadedPayload{
			SubscriberID: CentralQueue,
			DroppedType:  event.Type,
			Dropped:      b.dropped.Load(),
		}):
		default:
		}
	}
}

// PublishAsync sends an event with context cancellation support.
func (b *Bus) PublishAsync(ctx context.Context, event Event) error {
	b.mu.RLock()
	closed := b.closed
	b.mu.RUnlock()

	if closed {
		return ErrBusClosed
	}

	select {
	case b.eventChan <- event:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-b.done:
		return ErrBusClosed
	}
}

// Subscribe registers a handler for specific event types.
// Returns an unsubscribe function.
func (b *Bus) Subscribe(handler Subscriber, eventTypes ...EventType) func() {
	return b.SubscribeQueue(DefaultSubscriberQueue, handler, eventTypes...)
}

// SubscribeQueue is Subscribe with an explicit per-subscriber queue length.
func (b *Bus) SubscribeQueue(queueLen int, handler Subscriber, eventTypes ...EventType) func() {
	if queueLen <= 0 {
		queueLen = 1
	}

	b.mu.Lock()
	id := b.nextID
	b.nextID++
	sub := &subscription{
		id:         id,
		eventTypes: eventTypes,
		handler:    handler,
		queue:      make(chan Event, queueLen),
		done:       make(chan struct{}),
	}
	b.subscribers[id] = sub
	b.mu.Unlock()

	go sub.run()

	return func() {
		b.mu.Lock()
		delete(b.subscribers, id)
		b.mu.Unlock()
		sub.stop()
	}
}

// SubscribeChan returns a channel that receives events.
func (b *Bus) SubscribeChan(bufSize int, eventTypes ...EventType) (<-chan Event, func()) {
	ch := make(chan Event, bufSize)

	var mu sync.Mutex
	closed := false
	unsubscribe := b.Subscribe(func(e Event) {
		mu.Lock()
		defer mu.Unlock()
		if closed {
			return
		}
		select {
		case ch <- e:
		default:
		}
	}, eventTypes...)

	return ch, func() {
		unsubscribe()
		mu.Lock()
		defer mu.Unlock()
		if !closed {
			closed = true
			close(ch)
		}
	}
}

// Dropped returns how many deliveries were dropped because a queue was full.
func (b *Bus) Dropped() uint64 {
	return b.dropped.Load()
}

// History returns recent events from the ring buffer.
func (b *Bus) History(limit int) []Event {
	return b.ringBuffer.Get(limit)
}

// Close shuts down the event bus.
func (b *Bus) Close() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	close(b.done)
	subs := make([]*subscription, 0, len(b.subscribers))
	for _, sub := range b.subscribers {
		subs = append(subs, sub)
	}
	b.mu.Unlock()

	for _, sub := range subs {
		sub.stop()
	}
}

// RingBuffer is a circular buffer for storing recent events.
type RingBuffer struct {
	mu     sync.RWMutex
	events []Event
	size   int
	pos    int
	count  int
}

// NewRingBuffer creates a new ring buffer.
func NewRingBuffer(size int) *RingBuffer {
	return &RingBuffer{
		events: make([]Event, size),
		size:   size,
	}
}

func (r *RingBuffer) Add(event Event) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.events[r.pos] = event
	r.pos = (r.pos + 1) % r.size
	if r.count < r.size {
		r.count++
	}
}

func (r *RingBuffer) Get(n int) []Event {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if n > r.count {
		n = r.count
	}
	if n <= 0 {
		return nil
	}

	result := make([]Event, n)
	start := (r.pos - n + r.size) % r.size
	for i := 0; i < n; i++ {
		result[i] = r.events[(start+i)%r.size]
	}
	return result
}
