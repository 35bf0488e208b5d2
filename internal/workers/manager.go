package workers

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dohr-michael/warden/internal/events"
)

var closedCh = func() chan struct{} {
	ch := make(chan struct{})
	close(ch)
	return ch
}()

// Config holds the manager timings. Zero values take the defaults.
type Config struct {
	DefaultTimeout time.Duration // max heartbeat silence (default 30s)
	GracePeriod    time.Duration // timed_out → force_terminated (default 5s)
	PollInterval   time.Duration // liveness monitor cadence (default 1s)
}

func (c *Config) applyDefaults() {
	if c.DefaultTimeout <= 0 {
		c.DefaultTimeout = 30 * time.Second
	}
	if c.GracePeriod <= 0 {
		c.GracePeriod = 5 * time.Second
	}
	if c.PollInterval <= 0 {
		c.PollInterval = time.Second
	}
}

// entry is the manager-owned state of one task. rec is guarded by Manager.mu;
// lastBeat and cleanupClaimed are touched from task goroutines.
type entry struct {
	rec    Record
	task   Task
	ctx    context.Context
	cancel context.CancelCauseFunc
	done   chan struct{} // closed on reaching a terminal state

	lastBeat       atomic.Int64 // unix nanos
	cleanupClaimed atomic.Bool
	escalation     *time.Timer
	final          atomic.Pointer[Record] // set before done is closed
}

func (e *entry) heartbeat() {
	e.lastBeat.Store(time.Now().UnixNano())
}

func (e *entry) lastHeartbeat() time.Time {
	return time.Unix(0, e.lastBeat.Load())
}

func (e *entry) snapshot() Record {
	r := e.rec
	if n := e.lastBeat.Load(); n > 0 {
		r.LastHeartbeatAt = time.Unix(0, n)
	}
	return r
}

// safeRun executes Run, turning a panic into an error.
func (e *entry) safeRun() (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = &panicError{value: r}
		}
	}()
	return e.task.Run(e.ctx, e.heartbeat)
}

// runCleanup runs Cleanup unless it was already claimed, either by an
// earlier exit path or by forced termination.
func (e *entry) runCleanup() (ran bool, err error) {
	if !e.cleanupClaimed.CompareAndSwap(false, true) {
		return false, nil
	}
	defer func() {
		if r := recover(); r != nil {
			err = &panicError{value: r}
		}
	}()
	return true, e.task.Cleanup()
}

type panicError struct {
	value any
}

func (p *panicError) Error() string {
	return fmt.Sprintf("panic: %v", p.value)
}

// Manager owns the task registry. All registry access goes through its
// methods, which serialize internally.
type Manager struct {
	cfg Config
	bus *events.Bus

	mu      sync.Mutex
	entries map[string]*entry
	byName  map[string]string // name → id of the latest holder
	order   []string          // registration order
	closed  bool

	monitorCancel context.CancelFunc
	monitorDone   chan struct{}

	shutdownOnce sync.Once
	summary      Summary
}

// NewManager creates a manager and starts its liveness monitor.
// bus may be nil.
func NewManager(cfg Config, bus *events.Bus) *Manager {
	cfg.applyDefaults()
	m := &Manager{
		cfg:     cfg,
		bus:     bus,
		entries: make(map[string]*entry),
		byName:  make(map[string]string),
	}
	m.startMonitor()
	return m
}

// Config returns the effective configuration.
func (m *Manager) Config() Config {
	return m.cfg
}

// Register adds a task under name. A terminal task holding the same name is
// reaped first; a non-terminal one yields a *DuplicateNameError. A timeout
// of zero uses the configured default.
func (m *Manager) Register(task Task, name string, timeout time.Duration) (*Handle, error) {
	if task == nil {
		return nil, errors.New("register task: nil task")
	}
	if timeout <= 0 {
		timeout = m.cfg.DefaultTimeout
	}
	id := GenerateTaskID()
	if name == "" {
		name = id
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return nil, ErrManagerClosed
	}

	if holderID, ok := m.byName[name]; ok {
		if holder := m.entries[holderID]; holder != nil && !holder.rec.State.Terminal() {
			return nil, &DuplicateNameError{Name: name, TaskID: holderID}
		}
		m.reap(holderID)
	}

	ctx, cancel := context.WithCancelCause(context.Background())
	e := &entry{
		rec: Record{
			ID:           id,
			Name:         name,
			State:        StateRegistered,
			Timeout:      timeout,
			RegisteredAt: time.Now(),
		},
		task:   task,
		ctx:    ctx,
		cancel: cancel,
		done:   make(chan struct{}),
	}
	m.entries[id] = e
	m.byName[name] = id
	m.order = append(m.order, id)

	m.publishState(e, "", StateRegistered)
	slog.Debug("task registered", "task_id", id, "name", name, "timeout", timeout)

	return &Handle{id: id, name: name, e: e}, nil
}

// Start moves a registered task to running and launches Run on its own
// goroutine.
func (m *Manager) Start(h *Handle) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	e := m.lookup(h)
	if e == nil {
		return &InvalidStateError{Op: "start", TaskID: handleID(h)}
	}
	if e.rec.State != StateRegistered {
		return &InvalidStateError{Op: "start", TaskID: e.rec.ID, State: e.rec.State}
	}

	now := time.Now()
	e.rec.StartedAt = now
	e.lastBeat.Store(now.UnixNano())
	m.transition(e, StateRunning, now)

	go m.run(e)
	return nil
}

// RequestCancel asks a task to stop. It is idempotent, never blocks and is a
// no-op on terminal tasks. A task that was never started is finalized
// without running; its Cleanup still executes.
func (m *Manager) RequestCancel(h *Handle) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	e := m.lookup(h)
	if e == nil {
		return &InvalidStateError{Op: "cancel", TaskID: handleID(h)}
	}
	m.requestCancel(e, ErrCancelRequested)
	return nil
}

// Done returns a channel closed when the task reaches a terminal state. It
// stays closed after the task is reaped, and is closed for an unknown handle.
func (m *Manager) Done(h *Handle) <-chan struct{} {
	m.mu.Lock()
	defer m.mu.Unlock()

	if e := m.lookup(h); e != nil {
		return e.done
	}
	if h != nil && h.e != nil {
		return h.e.done
	}
	return closedCh
}

// Get returns a copy of the task's record. A reaped task still answers with
// its final record through the handle Register returned.
func (m *Manager) Get(h *Handle) (Record, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if e := m.lookup(h); e != nil {
		return e.snapshot(), true
	}
	if h != nil && h.e != nil {
		if r := h.e.final.Load(); r != nil {
			return *r, true
		}
	}
	return Record{}, false
}

// GetByID returns a copy of the record for a task ID.
func (m *Manager) GetByID(id string) (Record, bool) {
	return m.Get(&Handle{id: id})
}

// HandleByID returns a handle for a registered task ID.
func (m *Manager) HandleByID(id string) (*Handle, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.entries[id]
	if !ok {
		return nil, false
	}
	return &Handle{id: id, name: e.rec.Name, e: e}, true
}

// List returns copies of all records in registration order.
func (m *Manager) List() []Record {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]Record, 0, len(m.order))
	for _, id := range m.order {
		out = append(out, m.entries[id].snapshot())
	}
	return out
}

// Active returns the number of non-terminal tasks.
func (m *Manager) Active() int {
	m.mu.Lock()
	defer m.mu.Unlock()

	n := 0
	for _, e := range m.entries {
		if e.rec.State.Active() {
			n++
		}
	}
	return n
}

// Stats aggregates the registry by state.
func (m *Manager) Stats() Stats {
	m.mu.Lock()
	defer m.mu.Unlock()

	s := Stats{ByState: make(map[State]int, len(AllStates))}
	for _, e := range m.entries {
		s.Total++
		s.ByState[e.rec.State]++
		if e.rec.State.Active() {
			s.Active++
		}
		if e.rec.Degraded {
			s.Degraded++
		}
	}
	return s
}

// Sweep removes terminal tasks from the registry and returns how many were
// reaped. Their handles become unknown.
func (m *Manager) Sweep() int {
	m.mu.Lock()
	defer m.mu.Unlock()

	var reaped []string
	for _, id := range m.order {
		if m.entries[id].rec.State.Terminal() {
			reaped = append(reaped, id)
		}
	}
	for _, id := range reaped {
		m.reap(id)
	}
	if len(reaped) > 0 {
		slog.Debug("registry swept", "reaped", len(reaped))
	}
	return len(reaped)
}

// run is the task goroutine.
func (m *Manager) run(e *entry) {
	runErr := e.safeRun()
	_, cleanupErr := e.runCleanup()
	m.finish(e, runErr, cleanupErr)
}

// finishUnstarted finalizes a task cancelled before Start.
func (m *Manager) finishUnstarted(e *entry) {
	_, cleanupErr := e.runCleanup()
	m.finish(e, nil, cleanupErr)
}

func (m *Manager) finish(e *entry, runErr, cleanupErr error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if e.rec.State.Terminal() {
		slog.Warn("force-terminated task returned late",
			"task_id", e.rec.ID, "name", e.rec.Name, "error", runErr)
		return
	}

	to := StateCompleted
	switch {
	case runErr == nil:
	case e.rec.CancelRequested && isCancellation(runErr):
	default:
		to = StateFailed
		e.rec.Err = runErr.Error()
		slog.Error("task failed", "task_id", e.rec.ID, "name", e.rec.Name, "error", runErr)
	}
	e.rec.Cancelled = to == StateCompleted && e.rec.CancelRequested

	if cleanupErr != nil {
		slog.Warn("task cleanup failed", "task_id", e.rec.ID, "name", e.rec.Name, "error", cleanupErr)
		if e.rec.Err != "" {
			e.rec.Err += "; "
		}
		e.rec.Err += "cleanup: " + cleanupErr.Error()
	}

	m.transition(e, to, time.Now())
}

// requestCancel marks the task cancelled with cause. Caller must hold m.mu.
func (m *Manager) requestCancel(e *entry, cause error) {
	if e.rec.State.Terminal() || e.rec.CancelRequested {
		return
	}
	e.rec.CancelRequested = true
	e.cancel(cause)

	now := time.Now()
	switch e.rec.State {
	case StateRegistered:
		m.transition(e, StateCancelRequested, now)
		go m.finishUnstarted(e)
	case StateRunning:
		m.transition(e, StateCancelRequested, now)
		m.notifyCanceler(e)
	default:
		m.notifyCanceler(e)
	}
	slog.Debug("task cancellation requested", "task_id", e.rec.ID, "name", e.rec.Name, "cause", cause)
}

func (m *Manager) notifyCanceler(e *entry) {
	c, ok := e.task.(Canceler)
	if !ok {
		return
	}
	id := e.rec.ID
	go func() {
		defer func() {
			if r := recover(); r != nil {
				slog.Error("task cancel hook panicked", "task_id", id, "panic", r)
			}
		}()
		c.Cancel()
	}()
}

// forceTerminate abandons a non-terminal task. Go cannot stop a goroutine,
// so the task context is cancelled, the goroutine is detached and Cleanup is
// bypassed if it has not started. Caller must hold m.mu.
func (m *Manager) forceTerminate(e *entry, reason error) bool {
	if e.rec.State.Terminal() {
		return false
	}
	e.cancel(reason)

	skipped := e.cleanupClaimed.CompareAndSwap(false, true)
	ferr := &ForcedTerminationError{TaskID: e.rec.ID, Reason: reason, CleanupSkipped: skipped}
	e.rec.Degraded = true
	e.rec.CleanupSkipped = skipped
	e.rec.Err = ferr.Error()

	m.transition(e, StateForceTerminated, time.Now())
	slog.Warn("task force-terminated",
		"task_id", e.rec.ID, "name", e.rec.Name, "reason", reason, "cleanup_skipped", skipped)
	return true
}

// transition applies a forward state change and publishes it. Caller must
// hold m.mu, which keeps per-task events in transition order.
func (m *Manager) transition(e *entry, to State, now time.Time) bool {
	from := e.rec.State
	if !from.canTransitionTo(to) {
		return false
	}
	e.rec.State = to

	switch {
	case to == StateTimedOut:
		e.rec.TimedOutAt = now
		e.rec.TimedOutOnce = true
	case to.Terminal():
		e.rec.FinishedAt = now
		if e.escalation != nil {
			e.escalation.Stop()
		}
		e.cancel(nil)
		final := e.snapshot()
		e.final.Store(&final)
		close(e.done)
	}

	m.publishState(e, from, to)
	return true
}

func (m *Manager) publishState(e *entry, from, to State) {
	if m.bus == nil {
		return
	}
	m.bus.Publish(events.NewTypedEvent(events.SourceManager, events.TaskStateChangedPayload{
		TaskID:   e.rec.ID,
		Name:     e.rec.Name,
		From:     string(from),
		To:       string(to),
		Error:    e.rec.Err,
		Degraded: e.rec.Degraded,
	}))
}

// lookup resolves a handle. Caller must hold m.mu.
func (m *Manager) lookup(h *Handle) *entry {
	if h == nil {
		return nil
	}
	return m.entries[h.id]
}

// reap drops a record. Caller must hold m.mu.
func (m *Manager) reap(id string) {
	e, ok := m.entries[id]
	if !ok {
		return
	}
	delete(m.entries, id)
	if m.byName[e.rec.Name] == id {
		delete(m.byName, e.rec.Name)
	}
	for i, oid := range m.order {
		if oid == id {
			m.order = append(m.order[:i], m.order[i+1:]...)
			break
		}
	}
}

func handleID(h *Handle) string {
	if h == nil {
		return "<nil>"
	}
	return h.id
}
