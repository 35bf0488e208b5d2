package workers

import "time"

// State represents the lifecycle state of a task.
type State string

const (
	StateRegistered      State = "registered"
	StateRunning         State = "running"
	StateCancelRequested State = "cancel_requested"
	StateTimedOut        State = "timed_out"
	StateCompleted       State = "completed"
	StateForceTerminated State = "force_terminated"
	StateFailed          State = "failed"
)

// AllStates lists every state in lifecycle order.
var AllStates = []State{
	StateRegistered,
	StateRunning,
	StateCancelRequested,
	StateTimedOut,
	StateCompleted,
	StateForceTerminated,
	StateFailed,
}

// rank orders states; a task only ever moves to a higher rank, so terminal
// states are never left.
func (s State) rank() int {
	switch s {
	case StateRegistered:
		return 0
	case StateRunning:
		return 1
	case StateCancelRequested:
		return 2
	case StateTimedOut:
		return 3
	case StateCompleted, StateForceTerminated, StateFailed:
		return 4
	default:
		return -1
	}
}

// Terminal reports whether s is a final state.
func (s State) Terminal() bool {
	return s.rank() == 4
}

// Active reports whether a task in state s still occupies the manager.
func (s State) Active() bool {
	return s.rank() >= 0 && !s.Terminal()
}

func (s State) canTransitionTo(to State) bool {
	if to.rank() < 0 {
		return false
	}
	return s.rank() < to.rank()
}

// Record is a point-in-time copy of a task's bookkeeping.
type Record struct {
	ID              string        `json:"id"`
	Name            string        `json:"name"`
	State           State         `json:"state"`
	Timeout         time.Duration `json:"timeout"`
	RegisteredAt    time.Time     `json:"registered_at"`
	StartedAt       time.Time     `json:"started_at,omitzero"`
	LastHeartbeatAt time.Time     `json:"last_heartbeat_at,omitzero"`
	TimedOutAt      time.Time     `json:"timed_out_at,omitzero"`
	FinishedAt      time.Time     `json:"finished_at,omitzero"`
	CancelRequested bool          `json:"cancel_requested"`
	Cancelled       bool          `json:"cancelled,omitempty"`      // stopped because cancellation was requested
	TimedOutOnce    bool          `json:"timed_out_once,omitempty"` // passed through timed_out
	Degraded        bool          `json:"degraded,omitempty"`
	CleanupSkipped  bool          `json:"cleanup_skipped,omitempty"`
	Err             string        `json:"error,omitempty"`
}

// Summary is the outcome of ShutdownAll.
type Summary struct {
	Graceful        int           `json:"graceful"`
	Forced          int           `json:"forced"`
	AlreadyTerminal int           `json:"already_terminal"`
	Elapsed         time.Duration `json:"elapsed"`
}

// Stats aggregates the registry.
type Stats struct {
	Total    int           `json:"total"`
	Active   int           `json:"active"`
	Degraded int           `json:"degraded"`
	ByState  map[State]int `json:"by_state"`
}
