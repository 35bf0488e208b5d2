// Package supervisor wires the state store, crash detector, recovery
// controller, heartbeat writer and thread manager of one process, and runs
// their startup and shutdown sequences in order.
package supervisor

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dohr-michael/warden/internal/appstate"
	"github.com/dohr-michael/warden/internal/config"
	"github.com/dohr-michael/warden/internal/events"
	"github.com/dohr-michael/warden/internal/heartbeat"
	"github.com/dohr-michael/warden/internal/recovery"
	"github.com/dohr-michael/warden/internal/storage"
	"github.com/dohr-michael/warden/internal/workers"
)

// ErrAlreadyStarted is returned by a second Startup call.
var ErrAlreadyStarted = errors.New("supervisor already started")

// AskFunc prompts the user after a crash. It receives the report and the
// recommended decision and returns the user's choice.
type AskFunc func(r *recovery.Report, recommended recovery.Decision) (recovery.Choice, error)

// Outcome describes how the current session started.
type Outcome struct {
	Status   recovery.Status
	Report   *recovery.Report // crash_detected only
	Decision recovery.Decision
	Plan     recovery.Plan
	Session  *appstate.Snapshot
	// DetectErr is set when the previous snapshot existed but was unreadable.
	DetectErr error
}

// Options configures a Supervisor.
type Options struct {
	// Bus is shared with the host. When nil the supervisor owns one.
	Bus *events.Bus
	// JournalDir overrides the event journal location (default config.JournalDir()).
	JournalDir string
	// Ask is consulted when the recovery choice is "ask".
	Ask AskFunc
}

// Supervisor owns the per-process instances. There is exactly one store,
// one manager and one bus per process; they are passed explicitly.
type Supervisor struct {
	cfg     *config.Config
	bus     *events.Bus
	ownsBus bool
	ask     AskFunc

	store      *appstate.Store
	manager    *workers.Manager
	detector   *recovery.Detector
	controller *recovery.Controller
	writer     *heartbeat.Writer
	journal    *storage.EventLogger

	mu           sync.Mutex
	started      bool
	outcome      *Outcome
	unsubscribe  func()
	shuttingDown atomic.Bool

	shutdownOnce sync.Once
	summary      workers.Summary
	shutdownErr  error
}

// New builds the components from cfg. Nothing is read or written until Startup.
func New(cfg *config.Config, opts Options) *Supervisor {
	s := &Supervisor{cfg: cfg, bus: opts.Bus, ask: opts.Ask}
	if s.bus == nil {
		s.bus = events.NewBus(cfg.Events.BufferSize)
		s.ownsBus = true
	}

	s.store = appstate.NewStore(cfg.App.DataDir, cfg.App.Name,
		appstate.WithMaxCheckpoints(cfg.State.MaxCheckpoints),
		appstate.WithBus(s.bus),
	)
	s.manager = workers.NewManager(workers.Config{
		DefaultTimeout: cfg.Workers.DefaultTimeout.Duration(),
		GracePeriod:    cfg.Workers.GracePeriod.Duration(),
		PollInterval:   cfg.Workers.PollInterval.Duration(),
	}, s.bus)
	s.detector = recovery.NewDetector(s.store, s.bus)
	s.controller = recovery.NewController(recovery.Policy{
		MaxAttempts: cfg.Recovery.MaxAttempts,
		MaxDataAge:  cfg.Recovery.MaxDataAge.Duration(),
	})
	s.writer = heartbeat.NewWriter(s.store, cfg.State.HeartbeatInterval.Duration())

	if cfg.Events.JournalEnabled() {
		dir := opts.JournalDir
		if dir == "" {
			dir = config.JournalDir()
		}
		s.journal = storage.NewEventLogger(dir, s.bus)
	}
	return s
}

// Bus returns the process event bus.
func (s *Supervisor) Bus() *events.Bus { return s.bus }

// Store returns the application state store.
func (s *Supervisor) Store() *appstate.Store { return s.store }

// Manager returns the thread manager.
func (s *Supervisor) Manager() *workers.Manager { return s.manager }

// Heartbeat returns the heartbeat writer.
func (s *Supervisor) Heartbeat() *heartbeat.Writer { return s.writer }

// Outcome returns the startup outcome, nil before Startup succeeded.
func (s *Supervisor) Outcome() *Outcome {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.outcome
}

// Startup detects a previous crash, applies the recovery decision, begins
// the new session and starts the heartbeat. choice is the configured or
// command-line recovery choice; it only matters after a crash.
func (s *Supervisor) Startup(choice recovery.Choice) (*Outcome, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.started {
		return nil, ErrAlreadyStarted
	}

	res := s.detector.Detect()
	out := &Outcome{Status: res.Status, Report: res.Report, DetectErr: res.Err}

	begin := appstate.BeginOptions{Previous: res.Previous}
	switch res.Status {
	case recovery.StatusCrashDetected:
		recommended := s.controller.Recommend(res.Report)
		out.Decision = s.controller.Decide(res.Report, s.resolveChoice(res.Report, recommended, choice))
		out.Plan = s.controller.Plan(res.Report, out.Decision)

		begin.Crashed = true
		begin.CrashReason = res.Report.Reason()
		begin.Carry = out.Plan.Carry

		slog.Info("recovery decided",
			"decision", out.Decision,
			"recommended", recommended,
			"safe_mode", out.Plan.SafeMode,
			"restored_keys", len(out.Plan.Restore))
		defer s.bus.Publish(events.NewTypedEvent(events.SourceRecovery, events.RecoveryDecidedPayload{
			Choice:      string(out.Decision),
			Recommended: string(recommended),
			SafeMode:    out.Plan.SafeMode,
			Restored:    len(out.Plan.Restore),
		}))
	case recovery.StatusNormalStart:
		begin.Carry = res.Previous.UserData
	}

	snap, err := s.store.Begin(begin)
	if err != nil {
		return nil, fmt.Errorf("begin session: %w", err)
	}
	out.Session = snap

	if s.journal != nil {
		s.journal.SetSession(snap.SessionID)
	}
	s.writer.Start()
	s.unsubscribe = s.bus.Subscribe(s.onTaskStateChanged, events.EventTaskStateChanged)

	if err := s.store.SetLifecycle(s.lifecycleForLoad()); err != nil {
		slog.Warn("record lifecycle failed", "error", err)
	}

	s.started = true
	s.outcome = out
	return out, nil
}

// resolveChoice turns "ask" into a concrete choice through the prompt. A
// missing or failing prompt falls back to the recommendation.
func (s *Supervisor) resolveChoice(r *recovery.Report, recommended recovery.Decision, choice recovery.Choice) recovery.Choice {
	if choice != recovery.ChoiceAsk || s.ask == nil {
		return choice
	}
	answer, err := s.ask(r, recommended)
	if err != nil {
		slog.Warn("recovery prompt failed, using recommendation", "error", err, "recommended", recommended)
		return recovery.ChoiceDefault
	}
	return answer
}

func (s *Supervisor) onTaskStateChanged(events.Event) {
	if s.shuttingDown.Load() {
		return
	}
	if err := s.store.SetLifecycle(s.lifecycleForLoad()); err != nil {
		slog.Warn("record lifecycle failed", "error", err)
	}
}

func (s *Supervisor) lifecycleForLoad() appstate.LifecycleState {
	if s.manager.Active() > 0 {
		return appstate.LifecycleBusy
	}
	return appstate.LifecycleIdle
}

// Checkpoint records a named marker in the current session.
func (s *Supervisor) Checkpoint(name string) error {
	return s.store.Checkpoint(name)
}

// CheckpointWith records a named marker carrying data. The next crash report
// shows the data of the last marker.
func (s *Supervisor) CheckpointWith(name string, data any) error {
	return s.store.CheckpointWith(name, data)
}

// Shutdown runs the graceful shutdown sequence: lifecycle shutting_down,
// cooperative then forced termination of every task, heartbeat stop, and
// finally the clean-shutdown marker. The marker's write error is returned;
// without it the next start reports a crash. Later calls return the first
// result.
func (s *Supervisor) Shutdown(timeout time.Duration) (workers.Summary, error) {
	s.shutdownOnce.Do(func() {
		s.summary, s.shutdownErr = s.shutdown(timeout)
	})
	return s.summary, s.shutdownErr
}

func (s *Supervisor) shutdown(timeout time.Duration) (workers.Summary, error) {
	s.shuttingDown.Store(true)

	s.mu.Lock()
	started := s.started
	unsubscribe := s.unsubscribe
	s.mu.Unlock()

	if started {
		if err := s.store.SetLifecycle(appstate.LifecycleShuttingDown); err != nil {
			slog.Warn("record lifecycle failed", "error", err)
		}
	}

	summary := s.manager.ShutdownAll(timeout)

	s.writer.Stop()
	if unsubscribe != nil {
		unsubscribe()
	}

	var err error
	if started {
		if err = s.store.MarkCleanShutdown(); err != nil {
			slog.Error("clean shutdown not recorded, next start will report a crash", "error", err)
			err = fmt.Errorf("mark clean shutdown: %w", err)
		}
	}

	if s.journal != nil {
		s.journal.Close()
	}
	if s.ownsBus {
		s.bus.Close()
	}
	return summary, err
}
