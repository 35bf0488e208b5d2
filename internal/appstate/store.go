package appstate

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/dohr-michael/warden/internal/events"
	"github.com/dohr-michael/warden/internal/storage/dirstore"
)

const (
	stateFile = "state.json"

	// DefaultMaxCheckpoints bounds the checkpoint history kept in a snapshot.
	DefaultMaxCheckpoints = 64
)

// Store persists one application's snapshot at <baseDir>/<appName>/state.json.
// It is the single writer of that file; every write is an atomic replace.
type Store struct {
	ds             *dirstore.DirStore
	appName        string
	maxCheckpoints int
	now            func() time.Time
	bus            *events.Bus

	mu  sync.Mutex
	cur *Snapshot
}

// Option configures a Store.
type Option func(*Store)

// WithMaxCheckpoints caps the checkpoint history (default 64).
func WithMaxCheckpoints(n int) Option {
	return func(s *Store) {
		if n > 0 {
			s.maxCheckpoints = n
		}
	}
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// WithBus publishes lifecycle changes on bus.
func WithBus(bus *events.Bus) Option {
	return func(s *Store) { s.bus = bus }
}

// NewStore creates a store for appName under baseDir.
func NewStore(baseDir, appName string, opts ...Option) *Store {
	s := &Store{
		ds:             dirstore.NewDirStore(baseDir, "app"),
		appName:        appName,
		maxCheckpoints: DefaultMaxCheckpoints,
		now:            time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// ListApps returns the application names that have a state directory under baseDir.
func ListApps(baseDir string) ([]string, error) {
	return dirstore.NewDirStore(baseDir, "app").ListDirs()
}

// AppName returns the application name.
func (s *Store) AppName() string { return s.appName }

// Path returns the snapshot file path.
func (s *Store) Path() string {
	return s.ds.FilePath(s.appName, stateFile)
}

// Load reads the persisted snapshot without changing the store's current
// session. It returns ErrNotFound on first run and a *PersistenceError when
// the file cannot be read or decoded.
func (s *Store) Load() (*Snapshot, error) {
	s.ds.RLock()
	defer s.ds.RUnlock()

	var snap Snapshot
	if err := s.ds.ReadJSON(s.appName, stateFile, &snap); err != nil {
		if errors.Is(err, dirstore.ErrNotExist) {
			return nil, ErrNotFound
		}
		return nil, &PersistenceError{Op: "load", Path: s.Path(), Err: err}
	}
	return &snap, nil
}

// Save atomically replaces the persisted snapshot; snap becomes the
// store's current one.
func (s *Store) Save(snap *Snapshot) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	c := snap.Clone()
	if err := s.write("save", &c); err != nil {
		return err
	}
	s.cur = &c
	return nil
}

// BeginOptions describes how a new session starts.
type BeginOptions struct {
	// Previous is the snapshot found at startup, nil on first run.
	Previous *Snapshot
	// Crashed marks Previous as a crashed session.
	Crashed bool
	// CrashReason is recorded as LastCrashReason when Crashed.
	CrashReason string
	// Carry is the user data carried into the new session.
	Carry map[string]json.RawMessage
}

// Begin writes the snapshot of a new session: clean_shutdown is false from
// here until MarkCleanShutdown. It overwrites the previous session's crash
// evidence, so crash detection must run before it.
func (s *Store) Begin(opts BeginOptions) (*Snapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now().UTC()
	snap := Snapshot{
		Version:         SchemaVersion,
		AppName:         s.appName,
		SessionID:       uuid.NewString(),
		PID:             os.Getpid(),
		StartedAt:       now,
		LifecycleState:  LifecycleStarting,
		UserData:        make(map[string]json.RawMessage, len(opts.Carry)),
		LastHeartbeatAt: now,
	}
	for k, v := range opts.Carry {
		snap.UserData[k] = compact(v)
	}

	if prev := opts.Previous; prev != nil {
		snap.LastCrashAt = prev.LastCrashAt
		snap.LastCrashReason = prev.LastCrashReason
		if opts.Crashed {
			snap.CrashCount = prev.CrashCount + 1
			snap.LastCrashAt = prev.LastHeartbeatAt
			snap.LastCrashReason = opts.CrashReason
		}
		snap.extra = prev.Clone().extra
	}

	if err := s.write("begin", &snap); err != nil {
		return nil, err
	}
	s.cur = &snap

	slog.Info("session started", "app", s.appName, "session_id", snap.SessionID, "crash_count", snap.CrashCount)
	s.publishLifecycle("", LifecycleStarting)

	c := snap.Clone()
	return &c, nil
}

// Heartbeat updates only LastHeartbeatAt.
func (s *Store) Heartbeat() error {
	return s.update("heartbeat", func(snap *Snapshot) {
		snap.LastHeartbeatAt = s.now().UTC()
	})
}

// Checkpoint appends a named marker and persists it before returning.
func (s *Store) Checkpoint(name string) error {
	return s.CheckpointWith(name, nil)
}

// CheckpointWith appends a named marker carrying data.
func (s *Store) CheckpointWith(name string, data any) error {
	var raw json.RawMessage
	if data != nil {
		b, err := json.Marshal(data)
		if err != nil {
			return fmt.Errorf("marshal checkpoint %s: %w", name, err)
		}
		raw = b
	}
	return s.update("checkpoint", func(snap *Snapshot) {
		snap.Checkpoints = append(snap.Checkpoints, Checkpoint{Name: name, At: s.now().UTC(), Data: raw})
		if over := len(snap.Checkpoints) - s.maxCheckpoints; over > 0 {
			snap.Checkpoints = append([]Checkpoint(nil), snap.Checkpoints[over:]...)
		}
	})
}

// SetLifecycle records the coarse application state.
func (s *Store) SetLifecycle(state LifecycleState) error {
	var from LifecycleState
	changed := false
	err := s.update("lifecycle", func(snap *Snapshot) {
		from = snap.LifecycleState
		changed = from != state
		snap.LifecycleState = state
	})
	if err == nil && changed {
		slog.Debug("lifecycle changed", "app", s.appName, "from", from, "to", state)
		s.publishLifecycle(from, state)
	}
	return err
}

// SetUserData stores a JSON-serializable value for recovery.
func (s *Store) SetUserData(key string, v any) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal user data %s: %w", key, err)
	}
	return s.update("user_data", func(snap *Snapshot) {
		snap.UserData[key] = raw
	})
}

// UserData decodes the value stored under key into out.
func (s *Store) UserData(key string, out any) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.cur == nil {
		return false, ErrNoSession
	}
	raw, ok := s.cur.UserData[key]
	if !ok {
		return false, nil
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return true, fmt.Errorf("unmarshal user data %s: %w", key, err)
	}
	return true, nil
}

// ClearUserData removes key, or all user data when key is empty.
func (s *Store) ClearUserData(key string) error {
	return s.update("user_data", func(snap *Snapshot) {
		if key == "" {
			clear(snap.UserData)
			return
		}
		delete(snap.UserData, key)
	})
}

// Current returns a copy of the in-memory snapshot.
func (s *Store) Current() (Snapshot, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.cur == nil {
		return Snapshot{}, false
	}
	return s.cur.Clone(), true
}

// MarkCleanShutdown is the final step of a graceful shutdown. Its error must
// be surfaced: without this write the next start reports a crash.
func (s *Store) MarkCleanShutdown() error {
	var from LifecycleState
	applied := false
	err := s.update("mark_clean_shutdown", func(snap *Snapshot) {
		applied = true
		from = snap.LifecycleState
		snap.CleanShutdown = true
		snap.LifecycleState = LifecycleTerminated
		snap.LastHeartbeatAt = s.now().UTC()
	})
	if err != nil || !applied {
		return err
	}
	slog.Info("clean shutdown recorded", "app", s.appName)
	s.publishLifecycle(from, LifecycleTerminated)
	return nil
}

// update applies fn to a copy of the current snapshot and commits it only
// once the write succeeded. Once the clean-shutdown marker is written the
// session is closed and updates are dropped.
func (s *Store) update(op string, fn func(*Snapshot)) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.cur == nil {
		return fmt.Errorf("%s: %w", op, ErrNoSession)
	}
	if s.cur.CleanShutdown {
		slog.Debug("session closed, update dropped", "app", s.appName, "op", op)
		return nil
	}
	next := s.cur.Clone()
	fn(&next)
	if err := s.write(op, &next); err != nil {
		return err
	}
	s.cur = &next
	return nil
}

// write persists snap. Caller must hold s.mu.
func (s *Store) write(op string, snap *Snapshot) error {
	s.ds.Lock()
	defer s.ds.Unlock()

	if err := s.ds.EnsureDir(s.appName); err != nil {
		return &PersistenceError{Op: op, Path: s.Path(), Err: err}
	}
	if err := s.ds.WriteJSON(s.appName, stateFile, snap); err != nil {
		return &PersistenceError{Op: op, Path: s.Path(), Err: err}
	}
	return nil
}

func (s *Store) publishLifecycle(from, to LifecycleState) {
	if s.bus == nil {
		return
	}
	s.bus.Publish(events.NewTypedEvent(events.SourceStore, events.LifecycleChangedPayload{
		From: string(from),
		To:   string(to),
	}))
}
