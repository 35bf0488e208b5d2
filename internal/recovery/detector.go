// Package recovery classifies the previous session at startup and turns a
// crash into a resume, safe-mode or discard decision.
package recovery

import (
	"errors"
	"log/slog"
	"time"

	"github.com/dohr-michael/warden/internal/appstate"
	"github.com/dohr-michael/warden/internal/events"
)

// Status is the startup classification of the previous session.
type Status string

const (
	StatusUnknown       Status = "unknown" // no prior snapshot, or it could not be read
	StatusNormalStart   Status = "normal_start"
	StatusCrashDetected Status = "crash_detected"
)

// Result is the outcome of Detect.
type Result struct {
	Status Status
	// Previous is the snapshot found at startup, nil when Status is unknown.
	Previous *appstate.Snapshot
	// Report is set only for crash_detected.
	Report *Report
	// Err carries the persistence failure that forced an unknown status.
	Err error
}

// Loader reads the last persisted snapshot. appstate.Store implements it.
type Loader interface {
	Load() (*appstate.Snapshot, error)
}

// Detector inspects the persisted snapshot once at startup. It must run
// before the store begins a new session, which overwrites the evidence.
type Detector struct {
	loader Loader
	bus    *events.Bus
}

// NewDetector creates a detector. bus may be nil.
func NewDetector(loader Loader, bus *events.Bus) *Detector {
	return &Detector{loader: loader, bus: bus}
}

// Detect classifies the previous session as of now.
func (d *Detector) Detect() Result {
	return d.DetectAt(time.Now())
}

// DetectAt classifies the previous session as of now.
func (d *Detector) DetectAt(now time.Time) Result {
	snap, err := d.loader.Load()
	switch {
	case errors.Is(err, appstate.ErrNotFound):
		slog.Debug("no previous session")
		return Result{Status: StatusUnknown}
	case err != nil:
		slog.Error("previous session unreadable, skipping crash detection", "error", err)
		return Result{Status: StatusUnknown, Err: err}
	case snap.CleanShutdown:
		return Result{Status: StatusNormalStart, Previous: snap}
	}

	report := newReport(snap, now)
	slog.Warn("crash detected",
		"app", report.AppName,
		"session_id", report.SessionID,
		"last_checkpoint", report.LastCheckpoint,
		"heartbeat_gap", report.HeartbeatGap,
		"crash_count", report.CrashCount)

	if d.bus != nil {
		d.bus.Publish(events.NewTypedEventWithSession(events.SourceRecovery, events.CrashDetectedPayload{
			Status:         string(StatusCrashDetected),
			LastHeartbeat:  report.LastHeartbeatAt,
			Gap:            report.HeartbeatGap,
			LastCheckpoint: report.LastCheckpoint,
			Lifecycle:      string(report.Lifecycle),
			CrashCount:     report.CrashCount,
		}, report.SessionID))
	}

	return Result{Status: StatusCrashDetected, Previous: snap, Report: report}
}
