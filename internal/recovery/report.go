package recovery

import (
	"encoding/json"
	"fmt"
	"os"
	"runtime"
	"slices"
	"strings"
	"time"

	"github.com/dohr-michael/warden/internal/appstate"
)

// Report describes a crashed session. It is derived from the snapshot found
// at startup and never persisted.
type Report struct {
	AppName            string                     `json:"app_name" yaml:"app_name"`
	SessionID          string                     `json:"session_id" yaml:"session_id"`
	PID                int                        `json:"pid" yaml:"pid"`
	StartedAt          time.Time                  `json:"started_at" yaml:"started_at"`
	Lifecycle          appstate.LifecycleState    `json:"lifecycle" yaml:"lifecycle"`
	LastCheckpoint     string                     `json:"last_checkpoint,omitempty" yaml:"last_checkpoint,omitempty"`
	LastCheckpointAt   time.Time                  `json:"last_checkpoint_at,omitzero" yaml:"last_checkpoint_at,omitempty"`
	LastCheckpointData json.RawMessage            `json:"last_checkpoint_data,omitempty" yaml:"-"`
	PreviousCheckpoint string                     `json:"previous_checkpoint,omitempty" yaml:"previous_checkpoint,omitempty"`
	LastHeartbeatAt    time.Time                  `json:"last_heartbeat_at" yaml:"last_heartbeat_at"`
	HeartbeatGap       time.Duration              `json:"heartbeat_gap" yaml:"heartbeat_gap"`
	UserData           map[string]json.RawMessage `json:"user_data,omitempty" yaml:"-"`
	CrashCount         int                        `json:"crash_count" yaml:"crash_count"` // consecutive, including this one
	DetectedAt         time.Time                  `json:"detected_at" yaml:"detected_at"`
}

func newReport(snap *appstate.Snapshot, now time.Time) *Report {
	r := &Report{
		AppName:         snap.AppName,
		SessionID:       snap.SessionID,
		PID:             snap.PID,
		StartedAt:       snap.StartedAt,
		Lifecycle:       snap.LifecycleState,
		LastHeartbeatAt: snap.LastHeartbeatAt,
		UserData:        snap.Clone().UserData,
		CrashCount:      snap.CrashCount + 1,
		DetectedAt:      now,
	}
	if !snap.LastHeartbeatAt.IsZero() {
		r.HeartbeatGap = now.Sub(snap.LastHeartbeatAt)
	}
	if cp, ok := snap.LastCheckpoint(); ok {
		r.LastCheckpoint = cp.Name
		r.LastCheckpointAt = cp.At
		r.LastCheckpointData = slices.Clone(cp.Data)
	}
	if cp, ok := snap.PreviousCheckpoint(); ok {
		r.PreviousCheckpoint = cp.Name
	}
	return r
}

// HasUserData reports whether the crashed session left recoverable data.
func (r *Report) HasUserData() bool {
	return len(r.UserData) > 0
}

// UserDataKeys returns the recoverable data keys, sorted.
func (r *Report) UserDataKeys() []string {
	keys := make([]string, 0, len(r.UserData))
	for k := range r.UserData {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	return keys
}

// Reason is a one-line explanation of the crash.
func (r *Report) Reason() string {
	var b strings.Builder
	b.WriteString("previous session ended without a clean shutdown")
	if r.Lifecycle != "" {
		fmt.Fprintf(&b, " while %s", r.Lifecycle)
	}
	if r.LastCheckpoint != "" {
		fmt.Fprintf(&b, ", after checkpoint %q", r.LastCheckpoint)
	}
	return b.String()
}

// String renders the report as plain text for terminals and log files.
func (r *Report) String() string {
	var b strings.Builder
	line := func(format string, args ...any) {
		fmt.Fprintf(&b, format, args...)
		b.WriteByte('\n')
	}

	line("=== %s crash report ===", r.AppName)
	line("Detected:        %s", r.DetectedAt.UTC().Format(time.DateTime+" UTC"))
	line("Reason:          %s", r.Reason())
	line("")
	line("Previous session:")
	line("  Session ID:    %s", r.SessionID)
	line("  PID:           %d", r.PID)
	if !r.StartedAt.IsZero() {
		line("  Started:       %s", r.StartedAt.UTC().Format(time.DateTime+" UTC"))
	}
	line("  Lifecycle:     %s", r.Lifecycle)
	if r.LastHeartbeatAt.IsZero() {
		line("  Heartbeat:     never recorded")
	} else {
		line("  Heartbeat:     %s (%s ago)", r.LastHeartbeatAt.UTC().Format(time.DateTime+" UTC"), r.HeartbeatGap.Truncate(time.Second))
	}
	switch {
	case r.LastCheckpoint == "":
		line("  Checkpoint:    none")
	case r.PreviousCheckpoint == "":
		line("  Checkpoint:    %s", r.LastCheckpoint)
	default:
		line("  Checkpoint:    between %s and %s", r.PreviousCheckpoint, r.LastCheckpoint)
	}
	if len(r.LastCheckpointData) > 0 {
		line("  Data:          %s", r.LastCheckpointData)
	}
	line("  Crash count:   %d consecutive", r.CrashCount)
	line("")
	if r.HasUserData() {
		line("Recoverable data:")
		for _, k := range r.UserDataKeys() {
			line("  %s: %s", k, truncate(string(r.UserData[k]), 60))
		}
	} else {
		line("Recoverable data: none")
	}
	line("")
	line("System:")
	line("  Go:            %s %s/%s", runtime.Version(), runtime.GOOS, runtime.GOARCH)
	if wd, err := os.Getwd(); err == nil {
		line("  Working dir:   %s", wd)
	}
	return b.String()
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
