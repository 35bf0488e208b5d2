// Package appstate persists the process-wide application state snapshot used
// for crash detection and recovery.
package appstate

import (
	"bytes"
	"encoding/json"
	"maps"
	"reflect"
	"strings"
	"time"
)

// SchemaVersion is written into every snapshot.
const SchemaVersion = 1

// LifecycleState is the coarse application state.
type LifecycleState string

const (
	LifecycleStarting     LifecycleState = "starting"
	LifecycleIdle         LifecycleState = "idle"
	LifecycleBusy         LifecycleState = "busy"
	LifecycleShuttingDown LifecycleState = "shutting_down"
	LifecycleTerminated   LifecycleState = "terminated"
)

// Checkpoint is a named marker written around risky operations. A crash is
// localized between the last two checkpoints.
type Checkpoint struct {
	Name string          `json:"name"`
	At   time.Time       `json:"at"`
	Data json.RawMessage `json:"data,omitempty"`
}

// Snapshot is the single persisted record of an application instance.
// Fields this version does not know are kept and written back unchanged.
type Snapshot struct {
	Version         int                        `json:"version"`
	AppName         string                     `json:"app_name"`
	SessionID       string                     `json:"session_id"`
	PID             int                        `json:"pid"`
	StartedAt       time.Time                  `json:"started_at"`
	LifecycleState  LifecycleState             `json:"lifecycle_state"`
	UserData        map[string]json.RawMessage `json:"user_data"`
	Checkpoints     []Checkpoint               `json:"checkpoints,omitempty"`
	LastHeartbeatAt time.Time                  `json:"last_heartbeat_at"`
	CleanShutdown   bool                       `json:"clean_shutdown"`
	CrashCount      int                        `json:"crash_count"`
	LastCrashAt     time.Time                  `json:"last_crash_at,omitzero"`
	LastCrashReason string                     `json:"last_crash_reason,omitempty"`

	extra map[string]json.RawMessage
}

// knownFields holds the JSON names of Snapshot's declared fields.
var knownFields = func() map[string]bool {
	known := make(map[string]bool)
	t := reflect.TypeOf(Snapshot{})
	for i := range t.NumField() {
		name, _, _ := strings.Cut(t.Field(i).Tag.Get("json"), ",")
		if name != "" && name != "-" {
			known[name] = true
		}
	}
	return known
}()

// MarshalJSON writes the declared fields plus any preserved unknown ones.
func (s Snapshot) MarshalJSON() ([]byte, error) {
	type alias Snapshot
	data, err := json.Marshal(alias(s))
	if err != nil || len(s.extra) == 0 {
		return data, err
	}

	var merged map[string]json.RawMessage
	if err := json.Unmarshal(data, &merged); err != nil {
		return nil, err
	}
	for k, v := range s.extra {
		if _, ok := merged[k]; !ok {
			merged[k] = v
		}
	}
	return json.Marshal(merged)
}

// UnmarshalJSON decodes the declared fields and keeps unknown ones aside.
// Raw values are compacted so a decoded snapshot compares equal to the one
// that was saved.
func (s *Snapshot) UnmarshalJSON(data []byte) error {
	type alias Snapshot
	var a alias
	if err := json.Unmarshal(data, &a); err != nil {
		return err
	}
	var all map[string]json.RawMessage
	if err := json.Unmarshal(data, &all); err != nil {
		return err
	}

	*s = Snapshot(a)
	if s.UserData == nil {
		s.UserData = make(map[string]json.RawMessage)
	}
	for k, v := range s.UserData {
		s.UserData[k] = compact(v)
	}
	for i := range s.Checkpoints {
		if len(s.Checkpoints[i].Data) > 0 {
			s.Checkpoints[i].Data = compact(s.Checkpoints[i].Data)
		}
	}

	for k, v := range all {
		if knownFields[k] {
			continue
		}
		if s.extra == nil {
			s.extra = make(map[string]json.RawMessage)
		}
		s.extra[k] = compact(v)
	}
	return nil
}

// Extra returns the unknown fields preserved from the last decode.
func (s *Snapshot) Extra() map[string]json.RawMessage {
	return maps.Clone(s.extra)
}

// LastCheckpoint returns the most recent checkpoint.
func (s *Snapshot) LastCheckpoint() (Checkpoint, bool) {
	if len(s.Checkpoints) == 0 {
		return Checkpoint{}, false
	}
	return s.Checkpoints[len(s.Checkpoints)-1], true
}

// Checkpoint returns the most recent checkpoint with the given name.
func (s *Snapshot) Checkpoint(name string) (Checkpoint, bool) {
	for i := len(s.Checkpoints) - 1; i >= 0; i-- {
		if s.Checkpoints[i].Name == name {
			return s.Checkpoints[i], true
		}
	}
	return Checkpoint{}, false
}

// PreviousCheckpoint returns the checkpoint before the last one.
func (s *Snapshot) PreviousCheckpoint() (Checkpoint, bool) {
	if len(s.Checkpoints) < 2 {
		return Checkpoint{}, false
	}
	return s.Checkpoints[len(s.Checkpoints)-2], true
}

// Clone returns a deep copy.
func (s *Snapshot) Clone() Snapshot {
	c := *s
	c.UserData = make(map[string]json.RawMessage, len(s.UserData))
	for k, v := range s.UserData {
		c.UserData[k] = bytes.Clone(v)
	}
	if s.Checkpoints != nil {
		c.Checkpoints = make([]Checkpoint, len(s.Checkpoints))
		for i, cp := range s.Checkpoints {
			cp.Data = bytes.Clone(cp.Data)
			c.Checkpoints[i] = cp
		}
	}
	c.extra = maps.Clone(s.extra)
	return c
}

func compact(raw json.RawMessage) json.RawMessage {
	var buf bytes.Buffer
	if err := json.Compact(&buf, raw); err != nil {
		return raw
	}
	return buf.Bytes()
}
