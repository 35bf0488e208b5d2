package config

import "time"

// Config is the root configuration for Warden.
type Config struct {
	App      AppConfig      `json:"app"`
	Workers  WorkersConfig  `json:"workers"`
	State    StateConfig    `json:"state"`
	Recovery RecoveryConfig `json:"recovery"`
	Events   EventsConfig   `json:"events"`
	Ingest   IngestConfig   `json:"ingest"`
	Gateway  GatewayConfig  `json:"gateway"`
}

// AppConfig identifies the application instance whose state is persisted.
type AppConfig struct {
	Name    string `json:"name"`     // one state file per name
	DataDir string `json:"data_dir"` // default: $WARDEN_PATH/state
}

// WorkersConfig holds the thread manager timings.
type WorkersConfig struct {
	DefaultTimeout  Duration `json:"default_timeout"`  // max heartbeat silence per task
	GracePeriod     Duration `json:"grace_period"`     // timed_out → force_terminated
	PollInterval    Duration `json:"poll_interval"`    // liveness monitor cadence
	ShutdownTimeout Duration `json:"shutdown_timeout"` // cooperative wait in shutdown
	SweepSchedule   string   `json:"sweep_schedule"`   // cron expression for registry reaping
}

// StateConfig holds the state store settings.
type StateConfig struct {
	HeartbeatInterval Duration `json:"heartbeat_interval"`
	MaxCheckpoints    int      `json:"max_checkpoints"`
	StaleAfter        Duration `json:"stale_after"` // status: heartbeat age before "stale"
}

// RecoveryConfig holds the recovery controller policy.
type RecoveryConfig struct {
	MaxAttempts   int      `json:"max_attempts"`
	MaxDataAge    Duration `json:"max_data_age"`
	DefaultChoice string   `json:"default_choice"` // "ask" | "resume" | "safe" | "discard" | "default"
}

// EventsConfig holds event bus settings.
type EventsConfig struct {
	BufferSize int    `json:"buffer_size"`
	LogLevel   string `json:"log_level"`
	Journal    *bool  `json:"journal,omitempty"` // persist events as JSONL (default true)
}

// JournalEnabled reports whether the event journal is on.
func (e EventsConfig) JournalEnabled() bool {
	return e.Journal == nil || *e.Journal
}

// IngestConfig configures the file ingestion workers.
type IngestConfig struct {
	Database  string `json:"database"` // SQLite file, default $WARDEN_PATH/ingest.db
	BatchSize int    `json:"batch_size"`
}

// GatewayConfig holds the optional HTTP/WebSocket surface for a GUI host.
type GatewayConfig struct {
	Enabled bool   `json:"enabled"`
	Host    string `json:"host"`
	Port    int    `json:"port"`
}

// Duration wraps time.Duration for JSON unmarshaling.
type Duration time.Duration

func (d Duration) Duration() time.Duration {
	return time.Duration(d)
}

func (d *Duration) UnmarshalJSON(b []byte) error {
	// Remove quotes
	s := string(b)
	if len(s) >= 2 && s[0] == '"' && s[len(s)-1] == '"' {
		s = s[1 : len(s)-1]
	}
	dur, err := time.ParseDuration(s)
	if err != nil {
		return err
	}
	*d = Duration(dur)
	return nil
}

func (d Duration) MarshalJSON() ([]byte, error) {
	return []byte(`"` + time.Duration(d).String() + `"`), nil
}
