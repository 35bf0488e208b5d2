package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"time"

	"github.com/tailscale/hujson"
)

var envTemplateRe = regexp.MustCompile(`\$\{\{\s*\.Env\.(\w+)\s*\}\}`)

// Load reads a JSONC config file, expands ${{ .Env.VAR }} templates, strips comments
// and trailing commas, unmarshals it into Config, and applies defaults.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	return Parse(data)
}

// Parse decodes JSONC config content and applies defaults.
func Parse(data []byte) (*Config, error) {
	// Expand environment variable templates (before standardizing, since templates are in strings)
	expanded := expandEnvTemplates(string(data))

	std, err := hujson.Standardize([]byte(expanded))
	if err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	var cfg Config
	if err := json.Unmarshal(std, &cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	applyDefaults(&cfg)
	return &cfg, nil
}

// Default returns a config with every field set to its default.
func Default() *Config {
	cfg := &Config{}
	applyDefaults(cfg)
	return cfg
}

// expandEnvTemplates replaces ${{ .Env.VAR }} with the env var value.
func expandEnvTemplates(s string) string {
	return envTemplateRe.ReplaceAllStringFunc(s, func(match string) string {
		parts := envTemplateRe.FindStringSubmatch(match)
		if len(parts) < 2 {
			return match
		}
		return os.Getenv(parts[1])
	})
}

func setDuration(d *Duration, def time.Duration) {
	if *d <= 0 {
		*d = Duration(def)
	}
}

// applyDefaults fills in zero-value fields with sensible defaults.
func applyDefaults(cfg *Config) {
	if cfg.App.Name == "" {
		cfg.App.Name = "warden"
	}
	if cfg.App.DataDir == "" {
		cfg.App.DataDir = filepath.Join(WardenPath(), "state")
	}

	setDuration(&cfg.Workers.DefaultTimeout, 30*time.Second)
	setDuration(&cfg.Workers.GracePeriod, 5*time.Second)
	setDuration(&cfg.Workers.PollInterval, time.Second)
	setDuration(&cfg.Workers.ShutdownTimeout, 10*time.Second)
	if cfg.Workers.SweepSchedule == "" {
		cfg.Workers.SweepSchedule = "@every 1m"
	}

	setDuration(&cfg.State.HeartbeatInterval, 5*time.Second)
	setDuration(&cfg.State.StaleAfter, 15*time.Second)
	if cfg.State.MaxCheckpoints == 0 {
		cfg.State.MaxCheckpoints = 64
	}

	if cfg.Recovery.MaxAttempts == 0 {
		cfg.Recovery.MaxAttempts = 3
	}
	setDuration(&cfg.Recovery.MaxDataAge, 72*time.Hour)
	if cfg.Recovery.DefaultChoice == "" {
		cfg.Recovery.DefaultChoice = "ask"
	}

	if cfg.Events.BufferSize == 0 {
		cfg.Events.BufferSize = 1024
	}
	if cfg.Events.LogLevel == "" {
		cfg.Events.LogLevel = "info"
	}

	if cfg.Ingest.Database == "" {
		cfg.Ingest.Database = filepath.Join(WardenPath(), "ingest.db")
	}
	if cfg.Ingest.BatchSize <= 0 {
		cfg.Ingest.BatchSize = 500
	}

	if cfg.Gateway.Host == "" {
		cfg.Gateway.Host = "127.0.0.1"
	}
	if cfg.Gateway.Port == 0 {
		cfg.Gateway.Port = 18421
	}
}
