package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestWardenPath_Default(t *testing.T) {
	t.Setenv("WARDEN_PATH", "")

	home, err := os.UserHomeDir()
	if err != nil {
		t.Fatal(err)
	}

	got := WardenPath()
	want := filepath.Join(home, ".warden")
	if got != want {
		t.Errorf("WardenPath() = %q, want %q", got, want)
	}
}

func TestWardenPath_EnvOverride(t *testing.T) {
	t.Setenv("WARDEN_PATH", "/tmp/custom-warden")

	got := WardenPath()
	want := "/tmp/custom-warden"
	if got != want {
		t.Errorf("WardenPath() = %q, want %q", got, want)
	}
}

func TestConfigPath(t *testing.T) {
	t.Setenv("WARDEN_PATH", "/tmp/test-warden")

	got := ConfigPath()
	want := "/tmp/test-warden/config.jsonc"
	if got != want {
		t.Errorf("ConfigPath() = %q, want %q", got, want)
	}
}

func TestDotenvPath(t *testing.T) {
	t.Setenv("WARDEN_PATH", "/tmp/test-warden")

	got := DotenvPath()
	want := "/tmp/test-warden/.env"
	if got != want {
		t.Errorf("DotenvPath() = %q, want %q", got, want)
	}
}

func TestJournalDir(t *testing.T) {
	t.Setenv("WARDEN_PATH", "/tmp/test-warden")

	if got, want := JournalDir(), "/tmp/test-warden/journal"; got != want {
		t.Errorf("JournalDir() = %q, want %q", got, want)
	}
}
