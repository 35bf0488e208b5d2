package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoadDotenv(t *testing.T) {
	content := `# Worker tuning
WARDEN_TEST_TIMEOUT=30s
export WARDEN_TEST_APP=halbasic

# Quoted values
WARDEN_TEST_DIR="/var/lib/warden"
WARDEN_TEST_SINGLE='single-quoted'

WARDEN_TEST_SPACED = spaced_value
not a pair
`

	dir := t.TempDir()
	path := filepath.Join(dir, ".env")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}

	keys := []string{"WARDEN_TEST_TIMEOUT", "WARDEN_TEST_APP", "WARDEN_TEST_DIR", "WARDEN_TEST_SINGLE", "WARDEN_TEST_SPACED"}
	for _, k := range keys {
		t.Setenv(k, "")
		os.Unsetenv(k)
	}

	applied, err := LoadDotenv(path)
	if err != nil {
		t.Fatal(err)
	}
	if len(applied) != len(keys) {
		t.Errorf("applied: got %v, want %d keys", applied, len(keys))
	}

	tests := []struct {
		key, want string
	}{
		{"WARDEN_TEST_TIMEOUT", "30s"},
		{"WARDEN_TEST_APP", "halbasic"},
		{"WARDEN_TEST_DIR", "/var/lib/warden"},
		{"WARDEN_TEST_SINGLE", "single-quoted"},
		{"WARDEN_TEST_SPACED", "spaced_value"},
	}

	for _, tt := range tests {
		if got := os.Getenv(tt.key); got != tt.want {
			t.Errorf("%s: got %q, want %q", tt.key, got, tt.want)
		}
	}
}

func TestLoadDotenvNoOverride(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, ".env")
	if err := os.WriteFile(path, []byte("WARDEN_EXISTING=new-value\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	t.Setenv("WARDEN_EXISTING", "original")

	applied, err := LoadDotenv(path)
	if err != nil {
		t.Fatal(err)
	}
	if len(applied) != 0 {
		t.Errorf("applied: got %v, want none", applied)
	}
	if got := os.Getenv("WARDEN_EXISTING"); got != "original" {
		t.Errorf("expected existing var to be preserved, got %q", got)
	}
}

func TestLoadDotenvMissingFile(t *testing.T) {
	if _, err := LoadDotenv("/nonexistent/.env"); err != nil {
		t.Errorf("missing file should be silently ignored, got: %v", err)
	}
}
