package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestDefaults(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Realtime.URL != "wss://realtime.brightclass.io/stream" {
		t.Fatalf("unexpected default stream url %q", cfg.Realtime.URL)
	}
	if cfg.Keepalive() != 30*time.Second {
		t.Fatalf("unexpected default keepalive %s", cfg.Keepalive())
	}
	if cfg.API.PageSize != 50 {
		t.Fatalf("unexpected default page size %d", cfg.API.PageSize)
	}
	if cfg.Diag.JournalPath != "" {
		t.Fatalf("journal should be disabled by default, got %q", cfg.Diag.JournalPath)
	}
}

func TestYAMLOverridesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "relay.yaml")
	data := `
realtime:
  url: wss://staging.example.com/stream
  keepalive_seconds: 5
api:
  page_size: 10
log:
  level: debug
`
	if err := os.WriteFile(path, []byte(data), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Realtime.URL != "wss://staging.example.com/stream" {
		t.Fatalf("yaml url not applied: %q", cfg.Realtime.URL)
	}
	if cfg.Keepalive() != 5*time.Second {
		t.Fatalf("yaml keepalive not applied: %s", cfg.Keepalive())
	}
	if cfg.API.PageSize != 10 {
		t.Fatalf("yaml page size not applied: %d", cfg.API.PageSize)
	}
	if cfg.Log.Level != "debug" {
		t.Fatalf("yaml log level not applied: %q", cfg.Log.Level)
	}
	// Fields the file omits keep their defaults.
	if cfg.Realtime.ChannelURL != "wss://realtime.brightclass.io/channels" {
		t.Fatalf("omitted field lost its default: %q", cfg.Realtime.ChannelURL)
	}
}

func TestEnvOverridesYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "relay.yaml")
	if err := os.WriteFile(path, []byte("log:\n  level: debug\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	t.Setenv("RELAY_LOG_LEVEL", "warn")
	t.Setenv("RELAY_API_TIMEOUT_SECONDS", "3")

	cfg, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Log.Level != "warn" {
		t.Fatalf("env override lost to yaml: %q", cfg.Log.Level)
	}
	if cfg.APITimeout() != 3*time.Second {
		t.Fatalf("env timeout not applied: %s", cfg.APITimeout())
	}
}

func TestMissingFileFallsBackToDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "does-not-exist.yaml"))
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Log.Level != "info" {
		t.Fatalf("missing file should load defaults, got level %q", cfg.Log.Level)
	}
}

func TestMalformedFileIsAnError(t *testing.T) {
	path := filepath.Join(t.TempDir(), "relay.yaml")
	if err := os.WriteFile(path, []byte("realtime: [not a map"), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := Load(path); err == nil {
		t.Fatal("expected parse error for malformed yaml")
	}
}
