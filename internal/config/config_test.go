package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Address != DefaultAddr {
		t.Fatalf("unexpected address: %q", cfg.Address)
	}
	if cfg.MaxPayloadBytes != DefaultMaxPayloadBytes {
		t.Fatalf("unexpected payload ceiling: %d", cfg.MaxPayloadBytes)
	}
	if cfg.QuarantineDuration != DefaultQuarantineDuration {
		t.Fatalf("unexpected quarantine duration: %s", cfg.QuarantineDuration)
	}
	if cfg.Logging.Level != DefaultLogLevel || !cfg.Logging.Compress {
		t.Fatalf("unexpected logging defaults: %+v", cfg.Logging)
	}
}

func TestLoadEnvironmentOverrides(t *testing.T) {
	t.Setenv("TRUST_ADDR", ":9000")
	t.Setenv("TRUST_MAX_PAYLOAD_BYTES", "2048")
	t.Setenv("TRUST_QUARANTINE_DURATION", "90s")
	t.Setenv("TRUST_ALLOWED_ORIGINS", "https://a.example, https://b.example")
	t.Setenv("TRUST_LOG_LEVEL", "debug")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Address != ":9000" {
		t.Fatalf("unexpected address: %q", cfg.Address)
	}
	if cfg.MaxPayloadBytes != 2048 {
		t.Fatalf("unexpected payload ceiling: %d", cfg.MaxPayloadBytes)
	}
	if cfg.QuarantineDuration != 90*time.Second {
		t.Fatalf("unexpected quarantine duration: %s", cfg.QuarantineDuration)
	}
	if len(cfg.AllowedOrigins) != 2 || cfg.AllowedOrigins[1] != "https://b.example" {
		t.Fatalf("unexpected origins: %v", cfg.AllowedOrigins)
	}
	if cfg.Logging.Level != "debug" {
		t.Fatalf("unexpected log level: %q", cfg.Logging.Level)
	}
}

func TestLoadYAMLOverlay(t *testing.T) {
	path := filepath.Join(t.TempDir(), "trust.yaml")
	content := `
address: ":7777"
quarantine_duration: 10m
rate_policies:
  chat:
    window: 30s
    limit: 5
message:
  duplicate_window: 30s
  duplicate_threshold: 2
  spam_threshold: 8
anti_cheat:
  risk_threshold: 60
lobby_codes:
  length: 10
`
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	t.Setenv("TRUST_CONFIG_FILE", path)

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Address != ":7777" {
		t.Fatalf("unexpected address: %q", cfg.Address)
	}
	if cfg.QuarantineDuration != 10*time.Minute {
		t.Fatalf("unexpected quarantine duration: %s", cfg.QuarantineDuration)
	}
	chat, ok := cfg.RatePolicies["chat"]
	if !ok || chat.Limit != 5 || chat.Window != 30*time.Second {
		t.Fatalf("unexpected chat policy: %+v", cfg.RatePolicies)
	}
	if cfg.Message.DuplicateWindow != 30*time.Second || cfg.Message.DuplicateThreshold != 2 || cfg.Message.SpamThreshold != 8 {
		t.Fatalf("unexpected message thresholds: %+v", cfg.Message)
	}
	if cfg.AntiCheat.RiskThreshold != 60 {
		t.Fatalf("unexpected risk threshold: %v", cfg.AntiCheat.RiskThreshold)
	}
	if cfg.LobbyCodes.Length != 10 {
		t.Fatalf("unexpected code length: %d", cfg.LobbyCodes.Length)
	}
}

func TestLoadEnvironmentBeatsYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "trust.yaml")
	if err := os.WriteFile(path, []byte("address: \":7777\"\n"), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	t.Setenv("TRUST_CONFIG_FILE", path)
	t.Setenv("TRUST_ADDR", ":8888")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Address != ":8888" {
		t.Fatalf("environment should beat the file, got %q", cfg.Address)
	}
}

func TestLoadAggregatesProblems(t *testing.T) {
	t.Setenv("TRUST_MAX_PAYLOAD_BYTES", "zero")
	t.Setenv("TRUST_QUARANTINE_DURATION", "-5s")

	_, err := Load()
	if err == nil {
		t.Fatal("expected invalid overrides to fail")
	}
	message := err.Error()
	if !strings.Contains(message, "TRUST_MAX_PAYLOAD_BYTES") || !strings.Contains(message, "TRUST_QUARANTINE_DURATION") {
		t.Fatalf("expected both problems reported, got %q", message)
	}
}

func TestLoadRejectsMissingConfigFile(t *testing.T) {
	t.Setenv("TRUST_CONFIG_FILE", filepath.Join(t.TempDir(), "absent.yaml"))
	if _, err := Load(); err == nil {
		t.Fatal("expected a missing config file to fail loudly")
	}
}
