package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoad_DefaultsApplied(t *testing.T) {
	path := writeConfig(t, `
auth:
  jwt_secret: test-secret
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}

	if cfg.Server.Port != 8080 {
		t.Errorf("port = %d, want 8080", cfg.Server.Port)
	}
	if cfg.Realtime.TypingTTL != 5*time.Second {
		t.Errorf("typing ttl = %v, want 5s", cfg.Realtime.TypingTTL)
	}
	if cfg.Realtime.RateLimitPerMinute != 120 {
		t.Errorf("rate limit = %d, want 120", cfg.Realtime.RateLimitPerMinute)
	}
	if cfg.Journal.PurgeSchedule != "@hourly" {
		t.Errorf("purge schedule = %q", cfg.Journal.PurgeSchedule)
	}
}

func TestLoad_EnvExpansion(t *testing.T) {
	t.Setenv("TEST_JWT_SECRET", "from-env")
	path := writeConfig(t, `
auth:
  jwt_secret: ${TEST_JWT_SECRET}
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Auth.JWTSecret != "from-env" {
		t.Errorf("jwt secret = %q, want from-env", cfg.Auth.JWTSecret)
	}
}

func TestLoad_MissingSecretRejected(t *testing.T) {
	path := writeConfig(t, `
server:
  port: 9000
`)
	if _, err := Load(path); err == nil {
		t.Error("config without jwt_secret must be rejected")
	}
}

func TestLoad_Overrides(t *testing.T) {
	path := writeConfig(t, `
auth:
  jwt_secret: s
server:
  port: 9999
realtime:
  typing_ttl: 10s
  presence_timeout: 2m
journal:
  enabled: true
  path: /tmp/journal.db
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Server.Port != 9999 {
		t.Errorf("port = %d", cfg.Server.Port)
	}
	if cfg.Realtime.TypingTTL != 10*time.Second || cfg.Realtime.PresenceTimeout != 2*time.Minute {
		t.Error("realtime overrides not applied")
	}
	if !cfg.Journal.Enabled || cfg.Journal.Path != "/tmp/journal.db" {
		t.Error("journal overrides not applied")
	}
}

func TestValidate_BadValues(t *testing.T) {
	cfg := Default()
	cfg.Auth.JWTSecret = "s"
	cfg.Server.Port = 70000
	if err := cfg.Validate(); err == nil {
		t.Error("out-of-range port must be rejected")
	}

	cfg = Default()
	cfg.Auth.JWTSecret = "s"
	cfg.Realtime.TypingTTL = 100 * time.Millisecond
	if err := cfg.Validate(); err == nil {
		t.Error("sub-second typing ttl must be rejected")
	}
}
