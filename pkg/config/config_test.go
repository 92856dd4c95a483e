package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestValidateRequiresLLMAndPort(t *testing.T) {
	cases := []struct {
		name string
		cfg  Config
	}{
		{"missing llm", Config{Port: 8080}},
		{"missing port", Config{LLM: []byte(`{"providers":[]}`)}},
	}
	for _, c := range cases {
		if err := c.cfg.Validate(); err == nil {
			t.Errorf("%s: expected validation error", c.name)
		}
	}

	valid := Config{Port: 8080, LLM: []byte(`{"providers":[]}`)}
	if err := valid.Validate(); err != nil {
		t.Fatalf("expected valid config to pass, got %v", err)
	}
}

func TestApplyDefaultsFillsOnlyZeroFields(t *testing.T) {
	cfg := Config{Hostname: "custom.example", TickIntervalMs: 5000}
	cfg.applyDefaults()

	if cfg.Hostname != "custom.example" {
		t.Errorf("expected explicit hostname preserved, got %q", cfg.Hostname)
	}
	if cfg.TickIntervalMs != 5000 {
		t.Errorf("expected explicit tick interval preserved, got %d", cfg.TickIntervalMs)
	}
	if cfg.HealthRefreshIntervalMs != 60000 {
		t.Errorf("expected default health refresh interval, got %d", cfg.HealthRefreshIntervalMs)
	}
	if cfg.MaxPayload != 25<<20 {
		t.Errorf("expected default max payload, got %d", cfg.MaxPayload)
	}
	if cfg.DedupeMaxKeys != 1000 || cfg.DedupeTtlMs != 600000 {
		t.Errorf("expected default dedupe settings, got keys=%d ttl=%d", cfg.DedupeMaxKeys, cfg.DedupeTtlMs)
	}
}

func TestApplyEnvOverridesTakesPrecedenceOverFileValues(t *testing.T) {
	t.Setenv("GATEWAY_AUTH_TOKEN", "env-token")
	t.Setenv("GATEWAY_AUTH_PASSWORD", "")
	t.Setenv("GATEWAY_PORT", "9999")
	t.Setenv("GATEWAY_LOG_DIR", "/tmp/env-logs")

	cfg := Config{Port: 8080, AuthToken: "file-token"}
	cfg.applyEnvOverrides()

	if cfg.AuthToken != "env-token" {
		t.Errorf("expected env auth token to win, got %q", cfg.AuthToken)
	}
	if cfg.Port != 9999 {
		t.Errorf("expected env port to win, got %d", cfg.Port)
	}
	if cfg.LogDir != "/tmp/env-logs" {
		t.Errorf("expected env log dir to win, got %q", cfg.LogDir)
	}
}

func TestApplyEnvOverridesIgnoresInvalidPort(t *testing.T) {
	t.Setenv("GATEWAY_AUTH_TOKEN", "")
	t.Setenv("GATEWAY_AUTH_PASSWORD", "")
	t.Setenv("GATEWAY_PORT", "not-a-number")
	t.Setenv("GATEWAY_LOG_DIR", "")

	cfg := Config{Port: 8080}
	cfg.applyEnvOverrides()

	if cfg.Port != 8080 {
		t.Errorf("expected port unchanged for a malformed env var, got %d", cfg.Port)
	}
}

func TestDefaultSystemConfigValues(t *testing.T) {
	sys := DefaultSystemConfig()
	if sys.MaxRetries != 3 || sys.LogLevel != "info" {
		t.Fatalf("got %+v", sys)
	}
}

func TestLoadSystemConfigFallsBackToDefaultsWhenFileMissing(t *testing.T) {
	sys := LoadSystemConfig(filepath.Join(t.TempDir(), "does-not-exist.json"))
	if sys.MaxRetries != DefaultSystemConfig().MaxRetries {
		t.Fatalf("expected defaults, got %+v", sys)
	}
}

func TestLoadSystemConfigOverlaysFileOverDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "system.json")
	if err := os.WriteFile(path, []byte(`{"max_retries":7}`), 0644); err != nil {
		t.Fatalf("write: %v", err)
	}

	sys := LoadSystemConfig(path)
	if sys.MaxRetries != 7 {
		t.Errorf("expected overridden max_retries, got %d", sys.MaxRetries)
	}
	if sys.LogLevel != "info" {
		t.Errorf("expected untouched fields to keep their default, got %q", sys.LogLevel)
	}
}
