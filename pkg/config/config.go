package config

import (
	"fmt"
	"os"
	"strconv"

	"github.com/joho/godotenv"
	jsoniter "github.com/json-iterator/go"
)

// Config defines the global application configuration structure.
// This structure maps directly to the config.json file and holds
// the gateway's public surface (spec §6's configuration surface) plus
// business-level settings like the LLM provider choice.
type Config struct {
	// Port is the TCP port the WebSocket/HTTP listener binds to.
	Port int `json:"port"`
	// Hostname is advertised in the handshake snapshot, not bound to.
	Hostname string `json:"hostname"`
	// AuthToken, if non-empty, puts the handshake in "token" auth mode.
	AuthToken string `json:"auth_token,omitempty"`
	// AuthPassword, if non-empty (and AuthToken is empty), puts the
	// handshake in "password" auth mode.
	AuthPassword string `json:"auth_password,omitempty"`
	// TickIntervalMs is the period of the periodic "tick" broadcast.
	TickIntervalMs int `json:"tick_interval_ms"`
	// HealthRefreshIntervalMs is the period of the periodic "health" broadcast.
	HealthRefreshIntervalMs int `json:"health_refresh_interval_ms"`
	// MaxPayload is the maximum accepted WebSocket frame size, in bytes.
	MaxPayload int `json:"max_payload"`
	// HandshakeTimeoutMs bounds how long a connection may sit unauthenticated.
	HandshakeTimeoutMs int `json:"handshake_timeout_ms"`
	// DedupeMaxKeys bounds the idempotency cache's tracked key count.
	DedupeMaxKeys int `json:"dedupe_max_keys"`
	// DedupeTtlMs is how long an idempotency key is remembered.
	DedupeTtlMs int `json:"dedupe_ttl_ms"`
	// LogDir, if set, enables per-session JSONL disk logging under this
	// directory. Empty disables disk logging entirely.
	LogDir string `json:"log_dir,omitempty"`

	// LLM holds the configuration for the backend provider group list, in
	// raw JSON, parsed by backend.NewFromConfig.
	LLM jsoniter.RawMessage `json:"llm"`
	// SystemPrompt is the global persona/instruction string prefixed to
	// every run's message list.
	SystemPrompt string `json:"system_prompt"`
}

// DeepCopy creates a shallow copy of Config. LLM is a raw JSON slice so a
// plain struct copy already shares it safely (never mutated in place).
func (c *Config) DeepCopy() *Config {
	newCfg := *c
	return &newCfg
}

// Validate ensures the configuration structure contains all mandatory fields.
// It acts as a primary guard before the system proceeds to initialization.
func (c *Config) Validate() error {
	if len(c.LLM) == 0 {
		return fmt.Errorf("mandatory 'llm' configuration is missing or empty")
	}
	if c.Port <= 0 {
		return fmt.Errorf("'port' must be a positive TCP port number")
	}
	return nil
}

// applyDefaults fills in the spec's documented defaults for anything the
// config file left at its zero value.
func (c *Config) applyDefaults() {
	if c.Hostname == "" {
		c.Hostname = "localhost"
	}
	if c.TickIntervalMs <= 0 {
		c.TickIntervalMs = 30000
	}
	if c.HealthRefreshIntervalMs <= 0 {
		c.HealthRefreshIntervalMs = 60000
	}
	if c.MaxPayload <= 0 {
		c.MaxPayload = 25 << 20 // 25 MiB
	}
	if c.HandshakeTimeoutMs <= 0 {
		c.HandshakeTimeoutMs = 10000
	}
	if c.DedupeMaxKeys <= 0 {
		c.DedupeMaxKeys = 1000
	}
	if c.DedupeTtlMs <= 0 {
		c.DedupeTtlMs = 600000
	}
}

// SystemConfig defines engine-level technical parameters.
// These settings are usually stored in system.json and control the
// performance, reliability, and technical behavior of the gateway's
// backend layer.
type SystemConfig struct {
	// MaxRetries is the number of attempts (the first one included) the
	// fallback backend makes on each backend after a transient LLM or
	// network error before moving on to the next backend.
	MaxRetries int `json:"max_retries"`
	// RetryDelayMs is the base delay (in milliseconds) between attempts on
	// one backend: before attempt n the fallback waits (n-1) times this value.
	RetryDelayMs int `json:"retry_delay_ms"`
	// LLMTimeoutMs is loaded and defaulted but not read by the run engine
	// or any adapter; backend requests get no timeout from it.
	LLMTimeoutMs int `json:"llm_timeout_ms"`
	// OllamaDefaultURL is loaded and defaulted but not read; the Ollama
	// adapter takes its endpoint from the environment.
	OllamaDefaultURL string `json:"ollama_default_url"`
	// LogLevel sets the minimum severity for log output.
	// Accepted values: "debug", "info", "warn", "error". Default: "info".
	LogLevel string `json:"log_level"`
}

// DeepCopy creates a full copy of SystemConfig.
func (s *SystemConfig) DeepCopy() *SystemConfig {
	newSys := *s
	return &newSys
}

// DefaultSystemConfig returns a SystemConfig pointer initialized with hardcoded safe defaults.
func DefaultSystemConfig() *SystemConfig {
	return &SystemConfig{
		MaxRetries:       3,
		RetryDelayMs:     500,
		LLMTimeoutMs:     600000,
		OllamaDefaultURL: "http://localhost:11434/v1",
		LogLevel:         "info",
	}
}

// Load reads and parses the JSON configuration files, overlays a .env file
// (if present) and process environment variables over the gateway's public
// surface fields, and returns both configuration objects.
func Load() (*Config, *SystemConfig, error) {
	if err := godotenv.Load(); err != nil {
		fmt.Fprintln(os.Stderr, "no .env file found, using process environment only")
	}

	appPath := "config.json"
	if _, err := os.Stat(appPath); os.IsNotExist(err) {
		return nil, nil, fmt.Errorf("config file '%s' not found. please create one", appPath)
	}

	appFile, err := os.ReadFile(appPath)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var cfg Config
	if err := jsoniter.ConfigCompatibleWithStandardLibrary.Unmarshal(appFile, &cfg); err != nil {
		return nil, nil, fmt.Errorf("failed to parse config file: %w", err)
	}
	cfg.applyEnvOverrides()
	cfg.applyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, nil, err
	}

	sysCfg := LoadSystemConfig("system.json")

	return &cfg, sysCfg, nil
}

// applyEnvOverrides lets deployment secrets (auth token/password) and the
// listen port come from the environment instead of the checked-in config
// file, per spec §6's note that auth credentials are deployment secrets.
func (c *Config) applyEnvOverrides() {
	if v := os.Getenv("GATEWAY_AUTH_TOKEN"); v != "" {
		c.AuthToken = v
	}
	if v := os.Getenv("GATEWAY_AUTH_PASSWORD"); v != "" {
		c.AuthPassword = v
	}
	if v := os.Getenv("GATEWAY_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			c.Port = port
		}
	}
	if v := os.Getenv("GATEWAY_LOG_DIR"); v != "" {
		c.LogDir = v
	}
}

// LoadSystemConfig attempts to load system settings, returns defaults if it fails
func LoadSystemConfig(path string) *SystemConfig {
	cfg := DefaultSystemConfig()

	file, err := os.ReadFile(path)
	if err != nil {
		return cfg
	}

	if err := jsoniter.ConfigCompatibleWithStandardLibrary.Unmarshal(file, cfg); err != nil {
		return cfg
	}

	return cfg
}
