// Package config loads and validates the engine configuration.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the main configuration structure for the realtime engine.
type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Auth     AuthConfig     `yaml:"auth"`
	Realtime RealtimeConfig `yaml:"realtime"`
	Journal  JournalConfig  `yaml:"journal"`
	Logging  LoggingConfig  `yaml:"logging"`
}

type ServerConfig struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`

	ReadHeaderTimeout time.Duration `yaml:"read_header_timeout"`
	ShutdownTimeout   time.Duration `yaml:"shutdown_timeout"`
}

type AuthConfig struct {
	// JWTSecret signs and verifies bearer tokens. Required.
	JWTSecret string `yaml:"jwt_secret"`

	// TokenExpiry bounds tokens minted by the dev token endpoint.
	TokenExpiry time.Duration `yaml:"token_expiry"`
}

// RealtimeConfig tunes the engine's TTLs, sweeps, and limits.
type RealtimeConfig struct {
	// TypingTTL is how long a typing indicator stays live without refresh.
	TypingTTL time.Duration `yaml:"typing_ttl"`

	// HeartbeatInterval is how often connection keepalives are emitted.
	HeartbeatInterval time.Duration `yaml:"heartbeat_interval"`

	// PresenceTimeout marks a user offline after this long without a
	// heartbeat.
	PresenceTimeout time.Duration `yaml:"presence_timeout"`

	// LockTTL is the default document lock lease.
	LockTTL time.Duration `yaml:"lock_ttl"`

	// ChannelIdleTimeout deactivates channels quiet for this long.
	ChannelIdleTimeout time.Duration `yaml:"channel_idle_timeout"`

	// SessionIdleTimeout garbage-collects empty sessions after this long.
	SessionIdleTimeout time.Duration `yaml:"session_idle_timeout"`

	// RateLimitPerMinute is the default per-channel publish budget.
	RateLimitPerMinute int `yaml:"rate_limit_per_minute"`

	// MaxParticipants is the default channel capacity; 0 means unlimited.
	MaxParticipants int `yaml:"max_participants"`
}

type JournalConfig struct {
	Enabled    bool   `yaml:"enabled"`
	Path       string `yaml:"path"`
	BufferSize int    `yaml:"buffer_size"`

	// RetentionHours is how long journaled events are kept.
	RetentionHours int `yaml:"retention_hours"`

	// PurgeSchedule is a cron expression for the retention purge.
	PurgeSchedule string `yaml:"purge_schedule"`
}

type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Load reads and parses the configuration file. Environment variable
// references in the file ($VAR or ${VAR}) are expanded before parsing.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	expanded := os.ExpandEnv(string(data))

	var cfg Config
	if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	applyDefaults(&cfg)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Default returns a configuration with every default applied and no auth
// secret set. Used by tests and the serve command when no file is given.
func Default() *Config {
	cfg := &Config{}
	applyDefaults(cfg)
	return cfg
}

func applyDefaults(cfg *Config) {
	if cfg.Server.Host == "" {
		cfg.Server.Host = "0.0.0.0"
	}
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 8080
	}
	if cfg.Server.ReadHeaderTimeout == 0 {
		cfg.Server.ReadHeaderTimeout = 10 * time.Second
	}
	if cfg.Server.ShutdownTimeout == 0 {
		cfg.Server.ShutdownTimeout = 15 * time.Second
	}
	if cfg.Auth.TokenExpiry == 0 {
		cfg.Auth.TokenExpiry = 24 * time.Hour
	}
	if cfg.Realtime.TypingTTL == 0 {
		cfg.Realtime.TypingTTL = 5 * time.Second
	}
	if cfg.Realtime.HeartbeatInterval == 0 {
		cfg.Realtime.HeartbeatInterval = 30 * time.Second
	}
	if cfg.Realtime.PresenceTimeout == 0 {
		cfg.Realtime.PresenceTimeout = 90 * time.Second
	}
	if cfg.Realtime.LockTTL == 0 {
		cfg.Realtime.LockTTL = 30 * time.Second
	}
	if cfg.Realtime.ChannelIdleTimeout == 0 {
		cfg.Realtime.ChannelIdleTimeout = 30 * time.Minute
	}
	if cfg.Realtime.SessionIdleTimeout == 0 {
		cfg.Realtime.SessionIdleTimeout = 24 * time.Hour
	}
	if cfg.Realtime.RateLimitPerMinute == 0 {
		cfg.Realtime.RateLimitPerMinute = 120
	}
	if cfg.Journal.BufferSize == 0 {
		cfg.Journal.BufferSize = 1024
	}
	if cfg.Journal.RetentionHours == 0 {
		cfg.Journal.RetentionHours = 24
	}
	if cfg.Journal.PurgeSchedule == "" {
		cfg.Journal.PurgeSchedule = "@hourly"
	}
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = "json"
	}
}

// Validate rejects configurations the engine cannot run with.
func (c *Config) Validate() error {
	if c.Auth.JWTSecret == "" {
		return fmt.Errorf("config: auth.jwt_secret is required")
	}
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("config: server.port %d out of range", c.Server.Port)
	}
	if c.Realtime.RateLimitPerMinute < 0 {
		return fmt.Errorf("config: realtime.rate_limit_per_minute must not be negative")
	}
	if c.Realtime.TypingTTL < time.Second {
		return fmt.Errorf("config: realtime.typing_ttl below 1s would thrash sweeps")
	}
	return nil
}
