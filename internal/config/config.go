// Package config loads broker configuration from the environment.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/kelseyhightower/envconfig"
)

// Config holds all application configuration.
type Config struct {
	Server    ServerConfig
	Tmux      TmuxConfig
	Session   SessionConfig
	Exec      ExecConfig
	RateLimit RateLimitConfig
	Database  DatabaseConfig
	Logging   LogConfig
	Sync      SyncConfig
}

// ServerConfig holds HTTP and WebSocket server configuration.
type ServerConfig struct {
	Port            string `envconfig:"PORT" default:"3011"`
	Host            string `envconfig:"HOST" default:"0.0.0.0"`
	WSPath          string `envconfig:"WS_PATH" default:"/ws"`
	MaxMessageBytes int64  `envconfig:"MAX_MESSAGE_BYTES" default:"65536"`
	// AllowedOrigins limits browser origins for HTTP and WebSocket. Empty allows all.
	AllowedOrigins []string `envconfig:"ALLOWED_ORIGINS"`
}

// TmuxConfig holds multiplexer configuration.
type TmuxConfig struct {
	Binary       string        `envconfig:"TMUX_BIN" default:"tmux"`
	Socket       string        `envconfig:"TMUX_SOCKET" default:"broker"`
	Shell        string        `envconfig:"SHELL_PATH"`
	Workdir      string        `envconfig:"TERM_WORKDIR"`
	Term         string        `envconfig:"TERM_TYPE" default:"xterm-256color"`
	HistoryLimit int           `envconfig:"HISTORY_LIMIT" default:"50000"`
	Timeout      time.Duration `envconfig:"TMUX_TIMEOUT" default:"5s"`
	Concurrency  int64         `envconfig:"TMUX_CONCURRENCY" default:"4"`
}

// SessionConfig holds session lifecycle configuration.
type SessionConfig struct {
	GraceWindow       time.Duration `envconfig:"GRACE_WINDOW" default:"5m"`
	HeartbeatInterval time.Duration `envconfig:"HEARTBEAT_INTERVAL" default:"30s"`
	MaxSessions       int           `envconfig:"MAX_SESSIONS" default:"32"`
	OutputBufferBytes int           `envconfig:"OUTPUT_BUFFER_BYTES" default:"1048576"`
	ReclaimOnStart    bool          `envconfig:"RECLAIM_ON_START" default:"true"`
}

// ExecConfig bounds the out-of-band command channel.
type ExecConfig struct {
	Timeout     time.Duration `envconfig:"EXEC_TIMEOUT" default:"30s"`
	MaxOutput   int           `envconfig:"EXEC_MAX_OUTPUT" default:"1048576"`
	Concurrency int64         `envconfig:"EXEC_CONCURRENCY" default:"4"`
}

// RateLimitConfig holds connection rate limiting configuration.
type RateLimitConfig struct {
	ConnectsPerSecond int  `envconfig:"CONNECT_RATE" default:"5"`
	Burst             int  `envconfig:"CONNECT_BURST" default:"10"`
	Enabled           bool `envconfig:"CONNECT_RATE_ENABLED" default:"true"`
}

// DatabaseConfig holds session ledger configuration.
type DatabaseConfig struct {
	Path string `envconfig:"DB_PATH" default:"data/sessions.db"`
	// Retention is how long ended sessions stay in the ledger. Zero keeps them forever.
	Retention time.Duration `envconfig:"LEDGER_RETENTION" default:"720h"`
}

// LogConfig holds logging configuration.
type LogConfig struct {
	Level       string `envconfig:"LOG_LEVEL" default:"info"`
	Development bool   `envconfig:"LOG_DEV" default:"false"`
}

// SyncConfig configures the one-shot background sync task run at startup.
type SyncConfig struct {
	Command string        `envconfig:"SYNC_COMMAND"`
	Timeout time.Duration `envconfig:"SYNC_TIMEOUT" default:"2m"`
}

// Load loads configuration from environment variables.
func Load() (*Config, error) {
	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	cfg.applyHostDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// LoadOrDefault loads configuration from environment or returns default.
func LoadOrDefault() *Config {
	cfg, err := Load()
	if err != nil {
		return Default()
	}
	return cfg
}

// Default returns default configuration.
func Default() *Config {
	cfg := &Config{
		Server: ServerConfig{
			Port:            "3011",
			Host:            "0.0.0.0",
			WSPath:          "/ws",
			MaxMessageBytes: 64 * 1024,
		},
		Tmux: TmuxConfig{
			Binary:       "tmux",
			Socket:       "broker",
			Term:         "xterm-256color",
			HistoryLimit: 50000,
			Timeout:      5 * time.Second,
			Concurrency:  4,
		},
		Session: SessionConfig{
			GraceWindow:       5 * time.Minute,
			HeartbeatInterval: 30 * time.Second,
			MaxSessions:       32,
			OutputBufferBytes: 1 << 20,
			ReclaimOnStart:    true,
		},
		Exec: ExecConfig{
			Timeout:     30 * time.Second,
			MaxOutput:   1 << 20,
			Concurrency: 4,
		},
		RateLimit: RateLimitConfig{
			ConnectsPerSecond: 5,
			Burst:             10,
			Enabled:           true,
		},
		Database: DatabaseConfig{
			Path:      "data/sessions.db",
			Retention: 30 * 24 * time.Hour,
		},
		Logging: LogConfig{
			Level: "info",
		},
		Sync: SyncConfig{
			Timeout: 2 * time.Minute,
		},
	}
	cfg.applyHostDefaults()
	return cfg
}

// applyHostDefaults fills settings whose defaults depend on the host user.
func (c *Config) applyHostDefaults() {
	if c.Tmux.Shell == "" {
		c.Tmux.Shell = os.Getenv("SHELL")
	}
	if c.Tmux.Shell == "" {
		c.Tmux.Shell = "/bin/bash"
	}
	if c.Tmux.Workdir == "" {
		if home, err := os.UserHomeDir(); err == nil {
			c.Tmux.Workdir = home
		} else {
			c.Tmux.Workdir = "/"
		}
	}
}

// Validate reports configuration values the broker cannot run with.
func (c *Config) Validate() error {
	var errs []error
	if !strings.HasPrefix(c.Server.WSPath, "/") {
		errs = append(errs, fmt.Errorf("WS_PATH must start with '/': %q", c.Server.WSPath))
	}
	if c.Session.GraceWindow <= 0 {
		errs = append(errs, errors.New("GRACE_WINDOW must be positive"))
	}
	if c.Session.HeartbeatInterval <= 0 {
		errs = append(errs, errors.New("HEARTBEAT_INTERVAL must be positive"))
	}
	if c.Session.MaxSessions <= 0 {
		errs = append(errs, errors.New("MAX_SESSIONS must be positive"))
	}
	if c.Session.OutputBufferBytes <= 0 {
		errs = append(errs, errors.New("OUTPUT_BUFFER_BYTES must be positive"))
	}
	if c.Tmux.Concurrency <= 0 || c.Exec.Concurrency <= 0 {
		errs = append(errs, errors.New("TMUX_CONCURRENCY and EXEC_CONCURRENCY must be positive"))
	}
	if c.Tmux.Timeout <= 0 || c.Exec.Timeout <= 0 {
		errs = append(errs, errors.New("TMUX_TIMEOUT and EXEC_TIMEOUT must be positive"))
	}
	return errors.Join(errs...)
}

// Addr returns the listen address.
func (s ServerConfig) Addr() string {
	return s.Host + ":" + s.Port
}
