// Package config loads config.toml and watches it for user table changes.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"

	"github.com/tchow-twistedxcom/tmux-collab/internal/auth"
	"github.com/tchow-twistedxcom/tmux-collab/internal/logging"
	"github.com/tchow-twistedxcom/tmux-collab/internal/protocol"
	"github.com/tchow-twistedxcom/tmux-collab/internal/telemetry"
)

// DirName is the per-user state directory under $HOME.
const DirName = ".tmux-collab"

// FileName is the config file inside the state directory.
const FileName = "config.toml"

// Duration is a time.Duration written as a string ("30s", "5m").
type Duration struct {
	time.Duration
}

func (d *Duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(strings.TrimSpace(string(text)))
	if err != nil {
		return err
	}
	d.Duration = v
	return nil
}

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

// ServerConfig is the [server] section.
type ServerConfig struct {
	Listen string `toml:"listen"`
	// AllowAnonymous admits unauthenticated viewers when no users are set.
	AllowAnonymous bool     `toml:"allow_anonymous"`
	SendQueue      int      `toml:"send_queue"`
	WriteTimeout   Duration `toml:"write_timeout"`
	ShutdownGrace  Duration `toml:"shutdown_grace"`
}

// PollerConfig is the [poller] section.
type PollerConfig struct {
	OutputInterval        Duration `toml:"output_interval"`
	RosterInterval        Duration `toml:"roster_interval"`
	MaxConcurrentCaptures int      `toml:"max_concurrent_captures"`
}

// CoordinatorConfig is the [coordinator] section.
type CoordinatorConfig struct {
	HeartbeatInterval Duration `toml:"heartbeat_interval"`
	HeartbeatTimeout  Duration `toml:"heartbeat_timeout"`
	// ClaimTTL expires claims after this long; zero means never.
	ClaimTTL  Duration `toml:"claim_ttl"`
	RateLimit float64  `toml:"rate_limit"`
	RateBurst int      `toml:"rate_burst"`
}

// TmuxConfig is the [tmux] section.
type TmuxConfig struct {
	Binary         string   `toml:"binary"`
	Socket         string   `toml:"socket"`
	CommandTimeout Duration `toml:"command_timeout"`
	Escapes        bool     `toml:"escapes"`
}

// StateConfig is the [state] section.
type StateConfig struct {
	// Path of the SQLite audit database. "off" disables it.
	Path      string   `toml:"path"`
	Retention Duration `toml:"retention"`
}

// Disabled reports whether the audit store is turned off.
func (s StateConfig) Disabled() bool {
	return s.Path == "off"
}

// Config is the whole file.
type Config struct {
	Server      ServerConfig      `toml:"server"`
	Poller      PollerConfig      `toml:"poller"`
	Coordinator CoordinatorConfig `toml:"coordinator"`
	Tmux        TmuxConfig        `toml:"tmux"`
	Logging     logging.Config    `toml:"logging"`
	State       StateConfig       `toml:"state"`
	Telemetry   telemetry.Config  `toml:"telemetry"`
	Users       []auth.User       `toml:"users"`
}

// Dir returns ~/.tmux-collab.
func Dir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, DirName), nil
}

// DefaultPath returns ~/.tmux-collab/config.toml.
func DefaultPath() (string, error) {
	dir, err := Dir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, FileName), nil
}

// Default returns a config with every default filled in.
func Default() *Config {
	cfg := &Config{}
	cfg.applyDefaults("")
	return cfg
}

// Load reads path. A missing file yields the defaults.
func Load(path string) (*Config, error) {
	cfg := &Config{}
	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		cfg.applyDefaults(filepath.Dir(path))
		return cfg, cfg.Validate()
	}

	if _, err := toml.DecodeFile(path, cfg); err != nil {
		return nil, fmt.Errorf("config.toml parse error: %w", err)
	}
	cfg.applyDefaults(filepath.Dir(path))
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func orDuration(d *Duration, def time.Duration) {
	if d.Duration <= 0 {
		d.Duration = def
	}
}

func (c *Config) applyDefaults(baseDir string) {
	if c.Server.Listen == "" {
		c.Server.Listen = "127.0.0.1:8420"
	}
	if c.Server.SendQueue <= 0 {
		c.Server.SendQueue = 256
	}
	orDuration(&c.Server.WriteTimeout, 10*time.Second)
	orDuration(&c.Server.ShutdownGrace, 5*time.Second)

	orDuration(&c.Poller.OutputInterval, 200*time.Millisecond)
	orDuration(&c.Poller.RosterInterval, 2*time.Second)
	if c.Poller.MaxConcurrentCaptures <= 0 {
		c.Poller.MaxConcurrentCaptures = 16
	}

	orDuration(&c.Coordinator.HeartbeatInterval, 10*time.Second)
	orDuration(&c.Coordinator.HeartbeatTimeout, 30*time.Second)
	if c.Coordinator.RateLimit <= 0 {
		c.Coordinator.RateLimit = 50
	}
	if c.Coordinator.RateBurst <= 0 {
		c.Coordinator.RateBurst = 100
	}

	if c.Tmux.Binary == "" {
		c.Tmux.Binary = "tmux"
	}
	orDuration(&c.Tmux.CommandTimeout, 3*time.Second)

	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Dir == "" && baseDir != "" {
		c.Logging.Dir = filepath.Join(baseDir, "logs")
	}
	if c.State.Path == "" && baseDir != "" {
		c.State.Path = filepath.Join(baseDir, "state.db")
	}
	orDuration(&c.State.Retention, 30*24*time.Hour)

	for i := range c.Users {
		if c.Users[i].Role == "" {
			c.Users[i].Role = protocol.RoleViewer
		}
	}
}

// Validate reports the first configuration problem found.
func (c *Config) Validate() error {
	if c.Coordinator.HeartbeatTimeout.Duration < c.Coordinator.HeartbeatInterval.Duration {
		return fmt.Errorf("coordinator.heartbeat_timeout (%s) is shorter than heartbeat_interval (%s)",
			c.Coordinator.HeartbeatTimeout, c.Coordinator.HeartbeatInterval)
	}
	if c.Coordinator.ClaimTTL.Duration < 0 {
		return errors.New("coordinator.claim_ttl must not be negative")
	}

	ids := make(map[string]bool, len(c.Users))
	tokens := make(map[string]string, len(c.Users))
	for i, u := range c.Users {
		if u.ID == "" {
			return fmt.Errorf("users[%d]: id is required", i)
		}
		if ids[u.ID] {
			return fmt.Errorf("users[%d]: duplicate id %q", i, u.ID)
		}
		ids[u.ID] = true
		if !u.Role.Valid() {
			return fmt.Errorf("users[%d] (%s): unknown role %q", i, u.ID, u.Role)
		}
		if u.Token == "" {
			continue
		}
		if other, dup := tokens[u.Token]; dup {
			return fmt.Errorf("users[%d] (%s): token already used by %s", i, u.ID, other)
		}
		tokens[u.Token] = u.ID
	}
	return nil
}
