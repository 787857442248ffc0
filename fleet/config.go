package fleet

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"aifleet/core"
)

// BackendConfig declares one upstream backend in the config file.
type BackendConfig struct {
	Name             string `yaml:"name"`
	APIBaseURL       string `yaml:"api_base_url"`
	APIToken         string `yaml:"api_token"`
	DefaultModel     string `yaml:"default_model"`
	Priority         int    `yaml:"priority"`
	GroupID          string `yaml:"group_id"`
	DefaultAvailable bool   `yaml:"default_available"`

	// Optional round-robin pools.
	Models            []string `yaml:"models"`
	ModelsPerRotation int      `yaml:"models_per_rotation"`
	Tokens            []string `yaml:"tokens"`
	TokensPerRotation int      `yaml:"tokens_per_rotation"`

	Proxy  string `yaml:"proxy"`
	Stream bool   `yaml:"stream"`
}

// ManagerSection configures the scheduler and monitor cadence.
type ManagerSection struct {
	BaseCheckIntervalSec int `yaml:"base_check_interval_sec"`
	FirstCheckDelaySec   int `yaml:"first_check_delay_sec"`
}

// EventLogSection configures the interval event log.
type EventLogSection struct {
	SQLiteDBPath         string `yaml:"sqlite_db_path"`
	HeartbeatIntervalSec int    `yaml:"heartbeat_interval_sec"`
	HeartbeatGraceSec    int    `yaml:"heartbeat_grace_sec"`
}

// Config is the daemon configuration file. ${VAR} references in the
// file are expanded from the environment before parsing, so tokens can
// stay out of the file itself.
type Config struct {
	LogLevel string          `yaml:"log_level"`
	Listen   string          `yaml:"listen"`
	Manager  ManagerSection  `yaml:"manager"`
	EventLog EventLogSection `yaml:"event_log"`
	Groups   map[string]int  `yaml:"groups"`
	Backends []BackendConfig `yaml:"backends"`
}

// LoadConfig reads, env-expands and validates a YAML config file.
func LoadConfig(path string) (*Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal([]byte(os.ExpandEnv(string(raw))), &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks the parts the daemon cannot default.
func (c *Config) Validate() error {
	if len(c.Backends) == 0 {
		return fmt.Errorf("%w: no backends configured", core.ErrMissingConfiguration)
	}
	seen := make(map[string]bool, len(c.Backends))
	for i, b := range c.Backends {
		if b.Name == "" {
			return fmt.Errorf("%w: backend %d has no name", core.ErrInvalidConfiguration, i)
		}
		if seen[b.Name] {
			return fmt.Errorf("%w: duplicate backend name %q", core.ErrInvalidConfiguration, b.Name)
		}
		seen[b.Name] = true
		if b.APIBaseURL == "" {
			return fmt.Errorf("%w: backend %q has no api_base_url", core.ErrInvalidConfiguration, b.Name)
		}
	}
	return nil
}

// BaseCheckInterval returns the monitor base interval with the 60s
// default applied.
func (s ManagerSection) BaseCheckInterval() time.Duration {
	if s.BaseCheckIntervalSec <= 0 {
		return 60 * time.Second
	}
	return time.Duration(s.BaseCheckIntervalSec) * time.Second
}

// FirstCheckDelay returns the monitor startup delay with the 10s
// default applied.
func (s ManagerSection) FirstCheckDelay() time.Duration {
	if s.FirstCheckDelaySec <= 0 {
		return 10 * time.Second
	}
	return time.Duration(s.FirstCheckDelaySec) * time.Second
}

// HeartbeatInterval returns the heartbeat period with the 30s default
// applied.
func (s EventLogSection) HeartbeatInterval() time.Duration {
	if s.HeartbeatIntervalSec <= 0 {
		return 30 * time.Second
	}
	return time.Duration(s.HeartbeatIntervalSec) * time.Second
}

// HeartbeatGrace returns the crash-detection grace with the 120s
// default applied.
func (s EventLogSection) HeartbeatGrace() time.Duration {
	if s.HeartbeatGraceSec <= 0 {
		return 120 * time.Second
	}
	return time.Duration(s.HeartbeatGraceSec) * time.Second
}

// DBPath returns the SQLite path with the default applied.
func (s EventLogSection) DBPath() string {
	if s.SQLiteDBPath == "" {
		return "./aifleet_state.sqlite"
	}
	return s.SQLiteDBPath
}
