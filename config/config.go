// Package config defines the Relay broker configuration.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the top-level Relay configuration.
type Config struct {
	Server   ServerConfig `json:"server" yaml:"server"`
	Auth     AuthConfig   `json:"auth" yaml:"auth"`
	Broker   BrokerConfig `json:"broker" yaml:"broker"`
	DataDir  string       `json:"data_dir" yaml:"data_dir"`
	LogLevel string       `json:"log_level" yaml:"log_level"`
}

// ServerConfig controls the HTTP server.
type ServerConfig struct {
	Addr string `json:"addr" yaml:"addr"` // listen address, e.g., ":8600"
}

// AuthConfig controls operator authentication. Operator endpoints are
// open when AdminPass is empty (the localhost-mesh default).
type AuthConfig struct {
	JWTSecret string `json:"jwt_secret" yaml:"jwt_secret"`
	AdminUser string `json:"admin_user" yaml:"admin_user"`
	AdminPass string `json:"admin_pass" yaml:"admin_pass"` // bcrypt hash
}

// BrokerConfig holds the queue policy knobs. The retry budget and the
// liveness/stuck thresholds are deployment policy, not constants.
type BrokerConfig struct {
	// MaxAttempts is the failure budget before a task is dead-lettered.
	MaxAttempts int `json:"max_attempts" yaml:"max_attempts"`

	// ActiveWindow is how fresh a heartbeat must be for "active".
	ActiveWindow time.Duration `json:"active_window" yaml:"active_window"`

	// OfflineAfter is the heartbeat age past which a consumer is offline.
	OfflineAfter time.Duration `json:"offline_after" yaml:"offline_after"`

	// StuckAfter is the processing age past which ResetProcessing
	// reclaims a task regardless of claimant liveness.
	StuckAfter time.Duration `json:"stuck_after" yaml:"stuck_after"`

	// EventBuffer is the per-subscriber event channel depth.
	EventBuffer int `json:"event_buffer" yaml:"event_buffer"`

	// EventHistory bounds the hub's recent-event ring.
	EventHistory int `json:"event_history" yaml:"event_history"`
}

// UnmarshalYAML accepts Go duration strings ("30s", "10m") for the
// threshold fields.
func (b *BrokerConfig) UnmarshalYAML(value *yaml.Node) error {
	var raw struct {
		MaxAttempts  *int    `yaml:"max_attempts"`
		ActiveWindow *string `yaml:"active_window"`
		OfflineAfter *string `yaml:"offline_after"`
		StuckAfter   *string `yaml:"stuck_after"`
		EventBuffer  *int    `yaml:"event_buffer"`
		EventHistory *int    `yaml:"event_history"`
	}
	if err := value.Decode(&raw); err != nil {
		return err
	}
	if raw.MaxAttempts != nil {
		b.MaxAttempts = *raw.MaxAttempts
	}
	if raw.EventBuffer != nil {
		b.EventBuffer = *raw.EventBuffer
	}
	if raw.EventHistory != nil {
		b.EventHistory = *raw.EventHistory
	}
	for _, d := range []struct {
		in  *string
		out *time.Duration
	}{
		{raw.ActiveWindow, &b.ActiveWindow},
		{raw.OfflineAfter, &b.OfflineAfter},
		{raw.StuckAfter, &b.StuckAfter},
	} {
		if d.in == nil {
			continue
		}
		v, err := time.ParseDuration(*d.in)
		if err != nil {
			return fmt.Errorf("parse duration %q: %w", *d.in, err)
		}
		*d.out = v
	}
	return nil
}

// DefaultConfig returns a config with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Addr: ":8600",
		},
		Auth: AuthConfig{
			AdminUser: "admin",
		},
		Broker: BrokerConfig{
			MaxAttempts:  3,
			ActiveWindow: 30 * time.Second,
			OfflineAfter: 2 * time.Minute,
			StuckAfter:   10 * time.Minute,
			EventBuffer:  64,
			EventHistory: 256,
		},
		DataDir:  "./data",
		LogLevel: "info",
	}
}

// Load reads a YAML config file over the defaults.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}
	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	return cfg, nil
}
