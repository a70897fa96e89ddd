// Package config loads relay configuration from an optional YAML file with
// environment-variable overrides applied on top.
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v3"
)

// Config is the root configuration for the realtime core and its tooling.
type Config struct {
	Realtime RealtimeConfig `yaml:"realtime"`
	API      APIConfig      `yaml:"api"`
	Log      LogConfig      `yaml:"log"`
	Diag     DiagConfig     `yaml:"diag"`
}

// RealtimeConfig configures the websocket transports.
type RealtimeConfig struct {
	// URL is the point-to-point websocket endpoint for the user stream.
	URL string `yaml:"url" env:"RELAY_REALTIME_URL"`

	// ChannelURL is the multiplexed pub/sub websocket endpoint.
	ChannelURL string `yaml:"channel_url" env:"RELAY_CHANNEL_URL"`

	// KeepaliveSeconds is the ping interval on open connections.
	KeepaliveSeconds int `yaml:"keepalive_seconds" env:"RELAY_KEEPALIVE_SECONDS"`

	// ReadLimitBytes caps the size of a single inbound frame.
	ReadLimitBytes int64 `yaml:"read_limit_bytes" env:"RELAY_READ_LIMIT_BYTES"`
}

// APIConfig configures the HTTP collaborators (conversation listing and
// channel auth). Both are external services; relay only consumes them.
type APIConfig struct {
	BaseURL         string `yaml:"base_url" env:"RELAY_API_BASE_URL"`
	ChannelAuthPath string `yaml:"channel_auth_path" env:"RELAY_CHANNEL_AUTH_PATH"`
	PageSize        int    `yaml:"page_size" env:"RELAY_API_PAGE_SIZE"`
	TimeoutSeconds  int    `yaml:"timeout_seconds" env:"RELAY_API_TIMEOUT_SECONDS"`
}

// LogConfig configures the process logger.
type LogConfig struct {
	Level string `yaml:"level" env:"RELAY_LOG_LEVEL"`
}

// DiagConfig configures the optional diagnostics consumers.
type DiagConfig struct {
	// JournalPath is the sqlite file recording unrecognized frames.
	// Empty disables the journal.
	JournalPath string `yaml:"journal_path" env:"RELAY_JOURNAL_PATH"`

	// StatsSchedule is a cron expression for periodic stats logging.
	// Empty disables the reporter.
	StatsSchedule string `yaml:"stats_schedule" env:"RELAY_STATS_SCHEDULE"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Realtime: RealtimeConfig{
			URL:              "wss://realtime.brightclass.io/stream",
			ChannelURL:       "wss://realtime.brightclass.io/channels",
			KeepaliveSeconds: 30,
			ReadLimitBytes:   1 << 20,
		},
		API: APIConfig{
			BaseURL:         "https://api.brightclass.io",
			ChannelAuthPath: "/realtime/auth",
			PageSize:        50,
			TimeoutSeconds:  10,
		},
		Log: LogConfig{Level: "info"},
		Diag: DiagConfig{
			StatsSchedule: "* * * * *",
		},
	}
}

// Load reads path (if non-empty and present) over the defaults, then applies
// environment overrides. A missing file is not an error; a malformed one is.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case os.IsNotExist(err):
			// fall through to env overrides
		case err != nil:
			return nil, fmt.Errorf("read config %s: %w", path, err)
		default:
			if err := yaml.Unmarshal(data, cfg); err != nil {
				return nil, fmt.Errorf("parse config %s: %w", path, err)
			}
		}
	}

	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("apply env overrides: %w", err)
	}
	return cfg, nil
}

// Keepalive returns the keepalive interval as a duration.
func (c *Config) Keepalive() time.Duration {
	return time.Duration(c.Realtime.KeepaliveSeconds) * time.Second
}

// APITimeout returns the HTTP collaborator timeout as a duration.
func (c *Config) APITimeout() time.Duration {
	return time.Duration(c.API.TimeoutSeconds) * time.Second
}
