// Package config loads and validates server configuration. Values
// start from defaults, merge an optional YAML file over them, then
// apply FILESHARE_SIGNAL_* environment overrides. Anything invalid
// aborts startup; there is no partial acceptance.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// EnvPrefix is the prefix of every recognized environment override.
const EnvPrefix = "FILESHARE_SIGNAL_"

// Config is the complete server configuration. Durations are carried
// as milliseconds to keep the file and environment forms plain
// integers; use the duration accessors in code.
type Config struct {
	// ListenAddress is the host:port the server binds.
	ListenAddress string `yaml:"listen_address"`

	// EndpointPath is the websocket upgrade path.
	EndpointPath string `yaml:"endpoint_path"`

	// SessionTTLMillis bounds a session's life from creation,
	// regardless of activity.
	SessionTTLMillis int64 `yaml:"session_ttl_ms"`

	// SweepIntervalMillis is the expiry sweep cadence.
	SweepIntervalMillis int64 `yaml:"sweep_interval_ms"`

	// MaxFrameBytes caps one wire frame, envelope included.
	MaxFrameBytes int `yaml:"max_frame_bytes"`

	// TimestampSkewMillis is the tolerated distance between client
	// and server clocks in either direction.
	TimestampSkewMillis int64 `yaml:"timestamp_skew_ms"`

	// RateLimits carries the per-remote-address caps.
	RateLimits RateLimitConfig `yaml:"rate_limits"`

	// ConnectionCap bounds total concurrent connections.
	ConnectionCap int `yaml:"connection_cap"`

	// SessionCap bounds live sessions.
	SessionCap int `yaml:"session_cap"`

	// MaxPendingWrites bounds frames queued toward one connection
	// before its peer's reads pause.
	MaxPendingWrites int `yaml:"max_pending_writes"`

	// SlowPeerStallMillis is how long a relay may stay blocked on a
	// full peer buffer before the session is torn down.
	SlowPeerStallMillis int64 `yaml:"slow_peer_stall_ms"`

	// PingIntervalMillis is the server keep-alive ping cadence. Must
	// stay under the liveness timeout.
	PingIntervalMillis int64 `yaml:"ping_interval_ms"`

	// LivenessTimeoutMillis declares a silent connection dead.
	LivenessTimeoutMillis int64 `yaml:"liveness_timeout_ms"`

	// LogLevel is one of debug, info, warn, error.
	LogLevel string `yaml:"log_level"`

	// CORSOrigin controls the websocket origin check. "*" accepts
	// any origin; anything else must match the Origin header exactly.
	CORSOrigin string `yaml:"cors_origin"`

	// StatsEnabled exposes /stats and /metrics. Liveness stays on
	// regardless.
	StatsEnabled bool `yaml:"stats_enabled"`
}

// RateLimitConfig mirrors the per-address caps. Zero disables a cap.
type RateLimitConfig struct {
	CreatesPerHour        int `yaml:"creates_per_hour"`
	JoinsPerHour          int `yaml:"joins_per_hour"`
	MessagesPerMinute     int `yaml:"messages_per_minute"`
	ConnectionsPerAddress int `yaml:"connections_per_address"`
}

// Default returns the configuration the server runs with when no file
// or environment overrides are present.
func Default() *Config {
	return &Config{
		ListenAddress:       ":8080",
		EndpointPath:        "/ws",
		SessionTTLMillis:    3_600_000,
		SweepIntervalMillis: 300_000,
		MaxFrameBytes:       1 << 20,
		TimestampSkewMillis: 300_000,
		RateLimits: RateLimitConfig{
			CreatesPerHour:        10,
			JoinsPerHour:          20,
			MessagesPerMinute:     100,
			ConnectionsPerAddress: 5,
		},
		ConnectionCap:         10_000,
		SessionCap:            5_000,
		MaxPendingWrites:      64,
		SlowPeerStallMillis:   30_000,
		PingIntervalMillis:    55_000,
		LivenessTimeoutMillis: 65_000,
		LogLevel:              "info",
		CORSOrigin:            "*",
		StatsEnabled:          true,
	}
}

// Load builds the effective configuration: defaults, then the YAML
// file at path if non-empty, then environment overrides, then
// validation.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config file %s: %w", path, err)
		}
	}

	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyEnv overrides fields from FILESHARE_SIGNAL_* variables.
// Unparsable values are collected and reported together.
func (c *Config) applyEnv() error {
	var errs []error

	str := func(name string, dst *string) {
		if v, ok := os.LookupEnv(EnvPrefix + name); ok {
			*dst = v
		}
	}
	num := func(name string, dst *int64) {
		v, ok := os.LookupEnv(EnvPrefix + name)
		if !ok {
			return
		}
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			errs = append(errs, fmt.Errorf("%s%s: %q is not an integer", EnvPrefix, name, v))
			return
		}
		*dst = n
	}
	count := func(name string, dst *int) {
		var n int64 = int64(*dst)
		num(name, &n)
		*dst = int(n)
	}
	boolean := func(name string, dst *bool) {
		v, ok := os.LookupEnv(EnvPrefix + name)
		if !ok {
			return
		}
		b, err := strconv.ParseBool(v)
		if err != nil {
			errs = append(errs, fmt.Errorf("%s%s: %q is not a boolean", EnvPrefix, name, v))
			return
		}
		*dst = b
	}

	str("LISTEN_ADDRESS", &c.ListenAddress)
	str("ENDPOINT_PATH", &c.EndpointPath)
	num("SESSION_TTL_MS", &c.SessionTTLMillis)
	num("SWEEP_INTERVAL_MS", &c.SweepIntervalMillis)
	count("MAX_FRAME_BYTES", &c.MaxFrameBytes)
	num("TIMESTAMP_SKEW_MS", &c.TimestampSkewMillis)
	count("CREATES_PER_HOUR", &c.RateLimits.CreatesPerHour)
	count("JOINS_PER_HOUR", &c.RateLimits.JoinsPerHour)
	count("MESSAGES_PER_MINUTE", &c.RateLimits.MessagesPerMinute)
	count("CONNECTIONS_PER_ADDRESS", &c.RateLimits.ConnectionsPerAddress)
	count("CONNECTION_CAP", &c.ConnectionCap)
	count("SESSION_CAP", &c.SessionCap)
	count("MAX_PENDING_WRITES", &c.MaxPendingWrites)
	num("SLOW_PEER_STALL_MS", &c.SlowPeerStallMillis)
	num("PING_INTERVAL_MS", &c.PingIntervalMillis)
	num("LIVENESS_TIMEOUT_MS", &c.LivenessTimeoutMillis)
	str("LOG_LEVEL", &c.LogLevel)
	str("CORS_ORIGIN", &c.CORSOrigin)
	boolean("STATS_ENABLED", &c.StatsEnabled)

	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	return nil
}

// Validate reports every invalid field at once.
func (c *Config) Validate() error {
	var errs []error

	if c.ListenAddress == "" {
		errs = append(errs, errors.New("listen_address is required"))
	}
	if !strings.HasPrefix(c.EndpointPath, "/") {
		errs = append(errs, fmt.Errorf("endpoint_path %q must start with /", c.EndpointPath))
	}
	if c.SessionTTLMillis <= 0 {
		errs = append(errs, errors.New("session_ttl_ms must be positive"))
	}
	if c.SweepIntervalMillis <= 0 {
		errs = append(errs, errors.New("sweep_interval_ms must be positive"))
	}
	if c.MaxFrameBytes <= 0 {
		errs = append(errs, errors.New("max_frame_bytes must be positive"))
	}
	if c.TimestampSkewMillis < 0 {
		errs = append(errs, errors.New("timestamp_skew_ms must not be negative"))
	}
	if c.RateLimits.CreatesPerHour < 0 || c.RateLimits.JoinsPerHour < 0 ||
		c.RateLimits.MessagesPerMinute < 0 || c.RateLimits.ConnectionsPerAddress < 0 {
		errs = append(errs, errors.New("rate_limits values must not be negative"))
	}
	if c.ConnectionCap < 0 {
		errs = append(errs, errors.New("connection_cap must not be negative"))
	}
	if c.SessionCap < 0 {
		errs = append(errs, errors.New("session_cap must not be negative"))
	}
	if c.MaxPendingWrites <= 0 {
		errs = append(errs, errors.New("max_pending_writes must be positive"))
	}
	if c.SlowPeerStallMillis <= 0 {
		errs = append(errs, errors.New("slow_peer_stall_ms must be positive"))
	}
	if c.PingIntervalMillis <= 0 {
		errs = append(errs, errors.New("ping_interval_ms must be positive"))
	}
	if c.LivenessTimeoutMillis <= c.PingIntervalMillis {
		errs = append(errs, errors.New("liveness_timeout_ms must exceed ping_interval_ms"))
	}
	switch c.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		errs = append(errs, fmt.Errorf("log_level %q must be one of debug, info, warn, error", c.LogLevel))
	}
	if c.CORSOrigin == "" {
		errs = append(errs, errors.New("cors_origin is required; use * to accept any origin"))
	}

	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	return nil
}

// Duration accessors for the millisecond fields.

func (c *Config) SessionTTL() time.Duration      { return time.Duration(c.SessionTTLMillis) * time.Millisecond }
func (c *Config) SweepInterval() time.Duration   { return time.Duration(c.SweepIntervalMillis) * time.Millisecond }
func (c *Config) TimestampSkew() time.Duration   { return time.Duration(c.TimestampSkewMillis) * time.Millisecond }
func (c *Config) SlowPeerStall() time.Duration   { return time.Duration(c.SlowPeerStallMillis) * time.Millisecond }
func (c *Config) PingInterval() time.Duration    { return time.Duration(c.PingIntervalMillis) * time.Millisecond }
func (c *Config) LivenessTimeout() time.Duration { return time.Duration(c.LivenessTimeoutMillis) * time.Millisecond }
