// Package config provides configuration parsing and validation for the
// relay server.
package config

import (
	"fmt"
	"net"
	"os"
	"regexp"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
)

// SearchPaths are the locations probed, in order, when no explicit config
// path is given.
var SearchPaths = []string{
	"config.toml",
	"./config/config.toml",
	"/etc/relay-server/config.toml",
	"/app/config.toml",
}

// Config represents the complete relay server configuration.
type Config struct {
	// ListenUDPAddr is the data-plane bind address.
	ListenUDPAddr string `toml:"listen_udp_addr"`

	// ListenTCPAddr is the control-plane bind address.
	ListenTCPAddr string `toml:"listen_tcp_addr"`

	// AdvertisedEndpoint is the relay endpoint returned to clients on
	// Allocate. Defaults to ListenUDPAddr, which is only useful when the
	// server is not behind NAT itself.
	AdvertisedEndpoint string `toml:"advertised_endpoint"`

	MinLeaseSeconds      int    `toml:"min_lease_seconds"`
	MaxLeaseSeconds      int    `toml:"max_lease_seconds"`
	SweepIntervalSeconds int    `toml:"sweep_interval_seconds"`
	MaxDatagramBytes     int    `toml:"max_datagram_bytes"`
	RateLimitBytesPerSec int64  `toml:"rate_limit_bytes_per_sec"`
	RateLimitBurstBytes  int    `toml:"rate_limit_burst_bytes"`
	AddressPinning       string `toml:"address_pinning"` // pinned or mobile
	UDPWorkers           int    `toml:"udp_workers"`

	Log      LogConfig      `toml:"log"`
	Control  ControlConfig  `toml:"control"`
	Health   HealthConfig   `toml:"health"`
	Registry RegistryConfig `toml:"registry"`
}

// LogConfig contains logging settings.
type LogConfig struct {
	Level  string `toml:"level"`  // debug, info, warn, error
	Format string `toml:"format"` // text, json
}

// ControlConfig defines control-plane connection tuning.
type ControlConfig struct {
	// MaxConnections limits concurrent control connections (0 = unlimited).
	MaxConnections int `toml:"max_connections"`

	// ReadTimeoutSeconds bounds how long a connection may sit idle between
	// requests before it is closed.
	ReadTimeoutSeconds int `toml:"read_timeout_seconds"`

	// WriteTimeoutSeconds bounds a single response write.
	WriteTimeoutSeconds int `toml:"write_timeout_seconds"`
}

// HealthConfig defines health check server settings.
type HealthConfig struct {
	Enabled             bool   `toml:"enabled"`
	Address             string `toml:"address"`
	ReadTimeoutSeconds  int    `toml:"read_timeout_seconds"`
	WriteTimeoutSeconds int    `toml:"write_timeout_seconds"`
}

// RegistryConfig defines optional registration with an external relay
// registry.
type RegistryConfig struct {
	Enabled bool   `toml:"enabled"`
	BaseURL string `toml:"base_url"`
	APIKey  string `toml:"api_key"`
	RelayID string `toml:"relay_id"`
}

// Default returns a Config with default values.
func Default() *Config {
	return &Config{
		ListenUDPAddr:        ":8080",
		ListenTCPAddr:        ":8081",
		MinLeaseSeconds:      10,
		MaxLeaseSeconds:      600,
		SweepIntervalSeconds: 5,
		MaxDatagramBytes:     2048,
		RateLimitBytesPerSec: 1 << 20, // 1 MiB/s per session
		RateLimitBurstBytes:  256 << 10,
		AddressPinning:       "pinned",
		UDPWorkers:           4,
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
		Control: ControlConfig{
			MaxConnections:      1000,
			ReadTimeoutSeconds:  300,
			WriteTimeoutSeconds: 10,
		},
		Health: HealthConfig{
			Enabled:             false,
			Address:             ":8082",
			ReadTimeoutSeconds:  10,
			WriteTimeoutSeconds: 10,
		},
		Registry: RegistryConfig{
			Enabled: false,
		},
	}
}

// Load reads and parses a configuration file. An empty path probes
// SearchPaths in order.
func Load(path string) (*Config, error) {
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		return Parse(data)
	}

	for _, candidate := range SearchPaths {
		data, err := os.ReadFile(candidate)
		if err != nil {
			continue
		}
		cfg, err := Parse(data)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", candidate, err)
		}
		return cfg, nil
	}

	return nil, fmt.Errorf("could not find config.toml in any of: %s", strings.Join(SearchPaths, ", "))
}

// Parse parses configuration from TOML bytes.
func Parse(data []byte) (*Config, error) {
	// Expand environment variables
	expanded := expandEnvVars(string(data))

	// Start with defaults
	cfg := Default()

	// Parse TOML
	if err := toml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	// Validate
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return cfg, nil
}

// envVarRegex matches ${VAR} or $VAR patterns
var envVarRegex = regexp.MustCompile(`\$\{([^}]+)\}|\$([A-Za-z_][A-Za-z0-9_]*)`)

// expandEnvVars replaces environment variable references with their values.
func expandEnvVars(s string) string {
	return envVarRegex.ReplaceAllStringFunc(s, func(match string) string {
		// Extract variable name
		var name string
		if strings.HasPrefix(match, "${") {
			name = match[2 : len(match)-1]
		} else {
			name = match[1:]
		}

		// Handle default values: ${VAR:-default}
		if idx := strings.Index(name, ":-"); idx != -1 {
			varName := name[:idx]
			defaultVal := name[idx+2:]
			if val, ok := os.LookupEnv(varName); ok {
				return val
			}
			return defaultVal
		}

		// Simple lookup
		if val, ok := os.LookupEnv(name); ok {
			return val
		}
		return match // Keep original if not found
	})
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	var errs []string

	if !isValidAddr(c.ListenUDPAddr) {
		errs = append(errs, fmt.Sprintf("invalid listen_udp_addr: %q", c.ListenUDPAddr))
	}
	if !isValidAddr(c.ListenTCPAddr) {
		errs = append(errs, fmt.Sprintf("invalid listen_tcp_addr: %q", c.ListenTCPAddr))
	}

	if c.MinLeaseSeconds < 1 {
		errs = append(errs, "min_lease_seconds must be positive")
	}
	if c.MaxLeaseSeconds < c.MinLeaseSeconds {
		errs = append(errs, "max_lease_seconds must be >= min_lease_seconds")
	}
	if c.SweepIntervalSeconds < 1 {
		errs = append(errs, "sweep_interval_seconds must be positive")
	}

	if c.MaxDatagramBytes < 64 {
		errs = append(errs, "max_datagram_bytes must be at least 64")
	}
	if c.RateLimitBytesPerSec < 0 {
		errs = append(errs, "rate_limit_bytes_per_sec must not be negative")
	}
	if c.RateLimitBytesPerSec > 0 && c.RateLimitBurstBytes < c.MaxDatagramBytes {
		errs = append(errs, "rate_limit_burst_bytes must be >= max_datagram_bytes")
	}

	if c.AddressPinning != "pinned" && c.AddressPinning != "mobile" {
		errs = append(errs, fmt.Sprintf("invalid address_pinning: %s (must be pinned or mobile)", c.AddressPinning))
	}
	if c.UDPWorkers < 1 {
		errs = append(errs, "udp_workers must be positive")
	}

	if !isValidLogLevel(c.Log.Level) {
		errs = append(errs, fmt.Sprintf("invalid log.level: %s (must be debug, info, warn, or error)", c.Log.Level))
	}
	if !isValidLogFormat(c.Log.Format) {
		errs = append(errs, fmt.Sprintf("invalid log.format: %s (must be text or json)", c.Log.Format))
	}

	if c.Health.Enabled && c.Health.Address == "" {
		errs = append(errs, "health.address is required when enabled")
	}
	if c.Registry.Enabled {
		if c.Registry.BaseURL == "" {
			errs = append(errs, "registry.base_url is required when enabled")
		}
		if c.Registry.RelayID == "" {
			errs = append(errs, "registry.relay_id is required when enabled")
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("validation errors:\n  - %s", strings.Join(errs, "\n  - "))
	}

	return nil
}

func isValidAddr(addr string) bool {
	if addr == "" {
		return false
	}
	_, _, err := net.SplitHostPort(addr)
	return err == nil
}

func isValidLogLevel(level string) bool {
	switch level {
	case "debug", "info", "warn", "error":
		return true
	default:
		return false
	}
}

func isValidLogFormat(format string) bool {
	switch format {
	case "text", "json":
		return true
	default:
		return false
	}
}

// Duration accessors for the *_seconds options.

// MinLease returns the minimum lease duration.
func (c *Config) MinLease() time.Duration {
	return time.Duration(c.MinLeaseSeconds) * time.Second
}

// MaxLease returns the maximum lease duration.
func (c *Config) MaxLease() time.Duration {
	return time.Duration(c.MaxLeaseSeconds) * time.Second
}

// SweepInterval returns the reaper sweep interval.
func (c *Config) SweepInterval() time.Duration {
	return time.Duration(c.SweepIntervalSeconds) * time.Second
}

// Endpoint returns the relay endpoint advertised on Allocate.
func (c *Config) Endpoint() string {
	if c.AdvertisedEndpoint != "" {
		return c.AdvertisedEndpoint
	}
	return c.ListenUDPAddr
}

// String returns a string representation of the config (for debugging).
// Sensitive values are redacted.
func (c *Config) String() string {
	redacted := c.Redacted()
	var sb strings.Builder
	if err := toml.NewEncoder(&sb).Encode(redacted); err != nil {
		return err.Error()
	}
	return sb.String()
}

// redactedValue is the placeholder for sensitive values.
const redactedValue = "[REDACTED]"

// Redacted returns a copy of the config with sensitive values redacted.
// This is safe to log or display to users.
func (c *Config) Redacted() *Config {
	redacted := *c
	if redacted.Registry.APIKey != "" {
		redacted.Registry.APIKey = redactedValue
	}
	return &redacted
}
