// Package config provides configuration types for the toolgate runtime
// policy decision service.
package config

import (
	"github.com/spf13/viper"
)

// Config is the top-level configuration for the service.
type Config struct {
	// Server configures the HTTP server listener.
	Server ServerConfig `yaml:"server" mapstructure:"server"`

	// Database configures the SQL backing store.
	Database DatabaseConfig `yaml:"database" mapstructure:"database"`

	// Decision configures the request-handling limits enforced by the
	// decision endpoint (§4.7).
	Decision DecisionConfig `yaml:"decision" mapstructure:"decision"`

	// Auth configures API-key validation (§4.5).
	Auth AuthConfig `yaml:"auth" mapstructure:"auth"`

	// RateLimit configures the per-API-key request ceiling (§4.5).
	RateLimit RateLimitConfig `yaml:"rate_limit" mapstructure:"rate_limit"`

	// AuditFile configures the file-based audit sink, used when Audit.Output
	// targets a file instead of the default SQL sink.
	AuditFile AuditFileConfig `yaml:"audit_file" mapstructure:"audit_file"`

	// Audit configures where audit logs are written.
	Audit AuditConfig `yaml:"audit" mapstructure:"audit"`

	// DevMode enables permissive defaults so the service can run with
	// minimal configuration during local development.
	DevMode bool `yaml:"dev_mode" mapstructure:"dev_mode"`
}

// ServerConfig configures the HTTP server.
type ServerConfig struct {
	// HTTPAddr is the address to listen on (e.g., "127.0.0.1:8080").
	// Defaults to "127.0.0.1:8080" if empty.
	HTTPAddr string `yaml:"http_addr" mapstructure:"http_addr" validate:"omitempty,hostname_port"`

	// LogLevel sets the minimum log level.
	// Valid values: "debug", "info", "warn", "error".
	LogLevel string `yaml:"log_level" mapstructure:"log_level" validate:"omitempty,oneof=debug info warn warning error"`
}

// DatabaseConfig configures the SQL backing store (§4.3/§4.4/§4.5/§4.6).
type DatabaseConfig struct {
	// DSN is the data-source name passed to database/sql. Any driver
	// registered under DriverName may be used; the reference deployment
	// uses the pure-Go modernc.org/sqlite driver.
	DSN string `yaml:"dsn" mapstructure:"dsn" validate:"required"`

	// DriverName is the database/sql driver to open DSN with.
	// Defaults to "sqlite" if empty.
	DriverName string `yaml:"driver_name" mapstructure:"driver_name"`

	// MaxOpenConns bounds the connection pool. Defaults to 1 for the
	// default SQLite deployment, where a single writer avoids
	// SQLITE_BUSY under the BEGIN IMMEDIATE serialization discipline.
	MaxOpenConns int `yaml:"max_open_conns" mapstructure:"max_open_conns" validate:"omitempty,min=1"`
}

// DecisionConfig configures the request-handling limits enforced by the
// decision endpoint (§4.7's pseudocode, §11's recognized options).
type DecisionConfig struct {
	// MaxPayloadBytes rejects a request whose declared content-length
	// exceeds this ceiling before any further processing.
	MaxPayloadBytes int64 `yaml:"max_payload_bytes" mapstructure:"max_payload_bytes" validate:"omitempty,min=1"`

	// MaxHistoryLength bounds toolCallsHistory; the oldest entries are
	// dropped on overflow (append-or-truncate, §4.7).
	MaxHistoryLength int `yaml:"max_history_length" mapstructure:"max_history_length" validate:"omitempty,min=1"`

	// RequestDeadlineMs bounds the total handler duration; every store
	// call inherits a context.Context with this deadline.
	RequestDeadlineMs int64 `yaml:"request_deadline_ms" mapstructure:"request_deadline_ms" validate:"omitempty,min=1"`
}

// AuthConfig configures API-key validation (§4.5).
type AuthConfig struct {
	// KeyPrefixLength is the number of characters of a presented API key
	// used for the prefix-indexed candidate lookup.
	KeyPrefixLength int `yaml:"key_prefix_length" mapstructure:"key_prefix_length" validate:"omitempty,min=4"`

	// MinKeyLength is the minimum accepted length of a presented API key;
	// shorter values are rejected before any store lookup.
	MinKeyLength int `yaml:"min_key_length" mapstructure:"min_key_length" validate:"omitempty,min=8"`
}

// RateLimitConfig configures the per-API-key sliding-window rate gate (§4.5).
type RateLimitConfig struct {
	// RequestsPerMinute is the per-API-key ceiling within a one-minute
	// window.
	RequestsPerMinute int `yaml:"requests_per_minute" mapstructure:"requests_per_minute" validate:"omitempty,min=1"`
}

// AuditConfig configures audit log output.
type AuditConfig struct {
	// Output specifies where audit logs are written.
	// Valid values: "sql" (default, uses Database.DSN) or
	// "file:///absolute/path/to/audit.log".
	Output string `yaml:"output" mapstructure:"output" validate:"required,audit_output"`

	// RecentCacheSize bounds the in-memory ring buffer the file audit sink
	// keeps for the Recent operational query; the SQL sink has no such
	// buffer and ignores it. Defaults to 1000.
	RecentCacheSize int `yaml:"recent_cache_size" mapstructure:"recent_cache_size" validate:"omitempty,min=1"`
}

// AuditFileConfig configures the file-based audit persistence, used when
// Audit.Output targets a file path.
type AuditFileConfig struct {
	// Dir is the directory where audit files are stored.
	Dir string `yaml:"dir" mapstructure:"dir"`
	// RetentionDays is the number of days to keep rotated audit files.
	// Defaults to 7.
	RetentionDays int `yaml:"retention_days" mapstructure:"retention_days"`
	// MaxFileSizeMB is the maximum size per audit file in megabytes
	// before rotation. Defaults to 100.
	MaxFileSizeMB int `yaml:"max_file_size_mb" mapstructure:"max_file_size_mb"`
}

// SetDevDefaults applies permissive defaults for development mode. Applied
// before validation so required fields are satisfied without a config file.
func (c *Config) SetDevDefaults() {
	if !c.DevMode {
		return
	}
	if c.Database.DSN == "" {
		c.Database.DSN = "file:toolgate-dev.db?_txlock=immediate&_pragma=busy_timeout(5000)"
	}
	if c.Audit.Output == "" {
		c.Audit.Output = "sql"
	}
}

// SetDefaults applies sensible default values to the configuration.
func (c *Config) SetDefaults() {
	if c.Server.HTTPAddr == "" {
		c.Server.HTTPAddr = "127.0.0.1:8080"
	}
	if c.Server.LogLevel == "" {
		c.Server.LogLevel = "info"
	}

	if c.Database.DriverName == "" {
		c.Database.DriverName = "sqlite"
	}
	if c.Database.MaxOpenConns == 0 {
		c.Database.MaxOpenConns = 1
	}

	if c.Decision.MaxPayloadBytes == 0 {
		c.Decision.MaxPayloadBytes = 1 << 20 // 1 MiB
	}
	if c.Decision.MaxHistoryLength == 0 {
		c.Decision.MaxHistoryLength = 500
	}
	if c.Decision.RequestDeadlineMs == 0 {
		c.Decision.RequestDeadlineMs = 5000
	}

	if c.Auth.KeyPrefixLength == 0 {
		c.Auth.KeyPrefixLength = 8
	}
	if c.Auth.MinKeyLength == 0 {
		c.Auth.MinKeyLength = 32
	}

	// Rate limiting is enabled by default; only apply when the user
	// hasn't explicitly configured a value in YAML/env.
	if !viper.IsSet("rate_limit.requests_per_minute") && c.RateLimit.RequestsPerMinute == 0 {
		c.RateLimit.RequestsPerMinute = 100
	}

	if c.Audit.Output == "" {
		c.Audit.Output = "sql"
	}
	if c.Audit.RecentCacheSize == 0 {
		c.Audit.RecentCacheSize = 1000
	}

	if c.AuditFile.RetentionDays == 0 {
		c.AuditFile.RetentionDays = 7
	}
	if c.AuditFile.MaxFileSizeMB == 0 {
		c.AuditFile.MaxFileSizeMB = 100
	}
}
