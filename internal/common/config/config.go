// Package config provides configuration management for Agendo.
// It supports loading configuration from environment variables, config files, and defaults.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all configuration sections for the Agendo worker.
type Config struct {
	Database DatabaseConfig `mapstructure:"database"`
	NATS     NATSConfig     `mapstructure:"nats"`
	Session  SessionConfig  `mapstructure:"session"`
	Agents   AgentsConfig   `mapstructure:"agents"`
	Logging  LoggingConfig  `mapstructure:"logging"`
}

// DatabaseConfig holds database connection configuration.
// When Host is empty the worker falls back to a local SQLite file.
type DatabaseConfig struct {
	Host       string `mapstructure:"host"`
	Port       int    `mapstructure:"port"`
	User       string `mapstructure:"user"`
	Password   string `mapstructure:"password"`
	DBName     string `mapstructure:"dbName"`
	SSLMode    string `mapstructure:"sslMode"`
	MaxConns   int    `mapstructure:"maxConns"`
	MinConns   int    `mapstructure:"minConns"`
	SQLitePath string `mapstructure:"sqlitePath"`
}

// NATSConfig holds NATS messaging configuration.
// An empty URL selects the in-memory event bus.
type NATSConfig struct {
	URL           string `mapstructure:"url"`
	ClientID      string `mapstructure:"clientId"`
	MaxReconnects int    `mapstructure:"maxReconnects"`
}

// SessionConfig holds supervisor tuning for agent sessions.
type SessionConfig struct {
	LogDir             string   `mapstructure:"logDir"`             // Root for session logs and attachments
	WorkerID           string   `mapstructure:"workerId"`           // Identity recorded on claimed sessions
	DefaultIdleTimeout int      `mapstructure:"defaultIdleTimeout"` // Seconds; per-session override wins
	HeartbeatInterval  int      `mapstructure:"heartbeatInterval"`  // Seconds
	McpHealthInterval  int      `mapstructure:"mcpHealthInterval"`  // Seconds
	DeltaFlushMs       int      `mapstructure:"deltaFlushMs"`       // Delta batching window in milliseconds
	KillEscalationSec  int      `mapstructure:"killEscalationSec"`  // SIGTERM -> SIGKILL escalation delay
	PermittedRoots     []string `mapstructure:"permittedRoots"`     // Allowed working-directory roots
	McpServerURL       string   `mapstructure:"mcpServerUrl"`       // Agendo MCP endpoint written into per-session configs
}

// AgentsConfig holds agent registry configuration.
type AgentsConfig struct {
	RegistryPath string `mapstructure:"registryPath"` // YAML file with agent definitions; empty uses built-ins
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"`
	OutputPath string `mapstructure:"outputPath"`
}

// IdleTimeout returns the default idle timeout as a time.Duration.
func (s *SessionConfig) IdleTimeout() time.Duration {
	return time.Duration(s.DefaultIdleTimeout) * time.Second
}

// Heartbeat returns the heartbeat interval as a time.Duration.
func (s *SessionConfig) Heartbeat() time.Duration {
	return time.Duration(s.HeartbeatInterval) * time.Second
}

// McpHealth returns the MCP health-check interval as a time.Duration.
func (s *SessionConfig) McpHealth() time.Duration {
	return time.Duration(s.McpHealthInterval) * time.Second
}

// DeltaFlush returns the delta batching window as a time.Duration.
func (s *SessionConfig) DeltaFlush() time.Duration {
	return time.Duration(s.DeltaFlushMs) * time.Millisecond
}

// KillEscalation returns the SIGTERM to SIGKILL escalation delay.
func (s *SessionConfig) KillEscalation() time.Duration {
	return time.Duration(s.KillEscalationSec) * time.Second
}

// detectDefaultLogFormat returns the appropriate log format based on environment.
// Returns "json" if running in Kubernetes or other production environments.
// Returns "text" for terminal/development use (human-readable console format).
func detectDefaultLogFormat() string {
	if os.Getenv("KUBERNETES_SERVICE_HOST") != "" {
		return "json"
	}
	if env := os.Getenv("AGENDO_ENV"); env == "production" || env == "prod" {
		return "json"
	}
	return "text"
}

// setDefaults configures default values for all configuration options.
func setDefaults(v *viper.Viper) {
	// Database defaults - empty host means SQLite
	v.SetDefault("database.host", "")
	v.SetDefault("database.port", 5432)
	v.SetDefault("database.user", "agendo")
	v.SetDefault("database.password", "")
	v.SetDefault("database.dbName", "agendo")
	v.SetDefault("database.sslMode", "disable")
	v.SetDefault("database.maxConns", 25)
	v.SetDefault("database.minConns", 5)
	v.SetDefault("database.sqlitePath", "~/.agendo/agendo.db")

	// NATS defaults - empty URL means use in-memory event bus
	v.SetDefault("nats.url", "")
	v.SetDefault("nats.clientId", "agendo-worker")
	v.SetDefault("nats.maxReconnects", 10)

	// Session supervisor defaults
	v.SetDefault("session.logDir", "~/.agendo/logs")
	v.SetDefault("session.workerId", defaultWorkerID())
	v.SetDefault("session.defaultIdleTimeout", 1800)
	v.SetDefault("session.heartbeatInterval", 30)
	v.SetDefault("session.mcpHealthInterval", 60)
	v.SetDefault("session.deltaFlushMs", 200)
	v.SetDefault("session.killEscalationSec", 5)
	v.SetDefault("session.permittedRoots", []string{})
	v.SetDefault("session.mcpServerUrl", "")

	// Agent registry defaults - empty path uses built-in definitions
	v.SetDefault("agents.registryPath", "")

	// Logging defaults
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", detectDefaultLogFormat())
	v.SetDefault("logging.outputPath", "stdout")
}

// defaultWorkerID derives a worker identity from the hostname and pid.
func defaultWorkerID() string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "agendo"
	}
	return fmt.Sprintf("%s-%d", host, os.Getpid())
}

// Load reads configuration from environment variables, config file, and defaults.
// Environment variables use the prefix AGENDO_ with snake_case naming.
// Config file should be named config.yaml and placed in the current directory or /etc/agendo/.
func Load() (*Config, error) {
	return LoadWithPath("")
}

// LoadWithPath reads configuration from the specified path or default locations.
func LoadWithPath(configPath string) (*Config, error) {
	v := viper.New()

	setDefaults(v)

	v.SetEnvPrefix("AGENDO")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Explicit bindings for snake_case env vars (camelCase config keys).
	// AutomaticEnv does not handle camelCase to SNAKE_CASE conversion.
	_ = v.BindEnv("session.logDir", "AGENDO_SESSION_LOG_DIR")
	_ = v.BindEnv("session.workerId", "AGENDO_SESSION_WORKER_ID")
	_ = v.BindEnv("agents.registryPath", "AGENDO_AGENTS_REGISTRY_PATH")
	_ = v.BindEnv("database.sqlitePath", "AGENDO_DATABASE_SQLITE_PATH")

	v.SetConfigName("config")
	v.SetConfigType("yaml")

	if configPath != "" {
		v.AddConfigPath(configPath)
	}
	v.AddConfigPath(".")
	v.AddConfigPath("/etc/agendo/")

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	if err := validate(&cfg); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &cfg, nil
}

// validate checks that all required configuration fields are set.
func validate(cfg *Config) error {
	var errs []string

	if cfg.Database.Host != "" {
		if cfg.Database.Port <= 0 || cfg.Database.Port > 65535 {
			errs = append(errs, "database.port must be between 1 and 65535")
		}
		if cfg.Database.User == "" {
			errs = append(errs, "database.user is required when database.host is set")
		}
		if cfg.Database.DBName == "" {
			errs = append(errs, "database.dbName is required when database.host is set")
		}
	}

	if cfg.Session.WorkerID == "" {
		errs = append(errs, "session.workerId must not be empty")
	}
	if cfg.Session.DefaultIdleTimeout <= 0 {
		errs = append(errs, "session.defaultIdleTimeout must be positive")
	}
	if cfg.Session.HeartbeatInterval <= 0 {
		errs = append(errs, "session.heartbeatInterval must be positive")
	}
	if cfg.Session.DeltaFlushMs <= 0 {
		errs = append(errs, "session.deltaFlushMs must be positive")
	}

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[strings.ToLower(cfg.Logging.Level)] {
		errs = append(errs, "logging.level must be one of: debug, info, warn, error")
	}
	validFormats := map[string]bool{"json": true, "text": true}
	if !validFormats[strings.ToLower(cfg.Logging.Format)] {
		errs = append(errs, "logging.format must be one of: json, text")
	}

	if len(errs) > 0 {
		return fmt.Errorf("%s", strings.Join(errs, "; "))
	}

	return nil
}

// ExpandHome resolves a leading "~/" against the current user's home
// directory. Paths without the prefix are returned unchanged.
func ExpandHome(path string) string {
	if path == "~" || strings.HasPrefix(path, "~/") {
		home, err := os.UserHomeDir()
		if err != nil || home == "" {
			return path
		}
		if path == "~" {
			return home
		}
		return home + path[1:]
	}
	return path
}

// DSN returns the PostgreSQL connection string.
func (d *DatabaseConfig) DSN() string {
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		d.Host, d.Port, d.User, d.Password, d.DBName, d.SSLMode,
	)
}
