// Package config provides configuration management for flowrite.
// It supports loading configuration from environment variables, config files, and defaults.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all configuration sections for the flowrite agent backend.
type Config struct {
	Server   ServerConfig   `mapstructure:"server"`
	Agents   AgentsConfig   `mapstructure:"agents"`
	Bus      BusConfig      `mapstructure:"bus"`
	EventLog EventLogConfig `mapstructure:"eventLog"`
	Logging  LoggingConfig  `mapstructure:"logging"`
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Host         string `mapstructure:"host"`
	Port         int    `mapstructure:"port"`
	ReadTimeout  int    `mapstructure:"readTimeout"`  // in seconds
	WriteTimeout int    `mapstructure:"writeTimeout"` // in seconds
}

// AgentsConfig holds agent process supervision configuration.
type AgentsConfig struct {
	// MaxProcesses bounds the number of concurrently running agent
	// processes. Connecting past the bound evicts the least recently
	// used agent.
	MaxProcesses int `mapstructure:"maxProcesses"`

	// InitTimeout is how long a connect call waits for the process to
	// spawn and complete the protocol handshake, in seconds.
	InitTimeout int `mapstructure:"initTimeout"`

	// WireLogDir is where per-process wire logs are written.
	// Empty disables wire logging.
	WireLogDir string `mapstructure:"wireLogDir"`

	// WireLogMaxAge is the retention for wire log files, in hours.
	WireLogMaxAge int `mapstructure:"wireLogMaxAge"`

	// CatalogPath points at an optional YAML file of named launch specs.
	CatalogPath string `mapstructure:"catalogPath"`
}

// BusConfig holds event bus configuration.
// An empty URL selects the in-memory bus.
type BusConfig struct {
	URL           string `mapstructure:"url"`
	ClientID      string `mapstructure:"clientId"`
	MaxReconnects int    `mapstructure:"maxReconnects"`
}

// EventLogConfig holds the sqlite event journal configuration.
type EventLogConfig struct {
	// Path is the sqlite file path. Empty disables the journal.
	Path string `mapstructure:"path"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"`
	OutputPath string `mapstructure:"outputPath"`
}

// ReadTimeoutDuration returns the read timeout as a time.Duration.
func (s *ServerConfig) ReadTimeoutDuration() time.Duration {
	return time.Duration(s.ReadTimeout) * time.Second
}

// WriteTimeoutDuration returns the write timeout as a time.Duration.
func (s *ServerConfig) WriteTimeoutDuration() time.Duration {
	return time.Duration(s.WriteTimeout) * time.Second
}

// InitTimeoutDuration returns the handshake timeout as a time.Duration.
func (a *AgentsConfig) InitTimeoutDuration() time.Duration {
	return time.Duration(a.InitTimeout) * time.Second
}

// WireLogMaxAgeDuration returns the wire log retention as a time.Duration.
func (a *AgentsConfig) WireLogMaxAgeDuration() time.Duration {
	return time.Duration(a.WireLogMaxAge) * time.Hour
}

// detectDefaultLogFormat returns the appropriate log format based on environment.
// Returns "json" if running in Kubernetes or other production environments.
// Returns "text" for terminal/development use (human-readable console format).
func detectDefaultLogFormat() string {
	// Check if running in Kubernetes
	if os.Getenv("KUBERNETES_SERVICE_HOST") != "" {
		return "json"
	}

	// Check for explicit production environment
	if env := os.Getenv("FLOWRITE_ENV"); env == "production" || env == "prod" {
		return "json"
	}

	// Default to text format for terminal use (more readable than JSON)
	return "text"
}

// setDefaults configures default values for all configuration options.
func setDefaults(v *viper.Viper) {
	// Server defaults
	v.SetDefault("server.host", "127.0.0.1")
	v.SetDefault("server.port", 8750)
	v.SetDefault("server.readTimeout", 30)
	v.SetDefault("server.writeTimeout", 30)

	// Agent defaults
	v.SetDefault("agents.maxProcesses", 5)
	v.SetDefault("agents.initTimeout", 30)
	v.SetDefault("agents.wireLogDir", defaultWireLogDir())
	v.SetDefault("agents.wireLogMaxAge", 168) // 7 days
	v.SetDefault("agents.catalogPath", "")

	// Bus defaults - empty URL means use in-memory event bus
	v.SetDefault("bus.url", "")
	v.SetDefault("bus.clientId", "flowrite")
	v.SetDefault("bus.maxReconnects", 10)

	// Event log defaults
	v.SetDefault("eventLog.path", "")

	// Logging defaults
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", detectDefaultLogFormat())
	v.SetDefault("logging.outputPath", "stdout")
}

func defaultWireLogDir() string {
	dir, err := os.UserCacheDir()
	if err != nil {
		return ""
	}
	return filepath.Join(dir, "flowrite", "wire-logs")
}

// Load reads configuration from environment variables, config file, and defaults.
// Environment variables use the prefix FLOWRITE_ with snake_case naming.
// Config file should be named config.yaml and placed in the current directory or /etc/flowrite/.
func Load() (*Config, error) {
	return LoadWithPath("")
}

// LoadWithPath reads configuration from the specified path or default locations.
func LoadWithPath(configPath string) (*Config, error) {
	v := viper.New()

	// Set defaults first
	setDefaults(v)

	// Configure environment variables
	v.SetEnvPrefix("FLOWRITE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Explicit bindings for snake_case env vars (camelCase config keys)
	// AutomaticEnv does not handle camelCase to SNAKE_CASE conversion,
	// so we explicitly bind keys where env var naming differs from config key naming.
	_ = v.BindEnv("agents.maxProcesses", "FLOWRITE_AGENTS_MAX_PROCESSES")
	_ = v.BindEnv("agents.initTimeout", "FLOWRITE_AGENTS_INIT_TIMEOUT")
	_ = v.BindEnv("agents.wireLogDir", "FLOWRITE_AGENTS_WIRE_LOG_DIR")
	_ = v.BindEnv("agents.wireLogMaxAge", "FLOWRITE_AGENTS_WIRE_LOG_MAX_AGE")
	_ = v.BindEnv("agents.catalogPath", "FLOWRITE_AGENTS_CATALOG_PATH")
	_ = v.BindEnv("eventLog.path", "FLOWRITE_EVENT_LOG_PATH")
	_ = v.BindEnv("logging.outputPath", "FLOWRITE_LOGGING_OUTPUT_PATH")

	// Configure config file
	v.SetConfigName("config")
	v.SetConfigType("yaml")

	if configPath != "" {
		v.AddConfigPath(configPath)
	}
	v.AddConfigPath(".")
	v.AddConfigPath("/etc/flowrite/")

	// Read config file (ignore if not found)
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

	// Server validation - always required
	if cfg.Server.Port <= 0 || cfg.Server.Port > 65535 {
		errs = append(errs, "server.port must be between 1 and 65535")
	}

	// Agent validation
	if cfg.Agents.MaxProcesses <= 0 {
		errs = append(errs, "agents.maxProcesses must be positive")
	}
	if cfg.Agents.InitTimeout <= 0 {
		errs = append(errs, "agents.initTimeout must be positive")
	}
	if cfg.Agents.WireLogMaxAge < 0 {
		errs = append(errs, "agents.wireLogMaxAge must not be negative")
	}

	// Bus validation - optional (uses in-memory event bus if URL not set)

	// Logging validation
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
