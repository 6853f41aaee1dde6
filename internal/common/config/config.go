// Package config provides configuration management for the Netra gateway.
// It supports loading configuration from environment variables, config files, and defaults.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all configuration sections for the gateway.
type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	WebSocket WebSocketConfig `mapstructure:"websocket"`
	NATS      NATSConfig      `mapstructure:"nats"`
	Auth      AuthConfig      `mapstructure:"auth"`
	Logging   LoggingConfig   `mapstructure:"logging"`
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Host         string `mapstructure:"host"`
	Port         int    `mapstructure:"port"`
	ReadTimeout  int    `mapstructure:"readTimeout"`  // in seconds
	WriteTimeout int    `mapstructure:"writeTimeout"` // in seconds
}

// WebSocketConfig holds connection manager configuration.
type WebSocketConfig struct {
	// MaxManagersPerUser caps the number of concurrently active managers
	// (one per conversation thread) a single user may hold.
	MaxManagersPerUser int `mapstructure:"maxManagersPerUser"`

	// IdleTimeout is how long a manager may go without traffic before it
	// becomes an eviction candidate, in seconds.
	IdleTimeout int `mapstructure:"idleTimeout"`

	// CleanupInterval is how often the janitor sweeps idle managers, in seconds.
	CleanupInterval int `mapstructure:"cleanupInterval"`

	// CloseTimeout bounds how long manager teardown may spend closing
	// sockets, in seconds.
	CloseTimeout int `mapstructure:"closeTimeout"`
}

// NATSConfig holds NATS messaging configuration.
type NATSConfig struct {
	URL           string `mapstructure:"url"`
	ClusterID     string `mapstructure:"clusterId"`
	ClientID      string `mapstructure:"clientId"`
	MaxReconnects int    `mapstructure:"maxReconnects"`
}

// AuthConfig holds authentication configuration.
type AuthConfig struct {
	JWTSecret     string `mapstructure:"jwtSecret"`
	TokenDuration int    `mapstructure:"tokenDuration"` // in seconds
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

// IdleTimeoutDuration returns the manager idle timeout as a time.Duration.
func (w *WebSocketConfig) IdleTimeoutDuration() time.Duration {
	return time.Duration(w.IdleTimeout) * time.Second
}

// CleanupIntervalDuration returns the janitor sweep interval as a time.Duration.
func (w *WebSocketConfig) CleanupIntervalDuration() time.Duration {
	return time.Duration(w.CleanupInterval) * time.Second
}

// CloseTimeoutDuration returns the teardown close timeout as a time.Duration.
func (w *WebSocketConfig) CloseTimeoutDuration() time.Duration {
	return time.Duration(w.CloseTimeout) * time.Second
}

// TokenDurationTime returns the token duration as a time.Duration.
func (a *AuthConfig) TokenDurationTime() time.Duration {
	return time.Duration(a.TokenDuration) * time.Second
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
	if env := os.Getenv("NETRA_ENV"); env == "production" || env == "prod" {
		return "json"
	}

	// Default to text format for terminal use (more readable than JSON)
	return "text"
}

// setDefaults configures default values for all configuration options.
func setDefaults(v *viper.Viper) {
	// Server defaults
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.readTimeout", 30)
	v.SetDefault("server.writeTimeout", 30)

	// WebSocket manager defaults
	v.SetDefault("websocket.maxManagersPerUser", 20)
	v.SetDefault("websocket.idleTimeout", 300)
	v.SetDefault("websocket.cleanupInterval", 60)
	v.SetDefault("websocket.closeTimeout", 5)

	// NATS defaults - empty URL means use in-memory event bus
	v.SetDefault("nats.url", "")
	v.SetDefault("nats.clusterId", "netra-cluster")
	v.SetDefault("nats.clientId", "netra-gateway")
	v.SetDefault("nats.maxReconnects", 10)

	// Auth defaults
	v.SetDefault("auth.jwtSecret", "")
	v.SetDefault("auth.tokenDuration", 3600) // 1 hour

	// Logging defaults
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", detectDefaultLogFormat())
	v.SetDefault("logging.outputPath", "stdout")
}

// Load reads configuration from environment variables, config file, and defaults.
// Environment variables use the prefix NETRA_ with snake_case naming.
// Config file should be named config.yaml and placed in the current directory or /etc/netra/.
func Load() (*Config, error) {
	return LoadWithPath("")
}

// LoadWithPath reads configuration from the specified path or default locations.
func LoadWithPath(configPath string) (*Config, error) {
	v := viper.New()

	// Set defaults first
	setDefaults(v)

	// Configure environment variables
	v.SetEnvPrefix("NETRA")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Explicit bindings for snake_case env vars (camelCase config keys)
	// AutomaticEnv does not handle camelCase to SNAKE_CASE conversion,
	// so we explicitly bind keys where env var naming differs from config key naming.
	_ = v.BindEnv("websocket.maxManagersPerUser", "NETRA_WEBSOCKET_MAX_MANAGERS_PER_USER")
	_ = v.BindEnv("websocket.idleTimeout", "NETRA_WEBSOCKET_IDLE_TIMEOUT")
	_ = v.BindEnv("websocket.cleanupInterval", "NETRA_WEBSOCKET_CLEANUP_INTERVAL")
	_ = v.BindEnv("websocket.closeTimeout", "NETRA_WEBSOCKET_CLOSE_TIMEOUT")
	_ = v.BindEnv("auth.jwtSecret", "NETRA_AUTH_JWT_SECRET")

	// Configure config file
	v.SetConfigName("config")
	v.SetConfigType("yaml")

	if configPath != "" {
		v.AddConfigPath(configPath)
	}
	v.AddConfigPath(".")
	v.AddConfigPath("/etc/netra/")

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
// In development mode (default), most fields are optional.
func validate(cfg *Config) error {
	var errs []string

	// Server validation - always required
	if cfg.Server.Port <= 0 || cfg.Server.Port > 65535 {
		errs = append(errs, "server.port must be between 1 and 65535")
	}

	// WebSocket manager validation
	if cfg.WebSocket.MaxManagersPerUser <= 0 {
		errs = append(errs, "websocket.maxManagersPerUser must be positive")
	}
	if cfg.WebSocket.IdleTimeout <= 0 {
		errs = append(errs, "websocket.idleTimeout must be positive")
	}
	if cfg.WebSocket.CleanupInterval <= 0 {
		errs = append(errs, "websocket.cleanupInterval must be positive")
	}
	if cfg.WebSocket.CloseTimeout <= 0 {
		errs = append(errs, "websocket.closeTimeout must be positive")
	}

	// NATS validation - optional (uses in-memory event bus if not set)
	// No validation needed - empty URL means use in-memory

	// Auth validation - generate random secret if not set (dev mode)
	if cfg.Auth.JWTSecret == "" {
		cfg.Auth.JWTSecret = generateDevSecret()
	}
	if cfg.Auth.TokenDuration <= 0 {
		errs = append(errs, "auth.tokenDuration must be positive")
	}

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

// generateDevSecret generates a random secret for development mode.
func generateDevSecret() string {
	// Use a fixed dev secret with a warning prefix
	// In production, users should set NETRA_AUTH_JWT_SECRET
	return "dev-secret-change-in-production-" + fmt.Sprintf("%d", time.Now().UnixNano())
}
