// Package config handles loading and parsing of bm-drive-cloud configuration.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// DriveScope is the OAuth scope the drive backend requests.
const DriveScope = "https://www.googleapis.com/auth/drive"

// Config is the top-level configuration for bm-drive-cloud.
type Config struct {
	Server        ServerConfig        `yaml:"server"`
	Logging       LoggingConfig       `yaml:"logging"`
	Transfer      TransferConfig      `yaml:"transfer"`
	Retry         RetryConfig         `yaml:"retry"`
	Drive         DriveConfig         `yaml:"drive"`
	Filesystem    FilesystemConfig    `yaml:"filesystem"`
	Observability ObservabilityConfig `yaml:"observability"`
}

// ServerConfig holds HTTP front end settings.
type ServerConfig struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
	// ShutdownTimeout is the graceful shutdown grace period in seconds.
	ShutdownTimeout int `yaml:"shutdown_timeout"`
	// MaxRequestBytes bounds the size of a POSTed work request.
	MaxRequestBytes int64 `yaml:"max_request_bytes"`
}

// LoggingConfig holds log/slog settings.
type LoggingConfig struct {
	// Level is one of "debug", "info", "warn", "error".
	Level string `yaml:"level"`
	// Format is "text" or "json".
	Format string `yaml:"format"`
}

// TransferConfig holds orchestrator settings.
type TransferConfig struct {
	// MaxConcurrency caps in-flight file transfers per call. Zero means unlimited.
	MaxConcurrency int `yaml:"max_concurrency"`
	// PartialResults makes the front ends report per-file outcomes instead of
	// failing the whole call on the first error.
	PartialResults bool `yaml:"partial_results"`
}

// RetryConfig holds backoff settings for client acquisition and input opening.
type RetryConfig struct {
	BaseDelayMs int `yaml:"base_delay_ms"`
	// MaxDelayMs caps the exponential part of a single wait.
	MaxDelayMs  int  `yaml:"max_delay_ms"`
	MaxAttempts int  `yaml:"max_attempts"`
	LogAttempts bool `yaml:"log_attempts"`
}

// BaseDelay returns BaseDelayMs as a duration.
func (r RetryConfig) BaseDelay() time.Duration {
	return time.Duration(r.BaseDelayMs) * time.Millisecond
}

// MaxDelay returns MaxDelayMs as a duration.
func (r RetryConfig) MaxDelay() time.Duration {
	return time.Duration(r.MaxDelayMs) * time.Millisecond
}

// FilesystemConfig holds local filesystem settings.
type FilesystemConfig struct {
	// Root confines every filesystem path beneath it. Empty leaves paths
	// unconfined, which exposes the whole host to callers of the HTTP front end.
	Root string `yaml:"root"`
}

// DriveConfig holds hierarchical-drive settings.
type DriveConfig struct {
	// Scopes are the OAuth scopes requested for impersonated drive access.
	Scopes []string `yaml:"scopes"`
	// RootFolderID is the folder logical paths are resolved from.
	RootFolderID string `yaml:"root_folder_id"`
}

// ObservabilityConfig toggles the operational endpoints.
type ObservabilityConfig struct {
	Metrics     bool `yaml:"metrics"`
	HealthCheck bool `yaml:"health_check"`
}

// Load reads configuration from a YAML file at the given path. An empty path
// returns the defaults. A missing file falls back to bmcopy.example.yaml
// next to it.
func Load(path string) (*Config, error) {
	cfg := defaultConfig()
	if path == "" {
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		fallback := filepath.Join(filepath.Dir(path), "bmcopy.example.yaml")
		var fallbackErr error
		data, fallbackErr = os.ReadFile(fallback)
		if fallbackErr != nil {
			return nil, fmt.Errorf("reading config file: %w", err)
		}
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	applyDefaults(cfg)
	return cfg, nil
}

// defaultConfig returns a Config populated with default values.
func defaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Host:            "0.0.0.0",
			Port:            8080,
			ShutdownTimeout: 30,
			MaxRequestBytes: 10 << 20,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
		},
		Retry: RetryConfig{
			BaseDelayMs: 750,
			MaxDelayMs:  60000,
			MaxAttempts: 5,
			LogAttempts: true,
		},
		Drive: DriveConfig{
			Scopes:       []string{DriveScope},
			RootFolderID: "root",
		},
		Observability: ObservabilityConfig{
			Metrics:     true,
			HealthCheck: true,
		},
	}
}

// applyDefaults fills in zero values that the YAML document may have cleared.
func applyDefaults(cfg *Config) {
	if cfg.Server.Host == "" {
		cfg.Server.Host = "0.0.0.0"
	}
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 8080
	}
	if cfg.Server.ShutdownTimeout <= 0 {
		cfg.Server.ShutdownTimeout = 30
	}
	if cfg.Server.MaxRequestBytes <= 0 {
		cfg.Server.MaxRequestBytes = 10 << 20
	}
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = "text"
	}
	if cfg.Transfer.MaxConcurrency < 0 {
		cfg.Transfer.MaxConcurrency = 0
	}
	if cfg.Retry.BaseDelayMs <= 0 {
		cfg.Retry.BaseDelayMs = 750
	}
	if cfg.Retry.MaxDelayMs <= 0 {
		cfg.Retry.MaxDelayMs = 60000
	}
	if cfg.Retry.MaxAttempts <= 0 {
		cfg.Retry.MaxAttempts = 5
	}
	if len(cfg.Drive.Scopes) == 0 {
		cfg.Drive.Scopes = []string{DriveScope}
	}
	if cfg.Drive.RootFolderID == "" {
		cfg.Drive.RootFolderID = "root"
	}
}
