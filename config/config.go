package config

import (
	"fmt"
	"path/filepath"
	"time"

	"github.com/spf13/viper"
)

// Config represents the application configuration
type Config struct {
	Server  ServerConfig  `mapstructure:"server"`
	Auth    AuthConfig    `mapstructure:"auth"`
	Store   StoreConfig   `mapstructure:"store"`
	Sandbox SandboxConfig `mapstructure:"sandbox"`
	Files   FilesConfig   `mapstructure:"files"`
	Logging LoggingConfig `mapstructure:"logging"`
}

// ServerConfig holds server configuration
type ServerConfig struct {
	Transport   string `mapstructure:"transport"`
	HTTPPort    int    `mapstructure:"http_port"`
	FileAPIAddr string `mapstructure:"file_api_addr"`
}

// AuthConfig controls per-caller authentication.
//
// When RequireAuth is false every caller is treated as DefaultUserID.
// This is a degraded-isolation mode: all callers share access to any
// sandbox owned by the default identity.
type AuthConfig struct {
	RequireAuth   bool   `mapstructure:"require_auth"`
	DefaultUserID string `mapstructure:"default_user_id"`
}

// StoreConfig holds ownership store configuration
type StoreConfig struct {
	Path string `mapstructure:"path"`
}

// SandboxConfig holds sandbox environment configuration
type SandboxConfig struct {
	Backend           string  `mapstructure:"backend"`
	Image             string  `mapstructure:"image"`
	MemoryMB          int     `mapstructure:"memory_mb"`
	CPUCores          float64 `mapstructure:"cpu_cores"`
	PIDsLimit         int     `mapstructure:"pids_limit"`
	NetworkEnabled    bool    `mapstructure:"network_enabled"`
	ExecTimeoutSec    int     `mapstructure:"exec_timeout_sec"`
	InstallTimeoutSec int     `mapstructure:"install_timeout_sec"`
	ArchiveTimeoutSec int     `mapstructure:"archive_timeout_sec"`
}

// FilesConfig holds file transfer configuration
type FilesConfig struct {
	ResultsDir string `mapstructure:"results_dir"`
	BaseURL    string `mapstructure:"base_url"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Mode  string `mapstructure:"mode"`
	Level string `mapstructure:"level"`
}

// New loads and validates the application configuration
func New() (*Config, error) {
	viper.SetConfigName("config")
	viper.SetConfigType("yaml")
	viper.AddConfigPath(".")
	viper.AddConfigPath("./config")

	// Set default values
	viper.SetDefault("server.transport", "stdio")
	viper.SetDefault("server.http_port", 8080)
	viper.SetDefault("server.file_api_addr", ":8081")
	viper.SetDefault("auth.require_auth", false)
	viper.SetDefault("auth.default_user_id", "default-user")
	viper.SetDefault("store.path", "data/sandboxd.db")
	viper.SetDefault("sandbox.backend", "docker")
	viper.SetDefault("sandbox.image", "python:3.11-slim")
	viper.SetDefault("sandbox.memory_mb", 512)
	viper.SetDefault("sandbox.cpu_cores", 1.0)
	viper.SetDefault("sandbox.pids_limit", 128)
	viper.SetDefault("sandbox.network_enabled", true)
	viper.SetDefault("sandbox.exec_timeout_sec", 30)
	viper.SetDefault("sandbox.install_timeout_sec", 120)
	viper.SetDefault("sandbox.archive_timeout_sec", 30)
	viper.SetDefault("files.results_dir", "/app/results")
	viper.SetDefault("files.base_url", "http://localhost:8081")
	viper.SetDefault("logging.mode", "production")
	viper.SetDefault("logging.level", "info")

	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
		// If config file not found, continue with defaults
	}

	var config Config
	if err := viper.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	// Validate configuration
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("config validation error: %w", err)
	}

	return &config, nil
}

// Validate ensures the configuration is valid
func (c *Config) Validate() error {
	if c.Server.Transport != "stdio" && c.Server.Transport != "http" {
		return fmt.Errorf("invalid server.transport: %s, must be 'stdio' or 'http'", c.Server.Transport)
	}

	if !c.Auth.RequireAuth && c.Auth.DefaultUserID == "" {
		return fmt.Errorf("auth.default_user_id must be set when auth.require_auth is false")
	}

	if c.Store.Path == "" {
		return fmt.Errorf("store.path must not be empty")
	}

	if c.Sandbox.Backend != "docker" && c.Sandbox.Backend != "podman" {
		return fmt.Errorf("unsupported sandbox.backend: %s, must be 'docker' or 'podman'", c.Sandbox.Backend)
	}

	if c.Sandbox.Image == "" {
		return fmt.Errorf("sandbox.image must not be empty")
	}

	if c.Sandbox.MemoryMB <= 0 {
		return fmt.Errorf("sandbox.memory_mb must be positive, got: %d", c.Sandbox.MemoryMB)
	}

	if c.Sandbox.ExecTimeoutSec <= 0 {
		return fmt.Errorf("sandbox.exec_timeout_sec must be positive, got: %d", c.Sandbox.ExecTimeoutSec)
	}

	if c.Sandbox.InstallTimeoutSec <= 0 {
		return fmt.Errorf("sandbox.install_timeout_sec must be positive, got: %d", c.Sandbox.InstallTimeoutSec)
	}

	if c.Sandbox.ArchiveTimeoutSec <= 0 {
		return fmt.Errorf("sandbox.archive_timeout_sec must be positive, got: %d", c.Sandbox.ArchiveTimeoutSec)
	}

	if !filepath.IsAbs(c.Files.ResultsDir) {
		return fmt.Errorf("files.results_dir must be an absolute path, got: %s", c.Files.ResultsDir)
	}

	return nil
}

// ExecTimeout returns the per-call execution timeout as a duration
func (c *Config) ExecTimeout() time.Duration {
	return time.Duration(c.Sandbox.ExecTimeoutSec) * time.Second
}

// InstallTimeout returns the package installation timeout as a duration
func (c *Config) InstallTimeout() time.Duration {
	return time.Duration(c.Sandbox.InstallTimeoutSec) * time.Second
}

// ArchiveTimeout returns the archive retrieval timeout as a duration
func (c *Config) ArchiveTimeout() time.Duration {
	return time.Duration(c.Sandbox.ArchiveTimeoutSec) * time.Second
}
