package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func validConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Transport:   "stdio",
			HTTPPort:    8080,
			FileAPIAddr: ":8081",
		},
		Auth: AuthConfig{
			RequireAuth:   false,
			DefaultUserID: "default-user",
		},
		Store: StoreConfig{
			Path: "data/sandboxd.db",
		},
		Sandbox: SandboxConfig{
			Backend:           "docker",
			Image:             "python:3.11-slim",
			MemoryMB:          512,
			CPUCores:          1.0,
			PIDsLimit:         128,
			NetworkEnabled:    false,
			ExecTimeoutSec:    30,
			InstallTimeoutSec: 120,
			ArchiveTimeoutSec: 30,
		},
		Files: FilesConfig{
			ResultsDir: "/app/results",
			BaseURL:    "http://localhost:8081",
		},
		Logging: LoggingConfig{
			Mode:  "production",
			Level: "info",
		},
	}
}

func TestConfigValidation(t *testing.T) {
	t.Run("ValidConfig", func(t *testing.T) {
		cfg := validConfig()
		require.NoError(t, cfg.Validate())
	})

	t.Run("InvalidTransport", func(t *testing.T) {
		cfg := validConfig()
		cfg.Server.Transport = "grpc"
		err := cfg.Validate()
		require.Error(t, err)
		assert.Contains(t, err.Error(), "server.transport")
	})

	t.Run("MissingDefaultUserWithAuthDisabled", func(t *testing.T) {
		cfg := validConfig()
		cfg.Auth.RequireAuth = false
		cfg.Auth.DefaultUserID = ""
		err := cfg.Validate()
		require.Error(t, err)
		assert.Contains(t, err.Error(), "auth.default_user_id")
	})

	t.Run("EmptyDefaultUserAllowedWithAuthEnabled", func(t *testing.T) {
		cfg := validConfig()
		cfg.Auth.RequireAuth = true
		cfg.Auth.DefaultUserID = ""
		require.NoError(t, cfg.Validate())
	})

	t.Run("EmptyStorePath", func(t *testing.T) {
		cfg := validConfig()
		cfg.Store.Path = ""
		err := cfg.Validate()
		require.Error(t, err)
		assert.Contains(t, err.Error(), "store.path")
	})

	t.Run("UnsupportedBackend", func(t *testing.T) {
		cfg := validConfig()
		cfg.Sandbox.Backend = "kubernetes"
		err := cfg.Validate()
		require.Error(t, err)
		assert.Contains(t, err.Error(), "sandbox.backend")
	})

	t.Run("PodmanBackend", func(t *testing.T) {
		cfg := validConfig()
		cfg.Sandbox.Backend = "podman"
		require.NoError(t, cfg.Validate())
	})

	t.Run("EmptyImage", func(t *testing.T) {
		cfg := validConfig()
		cfg.Sandbox.Image = ""
		err := cfg.Validate()
		require.Error(t, err)
		assert.Contains(t, err.Error(), "sandbox.image")
	})

	t.Run("NonPositiveMemory", func(t *testing.T) {
		cfg := validConfig()
		cfg.Sandbox.MemoryMB = 0
		err := cfg.Validate()
		require.Error(t, err)
		assert.Contains(t, err.Error(), "sandbox.memory_mb")
	})

	t.Run("NonPositiveTimeouts", func(t *testing.T) {
		for _, mutate := range []func(*Config){
			func(c *Config) { c.Sandbox.ExecTimeoutSec = 0 },
			func(c *Config) { c.Sandbox.InstallTimeoutSec = -1 },
			func(c *Config) { c.Sandbox.ArchiveTimeoutSec = 0 },
		} {
			cfg := validConfig()
			mutate(cfg)
			assert.Error(t, cfg.Validate())
		}
	})

	t.Run("RelativeResultsDir", func(t *testing.T) {
		cfg := validConfig()
		cfg.Files.ResultsDir = "app/results"
		err := cfg.Validate()
		require.Error(t, err)
		assert.Contains(t, err.Error(), "files.results_dir")
	})
}

func TestTimeoutHelpers(t *testing.T) {
	cfg := validConfig()
	assert.Equal(t, 30*time.Second, cfg.ExecTimeout())
	assert.Equal(t, 120*time.Second, cfg.InstallTimeout())
	assert.Equal(t, 30*time.Second, cfg.ArchiveTimeout())
}
