package sandbox

import (
	"fmt"

	"go.uber.org/zap"

	"github.com/isdmx/sandboxd/config"
)

// NewDockerProvider creates a Provider backed by the docker CLI
func NewDockerProvider(logger *zap.Logger, config *Config, opts ...CLIProviderOption) *CLIProvider {
	return newCLIProvider(logger, "docker", config, opts...)
}

// NewPodmanProvider creates a Provider backed by the podman CLI
func NewPodmanProvider(logger *zap.Logger, config *Config, opts ...CLIProviderOption) *CLIProvider {
	return newCLIProvider(logger, "podman", config, opts...)
}

// NewProvider creates an appropriate environment provider based on the configuration
func NewProvider(logger *zap.Logger, cfg *config.Config) (Provider, error) {
	providerConfig := &Config{
		Image:          cfg.Sandbox.Image,
		MemoryMB:       cfg.Sandbox.MemoryMB,
		CPUCores:       cfg.Sandbox.CPUCores,
		PIDsLimit:      cfg.Sandbox.PIDsLimit,
		NetworkEnabled: cfg.Sandbox.NetworkEnabled,
		ResultsDir:     cfg.Files.ResultsDir,
	}

	switch cfg.Sandbox.Backend {
	case "docker":
		return NewDockerProvider(logger, providerConfig), nil
	case "podman":
		return NewPodmanProvider(logger, providerConfig), nil
	default:
		return nil, fmt.Errorf("unsupported backend: %s", cfg.Sandbox.Backend)
	}
}
