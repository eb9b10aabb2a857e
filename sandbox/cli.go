package sandbox

import (
	"context"
	"fmt"
	"io"
	"strconv"
	"strings"

	"go.uber.org/zap"
)

// Config holds configuration for the CLI-backed environment providers
type Config struct {
	Image          string
	MemoryMB       int
	CPUCores       float64
	PIDsLimit      int
	NetworkEnabled bool
	ResultsDir     string
}

// CLIProvider implements Provider by driving the docker or podman CLI.
// Docker and podman accept the same argument surface for everything the
// provider needs, so a single implementation serves both backends.
type CLIProvider struct {
	logger    *zap.Logger
	bin       string
	config    *Config
	cmdRunner CommandRunner
}

// CLIProviderOption defines a functional option for CLIProvider
type CLIProviderOption func(*CLIProvider)

// WithCommandRunner sets the CommandRunner for CLIProvider
func WithCommandRunner(cmdRunner CommandRunner) CLIProviderOption {
	return func(p *CLIProvider) {
		p.cmdRunner = cmdRunner
	}
}

func newCLIProvider(logger *zap.Logger, bin string, config *Config, opts ...CLIProviderOption) *CLIProvider {
	p := &CLIProvider{
		logger:    logger,
		bin:       bin,
		config:    config,
		cmdRunner: &RealCommandRunner{}, // Default implementation
	}

	// Apply options
	for _, opt := range opts {
		opt(p)
	}

	return p
}

// StartSandbox provisions a long-lived, hardened container and creates
// the results directory inside it.
func (p *CLIProvider) StartSandbox(ctx context.Context, containerName string) error {
	args := []string{
		p.bin, "run", "-d",
		"--name", containerName,
		"--memory", fmt.Sprintf("%dm", p.config.MemoryMB),
		"--memory-swap", fmt.Sprintf("%dm", p.config.MemoryMB), // same as memory = no swap
		"--cpus", strconv.FormatFloat(p.config.CPUCores, 'f', 2, 64),
		"--pids-limit", strconv.Itoa(p.config.PIDsLimit),
		"--security-opt", "no-new-privileges",
	}

	if p.config.NetworkEnabled {
		args = append(args, "--network", "bridge")
	} else {
		args = append(args, "--network", "none")
	}

	args = append(args, p.config.Image, "sleep", "infinity")

	_, stderr, exitCode, err := p.cmdRunner.RunCommand(ctx, args, nil)
	if err != nil {
		return fmt.Errorf("starting container %s: %w", containerName, err)
	}
	if exitCode != 0 {
		p.logger.Error("container start failed",
			zap.String("container", containerName),
			zap.String("stderr", stderr))
		return fmt.Errorf("starting container %s: %s: %w", containerName, strings.TrimSpace(stderr), ErrInternal)
	}

	p.logger.Info("container started",
		zap.String("container", containerName),
		zap.String("image", p.config.Image))

	// Uploads and code execution both assume the results directory exists.
	res, err := p.Exec(ctx, Handle(containerName), []string{"mkdir", "-p", p.config.ResultsDir}, nil)
	if err != nil {
		return fmt.Errorf("preparing results directory in %s: %w", containerName, err)
	}
	if res.ExitCode != 0 {
		return fmt.Errorf("preparing results directory in %s: %s: %w", containerName, strings.TrimSpace(res.Stderr), ErrInternal)
	}

	return nil
}

// SandboxRunning reports whether the named container is running. A
// non-zero inspect exit means the provider has no such container.
func (p *CLIProvider) SandboxRunning(ctx context.Context, containerName string) (bool, error) {
	stdout, _, exitCode, err := p.cmdRunner.RunCommand(ctx,
		[]string{p.bin, "inspect", "-f", "{{.State.Running}}", containerName}, nil)
	if err != nil {
		return false, fmt.Errorf("inspecting container %s: %w", containerName, err)
	}
	if exitCode != 0 {
		return false, nil
	}
	return strings.TrimSpace(stdout) == "true", nil
}

// Exec runs argv inside the container. Arguments are passed as an argv
// vector, never through a shell, so caller input cannot be reinterpreted.
func (p *CLIProvider) Exec(ctx context.Context, handle Handle, argv []string, stdin io.Reader) (ExecResult, error) {
	if len(argv) == 0 {
		return ExecResult{}, fmt.Errorf("empty command")
	}

	args := []string{p.bin, "exec"}
	if stdin != nil {
		args = append(args, "-i")
	}
	args = append(args, string(handle))
	args = append(args, argv...)

	stdout, stderr, exitCode, err := p.cmdRunner.RunCommand(ctx, args, stdin)
	if err != nil {
		return ExecResult{}, fmt.Errorf("exec in container %s: %w", handle, err)
	}

	return ExecResult{Stdout: stdout, Stderr: stderr, ExitCode: exitCode}, nil
}

// GetArchive streams a tar snapshot of the given path from the container.
func (p *CLIProvider) GetArchive(ctx context.Context, handle Handle, path string) (io.ReadCloser, error) {
	stream, err := p.cmdRunner.StreamCommand(ctx,
		[]string{p.bin, "cp", fmt.Sprintf("%s:%s", handle, path), "-"})
	if err != nil {
		return nil, fmt.Errorf("requesting archive %s from container %s: %w", path, handle, err)
	}
	return stream, nil
}

// PutArchive extracts a tar stream into destDir inside the container.
func (p *CLIProvider) PutArchive(ctx context.Context, handle Handle, destDir string, archive io.Reader) error {
	_, stderr, exitCode, err := p.cmdRunner.RunCommand(ctx,
		[]string{p.bin, "cp", "-", fmt.Sprintf("%s:%s", handle, destDir)}, archive)
	if err != nil {
		return fmt.Errorf("copying archive into container %s: %w", handle, err)
	}
	if exitCode != 0 {
		return fmt.Errorf("copying archive into container %s: %s: %w", handle, strings.TrimSpace(stderr), ErrInternal)
	}
	return nil
}

// Remove force-removes the container. An already-gone container is fine:
// teardown must stay idempotent under concurrent deletes.
func (p *CLIProvider) Remove(ctx context.Context, handle Handle) error {
	_, stderr, exitCode, err := p.cmdRunner.RunCommand(ctx,
		[]string{p.bin, "rm", "-f", string(handle)}, nil)
	if err != nil {
		return fmt.Errorf("removing container %s: %w", handle, err)
	}
	if exitCode != 0 {
		if strings.Contains(strings.ToLower(stderr), "no such container") {
			return nil
		}
		p.logger.Warn("container removal failed",
			zap.String("container", string(handle)),
			zap.String("stderr", stderr))
		return fmt.Errorf("removing container %s: %s: %w", handle, strings.TrimSpace(stderr), ErrInternal)
	}

	p.logger.Info("container removed", zap.String("container", string(handle)))
	return nil
}
