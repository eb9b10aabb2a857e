package sandbox

import (
	"context"
	"path"
	"sort"
	"strings"
	"time"

	"go.uber.org/zap"
)

// Executor runs Python code and shell commands inside resolved
// environment handles, with a per-call timeout so a stalled environment
// cannot hold a caller indefinitely.
type Executor struct {
	logger     *zap.Logger
	provider   Provider
	timeout    time.Duration
	resultsDir string
}

// NewExecutor creates a new Executor
func NewExecutor(logger *zap.Logger, provider Provider, timeout time.Duration, resultsDir string) *Executor {
	return &Executor{
		logger:     logger,
		provider:   provider,
		timeout:    timeout,
		resultsDir: resultsDir,
	}
}

// RunCode executes Python source inside the environment. The source is
// fed to the interpreter through stdin so it never passes a shell.
// Returns the execution result plus the paths of files that appeared in
// the results directory during the run.
func (e *Executor) RunCode(ctx context.Context, handle Handle, code string) (ExecResult, []string, error) {
	before := e.listResults(ctx, handle)

	ctxWithTimeout, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	result, err := e.provider.Exec(ctxWithTimeout, handle, []string{"python", "-"}, strings.NewReader(code))

	if ctxWithTimeout.Err() == context.DeadlineExceeded {
		e.logger.Warn("code execution timed out",
			zap.String("container", string(handle)),
			zap.Duration("timeout", e.timeout))
		return ExecResult{
			Stdout:   result.Stdout,
			Stderr:   result.Stderr + "\nExecution timed out",
			ExitCode: 1,
		}, nil, nil
	}
	if err != nil {
		return ExecResult{}, nil, err
	}

	e.logger.Info("code execution completed",
		zap.String("container", string(handle)),
		zap.Int("exit_code", result.ExitCode),
		zap.Int("stdout_len", len(result.Stdout)),
		zap.Int("stderr_len", len(result.Stderr)))

	return result, e.newEntries(before, e.listResults(ctx, handle)), nil
}

// RunCommand executes a shell command inside the environment.
func (e *Executor) RunCommand(ctx context.Context, handle Handle, command string) (ExecResult, error) {
	ctxWithTimeout, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	result, err := e.provider.Exec(ctxWithTimeout, handle, []string{"sh", "-c", command}, nil)

	if ctxWithTimeout.Err() == context.DeadlineExceeded {
		e.logger.Warn("command execution timed out",
			zap.String("container", string(handle)),
			zap.Duration("timeout", e.timeout))
		return ExecResult{
			Stdout:   result.Stdout,
			Stderr:   result.Stderr + "\nExecution timed out",
			ExitCode: 1,
		}, nil
	}
	if err != nil {
		return ExecResult{}, err
	}

	e.logger.Info("command execution completed",
		zap.String("container", string(handle)),
		zap.Int("exit_code", result.ExitCode))

	return result, nil
}

// listResults returns the current entries of the results directory,
// best-effort: a failure here must never fail the execution itself.
func (e *Executor) listResults(ctx context.Context, handle Handle) map[string]bool {
	entries := make(map[string]bool)

	result, err := e.provider.Exec(ctx, handle, []string{"ls", "-1", e.resultsDir}, nil)
	if err != nil || result.ExitCode != 0 {
		return entries
	}

	for _, line := range strings.Split(result.Stdout, "\n") {
		if name := strings.TrimSpace(line); name != "" {
			entries[name] = true
		}
	}
	return entries
}

// newEntries returns the full paths of results-directory entries present
// in after but not in before, sorted for stable output.
func (e *Executor) newEntries(before, after map[string]bool) []string {
	var paths []string
	for name := range after {
		if !before[name] {
			paths = append(paths, path.Join(e.resultsDir, name))
		}
	}
	sort.Strings(paths)
	return paths
}
