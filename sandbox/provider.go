package sandbox

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"
)

// Handle is an opaque reference to a live execution environment, as
// issued by the environment provider. For the CLI-backed providers it is
// the container name.
type Handle string

// ExecResult represents the result of running code or a command inside
// an environment. All three fields are always populated.
type ExecResult struct {
	Stdout   string `json:"stdout"`
	Stderr   string `json:"stderr"`
	ExitCode int    `json:"exit_code"`
}

// Provider is the environment provider boundary: everything the
// orchestration layer needs from the thing that actually runs
// containers. Implementations must be safe for concurrent use.
type Provider interface {
	// StartSandbox provisions a long-lived environment under the given
	// container name.
	StartSandbox(ctx context.Context, containerName string) error

	// SandboxRunning reports whether the named container is currently
	// running. An unknown container is (false, nil), not an error.
	SandboxRunning(ctx context.Context, containerName string) (bool, error)

	// Exec runs argv inside the environment, feeding stdin when non-nil.
	Exec(ctx context.Context, handle Handle, argv []string, stdin io.Reader) (ExecResult, error)

	// GetArchive streams a filesystem-snapshot archive (tar) rooted at
	// path inside the environment. The caller must close the stream.
	GetArchive(ctx context.Context, handle Handle, path string) (io.ReadCloser, error)

	// PutArchive extracts a tar stream into destDir inside the environment.
	PutArchive(ctx context.Context, handle Handle, destDir string, archive io.Reader) error

	// Remove tears down the environment. Removing an already-gone
	// environment is not an error.
	Remove(ctx context.Context, handle Handle) error
}

// CommandRunner defines an interface for executing system commands
type CommandRunner interface {
	RunCommand(ctx context.Context, args []string, stdin io.Reader) (stdout, stderr string, exitCode int, err error)
	StreamCommand(ctx context.Context, args []string) (io.ReadCloser, error)
}

// RealCommandRunner implements CommandRunner using actual exec commands
type RealCommandRunner struct{}

// RunCommand executes the given command with arguments, waiting for completion
func (RealCommandRunner) RunCommand(ctx context.Context, args []string, stdin io.Reader) (stdout, stderr string, exitCode int, err error) {
	if len(args) < 1 {
		return "", "", 0, fmt.Errorf("no command provided")
	}

	cmd := exec.CommandContext(ctx, args[0], args[1:]...) //nolint:gosec // Safe as this is controlled input
	cmd.Stdin = stdin

	var stdoutBuf, stderrBuf bytes.Buffer
	cmd.Stdout = &stdoutBuf
	cmd.Stderr = &stderrBuf

	err = cmd.Run()

	exitCode = 0
	if err != nil {
		if exitError, ok := err.(*exec.ExitError); ok {
			exitCode = exitError.ExitCode()
		} else {
			return "", "", 0, err
		}
	}

	return stdoutBuf.String(), stderrBuf.String(), exitCode, nil
}

// StreamCommand starts the command and returns its stdout as a stream.
// Closing the stream reaps the process; a non-zero exit surfaces as the
// Close error with the command's stderr attached.
func (RealCommandRunner) StreamCommand(ctx context.Context, args []string) (io.ReadCloser, error) {
	if len(args) < 1 {
		return nil, fmt.Errorf("no command provided")
	}

	cmd := exec.CommandContext(ctx, args[0], args[1:]...) //nolint:gosec // Safe as this is controlled input

	var stderrBuf bytes.Buffer
	cmd.Stderr = &stderrBuf

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, err
	}
	if err := cmd.Start(); err != nil {
		return nil, err
	}

	return &commandStream{stdout: stdout, cmd: cmd, stderr: &stderrBuf}, nil
}

type commandStream struct {
	stdout io.ReadCloser
	cmd    *exec.Cmd
	stderr *bytes.Buffer
}

func (s *commandStream) Read(p []byte) (int, error) {
	return s.stdout.Read(p)
}

func (s *commandStream) Close() error {
	s.stdout.Close()
	if err := s.cmd.Wait(); err != nil {
		if msg := strings.TrimSpace(s.stderr.String()); msg != "" {
			return fmt.Errorf("%s: %w", msg, err)
		}
		return err
	}
	return nil
}

// FileSystem defines an interface for local file system operations
type FileSystem interface {
	ReadFile(filename string) ([]byte, error)
	FileExists(path string) (bool, error)
}

// RealFileSystem implements FileSystem using actual file system operations
type RealFileSystem struct{}

func (RealFileSystem) ReadFile(filename string) ([]byte, error) {
	return os.ReadFile(filename)
}

func (RealFileSystem) FileExists(path string) (bool, error) {
	_, err := os.Stat(path)
	if os.IsNotExist(err) {
		return false, nil
	}
	return err == nil, err
}
