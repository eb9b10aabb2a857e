package sandbox

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Package installation states.
const (
	PackagePending   = "pending"
	PackageInstalled = "installed"
	PackageFailed    = "failed"
)

// PackageStatus describes one package's installation state in one sandbox.
type PackageStatus struct {
	Package string `json:"package_name"`
	Status  string `json:"status"`
	Message string `json:"message"`
}

// Accepts plain names, pins and extras (requests, numpy==1.26, foo[bar]).
var packageNameRe = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9._,\[\]=<>~-]*$`)

// PackageManager triggers and polls pip installations inside
// environments. Install is asynchronous: it records a pending status and
// returns immediately; callers poll Status to observe the transition to
// installed or failed.
type PackageManager struct {
	logger   *zap.Logger
	provider Provider
	timeout  time.Duration

	mu       sync.RWMutex
	statuses map[string]PackageStatus
}

// NewPackageManager creates a new PackageManager
func NewPackageManager(logger *zap.Logger, provider Provider, timeout time.Duration) *PackageManager {
	return &PackageManager{
		logger:   logger,
		provider: provider,
		timeout:  timeout,
		statuses: make(map[string]PackageStatus),
	}
}

func statusKey(handle Handle, pkg string) string {
	return string(handle) + "/" + pkg
}

// Install starts installing a package. The returned status is pending;
// completion is observed through Status. The install runs detached from
// the caller's context so a dropped request does not abort it.
func (m *PackageManager) Install(_ context.Context, handle Handle, pkg string) (PackageStatus, error) {
	if !packageNameRe.MatchString(pkg) {
		return PackageStatus{
			Package: pkg,
			Status:  PackageFailed,
			Message: fmt.Sprintf("invalid package name: %s", pkg),
		}, nil
	}

	pending := PackageStatus{
		Package: pkg,
		Status:  PackagePending,
		Message: fmt.Sprintf("Installation of %s started", pkg),
	}
	m.setStatus(handle, pkg, pending)

	go m.runInstall(handle, pkg)

	return pending, nil
}

func (m *PackageManager) runInstall(handle Handle, pkg string) {
	ctx, cancel := context.WithTimeout(context.Background(), m.timeout)
	defer cancel()

	result, err := m.provider.Exec(ctx, handle, []string{"pip", "install", "--no-input", pkg}, nil)

	switch {
	case err != nil:
		m.logger.Error("package installation failed",
			zap.String("container", string(handle)),
			zap.String("package", pkg),
			zap.Error(err))
		m.setStatus(handle, pkg, PackageStatus{
			Package: pkg,
			Status:  PackageFailed,
			Message: fmt.Sprintf("installation failed: %v", err),
		})
	case result.ExitCode != 0:
		m.logger.Warn("package installation exited non-zero",
			zap.String("container", string(handle)),
			zap.String("package", pkg),
			zap.Int("exit_code", result.ExitCode))
		m.setStatus(handle, pkg, PackageStatus{
			Package: pkg,
			Status:  PackageFailed,
			Message: lastLine(result.Stderr),
		})
	default:
		m.logger.Info("package installed",
			zap.String("container", string(handle)),
			zap.String("package", pkg))
		m.setStatus(handle, pkg, PackageStatus{
			Package: pkg,
			Status:  PackageInstalled,
			Message: fmt.Sprintf("%s installed successfully", pkg),
		})
	}
}

// Status reports a package's installation state. When no install was
// recorded in this process, the sandbox itself is probed so status
// survives a server restart.
func (m *PackageManager) Status(ctx context.Context, handle Handle, pkg string) (PackageStatus, error) {
	m.mu.RLock()
	status, ok := m.statuses[statusKey(handle, pkg)]
	m.mu.RUnlock()
	if ok {
		return status, nil
	}

	ctxWithTimeout, cancel := context.WithTimeout(ctx, m.timeout)
	defer cancel()

	result, err := m.provider.Exec(ctxWithTimeout, handle, []string{"pip", "show", pkg}, nil)
	if err != nil {
		return PackageStatus{}, fmt.Errorf("probing package %s: %w", pkg, err)
	}
	if result.ExitCode != 0 {
		return PackageStatus{
			Package: pkg,
			Status:  PackageFailed,
			Message: fmt.Sprintf("%s is not installed in this sandbox", pkg),
		}, nil
	}
	return PackageStatus{
		Package: pkg,
		Status:  PackageInstalled,
		Message: fmt.Sprintf("%s is installed", pkg),
	}, nil
}

// ListInstalled returns the packages installed in the environment as
// name==version strings.
func (m *PackageManager) ListInstalled(ctx context.Context, handle Handle) ([]string, error) {
	ctxWithTimeout, cancel := context.WithTimeout(ctx, m.timeout)
	defer cancel()

	result, err := m.provider.Exec(ctxWithTimeout, handle, []string{"pip", "list", "--format=json"}, nil)
	if err != nil {
		return nil, fmt.Errorf("listing packages: %w", err)
	}
	if result.ExitCode != 0 {
		return nil, fmt.Errorf("listing packages: %s: %w", lastLine(result.Stderr), ErrInternal)
	}

	var entries []struct {
		Name    string `json:"name"`
		Version string `json:"version"`
	}
	if err := json.Unmarshal([]byte(result.Stdout), &entries); err != nil {
		return nil, fmt.Errorf("decoding package list: %w", ErrInternal)
	}

	packages := make([]string, 0, len(entries))
	for _, e := range entries {
		packages = append(packages, e.Name+"=="+e.Version)
	}
	return packages, nil
}

// Forget drops all recorded statuses for a torn-down environment.
func (m *PackageManager) Forget(handle Handle) {
	prefix := string(handle) + "/"
	m.mu.Lock()
	defer m.mu.Unlock()
	for key := range m.statuses {
		if strings.HasPrefix(key, prefix) {
			delete(m.statuses, key)
		}
	}
}

func (m *PackageManager) setStatus(handle Handle, pkg string, status PackageStatus) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.statuses[statusKey(handle, pkg)] = status
}

func lastLine(s string) string {
	lines := strings.Split(strings.TrimSpace(s), "\n")
	return lines[len(lines)-1]
}
