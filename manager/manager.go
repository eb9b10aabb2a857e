package manager

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/isdmx/sandboxd/config"
	"github.com/isdmx/sandboxd/sandbox"
	"github.com/isdmx/sandboxd/store"
)

// RecordStore is the slice of the ownership store the manager needs.
type RecordStore interface {
	Create(ctx context.Context, rec *store.SandboxRecord) error
	Get(ctx context.Context, sandboxID string) (*store.SandboxRecord, error)
	ListByUser(ctx context.Context, userID string) ([]store.SandboxRecord, error)
	Delete(ctx context.Context, sandboxID string) error
}

// Environments is the provider slice used for provisioning and teardown.
type Environments interface {
	StartSandbox(ctx context.Context, containerName string) error
	Remove(ctx context.Context, handle sandbox.Handle) error
}

// Resolver maps sandbox ids to live environment handles.
type Resolver interface {
	Resolve(ctx context.Context, sandboxID string) (sandbox.Handle, error)
}

// Runner executes code and commands against a resolved handle.
type Runner interface {
	RunCode(ctx context.Context, handle sandbox.Handle, code string) (sandbox.ExecResult, []string, error)
	RunCommand(ctx context.Context, handle sandbox.Handle, command string) (sandbox.ExecResult, error)
}

// PackageOps installs and inspects packages in an environment.
type PackageOps interface {
	Install(ctx context.Context, handle sandbox.Handle, pkg string) (sandbox.PackageStatus, error)
	Status(ctx context.Context, handle sandbox.Handle, pkg string) (sandbox.PackageStatus, error)
	ListInstalled(ctx context.Context, handle sandbox.Handle) ([]string, error)
	Forget(handle sandbox.Handle)
}

// FileOps moves files across the environment boundary.
type FileOps interface {
	Upload(ctx context.Context, handle sandbox.Handle, localPath, destDir string) error
	Retrieve(ctx context.Context, handle sandbox.Handle, filePath string) (*sandbox.FileContent, error)
}

// Manager is the orchestration service: one aggregate holding explicit
// references to each capability component, with the authorization gate
// funneling every sandbox-addressed operation.
type Manager struct {
	logger     *zap.Logger
	gate       *Gate
	records    RecordStore
	envs       Environments
	registry   Resolver
	exec       Runner
	packages   PackageOps
	files      FileOps
	image      string
	resultsDir string
	baseURL    string
}

// New creates a new Manager
func New(
	logger *zap.Logger,
	cfg *config.Config,
	gate *Gate,
	records RecordStore,
	envs Environments,
	registry Resolver,
	exec Runner,
	packages PackageOps,
	files FileOps,
) *Manager {
	return &Manager{
		logger:     logger,
		gate:       gate,
		records:    records,
		envs:       envs,
		registry:   registry,
		exec:       exec,
		packages:   packages,
		files:      files,
		image:      cfg.Sandbox.Image,
		resultsDir: cfg.Files.ResultsDir,
		baseURL:    cfg.Files.BaseURL,
	}
}

// CreateResult is returned by Create.
type CreateResult struct {
	SandboxID string `json:"sandbox_id"`
	Name      string `json:"name"`
	Message   string `json:"message"`
}

// Summary describes one sandbox in a listing.
type Summary struct {
	SandboxID         string    `json:"sandbox_id"`
	Name              string    `json:"name"`
	Status            string    `json:"status"`
	CreatedAt         time.Time `json:"created_at"`
	InstalledPackages []string  `json:"installed_packages"`
}

// FileRef points at a file produced inside a sandbox, resolvable through
// the read-file interface.
type FileRef struct {
	Path string `json:"path"`
	URL  string `json:"url"`
}

// CodeResult is an execution result plus references to produced files.
type CodeResult struct {
	Stdout   string    `json:"stdout"`
	Stderr   string    `json:"stderr"`
	ExitCode int       `json:"exit_code"`
	Files    []FileRef `json:"files"`
}

// UploadResult is returned by UploadFile.
type UploadResult struct {
	Success  bool   `json:"success"`
	Message  string `json:"message"`
	DestPath string `json:"dest_path"`
}

// Create provisions a new environment and records its ownership under
// the caller's identity. The two effects are atomic from the caller's
// perspective: if the ownership insert fails, the environment is torn
// down again rather than leaked unowned.
func (m *Manager) Create(ctx context.Context, name string) (*CreateResult, error) {
	userID, ok := m.gate.CallerID(ctx)
	if !ok {
		return nil, fmt.Errorf("no caller identity: %w", ErrAccessDenied)
	}

	id := uuid.NewString()
	sandboxID := "sbx-" + id
	containerName := "sandboxd-" + id
	if name == "" {
		name = "sandbox-" + id[:8]
	}

	if err := m.envs.StartSandbox(ctx, containerName); err != nil {
		return nil, fmt.Errorf("provisioning environment: %w", err)
	}

	rec := &store.SandboxRecord{
		ID:            sandboxID,
		UserID:        userID,
		Name:          name,
		ContainerName: containerName,
		Image:         m.image,
		Status:        store.StatusRunning,
	}
	if err := m.records.Create(ctx, rec); err != nil {
		if rmErr := m.envs.Remove(ctx, sandbox.Handle(containerName)); rmErr != nil {
			m.logger.Error("rollback of unrecorded environment failed",
				zap.String("container", containerName),
				zap.Error(rmErr))
		}
		return nil, fmt.Errorf("recording ownership: %w", err)
	}

	m.logger.Info("sandbox created",
		zap.String("user_id", userID),
		zap.String("sandbox_id", sandboxID),
		zap.String("container", containerName))

	return &CreateResult{
		SandboxID: sandboxID,
		Name:      name,
		Message:   "Sandbox created successfully",
	}, nil
}

// List returns summaries of the caller's sandboxes, including installed
// packages for the ones whose environment still resolves.
func (m *Manager) List(ctx context.Context) ([]Summary, error) {
	userID, ok := m.gate.CallerID(ctx)
	if !ok {
		return nil, fmt.Errorf("no caller identity: %w", ErrAccessDenied)
	}

	recs, err := m.records.ListByUser(ctx, userID)
	if err != nil {
		return nil, err
	}

	summaries := make([]Summary, 0, len(recs))
	for _, rec := range recs {
		summary := Summary{
			SandboxID:         rec.ID,
			Name:              rec.Name,
			Status:            rec.Status,
			CreatedAt:         rec.CreatedAt,
			InstalledPackages: []string{},
		}

		handle, err := m.registry.Resolve(ctx, rec.ID)
		if err != nil {
			summary.Status = store.StatusMissing
		} else if packages, err := m.packages.ListInstalled(ctx, handle); err == nil {
			summary.InstalledPackages = packages
		}

		summaries = append(summaries, summary)
	}
	return summaries, nil
}

// ExecuteCode runs Python code in the sandbox and returns the result
// with references to files the code produced.
func (m *Manager) ExecuteCode(ctx context.Context, sandboxID, code string) (*CodeResult, error) {
	if _, err := m.gate.Authorize(ctx, sandboxID); err != nil {
		return nil, err
	}

	handle, err := m.registry.Resolve(ctx, sandboxID)
	if err != nil {
		return nil, err
	}

	result, produced, err := m.exec.RunCode(ctx, handle, code)
	if err != nil {
		return nil, err
	}

	refs := make([]FileRef, 0, len(produced))
	for _, p := range produced {
		refs = append(refs, FileRef{Path: p, URL: m.fileURL(sandboxID, p)})
	}

	return &CodeResult{
		Stdout:   result.Stdout,
		Stderr:   result.Stderr,
		ExitCode: result.ExitCode,
		Files:    refs,
	}, nil
}

// ExecuteCommand runs a shell command in the sandbox.
func (m *Manager) ExecuteCommand(ctx context.Context, sandboxID, command string) (sandbox.ExecResult, error) {
	if _, err := m.gate.Authorize(ctx, sandboxID); err != nil {
		return sandbox.ExecResult{}, err
	}

	handle, err := m.registry.Resolve(ctx, sandboxID)
	if err != nil {
		return sandbox.ExecResult{}, err
	}

	return m.exec.RunCommand(ctx, handle, command)
}

// InstallPackage starts a package installation in the sandbox.
func (m *Manager) InstallPackage(ctx context.Context, sandboxID, pkg string) (sandbox.PackageStatus, error) {
	if _, err := m.gate.Authorize(ctx, sandboxID); err != nil {
		return sandbox.PackageStatus{}, err
	}

	handle, err := m.registry.Resolve(ctx, sandboxID)
	if err != nil {
		return sandbox.PackageStatus{}, err
	}

	return m.packages.Install(ctx, handle, pkg)
}

// PackageStatus reports the installation state of a package.
func (m *Manager) PackageStatus(ctx context.Context, sandboxID, pkg string) (sandbox.PackageStatus, error) {
	if _, err := m.gate.Authorize(ctx, sandboxID); err != nil {
		return sandbox.PackageStatus{}, err
	}

	handle, err := m.registry.Resolve(ctx, sandboxID)
	if err != nil {
		return sandbox.PackageStatus{}, err
	}

	return m.packages.Status(ctx, handle, pkg)
}

// UploadFile copies a local file into the sandbox. An empty destDir
// defaults to the configured results directory.
func (m *Manager) UploadFile(ctx context.Context, sandboxID, localPath, destDir string) (*UploadResult, error) {
	if _, err := m.gate.Authorize(ctx, sandboxID); err != nil {
		return nil, err
	}

	handle, err := m.registry.Resolve(ctx, sandboxID)
	if err != nil {
		return nil, err
	}

	if destDir == "" {
		destDir = m.resultsDir
	}
	if err := m.files.Upload(ctx, handle, localPath, destDir); err != nil {
		return nil, err
	}

	return &UploadResult{
		Success:  true,
		Message:  "File uploaded successfully",
		DestPath: destDir,
	}, nil
}

// OpenFile resolves a file inside the sandbox through the archive
// retrieval protocol and returns it ready to stream. This serves the
// separate read-only file interface and carries no caller identity.
func (m *Manager) OpenFile(ctx context.Context, sandboxID, filePath string) (*sandbox.FileContent, error) {
	handle, err := m.registry.Resolve(ctx, sandboxID)
	if err != nil {
		return nil, err
	}
	return m.files.Retrieve(ctx, handle, filePath)
}

func (m *Manager) fileURL(sandboxID, filePath string) string {
	query := url.Values{}
	query.Set("sandbox_id", sandboxID)
	query.Set("file_path", filePath)
	return m.baseURL + "/sandbox/file?" + query.Encode()
}

// IsNotFound reports whether err is a not-found condition from any layer.
func IsNotFound(err error) bool {
	return errors.Is(err, sandbox.ErrNotFound) || errors.Is(err, store.ErrNotFound)
}
