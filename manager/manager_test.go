package manager

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/isdmx/sandboxd/config"
	"github.com/isdmx/sandboxd/sandbox"
	"github.com/isdmx/sandboxd/store"
)

type mockRecords struct {
	mu        sync.Mutex
	recs      map[string]*store.SandboxRecord
	owners    map[string]string // sandboxID -> userID
	createErr error
	deleteErr error
	deleted   []string
}

func newMockRecords() *mockRecords {
	return &mockRecords{
		recs:   make(map[string]*store.SandboxRecord),
		owners: make(map[string]string),
	}
}

func (m *mockRecords) Create(_ context.Context, rec *store.SandboxRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.createErr != nil {
		return m.createErr
	}
	m.recs[rec.ID] = rec
	m.owners[rec.ID] = rec.UserID
	return nil
}

func (m *mockRecords) Get(_ context.Context, sandboxID string) (*store.SandboxRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if rec, ok := m.recs[sandboxID]; ok {
		return rec, nil
	}
	return nil, store.ErrNotFound
}

func (m *mockRecords) ListByUser(_ context.Context, userID string) ([]store.SandboxRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []store.SandboxRecord
	for _, rec := range m.recs {
		if rec.UserID == userID {
			out = append(out, *rec)
		}
	}
	return out, nil
}

func (m *mockRecords) Delete(_ context.Context, sandboxID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.deleteErr != nil {
		return m.deleteErr
	}
	m.deleted = append(m.deleted, sandboxID)
	delete(m.recs, sandboxID)
	return nil
}

func (m *mockRecords) IsOwner(_ context.Context, userID, sandboxID string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.owners[sandboxID] == userID, nil
}

type mockEnvs struct {
	mu          sync.Mutex
	started     []string
	removed     []string
	startErr    error
	removeErr   error
	removePanic string // handle that triggers a panic on Remove
}

func (m *mockEnvs) StartSandbox(_ context.Context, containerName string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.startErr != nil {
		return m.startErr
	}
	m.started = append(m.started, containerName)
	return nil
}

func (m *mockEnvs) Remove(_ context.Context, handle sandbox.Handle) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.removePanic != "" && string(handle) == m.removePanic {
		panic("daemon hiccup")
	}
	if m.removeErr != nil {
		return m.removeErr
	}
	m.removed = append(m.removed, string(handle))
	return nil
}

type mockResolver struct {
	handles map[string]sandbox.Handle
}

func (m *mockResolver) Resolve(_ context.Context, sandboxID string) (sandbox.Handle, error) {
	if handle, ok := m.handles[sandboxID]; ok {
		return handle, nil
	}
	return "", sandbox.ErrNotFound
}

type mockRunner struct {
	codeResult sandbox.ExecResult
	codeFiles  []string
	cmdResult  sandbox.ExecResult
	codeCalls  int
	cmdCalls   int
}

func (m *mockRunner) RunCode(_ context.Context, _ sandbox.Handle, _ string) (sandbox.ExecResult, []string, error) {
	m.codeCalls++
	return m.codeResult, m.codeFiles, nil
}

func (m *mockRunner) RunCommand(_ context.Context, _ sandbox.Handle, _ string) (sandbox.ExecResult, error) {
	m.cmdCalls++
	return m.cmdResult, nil
}

type mockPackages struct {
	installed map[string][]string // handle -> packages
	forgotten []sandbox.Handle
	calls     int
}

func (m *mockPackages) Install(_ context.Context, _ sandbox.Handle, pkg string) (sandbox.PackageStatus, error) {
	m.calls++
	return sandbox.PackageStatus{Package: pkg, Status: sandbox.PackagePending}, nil
}

func (m *mockPackages) Status(_ context.Context, _ sandbox.Handle, pkg string) (sandbox.PackageStatus, error) {
	m.calls++
	return sandbox.PackageStatus{Package: pkg, Status: sandbox.PackageInstalled}, nil
}

func (m *mockPackages) ListInstalled(_ context.Context, handle sandbox.Handle) ([]string, error) {
	return m.installed[string(handle)], nil
}

func (m *mockPackages) Forget(handle sandbox.Handle) {
	m.forgotten = append(m.forgotten, handle)
}

type mockFiles struct {
	uploadErr error
	uploads   []string // handle:localPath:destDir
}

func (m *mockFiles) Upload(_ context.Context, handle sandbox.Handle, localPath, destDir string) error {
	if m.uploadErr != nil {
		return m.uploadErr
	}
	m.uploads = append(m.uploads, string(handle)+":"+localPath+":"+destDir)
	return nil
}

func (m *mockFiles) Retrieve(_ context.Context, _ sandbox.Handle, filePath string) (*sandbox.FileContent, error) {
	return &sandbox.FileContent{Name: filePath, ContentType: "application/octet-stream"}, nil
}

func testConfig() *config.Config {
	return &config.Config{
		Sandbox: config.SandboxConfig{Image: "python:3.11-slim"},
		Files: config.FilesConfig{
			ResultsDir: "/app/results",
			BaseURL:    "http://localhost:8081",
		},
	}
}

type fixture struct {
	manager  *Manager
	records  *mockRecords
	envs     *mockEnvs
	resolver *mockResolver
	runner   *mockRunner
	packages *mockPackages
	files    *mockFiles
}

// newFixture wires a Manager with auth enforced; callers pass identity
// through the context.
func newFixture(t *testing.T) *fixture {
	t.Helper()
	logger := zaptest.NewLogger(t)

	f := &fixture{
		records:  newMockRecords(),
		envs:     &mockEnvs{},
		resolver: &mockResolver{handles: make(map[string]sandbox.Handle)},
		runner:   &mockRunner{},
		packages: &mockPackages{installed: make(map[string][]string)},
		files:    &mockFiles{},
	}
	gate := NewGate(logger, f.records, true, "")
	f.manager = New(logger, testConfig(), gate, f.records, f.envs, f.resolver, f.runner, f.packages, f.files)
	return f
}

// addSandbox seeds an owned, resolvable sandbox.
func (f *fixture) addSandbox(sandboxID, userID, containerName string) {
	f.records.recs[sandboxID] = &store.SandboxRecord{
		ID:            sandboxID,
		UserID:        userID,
		Name:          "test",
		ContainerName: containerName,
		Status:        store.StatusRunning,
	}
	f.records.owners[sandboxID] = userID
	f.resolver.handles[sandboxID] = sandbox.Handle(containerName)
}

func TestCreate(t *testing.T) {
	t.Run("RecordsOwnership", func(t *testing.T) {
		f := newFixture(t)
		ctx := WithUserID(context.Background(), "alice")

		result, err := f.manager.Create(ctx, "")
		require.NoError(t, err)

		assert.True(t, strings.HasPrefix(result.SandboxID, "sbx-"))
		assert.True(t, strings.HasPrefix(result.Name, "sandbox-"))
		assert.Equal(t, "Sandbox created successfully", result.Message)

		rec, err := f.records.Get(ctx, result.SandboxID)
		require.NoError(t, err)
		assert.Equal(t, "alice", rec.UserID)
		assert.True(t, strings.HasPrefix(rec.ContainerName, "sandboxd-"))
		assert.Equal(t, []string{rec.ContainerName}, f.envs.started)
	})

	t.Run("CustomName", func(t *testing.T) {
		f := newFixture(t)
		ctx := WithUserID(context.Background(), "alice")

		result, err := f.manager.Create(ctx, "experiments")
		require.NoError(t, err)
		assert.Equal(t, "experiments", result.Name)
	})

	t.Run("DistinctIDs", func(t *testing.T) {
		f := newFixture(t)
		ctx := WithUserID(context.Background(), "alice")

		first, err := f.manager.Create(ctx, "")
		require.NoError(t, err)
		second, err := f.manager.Create(ctx, "")
		require.NoError(t, err)
		assert.NotEqual(t, first.SandboxID, second.SandboxID)
	})

	t.Run("NoIdentity", func(t *testing.T) {
		f := newFixture(t)

		_, err := f.manager.Create(context.Background(), "")
		require.Error(t, err)
		assert.ErrorIs(t, err, ErrAccessDenied)
		assert.Empty(t, f.envs.started)
	})

	t.Run("RollbackOnRecordFailure", func(t *testing.T) {
		f := newFixture(t)
		f.records.createErr = errors.New("disk full")
		ctx := WithUserID(context.Background(), "alice")

		_, err := f.manager.Create(ctx, "")
		require.Error(t, err)
		// The just-started environment must not leak unowned.
		require.Len(t, f.envs.started, 1)
		assert.Equal(t, f.envs.started, f.envs.removed)
	})
}

func TestList(t *testing.T) {
	f := newFixture(t)
	f.addSandbox("sbx-live", "alice", "c-live")
	f.packages.installed["c-live"] = []string{"requests==2.32.0"}

	// A second sandbox whose container disappeared: owned but unresolvable.
	f.records.recs["sbx-gone"] = &store.SandboxRecord{
		ID: "sbx-gone", UserID: "alice", Name: "gone", ContainerName: "c-gone", Status: store.StatusRunning,
	}
	f.records.owners["sbx-gone"] = "alice"

	// Bob's sandbox must not appear in Alice's listing.
	f.addSandbox("sbx-bob", "bob", "c-bob")

	ctx := WithUserID(context.Background(), "alice")
	summaries, err := f.manager.List(ctx)
	require.NoError(t, err)
	require.Len(t, summaries, 2)

	byID := make(map[string]Summary, len(summaries))
	for _, s := range summaries {
		byID[s.SandboxID] = s
	}
	assert.Equal(t, store.StatusRunning, byID["sbx-live"].Status)
	assert.Equal(t, []string{"requests==2.32.0"}, byID["sbx-live"].InstalledPackages)
	assert.Equal(t, store.StatusMissing, byID["sbx-gone"].Status)
	assert.Empty(t, byID["sbx-gone"].InstalledPackages)
}

func TestExecuteCode(t *testing.T) {
	t.Run("BuildsFileURLs", func(t *testing.T) {
		f := newFixture(t)
		f.addSandbox("sbx-1", "alice", "c1")
		f.runner.codeResult = sandbox.ExecResult{Stdout: "done\n"}
		f.runner.codeFiles = []string{"/app/results/plot.png"}

		ctx := WithUserID(context.Background(), "alice")
		result, err := f.manager.ExecuteCode(ctx, "sbx-1", "print('done')")
		require.NoError(t, err)

		assert.Equal(t, "done\n", result.Stdout)
		require.Len(t, result.Files, 1)
		assert.Equal(t, "/app/results/plot.png", result.Files[0].Path)
		assert.Equal(t,
			"http://localhost:8081/sandbox/file?file_path=%2Fapp%2Fresults%2Fplot.png&sandbox_id=sbx-1",
			result.Files[0].URL)
	})

	t.Run("DeniedBeforeAnyCapability", func(t *testing.T) {
		f := newFixture(t)
		f.addSandbox("sbx-1", "alice", "c1")

		ctx := WithUserID(context.Background(), "mallory")
		_, err := f.manager.ExecuteCode(ctx, "sbx-1", "print('stolen')")
		require.Error(t, err)
		assert.ErrorIs(t, err, ErrAccessDenied)
		assert.Zero(t, f.runner.codeCalls)
	})

	t.Run("UnresolvableSandbox", func(t *testing.T) {
		f := newFixture(t)
		f.records.owners["sbx-ghost"] = "alice"

		ctx := WithUserID(context.Background(), "alice")
		_, err := f.manager.ExecuteCode(ctx, "sbx-ghost", "print(1)")
		require.Error(t, err)
		assert.True(t, IsNotFound(err))
	})
}

func TestExecuteCommand(t *testing.T) {
	f := newFixture(t)
	f.addSandbox("sbx-1", "alice", "c1")
	f.runner.cmdResult = sandbox.ExecResult{Stdout: "total 0\n"}

	ctx := WithUserID(context.Background(), "alice")
	result, err := f.manager.ExecuteCommand(ctx, "sbx-1", "ls -la")
	require.NoError(t, err)
	assert.Equal(t, "total 0\n", result.Stdout)

	_, err = f.manager.ExecuteCommand(WithUserID(context.Background(), "mallory"), "sbx-1", "ls")
	assert.ErrorIs(t, err, ErrAccessDenied)
}

func TestPackageOperationsAreGated(t *testing.T) {
	f := newFixture(t)
	f.addSandbox("sbx-1", "alice", "c1")
	mallory := WithUserID(context.Background(), "mallory")

	_, err := f.manager.InstallPackage(mallory, "sbx-1", "requests")
	assert.ErrorIs(t, err, ErrAccessDenied)
	_, err = f.manager.PackageStatus(mallory, "sbx-1", "requests")
	assert.ErrorIs(t, err, ErrAccessDenied)
	assert.Zero(t, f.packages.calls)

	alice := WithUserID(context.Background(), "alice")
	status, err := f.manager.InstallPackage(alice, "sbx-1", "requests")
	require.NoError(t, err)
	assert.Equal(t, sandbox.PackagePending, status.Status)
}

func TestUploadFile(t *testing.T) {
	t.Run("DefaultDestination", func(t *testing.T) {
		f := newFixture(t)
		f.addSandbox("sbx-1", "alice", "c1")

		ctx := WithUserID(context.Background(), "alice")
		result, err := f.manager.UploadFile(ctx, "sbx-1", "/home/alice/data.csv", "")
		require.NoError(t, err)
		assert.True(t, result.Success)
		assert.Equal(t, "/app/results", result.DestPath)
		assert.Equal(t, []string{"c1:/home/alice/data.csv:/app/results"}, f.files.uploads)
	})

	t.Run("ExplicitDestination", func(t *testing.T) {
		f := newFixture(t)
		f.addSandbox("sbx-1", "alice", "c1")

		ctx := WithUserID(context.Background(), "alice")
		result, err := f.manager.UploadFile(ctx, "sbx-1", "/home/alice/data.csv", "/app/input")
		require.NoError(t, err)
		assert.Equal(t, "/app/input", result.DestPath)
	})

	t.Run("Denied", func(t *testing.T) {
		f := newFixture(t)
		f.addSandbox("sbx-1", "alice", "c1")

		_, err := f.manager.UploadFile(WithUserID(context.Background(), "mallory"), "sbx-1", "/etc/passwd", "")
		assert.ErrorIs(t, err, ErrAccessDenied)
		assert.Empty(t, f.files.uploads)
	})
}

func TestOpenFileCarriesNoIdentity(t *testing.T) {
	f := newFixture(t)
	f.addSandbox("sbx-1", "alice", "c1")

	// No user in the context: the read-file interface is not gated.
	content, err := f.manager.OpenFile(context.Background(), "sbx-1", "/app/results/out.csv")
	require.NoError(t, err)
	assert.Equal(t, "/app/results/out.csv", content.Name)

	_, err = f.manager.OpenFile(context.Background(), "sbx-unknown", "/app/results/out.csv")
	require.Error(t, err)
	assert.True(t, IsNotFound(err))
}
