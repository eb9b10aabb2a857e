package sandbox

import (
	"archive/tar"
	"bytes"
	"context"
	"fmt"
	"path/filepath"
	"time"

	"go.uber.org/zap"
)

// Files moves data across the environment boundary: uploads into the
// environment and the archive-based retrieval protocol out of it.
type Files struct {
	logger   *zap.Logger
	provider Provider
	timeout  time.Duration
	fs       FileSystem
}

// FilesOption defines a functional option for Files
type FilesOption func(*Files)

// WithFileSystem sets the FileSystem for Files
func WithFileSystem(fs FileSystem) FilesOption {
	return func(f *Files) {
		f.fs = fs
	}
}

// NewFiles creates a new Files transfer component
func NewFiles(logger *zap.Logger, provider Provider, timeout time.Duration, opts ...FilesOption) *Files {
	f := &Files{
		logger:   logger,
		provider: provider,
		timeout:  timeout,
		fs:       &RealFileSystem{}, // Default implementation
	}

	// Apply options
	for _, opt := range opts {
		opt(f)
	}

	return f
}

// Upload copies a local file into the environment at destDir, keeping
// the original filename. A missing local file is ErrNotFound; any
// provider-side copy failure is ErrInternal.
func (f *Files) Upload(ctx context.Context, handle Handle, localPath, destDir string) error {
	exists, err := f.fs.FileExists(localPath)
	if err != nil {
		return fmt.Errorf("checking local file %s: %w", localPath, ErrInternal)
	}
	if !exists {
		return fmt.Errorf("local file %s: %w", localPath, ErrNotFound)
	}

	data, err := f.fs.ReadFile(localPath)
	if err != nil {
		f.logger.Error("reading local file failed", zap.String("path", localPath), zap.Error(err))
		return fmt.Errorf("reading local file %s: %w", localPath, ErrInternal)
	}

	var buf bytes.Buffer
	tw := tar.NewWriter(&buf)
	header := &tar.Header{
		Name:    filepath.Base(localPath),
		Mode:    0644,
		Size:    int64(len(data)),
		ModTime: time.Now(),
	}
	if err := tw.WriteHeader(header); err != nil {
		return fmt.Errorf("building upload archive: %w", ErrInternal)
	}
	if _, err := tw.Write(data); err != nil {
		return fmt.Errorf("building upload archive: %w", ErrInternal)
	}
	if err := tw.Close(); err != nil {
		return fmt.Errorf("building upload archive: %w", ErrInternal)
	}

	ctxWithTimeout, cancel := context.WithTimeout(ctx, f.timeout)
	defer cancel()

	if err := f.provider.PutArchive(ctxWithTimeout, handle, destDir, &buf); err != nil {
		f.logger.Error("upload into container failed",
			zap.String("container", string(handle)),
			zap.String("dest", destDir),
			zap.Error(err))
		return fmt.Errorf("copying %s into sandbox: %w", filepath.Base(localPath), ErrInternal)
	}

	f.logger.Info("file uploaded",
		zap.String("container", string(handle)),
		zap.String("file", filepath.Base(localPath)),
		zap.String("dest", destDir))
	return nil
}
