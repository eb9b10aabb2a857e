package sandbox

import (
	"context"
	"fmt"

	"go.uber.org/zap"
)

// HandleSource looks up the environment handle recorded for a sandbox id.
// The ownership store implements this.
type HandleSource interface {
	Handle(ctx context.Context, sandboxID string) (string, error)
	MarkMissing(ctx context.Context, sandboxID string) error
}

// Registry maps opaque sandbox identifiers to live environment handles.
type Registry struct {
	logger   *zap.Logger
	handles  HandleSource
	provider Provider
}

// NewRegistry creates a new Registry
func NewRegistry(logger *zap.Logger, handles HandleSource, provider Provider) *Registry {
	return &Registry{
		logger:   logger,
		handles:  handles,
		provider: provider,
	}
}

// Resolve returns the live environment handle for a sandbox id.
//
// Two failure modes both collapse to ErrNotFound for callers but are
// logged apart: the id is unknown entirely, or the id is known but the
// provider no longer has a running container for it. The latter also
// marks the record missing, while the ownership fact stays untouched.
func (r *Registry) Resolve(ctx context.Context, sandboxID string) (Handle, error) {
	containerName, err := r.handles.Handle(ctx, sandboxID)
	if err != nil {
		r.logger.Warn("sandbox id unknown",
			zap.String("sandbox_id", sandboxID),
			zap.Error(err))
		return "", fmt.Errorf("sandbox %s: %w", sandboxID, ErrNotFound)
	}

	running, err := r.provider.SandboxRunning(ctx, containerName)
	if err != nil {
		r.logger.Error("inspecting container failed",
			zap.String("sandbox_id", sandboxID),
			zap.String("container", containerName),
			zap.Error(err))
		return "", fmt.Errorf("inspecting container for sandbox %s: %w", sandboxID, ErrInternal)
	}
	if !running {
		r.logger.Warn("sandbox resolved but container is gone",
			zap.String("sandbox_id", sandboxID),
			zap.String("container", containerName))
		if markErr := r.handles.MarkMissing(ctx, sandboxID); markErr != nil {
			r.logger.Warn("marking sandbox missing failed",
				zap.String("sandbox_id", sandboxID),
				zap.Error(markErr))
		}
		return "", fmt.Errorf("container for sandbox %s: %w", sandboxID, ErrNotFound)
	}

	return Handle(containerName), nil
}
