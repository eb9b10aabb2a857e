package manager

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/isdmx/sandboxd/sandbox"
)

// DeleteOutcome is the per-sandbox result of a batch deletion.
type DeleteOutcome struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
}

// DeleteMany deletes sandboxes by id, evaluating each id independently:
// an unauthorized or failing entry never aborts the rest, and every
// requested id gets an outcome. Teardown removes the environment first,
// then the ownership record, so a half-failed delete can be retried.
func (m *Manager) DeleteMany(ctx context.Context, sandboxIDs []string) map[string]DeleteOutcome {
	results := make(map[string]DeleteOutcome, len(sandboxIDs))

	for _, sandboxID := range sandboxIDs {
		if _, err := m.gate.Authorize(ctx, sandboxID); err != nil {
			results[sandboxID] = DeleteOutcome{
				Success: false,
				Message: "Access denied. You don't have permission to delete this sandbox.",
			}
			continue
		}
		results[sandboxID] = m.deleteOne(ctx, sandboxID)
	}

	return results
}

func (m *Manager) deleteOne(ctx context.Context, sandboxID string) (outcome DeleteOutcome) {
	// An unexpected fault in one entry becomes that entry's outcome
	// instead of tearing down the whole batch.
	defer func() {
		if r := recover(); r != nil {
			m.logger.Error("unexpected failure deleting sandbox",
				zap.String("sandbox_id", sandboxID),
				zap.Any("panic", r))
			outcome = DeleteOutcome{
				Success: false,
				Message: fmt.Sprintf("unexpected error during deletion: %v", r),
			}
		}
	}()

	rec, err := m.records.Get(ctx, sandboxID)
	if err != nil {
		return DeleteOutcome{Success: false, Message: fmt.Sprintf("sandbox not found: %s", sandboxID)}
	}

	handle := sandbox.Handle(rec.ContainerName)
	if err := m.envs.Remove(ctx, handle); err != nil {
		m.logger.Error("environment teardown failed",
			zap.String("sandbox_id", sandboxID),
			zap.String("container", rec.ContainerName),
			zap.Error(err))
		return DeleteOutcome{Success: false, Message: fmt.Sprintf("failed to remove environment: %v", err)}
	}

	m.packages.Forget(handle)

	if err := m.records.Delete(ctx, sandboxID); err != nil {
		return DeleteOutcome{Success: false, Message: fmt.Sprintf("failed to remove ownership record: %v", err)}
	}

	m.logger.Info("sandbox deleted",
		zap.String("sandbox_id", sandboxID),
		zap.String("container", rec.ContainerName))

	return DeleteOutcome{Success: true, Message: "Sandbox deleted successfully"}
}
