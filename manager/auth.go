package manager

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"
)

// ErrAccessDenied marks a failed ownership check or a missing caller
// identity while authentication is required.
var ErrAccessDenied = errors.New("access denied")

// AccessDeniedMessage is the caller-visible denial text embedded in tool
// payloads.
const AccessDeniedMessage = "Access denied. You don't have permission to access this sandbox."

type userIDKey struct{}

// WithUserID returns a context carrying the authenticated caller identity.
func WithUserID(ctx context.Context, userID string) context.Context {
	return context.WithValue(ctx, userIDKey{}, userID)
}

// UserIDFromContext extracts the authenticated caller identity, if any.
func UserIDFromContext(ctx context.Context) (string, bool) {
	userID, ok := ctx.Value(userIDKey{}).(string)
	return userID, ok && userID != ""
}

// OwnershipChecker is the persisted authorization contract.
type OwnershipChecker interface {
	IsOwner(ctx context.Context, userID, sandboxID string) (bool, error)
}

// Gate is the single authorization decision point. Every operation that
// touches a sandbox passes through Authorize before any capability is
// invoked.
//
// When requireAuth is false, every caller resolves to the configured
// default identity. That is a deliberate degraded-isolation mode: all
// callers then share access to sandboxes owned by the default identity.
type Gate struct {
	logger        *zap.Logger
	owners        OwnershipChecker
	requireAuth   bool
	defaultUserID string
}

// NewGate creates a new Gate
func NewGate(logger *zap.Logger, owners OwnershipChecker, requireAuth bool, defaultUserID string) *Gate {
	return &Gate{
		logger:        logger,
		owners:        owners,
		requireAuth:   requireAuth,
		defaultUserID: defaultUserID,
	}
}

// CallerID resolves the effective caller identity.
func (g *Gate) CallerID(ctx context.Context) (string, bool) {
	if !g.requireAuth {
		return g.defaultUserID, true
	}
	return UserIDFromContext(ctx)
}

// Authorize decides whether the caller may act on the sandbox and
// returns the effective identity. The decision is fail-closed: no
// identity or no ownership record means denial, regardless of whether
// the environment handle still resolves.
func (g *Gate) Authorize(ctx context.Context, sandboxID string) (string, error) {
	userID, ok := g.CallerID(ctx)
	if !ok {
		g.logger.Warn("caller identity missing", zap.String("sandbox_id", sandboxID))
		return "", fmt.Errorf("no caller identity: %w", ErrAccessDenied)
	}

	owner, err := g.owners.IsOwner(ctx, userID, sandboxID)
	if err != nil {
		return "", fmt.Errorf("ownership lookup for sandbox %s: %w", sandboxID, err)
	}
	if !owner {
		g.logger.Warn("access denied",
			zap.String("user_id", userID),
			zap.String("sandbox_id", sandboxID))
		return "", fmt.Errorf("user %s does not own sandbox %s: %w", userID, sandboxID, ErrAccessDenied)
	}

	return userID, nil
}
