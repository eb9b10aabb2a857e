package sandbox

import "errors"

// Error kinds surfaced to the boundary layers. Callers classify with
// errors.Is; everything else a component returns wraps one of these.
var (
	// ErrNotFound marks an unresolvable sandbox, a vanished environment
	// handle, or an absent file/archive member.
	ErrNotFound = errors.New("not found")

	// ErrInternal marks archive decode failures and unexpected
	// provider-side faults. Detail stays in logs, not in the error chain
	// shown to callers.
	ErrInternal = errors.New("internal error")
)
