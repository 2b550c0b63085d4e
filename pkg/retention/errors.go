package retention

import (
	"errors"
	"fmt"
)

// Error kinds of the lifecycle engine. Callers discriminate with errors.Is;
// every error returned by the engine wraps exactly one of these sentinels.
var (
	// ErrValidation marks malformed input to create/transition operations.
	// No state is mutated.
	ErrValidation = errors.New("validation failed")

	// ErrGuardViolation marks a transition forbidden by the state machine,
	// including elimination of a blocked process. State is unchanged.
	ErrGuardViolation = errors.New("guard violation")

	// ErrIntegrityViolation marks a hash mismatch on verification. The record
	// is flagged, never repaired.
	ErrIntegrityViolation = errors.New("integrity violation")

	// ErrConflict marks an optimistic-concurrency failure: another writer
	// updated the process between read and write. Safe to retry.
	ErrConflict = errors.New("concurrent modification")

	// ErrNotFound marks a missing process.
	ErrNotFound = errors.New("process not found")
)

func validationf(format string, args ...any) error {
	return fmt.Errorf("%w: "+format, append([]any{ErrValidation}, args...)...)
}

func guardf(format string, args ...any) error {
	return fmt.Errorf("%w: "+format, append([]any{ErrGuardViolation}, args...)...)
}
