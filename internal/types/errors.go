package types

import "errors"

// Error kinds shared across services. Callers match with errors.Is; wrapped
// messages carry the operation-specific detail.
var (
	ErrInvalidInput     = errors.New("invalid input")
	ErrNotInitialized   = errors.New("not initialized")
	ErrNotImplemented   = errors.New("not implemented")
	ErrTimeout          = errors.New("timeout")
	ErrCapacityExceeded = errors.New("capacity exceeded")
	ErrContention       = errors.New("transient contention")
	ErrPersistentIO     = errors.New("persistent io failure")
	ErrFKViolation      = errors.New("foreign key violation")
	ErrSchemaMismatch   = errors.New("schema mismatch")
	ErrDependencyFailed = errors.New("dependency failed")
)

// ExitCode maps an error to the CLI exit-code contract:
// 0 success, 1 user error, 2 core error.
func ExitCode(err error) int {
	switch {
	case err == nil:
		return 0
	case errors.Is(err, ErrInvalidInput):
		return 1
	default:
		return 2
	}
}
