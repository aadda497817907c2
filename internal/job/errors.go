package job

import (
	"errors"
	"fmt"
)

var (
	// ErrJobNotFound is returned when a job id does not exist in the store
	ErrJobNotFound = errors.New("job not found")

	// ErrClaimLost is returned when a worker's lease has expired or been
	// taken over; the holder must stop writing under it
	ErrClaimLost = errors.New("claim lost or expired")

	// ErrCircuitOpen is returned when dispatch is deferred because the
	// job's dependency is unhealthy; not counted as an attempt
	ErrCircuitOpen = errors.New("circuit open for dependency")

	// ErrStorageUnavailable wraps store-level I/O failures; job state is
	// unchanged until the store recovers
	ErrStorageUnavailable = errors.New("queue store unavailable")

	// ErrInvalidTransition is returned for an operation that is not valid
	// from the job's current state
	ErrInvalidTransition = errors.New("invalid state transition")
)

// ValidationError rejects a malformed submission synchronously; the job
// is never created.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation failed: %s: %s", e.Field, e.Reason)
}

// NewValidationError creates a ValidationError for the given field.
func NewValidationError(field, reason string) error {
	return &ValidationError{Field: field, Reason: reason}
}

// IsValidation reports whether err is a submission validation failure.
func IsValidation(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}
