package credvault

import (
	"errors"
	"fmt"
)

var (
	// ErrConfiguration reports a missing or invalid setting. At startup it is
	// the only error class allowed to terminate the process.
	ErrConfiguration = errors.New("invalid configuration")

	// ErrBackendUnavailable reports a network, timeout or availability problem
	// talking to the secret backend, the KMS or the refresh-token store.
	ErrBackendUnavailable = errors.New("backend unavailable")

	// ErrNotFound reports an absent secret, path, field or record.
	ErrNotFound = errors.New("not found")

	// ErrValidation reports input rejected before any processing happened
	// (empty or too-short password, malformed token, bad ciphertext format).
	ErrValidation = errors.New("validation failed")

	// ErrSecurity reports a failed security check: signature mismatch,
	// revoked or expired token, context-mismatched ciphertext.
	ErrSecurity = errors.New("security check failed")
)

func NewConfigurationError(setting, details string) error {
	return fmt.Errorf("%w: %s: %s", ErrConfiguration, setting, details)
}

func NewBackendUnavailableError(backend string, err error) error {
	return fmt.Errorf("%w: %s: %w", ErrBackendUnavailable, backend, err)
}

func NewNotFoundError(kind, name string) error {
	return fmt.Errorf("%w: %s %q", ErrNotFound, kind, name)
}

func NewValidationError(field, details string) error {
	return fmt.Errorf("%w: %s: %s", ErrValidation, field, details)
}

// IsRetryable returns true if the error represents a transient failure that might succeed on retry.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrBackendUnavailable)
}

// IsConfigurationError returns true if the error represents a configuration problem.
func IsConfigurationError(err error) bool {
	return errors.Is(err, ErrConfiguration)
}

// IsNotFound returns true if the requested secret or record does not exist.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}

// IsValidationError returns true if the error represents rejected input.
func IsValidationError(err error) bool {
	return errors.Is(err, ErrValidation)
}

// IsSecurityError returns true if the error represents a failed security check.
// Callers exposing errors to the outside must map these to a generic failure.
func IsSecurityError(err error) bool {
	return errors.Is(err, ErrSecurity)
}
