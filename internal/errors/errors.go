package errors

import (
	"errors"
	"fmt"
)

// Error kinds surfaced to facade callers. Facades return these values
// (possibly wrapped); callers classify with errors.Is and never see a
// panic across the facade boundary.
var (
	// Authentication errors
	ErrAuthRequired   = errors.New("authentication required")
	ErrSessionExpired = errors.New("session expired")

	// Token errors
	ErrInvalidToken        = errors.New("invalid token")
	ErrTokenExpired        = errors.New("token expired")
	ErrRefreshFailed       = errors.New("refresh failed")
	ErrNoRefreshToken      = errors.New("no refresh token")
	ErrRefreshTokenExpired = errors.New("refresh token expired")

	// Transport errors
	ErrNetwork = errors.New("network error")
	ErrTimeout = errors.New("request timed out")

	// Server-side errors
	ErrConflict   = errors.New("conflict")
	ErrNotFound   = errors.New("not found")
	ErrValidation = errors.New("validation failed")

	// Credential store errors
	ErrNoCredentials        = errors.New("no credentials")
	ErrIncompleteCredential = errors.New("access token without user")

	// Login lockout
	ErrLoginLocked = errors.New("too many login attempts")

	// General errors
	ErrInternal    = errors.New("internal error")
	ErrUnsupported = errors.New("unsupported operation")
)

// ServerError carries a server-supplied message for non-2xx responses
// that are not authentication failures.
type ServerError struct {
	Status  int
	Message string
}

func (e *ServerError) Error() string {
	return fmt.Sprintf("server error (%d): %s", e.Status, e.Message)
}

// ValidationError carries the field and reason of a rejected write.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation failed: %s: %s", e.Field, e.Reason)
}

func (e *ValidationError) Unwrap() error { return ErrValidation }

// Wrapf wraps an error with context using fmt.Errorf
func Wrapf(err error, format string, args ...interface{}) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf(format+": %w", append(args, err)...)
}

// Is reports whether any error in err's chain matches target
func Is(err, target error) bool {
	return errors.Is(err, target)
}

// As finds the first error in err's chain that matches target
func As(err error, target interface{}) bool {
	return errors.As(err, target)
}
