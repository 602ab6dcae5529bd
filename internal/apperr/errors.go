// Package apperr defines the user-facing error kinds shared by the PIN
// utility and the claim workflow. All of them are recoverable and reported
// back to the caller.
package apperr

import (
	"errors"
	"fmt"
	"time"
)

var (
	ErrInvalidFormat   = errors.New("invalid_format")
	ErrExpired         = errors.New("expired")
	ErrNotFound        = errors.New("not_found")
	ErrWrongVendor     = errors.New("wrong_vendor")
	ErrAlreadyUsed     = errors.New("already_used")
	ErrAlreadyVerified = errors.New("already_verified")
	ErrNotVerified     = errors.New("not_verified")
	ErrRateLimited     = errors.New("rate_limited")
	ErrInvalidPIN      = errors.New("invalid_pin")
	ErrDealUnavailable = errors.New("deal_unavailable")
	ErrForbidden       = errors.New("forbidden")

	// ErrPINExpired is the expiry of a deal's verification PIN rather than
	// of a claim code. Its kind is still "expired".
	ErrPINExpired = fmt.Errorf("pin %w", ErrExpired)
)

// RateLimitError reports when the caller may try again.
type RateLimitError struct {
	NextAllowedAt time.Time
}

func (e *RateLimitError) Error() string {
	return fmt.Sprintf("rate_limited: next attempt allowed at %s", e.NextAllowedAt.UTC().Format(time.RFC3339))
}

func (e *RateLimitError) Unwrap() error { return ErrRateLimited }

// Kind returns the snake_case name of the first known kind err wraps, or
// "internal_error".
func Kind(err error) string {
	for _, k := range []error{
		ErrInvalidFormat, ErrExpired, ErrNotFound, ErrWrongVendor, ErrAlreadyUsed,
		ErrAlreadyVerified, ErrNotVerified, ErrRateLimited, ErrInvalidPIN,
		ErrDealUnavailable, ErrForbidden,
	} {
		if errors.Is(err, k) {
			return k.Error()
		}
	}
	return "internal_error"
}
