package errors

import (
	"errors"
	"fmt"
)

// Typed outcomes shared across the broker. Components wrap these with
// call-site context; callers match with Is.
var (
	// Login flow errors
	ErrInvalidState        = errors.New("invalid login state")
	ErrTokenExchangeFailed = errors.New("token exchange failed")
	ErrSignatureInvalid    = errors.New("token signature invalid")

	// Session errors
	ErrTokenExpired    = errors.New("token expired")
	ErrSessionNotFound = errors.New("session not found")
	ErrConflict        = errors.New("conflicting store update")

	// Secret store errors
	ErrAccessDenied     = errors.New("secret access denied")
	ErrNotFound         = errors.New("not found")
	ErrStoreUnavailable = errors.New("secret store unavailable")

	// Envelope errors
	ErrDecryptFailed = errors.New("decrypt failed")
)

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
