package auth

import (
	"errors"
	"time"
)

// Failure taxonomy for the credential lifecycle. Handlers and the API client
// branch on these; only the refresh-invalid family forces a re-login.
var (
	// ErrAccessExpired marks a well-formed access credential past its expiry.
	// This is the only access rejection that rotation can repair.
	ErrAccessExpired = errors.New("access credential expired")

	// ErrAccessInvalid marks a malformed access credential or a bad signature.
	ErrAccessInvalid = errors.New("access credential invalid")

	// ErrRefreshInvalid marks an unknown or expired refresh credential.
	ErrRefreshInvalid = errors.New("refresh credential invalid")

	// ErrRefreshReused marks a refresh credential that was already rotated.
	// A replayed terminal credential is the theft-detection signal.
	ErrRefreshReused = errors.New("refresh credential already rotated")

	// ErrRefreshRevoked marks a refresh credential revoked by logout or an
	// administrator.
	ErrRefreshRevoked = errors.New("refresh credential revoked")

	// ErrRefreshTimeout marks a rotation that did not complete within its
	// deadline. Transient; callers may retry.
	ErrRefreshTimeout = errors.New("refresh timed out")

	// ErrStoreUnavailable marks an infrastructure failure in the refresh
	// store. Never folded into ErrRefreshInvalid.
	ErrStoreUnavailable = errors.New("refresh store unavailable")

	ErrInvalidCredentials = errors.New("invalid credentials")
)

type ErrLoginLocked struct {
	Until time.Time
}

func (e ErrLoginLocked) Error() string {
	return "login temporarily locked"
}
