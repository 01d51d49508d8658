package authcore

import (
	"errors"
	"fmt"
	"time"
)

var (
	// ErrInvalidCredentials is returned when a login fails for any reason the
	// caller is not allowed to distinguish: unknown username, missing password
	// hash, or password mismatch.
	ErrInvalidCredentials = errors.New("Invalid username or password")
	// ErrUnauthorized is returned when a bearer credential is missing, malformed,
	// expired, or does not match a live session.
	ErrUnauthorized = errors.New("unauthorized")
	// ErrForbidden is returned when a valid session lacks a required role.
	ErrForbidden = errors.New("forbidden")
	// ErrAccountLocked is the match target for both lockout message variants.
	// Use errors.As with [*LockoutError] to read the remaining lock window.
	ErrAccountLocked = errors.New("account locked")
	// ErrInvalidOrExpiredToken is returned by the recovery flows when a
	// verification or reset token does not match, was already consumed, or has
	// passed its expiry window.
	ErrInvalidOrExpiredToken = errors.New("invalid or expired token")
	// ErrUsernameTaken is an exported constant or variable used by the authentication engine.
	ErrUsernameTaken = errors.New("username already in use")
	// ErrEmailTaken is an exported constant or variable used by the authentication engine.
	ErrEmailTaken = errors.New("email already in use")
	// ErrInvalidUsername is an exported constant or variable used by the authentication engine.
	ErrInvalidUsername = errors.New("invalid username")
	// ErrInvalidEmail is an exported constant or variable used by the authentication engine.
	ErrInvalidEmail = errors.New("invalid email address")
	// ErrPasswordPolicy is an exported constant or variable used by the authentication engine.
	ErrPasswordPolicy = errors.New("password policy violation")
	// ErrPasswordReuse is an exported constant or variable used by the authentication engine.
	ErrPasswordReuse = errors.New("new password must be different from current password")
	// ErrUserNotFound is an exported constant or variable used by the authentication engine.
	ErrUserNotFound = errors.New("user not found")
	// ErrConflict is surfaced when a document revision race persists after the
	// engine's single internal retry.
	ErrConflict = errors.New("document revision conflict")
	// ErrStoreUnavailable is an exported constant or variable used by the authentication engine.
	ErrStoreUnavailable = errors.New("credential store unavailable")
	// ErrSessionInvalidationFailed is an exported constant or variable used by the authentication engine.
	ErrSessionInvalidationFailed = errors.New("session invalidation failed")
	// ErrEngineNotReady is an exported constant or variable used by the authentication engine.
	ErrEngineNotReady = errors.New("engine not initialized")
)

// LockoutError carries the remaining-lock context for the two user-visible
// lockout variants. ThresholdHit is true only on the failed attempt that
// tripped the counter over the threshold; later attempts during the lock
// window see the "currently locked" variant.
type LockoutError struct {
	Until        time.Time
	Remaining    time.Duration
	ThresholdHit bool
}

// Error renders the user-visible lockout message. Hosts match on the message
// prefixes, so they must stay stable.
func (e *LockoutError) Error() string {
	remaining := e.Remaining.Round(time.Second)
	if remaining < time.Second {
		remaining = time.Second
	}
	if e.ThresholdHit {
		return fmt.Sprintf("Maximum failed login attempts exceeded. Your account has been locked for %s", remaining)
	}
	return fmt.Sprintf("Your account is currently locked. Try again in %s", remaining)
}

// Unwrap makes errors.Is(err, ErrAccountLocked) hold for both variants.
func (e *LockoutError) Unwrap() error { return ErrAccountLocked }

func newLockoutError(until time.Time, now time.Time, thresholdHit bool) *LockoutError {
	return &LockoutError{
		Until:        until,
		Remaining:    until.Sub(now),
		ThresholdHit: thresholdHit,
	}
}
