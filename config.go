package authcore

import (
	"errors"
	"time"
)

// Config defines a public type used by authcore APIs.
//
// Config instances are intended to be configured during initialization and then treated as immutable unless documented otherwise.
type Config struct {
	Session           SessionConfig
	Password          PasswordConfig
	Lockout           LockoutConfig
	PasswordReset     PasswordResetConfig
	EmailVerification EmailVerificationConfig
	Account           AccountConfig
	Store             StoreConfig
	Audit             AuditConfig
	Metrics           MetricsConfig
}

/*
====================================
SESSION CONFIG
====================================
*/

// SessionConfig controls the lifetime of issued bearer credentials.
type SessionConfig struct {
	// TTL is applied at mint time and again on every refresh; refresh sets
	// expiresAt = now + TTL on the same record without rotating the secret.
	TTL time.Duration
}

/*
====================================
PASSWORD CONFIG
====================================
*/

// PasswordConfig holds the argon2id cost parameters and the engine-level
// minimum plaintext length. Length policy lives here, not in the hasher:
// recovery flows and registration share one knob.
type PasswordConfig struct {
	Memory      uint32 // in KB
	Time        uint32
	Parallelism uint8
	SaltLength  uint32
	KeyLength   uint32
	MinLength   int
}

/*
====================================
LOCKOUT CONFIG
====================================
*/

// LockoutConfig parameterizes the per-user failed-login state machine.
type LockoutConfig struct {
	// Threshold is the failed-attempt count that flips the account to locked.
	Threshold int
	// Duration is the lock window applied when the threshold is reached.
	// Unlock is lazy: the next attempt at or after lockedUntil proceeds to
	// password verification normally.
	Duration time.Duration
}

/*
====================================
RECOVERY CONFIG
====================================
*/

// PasswordResetConfig defines a public type used by authcore APIs.
//
// PasswordResetConfig instances are intended to be configured during initialization and then treated as immutable unless documented otherwise.
type PasswordResetConfig struct {
	// Window bounds the validity of a forgot-password token
	// (expiresAt = now + Window).
	Window time.Duration
}

// EmailVerificationConfig defines a public type used by authcore APIs.
//
// EmailVerificationConfig instances are intended to be configured during initialization and then treated as immutable unless documented otherwise.
type EmailVerificationConfig struct {
	// Enabled gates whether registration stores an unverifiedEmail block and
	// sends the verification mail. Verification tokens carry no expiry.
	Enabled bool
}

/*
====================================
ACCOUNT CONFIG
====================================
*/

// AccountConfig defines a public type used by authcore APIs.
//
// AccountConfig instances are intended to be configured during initialization and then treated as immutable unless documented otherwise.
type AccountConfig struct {
	// DefaultRoles are snapshot onto every new user and into their sessions.
	DefaultRoles []string
	// AutoLogin mints a session during registration and returns it in the
	// register result.
	AutoLogin bool
	// KeepCurrentSessionOnPasswordChange preserves the session that carried a
	// successful password change while every other session is revoked. When
	// false the requesting session is revoked too.
	KeepCurrentSessionOnPasswordChange bool
	// UsernameMinLength and UsernameMaxLength bound the accepted username
	// length after lowercasing.
	UsernameMinLength int
	UsernameMaxLength int
}

/*
====================================
STORE CONFIG
====================================
*/

// StoreConfig defines a public type used by authcore APIs.
//
// StoreConfig instances are intended to be configured during initialization and then treated as immutable unless documented otherwise.
type StoreConfig struct {
	// KeyPrefix namespaces every key the engine writes, letting one backing
	// store serve several applications.
	KeyPrefix string
}

/*
====================================
AUDIT / METRICS CONFIG
====================================
*/

// AuditConfig defines a public type used by authcore APIs.
//
// AuditConfig instances are intended to be configured during initialization and then treated as immutable unless documented otherwise.
type AuditConfig struct {
	Enabled    bool
	BufferSize int
	DropIfFull bool
}

// MetricsConfig defines a public type used by authcore APIs.
//
// MetricsConfig instances are intended to be configured during initialization and then treated as immutable unless documented otherwise.
type MetricsConfig struct {
	Enabled                 bool
	EnableLatencyHistograms bool
}

// DefaultConfig returns the baseline configuration: 24h sessions, a
// three-strikes lockout with a ten-minute lock, a one-hour reset window,
// email verification on, and moderate argon2id costs.
func DefaultConfig() Config {
	return Config{
		Session: SessionConfig{
			TTL: 24 * time.Hour,
		},
		Password: PasswordConfig{
			Memory:      64 * 1024,
			Time:        2,
			Parallelism: 2,
			SaltLength:  16,
			KeyLength:   32,
			MinLength:   6,
		},
		Lockout: LockoutConfig{
			Threshold: 3,
			Duration:  10 * time.Minute,
		},
		PasswordReset: PasswordResetConfig{
			Window: time.Hour,
		},
		EmailVerification: EmailVerificationConfig{
			Enabled: true,
		},
		Account: AccountConfig{
			DefaultRoles:      []string{"user"},
			UsernameMinLength: 3,
			UsernameMaxLength: 50,
		},
		Store: StoreConfig{
			KeyPrefix: "ac",
		},
		Audit: AuditConfig{
			Enabled:    false,
			BufferSize: 256,
			DropIfFull: true,
		},
		Metrics: MetricsConfig{
			Enabled: true,
		},
	}
}

// Validate checks the configuration for values the engine cannot operate
// with. It is called by [Builder.Build]; direct callers get the same checks.
func (c Config) Validate() error {
	if c.Session.TTL <= 0 {
		return errors.New("session TTL must be positive")
	}
	if c.Lockout.Threshold < 1 {
		return errors.New("lockout threshold must be >= 1")
	}
	if c.Lockout.Duration <= 0 {
		return errors.New("lockout duration must be positive")
	}
	if c.PasswordReset.Window <= 0 {
		return errors.New("password reset window must be positive")
	}
	if c.Password.MinLength < 1 {
		return errors.New("password minimum length must be >= 1")
	}
	if len(c.Account.DefaultRoles) == 0 {
		return errors.New("at least one default role is required")
	}
	if c.Account.UsernameMinLength < 1 || c.Account.UsernameMaxLength < c.Account.UsernameMinLength {
		return errors.New("invalid username length bounds")
	}
	if c.Store.KeyPrefix == "" {
		return errors.New("store key prefix required")
	}
	return nil
}

func cloneConfig(cfg Config) Config {
	out := cfg
	out.Account.DefaultRoles = append([]string(nil), cfg.Account.DefaultRoles...)
	return out
}
