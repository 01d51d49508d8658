package userstore

import "strings"

// User is the identity document. The store treats it as returned-by-value:
// callers re-fetch and re-validate before mutating, and every Put carries the
// revision the mutation was derived from.
type User struct {
	// ID is derived from the username at registration (lowercased) and is
	// immutable afterwards.
	ID       string `json:"id"`
	Username string `json:"username"`
	// Email is the confirmed address. While verification is pending the
	// address lives in UnverifiedEmail instead.
	Email        string         `json:"email,omitempty"`
	PasswordHash string         `json:"passwordHash,omitempty"`
	Roles        []string       `json:"roles"`
	Profile      map[string]any `json:"profile,omitempty"`

	// UnverifiedEmail is present only between registration and email
	// confirmation.
	UnverifiedEmail *UnverifiedEmail `json:"unverifiedEmail,omitempty"`

	FailedLoginAttempts int `json:"failedLoginAttempts"`
	// LockedUntil is unix seconds; zero means the account is not locked.
	LockedUntil int64 `json:"lockedUntil,omitempty"`

	// ForgotPassword is present only during an active reset window.
	ForgotPassword *ForgotPassword `json:"forgotPassword,omitempty"`

	CreatedAt int64 `json:"createdAt"`

	// Rev is the document revision, incremented by the store on every
	// successful Put. A Put whose expected revision does not match the stored
	// one fails with [ErrConflict].
	Rev uint64 `json:"rev"`
}

// UnverifiedEmail holds a pending address and its plaintext confirmation
// token. Verification tokens carry no expiry.
type UnverifiedEmail struct {
	Address  string `json:"address"`
	Token    string `json:"token"`
	IssuedAt int64  `json:"issuedAt"`
}

// ForgotPassword holds the digest of an outstanding reset token. The
// plaintext is delivered out-of-band and never persisted. TokenHash is the
// hex form of the SHA-256 digest.
type ForgotPassword struct {
	TokenHash string `json:"tokenHash"`
	IssuedAt  int64  `json:"issuedAt"`
	ExpiresAt int64  `json:"expiresAt"`
}

// Clone returns a deep copy so callers can transform a fetched document
// without aliasing store-internal state.
func (u *User) Clone() *User {
	if u == nil {
		return nil
	}

	out := *u
	out.Roles = append([]string(nil), u.Roles...)
	if u.Profile != nil {
		out.Profile = make(map[string]any, len(u.Profile))
		for k, v := range u.Profile {
			out.Profile[k] = v
		}
	}
	if u.UnverifiedEmail != nil {
		ue := *u.UnverifiedEmail
		out.UnverifiedEmail = &ue
	}
	if u.ForgotPassword != nil {
		fp := *u.ForgotPassword
		out.ForgotPassword = &fp
	}
	return &out
}

// CurrentEmail returns the address uniqueness checks must account for:
// the confirmed email, or the pending unverified address.
func (u *User) CurrentEmail() string {
	if u.Email != "" {
		return u.Email
	}
	if u.UnverifiedEmail != nil {
		return u.UnverifiedEmail.Address
	}
	return ""
}

// NormalizeKey lowercases an identifier for case-insensitive comparison and
// index keys.
func NormalizeKey(v string) string {
	return strings.ToLower(strings.TrimSpace(v))
}
