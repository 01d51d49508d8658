package authcore

import (
	"context"

	"github.com/vaultline/authcore/userstore"
)

// User is the account document managed by the engine. It is stored and
// versioned by [userstore.Store].
type User = userstore.User

// EmailKind identifies a mail template handed to a [Mailer].
//
// EmailKind instances are intended to be configured during initialization and then treated as immutable unless documented otherwise.
type EmailKind string

const (
	// EmailConfirm is an exported constant or variable used by the authentication engine.
	EmailConfirm EmailKind = "confirmEmail"
	// EmailForgotPassword is an exported constant or variable used by the authentication engine.
	EmailForgotPassword EmailKind = "forgotPassword"
	// EmailPasswordChanged is an exported constant or variable used by the authentication engine.
	EmailPasswordChanged EmailKind = "passwordChanged"
)

// Mailer delivers account lifecycle mail. Implementations must be safe for
// concurrent use; the engine calls SendEmail from background goroutines and
// never blocks an operation on delivery.
type Mailer interface {
	SendEmail(ctx context.Context, kind EmailKind, to string, data map[string]any) error
}

// RegisterRequest is the input for [Engine.Register]. Username, Email, and
// Password are required; ConfirmPassword is checked only when set.
type RegisterRequest struct {
	Username        string
	Email           string
	Password        string
	ConfirmPassword string
	Profile         map[string]any
}

// RegisterResult is returned by [Engine.Register]. When AutoLogin is enabled
// it carries a freshly minted session; Login is nil otherwise.
type RegisterResult struct {
	UserID              string
	Roles               []string
	VerificationPending bool
	Login               *LoginResult
}

// LoginResult is the credential payload returned by [Engine.Login],
// [Engine.Register] (with AutoLogin), and [Engine.Refresh]. Token and
// Password are the two halves of the bearer pair; Password is shown exactly
// once and cannot be recovered afterwards.
type LoginResult struct {
	UserID   string
	Token    string
	Password string
	Issued   int64
	Expires  int64
	Roles    []string
	Profile  map[string]any
}

// Bearer renders the credential in the wire form accepted by
// [Engine.Validate].
func (r *LoginResult) Bearer() string {
	return r.Token + ":" + r.Password
}

// AuthResult is returned by [Engine.Validate] and [Engine.Authorize]. It
// identifies the authenticated user and the session the credential resolved
// to.
type AuthResult struct {
	UserID    string
	TokenID   string
	Roles     []string
	ExpiresAt int64
}

// HasRole reports whether the session's role snapshot contains role.
func (r *AuthResult) HasRole(role string) bool {
	if r == nil {
		return false
	}
	for _, have := range r.Roles {
		if have == role {
			return true
		}
	}
	return false
}

// SessionInfo is the per-session view returned by [Engine.ListSessions].
// Secret material is never included.
type SessionInfo struct {
	TokenID   string
	IssuedAt  int64
	ExpiresAt int64
}
