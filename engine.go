package authcore

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/vaultline/authcore/internal"
	"github.com/vaultline/authcore/password"
	"github.com/vaultline/authcore/session"
	"github.com/vaultline/authcore/userstore"
)

// Engine defines a public type used by authcore APIs.
//
// Engine instances are intended to be configured during initialization and then treated as immutable unless documented otherwise.
type Engine struct {
	config       Config
	users        *userstore.Store
	sessions     *session.Store
	passwordHash *password.Hasher
	mailer       Mailer
	audit        *auditDispatcher
	metrics      *Metrics
}

// Close describes the close operation and its observable behavior.
//
// Close may return an error when input validation, dependency calls, or security checks fail.
// Close does not mutate shared global state and can be used concurrently when the receiver and dependencies are concurrently safe.
func (e *Engine) Close() {
	if e == nil {
		return
	}
	if e.audit != nil {
		e.audit.Close()
	}
}

// AuditDropped describes the auditdropped operation and its observable behavior.
//
// AuditDropped may return an error when input validation, dependency calls, or security checks fail.
// AuditDropped does not mutate shared global state and can be used concurrently when the receiver and dependencies are concurrently safe.
func (e *Engine) AuditDropped() uint64 {
	if e == nil || e.audit == nil {
		return 0
	}
	return e.audit.Dropped()
}

// MetricsSnapshot describes the metricssnapshot operation and its observable behavior.
//
// MetricsSnapshot may return an error when input validation, dependency calls, or security checks fail.
// MetricsSnapshot does not mutate shared global state and can be used concurrently when the receiver and dependencies are concurrently safe.
func (e *Engine) MetricsSnapshot() MetricsSnapshot {
	if e == nil || e.metrics == nil {
		return MetricsSnapshot{
			Counters:   map[MetricID]uint64{},
			Histograms: map[MetricID][]uint64{},
		}
	}
	return e.metrics.Snapshot()
}

func (e *Engine) metricInc(id MetricID) {
	if e == nil || e.metrics == nil {
		return
	}
	e.metrics.Inc(id)
}

// Login describes the login operation and its observable behavior.
//
// Login may return an error when input validation, dependency calls, or security checks fail.
// Login does not mutate shared global state and can be used concurrently when the receiver and dependencies are concurrently safe.
func (e *Engine) Login(ctx context.Context, username, pw string) (*LoginResult, error) {
	if e == nil || e.passwordHash == nil {
		return nil, ErrEngineNotReady
	}
	if username == "" || pw == "" {
		e.metricInc(MetricLoginFailure)
		e.emitAudit(ctx, auditEventLoginFailure, false, "", "", ErrInvalidCredentials, func() map[string]string {
			return map[string]string{
				"identifier": username,
				"reason":     "empty_input",
			}
		})
		return nil, ErrInvalidCredentials
	}

	user, err := e.lookupByIdentifier(ctx, username)
	if err != nil {
		if errors.Is(err, userstore.ErrNotFound) {
			e.metricInc(MetricLoginFailure)
			e.emitAudit(ctx, auditEventLoginFailure, false, "", "", ErrInvalidCredentials, func() map[string]string {
				return map[string]string{
					"identifier": username,
					"reason":     "user_not_found",
				}
			})
			return nil, ErrInvalidCredentials
		}
		return nil, storeErr(err)
	}

	now := time.Now()
	if until, locked := activeLock(user, now); locked {
		e.metricInc(MetricLoginLockedOut)
		e.emitAudit(ctx, auditEventLoginLockedOut, false, user.ID, "", ErrAccountLocked, func() map[string]string {
			return map[string]string{
				"identifier": username,
			}
		})
		return nil, newLockoutError(until, now, false)
	}

	if !e.passwordHash.Verify(pw, user.PasswordHash) {
		lockErr := e.recordFailedLogin(ctx, user, now)
		e.metricInc(MetricLoginFailure)
		if lockErr != nil {
			e.metricInc(MetricAccountLocked)
			e.emitAudit(ctx, auditEventAccountLocked, false, user.ID, "", ErrAccountLocked, func() map[string]string {
				return map[string]string{
					"identifier": username,
				}
			})
			return nil, lockErr
		}
		e.emitAudit(ctx, auditEventLoginFailure, false, user.ID, "", ErrInvalidCredentials, func() map[string]string {
			return map[string]string{
				"identifier": username,
				"reason":     "password_mismatch",
			}
		})
		return nil, ErrInvalidCredentials
	}
	pw = ""

	if user.FailedLoginAttempts > 0 || user.LockedUntil != 0 {
		updated, err := e.applyUserUpdate(ctx, user, func(u *User) {
			u.FailedLoginAttempts = 0
			u.LockedUntil = 0
		})
		if err != nil {
			// Counter reset is best-effort and must not block successful login.
			log.Print("authcore: failed-attempt counter reset failed")
		} else {
			user = updated
		}
	}

	result, err := e.mintSession(ctx, user)
	if err != nil {
		e.metricInc(MetricLoginFailure)
		e.emitAudit(ctx, auditEventLoginFailure, false, user.ID, "", err, func() map[string]string {
			return map[string]string{
				"identifier": username,
				"reason":     "session_save_failed",
			}
		})
		return nil, err
	}

	e.metricInc(MetricLoginSuccess)
	e.emitAudit(ctx, auditEventLoginSuccess, true, user.ID, result.Token, nil, func() map[string]string {
		return map[string]string{
			"identifier": username,
		}
	})

	return result, nil
}

// Validate describes the validate operation and its observable behavior.
//
// Validate may return an error when input validation, dependency calls, or security checks fail.
// Validate does not mutate shared global state and can be used concurrently when the receiver and dependencies are concurrently safe.
func (e *Engine) Validate(ctx context.Context, bearer string) (*AuthResult, error) {
	if e.metrics != nil && e.metrics.LatencyEnabled() {
		start := time.Now()
		defer func() {
			e.metrics.Observe(MetricValidateLatency, time.Since(start))
		}()
	}

	sess, _, err := e.authenticate(ctx, bearer)
	if err != nil {
		return nil, err
	}

	return &AuthResult{
		UserID:    sess.UserID,
		TokenID:   sess.TokenID,
		Roles:     append([]string(nil), sess.Roles...),
		ExpiresAt: sess.ExpiresAt,
	}, nil
}

// Authorize describes the authorize operation and its observable behavior.
//
// Authorize may return an error when input validation, dependency calls, or security checks fail.
// Authorize does not mutate shared global state and can be used concurrently when the receiver and dependencies are concurrently safe.
func (e *Engine) Authorize(ctx context.Context, bearer string, roles ...string) (*AuthResult, error) {
	res, err := e.Validate(ctx, bearer)
	if err != nil {
		return nil, err
	}
	if len(roles) == 0 {
		return res, nil
	}
	for _, role := range roles {
		if res.HasRole(role) {
			return res, nil
		}
	}
	return nil, ErrForbidden
}

// Refresh describes the refresh operation and its observable behavior.
//
// Refresh may return an error when input validation, dependency calls, or security checks fail.
// Refresh does not mutate shared global state and can be used concurrently when the receiver and dependencies are concurrently safe.
func (e *Engine) Refresh(ctx context.Context, bearer string) (*LoginResult, error) {
	sess, secret, err := e.authenticate(ctx, bearer)
	if err != nil {
		e.metricInc(MetricRefreshFailure)
		e.emitAudit(ctx, auditEventRefreshInvalid, false, "", "", ErrUnauthorized, nil)
		return nil, err
	}

	newExpiry, err := e.sessions.ExtendExpiry(ctx, sess.TokenID, e.config.Session.TTL)
	if err != nil {
		e.metricInc(MetricRefreshFailure)
		switch {
		case errors.Is(err, session.ErrNotFound):
			e.emitAudit(ctx, auditEventRefreshInvalid, false, sess.UserID, sess.TokenID, ErrUnauthorized, nil)
			return nil, ErrUnauthorized
		case errors.Is(err, session.ErrConflict):
			e.metricInc(MetricWriteConflictRetry)
			e.emitAudit(ctx, auditEventRefreshInvalid, false, sess.UserID, sess.TokenID, ErrConflict, nil)
			return nil, ErrConflict
		default:
			e.emitAudit(ctx, auditEventRefreshInvalid, false, sess.UserID, sess.TokenID, err, nil)
			return nil, storeErr(err)
		}
	}

	e.metricInc(MetricRefreshSuccess)
	e.emitAudit(ctx, auditEventRefreshSuccess, true, sess.UserID, sess.TokenID, nil, nil)

	return &LoginResult{
		UserID:   sess.UserID,
		Token:    sess.TokenID,
		Password: secret,
		Issued:   sess.IssuedAt,
		Expires:  newExpiry,
		Roles:    append([]string(nil), sess.Roles...),
	}, nil
}

// Logout describes the logout operation and its observable behavior.
//
// Logout may return an error when input validation, dependency calls, or security checks fail.
// Logout does not mutate shared global state and can be used concurrently when the receiver and dependencies are concurrently safe.
func (e *Engine) Logout(ctx context.Context, bearer string) error {
	sess, _, err := e.authenticate(ctx, bearer)
	if err != nil {
		e.emitAudit(ctx, auditEventLogoutSession, false, "", "", ErrUnauthorized, nil)
		return err
	}

	if err := e.sessions.Delete(ctx, sess.TokenID); err != nil {
		e.emitAudit(ctx, auditEventLogoutSession, false, sess.UserID, sess.TokenID, err, nil)
		return storeErr(err)
	}

	e.metricInc(MetricLogout)
	e.metricInc(MetricSessionInvalidated)
	e.emitAudit(ctx, auditEventLogoutSession, true, sess.UserID, sess.TokenID, nil, nil)
	return nil
}

// LogoutOthers describes the logoutothers operation and its observable behavior.
//
// LogoutOthers may return an error when input validation, dependency calls, or security checks fail.
// LogoutOthers does not mutate shared global state and can be used concurrently when the receiver and dependencies are concurrently safe.
func (e *Engine) LogoutOthers(ctx context.Context, bearer string) (int, error) {
	sess, _, err := e.authenticate(ctx, bearer)
	if err != nil {
		return 0, err
	}

	others, err := e.sessions.ListForUser(ctx, sess.UserID)
	if err != nil {
		return 0, storeErr(err)
	}

	revoked := 0
	for _, other := range others {
		if other.TokenID == sess.TokenID {
			continue
		}
		if err := e.sessions.Delete(ctx, other.TokenID); err != nil {
			return revoked, storeErr(err)
		}
		e.metricInc(MetricSessionInvalidated)
		revoked++
	}

	e.emitAudit(ctx, auditEventLogoutAll, true, sess.UserID, sess.TokenID, nil, func() map[string]string {
		return map[string]string{
			"scope": "others",
		}
	})
	return revoked, nil
}

// LogoutAll describes the logoutall operation and its observable behavior.
//
// LogoutAll may return an error when input validation, dependency calls, or security checks fail.
// LogoutAll does not mutate shared global state and can be used concurrently when the receiver and dependencies are concurrently safe.
func (e *Engine) LogoutAll(ctx context.Context, userID string) error {
	err := e.sessions.DeleteAllForUser(ctx, userstore.NormalizeKey(userID))
	if err == nil {
		e.metricInc(MetricLogoutAll)
		e.metricInc(MetricSessionInvalidated)
	}
	e.emitAudit(ctx, auditEventLogoutAll, err == nil, userID, "", err, nil)
	if err != nil {
		return storeErr(err)
	}
	return nil
}

// RevokeSession describes the revokesession operation and its observable behavior.
//
// RevokeSession may return an error when input validation, dependency calls, or security checks fail.
// RevokeSession does not mutate shared global state and can be used concurrently when the receiver and dependencies are concurrently safe.
func (e *Engine) RevokeSession(ctx context.Context, tokenID string) error {
	if err := e.sessions.Delete(ctx, tokenID); err != nil {
		e.emitAudit(ctx, auditEventSessionRevoked, false, "", tokenID, err, nil)
		return storeErr(err)
	}
	e.metricInc(MetricSessionInvalidated)
	e.emitAudit(ctx, auditEventSessionRevoked, true, "", tokenID, nil, nil)
	return nil
}

// ListSessions describes the listsessions operation and its observable behavior.
//
// ListSessions may return an error when input validation, dependency calls, or security checks fail.
// ListSessions does not mutate shared global state and can be used concurrently when the receiver and dependencies are concurrently safe.
func (e *Engine) ListSessions(ctx context.Context, userID string) ([]SessionInfo, error) {
	live, err := e.sessions.ListForUser(ctx, userstore.NormalizeKey(userID))
	if err != nil {
		return nil, storeErr(err)
	}

	infos := make([]SessionInfo, 0, len(live))
	for _, sess := range live {
		infos = append(infos, SessionInfo{
			TokenID:   sess.TokenID,
			IssuedAt:  sess.IssuedAt,
			ExpiresAt: sess.ExpiresAt,
		})
	}
	return infos, nil
}

// authenticate resolves a bearer pair to its live session. Every failure
// collapses to ErrUnauthorized; callers must not leak which check failed.
func (e *Engine) authenticate(ctx context.Context, bearer string) (*session.Session, string, error) {
	if e == nil || e.sessions == nil {
		return nil, "", ErrEngineNotReady
	}

	tokenID, secret, err := internal.SplitBearer(bearer)
	if err != nil {
		return nil, "", ErrUnauthorized
	}

	sess, err := e.sessions.Get(ctx, tokenID)
	if err != nil {
		// Store trouble fails closed.
		return nil, "", ErrUnauthorized
	}

	stored, err := hex.DecodeString(sess.SecretHash)
	if err != nil || len(stored) != sha256.Size {
		return nil, "", ErrUnauthorized
	}
	var storedDigest [sha256.Size]byte
	copy(storedDigest[:], stored)

	if !internal.HashEqual(internal.HashSecret(secret), storedDigest) {
		return nil, "", ErrUnauthorized
	}

	return sess, secret, nil
}

func (e *Engine) mintSession(ctx context.Context, user *User) (*LoginResult, error) {
	tokenID, err := internal.NewTokenID()
	if err != nil {
		return nil, err
	}
	secret, err := internal.NewTokenSecret()
	if err != nil {
		return nil, err
	}

	now := time.Now()
	digest := internal.HashSecret(secret)
	sess := &session.Session{
		TokenID:    tokenID,
		SecretHash: hex.EncodeToString(digest[:]),
		UserID:     user.ID,
		Roles:      append([]string(nil), user.Roles...),
		IssuedAt:   now.UnixMilli(),
		ExpiresAt:  now.Add(e.config.Session.TTL).UnixMilli(),
	}

	if err := e.sessions.Save(ctx, sess); err != nil {
		return nil, storeErr(err)
	}
	e.metricInc(MetricSessionCreated)

	return &LoginResult{
		UserID:   user.ID,
		Token:    tokenID,
		Password: secret,
		Issued:   sess.IssuedAt,
		Expires:  sess.ExpiresAt,
		Roles:    append([]string(nil), user.Roles...),
		Profile:  user.Clone().Profile,
	}, nil
}

// lookupByIdentifier resolves a login identifier, trying username first and
// falling back to email.
func (e *Engine) lookupByIdentifier(ctx context.Context, identifier string) (*User, error) {
	user, err := e.users.GetByUsername(ctx, identifier)
	if err == nil {
		return user, nil
	}
	if !errors.Is(err, userstore.ErrNotFound) {
		return nil, err
	}
	return e.users.GetByEmail(ctx, identifier)
}

// recordFailedLogin bumps the failed-attempt counter and arms the lock when
// the threshold is reached. It returns a non-nil lockout error only when this
// attempt observed the lock being armed. Bookkeeping failures are logged and
// swallowed; the caller still reports invalid credentials.
func (e *Engine) recordFailedLogin(ctx context.Context, user *User, now time.Time) *LockoutError {
	threshold := e.config.Lockout.Threshold
	duration := e.config.Lockout.Duration

	updated, err := e.applyUserUpdate(ctx, user, func(u *User) {
		if _, locked := activeLock(u, now); locked {
			// A concurrent attempt already armed the lock.
			return
		}
		u.FailedLoginAttempts++
		if threshold > 0 && u.FailedLoginAttempts >= threshold {
			u.LockedUntil = now.Add(duration).Unix()
		}
	})
	if err != nil {
		log.Print("authcore: failed-attempt bookkeeping write failed")
		return nil
	}

	if until, locked := activeLock(updated, now); locked {
		return newLockoutError(until, now, true)
	}
	return nil
}

// applyUserUpdate writes user after apply mutated a private copy, retrying a
// revision race once by re-fetching the document and re-applying the
// transition. A second conflict surfaces ErrConflict.
func (e *Engine) applyUserUpdate(ctx context.Context, user *User, apply func(*User)) (*User, error) {
	doc := user.Clone()
	apply(doc)

	rev, err := e.users.Put(ctx, doc, user.Rev)
	if err == nil {
		doc.Rev = rev
		return doc, nil
	}
	if errors.Is(err, userstore.ErrIndexConflict) {
		// Another user owns an index entry this write claims; retrying the
		// same transition cannot succeed.
		return nil, err
	}
	if !errors.Is(err, userstore.ErrConflict) {
		return nil, storeErr(err)
	}

	e.metricInc(MetricWriteConflictRetry)
	fresh, err := e.users.GetByID(ctx, user.ID)
	if err != nil {
		return nil, storeErr(err)
	}

	doc = fresh.Clone()
	apply(doc)

	rev, err = e.users.Put(ctx, doc, fresh.Rev)
	if err != nil {
		if errors.Is(err, userstore.ErrIndexConflict) {
			return nil, err
		}
		if errors.Is(err, userstore.ErrConflict) {
			return nil, ErrConflict
		}
		return nil, storeErr(err)
	}
	doc.Rev = rev
	return doc, nil
}

func activeLock(u *User, now time.Time) (time.Time, bool) {
	if u == nil || u.LockedUntil <= 0 {
		return time.Time{}, false
	}
	until := time.Unix(u.LockedUntil, 0)
	if !now.Before(until) {
		// Lock expired; it is cleared lazily on the next successful login.
		return time.Time{}, false
	}
	return until, true
}

func storeErr(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, ErrStoreUnavailable) {
		return err
	}
	return fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
}
