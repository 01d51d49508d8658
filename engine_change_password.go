package authcore

import (
	"context"
	"errors"
	"log"

	"github.com/vaultline/authcore/userstore"
)

// ChangePassword describes the changepassword operation and its observable behavior.
//
// ChangePassword may return an error when input validation, dependency calls, or security checks fail.
// ChangePassword does not mutate shared global state and can be used concurrently when the receiver and dependencies are concurrently safe.
//
// currentTokenID names the session that carried the request. When
// [AccountConfig.KeepCurrentSessionOnPasswordChange] is set, that session
// survives while every other one is revoked; otherwise all sessions go,
// including the caller's.
func (e *Engine) ChangePassword(ctx context.Context, userID, oldPassword, newPassword, currentTokenID string) error {
	if e == nil || e.passwordHash == nil {
		return ErrEngineNotReady
	}
	if userID == "" || oldPassword == "" || newPassword == "" {
		e.emitAudit(ctx, auditEventPasswordChangeInvalidOld, false, userID, "", ErrPasswordPolicy, func() map[string]string {
			return map[string]string{
				"reason": "invalid_input",
			}
		})
		return ErrPasswordPolicy
	}
	if err := e.validatePassword(newPassword); err != nil {
		return err
	}

	user, err := e.users.GetByID(ctx, userstore.NormalizeKey(userID))
	if err != nil {
		if errors.Is(err, userstore.ErrNotFound) {
			return ErrUserNotFound
		}
		return storeErr(err)
	}

	if !e.passwordHash.Verify(oldPassword, user.PasswordHash) {
		e.metricInc(MetricPasswordChangeInvalidOld)
		e.emitAudit(ctx, auditEventPasswordChangeInvalidOld, false, user.ID, currentTokenID, ErrInvalidCredentials, nil)
		return ErrInvalidCredentials
	}

	if e.passwordHash.Verify(newPassword, user.PasswordHash) {
		e.metricInc(MetricPasswordChangeReuseRejected)
		e.emitAudit(ctx, auditEventPasswordChangeReuse, false, user.ID, currentTokenID, ErrPasswordReuse, nil)
		return ErrPasswordReuse
	}

	newHash, err := e.passwordHash.Hash(newPassword)
	if err != nil {
		return err
	}

	updated, err := e.applyUserUpdate(ctx, user, func(u *User) {
		u.PasswordHash = newHash
		u.FailedLoginAttempts = 0
		u.LockedUntil = 0
	})
	if err != nil {
		return err
	}

	if err := e.revokeAfterPasswordChange(ctx, updated.ID, currentTokenID); err != nil {
		log.Print("authcore: session invalidation failed after password change")
		e.emitAudit(ctx, auditEventPasswordChangeInvalidOld, false, updated.ID, currentTokenID, ErrSessionInvalidationFailed, func() map[string]string {
			return map[string]string{
				"reason": "session_invalidation_failed",
			}
		})
		return errors.Join(ErrSessionInvalidationFailed, err)
	}
	e.metricInc(MetricSessionInvalidated)

	if addr := updated.CurrentEmail(); addr != "" {
		e.sendMail(EmailPasswordChanged, addr, map[string]any{
			"username": updated.Username,
		})
	}

	e.metricInc(MetricPasswordChangeSuccess)
	e.emitAudit(ctx, auditEventPasswordChangeSuccess, true, updated.ID, currentTokenID, nil, nil)
	return nil
}

func (e *Engine) revokeAfterPasswordChange(ctx context.Context, userID, currentTokenID string) error {
	keep := e.config.Account.KeepCurrentSessionOnPasswordChange && currentTokenID != ""
	if !keep {
		return e.sessions.DeleteAllForUser(ctx, userID)
	}

	live, err := e.sessions.ListForUser(ctx, userID)
	if err != nil {
		return err
	}
	for _, sess := range live {
		if sess.TokenID == currentTokenID {
			continue
		}
		if err := e.sessions.Delete(ctx, sess.TokenID); err != nil {
			return err
		}
	}
	return nil
}
