package authcore

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"log"
	"math/big"
	"time"

	"github.com/vaultline/authcore/internal"
	"github.com/vaultline/authcore/userstore"
)

// ForgotPassword describes the forgotpassword operation and its observable behavior.
//
// ForgotPassword may return an error when input validation, dependency calls, or security checks fail.
// ForgotPassword does not mutate shared global state and can be used concurrently when the receiver and dependencies are concurrently safe.
//
// The response shape never reveals whether the address exists: unknown
// addresses take the same success path, padded with a small random delay so
// timing does not betray the lookup either.
func (e *Engine) ForgotPassword(ctx context.Context, email string) error {
	normalized := userstore.NormalizeKey(email)

	user, err := e.users.GetByEmail(ctx, normalized)
	switch {
	case err == nil:
		if issueErr := e.issueResetToken(ctx, user, normalized); issueErr != nil {
			log.Print("authcore: reset token issue failed")
		}
	case errors.Is(err, userstore.ErrNotFound):
		// Fall through to the success shape.
	default:
		return storeErr(err)
	}

	if err := sleepPasswordResetEnumerationDelay(ctx); err != nil {
		return err
	}
	return nil
}

func (e *Engine) issueResetToken(ctx context.Context, user *User, email string) error {
	token, err := internal.NewRecoveryToken()
	if err != nil {
		return err
	}
	digest := internal.HashSecret(token)

	now := time.Now()
	if _, err := e.applyUserUpdate(ctx, user, func(u *User) {
		u.ForgotPassword = &userstore.ForgotPassword{
			TokenHash: hex.EncodeToString(digest[:]),
			IssuedAt:  now.Unix(),
			ExpiresAt: now.Add(e.config.PasswordReset.Window).Unix(),
		}
	}); err != nil {
		return err
	}

	e.metricInc(MetricPasswordResetRequest)
	e.emitAudit(ctx, auditEventPasswordResetRequest, true, user.ID, "", nil, nil)
	e.sendMail(EmailForgotPassword, email, map[string]any{
		"username": user.Username,
		"token":    token,
	})
	return nil
}

// ResetPassword describes the resetpassword operation and its observable behavior.
//
// ResetPassword may return an error when input validation, dependency calls, or security checks fail.
// ResetPassword does not mutate shared global state and can be used concurrently when the receiver and dependencies are concurrently safe.
//
// The reset token is single-use: it is cleared whether the reset succeeds or
// is rejected, so a second presentation always fails.
func (e *Engine) ResetPassword(ctx context.Context, token, newPassword string) error {
	if token == "" {
		e.metricInc(MetricPasswordResetConfirmFailure)
		e.emitAudit(ctx, auditEventPasswordResetFailure, false, "", "", ErrInvalidOrExpiredToken, nil)
		return ErrInvalidOrExpiredToken
	}
	if err := e.validatePassword(newPassword); err != nil {
		e.metricInc(MetricPasswordResetConfirmFailure)
		e.emitAudit(ctx, auditEventPasswordResetFailure, false, "", "", err, nil)
		return err
	}

	digest := internal.HashSecret(token)
	user, err := e.users.GetByResetTokenHash(ctx, hex.EncodeToString(digest[:]))
	if err != nil {
		if errors.Is(err, userstore.ErrNotFound) {
			e.metricInc(MetricPasswordResetConfirmFailure)
			e.emitAudit(ctx, auditEventPasswordResetFailure, false, "", "", ErrInvalidOrExpiredToken, nil)
			return ErrInvalidOrExpiredToken
		}
		return storeErr(err)
	}

	now := time.Now()
	// Tokens are valid strictly before the expiry instant.
	if user.ForgotPassword == nil || now.Unix() >= user.ForgotPassword.ExpiresAt {
		// Expired: consume the entry so the token cannot be presented again.
		if _, clearErr := e.applyUserUpdate(ctx, user, func(u *User) {
			u.ForgotPassword = nil
		}); clearErr != nil {
			log.Print("authcore: expired reset token cleanup failed")
		}
		e.metricInc(MetricPasswordResetConfirmFailure)
		e.emitAudit(ctx, auditEventPasswordResetFailure, false, user.ID, "", ErrInvalidOrExpiredToken, nil)
		return ErrInvalidOrExpiredToken
	}

	if e.passwordHash.Verify(newPassword, user.PasswordHash) {
		if _, clearErr := e.applyUserUpdate(ctx, user, func(u *User) {
			u.ForgotPassword = nil
		}); clearErr != nil {
			log.Print("authcore: reset token cleanup failed")
		}
		e.metricInc(MetricPasswordResetConfirmFailure)
		e.emitAudit(ctx, auditEventPasswordResetFailure, false, user.ID, "", ErrPasswordReuse, nil)
		return ErrPasswordReuse
	}

	newHash, err := e.passwordHash.Hash(newPassword)
	if err != nil {
		return err
	}

	updated, err := e.applyUserUpdate(ctx, user, func(u *User) {
		u.PasswordHash = newHash
		u.ForgotPassword = nil
		u.FailedLoginAttempts = 0
		u.LockedUntil = 0
	})
	if err != nil {
		e.metricInc(MetricPasswordResetConfirmFailure)
		e.emitAudit(ctx, auditEventPasswordResetFailure, false, user.ID, "", err, nil)
		return err
	}

	if err := e.sessions.DeleteAllForUser(ctx, updated.ID); err != nil {
		log.Print("authcore: session invalidation failed after password reset")
		e.emitAudit(ctx, auditEventPasswordResetFailure, false, updated.ID, "", ErrSessionInvalidationFailed, nil)
		return errors.Join(ErrSessionInvalidationFailed, err)
	}
	e.metricInc(MetricSessionInvalidated)

	if addr := updated.CurrentEmail(); addr != "" {
		e.sendMail(EmailPasswordChanged, addr, map[string]any{
			"username": updated.Username,
		})
	}

	e.metricInc(MetricPasswordResetConfirmSuccess)
	e.emitAudit(ctx, auditEventPasswordResetConfirm, true, updated.ID, "", nil, nil)
	return nil
}

func sleepPasswordResetEnumerationDelay(ctx context.Context) error {
	minMs := int64(20)
	maxMs := int64(40)
	span := maxMs - minMs + 1

	n, err := rand.Int(rand.Reader, big.NewInt(span))
	if err != nil {
		return err
	}

	delay := time.Duration(minMs+n.Int64()) * time.Millisecond
	timer := time.NewTimer(delay)
	defer timer.Stop()

	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
