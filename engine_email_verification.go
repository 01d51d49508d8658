package authcore

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/vaultline/authcore/userstore"
)

// ConfirmEmail describes the confirmemail operation and its observable behavior.
//
// ConfirmEmail may return an error when input validation, dependency calls, or security checks fail.
// ConfirmEmail does not mutate shared global state and can be used concurrently when the receiver and dependencies are concurrently safe.
func (e *Engine) ConfirmEmail(ctx context.Context, token string) error {
	if token == "" {
		e.metricInc(MetricEmailVerificationFailure)
		e.emitAudit(ctx, auditEventEmailVerificationFailure, false, "", "", ErrInvalidOrExpiredToken, nil)
		return ErrInvalidOrExpiredToken
	}

	user, err := e.users.GetByVerificationToken(ctx, token)
	if err != nil {
		if errors.Is(err, userstore.ErrNotFound) {
			// Unknown token, or the address was already confirmed and the
			// token consumed with it.
			e.metricInc(MetricEmailVerificationFailure)
			e.emitAudit(ctx, auditEventEmailVerificationFailure, false, "", "", ErrInvalidOrExpiredToken, nil)
			return ErrInvalidOrExpiredToken
		}
		return storeErr(err)
	}

	if user.UnverifiedEmail == nil || user.UnverifiedEmail.Token != token {
		e.metricInc(MetricEmailVerificationFailure)
		e.emitAudit(ctx, auditEventEmailVerificationFailure, false, user.ID, "", ErrInvalidOrExpiredToken, nil)
		return ErrInvalidOrExpiredToken
	}

	if _, err := e.applyUserUpdate(ctx, user, func(u *User) {
		if u.UnverifiedEmail == nil {
			return
		}
		u.Email = u.UnverifiedEmail.Address
		u.UnverifiedEmail = nil
	}); err != nil {
		e.metricInc(MetricEmailVerificationFailure)
		e.emitAudit(ctx, auditEventEmailVerificationFailure, false, user.ID, "", err, nil)
		return err
	}

	e.metricInc(MetricEmailVerificationSuccess)
	e.emitAudit(ctx, auditEventEmailVerificationConfirm, true, user.ID, "", nil, nil)
	return nil
}

// ChangeEmail describes the changeemail operation and its observable behavior.
//
// ChangeEmail may return an error when input validation, dependency calls, or security checks fail.
// ChangeEmail does not mutate shared global state and can be used concurrently when the receiver and dependencies are concurrently safe.
func (e *Engine) ChangeEmail(ctx context.Context, userID, newEmail string) error {
	email := userstore.NormalizeKey(newEmail)
	if err := validateEmail(email); err != nil {
		return err
	}

	user, err := e.users.GetByID(ctx, userstore.NormalizeKey(userID))
	if err != nil {
		if errors.Is(err, userstore.ErrNotFound) {
			return ErrUserNotFound
		}
		return storeErr(err)
	}
	if userstore.NormalizeKey(user.CurrentEmail()) == email {
		return nil
	}

	if taken, err := e.users.EmailExists(ctx, email); err != nil {
		return storeErr(err)
	} else if taken {
		return ErrEmailTaken
	}

	var token string
	now := time.Now()
	updated, err := e.applyUserUpdate(ctx, user, func(u *User) {
		if e.config.EmailVerification.Enabled {
			token = uuid.NewString()
			u.UnverifiedEmail = &userstore.UnverifiedEmail{
				Address:  email,
				Token:    token,
				IssuedAt: now.Unix(),
			}
			u.Email = ""
		} else {
			u.Email = email
			u.UnverifiedEmail = nil
		}
	})
	if err != nil {
		if errors.Is(err, userstore.ErrIndexConflict) {
			// Lost the address to a concurrent claim after the availability
			// check passed.
			return ErrEmailTaken
		}
		return err
	}

	if e.config.EmailVerification.Enabled {
		e.metricInc(MetricEmailVerificationRequest)
		e.sendMail(EmailConfirm, email, map[string]any{
			"username": updated.Username,
			"token":    token,
		})
	}

	e.emitAudit(ctx, auditEventEmailVerificationRequest, true, user.ID, "", nil, func() map[string]string {
		return map[string]string{
			"pending": boolLabel(e.config.EmailVerification.Enabled),
		}
	})
	return nil
}

func boolLabel(v bool) string {
	if v {
		return "true"
	}
	return "false"
}
