package authcore

import (
	"context"
	"errors"
	"log"
	"net/mail"
	"regexp"
	"time"

	"github.com/google/uuid"

	"github.com/vaultline/authcore/userstore"
)

var usernamePattern = regexp.MustCompile(`^[a-z0-9_-]+$`)

// Register describes the register operation and its observable behavior.
//
// Register may return an error when input validation, dependency calls, or security checks fail.
// Register does not mutate shared global state and can be used concurrently when the receiver and dependencies are concurrently safe.
func (e *Engine) Register(ctx context.Context, req RegisterRequest) (*RegisterResult, error) {
	if e == nil || e.passwordHash == nil {
		return nil, ErrEngineNotReady
	}

	username := userstore.NormalizeKey(req.Username)
	if err := e.validateUsername(username); err != nil {
		e.emitAudit(ctx, auditEventAccountCreationFailure, false, "", "", err, func() map[string]string {
			return map[string]string{
				"reason": "invalid_username",
			}
		})
		return nil, err
	}

	email := userstore.NormalizeKey(req.Email)
	if err := validateEmail(email); err != nil {
		e.emitAudit(ctx, auditEventAccountCreationFailure, false, "", "", err, func() map[string]string {
			return map[string]string{
				"reason": "invalid_email",
			}
		})
		return nil, err
	}

	if err := e.validatePassword(req.Password); err != nil {
		e.emitAudit(ctx, auditEventAccountCreationFailure, false, "", "", err, func() map[string]string {
			return map[string]string{
				"reason": "password_policy",
			}
		})
		return nil, err
	}
	if req.ConfirmPassword != "" && req.ConfirmPassword != req.Password {
		e.emitAudit(ctx, auditEventAccountCreationFailure, false, "", "", ErrPasswordPolicy, func() map[string]string {
			return map[string]string{
				"reason": "password_mismatch",
			}
		})
		return nil, ErrPasswordPolicy
	}

	if taken, err := e.users.UsernameExists(ctx, username); err != nil {
		return nil, storeErr(err)
	} else if taken {
		e.metricInc(MetricAccountCreationDuplicate)
		e.emitAudit(ctx, auditEventAccountCreationDuplicate, false, "", "", ErrUsernameTaken, nil)
		return nil, ErrUsernameTaken
	}
	if taken, err := e.users.EmailExists(ctx, email); err != nil {
		return nil, storeErr(err)
	} else if taken {
		e.metricInc(MetricAccountCreationDuplicate)
		e.emitAudit(ctx, auditEventAccountCreationDuplicate, false, "", "", ErrEmailTaken, nil)
		return nil, ErrEmailTaken
	}

	hash, err := e.passwordHash.Hash(req.Password)
	if err != nil {
		return nil, err
	}

	now := time.Now()
	user := &User{
		ID:           username,
		Username:     username,
		PasswordHash: hash,
		Roles:        append([]string(nil), e.config.Account.DefaultRoles...),
		Profile:      req.Profile,
		CreatedAt:    now.Unix(),
	}

	verificationPending := e.config.EmailVerification.Enabled
	if verificationPending {
		user.UnverifiedEmail = &userstore.UnverifiedEmail{
			Address:  email,
			Token:    uuid.NewString(),
			IssuedAt: now.Unix(),
		}
	} else {
		user.Email = email
	}

	rev, err := e.users.Put(ctx, user, 0)
	if err != nil {
		if errors.Is(err, userstore.ErrIndexConflict) {
			// Lost a create race on the email address.
			e.metricInc(MetricAccountCreationDuplicate)
			e.emitAudit(ctx, auditEventAccountCreationDuplicate, false, "", "", ErrEmailTaken, nil)
			return nil, ErrEmailTaken
		}
		if errors.Is(err, userstore.ErrConflict) {
			// Lost a create race on the same username.
			e.metricInc(MetricAccountCreationDuplicate)
			e.emitAudit(ctx, auditEventAccountCreationDuplicate, false, "", "", ErrUsernameTaken, nil)
			return nil, ErrUsernameTaken
		}
		return nil, storeErr(err)
	}
	user.Rev = rev

	if verificationPending {
		e.sendMail(EmailConfirm, email, map[string]any{
			"username": username,
			"token":    user.UnverifiedEmail.Token,
		})
	}

	result := &RegisterResult{
		UserID:              user.ID,
		Roles:               append([]string(nil), user.Roles...),
		VerificationPending: verificationPending,
	}

	if e.config.Account.AutoLogin {
		login, err := e.mintSession(ctx, user)
		if err != nil {
			// The account exists; surface it even though auto-login failed.
			log.Print("authcore: auto-login after registration failed")
		} else {
			result.Login = login
		}
	}

	e.metricInc(MetricAccountCreationSuccess)
	e.emitAudit(ctx, auditEventAccountCreationSuccess, true, user.ID, "", nil, nil)

	return result, nil
}

// UsernameAvailable describes the usernameavailable operation and its observable behavior.
//
// UsernameAvailable may return an error when input validation, dependency calls, or security checks fail.
// UsernameAvailable does not mutate shared global state and can be used concurrently when the receiver and dependencies are concurrently safe.
func (e *Engine) UsernameAvailable(ctx context.Context, username string) (bool, error) {
	normalized := userstore.NormalizeKey(username)
	if err := e.validateUsername(normalized); err != nil {
		return false, err
	}
	taken, err := e.users.UsernameExists(ctx, normalized)
	if err != nil {
		return false, storeErr(err)
	}
	return !taken, nil
}

// EmailAvailable describes the emailavailable operation and its observable behavior.
//
// EmailAvailable may return an error when input validation, dependency calls, or security checks fail.
// EmailAvailable does not mutate shared global state and can be used concurrently when the receiver and dependencies are concurrently safe.
func (e *Engine) EmailAvailable(ctx context.Context, email string) (bool, error) {
	normalized := userstore.NormalizeKey(email)
	if err := validateEmail(normalized); err != nil {
		return false, err
	}
	taken, err := e.users.EmailExists(ctx, normalized)
	if err != nil {
		return false, storeErr(err)
	}
	return !taken, nil
}

// DeleteAccount describes the deleteaccount operation and its observable behavior.
//
// DeleteAccount may return an error when input validation, dependency calls, or security checks fail.
// DeleteAccount does not mutate shared global state and can be used concurrently when the receiver and dependencies are concurrently safe.
func (e *Engine) DeleteAccount(ctx context.Context, userID string) error {
	id := userstore.NormalizeKey(userID)

	user, err := e.users.GetByID(ctx, id)
	if err != nil {
		if errors.Is(err, userstore.ErrNotFound) {
			return ErrUserNotFound
		}
		return storeErr(err)
	}

	if err := e.sessions.DeleteAllForUser(ctx, user.ID); err != nil {
		e.emitAudit(ctx, auditEventAccountDeleted, false, user.ID, "", ErrSessionInvalidationFailed, nil)
		return errors.Join(ErrSessionInvalidationFailed, err)
	}
	if err := e.users.Delete(ctx, user.ID); err != nil {
		e.emitAudit(ctx, auditEventAccountDeleted, false, user.ID, "", err, nil)
		return storeErr(err)
	}

	e.metricInc(MetricAccountDeleted)
	e.metricInc(MetricSessionInvalidated)
	e.emitAudit(ctx, auditEventAccountDeleted, true, user.ID, "", nil, nil)
	return nil
}

func (e *Engine) validateUsername(normalized string) error {
	min := e.config.Account.UsernameMinLength
	max := e.config.Account.UsernameMaxLength
	if len(normalized) < min || (max > 0 && len(normalized) > max) {
		return ErrInvalidUsername
	}
	if !usernamePattern.MatchString(normalized) {
		return ErrInvalidUsername
	}
	return nil
}

func (e *Engine) validatePassword(pw string) error {
	if len(pw) < e.config.Password.MinLength {
		return ErrPasswordPolicy
	}
	return nil
}

func validateEmail(normalized string) error {
	if normalized == "" {
		return ErrInvalidEmail
	}
	addr, err := mail.ParseAddress(normalized)
	if err != nil || addr.Address != normalized {
		return ErrInvalidEmail
	}
	return nil
}

// sendMail hands a message to the mailer on a background goroutine. Delivery
// is fire-and-forget: operations never fail because mail did not go out.
func (e *Engine) sendMail(kind EmailKind, to string, data map[string]any) {
	if e == nil || e.mailer == nil {
		return
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := e.mailer.SendEmail(ctx, kind, to, data); err != nil {
			log.Print("authcore: mail delivery failed")
		}
	}()
}
