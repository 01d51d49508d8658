package authcore

import (
	"context"
	"errors"
	"testing"
	"time"
)

func requestResetToken(t *testing.T, engine *Engine, rec *mailRecorder, email string) string {
	t.Helper()
	if err := engine.ForgotPassword(context.Background(), email); err != nil {
		t.Fatalf("forgot password: %v", err)
	}
	mail := rec.wait(t, EmailForgotPassword)
	token, _ := mail.Data["token"].(string)
	if token == "" {
		t.Fatal("expected a reset token in the mail data")
	}
	return token
}

func TestForgotPasswordUnknownEmailLooksIdentical(t *testing.T) {
	engine, rec, done := newTestEngine(t, testConfig())
	defer done()

	if err := engine.ForgotPassword(context.Background(), "nobody@example.com"); err != nil {
		t.Fatalf("expected success shape for unknown address, got %v", err)
	}
	select {
	case mail := <-rec.ch:
		t.Fatalf("expected no mail for unknown address, got %v", mail)
	default:
	}
}

func TestResetPasswordFullFlow(t *testing.T) {
	engine, rec, done := newTestEngine(t, testConfig())
	defer done()
	ctx := context.Background()

	registerTestUser(t, engine, "alice", "alice@example.com", "old-password")
	session, err := engine.Login(ctx, "alice", "old-password")
	if err != nil {
		t.Fatalf("login: %v", err)
	}

	token := requestResetToken(t, engine, rec, "alice@example.com")

	if err := engine.ResetPassword(ctx, token, "new-password"); err != nil {
		t.Fatalf("reset: %v", err)
	}

	// Every session is revoked by the reset.
	if _, err := engine.Validate(ctx, session.Bearer()); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("expected sessions revoked, got %v", err)
	}

	// Old password is dead, the new one works.
	if _, err := engine.Login(ctx, "alice", "old-password"); !errors.Is(err, ErrInvalidCredentials) {
		t.Fatalf("expected old password rejected, got %v", err)
	}
	if _, err := engine.Login(ctx, "alice", "new-password"); err != nil {
		t.Fatalf("login with new password: %v", err)
	}

	// A notification goes to the account's address.
	mail := rec.wait(t, EmailPasswordChanged)
	if mail.To != "alice@example.com" {
		t.Fatalf("expected change notice to the account address, got %s", mail.To)
	}
}

func TestResetTokenSingleUse(t *testing.T) {
	engine, rec, done := newTestEngine(t, testConfig())
	defer done()
	ctx := context.Background()

	registerTestUser(t, engine, "alice", "alice@example.com", "old-password")
	token := requestResetToken(t, engine, rec, "alice@example.com")

	if err := engine.ResetPassword(ctx, token, "new-password"); err != nil {
		t.Fatalf("reset: %v", err)
	}
	if err := engine.ResetPassword(ctx, token, "another-password"); !errors.Is(err, ErrInvalidOrExpiredToken) {
		t.Fatalf("expected consumed token rejected, got %v", err)
	}
}

func TestResetTokenExpiredIsConsumed(t *testing.T) {
	engine, rec, done := newTestEngine(t, testConfig())
	defer done()
	ctx := context.Background()

	registerTestUser(t, engine, "alice", "alice@example.com", "old-password")
	token := requestResetToken(t, engine, rec, "alice@example.com")

	// Age the stored entry past its window.
	user, err := engine.users.GetByID(ctx, "alice")
	if err != nil {
		t.Fatalf("get user: %v", err)
	}
	aged := user.Clone()
	aged.ForgotPassword.ExpiresAt = time.Now().Add(-time.Minute).Unix()
	if _, err := engine.users.Put(ctx, aged, user.Rev); err != nil {
		t.Fatalf("age token: %v", err)
	}

	if err := engine.ResetPassword(ctx, token, "new-password"); !errors.Is(err, ErrInvalidOrExpiredToken) {
		t.Fatalf("expected expired token rejected, got %v", err)
	}

	// The rejection consumed the entry.
	fresh, err := engine.users.GetByID(ctx, "alice")
	if err != nil {
		t.Fatalf("get user: %v", err)
	}
	if fresh.ForgotPassword != nil {
		t.Fatal("expected expired entry cleared on rejection")
	}
}

func TestResetPasswordReuseRejectedAndTokenConsumed(t *testing.T) {
	engine, rec, done := newTestEngine(t, testConfig())
	defer done()
	ctx := context.Background()

	registerTestUser(t, engine, "alice", "alice@example.com", "old-password")
	token := requestResetToken(t, engine, rec, "alice@example.com")

	if err := engine.ResetPassword(ctx, token, "old-password"); !errors.Is(err, ErrPasswordReuse) {
		t.Fatalf("expected ErrPasswordReuse, got %v", err)
	}

	// The failed attempt still consumed the token.
	if err := engine.ResetPassword(ctx, token, "new-password"); !errors.Is(err, ErrInvalidOrExpiredToken) {
		t.Fatalf("expected consumed token rejected, got %v", err)
	}

	// The old password still works.
	if _, err := engine.Login(ctx, "alice", "old-password"); err != nil {
		t.Fatalf("login: %v", err)
	}
}

func TestResetPasswordClearsLockout(t *testing.T) {
	engine, rec, done := newTestEngine(t, testConfig())
	defer done()
	ctx := context.Background()

	registerTestUser(t, engine, "alice", "alice@example.com", "old-password")

	// Trip the lockout.
	for i := 0; i < 3; i++ {
		if _, err := engine.Login(ctx, "alice", "wrong"); err == nil {
			t.Fatal("expected login failure")
		}
	}
	if _, err := engine.Login(ctx, "alice", "old-password"); !errors.Is(err, ErrAccountLocked) {
		t.Fatalf("expected locked account, got %v", err)
	}

	token := requestResetToken(t, engine, rec, "alice@example.com")
	if err := engine.ResetPassword(ctx, token, "new-password"); err != nil {
		t.Fatalf("reset: %v", err)
	}

	// The reset unlocked the account immediately.
	if _, err := engine.Login(ctx, "alice", "new-password"); err != nil {
		t.Fatalf("login after reset: %v", err)
	}
}

func TestResetPasswordValidation(t *testing.T) {
	engine, _, done := newTestEngine(t, testConfig())
	defer done()
	ctx := context.Background()

	if err := engine.ResetPassword(ctx, "", "new-password"); !errors.Is(err, ErrInvalidOrExpiredToken) {
		t.Fatalf("expected ErrInvalidOrExpiredToken for empty token, got %v", err)
	}
	if err := engine.ResetPassword(ctx, "some-token", "abc"); !errors.Is(err, ErrPasswordPolicy) {
		t.Fatalf("expected ErrPasswordPolicy, got %v", err)
	}
	if err := engine.ResetPassword(ctx, "unknown-token", "new-password"); !errors.Is(err, ErrInvalidOrExpiredToken) {
		t.Fatalf("expected ErrInvalidOrExpiredToken for unknown token, got %v", err)
	}
}

func TestResetTokenRejectedAtExpiryInstant(t *testing.T) {
	engine, rec, done := newTestEngine(t, testConfig())
	defer done()
	ctx := context.Background()

	registerTestUser(t, engine, "alice", "alice@example.com", "old-password")
	token := requestResetToken(t, engine, rec, "alice@example.com")

	// Pin the expiry to the current second; validity is strictly before it.
	user, err := engine.users.GetByID(ctx, "alice")
	if err != nil {
		t.Fatalf("get user: %v", err)
	}
	pinned := user.Clone()
	pinned.ForgotPassword.ExpiresAt = time.Now().Unix()
	if _, err := engine.users.Put(ctx, pinned, user.Rev); err != nil {
		t.Fatalf("pin expiry: %v", err)
	}

	if err := engine.ResetPassword(ctx, token, "new-password"); !errors.Is(err, ErrInvalidOrExpiredToken) {
		t.Fatalf("expected token rejected at the expiry instant, got %v", err)
	}
}
