// Package mailer provides ready-made [authcore.Mailer] implementations: an
// SMTP sender for deployments and an in-memory recorder for tests.
package mailer

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net/smtp"
	"text/template"

	authcore "github.com/vaultline/authcore"
)

// ErrNoTemplate is returned when a mail kind has no registered template.
var ErrNoTemplate = errors.New("no template for email kind")

// SMTPMailer sends templated mail through a plain SMTP endpoint. Fields are
// set once before use.
type SMTPMailer struct {
	// Addr is the host:port of the SMTP server.
	Addr string
	// From is the envelope and header sender.
	From string
	// Auth is optional; nil sends without authentication.
	Auth smtp.Auth
	// Subjects and Templates are keyed by mail kind. Templates receive the
	// data map passed to SendEmail plus a "to" entry.
	Subjects  map[authcore.EmailKind]string
	Templates map[authcore.EmailKind]*template.Template
}

// SendEmail renders the template for kind and submits the message. The
// context bounds only local rendering; net/smtp does not take a context, so
// cancellation is checked before dialing.
func (m *SMTPMailer) SendEmail(ctx context.Context, kind authcore.EmailKind, to string, data map[string]any) error {
	tpl, ok := m.Templates[kind]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNoTemplate, kind)
	}

	payload := make(map[string]any, len(data)+1)
	for k, v := range data {
		payload[k] = v
	}
	payload["to"] = to

	var body bytes.Buffer
	fmt.Fprintf(&body, "From: %s\r\nTo: %s\r\nSubject: %s\r\n\r\n", m.From, to, m.Subjects[kind])
	if err := tpl.Execute(&body, payload); err != nil {
		return fmt.Errorf("render %s: %w", kind, err)
	}

	if err := ctx.Err(); err != nil {
		return err
	}
	return smtp.SendMail(m.Addr, m.Auth, m.From, []string{to}, body.Bytes())
}
