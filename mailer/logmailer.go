package mailer

import (
	"context"
	"log"

	authcore "github.com/vaultline/authcore"
)

// LogMailer writes outgoing mail to the standard logger instead of delivering
// it. Useful for development hosts and as a stand-in when delivery is handled
// out of band.
type LogMailer struct{}

func (LogMailer) SendEmail(_ context.Context, kind authcore.EmailKind, to string, data map[string]any) error {
	log.Printf("mailer: %s -> %s %v", kind, to, data)
	return nil
}
