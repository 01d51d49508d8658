package mailer

import (
	"context"
	"sync"

	authcore "github.com/vaultline/authcore"
)

// Sent is one recorded delivery.
type Sent struct {
	Kind authcore.EmailKind
	To   string
	Data map[string]any
}

// Recorder is an in-memory [authcore.Mailer] for tests. It never fails and
// keeps every message in order of submission.
type Recorder struct {
	mu   sync.Mutex
	sent []Sent
}

func (r *Recorder) SendEmail(_ context.Context, kind authcore.EmailKind, to string, data map[string]any) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sent = append(r.sent, Sent{Kind: kind, To: to, Data: data})
	return nil
}

// Sent returns a snapshot of everything recorded so far.
func (r *Recorder) Sent() []Sent {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Sent(nil), r.sent...)
}
