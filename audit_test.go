package authcore

import (
	"bytes"
	"context"
	"encoding/json"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

type collectingSink struct {
	mu     sync.Mutex
	events []AuditEvent
}

func (s *collectingSink) Emit(_ context.Context, event AuditEvent) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, event)
}

func (s *collectingSink) snapshot() []AuditEvent {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]AuditEvent(nil), s.events...)
}

func TestAuditDisabledYieldsNilDispatcher(t *testing.T) {
	if d := newAuditDispatcher(AuditConfig{Enabled: false}, &collectingSink{}, nil); d != nil {
		t.Fatal("expected nil dispatcher when audit is disabled")
	}

	// Emitting through a nil dispatcher is a no-op, not a panic.
	var d *auditDispatcher
	d.Emit(context.Background(), AuditEvent{EventType: "x"})
	d.Close()
	if d.Dropped() != 0 {
		t.Fatal("expected zero drops on nil dispatcher")
	}
}

func TestAuditDispatcherDeliversInOrder(t *testing.T) {
	sink := &collectingSink{}
	d := newAuditDispatcher(AuditConfig{Enabled: true, BufferSize: 16}, sink, nil)

	for i := 0; i < 5; i++ {
		d.Emit(context.Background(), AuditEvent{
			EventType: auditEventLoginFailure,
			UserID:    "alice",
		})
	}
	d.Close()

	events := sink.snapshot()
	if len(events) != 5 {
		t.Fatalf("expected 5 delivered events, got %d", len(events))
	}
	for _, e := range events {
		if e.EventType != auditEventLoginFailure || e.UserID != "alice" {
			t.Fatalf("unexpected event: %+v", e)
		}
	}
}

func TestAuditDropIfFull(t *testing.T) {
	block := make(chan struct{})
	sink := blockingSink{release: block}

	var hookCalls atomic.Uint64
	d := newAuditDispatcher(AuditConfig{Enabled: true, BufferSize: 1, DropIfFull: true}, sink, func() {
		hookCalls.Add(1)
	})

	// First event occupies the worker, second fills the buffer; everything
	// after that is dropped.
	for i := 0; i < 10; i++ {
		d.Emit(context.Background(), AuditEvent{EventType: "e"})
	}

	if d.Dropped() == 0 {
		t.Fatal("expected drops under backpressure")
	}
	if hookCalls.Load() != d.Dropped() {
		t.Fatalf("expected drop hook to track the counter: hook=%d dropped=%d", hookCalls.Load(), d.Dropped())
	}

	close(block)
	d.Close()
}

type blockingSink struct {
	release chan struct{}
}

func (s blockingSink) Emit(_ context.Context, _ AuditEvent) {
	<-s.release
}

func TestAuditCloseDrainsBuffer(t *testing.T) {
	sink := &collectingSink{}
	d := newAuditDispatcher(AuditConfig{Enabled: true, BufferSize: 64}, sink, nil)

	for i := 0; i < 20; i++ {
		d.Emit(context.Background(), AuditEvent{EventType: "e"})
	}
	d.Close()

	if got := len(sink.snapshot()); got != 20 {
		t.Fatalf("expected close to drain all 20 events, got %d", got)
	}

	// Emit after close is a no-op.
	d.Emit(context.Background(), AuditEvent{EventType: "late"})
	if got := len(sink.snapshot()); got != 20 {
		t.Fatalf("expected no delivery after close, got %d", got)
	}
}

func TestJSONWriterSink(t *testing.T) {
	var buf bytes.Buffer
	sink := NewJSONWriterSink(&buf)

	sink.Emit(context.Background(), AuditEvent{
		Timestamp: time.Now().UTC(),
		EventType: auditEventLoginSuccess,
		UserID:    "alice",
		Success:   true,
	})

	var decoded AuditEvent
	if err := json.Unmarshal(bytes.TrimSpace(buf.Bytes()), &decoded); err != nil {
		t.Fatalf("decode emitted line: %v", err)
	}
	if decoded.EventType != auditEventLoginSuccess || decoded.UserID != "alice" || !decoded.Success {
		t.Fatalf("unexpected event: %+v", decoded)
	}
}

func TestChannelSink(t *testing.T) {
	sink := NewChannelSink(4)
	sink.Emit(context.Background(), AuditEvent{EventType: "e"})

	select {
	case event := <-sink.Events():
		if event.EventType != "e" {
			t.Fatalf("unexpected event: %+v", event)
		}
	case <-time.After(time.Second):
		t.Fatal("expected an event on the channel")
	}
}

func TestEngineEmitsAuditTrail(t *testing.T) {
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis start: %v", err)
	}
	defer mr.Close()
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer rdb.Close()

	sink := &collectingSink{}
	engine, err := New().
		WithConfig(testConfig()).
		WithRedis(rdb).
		WithMailer(newMailRecorder()).
		WithAuditSink(sink).
		Build()
	if err != nil {
		t.Fatalf("Build failed: %v", err)
	}

	ctx := context.Background()
	registerTestUser(t, engine, "alice", "alice@example.com", "correct-horse")
	if _, err := engine.Login(ctx, "alice", "wrong"); err == nil {
		t.Fatal("expected login failure")
	}
	if _, err := engine.Login(ctx, "alice", "correct-horse"); err != nil {
		t.Fatalf("login: %v", err)
	}

	engine.Close()

	byType := map[string]int{}
	for _, event := range sink.snapshot() {
		byType[event.EventType]++
	}
	if byType[auditEventAccountCreationSuccess] != 1 {
		t.Fatalf("expected one account creation event, got %d", byType[auditEventAccountCreationSuccess])
	}
	if byType[auditEventLoginFailure] != 1 {
		t.Fatalf("expected one login failure event, got %d", byType[auditEventLoginFailure])
	}
	if byType[auditEventLoginSuccess] != 1 {
		t.Fatalf("expected one login success event, got %d", byType[auditEventLoginSuccess])
	}

	for _, event := range sink.snapshot() {
		if event.EventType == auditEventLoginFailure && event.Error != string(auditErrInvalidCredentials) {
			t.Fatalf("expected invalid_credentials error code, got %q", event.Error)
		}
	}
}
