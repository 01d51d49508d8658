package session

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func newSessionStoreTest(t *testing.T) (*Store, *redis.Client, func()) {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis start: %v", err)
	}
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	store := NewStore(rdb, "ac")
	return store, rdb, func() {
		rdb.Close()
		mr.Close()
	}
}

func testSession(tokenID string) *Session {
	now := time.Now()
	return &Session{
		TokenID:    tokenID,
		SecretHash: hex.EncodeToString([]byte("0123456789abcdef0123456789abcdef")),
		UserID:     "alice",
		Roles:      []string{"user"},
		IssuedAt:   now.UnixMilli(),
		ExpiresAt:  now.Add(time.Hour).UnixMilli(),
	}
}

func TestSaveAndGet(t *testing.T) {
	store, _, done := newSessionStoreTest(t)
	defer done()
	ctx := context.Background()

	sess := testSession("tok-1")
	if err := store.Save(ctx, sess); err != nil {
		t.Fatalf("save session: %v", err)
	}

	got, err := store.Get(ctx, "tok-1")
	if err != nil {
		t.Fatalf("get session: %v", err)
	}
	if got.UserID != sess.UserID || got.SecretHash != sess.SecretHash {
		t.Fatalf("round trip mismatch: %+v", got)
	}
	if got.ExpiresAt != sess.ExpiresAt {
		t.Fatalf("expected expiry %d, got %d", sess.ExpiresAt, got.ExpiresAt)
	}
}

func TestSaveRejectsExpiredSession(t *testing.T) {
	store, _, done := newSessionStoreTest(t)
	defer done()

	sess := testSession("tok-expired")
	sess.ExpiresAt = time.Now().Add(-time.Minute).UnixMilli()
	if err := store.Save(context.Background(), sess); err == nil {
		t.Fatal("expected save of an already-expired session to fail")
	}
}

func TestGetMissing(t *testing.T) {
	store, _, done := newSessionStoreTest(t)
	defer done()

	if _, err := store.Get(context.Background(), "absent"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestGetExpiredIsPruned(t *testing.T) {
	store, rdb, done := newSessionStoreTest(t)
	defer done()
	ctx := context.Background()

	sess := testSession("tok-stale")
	if err := store.Save(ctx, sess); err != nil {
		t.Fatalf("save session: %v", err)
	}

	// Rewrite the record with a past expiry while the redis TTL is still live.
	stale := *sess
	stale.ExpiresAt = time.Now().Add(-time.Second).UnixMilli()
	data, err := json.Marshal(&stale)
	if err != nil {
		t.Fatalf("marshal stale record: %v", err)
	}
	if err := rdb.Set(ctx, store.key(sess.TokenID), data, time.Hour).Err(); err != nil {
		t.Fatalf("seed stale record: %v", err)
	}

	if _, err := store.Get(ctx, sess.TokenID); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound for expired record, got %v", err)
	}

	// The lazy delete also removed the index entry.
	members, err := rdb.SMembers(ctx, store.userKey(sess.UserID)).Result()
	if err != nil {
		t.Fatalf("smembers: %v", err)
	}
	if len(members) != 0 {
		t.Fatalf("expected pruned index, got %v", members)
	}
}

func TestDeleteIdempotent(t *testing.T) {
	store, rdb, done := newSessionStoreTest(t)
	defer done()
	ctx := context.Background()

	sess := testSession("tok-del")
	if err := store.Save(ctx, sess); err != nil {
		t.Fatalf("save session: %v", err)
	}
	if err := store.Delete(ctx, sess.TokenID); err != nil {
		t.Fatalf("first delete: %v", err)
	}
	if err := store.Delete(ctx, sess.TokenID); err != nil {
		t.Fatalf("second delete: %v", err)
	}

	members, err := rdb.SMembers(ctx, store.userKey(sess.UserID)).Result()
	if err != nil {
		t.Fatalf("smembers: %v", err)
	}
	if len(members) != 0 {
		t.Fatalf("expected no user index members, got %v", members)
	}
}

func TestDeleteAllForUser(t *testing.T) {
	store, _, done := newSessionStoreTest(t)
	defer done()
	ctx := context.Background()

	for _, id := range []string{"tok-a", "tok-b", "tok-c"} {
		if err := store.Save(ctx, testSession(id)); err != nil {
			t.Fatalf("save %s: %v", id, err)
		}
	}
	other := testSession("tok-other")
	other.UserID = "bob"
	if err := store.Save(ctx, other); err != nil {
		t.Fatalf("save other: %v", err)
	}

	if err := store.DeleteAllForUser(ctx, "alice"); err != nil {
		t.Fatalf("delete all: %v", err)
	}

	for _, id := range []string{"tok-a", "tok-b", "tok-c"} {
		if _, err := store.Get(ctx, id); !errors.Is(err, ErrNotFound) {
			t.Fatalf("expected %s revoked, got %v", id, err)
		}
	}
	if _, err := store.Get(ctx, "tok-other"); err != nil {
		t.Fatalf("expected bob's session to survive: %v", err)
	}
}

func TestListForUserPrunesStaleEntries(t *testing.T) {
	store, rdb, done := newSessionStoreTest(t)
	defer done()
	ctx := context.Background()

	live := testSession("tok-live")
	if err := store.Save(ctx, live); err != nil {
		t.Fatalf("save live: %v", err)
	}

	// Index entry whose record is gone.
	if err := rdb.SAdd(ctx, store.userKey("alice"), "tok-dangling").Err(); err != nil {
		t.Fatalf("seed dangling entry: %v", err)
	}

	sessions, err := store.ListForUser(ctx, "alice")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(sessions) != 1 || sessions[0].TokenID != "tok-live" {
		t.Fatalf("expected only the live session, got %+v", sessions)
	}

	members, err := rdb.SMembers(ctx, store.userKey("alice")).Result()
	if err != nil {
		t.Fatalf("smembers: %v", err)
	}
	if len(members) != 1 || members[0] != "tok-live" {
		t.Fatalf("expected dangling entry pruned, got %v", members)
	}
}

func TestListForUserEmpty(t *testing.T) {
	store, _, done := newSessionStoreTest(t)
	defer done()

	sessions, err := store.ListForUser(context.Background(), "nobody")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(sessions) != 0 {
		t.Fatalf("expected empty listing, got %+v", sessions)
	}
}

func TestExtendExpiryStrictlyIncreases(t *testing.T) {
	store, _, done := newSessionStoreTest(t)
	defer done()
	ctx := context.Background()

	sess := testSession("tok-ext")
	if err := store.Save(ctx, sess); err != nil {
		t.Fatalf("save session: %v", err)
	}

	prev := sess.ExpiresAt
	for i := 0; i < 3; i++ {
		next, err := store.ExtendExpiry(ctx, sess.TokenID, time.Hour)
		if err != nil {
			t.Fatalf("extend %d: %v", i, err)
		}
		if next <= prev {
			t.Fatalf("extend %d: expected expiry > %d, got %d", i, prev, next)
		}
		prev = next
	}

	got, err := store.Get(ctx, sess.TokenID)
	if err != nil {
		t.Fatalf("get after extend: %v", err)
	}
	if got.ExpiresAt != prev {
		t.Fatalf("stored expiry %d does not match returned %d", got.ExpiresAt, prev)
	}
}

func TestExtendExpiryMissingSession(t *testing.T) {
	store, _, done := newSessionStoreTest(t)
	defer done()

	if _, err := store.ExtendExpiry(context.Background(), "absent", time.Hour); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}
