package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

var (
	// ErrNotFound is returned when a session record is absent or already past
	// its expiry.
	ErrNotFound = errors.New("session not found")
	// ErrConflict is returned when an expiry extension keeps racing concurrent
	// writes to the same record.
	ErrConflict = errors.New("session revision conflict")
	// ErrUnavailable is an exported constant or variable used by the session store.
	ErrUnavailable = errors.New("session store unavailable")
)

const extendRetries = 2

// Store is a redis-backed session store keyed by token ID, with a per-user
// set index for enumeration and revoke-all. Expiry is enforced twice: redis
// TTLs bound storage growth, and every read re-checks ExpiresAt so a record
// surviving past its window is still treated as gone.
type Store struct {
	redis  redis.UniversalClient
	prefix string
}

// NewStore creates a session [Store] backed by the given redis client.
func NewStore(client redis.UniversalClient, prefix string) *Store {
	if prefix == "" {
		prefix = "ac"
	}
	return &Store{
		redis:  client,
		prefix: prefix,
	}
}

func (s *Store) key(tokenID string) string {
	return s.prefix + ":s:" + tokenID
}

func (s *Store) userKey(userID string) string {
	return s.prefix + ":su:" + userID
}

// Save persists a session and registers it in the owner's index. The redis
// TTL is derived from ExpiresAt.
func (s *Store) Save(ctx context.Context, sess *Session) error {
	data, err := json.Marshal(sess)
	if err != nil {
		return fmt.Errorf("%w: encode session: %v", ErrUnavailable, err)
	}

	ttl := time.Until(time.UnixMilli(sess.ExpiresAt))
	if ttl <= 0 {
		return fmt.Errorf("%w: session already expired at save", ErrUnavailable)
	}

	_, err = s.redis.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, s.key(sess.TokenID), data, ttl)
		pipe.SAdd(ctx, s.userKey(sess.UserID), sess.TokenID)
		return nil
	})
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return nil
}

// Get fetches a live session by token ID. An absent or expired record yields
// [ErrNotFound]; expired records are deleted lazily on the way out.
func (s *Store) Get(ctx context.Context, tokenID string) (*Session, error) {
	data, err := s.redis.Get(ctx, s.key(tokenID)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}

	var sess Session
	if err := json.Unmarshal(data, &sess); err != nil {
		return nil, fmt.Errorf("%w: corrupt session record: %v", ErrUnavailable, err)
	}

	if time.Now().UnixMilli() >= sess.ExpiresAt {
		if err := s.Delete(ctx, tokenID); err != nil {
			return nil, err
		}
		return nil, ErrNotFound
	}

	return &sess, nil
}

// Delete revokes one session. Deleting a missing session is a no-op so that
// logout stays idempotent.
func (s *Store) Delete(ctx context.Context, tokenID string) error {
	data, err := s.redis.Get(ctx, s.key(tokenID)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil
		}
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}

	var sess Session
	if err := json.Unmarshal(data, &sess); err != nil {
		// Corrupt record: remove the key anyway, the index entry is orphaned
		// and pruned by ListForUser.
		if delErr := s.redis.Del(ctx, s.key(tokenID)).Err(); delErr != nil {
			return fmt.Errorf("%w: %v", ErrUnavailable, delErr)
		}
		return nil
	}

	_, err = s.redis.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, s.key(tokenID))
		pipe.SRem(ctx, s.userKey(sess.UserID), tokenID)
		return nil
	})
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return nil
}

// DeleteAllForUser revokes every session owned by userID.
//
// ATOMICITY NOTE: this is not fully atomic. It reads the user's session set,
// then deletes the members in one pipeline; a session minted between the read
// and the delete survives the cascade. The window is narrow and the stray
// session either expires naturally or is caught by the next cascade. Callers
// needing a hard guarantee can invoke the cascade a second time.
func (s *Store) DeleteAllForUser(ctx context.Context, userID string) error {
	userKey := s.userKey(userID)

	tokenIDs, err := s.redis.SMembers(ctx, userKey).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil
		}
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}

	keys := make([]string, 0, len(tokenIDs))
	for _, tokenID := range tokenIDs {
		keys = append(keys, s.key(tokenID))
	}

	_, err = s.redis.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		if len(keys) > 0 {
			pipe.Del(ctx, keys...)
		}
		pipe.Del(ctx, userKey)
		return nil
	})
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return nil
}

// ListForUser returns the live sessions owned by userID. Stale index entries
// (expired or already-deleted records) are pruned as a side effect. The
// result is a finite snapshot, not a restartable cursor.
func (s *Store) ListForUser(ctx context.Context, userID string) ([]*Session, error) {
	userKey := s.userKey(userID)

	tokenIDs, err := s.redis.SMembers(ctx, userKey).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return []*Session{}, nil
		}
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	if len(tokenIDs) == 0 {
		return []*Session{}, nil
	}

	pipe := s.redis.Pipeline()
	cmds := make([]*redis.StringCmd, len(tokenIDs))
	for i, tokenID := range tokenIDs {
		cmds[i] = pipe.Get(ctx, s.key(tokenID))
	}
	if _, err := pipe.Exec(ctx); err != nil && !errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}

	nowMilli := time.Now().UnixMilli()
	sessions := make([]*Session, 0, len(tokenIDs))
	var stale []any

	for i, cmd := range cmds {
		data, cmdErr := cmd.Bytes()
		if cmdErr != nil {
			if errors.Is(cmdErr, redis.Nil) {
				stale = append(stale, tokenIDs[i])
				continue
			}
			return nil, fmt.Errorf("%w: %v", ErrUnavailable, cmdErr)
		}

		var sess Session
		if err := json.Unmarshal(data, &sess); err != nil {
			stale = append(stale, tokenIDs[i])
			continue
		}
		if nowMilli >= sess.ExpiresAt {
			stale = append(stale, tokenIDs[i])
			continue
		}

		sessions = append(sessions, &sess)
	}

	if len(stale) > 0 {
		// Best effort; a failed prune leaves entries for the next listing.
		_ = s.redis.SRem(ctx, userKey, stale...).Err()
	}

	return sessions, nil
}

// ExtendExpiry pushes a live session's expiry to now+ttl on the same record,
// without rotating the secret, and returns the new expiry. The write is a
// WATCH compare-and-swap retried a bounded number of times; losing every race
// surfaces [ErrConflict]. The returned expiry is always strictly greater than
// the previous one, even when the clock has not advanced a full millisecond.
func (s *Store) ExtendExpiry(ctx context.Context, tokenID string, ttl time.Duration) (int64, error) {
	key := s.key(tokenID)

	for attempt := 0; attempt <= extendRetries; attempt++ {
		var newExpiry int64

		txErr := s.redis.Watch(ctx, func(tx *redis.Tx) error {
			data, err := tx.Get(ctx, key).Bytes()
			if err != nil {
				if errors.Is(err, redis.Nil) {
					return ErrNotFound
				}
				return fmt.Errorf("%w: %v", ErrUnavailable, err)
			}

			var sess Session
			if err := json.Unmarshal(data, &sess); err != nil {
				return fmt.Errorf("%w: corrupt session record: %v", ErrUnavailable, err)
			}

			now := time.Now()
			if now.UnixMilli() >= sess.ExpiresAt {
				return ErrNotFound
			}

			next := now.Add(ttl).UnixMilli()
			if next <= sess.ExpiresAt {
				next = sess.ExpiresAt + 1
			}
			sess.ExpiresAt = next

			encoded, err := json.Marshal(&sess)
			if err != nil {
				return fmt.Errorf("%w: encode session: %v", ErrUnavailable, err)
			}

			_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
				pipe.Set(ctx, key, encoded, time.Until(time.UnixMilli(next)))
				return nil
			})
			if err != nil {
				return err
			}

			newExpiry = next
			return nil
		}, key)

		switch {
		case txErr == nil:
			return newExpiry, nil
		case errors.Is(txErr, redis.TxFailedErr):
			continue
		case errors.Is(txErr, ErrNotFound), errors.Is(txErr, ErrUnavailable):
			return 0, txErr
		default:
			return 0, fmt.Errorf("%w: %v", ErrUnavailable, txErr)
		}
	}

	return 0, ErrConflict
}
