package userstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"
)

var (
	// ErrNotFound is an exported constant or variable used by the credential store.
	ErrNotFound = errors.New("user not found")
	// ErrConflict is surfaced when a Put carries a stale revision or the
	// document changed underneath the transaction.
	ErrConflict = errors.New("user revision conflict")
	// ErrIndexConflict is surfaced when a write would claim a secondary
	// index entry (email, verification token, reset-token hash) that a
	// different user already owns. It matches ErrConflict under errors.Is.
	ErrIndexConflict = fmt.Errorf("%w: secondary index owned by another user", ErrConflict)
	// ErrUnavailable is an exported constant or variable used by the credential store.
	ErrUnavailable = errors.New("user store unavailable")
)

// Store is a redis-backed document store for [User] records with
// optimistic-concurrency writes. Every mutation is a compare-and-swap on the
// document revision inside a WATCH transaction; secondary indexes for email,
// verification token, and reset-token hash are maintained in the same
// MULTI/EXEC pipeline so lookups never observe a half-written document.
type Store struct {
	redis  redis.UniversalClient
	prefix string
}

// NewStore creates a user [Store] backed by the given redis client. prefix
// namespaces every key the store writes.
func NewStore(client redis.UniversalClient, prefix string) *Store {
	if prefix == "" {
		prefix = "ac"
	}
	return &Store{
		redis:  client,
		prefix: prefix,
	}
}

func (s *Store) docKey(id string) string {
	return s.prefix + ":u:" + id
}

func (s *Store) emailKey(address string) string {
	return s.prefix + ":ue:" + NormalizeKey(address)
}

func (s *Store) verificationKey(token string) string {
	return s.prefix + ":uvt:" + token
}

func (s *Store) resetKey(tokenHash string) string {
	return s.prefix + ":ufp:" + tokenHash
}

// GetByID fetches a user document by its immutable ID.
func (s *Store) GetByID(ctx context.Context, id string) (*User, error) {
	data, err := s.redis.Get(ctx, s.docKey(NormalizeKey(id))).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}

	var u User
	if err := json.Unmarshal(data, &u); err != nil {
		return nil, fmt.Errorf("%w: corrupt user document: %v", ErrUnavailable, err)
	}
	return &u, nil
}

// GetByUsername fetches a user by username. IDs are derived from the
// lowercased username, so this is an ID lookup after normalization.
func (s *Store) GetByUsername(ctx context.Context, username string) (*User, error) {
	return s.GetByID(ctx, NormalizeKey(username))
}

// GetByEmail fetches a user by confirmed or pending email address.
func (s *Store) GetByEmail(ctx context.Context, address string) (*User, error) {
	return s.getIndirect(ctx, s.emailKey(address))
}

// GetByVerificationToken fetches the user whose pending email confirmation
// token matches token exactly.
func (s *Store) GetByVerificationToken(ctx context.Context, token string) (*User, error) {
	if token == "" {
		return nil, ErrNotFound
	}
	return s.getIndirect(ctx, s.verificationKey(token))
}

// GetByResetTokenHash fetches the user whose active forgot-password entry
// matches the given hex-encoded token digest.
func (s *Store) GetByResetTokenHash(ctx context.Context, tokenHash string) (*User, error) {
	if tokenHash == "" {
		return nil, ErrNotFound
	}
	return s.getIndirect(ctx, s.resetKey(tokenHash))
}

func (s *Store) getIndirect(ctx context.Context, indexKey string) (*User, error) {
	id, err := s.redis.Get(ctx, indexKey).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}

	u, err := s.GetByID(ctx, id)
	if errors.Is(err, ErrNotFound) {
		// Dangling index entry; the document owns the truth.
		return nil, ErrNotFound
	}
	return u, err
}

// UsernameExists reports whether a document exists for the given username.
func (s *Store) UsernameExists(ctx context.Context, username string) (bool, error) {
	n, err := s.redis.Exists(ctx, s.docKey(NormalizeKey(username))).Result()
	if err != nil {
		return false, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return n > 0, nil
}

// EmailExists reports whether any user holds the address, confirmed or
// pending.
func (s *Store) EmailExists(ctx context.Context, address string) (bool, error) {
	n, err := s.redis.Exists(ctx, s.emailKey(address)).Result()
	if err != nil {
		return false, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return n > 0, nil
}

// putAttempts bounds WATCH-abort retries inside Put so a transient race is
// re-read and classified instead of surfacing as a bare transaction failure.
const putAttempts = 3

// Put writes a user document if the stored revision still equals expectedRev.
// expectedRev zero asserts the document does not exist yet (create). On
// success the stored revision becomes expectedRev+1, which is also returned.
// A stale revision, a concurrent write racing the transaction, or an existing
// document on create all surface [ErrConflict]; the caller re-fetches and
// retries the transition at most once.
//
// The transaction also watches every secondary index entry the write claims.
// An entry already owned by a different user surfaces [ErrIndexConflict], so
// two racing writes can never both commit the same email address or token.
func (s *Store) Put(ctx context.Context, u *User, expectedRev uint64) (uint64, error) {
	if u == nil || u.ID == "" {
		return 0, fmt.Errorf("%w: missing user id", ErrUnavailable)
	}

	key := s.docKey(u.ID)
	next := u.Clone()
	next.ID = NormalizeKey(u.ID)
	next.Rev = expectedRev + 1

	data, err := json.Marshal(next)
	if err != nil {
		return 0, fmt.Errorf("%w: encode user document: %v", ErrUnavailable, err)
	}

	claims := s.claimedIndexKeys(next)
	watched := append([]string{key}, claims...)

	for attempt := 0; attempt < putAttempts; attempt++ {
		txErr := s.redis.Watch(ctx, func(tx *redis.Tx) error {
			var current *User

			raw, err := tx.Get(ctx, key).Bytes()
			switch {
			case err == nil:
				var decoded User
				if err := json.Unmarshal(raw, &decoded); err != nil {
					return fmt.Errorf("%w: corrupt user document: %v", ErrUnavailable, err)
				}
				current = &decoded
			case errors.Is(err, redis.Nil):
				current = nil
			default:
				return fmt.Errorf("%w: %v", ErrUnavailable, err)
			}

			if expectedRev == 0 && current != nil {
				return ErrConflict
			}
			if expectedRev != 0 && (current == nil || current.Rev != expectedRev) {
				return ErrConflict
			}

			for _, claim := range claims {
				owner, err := tx.Get(ctx, claim).Result()
				switch {
				case err == nil:
					if owner != next.ID {
						return ErrIndexConflict
					}
				case errors.Is(err, redis.Nil):
				default:
					return fmt.Errorf("%w: %v", ErrUnavailable, err)
				}
			}

			_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
				pipe.Set(ctx, key, data, 0)
				s.applyIndexDelta(ctx, pipe, current, next)
				return nil
			})
			return err
		}, watched...)

		switch {
		case txErr == nil:
			return next.Rev, nil
		case errors.Is(txErr, redis.TxFailedErr):
			// A watched key moved mid-transaction; re-read and classify.
			continue
		case errors.Is(txErr, ErrConflict):
			return 0, txErr
		case errors.Is(txErr, ErrUnavailable):
			return 0, txErr
		default:
			return 0, fmt.Errorf("%w: %v", ErrUnavailable, txErr)
		}
	}
	return 0, ErrConflict
}

// claimedIndexKeys lists the secondary index entries the stored form of next
// will own.
func (s *Store) claimedIndexKeys(next *User) []string {
	var keys []string
	if email := indexedEmail(next); email != "" {
		keys = append(keys, s.emailKey(email))
	}
	if token := verificationToken(next); token != "" {
		keys = append(keys, s.verificationKey(token))
	}
	if hash := resetTokenHash(next); hash != "" {
		keys = append(keys, s.resetKey(hash))
	}
	return keys
}

// Delete removes a user document and all of its index entries. Deleting a
// missing user is a no-op.
func (s *Store) Delete(ctx context.Context, id string) error {
	u, err := s.GetByID(ctx, id)
	if errors.Is(err, ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}

	_, err = s.redis.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, s.docKey(u.ID))
		s.applyIndexDelta(ctx, pipe, u, nil)
		return nil
	})
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return nil
}

// applyIndexDelta queues index removals and additions for the transition from
// old to next (either may be nil).
func (s *Store) applyIndexDelta(ctx context.Context, pipe redis.Pipeliner, old, next *User) {
	oldEmail, nextEmail := indexedEmail(old), indexedEmail(next)
	if oldEmail != nextEmail {
		if oldEmail != "" {
			pipe.Del(ctx, s.emailKey(oldEmail))
		}
		if nextEmail != "" {
			pipe.Set(ctx, s.emailKey(nextEmail), next.ID, 0)
		}
	}

	oldToken, nextToken := verificationToken(old), verificationToken(next)
	if oldToken != nextToken {
		if oldToken != "" {
			pipe.Del(ctx, s.verificationKey(oldToken))
		}
		if nextToken != "" {
			pipe.Set(ctx, s.verificationKey(nextToken), next.ID, 0)
		}
	}

	oldHash, nextHash := resetTokenHash(old), resetTokenHash(next)
	if oldHash != nextHash {
		if oldHash != "" {
			pipe.Del(ctx, s.resetKey(oldHash))
		}
		if nextHash != "" {
			pipe.Set(ctx, s.resetKey(nextHash), next.ID, 0)
		}
	}
}

func indexedEmail(u *User) string {
	if u == nil {
		return ""
	}
	return NormalizeKey(u.CurrentEmail())
}

func verificationToken(u *User) string {
	if u == nil || u.UnverifiedEmail == nil {
		return ""
	}
	return u.UnverifiedEmail.Token
}

func resetTokenHash(u *User) string {
	if u == nil || u.ForgotPassword == nil {
		return ""
	}
	return u.ForgotPassword.TokenHash
}
