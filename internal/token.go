package internal

import (
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"errors"
	"strings"
)

const (
	tokenIDSize        = 16
	tokenSecretSize    = 32
	recoverySecretSize = 32
)

// ErrMalformedBearer is returned when a presented credential is not a
// tokenId:secret pair.
var ErrMalformedBearer = errors.New("malformed bearer credential")

// NewTokenID returns the public half of a bearer credential: 16 random bytes,
// base64url without padding. It is safe to index and to log.
func NewTokenID() (string, error) {
	var raw [tokenIDSize]byte
	if _, err := rand.Read(raw[:]); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(raw[:]), nil
}

// NewTokenSecret returns the private half of a bearer credential: 32 random
// bytes, base64url without padding. Only its SHA-256 digest is ever stored.
func NewTokenSecret() (string, error) {
	var raw [tokenSecretSize]byte
	if _, err := rand.Read(raw[:]); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(raw[:]), nil
}

// NewRecoveryToken returns a single-use recovery secret for the
// forgot-password flow. The plaintext is delivered out-of-band; the store
// keeps only HashSecret of it.
func NewRecoveryToken() (string, error) {
	var raw [recoverySecretSize]byte
	if _, err := rand.Read(raw[:]); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(raw[:]), nil
}

// HashSecret digests a secret for storage and lookup.
func HashSecret(secret string) [32]byte {
	return sha256.Sum256([]byte(secret))
}

// HashEqual compares two secret digests in constant time.
func HashEqual(a, b [32]byte) bool {
	return subtle.ConstantTimeCompare(a[:], b[:]) == 1
}

// EncodeBearer renders the wire form of a credential pair.
func EncodeBearer(tokenID, secret string) string {
	return tokenID + ":" + secret
}

// SplitBearer parses the wire form. The secret may itself never contain a
// colon (base64url alphabet), so splitting on the first colon is exact.
func SplitBearer(bearer string) (tokenID, secret string, err error) {
	idx := strings.IndexByte(bearer, ':')
	if idx <= 0 || idx == len(bearer)-1 {
		return "", "", ErrMalformedBearer
	}
	return bearer[:idx], bearer[idx+1:], nil
}
