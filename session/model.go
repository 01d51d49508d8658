package session

// Session backs one issued bearer credential. A session is valid iff the
// record still exists and now < ExpiresAt; revocation is deletion.
//
// Timestamps are unix milliseconds: refresh must produce a strictly greater
// expiry, and millisecond precision keeps that observable to callers that
// refresh immediately after login.
type Session struct {
	// TokenID is the public lookup half of the credential.
	TokenID string `json:"tokenId"`
	// SecretHash is the hex SHA-256 digest of the secret half. The plaintext
	// secret is returned to the caller once at mint time and never persisted.
	SecretHash string `json:"secretHash"`
	UserID     string `json:"userId"`
	// Roles is a snapshot taken at issuance; it may diverge from the user's
	// current roles until the session is re-minted.
	Roles     []string `json:"roles"`
	IssuedAt  int64    `json:"issuedAt"`
	ExpiresAt int64    `json:"expiresAt"`
}

// Clone returns a copy with its own roles slice.
func (s *Session) Clone() *Session {
	if s == nil {
		return nil
	}
	out := *s
	out.Roles = append([]string(nil), s.Roles...)
	return &out
}
