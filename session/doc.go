// Package session persists the server-side records backing issued bearer
// credentials: token-indexed storage, per-user enumeration, lazy expiry, and
// the revoke-all cascade used on credential changes.
package session
