// Package password implements the one-way credential hasher: salted argon2id
// in PHC string format with embedded parameters and fail-closed verification.
package password
