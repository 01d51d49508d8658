// Package userstore is the credential-store adapter: CRUD over user identity
// documents with revision-checked optimistic-concurrency writes and the
// secondary indexes the engine looks up by (email, verification token,
// reset-token hash).
package userstore
