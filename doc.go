// Package authcore provides a token-based authentication and session-lifecycle
// engine for applications backed by a document store. It issues opaque
// tokenId:secret bearer credentials, enforces account-lockout policy under
// repeated failed logins, and runs the full password-recovery protocol:
// email verification, forgot password, reset, and authenticated change.
//
// The package is a library, not a server. A host HTTP layer mounts [Engine]
// operations behind its own routes; the middleware package supplies net/http
// guards for bearer parsing, session checks, and role gating.
//
// # Architecture boundaries
//
// authcore is the public surface. It exposes [Engine], [Builder], [Config],
// and value types (LoginResult, AuthResult, SessionInfo). Token encoding,
// audit dispatch, and the metrics core live under internal/ and are never
// exported. The credential store and the mailer are external collaborators
// reached only through the [userstore.Store] and [Mailer] contracts.
//
// # Consistency model
//
// The engine is stateless between requests; all durable state lives in the
// credential store. Every mutation of a user document goes through a
// fetch-transform-put cycle with a revision compare-and-swap. On a revision
// conflict the engine re-reads and retries the transition exactly once, then
// surfaces the conflict. Expiry and lock release are evaluated lazily at the
// point of use; there are no background timers.
package authcore
