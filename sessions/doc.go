// Package sessions persists OpenID Connect relying-party sessions and
// invalidates them in bulk when the identity provider pushes a back-channel
// logout. A logout token names sessions by the OIDC sid claim and/or the
// subject rather than by session id, so the Store keeps two inverse indices
// beside the primary records.
//
// Layers & Roles
//
//	Auth middleware -> calls Get / Set / Delete / DeleteByLogoutToken
//	Store           -> primary writes, index maintenance, logout cascade
//	Host            -> durability (session blobs + expiring id sets)
//
// # Persisted layout
//
//	<id>        session blob, expires at Record.ExpiresAt
//	sid:<sid>   set of session ids, expires with its longest-lived member
//	sub:<sub>   set of session ids, expires with its longest-lived member
//
// An index is never allowed to expire before one of its members: an orphaned
// index entry is harmless (the cascade finds nothing to delete) while a
// prematurely expired index would let a session survive logout.
//
// # Failure semantics
//
//   - Get is fail-open: host errors are logged and reported as ErrNotFound.
//   - Set returns only primary write failures. Index updates are best-effort
//     and logged; a missing entry heals on the session's next Set.
//   - DeleteByLogoutToken settles every deletion and returns a *fanout.Error
//     naming exactly the failed steps. Nothing is rolled back.
//
// Implementations
//
//	memoryhost : in-memory reference used for tests / single-process servers
//	redishost  : Redis backed implementation with atomic index upserts
//
// Example:
//
//	host, err := redishost.NewFromEnv()
//	if err != nil { return err }
//	store := sessions.New(host, sessions.WithLogger(logger))
//	defer store.Close()
//
//	id := sessions.NewID()
//	_ = store.Set(ctx, id, sessions.Record{SID: sid, Sub: sub, ExpiresAt: exp})
//	...
//	err = store.DeleteByLogoutToken(ctx, sessions.LogoutToken{SID: sid})
package sessions
