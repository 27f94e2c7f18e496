// Package redisstore implements sessions.Store on Redis so several server
// instances can share session state.
//
// Design Notes
//   - Session metadata: one hash per session holding created_at and expires_at (unix ms, 0 = none)
//   - Values: one hash per (session, type), plus a lex-ordered zset of names for keyset listing
//   - Per-session keys share a {session} hash tag so each Lua script touches a single slot
//   - Set, delete and cascade run as Lua scripts; Compute uses WATCH/MULTI with bounded retries
//   - Expiry is enforced lazily on access, like the other backends
//   - BlockUntil polls; there is no push notification
//
// Example:
//
//	store, _ := redisstore.New(redisstore.Config{RedisAddr: "localhost:6379"})
//	defer store.Close()
package redisstore
