// Package session manages server-side sessions backed by the credential
// store, with a read-through cache in front of the database.
//
// Sessions live for a fixed TTL and slide: once a session's last refresh is
// older than the configured update age, the next successful validation
// extends the expiry. Refresh and revocation always go through the session's
// primary key, and revocation removes the cache entry so a revoked session
// cannot be served from cache for longer than the entry's own lifetime.
package session
