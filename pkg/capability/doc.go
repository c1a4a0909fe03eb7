// Package capability implements bearer-token authorisation for tenant
// resources.
//
// # Token Model
//
// A grant mints 32 random bytes, hex-encoded, and returns them exactly
// once. The kernel never stores the plaintext: the in-memory index, the
// persistent token partition and the event log all key on the SHA-256
// hash. Presenting a token means hashing it and looking the hash up.
//
// # Verification Order
//
// Checks run in a fixed order and the first failure is the recorded
// denial reason:
//
//	not_found → revoked → expired → tenant_mismatch →
//	resource_mismatch → permission_denied
//
// Expiry is !now.Before(expires_at), so a zero-TTL grant is expired the
// moment it is minted. A resource or permission stored as "*" matches
// anything within the grant's tenant.
//
// # Durability
//
// Grants, denials and revocations are durable events; successful
// verifications are best-effort (high volume, low value). Persisting
// the grant record itself is best-effort too (a grant that misses the
// store keeps working until the next restart), but the audit event is
// mandatory: if it cannot be recorded the grant is withdrawn and Grant
// fails.
//
// # Lifecycle
//
// RestoreAll rebuilds the index from the store at boot. The sweeper
// purges expired grants from both layers on an interval. Revocation
// deletes the store row first and keeps an in-memory revoked marker so
// verifies keep answering "revoked" rather than "not found" until the
// grant would have expired anyway.
package capability
