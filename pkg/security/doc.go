/*
Package security provides the tenant secrets vault and TLS material for
the API listener.

The vault encrypts secret values with AES-256-GCM before they reach the
store, so plaintext exists only in memory, on the wire between a caller
and the kernel, and inside the service that fetched it. Every access is
tenant-scoped and audited through the event log.

# Vault

	┌────────────┐   Put/Get/Delete/List   ┌────────────┐
	│   caller   │ ──────────────────────▶ │   Vault    │
	└────────────┘                         └─────┬──────┘
	                                             │ AES-256-GCM
	                             ┌───────────────┼───────────────┐
	                             ▼                               ▼
	                      ┌────────────┐                 ┌────────────┐
	                      │  storage   │                 │ event log  │
	                      │ ciphertext │                 │ audit      │
	                      └────────────┘                 └────────────┘

Each stored value is sealed independently with a fresh random nonce; the
nonce is prepended to the ciphertext, so a record is self-contained:

	record = nonce || GCM(key, nonce, plaintext)

The key is 32 bytes. ResolveKey accepts either an explicit base64 key or
a passphrase; a passphrase is stretched to a key with SHA-256. The key
lives only in memory: losing it makes every stored secret unreadable,
and there is no recovery path.

# Tenancy and Audit

A caller may touch only its own namespace. Cross-tenant attempts fail
with a DeniedError and are recorded as secret_access_denied events
carrying the caller, the target tenant and the operation. Successful
writes, reads and deletions emit secret_stored, secret_accessed and
secret_revoked. Event payloads carry secret names, never values.

# TLS Material

ServerTLS loads a certificate pair from disk for production listeners.
SelfSignedTLS mints an ephemeral self-signed certificate for
development, covering localhost and the loopback addresses unless
explicit hosts are given.
*/
package security
