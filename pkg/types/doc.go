/*
Package types defines the core data structures used throughout Hutch.

This package contains the fundamental types of Hutch's domain model:
service identities and specs, the kernel event vocabulary, capabilities,
secrets, resource limits, and the shared error taxonomy. Every other
package depends on types; types depends on nothing but the standard
library.

# Core Types

Service lifecycle:
  - Identity: the {tenant, service} pair naming a hosted service
  - ServiceSpec: source + format + restart policy, persisted in
    service_deployed payloads and replayed by recovery
  - RestartPolicy: restart budget inside a sliding window
  - ServiceStatus / ServiceInfo: live worker views

Event log:
  - Event: one immutable record (dense id, wall clock, monotonic ts,
    subject, payload, optional causation id)
  - EventType: the closed vocabulary, each type carrying a durability
    class (Durable vs. best-effort telemetry)
  - EventQuery: tenant/service/type filters with a since-id watermark

Security:
  - Capability: hashed bearer-token grant with TTL and permissions
  - VerifyReason: the fixed set of denial reasons
  - Secret: AES-256-GCM ciphertext at rest

Control:
  - ResourceLimits / ViolationAction: monitor thresholds and reactions
  - AdmissionStats: per-tenant load-shedding counters

# Errors

Sentinel errors (ErrNotFound, ErrAlreadyRegistered, ErrResourceExhausted,
ErrCircuitOpen, ...) are classified with errors.Is. Structured failures
carry their own types: ValidationError, CompileError, DeniedError.
Retryable(err) reports whether backing off may help.

# Usage

Deploying a service:

	spec := &types.ServiceSpec{
		Tenant:  "acme",
		Service: "billing",
		Source:  source,
		Format:  types.FormatLua,
		Restart: types.DefaultRestartPolicy(),
	}

Filtering events:

	q := &types.EventQuery{
		Tenant:  "acme",
		Types:   []types.EventType{types.EventServiceDeployed},
		SinceID: lastSeen,
	}
*/
package types
