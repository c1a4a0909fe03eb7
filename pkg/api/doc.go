/*
Package api is the HTTP gateway over a booted kernel.

Two listeners: the tenant-facing API on api.listen and an ops listener
on api.metrics_listen carrying /metrics and the health probes. TLS on
the API listener is optional: a configured keypair, a self-signed
boot-time certificate, or plain HTTP.

	┌────────────────────── CLIENT ──────────────────────┐
	│   pkg/client / curl / CLI                          │
	└───────────────┬────────────────────────────────────┘
	                │ HTTP(S), JSON
	┌───────────────▼───────────── GATEWAY ──────────────┐
	│  chi router                                        │
	│    request id → access log → recover               │
	│    /api/v1/services…       → deployer              │
	│    /api/v1/events…         → event store           │
	│    /api/v1/capabilities…   → capability manager    │
	│    /api/v1/tenants/…/secrets → vault               │
	│    /api/v1/recovery/verify → verifier              │
	└────────────────────────────────────────────────────┘

# Routes

	POST   /api/v1/services                        deploy
	GET    /api/v1/services?tenant=T               list
	GET    /api/v1/services/{tenant}/{service}     status
	PUT    /api/v1/services/{tenant}/{service}     replace (kill + redeploy)
	DELETE /api/v1/services/{tenant}/{service}     kill
	POST   /api/v1/services/{tenant}/{service}/call
	POST   /api/v1/services/{tenant}/{service}/swap
	GET    /api/v1/events                          filtered page
	GET    /api/v1/events/watch                    ndjson stream, ?since= resumes
	POST   /api/v1/capabilities                    grant (token revealed once)
	POST   /api/v1/capabilities/verify
	DELETE /api/v1/capabilities/{hash}             revoke by token hash
	PUT    /api/v1/tenants/{tenant}/secrets/{name}
	GET    /api/v1/tenants/{tenant}/secrets/{name}
	DELETE /api/v1/tenants/{tenant}/secrets/{name}
	GET    /api/v1/tenants/{tenant}/secrets        names only
	POST   /api/v1/recovery/verify                 log/registry consistency
	GET    /healthz /readyz /livez

# Error statuses

Kernel errors map onto statuses uniformly: validation 400, unknown
identity or secret 404, duplicate deploy or conflicting swap 409,
compile failure 422, load shedding 429, capability or tenancy denial
403, open circuit breaker or disabled vault 503. Denials carry the
machine-readable reason in the body.

Admission control is not re-applied at the gateway: deploy, call and
swap acquire the tenant's in-flight slots inside the kernel, so a shed
request costs one rejected acquire and nothing more.
*/
package api
