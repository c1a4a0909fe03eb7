package types

import (
	"time"
)

// Identity names a hosted service: the pair {tenant, service}.
// Identities are unique across the kernel while the service is registered.
type Identity struct {
	Tenant  string `json:"tenant_id"`
	Service string `json:"service_id"`
}

// String returns the canonical "tenant/service" form used in logs and errors.
func (id Identity) String() string {
	return id.Tenant + "/" + id.Service
}

// SourceFormat identifies the representation of submitted service code.
type SourceFormat string

const (
	// FormatLua is the only accepted source format: a Lua chunk that
	// defines handle_message and optionally init and code_change.
	FormatLua SourceFormat = "lua"
)

// ServiceSpec is everything needed to deploy (or redeploy) a service.
// The spec is persisted verbatim in the service_deployed event payload so
// recovery can replay it after a restart.
type ServiceSpec struct {
	Tenant  string         `json:"tenant_id"`
	Service string         `json:"service_id"`
	Source  string         `json:"source"`
	Format  SourceFormat   `json:"format"`
	Restart *RestartPolicy `json:"restart_policy,omitempty"`
}

// Identity returns the spec's service identity.
func (s *ServiceSpec) Identity() Identity {
	return Identity{Tenant: s.Tenant, Service: s.Service}
}

// RestartPolicy bounds how eagerly a crashed worker is restarted.
type RestartPolicy struct {
	MaxRestarts     int      `json:"max_restarts"`
	Window          Duration `json:"window"`
	StartupTimeout  Duration `json:"startup_timeout"`
	ShutdownTimeout Duration `json:"shutdown_timeout"`
}

// DefaultRestartPolicy returns the per-service defaults: 3 restarts in a
// 30 second window, 5s startup and shutdown timeouts.
func DefaultRestartPolicy() *RestartPolicy {
	return &RestartPolicy{
		MaxRestarts:     3,
		Window:          Duration(30 * time.Second),
		StartupTimeout:  Duration(5 * time.Second),
		ShutdownTimeout: Duration(5 * time.Second),
	}
}

// ServiceStatus is the live view of a single worker.
type ServiceStatus struct {
	Alive       bool   `json:"alive"`
	MemoryBytes int64  `json:"memory_bytes"`
	InboxLen    int    `json:"inbox_len"`
	WorkUnits   uint64 `json:"work_units"`
}

// ServiceInfo is one row of a tenant service listing.
type ServiceInfo struct {
	Service string `json:"service_id"`
	Alive   bool   `json:"alive"`
}

// Capability is a stored grant: who may do what to which resource, until
// when. Only the SHA-256 hash of the bearer token is kept; the plaintext
// token is returned exactly once at grant time and never stored.
type Capability struct {
	TokenHash   string            `json:"token_hash"`
	Tenant      string            `json:"tenant_id"`
	Resource    string            `json:"resource"`
	Permissions []string          `json:"permissions"`
	GrantedAt   time.Time         `json:"granted_at"`
	ExpiresAt   time.Time         `json:"expires_at"`
	Revoked     bool              `json:"revoked,omitempty"`
	Metadata    map[string]string `json:"metadata,omitempty"`
}

// Expired reports whether the capability is expired at the given instant.
// A zero TTL grant has ExpiresAt == GrantedAt and is expired immediately.
func (c *Capability) Expired(now time.Time) bool {
	return !now.Before(c.ExpiresAt)
}

// HasPermission reports whether the grant includes the named permission.
func (c *Capability) HasPermission(perm string) bool {
	for _, p := range c.Permissions {
		if p == perm {
			return true
		}
	}
	return false
}

// VerifyReason classifies why a capability check failed.
type VerifyReason string

const (
	DenyNotFound         VerifyReason = "not_found"
	DenyRevoked          VerifyReason = "revoked"
	DenyExpired          VerifyReason = "expired"
	DenyTenantMismatch   VerifyReason = "tenant_mismatch"
	DenyResourceMismatch VerifyReason = "resource_mismatch"
	DenyPermission       VerifyReason = "permission_denied"
)

// Secret is an encrypted tenant secret as persisted. Value holds
// nonce-prefixed AES-256-GCM ciphertext, never plaintext.
type Secret struct {
	Tenant    string    `json:"tenant_id"`
	Name      string    `json:"name"`
	Value     []byte    `json:"value"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// ViolationAction is what the resource monitor does when a worker exceeds
// a limit.
type ViolationAction string

const (
	ViolationWarn     ViolationAction = "warn"
	ViolationThrottle ViolationAction = "throttle"
	ViolationKill     ViolationAction = "kill"
)

// ResourceLimits bounds a single worker. A zero field means "no limit".
type ResourceLimits struct {
	MaxMemoryBytes int64           `json:"max_memory_bytes"`
	WarnPercent    int             `json:"warn_percent"`
	MaxInboxDepth  int             `json:"max_inbox_depth"`
	Action         ViolationAction `json:"action"`
}

// AdmissionStats is the shedder's per-tenant view.
type AdmissionStats struct {
	Tenant   string `json:"tenant_id"`
	InFlight int64  `json:"in_flight"`
	Limit    int64  `json:"limit"`
	Rejected uint64 `json:"rejected_total"`
}
