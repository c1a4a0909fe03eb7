package capability

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"fmt"
	"maps"
	"sort"
	"time"

	cache "github.com/patrickmn/go-cache"
	"github.com/rs/zerolog"

	"github.com/cuemby/hutch/pkg/eventstore"
	"github.com/cuemby/hutch/pkg/log"
	"github.com/cuemby/hutch/pkg/metrics"
	"github.com/cuemby/hutch/pkg/types"
)

const (
	tokenBytes           = 32
	defaultSweepInterval = 60 * time.Second

	// Wildcard matches any resource or permission when stored in a
	// grant.
	Wildcard = "*"
)

// Manager issues, verifies and revokes capability tokens. The bearer
// token is random and returned exactly once at grant time; everything
// the kernel keeps (the in-memory index, the persistent store, the
// event log) sees only its SHA-256 hash.
//
// The index is the hot path; the persistent store backs it across
// restarts and feeds misses, so a verify right after boot works even
// before RestoreAll has run.
type Manager struct {
	store  *TokenStore
	events *eventstore.Store
	index  *cache.Cache
	logger zerolog.Logger

	sweepInterval time.Duration
	clock         func() time.Time
}

// Option customises the Manager.
type Option func(*Manager)

// WithSweepInterval sets how often expired grants are purged.
func WithSweepInterval(d time.Duration) Option {
	return func(m *Manager) {
		if d > 0 {
			m.sweepInterval = d
		}
	}
}

// WithClock substitutes the time source. Test hook.
func WithClock(clock func() time.Time) Option {
	return func(m *Manager) { m.clock = clock }
}

// New creates a Manager over the token store. events may not be nil;
// every grant, denial and revocation is recorded.
func New(store *TokenStore, events *eventstore.Store, opts ...Option) *Manager {
	m := &Manager{
		store:         store,
		events:        events,
		index:         cache.New(cache.NoExpiration, 5*time.Minute),
		logger:        log.WithComponent("capability"),
		sweepInterval: defaultSweepInterval,
		clock:         time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Grant mints a capability: a fresh random token scoped to the tenant,
// resource and permissions, expiring after ttl. The returned token is
// the only copy of the plaintext; a ttl of zero produces a grant that
// is already expired (useful for testing denial paths, useless
// otherwise). meta is free-form caller context carried on the record,
// never interpreted.
func (m *Manager) Grant(ctx context.Context, tenant, resource string, permissions []string, ttl time.Duration, meta map[string]string) (string, *types.Capability, error) {
	if tenant == "" {
		return "", nil, &types.ValidationError{Field: "tenant_id", Reason: "must not be empty"}
	}
	if resource == "" {
		return "", nil, &types.ValidationError{Field: "resource", Reason: "must not be empty"}
	}
	if len(permissions) == 0 {
		return "", nil, &types.ValidationError{Field: "permissions", Reason: "must not be empty"}
	}
	if ttl < 0 {
		return "", nil, &types.ValidationError{Field: "ttl", Reason: "must not be negative"}
	}

	raw := make([]byte, tokenBytes)
	if _, err := rand.Read(raw); err != nil {
		return "", nil, fmt.Errorf("generate token: %w", err)
	}
	token := hex.EncodeToString(raw)

	now := m.clock().UTC()
	grant := &types.Capability{
		TokenHash:   hashToken(token),
		Tenant:      tenant,
		Resource:    resource,
		Permissions: append([]string(nil), permissions...),
		GrantedAt:   now,
		ExpiresAt:   now.Add(ttl),
	}
	if len(meta) > 0 {
		grant.Metadata = maps.Clone(meta)
	}

	m.indexSet(grant, ttl)

	// Persistence is best-effort: the grant stays valid in memory even
	// if the store write fails, it just will not survive a restart.
	if err := m.store.Put(grant); err != nil {
		m.logger.Warn().Err(err).
			Str("tenant", tenant).
			Str("resource", resource).
			Msg("Failed to persist grant, capability is memory-only")
	}

	// The audit record is not optional: a grant the log never heard of
	// is withdrawn.
	if _, err := m.events.Append(ctx, &types.Event{
		Tenant:  tenant,
		Type:    types.EventCapabilityGranted,
		Subject: types.Subject{Tenant: tenant},
		Payload: map[string]any{
			"token_hash":  grant.TokenHash,
			"resource":    resource,
			"permissions": permissionsPayload(permissions),
			"expires_at":  grant.ExpiresAt.Format(time.RFC3339Nano),
		},
	}); err != nil {
		m.index.Delete(grant.TokenHash)
		if derr := m.store.Delete(grant.TokenHash); derr != nil {
			m.logger.Error().Err(derr).Str("tenant", tenant).Msg("Failed to withdraw unrecorded grant")
		}
		return "", nil, fmt.Errorf("record grant: %w", err)
	}

	m.logger.Info().
		Str("tenant", tenant).
		Str("resource", resource).
		Time("expires_at", grant.ExpiresAt).
		Msg("Capability granted")
	return token, grant, nil
}

// Verify checks that the presented token authorises the tenant to
// exercise the permission on the resource. The checks run in a fixed
// order and the first failure wins: not_found, revoked, expired,
// tenant_mismatch, resource_mismatch, permission_denied. Denials are
// recorded durably; successes best-effort.
func (m *Manager) Verify(ctx context.Context, tenant, token, resource, permission string) error {
	hash := hashToken(token)

	grant, ok := m.lookup(hash)
	if !ok {
		return m.deny(ctx, tenant, resource, permission, types.DenyNotFound)
	}
	if subtle.ConstantTimeCompare([]byte(grant.TokenHash), []byte(hash)) != 1 {
		return m.deny(ctx, tenant, resource, permission, types.DenyNotFound)
	}
	if grant.Revoked {
		return m.deny(ctx, tenant, resource, permission, types.DenyRevoked)
	}
	if grant.Expired(m.clock().UTC()) {
		return m.deny(ctx, tenant, resource, permission, types.DenyExpired)
	}
	if grant.Tenant != tenant {
		return m.deny(ctx, tenant, resource, permission, types.DenyTenantMismatch)
	}
	if grant.Resource != Wildcard && grant.Resource != resource {
		return m.deny(ctx, tenant, resource, permission, types.DenyResourceMismatch)
	}
	if !grant.HasPermission(Wildcard) && !grant.HasPermission(permission) {
		return m.deny(ctx, tenant, resource, permission, types.DenyPermission)
	}

	metrics.VerificationsTotal.WithLabelValues("ok").Inc()
	_, _ = m.events.Append(ctx, &types.Event{
		Tenant:  tenant,
		Type:    types.EventCapabilityVerified,
		Subject: types.Subject{Tenant: tenant},
		Payload: map[string]any{
			"resource":   resource,
			"permission": permission,
		},
	})
	return nil
}

// Revoke withdraws the grant behind the token hash, the identifier
// published at grant time (the plaintext is never stored, so revocation
// addresses records by hash). Idempotent: revoking an unknown or
// already-revoked hash succeeds silently. The persistent delete must
// land before the revocation is recorded and reported.
func (m *Manager) Revoke(ctx context.Context, hash string) error {
	grant, ok := m.lookup(hash)
	if !ok {
		m.logger.Debug().Str("token_hash", hash).Msg("Revoke of unknown token hash")
		return nil
	}
	if grant.Revoked {
		return nil
	}

	// The revoked marker must outlive cache eviction: once the store
	// row is gone, only this entry distinguishes "revoked" from
	// "not found". The sweeper collects it after expiry.
	revoked := *grant
	revoked.Revoked = true
	m.index.Set(hash, &revoked, cache.NoExpiration)

	if err := m.store.Delete(hash); err != nil {
		return fmt.Errorf("delete token: %w", err)
	}

	if _, err := m.events.Append(ctx, &types.Event{
		Tenant:  grant.Tenant,
		Type:    types.EventCapabilityRevoked,
		Subject: types.Subject{Tenant: grant.Tenant},
		Payload: map[string]any{"token_hash": hash},
	}); err != nil {
		return fmt.Errorf("record revocation: %w", err)
	}

	m.logger.Info().
		Str("tenant", grant.Tenant).
		Str("resource", grant.Resource).
		Msg("Capability revoked")
	return nil
}

// List returns the tenant's live grants from the persistent store,
// newest first. Revoked grants are deleted on revocation and expired
// ones are filtered here, so the listing is what Verify would accept;
// a grant whose store write failed is memory-only and not listed.
func (m *Manager) List(tenant string) ([]*types.Capability, error) {
	if tenant == "" {
		return nil, &types.ValidationError{Field: "tenant_id", Reason: "must not be empty"}
	}

	caps, err := m.store.ListByTenant(tenant)
	if err != nil {
		return nil, fmt.Errorf("list grants: %w", err)
	}

	now := m.clock().UTC()
	live := make([]*types.Capability, 0, len(caps))
	for _, grant := range caps {
		if !grant.Expired(now) {
			live = append(live, grant)
		}
	}
	sort.Slice(live, func(i, j int) bool {
		return live[i].GrantedAt.After(live[j].GrantedAt)
	})
	return live, nil
}

// RestoreAll rebuilds the index from the persistent store. Boot path;
// returns how many live grants came back.
func (m *Manager) RestoreAll() (int, error) {
	caps, err := m.store.RestoreAll()
	if err != nil {
		return 0, fmt.Errorf("restore tokens: %w", err)
	}

	now := m.clock().UTC()
	restored := 0
	for _, grant := range caps {
		if grant.Expired(now) {
			continue // the sweeper will purge it from the store
		}
		m.indexSet(grant, grant.ExpiresAt.Sub(now))
		restored++
	}
	m.logger.Info().Int("restored", restored).Msg("Capability index restored")
	return restored, nil
}

// Sweep purges expired grants from the index and the store.
func (m *Manager) Sweep(ctx context.Context) {
	now := m.clock().UTC()

	for hash, item := range m.index.Items() {
		grant, ok := item.Object.(*types.Capability)
		if ok && grant.Expired(now) {
			m.index.Delete(hash)
		}
	}

	removed, err := m.store.CleanupExpired(now)
	if err != nil {
		m.logger.Warn().Err(err).Msg("Expired token cleanup failed")
		return
	}
	if removed > 0 {
		m.logger.Debug().Int("removed", removed).Msg("Expired tokens purged")
	}
}

// Run sweeps on the configured interval until ctx ends. Shaped as a
// supervisor group child.
func (m *Manager) Run(ctx context.Context) error {
	ticker := time.NewTicker(m.sweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			m.Sweep(ctx)
		case <-ctx.Done():
			return nil
		}
	}
}

// Flush fsyncs the token partition. Shutdown path.
func (m *Manager) Flush() error {
	return m.store.Flush()
}

func (m *Manager) lookup(hash string) (*types.Capability, bool) {
	if v, ok := m.index.Get(hash); ok {
		if grant, ok := v.(*types.Capability); ok {
			return grant, true
		}
	}
	// Index miss: fall back to the store so verifies work before
	// RestoreAll and after cache eviction.
	grant, err := m.store.Get(hash)
	if err != nil {
		return nil, false
	}
	m.indexSet(grant, time.Until(grant.ExpiresAt))
	return grant, true
}

func (m *Manager) deny(ctx context.Context, tenant, resource, permission string, reason types.VerifyReason) error {
	metrics.VerificationsTotal.WithLabelValues(string(reason)).Inc()
	m.logger.Debug().
		Str("tenant", tenant).
		Str("resource", resource).
		Str("reason", string(reason)).
		Msg("Capability denied")

	if _, err := m.events.Append(ctx, &types.Event{
		Tenant:  tenant,
		Type:    types.EventCapabilityDenied,
		Subject: types.Subject{Tenant: tenant},
		Payload: map[string]any{
			"reason":     string(reason),
			"resource":   resource,
			"permission": permission,
		},
	}); err != nil {
		m.logger.Error().Err(err).Msg("Failed to record denial")
	}
	return &types.DeniedError{Reason: reason}
}

// indexSet stores the grant with a cache lifetime matching its expiry.
// Already-expired grants get a token lifetime so the janitor collects
// them; the timestamp check is what actually denies them.
func (m *Manager) indexSet(grant *types.Capability, ttl time.Duration) {
	if ttl <= 0 {
		ttl = time.Nanosecond
	}
	m.index.Set(grant.TokenHash, grant, ttl)
}

func hashToken(token string) string {
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:])
}

func permissionsPayload(perms []string) []any {
	out := make([]any, 0, len(perms))
	for _, p := range perms {
		out = append(out, p)
	}
	return out
}
