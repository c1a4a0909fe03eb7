package capability

import (
	"context"
	"encoding/hex"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuemby/hutch/pkg/events"
	"github.com/cuemby/hutch/pkg/eventstore"
	"github.com/cuemby/hutch/pkg/storage"
	"github.com/cuemby/hutch/pkg/types"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Now()}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type kit struct {
	tokens *TokenStore
	events *eventstore.Store
	clock  *fakeClock
}

func newKit(t *testing.T) *kit {
	t.Helper()

	bolt, err := storage.NewBoltStore(t.TempDir())
	require.NoError(t, err)

	broker := events.NewBroker()
	broker.Start()

	es := eventstore.New(bolt, broker)
	es.Start()

	t.Cleanup(func() {
		es.Stop()
		broker.Stop()
		bolt.Close()
	})
	return &kit{
		tokens: NewTokenStore(bolt),
		events: es,
		clock:  newFakeClock(),
	}
}

func (k *kit) manager(opts ...Option) *Manager {
	opts = append([]Option{WithClock(k.clock.Now)}, opts...)
	return New(k.tokens, k.events, opts...)
}

func (k *kit) eventsOf(t *testing.T, evType types.EventType) []*types.Event {
	t.Helper()
	require.NoError(t, k.events.Flush(context.Background()))
	evs, err := k.events.Filter(&types.EventQuery{Types: []types.EventType{evType}})
	require.NoError(t, err)
	return evs
}

func TestGrantMintsToken(t *testing.T) {
	k := newKit(t)
	m := k.manager()

	token, grant, err := m.Grant(context.Background(), "acme", "db", []string{"read"}, time.Hour,
		map[string]string{"owner": "ops"})
	require.NoError(t, err)

	// 32 random bytes, hex encoded.
	raw, err := hex.DecodeString(token)
	require.NoError(t, err)
	assert.Len(t, raw, 32)

	assert.Equal(t, hashToken(token), grant.TokenHash)
	assert.NotEqual(t, token, grant.TokenHash)
	assert.Equal(t, "acme", grant.Tenant)
	assert.Equal(t, []string{"read"}, grant.Permissions)
	assert.Equal(t, map[string]string{"owner": "ops"}, grant.Metadata)

	granted := k.eventsOf(t, types.EventCapabilityGranted)
	require.Len(t, granted, 1)
	assert.Equal(t, grant.TokenHash, granted[0].Payload["token_hash"])
	assert.NotContains(t, granted[0].Payload, "token")
}

func TestGrantValidation(t *testing.T) {
	k := newKit(t)
	m := k.manager()
	ctx := context.Background()

	cases := []struct {
		name   string
		tenant string
		res    string
		perms  []string
		ttl    time.Duration
	}{
		{"empty tenant", "", "db", []string{"read"}, time.Hour},
		{"empty resource", "acme", "", []string{"read"}, time.Hour},
		{"no permissions", "acme", "db", nil, time.Hour},
		{"negative ttl", "acme", "db", []string{"read"}, -time.Second},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, _, err := m.Grant(ctx, tc.tenant, tc.res, tc.perms, tc.ttl, nil)
			var verr *types.ValidationError
			require.ErrorAs(t, err, &verr)
		})
	}
}

func TestVerifySuccess(t *testing.T) {
	k := newKit(t)
	m := k.manager()
	ctx := context.Background()

	token, _, err := m.Grant(ctx, "acme", "db", []string{"read", "write"}, time.Hour, nil)
	require.NoError(t, err)

	require.NoError(t, m.Verify(ctx, "acme", token, "db", "read"))
	require.NoError(t, m.Verify(ctx, "acme", token, "db", "write"))

	verified := k.eventsOf(t, types.EventCapabilityVerified)
	assert.Len(t, verified, 2)
	assert.Empty(t, k.eventsOf(t, types.EventCapabilityDenied))
}

func TestVerifyDenialReasons(t *testing.T) {
	k := newKit(t)
	m := k.manager()
	ctx := context.Background()

	token, _, err := m.Grant(ctx, "acme", "db", []string{"read"}, time.Hour, nil)
	require.NoError(t, err)

	revokedToken, revokedGrant, err := m.Grant(ctx, "acme", "db", []string{"read"}, time.Hour, nil)
	require.NoError(t, err)
	require.NoError(t, m.Revoke(ctx, revokedGrant.TokenHash))

	expiredToken, _, err := m.Grant(ctx, "acme", "db", []string{"read"}, 50*time.Millisecond, nil)
	require.NoError(t, err)
	k.clock.Advance(100 * time.Millisecond)

	cases := []struct {
		name       string
		tenant     string
		token      string
		resource   string
		permission string
		reason     types.VerifyReason
	}{
		{"unknown token", "acme", "deadbeef", "db", "read", types.DenyNotFound},
		{"revoked", "acme", revokedToken, "db", "read", types.DenyRevoked},
		{"expired", "acme", expiredToken, "db", "read", types.DenyExpired},
		{"tenant mismatch", "umbrella", token, "db", "read", types.DenyTenantMismatch},
		{"resource mismatch", "acme", token, "cache", "read", types.DenyResourceMismatch},
		{"permission denied", "acme", token, "db", "write", types.DenyPermission},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := m.Verify(ctx, tc.tenant, tc.token, tc.resource, tc.permission)
			var denied *types.DeniedError
			require.ErrorAs(t, err, &denied)
			assert.Equal(t, tc.reason, denied.Reason)
		})
	}

	denials := k.eventsOf(t, types.EventCapabilityDenied)
	require.Len(t, denials, len(cases))
}

func TestVerifyZeroTTLIsExpired(t *testing.T) {
	k := newKit(t)
	m := k.manager()
	ctx := context.Background()

	token, _, err := m.Grant(ctx, "acme", "db", []string{"read"}, 0, nil)
	require.NoError(t, err)

	err = m.Verify(ctx, "acme", token, "db", "read")
	var denied *types.DeniedError
	require.ErrorAs(t, err, &denied)
	assert.Equal(t, types.DenyExpired, denied.Reason)
}

func TestWildcardGrant(t *testing.T) {
	k := newKit(t)
	m := k.manager()
	ctx := context.Background()

	token, _, err := m.Grant(ctx, "acme", Wildcard, []string{Wildcard}, time.Hour, nil)
	require.NoError(t, err)

	require.NoError(t, m.Verify(ctx, "acme", token, "db", "read"))
	require.NoError(t, m.Verify(ctx, "acme", token, "queue", "publish"))

	// Wildcards do not cross tenants.
	err = m.Verify(ctx, "umbrella", token, "db", "read")
	var denied *types.DeniedError
	require.ErrorAs(t, err, &denied)
	assert.Equal(t, types.DenyTenantMismatch, denied.Reason)
}

func TestRevokeIdempotent(t *testing.T) {
	k := newKit(t)
	m := k.manager()
	ctx := context.Background()

	// Unknown token: fine, no event.
	require.NoError(t, m.Revoke(ctx, "deadbeef"))
	assert.Empty(t, k.eventsOf(t, types.EventCapabilityRevoked))

	_, grant, err := m.Grant(ctx, "acme", "db", []string{"read"}, time.Hour, nil)
	require.NoError(t, err)

	require.NoError(t, m.Revoke(ctx, grant.TokenHash))
	require.NoError(t, m.Revoke(ctx, grant.TokenHash))

	revoked := k.eventsOf(t, types.EventCapabilityRevoked)
	require.Len(t, revoked, 1)
	assert.Equal(t, grant.TokenHash, revoked[0].Payload["token_hash"])

	// The persistent row is gone.
	_, err = k.tokens.Get(grant.TokenHash)
	require.ErrorIs(t, err, types.ErrNotFound)
}

func TestRestoreAllRebuildsIndex(t *testing.T) {
	k := newKit(t)
	m := k.manager()
	ctx := context.Background()

	liveToken, _, err := m.Grant(ctx, "acme", "db", []string{"read"}, time.Hour, nil)
	require.NoError(t, err)
	_, _, err = m.Grant(ctx, "acme", "db", []string{"read"}, 50*time.Millisecond, nil)
	require.NoError(t, err)

	k.clock.Advance(time.Minute)

	fresh := k.manager()
	restored, err := fresh.RestoreAll()
	require.NoError(t, err)
	assert.Equal(t, 1, restored)

	require.NoError(t, fresh.Verify(ctx, "acme", liveToken, "db", "read"))
}

func TestVerifyFallsBackToStore(t *testing.T) {
	k := newKit(t)
	m := k.manager()
	ctx := context.Background()

	token, _, err := m.Grant(ctx, "acme", "db", []string{"read"}, time.Hour, nil)
	require.NoError(t, err)

	// A manager with a cold index finds the grant in the store.
	cold := k.manager()
	require.NoError(t, cold.Verify(ctx, "acme", token, "db", "read"))
}

func TestSweepPurgesExpired(t *testing.T) {
	k := newKit(t)
	m := k.manager()
	ctx := context.Background()

	token, grant, err := m.Grant(ctx, "acme", "db", []string{"read"}, 50*time.Millisecond, nil)
	require.NoError(t, err)

	k.clock.Advance(time.Minute)
	m.Sweep(ctx)

	_, err = k.tokens.Get(grant.TokenHash)
	require.ErrorIs(t, err, types.ErrNotFound)

	// With both index and store rows gone the token is simply unknown.
	err = m.Verify(ctx, "acme", token, "db", "read")
	var denied *types.DeniedError
	require.ErrorAs(t, err, &denied)
	assert.Equal(t, types.DenyNotFound, denied.Reason)
}

func TestListReturnsLiveGrantsNewestFirst(t *testing.T) {
	k := newKit(t)
	m := k.manager()
	ctx := context.Background()

	_, first, err := m.Grant(ctx, "acme", "db", []string{"read"}, time.Hour, nil)
	require.NoError(t, err)
	k.clock.Advance(time.Second)

	// Expires before the listing below.
	_, _, err = m.Grant(ctx, "acme", "cache", []string{"read"}, time.Minute, nil)
	require.NoError(t, err)
	k.clock.Advance(time.Second)

	_, revoked, err := m.Grant(ctx, "acme", "queue", []string{"publish"}, time.Hour, nil)
	require.NoError(t, err)
	require.NoError(t, m.Revoke(ctx, revoked.TokenHash))
	k.clock.Advance(time.Second)

	_, second, err := m.Grant(ctx, "acme", "db", []string{"write"}, time.Hour, nil)
	require.NoError(t, err)
	_, _, err = m.Grant(ctx, "umbrella", "db", []string{"read"}, time.Hour, nil)
	require.NoError(t, err)

	k.clock.Advance(5 * time.Minute)

	caps, err := m.List("acme")
	require.NoError(t, err)
	require.Len(t, caps, 2)
	assert.Equal(t, second.TokenHash, caps[0].TokenHash)
	assert.Equal(t, first.TokenHash, caps[1].TokenHash)

	_, err = m.List("")
	var verr *types.ValidationError
	require.ErrorAs(t, err, &verr)
}

func TestCleanupExpiredCount(t *testing.T) {
	k := newKit(t)
	m := k.manager()
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		_, _, err := m.Grant(ctx, "acme", "db", []string{"read"}, 50*time.Millisecond, nil)
		require.NoError(t, err)
	}
	_, _, err := m.Grant(ctx, "acme", "db", []string{"read"}, time.Hour, nil)
	require.NoError(t, err)

	removed, err := k.tokens.CleanupExpired(k.clock.Now().Add(time.Minute))
	require.NoError(t, err)
	assert.Equal(t, 3, removed)

	remaining, err := k.tokens.RestoreAll()
	require.NoError(t, err)
	assert.Len(t, remaining, 1)
}
