package types

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEventQueryMatch(t *testing.T) {
	ev := &Event{
		ID:      42,
		Tenant:  "acme",
		Type:    EventServiceDeployed,
		Subject: Subject{Tenant: "acme", Service: "billing"},
	}

	tests := []struct {
		name  string
		query EventQuery
		want  bool
	}{
		{
			name:  "zero query matches",
			query: EventQuery{},
			want:  true,
		},
		{
			name:  "tenant match",
			query: EventQuery{Tenant: "acme"},
			want:  true,
		},
		{
			name:  "tenant mismatch",
			query: EventQuery{Tenant: "globex"},
			want:  false,
		},
		{
			name:  "service match",
			query: EventQuery{Service: "billing"},
			want:  true,
		},
		{
			name:  "service mismatch",
			query: EventQuery{Service: "shipping"},
			want:  false,
		},
		{
			name:  "type match in set",
			query: EventQuery{Types: []EventType{EventServiceKilled, EventServiceDeployed}},
			want:  true,
		},
		{
			name:  "type not in set",
			query: EventQuery{Types: []EventType{EventServiceKilled}},
			want:  false,
		},
		{
			name:  "since id is exclusive",
			query: EventQuery{SinceID: 42},
			want:  false,
		},
		{
			name:  "since id below",
			query: EventQuery{SinceID: 41},
			want:  true,
		},
		{
			name:  "combined filters",
			query: EventQuery{Tenant: "acme", Service: "billing", SinceID: 10},
			want:  true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.query.Match(ev))
		})
	}
}

func TestEventTypeDurability(t *testing.T) {
	// Only the two high-frequency telemetry types may be buffered.
	assert.False(t, EventCapabilityVerified.Durable())
	assert.False(t, EventResourceViolation.Durable())

	for _, et := range []EventType{
		EventServiceDeployed,
		EventServiceKilled,
		EventCapabilityGranted,
		EventCapabilityRevoked,
		EventCapabilityDenied,
		EventHotSwapRolledBack,
		EventSystemShutdownStarted,
		EventSystemShutdownComplete,
	} {
		assert.True(t, et.Durable(), "expected %s to be durable", et)
	}
}

func TestCapabilityExpired(t *testing.T) {
	now := time.Now()

	fresh := &Capability{GrantedAt: now, ExpiresAt: now.Add(time.Hour)}
	assert.False(t, fresh.Expired(now))
	assert.True(t, fresh.Expired(now.Add(time.Hour)))
	assert.True(t, fresh.Expired(now.Add(2*time.Hour)))

	// Zero TTL expires at grant time, so it is never valid.
	zero := &Capability{GrantedAt: now, ExpiresAt: now}
	assert.True(t, zero.Expired(now))
}

func TestCapabilityHasPermission(t *testing.T) {
	cap := &Capability{Permissions: []string{"read", "write"}}
	assert.True(t, cap.HasPermission("read"))
	assert.True(t, cap.HasPermission("write"))
	assert.False(t, cap.HasPermission("admin"))
}

func TestDurationRoundTrip(t *testing.T) {
	var d Duration
	require.NoError(t, d.UnmarshalText([]byte("1m30s")))
	assert.Equal(t, 90*time.Second, d.Std())

	out, err := d.MarshalText()
	require.NoError(t, err)
	assert.Equal(t, "1m30s", string(out))

	_, err = json.Marshal(struct {
		Window Duration `json:"window"`
	}{Window: Duration(30 * time.Second)})
	require.NoError(t, err)

	assert.Error(t, d.UnmarshalText([]byte("not a duration")))
}

func TestIdentityString(t *testing.T) {
	id := Identity{Tenant: "acme", Service: "billing"}
	assert.Equal(t, "acme/billing", id.String())
}
