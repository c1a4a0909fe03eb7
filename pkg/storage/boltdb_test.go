package storage

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuemby/hutch/pkg/types"
)

func newTestStore(t *testing.T) *BoltStore {
	t.Helper()
	store, err := NewBoltStore(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

func TestAppendEventsAssignsDenseIDs(t *testing.T) {
	store := newTestStore(t)

	batch := []*types.Event{
		{Type: types.EventServiceDeployed, Subject: types.Subject{Tenant: "t1", Service: "a"}},
		{Type: types.EventServiceKilled, Subject: types.Subject{Tenant: "t1", Service: "a"}},
	}
	require.NoError(t, store.AppendEvents(batch))

	assert.Equal(t, uint64(1), batch[0].ID)
	assert.Equal(t, uint64(2), batch[1].ID)

	// A second batch continues the sequence.
	more := []*types.Event{{Type: types.EventServiceDeployed}}
	require.NoError(t, store.AppendEvents(more))
	assert.Equal(t, uint64(3), more[0].ID)

	last, err := store.LastEventID()
	require.NoError(t, err)
	assert.Equal(t, uint64(3), last)

	n, err := store.CountEvents()
	require.NoError(t, err)
	assert.Equal(t, 3, n)
}

func TestGetEvent(t *testing.T) {
	store := newTestStore(t)

	ev := &types.Event{
		WallClock: time.Now().UTC(),
		Tenant:    "acme",
		Type:      types.EventServiceDeployed,
		Subject:   types.Subject{Tenant: "acme", Service: "billing"},
		Payload:   map[string]any{"format": "lua"},
	}
	require.NoError(t, store.AppendEvents([]*types.Event{ev}))

	got, err := store.GetEvent(ev.ID)
	require.NoError(t, err)
	assert.Equal(t, types.EventServiceDeployed, got.Type)
	assert.Equal(t, "acme", got.Subject.Tenant)
	assert.Equal(t, "lua", got.Payload["format"])

	_, err = store.GetEvent(999)
	assert.True(t, errors.Is(err, types.ErrNotFound))
}

func TestScanEventsFromWatermark(t *testing.T) {
	store := newTestStore(t)

	for i := 0; i < 5; i++ {
		require.NoError(t, store.AppendEvents([]*types.Event{
			{Type: types.EventServiceDeployed},
		}))
	}

	var ids []uint64
	err := store.ScanEvents(2, func(ev *types.Event) error {
		ids = append(ids, ev.ID)
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, []uint64{3, 4, 5}, ids)

	// Callback errors stop the scan.
	stop := errors.New("stop")
	count := 0
	err = store.ScanEvents(0, func(ev *types.Event) error {
		count++
		if count == 2 {
			return stop
		}
		return nil
	})
	assert.True(t, errors.Is(err, stop))
	assert.Equal(t, 2, count)
}

func TestResetEventsRestartsNumbering(t *testing.T) {
	store := newTestStore(t)

	require.NoError(t, store.AppendEvents([]*types.Event{
		{Type: types.EventServiceDeployed},
		{Type: types.EventServiceDeployed},
	}))
	require.NoError(t, store.ResetEvents())

	n, err := store.CountEvents()
	require.NoError(t, err)
	assert.Equal(t, 0, n)

	ev := &types.Event{Type: types.EventServiceDeployed}
	require.NoError(t, store.AppendEvents([]*types.Event{ev}))
	assert.Equal(t, uint64(1), ev.ID)
}

func TestTokenRoundTrip(t *testing.T) {
	store := newTestStore(t)

	cap := &types.Capability{
		TokenHash:   "deadbeef",
		Tenant:      "acme",
		Resource:    "fs",
		Permissions: []string{"read"},
		GrantedAt:   time.Now().UTC(),
		ExpiresAt:   time.Now().UTC().Add(time.Hour),
	}
	require.NoError(t, store.PutToken(cap))

	got, err := store.GetToken("deadbeef")
	require.NoError(t, err)
	assert.Equal(t, "acme", got.Tenant)
	assert.Equal(t, []string{"read"}, got.Permissions)

	_, err = store.GetToken("cafebabe")
	assert.True(t, errors.Is(err, types.ErrNotFound))

	require.NoError(t, store.DeleteToken("deadbeef"))
	_, err = store.GetToken("deadbeef")
	assert.Error(t, err)

	// Deleting again is fine.
	require.NoError(t, store.DeleteToken("deadbeef"))
}

func TestListTokensByTenant(t *testing.T) {
	store := newTestStore(t)

	for _, c := range []*types.Capability{
		{TokenHash: "aa01", Tenant: "acme", Resource: "fs"},
		{TokenHash: "aa02", Tenant: "acme", Resource: "net"},
		{TokenHash: "bb01", Tenant: "globex", Resource: "fs"},
	} {
		require.NoError(t, store.PutToken(c))
	}

	acme, err := store.ListTokensByTenant("acme")
	require.NoError(t, err)
	assert.Len(t, acme, 2)

	globex, err := store.ListTokensByTenant("globex")
	require.NoError(t, err)
	assert.Len(t, globex, 1)

	none, err := store.ListTokensByTenant("initech")
	require.NoError(t, err)
	assert.Empty(t, none)

	all, err := store.ListTokens()
	require.NoError(t, err)
	assert.Len(t, all, 3)

	// Tenant index entries go away with the token.
	require.NoError(t, store.DeleteToken("aa01"))
	acme, err = store.ListTokensByTenant("acme")
	require.NoError(t, err)
	assert.Len(t, acme, 1)
}

func TestSecretRoundTrip(t *testing.T) {
	store := newTestStore(t)

	secret := &types.Secret{
		Tenant:    "acme",
		Name:      "db-password",
		Value:     []byte{0x01, 0x02, 0x03},
		CreatedAt: time.Now().UTC(),
	}
	require.NoError(t, store.PutSecret(secret))

	got, err := store.GetSecret("acme", "db-password")
	require.NoError(t, err)
	assert.Equal(t, []byte{0x01, 0x02, 0x03}, got.Value)

	// Same name under another tenant is a different secret.
	_, err = store.GetSecret("globex", "db-password")
	assert.True(t, errors.Is(err, types.ErrNotFound))

	require.NoError(t, store.PutSecret(&types.Secret{Tenant: "acme", Name: "api-key"}))
	list, err := store.ListSecrets("acme")
	require.NoError(t, err)
	assert.Len(t, list, 2)

	require.NoError(t, store.DeleteSecret("acme", "db-password"))
	_, err = store.GetSecret("acme", "db-password")
	assert.Error(t, err)
}

func TestPersistenceAcrossReopen(t *testing.T) {
	dir := t.TempDir()

	store, err := NewBoltStore(dir)
	require.NoError(t, err)

	ev := &types.Event{Type: types.EventServiceDeployed}
	require.NoError(t, store.AppendEvents([]*types.Event{ev}))
	require.NoError(t, store.PutToken(&types.Capability{TokenHash: "aa", Tenant: "t"}))
	require.NoError(t, store.Close())

	store, err = NewBoltStore(dir)
	require.NoError(t, err)
	defer store.Close()

	last, err := store.LastEventID()
	require.NoError(t, err)
	assert.Equal(t, uint64(1), last)

	// New appends continue after the persisted watermark.
	ev2 := &types.Event{Type: types.EventServiceKilled}
	require.NoError(t, store.AppendEvents([]*types.Event{ev2}))
	assert.Equal(t, uint64(2), ev2.ID)

	_, err = store.GetToken("aa")
	assert.NoError(t, err)
}
