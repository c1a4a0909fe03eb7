package capability

import (
	"fmt"
	"time"

	retry "github.com/avast/retry-go"
	"github.com/rs/zerolog"

	"github.com/cuemby/hutch/pkg/log"
	"github.com/cuemby/hutch/pkg/storage"
	"github.com/cuemby/hutch/pkg/types"
)

const (
	writeAttempts = 3
	writeDelay    = 25 * time.Millisecond
)

// TokenStore persists capability records keyed by token hash. Writes
// retry a few times on transient I/O errors; reads pass straight
// through.
type TokenStore struct {
	store  storage.Store
	logger zerolog.Logger
}

// NewTokenStore wraps the kernel store's token partition.
func NewTokenStore(store storage.Store) *TokenStore {
	return &TokenStore{
		store:  store,
		logger: log.WithComponent("capability"),
	}
}

// Put persists one capability record.
func (ts *TokenStore) Put(cap *types.Capability) error {
	return retry.Do(
		func() error { return ts.store.PutToken(cap) },
		retry.Attempts(writeAttempts),
		retry.Delay(writeDelay),
		retry.DelayType(retry.FixedDelay),
		retry.LastErrorOnly(true),
	)
}

// Get returns the record for a token hash, or ErrNotFound.
func (ts *TokenStore) Get(hash string) (*types.Capability, error) {
	return ts.store.GetToken(hash)
}

// Delete removes the record. Deleting an absent hash is not an error.
func (ts *TokenStore) Delete(hash string) error {
	return retry.Do(
		func() error { return ts.store.DeleteToken(hash) },
		retry.Attempts(writeAttempts),
		retry.Delay(writeDelay),
		retry.DelayType(retry.FixedDelay),
		retry.LastErrorOnly(true),
	)
}

// RestoreAll returns every persisted record, expired ones included.
func (ts *TokenStore) RestoreAll() ([]*types.Capability, error) {
	return ts.store.ListTokens()
}

// ListByTenant returns the tenant's persisted records through the
// tenant index, expired ones included.
func (ts *TokenStore) ListByTenant(tenant string) ([]*types.Capability, error) {
	return ts.store.ListTokensByTenant(tenant)
}

// CleanupExpired deletes every record expired at now and reports how
// many went.
func (ts *TokenStore) CleanupExpired(now time.Time) (int, error) {
	caps, err := ts.store.ListTokens()
	if err != nil {
		return 0, fmt.Errorf("list tokens: %w", err)
	}

	removed := 0
	for _, cap := range caps {
		if !cap.Expired(now) {
			continue
		}
		if err := ts.Delete(cap.TokenHash); err != nil {
			ts.logger.Warn().Err(err).
				Str("tenant", cap.Tenant).
				Msg("Failed to delete expired token")
			continue
		}
		removed++
	}
	return removed, nil
}

// Flush fsyncs the underlying store.
func (ts *TokenStore) Flush() error {
	return ts.store.Sync()
}
