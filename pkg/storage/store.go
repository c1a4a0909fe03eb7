package storage

import (
	"github.com/cuemby/hutch/pkg/types"
)

// Store defines the interface for the kernel's persistent state: the
// append-only event log, capability token records, and encrypted secrets.
// This is implemented by BoltDB-backed storage.
type Store interface {
	// Event log. AppendEvents assigns dense ids from the log sequence
	// inside a single transaction and fills them into the passed events;
	// ids are only consumed when the transaction commits.
	AppendEvents(events []*types.Event) error
	GetEvent(id uint64) (*types.Event, error)
	ScanEvents(sinceID uint64, fn func(*types.Event) error) error
	LastEventID() (uint64, error)
	CountEvents() (int, error)
	ResetEvents() error

	// Capability tokens, keyed by hex SHA-256 token hash, with a tenant
	// index for bulk queries.
	PutToken(cap *types.Capability) error
	GetToken(hash string) (*types.Capability, error)
	DeleteToken(hash string) error
	ListTokens() ([]*types.Capability, error)
	ListTokensByTenant(tenant string) ([]*types.Capability, error)

	// Secrets, keyed by {tenant, name}. Values are ciphertext.
	PutSecret(secret *types.Secret) error
	GetSecret(tenant, name string) (*types.Secret, error)
	DeleteSecret(tenant, name string) error
	ListSecrets(tenant string) ([]*types.Secret, error)

	// Utility
	Sync() error
	Close() error
}
