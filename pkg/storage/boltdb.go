package storage

import (
	"bytes"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"path/filepath"

	bolt "go.etcd.io/bbolt"

	"github.com/cuemby/hutch/pkg/types"
)

var (
	// Bucket names
	bucketEvents       = []byte("events")
	bucketTokens       = []byte("tokens")
	bucketTokenTenants = []byte("token_tenants")
	bucketSecrets      = []byte("secrets")
)

// keySep separates composite key parts. Tenant and service identifiers
// never contain it (identifier validation rejects control bytes).
const keySep = "\x00"

// BoltStore implements Store using BoltDB
type BoltStore struct {
	db *bolt.DB
}

// NewBoltStore creates a new BoltDB-backed store
func NewBoltStore(dataDir string) (*BoltStore, error) {
	dbPath := filepath.Join(dataDir, "hutch.db")

	db, err := bolt.Open(dbPath, 0600, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Create buckets
	err = db.Update(func(tx *bolt.Tx) error {
		buckets := [][]byte{
			bucketEvents,
			bucketTokens,
			bucketTokenTenants,
			bucketSecrets,
		}

		for _, bucket := range buckets {
			if _, err := tx.CreateBucketIfNotExists(bucket); err != nil {
				return fmt.Errorf("failed to create bucket %s: %w", bucket, err)
			}
		}
		return nil
	})

	if err != nil {
		db.Close()
		return nil, err
	}

	return &BoltStore{db: db}, nil
}

// Close closes the database
func (s *BoltStore) Close() error {
	return s.db.Close()
}

// Sync forces an fsync of the database file.
func (s *BoltStore) Sync() error {
	return s.db.Sync()
}

// itob returns an 8-byte big-endian encoding of id, so event keys sort in
// id order.
func itob(id uint64) []byte {
	b := make([]byte, 8)
	binary.BigEndian.PutUint64(b, id)
	return b
}

// Event log operations

// AppendEvents writes a batch of events in one transaction. Ids come from
// the bucket sequence, which rolls back with the transaction: a failed
// commit consumes no ids, so the persisted log stays dense.
func (s *BoltStore) AppendEvents(events []*types.Event) error {
	if len(events) == 0 {
		return nil
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketEvents)
		for _, ev := range events {
			id, err := b.NextSequence()
			if err != nil {
				return fmt.Errorf("next event id: %w", err)
			}
			ev.ID = id
			data, err := json.Marshal(ev)
			if err != nil {
				return fmt.Errorf("marshal event %d: %w", id, err)
			}
			if err := b.Put(itob(id), data); err != nil {
				return err
			}
		}
		return nil
	})
}

func (s *BoltStore) GetEvent(id uint64) (*types.Event, error) {
	var ev types.Event
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketEvents)
		data := b.Get(itob(id))
		if data == nil {
			return fmt.Errorf("event %d: %w", id, types.ErrNotFound)
		}
		return json.Unmarshal(data, &ev)
	})
	if err != nil {
		return nil, err
	}
	return &ev, nil
}

// ScanEvents walks events with id > sinceID in id order. The callback may
// stop the scan by returning an error.
func (s *BoltStore) ScanEvents(sinceID uint64, fn func(*types.Event) error) error {
	return s.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(bucketEvents).Cursor()
		for k, v := c.Seek(itob(sinceID + 1)); k != nil; k, v = c.Next() {
			var ev types.Event
			if err := json.Unmarshal(v, &ev); err != nil {
				return fmt.Errorf("unmarshal event %d: %w", binary.BigEndian.Uint64(k), err)
			}
			if err := fn(&ev); err != nil {
				return err
			}
		}
		return nil
	})
}

func (s *BoltStore) LastEventID() (uint64, error) {
	var last uint64
	err := s.db.View(func(tx *bolt.Tx) error {
		last = tx.Bucket(bucketEvents).Sequence()
		return nil
	})
	return last, err
}

func (s *BoltStore) CountEvents() (int, error) {
	var n int
	err := s.db.View(func(tx *bolt.Tx) error {
		n = tx.Bucket(bucketEvents).Stats().KeyN
		return nil
	})
	return n, err
}

// ResetEvents drops the whole log and restarts numbering at 1. Test hook;
// never called on a production path.
func (s *BoltStore) ResetEvents() error {
	return s.db.Update(func(tx *bolt.Tx) error {
		if err := tx.DeleteBucket(bucketEvents); err != nil {
			return err
		}
		_, err := tx.CreateBucket(bucketEvents)
		return err
	})
}

// Capability token operations

func (s *BoltStore) PutToken(cap *types.Capability) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		data, err := json.Marshal(cap)
		if err != nil {
			return err
		}
		if err := tx.Bucket(bucketTokens).Put([]byte(cap.TokenHash), data); err != nil {
			return err
		}
		idx := []byte(cap.Tenant + keySep + cap.TokenHash)
		return tx.Bucket(bucketTokenTenants).Put(idx, []byte(cap.TokenHash))
	})
}

func (s *BoltStore) GetToken(hash string) (*types.Capability, error) {
	var cap types.Capability
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketTokens).Get([]byte(hash))
		if data == nil {
			return fmt.Errorf("token %s: %w", hash, types.ErrNotFound)
		}
		return json.Unmarshal(data, &cap)
	})
	if err != nil {
		return nil, err
	}
	return &cap, nil
}

// DeleteToken removes the record and its tenant index entry. Deleting an
// absent token is not an error.
func (s *BoltStore) DeleteToken(hash string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketTokens)
		data := b.Get([]byte(hash))
		if data == nil {
			return nil
		}
		var cap types.Capability
		if err := json.Unmarshal(data, &cap); err != nil {
			return err
		}
		if err := b.Delete([]byte(hash)); err != nil {
			return err
		}
		idx := []byte(cap.Tenant + keySep + hash)
		return tx.Bucket(bucketTokenTenants).Delete(idx)
	})
}

func (s *BoltStore) ListTokens() ([]*types.Capability, error) {
	var caps []*types.Capability
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketTokens)
		return b.ForEach(func(k, v []byte) error {
			var cap types.Capability
			if err := json.Unmarshal(v, &cap); err != nil {
				return err
			}
			caps = append(caps, &cap)
			return nil
		})
	})
	return caps, err
}

func (s *BoltStore) ListTokensByTenant(tenant string) ([]*types.Capability, error) {
	var caps []*types.Capability
	err := s.db.View(func(tx *bolt.Tx) error {
		tokens := tx.Bucket(bucketTokens)
		c := tx.Bucket(bucketTokenTenants).Cursor()
		prefix := []byte(tenant + keySep)
		for k, v := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, v = c.Next() {
			data := tokens.Get(v)
			if data == nil {
				continue
			}
			var cap types.Capability
			if err := json.Unmarshal(data, &cap); err != nil {
				return err
			}
			caps = append(caps, &cap)
		}
		return nil
	})
	return caps, err
}

// Secret operations

func secretKey(tenant, name string) []byte {
	return []byte(tenant + keySep + name)
}

func (s *BoltStore) PutSecret(secret *types.Secret) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		data, err := json.Marshal(secret)
		if err != nil {
			return err
		}
		return tx.Bucket(bucketSecrets).Put(secretKey(secret.Tenant, secret.Name), data)
	})
}

func (s *BoltStore) GetSecret(tenant, name string) (*types.Secret, error) {
	var secret types.Secret
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketSecrets).Get(secretKey(tenant, name))
		if data == nil {
			return fmt.Errorf("secret %s/%s: %w", tenant, name, types.ErrNotFound)
		}
		return json.Unmarshal(data, &secret)
	})
	if err != nil {
		return nil, err
	}
	return &secret, nil
}

func (s *BoltStore) DeleteSecret(tenant, name string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketSecrets).Delete(secretKey(tenant, name))
	})
}

func (s *BoltStore) ListSecrets(tenant string) ([]*types.Secret, error) {
	var secrets []*types.Secret
	err := s.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(bucketSecrets).Cursor()
		prefix := []byte(tenant + keySep)
		for k, v := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, v = c.Next() {
			var secret types.Secret
			if err := json.Unmarshal(v, &secret); err != nil {
				return err
			}
			secrets = append(secrets, &secret)
		}
		return nil
	})
	return secrets, err
}
