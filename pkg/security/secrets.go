package security

import (
	"context"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"io"
	"regexp"
	"time"

	retry "github.com/avast/retry-go"
	"github.com/rs/zerolog"

	"github.com/cuemby/hutch/pkg/eventstore"
	"github.com/cuemby/hutch/pkg/log"
	"github.com/cuemby/hutch/pkg/storage"
	"github.com/cuemby/hutch/pkg/types"
)

const keySize = 32 // AES-256

var secretNamePattern = regexp.MustCompile(`^[a-zA-Z0-9][a-zA-Z0-9_.-]{0,127}$`)

// Vault stores tenant secrets encrypted at rest with AES-256-GCM. Each
// record's ciphertext carries its nonce as a prefix; plaintext never
// touches the store or the event log. Access is strictly tenant-scoped:
// a caller may only reach its own namespace, and cross-tenant attempts
// are recorded as denials.
type Vault struct {
	key    []byte
	store  storage.Store
	events *eventstore.Store
	logger zerolog.Logger
	clock  func() time.Time
}

// NewVault creates a Vault with a raw 32-byte key.
func NewVault(key []byte, store storage.Store, events *eventstore.Store) (*Vault, error) {
	if len(key) != keySize {
		return nil, fmt.Errorf("vault key must be %d bytes, got %d", keySize, len(key))
	}
	return &Vault{
		key:    key,
		store:  store,
		events: events,
		logger: log.WithComponent("vault"),
		clock:  time.Now,
	}, nil
}

// ResolveKey turns the configured key material into a vault key: a
// base64 32-byte key when set, otherwise a key derived from the
// passphrase with SHA-256.
func ResolveKey(keyB64, passphrase string) ([]byte, error) {
	if keyB64 != "" {
		key, err := base64.StdEncoding.DecodeString(keyB64)
		if err != nil {
			return nil, fmt.Errorf("decode vault key: %w", err)
		}
		if len(key) != keySize {
			return nil, fmt.Errorf("vault key must decode to %d bytes, got %d", keySize, len(key))
		}
		return key, nil
	}
	if passphrase == "" {
		return nil, fmt.Errorf("no vault key material: set a key or a passphrase")
	}
	sum := sha256.Sum256([]byte(passphrase))
	return sum[:], nil
}

// Put encrypts and stores a secret in the tenant's namespace,
// overwriting any previous value under the name.
func (v *Vault) Put(ctx context.Context, caller, tenant, name string, value []byte) (*types.Secret, error) {
	if err := v.authorize(ctx, caller, tenant, name, "put"); err != nil {
		return nil, err
	}
	if !secretNamePattern.MatchString(name) {
		return nil, &types.ValidationError{Field: "name", Reason: "must match " + secretNamePattern.String()}
	}
	if len(value) == 0 {
		return nil, &types.ValidationError{Field: "value", Reason: "must not be empty"}
	}

	ciphertext, err := encrypt(v.key, value)
	if err != nil {
		return nil, fmt.Errorf("encrypt secret: %w", err)
	}

	now := v.clock().UTC()
	secret := &types.Secret{
		Tenant:    tenant,
		Name:      name,
		Value:     ciphertext,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if prev, err := v.store.GetSecret(tenant, name); err == nil {
		secret.CreatedAt = prev.CreatedAt
	}

	err = retry.Do(
		func() error { return v.store.PutSecret(secret) },
		retry.Attempts(3),
		retry.Delay(25*time.Millisecond),
		retry.DelayType(retry.FixedDelay),
		retry.LastErrorOnly(true),
	)
	if err != nil {
		return nil, fmt.Errorf("store secret: %w", err)
	}

	if _, err := v.events.Append(ctx, &types.Event{
		Tenant:  tenant,
		Type:    types.EventSecretStored,
		Subject: types.Subject{Tenant: tenant},
		Payload: map[string]any{"name": name},
	}); err != nil {
		v.logger.Error().Err(err).Str("tenant", tenant).Msg("Failed to record secret store")
	}

	v.logger.Info().Str("tenant", tenant).Str("name", name).Msg("Secret stored")
	return secret, nil
}

// Get decrypts and returns the named secret's plaintext.
func (v *Vault) Get(ctx context.Context, caller, tenant, name string) ([]byte, error) {
	if err := v.authorize(ctx, caller, tenant, name, "get"); err != nil {
		return nil, err
	}

	secret, err := v.store.GetSecret(tenant, name)
	if err != nil {
		return nil, err
	}

	plaintext, err := decrypt(v.key, secret.Value)
	if err != nil {
		return nil, fmt.Errorf("decrypt secret %s/%s: %w", tenant, name, err)
	}

	if _, err := v.events.Append(ctx, &types.Event{
		Tenant:  tenant,
		Type:    types.EventSecretAccessed,
		Subject: types.Subject{Tenant: tenant},
		Payload: map[string]any{"name": name},
	}); err != nil {
		v.logger.Error().Err(err).Str("tenant", tenant).Msg("Failed to record secret access")
	}
	return plaintext, nil
}

// Delete removes the named secret. Deleting an absent secret yields
// ErrNotFound.
func (v *Vault) Delete(ctx context.Context, caller, tenant, name string) error {
	if err := v.authorize(ctx, caller, tenant, name, "delete"); err != nil {
		return err
	}

	if _, err := v.store.GetSecret(tenant, name); err != nil {
		return err
	}
	if err := v.store.DeleteSecret(tenant, name); err != nil {
		return fmt.Errorf("delete secret: %w", err)
	}

	if _, err := v.events.Append(ctx, &types.Event{
		Tenant:  tenant,
		Type:    types.EventSecretRevoked,
		Subject: types.Subject{Tenant: tenant},
		Payload: map[string]any{"name": name},
	}); err != nil {
		v.logger.Error().Err(err).Str("tenant", tenant).Msg("Failed to record secret revocation")
	}

	v.logger.Info().Str("tenant", tenant).Str("name", name).Msg("Secret revoked")
	return nil
}

// List returns the tenant's secret records with ciphertext stripped:
// names and timestamps only.
func (v *Vault) List(ctx context.Context, caller, tenant string) ([]*types.Secret, error) {
	if err := v.authorize(ctx, caller, tenant, "", "list"); err != nil {
		return nil, err
	}

	secrets, err := v.store.ListSecrets(tenant)
	if err != nil {
		return nil, err
	}
	for _, s := range secrets {
		s.Value = nil
	}
	return secrets, nil
}

// authorize rejects cross-tenant access and records the attempt.
func (v *Vault) authorize(ctx context.Context, caller, tenant, name, op string) error {
	if caller == tenant {
		return nil
	}

	v.logger.Warn().
		Str("caller", caller).
		Str("tenant", tenant).
		Str("op", op).
		Msg("Cross-tenant secret access denied")
	if _, err := v.events.Append(ctx, &types.Event{
		Tenant:  tenant,
		Type:    types.EventSecretAccessDenied,
		Subject: types.Subject{Tenant: tenant},
		Payload: map[string]any{
			"caller": caller,
			"name":   name,
			"op":     op,
		},
	}); err != nil {
		v.logger.Error().Err(err).Msg("Failed to record secret denial")
	}
	return &types.DeniedError{Reason: types.DenyTenantMismatch}
}

// encrypt seals plaintext with AES-256-GCM and prepends the nonce.
func encrypt(key, plaintext []byte) ([]byte, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}
	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, fmt.Errorf("generate nonce: %w", err)
	}
	return gcm.Seal(nonce, nonce, plaintext, nil), nil
}

// decrypt reverses encrypt: splits the nonce prefix off and opens the
// remainder.
func decrypt(key, ciphertext []byte) ([]byte, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}
	if len(ciphertext) < gcm.NonceSize() {
		return nil, fmt.Errorf("ciphertext shorter than nonce")
	}
	nonce, sealed := ciphertext[:gcm.NonceSize()], ciphertext[gcm.NonceSize():]
	return gcm.Open(nil, nonce, sealed, nil)
}
