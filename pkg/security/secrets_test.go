package security

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"testing"

	"github.com/cuemby/hutch/pkg/events"
	"github.com/cuemby/hutch/pkg/eventstore"
	"github.com/cuemby/hutch/pkg/storage"
	"github.com/cuemby/hutch/pkg/types"
)

func newTestVault(t *testing.T) (*Vault, *eventstore.Store) {
	t.Helper()

	store, err := storage.NewBoltStore(t.TempDir())
	if err != nil {
		t.Fatalf("NewBoltStore() error = %v", err)
	}
	broker := events.NewBroker()
	broker.Start()
	es := eventstore.New(store, broker)
	es.Start()
	t.Cleanup(func() {
		es.Stop()
		broker.Stop()
		_ = store.Close()
	})

	key := bytes.Repeat([]byte{0x42}, 32)
	vault, err := NewVault(key, store, es)
	if err != nil {
		t.Fatalf("NewVault() error = %v", err)
	}
	return vault, es
}

func eventsOfType(t *testing.T, es *eventstore.Store, typ types.EventType) []*types.Event {
	t.Helper()
	if err := es.Flush(context.Background()); err != nil {
		t.Fatalf("Flush() error = %v", err)
	}
	evs, err := es.Filter(&types.EventQuery{Types: []types.EventType{typ}})
	if err != nil {
		t.Fatalf("Filter() error = %v", err)
	}
	return evs
}

func TestNewVaultKeySize(t *testing.T) {
	tests := []struct {
		name    string
		key     []byte
		wantErr bool
	}{
		{name: "valid 32-byte key", key: make([]byte, 32), wantErr: false},
		{name: "short key", key: make([]byte, 16), wantErr: true},
		{name: "long key", key: make([]byte, 64), wantErr: true},
		{name: "empty key", key: []byte{}, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			v, err := NewVault(tt.key, nil, nil)
			if (err != nil) != tt.wantErr {
				t.Errorf("NewVault() error = %v, wantErr %v", err, tt.wantErr)
				return
			}
			if !tt.wantErr && v == nil {
				t.Error("NewVault() returned nil without error")
			}
		})
	}
}

func TestResolveKey(t *testing.T) {
	raw := bytes.Repeat([]byte{0x07}, 32)
	passSum := sha256.Sum256([]byte("open sesame"))

	tests := []struct {
		name       string
		keyB64     string
		passphrase string
		want       []byte
		wantErr    bool
	}{
		{
			name:   "explicit key",
			keyB64: base64.StdEncoding.EncodeToString(raw),
			want:   raw,
		},
		{
			name:       "key takes precedence over passphrase",
			keyB64:     base64.StdEncoding.EncodeToString(raw),
			passphrase: "open sesame",
			want:       raw,
		},
		{
			name:       "passphrase derivation",
			passphrase: "open sesame",
			want:       passSum[:],
		},
		{
			name:    "bad base64",
			keyB64:  "not-base64!!!",
			wantErr: true,
		},
		{
			name:    "wrong decoded length",
			keyB64:  base64.StdEncoding.EncodeToString([]byte("short")),
			wantErr: true,
		},
		{
			name:    "no material",
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ResolveKey(tt.keyB64, tt.passphrase)
			if (err != nil) != tt.wantErr {
				t.Errorf("ResolveKey() error = %v, wantErr %v", err, tt.wantErr)
				return
			}
			if !tt.wantErr && !bytes.Equal(got, tt.want) {
				t.Errorf("ResolveKey() = %x, want %x", got, tt.want)
			}
		})
	}
}

func TestEncryptDecryptRoundTrip(t *testing.T) {
	key := bytes.Repeat([]byte{0x01}, 32)
	plaintext := []byte("postgres://svc:hunter2@db/main")

	ciphertext, err := encrypt(key, plaintext)
	if err != nil {
		t.Fatalf("encrypt() error = %v", err)
	}
	if bytes.Contains(ciphertext, plaintext) {
		t.Error("ciphertext contains plaintext")
	}

	got, err := decrypt(key, ciphertext)
	if err != nil {
		t.Fatalf("decrypt() error = %v", err)
	}
	if !bytes.Equal(got, plaintext) {
		t.Errorf("decrypt() = %q, want %q", got, plaintext)
	}
}

func TestDecryptRejectsWrongKey(t *testing.T) {
	keyA := bytes.Repeat([]byte{0x01}, 32)
	keyB := bytes.Repeat([]byte{0x02}, 32)

	ciphertext, err := encrypt(keyA, []byte("secret"))
	if err != nil {
		t.Fatalf("encrypt() error = %v", err)
	}
	if _, err := decrypt(keyB, ciphertext); err == nil {
		t.Error("decrypt() with wrong key succeeded")
	}
}

func TestDecryptRejectsTruncatedCiphertext(t *testing.T) {
	key := bytes.Repeat([]byte{0x01}, 32)
	if _, err := decrypt(key, []byte{0x01, 0x02}); err == nil {
		t.Error("decrypt() of truncated ciphertext succeeded")
	}
}

func TestEncryptIsNonDeterministic(t *testing.T) {
	key := bytes.Repeat([]byte{0x01}, 32)

	a, err := encrypt(key, []byte("same"))
	if err != nil {
		t.Fatalf("encrypt() error = %v", err)
	}
	b, err := encrypt(key, []byte("same"))
	if err != nil {
		t.Fatalf("encrypt() error = %v", err)
	}
	if bytes.Equal(a, b) {
		t.Error("two encryptions of the same plaintext produced the same ciphertext")
	}
}

func TestVaultPutGetRoundTrip(t *testing.T) {
	vault, es := newTestVault(t)
	ctx := context.Background()
	value := []byte("api-token-123")

	secret, err := vault.Put(ctx, "acme", "acme", "api_token", value)
	if err != nil {
		t.Fatalf("Put() error = %v", err)
	}
	if bytes.Contains(secret.Value, value) {
		t.Error("stored value contains plaintext")
	}

	got, err := vault.Get(ctx, "acme", "acme", "api_token")
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if !bytes.Equal(got, value) {
		t.Errorf("Get() = %q, want %q", got, value)
	}

	stored := eventsOfType(t, es, types.EventSecretStored)
	if len(stored) != 1 {
		t.Fatalf("got %d secret_stored events, want 1", len(stored))
	}
	if stored[0].Payload["name"] != "api_token" {
		t.Errorf("secret_stored name = %v, want api_token", stored[0].Payload["name"])
	}
	if _, ok := stored[0].Payload["value"]; ok {
		t.Error("secret_stored payload leaks the value")
	}
	accessed := eventsOfType(t, es, types.EventSecretAccessed)
	if len(accessed) != 1 {
		t.Fatalf("got %d secret_accessed events, want 1", len(accessed))
	}
}

func TestVaultPutValidation(t *testing.T) {
	vault, _ := newTestVault(t)
	ctx := context.Background()

	tests := []struct {
		name       string
		secretName string
		value      []byte
	}{
		{name: "empty name", secretName: "", value: []byte("x")},
		{name: "name with slash", secretName: "a/b", value: []byte("x")},
		{name: "name with control byte", secretName: "a\x00b", value: []byte("x")},
		{name: "empty value", secretName: "ok", value: nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := vault.Put(ctx, "acme", "acme", tt.secretName, tt.value)
			var verr *types.ValidationError
			if !errors.As(err, &verr) {
				t.Errorf("Put() error = %v, want ValidationError", err)
			}
		})
	}
}

func TestVaultPutOverwritePreservesCreatedAt(t *testing.T) {
	vault, _ := newTestVault(t)
	ctx := context.Background()

	first, err := vault.Put(ctx, "acme", "acme", "token", []byte("v1"))
	if err != nil {
		t.Fatalf("Put() error = %v", err)
	}
	second, err := vault.Put(ctx, "acme", "acme", "token", []byte("v2"))
	if err != nil {
		t.Fatalf("Put() error = %v", err)
	}

	if !second.CreatedAt.Equal(first.CreatedAt) {
		t.Errorf("overwrite changed CreatedAt: %v -> %v", first.CreatedAt, second.CreatedAt)
	}
	got, err := vault.Get(ctx, "acme", "acme", "token")
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if !bytes.Equal(got, []byte("v2")) {
		t.Errorf("Get() after overwrite = %q, want v2", got)
	}
}

func TestVaultCrossTenantDenied(t *testing.T) {
	vault, es := newTestVault(t)
	ctx := context.Background()

	if _, err := vault.Put(ctx, "acme", "acme", "token", []byte("v1")); err != nil {
		t.Fatalf("Put() error = %v", err)
	}

	_, err := vault.Get(ctx, "intruder", "acme", "token")
	var derr *types.DeniedError
	if !errors.As(err, &derr) {
		t.Fatalf("Get() cross-tenant error = %v, want DeniedError", err)
	}
	if derr.Reason != types.DenyTenantMismatch {
		t.Errorf("denial reason = %q, want %q", derr.Reason, types.DenyTenantMismatch)
	}

	denials := eventsOfType(t, es, types.EventSecretAccessDenied)
	if len(denials) != 1 {
		t.Fatalf("got %d secret_access_denied events, want 1", len(denials))
	}
	if denials[0].Payload["caller"] != "intruder" {
		t.Errorf("denial caller = %v, want intruder", denials[0].Payload["caller"])
	}
	if denials[0].Tenant != "acme" {
		t.Errorf("denial tenant = %q, want acme", denials[0].Tenant)
	}
}

func TestVaultDelete(t *testing.T) {
	vault, es := newTestVault(t)
	ctx := context.Background()

	if _, err := vault.Put(ctx, "acme", "acme", "token", []byte("v1")); err != nil {
		t.Fatalf("Put() error = %v", err)
	}
	if err := vault.Delete(ctx, "acme", "acme", "token"); err != nil {
		t.Fatalf("Delete() error = %v", err)
	}
	if _, err := vault.Get(ctx, "acme", "acme", "token"); !errors.Is(err, types.ErrNotFound) {
		t.Errorf("Get() after delete error = %v, want ErrNotFound", err)
	}
	if err := vault.Delete(ctx, "acme", "acme", "token"); !errors.Is(err, types.ErrNotFound) {
		t.Errorf("second Delete() error = %v, want ErrNotFound", err)
	}

	revoked := eventsOfType(t, es, types.EventSecretRevoked)
	if len(revoked) != 1 {
		t.Fatalf("got %d secret_revoked events, want 1", len(revoked))
	}
}

func TestVaultGetMissing(t *testing.T) {
	vault, _ := newTestVault(t)
	if _, err := vault.Get(context.Background(), "acme", "acme", "nope"); !errors.Is(err, types.ErrNotFound) {
		t.Errorf("Get() error = %v, want ErrNotFound", err)
	}
}

func TestVaultListStripsValues(t *testing.T) {
	vault, _ := newTestVault(t)
	ctx := context.Background()

	for _, name := range []string{"alpha", "beta"} {
		if _, err := vault.Put(ctx, "acme", "acme", name, []byte("v")); err != nil {
			t.Fatalf("Put(%s) error = %v", name, err)
		}
	}
	if _, err := vault.Put(ctx, "other", "other", "gamma", []byte("v")); err != nil {
		t.Fatalf("Put(gamma) error = %v", err)
	}

	secrets, err := vault.List(ctx, "acme", "acme")
	if err != nil {
		t.Fatalf("List() error = %v", err)
	}
	if len(secrets) != 2 {
		t.Fatalf("List() returned %d secrets, want 2", len(secrets))
	}
	for _, s := range secrets {
		if s.Value != nil {
			t.Errorf("List() leaked ciphertext for %s", s.Name)
		}
		if s.Tenant != "acme" {
			t.Errorf("List() leaked secret from tenant %q", s.Tenant)
		}
	}
}
