package vault

import (
	"context"
	"testing"

	"github.com/hengadev/credvault"
	"github.com/hengadev/credvault/envelope"
	"github.com/hengadev/credvault/secretstore"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewClient_RequiresAddress(t *testing.T) {
	_, err := NewClient(context.Background(), ClientConfig{Token: "root"})
	assert.True(t, credvault.IsConfigurationError(err))
}

func TestNewClient_RequiresAuth(t *testing.T) {
	_, err := NewClient(context.Background(), ClientConfig{Address: "http://127.0.0.1:8200"})
	assert.True(t, credvault.IsConfigurationError(err))
}

func TestNewClient_AppRole(t *testing.T) {
	_, seed := newFakeVault(t)

	client, err := NewClient(context.Background(), ClientConfig{
		Address:  seed.Address(),
		RoleID:   "role",
		SecretID: "secret",
	})
	require.NoError(t, err)
	assert.Equal(t, "s.approle", client.Token())

	_, err = NewClient(context.Background(), ClientConfig{
		Address:  seed.Address(),
		RoleID:   "role",
		SecretID: "wrong",
	})
	assert.Error(t, err)
}

func TestClientConfigFromEnvironment(t *testing.T) {
	t.Setenv("VAULT_ADDR", "https://vault.internal:8200")
	t.Setenv("VAULT_NAMESPACE", "admin/billing")
	t.Setenv("VAULT_TOKEN", "s.token")

	cfg := ClientConfigFromEnvironment()
	assert.Equal(t, "https://vault.internal:8200", cfg.Address)
	assert.Equal(t, "admin/billing", cfg.Namespace)
	assert.Equal(t, "s.token", cfg.Token)
}

func TestKVBackend_ReadWrite(t *testing.T) {
	_, client := newFakeVault(t)
	kv := NewKVBackend(client, "")
	ctx := context.Background()

	_, err := kv.Read(ctx, "billing/production/flask")
	assert.True(t, credvault.IsNotFound(err))

	zero := 0
	v, err := kv.Write(ctx, "billing/production/flask", map[string]string{"secret_key": "s1"}, &zero)
	require.NoError(t, err)
	assert.Equal(t, 1, v)

	secret, err := kv.Read(ctx, "billing/production/flask")
	require.NoError(t, err)
	assert.Equal(t, 1, secret.Version)
	assert.Equal(t, "s1", secret.Data["secret_key"])

	stale := 0
	_, err = kv.Write(ctx, "billing/production/flask", map[string]string{"secret_key": "s2"}, &stale)
	assert.ErrorIs(t, err, secretstore.ErrVersionConflict)

	v, err = kv.Write(ctx, "billing/production/flask", map[string]string{"secret_key": "s2"}, nil)
	require.NoError(t, err)
	assert.Equal(t, 2, v)
}

func TestKVBackend_List(t *testing.T) {
	_, client := newFakeVault(t)
	kv := NewKVBackend(client, "secret")
	ctx := context.Background()

	for _, p := range []string{"billing/dev/jwt", "billing/dev/db/primary", "billing/dev/db/replica", "other/dev/jwt"} {
		_, err := kv.Write(ctx, p, map[string]string{"value": "x"}, nil)
		require.NoError(t, err)
	}

	paths, err := kv.List(ctx, "billing/dev")
	require.NoError(t, err)
	assert.Equal(t, []string{"billing/dev/db/primary", "billing/dev/db/replica", "billing/dev/jwt"}, paths)

	paths, err = kv.List(ctx, "nothing/here")
	require.NoError(t, err)
	assert.Empty(t, paths)
}

func TestKVBackend_SealedIsRetryable(t *testing.T) {
	fv, client := newFakeVault(t)
	fv.sealed = true

	_, err := NewKVBackend(client, "").Read(context.Background(), "billing/dev/jwt")
	require.Error(t, err)
	assert.True(t, credvault.IsRetryable(err))
}

func TestKVBackend_WithSecretStoreClient(t *testing.T) {
	_, client := newFakeVault(t)
	ctx := context.Background()

	cfg := credvault.DefaultConfig("billing")
	cfg.FallbackSecret = "dev"
	store, err := secretstore.New(NewKVBackend(client, ""), cfg)
	require.NoError(t, err)

	require.NoError(t, store.Set(ctx, "flask", map[string]string{"secret_key": "old"}))
	got, err := store.Get(ctx, "flask", secretstore.WithField("secret_key"))
	require.NoError(t, err)
	assert.Equal(t, "old", got)

	require.NoError(t, store.Rotate(ctx, "flask", "secret_key", "new"))
	got, err = store.Get(ctx, "flask", secretstore.WithField("secret_key"))
	require.NoError(t, err)
	assert.Equal(t, "new", got)
}

func TestTransitKMS_EnsureKey(t *testing.T) {
	fv, client := newFakeVault(t)
	kms := NewTransitKMS(client, "")

	require.NoError(t, kms.EnsureKey(context.Background(), "billing-fields"))
	assert.Equal(t, true, fv.created["billing-fields"]["derived"])
	assert.Equal(t, "aes256-gcm96", fv.created["billing-fields"]["type"])

	assert.True(t, credvault.IsConfigurationError(kms.EnsureKey(context.Background(), "")))
}

func TestTransitKMS_DataKeyRoundTrip(t *testing.T) {
	_, client := newFakeVault(t)
	kms := NewTransitKMS(client, "")
	ctx := context.Background()
	encCtx := map[string]string{"table": "users", "column": "ssn"}

	dk, err := kms.GenerateDataKey(ctx, "billing-fields", encCtx)
	require.NoError(t, err)
	assert.Len(t, dk.Plaintext, 32)
	assert.Contains(t, string(dk.Encrypted), "vault:v1:")

	plaintext, err := kms.Decrypt(ctx, "billing-fields", dk.Encrypted, map[string]string{"column": "ssn", "table": "users"})
	require.NoError(t, err)
	assert.Equal(t, dk.Plaintext, plaintext)

	_, err = kms.Decrypt(ctx, "billing-fields", dk.Encrypted, map[string]string{"table": "users", "column": "email"})
	assert.ErrorIs(t, err, envelope.ErrContextMismatch)
	assert.True(t, credvault.IsSecurityError(err))
}

func TestTransitKMS_WithEnvelopeService(t *testing.T) {
	fv, client := newFakeVault(t)
	ctx := context.Background()

	cfg := credvault.DefaultConfig("billing")
	cfg.MasterKeyID = "billing-fields"
	svc, err := envelope.New(NewTransitKMS(client, ""), cfg)
	require.NoError(t, err)

	encCtx := map[string]string{"user_id": "42"}
	stored, err := svc.EncryptString(ctx, "4111 1111 1111 1111", encCtx)
	require.NoError(t, err)

	got, err := svc.DecryptString(ctx, stored, encCtx)
	require.NoError(t, err)
	assert.Equal(t, "4111 1111 1111 1111", got)

	_, err = svc.DecryptString(ctx, stored, map[string]string{"user_id": "43"})
	assert.ErrorIs(t, err, envelope.ErrDecryptionFailed)

	fv.mu.Lock()
	fv.sealed = true
	fv.mu.Unlock()
	_, err = NewTransitKMS(client, "").GenerateDataKey(ctx, "billing-fields", encCtx)
	assert.True(t, credvault.IsRetryable(err))
}
