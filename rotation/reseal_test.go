package rotation

import (
	"context"
	"encoding/json"
	"strings"
	"testing"

	"github.com/hengadev/credvault"
	"github.com/hengadev/credvault/envelope"
	"github.com/hengadev/errsx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func readBackup(t *testing.T, store BackupStore, name string) Backup {
	t.Helper()
	raw, err := store.Get(context.Background(), name)
	require.NoError(t, err)
	var b Backup
	require.NoError(t, json.Unmarshal(raw, &b))
	return b
}

func TestReseal_FromClearToLocalToKMS(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.seed(t, "jwt", map[string]string{"secret_key": "very-secret-value"})
	res, err := f.orch.Rotate(ctx, Request{Path: "jwt", Field: "secret_key"})
	require.NoError(t, err)
	require.Equal(t, "very-secret-value", readBackup(t, f.backups, res.Backup).Data["secret_key"])

	local, err := envelope.New(nil, testConfig(), envelope.WithPBKDF2Iterations(1000))
	require.NoError(t, err)
	withLocal, err := New(f.secrets, f.backups, WithSealer(local))
	require.NoError(t, err)

	require.NoError(t, withLocal.Reseal(ctx, res.Backup))
	b := readBackup(t, f.backups, res.Backup)
	assert.Empty(t, b.Data)
	assert.True(t, envelope.IsLocal(b.Sealed))

	cfg := testConfig()
	cfg.MasterKeyID = "backups"
	kms, err := envelope.New(envelope.NewLocalKMS(), cfg, envelope.WithPBKDF2Iterations(1000))
	require.NoError(t, err)
	withKMS, err := New(f.secrets, f.backups, WithSealer(kms))
	require.NoError(t, err)

	require.NoError(t, withKMS.Reseal(ctx, res.Backup))
	b = readBackup(t, f.backups, res.Backup)
	assert.False(t, envelope.IsLocal(b.Sealed))
	assert.False(t, strings.Contains(b.Sealed, "very-secret-value"))

	loaded, err := withKMS.LoadBackup(ctx, res.Backup)
	require.NoError(t, err)
	assert.Equal(t, "very-secret-value", loaded.Data["secret_key"])
}

func TestReseal_RequiresSealer(t *testing.T) {
	f := newFixture(t)
	err := f.orch.Reseal(context.Background(), "jwt-20260301T120000Z-abcdef01.json")
	assert.True(t, credvault.IsConfigurationError(err))
}

type encryptOnly struct{ Sealer }

func TestReseal_SealerWithoutReencrypt(t *testing.T) {
	ctx := context.Background()
	sealer, err := envelope.New(nil, testConfig(), envelope.WithPBKDF2Iterations(1000))
	require.NoError(t, err)
	f := newFixture(t, WithSealer(sealer))
	f.seed(t, "jwt", map[string]string{"secret_key": "v1"})
	res, err := f.orch.Rotate(ctx, Request{Path: "jwt", Field: "secret_key"})
	require.NoError(t, err)

	limited, err := New(f.secrets, f.backups, WithSealer(encryptOnly{sealer}))
	require.NoError(t, err)
	err = limited.Reseal(ctx, res.Backup)
	assert.True(t, credvault.IsConfigurationError(err))
}

func TestResealAll(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.seed(t, "jwt", map[string]string{"secret_key": "a"})
	f.seed(t, "flask", map[string]string{"secret_key": "b"})
	for _, p := range []string{"jwt", "flask"} {
		_, err := f.orch.Rotate(ctx, Request{Path: p, Field: "secret_key"})
		require.NoError(t, err)
	}
	require.NoError(t, f.backups.Put(ctx, "broken.json", []byte("{")))

	sealer, err := envelope.New(nil, testConfig(), envelope.WithPBKDF2Iterations(1000))
	require.NoError(t, err)
	orch, err := New(f.secrets, f.backups, WithSealer(sealer))
	require.NoError(t, err)

	n, err := orch.ResealAll(ctx)
	assert.Equal(t, 2, n)
	require.Error(t, err)
	failures, ok := err.(errsx.Map)
	require.True(t, ok)
	assert.Contains(t, failures, "broken.json")
	assert.True(t, credvault.IsValidationError(failures["broken.json"]))
}
