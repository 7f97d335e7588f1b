package health

import (
	"context"
	"fmt"
	"time"

	"github.com/hengadev/credvault"
	"github.com/hengadev/credvault/secretstore"
)

// SecretReader is the part of *secretstore.Client the secret check reads
// through.
type SecretReader interface {
	GetSecret(ctx context.Context, path string, opts ...secretstore.GetOption) (*secretstore.Secret, error)
}

// Sealer is the part of *envelope.Service the KMS check exercises.
type Sealer interface {
	EncryptString(ctx context.Context, plaintext string, encCtx map[string]string) (string, error)
	DecryptString(ctx context.Context, stored string, encCtx map[string]string) (string, error)
}

// SecretBackendCheck reads path bypassing the cache. An absent secret
// degrades the report; an unreachable backend fails it.
func SecretBackendCheck(secrets SecretReader, path string) *Check {
	return &Check{
		Name:     "secret_backend",
		Critical: true,
		Timeout:  5 * time.Second,
		Run: func(ctx context.Context) (Status, error) {
			_, err := secrets.GetSecret(ctx, path, secretstore.ForceRefresh())
			switch {
			case err == nil:
				return StatusHealthy, nil
			case credvault.IsNotFound(err):
				return StatusDegraded, fmt.Errorf("secret %q is missing", path)
			}
			return StatusUnhealthy, err
		},
	}
}

// KMSCheck seals and opens a sample value, which needs a data key from the
// KMS and its unwrap.
func KMSCheck(sealer Sealer) *Check {
	return &Check{
		Name:     "kms",
		Critical: true,
		Timeout:  10 * time.Second,
		Run: func(ctx context.Context) (Status, error) {
			encCtx := map[string]string{"purpose": "health-check"}
			stored, err := sealer.EncryptString(ctx, "health-check", encCtx)
			if err != nil {
				return StatusUnhealthy, err
			}
			got, err := sealer.DecryptString(ctx, stored, encCtx)
			if err != nil {
				return StatusUnhealthy, err
			}
			if got != "health-check" {
				return StatusUnhealthy, fmt.Errorf("round trip returned a different value")
			}
			return StatusHealthy, nil
		},
	}
}

// BackupStoreCheck lists the backups. Rotations refuse to run without a
// backup, but reads keep working, hence non-critical.
func BackupStoreCheck(list func(context.Context) ([]string, error)) *Check {
	return &Check{
		Name:    "backup_store",
		Timeout: 5 * time.Second,
		Run: func(ctx context.Context) (Status, error) {
			if _, err := list(ctx); err != nil {
				return StatusUnhealthy, err
			}
			return StatusHealthy, nil
		},
	}
}

// TokenStoreCheck pings the refresh-token database.
func TokenStoreCheck(ping func(context.Context) error) *Check {
	return &Check{
		Name:     "token_store",
		Critical: true,
		Timeout:  5 * time.Second,
		Run: func(ctx context.Context) (Status, error) {
			if err := ping(ctx); err != nil {
				return StatusUnhealthy, err
			}
			return StatusHealthy, nil
		},
	}
}
