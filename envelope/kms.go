package envelope

import "context"

// DataKey is a per-value symmetric key. Plaintext is wiped by the service
// as soon as the value is sealed; Encrypted is stored with the ciphertext.
type DataKey struct {
	Plaintext []byte
	Encrypted []byte
}

// KMS generates and unwraps data keys under a master key.
//
// encCtx is bound to the wrapped key: Decrypt must fail when it is called
// with a different context than GenerateDataKey. Implementations report that
// failure with ErrContextMismatch and transport problems with an error
// wrapping credvault.ErrBackendUnavailable.
type KMS interface {
	GenerateDataKey(ctx context.Context, masterKeyID string, encCtx map[string]string) (*DataKey, error)
	Decrypt(ctx context.Context, masterKeyID string, encryptedKey []byte, encCtx map[string]string) ([]byte, error)
}
