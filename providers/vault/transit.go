package vault

import (
	"context"
	"encoding/base64"
	"fmt"
	"strings"

	"github.com/hashicorp/vault/api"
	"github.com/hengadev/credvault"
	"github.com/hengadev/credvault/envelope"
)

// DefaultTransitMount is the default path of the Transit engine.
const DefaultTransitMount = "transit"

// TransitKMS implements envelope.KMS with the Vault Transit engine.
//
// Master keys must be created with derived=true: Transit derives a per-context
// key from the encryption context, so a data key unwrapped with a different
// context fails authentication. EnsureKey creates such a key.
type TransitKMS struct {
	client *api.Client
	mount  string
}

// NewTransitKMS uses mount, or DefaultTransitMount when empty.
func NewTransitKMS(client *api.Client, mount string) *TransitKMS {
	if mount == "" {
		mount = DefaultTransitMount
	}
	return &TransitKMS{client: client, mount: strings.Trim(mount, "/")}
}

// EnsureKey creates the named aes256-gcm96 derived key. Creating an existing
// key is a no-op in Vault.
func (t *TransitKMS) EnsureKey(ctx context.Context, name string) error {
	if name == "" {
		return credvault.NewConfigurationError("masterKeyID", "transit key name cannot be empty")
	}
	_, err := t.client.Logical().WriteWithContext(ctx, t.mount+"/keys/"+name, map[string]interface{}{
		"type":    "aes256-gcm96",
		"derived": true,
	})
	if err != nil {
		return fmt.Errorf("failed to create transit key '%s': %w", name, translate(err))
	}
	return nil
}

// GenerateDataKey asks Transit for a 256-bit data key wrapped under
// masterKeyID.
func (t *TransitKMS) GenerateDataKey(ctx context.Context, masterKeyID string, encCtx map[string]string) (*envelope.DataKey, error) {
	if masterKeyID == "" {
		return nil, credvault.NewConfigurationError("masterKeyID", "transit key name cannot be empty")
	}

	resp, err := t.client.Logical().WriteWithContext(ctx, t.mount+"/datakey/plaintext/"+masterKeyID, map[string]interface{}{
		"bits":    256,
		"context": transitContext(encCtx),
	})
	if err != nil {
		return nil, fmt.Errorf("generate data key with '%s': %w", masterKeyID, translate(err))
	}
	if resp == nil || resp.Data == nil {
		return nil, credvault.NewBackendUnavailableError("vault", fmt.Errorf("empty datakey response"))
	}

	plaintextB64, _ := resp.Data["plaintext"].(string)
	ciphertext, _ := resp.Data["ciphertext"].(string)
	if plaintextB64 == "" || ciphertext == "" {
		return nil, fmt.Errorf("%w: datakey response is missing fields", envelope.ErrMalformedCiphertext)
	}
	plaintext, err := base64.StdEncoding.DecodeString(plaintextB64)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to decode data key: %w", envelope.ErrMalformedCiphertext, err)
	}

	return &envelope.DataKey{Plaintext: plaintext, Encrypted: []byte(ciphertext)}, nil
}

// Decrypt unwraps a "vault:vN:..." data key. An authentication failure
// means the context (or the ciphertext) differs and is reported as
// envelope.ErrContextMismatch.
func (t *TransitKMS) Decrypt(ctx context.Context, masterKeyID string, encryptedKey []byte, encCtx map[string]string) ([]byte, error) {
	if len(encryptedKey) == 0 {
		return nil, fmt.Errorf("%w: empty data key", envelope.ErrMalformedCiphertext)
	}
	if masterKeyID == "" {
		return nil, credvault.NewConfigurationError("masterKeyID", "transit key name cannot be empty")
	}

	resp, err := t.client.Logical().WriteWithContext(ctx, t.mount+"/decrypt/"+masterKeyID, map[string]interface{}{
		"ciphertext": string(encryptedKey),
		"context":    transitContext(encCtx),
	})
	if err != nil {
		if responseMentions(err, "message authentication failed") || responseMentions(err, "invalid ciphertext") {
			return nil, fmt.Errorf("%w: %w", envelope.ErrContextMismatch, err)
		}
		return nil, fmt.Errorf("decrypt with '%s': %w", masterKeyID, translate(err))
	}
	if resp == nil || resp.Data == nil {
		return nil, credvault.NewBackendUnavailableError("vault", fmt.Errorf("empty decrypt response"))
	}

	plaintextB64, ok := resp.Data["plaintext"].(string)
	if !ok {
		return nil, fmt.Errorf("%w: plaintext not found in response", envelope.ErrMalformedCiphertext)
	}
	plaintext, err := base64.StdEncoding.DecodeString(plaintextB64)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to decode plaintext: %w", envelope.ErrMalformedCiphertext, err)
	}
	return plaintext, nil
}

// transitContext is the base64 canonical encryption context. It is never
// empty, which derived keys require.
func transitContext(encCtx map[string]string) string {
	return base64.StdEncoding.EncodeToString(envelope.CanonicalContext(encCtx))
}
