package envelope

import (
	"crypto/aes"
	"crypto/cipher"
	"encoding/json"
	"fmt"
	"io"
)

// CanonicalContext serializes an encryption context deterministically.
// encoding/json sorts map keys, so equal maps give equal bytes.
func CanonicalContext(encCtx map[string]string) []byte {
	if len(encCtx) == 0 {
		return []byte("{}")
	}
	b, _ := json.Marshal(encCtx)
	return b
}

// seal encrypts plaintext with AES-256-GCM and returns nonce||ciphertext.
func seal(random io.Reader, key, plaintext, aad []byte) ([]byte, error) {
	aesGCM, err := newGCM(key)
	if err != nil {
		return nil, err
	}
	nonce := make([]byte, aesGCM.NonceSize())
	if _, err := io.ReadFull(random, nonce); err != nil {
		return nil, fmt.Errorf("failed to generate nonce: %w", err)
	}
	return aesGCM.Seal(nonce, nonce, plaintext, aad), nil
}

// open reverses seal. Authentication failures are reported as
// ErrContextMismatch since a wrong AAD is the usual cause.
func open(key, sealed, aad []byte) ([]byte, error) {
	aesGCM, err := newGCM(key)
	if err != nil {
		return nil, err
	}
	nonceSize := aesGCM.NonceSize()
	if len(sealed) < nonceSize+aesGCM.Overhead() {
		return nil, fmt.Errorf("%w: ciphertext too short", ErrMalformedCiphertext)
	}
	nonce, ciphertext := sealed[:nonceSize], sealed[nonceSize:]
	plaintext, err := aesGCM.Open(nil, nonce, ciphertext, aad)
	if err != nil {
		return nil, ErrContextMismatch
	}
	return plaintext, nil
}

func newGCM(key []byte) (cipher.AEAD, error) {
	if len(key) != 32 {
		return nil, fmt.Errorf("data key must be 32 bytes, got %d", len(key))
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("failed to create AES cipher: %w", err)
	}
	aesGCM, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCM: %w", err)
	}
	return aesGCM, nil
}
