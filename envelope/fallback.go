package envelope

import (
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"io"
	"strings"

	"github.com/hengadev/credvault/internal/security"
	"golang.org/x/crypto/pbkdf2"
)

const (
	// LocalPrefix marks values sealed with the locally derived key.
	LocalPrefix = "local:"

	// PBKDF2Iterations is the PBKDF2-HMAC-SHA256 work factor for the
	// fallback key.
	PBKDF2Iterations = 600_000

	fallbackSaltSize = 16
	keySize          = 32
)

// IsLocal reports whether stored was produced in fallback mode.
func IsLocal(stored string) bool {
	return strings.HasPrefix(stored, LocalPrefix)
}

func deriveKey(secret, salt []byte, iterations int) []byte {
	return pbkdf2.Key(secret, salt, iterations, keySize, sha256.New)
}

// sealLocal returns local:base64(salt||nonce||ciphertext). Standard base64
// never contains ':' so the two stored forms cannot be confused.
func sealLocal(random io.Reader, secret []byte, iterations int, plaintext, aad []byte) (string, error) {
	salt := make([]byte, fallbackSaltSize)
	if _, err := io.ReadFull(random, salt); err != nil {
		return "", fmt.Errorf("failed to generate salt: %w", err)
	}
	key := deriveKey(secret, salt, iterations)
	defer security.ZeroBytes(key)

	sealed, err := seal(random, key, plaintext, aad)
	if err != nil {
		return "", err
	}
	blob := make([]byte, 0, len(salt)+len(sealed))
	blob = append(blob, salt...)
	blob = append(blob, sealed...)
	return LocalPrefix + base64.StdEncoding.EncodeToString(blob), nil
}

func openLocal(secret []byte, iterations int, stored string, aad []byte) ([]byte, error) {
	blob, err := base64.StdEncoding.DecodeString(strings.TrimPrefix(stored, LocalPrefix))
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrMalformedCiphertext, err)
	}
	if len(blob) <= fallbackSaltSize {
		return nil, fmt.Errorf("%w: blob too short", ErrMalformedCiphertext)
	}
	key := deriveKey(secret, blob[:fallbackSaltSize], iterations)
	defer security.ZeroBytes(key)
	return open(key, blob[fallbackSaltSize:], aad)
}
