package security

import (
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"io"
)

// Reader is the entropy source. Tests may swap it to force failures.
var Reader io.Reader = rand.Reader

// GenerateSecureRandom returns size cryptographically random bytes.
func GenerateSecureRandom(size int) ([]byte, error) {
	if size <= 0 {
		return nil, fmt.Errorf("invalid size: %d", size)
	}
	b := make([]byte, size)
	n, err := io.ReadFull(Reader, b)
	if err != nil {
		return nil, fmt.Errorf("secure random generation failed: %w", err)
	}
	if n != size {
		return nil, fmt.Errorf("could not read %d random bytes, only got %d", size, n)
	}
	return b, nil
}

// GenerateSecureKey generates a symmetric key. Keys shorter than 16 bytes are refused.
func GenerateSecureKey(keySize int) ([]byte, error) {
	if keySize < 16 {
		return nil, fmt.Errorf("insecure key size: %d bytes (minimum 16 bytes)", keySize)
	}
	return GenerateSecureRandom(keySize)
}

// GenerateSecureToken returns size random bytes encoded as unpadded URL-safe
// base64, suitable for secrets that end up in env files and HTTP headers.
func GenerateSecureToken(size int) (string, error) {
	b, err := GenerateSecureRandom(size)
	if err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}
