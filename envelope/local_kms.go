package envelope

import (
	"context"
	"fmt"
	"io"
	"sync"

	"github.com/hengadev/credvault/internal/security"
)

// LocalKMS is an in-process KMS for development and tests. Master keys are
// random, created on first use and held only in memory, so data keys it
// wraps cannot be unwrapped by another process.
type LocalKMS struct {
	mu     sync.RWMutex
	keys   map[string][]byte
	random io.Reader
}

// NewLocalKMS creates an empty LocalKMS.
func NewLocalKMS() *LocalKMS {
	return &LocalKMS{
		keys:   make(map[string][]byte),
		random: security.Reader,
	}
}

func (k *LocalKMS) masterKey(id string, create bool) ([]byte, error) {
	k.mu.RLock()
	key, ok := k.keys[id]
	k.mu.RUnlock()
	if ok {
		return key, nil
	}
	if !create {
		return nil, fmt.Errorf("%w: unknown master key %q", ErrContextMismatch, id)
	}

	k.mu.Lock()
	defer k.mu.Unlock()
	if key, ok := k.keys[id]; ok {
		return key, nil
	}
	key = make([]byte, keySize)
	if _, err := io.ReadFull(k.random, key); err != nil {
		return nil, fmt.Errorf("failed to generate master key: %w", err)
	}
	k.keys[id] = key
	return key, nil
}

func (k *LocalKMS) GenerateDataKey(ctx context.Context, masterKeyID string, encCtx map[string]string) (*DataKey, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	master, err := k.masterKey(masterKeyID, true)
	if err != nil {
		return nil, err
	}

	plaintext := make([]byte, keySize)
	if _, err := io.ReadFull(k.random, plaintext); err != nil {
		return nil, fmt.Errorf("failed to generate data key: %w", err)
	}
	wrapped, err := seal(k.random, master, plaintext, CanonicalContext(encCtx))
	if err != nil {
		security.ZeroBytes(plaintext)
		return nil, err
	}
	return &DataKey{Plaintext: plaintext, Encrypted: wrapped}, nil
}

func (k *LocalKMS) Decrypt(ctx context.Context, masterKeyID string, encryptedKey []byte, encCtx map[string]string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	master, err := k.masterKey(masterKeyID, false)
	if err != nil {
		return nil, err
	}
	return open(master, encryptedKey, CanonicalContext(encCtx))
}
