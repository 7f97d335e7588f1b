package secretstore

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/hengadev/credvault"
)

// MemoryBackend is an in-process Backend with KV v2 versioning semantics,
// for development and tests.
type MemoryBackend struct {
	mu      sync.RWMutex
	secrets map[string]*Secret
}

func NewMemoryBackend() *MemoryBackend {
	return &MemoryBackend{secrets: make(map[string]*Secret)}
}

func (b *MemoryBackend) Read(ctx context.Context, path string) (*Secret, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	s, ok := b.secrets[path]
	if !ok {
		return nil, credvault.NewNotFoundError("secret", path)
	}
	return s.Clone(), nil
}

func (b *MemoryBackend) Write(ctx context.Context, path string, data map[string]string, cas *int) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	current := 0
	if s, ok := b.secrets[path]; ok {
		current = s.Version
	}
	if cas != nil && *cas != current {
		return 0, fmt.Errorf("%w: %s is at version %d, expected %d", ErrVersionConflict, path, current, *cas)
	}

	next := &Secret{Path: path, Version: current + 1, Data: make(map[string]string, len(data))}
	for k, v := range data {
		next.Data[k] = v
	}
	b.secrets[path] = next
	return next.Version, nil
}

func (b *MemoryBackend) List(ctx context.Context, prefix string) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	prefix = strings.TrimSuffix(prefix, "/") + "/"
	var out []string
	for p := range b.secrets {
		if strings.HasPrefix(p, prefix) {
			out = append(out, p)
		}
	}
	sort.Strings(out)
	return out, nil
}
