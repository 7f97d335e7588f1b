package token

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/hengadev/credvault"
)

// MemoryStore is a Store for tests and single-process deployments.
type MemoryStore struct {
	mu      sync.RWMutex
	records map[string]RefreshRecord
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{records: make(map[string]RefreshRecord)}
}

func (s *MemoryStore) Create(ctx context.Context, rec *RefreshRecord) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.records[rec.JTI]; exists {
		return credvault.NewValidationError("jti", fmt.Sprintf("refresh token %s already exists", rec.JTI))
	}
	s.records[rec.JTI] = *rec
	return nil
}

func (s *MemoryStore) Get(ctx context.Context, jti string) (*RefreshRecord, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.records[jti]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrRecordNotFound, jti)
	}
	return &rec, nil
}

func (s *MemoryStore) Touch(ctx context.Context, jti string, at time.Time) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.records[jti]
	if !ok {
		return fmt.Errorf("%w: %s", ErrRecordNotFound, jti)
	}
	rec.LastUsedAt = &at
	s.records[jti] = rec
	return nil
}

func (s *MemoryStore) Revoke(ctx context.Context, jti string, at time.Time, replacedBy string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.records[jti]
	if !ok {
		return false, fmt.Errorf("%w: %s", ErrRecordNotFound, jti)
	}
	if rec.Revoked {
		return false, nil
	}
	rec.Revoked = true
	rec.RevokedAt = &at
	rec.ReplacedBy = replacedBy
	s.records[jti] = rec
	return true, nil
}

func (s *MemoryStore) RevokeAllForUser(ctx context.Context, userID string, at time.Time) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for jti, rec := range s.records {
		if rec.UserID != userID || rec.Revoked {
			continue
		}
		rec.Revoked = true
		rec.RevokedAt = &at
		s.records[jti] = rec
		n++
	}
	return n, nil
}

func (s *MemoryStore) DeleteExpired(ctx context.Context, before time.Time) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for jti, rec := range s.records {
		if rec.ExpiresAt.Before(before) {
			delete(s.records, jti)
			n++
		}
	}
	return n, nil
}
