// Package storetest checks token.Store implementations against the same
// behaviour.
package storetest

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/hengadev/credvault"
	"github.com/hengadev/credvault/token"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var base = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func record(jti, userID string, ttl time.Duration) *token.RefreshRecord {
	return &token.RefreshRecord{
		JTI:               jti,
		UserID:            userID,
		TokenHash:         "hash-" + jti,
		ExpiresAt:         base.Add(ttl),
		IPAddress:         "203.0.113.7",
		UserAgent:         "Mozilla/5.0",
		DeviceFingerprint: token.Device{IPAddress: "203.0.113.7", UserAgent: "Mozilla/5.0"}.Fingerprint(),
		CreatedAt:         base,
	}
}

// Run exercises newStore. Each subtest gets a fresh store.
func Run(t *testing.T, newStore func(t *testing.T) token.Store) {
	ctx := context.Background()

	t.Run("create and get", func(t *testing.T) {
		s := newStore(t)
		want := record("a", "42", time.Hour)
		require.NoError(t, s.Create(ctx, want))

		got, err := s.Get(ctx, "a")
		require.NoError(t, err)
		assert.Equal(t, want.UserID, got.UserID)
		assert.Equal(t, want.TokenHash, got.TokenHash)
		assert.True(t, want.ExpiresAt.Equal(got.ExpiresAt))
		assert.True(t, want.CreatedAt.Equal(got.CreatedAt))
		assert.Equal(t, want.DeviceFingerprint, got.DeviceFingerprint)
		assert.Equal(t, want.IPAddress, got.IPAddress)
		assert.Equal(t, want.UserAgent, got.UserAgent)
		assert.Nil(t, got.LastUsedAt)
		assert.Nil(t, got.RevokedAt)
		assert.False(t, got.Revoked)
		assert.Empty(t, got.ReplacedBy)
	})

	t.Run("duplicate jti", func(t *testing.T) {
		s := newStore(t)
		require.NoError(t, s.Create(ctx, record("a", "42", time.Hour)))
		err := s.Create(ctx, record("a", "7", time.Hour))
		assert.True(t, credvault.IsValidationError(err), "got %v", err)
		assert.False(t, credvault.IsRetryable(err))
	})

	t.Run("unknown jti", func(t *testing.T) {
		s := newStore(t)
		_, err := s.Get(ctx, "missing")
		assert.ErrorIs(t, err, token.ErrRecordNotFound)
		assert.True(t, credvault.IsNotFound(err))

		assert.ErrorIs(t, s.Touch(ctx, "missing", base), token.ErrRecordNotFound)

		_, err = s.Revoke(ctx, "missing", base, "")
		assert.ErrorIs(t, err, token.ErrRecordNotFound)
	})

	t.Run("touch", func(t *testing.T) {
		s := newStore(t)
		require.NoError(t, s.Create(ctx, record("a", "42", time.Hour)))
		at := base.Add(5 * time.Minute)
		require.NoError(t, s.Touch(ctx, "a", at))

		got, err := s.Get(ctx, "a")
		require.NoError(t, err)
		require.NotNil(t, got.LastUsedAt)
		assert.True(t, at.Equal(*got.LastUsedAt))
	})

	t.Run("revoke once", func(t *testing.T) {
		s := newStore(t)
		require.NoError(t, s.Create(ctx, record("a", "42", time.Hour)))

		ok, err := s.Revoke(ctx, "a", base, "b")
		require.NoError(t, err)
		assert.True(t, ok)

		ok, err = s.Revoke(ctx, "a", base.Add(time.Second), "c")
		require.NoError(t, err)
		assert.False(t, ok)

		got, err := s.Get(ctx, "a")
		require.NoError(t, err)
		assert.True(t, got.Revoked)
		assert.Equal(t, "b", got.ReplacedBy)
		require.NotNil(t, got.RevokedAt)
		assert.True(t, base.Equal(*got.RevokedAt))
		assert.False(t, got.Active(base))
	})

	t.Run("concurrent revoke has one winner", func(t *testing.T) {
		s := newStore(t)
		require.NoError(t, s.Create(ctx, record("a", "42", time.Hour)))

		var (
			wg   sync.WaitGroup
			mu   sync.Mutex
			wins int
		)
		for i := 0; i < 8; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				ok, err := s.Revoke(ctx, "a", base, "next")
				if err == nil && ok {
					mu.Lock()
					wins++
					mu.Unlock()
				}
			}()
		}
		wg.Wait()
		assert.Equal(t, 1, wins)
	})

	t.Run("revoke all for user", func(t *testing.T) {
		s := newStore(t)
		require.NoError(t, s.Create(ctx, record("a", "42", time.Hour)))
		require.NoError(t, s.Create(ctx, record("b", "42", time.Hour)))
		require.NoError(t, s.Create(ctx, record("c", "7", time.Hour)))
		_, err := s.Revoke(ctx, "b", base, "")
		require.NoError(t, err)

		n, err := s.RevokeAllForUser(ctx, "42", base)
		require.NoError(t, err)
		assert.Equal(t, 1, n, "already revoked records are not counted")

		got, err := s.Get(ctx, "c")
		require.NoError(t, err)
		assert.False(t, got.Revoked)
	})

	t.Run("delete expired", func(t *testing.T) {
		s := newStore(t)
		require.NoError(t, s.Create(ctx, record("old", "42", time.Hour)))
		require.NoError(t, s.Create(ctx, record("new", "42", 48*time.Hour)))

		n, err := s.DeleteExpired(ctx, base.Add(24*time.Hour))
		require.NoError(t, err)
		assert.Equal(t, 1, n)

		_, err = s.Get(ctx, "old")
		assert.ErrorIs(t, err, token.ErrRecordNotFound)
		_, err = s.Get(ctx, "new")
		assert.NoError(t, err)
	})
}
