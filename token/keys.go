package token

import (
	"crypto/sha256"
	"encoding/hex"
	"sync"
	"time"
)

type signingKey struct {
	id     string
	secret []byte
}

func newSigningKey(secret []byte) signingKey {
	sum := sha256.Sum256(secret)
	return signingKey{id: hex.EncodeToString(sum[:8]), secret: secret}
}

// keyRing holds the current signing key and, during a grace window after a
// rotation, the previous one.
type keyRing struct {
	mu            sync.RWMutex
	current       signingKey
	previous      *signingKey
	previousUntil time.Time
}

func (r *keyRing) signer() signingKey {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.current
}

// lookup returns the key for kid. An empty or unknown kid falls back to the
// current key so the signature check reports the failure.
func (r *keyRing) lookup(kid string, now time.Time) signingKey {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.previous != nil && kid == r.previous.id && now.Before(r.previousUntil) {
		return *r.previous
	}
	return r.current
}

// rotate installs secret as the current key. With grace > 0 the old key
// keeps verifying until now+grace; otherwise it is dropped immediately.
// It reports whether the key changed.
func (r *keyRing) rotate(secret []byte, now time.Time, grace time.Duration) bool {
	next := newSigningKey(secret)
	r.mu.Lock()
	defer r.mu.Unlock()
	if next.id == r.current.id {
		return false
	}
	if grace > 0 && r.current.secret != nil {
		prev := r.current
		r.previous = &prev
		r.previousUntil = now.Add(grace)
	} else {
		r.previous = nil
		r.previousUntil = time.Time{}
	}
	r.current = next
	return true
}
