package token

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"time"
)

// Device identifies the client a refresh token was issued to.
type Device struct {
	IPAddress string
	UserAgent string
}

// Fingerprint is hex(sha256(ip|user-agent)).
func (d Device) Fingerprint() string {
	sum := sha256.Sum256([]byte(d.IPAddress + "|" + d.UserAgent))
	return hex.EncodeToString(sum[:])
}

// RefreshRecord is the persisted state of a refresh token. The raw token is
// never stored, only its salted hash.
type RefreshRecord struct {
	JTI               string
	UserID            string
	TokenHash         string
	ExpiresAt         time.Time
	IPAddress         string
	UserAgent         string
	DeviceFingerprint string
	LastUsedAt        *time.Time
	Revoked           bool
	RevokedAt         *time.Time
	ReplacedBy        string
	CreatedAt         time.Time
}

// Active reports whether the record can still back a refresh at now.
func (r *RefreshRecord) Active(now time.Time) bool {
	return !r.Revoked && now.Before(r.ExpiresAt)
}

// Store persists refresh-token records keyed by jti.
//
// Get and Touch return an error wrapping ErrRecordNotFound for an unknown
// jti. Revoke only transitions active records: it reports false when the
// record was already revoked, which Refresh treats as token reuse.
type Store interface {
	Create(ctx context.Context, rec *RefreshRecord) error
	Get(ctx context.Context, jti string) (*RefreshRecord, error)
	Touch(ctx context.Context, jti string, at time.Time) error
	Revoke(ctx context.Context, jti string, at time.Time, replacedBy string) (bool, error)
	RevokeAllForUser(ctx context.Context, userID string, at time.Time) (int, error)
	DeleteExpired(ctx context.Context, before time.Time) (int, error)
}
