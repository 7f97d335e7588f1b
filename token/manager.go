// Package token issues and verifies HS256 access and refresh tokens.
//
// Access tokens are stateless and short-lived. Refresh tokens are backed by
// a persisted RefreshRecord: a valid signature is never enough, the record
// must exist, match the token hash and be neither revoked nor expired. With
// rotation on refresh enabled each refresh token can be used once; presenting
// a token that was already exchanged revokes every token of its user.
//
// Every verification failure is returned as ErrInvalidToken. Use Reason to
// tell expired, revoked and forged tokens apart in internal logs.
package token

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/hengadev/credvault"
	"github.com/hengadev/credvault/internal/monitoring"
	"github.com/hengadev/credvault/internal/reliability"
	"github.com/hengadev/credvault/internal/security"
	"github.com/hengadev/credvault/secretstore"
)

// Type is the value of the "type" claim.
type Type string

const (
	Access  Type = "access"
	Refresh Type = "refresh"
)

// reserved claims cannot be overridden by custom claims.
var reserved = map[string]bool{
	"user_id": true, "type": true, "jti": true,
	"iat": true, "nbf": true, "exp": true, "kid": true,
}

// Claims is the verified content of a token.
type Claims struct {
	UserID    string
	Type      Type
	ID        string
	IssuedAt  time.Time
	NotBefore time.Time
	ExpiresAt time.Time
	Custom    map[string]any
}

// Pair is what a login or a refresh hands back to the client.
type Pair struct {
	AccessToken      string
	AccessExpiresAt  time.Time
	RefreshToken     string
	RefreshExpiresAt time.Time
}

// SecretSource provides the signing secret. *secretstore.Client satisfies it.
type SecretSource interface {
	Get(ctx context.Context, path string, opts ...secretstore.GetOption) (string, error)
}

// Manager is safe for concurrent use.
type Manager struct {
	secrets         SecretSource
	store           Store
	keys            keyRing
	secretPath      string
	secretField     string
	accessTTL       time.Duration
	refreshTTL      time.Duration
	grace           time.Duration
	rotateOnRefresh bool
	production      bool
	pepper          []byte
	now             func() time.Time
	retry           *reliability.RetryExecutor
	logger          *slog.Logger
	metrics         monitoring.MetricsCollector
}

// Option configures a Manager.
type Option func(*Manager)

// WithClock replaces time.Now for issuing and validating tokens.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) { m.now = now }
}

// WithHashPepper sets the HMAC key used to hash refresh tokens before they
// are stored. Defaults to the secret namespace.
func WithHashPepper(pepper []byte) Option {
	return func(m *Manager) { m.pepper = pepper }
}

func WithRetry(r *reliability.RetryExecutor) Option {
	return func(m *Manager) { m.retry = r }
}

func WithLogger(logger *slog.Logger) Option {
	return func(m *Manager) { m.logger = monitoring.OrNop(logger) }
}

func WithMetrics(metrics monitoring.MetricsCollector) Option {
	return func(m *Manager) { m.metrics = monitoring.OrNoOp(metrics) }
}

// New loads the signing secret and returns a Manager. A missing or short
// signing secret is a configuration error in production; elsewhere an
// ephemeral random secret is used and a warning logged.
func New(ctx context.Context, secrets SecretSource, store Store, cfg credvault.Config, opts ...Option) (*Manager, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if store == nil {
		return nil, credvault.NewConfigurationError("store", "a refresh token store is required")
	}

	m := &Manager{
		secrets:         secrets,
		store:           store,
		secretPath:      cfg.SigningSecretPath,
		secretField:     cfg.SigningSecretField,
		accessTTL:       cfg.AccessTokenTTL,
		refreshTTL:      cfg.RefreshTokenTTL,
		grace:           cfg.SigningKeyGrace,
		rotateOnRefresh: cfg.RotateOnRefresh,
		production:      cfg.IsProduction(),
		pepper:          []byte(cfg.Namespace()),
		now:             time.Now,
		retry:           reliability.NewRetryExecutorFromConfig(reliability.BackendRetryConfig(cfg.BackendMaxAttempts, cfg.BackendTimeout)),
		logger:          monitoring.NopLogger(),
		metrics:         monitoring.NoOpMetricsCollector{},
	}
	for _, opt := range opts {
		opt(m)
	}

	secret, err := m.loadSecret(ctx, false)
	if err != nil {
		return nil, err
	}
	m.keys.rotate(secret, m.now(), 0)
	return m, nil
}

func (m *Manager) loadSecret(ctx context.Context, force bool) ([]byte, error) {
	var value string
	var err error
	if m.secrets != nil {
		opts := []secretstore.GetOption{secretstore.WithField(m.secretField)}
		if force {
			opts = append(opts, secretstore.ForceRefresh())
		}
		value, err = m.secrets.Get(ctx, m.secretPath, opts...)
	} else {
		err = credvault.NewNotFoundError("signing secret source", m.secretPath)
	}

	switch {
	case err != nil && m.production:
		return nil, fmt.Errorf("%w: signing secret %s#%s: %w", credvault.ErrConfiguration, m.secretPath, m.secretField, err)
	case err == nil && len(value) < credvault.MinSigningSecretLength && m.production:
		return nil, credvault.NewConfigurationError("signingSecret",
			fmt.Sprintf("must be at least %d bytes", credvault.MinSigningSecretLength))
	case err != nil:
		if force {
			return nil, err
		}
		m.logger.Warn("signing secret unavailable, using an ephemeral key",
			"path", m.secretPath, "field", m.secretField, "error", err)
		key, genErr := security.GenerateSecureKey(credvault.MinSigningSecretLength)
		if genErr != nil {
			return nil, genErr
		}
		return key, nil
	case len(value) < credvault.MinSigningSecretLength:
		m.logger.Warn("signing secret is shorter than recommended", "length", len(value))
	}
	return []byte(value), nil
}

// ReloadSigningKey refetches the signing secret, bypassing the cache, and
// installs it. The previous key keeps verifying for the configured grace
// window.
func (m *Manager) ReloadSigningKey(ctx context.Context) error {
	secret, err := m.loadSecret(ctx, true)
	if err != nil {
		return fmt.Errorf("reload signing key: %w", err)
	}
	if m.keys.rotate(secret, m.now(), m.grace) {
		m.logger.InfoContext(ctx, "signing key rotated", "grace", m.grace.String())
	}
	return nil
}

// SecretRotated reloads the signing key when the rotated secret is the one
// the manager signs with.
func (m *Manager) SecretRotated(ctx context.Context, path, field string) error {
	if path != m.secretPath || (field != "" && field != m.secretField) {
		return nil
	}
	return m.ReloadSigningKey(ctx)
}

// CreateAccessToken mints a stateless access token.
func (m *Manager) CreateAccessToken(ctx context.Context, userID string, custom map[string]any) (string, time.Time, error) {
	signed, claims, err := m.mint(userID, Access, m.accessTTL, "", custom)
	if err != nil {
		return "", time.Time{}, err
	}
	m.metrics.IncrementCounter(monitoring.MetricTokensIssued, map[string]string{"type": string(Access)})
	return signed, claims.ExpiresAt, nil
}

// CreateRefreshToken mints a refresh token and persists its record. The raw
// token is returned only here.
func (m *Manager) CreateRefreshToken(ctx context.Context, userID string, custom map[string]any, device Device) (string, time.Time, error) {
	return m.createRefresh(ctx, userID, "", custom, device)
}

func (m *Manager) createRefresh(ctx context.Context, userID, jti string, custom map[string]any, device Device) (string, time.Time, error) {
	signed, claims, err := m.mint(userID, Refresh, m.refreshTTL, jti, custom)
	if err != nil {
		return "", time.Time{}, err
	}

	rec := &RefreshRecord{
		JTI:               claims.ID,
		UserID:            userID,
		TokenHash:         m.hashToken(signed),
		ExpiresAt:         claims.ExpiresAt,
		IPAddress:         device.IPAddress,
		UserAgent:         device.UserAgent,
		DeviceFingerprint: device.Fingerprint(),
		CreatedAt:         claims.IssuedAt,
	}
	if err := m.retry.Execute(ctx, func(ctx context.Context) error {
		return m.store.Create(ctx, rec)
	}); err != nil {
		return "", time.Time{}, fmt.Errorf("persist refresh token: %w", err)
	}

	m.metrics.IncrementCounter(monitoring.MetricTokensIssued, map[string]string{"type": string(Refresh)})
	return signed, claims.ExpiresAt, nil
}

// IssuePair mints an access token and a refresh token for a login.
func (m *Manager) IssuePair(ctx context.Context, userID string, custom map[string]any, device Device) (*Pair, error) {
	access, accessExp, err := m.CreateAccessToken(ctx, userID, custom)
	if err != nil {
		return nil, err
	}
	refresh, refreshExp, err := m.CreateRefreshToken(ctx, userID, custom, device)
	if err != nil {
		return nil, err
	}
	return &Pair{
		AccessToken:      access,
		AccessExpiresAt:  accessExp,
		RefreshToken:     refresh,
		RefreshExpiresAt: refreshExp,
	}, nil
}

func (m *Manager) mint(userID string, typ Type, ttl time.Duration, jti string, custom map[string]any) (string, *Claims, error) {
	if userID == "" {
		return "", nil, credvault.NewValidationError("userID", "user id is required")
	}
	if jti == "" {
		jti = uuid.NewString()
	}
	now := m.now().Truncate(time.Second)
	claims := &Claims{
		UserID:    userID,
		Type:      typ,
		ID:        jti,
		IssuedAt:  now,
		NotBefore: now,
		ExpiresAt: now.Add(ttl),
		Custom:    custom,
	}

	mc := jwt.MapClaims{}
	for k, v := range custom {
		if !reserved[k] {
			mc[k] = v
		}
	}
	mc["user_id"] = userID
	mc["type"] = string(typ)
	mc["jti"] = jti
	mc["iat"] = now.Unix()
	mc["nbf"] = now.Unix()
	mc["exp"] = claims.ExpiresAt.Unix()

	key := m.keys.signer()
	tok := jwt.NewWithClaims(jwt.SigningMethodHS256, mc)
	tok.Header["kid"] = key.id
	signed, err := tok.SignedString(key.secret)
	if err != nil {
		return "", nil, fmt.Errorf("sign %s token: %w", typ, err)
	}
	return signed, claims, nil
}

// VerifyAccessToken checks signature, time window and type.
func (m *Manager) VerifyAccessToken(ctx context.Context, raw string) (*Claims, error) {
	claims, err := m.parse(raw, Access)
	m.observe(ctx, Access, err)
	return claims, err
}

// VerifyRefreshToken checks the token like VerifyAccessToken, then requires
// a live persisted record with a matching hash and records the use.
func (m *Manager) VerifyRefreshToken(ctx context.Context, raw string) (*Claims, error) {
	claims, _, err := m.verifyRefresh(ctx, raw)
	m.observe(ctx, Refresh, err)
	if err != nil {
		return nil, err
	}
	if err := m.retry.Execute(ctx, func(ctx context.Context) error {
		return m.store.Touch(ctx, claims.ID, m.now())
	}); err != nil {
		m.logger.WarnContext(ctx, "failed to record refresh token use", "jti", claims.ID, "error", err)
	}
	return claims, nil
}

func (m *Manager) verifyRefresh(ctx context.Context, raw string) (*Claims, *RefreshRecord, error) {
	claims, err := m.parse(raw, Refresh)
	if err != nil {
		return nil, nil, err
	}

	var rec *RefreshRecord
	err = m.retry.Execute(ctx, func(ctx context.Context) error {
		var err error
		rec, err = m.store.Get(ctx, claims.ID)
		return err
	})
	switch {
	case errors.Is(err, ErrRecordNotFound):
		return nil, nil, invalid(ReasonMissingRecord, err)
	case err != nil:
		return nil, nil, fmt.Errorf("look up refresh token: %w", err)
	}

	if !security.SecureCompareStrings(rec.TokenHash, m.hashToken(raw)) || rec.UserID != claims.UserID {
		return nil, nil, invalid(ReasonHashMismatch, nil)
	}
	if rec.Revoked {
		if rec.ReplacedBy != "" {
			m.handleReuse(ctx, rec)
			return nil, nil, invalid(ReasonReused, nil)
		}
		return nil, nil, invalid(ReasonRevoked, nil)
	}
	if !m.now().Before(rec.ExpiresAt) {
		return nil, nil, invalid(ReasonExpired, nil)
	}
	return claims, rec, nil
}

// handleReuse revokes every token of the user whose already exchanged
// refresh token was presented again.
func (m *Manager) handleReuse(ctx context.Context, rec *RefreshRecord) {
	n, err := m.store.RevokeAllForUser(ctx, rec.UserID, m.now())
	monitoring.LogSecurityEvent(ctx, m.logger, "refresh_token_reuse", "high",
		"user_id", rec.UserID, "jti", rec.JTI, "revoked", n, "error", err)
	m.metrics.IncrementCounter(monitoring.MetricTokenRevocations, map[string]string{"scope": "reuse"})
}

// discardRefresh revokes a replacement record that was persisted for an
// exchange that did not complete.
func (m *Manager) discardRefresh(ctx context.Context, jti string) {
	err := m.retry.Execute(ctx, func(ctx context.Context) error {
		_, err := m.store.Revoke(ctx, jti, m.now(), "")
		return err
	})
	if err != nil {
		m.logger.WarnContext(ctx, "failed to discard unused refresh token", "jti", jti, "error", err)
	}
}

// Refresh exchanges a refresh token for a new pair. With rotation on
// refresh enabled the presented token is revoked and linked to its
// replacement; otherwise it stays valid and only a new access token is
// issued alongside it.
func (m *Manager) Refresh(ctx context.Context, raw string, device Device) (*Pair, error) {
	claims, rec, err := m.verifyRefresh(ctx, raw)
	m.observe(ctx, Refresh, err)
	if err != nil {
		return nil, err
	}

	access, accessExp, err := m.CreateAccessToken(ctx, claims.UserID, claims.Custom)
	if err != nil {
		return nil, err
	}

	if !m.rotateOnRefresh {
		if err := m.retry.Execute(ctx, func(ctx context.Context) error {
			return m.store.Touch(ctx, claims.ID, m.now())
		}); err != nil {
			m.logger.WarnContext(ctx, "failed to record refresh token use", "jti", claims.ID, "error", err)
		}
		return &Pair{
			AccessToken:      access,
			AccessExpiresAt:  accessExp,
			RefreshToken:     raw,
			RefreshExpiresAt: rec.ExpiresAt,
		}, nil
	}

	// The replacement is persisted before the presented token is revoked, so
	// a failed write leaves the presented token usable for a retry.
	nextJTI := uuid.NewString()
	refresh, refreshExp, err := m.createRefresh(ctx, claims.UserID, nextJTI, claims.Custom, device)
	if err != nil {
		return nil, err
	}

	var revoked bool
	if err := m.retry.Execute(ctx, func(ctx context.Context) error {
		var err error
		revoked, err = m.store.Revoke(ctx, claims.ID, m.now(), nextJTI)
		return err
	}); err != nil {
		m.discardRefresh(ctx, nextJTI)
		return nil, fmt.Errorf("revoke exchanged refresh token: %w", err)
	}
	if !revoked {
		// lost a race with another exchange of the same token
		m.discardRefresh(ctx, nextJTI)
		m.handleReuse(ctx, rec)
		return nil, invalid(ReasonReused, nil)
	}

	return &Pair{
		AccessToken:      access,
		AccessExpiresAt:  accessExp,
		RefreshToken:     refresh,
		RefreshExpiresAt: refreshExp,
	}, nil
}

// Revoke marks the refresh token jti revoked. Revoking an already revoked
// token is not an error.
func (m *Manager) Revoke(ctx context.Context, jti string) error {
	err := m.retry.Execute(ctx, func(ctx context.Context) error {
		_, err := m.store.Revoke(ctx, jti, m.now(), "")
		return err
	})
	if err != nil {
		return fmt.Errorf("revoke %s: %w", jti, err)
	}
	m.metrics.IncrementCounter(monitoring.MetricTokenRevocations, map[string]string{"scope": "token"})
	m.logger.InfoContext(ctx, "refresh token revoked", "jti", jti)
	return nil
}

// RevokeAllForUser revokes every active refresh token of userID, e.g. on
// logout everywhere or a password change.
func (m *Manager) RevokeAllForUser(ctx context.Context, userID string) (int, error) {
	var n int
	err := m.retry.Execute(ctx, func(ctx context.Context) error {
		var err error
		n, err = m.store.RevokeAllForUser(ctx, userID, m.now())
		return err
	})
	if err != nil {
		return 0, fmt.Errorf("revoke tokens of user %s: %w", userID, err)
	}
	m.metrics.IncrementCounter(monitoring.MetricTokenRevocations, map[string]string{"scope": "user"})
	m.logger.InfoContext(ctx, "refresh tokens revoked for user", "user_id", userID, "count", n)
	return n, nil
}

// PurgeExpired deletes records that expired before now.
func (m *Manager) PurgeExpired(ctx context.Context) (int, error) {
	return m.store.DeleteExpired(ctx, m.now())
}

func (m *Manager) parse(raw string, want Type) (*Claims, error) {
	if raw == "" {
		return nil, invalid(ReasonMalformed, nil)
	}
	now := m.now()
	parser := jwt.NewParser(
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
		jwt.WithIssuedAt(),
		jwt.WithTimeFunc(func() time.Time { return now }),
	)

	tok, err := parser.Parse(raw, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		kid, _ := t.Header["kid"].(string)
		return m.keys.lookup(kid, now).secret, nil
	})
	if err != nil {
		return nil, invalid(classify(err), err)
	}

	mc, ok := tok.Claims.(jwt.MapClaims)
	if !ok {
		return nil, invalid(ReasonMalformed, nil)
	}
	claims, err := fromMapClaims(mc)
	if err != nil {
		return nil, invalid(ReasonMalformed, err)
	}
	if claims.Type != want {
		return nil, invalid(ReasonWrongType, fmt.Errorf("got %q, want %q", claims.Type, want))
	}
	return claims, nil
}

func classify(err error) FailureReason {
	switch {
	case errors.Is(err, jwt.ErrTokenExpired):
		return ReasonExpired
	case errors.Is(err, jwt.ErrTokenNotValidYet), errors.Is(err, jwt.ErrTokenUsedBeforeIssued):
		return ReasonNotYetValid
	case errors.Is(err, jwt.ErrTokenSignatureInvalid), errors.Is(err, jwt.ErrSignatureInvalid), errors.Is(err, jwt.ErrTokenUnverifiable):
		return ReasonBadSignature
	}
	return ReasonMalformed
}

func fromMapClaims(mc jwt.MapClaims) (*Claims, error) {
	userID, _ := mc["user_id"].(string)
	typ, _ := mc["type"].(string)
	jti, _ := mc["jti"].(string)
	if userID == "" || typ == "" || jti == "" {
		return nil, errors.New("missing required claims")
	}

	claims := &Claims{UserID: userID, Type: Type(typ), ID: jti}
	if t, err := mc.GetIssuedAt(); err == nil && t != nil {
		claims.IssuedAt = t.Time
	}
	if t, err := mc.GetNotBefore(); err == nil && t != nil {
		claims.NotBefore = t.Time
	}
	if t, err := mc.GetExpirationTime(); err == nil && t != nil {
		claims.ExpiresAt = t.Time
	}
	for k, v := range mc {
		if reserved[k] {
			continue
		}
		if claims.Custom == nil {
			claims.Custom = make(map[string]any)
		}
		claims.Custom[k] = v
	}
	return claims, nil
}

func (m *Manager) hashToken(raw string) string {
	mac := hmac.New(sha256.New, m.pepper)
	mac.Write([]byte(raw))
	return hex.EncodeToString(mac.Sum(nil))
}

func (m *Manager) observe(ctx context.Context, typ Type, err error) {
	status := "valid"
	if err != nil {
		status = "invalid"
		if reason := Reason(err); reason != ReasonNone {
			status = string(reason)
		}
		m.logger.InfoContext(ctx, "token rejected", "type", typ, "reason", status, "cause", errors.Unwrap(err))
	}
	m.metrics.IncrementCounter(monitoring.MetricTokenVerifications, map[string]string{
		"type":   string(typ),
		"status": status,
	})
}
