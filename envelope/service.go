// Package envelope encrypts individual field values with envelope
// encryption.
//
// Every Encrypt call asks the KMS for a fresh data key, seals the value with
// AES-256-GCM using the encryption context as additional authenticated data,
// wipes the plaintext key and stores
//
//	base64(encrypted data key):base64(nonce||ciphertext)
//
// When no KMS is configured, or it is unreachable outside production, the
// value is sealed with a key derived from a fallback secret with
// PBKDF2-HMAC-SHA256 and stored as local:base64(salt||nonce||ciphertext).
// Decrypt accepts both forms regardless of the current mode.
package envelope

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/hengadev/credvault"
	"github.com/hengadev/credvault/internal/monitoring"
	"github.com/hengadev/credvault/internal/reliability"
	"github.com/hengadev/credvault/internal/security"
)

const (
	modeKMS   = "kms"
	modeLocal = "local"
)

// Service is safe for concurrent use.
type Service struct {
	kms              KMS
	masterKeyID      string
	fallbackSecret   []byte
	production       bool
	pbkdf2Iterations int
	retry            *reliability.RetryExecutor
	logger           *slog.Logger
	metrics          monitoring.MetricsCollector
	random           io.Reader
}

// Option configures a Service.
type Option func(*Service)

func WithLogger(logger *slog.Logger) Option {
	return func(s *Service) { s.logger = monitoring.OrNop(logger) }
}

func WithMetrics(m monitoring.MetricsCollector) Option {
	return func(s *Service) { s.metrics = monitoring.OrNoOp(m) }
}

// WithRetry replaces the retry policy used for KMS calls.
func WithRetry(r *reliability.RetryExecutor) Option {
	return func(s *Service) { s.retry = r }
}

// WithPBKDF2Iterations overrides the fallback work factor. Every process
// reading the same data must use the same value.
func WithPBKDF2Iterations(n int) Option {
	return func(s *Service) {
		if n > 0 {
			s.pbkdf2Iterations = n
		}
	}
}

// New creates a Service. kms may be nil, in which case cfg.FallbackSecret
// is required and every value is sealed locally. Production configurations
// must provide a KMS and a master key.
func New(kms KMS, cfg credvault.Config, opts ...Option) (*Service, error) {
	s := &Service{
		kms:              kms,
		masterKeyID:      cfg.MasterKeyID,
		production:       cfg.IsProduction(),
		pbkdf2Iterations: PBKDF2Iterations,
		retry:            reliability.NewRetryExecutorFromConfig(reliability.BackendRetryConfig(cfg.BackendMaxAttempts, cfg.BackendTimeout)),
		logger:           monitoring.NopLogger(),
		metrics:          monitoring.NoOpMetricsCollector{},
		random:           security.Reader,
	}
	if cfg.FallbackSecret != "" {
		s.fallbackSecret = []byte(cfg.FallbackSecret)
	}
	for _, opt := range opts {
		opt(s)
	}

	switch {
	case s.production && (kms == nil || s.masterKeyID == ""):
		return nil, credvault.NewConfigurationError("masterKeyID", "envelope encryption requires a KMS in production")
	case s.production && s.fallbackSecret != nil:
		return nil, credvault.NewConfigurationError("fallbackSecret", "local key derivation is not allowed in production")
	case kms != nil && s.masterKeyID == "":
		return nil, credvault.NewConfigurationError("masterKeyID", "a master key id is required with a KMS")
	case kms == nil && s.fallbackSecret == nil:
		return nil, ErrNoKeySource
	}
	return s, nil
}

// Encrypt seals plaintext bound to encCtx.
func (s *Service) Encrypt(ctx context.Context, plaintext []byte, encCtx map[string]string) (string, error) {
	start := time.Now()
	aad := CanonicalContext(encCtx)

	if s.kms == nil {
		out, err := sealLocal(s.random, s.fallbackSecret, s.pbkdf2Iterations, plaintext, aad)
		s.record("encrypt", modeLocal, start, err)
		return out, err
	}

	out, err := s.encryptKMS(ctx, plaintext, encCtx, aad)
	if err == nil {
		s.record("encrypt", modeKMS, start, nil)
		return out, nil
	}
	if credvault.IsRetryable(err) && s.fallbackSecret != nil && !s.production {
		s.logger.WarnContext(ctx, "kms unavailable, sealing with local key", "error", err)
		out, err = sealLocal(s.random, s.fallbackSecret, s.pbkdf2Iterations, plaintext, aad)
		s.record("encrypt", modeLocal, start, err)
		return out, err
	}
	s.record("encrypt", modeKMS, start, err)
	return "", err
}

func (s *Service) encryptKMS(ctx context.Context, plaintext []byte, encCtx map[string]string, aad []byte) (string, error) {
	var dk *DataKey
	err := s.retry.Execute(ctx, func(ctx context.Context) error {
		var err error
		dk, err = s.kms.GenerateDataKey(ctx, s.masterKeyID, encCtx)
		return translateKMSError(err)
	})
	if err != nil {
		return "", fmt.Errorf("generate data key: %w", err)
	}
	defer security.ZeroBytes(dk.Plaintext)

	sealed, err := seal(s.random, dk.Plaintext, plaintext, aad)
	if err != nil {
		return "", err
	}
	return base64.StdEncoding.EncodeToString(dk.Encrypted) + ":" + base64.StdEncoding.EncodeToString(sealed), nil
}

// Decrypt opens a stored value. It fails unless encCtx equals the context
// used by Encrypt. Every error wraps ErrDecryptionFailed.
func (s *Service) Decrypt(ctx context.Context, stored string, encCtx map[string]string) ([]byte, error) {
	start := time.Now()
	aad := CanonicalContext(encCtx)

	if IsLocal(stored) {
		if s.fallbackSecret == nil {
			err := fmt.Errorf("%w: %w", ErrDecryptionFailed, ErrNoKeySource)
			s.record("decrypt", modeLocal, start, err)
			return nil, err
		}
		plaintext, err := openLocal(s.fallbackSecret, s.pbkdf2Iterations, stored, aad)
		if err != nil {
			err = fmt.Errorf("%w: %w", ErrDecryptionFailed, err)
		}
		s.record("decrypt", modeLocal, start, err)
		return plaintext, err
	}

	plaintext, err := s.decryptKMS(ctx, stored, encCtx, aad)
	if err != nil {
		err = fmt.Errorf("%w: %w", ErrDecryptionFailed, err)
	}
	s.record("decrypt", modeKMS, start, err)
	return plaintext, err
}

func (s *Service) decryptKMS(ctx context.Context, stored string, encCtx map[string]string, aad []byte) ([]byte, error) {
	keyPart, payloadPart, ok := strings.Cut(stored, ":")
	if !ok || keyPart == "" || payloadPart == "" || strings.Contains(payloadPart, ":") {
		return nil, ErrMalformedCiphertext
	}
	encryptedKey, err := base64.StdEncoding.DecodeString(keyPart)
	if err != nil {
		return nil, fmt.Errorf("%w: data key: %w", ErrMalformedCiphertext, err)
	}
	sealed, err := base64.StdEncoding.DecodeString(payloadPart)
	if err != nil {
		return nil, fmt.Errorf("%w: payload: %w", ErrMalformedCiphertext, err)
	}
	if s.kms == nil {
		return nil, ErrNoKeySource
	}

	var key []byte
	err = s.retry.Execute(ctx, func(ctx context.Context) error {
		var err error
		key, err = s.kms.Decrypt(ctx, s.masterKeyID, encryptedKey, encCtx)
		return translateKMSError(err)
	})
	if err != nil {
		return nil, err
	}
	defer security.ZeroBytes(key)

	return open(key, sealed, aad)
}

// EncryptString is Encrypt for string values.
func (s *Service) EncryptString(ctx context.Context, plaintext string, encCtx map[string]string) (string, error) {
	return s.Encrypt(ctx, []byte(plaintext), encCtx)
}

// DecryptString is Decrypt for string values.
func (s *Service) DecryptString(ctx context.Context, stored string, encCtx map[string]string) (string, error) {
	b, err := s.Decrypt(ctx, stored, encCtx)
	if err != nil {
		return "", err
	}
	defer security.ZeroBytes(b)
	return string(b), nil
}

// Reencrypt opens stored and seals it again in the current mode, e.g. to
// move values written in fallback mode under the KMS once it is available.
func (s *Service) Reencrypt(ctx context.Context, stored string, encCtx map[string]string) (string, error) {
	plaintext, err := s.Decrypt(ctx, stored, encCtx)
	if err != nil {
		return "", err
	}
	defer security.ZeroBytes(plaintext)
	return s.Encrypt(ctx, plaintext, encCtx)
}

func (s *Service) record(operation, mode string, start time.Time, err error) {
	status := "success"
	if err != nil {
		status = "error"
		s.logger.Debug("envelope operation failed", "operation", operation, "mode", mode, "error", err)
	}
	s.metrics.IncrementCounter(monitoring.MetricEnvelopeOperations, map[string]string{
		"operation": operation,
		"mode":      mode,
		"status":    status,
	})
	if mode == modeKMS {
		s.metrics.RecordTiming(monitoring.MetricBackendDuration, time.Since(start), map[string]string{
			"backend":   "kms",
			"operation": operation,
		})
	}
}

// translateKMSError maps KMS failures onto the error taxonomy: context
// problems stay security errors, transport problems become
// ErrBackendUnavailable.
func translateKMSError(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, ErrContextMismatch):
		return err
	case credvault.IsSecurityError(err):
		return fmt.Errorf("%w: %w", ErrContextMismatch, err)
	case credvault.IsRetryable(err):
		return err
	case errors.Is(err, context.Canceled):
		return err
	case reliability.IsTemporaryError(err):
		return credvault.NewBackendUnavailableError("kms", err)
	}
	return err
}
