// Package hasher hashes and verifies passwords.
//
// New hashes use the preferred algorithm (Argon2id unless configured
// otherwise). Verification dispatches on the algorithm tag of the stored
// record, so Argon2id, bcrypt and legacy salted SHA-256 records can coexist
// while users migrate. NeedsRehash and VerifyAndUpgrade let callers replace
// stale records on the next successful login.
package hasher

import (
	"fmt"
	"io"
	"log/slog"
	"unicode/utf8"

	"github.com/hengadev/credvault/internal/monitoring"
	"github.com/hengadev/credvault/internal/security"
	"golang.org/x/crypto/argon2"
	"golang.org/x/crypto/bcrypt"
)

// maxBcryptPasswordBytes is the input limit of bcrypt.
const maxBcryptPasswordBytes = 72

// Hasher is safe for concurrent use.
type Hasher struct {
	preferred     Algorithm
	argon2        Argon2Params
	bcryptCost    int
	minLength     int
	allowInsecure bool
	verifiers     map[Algorithm]Verifier
	logger        *slog.Logger
	metrics       monitoring.MetricsCollector
	random        io.Reader
}

// Option configures a Hasher.
type Option func(*Hasher) error

// WithAlgorithm selects the algorithm used for new hashes.
func WithAlgorithm(alg Algorithm) Option {
	return func(h *Hasher) error {
		switch alg {
		case Argon2id, Bcrypt, SHA256Insecure:
			h.preferred = alg
			return nil
		}
		return fmt.Errorf("%w: %q", ErrUnknownAlgorithm, alg)
	}
}

// WithArgon2Params sets the Argon2id parameters; they must pass Validate.
func WithArgon2Params(p Argon2Params) Option {
	return func(h *Hasher) error {
		if err := p.Validate(); err != nil {
			return fmt.Errorf("invalid argon2 parameters: %w", err)
		}
		h.argon2 = p
		return nil
	}
}

// WithBcryptCost sets the bcrypt cost, at least MinBcryptCost.
func WithBcryptCost(cost int) Option {
	return func(h *Hasher) error {
		if cost < MinBcryptCost || cost > bcrypt.MaxCost {
			return fmt.Errorf("bcrypt cost must be between %d and %d, got %d", MinBcryptCost, bcrypt.MaxCost, cost)
		}
		h.bcryptCost = cost
		return nil
	}
}

// WithMinLength sets the minimum password length in characters.
func WithMinLength(n int) Option {
	return func(h *Hasher) error {
		if n < 1 {
			return fmt.Errorf("minimum password length must be positive, got %d", n)
		}
		h.minLength = n
		return nil
	}
}

// WithAllowInsecure permits hashing with sha256-insecure. Records produced
// this way always report NeedsRehash.
func WithAllowInsecure() Option {
	return func(h *Hasher) error {
		h.allowInsecure = true
		return nil
	}
}

// WithVerifier registers or replaces the verifier for an algorithm tag.
func WithVerifier(alg Algorithm, v Verifier) Option {
	return func(h *Hasher) error {
		h.verifiers[alg] = v
		return nil
	}
}

func WithLogger(logger *slog.Logger) Option {
	return func(h *Hasher) error {
		h.logger = monitoring.OrNop(logger)
		return nil
	}
}

func WithMetrics(m monitoring.MetricsCollector) Option {
	return func(h *Hasher) error {
		h.metrics = monitoring.OrNoOp(m)
		return nil
	}
}

// New creates a Hasher preferring Argon2id with DefaultArgon2Params.
func New(opts ...Option) (*Hasher, error) {
	h := &Hasher{
		preferred:  Argon2id,
		argon2:     DefaultArgon2Params(),
		bcryptCost: MinBcryptCost,
		minLength:  8,
		verifiers:  defaultVerifiers(),
		logger:     monitoring.NopLogger(),
		metrics:    monitoring.NoOpMetricsCollector{},
		random:     security.Reader,
	}
	for _, opt := range opts {
		if err := opt(h); err != nil {
			return nil, fmt.Errorf("hasher: %w", err)
		}
	}
	if h.preferred == SHA256Insecure && !h.allowInsecure {
		return nil, fmt.Errorf("hasher: %w", ErrInsecureAlgorithm)
	}
	return h, nil
}

// Preferred returns the algorithm used for new hashes.
func (h *Hasher) Preferred() Algorithm {
	return h.preferred
}

// Hash produces a new salted record for password.
func (h *Hasher) Hash(password string) (Record, error) {
	if err := h.checkInput(password); err != nil {
		return Record{}, err
	}

	rec, err := h.hash(password)
	h.metrics.IncrementCounter(monitoring.MetricPasswordOperations, map[string]string{
		"operation": "hash",
		"algorithm": string(h.preferred),
		"status":    status(err),
	})
	if err != nil {
		return Record{}, err
	}
	if rec.Algorithm == SHA256Insecure {
		h.logger.Warn("password hashed with insecure algorithm", "algorithm", rec.Algorithm)
	}
	return rec, nil
}

func (h *Hasher) hash(password string) (Record, error) {
	switch h.preferred {
	case Argon2id:
		salt := make([]byte, h.argon2.SaltLength)
		if _, err := io.ReadFull(h.random, salt); err != nil {
			return Record{}, fmt.Errorf("failed to generate salt: %w", err)
		}
		digest := argon2.IDKey([]byte(password), salt,
			h.argon2.Iterations, h.argon2.Memory, h.argon2.Parallelism, h.argon2.KeyLength)
		params := Params{
			Memory:      h.argon2.Memory,
			Iterations:  h.argon2.Iterations,
			Parallelism: h.argon2.Parallelism,
			KeyLength:   h.argon2.KeyLength,
		}
		return Record{
			Algorithm: Argon2id,
			Params:    params,
			Salt:      salt,
			Digest:    digest,
			Encoded:   encodeArgon2id(params, salt, digest),
		}, nil

	case Bcrypt:
		if len(password) > maxBcryptPasswordBytes {
			return Record{}, ErrTooLong
		}
		encoded, err := bcrypt.GenerateFromPassword([]byte(password), h.bcryptCost)
		if err != nil {
			return Record{}, fmt.Errorf("bcrypt: %w", err)
		}
		return Record{
			Algorithm: Bcrypt,
			Params:    Params{Cost: h.bcryptCost},
			Encoded:   string(encoded),
		}, nil

	case SHA256Insecure:
		if !h.allowInsecure {
			return Record{}, ErrInsecureAlgorithm
		}
		salt := make([]byte, MinSaltLength)
		if _, err := io.ReadFull(h.random, salt); err != nil {
			return Record{}, fmt.Errorf("failed to generate salt: %w", err)
		}
		digest := sha256Digest(salt, password)
		return Record{
			Algorithm: SHA256Insecure,
			Salt:      salt,
			Digest:    digest,
			Encoded:   encodeSHA256(salt, digest),
		}, nil
	}
	return Record{}, ErrUnknownAlgorithm
}

// Verify checks password against an encoded record. A wrong password is
// (false, nil); an unparseable record or unregistered tag is an error.
func (h *Hasher) Verify(password, encoded string) (bool, error) {
	rec, err := Parse(encoded)
	if err != nil {
		h.metrics.IncrementCounter(monitoring.MetricPasswordOperations, map[string]string{
			"operation": "verify",
			"status":    "error",
		})
		return false, err
	}

	verifier, ok := h.verifiers[rec.Algorithm]
	if !ok {
		return false, fmt.Errorf("%w: %s", ErrUnknownAlgorithm, rec.Algorithm)
	}

	ok, err = verifier.Verify(password, rec)
	result := "mismatch"
	switch {
	case err != nil:
		result = "error"
	case ok:
		result = "success"
	}
	h.metrics.IncrementCounter(monitoring.MetricPasswordOperations, map[string]string{
		"operation": "verify",
		"algorithm": string(rec.Algorithm),
		"status":    result,
	})
	if err != nil {
		return false, err
	}
	return ok, nil
}

// NeedsRehash reports whether encoded should be replaced by a fresh hash:
// a different algorithm than the preferred one, weaker parameters than the
// current ones, or a record that cannot be parsed.
func (h *Hasher) NeedsRehash(encoded string) bool {
	rec, err := Parse(encoded)
	if err != nil {
		return true
	}
	if rec.Algorithm == SHA256Insecure || rec.Algorithm != h.preferred {
		return true
	}
	switch rec.Algorithm {
	case Argon2id:
		return h.argon2.weakerThan(rec.Params)
	case Bcrypt:
		return rec.Params.Cost < h.bcryptCost
	}
	return false
}

// VerifyAndUpgrade verifies password and, on success, returns a fresh
// encoded record when the stored one needs rehashing. newEncoded is empty
// when no upgrade is due.
func (h *Hasher) VerifyAndUpgrade(password, encoded string) (ok bool, newEncoded string, err error) {
	ok, err = h.Verify(password, encoded)
	if err != nil || !ok {
		return false, "", err
	}
	if !h.NeedsRehash(encoded) {
		return true, "", nil
	}

	rec, err := h.Hash(password)
	if err != nil {
		// the login itself succeeded; keep the old record
		h.logger.Warn("password rehash failed", "error", err)
		return true, "", nil
	}
	h.logger.Info("password record upgraded", "algorithm", rec.Algorithm)
	return true, rec.Encoded, nil
}

func (h *Hasher) checkInput(password string) error {
	if password == "" {
		return ErrEmptyInput
	}
	if utf8.RuneCountInString(password) < h.minLength {
		return fmt.Errorf("%w: minimum %d characters", ErrTooShort, h.minLength)
	}
	return nil
}

func status(err error) string {
	if err != nil {
		return "error"
	}
	return "success"
}
