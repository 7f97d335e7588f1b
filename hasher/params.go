package hasher

import (
	"fmt"

	"github.com/hengadev/errsx"
)

// Argon2Params defines the parameters for Argon2id. Memory is in KiB.
type Argon2Params struct {
	Memory      uint32
	Iterations  uint32
	Parallelism uint8
	SaltLength  uint32
	KeyLength   uint32
}

// Floors enforced by Validate.
const (
	MinArgon2Memory     = 19 * 1024
	MinArgon2Iterations = 2
	MinSaltLength       = 16
	MinKeyLength        = 32

	// MinBcryptCost is the lowest bcrypt cost accepted for new hashes.
	MinBcryptCost = 12
)

// DefaultArgon2Params returns recommended parameters for Argon2id
func DefaultArgon2Params() Argon2Params {
	return Argon2Params{
		Memory:      64 * 1024, // 64MB
		Iterations:  3,
		Parallelism: 2,
		SaltLength:  16,
		KeyLength:   32,
	}
}

// Validate checks the parameters against the floors. The returned error is
// an errsx.Map keyed by field name.
func (p Argon2Params) Validate() error {
	errs := errsx.Map{}

	if p.Memory < MinArgon2Memory {
		errs.Set("memory", fmt.Errorf("memory must be at least %d KiB, got %d", MinArgon2Memory, p.Memory))
	}
	if p.Iterations < MinArgon2Iterations {
		errs.Set("iterations", fmt.Errorf("iterations must be at least %d, got %d", MinArgon2Iterations, p.Iterations))
	}
	if p.Parallelism < 1 {
		errs.Set("parallelism", fmt.Errorf("parallelism must be at least 1, got %d", p.Parallelism))
	}
	if p.SaltLength < MinSaltLength {
		errs.Set("saltLength", fmt.Errorf("salt length must be at least %d bytes, got %d", MinSaltLength, p.SaltLength))
	}
	if p.KeyLength < MinKeyLength {
		errs.Set("keyLength", fmt.Errorf("key length must be at least %d bytes, got %d", MinKeyLength, p.KeyLength))
	}

	return errs.AsError()
}

// weakerThan reports whether a stored record was produced with cheaper
// settings than p.
func (p Argon2Params) weakerThan(rec Params) bool {
	return rec.Memory < p.Memory ||
		rec.Iterations < p.Iterations ||
		rec.Parallelism < p.Parallelism ||
		rec.KeyLength < p.KeyLength
}
