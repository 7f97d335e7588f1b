package hasher

import (
	"crypto/sha256"
	"errors"

	"github.com/hengadev/credvault/internal/security"
	"golang.org/x/crypto/argon2"
	"golang.org/x/crypto/bcrypt"
)

// Verifier checks a password against a parsed record of one algorithm.
type Verifier interface {
	Verify(password string, rec Record) (bool, error)
}

// VerifierFunc adapts a function to the Verifier interface.
type VerifierFunc func(password string, rec Record) (bool, error)

func (f VerifierFunc) Verify(password string, rec Record) (bool, error) {
	return f(password, rec)
}

func defaultVerifiers() map[Algorithm]Verifier {
	return map[Algorithm]Verifier{
		Argon2id:       VerifierFunc(verifyArgon2id),
		Bcrypt:         VerifierFunc(verifyBcrypt),
		SHA256Insecure: VerifierFunc(verifySHA256),
	}
}

func verifyArgon2id(password string, rec Record) (bool, error) {
	computed := argon2.IDKey(
		[]byte(password),
		rec.Salt,
		rec.Params.Iterations,
		rec.Params.Memory,
		rec.Params.Parallelism,
		uint32(len(rec.Digest)),
	)
	return security.ConstantTimeEq(computed, rec.Digest), nil
}

func verifyBcrypt(password string, rec Record) (bool, error) {
	err := bcrypt.CompareHashAndPassword([]byte(rec.Encoded), []byte(password))
	switch {
	case err == nil:
		return true, nil
	case errors.Is(err, bcrypt.ErrMismatchedHashAndPassword):
		return false, nil
	default:
		return false, err
	}
}

func verifySHA256(password string, rec Record) (bool, error) {
	computed := sha256Digest(rec.Salt, password)
	return security.ConstantTimeEq(computed, rec.Digest), nil
}

func sha256Digest(salt []byte, password string) []byte {
	h := sha256.New()
	h.Write(salt)
	h.Write([]byte(password))
	return h.Sum(nil)
}
