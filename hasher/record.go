package hasher

import (
	"encoding/base64"
	"fmt"
	"strconv"
	"strings"

	"golang.org/x/crypto/argon2"
	"golang.org/x/crypto/bcrypt"
)

// Algorithm tags a password record with the scheme that produced it.
type Algorithm string

const (
	Argon2id       Algorithm = "argon2id"
	Bcrypt         Algorithm = "bcrypt"
	SHA256Insecure Algorithm = "sha256-insecure"
)

// Params holds the cost parameters recorded in a hash. Only the fields
// relevant to the algorithm are set.
type Params struct {
	Memory      uint32
	Iterations  uint32
	Parallelism uint8
	KeyLength   uint32
	Cost        int
}

// Record is a parsed password hash.
//
// Encoded forms:
//
//	$argon2id$v=19$m=65536,t=3,p=2$<salt>$<digest>
//	$2b$12$<bcrypt salt and digest>
//	$sha256-insecure$<salt>$<digest>
//
// Salts and digests use unpadded standard base64. For bcrypt, Salt and Digest
// are left empty and the library works on Encoded directly.
type Record struct {
	Algorithm Algorithm
	Params    Params
	Salt      []byte
	Digest    []byte
	Encoded   string
}

// Parse identifies the algorithm of an encoded hash and decodes its fields.
func Parse(encoded string) (Record, error) {
	switch {
	case strings.HasPrefix(encoded, "$argon2id$"):
		return parseArgon2id(encoded)
	case strings.HasPrefix(encoded, "$2a$"), strings.HasPrefix(encoded, "$2b$"), strings.HasPrefix(encoded, "$2y$"):
		return parseBcrypt(encoded)
	case strings.HasPrefix(encoded, "$"+string(SHA256Insecure)+"$"):
		return parseSHA256(encoded)
	case encoded == "":
		return Record{}, fmt.Errorf("%w: empty hash", ErrMalformedRecord)
	}
	return Record{}, ErrUnknownAlgorithm
}

func (r Record) String() string {
	return r.Encoded
}

func encodeArgon2id(p Params, salt, digest []byte) string {
	return fmt.Sprintf(
		"$argon2id$v=%d$m=%d,t=%d,p=%d$%s$%s",
		argon2.Version,
		p.Memory,
		p.Iterations,
		p.Parallelism,
		base64.RawStdEncoding.EncodeToString(salt),
		base64.RawStdEncoding.EncodeToString(digest),
	)
}

func encodeSHA256(salt, digest []byte) string {
	return fmt.Sprintf("$%s$%s$%s",
		SHA256Insecure,
		base64.RawStdEncoding.EncodeToString(salt),
		base64.RawStdEncoding.EncodeToString(digest),
	)
}

func parseArgon2id(encoded string) (Record, error) {
	parts := strings.Split(encoded, "$")
	if len(parts) != 6 || parts[0] != "" {
		return Record{}, fmt.Errorf("%w: invalid argon2id format", ErrMalformedRecord)
	}

	versionPart := parts[2]
	if !strings.HasPrefix(versionPart, "v=") {
		return Record{}, fmt.Errorf("%w: invalid version format", ErrMalformedRecord)
	}
	version, err := strconv.Atoi(versionPart[2:])
	if err != nil {
		return Record{}, fmt.Errorf("%w: invalid version number: %w", ErrMalformedRecord, err)
	}
	if version != argon2.Version {
		return Record{}, fmt.Errorf("%w: unsupported argon2 version %d", ErrMalformedRecord, version)
	}

	var params Params
	var seen int
	for _, pair := range strings.Split(parts[3], ",") {
		key, raw, ok := strings.Cut(pair, "=")
		if !ok {
			return Record{}, fmt.Errorf("%w: invalid parameter %q", ErrMalformedRecord, pair)
		}
		value, err := strconv.ParseUint(raw, 10, 32)
		if err != nil {
			return Record{}, fmt.Errorf("%w: invalid parameter value: %w", ErrMalformedRecord, err)
		}
		switch key {
		case "m":
			params.Memory = uint32(value)
		case "t":
			params.Iterations = uint32(value)
		case "p":
			if value > 255 {
				return Record{}, fmt.Errorf("%w: parallelism out of range", ErrMalformedRecord)
			}
			params.Parallelism = uint8(value)
		default:
			return Record{}, fmt.Errorf("%w: unknown parameter %q", ErrMalformedRecord, key)
		}
		seen++
	}
	if seen != 3 || params.Iterations == 0 || params.Parallelism == 0 {
		return Record{}, fmt.Errorf("%w: invalid parameters format", ErrMalformedRecord)
	}

	salt, err := base64.RawStdEncoding.DecodeString(parts[4])
	if err != nil {
		return Record{}, fmt.Errorf("%w: failed to decode salt: %w", ErrMalformedRecord, err)
	}
	digest, err := base64.RawStdEncoding.DecodeString(parts[5])
	if err != nil || len(digest) == 0 {
		return Record{}, fmt.Errorf("%w: failed to decode digest", ErrMalformedRecord)
	}
	params.KeyLength = uint32(len(digest))

	return Record{
		Algorithm: Argon2id,
		Params:    params,
		Salt:      salt,
		Digest:    digest,
		Encoded:   encoded,
	}, nil
}

func parseBcrypt(encoded string) (Record, error) {
	cost, err := bcrypt.Cost([]byte(encoded))
	if err != nil {
		return Record{}, fmt.Errorf("%w: %w", ErrMalformedRecord, err)
	}
	return Record{
		Algorithm: Bcrypt,
		Params:    Params{Cost: cost},
		Encoded:   encoded,
	}, nil
}

func parseSHA256(encoded string) (Record, error) {
	parts := strings.Split(encoded, "$")
	if len(parts) != 4 || parts[0] != "" {
		return Record{}, fmt.Errorf("%w: invalid %s format", ErrMalformedRecord, SHA256Insecure)
	}
	salt, err := base64.RawStdEncoding.DecodeString(parts[2])
	if err != nil {
		return Record{}, fmt.Errorf("%w: failed to decode salt: %w", ErrMalformedRecord, err)
	}
	digest, err := base64.RawStdEncoding.DecodeString(parts[3])
	if err != nil || len(digest) == 0 {
		return Record{}, fmt.Errorf("%w: failed to decode digest", ErrMalformedRecord)
	}
	return Record{
		Algorithm: SHA256Insecure,
		Salt:      salt,
		Digest:    digest,
		Encoded:   encoded,
	}, nil
}
