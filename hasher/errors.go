package hasher

import (
	"errors"
	"fmt"

	"github.com/hengadev/credvault"
)

var (
	ErrEmptyInput = fmt.Errorf("%w: password is empty", credvault.ErrValidation)
	ErrTooShort   = fmt.Errorf("%w: password is too short", credvault.ErrValidation)
	ErrTooLong    = fmt.Errorf("%w: password is too long", credvault.ErrValidation)

	// ErrUnknownAlgorithm is returned when a stored hash carries a tag
	// without a registered verifier.
	ErrUnknownAlgorithm = errors.New("unknown password hash algorithm")

	ErrMalformedRecord = fmt.Errorf("%w: malformed password hash", credvault.ErrValidation)

	// ErrInsecureAlgorithm is returned when hashing with sha256-insecure
	// was not explicitly allowed.
	ErrInsecureAlgorithm = fmt.Errorf("%w: insecure password hashing is disabled", credvault.ErrConfiguration)
)
