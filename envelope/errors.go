package envelope

import (
	"errors"
	"fmt"

	"github.com/hengadev/credvault"
)

var (
	// ErrDecryptionFailed wraps every Decrypt failure. It is the only error
	// detail that should reach external callers.
	ErrDecryptionFailed = errors.New("decryption failed")

	// ErrContextMismatch means the ciphertext was sealed under another
	// encryption context, or was tampered with.
	ErrContextMismatch = fmt.Errorf("%w: encryption context mismatch", credvault.ErrSecurity)

	ErrMalformedCiphertext = fmt.Errorf("%w: malformed encrypted field", credvault.ErrValidation)

	// ErrNoKeySource is returned when neither a KMS nor a fallback secret can
	// serve the request.
	ErrNoKeySource = fmt.Errorf("%w: no KMS and no fallback secret configured", credvault.ErrConfiguration)
)
