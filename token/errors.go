package token

import (
	"errors"
	"fmt"

	"github.com/hengadev/credvault"
)

// ErrInvalidToken is the only verification failure callers see. The
// underlying reason is available through Reason for internal logging.
var ErrInvalidToken = fmt.Errorf("%w: invalid token", credvault.ErrSecurity)

// ErrRecordNotFound is returned by stores for an unknown jti.
var ErrRecordNotFound = fmt.Errorf("%w: refresh token record", credvault.ErrNotFound)

// FailureReason classifies a verification failure.
type FailureReason string

const (
	ReasonNone          FailureReason = ""
	ReasonMalformed     FailureReason = "malformed"
	ReasonBadSignature  FailureReason = "bad_signature"
	ReasonExpired       FailureReason = "expired"
	ReasonNotYetValid   FailureReason = "not_yet_valid"
	ReasonWrongType     FailureReason = "wrong_type"
	ReasonMissingRecord FailureReason = "missing_record"
	ReasonRevoked       FailureReason = "revoked"
	ReasonReused        FailureReason = "reused"
	ReasonHashMismatch  FailureReason = "hash_mismatch"
)

// invalidTokenError prints as ErrInvalidToken whatever the cause, so it can
// be returned to external callers unchanged.
type invalidTokenError struct {
	reason FailureReason
	cause  error
}

func invalid(reason FailureReason, cause error) error {
	return &invalidTokenError{reason: reason, cause: cause}
}

func (e *invalidTokenError) Error() string {
	return ErrInvalidToken.Error()
}

func (e *invalidTokenError) Is(target error) bool {
	return target == ErrInvalidToken || errors.Is(ErrInvalidToken, target)
}

func (e *invalidTokenError) Unwrap() error {
	return e.cause
}

// Reason returns why a token was rejected, or ReasonNone if err is not a
// verification failure. For internal logs and metrics only.
func Reason(err error) FailureReason {
	var e *invalidTokenError
	if errors.As(err, &e) {
		return e.reason
	}
	return ReasonNone
}
