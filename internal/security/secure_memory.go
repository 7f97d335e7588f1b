package security

import (
	"crypto/subtle"

	"github.com/awnumar/memguard"
)

// ZeroBytes wipes a byte slice holding key material.
//
// Sensitive data (passwords, keys, secrets) must be kept as []byte for this to
// mean anything: Go strings are immutable and cannot be erased.
func ZeroBytes(data []byte) {
	if len(data) == 0 {
		return
	}
	memguard.WipeBytes(data)
}

// ConstantTimeEq reports whether a and b are equal without leaking timing
// information about where they differ.
func ConstantTimeEq(a, b []byte) bool {
	return subtle.ConstantTimeCompare(a, b) == 1
}

// SecureCompareStrings is ConstantTimeEq for strings.
func SecureCompareStrings(a, b string) bool {
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}
