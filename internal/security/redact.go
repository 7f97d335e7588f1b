package security

import "log/slog"

const redactedMarker = "****"

// Redact masks a secret for logging: at most the first and last two
// characters survive. Values of six characters or fewer are fully masked.
func Redact(value string) string {
	if value == "" {
		return ""
	}
	r := []rune(value)
	if len(r) <= 6 {
		return redactedMarker
	}
	return string(r[:2]) + redactedMarker + string(r[len(r)-2:])
}

// Secret wraps a value so that %v, %s, %#v and slog attributes never print it.
type Secret string

func (s Secret) String() string       { return Redact(string(s)) }
func (s Secret) GoString() string     { return Redact(string(s)) }
func (s Secret) LogValue() slog.Value { return slog.StringValue(Redact(string(s))) }
