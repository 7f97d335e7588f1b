package secretstore

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"unicode"

	"github.com/hengadev/credvault"
)

// Secret is a versioned key/value map read from the backend.
type Secret struct {
	Path    string
	Version int
	Data    map[string]string
	// Context carries backend metadata (custom metadata in Vault KV v2).
	Context map[string]string
}

// Clone returns a deep copy. Secrets handed out by the client are always
// copies so callers cannot mutate cached entries.
func (s *Secret) Clone() *Secret {
	if s == nil {
		return nil
	}
	out := &Secret{Path: s.Path, Version: s.Version}
	if s.Data != nil {
		out.Data = make(map[string]string, len(s.Data))
		for k, v := range s.Data {
			out.Data[k] = v
		}
	}
	if s.Context != nil {
		out.Context = make(map[string]string, len(s.Context))
		for k, v := range s.Context {
			out.Context[k] = v
		}
	}
	return out
}

// Field returns one value of the secret. Without a field name, a secret
// holding a single key (or a "value" key) yields that value.
func (s *Secret) Field(field string) (string, error) {
	if field != "" {
		v, ok := s.Data[field]
		if !ok {
			return "", credvault.NewNotFoundError("field", s.Path+"#"+field)
		}
		return v, nil
	}
	if v, ok := s.Data["value"]; ok {
		return v, nil
	}
	if len(s.Data) == 1 {
		for _, v := range s.Data {
			return v, nil
		}
	}
	return "", credvault.NewValidationError("field", fmt.Sprintf("secret %q holds %d keys, a field name is required", s.Path, len(s.Data)))
}

// ErrVersionConflict is returned by Backend.Write when the check-and-set
// version does not match the stored version.
var ErrVersionConflict = errors.New("secret version conflict")

// Backend is a versioned KV store. Paths passed to it are fully namespaced.
//
// Read returns an error wrapping credvault.ErrNotFound for a missing path
// and credvault.ErrBackendUnavailable for transport failures. Write stores
// data as a new version; a non-nil cas must equal the current version (0
// meaning "must not exist yet"), otherwise ErrVersionConflict is returned.
type Backend interface {
	Read(ctx context.Context, path string) (*Secret, error)
	Write(ctx context.Context, path string, data map[string]string, cas *int) (int, error)
	List(ctx context.Context, prefix string) ([]string, error)
}

// EnvName returns the environment variable consulted for path and field:
// both upper-cased, non-alphanumerics replaced by '_' and joined with '_'.
// EnvName("flask", "secret_key") is FLASK_SECRET_KEY.
func EnvName(path, field string) string {
	name := envSegment(path)
	if field != "" {
		name += "_" + envSegment(field)
	}
	return name
}

func envSegment(s string) string {
	var b strings.Builder
	for _, r := range s {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			b.WriteRune(unicode.ToUpper(r))
		} else {
			b.WriteByte('_')
		}
	}
	return strings.Trim(b.String(), "_")
}
