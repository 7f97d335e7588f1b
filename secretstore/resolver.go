package secretstore

import (
	"context"
	"os"

	"github.com/hengadev/credvault"
)

// Query describes one Get call as seen by the resolvers.
type Query struct {
	Path         string
	Field        string
	FallbackEnv  string
	Default      *string
	ForceRefresh bool
}

// EnvName returns the environment variable consulted for this query.
func (q Query) EnvName() string {
	if q.FallbackEnv != "" {
		return q.FallbackEnv
	}
	return EnvName(q.Path, q.Field)
}

// Resolver is one source in the ranked resolution chain. Resolve returns an
// error wrapping credvault.ErrNotFound when it has no answer; any other
// error is logged and the next resolver is tried.
type Resolver interface {
	Name() string
	Resolve(ctx context.Context, q Query) (string, error)
}

// Resolver names, also used as the "source" metric label.
const (
	SourceCache   = "cache"
	SourceBackend = "backend"
	SourceEnv     = "env"
	SourceDefault = "default"
)

type cacheResolver struct {
	cache *Cache
}

// CacheResolver answers from fresh cache entries unless the query forces a
// refresh.
func CacheResolver(cache *Cache) Resolver {
	return cacheResolver{cache: cache}
}

func (r cacheResolver) Name() string { return SourceCache }

func (r cacheResolver) Resolve(_ context.Context, q Query) (string, error) {
	if q.ForceRefresh {
		return "", credvault.ErrNotFound
	}
	s, ok := r.cache.Get(q.Path)
	if !ok {
		return "", credvault.ErrNotFound
	}
	return s.Field(q.Field)
}

type backendResolver struct {
	client *Client
}

func (r backendResolver) Name() string { return SourceBackend }

func (r backendResolver) Resolve(ctx context.Context, q Query) (string, error) {
	s, err := r.client.fetch(ctx, q.Path)
	if err != nil {
		return "", err
	}
	return s.Field(q.Field)
}

type envResolver struct {
	lookup func(string) (string, bool)
}

// EnvResolver answers from environment variables named by Query.EnvName.
// lookup defaults to os.LookupEnv.
func EnvResolver(lookup func(string) (string, bool)) Resolver {
	if lookup == nil {
		lookup = os.LookupEnv
	}
	return envResolver{lookup: lookup}
}

func (r envResolver) Name() string { return SourceEnv }

func (r envResolver) Resolve(_ context.Context, q Query) (string, error) {
	name := q.EnvName()
	if v, ok := r.lookup(name); ok && v != "" {
		return v, nil
	}
	return "", credvault.NewNotFoundError("environment variable", name)
}

type defaultResolver struct{}

// DefaultResolver answers with the caller-supplied default, if any.
func DefaultResolver() Resolver {
	return defaultResolver{}
}

func (defaultResolver) Name() string { return SourceDefault }

func (defaultResolver) Resolve(_ context.Context, q Query) (string, error) {
	if q.Default == nil {
		return "", credvault.ErrNotFound
	}
	return *q.Default, nil
}

// StaticResolver answers from a fixed map keyed by EnvName. Useful as a
// fake in tests.
type StaticResolver map[string]string

func (StaticResolver) Name() string { return "static" }

func (r StaticResolver) Resolve(_ context.Context, q Query) (string, error) {
	if v, ok := r[EnvName(q.Path, q.Field)]; ok {
		return v, nil
	}
	return "", credvault.ErrNotFound
}
