// Package secretstore reads application secrets through a ranked list of
// resolvers: a TTL cache, a versioned KV backend, environment variables and
// finally a caller-supplied default.
//
// Backend paths are namespaced {application}/{environment}/{path}. Writes go
// through to the backend with check-and-set on the last version seen and
// then invalidate the cached entry, so the next read fetches the new value.
package secretstore

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/hengadev/credvault"
	"github.com/hengadev/credvault/internal/monitoring"
	"github.com/hengadev/credvault/internal/reliability"
	"github.com/hengadev/credvault/internal/security"
)

// Client is safe for concurrent use.
type Client struct {
	backend   Backend
	namespace string
	cache     *Cache
	resolvers []Resolver
	retry     *reliability.RetryExecutor
	logger    *slog.Logger
	metrics   monitoring.MetricsCollector

	mu       sync.Mutex
	versions map[string]int
}

type clientOptions struct {
	now       func() time.Time
	envLookup func(string) (string, bool)
	resolvers []Resolver
	retry     *reliability.RetryExecutor
	logger    *slog.Logger
	metrics   monitoring.MetricsCollector
}

// Option configures a Client.
type Option func(*clientOptions)

// WithClock replaces time.Now for cache expiry.
func WithClock(now func() time.Time) Option {
	return func(o *clientOptions) { o.now = now }
}

// WithEnvLookup replaces os.LookupEnv in the environment resolver.
func WithEnvLookup(lookup func(string) (string, bool)) Option {
	return func(o *clientOptions) { o.envLookup = lookup }
}

// WithResolvers replaces the default chain. Use Client.CacheResolver and
// Client.BackendResolver to keep the built-in stages.
func WithResolvers(resolvers ...Resolver) Option {
	return func(o *clientOptions) { o.resolvers = resolvers }
}

func WithRetry(r *reliability.RetryExecutor) Option {
	return func(o *clientOptions) { o.retry = r }
}

func WithLogger(logger *slog.Logger) Option {
	return func(o *clientOptions) { o.logger = logger }
}

func WithMetrics(m monitoring.MetricsCollector) Option {
	return func(o *clientOptions) { o.metrics = m }
}

// New creates a Client. backend may be nil outside production, in which case
// only the environment and defaults can answer.
func New(backend Backend, cfg credvault.Config, opts ...Option) (*Client, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if backend == nil && cfg.IsProduction() {
		return nil, credvault.NewConfigurationError("backend", "a secret backend is required in production")
	}

	o := clientOptions{}
	for _, opt := range opts {
		opt(&o)
	}
	logger := monitoring.OrNop(o.logger)
	if o.retry == nil {
		o.retry = reliability.NewRetryExecutorFromConfig(reliability.BackendRetryConfig(cfg.BackendMaxAttempts, cfg.BackendTimeout))
		o.retry.SetOnRetryCallback(func(attempt int, delay time.Duration, err error) {
			logger.Debug("retrying secret backend call", "attempt", attempt, "delay", delay, "error", err)
		})
	}

	c := &Client{
		backend:   backend,
		namespace: cfg.Namespace(),
		cache:     NewCache(cfg.SecretCacheTTL, o.now),
		retry:     o.retry,
		logger:    logger,
		metrics:   monitoring.OrNoOp(o.metrics),
		versions:  make(map[string]int),
	}

	c.resolvers = o.resolvers
	if c.resolvers == nil {
		c.resolvers = []Resolver{c.CacheResolver()}
		if backend != nil {
			c.resolvers = append(c.resolvers, c.BackendResolver())
		}
		c.resolvers = append(c.resolvers, EnvResolver(o.envLookup), DefaultResolver())
	}
	return c, nil
}

// CacheResolver returns the resolver backed by this client's cache.
func (c *Client) CacheResolver() Resolver {
	return CacheResolver(c.cache)
}

// BackendResolver returns the resolver that reads through this client's
// backend and fills its cache.
func (c *Client) BackendResolver() Resolver {
	return backendResolver{client: c}
}

// GetOption tunes a single Get call.
type GetOption func(*Query)

// WithField selects one key of the secret.
func WithField(field string) GetOption {
	return func(q *Query) { q.Field = field }
}

// WithFallbackEnv overrides the environment variable name.
func WithFallbackEnv(name string) GetOption {
	return func(q *Query) { q.FallbackEnv = name }
}

// WithDefault is returned when no other resolver has a value.
func WithDefault(value string) GetOption {
	return func(q *Query) { q.Default = &value }
}

// ForceRefresh bypasses the cache.
func ForceRefresh() GetOption {
	return func(q *Query) { q.ForceRefresh = true }
}

// Get resolves one secret value. It fails with an error wrapping
// credvault.ErrNotFound when every resolver comes up empty.
func (c *Client) Get(ctx context.Context, path string, opts ...GetOption) (string, error) {
	q := Query{Path: path}
	for _, opt := range opts {
		opt(&q)
	}
	if err := validatePath(path); err != nil {
		return "", err
	}

	var lastErr error
	for _, r := range c.resolvers {
		value, err := r.Resolve(ctx, q)
		if err == nil {
			c.metrics.IncrementCounter(monitoring.MetricSecretLookups, map[string]string{"source": r.Name()})
			c.logger.DebugContext(ctx, "secret resolved",
				"path", path, "field", q.Field, "source", r.Name(), "value", security.Secret(value))
			return value, nil
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return "", ctxErr
		}
		if !credvault.IsNotFound(err) {
			c.logger.WarnContext(ctx, "secret resolver failed",
				"path", path, "source", r.Name(), "error", err)
			lastErr = err
		}
	}

	c.metrics.IncrementCounter(monitoring.MetricSecretLookups, map[string]string{"source": "none"})
	if lastErr != nil {
		return "", fmt.Errorf("%w: secret %q: %w", credvault.ErrNotFound, path, lastErr)
	}
	return "", credvault.NewNotFoundError("secret", path)
}

// GetSecret returns the whole secret from the cache or the backend.
// Environment variables are not consulted.
func (c *Client) GetSecret(ctx context.Context, path string, opts ...GetOption) (*Secret, error) {
	q := Query{Path: path}
	for _, opt := range opts {
		opt(&q)
	}
	if err := validatePath(path); err != nil {
		return nil, err
	}
	if !q.ForceRefresh {
		if s, ok := c.cache.Get(path); ok {
			c.metrics.IncrementCounter(monitoring.MetricSecretLookups, map[string]string{"source": SourceCache})
			return s, nil
		}
	}
	s, err := c.fetch(ctx, path)
	if err != nil {
		return nil, err
	}
	c.metrics.IncrementCounter(monitoring.MetricSecretLookups, map[string]string{"source": SourceBackend})
	return s, nil
}

// fetch reads path from the backend and caches the result. The cache is
// written only after a complete read, and not at all if a write invalidated
// path while the read was in flight.
func (c *Client) fetch(ctx context.Context, path string) (*Secret, error) {
	if c.backend == nil {
		return nil, credvault.NewNotFoundError("secret backend for", path)
	}

	full := c.fullPath(path)
	gen := c.cache.Generation(path)
	var s *Secret
	start := time.Now()
	err := c.retry.Execute(ctx, func(ctx context.Context) error {
		var err error
		s, err = c.backend.Read(ctx, full)
		return err
	})
	c.metrics.RecordTiming(monitoring.MetricBackendDuration, time.Since(start),
		map[string]string{"backend": "secret", "operation": "read"})
	if err != nil {
		if !credvault.IsNotFound(err) {
			c.metrics.IncrementCounter(monitoring.MetricBackendErrors,
				map[string]string{"backend": "secret", "operation": "read"})
		}
		return nil, err
	}
	if s == nil {
		return nil, credvault.NewNotFoundError("secret", path)
	}

	s = s.Clone()
	s.Path = path
	if c.cache.PutIfCurrent(path, s, gen) {
		c.rememberVersion(path, s.Version)
	}
	return s, nil
}

// Set writes data as the new version of path and invalidates the cached
// entry. When a version of path has been seen before it is used for
// check-and-set.
func (c *Client) Set(ctx context.Context, path string, data map[string]string) error {
	if err := validatePath(path); err != nil {
		return err
	}
	var cas *int
	if v, ok := c.lastVersion(path); ok {
		cas = &v
	}
	return c.write(ctx, path, data, cas)
}

// Rotate replaces one field of path with newValue, keeping the other
// fields, and invalidates the cached entry. The current version is read
// fresh from the backend and used for check-and-set.
func (c *Client) Rotate(ctx context.Context, path, field, newValue string) error {
	if err := validatePath(path); err != nil {
		return err
	}
	if field == "" {
		return credvault.NewValidationError("field", "rotation requires a field name")
	}
	if newValue == "" {
		return credvault.NewValidationError("value", "rotation requires a non-empty value")
	}

	data := map[string]string{}
	cas := 0
	current, err := c.fetch(ctx, path)
	switch {
	case err == nil:
		data = current.Data
		cas = current.Version
	case credvault.IsNotFound(err):
		// first write of this secret
	default:
		return fmt.Errorf("read %q before rotation: %w", path, err)
	}
	if data == nil {
		data = map[string]string{}
	}
	data[field] = newValue

	if err := c.write(ctx, path, data, &cas); err != nil {
		return err
	}
	c.logger.InfoContext(ctx, "secret rotated", "path", path, "field", field, "value", security.Secret(newValue))
	return nil
}

func (c *Client) write(ctx context.Context, path string, data map[string]string, cas *int) error {
	if c.backend == nil {
		return credvault.NewConfigurationError("backend", "no secret backend configured for writes")
	}

	full := c.fullPath(path)
	var version int
	err := c.retry.Execute(ctx, func(ctx context.Context) error {
		var err error
		version, err = c.backend.Write(ctx, full, data, cas)
		return err
	})
	// invalidate, never update: a concurrent writer may have won
	c.cache.Invalidate(path)
	if err != nil {
		if errors.Is(err, ErrVersionConflict) {
			c.forgetVersion(path)
		} else {
			c.metrics.IncrementCounter(monitoring.MetricBackendErrors,
				map[string]string{"backend": "secret", "operation": "write"})
		}
		return fmt.Errorf("write %q: %w", path, err)
	}
	c.rememberVersion(path, version)
	return nil
}

// List returns the logical paths stored under prefix.
func (c *Client) List(ctx context.Context, prefix string) ([]string, error) {
	if c.backend == nil {
		return nil, credvault.NewConfigurationError("backend", "no secret backend configured")
	}
	var paths []string
	err := c.retry.Execute(ctx, func(ctx context.Context) error {
		var err error
		paths, err = c.backend.List(ctx, c.fullPath(prefix))
		return err
	})
	if err != nil {
		return nil, err
	}
	out := make([]string, 0, len(paths))
	for _, p := range paths {
		out = append(out, strings.TrimPrefix(p, c.namespace+"/"))
	}
	return out, nil
}

// ClearCache drops the given paths from the cache, or everything.
func (c *Client) ClearCache(paths ...string) {
	c.cache.Invalidate(paths...)
}

// Namespace returns the {application}/{environment} prefix.
func (c *Client) Namespace() string {
	return c.namespace
}

func (c *Client) fullPath(path string) string {
	path = strings.Trim(path, "/")
	if path == "" {
		return c.namespace
	}
	return c.namespace + "/" + path
}

func (c *Client) rememberVersion(path string, v int) {
	c.mu.Lock()
	c.versions[path] = v
	c.mu.Unlock()
}

func (c *Client) forgetVersion(path string) {
	c.mu.Lock()
	delete(c.versions, path)
	c.mu.Unlock()
}

func (c *Client) lastVersion(path string) (int, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	v, ok := c.versions[path]
	return v, ok
}

func validatePath(path string) error {
	if strings.Trim(path, "/") == "" {
		return credvault.NewValidationError("path", "secret path is required")
	}
	if strings.Contains(path, "..") {
		return credvault.NewValidationError("path", "secret path cannot contain '..'")
	}
	return nil
}
