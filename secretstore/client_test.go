package secretstore

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/hengadev/credvault"
	"github.com/hengadev/credvault/internal/monitoring"
	"github.com/hengadev/credvault/internal/reliability"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

type mockBackend struct {
	mock.Mock
}

func (m *mockBackend) Read(ctx context.Context, path string) (*Secret, error) {
	args := m.Called(ctx, path)
	s, _ := args.Get(0).(*Secret)
	return s, args.Error(1)
}

func (m *mockBackend) Write(ctx context.Context, path string, data map[string]string, cas *int) (int, error) {
	args := m.Called(ctx, path, data, cas)
	return args.Int(0), args.Error(1)
}

func (m *mockBackend) List(ctx context.Context, prefix string) ([]string, error) {
	args := m.Called(ctx, prefix)
	paths, _ := args.Get(0).([]string)
	return paths, args.Error(1)
}

// flakyBackend wraps a MemoryBackend and fails reads while down is set.
type flakyBackend struct {
	*MemoryBackend
	down  atomic.Bool
	reads atomic.Int32
}

func (f *flakyBackend) Read(ctx context.Context, path string) (*Secret, error) {
	f.reads.Add(1)
	if f.down.Load() {
		return nil, credvault.NewBackendUnavailableError("vault", errors.New("connection refused"))
	}
	return f.MemoryBackend.Read(ctx, path)
}

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func testConfig() credvault.Config {
	cfg := credvault.DefaultConfig("billing")
	cfg.FallbackSecret = "dev"
	return cfg
}

func fastRetry() *reliability.RetryExecutor {
	cfg := reliability.BackendRetryConfig(2, time.Second)
	cfg.InitialDelay = time.Millisecond
	cfg.MaxDelay = time.Millisecond
	return reliability.NewRetryExecutorFromConfig(cfg)
}

func noEnv(string) (string, bool) { return "", false }

func newTestClient(t *testing.T, backend Backend, opts ...Option) *Client {
	t.Helper()
	base := []Option{WithRetry(fastRetry()), WithEnvLookup(noEnv)}
	c, err := New(backend, testConfig(), append(base, opts...)...)
	require.NoError(t, err)
	return c
}

func seed(t *testing.T, b Backend, path string, data map[string]string) {
	t.Helper()
	_, err := b.Write(context.Background(), "billing/development/"+path, data, nil)
	require.NoError(t, err)
}

func TestNew_RequiresBackendInProduction(t *testing.T) {
	cfg := credvault.DefaultConfig("billing")
	cfg.Environment = "production"
	cfg.MasterKeyID = "alias/billing"

	_, err := New(nil, cfg)
	assert.True(t, credvault.IsConfigurationError(err))

	_, err = New(NewMemoryBackend(), credvault.Config{})
	assert.True(t, credvault.IsConfigurationError(err))
}

func TestClient_GetFromBackendUsesNamespace(t *testing.T) {
	backend := &mockBackend{}
	backend.On("Read", mock.Anything, "billing/development/flask").
		Return(&Secret{Version: 3, Data: map[string]string{"secret_key": "s3cr3t-value"}}, nil).Once()

	c := newTestClient(t, backend)

	v, err := c.Get(context.Background(), "flask", WithField("secret_key"))
	require.NoError(t, err)
	assert.Equal(t, "s3cr3t-value", v)

	// second read is served from the cache
	v, err = c.Get(context.Background(), "flask", WithField("secret_key"))
	require.NoError(t, err)
	assert.Equal(t, "s3cr3t-value", v)

	backend.AssertExpectations(t)
	backend.AssertNumberOfCalls(t, "Read", 1)
}

func TestClient_CacheTTL(t *testing.T) {
	clock := &fakeClock{now: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
	backend := &flakyBackend{MemoryBackend: NewMemoryBackend()}
	seed(t, backend, "jwt", map[string]string{"secret_key": "v1"})

	c := newTestClient(t, backend, WithClock(clock.Now))
	ctx := context.Background()

	_, err := c.Get(ctx, "jwt", WithField("secret_key"))
	require.NoError(t, err)
	require.Equal(t, int32(1), backend.reads.Load())

	clock.Advance(credvault.DefaultSecretCacheTTL - time.Second)
	_, err = c.Get(ctx, "jwt", WithField("secret_key"))
	require.NoError(t, err)
	assert.Equal(t, int32(1), backend.reads.Load(), "TTL-1 is served from cache")

	clock.Advance(2 * time.Second)
	_, err = c.Get(ctx, "jwt", WithField("secret_key"))
	require.NoError(t, err)
	assert.Equal(t, int32(2), backend.reads.Load(), "TTL+1 refetches")
}

func TestClient_ForceRefresh(t *testing.T) {
	backend := &flakyBackend{MemoryBackend: NewMemoryBackend()}
	seed(t, backend, "jwt", map[string]string{"secret_key": "v1"})
	c := newTestClient(t, backend)
	ctx := context.Background()

	_, err := c.Get(ctx, "jwt", WithField("secret_key"))
	require.NoError(t, err)
	_, err = c.Get(ctx, "jwt", WithField("secret_key"), ForceRefresh())
	require.NoError(t, err)
	assert.Equal(t, int32(2), backend.reads.Load())
}

func TestClient_EnvFallbackWhenBackendDown(t *testing.T) {
	backend := &flakyBackend{MemoryBackend: NewMemoryBackend()}
	backend.down.Store(true)
	metrics := monitoring.NewInMemoryMetricsCollector()
	env := map[string]string{"FLASK_SECRET_KEY": "abc123"}

	c := newTestClient(t, backend,
		WithEnvLookup(func(k string) (string, bool) { v, ok := env[k]; return v, ok }),
		WithMetrics(metrics),
	)

	v, err := c.Get(context.Background(), "flask", WithField("secret_key"))
	require.NoError(t, err)
	assert.Equal(t, "abc123", v)
	assert.Equal(t, int32(2), backend.reads.Load(), "transient failures are retried first")
	assert.Equal(t, int64(1), metrics.GetCounter(monitoring.MetricSecretLookups, map[string]string{"source": SourceEnv}))
	assert.Equal(t, 0, c.cache.Len(), "environment values are not cached")
}

func TestClient_FallbackEnvName(t *testing.T) {
	c := newTestClient(t, NewMemoryBackend(),
		WithEnvLookup(func(k string) (string, bool) {
			if k == "LEGACY_DB_PASSWORD" {
				return "from-env", true
			}
			return "", false
		}))

	v, err := c.Get(context.Background(), "database", WithField("password"), WithFallbackEnv("LEGACY_DB_PASSWORD"))
	require.NoError(t, err)
	assert.Equal(t, "from-env", v)
}

func TestClient_DefaultAndNotFound(t *testing.T) {
	c := newTestClient(t, NewMemoryBackend())
	ctx := context.Background()

	v, err := c.Get(ctx, "smtp", WithField("password"), WithDefault("fallback"))
	require.NoError(t, err)
	assert.Equal(t, "fallback", v)

	_, err = c.Get(ctx, "smtp", WithField("password"))
	assert.True(t, credvault.IsNotFound(err))
	assert.False(t, credvault.IsRetryable(err))
}

func TestClient_NotFoundCarriesBackendFailure(t *testing.T) {
	backend := &flakyBackend{MemoryBackend: NewMemoryBackend()}
	backend.down.Store(true)
	c := newTestClient(t, backend)

	_, err := c.Get(context.Background(), "smtp", WithField("password"))
	assert.True(t, credvault.IsNotFound(err))
	assert.True(t, credvault.IsRetryable(err))
}

func TestClient_RotateThenGetReturnsNewValue(t *testing.T) {
	backend := NewMemoryBackend()
	seed(t, backend, "jwt", map[string]string{"secret_key": "old-secret", "issuer": "billing"})
	c := newTestClient(t, backend)
	ctx := context.Background()

	v, err := c.Get(ctx, "jwt", WithField("secret_key"))
	require.NoError(t, err)
	require.Equal(t, "old-secret", v)

	require.NoError(t, c.Rotate(ctx, "jwt", "secret_key", "new-secret"))

	v, err = c.Get(ctx, "jwt", WithField("secret_key"))
	require.NoError(t, err)
	assert.Equal(t, "new-secret", v)

	s, err := c.GetSecret(ctx, "jwt")
	require.NoError(t, err)
	assert.Equal(t, 2, s.Version)
	assert.Equal(t, "billing", s.Data["issuer"], "other fields survive rotation")
}

func TestClient_RotateCreatesMissingSecret(t *testing.T) {
	c := newTestClient(t, NewMemoryBackend())
	ctx := context.Background()

	require.NoError(t, c.Rotate(ctx, "api", "token", "first"))
	v, err := c.Get(ctx, "api", WithField("token"))
	require.NoError(t, err)
	assert.Equal(t, "first", v)

	assert.True(t, credvault.IsValidationError(c.Rotate(ctx, "api", "", "x")))
	assert.True(t, credvault.IsValidationError(c.Rotate(ctx, "api", "token", "")))
}

func TestClient_SetUsesCheckAndSet(t *testing.T) {
	backend := NewMemoryBackend()
	seed(t, backend, "smtp", map[string]string{"password": "a"})
	c := newTestClient(t, backend)
	ctx := context.Background()

	_, err := c.Get(ctx, "smtp", WithField("password"))
	require.NoError(t, err)

	// a concurrent writer moves the secret to version 2
	seed(t, backend, "smtp", map[string]string{"password": "b"})

	err = c.Set(ctx, "smtp", map[string]string{"password": "c"})
	assert.ErrorIs(t, err, ErrVersionConflict)

	// the conflict drops the cached copy, so the winner is visible
	v, err := c.Get(ctx, "smtp", WithField("password"))
	require.NoError(t, err)
	assert.Equal(t, "b", v)

	require.NoError(t, c.Set(ctx, "smtp", map[string]string{"password": "c"}))
	v, err = c.Get(ctx, "smtp", WithField("password"))
	require.NoError(t, err)
	assert.Equal(t, "c", v)
}

// gatedBackend holds every Read after it has read the backend until release
// is closed, so a write can land while the read is in flight.
type gatedBackend struct {
	*MemoryBackend
	started chan struct{}
	once    sync.Once
	release chan struct{}
}

func (g *gatedBackend) Read(ctx context.Context, path string) (*Secret, error) {
	s, err := g.MemoryBackend.Read(ctx, path)
	g.once.Do(func() { close(g.started) })
	<-g.release
	return s, err
}

func TestClient_InFlightReadDoesNotRestoreOverwrittenValue(t *testing.T) {
	backend := &gatedBackend{
		MemoryBackend: NewMemoryBackend(),
		started:       make(chan struct{}),
		release:       make(chan struct{}),
	}
	seed(t, backend.MemoryBackend, "jwt", map[string]string{"secret_key": "old-value"})
	c := newTestClient(t, backend)
	ctx := context.Background()

	done := make(chan error, 1)
	go func() {
		_, err := c.Get(ctx, "jwt", WithField("secret_key"))
		done <- err
	}()

	<-backend.started
	require.NoError(t, c.Set(ctx, "jwt", map[string]string{"secret_key": "new-value"}))
	close(backend.release)
	require.NoError(t, <-done)

	got, err := c.Get(ctx, "jwt", WithField("secret_key"))
	require.NoError(t, err)
	assert.Equal(t, "new-value", got)
}

func TestCache_PutIfCurrent(t *testing.T) {
	cache := NewCache(time.Minute, nil)
	secret := &Secret{Path: "jwt", Data: map[string]string{"secret_key": "v1"}, Version: 1}

	gen := cache.Generation("jwt")
	assert.True(t, cache.PutIfCurrent("jwt", secret, gen))

	stale := cache.Generation("jwt")
	cache.Invalidate("jwt")
	assert.False(t, cache.PutIfCurrent("jwt", secret, stale))
	_, ok := cache.Get("jwt")
	assert.False(t, ok)

	other := cache.Generation("flask")
	cache.Invalidate()
	assert.False(t, cache.PutIfCurrent("flask", secret, other), "clearing everything invalidates every path")

	assert.True(t, cache.PutIfCurrent("jwt", secret, cache.Generation("jwt")))
	got, ok := cache.Get("jwt")
	require.True(t, ok)
	assert.Equal(t, "v1", got.Data["secret_key"])
}

func TestClient_ClearCache(t *testing.T) {
	backend := &flakyBackend{MemoryBackend: NewMemoryBackend()}
	seed(t, backend, "a", map[string]string{"value": "1"})
	seed(t, backend, "b", map[string]string{"value": "2"})
	c := newTestClient(t, backend)
	ctx := context.Background()

	for _, p := range []string{"a", "b"} {
		_, err := c.Get(ctx, p)
		require.NoError(t, err)
	}
	c.ClearCache("a")
	assert.Equal(t, 1, c.cache.Len())
	c.ClearCache()
	assert.Equal(t, 0, c.cache.Len())
}

func TestClient_CustomResolvers(t *testing.T) {
	c := newTestClient(t, nil, WithResolvers(StaticResolver{"FLASK_SECRET_KEY": "static"}, DefaultResolver()))

	v, err := c.Get(context.Background(), "flask", WithField("secret_key"))
	require.NoError(t, err)
	assert.Equal(t, "static", v)
}

func TestClient_CancelledContextLeavesCacheUntouched(t *testing.T) {
	backend := &mockBackend{}
	ctx, cancel := context.WithCancel(context.Background())
	backend.On("Read", mock.Anything, "billing/development/jwt").
		Run(func(mock.Arguments) { cancel() }).
		Return(nil, context.Canceled)

	c := newTestClient(t, backend)
	_, err := c.Get(ctx, "jwt", WithField("secret_key"))
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 0, c.cache.Len())
}

func TestClient_ConcurrentGet(t *testing.T) {
	backend := NewMemoryBackend()
	seed(t, backend, "jwt", map[string]string{"secret_key": "shared"})
	c := newTestClient(t, backend)

	var wg sync.WaitGroup
	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			if i%8 == 0 {
				c.ClearCache("jwt")
			}
			v, err := c.Get(context.Background(), "jwt", WithField("secret_key"))
			assert.NoError(t, err)
			assert.Equal(t, "shared", v)
		}(i)
	}
	wg.Wait()
}

func TestClient_GetSecretReturnsCopies(t *testing.T) {
	backend := NewMemoryBackend()
	seed(t, backend, "jwt", map[string]string{"secret_key": "orig"})
	c := newTestClient(t, backend)
	ctx := context.Background()

	s, err := c.GetSecret(ctx, "jwt")
	require.NoError(t, err)
	s.Data["secret_key"] = "mutated"

	v, err := c.Get(ctx, "jwt", WithField("secret_key"))
	require.NoError(t, err)
	assert.Equal(t, "orig", v)
}

func TestClient_List(t *testing.T) {
	backend := NewMemoryBackend()
	seed(t, backend, "jwt", map[string]string{"secret_key": "x"})
	seed(t, backend, "flask", map[string]string{"secret_key": "y"})
	c := newTestClient(t, backend)

	paths, err := c.List(context.Background(), "")
	require.NoError(t, err)
	assert.Equal(t, []string{"flask", "jwt"}, paths)
}

func TestClient_RejectsBadPaths(t *testing.T) {
	c := newTestClient(t, NewMemoryBackend())
	_, err := c.Get(context.Background(), "")
	assert.True(t, credvault.IsValidationError(err))
	_, err = c.Get(context.Background(), "../other-app/jwt")
	assert.True(t, credvault.IsValidationError(err))
}

func TestEnvName(t *testing.T) {
	assert.Equal(t, "FLASK_SECRET_KEY", EnvName("flask", "secret_key"))
	assert.Equal(t, "JWT", EnvName("jwt", ""))
	assert.Equal(t, "DB_MAIN_PASSWORD", EnvName("db/main", "password"))
	assert.Equal(t, "API_KEY", EnvName("api-key", ""))
}

func TestSecret_Field(t *testing.T) {
	single := &Secret{Path: "p", Data: map[string]string{"token": "t"}}
	v, err := single.Field("")
	require.NoError(t, err)
	assert.Equal(t, "t", v)

	multi := &Secret{Path: "p", Data: map[string]string{"a": "1", "b": "2"}}
	_, err = multi.Field("")
	assert.True(t, credvault.IsValidationError(err))
	_, err = multi.Field("c")
	assert.True(t, credvault.IsNotFound(err))
}
