package reliability

import (
	"context"
	"errors"
	"math"
	"math/rand"
	"net"
	"time"

	"github.com/hengadev/credvault"
)

// RetryPolicy defines the interface for retry policies
type RetryPolicy interface {
	// NextDelay returns the delay before the next attempt, given the attempt number (0-indexed)
	NextDelay(attempt int) time.Duration
	// ShouldRetry determines if a retry should be attempted based on the error and attempt number
	ShouldRetry(err error, attempt int) bool
	// MaxAttempts returns the maximum number of attempts (including the initial attempt)
	MaxAttempts() int
}

// RetryConfig holds configuration for retry operations
type RetryConfig struct {
	// MaxAttempts is the maximum number of attempts (including initial attempt)
	MaxAttempts int
	// InitialDelay is the delay before the first retry
	InitialDelay time.Duration
	// MaxDelay is the maximum delay between retries
	MaxDelay time.Duration
	// Multiplier for exponential backoff
	Multiplier float64
	// Jitter adds randomness to delay calculations
	Jitter float64
	// AttemptTimeout bounds every single attempt. Zero leaves the caller's
	// context as the only deadline.
	AttemptTimeout time.Duration
	// ShouldRetry is a custom function to determine if an error should trigger a retry
	ShouldRetry func(error, int) bool
	// OnRetry is called before each retry attempt
	OnRetry func(attempt int, delay time.Duration, err error)
}

// DefaultRetryConfig returns a default retry configuration
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxAttempts:    3,
		InitialDelay:   time.Millisecond * 100,
		MaxDelay:       time.Second * 2,
		Multiplier:     2.0,
		Jitter:         0.1,
		AttemptTimeout: time.Second * 5,
		ShouldRetry: func(err error, attempt int) bool {
			return IsTemporaryError(err)
		},
	}
}

// BackendRetryConfig is the policy used for secret backend, KMS and token
// store calls: bounded attempts, a timeout per attempt, and retries only for
// transient failures.
func BackendRetryConfig(maxAttempts int, attemptTimeout time.Duration) RetryConfig {
	cfg := DefaultRetryConfig()
	if maxAttempts > 0 {
		cfg.MaxAttempts = maxAttempts
	}
	if attemptTimeout > 0 {
		cfg.AttemptTimeout = attemptTimeout
	}
	cfg.ShouldRetry = func(err error, _ int) bool {
		return credvault.IsRetryable(err) || IsTemporaryError(err)
	}
	return cfg
}

// ExponentialBackoffPolicy implements exponential backoff with jitter
type ExponentialBackoffPolicy struct {
	maxAttempts  int
	initialDelay time.Duration
	maxDelay     time.Duration
	multiplier   float64
	jitter       float64
	shouldRetry  func(error, int) bool
}

// NewExponentialBackoffPolicy creates a new exponential backoff policy
func NewExponentialBackoffPolicy(config RetryConfig) *ExponentialBackoffPolicy {
	def := DefaultRetryConfig()
	if config.MaxAttempts <= 0 {
		config.MaxAttempts = def.MaxAttempts
	}
	if config.InitialDelay <= 0 {
		config.InitialDelay = def.InitialDelay
	}
	if config.MaxDelay <= 0 {
		config.MaxDelay = def.MaxDelay
	}
	if config.Multiplier <= 0 {
		config.Multiplier = def.Multiplier
	}
	if config.Jitter < 0 || config.Jitter > 1 {
		config.Jitter = def.Jitter
	}
	if config.ShouldRetry == nil {
		config.ShouldRetry = def.ShouldRetry
	}

	return &ExponentialBackoffPolicy{
		maxAttempts:  config.MaxAttempts,
		initialDelay: config.InitialDelay,
		maxDelay:     config.MaxDelay,
		multiplier:   config.Multiplier,
		jitter:       config.Jitter,
		shouldRetry:  config.ShouldRetry,
	}
}

// NextDelay calculates the delay for the next retry attempt
func (p *ExponentialBackoffPolicy) NextDelay(attempt int) time.Duration {
	if attempt < 0 {
		return 0
	}

	delay := float64(p.initialDelay) * math.Pow(p.multiplier, float64(attempt))
	if delay > float64(p.maxDelay) {
		delay = float64(p.maxDelay)
	}

	// Add jitter to prevent thundering herd
	if p.jitter > 0 {
		jitterRange := delay * p.jitter
		delay += (rand.Float64() - 0.5) * 2 * jitterRange
	}
	if delay < 0 {
		delay = 0
	}

	return time.Duration(delay)
}

// ShouldRetry determines if a retry should be attempted
func (p *ExponentialBackoffPolicy) ShouldRetry(err error, attempt int) bool {
	if attempt >= p.maxAttempts-1 { // -1 because attempt is 0-indexed
		return false
	}
	return p.shouldRetry(err, attempt)
}

// MaxAttempts returns the maximum number of attempts
func (p *ExponentialBackoffPolicy) MaxAttempts() int {
	return p.maxAttempts
}

// RetryExecutor handles retry logic for operations
type RetryExecutor struct {
	policy         RetryPolicy
	attemptTimeout time.Duration
	onRetry        func(attempt int, delay time.Duration, err error)
	sleep          func(ctx context.Context, d time.Duration) error
}

// NewRetryExecutor creates a new retry executor with the given policy
func NewRetryExecutor(policy RetryPolicy) *RetryExecutor {
	return &RetryExecutor{
		policy:  policy,
		onRetry: func(int, time.Duration, error) {},
		sleep:   sleepContext,
	}
}

// NewRetryExecutorFromConfig builds an exponential backoff executor.
func NewRetryExecutorFromConfig(config RetryConfig) *RetryExecutor {
	r := NewRetryExecutor(NewExponentialBackoffPolicy(config))
	r.attemptTimeout = config.AttemptTimeout
	if config.OnRetry != nil {
		r.onRetry = config.OnRetry
	}
	return r
}

// SetOnRetryCallback sets a callback function to be called before each retry
func (r *RetryExecutor) SetOnRetryCallback(callback func(attempt int, delay time.Duration, err error)) {
	r.onRetry = callback
}

// Execute executes the given operation with retry logic. Each attempt gets
// its own timeout derived from ctx; cancellation of ctx stops the loop.
func (r *RetryExecutor) Execute(ctx context.Context, operation func(context.Context) error) error {
	var lastErr error

	for attempt := 0; attempt < r.policy.MaxAttempts(); attempt++ {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		err := r.attempt(ctx, operation)
		if err == nil {
			return nil
		}
		lastErr = err

		if !r.policy.ShouldRetry(err, attempt) {
			break
		}

		delay := r.policy.NextDelay(attempt)
		r.onRetry(attempt+1, delay, err)

		if err := r.sleep(ctx, delay); err != nil {
			return err
		}
	}

	return lastErr
}

func (r *RetryExecutor) attempt(ctx context.Context, operation func(context.Context) error) error {
	if r.attemptTimeout <= 0 {
		return operation(ctx)
	}
	attemptCtx, cancel := context.WithTimeout(ctx, r.attemptTimeout)
	defer cancel()
	return operation(attemptCtx)
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// IsTemporaryError checks if an error is transient and worth retrying:
// timeouts, network errors and errors exposing Temporary() or Timeout().
// Cancellation by the caller is never retried.
func IsTemporaryError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}

	var temp interface{ Temporary() bool }
	if errors.As(err, &temp) {
		return temp.Temporary()
	}
	var timeout interface{ Timeout() bool }
	if errors.As(err, &timeout) {
		return timeout.Timeout()
	}

	return false
}

// IsRetryableStatusCode checks if an HTTP status code is retryable
func IsRetryableStatusCode(statusCode int) bool {
	switch statusCode {
	case 408, 429, 500, 502, 503, 504:
		return true
	}
	return false
}
