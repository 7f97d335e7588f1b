package credvault

import (
	"fmt"
	"strings"
	"time"

	"github.com/hengadev/errsx"
)

// Config holds the settings shared by the credential subsystem components.
//
// This struct contains only data, no behavior. Configuration can be loaded from
// any source (environment variables, files, code) and passed explicitly to the
// component constructors.
//
// Required fields:
//   - Application: first segment of every secret backend path
//   - MasterKeyID: required in production; the KMS master key for envelope encryption
//
// Everything else has a default applied by Validate.
//
// Example usage:
//
//	cfg := credvault.Config{
//	    Application: "billing",
//	    Environment: "production",
//	    MasterKeyID: "alias/billing-fields",
//	}
//	if err := cfg.Validate(); err != nil {
//	    log.Fatal(err)
//	}
type Config struct {
	// Application and Environment build the secret namespace
	// {Application}/{Environment}/{path}.
	Application string
	Environment string

	// SecretCacheTTL is how long a fetched secret is served from memory.
	SecretCacheTTL time.Duration

	// BackendTimeout bounds every single backend call (secret fetch, KMS,
	// refresh-token lookup). BackendMaxAttempts counts the initial attempt.
	BackendTimeout     time.Duration
	BackendMaxAttempts int

	// MasterKeyID identifies the KMS key used to generate data keys.
	MasterKeyID string

	// FallbackSecret feeds the local key derivation used when the KMS is
	// unconfigured. Refused in production.
	FallbackSecret string

	// SigningSecretPath/SigningSecretField locate the token signing secret.
	SigningSecretPath  string
	SigningSecretField string

	AccessTokenTTL  time.Duration
	RefreshTokenTTL time.Duration

	// SigningKeyGrace keeps the previous signing secret valid for verification
	// after a rotation. Zero means tokens signed with the old secret stop
	// verifying as soon as the rotation lands.
	SigningKeyGrace time.Duration

	// RotateOnRefresh makes every refresh-token use single-shot: the presented
	// token is revoked and a new one is issued.
	RotateOnRefresh bool

	MinPasswordLength int

	BackupDir string
}

// DefaultConfig returns a development configuration for the given application.
func DefaultConfig(application string) Config {
	cfg := Config{
		Application:     application,
		Environment:     DefaultEnvironment,
		RotateOnRefresh: true,
	}
	cfg.applyDefaults()
	return cfg
}

// IsProduction reports whether insecure fallbacks must be refused.
func (c *Config) IsProduction() bool {
	env := strings.ToLower(c.Environment)
	return env == "production" || env == "prod"
}

// Namespace returns the backend path prefix {Application}/{Environment}.
func (c *Config) Namespace() string {
	return c.Application + "/" + c.Environment
}

// Validate applies defaults to optional fields and checks the result.
// All violations are reported at once.
func (c *Config) Validate() error {
	c.applyDefaults()

	var errs errsx.Map

	if c.Application == "" {
		errs.Set("application", "application name is required")
	} else if strings.Contains(c.Application, "/") {
		errs.Set("application", "application name cannot contain '/'")
	}
	if strings.Contains(c.Environment, "/") {
		errs.Set("environment", "environment name cannot contain '/'")
	}

	if c.BackendMaxAttempts < 1 {
		errs.Set("backendMaxAttempts", fmt.Sprintf("must be at least 1, got %d", c.BackendMaxAttempts))
	}
	if c.AccessTokenTTL > MaxAccessTokenTTL {
		errs.Set("accessTokenTTL", fmt.Sprintf("must be at most %s, got %s", MaxAccessTokenTTL, c.AccessTokenTTL))
	}
	if c.RefreshTokenTTL <= c.AccessTokenTTL {
		errs.Set("refreshTokenTTL", "must be longer than the access token TTL")
	}
	if c.SigningKeyGrace < 0 {
		errs.Set("signingKeyGrace", "cannot be negative")
	}
	if c.MinPasswordLength < 1 {
		errs.Set("minPasswordLength", "must be positive")
	}

	if c.IsProduction() {
		if c.MasterKeyID == "" {
			errs.Set("masterKeyID", "a KMS master key is required in production")
		}
		if c.FallbackSecret != "" {
			errs.Set("fallbackSecret", "local key derivation is not allowed in production")
		}
	} else if c.MasterKeyID == "" && c.FallbackSecret == "" {
		errs.Set("masterKeyID", "either a KMS master key or a fallback secret is required")
	}

	if errs.IsEmpty() {
		return nil
	}
	return fmt.Errorf("%w: %w", ErrConfiguration, errs.AsError())
}

func (c *Config) applyDefaults() {
	if c.Environment == "" {
		c.Environment = DefaultEnvironment
	}
	if c.SecretCacheTTL <= 0 {
		c.SecretCacheTTL = DefaultSecretCacheTTL
	}
	if c.BackendTimeout <= 0 {
		c.BackendTimeout = DefaultBackendTimeout
	}
	if c.BackendMaxAttempts == 0 {
		c.BackendMaxAttempts = DefaultBackendMaxAttempts
	}
	if c.SigningSecretPath == "" {
		c.SigningSecretPath = DefaultSigningSecretPath
	}
	if c.SigningSecretField == "" {
		c.SigningSecretField = DefaultSigningSecretField
	}
	if c.AccessTokenTTL <= 0 {
		c.AccessTokenTTL = DefaultAccessTokenTTL
	}
	if c.RefreshTokenTTL <= 0 {
		c.RefreshTokenTTL = DefaultRefreshTokenTTL
	}
	if c.MinPasswordLength == 0 {
		c.MinPasswordLength = DefaultMinPasswordLength
	}
	if c.BackupDir == "" {
		c.BackupDir = DefaultBackupDir
	}
}
