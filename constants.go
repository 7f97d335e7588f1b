package credvault

import "time"

// Environment variable names
const (
	// EnvApplication is the application segment of the secret namespace
	// ({application}/{environment}/{path}).
	EnvApplication = "CREDVAULT_APPLICATION"

	// EnvEnvironment is the deployment environment ("production", "staging", "development").
	// It also selects whether insecure fallbacks are tolerated.
	EnvEnvironment = "CREDVAULT_ENVIRONMENT"

	// EnvMasterKeyID is the KMS master key identifier used to generate data keys.
	// Example: "alias/myapp-fields" (AWS KMS) or "myapp-fields" (Vault Transit)
	EnvMasterKeyID = "CREDVAULT_MASTER_KEY_ID"

	// EnvFallbackSecret is the secret from which the local fallback encryption key
	// is derived when no KMS is reachable or configured.
	EnvFallbackSecret = "CREDVAULT_FALLBACK_SECRET"

	// EnvSecretCacheTTL overrides the secret cache TTL (Go duration syntax).
	EnvSecretCacheTTL = "CREDVAULT_SECRET_CACHE_TTL"

	// EnvBackendTimeout overrides the per-call timeout for backend requests.
	EnvBackendTimeout = "CREDVAULT_BACKEND_TIMEOUT"

	// EnvSigningKeyGrace sets how long the previous signing secret keeps
	// verifying tokens after a rotation. Zero disables the dual-key window.
	EnvSigningKeyGrace = "CREDVAULT_SIGNING_KEY_GRACE"

	// EnvBackupDir is the directory holding rotation backups.
	EnvBackupDir = "CREDVAULT_BACKUP_DIR"
)

// Default values
const (
	DefaultEnvironment        = "development"
	DefaultSecretCacheTTL     = 300 * time.Second
	DefaultBackendTimeout     = 5 * time.Second
	DefaultBackendMaxAttempts = 3
	DefaultAccessTokenTTL     = 15 * time.Minute
	DefaultRefreshTokenTTL    = 7 * 24 * time.Hour
	DefaultMinPasswordLength  = 8
	DefaultBackupDir          = ".credvault/backups"

	// DefaultSigningSecretPath and DefaultSigningSecretField locate the token
	// signing secret in the secret backend.
	DefaultSigningSecretPath  = "jwt"
	DefaultSigningSecretField = "secret_key"
)

// Limits
const (
	// MaxAccessTokenTTL bounds revocation latency for stateless access tokens.
	MaxAccessTokenTTL = time.Hour

	// MinSigningSecretLength is the minimum HMAC signing secret length in bytes.
	MinSigningSecretLength = 32
)
