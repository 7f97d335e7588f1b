package credvault

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// LoadConfigFromEnvironment loads configuration from environment variables.
//
// Required environment variables:
//   - CREDVAULT_APPLICATION
//   - CREDVAULT_MASTER_KEY_ID (production) or CREDVAULT_FALLBACK_SECRET (other environments)
//
// Optional environment variables:
//   - CREDVAULT_ENVIRONMENT (default: development)
//   - CREDVAULT_SECRET_CACHE_TTL, CREDVAULT_BACKEND_TIMEOUT, CREDVAULT_SIGNING_KEY_GRACE (Go durations)
//   - CREDVAULT_BACKUP_DIR
//
// Returns an error wrapping ErrConfiguration if a value cannot be parsed or
// validation fails.
func LoadConfigFromEnvironment() (Config, error) {
	cfg := Config{
		Application:     os.Getenv(EnvApplication),
		Environment:     os.Getenv(EnvEnvironment),
		MasterKeyID:     os.Getenv(EnvMasterKeyID),
		FallbackSecret:  os.Getenv(EnvFallbackSecret),
		BackupDir:       os.Getenv(EnvBackupDir),
		RotateOnRefresh: true,
	}

	var err error
	if cfg.SecretCacheTTL, err = durationFromEnv(EnvSecretCacheTTL); err != nil {
		return Config{}, err
	}
	if cfg.BackendTimeout, err = durationFromEnv(EnvBackendTimeout); err != nil {
		return Config{}, err
	}
	if cfg.SigningKeyGrace, err = durationFromEnv(EnvSigningKeyGrace); err != nil {
		return Config{}, err
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, fmt.Errorf("configuration validation failed: %w", err)
	}
	return cfg, nil
}

// LoadDotEnv loads KEY=VALUE pairs from the given files into the process
// environment without overriding variables that are already set. Missing
// files are ignored so the same binary runs with and without a .env file.
func LoadDotEnv(files ...string) error {
	if len(files) == 0 {
		files = []string{".env"}
	}
	for _, f := range files {
		if err := godotenv.Load(f); err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				continue
			}
			return fmt.Errorf("%w: loading %s: %w", ErrConfiguration, f, err)
		}
	}
	return nil
}

func durationFromEnv(key string) (time.Duration, error) {
	raw := os.Getenv(key)
	if raw == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(raw)
	if err == nil {
		return d, nil
	}
	// plain integers are seconds
	secs, convErr := strconv.Atoi(raw)
	if convErr != nil {
		return 0, fmt.Errorf("%w: %s=%q is not a duration: %w", ErrConfiguration, key, raw, err)
	}
	return time.Duration(secs) * time.Second, nil
}
