// Package credvault holds the shared configuration and error taxonomy of the
// credential and secret lifecycle subsystem.
//
// The subsystem is split into packages that can be used independently:
//
//   - hasher: password hashing and verification with algorithm agility
//     (Argon2id preferred, bcrypt fallback, legacy SHA-256 verify-only)
//   - envelope: field-level envelope encryption with a KMS-generated data key
//     per value, bound to an encryption context
//   - secretstore: cached secret retrieval with ranked resolvers
//     (cache, backend, environment, default)
//   - token: access/refresh token issuance, verification and revocation
//   - rotation: backup-then-rotate workflows for named secrets, with
//     optionally sealed backups
//   - providers/vault, providers/awskms, providers/s3: backends
//
// The credvault command (cmd/credvault) drives rotation, backups, refresh
// token maintenance and health checks from the shell.
//
// # Error Taxonomy
//
// Every package wraps its failures into one of the sentinels declared here so
// callers can branch with errors.Is:
//
//	value, err := store.Get(ctx, "flask", secretstore.WithField("secret_key"))
//	switch {
//	case credvault.IsNotFound(err):
//	    // no backend value, no env fallback, no default
//	case credvault.IsRetryable(err):
//	    // backend unavailable
//	}
//
// Security failures (ErrSecurity) carry details for internal logs only; code
// that answers external callers maps them to a generic unauthorized response.
//
// # Configuration
//
// Config is a plain data struct. Load it from the environment with
// LoadConfigFromEnvironment, optionally after LoadDotEnv, or build it in code
// and call Validate.
package credvault
