// Package rotation replaces secrets after taking a backup of the current
// value, and restores them from those backups.
//
// A rotation runs: read current value, write backup, generate or accept the
// new value, write it with check-and-set, invalidate caches, notify
// listeners. No step after the backup runs if the backup fails.
package rotation

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/hengadev/credvault"
	"github.com/hengadev/credvault/internal/monitoring"
	"github.com/hengadev/credvault/internal/security"
	"github.com/hengadev/credvault/secretstore"
	"github.com/hengadev/errsx"
)

// GeneratedSecretBytes is the entropy of generated values, encoded as
// unpadded URL-safe base64.
const GeneratedSecretBytes = 32

// SecretStore is the part of *secretstore.Client the orchestrator drives.
type SecretStore interface {
	GetSecret(ctx context.Context, path string, opts ...secretstore.GetOption) (*secretstore.Secret, error)
	Set(ctx context.Context, path string, data map[string]string) error
	Rotate(ctx context.Context, path, field, newValue string) error
	ClearCache(paths ...string)
}

// Listener is told about every rotated or restored secret. field is empty
// after a restore, which may change every field. *token.Manager is a
// Listener that reloads its signing key.
type Listener interface {
	SecretRotated(ctx context.Context, path, field string) error
}

// ListenerFunc adapts a function to Listener.
type ListenerFunc func(ctx context.Context, path, field string) error

func (f ListenerFunc) SecretRotated(ctx context.Context, path, field string) error {
	return f(ctx, path, field)
}

// Sealer encrypts backups at rest. *envelope.Service satisfies it.
type Sealer interface {
	EncryptString(ctx context.Context, plaintext string, encCtx map[string]string) (string, error)
	DecryptString(ctx context.Context, stored string, encCtx map[string]string) (string, error)
}

// Request names one secret field to rotate. An empty NewValue is generated.
type Request struct {
	Path     string `yaml:"secret"`
	Field    string `yaml:"field,omitempty"`
	NewValue string `yaml:"-"`
}

func (r Request) key() string {
	if r.Field == "" {
		return r.Path
	}
	return r.Path + "#" + r.Field
}

// Result describes a completed rotation. Backup is empty when the secret
// did not exist before.
type Result struct {
	Path      string
	Field     string
	Backup    string
	Generated bool
}

type Orchestrator struct {
	secrets   SecretStore
	backups   BackupStore
	sealer    Sealer
	listeners []Listener
	generate  func() (string, error)
	now       func() time.Time
	logger    *slog.Logger
	metrics   monitoring.MetricsCollector
}

type Option func(*Orchestrator)

// WithListeners registers listeners notified after each rotation, in order.
func WithListeners(listeners ...Listener) Option {
	return func(o *Orchestrator) { o.listeners = append(o.listeners, listeners...) }
}

func WithSealer(s Sealer) Option {
	return func(o *Orchestrator) { o.sealer = s }
}

// WithGenerator replaces the random value generator.
func WithGenerator(gen func() (string, error)) Option {
	return func(o *Orchestrator) { o.generate = gen }
}

func WithClock(now func() time.Time) Option {
	return func(o *Orchestrator) { o.now = now }
}

func WithLogger(logger *slog.Logger) Option {
	return func(o *Orchestrator) { o.logger = monitoring.OrNop(logger) }
}

func WithMetrics(m monitoring.MetricsCollector) Option {
	return func(o *Orchestrator) { o.metrics = monitoring.OrNoOp(m) }
}

func New(secrets SecretStore, backups BackupStore, opts ...Option) (*Orchestrator, error) {
	if secrets == nil {
		return nil, credvault.NewConfigurationError("secrets", "a secret store is required")
	}
	if backups == nil {
		return nil, credvault.NewConfigurationError("backups", "a backup store is required")
	}
	o := &Orchestrator{
		secrets: secrets,
		backups: backups,
		generate: func() (string, error) {
			return security.GenerateSecureToken(GeneratedSecretBytes)
		},
		now:     time.Now,
		logger:  monitoring.NopLogger(),
		metrics: monitoring.NoOpMetricsCollector{},
	}
	for _, opt := range opts {
		opt(o)
	}
	return o, nil
}

// Rotate backs up and replaces one secret field. When listeners fail the
// new value is already live; the returned Result is non-nil alongside the
// error.
func (o *Orchestrator) Rotate(ctx context.Context, req Request) (*Result, error) {
	start := time.Now()
	res, err := o.rotate(ctx, req)
	o.observe("rotate", req.Path, start, err)
	return res, err
}

func (o *Orchestrator) rotate(ctx context.Context, req Request) (*Result, error) {
	if req.Path == "" {
		return nil, credvault.NewValidationError("secret", "a secret name is required")
	}

	current, err := o.secrets.GetSecret(ctx, req.Path, secretstore.ForceRefresh())
	switch {
	case err == nil:
	case credvault.IsNotFound(err):
		current = nil
	default:
		return nil, fmt.Errorf("read current %q: %w", req.Path, err)
	}

	field, err := pickField(current, req)
	if err != nil {
		return nil, err
	}
	res := &Result{Path: req.Path, Field: field}

	if current != nil {
		res.Backup, err = o.backup(ctx, current, field)
		if err != nil {
			return nil, fmt.Errorf("backup %q, secret left unchanged: %w", req.Path, err)
		}
	}

	value := req.NewValue
	if value == "" {
		if value, err = o.generate(); err != nil {
			return nil, fmt.Errorf("generate value for %q: %w", req.Path, err)
		}
		res.Generated = true
	}

	if err := o.secrets.Rotate(ctx, req.Path, field, value); err != nil {
		return nil, fmt.Errorf("write %q: %w", req.Path, err)
	}
	o.secrets.ClearCache(req.Path)

	o.logger.InfoContext(ctx, "secret rotated",
		"path", req.Path, "field", field, "backup", res.Backup,
		"generated", res.Generated, "value", security.Redact(value))

	if err := o.notify(ctx, req.Path, field); err != nil {
		return res, err
	}
	return res, nil
}

// pickField defaults to the only field of the secret, or "value".
func pickField(current *secretstore.Secret, req Request) (string, error) {
	if req.Field != "" {
		return req.Field, nil
	}
	if current == nil || len(current.Data) == 0 {
		return "value", nil
	}
	if _, ok := current.Data["value"]; ok {
		return "value", nil
	}
	if len(current.Data) == 1 {
		for k := range current.Data {
			return k, nil
		}
	}
	return "", credvault.NewValidationError("field",
		fmt.Sprintf("secret %q has %d fields, name the one to rotate", req.Path, len(current.Data)))
}

func (o *Orchestrator) backup(ctx context.Context, current *secretstore.Secret, field string) (string, error) {
	b := Backup{
		Name:      backupName(current.Path, o.now()),
		Path:      current.Path,
		Field:     field,
		Version:   current.Version,
		Data:      current.Data,
		CreatedAt: o.now().UTC(),
	}

	if o.sealer != nil {
		raw, err := json.Marshal(current.Data)
		if err != nil {
			return "", fmt.Errorf("encode backup values: %w", err)
		}
		b.Sealed, err = o.sealer.EncryptString(ctx, string(raw), backupContext(b))
		if err != nil {
			return "", fmt.Errorf("seal backup: %w", err)
		}
		b.Data = nil
	}

	body, err := json.MarshalIndent(b, "", "  ")
	if err != nil {
		return "", fmt.Errorf("encode backup: %w", err)
	}
	if err := o.backups.Put(ctx, b.Name, body); err != nil {
		return "", err
	}
	return b.Name, nil
}

// backupContext binds a sealed backup to its own name and path.
func backupContext(b Backup) map[string]string {
	return map[string]string{"purpose": "rotation-backup", "path": b.Path, "backup": b.Name}
}

// RotateAll rotates every target, continuing past failures. The error, if
// any, is an errsx.Map keyed by "path#field".
func (o *Orchestrator) RotateAll(ctx context.Context, targets []Request) ([]Result, error) {
	var (
		results []Result
		errs    errsx.Map
	)
	for _, t := range targets {
		if err := ctx.Err(); err != nil {
			errs.Set(t.key(), err)
			continue
		}
		res, err := o.Rotate(ctx, t)
		if res != nil {
			results = append(results, *res)
		}
		if err != nil {
			errs.Set(t.key(), err)
		}
	}
	if errs.IsEmpty() {
		return results, nil
	}
	return results, errs.AsError()
}

// ListBackups returns backup names in lexical order.
func (o *Orchestrator) ListBackups(ctx context.Context) ([]string, error) {
	return o.backups.List(ctx)
}

// Restore writes the values of a backup back as the secret's new version,
// invalidates caches and notifies listeners.
func (o *Orchestrator) Restore(ctx context.Context, name string) (*Backup, error) {
	start := time.Now()
	b, err := o.restore(ctx, name)
	path := ""
	if b != nil {
		path = b.Path
	}
	o.observe("restore", path, start, err)
	return b, err
}

func (o *Orchestrator) restore(ctx context.Context, name string) (*Backup, error) {
	b, err := o.LoadBackup(ctx, name)
	if err != nil {
		return nil, err
	}
	if err := o.secrets.Set(ctx, b.Path, b.Data); err != nil {
		return nil, fmt.Errorf("restore %q from %s: %w", b.Path, name, err)
	}
	o.secrets.ClearCache(b.Path)

	o.logger.InfoContext(ctx, "secret restored", "path", b.Path, "backup", name, "version", b.Version)
	if err := o.notify(ctx, b.Path, ""); err != nil {
		return b, err
	}
	return b, nil
}

// LoadBackup reads and, if sealed, decrypts a backup.
func (o *Orchestrator) LoadBackup(ctx context.Context, name string) (*Backup, error) {
	body, err := o.backups.Get(ctx, name)
	if err != nil {
		return nil, err
	}
	var b Backup
	if err := json.Unmarshal(body, &b); err != nil {
		return nil, credvault.NewValidationError("backup", fmt.Sprintf("%s is not a backup: %v", name, err))
	}
	if b.Path == "" {
		return nil, credvault.NewValidationError("backup", fmt.Sprintf("%s has no secret path", name))
	}

	if b.Sealed != "" {
		if o.sealer == nil {
			return nil, credvault.NewConfigurationError("sealer", fmt.Sprintf("%s is encrypted and no sealer is configured", name))
		}
		raw, err := o.sealer.DecryptString(ctx, b.Sealed, backupContext(b))
		if err != nil {
			return nil, fmt.Errorf("unseal %s: %w", name, err)
		}
		if err := json.Unmarshal([]byte(raw), &b.Data); err != nil {
			return nil, fmt.Errorf("decode sealed values of %s: %w", name, err)
		}
		b.Sealed = ""
	}
	if len(b.Data) == 0 {
		return nil, credvault.NewValidationError("backup", fmt.Sprintf("%s holds no values", name))
	}
	return &b, nil
}

func (o *Orchestrator) notify(ctx context.Context, path, field string) error {
	var errs errsx.Map
	for i, l := range o.listeners {
		if err := l.SecretRotated(ctx, path, field); err != nil {
			o.logger.ErrorContext(ctx, "rotation listener failed", "path", path, "listener", i, "error", err)
			errs.Set(fmt.Sprintf("listener[%d]", i), err)
		}
	}
	if errs.IsEmpty() {
		return nil
	}
	return fmt.Errorf("%q changed but listeners failed: %w", path, errs.AsError())
}

func (o *Orchestrator) observe(operation, path string, start time.Time, err error) {
	status := "success"
	if err != nil {
		status = "failure"
		o.logger.Error("secret "+operation+" failed", "path", path, "error", err)
	}
	o.metrics.IncrementCounter(monitoring.MetricRotations, map[string]string{"status": status})
	o.metrics.RecordTiming(monitoring.MetricRotationDuration, time.Since(start), map[string]string{"status": status})
}
