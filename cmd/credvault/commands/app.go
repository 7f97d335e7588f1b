// Package commands implements the credvault operator CLI.
package commands

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/hashicorp/vault/api"
	"github.com/hengadev/credvault"
	"github.com/hengadev/credvault/envelope"
	"github.com/hengadev/credvault/internal/health"
	"github.com/hengadev/credvault/internal/monitoring"
	"github.com/hengadev/credvault/providers/awskms"
	s3bucket "github.com/hengadev/credvault/providers/s3"
	"github.com/hengadev/credvault/providers/vault"
	"github.com/hengadev/credvault/rotation"
	"github.com/hengadev/credvault/secretstore"
	"github.com/hengadev/credvault/token"
	"github.com/hengadev/credvault/token/postgres"
	"github.com/hengadev/credvault/token/sqlite"
	"github.com/prometheus/client_golang/prometheus"
)

// Values accepted by --seal-backups.
const (
	SealNone  = "none"
	SealLocal = "local"
	SealVault = "vault"
	SealAWS   = "aws"
)

// App carries the streams and dependencies shared by every command. Fields
// left nil are built from flags and the environment on first use, so tests
// can inject in-memory stores.
type App struct {
	Stdin  io.Reader
	Stdout io.Writer
	Stderr io.Writer

	Logger  *slog.Logger
	Metrics monitoring.MetricsCollector
	Config  *credvault.Config

	Secrets SecretStore
	Backups rotation.BackupStore
	Sealer  rotation.Sealer
	Tokens  token.Store

	envFiles     []string
	logLevel     string
	logFormat    string
	metricsFile  string
	sealWith     string
	bucket       string
	bucketKMSKey string
	kvMount      string
	transitMount string
	tokenStore   string

	vault    *api.Client
	registry *prometheus.Registry
	closers  []io.Closer

	// openedTokens marks Tokens as opened from --token-store, and so closed
	// after the command.
	openedTokens bool
}

// SecretStore is what the commands need from *secretstore.Client.
type SecretStore interface {
	rotation.SecretStore
	health.SecretReader
}

// NewApp returns an App bound to the process streams.
func NewApp() *App {
	return &App{
		Stdin:  os.Stdin,
		Stdout: os.Stdout,
		Stderr: os.Stderr,
	}
}

// Output writes a line to Stdout.
func (a *App) Output(format string, args ...any) {
	fmt.Fprintf(a.Stdout, format+"\n", args...)
}

func (a *App) setup() error {
	if err := credvault.LoadDotEnv(a.envFiles...); err != nil {
		return err
	}
	if a.Logger == nil {
		a.Logger = monitoring.NewLogger(monitoring.LoggerConfig{
			Level:     monitoring.ParseLevel(a.logLevel),
			Format:    monitoring.ParseFormat(a.logFormat),
			Output:    a.Stderr,
			Component: "cli",
		})
	}
	if a.Metrics == nil {
		a.registry = prometheus.NewRegistry()
		a.Metrics = monitoring.NewPrometheusCollector(a.registry)
	}
	return nil
}

func (a *App) config() (credvault.Config, error) {
	if a.Config == nil {
		cfg, err := credvault.LoadConfigFromEnvironment()
		if err != nil {
			return credvault.Config{}, err
		}
		a.Config = &cfg
	}
	return *a.Config, nil
}

// close releases the resources opened while running a command.
func (a *App) close() {
	for _, c := range a.closers {
		if err := c.Close(); err != nil {
			monitoring.OrNop(a.Logger).Warn("closing resource failed", "error", err)
		}
	}
	a.closers = nil
	if a.metricsFile != "" && a.registry != nil {
		if err := prometheus.WriteToTextfile(a.metricsFile, a.registry); err != nil {
			monitoring.OrNop(a.Logger).Warn("writing metrics failed", "file", a.metricsFile, "error", err)
		}
	}
	if a.openedTokens {
		a.Tokens = nil
		a.openedTokens = false
	}
}

func (a *App) orchestrator(ctx context.Context) (*rotation.Orchestrator, error) {
	cfg, err := a.config()
	if err != nil {
		return nil, err
	}
	if err := a.ensureSecrets(ctx, cfg); err != nil {
		return nil, err
	}
	if err := a.ensureBackups(ctx, cfg); err != nil {
		return nil, err
	}
	if err := a.ensureSealer(ctx, cfg); err != nil {
		return nil, err
	}

	opts := []rotation.Option{rotation.WithLogger(a.Logger), rotation.WithMetrics(a.Metrics)}
	if a.Sealer != nil {
		opts = append(opts, rotation.WithSealer(a.Sealer))
	}
	return rotation.New(a.Secrets, a.Backups, opts...)
}

func (a *App) vaultClient(ctx context.Context, cfg credvault.Config) (*api.Client, error) {
	if a.vault != nil {
		return a.vault, nil
	}
	vcfg := vault.ClientConfigFromEnvironment()
	if vcfg.Address == "" {
		return nil, credvault.NewConfigurationError("vault", "no secret backend configured, set VAULT_ADDR")
	}
	vcfg.Timeout = cfg.BackendTimeout
	client, err := vault.NewClient(ctx, vcfg)
	if err != nil {
		return nil, err
	}
	a.vault = client
	return client, nil
}

func (a *App) ensureSecrets(ctx context.Context, cfg credvault.Config) error {
	if a.Secrets != nil {
		return nil
	}
	client, err := a.vaultClient(ctx, cfg)
	if err != nil {
		return err
	}
	secrets, err := secretstore.New(vault.NewKVBackend(client, a.kvMount), cfg,
		secretstore.WithLogger(a.Logger), secretstore.WithMetrics(a.Metrics))
	if err != nil {
		return err
	}
	a.Secrets = secrets
	return nil
}

func (a *App) ensureBackups(ctx context.Context, cfg credvault.Config) error {
	if a.Backups != nil {
		return nil
	}
	if a.bucket == "" {
		a.Backups = rotation.NewFileBackupStore(cfg.BackupDir)
		return nil
	}
	store, err := s3bucket.New(ctx, s3bucket.Config{
		Bucket:   a.bucket,
		Prefix:   cfg.Namespace(),
		KMSKeyID: a.bucketKMSKey,
	})
	if err != nil {
		return err
	}
	a.Backups = store
	return nil
}

func (a *App) ensureSealer(ctx context.Context, cfg credvault.Config) error {
	if a.Sealer != nil {
		return nil
	}
	sealer, err := a.sealer(ctx, cfg)
	if err != nil {
		return err
	}
	a.Sealer = sealer
	return nil
}

// ensureTokens opens the refresh-token store named by --token-store:
// a postgres:// URL or sqlite:<path>.
func (a *App) ensureTokens(ctx context.Context) error {
	if a.Tokens != nil {
		return nil
	}
	switch dsn := a.tokenStore; {
	case dsn == "":
		return credvault.NewConfigurationError("token-store", "--token-store is required")
	case strings.HasPrefix(dsn, "sqlite:"):
		store, err := sqlite.Open(ctx, strings.TrimPrefix(dsn, "sqlite:"))
		if err != nil {
			return credvault.NewBackendUnavailableError("sqlite", err)
		}
		a.Tokens = store
		a.closers = append(a.closers, store)
		a.openedTokens = true
	case strings.HasPrefix(dsn, "postgres://"), strings.HasPrefix(dsn, "postgresql://"):
		store, err := postgres.Open(ctx, postgres.DefaultConfig(dsn), a.Logger)
		if err != nil {
			return credvault.NewBackendUnavailableError("postgres", err)
		}
		a.closers = append(a.closers, store)
		if err := store.Migrate(ctx); err != nil {
			return err
		}
		a.Tokens = store
		a.openedTokens = true
	default:
		return credvault.NewConfigurationError("token-store", "want a postgres:// URL or sqlite:<path>")
	}
	return nil
}

// sealer returns nil when backups are stored in clear.
func (a *App) sealer(ctx context.Context, cfg credvault.Config) (rotation.Sealer, error) {
	var kms envelope.KMS
	switch a.sealWith {
	case "", SealNone:
		return nil, nil
	case SealLocal:
		// envelope falls back to cfg.FallbackSecret
	case SealVault:
		client, err := a.vaultClient(ctx, cfg)
		if err != nil {
			return nil, err
		}
		transit := vault.NewTransitKMS(client, a.transitMount)
		if err := transit.EnsureKey(ctx, cfg.MasterKeyID); err != nil {
			return nil, fmt.Errorf("transit key %q: %w", cfg.MasterKeyID, err)
		}
		kms = transit
	case SealAWS:
		k, err := awskms.New(ctx, awskms.Config{})
		if err != nil {
			return nil, err
		}
		if _, err := k.KeyID(ctx, cfg.MasterKeyID); err != nil {
			return nil, err
		}
		kms = k
	default:
		return nil, credvault.NewConfigurationError("seal-backups",
			fmt.Sprintf("unknown value %q, want one of %s, %s, %s, %s", a.sealWith, SealNone, SealLocal, SealVault, SealAWS))
	}

	svc, err := envelope.New(kms, cfg, envelope.WithLogger(a.Logger), envelope.WithMetrics(a.Metrics))
	if err != nil {
		return nil, err
	}
	return svc, nil
}
