package commands

import (
	"context"

	"github.com/hengadev/credvault"
	"github.com/spf13/cobra"
)

// Run executes the CLI with args, which must not include the binary name.
func Run(ctx context.Context, app *App, args ...string) error {
	cmd := NewRootCommand(app)
	cmd.SetArgs(args)
	cmd.SetIn(app.Stdin)
	cmd.SetOut(app.Stdout)
	cmd.SetErr(app.Stderr)
	defer app.close()
	return cmd.ExecuteContext(ctx)
}

func NewRootCommand(app *App) *cobra.Command {
	root := &cobra.Command{
		Use:   "credvault",
		Short: "Rotate, back up and restore application secrets",
		Long: `credvault operates on the secrets of one application and environment,
as configured by CREDVAULT_APPLICATION and CREDVAULT_ENVIRONMENT.

Secrets are read from and written to Vault KV v2 (VAULT_ADDR, VAULT_TOKEN or
VAULT_ROLE_ID/VAULT_SECRET_ID). Every rotation first writes a backup of the
current value.`,
		Version:           credvault.VersionInfo(),
		CompletionOptions: cobra.CompletionOptions{DisableDefaultCmd: true},
		SilenceUsage:      true,
		SilenceErrors:     true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return app.setup()
		},
	}

	flags := root.PersistentFlags()
	flags.StringSliceVar(&app.envFiles, "env-file", nil, "Dotenv files to load (default .env)")
	flags.StringVar(&app.logLevel, "log-level", "info", "Log level: debug, info, warn, error")
	flags.StringVar(&app.logFormat, "log-format", "text", "Log format: text or json")
	flags.StringVar(&app.metricsFile, "metrics-textfile", "", "Write Prometheus metrics to this file when the command ends")
	flags.StringVar(&app.sealWith, "seal-backups", SealNone, "Encrypt backups with: none, local, vault, aws")
	flags.StringVar(&app.bucket, "backup-bucket", "", "Store backups in this S3 bucket instead of CREDVAULT_BACKUP_DIR")
	flags.StringVar(&app.bucketKMSKey, "backup-bucket-kms-key", "", "SSE-KMS key for the backup bucket (default SSE-S3)")
	flags.StringVar(&app.kvMount, "kv-mount", "", "Vault KV v2 mount (default secret)")
	flags.StringVar(&app.transitMount, "transit-mount", "", "Vault transit mount (default transit)")
	flags.StringVar(&app.tokenStore, "token-store", "", "Refresh-token store: postgres:// URL or sqlite:<path>")

	root.AddCommand(
		newRotateCommand(app),
		newListBackupsCommand(app),
		newRestoreCommand(app),
		newResealBackupsCommand(app),
		newPurgeTokensCommand(app),
		newRevokeTokensCommand(app),
		newCheckCommand(app),
		newHashCommand(app),
		newVersionCommand(app),
	)
	return root
}
