package commands

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/hengadev/credvault"
	"github.com/hengadev/credvault/internal/health"
	"github.com/spf13/cobra"
)

func newCheckCommand(app *App) *cobra.Command {
	var asJSON bool

	cmd := &cobra.Command{
		Use:   "check",
		Short: "Check the secret backend, KMS, backup and token stores",
		Long: `Check every configured backend and print a health report.

The signing secret is read bypassing the cache. With --seal-backups the KMS
seals and opens a sample value. With --token-store the database is pinged.

Exits non-zero only when a critical check fails; a missing signing secret
is reported as degraded.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := app.config()
			if err != nil {
				return err
			}
			ctx := cmd.Context()
			checker := health.NewChecker(cfg.Namespace(), credvault.Version)

			if err := app.ensureSecrets(ctx, cfg); err != nil {
				checker.Register(failed("secret_backend", true, err))
			} else {
				checker.Register(health.SecretBackendCheck(app.Secrets, cfg.SigningSecretPath))
			}
			if err := app.ensureBackups(ctx, cfg); err != nil {
				checker.Register(failed("backup_store", false, err))
			} else {
				checker.Register(health.BackupStoreCheck(app.Backups.List))
			}
			if err := app.ensureSealer(ctx, cfg); err != nil {
				checker.Register(failed("kms", true, err))
			} else if app.Sealer != nil {
				checker.Register(health.KMSCheck(app.Sealer))
			}
			if app.tokenStore != "" || app.Tokens != nil {
				if err := app.ensureTokens(ctx); err != nil {
					checker.Register(failed("token_store", true, err))
				} else {
					checker.Register(health.TokenStoreCheck(ping(app.Tokens)))
				}
			}

			report := checker.Run(ctx)
			if asJSON {
				enc := json.NewEncoder(app.Stdout)
				enc.SetIndent("", "  ")
				if err := enc.Encode(report); err != nil {
					return err
				}
			} else {
				printReport(app, report)
			}

			if report.Status == health.StatusUnhealthy {
				return fmt.Errorf("%s: %d critical checks failed", report.Namespace, report.Summary.CriticalFailed)
			}
			return nil
		},
	}

	cmd.Flags().BoolVar(&asJSON, "json", false, "Print the report as JSON")
	return cmd
}

// failed stands in for a check whose backend could not even be built.
func failed(name string, critical bool, err error) *health.Check {
	return &health.Check{
		Name:     name,
		Critical: critical,
		Run: func(context.Context) (health.Status, error) {
			return health.StatusUnhealthy, err
		},
	}
}

// ping reaches the database behind SQL-backed stores; other stores live in
// process and are always reachable.
func ping(store any) func(context.Context) error {
	if s, ok := store.(interface{ DB() *sql.DB }); ok {
		return s.DB().PingContext
	}
	return func(context.Context) error { return nil }
}

func printReport(app *App, report *health.Report) {
	w := tabwriter.NewWriter(app.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "CHECK\tSTATUS\tDURATION\tERROR")
	for _, r := range report.Results {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", r.Name, r.Status, r.Duration.Round(time.Millisecond), r.Error)
	}
	w.Flush()
	app.Output("\n%s: %s", report.Namespace, report.Status)
}
