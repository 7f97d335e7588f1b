package commands

import (
	"fmt"
	"path/filepath"

	"github.com/hengadev/credvault"
	"github.com/spf13/cobra"
)

func newListBackupsCommand(app *App) *cobra.Command {
	return &cobra.Command{
		Use:   "list-backups",
		Short: "List rotation backups, oldest first per secret",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			orch, err := app.orchestrator(cmd.Context())
			if err != nil {
				return err
			}
			names, err := orch.ListBackups(cmd.Context())
			if err != nil {
				return err
			}
			if len(names) == 0 {
				app.Output("No backups found.")
				return nil
			}
			for _, name := range names {
				app.Output("%s", name)
			}
			return nil
		},
	}
}

func newRestoreCommand(app *App) *cobra.Command {
	var backup string

	cmd := &cobra.Command{
		Use:   "restore",
		Short: "Write the values of a backup back as the secret's current version",
		Long: `Write the values of a backup back as the secret's current version.

--backup accepts a name printed by list-backups or a path to a backup file
inside the backup directory.

Example:
  credvault restore --backup jwt-20260301T120000Z-1a2b3c4d.json`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if backup == "" {
				return credvault.NewValidationError("backup", "--backup is required")
			}
			orch, err := app.orchestrator(cmd.Context())
			if err != nil {
				return err
			}
			name, err := backupName(app, backup)
			if err != nil {
				return err
			}
			b, err := orch.Restore(cmd.Context(), name)
			if b != nil {
				app.Output("restored %s from %s (backed up version %d)", b.Path, name, b.Version)
			}
			return err
		},
	}

	cmd.Flags().StringVar(&backup, "backup", "", "Backup name or file (required)")
	_ = cmd.MarkFlagRequired("backup")
	return cmd
}

// backupName turns the --backup argument into a store name. A path is only
// accepted when it points into the directory of the file backup store.
func backupName(app *App, backup string) (string, error) {
	dir := filepath.Dir(backup)
	if dir == "." {
		return backup, nil
	}
	fs, ok := app.Backups.(interface{ Dir() string })
	if !ok {
		return "", credvault.NewValidationError("backup", "backups are not stored in a directory; pass a name from list-backups")
	}
	want, err := filepath.Abs(fs.Dir())
	if err != nil {
		return "", fmt.Errorf("resolve backup directory: %w", err)
	}
	got, err := filepath.Abs(dir)
	if err != nil {
		return "", fmt.Errorf("resolve %s: %w", backup, err)
	}
	if got != want {
		return "", credvault.NewValidationError("backup", fmt.Sprintf("%s is outside the backup directory %s", backup, fs.Dir()))
	}
	return filepath.Base(backup), nil
}

func newResealBackupsCommand(app *App) *cobra.Command {
	return &cobra.Command{
		Use:   "reseal-backups",
		Short: "Encrypt every backup with the sealer chosen by --seal-backups",
		Long: `Encrypt every backup with the sealer chosen by --seal-backups.

Backups stored in clear are sealed. Sealed backups are re-encrypted with a
fresh data key, which moves backups sealed with the local fallback key under
the KMS once one is configured.

Example:
  credvault reseal-backups --seal-backups vault`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if app.sealWith == "" || app.sealWith == SealNone {
				return credvault.NewValidationError("seal-backups", "choose a sealer with --seal-backups")
			}
			orch, err := app.orchestrator(cmd.Context())
			if err != nil {
				return err
			}
			done, err := orch.ResealAll(cmd.Context())
			app.Output("resealed %d backups", done)
			if n, ok := printFailures(app, err); ok {
				return fmt.Errorf("%d of %d backups could not be resealed", n, n+done)
			}
			return err
		},
	}
}
