package commands

import (
	"time"

	"github.com/hengadev/credvault"
	"github.com/spf13/cobra"
)

func newPurgeTokensCommand(app *App) *cobra.Command {
	return &cobra.Command{
		Use:   "purge-tokens",
		Short: "Delete expired refresh-token records",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := app.ensureTokens(cmd.Context()); err != nil {
				return err
			}
			n, err := app.Tokens.DeleteExpired(cmd.Context(), time.Now())
			if err != nil {
				return err
			}
			app.Output("purged %d expired refresh tokens", n)
			return nil
		},
	}
}

func newRevokeTokensCommand(app *App) *cobra.Command {
	var user string

	cmd := &cobra.Command{
		Use:   "revoke-tokens",
		Short: "Revoke every refresh token of a user",
		Long: `Revoke every refresh token of a user, logging them out of all devices
once their current access tokens expire.

Example:
  credvault revoke-tokens --token-store sqlite:/var/lib/app/tokens.db --user 42`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if user == "" {
				return credvault.NewValidationError("user", "--user is required")
			}
			if err := app.ensureTokens(cmd.Context()); err != nil {
				return err
			}
			n, err := app.Tokens.RevokeAllForUser(cmd.Context(), user, time.Now())
			if err != nil {
				return err
			}
			app.Output("revoked %d refresh tokens of user %s", n, user)
			return nil
		},
	}

	cmd.Flags().StringVar(&user, "user", "", "User ID (required)")
	return cmd
}
