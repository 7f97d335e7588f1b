package commands

import (
	"github.com/hengadev/credvault"
	"github.com/spf13/cobra"
)

func newVersionCommand(app *App) *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Display the credvault version",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			app.Output("%s", credvault.VersionInfo())
			return nil
		},
	}
}
