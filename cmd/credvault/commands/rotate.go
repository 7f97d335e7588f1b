package commands

import (
	"fmt"
	"sort"

	"github.com/hengadev/credvault"
	"github.com/hengadev/credvault/rotation"
	"github.com/hengadev/errsx"
	"github.com/spf13/cobra"
)

// DefaultTargetsFile is read by `rotate --all` unless --targets is given.
const DefaultTargetsFile = "rotation.yaml"

func newRotateCommand(app *App) *cobra.Command {
	var (
		secret  string
		field   string
		value   string
		all     bool
		targets string
	)

	cmd := &cobra.Command{
		Use:   "rotate",
		Short: "Back up and replace a secret",
		Long: `Back up the current value of a secret, then replace one of its fields.

Without --value a random 256-bit value is generated. The backup is written
before anything else; if it fails the secret is left unchanged.

Examples:
  # Rotate the token signing key with a generated value
  credvault rotate --secret jwt --field secret_key

  # Set an operator-chosen value
  credvault rotate --secret smtp --field password --value 'n3w-p4ss'

  # Rotate every target listed in rotation.yaml
  credvault rotate --all --targets rotation.yaml`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			switch {
			case all && secret != "":
				return credvault.NewValidationError("secret", "--secret cannot be combined with --all")
			case all && value != "":
				return credvault.NewValidationError("value", "--value cannot be combined with --all")
			case !all && secret == "":
				return credvault.NewValidationError("secret", "--secret or --all is required")
			}

			orch, err := app.orchestrator(cmd.Context())
			if err != nil {
				return err
			}

			if !all {
				res, err := orch.Rotate(cmd.Context(), rotation.Request{Path: secret, Field: field, NewValue: value})
				if res != nil {
					printResult(app, *res)
				}
				return err
			}

			reqs, err := rotation.LoadTargets(targets)
			if err != nil {
				return err
			}
			results, err := orch.RotateAll(cmd.Context(), reqs)
			for _, res := range results {
				printResult(app, res)
			}
			if err == nil {
				return nil
			}
			if n, ok := printFailures(app, err); ok {
				return fmt.Errorf("%d of %d rotations failed", n, len(reqs))
			}
			return err
		},
	}

	cmd.Flags().StringVar(&secret, "secret", "", "Secret path relative to the application namespace")
	cmd.Flags().StringVar(&field, "field", "", "Field to rotate (default: the only field, or \"value\")")
	cmd.Flags().StringVar(&value, "value", "", "New value (default: generated)")
	cmd.Flags().BoolVar(&all, "all", false, "Rotate every target in the targets file")
	cmd.Flags().StringVar(&targets, "targets", DefaultTargetsFile, "YAML file listing rotation targets")

	return cmd
}

func printResult(app *App, res rotation.Result) {
	backup := res.Backup
	if backup == "" {
		backup = "none, secret was new"
	}
	source := "provided"
	if res.Generated {
		source = "generated"
	}
	app.Output("rotated %s#%s (value %s, backup: %s)", res.Path, res.Field, source, backup)
}

// printFailures writes one line per entry of an errsx.Map to Stderr, sorted
// by key. ok is false for any other error, which is left to the caller.
func printFailures(app *App, err error) (n int, ok bool) {
	errs, ok := err.(errsx.Map)
	if !ok {
		return 0, false
	}
	keys := make([]string, 0, len(errs))
	for k := range errs {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		fmt.Fprintf(app.Stderr, "failed %s: %v\n", k, errs[k])
	}
	return len(errs), true
}
