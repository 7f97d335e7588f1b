package commands

import (
	"bufio"
	"errors"
	"strings"

	"github.com/hengadev/credvault"
	"github.com/hengadev/credvault/hasher"
	"github.com/spf13/cobra"
)

// ErrPasswordMismatch is returned by `hash --verify` for a wrong password.
var ErrPasswordMismatch = errors.New("password does not match")

func newHashCommand(app *App) *cobra.Command {
	var (
		algorithm string
		verify    string
	)

	cmd := &cobra.Command{
		Use:   "hash",
		Short: "Hash or verify a password read from stdin",
		Long: `Read one line from stdin and print its password hash.

With --verify, check the line against an existing hash instead. A hash made
with an older algorithm or weaker parameters is reported with its
replacement.

Examples:
  printf '%s\n' "$PASSWORD" | credvault hash
  printf '%s\n' "$PASSWORD" | credvault hash --verify '$argon2id$v=19$...'`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			password, err := readLine(app)
			if err != nil {
				return err
			}

			opts := []hasher.Option{hasher.WithLogger(app.Logger)}
			if algorithm != "" {
				opts = append(opts, hasher.WithAlgorithm(hasher.Algorithm(algorithm)))
			}
			if hasher.Algorithm(algorithm) == hasher.SHA256Insecure {
				opts = append(opts, hasher.WithAllowInsecure())
			}
			h, err := hasher.New(opts...)
			if err != nil {
				return err
			}

			if verify == "" {
				rec, err := h.Hash(password)
				if err != nil {
					return err
				}
				app.Output("%s", rec.Encoded)
				return nil
			}

			ok, upgraded, err := h.VerifyAndUpgrade(password, verify)
			if err != nil {
				return err
			}
			if !ok {
				return ErrPasswordMismatch
			}
			if upgraded != "" {
				app.Output("ok, rehash to: %s", upgraded)
				return nil
			}
			app.Output("ok")
			return nil
		},
	}

	cmd.Flags().StringVar(&algorithm, "algorithm", "", "argon2id (default), bcrypt or sha256-insecure")
	cmd.Flags().StringVar(&verify, "verify", "", "Encoded hash to verify the password against")
	return cmd
}

func readLine(app *App) (string, error) {
	scanner := bufio.NewScanner(app.Stdin)
	if !scanner.Scan() {
		if err := scanner.Err(); err != nil {
			return "", err
		}
		return "", credvault.NewValidationError("password", "nothing on stdin")
	}
	return strings.TrimRight(scanner.Text(), "\r"), nil
}
