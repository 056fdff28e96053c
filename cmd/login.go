package cmd

import (
	"bufio"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/magiccat/magiccat/internal/config"
	"github.com/magiccat/magiccat/internal/gcal"
)

func newGoogleLoginCmd() *cobra.Command {
	var code string

	cmd := &cobra.Command{
		Use:   "google-login",
		Short: "Authorize the Google Calendar backend and save its token",
		Long: `Prints the Google consent URL for GOOGLE_CREDENTIALS_FILE, reads the
authorization code (from --code or stdin) and saves the token to
GOOGLE_TOKEN_FILE. Required once before running with CALENDAR_BACKEND=google.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := config.LoadFromEnv()

			if code == "" {
				url, err := gcal.AuthURL(cfg.GoogleCredentialsFile)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Open this URL in your browser and authorize access:\n\n%s\n\nAuthorization code: ", url)

				line, err := bufio.NewReader(cmd.InOrStdin()).ReadString('\n')
				if err != nil && line == "" {
					return fmt.Errorf("failed to read authorization code: %w", err)
				}
				code = strings.TrimSpace(line)
			}
			if code == "" {
				return fmt.Errorf("authorization code is empty")
			}

			if err := gcal.ExchangeCode(cmd.Context(), cfg.GoogleCredentialsFile, cfg.GoogleTokenFile, code); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Token saved to %s\n", cfg.GoogleTokenFile)
			return nil
		},
	}

	cmd.Flags().StringVar(&code, "code", "", "Authorization code, skipping the interactive prompt")
	return cmd
}
