package cmd

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/magiccat/magiccat/internal/calendar"
)

// parsePayload decodes the --payload flag. An empty flag is an empty payload.
func parsePayload(raw string) (map[string]any, error) {
	payload := map[string]any{}
	if raw == "" {
		return payload, nil
	}
	if err := json.Unmarshal([]byte(raw), &payload); err != nil {
		return nil, fmt.Errorf("%w: payload is not a JSON object: %v", calendar.ErrInvalidInput, err)
	}
	return payload, nil
}

func newCallCmd() *cobra.Command {
	var (
		userID  string
		payload string
	)

	cmd := &cobra.Command{
		Use:   "call <action>",
		Short: "Run a single structured tool call and print the result",
		Long: `Runs one action through the orchestrator and prints the JSON result.
Deletion proposals live in process memory, so a delete proposed here cannot be
confirmed by a later call; use serve, mcp or ask for the two-phase delete.`,
		Example: `  magiccat call query --user alice --payload '{"timeMin":"2024-06-01T00:00:00+08:00","timeMax":"2024-06-02T00:00:00+08:00"}'
  magiccat call delete --user alice --payload '{"summary":"lunch with Bob"}'`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			input, err := parsePayload(payload)
			if err != nil {
				return err
			}

			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			a, err := newApp(cmd.Context(), cfg)
			if err != nil {
				return err
			}
			defer a.close()

			res, err := a.dispatcher.Dispatch(cmd.Context(), userID, args[0], input)
			if err != nil {
				return fmt.Errorf("%s", calendar.Describe(err))
			}

			out, err := json.MarshalIndent(res, "", "  ")
			if err != nil {
				return fmt.Errorf("failed to marshal result: %w", err)
			}
			fmt.Fprintln(cmd.OutOrStdout(), string(out))
			return nil
		},
	}

	cmd.Flags().StringVar(&userID, "user", "", "Chat user id the call is made for")
	cmd.Flags().StringVar(&payload, "payload", "", "Action payload as a JSON object")
	_ = cmd.MarkFlagRequired("user")
	return cmd
}
