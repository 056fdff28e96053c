package cmd

import (
	"encoding/json"
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/magiccat/magiccat/internal/config"
	"github.com/magiccat/magiccat/internal/database"
)

// openDB opens the user registry without building a calendar backend, so user
// management works before credentials are configured.
func openDB() (*database.DB, error) {
	db, err := database.New(config.LoadFromEnv().DBPath)
	if err != nil {
		return nil, fmt.Errorf("creating database: %w", err)
	}
	return db, nil
}

func newUsersCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "users",
		Short: "Manage the registry of chat users",
	}
	cmd.AddCommand(newUsersListCmd(), newUsersGetCmd(), newUsersAddCmd(), newUsersDeleteCmd(), newUsersTracesCmd())
	return cmd
}

func newUsersListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List known users",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			db, err := openDB()
			if err != nil {
				return err
			}
			defer db.Close()

			users, err := db.ListUsers(cmd.Context())
			if err != nil {
				return err
			}
			return printUsers(cmd.OutOrStdout(), users)
		},
	}
}

func printUsers(out io.Writer, users []database.User) error {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tNAME\tEMAIL\tTIMEZONE\tLAST SEEN")
	for _, u := range users {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n", u.ID, u.DisplayName, u.Email, u.Timezone, u.LastSeenAt.Format(time.RFC3339))
	}
	return w.Flush()
}

func newUsersGetCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "get <id>",
		Short: "Show one user",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			db, err := openDB()
			if err != nil {
				return err
			}
			defer db.Close()

			user, err := db.GetUser(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return printUsers(cmd.OutOrStdout(), []database.User{*user})
		},
	}
}

func newUsersAddCmd() *cobra.Command {
	var name, email, timezone string

	cmd := &cobra.Command{
		Use:   "add <id>",
		Short: "Add a user or update their profile",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if timezone != "" {
				if _, err := time.LoadLocation(timezone); err != nil {
					return fmt.Errorf("invalid timezone %q: %w", timezone, err)
				}
			}

			db, err := openDB()
			if err != nil {
				return err
			}
			defer db.Close()

			err = db.AddUser(cmd.Context(), database.User{
				ID:          args[0],
				DisplayName: name,
				Email:       email,
				Timezone:    timezone,
			})
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "User %s saved\n", args[0])
			return nil
		},
	}

	cmd.Flags().StringVar(&name, "name", "", "Display name")
	cmd.Flags().StringVar(&email, "email", "", "Address for change notifications")
	cmd.Flags().StringVar(&timezone, "timezone", "", "IANA time zone, e.g. Asia/Shanghai")
	return cmd
}

func newUsersDeleteCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "delete <id>",
		Short: "Remove a user and their action history",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			db, err := openDB()
			if err != nil {
				return err
			}
			defer db.Close()

			if err := db.DeleteUser(cmd.Context(), args[0]); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "User %s deleted\n", args[0])
			return nil
		},
	}
}

func newUsersTracesCmd() *cobra.Command {
	var limit int

	cmd := &cobra.Command{
		Use:   "traces <id>",
		Short: "Print the user's most recent actions as JSON lines",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			db, err := openDB()
			if err != nil {
				return err
			}
			defer db.Close()

			traces, err := db.ListActionTraces(cmd.Context(), args[0], limit)
			if err != nil {
				return err
			}
			enc := json.NewEncoder(cmd.OutOrStdout())
			for _, t := range traces {
				if err := enc.Encode(map[string]any{
					"at":         t.CreatedAt.Format(time.RFC3339),
					"action":     t.Action,
					"outcome":    t.Outcome,
					"eventId":    t.EventID,
					"error":      t.Error,
					"durationMs": t.Duration.Milliseconds(),
				}); err != nil {
					return err
				}
			}
			return nil
		},
	}

	cmd.Flags().IntVar(&limit, "limit", 20, "Number of traces to print")
	return cmd
}
