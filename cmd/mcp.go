package cmd

import (
	"context"

	"github.com/spf13/cobra"

	"github.com/magiccat/magiccat/internal/mcpserver"
)

func newMCPCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "mcp",
		Short: "Serve the calendar actions as MCP tools over stdio",
		Long: `Starts a Model Context Protocol server on stdin/stdout. Every calendar action
is offered as a tool taking the chat user's id in addition to its payload.
Logs go to stderr (and MAGICCAT_LOG_FILE) so stdout stays reserved for JSON-RPC.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}

			a, err := newApp(context.Background(), cfg)
			if err != nil {
				return err
			}
			defer a.close()

			srv, err := mcpserver.New("magiccat", version, a.dispatcher, a.orch, a.logger)
			if err != nil {
				return err
			}
			return srv.ServeStdio()
		},
	}
}
