package cmd

import (
	"os"

	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "magiccat",
	Short: "Calendar assistant that turns structured tool calls into safe calendar actions",
	Long: `magiccat lets a chat agent manage a user's calendar (DingTalk or Google).
Creates are conflict-checked, modifications resolve the intended event, and
deletions require an explicit confirmation.

It can run as:
  - An HTTP webhook for structured tool calls (default)
  - An MCP (Model Context Protocol) server over stdio
  - A one-shot CLI for single calls or natural-language requests`,
	SilenceUsage: true,
}

// version will be set by main
var version = "dev"

func SetVersion(v string) {
	version = v
	rootCmd.Version = v
}

// Execute is the main entry point for the CLI application
func Execute() {
	rootCmd.SetVersionTemplate(`{{printf "magiccat version %s\n" .Version}}`)

	if len(os.Args) == 1 {
		os.Args = append(os.Args, "serve")
	}

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func init() {
	rootCmd.AddCommand(newServeCmd())
	rootCmd.AddCommand(newMCPCmd())
	rootCmd.AddCommand(newCallCmd())
	rootCmd.AddCommand(newAskCmd())
	rootCmd.AddCommand(newUsersCmd())
	rootCmd.AddCommand(newGoogleLoginCmd())
	rootCmd.AddCommand(newVersionCmd())
}
