package cmd

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/magiccat/magiccat/internal/agent"
	"github.com/magiccat/magiccat/internal/calendar"
	"github.com/magiccat/magiccat/internal/config"
)

const askSystemPrompt = `You are MagicCat, a friendly assistant managing the user's calendar and filing
support tickets. Use the calendar tools for anything involving the calendar and
create_todo when the user reports a problem someone has to follow up on.
Always use explicit RFC3339 times with an offset. All-day events use dates and
their end date is exclusive.
Never call calendar_confirm_delete unless the user has explicitly agreed to the
deletion proposed in this conversation.
Current time: %s (%s).`

const askMaxTurns = 8

func newAskCmd() *cobra.Command {
	var userID string

	cmd := &cobra.Command{
		Use:   "ask [request]",
		Short: "Talk to the calendar agent in natural language",
		Long: `Sends a natural-language request to the Claude agent with the calendar tools
bound to --user. Without arguments it reads requests line by line from stdin and
keeps the conversation, so deletions can be confirmed in a later line.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if cfg.AnthropicAPIKey == "" {
				return fmt.Errorf("%w: ANTHROPIC_API_KEY is required for ask", calendar.ErrConfig)
			}

			a, err := newApp(cmd.Context(), cfg)
			if err != nil {
				return err
			}
			defer a.close()

			registry := agent.NewToolRegistry()
			if err := a.dispatcher.Register(registry, userID); err != nil {
				return err
			}
			chat := agent.NewAgent(agent.AgentConfig{
				Name:         "magiccat",
				Client:       newModelClient(cfg, a.metrics, a.logger),
				Registry:     registry,
				SystemPrompt: systemPrompt(cfg, time.Now()),
			})

			if len(args) > 0 {
				_, err := askOnce(cmd.Context(), chat, nil, strings.Join(args, " "), cmd.OutOrStdout())
				return err
			}
			return askLoop(cmd.Context(), chat, cmd.InOrStdin(), cmd.OutOrStdout())
		},
	}

	cmd.Flags().StringVar(&userID, "user", "", "Chat user id the requests are made for")
	_ = cmd.MarkFlagRequired("user")
	return cmd
}

func systemPrompt(cfg *config.Config, now time.Time) string {
	loc := cfg.Location()
	return fmt.Sprintf(askSystemPrompt, now.In(loc).Format(time.RFC3339), loc.String())
}

// askOnce runs one user turn on top of history and returns the new history.
func askOnce(ctx context.Context, chat *agent.Agent, history []agent.Message, text string, out io.Writer) ([]agent.Message, error) {
	messages := append(history, agent.Message{
		Role:    "user",
		Content: []agent.ContentBlock{agent.TextBlock{Type: "text", Text: text}},
	})

	res, err := chat.Execute(ctx, agent.AgentInput{Messages: messages, MaxTurns: askMaxTurns})
	if err != nil {
		return history, err
	}
	if res.FinalText != "" {
		fmt.Fprintln(out, res.FinalText)
	}
	return res.Conversation, nil
}

func askLoop(ctx context.Context, chat *agent.Agent, in io.Reader, out io.Writer) error {
	var history []agent.Message
	scanner := bufio.NewScanner(in)
	for {
		fmt.Fprint(out, "> ")
		if !scanner.Scan() {
			fmt.Fprintln(out)
			return scanner.Err()
		}
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		if line == "exit" || line == "quit" {
			return nil
		}

		next, err := askOnce(ctx, chat, history, line, out)
		if err != nil {
			fmt.Fprintf(out, "error: %v\n", err)
			continue
		}
		history = next
	}
}
