// Package mcpserver exposes the calendar actions as MCP tools over stdio, for
// agents that speak the Model Context Protocol instead of the HTTP webhook.
package mcpserver

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"strings"

	"github.com/mark3labs/mcp-go/mcp"
	mcpserver "github.com/mark3labs/mcp-go/server"

	"github.com/magiccat/magiccat/internal/agent"
	"github.com/magiccat/magiccat/internal/agent/tools"
	"github.com/magiccat/magiccat/internal/calendar"
	"github.com/magiccat/magiccat/internal/logging"
	"github.com/magiccat/magiccat/internal/orchestrator"
)

const AbandonToolName = "session_abandon"

type Dispatcher interface {
	Dispatch(ctx context.Context, userID, action string, payload map[string]any) (*orchestrator.Result, error)
}

type Sessions interface {
	Abandon(userID string) bool
}

type Server struct {
	mcp        *mcpserver.MCPServer
	dispatcher Dispatcher
	sessions   Sessions
	logger     *slog.Logger
}

// New builds an MCP server with one tool per calendar action. sessions may be
// nil, in which case the abandon tool is not offered.
func New(name, version string, dispatcher Dispatcher, sessions Sessions, logger *slog.Logger) (*Server, error) {
	if dispatcher == nil {
		return nil, fmt.Errorf("%w: mcp server needs a dispatcher", calendar.ErrConfig)
	}
	if logger == nil {
		logger = logging.Discard()
	}

	s := &Server{
		mcp: mcpserver.NewMCPServer(name, version,
			mcpserver.WithToolCapabilities(true),
		),
		dispatcher: dispatcher,
		sessions:   sessions,
		logger:     logger.With(slog.String("component", "mcp")),
	}

	for _, action := range tools.Actions() {
		tool, _ := tools.ToolForAction(action)
		mcpTool, err := withUserID(tool)
		if err != nil {
			return nil, err
		}
		s.mcp.AddTool(mcpTool, s.actionHandler(action))
	}

	if sessions != nil {
		s.mcp.AddTool(mcp.NewTool(AbandonToolName,
			mcp.WithDescription("Discards the user's pending deletion proposal, e.g. when the conversation moved on"),
			mcp.WithString("userId",
				mcp.Required(),
				mcp.Description("Chat user the session belongs to"),
			),
		), s.handleAbandon)
	}

	return s, nil
}

// MCP returns the underlying server.
func (s *Server) MCP() *mcpserver.MCPServer {
	return s.mcp
}

// ServeStdio blocks serving JSON-RPC on stdin/stdout.
func (s *Server) ServeStdio() error {
	if err := mcpserver.ServeStdio(s.mcp); err != nil {
		return fmt.Errorf("mcp server stopped with error: %w", err)
	}
	return nil
}

// withUserID converts an agent tool into an MCP tool whose input also names
// the chat user the call is made for.
func withUserID(tool agent.Tool) (mcp.Tool, error) {
	schema := maps.Clone(tool.InputSchema)

	props := map[string]any{}
	if p, ok := schema["properties"].(map[string]any); ok {
		props = maps.Clone(p)
	}
	props["userId"] = agent.PropertyString("Chat user the call is made for")
	schema["properties"] = props

	required := []string{"userId"}
	if r, ok := schema["required"].([]string); ok {
		required = append(required, r...)
	}
	schema["required"] = required

	raw, err := json.Marshal(schema)
	if err != nil {
		return mcp.Tool{}, fmt.Errorf("failed to marshal schema for %s: %w", tool.Name, err)
	}
	return mcp.NewToolWithRawSchema(tool.Name, tool.Description, raw), nil
}

func userIDFromArgs(args map[string]any) (string, bool) {
	id, ok := args["userId"].(string)
	if !ok || strings.TrimSpace(id) == "" {
		return "", false
	}
	return id, true
}

func (s *Server) actionHandler(action string) mcpserver.ToolHandlerFunc {
	return func(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		args := request.GetArguments()
		userID, ok := userIDFromArgs(args)
		if !ok {
			return mcp.NewToolResultError("userId is required"), nil
		}

		payload := maps.Clone(args)
		delete(payload, "userId")

		res, err := s.dispatcher.Dispatch(ctx, userID, action, payload)
		if err != nil {
			if errors.Is(err, tools.ErrUnknownAction) {
				return mcp.NewToolResultError(err.Error()), nil
			}
			s.logger.Warn("tool call failed",
				logging.Tool(request.Params.Name),
				logging.UserHash(userID),
				logging.Err(err),
			)
			return mcp.NewToolResultError(calendar.Describe(err)), nil
		}

		out, err := json.MarshalIndent(res, "", "  ")
		if err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("Failed to marshal result: %v", err)), nil
		}
		return mcp.NewToolResultText(string(out)), nil
	}
}

func (s *Server) handleAbandon(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	userID, ok := userIDFromArgs(request.GetArguments())
	if !ok {
		return mcp.NewToolResultError("userId is required"), nil
	}
	if s.sessions.Abandon(userID) {
		return mcp.NewToolResultText("Pending deletion discarded."), nil
	}
	return mcp.NewToolResultText("No deletion was pending."), nil
}
