package agent

import (
	"context"
	"fmt"
)

// Agent runs a tool-use loop: the model picks tools from the registry, the
// registry executes them, and results are fed back until the model ends its turn.
type Agent struct {
	name         string
	apiClient    *APIClient
	registry     *ToolRegistry
	systemPrompt string
}

// AgentConfig configures an agent
type AgentConfig struct {
	Name         string
	Client       *APIClient
	Registry     *ToolRegistry
	SystemPrompt string
}

// NewAgent creates a new agent with the given configuration
func NewAgent(cfg AgentConfig) *Agent {
	registry := cfg.Registry
	if registry == nil {
		registry = NewToolRegistry()
	}
	return &Agent{
		name:         cfg.Name,
		apiClient:    cfg.Client,
		registry:     registry,
		systemPrompt: cfg.SystemPrompt,
	}
}

// Name returns the agent's name
func (a *Agent) Name() string {
	return a.name
}

// Tools returns all registered tools
func (a *Agent) Tools() []Tool {
	return a.registry.Tools()
}

// Execute runs the agent with the given input
func (a *Agent) Execute(ctx context.Context, input AgentInput) (*AgentOutput, error) {
	maxTurns := input.MaxTurns
	if maxTurns <= 0 {
		maxTurns = 1
	}

	messages := make([]Message, len(input.Messages))
	copy(messages, input.Messages)

	var totalUsage UsageStats
	var allToolCalls []ToolCall

	for turn := 0; turn < maxTurns; turn++ {
		response, err := a.apiClient.Call(ctx, messages, CallOptions{
			System:     a.systemPrompt,
			Tools:      a.registry.Tools(),
			ToolChoice: "auto",
		})
		if err != nil {
			return nil, fmt.Errorf("API call failed on turn %d: %w", turn+1, err)
		}
		totalUsage.Add(response.Usage)

		switch response.StopReason {
		case "end_turn", "stop_sequence", "max_tokens":
			messages = append(messages, Message{Role: "assistant", Content: response.Content})
			return &AgentOutput{
				ToolCalls:    allToolCalls,
				Conversation: messages,
				Usage:        totalUsage,
				FinalText:    extractFinalText(response.Content),
			}, nil

		case "tool_use":
			messages = append(messages, Message{Role: "assistant", Content: response.Content})

			toolResults, toolCalls := a.executeTools(ctx, response.Content)
			allToolCalls = append(allToolCalls, toolCalls...)

			messages = append(messages, Message{Role: "user", Content: toolResults})
			continue

		default:
			return nil, fmt.Errorf("unexpected stop reason: %s", response.StopReason)
		}
	}

	return &AgentOutput{
		ToolCalls:    allToolCalls,
		Conversation: messages,
		Usage:        totalUsage,
	}, fmt.Errorf("max turns (%d) exceeded", maxTurns)
}

// executeTools runs all tool_use blocks and returns results
func (a *Agent) executeTools(ctx context.Context, content []ContentBlock) ([]ContentBlock, []ToolCall) {
	var results []ContentBlock
	var calls []ToolCall

	for _, block := range content {
		toolUse, ok := block.(ToolUseBlock)
		if !ok {
			continue
		}

		output, err := a.registry.Execute(ctx, toolUse.Name, toolUse.Input)
		calls = append(calls, ToolCall{
			Name:   toolUse.Name,
			Input:  toolUse.Input,
			Output: output,
			Error:  err,
		})

		resultBlock := ToolResultBlock{
			Type:      "tool_result",
			ToolUseID: toolUse.ID,
			Content:   output,
			IsError:   err != nil,
		}
		if err != nil {
			resultBlock.Content = err.Error()
		}
		results = append(results, resultBlock)
	}

	return results, calls
}

func extractFinalText(content []ContentBlock) string {
	for _, block := range content {
		if text, ok := block.(TextBlock); ok {
			return text.Text
		}
	}
	return ""
}

// IsConfigured returns true if the agent's API client is configured
func (a *Agent) IsConfigured() bool {
	return a.apiClient != nil && a.apiClient.IsConfigured()
}
