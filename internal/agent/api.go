package agent

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/magiccat/magiccat/internal/logging"
	"github.com/magiccat/magiccat/internal/metrics"
)

const (
	// BackendName labels model calls in metrics and logs.
	BackendName = "anthropic"

	defaultAPIURL       = "https://api.anthropic.com/v1/messages"
	defaultModel        = "claude-sonnet-4-20250514"
	defaultMaxTokens    = 4096
	anthropicVersion    = "2023-06-01"
	anthropicBetaHeader = "tools-2024-04-04"

	insufficientCreditsHint = "add credits at https://console.anthropic.com/settings/plans"
)

// ErrInsufficientCredits is returned when the account has run out of credit.
var ErrInsufficientCredits = errors.New("anthropic credit balance too low")

// APIClient handles communication with the Anthropic API
type APIClient struct {
	apiKey      string
	model       string
	apiURL      string
	httpClient  *http.Client
	temperature float64
	metrics     *metrics.Metrics
	logger      *slog.Logger
}

// ClientOption customises an APIClient.
type ClientOption func(*APIClient)

// WithAPIURL points the client at another Messages endpoint.
func WithAPIURL(url string) ClientOption {
	return func(c *APIClient) { c.apiURL = url }
}

// WithHTTPClient replaces the default HTTP client.
func WithHTTPClient(hc *http.Client) ClientOption {
	return func(c *APIClient) { c.httpClient = hc }
}

// WithMetrics records each model call as a gateway call of BackendName.
func WithMetrics(m *metrics.Metrics) ClientOption {
	return func(c *APIClient) { c.metrics = m }
}

func WithLogger(logger *slog.Logger) ClientOption {
	return func(c *APIClient) { c.logger = logging.WithBackend(logger, BackendName) }
}

// NewAPIClient creates a new Anthropic API client. A negative temperature
// selects the default of 0.1.
func NewAPIClient(apiKey, model string, temperature float64, opts ...ClientOption) *APIClient {
	if model == "" {
		model = defaultModel
	}
	if temperature < 0 {
		temperature = 0.1
	}

	c := &APIClient{
		apiKey:      apiKey,
		model:       model,
		apiURL:      defaultAPIURL,
		temperature: temperature,
		httpClient: &http.Client{
			Timeout: 60 * time.Second,
		},
		logger: logging.WithBackend(slog.Default(), BackendName),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// apiRequest represents the Anthropic API request with tools
type apiRequest struct {
	Model       string           `json:"model"`
	MaxTokens   int              `json:"max_tokens"`
	Temperature float64          `json:"temperature"`
	System      string           `json:"system,omitempty"`
	Tools       []map[string]any `json:"tools,omitempty"`
	ToolChoice  *toolChoice      `json:"tool_choice,omitempty"`
	Messages    []apiMessage     `json:"messages"`
}

type toolChoice struct {
	Type string `json:"type"`           // "auto", "any", or "tool"
	Name string `json:"name,omitempty"` // Only for type="tool"
}

type apiMessage struct {
	Role    string `json:"role"`
	Content any    `json:"content"` // string or []ContentBlock
}

// apiResponse represents the Anthropic API response
type apiResponse struct {
	ID         string            `json:"id"`
	Type       string            `json:"type"`
	Role       string            `json:"role"`
	Content    []apiContentBlock `json:"content"`
	StopReason string            `json:"stop_reason"`
	Usage      struct {
		InputTokens  int `json:"input_tokens"`
		OutputTokens int `json:"output_tokens"`
	} `json:"usage"`
	Error *apiErrorDetail `json:"error,omitempty"`
}

type apiErrorDetail struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

type apiErrorEnvelope struct {
	Type      string          `json:"type"`
	Error     *apiErrorDetail `json:"error"`
	RequestID string          `json:"request_id"`
}

type apiContentBlock struct {
	Type  string         `json:"type"`
	Text  string         `json:"text,omitempty"`
	ID    string         `json:"id,omitempty"`
	Name  string         `json:"name,omitempty"`
	Input map[string]any `json:"input,omitempty"`
}

// APIResponse wraps the parsed response from the API
type APIResponse struct {
	Content    []ContentBlock
	StopReason string
	Usage      UsageStats
}

// CallOptions configures an API call
type CallOptions struct {
	System     string
	Tools      []Tool
	ToolChoice string // "auto", "any", or specific tool name
	MaxTokens  int
}

// Call makes a request to the Anthropic API
func (c *APIClient) Call(ctx context.Context, messages []Message, opts CallOptions) (*APIResponse, error) {
	start := time.Now()
	resp, err := c.send(ctx, messages, opts)
	c.metrics.RecordGatewayCall(BackendName, "messages", err, time.Since(start))
	if err != nil {
		c.logger.Warn("model call failed", logging.Err(err))
		return nil, err
	}
	c.logger.Debug("model call completed",
		slog.String("stop_reason", resp.StopReason),
		slog.Int("input_tokens", resp.Usage.InputTokens),
		slog.Int("output_tokens", resp.Usage.OutputTokens),
		slog.Duration(logging.KeyDuration, time.Since(start)),
	)
	return resp, nil
}

func (c *APIClient) send(ctx context.Context, messages []Message, opts CallOptions) (*APIResponse, error) {
	apiMessages := make([]apiMessage, len(messages))
	for i, msg := range messages {
		apiMessages[i] = apiMessage{
			Role:    msg.Role,
			Content: convertContentToAPI(msg.Content),
		}
	}

	var apiTools []map[string]any
	if len(opts.Tools) > 0 {
		apiTools = make([]map[string]any, len(opts.Tools))
		for i, tool := range opts.Tools {
			apiTools[i] = map[string]any{
				"name":         tool.Name,
				"description":  tool.Description,
				"input_schema": tool.InputSchema,
			}
		}
	}

	maxTokens := opts.MaxTokens
	if maxTokens <= 0 {
		maxTokens = defaultMaxTokens
	}

	req := apiRequest{
		Model:       c.model,
		MaxTokens:   maxTokens,
		Temperature: c.temperature,
		System:      opts.System,
		Tools:       apiTools,
		Messages:    apiMessages,
	}

	if opts.ToolChoice != "" && len(opts.Tools) > 0 {
		switch opts.ToolChoice {
		case "auto", "any":
			req.ToolChoice = &toolChoice{Type: opts.ToolChoice}
		default:
			req.ToolChoice = &toolChoice{Type: "tool", Name: opts.ToolChoice}
		}
	}

	reqBody, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.apiURL, bytes.NewReader(reqBody))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("x-api-key", c.apiKey)
	httpReq.Header.Set("anthropic-version", anthropicVersion)
	if len(opts.Tools) > 0 {
		httpReq.Header.Set("anthropic-beta", anthropicBetaHeader)
	}

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("failed to send request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		return nil, formatAPIError(resp.StatusCode, body)
	}

	var apiResp apiResponse
	if err := json.Unmarshal(body, &apiResp); err != nil {
		return nil, fmt.Errorf("failed to unmarshal response: %w", err)
	}

	if apiResp.Error != nil {
		return nil, fmt.Errorf("API error: %s - %s", apiResp.Error.Type, apiResp.Error.Message)
	}

	content := make([]ContentBlock, 0, len(apiResp.Content))
	for _, block := range apiResp.Content {
		switch block.Type {
		case "text":
			content = append(content, TextBlock{Type: "text", Text: block.Text})
		case "tool_use":
			content = append(content, ToolUseBlock{
				Type:  "tool_use",
				ID:    block.ID,
				Name:  block.Name,
				Input: block.Input,
			})
		}
	}

	return &APIResponse{
		Content:    content,
		StopReason: apiResp.StopReason,
		Usage: UsageStats{
			InputTokens:  apiResp.Usage.InputTokens,
			OutputTokens: apiResp.Usage.OutputTokens,
			TotalTokens:  apiResp.Usage.InputTokens + apiResp.Usage.OutputTokens,
		},
	}, nil
}

// CallTool forces the model to answer with exactly one call to tool and
// returns that call's input.
func (c *APIClient) CallTool(ctx context.Context, system, prompt string, tool Tool) (map[string]any, error) {
	resp, err := c.Call(ctx, []Message{
		{Role: "user", Content: []ContentBlock{TextBlock{Type: "text", Text: prompt}}},
	}, CallOptions{
		System:     system,
		Tools:      []Tool{tool},
		ToolChoice: tool.Name,
		MaxTokens:  1024,
	})
	if err != nil {
		return nil, err
	}
	for _, block := range resp.Content {
		if use, ok := block.(ToolUseBlock); ok && use.Name == tool.Name {
			return use.Input, nil
		}
	}
	return nil, fmt.Errorf("model did not call %s", tool.Name)
}

// formatAPIError turns a non-200 response into an error, keeping the request
// id when the body is the structured error envelope.
func formatAPIError(status int, body []byte) error {
	var env apiErrorEnvelope
	if err := json.Unmarshal(body, &env); err != nil || env.Error == nil {
		return fmt.Errorf("API error (status %d): %s", status, strings.TrimSpace(string(body)))
	}

	if strings.Contains(strings.ToLower(env.Error.Message), "credit balance is too low") {
		return fmt.Errorf("%w (status %d, request_id=%s): %s",
			ErrInsufficientCredits, status, env.RequestID, insufficientCreditsHint)
	}
	return fmt.Errorf("API error (status %d, request_id=%s): %s: %s",
		status, env.RequestID, env.Error.Type, env.Error.Message)
}

// convertContentToAPI converts ContentBlock slice to API format
func convertContentToAPI(content []ContentBlock) any {
	if len(content) == 1 {
		if text, ok := content[0].(TextBlock); ok {
			return text.Text
		}
	}

	result := make([]map[string]any, len(content))
	for i, block := range content {
		switch b := block.(type) {
		case TextBlock:
			result[i] = map[string]any{
				"type": "text",
				"text": b.Text,
			}
		case ToolUseBlock:
			result[i] = map[string]any{
				"type":  "tool_use",
				"id":    b.ID,
				"name":  b.Name,
				"input": b.Input,
			}
		case ToolResultBlock:
			block := map[string]any{
				"type":        "tool_result",
				"tool_use_id": b.ToolUseID,
				"content":     b.Content,
			}
			if b.IsError {
				block["is_error"] = true
			}
			result[i] = block
		}
	}
	return result
}

// IsConfigured returns true if the client has an API key
func (c *APIClient) IsConfigured() bool {
	return c.apiKey != ""
}
