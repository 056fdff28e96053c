package agent

// Message represents a conversation message in the Anthropic API format
type Message struct {
	Role    string         `json:"role"` // "user" or "assistant"
	Content []ContentBlock `json:"content"`
}

// ContentBlock is the interface for different content types
type ContentBlock interface {
	BlockType() string
}

// TextBlock represents plain text content
type TextBlock struct {
	Type string `json:"type"` // Always "text"
	Text string `json:"text"`
}

func (t TextBlock) BlockType() string { return "text" }

// ToolUseBlock represents a tool invocation by the assistant
type ToolUseBlock struct {
	Type  string         `json:"type"` // Always "tool_use"
	ID    string         `json:"id"`
	Name  string         `json:"name"`
	Input map[string]any `json:"input"`
}

func (t ToolUseBlock) BlockType() string { return "tool_use" }

// ToolResultBlock represents the result of a tool execution
type ToolResultBlock struct {
	Type      string `json:"type"` // Always "tool_result"
	ToolUseID string `json:"tool_use_id"`
	Content   string `json:"content"`
	IsError   bool   `json:"is_error,omitempty"`
}

func (t ToolResultBlock) BlockType() string { return "tool_result" }

// AgentInput provides context for agent execution
type AgentInput struct {
	// Messages is the conversation history
	Messages []Message

	// MaxTurns limits the number of API round-trips (default: 1 for single-shot)
	MaxTurns int
}

// AgentOutput contains the result of agent execution
type AgentOutput struct {
	ToolCalls    []ToolCall
	Conversation []Message
	Usage        UsageStats
	FinalText    string
}

// ToolCall represents a single tool invocation and its result
type ToolCall struct {
	Name   string         `json:"name"`
	Input  map[string]any `json:"input"`
	Output string         `json:"output"`
	Error  error          `json:"error,omitempty"`
}

// UsageStats tracks API usage
type UsageStats struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
	TotalTokens  int `json:"total_tokens"`
}

// Add accumulates usage from another stats object
func (u *UsageStats) Add(other UsageStats) {
	u.InputTokens += other.InputTokens
	u.OutputTokens += other.OutputTokens
	u.TotalTokens += other.TotalTokens
}
