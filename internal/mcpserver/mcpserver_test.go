package mcpserver

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/magiccat/magiccat/internal/agent/tools"
	"github.com/magiccat/magiccat/internal/calendar"
	"github.com/magiccat/magiccat/internal/orchestrator"
)

type MockDispatcher struct {
	mock.Mock
}

func (m *MockDispatcher) Dispatch(ctx context.Context, userID, action string, payload map[string]any) (*orchestrator.Result, error) {
	args := m.Called(ctx, userID, action, payload)
	res, _ := args.Get(0).(*orchestrator.Result)
	return res, args.Error(1)
}

type stubSessions struct {
	pending map[string]bool
}

func (s *stubSessions) Abandon(userID string) bool {
	had := s.pending[userID]
	delete(s.pending, userID)
	return had
}

func callTool(t *testing.T, s *Server, name string, args map[string]any) *mcp.CallToolResult {
	t.Helper()
	tool, ok := s.MCP().ListTools()[name]
	require.True(t, ok, "tool %s not registered", name)

	req := mcp.CallToolRequest{}
	req.Params.Name = name
	req.Params.Arguments = args
	res, err := tool.Handler(context.Background(), req)
	require.NoError(t, err)
	return res
}

func resultText(t *testing.T, res *mcp.CallToolResult) string {
	t.Helper()
	require.NotEmpty(t, res.Content)
	text, ok := res.Content[0].(mcp.TextContent)
	require.True(t, ok)
	return text.Text
}

func TestNew_RegistersEveryAction(t *testing.T) {
	s, err := New("magiccat", "test", &MockDispatcher{}, &stubSessions{}, nil)
	require.NoError(t, err)

	registered := s.MCP().ListTools()
	for _, tool := range tools.AllCalendarTools() {
		st, ok := registered[tool.Name]
		require.True(t, ok, tool.Name)

		var schema map[string]any
		require.NoError(t, json.Unmarshal(st.Tool.RawInputSchema, &schema))
		assert.Contains(t, schema["required"], "userId")
		assert.Contains(t, schema["properties"], "userId")
	}
	assert.Contains(t, registered, AbandonToolName)
	assert.Len(t, registered, len(tools.Actions())+1)

	// the shared agent schema must not pick up the userId field
	_, leaked := tools.CreateEventTool.InputSchema["properties"].(map[string]any)["userId"]
	assert.False(t, leaked)
}

func TestNew_WithoutSessions(t *testing.T) {
	s, err := New("magiccat", "test", &MockDispatcher{}, nil, nil)
	require.NoError(t, err)
	assert.NotContains(t, s.MCP().ListTools(), AbandonToolName)

	_, err = New("magiccat", "test", nil, nil, nil)
	assert.ErrorIs(t, err, calendar.ErrConfig)
}

func TestActionHandler(t *testing.T) {
	t.Run("dispatches without userId in the payload", func(t *testing.T) {
		d := &MockDispatcher{}
		d.On("Dispatch", mock.Anything, "u1", orchestrator.ActionDelete, map[string]any{"summary": "lunch"}).
			Return(&orchestrator.Result{Kind: orchestrator.KindDeletionProposed, Message: "Delete \"Lunch\"?"}, nil)
		s, err := New("magiccat", "test", d, nil, nil)
		require.NoError(t, err)

		res := callTool(t, s, tools.DeleteEventTool.Name, map[string]any{"userId": "u1", "summary": "lunch"})
		assert.False(t, res.IsError)

		var decoded map[string]any
		require.NoError(t, json.Unmarshal([]byte(resultText(t, res)), &decoded))
		assert.Equal(t, "DeletionProposed", decoded["kind"])
		d.AssertExpectations(t)
	})

	t.Run("missing userId", func(t *testing.T) {
		d := &MockDispatcher{}
		s, err := New("magiccat", "test", d, nil, nil)
		require.NoError(t, err)

		res := callTool(t, s, tools.QueryEventsTool.Name, map[string]any{})
		assert.True(t, res.IsError)
		assert.Contains(t, resultText(t, res), "userId")
		d.AssertNotCalled(t, "Dispatch", mock.Anything, mock.Anything, mock.Anything, mock.Anything)
	})

	t.Run("failure is described", func(t *testing.T) {
		d := &MockDispatcher{}
		d.On("Dispatch", mock.Anything, "u1", orchestrator.ActionQuery, mock.Anything).
			Return(nil, calendar.Unavailable("ListEvents", 502, nil))
		s, err := New("magiccat", "test", d, nil, nil)
		require.NoError(t, err)

		res := callTool(t, s, tools.QueryEventsTool.Name, map[string]any{"userId": "u1"})
		assert.True(t, res.IsError)
		assert.Contains(t, resultText(t, res), "temporarily unavailable")
	})
}

func TestHandleAbandon(t *testing.T) {
	sessions := &stubSessions{pending: map[string]bool{"u1": true}}
	s, err := New("magiccat", "test", &MockDispatcher{}, sessions, nil)
	require.NoError(t, err)

	assert.Equal(t, "Pending deletion discarded.", resultText(t, callTool(t, s, AbandonToolName, map[string]any{"userId": "u1"})))
	assert.Equal(t, "No deletion was pending.", resultText(t, callTool(t, s, AbandonToolName, map[string]any{"userId": "u1"})))
	assert.True(t, callTool(t, s, AbandonToolName, map[string]any{}).IsError)
}
