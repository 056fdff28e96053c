package server

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/magiccat/magiccat/internal/agent/tools"
	"github.com/magiccat/magiccat/internal/calendar"
	"github.com/magiccat/magiccat/internal/database"
	"github.com/magiccat/magiccat/internal/metrics"
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

type fakeSessions struct {
	pending   map[string]orchestrator.PendingDeletion
	abandoned []string
}

func (f *fakeSessions) Abandon(userID string) bool {
	f.abandoned = append(f.abandoned, userID)
	_, ok := f.pending[userID]
	delete(f.pending, userID)
	return ok
}

func (f *fakeSessions) PendingDeletion(userID string) (orchestrator.PendingDeletion, bool) {
	p, ok := f.pending[userID]
	return p, ok
}

type testServer struct {
	srv        *Server
	db         *database.DB
	dispatcher *MockDispatcher
	sessions   *fakeSessions
}

func newTestServer(t *testing.T, token string) *testServer {
	t.Helper()
	db := database.NewTestDB(t)
	d := &MockDispatcher{}
	sessions := &fakeSessions{pending: map[string]orchestrator.PendingDeletion{}}
	m := metrics.New(prometheus.NewRegistry())
	m.RecordOutcome("create", "Created")

	srv := New(Config{
		DB:         db,
		Dispatcher: d,
		Sessions:   sessions,
		Metrics:    m.Handler(),
		APIToken:   token,
	})
	return &testServer{srv: srv, db: db, dispatcher: d, sessions: sessions}
}

func (ts *testServer) do(t *testing.T, method, path string, body any, headers ...string) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if s, ok := body.(string); ok {
			buf.WriteString(s)
		} else {
			require.NoError(t, json.NewEncoder(&buf).Encode(body))
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	for i := 0; i+1 < len(headers); i += 2 {
		req.Header.Set(headers[i], headers[i+1])
	}
	w := httptest.NewRecorder()
	ts.srv.Handler().ServeHTTP(w, req)
	return w
}

func decode[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &v), w.Body.String())
	return v
}

func TestHandleHealthCheck(t *testing.T) {
	ts := newTestServer(t, "")

	w := ts.do(t, "GET", "/health", nil)
	assert.Equal(t, http.StatusOK, w.Code)

	resp := decode[map[string]any](t, w)
	assert.Equal(t, "healthy", resp["status"])
	assert.Equal(t, "ready", resp["dispatcher"])
}

func TestMetricsEndpoint(t *testing.T) {
	ts := newTestServer(t, "")

	w := ts.do(t, "GET", "/metrics", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "magiccat_")
}

func TestHandleToolCall(t *testing.T) {
	t.Run("business outcome is a 200", func(t *testing.T) {
		ts := newTestServer(t, "")
		payload := map[string]any{"summary": "Sync"}
		ts.dispatcher.On("Dispatch", mock.Anything, "u1", "create", payload).Return(&orchestrator.Result{
			Kind:    orchestrator.KindSchedulingConflict,
			Message: "Conflicts with \"Standup\".",
		}, nil)

		w := ts.do(t, "POST", "/api/tool-calls", map[string]any{"userId": "u1", "action": "create", "payload": payload})
		require.Equal(t, http.StatusOK, w.Code)
		resp := decode[map[string]any](t, w)
		assert.Equal(t, "SchedulingConflict", resp["kind"])
		ts.dispatcher.AssertExpectations(t)
	})

	errorCases := []struct {
		name       string
		err        error
		wantStatus int
		wantError  string
	}{
		{"invalid input", fmt.Errorf("%w: start is after end", calendar.ErrInvalidInput), http.StatusBadRequest, "malformed"},
		{"unknown action", fmt.Errorf("%w: %q", tools.ErrUnknownAction, "explode"), http.StatusBadRequest, "unknown action"},
		{"calendar down", calendar.Unavailable("ListEvents", 503, nil), http.StatusServiceUnavailable, "temporarily unavailable"},
		{"calendar rejects", calendar.Rejected("CreateEvent", 400, "bad summary"), http.StatusBadGateway, "bad summary"},
		{"auth failure", calendar.AuthFailed("token", 401, nil), http.StatusBadGateway, "authenticate"},
		{"no todo backend", fmt.Errorf("%w: no task backend", calendar.ErrConfig), http.StatusInternalServerError, "not configured"},
	}
	for _, tc := range errorCases {
		t.Run(tc.name, func(t *testing.T) {
			ts := newTestServer(t, "")
			ts.dispatcher.On("Dispatch", mock.Anything, "u1", "create", mock.Anything).Return(nil, tc.err)

			w := ts.do(t, "POST", "/api/tool-calls", map[string]any{"userId": "u1", "action": "create"})
			assert.Equal(t, tc.wantStatus, w.Code)
			assert.Contains(t, decode[map[string]string](t, w)["error"], tc.wantError)
		})
	}

	t.Run("malformed requests", func(t *testing.T) {
		ts := newTestServer(t, "")
		assert.Equal(t, http.StatusBadRequest, ts.do(t, "POST", "/api/tool-calls", "{not json").Code)
		assert.Equal(t, http.StatusBadRequest, ts.do(t, "POST", "/api/tool-calls", map[string]any{"action": "create"}).Code)
		assert.Equal(t, http.StatusBadRequest, ts.do(t, "POST", "/api/tool-calls", map[string]any{"userId": "u1"}).Code)
		ts.dispatcher.AssertNotCalled(t, "Dispatch", mock.Anything, mock.Anything, mock.Anything, mock.Anything)
	})
}

func TestRequireToken(t *testing.T) {
	ts := newTestServer(t, "s3cret")
	ts.dispatcher.On("Dispatch", mock.Anything, "u1", "query", mock.Anything).
		Return(&orchestrator.Result{Kind: orchestrator.KindListed}, nil)
	body := map[string]any{"userId": "u1", "action": "query"}

	assert.Equal(t, http.StatusUnauthorized, ts.do(t, "POST", "/api/tool-calls", body).Code)
	assert.Equal(t, http.StatusUnauthorized, ts.do(t, "POST", "/api/tool-calls", body, "Authorization", "Bearer wrong").Code)
	assert.Equal(t, http.StatusOK, ts.do(t, "POST", "/api/tool-calls", body, "Authorization", "Bearer s3cret").Code)

	// health stays open for load balancers
	assert.Equal(t, http.StatusOK, ts.do(t, "GET", "/health", nil).Code)
}

func TestUserEndpoints(t *testing.T) {
	ts := newTestServer(t, "")
	ctx := context.Background()

	w := ts.do(t, "PUT", "/api/users/alice", map[string]any{"displayName": "Alice", "email": "alice@example.com", "timezone": "Asia/Shanghai"})
	require.Equal(t, http.StatusOK, w.Code)
	created := decode[userResponse](t, w)
	assert.Equal(t, "alice", created.ID)
	assert.Equal(t, "alice@example.com", created.Email)

	assert.Equal(t, http.StatusBadRequest, ts.do(t, "PUT", "/api/users/bob", map[string]any{"timezone": "Mars/Olympus"}).Code)

	w = ts.do(t, "GET", "/api/users/alice", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "Alice", decode[userResponse](t, w).DisplayName)

	assert.Equal(t, http.StatusNotFound, ts.do(t, "GET", "/api/users/nobody", nil).Code)

	database.CreateTestUser(t, ts.db)
	w = ts.do(t, "GET", "/api/users", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Len(t, decode[[]userResponse](t, w), 2)

	require.NoError(t, ts.db.CreateActionTrace(ctx, database.ActionTrace{
		UserID: "alice", Action: "delete", Outcome: "DeletionProposed", EventID: "evt-1", Duration: 42 * time.Millisecond,
	}))
	w = ts.do(t, "GET", "/api/users/alice/traces?limit=10", nil)
	require.Equal(t, http.StatusOK, w.Code)
	traces := decode[[]traceResponse](t, w)
	require.Len(t, traces, 1)
	assert.Equal(t, "evt-1", traces[0].EventID)
	assert.Equal(t, int64(42), traces[0].DurationMS)
	assert.Equal(t, http.StatusBadRequest, ts.do(t, "GET", "/api/users/alice/traces?limit=-1", nil).Code)

	w = ts.do(t, "DELETE", "/api/users/alice", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, []string{"alice"}, ts.sessions.abandoned)
	assert.Equal(t, http.StatusNotFound, ts.do(t, "DELETE", "/api/users/alice", nil).Code)
}

func TestSessionEndpoints(t *testing.T) {
	ts := newTestServer(t, "")
	ts.sessions.pending["u1"] = orchestrator.PendingDeletion{
		ProposalID: "p-1",
		EventID:    "evt-bob",
		Summary:    "Lunch with Bob",
	}

	w := ts.do(t, "GET", "/api/users/u1/pending-deletion", nil)
	require.Equal(t, http.StatusOK, w.Code)
	resp := decode[map[string]any](t, w)
	assert.Equal(t, "Proposed", resp["state"])
	assert.Equal(t, "evt-bob", resp["eventId"])
	assert.Contains(t, resp["prompt"], "evt-bob")

	w = ts.do(t, "POST", "/api/users/u1/abandon", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, true, decode[map[string]bool](t, w)["discarded"])

	w = ts.do(t, "GET", "/api/users/u1/pending-deletion", nil)
	assert.Equal(t, "Idle", decode[map[string]any](t, w)["state"])

	w = ts.do(t, "POST", "/api/users/u1/abandon", nil)
	assert.Equal(t, false, decode[map[string]bool](t, w)["discarded"])
}
