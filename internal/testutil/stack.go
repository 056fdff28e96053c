package testutil

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"

	"github.com/magiccat/magiccat/internal/agent/tools"
	"github.com/magiccat/magiccat/internal/database"
	"github.com/magiccat/magiccat/internal/dingtalk"
	"github.com/magiccat/magiccat/internal/logging"
	"github.com/magiccat/magiccat/internal/metrics"
	"github.com/magiccat/magiccat/internal/notify"
	"github.com/magiccat/magiccat/internal/orchestrator"
	"github.com/magiccat/magiccat/internal/resolver"
	"github.com/magiccat/magiccat/internal/server"
)

// Shanghai is the zone the test stack's users live in.
var Shanghai = time.FixedZone("Asia/Shanghai", 8*3600)

// RecordingNotifier captures change notifications instead of emailing them.
type RecordingNotifier struct {
	mu      sync.Mutex
	changes []notify.Change
}

func (r *RecordingNotifier) Send(_ context.Context, change *notify.Change, _ string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.changes = append(r.changes, *change)
	return nil
}

func (r *RecordingNotifier) Name() string       { return "recording" }
func (r *RecordingNotifier) IsConfigured() bool { return true }

func (r *RecordingNotifier) Changes() []notify.Change {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]notify.Change(nil), r.changes...)
}

// Stack is the whole service wired against a FakeDingTalk: database, token
// provider, gateway, resolver, orchestrator, dispatcher and HTTP server.
type Stack struct {
	DingTalk     *FakeDingTalk
	DB           *database.DB
	Orchestrator *orchestrator.Orchestrator
	Dispatcher   *tools.Dispatcher
	Notifier     *RecordingNotifier
	Server       *server.Server
	Registry     *prometheus.Registry
}

// NewStack builds a Stack. Pending deletions expire after ttl; zero means
// they never expire.
func NewStack(t *testing.T, ttl time.Duration) *Stack {
	t.Helper()

	fake := NewFakeDingTalk(t)
	db := database.NewTestDB(t)
	reg := prometheus.NewRegistry()
	m := metrics.New(reg)
	logger := logging.Discard()

	tokens, err := dingtalk.NewTokenProvider(dingtalk.ProviderConfig{
		BaseURL:   fake.URL(),
		AppKey:    "app-key",
		AppSecret: "app-secret",
		UnionID:   "union-1",
		Metrics:   m,
		Logger:    logger,
	})
	require.NoError(t, err)

	gw, err := dingtalk.NewGateway(dingtalk.Config{
		BaseURL: fake.URL(),
		UnionID: "union-1",
		Tokens:  tokens,
		Metrics: m,
		Logger:  logger,
	})
	require.NoError(t, err)

	rec := &RecordingNotifier{}
	orch, err := orchestrator.New(orchestrator.Config{
		Gateway:    gw,
		Tasks:      gw,
		Resolver:   resolver.New(resolver.RuleDisambiguator{Location: Shanghai}, logger),
		Location:   Shanghai,
		PendingTTL: ttl,
		Traces:     db,
		Users:      db,
		Notifier:   notify.NewService(db, rec, "ops@example.com", logger),
		Metrics:    m,
		Logger:     logger,
	})
	require.NoError(t, err)

	dispatcher := tools.NewDispatcher(orch)
	srv := server.New(server.Config{
		DB:         db,
		Dispatcher: dispatcher,
		Sessions:   orch,
		Metrics:    m.Handler(),
		Logger:     logger,
	})

	return &Stack{
		DingTalk:     fake,
		DB:           db,
		Orchestrator: orch,
		Dispatcher:   dispatcher,
		Notifier:     rec,
		Server:       srv,
		Registry:     reg,
	}
}

// Do sends a request through the server's handler and returns the recorder.
func (s *Stack) Do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	s.Server.Handler().ServeHTTP(w, req)
	return w
}

// Call posts a tool call and decodes the result. It fails the test unless
// the server answers 200.
func (s *Stack) Call(t *testing.T, userID, action string, payload map[string]any) orchestrator.Result {
	t.Helper()
	w := s.Do(t, http.MethodPost, "/api/tool-calls", map[string]any{
		"userId":  userID,
		"action":  action,
		"payload": payload,
	})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	var res orchestrator.Result
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &res))
	return res
}
