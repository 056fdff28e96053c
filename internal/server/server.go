package server

import (
	"context"
	"crypto/subtle"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/magiccat/magiccat/internal/database"
	"github.com/magiccat/magiccat/internal/logging"
	"github.com/magiccat/magiccat/internal/orchestrator"
)

// Dispatcher runs a structured tool call on behalf of a user.
type Dispatcher interface {
	Dispatch(ctx context.Context, userID, action string, payload map[string]any) (*orchestrator.Result, error)
}

// Sessions exposes per-user conversation state.
type Sessions interface {
	Abandon(userID string) bool
	PendingDeletion(userID string) (orchestrator.PendingDeletion, bool)
}

type Server struct {
	db         *database.DB
	dispatcher Dispatcher
	sessions   Sessions
	metrics    http.Handler
	logger     *slog.Logger
	apiToken   string
	httpSrv    *http.Server
	port       int
}

// Config holds the collaborators of the HTTP surface. Metrics and APIToken are
// optional; an empty token leaves the API unauthenticated.
type Config struct {
	DB         *database.DB
	Dispatcher Dispatcher
	Sessions   Sessions
	Metrics    http.Handler
	Logger     *slog.Logger
	Port       int
	APIToken   string
}

func New(cfg Config) *Server {
	logger := cfg.Logger
	if logger == nil {
		logger = logging.Discard()
	}
	s := &Server{
		db:         cfg.DB,
		dispatcher: cfg.Dispatcher,
		sessions:   cfg.Sessions,
		metrics:    cfg.Metrics,
		logger:     logger.With(slog.String("component", "server")),
		apiToken:   cfg.APIToken,
		port:       cfg.Port,
	}

	mux := http.NewServeMux()
	s.registerRoutes(mux)

	s.httpSrv = &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      s.corsMiddleware(mux),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	return s
}

func (s *Server) registerRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /health", s.handleHealthCheck)
	if s.metrics != nil {
		mux.Handle("GET /metrics", s.metrics)
	}

	// Tool calls
	mux.Handle("POST /api/tool-calls", s.requireToken(http.HandlerFunc(s.handleToolCall)))

	// User registry
	mux.Handle("GET /api/users", s.requireToken(http.HandlerFunc(s.handleListUsers)))
	mux.Handle("PUT /api/users/{id}", s.requireToken(http.HandlerFunc(s.handlePutUser)))
	mux.Handle("GET /api/users/{id}", s.requireToken(http.HandlerFunc(s.handleGetUser)))
	mux.Handle("DELETE /api/users/{id}", s.requireToken(http.HandlerFunc(s.handleDeleteUser)))
	mux.Handle("GET /api/users/{id}/traces", s.requireToken(http.HandlerFunc(s.handleListTraces)))

	// Session state
	mux.Handle("GET /api/users/{id}/pending-deletion", s.requireToken(http.HandlerFunc(s.handleGetPendingDeletion)))
	mux.Handle("POST /api/users/{id}/abandon", s.requireToken(http.HandlerFunc(s.handleAbandon)))
}

func (s *Server) Start() error {
	s.logger.Info("starting HTTP server", slog.String("addr", fmt.Sprintf("http://localhost:%d", s.port)))
	return s.httpSrv.ListenAndServe()
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpSrv.Shutdown(ctx)
}

// Handler returns the server's HTTP handler for testing purposes
func (s *Server) Handler() http.Handler {
	return s.httpSrv.Handler
}

func (s *Server) corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}

		next.ServeHTTP(w, r)
	})
}

// requireToken checks the shared bearer token when one is configured.
func (s *Server) requireToken(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.apiToken == "" {
			next.ServeHTTP(w, r)
			return
		}
		token := extractBearerToken(r)
		if token == "" {
			respondError(w, http.StatusUnauthorized, "missing authorization token")
			return
		}
		if subtle.ConstantTimeCompare([]byte(token), []byte(s.apiToken)) != 1 {
			respondError(w, http.StatusUnauthorized, "invalid token")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// extractBearerToken expects "Authorization: Bearer <token>".
func extractBearerToken(r *http.Request) string {
	authHeader := r.Header.Get("Authorization")
	if authHeader == "" {
		return ""
	}

	parts := strings.SplitN(authHeader, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return ""
	}

	return strings.TrimSpace(parts[1])
}
