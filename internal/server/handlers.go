package server

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/magiccat/magiccat/internal/agent/tools"
	"github.com/magiccat/magiccat/internal/calendar"
	"github.com/magiccat/magiccat/internal/logging"
)

const maxBodyBytes = 1 << 20

func respondJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func respondError(w http.ResponseWriter, status int, message string) {
	respondJSON(w, status, map[string]string{"error": message})
}

// decodeBody reads a bounded JSON request body into v.
func decodeBody(w http.ResponseWriter, r *http.Request, v any) error {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	return json.NewDecoder(r.Body).Decode(v)
}

// statusForError maps the calendar error taxonomy onto HTTP status codes.
func statusForError(err error) int {
	switch {
	case errors.Is(err, calendar.ErrInvalidInput), errors.Is(err, tools.ErrUnknownAction):
		return http.StatusBadRequest
	case errors.Is(err, calendar.ErrRemoteUnavailable):
		return http.StatusServiceUnavailable
	case errors.Is(err, calendar.ErrRemoteRejected), errors.Is(err, calendar.ErrAuth):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) handleHealthCheck(w http.ResponseWriter, r *http.Request) {
	if s.db != nil {
		if err := s.db.PingContext(r.Context()); err != nil {
			respondError(w, http.StatusServiceUnavailable, "database unavailable")
			return
		}
	}

	status := map[string]any{
		"status":     "healthy",
		"dispatcher": "unavailable",
	}
	if s.dispatcher != nil {
		status["dispatcher"] = "ready"
	}
	respondJSON(w, http.StatusOK, status)
}

type toolCallRequest struct {
	UserID  string         `json:"userId"`
	Action  string         `json:"action"`
	Payload map[string]any `json:"payload"`
}

// handleToolCall runs one structured tool call. Business outcomes such as a
// scheduling conflict are 200 responses carrying the result kind; only
// failures map to error statuses.
func (s *Server) handleToolCall(w http.ResponseWriter, r *http.Request) {
	if s.dispatcher == nil {
		respondError(w, http.StatusServiceUnavailable, "dispatcher not configured")
		return
	}

	var req toolCallRequest
	if err := decodeBody(w, r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if strings.TrimSpace(req.UserID) == "" {
		respondError(w, http.StatusBadRequest, "userId is required")
		return
	}
	if req.Action == "" {
		respondError(w, http.StatusBadRequest, "action is required")
		return
	}

	res, err := s.dispatcher.Dispatch(r.Context(), req.UserID, req.Action, req.Payload)
	if err != nil {
		status := statusForError(err)
		if status >= http.StatusInternalServerError {
			s.logger.Error("tool call failed",
				logging.Tool(req.Action),
				logging.UserHash(req.UserID),
				logging.Err(err),
			)
		}
		message := calendar.Describe(err)
		if errors.Is(err, tools.ErrUnknownAction) {
			message = err.Error()
		}
		respondError(w, status, message)
		return
	}

	s.logger.Debug("tool call handled",
		logging.Tool(req.Action),
		logging.Status(string(res.Kind)),
		logging.UserHash(req.UserID),
	)
	respondJSON(w, http.StatusOK, res)
}
