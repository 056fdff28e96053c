package server

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/magiccat/magiccat/internal/database"
	"github.com/magiccat/magiccat/internal/logging"
)

type userResponse struct {
	ID          string    `json:"id"`
	DisplayName string    `json:"displayName,omitempty"`
	Email       string    `json:"email,omitempty"`
	Timezone    string    `json:"timezone,omitempty"`
	CreatedAt   time.Time `json:"createdAt"`
	LastSeenAt  time.Time `json:"lastSeenAt"`
}

func toUserResponse(u database.User) userResponse {
	return userResponse{
		ID:          u.ID,
		DisplayName: u.DisplayName,
		Email:       u.Email,
		Timezone:    u.Timezone,
		CreatedAt:   u.CreatedAt,
		LastSeenAt:  u.LastSeenAt,
	}
}

type traceResponse struct {
	ID         string         `json:"id"`
	Action     string         `json:"action"`
	Outcome    string         `json:"outcome"`
	EventID    string         `json:"eventId,omitempty"`
	Error      string         `json:"error,omitempty"`
	DurationMS int64          `json:"durationMs"`
	Details    map[string]any `json:"details,omitempty"`
	CreatedAt  time.Time      `json:"createdAt"`
}

func (s *Server) handleListUsers(w http.ResponseWriter, r *http.Request) {
	users, err := s.db.ListUsers(r.Context())
	if err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}

	out := make([]userResponse, 0, len(users))
	for _, u := range users {
		out = append(out, toUserResponse(u))
	}
	respondJSON(w, http.StatusOK, out)
}

func (s *Server) handleGetUser(w http.ResponseWriter, r *http.Request) {
	user, err := s.db.GetUser(r.Context(), r.PathValue("id"))
	if errors.Is(err, database.ErrUserNotFound) {
		respondError(w, http.StatusNotFound, "user not found")
		return
	}
	if err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	respondJSON(w, http.StatusOK, toUserResponse(*user))
}

func (s *Server) handlePutUser(w http.ResponseWriter, r *http.Request) {
	var req struct {
		DisplayName string `json:"displayName"`
		Email       string `json:"email"`
		Timezone    string `json:"timezone"`
	}
	if err := decodeBody(w, r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if req.Timezone != "" {
		if _, err := time.LoadLocation(req.Timezone); err != nil {
			respondError(w, http.StatusBadRequest, "timezone is not an IANA zone")
			return
		}
	}

	id := r.PathValue("id")
	err := s.db.AddUser(r.Context(), database.User{
		ID:          id,
		DisplayName: req.DisplayName,
		Email:       req.Email,
		Timezone:    req.Timezone,
	})
	if err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}

	user, err := s.db.GetUser(r.Context(), id)
	if err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	respondJSON(w, http.StatusOK, toUserResponse(*user))
}

// handleDeleteUser removes the user with their traces and drops any pending
// deletion held for them.
func (s *Server) handleDeleteUser(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	err := s.db.DeleteUser(r.Context(), id)
	if errors.Is(err, database.ErrUserNotFound) {
		respondError(w, http.StatusNotFound, "user not found")
		return
	}
	if err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if s.sessions != nil {
		s.sessions.Abandon(id)
	}
	s.logger.Info("user deleted", logging.UserHash(id))
	respondJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
}

func (s *Server) handleListTraces(w http.ResponseWriter, r *http.Request) {
	limit := 0
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			respondError(w, http.StatusBadRequest, "limit must be a non-negative integer")
			return
		}
		limit = n
	}

	traces, err := s.db.ListActionTraces(r.Context(), r.PathValue("id"), limit)
	if err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}

	out := make([]traceResponse, 0, len(traces))
	for _, t := range traces {
		out = append(out, traceResponse{
			ID:         t.ID,
			Action:     t.Action,
			Outcome:    t.Outcome,
			EventID:    t.EventID,
			Error:      t.Error,
			DurationMS: t.Duration.Milliseconds(),
			Details:    t.Details,
			CreatedAt:  t.CreatedAt,
		})
	}
	respondJSON(w, http.StatusOK, out)
}

func (s *Server) handleGetPendingDeletion(w http.ResponseWriter, r *http.Request) {
	if s.sessions == nil {
		respondError(w, http.StatusServiceUnavailable, "sessions not configured")
		return
	}

	pending, ok := s.sessions.PendingDeletion(r.PathValue("id"))
	if !ok {
		respondJSON(w, http.StatusOK, map[string]any{"state": "Idle"})
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{
		"state":      "Proposed",
		"proposalId": pending.ProposalID,
		"eventId":    pending.EventID,
		"summary":    pending.Summary,
		"proposedAt": pending.ProposedAt,
		"prompt":     pending.Prompt(),
	})
}

// handleAbandon is called by the chat loop when a user's turn is dropped.
func (s *Server) handleAbandon(w http.ResponseWriter, r *http.Request) {
	if s.sessions == nil {
		respondError(w, http.StatusServiceUnavailable, "sessions not configured")
		return
	}
	discarded := s.sessions.Abandon(r.PathValue("id"))
	respondJSON(w, http.StatusOK, map[string]bool{"discarded": discarded})
}
