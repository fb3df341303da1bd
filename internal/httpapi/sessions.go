package httpapi

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/mfushimi/kikitori/internal/observability"
	"github.com/mfushimi/kikitori/internal/redact"
	"github.com/mfushimi/kikitori/internal/requirement"
	"github.com/mfushimi/kikitori/internal/session"
)

func (s *Server) handleCreateSession(w http.ResponseWriter, r *http.Request) {
	var req session.CreateRequest
	if err := decodeJSON(r, &req); err != nil && !errors.Is(err, errEmptyBody) {
		respondError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	if strings.TrimSpace(req.Preset) == "" {
		req.Preset = s.cfg.DefaultPreset
	}
	if strings.TrimSpace(req.Voice) == "" {
		req.Voice = s.cfg.DefaultVoice
	}

	sess, err := s.sessions.Create(r.Context(), req.Preset, req.Voice, strings.TrimSpace(req.UserID))
	if err != nil {
		respondError(w, http.StatusInternalServerError, "session_create_failed", err.Error())
		return
	}
	s.metrics.SessionEvents.WithLabelValues("created").Inc()
	s.setActiveSessions(r.Context())

	respondJSON(w, http.StatusCreated, map[string]any{
		"session":           sess,
		"inactivity_ttl_ms": s.cfg.SessionInactivityTimeout.Milliseconds(),
	})
}

// sessionListing is one list entry: the session plus its ordered message
// history and, when linked, the extracted requirement record.
type sessionListing struct {
	Session     session.Session          `json:"session"`
	Messages    []session.Message        `json:"messages"`
	Requirement *requirement.Requirement `json:"requirement,omitempty"`
}

func (s *Server) handleListSessions(w http.ResponseWriter, r *http.Request) {
	userID := strings.TrimSpace(r.URL.Query().Get("user_id"))

	sessions, err := s.sessions.List(r.Context(), userID, 20)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "session_list_failed", err.Error())
		return
	}

	listings := make([]sessionListing, 0, len(sessions))
	for _, sess := range sessions {
		msgs, err := s.sessions.Messages(r.Context(), sess.ID)
		if err != nil && !errors.Is(err, session.ErrNotFound) {
			respondError(w, http.StatusInternalServerError, "session_list_failed", err.Error())
			return
		}
		if msgs == nil {
			msgs = []session.Message{}
		}
		entry := sessionListing{Session: sess, Messages: msgs}
		if sess.RequirementID != "" {
			rec, err := s.requirements.Get(r.Context(), sess.RequirementID)
			if err == nil {
				entry.Requirement = &rec
			} else if !errors.Is(err, requirement.ErrNotFound) {
				respondError(w, http.StatusInternalServerError, "session_list_failed", err.Error())
				return
			}
		}
		listings = append(listings, entry)
	}
	respondJSON(w, http.StatusOK, map[string]any{"sessions": listings})
}

func (s *Server) handleGetSession(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	sess, err := s.sessions.Get(r.Context(), id)
	if errors.Is(err, session.ErrNotFound) {
		respondError(w, http.StatusNotFound, "session_not_found", err.Error())
		return
	}
	if err != nil {
		respondError(w, http.StatusInternalServerError, "session_get_failed", err.Error())
		return
	}
	msgs, err := s.sessions.Messages(r.Context(), id)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "session_get_failed", err.Error())
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{
		"session":  sess,
		"messages": msgs,
	})
}

type appendMessageRequest struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

func (s *Server) handleAppendMessage(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	var req appendMessageRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	if req.Role != "user" && req.Role != "assistant" {
		respondError(w, http.StatusBadRequest, "invalid_role", "role must be user or assistant")
		return
	}
	if strings.TrimSpace(req.Content) == "" {
		respondError(w, http.StatusBadRequest, "invalid_content", "content is required")
		return
	}

	content, changed := redact.PII(req.Content)
	msg, err := s.sessions.AppendMessage(r.Context(), session.Message{
		SessionID:   id,
		Role:        req.Role,
		Content:     content,
		PIIRedacted: changed,
	})
	if errors.Is(err, session.ErrNotFound) {
		respondError(w, http.StatusNotFound, "session_not_found", err.Error())
		return
	}
	if err != nil {
		respondError(w, http.StatusInternalServerError, "message_append_failed", err.Error())
		return
	}
	respondJSON(w, http.StatusCreated, map[string]any{"message": msg})
}

type endSessionRequest struct {
	RequirementID string `json:"requirement_id"`
}

func (s *Server) handleEndSession(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	var req endSessionRequest
	if err := decodeJSON(r, &req); err != nil && !errors.Is(err, errEmptyBody) {
		respondError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}

	start := time.Now()
	sess, err := s.sessions.End(r.Context(), id, req.RequirementID)
	if errors.Is(err, session.ErrNotFound) {
		respondError(w, http.StatusNotFound, "session_not_found", err.Error())
		return
	}
	if err != nil {
		respondError(w, http.StatusInternalServerError, "session_end_failed", err.Error())
		return
	}
	s.metrics.SessionEvents.WithLabelValues("ended").Inc()
	s.metrics.ObserveStage(observability.StageEndSession, time.Since(start))
	s.setActiveSessions(r.Context())
	respondJSON(w, http.StatusOK, map[string]any{"session": sess})
}
