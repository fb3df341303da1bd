package httpapi

import (
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/mfushimi/kikitori/internal/observability"
	"github.com/mfushimi/kikitori/internal/requirement"
	"github.com/mfushimi/kikitori/internal/session"
)

type saveRequirementRequest struct {
	requirement.Draft
	SessionID string `json:"session_id,omitempty"`
}

func (s *Server) handleSaveRequirement(w http.ResponseWriter, r *http.Request) {
	var req saveRequirementRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}

	rec, err := requirement.FromDraft(req.Draft, req.SessionID)
	if err != nil {
		s.metrics.RequirementSaves.WithLabelValues("invalid").Inc()
		respondError(w, http.StatusBadRequest, "invalid_requirement", err.Error())
		return
	}

	start := time.Now()
	saved, err := s.requirements.Save(r.Context(), rec)
	if err != nil {
		s.metrics.RequirementSaves.WithLabelValues("error").Inc()
		respondError(w, http.StatusInternalServerError, "requirement_save_failed", err.Error())
		return
	}
	s.metrics.RequirementSaves.WithLabelValues("saved").Inc()
	s.metrics.ObserveStage(observability.StageSaveRequirement, time.Since(start))

	if strings.TrimSpace(req.SessionID) != "" {
		if err := s.sessions.LinkRequirement(r.Context(), req.SessionID, saved.ID); err != nil && !errors.Is(err, session.ErrNotFound) {
			respondError(w, http.StatusInternalServerError, "requirement_link_failed", err.Error())
			return
		}
	}

	respondJSON(w, http.StatusCreated, map[string]any{"requirement": saved})
}

func (s *Server) handleListRequirements(w http.ResponseWriter, r *http.Request) {
	limit := 20
	if raw := strings.TrimSpace(r.URL.Query().Get("limit")); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			respondError(w, http.StatusBadRequest, "invalid_limit", "limit must be a positive integer")
			return
		}
		limit = n
	}

	list, err := s.requirements.List(r.Context(), limit)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "requirement_list_failed", err.Error())
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"requirements": list})
}

func (s *Server) handleGetRequirement(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	rec, err := s.requirements.Get(r.Context(), id)
	if errors.Is(err, requirement.ErrNotFound) {
		respondError(w, http.StatusNotFound, "requirement_not_found", err.Error())
		return
	}
	if err != nil {
		respondError(w, http.StatusInternalServerError, "requirement_get_failed", err.Error())
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"requirement": rec})
}
