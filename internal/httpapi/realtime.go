package httpapi

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/mfushimi/kikitori/internal/costpolicy"
	"github.com/mfushimi/kikitori/internal/observability"
)

type mintRequest struct {
	Voice  string `json:"voice"`
	Preset string `json:"preset"`
	UserID string `json:"user_id"`
}

type mintResponse struct {
	SessionID         string            `json:"session_id"`
	UpstreamSessionID string            `json:"upstream_session_id"`
	ClientSecret      string            `json:"client_secret"`
	ExpiresAt         time.Time         `json:"expires_at"`
	Model             string            `json:"model"`
	Voice             string            `json:"voice"`
	Preset            string            `json:"preset"`
	Policy            costpolicy.Policy `json:"policy"`
	InactivityTTLMS   int64             `json:"inactivity_ttl_ms"`
}

// handleMintRealtimeSession opens an intake session record and mints the
// ephemeral realtime credential for it. The long-lived API key stays
// server-side.
func (s *Server) handleMintRealtimeSession(w http.ResponseWriter, r *http.Request) {
	if s.minter == nil {
		respondError(w, http.StatusNotImplemented, "unavailable", "credential minting not configured")
		return
	}

	var req mintRequest
	if err := decodeJSON(r, &req); err != nil && !errors.Is(err, errEmptyBody) {
		respondError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	if strings.TrimSpace(req.Voice) == "" {
		req.Voice = s.cfg.DefaultVoice
	}
	if strings.TrimSpace(req.Preset) == "" {
		req.Preset = s.cfg.DefaultPreset
	}

	policy, err := costpolicy.ForPreset(costpolicy.PresetName(req.Preset))
	if err != nil {
		respondError(w, http.StatusBadRequest, "unknown_preset", err.Error())
		return
	}

	sess, err := s.sessions.Create(r.Context(), req.Preset, req.Voice, strings.TrimSpace(req.UserID))
	if err != nil {
		respondError(w, http.StatusInternalServerError, "session_create_failed", err.Error())
		return
	}
	s.metrics.SessionEvents.WithLabelValues("created").Inc()
	s.setActiveSessions(r.Context())

	start := time.Now()
	minted, err := s.minter.MintSession(r.Context(), req.Voice, policy)
	if err != nil {
		s.metrics.UpstreamErrors.WithLabelValues(observability.StageMintSession, "mint_failed").Inc()
		respondError(w, http.StatusBadGateway, "mint_failed", err.Error())
		return
	}
	s.metrics.ObserveMintLatency(time.Since(start))

	respondJSON(w, http.StatusCreated, mintResponse{
		SessionID:         sess.ID,
		UpstreamSessionID: minted.SessionID,
		ClientSecret:      minted.ClientSecret,
		ExpiresAt:         minted.ExpiresAt,
		Model:             minted.Model,
		Voice:             minted.Voice,
		Preset:            req.Preset,
		Policy:            policy,
		InactivityTTLMS:   s.cfg.SessionInactivityTimeout.Milliseconds(),
	})
}

func (s *Server) setActiveSessions(ctx context.Context) {
	count, err := s.sessions.ActiveCount(ctx)
	if err != nil {
		return
	}
	s.metrics.ActiveSessions.Set(float64(count))
}
