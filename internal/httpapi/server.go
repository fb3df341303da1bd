package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/url"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/mfushimi/kikitori/internal/config"
	"github.com/mfushimi/kikitori/internal/costpolicy"
	"github.com/mfushimi/kikitori/internal/observability"
	"github.com/mfushimi/kikitori/internal/requirement"
	"github.com/mfushimi/kikitori/internal/session"
	"github.com/mfushimi/kikitori/internal/upstream"
)

// SessionMinter creates ephemeral realtime credentials.
type SessionMinter interface {
	MintSession(ctx context.Context, voice string, policy costpolicy.Policy) (upstream.MintedSession, error)
}

type Server struct {
	cfg          config.Config
	sessions     session.Store
	requirements requirement.Store
	minter       SessionMinter
	metrics      *observability.Metrics
}

func New(cfg config.Config, sessions session.Store, requirements requirement.Store, minter SessionMinter, metrics *observability.Metrics) *Server {
	return &Server{
		cfg:          cfg,
		sessions:     sessions,
		requirements: requirements,
		minter:       minter,
		metrics:      metrics,
	}
}

func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(s.checkOrigin)

	r.Get("/healthz", s.handleHealth)
	r.Get("/readyz", s.handleReady)
	r.Get("/metrics", func(w http.ResponseWriter, r *http.Request) {
		observability.MetricsHandler().ServeHTTP(w, r)
	})
	r.Get("/v1/perf/latency", s.handlePerfLatency)

	r.Post("/v1/realtime/session", s.handleMintRealtimeSession)
	r.Get("/v1/presets", s.handleListPresets)

	r.Post("/v1/sessions", s.handleCreateSession)
	r.Get("/v1/sessions", s.handleListSessions)
	r.Get("/v1/sessions/{id}", s.handleGetSession)
	r.Post("/v1/sessions/{id}/messages", s.handleAppendMessage)
	r.Post("/v1/sessions/{id}/end", s.handleEndSession)

	r.Post("/v1/requirements", s.handleSaveRequirement)
	r.Get("/v1/requirements", s.handleListRequirements)
	r.Get("/v1/requirements/{id}", s.handleGetRequirement)

	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, map[string]any{
		"status":     "ok",
		"store_mode": s.storeMode(),
	})
}

func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	if _, err := s.sessions.ActiveCount(r.Context()); err != nil {
		respondError(w, http.StatusServiceUnavailable, "store_unavailable", err.Error())
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{
		"status":     "ready",
		"store_mode": s.storeMode(),
	})
}

func (s *Server) handlePerfLatency(w http.ResponseWriter, _ *http.Request) {
	if s.metrics == nil {
		respondJSON(w, http.StatusOK, map[string]any{
			"generated_at": "",
			"window_size":  0,
			"stages":       []any{},
		})
		return
	}
	respondJSON(w, http.StatusOK, s.metrics.SnapshotStages())
}

func (s *Server) handleListPresets(w http.ResponseWriter, _ *http.Request) {
	names := costpolicy.Names()
	presets := make([]costpolicy.Policy, 0, len(names))
	for _, name := range names {
		p, err := costpolicy.ForPreset(name)
		if err != nil {
			continue
		}
		presets = append(presets, p)
	}
	respondJSON(w, http.StatusOK, map[string]any{"presets": presets})
}

// checkOrigin only allows browser requests from the same origin. This
// prevents other websites from minting realtime credentials or driving
// intake sessions if the service is ever exposed beyond localhost.
func (s *Server) checkOrigin(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !s.originAllowed(r) {
			respondError(w, http.StatusForbidden, "origin_forbidden", "cross-origin requests are not allowed")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) originAllowed(r *http.Request) bool {
	if s.cfg.AllowAnyOrigin {
		return true
	}
	origin := strings.TrimSpace(r.Header.Get("Origin"))
	if origin == "" {
		// Non-browser clients often omit Origin. Allow them.
		return true
	}
	u, err := url.Parse(origin)
	if err != nil {
		return false
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return false
	}
	return strings.EqualFold(u.Host, r.Host)
}

func (s *Server) storeMode() string {
	if strings.TrimSpace(s.cfg.DatabaseURL) != "" {
		return "postgres"
	}
	return "in-memory"
}

type errorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

var errEmptyBody = errors.New("empty body")

func decodeJSON(r *http.Request, out any) error {
	if r.Body == nil {
		return errEmptyBody
	}
	defer r.Body.Close()
	dec := json.NewDecoder(r.Body)
	if err := dec.Decode(out); err != nil {
		if strings.Contains(strings.ToLower(err.Error()), "eof") {
			return errEmptyBody
		}
		return err
	}
	return nil
}

func respondJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func respondError(w http.ResponseWriter, status int, code, message string) {
	respondJSON(w, status, errorResponse{Error: message, Code: code})
}
