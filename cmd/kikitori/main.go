package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/mfushimi/kikitori/internal/config"
	"github.com/mfushimi/kikitori/internal/costpolicy"
	"github.com/mfushimi/kikitori/internal/httpapi"
	"github.com/mfushimi/kikitori/internal/observability"
	"github.com/mfushimi/kikitori/internal/requirement"
	"github.com/mfushimi/kikitori/internal/session"
	"github.com/mfushimi/kikitori/internal/upstream"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config error: %v", err)
	}
	if _, err := costpolicy.ForPreset(costpolicy.PresetName(cfg.DefaultPreset)); err != nil {
		log.Fatalf("invalid APP_DEFAULT_PRESET: %v", err)
	}

	metrics := observability.NewMetrics(cfg.MetricsNamespace)

	ctx := context.Background()
	sessions, err := session.NewStore(ctx, cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("session store init failed: %v", err)
	}
	defer sessions.Close()

	requirements, err := requirement.NewStore(ctx, cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("requirement store init failed: %v", err)
	}
	defer requirements.Close()

	var minter httpapi.SessionMinter
	if cfg.OpenAIAPIKey != "" {
		client, err := upstream.NewClient(upstream.ClientConfig{
			APIKey:  cfg.OpenAIAPIKey,
			BaseURL: cfg.OpenAIBaseURL,
			Model:   cfg.OpenAIRealtimeModel,
			Timeout: cfg.OpenAIMintTimeout,
		})
		if err != nil {
			log.Fatalf("openai client init failed: %v", err)
		}
		minter = client
	} else {
		log.Printf("OPENAI_API_KEY not set; credential minting disabled")
	}

	api := httpapi.New(cfg, sessions, requirements, minter, metrics)
	httpServer := &http.Server{
		Addr:    cfg.BindAddr,
		Handler: api.Router(),
	}

	runCtx, runCancel := context.WithCancel(context.Background())
	defer runCancel()
	session.StartJanitor(runCtx, sessions, cfg.SessionInactivityTimeout, cfg.JanitorInterval, func(sess session.Session) {
		metrics.SessionEvents.WithLabelValues("expired").Inc()
		if count, err := sessions.ActiveCount(runCtx); err == nil {
			metrics.ActiveSessions.Set(float64(count))
		}
		log.Printf("session %s abandoned after inactivity", sess.ID)
	})

	go func() {
		log.Printf("server listening on %s", cfg.BindAddr)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("listen error: %v", err)
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh
	log.Printf("shutdown signal received")

	runCancel()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Printf("graceful shutdown failed: %v", err)
		_ = httpServer.Close()
	}

	log.Printf("shutdown complete")
}
