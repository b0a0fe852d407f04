package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/antoniostano/voicecoord/internal/audit"
	"github.com/antoniostano/voicecoord/internal/clockid"
	"github.com/antoniostano/voicecoord/internal/config"
	"github.com/antoniostano/voicecoord/internal/coordinator"
	"github.com/antoniostano/voicecoord/internal/janitor"
	"github.com/antoniostano/voicecoord/internal/observability"
	"github.com/antoniostano/voicecoord/internal/queue"
	"github.com/antoniostano/voicecoord/internal/registry"
	"github.com/antoniostano/voicecoord/internal/transport"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config error: %v", err)
	}

	metrics := observability.NewMetrics(cfg.MetricsNamespace)

	ctx := context.Background()
	auditStore, err := audit.NewStore(ctx, cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("audit store init failed: %v", err)
	}
	defer auditStore.Close()

	reg := registry.New(clockid.System)
	q := queue.New()

	api := transport.New(cfg, reg, metrics)

	coord := coordinator.New(reg, q, clockid.System, api.Sink(), coordinator.Config{
		Grace:                    cfg.SpeechGrace,
		MaxEstimatedDuration:     cfg.MaxEstimatedDuration,
		DefaultEstimatedDuration: cfg.DefaultEstimatedDuration,
		EstimatedWaitIfSpeaking:  5 * time.Second,
	}, coordinator.Hooks{
		OnAgentEvent: func(event string) {
			metrics.AgentEvents.WithLabelValues(event).Inc()
			metrics.ActiveAgents.Set(float64(reg.Len()))
		},
		OnSpeechCompletion: func(reason coordinator.CompletionReason) {
			metrics.SpeechCompletions.WithLabelValues(string(reason)).Inc()
		},
		OnQueueWait: func(d time.Duration) {
			metrics.ObserveQueueWait(d)
		},
		OnQueueLength: func(n int) {
			metrics.SetQueueLength(n)
		},
		OnAudit: func(kind, agentID, agentName, requestID string) {
			if err := auditStore.RecordEvent(context.Background(), audit.Event{
				ID:        clockid.NewID(),
				AgentID:   agentID,
				AgentName: agentName,
				RequestID: requestID,
				Kind:      kind,
				At:        clockid.System.Now().UTC(),
			}); err != nil {
				log.Printf("audit record failed: %v", err)
			}
		},
	})
	api.SetCoordinator(coord)

	jan := janitor.New(reg, coord, clockid.System, cfg.StaleAfter, func(agentID string) {
		metrics.AgentEvents.WithLabelValues("stale_evicted").Inc()
	})

	httpServer := &http.Server{
		Addr:    cfg.BindAddr,
		Handler: api.Router(),
	}

	runCtx, runCancel := context.WithCancel(context.Background())
	defer runCancel()
	jan.Start(runCtx, cfg.JanitorInterval)

	go func() {
		log.Printf("voicecoord listening on %s", cfg.BindAddr)
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
