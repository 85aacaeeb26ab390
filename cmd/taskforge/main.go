package main

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/antoniostano/taskforge/internal/bridge"
	"github.com/antoniostano/taskforge/internal/config"
	"github.com/antoniostano/taskforge/internal/coordinator"
	"github.com/antoniostano/taskforge/internal/engine"
	"github.com/antoniostano/taskforge/internal/execution"
	"github.com/antoniostano/taskforge/internal/httpapi"
	"github.com/antoniostano/taskforge/internal/observability"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config error: %v", err)
	}

	metrics := observability.NewMetrics(cfg.MetricsNamespace)
	latency := observability.NewLatencyWindow(256)

	ctx := context.Background()
	store, err := engine.NewStore(ctx, cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("task store init failed: %v", err)
	}
	eng := engine.New(store)
	defer eng.Close()
	if cfg.DatabaseURL == "" {
		log.Printf("task store: in-memory (DATABASE_URL not set)")
	} else {
		log.Printf("task store: postgres")
	}

	// The hub is only known once the API server exists; execution events
	// start flowing after ListenAndServe, so the late bind is safe.
	var hub *httpapi.Hub
	executor := execution.NewManager(execution.Config{
		CLIPath:               cfg.AgentCLIPath,
		MaxConcurrentSessions: cfg.MaxConcurrentSessions,
		PromptTimeout:         cfg.ExecutionTimeout,
		IdleTimeout:           cfg.SessionIdleTimeout,
	}, func(msg any) {
		if hub == nil {
			return
		}
		if raw, err := json.Marshal(msg); err == nil {
			hub.Broadcast(raw)
		}
	})
	defer executor.Shutdown()

	br, err := bridge.New(bridge.Config{
		Dir:             cfg.BridgeDir,
		PollingInterval: cfg.PollingInterval,
		ResponseTimeout: cfg.ResponseTimeout,
	})
	if err != nil {
		log.Fatalf("bridge init failed: %v", err)
	}

	svc := coordinator.New(eng, executor, br, metrics, latency, coordinator.Config{
		SessionName: cfg.BridgeSessionName,
	})

	api := httpapi.New(cfg, eng, executor, metrics, latency)
	hub = api.Hub()

	httpServer := &http.Server{
		Addr:    cfg.BindAddr,
		Handler: api.Router(),
	}

	runCtx, runCancel := context.WithCancel(context.Background())
	defer runCancel()

	executor.StartReaper(runCtx)
	br.StartJanitor(runCtx, time.Minute, 10*time.Minute)
	svc.ServeBridge(runCtx)
	svc.ForwardTaskEvents(runCtx, hub.Broadcast)

	go func() {
		log.Printf("server listening on %s (bridge session %q)", cfg.BindAddr, svc.SessionName())
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
