package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/avelez/ragconsole/internal/api"
	"github.com/avelez/ragconsole/internal/backoff"
	"github.com/avelez/ragconsole/internal/config"
	"github.com/avelez/ragconsole/internal/connection"
	"github.com/avelez/ragconsole/internal/database"
	"github.com/avelez/ragconsole/internal/dispatch"
	"github.com/avelez/ragconsole/internal/event"
	"github.com/avelez/ragconsole/internal/journal"
	"github.com/avelez/ragconsole/internal/poller"
	"github.com/avelez/ragconsole/internal/registry"
	"github.com/avelez/ragconsole/internal/version"
)

func main() {
	configPath := flag.String("config", "configs/consoled.yaml", "path to config file")
	flag.Parse()

	// Set up structured logging
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	logger.Info("starting consoled",
		"version", version.Version,
		"commit", version.Commit,
		"config", *configPath,
	)

	// Load configuration
	cfg, err := config.LoadAndValidate(*configPath)
	if err != nil {
		logger.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	// Create context with cancellation
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Handle shutdown signals
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		logger.Info("received shutdown signal", "signal", sig)
		cancel()
	}()

	// Create API client
	apiClient := api.NewClient(
		cfg.API.BaseURL,
		cfg.API.Token,
		api.WithLogger(logger),
		api.WithTimeout(cfg.API.Timeout),
		api.WithRetries(cfg.API.MaxRetries, time.Second),
	)

	// Active job registry
	reg := registry.New(registry.Config{Retention: cfg.Registry.Retention}, logger)
	defer reg.Close()

	// Optional run-history journal
	var jrnl *journal.Journal
	if cfg.Database != nil {
		logger.Info("connecting to journal database",
			"host", cfg.Database.Host,
			"database", cfg.Database.Name,
		)
		pool, err := database.Connect(ctx, *cfg.Database)
		if err != nil {
			logger.Error("failed to connect to journal database", "error", err)
			os.Exit(1)
		}
		defer pool.Close()

		jrnl = journal.New(journal.Config{
			BatchSize:     cfg.Journal.BatchSize,
			FlushInterval: cfg.Journal.FlushInterval,
		}, pool, logger)
		if err := jrnl.Start(ctx); err != nil {
			logger.Error("failed to start journal", "error", err)
			os.Exit(1)
		}
		reg.Subscribe("", jrnl.Record)
	}

	// Polling fallback
	fallback := poller.New(poller.Config{
		Interval: cfg.Poller.Interval,
		Timeout:  cfg.Poller.Timeout,
	}, apiClient, reg, logger)

	// Connection manager
	mgrCfg := connection.ManagerConfig{
		BaseURL:           cfg.API.BaseURL,
		Token:             cfg.API.Token,
		Path:              cfg.Stream.Path,
		HeartbeatInterval: cfg.Stream.HeartbeatInterval,
		HandshakeTimeout:  cfg.Stream.HandshakeTimeout,
		WriteTimeout:      cfg.Stream.WriteTimeout,
		BufferSize:        cfg.Stream.BufferSize,
		Backoff: backoff.Policy{
			Delays:       cfg.Stream.ReconnectDelays,
			ColdAttempts: cfg.Stream.ColdAttempts,
			WarmAttempts: cfg.Stream.WarmAttempts,
		},
	}

	mgr := connection.NewManager(mgrCfg, connection.Callbacks{
		OnStatusChange: func(s connection.Status) {
			logger.Info("stream status changed", "status", s)
			if s == connection.StatusConnected {
				stopCtx, stop := context.WithTimeout(context.Background(), 5*time.Second)
				fallback.Stop(stopCtx)
				stop()
			}
		},
		OnAuthFailure: func(err error) {
			// A headless monitor cannot obtain a fresh token interactively.
			logger.Error("stream authentication failed, shutting down", "error", err)
			cancel()
		},
		OnFallback: func() {
			if err := fallback.Start(ctx); err != nil {
				logger.Error("failed to start polling fallback", "error", err)
			}
		},
	}, logger)
	defer mgr.Close()

	// Message dispatcher
	disp := dispatch.New(mgr.Frames(), reg, func(l event.RunLog) {
		logger.Info("run log", "run_id", l.RunID, "level", l.Level, "message", l.Message)
	}, logger)

	if err := disp.Start(ctx); err != nil {
		logger.Error("failed to start dispatcher", "error", err)
		os.Exit(1)
	}
	defer func() {
		stopCtx, stop := context.WithTimeout(context.Background(), 5*time.Second)
		defer stop()
		disp.Stop(stopCtx)
	}()

	// Health server
	healthServer := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.Health.Port),
		Handler: createHealthHandler(cfg.Health.Path, mgr, reg, disp, fallback),
	}
	go func() {
		logger.Info("starting health server", "port", cfg.Health.Port)
		if err := healthServer.ListenAndServe(); err != http.ErrServerClosed {
			logger.Error("health server error", "error", err)
		}
	}()

	// Open the stream, or go straight to polling when disabled.
	if cfg.StreamEnabled() {
		mgr.Connect()
	} else {
		logger.Info("stream disabled, running on polling fallback")
		if err := fallback.Start(ctx); err != nil {
			logger.Error("failed to start polling fallback", "error", err)
			os.Exit(1)
		}
	}

	logger.Info("consoled running",
		"health_url", fmt.Sprintf("http://localhost:%d%s", cfg.Health.Port, cfg.Health.Path),
	)

	// Wait for shutdown
	<-ctx.Done()

	logger.Info("shutting down...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	healthServer.Shutdown(shutdownCtx)
	mgr.Disconnect()
	fallback.Stop(shutdownCtx)
	if jrnl != nil {
		jrnl.Stop(shutdownCtx)
	}

	logger.Info("consoled stopped")
}

// createHealthHandler creates the HTTP handler for health checks.
func createHealthHandler(path string, mgr *connection.Manager, reg *registry.Registry, disp *dispatch.Dispatcher, fallback *poller.Poller) http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc(path, func(w http.ResponseWriter, r *http.Request) {
		stats := mgr.Stats()

		health := struct {
			Status     string         `json:"status"`
			Version    string         `json:"version"`
			Components map[string]any `json:"components"`
		}{
			Status:     "healthy",
			Version:    version.String(),
			Components: make(map[string]any),
		}

		health.Components["stream"] = map[string]any{
			"status":         stats.Status,
			"attempts":       stats.Attempts,
			"ever_connected": stats.EverConnected,
		}
		health.Components["registry"] = map[string]any{
			"active_runs":   reg.Size(),
			"stale_dropped": reg.StaleDropped(),
		}
		ds := disp.Stats()
		health.Components["dispatcher"] = map[string]any{
			"received":     ds.Received,
			"routed":       ds.Routed,
			"parse_errors": ds.ParseErrors,
			"unknown":      ds.Unknown,
		}
		health.Components["polling"] = map[string]any{
			"running": fallback.Running(),
		}

		switch stats.Status {
		case connection.StatusPolling:
			health.Status = "degraded"
		case connection.StatusDisconnected:
			if !fallback.Running() {
				health.Status = "unhealthy"
			}
		}

		w.Header().Set("Content-Type", "application/json")
		if health.Status == "unhealthy" {
			w.WriteHeader(http.StatusServiceUnavailable)
		}
		json.NewEncoder(w).Encode(health)
	})

	mux.HandleFunc("/debug/runs", func(w http.ResponseWriter, r *http.Request) {
		runs := reg.GetAll()
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]any{
			"count": len(runs),
			"runs":  runs,
		})
	})

	return mux
}
