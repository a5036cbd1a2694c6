package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/aakasharya8451/reduce/internal/config"
	"github.com/aakasharya8451/reduce/internal/decision"
	"github.com/aakasharya8451/reduce/internal/download"
	"github.com/aakasharya8451/reduce/internal/http/rest"
	"github.com/aakasharya8451/reduce/internal/intake"
	"github.com/aakasharya8451/reduce/internal/logctx"
	"github.com/aakasharya8451/reduce/internal/manager"
	"github.com/aakasharya8451/reduce/internal/meta"
	"github.com/aakasharya8451/reduce/internal/notify"
	"github.com/aakasharya8451/reduce/internal/storage"
	"github.com/aakasharya8451/reduce/internal/storage/sqlite"
	"github.com/aakasharya8451/reduce/internal/telemetry"
	"github.com/go-chi/chi/v5"
)

func main() {
	cfg, err := config.LoadConfig()
	if err != nil {
		slog.Error("config error", "err", err)
		os.Exit(1)
	}

	logger := slog.New(logctx.NewTraceHandler(
		slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: cfg.SlogLevel()}),
	))
	slog.SetDefault(logger)

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	slog.Info("reduce intake coordinator starting...", "log_level", cfg.LogLevel)

	if err := run(logctx.WithLogger(ctx, logger), cfg); err != nil {
		slog.Error("fatal error", "err", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg *config.Config) error {
	logger := logctx.LoggerFromContext(ctx)

	// =========================================================================
	// Start Database
	database, err := sqlite.InitDB(cfg.DBPath)
	if err != nil {
		logger.Error("DB error", "err", err)

		return err
	}
	defer database.Close()

	repo := sqlite.NewSnapshotRepository(database)

	// =========================================================================
	// Start Telemetry
	tel, err := telemetry.New(ctx, telemetry.Config{
		Enabled:        cfg.Telemetry.Enabled,
		ServiceName:    cfg.Telemetry.ServiceName,
		ServiceVersion: cfg.Telemetry.ServiceVersion,
	})
	if err != nil {
		return fmt.Errorf("failed to setup telemetry: %w", err)
	}

	defer func() {
		if err := tel.Shutdown(context.Background()); err != nil {
			logger.Error("failed to shutdown telemetry", "err", err)
		}
	}()

	// =========================================================================
	// Start Notification Hub and State Store
	hub := notify.NewHub(logger)

	store := download.NewStore(repo, hub, cfg.HistoryLimit)

	snap, err := repo.Load(ctx)

	switch {
	case err == nil:
		store.Restore(ctx, snap)
		logger.Info("restored persisted downloads",
			"active", len(snap.ActiveDownloads),
			"history", len(snap.DownloadHistory),
		)
	case errors.Is(err, storage.ErrNoSnapshot):
		logger.Info("no persisted downloads, starting fresh")
	default:
		return fmt.Errorf("failed to load persisted downloads: %w", err)
	}

	// =========================================================================
	// Start Intake Coordinator
	coordinator := intake.NewCoordinator(
		store,
		manager.NewHTTPCommander(cfg.ManagerBaseURL, cfg.CommandTimeout),
		decision.NewClient(cfg.DecisionBaseURL, cfg.DecisionTimeout),
		meta.NewProber(cfg.ProbeTimeout),
		hub,
		tel,
	)
	hub.SetHandler(coordinator)

	// =========================================================================
	// Start API Service

	// Make a channel to listen for errors coming from the listener. Use a
	// buffered channel so the goroutine can exit if we don't collect this error.
	serverErrors := make(chan error, 1)

	server := setupServer(ctx, coordinator, hub, tel, cfg)

	go func() {
		logger.Info("Initializing API support", "host", cfg.Web.BindAddress)
		serverErrors <- server.ListenAndServe()
	}()

	logger.Info("waiting for download events...",
		"manager_base_url", cfg.ManagerBaseURL,
		"decision_base_url", cfg.DecisionBaseURL,
		"history_limit", cfg.HistoryLimit,
	)

	// =========================================================================
	// Start Main Loop
	select {
	case err := <-serverErrors:
		return fmt.Errorf("server error: %w", err)
	case <-ctx.Done():
		logger.Info("start shutdown")

		// Give outstanding requests and pipelines a deadline for completion.
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Web.ShutdownTimeout)
		defer cancel()

		if err := server.Shutdown(shutdownCtx); err != nil {
			logger.Error("failed to gracefully shutdown the server", "err", err)

			if err = server.Close(); err != nil {
				return fmt.Errorf("could not stop server gracefully: %w", err)
			}
		}

		coordinator.Wait()

		return nil
	}
}

// setupServer prepares the handlers and middlewares for the http rest server.
func setupServer(ctx context.Context, coordinator *intake.Coordinator, hub *notify.Hub, tel *telemetry.Telemetry, cfg *config.Config) *http.Server {
	r := chi.NewRouter()

	r.Use(telemetry.RequestID)
	r.Use(telemetry.HTTPLogging)
	r.Use(telemetry.NewHTTPMiddleware(tel).Middleware)

	r.Mount("/", rest.NewIntakeHandler(coordinator).Routes())
	r.Get("/ws", hub.ServeWS)
	r.Method(http.MethodGet, "/metrics", tel.Handler())

	return &http.Server{
		Addr:         cfg.Web.BindAddress,
		ReadTimeout:  cfg.Web.ReadTimeout,
		WriteTimeout: cfg.Web.WriteTimeout,
		IdleTimeout:  cfg.Web.IdleTimeout,
		Handler:      r,
		BaseContext: func(net.Listener) context.Context {
			return ctx
		},
	}
}
