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

	"github.com/go-chi/chi/v5"
	"github.com/spf13/cobra"

	"github.com/italolelis/direct_downloader/internal/cleanup"
	"github.com/italolelis/direct_downloader/internal/config"
	"github.com/italolelis/direct_downloader/internal/download"
	"github.com/italolelis/direct_downloader/internal/downloader"
	"github.com/italolelis/direct_downloader/internal/engine"
	"github.com/italolelis/direct_downloader/internal/fetch"
	"github.com/italolelis/direct_downloader/internal/http/rest"
	"github.com/italolelis/direct_downloader/internal/logctx"
	"github.com/italolelis/direct_downloader/internal/notifier"
	"github.com/italolelis/direct_downloader/internal/storage/sqlite"
	"github.com/italolelis/direct_downloader/internal/telemetry"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the download service and its HTTP API",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		cfg, err := config.LoadConfig()
		if err != nil {
			return fmt.Errorf("config error: %w", err)
		}

		logger := slog.New(logctx.NewTraceHandler(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: cfg.SlogLevel()})))
		slog.SetDefault(logger)

		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		logger.Info("direct downloader starting...", "log_level", cfg.LogLevel, "version", version)

		return serve(logctx.WithLogger(ctx, logger), cfg)
	},
}

func serve(ctx context.Context, cfg *config.Config) error {
	logger := logctx.LoggerFromContext(ctx)

	// =========================================================================
	// Start Telemetry
	tel, err := telemetry.New(ctx, telemetry.Config{
		Enabled:        cfg.Telemetry.Enabled,
		ServiceName:    cfg.Telemetry.ServiceName,
		ServiceVersion: version,
		OTLPEndpoint:   cfg.Telemetry.OTLPEndpoint,
	})
	if err != nil {
		return fmt.Errorf("failed to start telemetry: %w", err)
	}

	defer func() {
		if err := tel.Shutdown(context.WithoutCancel(ctx)); err != nil {
			logger.Error("failed to shutdown telemetry", "err", err)
		}
	}()

	// =========================================================================
	// Start Database
	database, err := sqlite.InitDB(cfg.DBPath)
	if err != nil {
		logger.Error("DB error", "err", err)

		return err
	}
	defer database.Close()

	registry := download.NewRegistry(sqlite.NewInstrumentedRecordRepository(database, tel))

	interrupted, err := registry.Restore(ctx)
	if err != nil {
		return fmt.Errorf("failed to restore download history: %w", err)
	}

	if len(interrupted) > 0 {
		logger.Warn("found downloads interrupted by restart", "count", len(interrupted))

		if err := cleanup.RemoveInterruptedFiles(ctx, interrupted); err != nil {
			logger.Error("failed to remove interrupted files", "err", err)
		}
	}

	// =========================================================================
	// Start Notification
	hub := notifier.NewHub()
	defer hub.Close()

	publishers := notifier.Multi{hub, notifier.Log{}}
	if cfg.DiscordWebhookURL != "" {
		publishers = append(publishers, &notifier.DiscordNotifier{WebhookURL: cfg.DiscordWebhookURL})
	}

	// =========================================================================
	// Start Downloader
	controls := download.NewControlPlane()

	client := fetch.NewClient(fetch.Options{
		MaxIdleConnsPerHost: cfg.MaxIdleConnsPerHost,
		ProbeTimeout:        cfg.ProbeTimeout,
		ProbeRetries:        cfg.ProbeRetries,
		Instrument:          tel.Enabled(),
	})

	eng := engine.New(fetch.NewInstrumentedClient(client, tel), registry, controls, publishers, tel, engine.Options{
		ChunkUnit:         cfg.ChunkUnit,
		Workers:           cfg.Workers,
		BufferSize:        cfg.BufferSize,
		PausePollInterval: cfg.PausePollInterval,
		ProgressInterval:  cfg.ProgressInterval,
	})

	// Runs get their own context so that shutdown can cancel them after the API stops.
	runCtx, cancelRuns := context.WithCancel(context.WithoutCancel(ctx))
	defer cancelRuns()

	dl := downloader.New(runCtx, eng, registry, controls, publishers, tel)

	// =========================================================================
	// Start Cleanup
	go cleanup.Run(ctx, registry, cfg.RecordRetention, cfg.CleanupInterval)

	// =========================================================================
	// Start API Service

	// Make a channel to listen for errors coming from the listener. Use a
	// buffered channel so the goroutine can exit if we don't collect this error.
	serverErrors := make(chan error, 1)

	server := setupServer(ctx, cfg, dl, hub, tel)

	go func() {
		logger.Info("Initializing API support", "host", cfg.Web.BindAddress)
		serverErrors <- server.ListenAndServe()
	}()

	logger.Info("waiting for downloads...",
		"target_dir", cfg.TargetDir,
		"folders", cfg.FolderNames(),
		"workers", cfg.Workers,
		"retention", cfg.RecordRetention.String(),
	)

	// =========================================================================
	// Shutdown
	select {
	case err := <-serverErrors:
		if !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server error: %w", err)
		}

		return nil
	case <-ctx.Done():
		logger.Info("start shutdown")

		// Give outstanding requests a deadline for completion.
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), cfg.Web.ShutdownTimeout)
		defer cancel()

		if err := server.Shutdown(shutdownCtx); err != nil {
			logger.Error("failed to gracefully shutdown the server", "err", err)

			if err = server.Close(); err != nil {
				return fmt.Errorf("could not stop server gracefully: %w", err)
			}
		}

		// The active download is cancelled and its partial file removed.
		if err := dl.Shutdown(shutdownCtx); err != nil {
			logger.Error("failed to stop active download", "err", err)
		}

		return nil
	}
}

// setupServer prepares the handlers and services to create the http rest server.
func setupServer(ctx context.Context, cfg *config.Config, dl *downloader.Downloader, hub *notifier.Hub, tel *telemetry.Telemetry) *http.Server {
	handler := rest.NewDownloadHandler(dl, cfg, hub)

	r := chi.NewRouter()
	r.Use(telemetry.RequestID)
	r.Use(telemetry.NewHTTPMiddleware(tel).Middleware)
	r.Use(telemetry.HTTPLogging)

	r.Mount("/server_download", handler.Routes())
	r.Method(http.MethodGet, "/metrics", tel.Handler())
	r.Get("/health", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

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
