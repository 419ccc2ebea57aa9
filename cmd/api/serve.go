package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/FACorreiaa/statement-importer/pkg/cron"
	"github.com/FACorreiaa/statement-importer/pkg/middleware"
)

const shutdownTimeout = 30 * time.Second

func newServeCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API and the stale job reaper",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withDependencies(runServe)
		},
	}
}

func newRouter(deps *Dependencies) http.Handler {
	mux := http.NewServeMux()
	deps.ImportHandler.RegisterRoutes(mux)
	deps.ExpenseHandler.RegisterRoutes(mux)

	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, r *http.Request) {
		middleware.WriteJSON(w, http.StatusOK, map[string]string{
			"status": "healthy",
			"time":   time.Now().Format(time.RFC3339),
		})
	})

	srv := deps.Config.Server
	return middleware.Chain(mux,
		middleware.Recovery(deps.Logger),
		middleware.RequestID,
		middleware.Logger(deps.Logger, deps.Metrics),
		middleware.CORS(srv.CORSOrigins),
		middleware.RateLimit(float64(srv.RateLimitPerSecond), srv.RateLimitBurst),
	)
}

func runServe(deps *Dependencies) error {
	cfg := deps.Config
	log := deps.Logger

	scheduler := cron.NewScheduler(deps.ImportService, cron.Config{
		Schedule:   cfg.Import.ReaperSchedule,
		StaleAfter: cfg.Import.StaleAfter,
		TrackerTTL: cfg.Import.TrackerTTL,
		Retention:  cfg.Import.ArchiveRetention,
	}, log).
		WithTrackers(deps.Trackers).
		WithArchive(deps.ImportService).
		WithMetrics(deps.Metrics)
	if err := scheduler.Start(); err != nil {
		return fmt.Errorf("starting scheduler: %w", err)
	}
	// Fail jobs a previous crash left in processing.
	scheduler.RunNow()

	server := &http.Server{
		Addr:              cfg.Server.Addr(),
		Handler:           newRouter(deps),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       2 * time.Minute,
		WriteTimeout:      5 * time.Minute,
		IdleTimeout:       60 * time.Second,
	}

	var metricsServer *http.Server
	if cfg.Observability.MetricsEnabled {
		metricsMux := http.NewServeMux()
		metricsMux.Handle("GET /metrics", deps.Metrics.Handler())
		metricsServer = &http.Server{
			Addr:              fmt.Sprintf(":%d", cfg.Observability.MetricsPort),
			Handler:           metricsMux,
			ReadHeaderTimeout: 5 * time.Second,
		}
		go func() {
			log.Info("metrics server listening", slog.String("addr", metricsServer.Addr))
			if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				log.Error("metrics server failed", slog.Any("error", err))
			}
		}()
	}

	serverErr := make(chan error, 1)
	go func() {
		log.Info("starting HTTP server", slog.String("addr", server.Addr))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
		close(serverErr)
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(quit)

	select {
	case sig := <-quit:
		log.Info("shutting down server", slog.String("signal", sig.String()))
	case err := <-serverErr:
		if err != nil {
			<-scheduler.Stop().Done()
			return fmt.Errorf("http server: %w", err)
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		log.Error("server forced to shutdown", slog.Any("error", err))
	}
	if metricsServer != nil {
		_ = metricsServer.Shutdown(ctx)
	}

	// Async imports run detached from requests; let them finish.
	deps.ImportHandler.Wait()

	select {
	case <-scheduler.Stop().Done():
	case <-ctx.Done():
		log.Warn("scheduler did not stop before timeout")
	}

	log.Info("server stopped")
	return nil
}
