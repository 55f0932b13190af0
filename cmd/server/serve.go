package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/tphummel/lab_boot/internal/db"
	"github.com/tphummel/lab_boot/internal/handlers"
	"github.com/tphummel/lab_boot/internal/lifecycle"
	"github.com/tphummel/lab_boot/internal/metrics"
	"github.com/tphummel/lab_boot/internal/middleware"
)

func newServeCmd(cfgFile *string) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the lab_boot HTTP service",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(*cfgFile)
			if err != nil {
				return err
			}

			logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: cfg.LogLevel}))
			slog.SetDefault(logger)

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return serve(ctx, cfg, logger)
		},
	}
}

// serve runs the HTTP service until ctx is cancelled, then shuts it down
// gracefully and closes the database.
func serve(ctx context.Context, cfg *Config, logger *slog.Logger) error {
	database, err := db.New(cfg.DBPath)
	if err != nil {
		return errors.Wrap(err, "failed to open database")
	}
	defer func() {
		if err := database.Close(); err != nil {
			logger.Error("database close error", "error", err)
		}
	}()

	reg := prometheus.NewRegistry()
	srv := &http.Server{
		Addr:              fmt.Sprintf(":%s", cfg.Port),
		Handler:           newHandler(cfg, database, logger, reg),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       10 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("listening", "addr", srv.Addr, "version", version)
		if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			return errors.Wrap(err, "server error")
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down server")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return errors.Wrap(err, "graceful shutdown failed")
		}
		return nil
	})

	if err := g.Wait(); err != nil {
		return err
	}
	logger.Info("server stopped")
	return nil
}

// newHandler wires the components over database and returns the logged
// root handler. Metrics are registered with reg and served from it.
func newHandler(cfg *Config, database *db.DB, logger *slog.Logger, reg *prometheus.Registry) http.Handler {
	h := handlers.New(database, logger, lifecycle.NewInstallGate(cfg.InstallLock))
	h.Version = version
	h.Commit = commit
	h.Tracker.OnError = metrics.TrackingFailed

	metrics.Register(reg, database)

	mux := http.NewServeMux()

	// Prometheus metrics, no auth
	mux.Handle("GET /metrics", metrics.Handler(reg))

	h.Routes(mux, cfg.Token)

	skip := func(r *http.Request) bool {
		return r.URL.Path == "/healthz" || r.URL.Path == "/metrics"
	}
	return middleware.RequestLogger(logger, skip, mux)
}
