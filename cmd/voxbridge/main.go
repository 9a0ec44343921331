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

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/voxbridge/voxbridge/internal/config"
	"github.com/voxbridge/voxbridge/internal/database"
	"github.com/voxbridge/voxbridge/internal/database/pgstore"
	"github.com/voxbridge/voxbridge/internal/metrics"
	sipserver "github.com/voxbridge/voxbridge/internal/sip"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}

	logger := slog.New(cfg.SlogHandler(os.Stdout))
	slog.SetDefault(logger)

	slog.Info("starting voxbridge",
		"sip_port", cfg.SIPPort,
		"sip_ws_port", cfg.SIPWSPort,
		"metrics_port", cfg.MetricsPort,
	)

	db, err := database.Open(cfg.DataDir)
	if err != nil {
		slog.Error("failed to open database", "error", err)
		os.Exit(1)
	}
	defer db.Close()

	stores := sipserver.Stores{
		Clients:       database.NewClientRepository(db),
		Applications:  database.NewApplicationRepository(db),
		Numbers:       database.NewIncomingNumberRepository(db),
		Registrations: database.NewRegistrationRepository(db),
		Notifications: database.NewNotificationRepository(db),
		CallRecords:   database.NewCallRecordRepository(db),
	}

	// A multi-instance deployment shares its live bindings and notifications
	// through Postgres; everything else stays in the embedded store.
	if cfg.PostgresURL != "" {
		pg, err := pgstore.New(cfg.PostgresURL)
		if err != nil {
			slog.Error("failed to open postgres store", "error", err)
			os.Exit(1)
		}
		defer pg.Close()
		stores.Registrations = pg.Registrations()
		stores.Notifications = pg.Notifications()
		slog.Info("using shared postgres registration store")
	}

	appCtx, appCancel := context.WithCancel(context.Background())
	defer appCancel()

	sipSrv, err := sipserver.NewServer(cfg, stores, nil, nil)
	if err != nil {
		slog.Error("failed to create sip server", "error", err)
		os.Exit(1)
	}
	if err := sipSrv.Start(appCtx); err != nil {
		slog.Error("failed to start sip server", "error", err)
		os.Exit(1)
	}

	collector := metrics.NewCollector(
		sipSrv.Legs(),
		stores.Registrations,
		sipSrv.Proxies(),
		stores.CallRecords,
		time.Now(),
	)
	registry := prometheus.NewRegistry()
	registry.MustRegister(collector)

	r := chi.NewRouter()
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})

	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.MetricsPort),
		Handler:      r,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("metrics server listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-quit:
		slog.Info("received shutdown signal", "signal", sig.String())
	case err := <-errCh:
		slog.Error("metrics server error", "error", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	slog.Info("shutting down")
	sipSrv.Stop()

	if err := srv.Shutdown(ctx); err != nil {
		slog.Error("metrics server shutdown error", "error", err)
		os.Exit(1)
	}

	slog.Info("voxbridge stopped")
}
