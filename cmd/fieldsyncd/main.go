// Command fieldsyncd is the localhost companion daemon. It keeps the
// durable pending action queue, replays actions against the remote
// API as connectivity allows, and exposes the queue over REST and
// WebSocket on the loopback interface.
package main

import (
	"context"
	"errors"
	"flag"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/fieldsync/fieldsync/cmd/fieldsyncd/handlers"
	"github.com/fieldsync/fieldsync/internal/config"
	"github.com/fieldsync/fieldsync/internal/connectivity"
	"github.com/fieldsync/fieldsync/internal/db"
	"github.com/fieldsync/fieldsync/internal/logging"
	"github.com/fieldsync/fieldsync/internal/notify"
	"github.com/fieldsync/fieldsync/internal/sync"
	"github.com/fieldsync/fieldsync/internal/sync/scheduler"
)

const shutdownTimeout = 10 * time.Second

func main() {
	configPath := flag.String("config", "", "path to configuration file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		logging.Error("failed to load configuration", err, nil)
		os.Exit(1)
	}
	logging.Init(os.Stdout, logging.ParseLevel(cfg.Log.Level))

	if err := run(cfg); err != nil {
		logging.Error("daemon exited with error", err, nil)
		os.Exit(1)
	}
}

func run(cfg *config.Config) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	database, store, err := db.OpenActionStore(cfg.Storage.DataDir)
	if err != nil {
		return err
	}
	defer database.Close()
	defer store.Close()

	// Resolved records whose grace-period timers never fired before
	// the last shutdown.
	if purged, err := store.PurgeResolved(ctx); err != nil {
		logging.Warn("failed to purge resolved actions", map[string]interface{}{
			"error": err.Error(),
		})
	} else if purged > 0 {
		logging.Info("purged resolved actions from previous run", map[string]interface{}{
			"count": purged,
		})
	}

	httpClient := &http.Client{Timeout: cfg.Remote.RequestTimeout}

	monitor := connectivity.NewMonitor(httpClient, probeURL(cfg), cfg.Sync.ProbeInterval)
	monitor.Start(ctx)
	defer monitor.Stop()

	notifier := notify.NewNotifier()
	hub := notify.NewWSHub()
	unbind := hub.Bind(notifier)
	defer unbind()
	defer hub.Stop()

	engine := sync.NewEngine(store, monitor, notifier, httpClient, sync.Config{
		BaseURL:     cfg.Remote.BaseURL,
		MaxAttempts: cfg.Sync.MaxAttempts,
		GracePeriod: cfg.Sync.GracePeriod,
	})
	defer engine.Close()

	sched := scheduler.NewScheduler(engine, monitor, cfg.Sync.SweepInterval)
	sched.Start(ctx)
	defer sched.Stop()

	apiServer := &http.Server{
		Addr:    net.JoinHostPort(cfg.Server.Host, cfg.Server.Port),
		Handler: newRouter(engine, sched, hub),
	}
	metricsServer := &http.Server{
		Addr:    net.JoinHostPort(cfg.Server.Host, cfg.Server.MetricsPort),
		Handler: newMetricsRouter(),
	}

	errCh := make(chan error, 2)
	go func() {
		logging.Info("api server listening", map[string]interface{}{"addr": apiServer.Addr})
		if err := apiServer.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()
	go func() {
		logging.Info("metrics server listening", map[string]interface{}{"addr": metricsServer.Addr})
		if err := metricsServer.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	logging.Info("shutting down", nil)
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := apiServer.Shutdown(shutdownCtx); err != nil {
		logging.Warn("api server shutdown incomplete", map[string]interface{}{"error": err.Error()})
	}
	if err := metricsServer.Shutdown(shutdownCtx); err != nil {
		logging.Warn("metrics server shutdown incomplete", map[string]interface{}{"error": err.Error()})
	}
	return nil
}

func newRouter(engine *sync.Engine, sched *scheduler.Scheduler, hub *notify.WSHub) http.Handler {
	h := handlers.NewActionHandler(engine, sched)

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)

	r.Route("/api", func(r chi.Router) {
		r.Get("/health", h.Health)
		r.Get("/status", h.Status)
		r.Post("/sync", h.SyncNow)
		r.Post("/fetch", h.Fetch)
		r.Route("/actions", func(r chi.Router) {
			r.Post("/", h.Enqueue)
			r.Get("/pending", h.ListPending)
			r.Get("/count", h.Count)
		})
	})
	r.Get("/ws", notify.HandleWebSocket(hub))

	return r
}

func newMetricsRouter() http.Handler {
	r := chi.NewRouter()
	r.Handle("/metrics", promhttp.Handler())
	return r
}

// probeURL builds the connectivity probe target from the remote's
// health endpoint.
func probeURL(cfg *config.Config) string {
	base := strings.TrimRight(cfg.Remote.BaseURL, "/")
	path := cfg.Remote.HealthPath
	if !strings.HasPrefix(path, "/") {
		path = "/" + path
	}
	return base + path
}
