// Command devrigd is the devrig daemon: it owns the embedded storage
// file, the plugin sandbox pool, the sync and trigger schedulers, and a
// thin HTTP management surface over all of it.
package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"devrig/api"
	"devrig/internal/airouter"
	"devrig/internal/apperr"
	"devrig/internal/config"
	"devrig/internal/eventbus"
	"devrig/internal/flowexec"
	"devrig/internal/hostfuncs"
	"devrig/internal/obs/logger"
	"devrig/internal/obs/metrics"
	"devrig/internal/pluginmanager"
	"devrig/internal/storage"
	"devrig/internal/syncscheduler"
	"devrig/internal/triggerscheduler"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/go-chi/httprate"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
)

func main() {
	cfg := config.Load()
	logger.Init(cfg.LogLevel, cfg.LogFormat, cfg.LogEnabled, filepath.Join(cfg.DataDir, "logs"))
	log := logger.Component("main")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := os.MkdirAll(cfg.DataDir, 0755); err != nil {
		log.Error("failed to create data directory", "error", err)
		os.Exit(1)
	}
	if err := os.MkdirAll(cfg.PluginsDir, 0755); err != nil {
		log.Error("failed to create plugins directory", "error", err)
		os.Exit(1)
	}

	db, err := storage.Open(ctx, cfg.DBPath())
	if err != nil {
		log.Error("failed to open storage", "error", err)
		os.Exit(1)
	}

	bus := newEventBus(cfg, log)

	router := airouter.NewRouter(storage.NewAiOperationRepo(db))
	registerProviders(cfg, db, router, log)

	// SetHostCallbacks closes the construction cycle: the manager needs a
	// HostCallbacks implementation, and that implementation needs to
	// resolve permissions back through the manager.
	pluginManager := pluginmanager.New(db, nil, bus, cfg.PluginsDir)
	host := hostfuncs.New(pluginManager, db, bus, router)
	pluginManager.SetHostCallbacks(host)

	if err := pluginManager.Initialize(ctx); err != nil {
		log.Error("failed to initialize plugin manager", "error", err)
		os.Exit(1)
	}

	sync := syncscheduler.New(db, pluginManager, bus, router)
	if err := sync.Start(ctx); err != nil {
		log.Error("failed to start sync scheduler", "error", err)
		os.Exit(1)
	}

	executor := flowexec.New(db, pluginManager)
	triggers := triggerscheduler.New(db, executor)
	triggers.Start(ctx)

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(logger.TraceMiddleware)
	r.Use(metrics.MetricsMiddleware)
	r.Use(middleware.RealIP)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"http://localhost:*", "app://*"},
		AllowedMethods:   []string{"GET", "POST", "PATCH", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"*"},
		AllowCredentials: true,
		MaxAge:           300,
	}))
	r.Use(httprate.LimitByIP(1000, 1*time.Minute))
	r.Use(apperr.Middleware)
	r.Use(middleware.Compress(5))

	r.Handle("/metrics", promhttp.Handler())
	r.Get("/health", healthCheck)

	api.NewPluginsHandler(pluginManager, sync).RegisterRoutes(r)
	api.NewAIHandler(router, storage.NewAiOperationRepo(db)).RegisterRoutes(r)

	srv := &http.Server{Addr: ":" + cfg.HTTPPort, Handler: r}
	go func() {
		log.Info("devrig listening", "port", cfg.HTTPPort)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("http server failed", "error", err)
		}
	}()

	<-ctx.Done()
	log.Info("shutting down")
	shutdown(srv, triggers, sync, pluginManager, db, log)
}

// newEventBus builds the Redis-backed bus when a Redis URL is
// configured, otherwise the in-process LocalBus (§5: Redis is an
// optional additional transport, never required).
func newEventBus(cfg *config.Config, log *slog.Logger) eventbus.Bus {
	if cfg.RedisURL == "" {
		return eventbus.NewLocalBus()
	}
	opts, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		log.Warn("invalid redis url, falling back to local event bus", "error", err)
		return eventbus.NewLocalBus()
	}
	client := redis.NewClient(opts)
	return eventbus.NewRedisBus(client)
}

// registerProviders wires a default HTTP-compatible AI provider when a
// default provider name is configured. Additional providers are added
// the same way from plugin-declared or user-configured secrets; the
// ledger and router treat every provider identically regardless of how
// many are registered (§4.I).
func registerProviders(cfg *config.Config, db *storage.DB, router *airouter.Router, log *slog.Logger) {
	if cfg.DefaultAIProvider == "" {
		return
	}
	secrets := airouter.NewSecretRepoResolver(storage.NewSecretRepo(db))
	provider := airouter.NewHTTPProvider(
		cfg.DefaultAIProvider,
		cfg.DefaultAIProvider,
		"https://api.openai.com/v1",
		"ai:"+cfg.DefaultAIProvider,
		[]string{"gpt-4o-mini", "gpt-4o"},
		0.15,
		secrets,
	)
	router.RegisterProvider(provider, true)
	log.Info("registered default ai provider", "provider", cfg.DefaultAIProvider)
}

func healthCheck(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(`{"status":"ok"}`))
}

// shutdown runs the §6 teardown sequence: stop the HTTP server, stop
// accepting new scheduled work top down (triggers, then sync), dispose
// every sandbox, checkpoint the WAL, then close the database. Every
// step runs even if an earlier one errors, since each releases an
// independent resource.
func shutdown(srv *http.Server, triggers *triggerscheduler.Scheduler, sync *syncscheduler.Scheduler, plugins *pluginmanager.Manager, db *storage.DB, log *slog.Logger) {
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error("http server shutdown error", "error", err)
	}

	triggers.Stop()
	sync.Stop()
	plugins.Dispose()

	if err := db.Checkpoint(shutdownCtx); err != nil {
		log.Error("wal checkpoint failed", "error", err)
	}
	if err := db.Close(); err != nil {
		log.Error("failed to close storage", "error", err)
	}

	log.Info("shutdown complete")
}
