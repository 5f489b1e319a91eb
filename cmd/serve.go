package cmd

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/jonboulle/clockwork"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/docsight/scheduler/sched"
	"github.com/docsight/scheduler/sched/cache"
	"github.com/docsight/scheduler/sched/kv"
)

// serveCmd starts the scheduler with its HTTP API.
var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the scheduler and expose its HTTP API",
	Run: func(cmd *cobra.Command, args []string) {
		setupLogging()

		cfg, err := sched.LoadConfig(configPath)
		if err != nil {
			logrus.Fatalf("Loading configuration failed: %v", err)
		}
		if listenAddr != "" {
			cfg.Listen = listenAddr
		}
		if err := serve(cfg); err != nil {
			logrus.Fatalf("Serve failed: %v", err)
		}
	},
}

// validateCmd checks a configuration file without starting anything.
var validateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Validate the configuration file and exit",
	Run: func(cmd *cobra.Command, args []string) {
		setupLogging()
		if _, err := sched.LoadConfig(configPath); err != nil {
			logrus.Fatalf("Configuration invalid: %v", err)
		}
		logrus.Infof("Configuration %s is valid", configPath)
	},
}

// serve wires all components in dependency order (registry -> metrics ->
// cache -> queue -> router -> facade -> maintenance), runs the HTTP server,
// and tears everything down in reverse on SIGINT/SIGTERM.
func serve(cfg *sched.Config) error {
	clock := clockwork.NewRealClock()
	ctx := context.Background()

	registry := sched.NewRegistry(clock)
	for _, spec := range cfg.Backends {
		if err := registry.Register(spec, sched.NewHTTPInvoker(spec.Endpoint)); err != nil {
			return err
		}
	}
	logrus.Infof("Registered %d backends", len(cfg.Backends))

	var store kv.Store
	if cfg.Redis.Addr != "" {
		rs, err := kv.NewRedisStore(ctx, kv.RedisOptions{
			Addr:      cfg.Redis.Addr,
			Password:  cfg.Redis.Password,
			DB:        cfg.Redis.DB,
			KeyPrefix: cfg.Redis.KeyPrefix,
		})
		if err != nil {
			return err
		}
		store = rs
		defer rs.Close()
		logrus.Infof("Connected to shared KV store at %s", cfg.Redis.Addr)
	}

	promReg := prometheus.NewRegistry()
	promReg.MustRegister(collectors.NewGoCollector())
	metrics := sched.NewMetricsStore(clock, promReg)

	tieredCache, err := buildCache(ctx, cfg, store, clock)
	if err != nil {
		return err
	}

	queue := sched.NewJobQueue(registry, metrics, clock, cfg.Queue, store)
	router := sched.NewRouter(registry, metrics, queue, clock, cfg.Thresholds, store)
	scheduler := sched.NewScheduler(registry, metrics, router, queue, tieredCache, clock)

	maint := sched.NewMaintenance(registry, metrics, queue, tieredCache, store, clock, cfg.Maintenance)
	maint.Start()

	api := &apiServer{scheduler: scheduler, registry: registry, metrics: metrics}
	mux := chi.NewRouter()
	mux.Use(middleware.Recoverer)
	mux.Post("/v1/submit", api.submit)
	mux.Get("/v1/jobs/{id}", api.jobStatus)
	mux.Post("/v1/jobs/{id}/cancel", api.cancelJob)
	mux.Get("/v1/backends", api.backends)
	mux.Get("/v1/stats", api.stats)
	mux.Get("/healthz", func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusOK) })
	mux.Handle("/metrics", promhttp.HandlerFor(promReg, promhttp.HandlerOpts{}))

	server := &http.Server{Addr: cfg.Listen, Handler: mux}
	errCh := make(chan error, 1)
	go func() {
		logrus.Infof("HTTP API listening on %s", cfg.Listen)
		errCh <- server.ListenAndServe()
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	select {
	case sig := <-stop:
		logrus.Infof("Received %s, shutting down", sig)
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			return err
		}
	}

	shutdownCtx, cancel := context.WithTimeout(ctx, 15*time.Second)
	defer cancel()
	_ = server.Shutdown(shutdownCtx)
	maint.Stop()
	scheduler.Stop()
	logrus.Info("Shutdown complete")
	return nil
}

// buildCache assembles the enabled cache tiers, or returns nil when every
// tier is disabled.
func buildCache(ctx context.Context, cfg *sched.Config, store kv.Store, clock clockwork.Clock) (*cache.TieredCache, error) {
	var (
		memory  *cache.MemoryTier
		shared  *cache.SharedTier
		archive *cache.ArchiveTier
	)
	if cfg.Cache.Memory.Enabled {
		memory = cache.NewMemoryTier(cfg.Cache.Memory, clock)
	}
	if cfg.Cache.Shared.Enabled && store != nil {
		shared = cache.NewSharedTier(store, cfg.Cache.Shared, cfg.Cache.Eviction, clock)
	}
	if cfg.Cache.Archive.Enabled {
		objects, err := cache.NewS3ObjectStore(ctx, cfg.Cache.Archive.Bucket, cfg.Cache.Archive.Region)
		if err != nil {
			return nil, err
		}
		archive = cache.NewArchiveTier(objects, cfg.Cache.Archive, clock)
	}
	if memory == nil && shared == nil && archive == nil {
		logrus.Warn("All cache tiers disabled; every request will hit a backend")
		return nil, nil
	}
	dims := cfg.Cache.Similarity.Dimensions
	if dims <= 0 {
		dims = 256
	}
	embed := cache.DefaultEmbedding(dims)
	return cache.New(memory, shared, archive, embed, cfg.Cache.Similarity, clock), nil
}
