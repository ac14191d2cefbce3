package main

import (
	"context"
	"fmt"
	"log"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/alorle/image-fetcher/config"
	"github.com/alorle/image-fetcher/internal/adapter/driven"
	"github.com/alorle/image-fetcher/internal/adapter/driver"
	"github.com/alorle/image-fetcher/internal/application"
	"github.com/alorle/image-fetcher/internal/netstack"
	"github.com/alorle/image-fetcher/logging"
	"github.com/alorle/image-fetcher/metrics"
	"github.com/dustin/go-humanize"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.etcd.io/bbolt"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("failed to load configuration: %v", err)
	}

	// Create structured logger
	level := logging.ParseLevel(cfg.Log.Level)
	logger := logging.New(os.Stdout, level)
	slog.SetDefault(logger)

	if level <= slog.LevelDebug {
		cfg.Print()
	}

	logger.Info("starting image-fetcher",
		"addr", net.JoinHostPort(cfg.HTTP.Address, cfg.HTTP.Port),
		"db_path", cfg.DB.Path,
		"backend", cfg.Fetcher.Backend,
		"cache_mode", cfg.Network.CacheMode,
		"cache_max", humanize.IBytes(uint64(cfg.Network.CacheMaxBytes)),
		"http2", cfg.Network.EnableHTTP2,
		"bypass_cache_urls", len(cfg.Fetcher.BypassCacheURLs),
	)

	// Open BoltDB
	db, err := bbolt.Open(cfg.DB.Path, 0600, &bbolt.Options{Timeout: 1 * time.Second})
	if err != nil {
		log.Fatalf("failed to open database: %v", err)
	}
	defer func() {
		if err := db.Close(); err != nil {
			log.Printf("error closing database: %v", err)
		}
	}()

	// Create the shared network stack
	engine, err := newEngine(cfg, db, logger)
	if err != nil {
		log.Fatalf("failed to create network stack: %v", err)
	}
	defer engine.Shutdown()

	// A disk cache keeps its entries across restarts.
	cacheAttrs := []any{"cache_mode", engine.CacheMode().String()}
	if cache := engine.Cache(); cache != nil {
		metrics.SetCacheEntries(cache.Len())
		cacheAttrs = append(cacheAttrs,
			"cache_entries", cache.Len(),
			"cache_budget", humanize.IBytes(uint64(cache.MaxBytes())),
		)
	}
	logger.Info("response cache", cacheAttrs...)

	// Create driven adapters (repositories and fetch backends)
	recordRepo, err := driven.NewFetchRecordBoltDBRepository(db)
	if err != nil {
		log.Fatalf("failed to create fetch record repository: %v", err)
	}

	naive := driven.NewNaiveFetcher(nil, logger)
	accelerated, err := driven.NewAcceleratedFetcher(engine, logger)
	if err != nil {
		log.Fatalf("failed to create accelerated fetcher: %v", err)
	}
	defer accelerated.Close()

	// Create application services
	fetchService := application.NewFetchService(
		naive,
		recordRepo,
		logger,
		cfg.History.Window,
		cfg.History.Retention,
		cfg.Fetcher.Concurrency,
	)
	fetchService.Register(config.BackendNaive, naive)
	fetchService.Register(config.BackendAccelerated, accelerated)
	active, err := fetchService.Backend(cfg.Fetcher.Backend)
	if err != nil {
		log.Fatalf("failed to select fetcher: %v", err)
	}
	fetchService.SetFetcher(active)

	healthService := application.NewHealthService(recordRepo, engine)

	// Create HTTP handlers
	fetchHandler := driver.NewFetchHTTPHandler(fetchService, cfg.Fetcher.BypassCacheURLs, logger)
	healthHandler := driver.NewHealthHTTPHandler(healthService)

	mux := http.NewServeMux()
	for _, path := range []string{"/fetch", "/image", "/compare", "/history", "/stats"} {
		mux.Handle(path, fetchHandler)
	}
	mux.Handle("/health", healthHandler)
	mux.Handle("/metrics", promhttp.Handler())

	server := &http.Server{
		Addr:         net.JoinHostPort(cfg.HTTP.Address, cfg.HTTP.Port),
		Handler:      logging.Middleware(logger, mux),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	go runHistoryCleanup(ctx, fetchService, cfg.History.CleanupInterval, logger)

	// Start server in a goroutine
	go func() {
		logger.Info("http server listening", "addr", server.Addr)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("server error: %v", err)
		}
	}()

	<-ctx.Done()
	logger.Info("shutdown signal received, shutting down gracefully")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown error", "error", err)
	}

	logger.Info("server stopped")
}

// newEngine builds the network stack from the network section of the config.
// The disk cache shares the history database.
func newEngine(cfg *config.Config, db *bbolt.DB, logger *slog.Logger) (*netstack.Engine, error) {
	mode, err := netstack.ParseCacheMode(cfg.Network.CacheMode)
	if err != nil {
		return nil, fmt.Errorf("invalid cache mode: %w", err)
	}

	engineCfg := netstack.Config{
		CacheMode:     mode,
		CacheMaxBytes: cfg.Network.CacheMaxBytes,
		EnableHTTP2:   cfg.Network.EnableHTTP2,
		UserAgent:     cfg.Network.UserAgent,
		MaxRedirects:  cfg.Network.MaxRedirects,
		Logger:        logger,
	}
	if mode == netstack.CacheDisk {
		engineCfg.CacheDB = db
	}

	return netstack.New(engineCfg)
}

// runHistoryCleanup drops fetch records older than the retention period until ctx is done.
func runHistoryCleanup(ctx context.Context, service *application.FetchService, interval time.Duration, logger *slog.Logger) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := service.Cleanup(ctx); err != nil {
				logger.Warn("fetch history cleanup failed", "error", err)
			}
		}
	}
}
