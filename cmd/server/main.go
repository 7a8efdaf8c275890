package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"buspositions/internal/buspositions"
	"buspositions/internal/cache"
	"buspositions/internal/config"
	"buspositions/internal/feed"
	httphandlers "buspositions/internal/http"
	"buspositions/internal/logger"
	"buspositions/internal/telemetry"
	"buspositions/internal/tile"
	"buspositions/internal/tilesource"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		panic(fmt.Sprintf("failed to load config: %v", err))
	}

	log, err := logger.New(cfg.LogLevel)
	if err != nil {
		panic(fmt.Sprintf("failed to initialize logger: %v", err))
	}
	defer log.Sync()

	shutdownTracing, err := telemetry.Setup(context.Background(), "buspositions", cfg.OTelEndpoint)
	if err != nil {
		log.Fatal("Failed to initialize tracing", zap.Error(err))
	}

	log.Info("Starting bus positions tile server",
		zap.Int("port", cfg.Port),
		zap.String("source", cfg.SourceURI),
		zap.Duration("cache_ttl", cfg.CacheTTL),
		zap.Bool("tracing", cfg.TracingEnabled()),
	)

	feedCache, err := cache.NewCache(cfg.CacheType, cfg.CacheTTL, log)
	if err != nil {
		log.Fatal("Failed to initialize cache", zap.Error(err))
	}

	// Sources opened with a url override get their own slot of the same kind.
	newFeedCache := func() (cache.Cache, error) {
		return cache.NewCache(cfg.CacheType, cfg.CacheTTL, log)
	}

	renderOpts := tile.DefaultRenderOptions()
	renderOpts.CacheMaxAge = cfg.CacheTTL

	registry := tilesource.NewRegistry()
	err = buspositions.RegisterProtocols(registry, buspositions.Options{
		FeedURL: cfg.FeedURL,
		Loader: feed.NewFetcher(log,
			feed.WithRetry(cfg.FetchAttempts, cfg.FetchRetryDelay),
			feed.WithAttemptTimeout(cfg.FetchTimeout),
		),
		Cache:    feedCache,
		NewCache: newFeedCache,
		Renderer: tile.NewRenderer(renderOpts, log),
		Index: tile.IndexOptions{
			MaxZoom: cfg.TileMaxZoom,
			Buffer:  cfg.TileBuffer,
			Extent:  tile.DefaultExtent,
		},
	}, log)
	if err != nil {
		log.Fatal("Failed to register tile source", zap.Error(err))
	}

	source, err := registry.Open(context.Background(), cfg.SourceURI)
	if err != nil {
		log.Fatal("Failed to open tile source", zap.Error(err), zap.Strings("schemes", registry.Schemes()))
	}

	if warmer, ok := source.(interface{ Warm(context.Context) error }); ok && cfg.Warmup {
		go warmup(warmer, log)
	}

	handlers := httphandlers.New(cfg, log, source)

	server := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Port),
		Handler:           handlers.Routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal("Server failed", zap.Error(err))
		}
	}()

	log.Info("Server started", zap.Int("port", cfg.Port))

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info("Shutting down server...")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		log.Error("Server forced to shutdown", zap.Error(err))
	}
	if err := shutdownTracing(ctx); err != nil {
		log.Warn("Failed to flush traces", zap.Error(err))
	}

	log.Info("Server stopped")
}

// warmup loads the feed once so the first tile request does not pay for the fetch.
func warmup(w interface{ Warm(context.Context) error }, log *zap.Logger) {
	start := time.Now()
	if err := w.Warm(context.Background()); err != nil {
		log.Warn("Feed warmup failed", zap.Error(err))
		return
	}
	log.Info("Feed warmup completed", zap.Duration("duration", time.Since(start)))
}
