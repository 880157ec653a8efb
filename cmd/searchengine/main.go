// Package main wires together the campus search service binary.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/jbeltran/campus-search/internal/api"
	"github.com/jbeltran/campus-search/internal/config"
	"github.com/jbeltran/campus-search/internal/crawler"
	"github.com/jbeltran/campus-search/internal/fetch"
	"github.com/jbeltran/campus-search/internal/logging"
	"github.com/jbeltran/campus-search/internal/metrics"
	"github.com/jbeltran/campus-search/internal/progress"
	"github.com/jbeltran/campus-search/internal/progress/sinks"
	"github.com/jbeltran/campus-search/internal/ratelimit"
	"github.com/jbeltran/campus-search/internal/search"
	"github.com/jbeltran/campus-search/internal/store"
	"github.com/jbeltran/campus-search/internal/store/memory"
	"github.com/jbeltran/campus-search/internal/store/postgres"
)

func main() {
	cfgPath := flag.String("config", "", "Path to config file")
	flag.Parse()

	cfg, err := config.Load(*cfgPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config failed: %v\n", err)
		os.Exit(1)
	}
	logger, err := logging.New(cfg.Logging.Development)
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger init failed: %v\n", err)
		os.Exit(1)
	}
	defer func() {
		if syncErr := logger.Sync(); syncErr != nil {
			fmt.Fprintf(os.Stderr, "logger sync failed: %v\n", syncErr)
		}
	}()
	zap.ReplaceGlobals(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	metrics.Init()

	st, err := openStore(ctx, cfg, logger)
	if err != nil {
		logger.Fatal("store init failed", zap.Error(err))
	}
	defer st.Close()

	promSink, err := sinks.NewPrometheusSink(nil)
	if err != nil {
		logger.Fatal("progress metrics init failed", zap.Error(err))
	}
	hub := progress.NewHub(
		progress.Config{Logger: logger.Named("progress")},
		sinks.NewLogSink(logger.Named("progress")),
		promSink,
	)

	limiter := ratelimit.New(ratelimit.Config{
		Delay:  cfg.Delay(),
		Store:  st,
		Logger: logger.Named("ratelimit"),
	})
	fetcher := fetch.New(fetch.Config{
		Timeout:   cfg.FetchTimeout(),
		UserAgent: cfg.Crawler.UserAgent,
		GlobalRPS: cfg.Crawler.GlobalRPS,
		Logger:    logger.Named("fetch"),
	})
	manager := crawler.New(crawler.Config{
		SeedURLs:            cfg.Crawler.SeedURLs,
		AllowedDomains:      cfg.Crawler.AllowedDomains,
		SimilarityThreshold: cfg.Crawler.SimilarityThreshold,
		StatsInterval:       cfg.Crawler.StatsInterval,
	}, st, fetcher, limiter, hub, logger.Named("crawler"))
	searchSvc := search.New(st, logger.Named("search"))

	apiServer := api.NewServer(manager, searchSvc, st, cfg.Auth.SecretKey, logger.Named("api"))
	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:           apiServer.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		logger.Info("http server started", zap.Int("port", cfg.Server.Port))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("http server error", zap.Error(err))
			stop()
		}
	}()

	<-ctx.Done()
	logger.Info("shutdown initiated")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown error", zap.Error(err))
	}
	if err := manager.Stop(shutdownCtx); err != nil && !errors.Is(err, crawler.ErrNotRunning) {
		logger.Error("crawler stop error", zap.Error(err))
	}
	if err := hub.Close(shutdownCtx); err != nil {
		logger.Error("progress hub close error", zap.Error(err))
	}
	logger.Info("shutdown complete")
}

// openStore selects Postgres when a DSN is configured and falls back to the
// in-memory store otherwise.
func openStore(ctx context.Context, cfg config.Config, logger *zap.Logger) (store.Store, error) {
	if cfg.DB.DSN == "" {
		logger.Warn("db.dsn not set, using in-memory store; crawl data will not survive restarts")
		return memory.New(), nil
	}
	pg, err := postgres.New(ctx, postgres.Config{
		DSN:             cfg.DB.DSN,
		MaxConns:        int32(cfg.DB.MaxConns),
		MinConns:        int32(cfg.DB.MinConns),
		MaxConnLifetime: time.Duration(cfg.DB.ConnLifetimeMin) * time.Minute,
	})
	if err != nil {
		return nil, err
	}
	if err := pg.EnsureSchema(ctx); err != nil {
		pg.Close()
		return nil, err
	}
	logger.Info("postgres store ready")
	return pg, nil
}
