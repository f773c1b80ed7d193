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

	"github.com/rs/zerolog"

	"github.com/0x0Glitch/Anthias-risk-monitoring/internal/config"
	"github.com/0x0Glitch/Anthias-risk-monitoring/internal/coordinator"
	"github.com/0x0Glitch/Anthias-risk-monitoring/internal/discovery"
	"github.com/0x0Glitch/Anthias-risk-monitoring/internal/domain"
	"github.com/0x0Glitch/Anthias-risk-monitoring/internal/fetcher"
	"github.com/0x0Glitch/Anthias-risk-monitoring/internal/health"
	"github.com/0x0Glitch/Anthias-risk-monitoring/internal/hyperliquid"
	"github.com/0x0Glitch/Anthias-risk-monitoring/internal/logging"
	"github.com/0x0Glitch/Anthias-risk-monitoring/internal/observability"
	"github.com/0x0Glitch/Anthias-risk-monitoring/internal/persistence"
	"github.com/0x0Glitch/Anthias-risk-monitoring/internal/workingset"
)

func main() {
	// Parse flags
	configPath := flag.String("config", "", "Path to TOML config file (optional)")
	envFile := flag.String("env-file", ".env", "Path to .env file (optional)")
	pretty := flag.Bool("pretty", false, "Human-readable console logs")
	flag.Parse()

	cfg, err := config.Load(*configPath, *envFile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(2)
	}

	logger := logging.Setup(cfg.Log.Level, cfg.Log.Pretty || *pretty)

	// Create context with cancellation
	ctx, cancel := context.WithCancel(context.Background())

	// Handle shutdown signals; a second signal forces exit
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	done := make(chan struct{})
	go func() {
		sig := <-sigCh
		logger.Info().Str("signal", sig.String()).Msg("shutting down")
		cancel()

		select {
		case sig := <-sigCh:
			logger.Warn().Str("signal", sig.String()).Msg("second signal, forcing exit")
			os.Exit(1)
		case <-time.After(cfg.Health.ShutdownGrace + 20*time.Second):
			logger.Error().Msg("graceful shutdown timed out, forcing exit")
			os.Exit(1)
		case <-done:
		}
	}()

	err = run(ctx, cfg, logger)
	close(done)
	cancel()

	if err != nil && !errors.Is(err, context.Canceled) {
		logger.Fatal().Err(err).Msg("monitor failed")
	}
	logger.Info().Msg("shutdown complete")
}

func run(ctx context.Context, cfg *config.Config, logger zerolog.Logger) error {
	metrics := observability.NewMetrics("")

	b, err := openBackends(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer b.Close()

	gateway, err := persistence.New(persistence.Options{
		Backend:     b.positions,
		Markets:     cfg.TargetMarkets,
		MinValueUSD: cfg.Markets.MinPositionUSD,
		Mirror:      b.mirror,
		History:     b.history,
		Retry: persistence.RetryPolicy{
			Attempts: cfg.Storage.RetryAttempts,
			MinDelay: cfg.Storage.RetryMinDelay,
			MaxDelay: cfg.Storage.RetryMaxDelay,
		},
		Logger:  logger,
		Metrics: metrics,
	})
	if err != nil {
		return fmt.Errorf("create gateway: %w", err)
	}
	if err := gateway.Open(ctx); err != nil {
		return fmt.Errorf("open market tables: %w", err)
	}

	store := workingset.New(cfg.AddressFile(), logger)
	skipped, err := store.Load()
	if err != nil {
		return fmt.Errorf("load address store: %w", err)
	}
	logger.Info().Int("addresses", store.Len()).Int("skipped", skipped).Str("path", store.Path()).Msg("address store loaded")

	var discoveryMarkets []domain.Market
	if cfg.Snapshot.FilterMarkets {
		discoveryMarkets = cfg.TargetMarkets
	}
	source := discovery.NewSource(discovery.Options{
		BasePath:     cfg.Snapshot.BasePath,
		MinFileBytes: cfg.Snapshot.MinFileBytes,
		Markets:      discoveryMarkets,
		Logger:       logger,
	})

	apiOpts := []hyperliquid.ClientOption{
		hyperliquid.WithTimeout(cfg.API.Timeout),
		hyperliquid.WithMaxRetries(cfg.API.MaxRetries),
	}
	f := fetcher.New(fetcher.Options{
		Primary:   hyperliquid.NewHTTPClient(cfg.API.PrimaryURL, apiOpts...),
		Secondary: hyperliquid.NewHTTPClient(cfg.API.FallbackURL, apiOpts...),
		Timeout:   cfg.API.Timeout,
		Markets:   cfg.TargetMarkets,
		Logger:    logger,
		Metrics:   metrics,
	})

	tracker := health.NewTracker(health.Thresholds{
		DegradedAfter: cfg.Health.DegradedAfter,
		FailedAfter:   cfg.Health.FailedAfter,
	}, logger, metrics, health.Discovery, health.Refresh, health.Storage, health.Fetch, health.Cleanup)

	coord := coordinator.New(coordinator.Options{
		Source:           source,
		Progress:         b.progress,
		Addresses:        store,
		Fetcher:          f,
		Positions:        gateway,
		Health:           tracker,
		SnapshotInterval: cfg.Snapshot.Interval,
		RefreshInterval:  cfg.Refresh.Interval,
		Concurrency:      cfg.Refresh.Concurrency,
		CleanupInterval:  cfg.Storage.CleanupInterval,
		Retention:        cfg.Storage.Retention,
		HealthInterval:   cfg.Health.CheckInterval,
		StatsInterval:    cfg.Health.StatsInterval,
		ShutdownGrace:    cfg.Health.ShutdownGrace,
		RestartMinDelay:  cfg.Health.RestartMinDelay,
		RestartMaxDelay:  cfg.Health.RestartMaxDelay,
		Logger:           logger,
		Metrics:          metrics,
	})

	var srv *http.Server
	if cfg.Server.MetricsAddr != "" {
		srv = newServer(cfg.Server.MetricsAddr, coord, metrics)
		go func() {
			logger.Info().Str("addr", srv.Addr).Msg("starting http server")
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error().Err(err).Msg("http server error")
			}
		}()
	}

	logger.Info().
		Strs("markets", marketNames(cfg)).
		Float64("min_position_usd", cfg.Markets.MinPositionUSD).
		Str("storage", cfg.Storage.Driver).
		Bool("redis", b.mirror != nil).
		Bool("clickhouse", b.history != nil).
		Msg("monitor starting")

	err = coord.Run(ctx)

	if srv != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if serr := srv.Shutdown(shutdownCtx); serr != nil {
			logger.Warn().Err(serr).Msg("http server shutdown")
		}
	}
	return err
}

func marketNames(cfg *config.Config) []string {
	out := make([]string, len(cfg.TargetMarkets))
	for i, m := range cfg.TargetMarkets {
		out[i] = string(m)
	}
	return out
}
