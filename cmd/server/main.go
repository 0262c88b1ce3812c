// Package main provides the API server entry point for the chirp indexer.
package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os/signal"
	"syscall"
	"time"

	"github.com/chirp-indexer/internal/adapter"
	"github.com/chirp-indexer/internal/api"
	"github.com/chirp-indexer/internal/circuitbreaker"
	"github.com/chirp-indexer/internal/config"
	"github.com/chirp-indexer/internal/logging"
	"github.com/chirp-indexer/internal/metrics"
	"github.com/chirp-indexer/internal/service"
	"github.com/chirp-indexer/internal/storage"
	"golang.org/x/sync/errgroup"
)

func main() {
	fmt.Println("Chirp Indexer API Server")

	cfg, err := config.LoadConfig()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}
	if err := cfg.Validate(); err != nil {
		log.Fatalf("Invalid configuration: %v", err)
	}

	logging.InitGlobalLogger(logging.ParseLogLevel(cfg.Logging.Level), logging.ParseLogFormat(cfg.Logging.Format))
	logger := logging.GetGlobalLogger()
	logger.WithFields(map[string]interface{}{
		"level":  cfg.Logging.Level,
		"format": cfg.Logging.Format,
	}).Info("Structured logging initialized")

	if err := run(cfg, logger); err != nil {
		logger.WithError(err).Fatal("Server exited with error")
	}
	logger.Info("Server exited")
}

func run(cfg *config.Config, logger *logging.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	provider, err := adapter.NewProviderFromLedger(&cfg.Ledger)
	if err != nil {
		return err
	}
	gateway, err := adapter.DialEthereumGateway(ctx, provider, adapter.GatewayConfigFromLedger(&cfg.Ledger, logger))
	if err != nil {
		return err
	}

	// the lookup cache is optional; the indexer reads through to the ledger without it
	var cache *storage.LookupCache
	if cfg.Cache.Enabled {
		client, err := storage.NewRedisClient(&cfg.Cache)
		if err != nil {
			logger.WithError(err).Warn("Redis unavailable, lookups will not be cached")
		} else {
			cache = storage.NewLookupCache(client, cfg.Cache.AliasTTL, cfg.Cache.BalanceTTL)
			defer cache.Close()
		}
	}

	indexer, err := service.NewIndexer(gateway, service.IndexerConfigFrom(cfg, cache, logger))
	if err != nil {
		gateway.Close()
		return err
	}

	server := api.NewServer(&api.ServerConfig{
		Host:              cfg.Server.Host,
		Port:              cfg.Server.Port,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      5 * time.Minute, // POST /api/backfill waits for the run
		IdleTimeout:       60 * time.Second,
		RequestsPerSecond: cfg.RateLimit.RequestsPerSecond,
		Burst:             cfg.RateLimit.Burst,
		Logger:            logger,
		Metrics:           metrics.New(indexer.Stats),
	}, indexer)

	server.AddHealthCheck("ledger", func(ctx context.Context) (interface{}, error) {
		stats := gateway.BreakerStats()
		detail := map[string]interface{}{
			"breaker":   stats,
			"endpoints": provider.Health(),
		}
		if stats.State == circuitbreaker.StateOpen {
			return detail, errors.New("ledger circuit breaker is open")
		}
		return detail, nil
	})
	if cache != nil {
		server.AddHealthCheck("cache", func(ctx context.Context) (interface{}, error) {
			if err := cache.Ping(ctx); err != nil {
				return nil, err
			}
			return map[string]string{"status": "ok"}, nil
		})
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(server.Start)

	g.Go(func() error {
		if err := indexer.Initialize(gctx); err != nil {
			return fmt.Errorf("initial backfill failed: %w", err)
		}
		<-gctx.Done()
		return nil
	})

	switch {
	case cfg.Consistency.Schedule != "":
		g.Go(func() error {
			return indexer.StartScheduledConsistencyChecks(gctx, cfg.Consistency.Schedule)
		})
	case cfg.Consistency.Interval > 0:
		g.Go(func() error {
			indexer.StartConsistencyChecks(gctx, cfg.Consistency.Interval)
			return nil
		})
	}

	g.Go(func() error {
		<-gctx.Done()

		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()

		var errs []error
		if err := server.Shutdown(shutdownCtx); err != nil {
			errs = append(errs, fmt.Errorf("server shutdown: %w", err))
		}
		if err := indexer.Close(shutdownCtx); err != nil {
			errs = append(errs, fmt.Errorf("indexer shutdown: %w", err))
		}
		return errors.Join(errs...)
	})

	logger.WithFields(map[string]interface{}{
		"host":     cfg.Server.Host,
		"port":     cfg.Server.Port,
		"contract": cfg.Ledger.ContractAddress,
	}).Info("Chirp indexer starting")

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}
