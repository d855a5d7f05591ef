// Package main provides the API server entry point for the pool portfolio service.
package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/perp-pool-portfolio/internal/api"
	"github.com/perp-pool-portfolio/internal/config"
	"github.com/perp-pool-portfolio/internal/logging"
	"github.com/perp-pool-portfolio/internal/service"
	"github.com/perp-pool-portfolio/internal/storage"
	"github.com/perp-pool-portfolio/internal/types"
	"github.com/perp-pool-portfolio/internal/worker"
)

func main() {
	log.Println("Pool portfolio server starting...")

	cfg, err := config.LoadConfig()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	logging.InitGlobalLogger(logging.ParseLogLevel(cfg.Logging.Level), logging.ParseLogFormat(cfg.Logging.Format))
	logger := logging.GetGlobalLogger()
	defer func() { _ = logger.Sync() }()

	logger.WithFields(logging.Fields{
		"level":  cfg.Logging.Level,
		"format": cfg.Logging.Format,
	}).Info("Structured logging initialized")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	store, err := storage.Open(ctx, cfg, storage.DefaultOpenOptions(), logger)
	if err != nil {
		logger.WithError(err).Fatal("Invalid cache configuration")
	}
	defer store.Close()

	var repo *storage.CacheRepository
	if storage.IsAvailable(store) {
		repo = storage.NewCacheRepository(store, cfg.Cache.TTLMinutes, logger)
	} else {
		logger.Warn("Persistent cache unavailable, every load reads the chain")
	}

	var archive service.TradeArchive
	if cfg.Database.ClickHouse.Enabled {
		ta, err := storage.OpenTradeArchive(ctx, &cfg.Database.ClickHouse, logger)
		if err != nil {
			logger.WithError(err).Warn("Trade archive unavailable, continuing without it")
		} else {
			defer ta.Close()
			archive = ta
		}
	}

	stacks := service.BuildChainStacks(ctx, cfg, repo, archive, logger)
	if len(stacks) == 0 {
		logger.Warn("No chain initialized, portfolio loads will be rejected")
	}
	defer func() {
		for _, s := range stacks {
			s.Close()
		}
	}()

	loaders := make([]service.ChainLoader, 0, len(stacks))
	pools := make(map[types.ChainID]api.PoolLister, len(stacks))
	for chainID, s := range stacks {
		loaders = append(loaders, s.Loader)
		pools[chainID] = s.Directory
	}

	controller := service.NewController(repo, loaders, logger)

	if repo != nil {
		sweeper, err := worker.NewCacheSweeper(repo, cfg.Cache.SweepSchedule, logger)
		if err != nil {
			logger.WithError(err).Fatal("Failed to create cache sweeper")
		}
		sweeper.Start(ctx)
		defer sweeper.Stop()
	}

	serverConfig := api.DefaultServerConfig(cfg.Server.Host, cfg.Server.Port, cfg.RateLimit.APIRequestsPerSecond)
	server := api.NewServer(serverConfig, controller, pools, logger)

	go func() {
		if err := server.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.WithError(err).Error("Server stopped unexpectedly")
			stop()
		}
	}()

	logger.WithFields(logging.Fields{
		"host":         cfg.Server.Host,
		"port":         cfg.Server.Port,
		"chains":       controller.Chains(),
		"cacheEnabled": controller.CacheEnabled(),
	}).Info("Server started successfully")

	<-ctx.Done()
	logger.Info("Shutting down server...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), serverConfig.ShutdownTimeout)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.WithError(err).Error("Server forced to shutdown")
	}

	logger.Info("Server exited")
}
