// Package main loads one user's pool portfolio and prints it as JSON.
//
// Usage:
//
//	portfolio_check -user 0x... [-chain 84532] [-refresh]
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/perp-pool-portfolio/internal/config"
	"github.com/perp-pool-portfolio/internal/logging"
	"github.com/perp-pool-portfolio/internal/service"
	"github.com/perp-pool-portfolio/internal/storage"
	"github.com/perp-pool-portfolio/internal/types"
)

func main() {
	var (
		user    = flag.String("user", "", "Wallet address to value")
		chain   = flag.String("chain", "84532", "Numeric chain id")
		refresh = flag.Bool("refresh", false, "Bypass the cached snapshot")
		timeout = flag.Duration("timeout", 5*time.Minute, "Overall timeout")
	)
	flag.Parse()

	if err := run(*user, *chain, *refresh, *timeout); err != nil {
		fmt.Fprintf(os.Stderr, "portfolio_check: %v\n", err)
		os.Exit(1)
	}
}

func run(user, chain string, refresh bool, timeout time.Duration) error {
	if !types.IsValidAddress(user) {
		return fmt.Errorf("-user must be a 0x-prefixed address, got %q", user)
	}
	chainID, err := types.ParseChainID(chain)
	if err != nil {
		return err
	}

	cfg, err := config.LoadConfig()
	if err != nil {
		return fmt.Errorf("load configuration: %w", err)
	}
	cfg.Chains.Enabled = []types.ChainID{chainID}

	// Diagnostics go to stderr so stdout stays valid JSON.
	logger := logging.NewLoggerWithWriter(logging.ParseLogLevel(cfg.Logging.Level), logging.FormatText, os.Stderr)
	logging.SetGlobalLogger(logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	store, err := storage.Open(ctx, cfg, storage.DefaultOpenOptions(), logger)
	if err != nil {
		return err
	}
	defer store.Close()

	var repo *storage.CacheRepository
	if storage.IsAvailable(store) {
		repo = storage.NewCacheRepository(store, cfg.Cache.TTLMinutes, logger)
	}

	stacks := service.BuildChainStacks(ctx, cfg, repo, nil, logger)
	stack, ok := stacks[chainID]
	if !ok {
		return fmt.Errorf("chain %s could not be initialized, check its RPC and factory settings", chainID)
	}
	defer stack.Close()

	controller := service.NewController(repo, []service.ChainLoader{stack.Loader}, logger)

	load := controller.Load
	if refresh {
		load = controller.Refresh
	}
	view, err := load(ctx, user, chainID)
	if err != nil {
		return err
	}

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(view)
}
