package service

import (
	"context"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"golang.org/x/time/rate"

	"github.com/perp-pool-portfolio/internal/adapter"
	"github.com/perp-pool-portfolio/internal/circuitbreaker"
	"github.com/perp-pool-portfolio/internal/config"
	"github.com/perp-pool-portfolio/internal/logging"
	"github.com/perp-pool-portfolio/internal/storage"
	"github.com/perp-pool-portfolio/internal/types"
)

// ChainStack is the per-chain read path: RPC client, pool directory and loader
type ChainStack struct {
	Client    *adapter.EVMClient
	Directory *PoolDirectory
	Loader    *PortfolioLoader
}

// Close releases the chain's RPC connections
func (s *ChainStack) Close() {
	if s.Client != nil {
		s.Client.Close()
	}
}

// BuildChainStacks dials every enabled chain that has an RPC endpoint and a
// factory address. Chains that cannot be dialed are logged and skipped.
// archive may be nil.
func BuildChainStacks(ctx context.Context, cfg *config.Config, repo *storage.CacheRepository, archive TradeArchive, logger *logging.Logger) map[types.ChainID]*ChainStack {
	if logger == nil {
		logger = logging.GetGlobalLogger()
	}

	var limiter *rate.Limiter
	if cfg.RateLimit.RPCRequestsPerSecond > 0 {
		limiter = rate.NewLimiter(rate.Limit(cfg.RateLimit.RPCRequestsPerSecond), cfg.RateLimit.RPCBurst)
	}
	breakers := circuitbreaker.NewManager(adapter.BreakerConfig("rpc"))
	engine := NewCostBasisEngine(logger)

	stacks := make(map[types.ChainID]*ChainStack, len(cfg.Chains.Enabled))
	for _, chainID := range cfg.Chains.Enabled {
		log := logger.WithField("chainId", uint64(chainID))
		stack, err := buildChainStack(ctx, chainID, cfg, repo, limiter, breakers, engine, logger)
		if err != nil {
			log.WithError(err).Warn("Skipping chain")
			continue
		}
		if archive != nil {
			stack.Loader.SetTradeArchive(archive)
		}
		stacks[chainID] = stack
		log.WithField("chain", chainID.String()).Info("Chain stack initialized")
	}
	return stacks
}

func buildChainStack(ctx context.Context, chainID types.ChainID, cfg *config.Config, repo *storage.CacheRepository,
	limiter *rate.Limiter, breakers *circuitbreaker.Manager, engine *CostBasisEngine, logger *logging.Logger) (*ChainStack, error) {
	chainCfg, ok := cfg.Chains.Chains[chainID]
	if !ok {
		return nil, fmt.Errorf("no configuration for chain %s", chainID)
	}
	if !common.IsHexAddress(chainCfg.FactoryAddress) {
		return nil, fmt.Errorf("invalid factory address %q", chainCfg.FactoryAddress)
	}

	client, err := adapter.DialEVMClient(ctx, chainID, chainCfg, limiter, breakers, logger)
	if err != nil {
		return nil, err
	}

	reader := adapter.NewContractReader(client)
	directory := NewPoolDirectory(reader, common.HexToAddress(chainCfg.FactoryAddress), repo, logger)
	fetcher := adapter.NewLedgerFetcher(client, adapter.LedgerFetcherConfig{
		ChunkSize:         cfg.Fetcher.ChunkSize,
		FallbackChunkSize: cfg.Fetcher.FallbackChunkSize,
		LookbackBlocks:    chainCfg.LookbackBlocks,
	}, logger)
	loader := NewPortfolioLoader(directory, fetcher, engine, repo, LoaderConfig{
		PoolBatchSize: cfg.Sync.PoolBatchSize,
		BatchDelay:    cfg.Sync.BatchDelay,
	}, logger)

	return &ChainStack{Client: client, Directory: directory, Loader: loader}, nil
}
