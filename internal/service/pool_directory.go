package service

import (
	"context"
	"errors"
	"fmt"

	"github.com/ethereum/go-ethereum/common"

	"github.com/perp-pool-portfolio/internal/adapter"
	"github.com/perp-pool-portfolio/internal/logging"
	"github.com/perp-pool-portfolio/internal/models"
	"github.com/perp-pool-portfolio/internal/storage"
	"github.com/perp-pool-portfolio/internal/types"
)

// PoolEntry is a pool with the metadata of both of its tokens
type PoolEntry struct {
	Details models.PoolDetails  `json:"details"`
	Bull    models.TokenDetails `json:"bull"`
	Bear    models.TokenDetails `json:"bear"`
}

// Info projects the entry for the position aggregator
func (e PoolEntry) Info() models.PoolInfo {
	return e.Details.Info(e.Bull.Symbol, e.Bear.Symbol)
}

// PoolDirectory resolves the pools of one chain's factory. Pool and token
// metadata is read from the cache when present and from the contracts
// otherwise; chain reads are written back in one batch.
type PoolDirectory struct {
	chainID types.ChainID
	reader  *adapter.ContractReader
	factory common.Address
	repo    *storage.CacheRepository
	logger  *logging.Logger
}

// NewPoolDirectory creates a directory for the factory on reader's chain
func NewPoolDirectory(reader *adapter.ContractReader, factory common.Address, repo *storage.CacheRepository, logger *logging.Logger) *PoolDirectory {
	if logger == nil {
		logger = logging.GetGlobalLogger()
	}
	if repo == nil {
		repo = storage.NewCacheRepository(nil, 0, logger)
	}
	chainID := reader.Client().ChainID()
	return &PoolDirectory{
		chainID: chainID,
		reader:  reader,
		factory: factory,
		repo:    repo,
		logger:  logger.WithComponent("pool_directory").WithField("chainId", uint64(chainID)),
	}
}

// ChainID returns the directory's chain
func (d *PoolDirectory) ChainID() types.ChainID { return d.chainID }

// cacheMiss reports whether err should fall through to a chain read.
// Failures other than a plain miss are logged.
func (d *PoolDirectory) cacheMiss(err error, what string) bool {
	if err == nil {
		return false
	}
	if !errors.Is(err, storage.ErrNotFound) && !errors.Is(err, storage.ErrStoreUnavailable) {
		d.logger.WithError(err).WithField("entry", what).Warn("Cache read failed, reading chain")
	}
	return true
}

// PoolAddresses returns the factory's pool list, served from the TTL cache
// when fresh
func (d *PoolDirectory) PoolAddresses(ctx context.Context) ([]common.Address, error) {
	cached, err := d.repo.GetPoolList(ctx, d.chainID)
	if !d.cacheMiss(err, "pool_list") {
		out := make([]common.Address, 0, len(cached))
		for _, a := range cached {
			out = append(out, common.HexToAddress(a))
		}
		return out, nil
	}

	pools, err := d.reader.AllPools(ctx, d.factory)
	if err != nil {
		return nil, fmt.Errorf("list factory pools: %w", err)
	}

	list := make([]string, 0, len(pools))
	for _, p := range pools {
		list = append(list, types.NormalizeAddress(p.Hex()))
	}
	if err := d.repo.PutPoolList(ctx, d.chainID, list); err != nil && !errors.Is(err, storage.ErrStoreUnavailable) {
		d.logger.WithError(err).Warn("Failed to cache pool list")
	}
	return pools, nil
}

// Pools resolves every factory pool. Pools whose metadata cannot be read
// are logged and left out.
func (d *PoolDirectory) Pools(ctx context.Context) ([]PoolEntry, error) {
	addrs, err := d.PoolAddresses(ctx)
	if err != nil {
		return nil, err
	}

	entries := make([]PoolEntry, 0, len(addrs))
	var freshPools []models.PoolDetails
	var freshTokens []models.TokenDetails

	for _, addr := range addrs {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		entry, fromChain, err := d.resolve(ctx, addr)
		if err != nil {
			d.logger.WithError(err).WithField("pool", addr.Hex()).Warn("Skipping pool with unreadable metadata")
			continue
		}
		if fromChain {
			freshPools = append(freshPools, entry.Details)
			freshTokens = append(freshTokens, entry.Bull, entry.Bear)
		}
		entries = append(entries, entry)
	}

	d.persist(ctx, freshPools, freshTokens)
	return entries, nil
}

// PoolsByCreator returns the factory pools deployed by creator. Once Pools
// has written every entry, the store's creator index selects them; without
// a store the entries are filtered in memory.
func (d *PoolDirectory) PoolsByCreator(ctx context.Context, creator string) ([]PoolEntry, error) {
	entries, err := d.Pools(ctx)
	if err != nil {
		return nil, err
	}

	match := func(e PoolEntry) bool { return types.SameAddress(e.Details.Creator, creator) }
	if d.repo.Available() {
		indexed, err := d.repo.ListPoolsByCreator(ctx, creator)
		if err == nil {
			set := make(map[string]bool, len(indexed))
			for _, p := range indexed {
				if p.ChainID == d.chainID {
					set[types.NormalizeAddress(p.Address)] = true
				}
			}
			match = func(e PoolEntry) bool { return set[types.NormalizeAddress(e.Details.Address)] }
		} else {
			d.logger.WithError(err).Warn("Creator index unavailable, filtering in memory")
		}
	}

	out := make([]PoolEntry, 0)
	for _, e := range entries {
		if match(e) {
			out = append(out, e)
		}
	}
	return out, nil
}

// Pool resolves a single pool
func (d *PoolDirectory) Pool(ctx context.Context, addr common.Address) (PoolEntry, error) {
	entry, fromChain, err := d.resolve(ctx, addr)
	if err != nil {
		return PoolEntry{}, err
	}
	if fromChain {
		d.persist(ctx, []models.PoolDetails{entry.Details}, []models.TokenDetails{entry.Bull, entry.Bear})
	}
	return entry, nil
}

func (d *PoolDirectory) persist(ctx context.Context, pools []models.PoolDetails, tokens []models.TokenDetails) {
	if len(pools) == 0 || !d.repo.Available() {
		return
	}
	if _, err := d.repo.UpsertPools(ctx, pools); err != nil {
		d.logger.WithError(err).Warn("Failed to cache pool details")
		return
	}
	if _, err := d.repo.UpsertTokens(ctx, tokens); err != nil {
		d.logger.WithError(err).Warn("Failed to cache token details")
	}
}

// resolve returns the cached entry when pool and both tokens are cached,
// otherwise reads it from the contracts
func (d *PoolDirectory) resolve(ctx context.Context, addr common.Address) (PoolEntry, bool, error) {
	if entry, ok := d.cached(ctx, addr); ok {
		return entry, false, nil
	}
	entry, err := d.readChain(ctx, addr)
	return entry, true, err
}

func (d *PoolDirectory) cached(ctx context.Context, addr common.Address) (PoolEntry, bool) {
	details, err := d.repo.GetPool(ctx, addr.Hex())
	if d.cacheMiss(err, "pool") {
		return PoolEntry{}, false
	}
	tokens, err := d.repo.ListTokensByPool(ctx, details.Address)
	if d.cacheMiss(err, "tokens") {
		return PoolEntry{}, false
	}
	entry := PoolEntry{Details: details}
	var haveBull, haveBear bool
	for _, t := range tokens {
		switch {
		case types.SameAddress(t.Address, details.BullToken):
			entry.Bull, haveBull = t, true
		case types.SameAddress(t.Address, details.BearToken):
			entry.Bear, haveBear = t, true
		}
	}
	return entry, haveBull && haveBear
}

func (d *PoolDirectory) readChain(ctx context.Context, addr common.Address) (PoolEntry, error) {
	static, err := d.reader.PoolStatic(ctx, addr)
	if err != nil {
		return PoolEntry{}, fmt.Errorf("read pool %s: %w", addr.Hex(), err)
	}
	asset, err := d.reader.TokenMeta(ctx, static.Asset)
	if err != nil {
		return PoolEntry{}, fmt.Errorf("read asset %s: %w", static.Asset.Hex(), err)
	}
	bull, err := d.reader.TokenMeta(ctx, static.BullToken)
	if err != nil {
		return PoolEntry{}, fmt.Errorf("read bull token %s: %w", static.BullToken.Hex(), err)
	}
	bear, err := d.reader.TokenMeta(ctx, static.BearToken)
	if err != nil {
		return PoolEntry{}, fmt.Errorf("read bear token %s: %w", static.BearToken.Hex(), err)
	}

	pool := types.NormalizeAddress(addr.Hex())
	token := func(a common.Address, side types.TokenType, meta adapter.TokenMeta) models.TokenDetails {
		return models.TokenDetails{
			Address:     types.NormalizeAddress(a.Hex()),
			ChainID:     d.chainID,
			PoolAddress: pool,
			TokenType:   side,
			Name:        meta.Name,
			Symbol:      meta.Symbol,
			Decimals:    meta.Decimals,
		}
	}

	return PoolEntry{
		Details: models.PoolDetails{
			Address:       pool,
			ChainID:       d.chainID,
			Name:          PoolName(asset.Symbol, bull.Symbol, bear.Symbol),
			Creator:       types.NormalizeAddress(static.Creator.Hex()),
			AssetAddress:  types.NormalizeAddress(static.Asset.Hex()),
			AssetSymbol:   asset.Symbol,
			AssetDecimals: asset.Decimals,
			BullToken:     types.NormalizeAddress(static.BullToken.Hex()),
			BearToken:     types.NormalizeAddress(static.BearToken.Hex()),
			MintFee:       adapter.ToDecimal(static.MintFee, 0),
			BurnFee:       adapter.ToDecimal(static.BurnFee, 0),
			CreatorFee:    adapter.ToDecimal(static.CreatorFee, 0),
			TreasuryFee:   adapter.ToDecimal(static.TreasuryFee, 0),
		},
		Bull: token(static.BullToken, types.TokenBull, bull),
		Bear: token(static.BearToken, types.TokenBear, bear),
	}, nil
}

// PoolName is the display name of a pool, e.g. "WETH BULL/BEAR"
func PoolName(assetSymbol, bullSymbol, bearSymbol string) string {
	return fmt.Sprintf("%s %s/%s", assetSymbol, bullSymbol, bearSymbol)
}
