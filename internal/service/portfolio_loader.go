package service

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"

	"github.com/perp-pool-portfolio/internal/adapter"
	apperrors "github.com/perp-pool-portfolio/internal/errors"
	"github.com/perp-pool-portfolio/internal/logging"
	"github.com/perp-pool-portfolio/internal/metrics"
	"github.com/perp-pool-portfolio/internal/models"
	"github.com/perp-pool-portfolio/internal/storage"
	"github.com/perp-pool-portfolio/internal/types"
)

// Loader defaults
const (
	DefaultPoolBatchSize = 3
	DefaultBatchDelay    = 500 * time.Millisecond
)

// ErrLoadFailed is returned when every pool of a non-empty portfolio failed
var ErrLoadFailed = errors.New("portfolio load failed for every pool")

// LoaderConfig tunes pool batching
type LoaderConfig struct {
	PoolBatchSize int
	BatchDelay    time.Duration
}

// LoadStats describes one chain load
type LoadStats struct {
	Head          uint64        `json:"head"`
	Pools         int           `json:"pools"`
	FailedPools   int           `json:"failedPools"`
	FailedSides   int           `json:"failedSides"`
	SkippedRanges int           `json:"skippedRanges"`
	Duration      time.Duration `json:"duration"`
}

// Partial reports whether any part of the load degraded
func (s LoadStats) Partial() bool {
	return s.FailedSides > 0 || s.SkippedRanges > 0
}

// ChainLoader builds a complete portfolio snapshot for a user from chain
// state. PortfolioLoader is the production implementation.
type ChainLoader interface {
	ChainID() types.ChainID
	Load(ctx context.Context, user string) (*models.PortfolioCache, LoadStats, error)
}

// PortfolioLoader values every pool of a chain for a user: reserves, supply
// and balance reads, the event ledger, the FIFO engine and the aggregator.
type PortfolioLoader struct {
	chainID   types.ChainID
	reader    *adapter.ContractReader
	directory *PoolDirectory
	fetcher   *adapter.LedgerFetcher
	engine    *CostBasisEngine
	repo      *storage.CacheRepository
	cfg       LoaderConfig
	logger    *logging.Logger

	// archive receives the trades of every successful load when set
	archive TradeArchive

	// sleep waits between batches; tests replace it
	sleep func(ctx context.Context, d time.Duration) error
}

// TradeArchive stores decoded trades outside the portfolio cache.
// storage.TradeArchive is the ClickHouse implementation.
type TradeArchive interface {
	ArchiveTrades(ctx context.Context, chainID types.ChainID, user string, trades []models.PortfolioTransaction) (int, error)
}

// SetTradeArchive enables archiving of loaded trades
func (l *PortfolioLoader) SetTradeArchive(a TradeArchive) {
	l.archive = a
}

var _ ChainLoader = (*PortfolioLoader)(nil)
var _ TradeArchive = (*storage.TradeArchive)(nil)

// NewPortfolioLoader wires a loader for the directory's chain
func NewPortfolioLoader(directory *PoolDirectory, fetcher *adapter.LedgerFetcher, engine *CostBasisEngine,
	repo *storage.CacheRepository, cfg LoaderConfig, logger *logging.Logger) *PortfolioLoader {
	if cfg.PoolBatchSize <= 0 {
		cfg.PoolBatchSize = DefaultPoolBatchSize
	}
	if cfg.BatchDelay < 0 {
		cfg.BatchDelay = 0
	}
	if logger == nil {
		logger = logging.GetGlobalLogger()
	}
	if engine == nil {
		engine = NewCostBasisEngine(logger)
	}
	if repo == nil {
		repo = storage.NewCacheRepository(nil, 0, logger)
	}
	return &PortfolioLoader{
		chainID:   directory.ChainID(),
		reader:    directory.reader,
		directory: directory,
		fetcher:   fetcher,
		engine:    engine,
		repo:      repo,
		cfg:       cfg,
		logger:    logger.WithComponent("portfolio_loader").WithField("chainId", uint64(directory.ChainID())),
		sleep:     sleepContext,
	}
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// ChainID implements ChainLoader
func (l *PortfolioLoader) ChainID() types.ChainID { return l.chainID }

// Directory returns the loader's pool directory
func (l *PortfolioLoader) Directory() *PoolDirectory { return l.directory }

// poolResult is the valuation of one pool for the user
type poolResult struct {
	data         models.PoolData
	positions    []models.PortfolioPosition
	transactions []models.PortfolioTransaction
	failedSides  int
	skipped      int
}

// Load values every factory pool for user. Pools run in batches with a
// delay between batches; within a pool the bull and bear sides load
// concurrently. A side that fails degrades on its own. ErrLoadFailed is
// returned only when every side of every pool failed.
func (l *PortfolioLoader) Load(ctx context.Context, user string) (*models.PortfolioCache, LoadStats, error) {
	start := time.Now()
	var stats LoadStats

	if !types.IsValidAddress(user) {
		return nil, stats, apperrors.NewInvalidAddressError("userAddress", user)
	}
	account := common.HexToAddress(user)
	log := l.logger.WithField("user", types.NormalizeAddress(user))

	head, err := l.reader.Client().BlockNumber(ctx)
	if err != nil {
		return nil, stats, apperrors.NewProviderError(l.chainID.String(), err)
	}
	stats.Head = head

	pools, err := l.directory.Pools(ctx)
	if err != nil {
		return nil, stats, apperrors.NewProviderError(l.chainID.String(), err)
	}
	stats.Pools = len(pools)

	results := make([]poolResult, len(pools))
	for lo := 0; lo < len(pools); lo += l.cfg.PoolBatchSize {
		if lo > 0 {
			if err := l.sleep(ctx, l.cfg.BatchDelay); err != nil {
				return nil, stats, err
			}
		}
		hi := lo + l.cfg.PoolBatchSize
		if hi > len(pools) {
			hi = len(pools)
		}

		var wg sync.WaitGroup
		for i := lo; i < hi; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				results[i] = l.loadPool(ctx, account, pools[i], head)
			}(i)
		}
		wg.Wait()

		if err := ctx.Err(); err != nil {
			return nil, stats, err
		}
	}

	portfolio := &models.PortfolioCache{
		UserAddress: types.NormalizeAddress(user),
		ChainID:     l.chainID,
		BlockNumber: head,
	}
	all := make([]models.PoolData, 0, len(results))
	for _, r := range results {
		stats.FailedSides += r.failedSides
		stats.SkippedRanges += r.skipped
		if r.failedSides == 2 {
			stats.FailedPools++
		}
		all = append(all, r.data)
		if r.data.Status == types.PoolExcluded {
			continue
		}
		portfolio.Positions = append(portfolio.Positions, r.positions...)
		portfolio.Transactions = append(portfolio.Transactions, r.transactions...)
	}
	portfolio.Pools = PortfolioPools(all)
	portfolio.RecomputeTotals()

	stats.Duration = time.Since(start)
	metrics.PortfolioLoadDuration.WithLabelValues(l.chainID.String()).Observe(stats.Duration.Seconds())

	fields := logging.Fields{
		"head":          head,
		"pools":         stats.Pools,
		"active":        portfolio.Totals.ActivePools,
		"historical":    portfolio.Totals.HistoricalPools,
		"failedSides":   stats.FailedSides,
		"skippedRanges": stats.SkippedRanges,
		"duration":      stats.Duration.String(),
	}
	if stats.Pools > 0 && stats.FailedPools == stats.Pools {
		log.WithFields(fields).Error("Portfolio load failed for every pool")
		return portfolio, stats, ErrLoadFailed
	}
	log.WithFields(fields).Info("Portfolio loaded from chain")
	l.archiveTrades(ctx, portfolio)
	return portfolio, stats, nil
}

// archiveTrades is best effort; a failing archive never fails the load
func (l *PortfolioLoader) archiveTrades(ctx context.Context, p *models.PortfolioCache) {
	if l.archive == nil || len(p.Transactions) == 0 {
		return
	}
	chain := l.chainID.String()
	n, err := l.archive.ArchiveTrades(ctx, l.chainID, p.UserAddress, p.Transactions)
	if err != nil {
		metrics.TradesArchivedTotal.WithLabelValues(chain, "error").Inc()
		l.logger.WithError(err).WithField("user", p.UserAddress).Warn("Failed to archive trades")
		return
	}
	metrics.TradesArchivedTotal.WithLabelValues(chain, "ok").Add(float64(n))
}

// sideLoad is the outcome of one token side
type sideLoad struct {
	result       SideResult
	token        models.TokenDetails
	supply       decimal.Decimal
	transactions []models.Transaction
	skipped      int
}

func (l *PortfolioLoader) loadPool(ctx context.Context, user common.Address, pool PoolEntry, head uint64) poolResult {
	var out poolResult
	log := l.logger.WithField("pool", pool.Details.Address)

	var bullReserve, bearReserve decimal.Decimal
	var bullSupply, bearSupply decimal.NullDecimal
	snapshot, hit := l.cachedReserves(ctx, pool, head)
	if hit {
		bullReserve, bearReserve = snapshot.BullReserve, snapshot.BearReserve
		bullSupply = decimal.NewNullDecimal(snapshot.BullSupply)
		bearSupply = decimal.NewNullDecimal(snapshot.BearSupply)
	} else {
		reserves, err := l.reader.PoolReserves(ctx, common.HexToAddress(pool.Details.Address))
		if err != nil {
			log.WithError(err).Warn("Failed to read pool reserves")
			failed := SideResult{Metrics: degradedMetrics(), Err: apperrors.NewProviderError(l.chainID.String(), err)}
			out.data = AggregatePool(user.Hex(), failed, failed, pool.Info())
			out.failedSides = 2
			return out
		}
		bullReserve = adapter.ToDecimal(reserves.Bull, pool.Details.AssetDecimals)
		bearReserve = adapter.ToDecimal(reserves.Bear, pool.Details.AssetDecimals)
	}

	var bull, bear sideLoad
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		bull = l.loadSide(ctx, user, pool.Bull, bullReserve, bullSupply, head)
	}()
	go func() {
		defer wg.Done()
		bear = l.loadSide(ctx, user, pool.Bear, bearReserve, bearSupply, head)
	}()
	wg.Wait()

	if !hit {
		l.cacheReserves(ctx, pool, bullReserve, bearReserve, bull, bear, head)
	}

	out.data = AggregatePool(user.Hex(), bull.result, bear.result, pool.Info())
	now := time.Now().UnixMilli()
	for _, side := range []sideLoad{bull, bear} {
		if side.result.Err != nil {
			out.failedSides++
		}
		out.skipped += side.skipped
		if side.result.Metrics.HasBalance() || len(side.transactions) > 0 {
			out.positions = append(out.positions, models.PortfolioPosition{
				UserAddress:     types.NormalizeAddress(user.Hex()),
				TokenAddress:    side.token.Address,
				ChainID:         l.chainID,
				PoolAddress:     pool.Details.Address,
				TokenType:       side.token.TokenType,
				PositionMetrics: side.result.Metrics,
				LastUpdated:     now,
				BlockNumber:     head,
			})
		}
		for _, tx := range models.SortChronological(side.transactions) {
			out.transactions = append(out.transactions, models.PortfolioTransaction{
				ID:          tx.ID(),
				PoolAddress: pool.Details.Address,
				TokenType:   side.token.TokenType,
				Transaction: tx,
			})
		}
	}
	return out
}

// loadSide reads balance and ledger for one token and values it. The supply
// is read from the token unless a cached snapshot already carries it.
func (l *PortfolioLoader) loadSide(ctx context.Context, user common.Address, token models.TokenDetails,
	reserve decimal.Decimal, knownSupply decimal.NullDecimal, head uint64) sideLoad {
	out := sideLoad{token: token}
	addr := common.HexToAddress(token.Address)
	log := l.logger.WithFields(logging.Fields{"token": token.Address, "side": string(token.TokenType)})

	supply := knownSupply.Decimal
	if !knownSupply.Valid {
		supplyRaw, err := l.reader.TotalSupply(ctx, addr)
		if err != nil {
			log.WithError(err).Warn("Failed to read token supply")
			out.result = SideResult{Metrics: degradedMetrics(), Err: apperrors.NewProviderError(l.chainID.String(), err)}
			return out
		}
		supply = adapter.ToDecimal(supplyRaw, token.Decimals)
	}
	balanceRaw, err := l.reader.BalanceOf(ctx, addr, user)
	if err != nil {
		log.WithError(err).Warn("Failed to read token balance")
		out.result = SideResult{Metrics: degradedMetrics(), Err: apperrors.NewProviderError(l.chainID.String(), err)}
		return out
	}
	balance := adapter.ToDecimal(balanceRaw, token.Decimals)
	out.supply = supply

	txs, report, err := l.fetcher.FetchRange(ctx, addr, user, token.Decimals, l.fetcher.Window(head))
	if err != nil {
		log.WithError(err).Warn("Ledger fetch failed, valuing at spot")
		out.result = SideResult{
			Metrics: spotFallback(SpotPrice(reserve, supply), balance, models.SourceDegraded),
			Err:     apperrors.NewProviderError(l.chainID.String(), err),
		}
		return out
	}

	out.skipped = len(report.Skipped)
	out.transactions = txs
	out.result = SideResult{Metrics: l.engine.Value(token.Address, reserve, supply, balance, txs)}
	return out
}

// cachedReserves returns the pool's reserve snapshot when one was taken at
// head. Reserves only move with a new block, so an older snapshot is ignored.
func (l *PortfolioLoader) cachedReserves(ctx context.Context, pool PoolEntry, head uint64) (models.ReservesPayload, bool) {
	if !l.repo.Available() {
		return models.ReservesPayload{}, false
	}
	cached, err := l.repo.GetReserves(ctx, l.chainID, pool.Details.Address)
	if err != nil {
		if !errors.Is(err, storage.ErrNotFound) {
			l.logger.WithError(err).WithField("pool", pool.Details.Address).Debug("Failed to read cached reserves")
		}
		return models.ReservesPayload{}, false
	}
	return cached, cached.BlockNumber == head
}

// cacheReserves writes the reserve snapshot read during the load
func (l *PortfolioLoader) cacheReserves(ctx context.Context, pool PoolEntry, bullReserve, bearReserve decimal.Decimal, bull, bear sideLoad, head uint64) {
	if !l.repo.Available() || bull.result.Err != nil || bear.result.Err != nil {
		return
	}
	payload := models.ReservesPayload{
		PoolAddress: pool.Details.Address,
		BullReserve: bullReserve,
		BearReserve: bearReserve,
		BullSupply:  bull.supply,
		BearSupply:  bear.supply,
		BlockNumber: head,
	}
	if err := l.repo.PutReserves(ctx, l.chainID, payload); err != nil {
		l.logger.WithError(err).WithField("pool", pool.Details.Address).Debug("Failed to cache reserves")
	}
}

func degradedMetrics() models.PositionMetrics {
	return spotFallback(decimal.Zero, decimal.Zero, models.SourceDegraded)
}
