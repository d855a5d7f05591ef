package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/perp-pool-portfolio/internal/logging"
	"github.com/perp-pool-portfolio/internal/metrics"
	"github.com/perp-pool-portfolio/internal/models"
	"github.com/perp-pool-portfolio/internal/types"
)

// Defaults for cache lifetimes
const (
	DefaultTTLMinutes = 5

	// DefaultPortfolioRetention is how long an expired portfolio snapshot is
	// kept for stale fallback before the sweep removes it
	DefaultPortfolioRetention = 24 * time.Hour
)

// CacheRepository maps domain objects onto Store collections
type CacheRepository struct {
	store      Store
	ttlMinutes int
	retention  time.Duration
	logger     *logging.Logger
	now        func() time.Time
}

// CacheRepositoryOption configures a CacheRepository
type CacheRepositoryOption func(*CacheRepository)

// WithClock overrides the time source
func WithClock(now func() time.Time) CacheRepositoryOption {
	return func(r *CacheRepository) { r.now = now }
}

// WithRetention overrides how long expired portfolios survive the sweep
func WithRetention(d time.Duration) CacheRepositoryOption {
	return func(r *CacheRepository) { r.retention = d }
}

// NewCacheRepository creates a repository over store. A nil store behaves as
// an UnavailableStore.
func NewCacheRepository(store Store, ttlMinutes int, logger *logging.Logger, opts ...CacheRepositoryOption) *CacheRepository {
	if store == nil {
		store = UnavailableStore{}
	}
	if ttlMinutes <= 0 {
		ttlMinutes = DefaultTTLMinutes
	}
	if logger == nil {
		logger = logging.GetGlobalLogger()
	}
	r := &CacheRepository{
		store:      store,
		ttlMinutes: ttlMinutes,
		retention:  DefaultPortfolioRetention,
		logger:     logger.WithComponent("cache-repository"),
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Store returns the underlying store
func (r *CacheRepository) Store() Store { return r.store }

// Available reports whether a persistent backend is attached
func (r *CacheRepository) Available() bool { return IsAvailable(r.store) }

// TTLMinutes returns the portfolio and cache entry lifetime
func (r *CacheRepository) TTLMinutes() int { return r.ttlMinutes }

func (r *CacheRepository) ttl() time.Duration {
	return time.Duration(r.ttlMinutes) * time.Minute
}

func chainIndex(id types.ChainID) string {
	return strconv.FormatUint(uint64(id), 10)
}

func lookup(collection, result string) {
	metrics.CacheLookupsTotal.WithLabelValues(collection, result).Inc()
}

// decodeOrDrop unmarshals rec into v. A record that no longer decodes is
// deleted and reported as not found.
func (r *CacheRepository) decodeOrDrop(ctx context.Context, collection string, rec Record, v interface{}) error {
	if err := json.Unmarshal(rec.Data, v); err != nil {
		r.logger.WithFields(logging.Fields{
			"collection": collection,
			"key":        rec.Key,
		}).WithError(err).Warn("Dropping undecodable cache record")
		if delErr := r.store.Delete(ctx, collection, rec.Key); delErr != nil {
			r.logger.WithError(delErr).Warn("Failed to drop undecodable cache record")
		}
		lookup(collection, "corrupt")
		return ErrNotFound
	}
	return nil
}

func encode(key string, v interface{}, indexes map[string]string, expiresAt int64) (Record, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return Record{}, fmt.Errorf("encode %s: %w", key, err)
	}
	return Record{Key: key, Data: data, Indexes: indexes, ExpiresAt: expiresAt}, nil
}

// Pools

// UpsertPools writes pool metadata. CreatedAt survives updates and UpdatedAt
// moves to now, also when the content is unchanged. It returns how many
// records changed content or were new.
func (r *CacheRepository) UpsertPools(ctx context.Context, pools []models.PoolDetails) (int, error) {
	now := r.now().UnixMilli()
	recs := make([]Record, 0, len(pools))
	changed := 0

	for _, p := range pools {
		p.Address = types.NormalizeAddress(p.Address)
		p.Creator = types.NormalizeAddress(p.Creator)

		existing, err := r.GetPool(ctx, p.Address)
		switch {
		case err == nil:
			if !existing.SameContent(p) {
				changed++
			}
			p.CreatedAt = existing.CreatedAt
		case errors.Is(err, ErrNotFound):
			changed++
			if p.CreatedAt == 0 {
				p.CreatedAt = now
			}
		default:
			return 0, err
		}
		p.UpdatedAt = now

		rec, err := encode(p.Address, p, map[string]string{
			IndexChainID: chainIndex(p.ChainID),
			IndexCreator: p.Creator,
		}, 0)
		if err != nil {
			return 0, err
		}
		recs = append(recs, rec)
	}

	if len(recs) == 0 {
		return 0, nil
	}
	if err := r.store.PutBatch(ctx, CollectionPools, recs); err != nil {
		return 0, fmt.Errorf("upsert pools: %w", err)
	}
	return changed, nil
}

// GetPool returns one pool by address
func (r *CacheRepository) GetPool(ctx context.Context, address string) (models.PoolDetails, error) {
	var p models.PoolDetails
	rec, err := r.store.Get(ctx, CollectionPools, types.NormalizeAddress(address))
	if err != nil {
		return p, err
	}
	err = r.decodeOrDrop(ctx, CollectionPools, rec, &p)
	return p, err
}

func decodeAll[T any](ctx context.Context, r *CacheRepository, collection string, recs []Record) []T {
	out := make([]T, 0, len(recs))
	for _, rec := range recs {
		var v T
		if err := r.decodeOrDrop(ctx, collection, rec, &v); err != nil {
			continue
		}
		out = append(out, v)
	}
	return out
}

// ListPools returns every cached pool on a chain, ordered by address
func (r *CacheRepository) ListPools(ctx context.Context, chainID types.ChainID) ([]models.PoolDetails, error) {
	recs, err := r.store.GetByIndex(ctx, CollectionPools, IndexChainID, chainIndex(chainID))
	if err != nil {
		return nil, err
	}
	return decodeAll[models.PoolDetails](ctx, r, CollectionPools, recs), nil
}

// ListPoolsByCreator returns the pools a creator deployed
func (r *CacheRepository) ListPoolsByCreator(ctx context.Context, creator string) ([]models.PoolDetails, error) {
	recs, err := r.store.GetByIndex(ctx, CollectionPools, IndexCreator, types.NormalizeAddress(creator))
	if err != nil {
		return nil, err
	}
	return decodeAll[models.PoolDetails](ctx, r, CollectionPools, recs), nil
}

// Tokens

// UpsertTokens writes token metadata with the same rules as UpsertPools
func (r *CacheRepository) UpsertTokens(ctx context.Context, tokens []models.TokenDetails) (int, error) {
	now := r.now().UnixMilli()
	recs := make([]Record, 0, len(tokens))
	changed := 0

	for _, t := range tokens {
		t.Address = types.NormalizeAddress(t.Address)
		t.PoolAddress = types.NormalizeAddress(t.PoolAddress)

		existing, err := r.GetToken(ctx, t.Address)
		switch {
		case err == nil:
			if !existing.SameContent(t) {
				changed++
			}
			t.CreatedAt = existing.CreatedAt
		case errors.Is(err, ErrNotFound):
			changed++
			if t.CreatedAt == 0 {
				t.CreatedAt = now
			}
		default:
			return 0, err
		}
		t.UpdatedAt = now

		rec, err := encode(t.Address, t, map[string]string{
			IndexChainID:     chainIndex(t.ChainID),
			IndexPoolAddress: t.PoolAddress,
		}, 0)
		if err != nil {
			return 0, err
		}
		recs = append(recs, rec)
	}

	if len(recs) == 0 {
		return 0, nil
	}
	if err := r.store.PutBatch(ctx, CollectionTokens, recs); err != nil {
		return 0, fmt.Errorf("upsert tokens: %w", err)
	}
	return changed, nil
}

// GetToken returns one token by address
func (r *CacheRepository) GetToken(ctx context.Context, address string) (models.TokenDetails, error) {
	var t models.TokenDetails
	rec, err := r.store.Get(ctx, CollectionTokens, types.NormalizeAddress(address))
	if err != nil {
		return t, err
	}
	err = r.decodeOrDrop(ctx, CollectionTokens, rec, &t)
	return t, err
}

// ListTokensByPool returns the bull and bear tokens of a pool
func (r *CacheRepository) ListTokensByPool(ctx context.Context, pool string) ([]models.TokenDetails, error) {
	recs, err := r.store.GetByIndex(ctx, CollectionTokens, IndexPoolAddress, types.NormalizeAddress(pool))
	if err != nil {
		return nil, err
	}
	return decodeAll[models.TokenDetails](ctx, r, CollectionTokens, recs), nil
}

// Chain status

// GetChainStatus returns the last reconciliation marker of a chain
func (r *CacheRepository) GetChainStatus(ctx context.Context, chainID types.ChainID) (models.ChainStatus, error) {
	var s models.ChainStatus
	rec, err := r.store.Get(ctx, CollectionChainStatus, chainIndex(chainID))
	if err != nil {
		return s, err
	}
	err = r.decodeOrDrop(ctx, CollectionChainStatus, rec, &s)
	return s, err
}

// PutChainStatus stores the reconciliation marker of a chain
func (r *CacheRepository) PutChainStatus(ctx context.Context, s models.ChainStatus) error {
	s.UpdatedAt = r.now().UnixMilli()
	rec, err := encode(chainIndex(s.ChainID), s, nil, 0)
	if err != nil {
		return err
	}
	return r.store.Put(ctx, CollectionChainStatus, rec)
}

// TTL entries

// PutEntry stores a validated cache entry
func (r *CacheRepository) PutEntry(ctx context.Context, e models.CacheEntry) error {
	if err := e.Validate(); err != nil {
		return err
	}
	rec, err := encode(e.Key, e, map[string]string{IndexKind: string(e.Kind)}, e.ExpiresAt)
	if err != nil {
		return err
	}
	return r.store.Put(ctx, CollectionCache, rec)
}

// GetEntry returns a live cache entry. Expired entries are deleted on read
// and reported as ErrNotFound.
func (r *CacheRepository) GetEntry(ctx context.Context, key string) (models.CacheEntry, error) {
	var e models.CacheEntry
	rec, err := r.store.Get(ctx, CollectionCache, key)
	if errors.Is(err, ErrNotFound) {
		lookup(CollectionCache, "miss")
		return e, err
	}
	if err != nil {
		return e, err
	}
	if err := r.decodeOrDrop(ctx, CollectionCache, rec, &e); err != nil {
		return e, err
	}

	if e.Expired(r.now()) {
		if err := r.store.Delete(ctx, CollectionCache, key); err != nil {
			r.logger.WithError(err).WithField("key", key).Warn("Failed to evict expired cache entry")
		} else {
			metrics.CacheEvictionsTotal.WithLabelValues("read").Inc()
		}
		lookup(CollectionCache, "expired")
		return models.CacheEntry{}, ErrNotFound
	}
	if err := e.Validate(); err != nil {
		_ = r.store.Delete(ctx, CollectionCache, key)
		lookup(CollectionCache, "corrupt")
		return models.CacheEntry{}, ErrNotFound
	}

	lookup(CollectionCache, "hit")
	return e, nil
}

// PutPoolList caches a chain's factory pool list for the TTL
func (r *CacheRepository) PutPoolList(ctx context.Context, chainID types.ChainID, pools []string) error {
	return r.PutEntry(ctx, models.NewPoolListEntry(chainID, pools, r.now(), r.ttl()))
}

// GetPoolList returns a live cached pool list
func (r *CacheRepository) GetPoolList(ctx context.Context, chainID types.ChainID) ([]string, error) {
	e, err := r.GetEntry(ctx, models.PoolListKey(chainID))
	if err != nil {
		return nil, err
	}
	payload, ok := e.AsPoolList()
	if !ok {
		return nil, ErrNotFound
	}
	return payload.Pools, nil
}

// PutReserves caches a pool's reserve snapshot for the TTL
func (r *CacheRepository) PutReserves(ctx context.Context, chainID types.ChainID, p models.ReservesPayload) error {
	p.PoolAddress = types.NormalizeAddress(p.PoolAddress)
	return r.PutEntry(ctx, models.NewReservesEntry(chainID, p, r.now(), r.ttl()))
}

// GetReserves returns a live cached reserve snapshot
func (r *CacheRepository) GetReserves(ctx context.Context, chainID types.ChainID, pool string) (models.ReservesPayload, error) {
	e, err := r.GetEntry(ctx, models.ReservesKey(chainID, pool))
	if err != nil {
		return models.ReservesPayload{}, err
	}
	payload, ok := e.AsReserves()
	if !ok {
		return models.ReservesPayload{}, ErrNotFound
	}
	return *payload, nil
}

// Portfolios

// GetPortfolio returns the stored snapshot for a user on a chain. An expired
// snapshot is returned together with ErrExpired so callers can serve it as
// stale data; it is not evicted here.
func (r *CacheRepository) GetPortfolio(ctx context.Context, user string, chainID types.ChainID) (*models.PortfolioCache, error) {
	rec, err := r.store.Get(ctx, CollectionPortfolio, models.PortfolioCacheKey(user, chainID))
	if errors.Is(err, ErrNotFound) {
		lookup(CollectionPortfolio, "miss")
		return nil, err
	}
	if err != nil {
		return nil, err
	}

	var c models.PortfolioCache
	if err := r.decodeOrDrop(ctx, CollectionPortfolio, rec, &c); err != nil {
		return nil, err
	}
	if c.Expired(r.now()) {
		lookup(CollectionPortfolio, "expired")
		return &c, ErrExpired
	}
	lookup(CollectionPortfolio, "hit")
	return &c, nil
}

// PutPortfolio stamps the snapshot with the current time and TTL and stores it
func (r *CacheRepository) PutPortfolio(ctx context.Context, c *models.PortfolioCache) error {
	c.Stamp(r.now(), r.ttlMinutes)
	return r.ReplacePortfolio(ctx, c)
}

// ReplacePortfolio stores the snapshot keeping its LastUpdated and ExpiresAt.
// Optimistic patches use it so they do not extend the snapshot's lifetime.
func (r *CacheRepository) ReplacePortfolio(ctx context.Context, c *models.PortfolioCache) error {
	c.UserAddress = types.NormalizeAddress(c.UserAddress)
	c.Key = models.PortfolioCacheKey(c.UserAddress, c.ChainID)
	if c.ExpiresAt == 0 {
		c.Stamp(r.now(), r.ttlMinutes)
	}

	rec, err := encode(c.Key, c, map[string]string{
		IndexUserAddress: c.UserAddress,
		IndexChainID:     chainIndex(c.ChainID),
	}, c.ExpiresAt+r.retention.Milliseconds())
	if err != nil {
		return err
	}
	return r.store.Put(ctx, CollectionPortfolio, rec)
}

// ListPortfolios returns every stored snapshot of a user across chains
func (r *CacheRepository) ListPortfolios(ctx context.Context, user string) ([]models.PortfolioCache, error) {
	recs, err := r.store.GetByIndex(ctx, CollectionPortfolio, IndexUserAddress, types.NormalizeAddress(user))
	if err != nil {
		return nil, err
	}
	return decodeAll[models.PortfolioCache](ctx, r, CollectionPortfolio, recs), nil
}

// DeletePortfolio removes a user's snapshot on a chain
func (r *CacheRepository) DeletePortfolio(ctx context.Context, user string, chainID types.ChainID) error {
	return r.store.Delete(ctx, CollectionPortfolio, models.PortfolioCacheKey(user, chainID))
}

// Maintenance

// SweepExpired removes expired cache entries and portfolios past retention
func (r *CacheRepository) SweepExpired(ctx context.Context) (int, error) {
	now := r.now().UnixMilli()
	total := 0
	for _, coll := range []string{CollectionCache, CollectionPortfolio} {
		n, err := r.store.DeleteExpired(ctx, coll, now)
		if err != nil {
			return total, fmt.Errorf("sweep %s: %w", coll, err)
		}
		total += n
	}
	if total > 0 {
		metrics.CacheEvictionsTotal.WithLabelValues("sweep").Add(float64(total))
	}
	r.logger.WithField("removed", total).Debug("Cache sweep finished")
	return total, nil
}

// Reinitialize drops all cached data and recreates the schema
func (r *CacheRepository) Reinitialize(ctx context.Context) error {
	return ForceReinitialize(ctx, r.store, r.logger)
}
