package service

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	apperrors "github.com/perp-pool-portfolio/internal/errors"
	"github.com/perp-pool-portfolio/internal/logging"
	"github.com/perp-pool-portfolio/internal/metrics"
	"github.com/perp-pool-portfolio/internal/models"
	"github.com/perp-pool-portfolio/internal/storage"
	"github.com/perp-pool-portfolio/internal/types"
)

// SessionState is the load state of one (user, chain) portfolio session
type SessionState string

const (
	StateUninitialized         SessionState = "uninitialized"
	StateLoadingFromCache      SessionState = "loading_from_cache"
	StateCacheHit              SessionState = "cache_hit"
	StateCacheMiss             SessionState = "cache_miss"
	StateLoadingFromChain      SessionState = "loading_from_chain"
	StateReady                 SessionState = "ready"
	StateOptimisticallyUpdated SessionState = "optimistically_updated"
)

// Settled reports whether the session has a portfolio to show
func (s SessionState) Settled() bool {
	return s == StateReady || s == StateOptimisticallyUpdated
}

// ViewSource tells where the portfolio of a view came from
type ViewSource string

const (
	ViewFromCache      ViewSource = "cache"
	ViewFromChain      ViewSource = "chain"
	ViewFromStaleCache ViewSource = "stale_cache"
	ViewFromPatch      ViewSource = "optimistic"
)

// ErrSuperseded is returned to a load whose result was discarded because a
// newer load for the same session started
var ErrSuperseded = errors.New("portfolio load superseded by a newer load")

// PortfolioView is what the controller publishes for a session
type PortfolioView struct {
	UserAddress  string                 `json:"userAddress"`
	ChainID      types.ChainID          `json:"chainId"`
	State        SessionState           `json:"state"`
	Source       ViewSource             `json:"source"`
	Stale        bool                   `json:"stale"`
	Degraded     bool                   `json:"degraded"`
	Session      uint64                 `json:"session"`
	CacheEnabled bool                   `json:"cacheEnabled"`
	Portfolio    *models.PortfolioCache `json:"portfolio"`
	Stats        *LoadStats             `json:"stats,omitempty"`
}

type session struct {
	user    string
	chainID types.ChainID
	state   SessionState
	token   uint64
	cancel  context.CancelFunc
	view    *PortfolioView
}

// ControllerOption configures a Controller
type ControllerOption func(*Controller)

// WithPatchFunc replaces the optimistic patch applied after confirmed trades
func WithPatchFunc(fn PatchFunc) ControllerOption {
	return func(c *Controller) {
		if fn != nil {
			c.patch = fn
		}
	}
}

// WithControllerClock sets the time source used for patches
func WithControllerClock(now func() time.Time) ControllerOption {
	return func(c *Controller) { c.now = now }
}

// Controller drives the cache-first portfolio load for every (user, chain)
// session. Each load takes a token from a monotonic counter; a result is
// applied only while its token is still the session's latest.
type Controller struct {
	repo    *storage.CacheRepository
	loaders map[types.ChainID]ChainLoader
	patch   PatchFunc
	now     func() time.Time
	logger  *logging.Logger

	tokens atomic.Uint64

	mu       sync.Mutex
	sessions map[string]*session

	subMu  sync.Mutex
	subs   map[int]chan PortfolioView
	nextID int
}

// NewController creates a controller over the given per-chain loaders. A nil
// repo runs the controller cache-less.
func NewController(repo *storage.CacheRepository, loaders []ChainLoader, logger *logging.Logger, opts ...ControllerOption) *Controller {
	if logger == nil {
		logger = logging.GetGlobalLogger()
	}
	if repo == nil {
		repo = storage.NewCacheRepository(nil, 0, logger)
	}
	c := &Controller{
		repo:     repo,
		loaders:  make(map[types.ChainID]ChainLoader, len(loaders)),
		patch:    ApplyTradePatch,
		now:      time.Now,
		logger:   logger.WithComponent("sync_controller"),
		sessions: make(map[string]*session),
		subs:     make(map[int]chan PortfolioView),
	}
	for _, l := range loaders {
		c.loaders[l.ChainID()] = l
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Chains returns the supported chains in ascending order
func (c *Controller) Chains() []types.ChainID {
	out := make([]types.ChainID, 0, len(c.loaders))
	for id := range c.loaders {
		out = append(out, id)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// CacheEnabled reports whether a cache store is backing the controller
func (c *Controller) CacheEnabled() bool {
	return c.repo.Available()
}

// Repository returns the cache repository
func (c *Controller) Repository() *storage.CacheRepository { return c.repo }

func (c *Controller) resolve(user string, chainID types.ChainID) (string, ChainLoader, error) {
	if !types.IsValidAddress(user) {
		return "", nil, apperrors.NewInvalidAddressError("userAddress", user)
	}
	loader, ok := c.loaders[chainID]
	if !ok {
		return "", nil, apperrors.NewUnsupportedChainError(chainID)
	}
	return types.NormalizeAddress(user), loader, nil
}

// Load serves the user's portfolio, from the cache when fresh and from the
// chain otherwise
func (c *Controller) Load(ctx context.Context, user string, chainID types.ChainID) (*PortfolioView, error) {
	return c.run(ctx, user, chainID, false)
}

// Refresh drops the cached snapshot and reloads from the chain. The dropped
// snapshot is still served, marked stale, if the chain load fails.
func (c *Controller) Refresh(ctx context.Context, user string, chainID types.ChainID) (*PortfolioView, error) {
	return c.run(ctx, user, chainID, true)
}

func (c *Controller) run(ctx context.Context, user string, chainID types.ChainID, refresh bool) (*PortfolioView, error) {
	user, loader, err := c.resolve(user, chainID)
	if err != nil {
		return nil, err
	}
	key := models.PortfolioCacheKey(user, chainID)
	log := c.logger.WithFields(logging.Fields{"user": user, "chainId": uint64(chainID)})

	cycleCtx, token := c.begin(ctx, key, user, chainID)
	defer c.end(key, token)

	var stale *models.PortfolioCache
	cached, err := c.repo.GetPortfolio(cycleCtx, user, chainID)
	switch {
	case err == nil && !refresh:
		c.transition(key, token, StateCacheHit)
		return c.commit(key, token, &PortfolioView{Source: ViewFromCache, Portfolio: cached})
	case err == nil, errors.Is(err, storage.ErrExpired):
		stale = cached
	case errors.Is(err, storage.ErrNotFound), errors.Is(err, storage.ErrStoreUnavailable):
	default:
		log.WithError(err).Warn("Portfolio cache read failed")
	}

	if refresh {
		if err := c.repo.DeletePortfolio(cycleCtx, user, chainID); err != nil &&
			!errors.Is(err, storage.ErrNotFound) && !errors.Is(err, storage.ErrStoreUnavailable) {
			log.WithError(err).Warn("Failed to drop cached portfolio")
		}
	} else {
		c.transition(key, token, StateCacheMiss)
	}

	c.transition(key, token, StateLoadingFromChain)
	portfolio, stats, loadErr := loader.Load(cycleCtx, user)

	if !c.current(key, token) {
		metrics.StaleResultsDiscarded.Inc()
		log.WithField("session", token).Debug("Discarding superseded chain load")
		return nil, ErrSuperseded
	}

	if loadErr != nil {
		if ctx.Err() != nil {
			c.abandon(key, token)
			return nil, ctx.Err()
		}
		if stale != nil {
			log.WithError(loadErr).Warn("Chain load failed, serving stale snapshot")
			return c.commit(key, token, &PortfolioView{Source: ViewFromStaleCache, Stale: true, Degraded: true, Portfolio: stale, Stats: &stats})
		}
		if errors.Is(loadErr, ErrLoadFailed) && portfolio != nil {
			log.WithError(loadErr).Warn("Every pool failed, serving degraded portfolio")
			return c.commit(key, token, &PortfolioView{Source: ViewFromChain, Degraded: true, Portfolio: portfolio, Stats: &stats})
		}
		c.abandon(key, token)
		return nil, loadErr
	}

	if err := c.repo.PutPortfolio(ctx, portfolio); err != nil && !errors.Is(err, storage.ErrStoreUnavailable) {
		log.WithError(err).Warn("Failed to cache portfolio")
	}
	status := models.ChainStatus{ChainID: chainID, LastSyncedBlock: stats.Head, UpdatedAt: c.now().UnixMilli()}
	if err := c.repo.PutChainStatus(ctx, status); err != nil && !errors.Is(err, storage.ErrStoreUnavailable) {
		log.WithError(err).Debug("Failed to record chain status")
	}

	return c.commit(key, token, &PortfolioView{Source: ViewFromChain, Degraded: stats.Partial(), Portfolio: portfolio, Stats: &stats})
}

// begin starts a new cycle for the session, cancelling the previous one
func (c *Controller) begin(ctx context.Context, key, user string, chainID types.ChainID) (context.Context, uint64) {
	token := c.tokens.Add(1)
	cycleCtx, cancel := context.WithCancel(ctx)

	c.mu.Lock()
	s, ok := c.sessions[key]
	if !ok {
		s = &session{user: user, chainID: chainID, state: StateUninitialized}
		c.sessions[key] = s
	}
	if s.cancel != nil {
		s.cancel()
	}
	s.token = token
	s.cancel = cancel
	c.mu.Unlock()

	c.transition(key, token, StateLoadingFromCache)
	return cycleCtx, token
}

// end releases the cycle's context once it is no longer needed
func (c *Controller) end(key string, token uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if s, ok := c.sessions[key]; ok && s.token == token && s.cancel != nil {
		s.cancel()
		s.cancel = nil
	}
}

func (c *Controller) current(key string, token uint64) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	s, ok := c.sessions[key]
	return ok && s.token == token
}

// transition moves the session to state if token is still current
func (c *Controller) transition(key string, token uint64, state SessionState) bool {
	c.mu.Lock()
	s, ok := c.sessions[key]
	if !ok || s.token != token {
		c.mu.Unlock()
		return false
	}
	s.state = state
	c.mu.Unlock()

	metrics.SyncStateTransitions.WithLabelValues(string(state)).Inc()
	c.logger.WithFields(logging.Fields{"session": key, "state": string(state)}).Debug("Session state changed")
	return true
}

// abandon returns a failed cycle's session to its last settled state
func (c *Controller) abandon(key string, token uint64) {
	c.mu.Lock()
	s, ok := c.sessions[key]
	if !ok || s.token != token {
		c.mu.Unlock()
		return
	}
	state := StateUninitialized
	if s.view != nil {
		state = s.view.State
	}
	c.mu.Unlock()
	c.transition(key, token, state)
}

// commit publishes view as the session's result if token is still current
func (c *Controller) commit(key string, token uint64, view *PortfolioView) (*PortfolioView, error) {
	c.mu.Lock()
	s, ok := c.sessions[key]
	if !ok || s.token != token {
		c.mu.Unlock()
		metrics.StaleResultsDiscarded.Inc()
		return nil, ErrSuperseded
	}
	view.UserAddress = s.user
	view.ChainID = s.chainID
	view.State = StateReady
	view.Session = token
	view.CacheEnabled = c.repo.Available()
	s.state = StateReady
	s.view = view
	c.mu.Unlock()

	metrics.SyncStateTransitions.WithLabelValues(string(StateReady)).Inc()
	c.publish(*view)
	return view, nil
}

// ApplyConfirmedTrade patches the session's portfolio after a mined trade.
// The patched snapshot keeps its original expiry so the next load after the
// TTL reconciles it with chain state.
func (c *Controller) ApplyConfirmedTrade(ctx context.Context, trade TradeConfirmation) (*PortfolioView, error) {
	if err := trade.Validate(); err != nil {
		return nil, err
	}
	user, _, err := c.resolve(trade.UserAddress, trade.ChainID)
	if err != nil {
		return nil, err
	}
	key := models.PortfolioCacheKey(user, trade.ChainID)

	base := c.settledPortfolio(key)
	if base == nil {
		cached, err := c.repo.GetPortfolio(ctx, user, trade.ChainID)
		if err != nil && !errors.Is(err, storage.ErrExpired) {
			if errors.Is(err, storage.ErrNotFound) || errors.Is(err, storage.ErrStoreUnavailable) {
				return nil, apperrors.NewNotFoundError("portfolio", key)
			}
			return nil, apperrors.NewPersistenceError("read portfolio", err)
		}
		base = cached
	}

	patched, err := c.patch(base, trade, c.now())
	if err != nil {
		return nil, apperrors.NewInternalError("optimistic patch failed", err)
	}
	if err := c.repo.ReplacePortfolio(ctx, patched); err != nil && !errors.Is(err, storage.ErrStoreUnavailable) {
		c.logger.WithError(err).WithField("session", key).Warn("Failed to store patched portfolio")
	}

	c.mu.Lock()
	s, ok := c.sessions[key]
	if !ok {
		s = &session{user: user, chainID: trade.ChainID}
		c.sessions[key] = s
	}
	view := &PortfolioView{
		UserAddress:  user,
		ChainID:      trade.ChainID,
		State:        StateOptimisticallyUpdated,
		Source:       ViewFromPatch,
		Session:      s.token,
		CacheEnabled: c.repo.Available(),
		Portfolio:    patched,
	}
	s.state = StateOptimisticallyUpdated
	s.view = view
	c.mu.Unlock()

	metrics.SyncStateTransitions.WithLabelValues(string(StateOptimisticallyUpdated)).Inc()
	c.logger.WithFields(logging.Fields{"session": key, "txHash": trade.TxHash}).Info("Applied optimistic trade patch")
	c.publish(*view)
	return view, nil
}

// CachedPortfolios returns the user's stored snapshots on every supported
// chain, ordered by chain id. The chain is not read. Expired snapshots are
// included and marked stale.
func (c *Controller) CachedPortfolios(ctx context.Context, user string) ([]PortfolioView, error) {
	if !types.IsValidAddress(user) {
		return nil, apperrors.NewInvalidAddressError("userAddress", user)
	}
	out := make([]PortfolioView, 0)
	if !c.repo.Available() {
		return out, nil
	}

	stored, err := c.repo.ListPortfolios(ctx, user)
	if err != nil {
		return nil, apperrors.NewPersistenceError("list portfolios", err)
	}
	now := c.now()
	for i := range stored {
		p := stored[i]
		if _, ok := c.loaders[p.ChainID]; !ok {
			continue
		}
		source, stale := ViewFromCache, p.Expired(now)
		if stale {
			source = ViewFromStaleCache
		}
		out = append(out, PortfolioView{
			UserAddress:  p.UserAddress,
			ChainID:      p.ChainID,
			State:        c.State(p.UserAddress, p.ChainID),
			Source:       source,
			Stale:        stale,
			CacheEnabled: true,
			Portfolio:    &p,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ChainID < out[j].ChainID })
	return out, nil
}

func (c *Controller) settledPortfolio(key string) *models.PortfolioCache {
	c.mu.Lock()
	defer c.mu.Unlock()
	if s, ok := c.sessions[key]; ok && s.view != nil && s.view.Portfolio != nil {
		return s.view.Portfolio
	}
	return nil
}

// View returns the last published view of a session
func (c *Controller) View(user string, chainID types.ChainID) (*PortfolioView, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	s, ok := c.sessions[models.PortfolioCacheKey(user, chainID)]
	if !ok || s.view == nil {
		return nil, false
	}
	v := *s.view
	v.State = s.state
	return &v, true
}

// State returns the current state of a session
func (c *Controller) State(user string, chainID types.ChainID) SessionState {
	c.mu.Lock()
	defer c.mu.Unlock()
	if s, ok := c.sessions[models.PortfolioCacheKey(user, chainID)]; ok {
		return s.state
	}
	return StateUninitialized
}

// Subscribe returns a channel receiving every published view and a function
// that ends the subscription. Slow subscribers miss views.
func (c *Controller) Subscribe() (<-chan PortfolioView, func()) {
	c.subMu.Lock()
	defer c.subMu.Unlock()

	id := c.nextID
	c.nextID++
	ch := make(chan PortfolioView, 16)
	c.subs[id] = ch

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			c.subMu.Lock()
			defer c.subMu.Unlock()
			delete(c.subs, id)
			close(ch)
		})
	}
}

func (c *Controller) publish(v PortfolioView) {
	c.subMu.Lock()
	defer c.subMu.Unlock()
	for _, ch := range c.subs {
		select {
		case ch <- v:
		default:
		}
	}
}

// ClearCache drops every cached record, recreates the schema and resets all
// sessions. In-flight loads are cancelled and their results discarded.
func (c *Controller) ClearCache(ctx context.Context) error {
	if err := c.repo.Reinitialize(ctx); err != nil && !errors.Is(err, storage.ErrStoreUnavailable) {
		return apperrors.NewPersistenceError("reinitialize cache", err)
	}

	c.mu.Lock()
	for _, s := range c.sessions {
		if s.cancel != nil {
			s.cancel()
			s.cancel = nil
		}
		s.token = c.tokens.Add(1)
		s.state = StateUninitialized
		s.view = nil
	}
	c.mu.Unlock()

	c.logger.Info("Portfolio cache cleared")
	return nil
}

// Watch loads the portfolio of the provider's account and reloads whenever the
// account or chain changes, until ctx is done or the provider closes the
// subscription
func (c *Controller) Watch(ctx context.Context, provider AccountProvider) error {
	changes, unsubscribe := provider.Subscribe()
	defer unsubscribe()

	cancel := context.CancelFunc(func() {})
	trigger := func(a Account) {
		cancel()
		if !a.Connected() {
			return
		}
		var loadCtx context.Context
		loadCtx, cancel = context.WithCancel(ctx)
		go func() {
			_, err := c.Load(loadCtx, a.Address, a.ChainID)
			if err != nil && !errors.Is(err, context.Canceled) && !errors.Is(err, ErrSuperseded) {
				c.logger.WithError(err).WithField("user", a.Address).Warn("Account portfolio load failed")
			}
		}()
	}

	trigger(provider.Current())
	for {
		select {
		case <-ctx.Done():
			cancel()
			return ctx.Err()
		case a, ok := <-changes:
			if !ok {
				cancel()
				return nil
			}
			trigger(a)
		}
	}
}

// String renders the session key for logs
func (v PortfolioView) String() string {
	return fmt.Sprintf("%s (%s, %s)", models.PortfolioCacheKey(v.UserAddress, v.ChainID), v.State, v.Source)
}
