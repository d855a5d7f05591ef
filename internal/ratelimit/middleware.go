package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"
	"golang.org/x/time/rate"

	"github.com/perp-pool-portfolio/internal/logging"
	"github.com/perp-pool-portfolio/internal/metrics"
)

// DefaultMaxWait bounds how long a single call may wait for budget.
const DefaultMaxWait = 30 * time.Second

// ErrMaxWaitExceeded is returned when budget would not be available within MaxWait.
var ErrMaxWaitExceeded = errors.New("maximum wait time exceeded waiting for rate limit budget")

// EthClient is the subset of the go-ethereum client the portfolio engine calls.
type EthClient interface {
	BlockNumber(ctx context.Context) (uint64, error)
	FilterLogs(ctx context.Context, q ethereum.FilterQuery) ([]types.Log, error)
	CallContract(ctx context.Context, msg ethereum.CallMsg, blockNumber *big.Int) ([]byte, error)
}

var _ EthClient = (*ethclient.Client)(nil)

// RateLimitedClient wraps an EthClient and draws each call's cost from a
// shared token bucket before forwarding it.
type RateLimitedClient struct {
	underlying   EthClient
	limiter      *rate.Limiter
	costRegistry *CostRegistry
	maxWait      time.Duration
	logger       *logging.Logger
}

// RateLimitedClientConfig holds configuration for the rate-limited client.
type RateLimitedClientConfig struct {
	// Client is the underlying Ethereum client to wrap. Required.
	Client EthClient

	// Limiter is the token bucket, usually shared by every client of one
	// RPC key. Its burst must cover the most expensive method. Required.
	Limiter *rate.Limiter

	// CostRegistry defaults to NewCostRegistry(nil).
	CostRegistry *CostRegistry

	// MaxWait defaults to DefaultMaxWait.
	MaxWait time.Duration

	Logger *logging.Logger
}

// Validate checks if the configuration is valid.
func (c *RateLimitedClientConfig) Validate() error {
	if c.Client == nil {
		return errors.New("underlying client is required")
	}
	if c.Limiter == nil {
		return errors.New("limiter is required")
	}
	registry := c.CostRegistry
	if registry == nil {
		registry = NewCostRegistry(nil)
	}
	if c.Limiter.Limit() != rate.Inf && c.Limiter.Burst() < registry.MaxCost() {
		return fmt.Errorf("limiter burst %d is below the largest method cost %d", c.Limiter.Burst(), registry.MaxCost())
	}
	return nil
}

// NewLimiter builds a token bucket refilled at unitsPerSecond.
func NewLimiter(unitsPerSecond float64, burst int) *rate.Limiter {
	if unitsPerSecond <= 0 {
		return rate.NewLimiter(rate.Inf, burst)
	}
	return rate.NewLimiter(rate.Limit(unitsPerSecond), burst)
}

// NewRateLimitedClient creates a rate-limited RPC client.
func NewRateLimitedClient(cfg *RateLimitedClientConfig) (*RateLimitedClient, error) {
	if cfg == nil {
		return nil, errors.New("configuration is required")
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	registry := cfg.CostRegistry
	if registry == nil {
		registry = NewCostRegistry(nil)
	}
	maxWait := cfg.MaxWait
	if maxWait == 0 {
		maxWait = DefaultMaxWait
	}
	logger := cfg.Logger
	if logger == nil {
		logger = logging.GetGlobalLogger()
	}

	return &RateLimitedClient{
		underlying:   cfg.Client,
		limiter:      cfg.Limiter,
		costRegistry: registry,
		maxWait:      maxWait,
		logger:       logger.WithComponent("ratelimit"),
	}, nil
}

// waitForBudget reserves cost units and sleeps until they are available.
// The reservation is cancelled when the wait would exceed maxWait or ctx ends.
func (c *RateLimitedClient) waitForBudget(ctx context.Context, method string) error {
	cost := c.costRegistry.GetCost(method)
	start := time.Now()

	reservation := c.limiter.ReserveN(start, cost)
	if !reservation.OK() {
		return fmt.Errorf("%s: cost %d exceeds limiter burst", method, cost)
	}

	delay := reservation.DelayFrom(start)
	if delay > c.maxWait {
		reservation.Cancel()
		c.logger.WithFields(logging.Fields{"method": method, "cost": cost, "delay": delay.String()}).
			Warn("Rate limit wait exceeds max wait")
		return ErrMaxWaitExceeded
	}
	if delay == 0 {
		metrics.RPCRateLimitWait.WithLabelValues(method).Observe(0)
		return nil
	}

	c.logger.WithFields(logging.Fields{"method": method, "cost": cost, "delay": delay.String()}).
		Debug("Waiting for rate limit budget")

	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		reservation.Cancel()
		return ctx.Err()
	case <-timer.C:
		metrics.RPCRateLimitWait.WithLabelValues(method).Observe(time.Since(start).Seconds())
		return nil
	}
}

// BlockNumber wraps eth_blockNumber with rate limiting.
func (c *RateLimitedClient) BlockNumber(ctx context.Context) (uint64, error) {
	if err := c.waitForBudget(ctx, MethodEthBlockNumber); err != nil {
		return 0, fmt.Errorf("rate limit: %w", err)
	}
	return c.underlying.BlockNumber(ctx)
}

// FilterLogs wraps eth_getLogs with rate limiting.
func (c *RateLimitedClient) FilterLogs(ctx context.Context, q ethereum.FilterQuery) ([]types.Log, error) {
	if err := c.waitForBudget(ctx, MethodEthGetLogs); err != nil {
		return nil, fmt.Errorf("rate limit: %w", err)
	}
	return c.underlying.FilterLogs(ctx, q)
}

// CallContract wraps eth_call with rate limiting.
func (c *RateLimitedClient) CallContract(ctx context.Context, msg ethereum.CallMsg, blockNumber *big.Int) ([]byte, error) {
	if err := c.waitForBudget(ctx, MethodEthCall); err != nil {
		return nil, fmt.Errorf("rate limit: %w", err)
	}
	return c.underlying.CallContract(ctx, msg, blockNumber)
}

// Underlying returns the wrapped client.
func (c *RateLimitedClient) Underlying() EthClient {
	return c.underlying
}
