package adapter

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum"
	ethtypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"
	"golang.org/x/time/rate"

	"github.com/perp-pool-portfolio/internal/circuitbreaker"
	"github.com/perp-pool-portfolio/internal/config"
	"github.com/perp-pool-portfolio/internal/logging"
	"github.com/perp-pool-portfolio/internal/metrics"
	"github.com/perp-pool-portfolio/internal/ratelimit"
	"github.com/perp-pool-portfolio/internal/types"
)

// EVMClient implements ChainClient over one or more JSON-RPC endpoints.
// Calls go through the chain's circuit breaker; connection-level failures
// rotate to the next endpoint before the call is reported as failed.
type EVMClient struct {
	chainID  types.ChainID
	provider *RPCProvider
	breaker  *circuitbreaker.CircuitBreaker
	logger   *logging.Logger
	closers  []func()
}

var _ ChainClient = (*EVMClient)(nil)

// NewEVMClient assembles a client from an existing provider and breaker
func NewEVMClient(chainID types.ChainID, provider *RPCProvider, breaker *circuitbreaker.CircuitBreaker, logger *logging.Logger) *EVMClient {
	if logger == nil {
		logger = logging.GetGlobalLogger()
	}
	if breaker == nil {
		cfg := BreakerConfig(chainID.String())
		breaker = circuitbreaker.NewCircuitBreaker(&cfg)
	}
	return &EVMClient{
		chainID:  chainID,
		provider: provider,
		breaker:  breaker,
		logger:   logger.WithComponent("chain").WithField("chainId", uint64(chainID)),
	}
}

// BreakerConfig is the breaker template for chain clients. Range rejections,
// reverts and cancellations do not count against endpoint health.
func BreakerConfig(name string) circuitbreaker.Config {
	cfg := *circuitbreaker.DefaultConfig(name)
	cfg.IsFailure = func(err error) bool {
		return !IsRangeTooLarge(err) &&
			!isExecutionReverted(err) &&
			!errors.Is(err, context.Canceled)
	}
	cfg.OnStateChange = func(name string, _, to circuitbreaker.State) {
		metrics.CircuitBreakerState.WithLabelValues(name).Set(metrics.BreakerStateValue(string(to)))
	}
	return cfg
}

// DialEVMClient dials the configured endpoints for a chain. Every endpoint
// shares limiter; breakers supplies the chain's circuit breaker.
func DialEVMClient(ctx context.Context, chainID types.ChainID, cfg config.ChainConfig, limiter *rate.Limiter, breakers *circuitbreaker.Manager, logger *logging.Logger) (*EVMClient, error) {
	urls := make([]string, 0, 2)
	for _, u := range []string{cfg.RPCPrimary, cfg.RPCSecondary} {
		if u != "" {
			urls = append(urls, u)
		}
	}
	if len(urls) == 0 {
		return nil, NewAdapterError(chainID, "Dial", ErrNoEndpoints, nil)
	}

	endpoints := make([]Endpoint, 0, len(urls))
	closers := make([]func(), 0, len(urls))
	for _, u := range urls {
		raw, err := ethclient.DialContext(ctx, u)
		if err != nil {
			for _, c := range closers {
				c()
			}
			return nil, NewAdapterError(chainID, "Dial", err, map[string]interface{}{"url": redactURL(u)})
		}
		closers = append(closers, raw.Close)

		var client ratelimit.EthClient = raw
		if limiter != nil {
			limited, err := ratelimit.NewRateLimitedClient(&ratelimit.RateLimitedClientConfig{
				Client:  raw,
				Limiter: limiter,
				Logger:  logger,
			})
			if err != nil {
				for _, c := range closers {
					c()
				}
				return nil, NewAdapterError(chainID, "Dial", err, nil)
			}
			client = limited
		}
		endpoints = append(endpoints, Endpoint{URL: u, Client: client})
	}

	provider, err := NewRPCProvider(endpoints...)
	if err != nil {
		return nil, NewAdapterError(chainID, "Dial", err, nil)
	}

	var breaker *circuitbreaker.CircuitBreaker
	if breakers != nil {
		breaker = breakers.Get(chainID.String())
	}
	client := NewEVMClient(chainID, provider, breaker, logger)
	client.closers = closers
	return client, nil
}

// ChainID returns the chain identifier
func (c *EVMClient) ChainID() types.ChainID {
	return c.chainID
}

// Available reports whether the chain breaker currently admits calls
func (c *EVMClient) Available() bool {
	return c.breaker.State() != circuitbreaker.StateOpen
}

// Health returns per-endpoint health for status pages
func (c *EVMClient) Health() []EndpointHealth {
	return c.provider.Health()
}

// BreakerStats returns the chain breaker statistics
func (c *EVMClient) BreakerStats() circuitbreaker.Stats {
	return c.breaker.Stats()
}

// BlockNumber returns the current head block
func (c *EVMClient) BlockNumber(ctx context.Context) (uint64, error) {
	var head uint64
	err := c.execute(ctx, ratelimit.MethodEthBlockNumber, func(ctx context.Context, client ratelimit.EthClient) error {
		n, err := client.BlockNumber(ctx)
		head = n
		return err
	})
	if err != nil {
		return 0, NewAdapterError(c.chainID, "BlockNumber", err, nil)
	}
	return head, nil
}

// FilterLogs runs eth_getLogs
func (c *EVMClient) FilterLogs(ctx context.Context, q ethereum.FilterQuery) ([]ethtypes.Log, error) {
	var logs []ethtypes.Log
	err := c.execute(ctx, ratelimit.MethodEthGetLogs, func(ctx context.Context, client ratelimit.EthClient) error {
		out, err := client.FilterLogs(ctx, q)
		logs = out
		return err
	})
	if err != nil {
		details := map[string]interface{}{}
		if q.FromBlock != nil {
			details["fromBlock"] = q.FromBlock.String()
		}
		if q.ToBlock != nil {
			details["toBlock"] = q.ToBlock.String()
		}
		return nil, NewAdapterError(c.chainID, "FilterLogs", err, details)
	}
	return logs, nil
}

// CallContract runs eth_call
func (c *EVMClient) CallContract(ctx context.Context, msg ethereum.CallMsg, blockNumber *big.Int) ([]byte, error) {
	var out []byte
	err := c.execute(ctx, ratelimit.MethodEthCall, func(ctx context.Context, client ratelimit.EthClient) error {
		b, err := client.CallContract(ctx, msg, blockNumber)
		out = b
		return err
	})
	if err != nil {
		var details map[string]interface{}
		if msg.To != nil {
			details = map[string]interface{}{"to": msg.To.Hex()}
		}
		return nil, NewAdapterError(c.chainID, "CallContract", err, details)
	}
	return out, nil
}

// Close releases the underlying RPC connections
func (c *EVMClient) Close() {
	for _, closeFn := range c.closers {
		closeFn()
	}
}

// execute runs fn through the breaker, rotating endpoints on connection-level errors
func (c *EVMClient) execute(ctx context.Context, method string, fn func(context.Context, ratelimit.EthClient) error) error {
	err := c.breaker.Execute(ctx, func(ctx context.Context) error {
		return c.tryEndpoints(ctx, method, fn)
	})
	if errors.Is(err, circuitbreaker.ErrCircuitOpen) || errors.Is(err, circuitbreaker.ErrTooManyRequests) {
		metrics.RPCRequestsTotal.WithLabelValues(c.chainID.String(), method, "rejected").Inc()
		return fmt.Errorf("%w: %v", ErrChainUnavailable, err)
	}
	return err
}

func (c *EVMClient) tryEndpoints(ctx context.Context, method string, fn func(context.Context, ratelimit.EthClient) error) error {
	chain := c.chainID.String()
	var lastErr error

	for attempt := 0; attempt < c.provider.Len(); attempt++ {
		ep := c.provider.Current()
		start := time.Now()
		err := fn(ctx, ep.Client)

		switch {
		case err == nil:
			c.provider.RecordSuccess(time.Since(start))
			metrics.RPCRequestsTotal.WithLabelValues(chain, method, "ok").Inc()
			return nil
		case IsRangeTooLarge(err):
			// the endpoint answered; the query was the problem
			c.provider.RecordSuccess(time.Since(start))
			metrics.RPCRequestsTotal.WithLabelValues(chain, method, "range_limit").Inc()
			return fmt.Errorf("%w: %v", ErrRangeTooLarge, err)
		case isExecutionReverted(err):
			c.provider.RecordSuccess(time.Since(start))
			metrics.RPCRequestsTotal.WithLabelValues(chain, method, "reverted").Inc()
			return fmt.Errorf("%w: %v", ErrExecutionReverted, err)
		}

		c.provider.RecordFailure()
		metrics.RPCRequestsTotal.WithLabelValues(chain, method, "error").Inc()
		lastErr = err

		if ctx.Err() != nil || !shouldFailover(err) {
			return err
		}
		if ferr := c.provider.Failover(); ferr != nil {
			return err
		}
		c.logger.WithFields(logging.Fields{
			"method":   method,
			"endpoint": redactURL(c.provider.Current().URL),
		}).WithError(err).Warn("Failing over to next RPC endpoint")
	}
	return lastErr
}
