// Package ratelimit paces upstream RPC calls with a weighted token bucket.
package ratelimit

import (
	"sync"
)

// Default request-unit costs. eth_getLogs over a wide block range is by far
// the most expensive call the fetcher makes, so it draws the most budget.
const (
	DefaultCost = 20

	CostEthBlockNumber = 10
	CostEthCall        = 26
	CostEthGetLogs     = 75
)

// RPC method names
const (
	MethodEthBlockNumber = "eth_blockNumber"
	MethodEthCall        = "eth_call"
	MethodEthGetLogs     = "eth_getLogs"
)

// CostRegistry maps RPC methods to their request-unit cost.
// It is safe for concurrent use.
type CostRegistry struct {
	mu          sync.RWMutex
	costs       map[string]int
	defaultCost int
}

// CostRegistryConfig holds configuration for the registry.
type CostRegistryConfig struct {
	// DefaultCost applies to unknown methods. Zero keeps DefaultCost.
	DefaultCost int

	// Overrides replaces built-in costs for specific methods.
	Overrides map[string]int
}

// NewCostRegistry creates a registry with the default costs; cfg may be nil.
func NewCostRegistry(cfg *CostRegistryConfig) *CostRegistry {
	costs := map[string]int{
		MethodEthBlockNumber: CostEthBlockNumber,
		MethodEthCall:        CostEthCall,
		MethodEthGetLogs:     CostEthGetLogs,
	}
	defaultCost := DefaultCost

	if cfg != nil {
		if cfg.DefaultCost > 0 {
			defaultCost = cfg.DefaultCost
		}
		for method, cost := range cfg.Overrides {
			if cost > 0 {
				costs[method] = cost
			}
		}
	}

	return &CostRegistry{costs: costs, defaultCost: defaultCost}
}

// GetCost returns the cost for an RPC method, or the default for unknown methods.
func (r *CostRegistry) GetCost(method string) int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if cost, ok := r.costs[method]; ok {
		return cost
	}
	return r.defaultCost
}

// SetCost updates a method's cost at runtime. Non-positive costs are ignored.
func (r *CostRegistry) SetCost(method string, cost int) {
	if cost <= 0 {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.costs[method] = cost
}

// MaxCost returns the largest configured cost, including the default.
func (r *CostRegistry) MaxCost() int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	max := r.defaultCost
	for _, c := range r.costs {
		if c > max {
			max = c
		}
	}
	return max
}
