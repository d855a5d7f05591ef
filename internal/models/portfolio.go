package models

import (
	"fmt"
	"time"

	"github.com/perp-pool-portfolio/internal/types"
	"github.com/shopspring/decimal"
)

// PortfolioTotals are the rollup figures across all pools of a portfolio
type PortfolioTotals struct {
	TotalValue      decimal.Decimal `json:"totalValue"`
	TotalCostBasis  decimal.Decimal `json:"totalCostBasis"`
	TotalPnL        decimal.Decimal `json:"totalPnl"`
	TotalReturn     decimal.Decimal `json:"totalReturn"`
	ActivePools     int             `json:"activePools"`
	HistoricalPools int             `json:"historicalPools"`
}

// PortfolioCache is the persisted portfolio snapshot for one user on one chain.
// Timestamps are unix milliseconds.
type PortfolioCache struct {
	Key          string                 `json:"key"`
	UserAddress  string                 `json:"userAddress"`
	ChainID      types.ChainID          `json:"chainId"`
	Positions    []PortfolioPosition    `json:"positions"`
	Transactions []PortfolioTransaction `json:"transactions"`
	Pools        []PoolData             `json:"pools"`
	Totals       PortfolioTotals        `json:"totals"`
	BlockNumber  uint64                 `json:"blockNumber"`
	TTLMinutes   int                    `json:"ttlMinutes"`
	LastUpdated  int64                  `json:"lastUpdated"`
	ExpiresAt    int64                  `json:"expiresAt"`
}

// PortfolioCacheKey builds the composite `userAddress-chainId` key
func PortfolioCacheKey(user string, chainID types.ChainID) string {
	return fmt.Sprintf("%s-%d", types.NormalizeAddress(user), uint64(chainID))
}

// Stamp sets LastUpdated and derives ExpiresAt from the TTL
func (c *PortfolioCache) Stamp(now time.Time, ttlMinutes int) {
	c.TTLMinutes = ttlMinutes
	c.LastUpdated = now.UnixMilli()
	c.ExpiresAt = c.LastUpdated + int64(ttlMinutes)*60_000
}

// Expired reports whether the snapshot must be treated as a cache miss
func (c *PortfolioCache) Expired(now time.Time) bool {
	return now.UnixMilli() >= c.ExpiresAt
}

// Position returns the position for a token, if present
func (c *PortfolioCache) Position(token string) (int, bool) {
	for i := range c.Positions {
		if types.SameAddress(c.Positions[i].TokenAddress, token) {
			return i, true
		}
	}
	return -1, false
}

// RecomputeTotals refreshes the rollup from the pool list
func (c *PortfolioCache) RecomputeTotals() {
	totals := PortfolioTotals{}
	for _, p := range c.Pools {
		totals.TotalValue = totals.TotalValue.Add(p.TotalValue)
		totals.TotalCostBasis = totals.TotalCostBasis.Add(p.TotalCostBasis)
		totals.TotalPnL = totals.TotalPnL.Add(p.TotalPnL)
		switch p.Status {
		case types.PoolActive:
			totals.ActivePools++
		case types.PoolHistorical:
			totals.HistoricalPools++
		}
	}
	totals.TotalReturn = PercentOf(totals.TotalPnL, totals.TotalCostBasis)
	c.Totals = totals
}

var hundred = decimal.NewFromInt(100)

// PercentOf returns numerator/denominator*100, zero when the denominator is zero
func PercentOf(numerator, denominator decimal.Decimal) decimal.Decimal {
	if denominator.IsZero() {
		return decimal.Zero
	}
	return numerator.Div(denominator).Mul(hundred)
}
