package models

import (
	"fmt"

	"github.com/perp-pool-portfolio/internal/types"
	"github.com/shopspring/decimal"
)

// ValuationSource records how a PositionMetrics value was produced
type ValuationSource string

const (
	// SourceLedger means the FIFO replay over the event ledger ran
	SourceLedger ValuationSource = "ledger"
	// SourceNoHistory means the user holds tokens but no events were found
	SourceNoHistory ValuationSource = "no_history"
	// SourceNeverHeld means no events and no balance
	SourceNeverHeld ValuationSource = "never_held"
	// SourceDegraded means the replay failed and the spot fallback was used
	SourceDegraded ValuationSource = "degraded"
	// SourceOptimistic means the figures were patched after a confirmed trade
	// and are stale until the next reconciliation
	SourceOptimistic ValuationSource = "optimistic"
)

// PositionMetrics is the valuation of one bull or bear token holding
type PositionMetrics struct {
	Balance         decimal.Decimal `json:"balance"`
	Price           decimal.Decimal `json:"price"`
	CurrentValue    decimal.Decimal `json:"currentValue"`
	CostBasis       decimal.Decimal `json:"costBasis"`
	PnL             decimal.Decimal `json:"pnl"`
	RealizedPnL     decimal.Decimal `json:"realizedPnl"`
	UnrealizedPnL   decimal.Decimal `json:"unrealizedPnl"`
	Returns         decimal.Decimal `json:"returns"`
	TotalFeesPaid   decimal.Decimal `json:"totalFeesPaid"`
	NetInvestment   decimal.Decimal `json:"netInvestment"`
	GrossInvestment decimal.Decimal `json:"grossInvestment"`
	Source          ValuationSource `json:"source"`
	OpenLots        []Lot           `json:"openLots,omitempty"`
}

// HasBalance reports a non-zero token balance
func (m PositionMetrics) HasBalance() bool {
	return m.Balance.IsPositive()
}

// PortfolioPosition is the cached valuation of a token for a user on a chain.
// Keyed by (UserAddress, TokenAddress, ChainID).
type PortfolioPosition struct {
	UserAddress  string          `json:"userAddress"`
	TokenAddress string          `json:"tokenAddress"`
	ChainID      types.ChainID   `json:"chainId"`
	PoolAddress  string          `json:"poolAddress"`
	TokenType    types.TokenType `json:"tokenType"`
	PositionMetrics
	LastUpdated int64  `json:"lastUpdated"`
	BlockNumber uint64 `json:"blockNumber"`
}

// Key returns the composite primary key of the position
func (p PortfolioPosition) Key() string {
	return PositionKey(p.UserAddress, p.TokenAddress, p.ChainID)
}

// PositionKey builds the composite position key
func PositionKey(user, token string, chainID types.ChainID) string {
	return fmt.Sprintf("%s-%s-%d", types.NormalizeAddress(user), types.NormalizeAddress(token), uint64(chainID))
}

// PortfolioTransaction is a ledger entry stored with a portfolio snapshot
type PortfolioTransaction struct {
	ID          string          `json:"id"`
	PoolAddress string          `json:"poolAddress"`
	TokenType   types.TokenType `json:"tokenType"`
	Optimistic  bool            `json:"optimistic,omitempty"`
	Transaction
}

// PoolInfo is the static part of a pool needed to aggregate positions
type PoolInfo struct {
	Address     string `json:"address"`
	Name        string `json:"name"`
	Creator     string `json:"creator"`
	BullToken   string `json:"bullToken"`
	BearToken   string `json:"bearToken"`
	BullSymbol  string `json:"bullSymbol"`
	BearSymbol  string `json:"bearSymbol"`
	AssetSymbol string `json:"assetSymbol"`
}

// PoolData is the pool-level rollup of a user's bull and bear positions
type PoolData struct {
	Pool           PoolInfo         `json:"pool"`
	Bull           PositionMetrics  `json:"bull"`
	Bear           PositionMetrics  `json:"bear"`
	BullError      string           `json:"bullError,omitempty"`
	BearError      string           `json:"bearError,omitempty"`
	TotalValue     decimal.Decimal  `json:"totalValue"`
	TotalCostBasis decimal.Decimal  `json:"totalCostBasis"`
	TotalPnL       decimal.Decimal  `json:"totalPnl"`
	TotalReturn    decimal.Decimal  `json:"totalReturn"`
	Status         types.PoolStatus `json:"status"`
	IsCreator      bool             `json:"isCreator"`
}
