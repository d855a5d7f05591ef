package models

import (
	"github.com/perp-pool-portfolio/internal/types"
	"github.com/shopspring/decimal"
)

// PoolDetails is slow-changing pool metadata, keyed by pool address.
// Timestamps are unix milliseconds.
type PoolDetails struct {
	Address       string          `json:"address"`
	ChainID       types.ChainID   `json:"chainId"`
	Name          string          `json:"name"`
	Creator       string          `json:"creator"`
	AssetAddress  string          `json:"assetAddress"`
	AssetSymbol   string          `json:"assetSymbol"`
	AssetDecimals uint8           `json:"assetDecimals"`
	BullToken     string          `json:"bullToken"`
	BearToken     string          `json:"bearToken"`
	MintFee       decimal.Decimal `json:"mintFee"`
	BurnFee       decimal.Decimal `json:"burnFee"`
	CreatorFee    decimal.Decimal `json:"creatorFee"`
	TreasuryFee   decimal.Decimal `json:"treasuryFee"`
	CreatedAt     int64           `json:"createdAt"`
	UpdatedAt     int64           `json:"updatedAt"`
}

// SameContent compares everything except the bookkeeping timestamps
func (p PoolDetails) SameContent(o PoolDetails) bool {
	return types.SameAddress(p.Address, o.Address) &&
		p.ChainID == o.ChainID &&
		p.Name == o.Name &&
		types.NormalizeAddress(p.Creator) == types.NormalizeAddress(o.Creator) &&
		types.NormalizeAddress(p.AssetAddress) == types.NormalizeAddress(o.AssetAddress) &&
		p.AssetSymbol == o.AssetSymbol &&
		p.AssetDecimals == o.AssetDecimals &&
		types.NormalizeAddress(p.BullToken) == types.NormalizeAddress(o.BullToken) &&
		types.NormalizeAddress(p.BearToken) == types.NormalizeAddress(o.BearToken) &&
		p.MintFee.Equal(o.MintFee) &&
		p.BurnFee.Equal(o.BurnFee) &&
		p.CreatorFee.Equal(o.CreatorFee) &&
		p.TreasuryFee.Equal(o.TreasuryFee)
}

// Info projects the fields needed by the position aggregator
func (p PoolDetails) Info(bullSymbol, bearSymbol string) PoolInfo {
	return PoolInfo{
		Address:     p.Address,
		Name:        p.Name,
		Creator:     p.Creator,
		BullToken:   p.BullToken,
		BearToken:   p.BearToken,
		BullSymbol:  bullSymbol,
		BearSymbol:  bearSymbol,
		AssetSymbol: p.AssetSymbol,
	}
}

// TokenDetails is bull/bear token metadata, keyed by token address
type TokenDetails struct {
	Address     string          `json:"address"`
	ChainID     types.ChainID   `json:"chainId"`
	PoolAddress string          `json:"poolAddress"`
	TokenType   types.TokenType `json:"tokenType"`
	Name        string          `json:"name"`
	Symbol      string          `json:"symbol"`
	Decimals    uint8           `json:"decimals"`
	CreatedAt   int64           `json:"createdAt"`
	UpdatedAt   int64           `json:"updatedAt"`
}

// SameContent compares everything except the bookkeeping timestamps
func (t TokenDetails) SameContent(o TokenDetails) bool {
	return types.SameAddress(t.Address, o.Address) &&
		t.ChainID == o.ChainID &&
		types.NormalizeAddress(t.PoolAddress) == types.NormalizeAddress(o.PoolAddress) &&
		t.TokenType == o.TokenType &&
		t.Name == o.Name &&
		t.Symbol == o.Symbol &&
		t.Decimals == o.Decimals
}

// ChainStatus records the last block a portfolio reconciliation observed on a chain
type ChainStatus struct {
	ChainID         types.ChainID `json:"chainId"`
	LastSyncedBlock uint64        `json:"lastSyncedBlock"`
	UpdatedAt       int64         `json:"updatedAt"`
}
