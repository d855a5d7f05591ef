package service

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	apperrors "github.com/perp-pool-portfolio/internal/errors"
	"github.com/perp-pool-portfolio/internal/models"
	"github.com/perp-pool-portfolio/internal/types"
)

// TradeConfirmation describes a buy or sell the wallet reported as mined
type TradeConfirmation struct {
	UserAddress  string                `json:"userAddress"`
	ChainID      types.ChainID         `json:"chainId"`
	TxHash       string                `json:"txHash"`
	Confirmed    bool                  `json:"confirmed"`
	PoolAddress  string                `json:"poolAddress"`
	TokenAddress string                `json:"tokenAddress"`
	TokenType    types.TokenType       `json:"tokenType"`
	Type         types.TransactionType `json:"type"`
	AmountAsset  decimal.Decimal       `json:"amountAsset"`
	AmountCoin   decimal.Decimal       `json:"amountCoin"`
	FeePaid      decimal.Decimal       `json:"feePaid"`
	BlockNumber  uint64                `json:"blockNumber"`
	LogIndex     uint32                `json:"logIndex"`
}

// Validate checks the trade before any patch is attempted. Unconfirmed
// trades are rejected.
func (t TradeConfirmation) Validate() error {
	if !t.Confirmed {
		return apperrors.NewUnconfirmedTradeError(t.TxHash)
	}
	if t.TxHash == "" {
		return apperrors.NewInvalidParameterError("txHash", "is required")
	}
	if !types.IsValidAddress(t.UserAddress) {
		return apperrors.NewInvalidAddressError("userAddress", t.UserAddress)
	}
	if !types.IsValidAddress(t.TokenAddress) {
		return apperrors.NewInvalidAddressError("tokenAddress", t.TokenAddress)
	}
	if t.PoolAddress != "" && !types.IsValidAddress(t.PoolAddress) {
		return apperrors.NewInvalidAddressError("poolAddress", t.PoolAddress)
	}
	if t.Type != types.TxBuy && t.Type != types.TxSell {
		return apperrors.NewInvalidParameterError("type", fmt.Sprintf("must be %s or %s", types.TxBuy, types.TxSell))
	}
	if t.TokenType != "" && !t.TokenType.Valid() {
		return apperrors.NewInvalidParameterError("tokenType", "must be bull or bear")
	}
	if !t.AmountCoin.IsPositive() {
		return apperrors.NewInvalidParameterError("amountCoin", "must be positive")
	}
	if t.AmountAsset.IsNegative() || t.FeePaid.IsNegative() {
		return apperrors.NewInvalidParameterError("amountAsset", "amounts must not be negative")
	}
	return nil
}

// PatchFunc applies a confirmed trade to a cached portfolio and returns the
// patched copy. It must not modify c.
type PatchFunc func(c *models.PortfolioCache, trade TradeConfirmation, now time.Time) (*models.PortfolioCache, error)

// ApplyTradePatch is the default PatchFunc. It moves the position balance by
// the traded amount, appends an optimistic ledger entry and reclassifies the
// pool. Value and P&L figures are left as they were until the next
// reconciliation. A trade already in the ledger, identified by token, hash
// and log index, leaves the portfolio unchanged.
func ApplyTradePatch(c *models.PortfolioCache, trade TradeConfirmation, now time.Time) (*models.PortfolioCache, error) {
	if c == nil {
		return nil, fmt.Errorf("no portfolio to patch")
	}
	out := *c
	out.Positions = append([]models.PortfolioPosition(nil), c.Positions...)
	out.Transactions = append([]models.PortfolioTransaction(nil), c.Transactions...)
	out.Pools = append([]models.PoolData(nil), c.Pools...)

	token := types.NormalizeAddress(trade.TokenAddress)
	tx := models.NewTransaction(token, trade.TxHash, trade.BlockNumber, trade.LogIndex, trade.Type,
		trade.AmountAsset, trade.AmountCoin, trade.FeePaid)
	for _, seen := range out.Transactions {
		if seen.Transaction.ID() == tx.ID() {
			return &out, nil
		}
	}

	pool := types.NormalizeAddress(trade.PoolAddress)
	idx, ok := out.Position(token)
	if !ok {
		out.Positions = append(out.Positions, models.PortfolioPosition{
			UserAddress:  types.NormalizeAddress(out.UserAddress),
			TokenAddress: token,
			ChainID:      out.ChainID,
			PoolAddress:  pool,
			TokenType:    trade.TokenType,
		})
		idx = len(out.Positions) - 1
	}
	pos := &out.Positions[idx]
	if pool == "" {
		pool = pos.PoolAddress
	}
	side := trade.TokenType
	if side == "" {
		side = pos.TokenType
	}

	pos.Balance = shiftBalance(pos.Balance, trade)
	pos.Source = models.SourceOptimistic
	pos.LastUpdated = now.UnixMilli()
	if trade.BlockNumber > pos.BlockNumber {
		pos.BlockNumber = trade.BlockNumber
	}

	if pool != "" {
		patchPool(&out, pool, token, side, pos.Balance)
	}

	tx.CachedAt = now.UnixMilli()
	out.Transactions = append(out.Transactions, models.PortfolioTransaction{
		ID:          uuid.NewString(),
		PoolAddress: pool,
		TokenType:   side,
		Optimistic:  true,
		Transaction: tx,
	})
	return &out, nil
}

// patchPool moves one side's balance in the pool rollup, adding the pool when
// the portfolio did not list it, then reclassifies and reorders the pools.
func patchPool(out *models.PortfolioCache, pool, token string, side types.TokenType, balance decimal.Decimal) {
	i := -1
	for j := range out.Pools {
		if types.SameAddress(out.Pools[j].Pool.Address, pool) {
			i = j
			break
		}
	}
	if i < 0 {
		info := models.PoolInfo{Address: pool}
		switch side {
		case types.TokenBull:
			info.BullToken = token
		case types.TokenBear:
			info.BearToken = token
		}
		out.Pools = append(out.Pools, models.PoolData{Pool: info})
		i = len(out.Pools) - 1
	}

	p := &out.Pools[i]
	switch side {
	case types.TokenBull:
		p.Bull.Balance = balance
		p.Bull.Source = models.SourceOptimistic
	case types.TokenBear:
		p.Bear.Balance = balance
		p.Bear.Source = models.SourceOptimistic
	}
	p.Status = ClassifyPool(p.Bull, p.Bear)

	out.Pools = PortfolioPools(out.Pools)
	out.RecomputeTotals()
}

// shiftBalance adds bought coins or removes sold coins, never below zero
func shiftBalance(balance decimal.Decimal, trade TradeConfirmation) decimal.Decimal {
	if trade.Type == types.TxBuy {
		return balance.Add(trade.AmountCoin)
	}
	next := balance.Sub(trade.AmountCoin)
	if next.IsNegative() {
		return decimal.Zero
	}
	return next
}
