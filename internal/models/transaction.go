package models

import (
	"fmt"
	"sort"
	"strings"

	"github.com/perp-pool-portfolio/internal/types"
	"github.com/shopspring/decimal"
)

// Transaction is a single Buy or Sell decoded from a pool token's event log.
// Identity is (TokenAddress, TransactionHash, LogIndex).
type Transaction struct {
	TokenAddress    string                `json:"tokenAddress"`
	TransactionHash string                `json:"transactionHash"`
	BlockNumber     uint64                `json:"blockNumber"`
	LogIndex        uint32                `json:"logIndex"`
	Type            types.TransactionType `json:"type"`
	AmountAsset     decimal.Decimal       `json:"amountAsset"`
	AmountCoin      decimal.Decimal       `json:"amountCoin"`
	FeePaid         decimal.Decimal       `json:"feePaid"`
	Price           decimal.Decimal       `json:"price"`
	CachedAt        int64                 `json:"cachedAt,omitempty"`
}

// NewTransaction builds a transaction with its derived price
func NewTransaction(token, hash string, block uint64, logIndex uint32, txType types.TransactionType,
	amountAsset, amountCoin, fee decimal.Decimal) Transaction {
	return Transaction{
		TokenAddress:    types.NormalizeAddress(token),
		TransactionHash: hash,
		BlockNumber:     block,
		LogIndex:        logIndex,
		Type:            txType,
		AmountAsset:     amountAsset,
		AmountCoin:      amountCoin,
		FeePaid:         fee,
		Price:           UnitPrice(amountAsset, amountCoin),
	}
}

// UnitPrice is amountAsset / amountCoin, or zero when no coins moved
func UnitPrice(amountAsset, amountCoin decimal.Decimal) decimal.Decimal {
	if amountCoin.IsZero() {
		return decimal.Zero
	}
	return amountAsset.Div(amountCoin)
}

// ID returns the composite identity of the transaction
func (t Transaction) ID() string {
	return fmt.Sprintf("%s:%s:%d", strings.ToLower(t.TokenAddress), strings.ToLower(t.TransactionHash), t.LogIndex)
}

// Validate rejects shapes the cost-basis replay cannot interpret
func (t Transaction) Validate() error {
	if t.Type != types.TxBuy && t.Type != types.TxSell {
		return fmt.Errorf("transaction %s: unknown type %q", t.TransactionHash, t.Type)
	}
	if t.AmountAsset.IsNegative() || t.AmountCoin.IsNegative() || t.FeePaid.IsNegative() {
		return fmt.Errorf("transaction %s: negative amount", t.TransactionHash)
	}
	if t.Type == types.TxBuy && t.FeePaid.GreaterThan(t.AmountAsset) {
		return fmt.Errorf("transaction %s: fee %s exceeds amount %s", t.TransactionHash, t.FeePaid, t.AmountAsset)
	}
	return nil
}

// SortChronological orders transactions by block number then log index.
// The input slice is not modified.
func SortChronological(txs []Transaction) []Transaction {
	out := make([]Transaction, len(txs))
	copy(out, txs)
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].BlockNumber != out[j].BlockNumber {
			return out[i].BlockNumber < out[j].BlockNumber
		}
		return out[i].LogIndex < out[j].LogIndex
	})
	return out
}

// Lot is an open purchase tracked during FIFO replay
type Lot struct {
	InitialAmount   decimal.Decimal `json:"initialAmount"`
	RemainingAmount decimal.Decimal `json:"remainingAmount"`
	NetAmount       decimal.Decimal `json:"netAmount"`
	GrossAmount     decimal.Decimal `json:"grossAmount"`
	BlockNumber     uint64          `json:"blockNumber"`
}

// CostPerToken is netAmount / initialAmount, zero for an empty lot
func (l Lot) CostPerToken() decimal.Decimal {
	if l.InitialAmount.IsZero() {
		return decimal.Zero
	}
	return l.NetAmount.Div(l.InitialAmount)
}

// CostOf returns the net cost attributed to amount tokens of this lot
func (l Lot) CostOf(amount decimal.Decimal) decimal.Decimal {
	if l.InitialAmount.IsZero() {
		return decimal.Zero
	}
	return amount.Mul(l.NetAmount).Div(l.InitialAmount)
}

// RemainingCost is the net cost of the unconsumed part of the lot
func (l Lot) RemainingCost() decimal.Decimal {
	return l.CostOf(l.RemainingAmount)
}
