package service

import (
	"fmt"

	apperrors "github.com/perp-pool-portfolio/internal/errors"
	"github.com/perp-pool-portfolio/internal/logging"
	"github.com/perp-pool-portfolio/internal/models"
	"github.com/perp-pool-portfolio/internal/types"
	"github.com/shopspring/decimal"
)

// LedgerReplay is the state left after replaying a token ledger in FIFO order
type LedgerReplay struct {
	Lots               []models.Lot
	TotalCostBasis     decimal.Decimal
	GrossInvestment    decimal.Decimal
	TotalFeesPaid      decimal.Decimal
	RealizedPnL        decimal.Decimal
	RemainingCostBasis decimal.Decimal
	BoughtAmount       decimal.Decimal
	SoldAmount         decimal.Decimal
	SellCount          int
}

// OpenAmount is the sum of remaining lot amounts
func (r LedgerReplay) OpenAmount() decimal.Decimal {
	total := decimal.Zero
	for _, lot := range r.Lots {
		total = total.Add(lot.RemainingAmount)
	}
	return total
}

// ReplayLedger sorts transactions chronologically and replays them against a
// FIFO lot queue. Sells beyond the open lots consume nothing further and carry
// no cost.
func ReplayLedger(transactions []models.Transaction) (LedgerReplay, error) {
	replay := LedgerReplay{}
	lots := make([]models.Lot, 0, len(transactions))

	for _, tx := range models.SortChronological(transactions) {
		if err := tx.Validate(); err != nil {
			return LedgerReplay{}, err
		}

		switch tx.Type {
		case types.TxBuy:
			net := tx.AmountAsset.Sub(tx.FeePaid)
			lots = append(lots, models.Lot{
				InitialAmount:   tx.AmountCoin,
				RemainingAmount: tx.AmountCoin,
				NetAmount:       net,
				GrossAmount:     tx.AmountAsset,
				BlockNumber:     tx.BlockNumber,
			})
			replay.GrossInvestment = replay.GrossInvestment.Add(tx.AmountAsset)
			replay.TotalFeesPaid = replay.TotalFeesPaid.Add(tx.FeePaid)
			replay.TotalCostBasis = replay.TotalCostBasis.Add(net)
			replay.BoughtAmount = replay.BoughtAmount.Add(tx.AmountCoin)

		case types.TxSell:
			toSell := tx.AmountCoin
			costOfSold := decimal.Zero
			for toSell.IsPositive() && len(lots) > 0 {
				lot := &lots[0]
				consumed := decimal.Min(toSell, lot.RemainingAmount)
				costOfSold = costOfSold.Add(lot.CostOf(consumed))
				lot.RemainingAmount = lot.RemainingAmount.Sub(consumed)
				toSell = toSell.Sub(consumed)
				if !lot.RemainingAmount.IsPositive() {
					lots = lots[1:]
				}
			}
			replay.RealizedPnL = replay.RealizedPnL.Add(tx.AmountAsset.Sub(costOfSold))
			replay.TotalFeesPaid = replay.TotalFeesPaid.Add(tx.FeePaid)
			replay.SoldAmount = replay.SoldAmount.Add(tx.AmountCoin)
			replay.SellCount++
		}
	}

	for _, lot := range lots {
		replay.RemainingCostBasis = replay.RemainingCostBasis.Add(lot.RemainingCost())
	}
	replay.Lots = lots
	return replay, nil
}

// SpotPrice is reserve / supply, zero for an empty supply
func SpotPrice(reserve, supply decimal.Decimal) decimal.Decimal {
	if !supply.IsPositive() {
		return decimal.Zero
	}
	return reserve.Div(supply)
}

// ComputeMetrics values a token position from the on-chain reserve, supply and
// user balance plus the user's ledger. The returned metrics are always usable:
// when the ledger cannot be interpreted the spot fallback is returned together
// with the error that caused it.
func ComputeMetrics(reserve, supply, userBalance decimal.Decimal, transactions []models.Transaction) (metrics models.PositionMetrics, err error) {
	price := SpotPrice(reserve, supply)

	defer func() {
		if r := recover(); r != nil {
			metrics = spotFallback(price, userBalance, models.SourceDegraded)
			err = fmt.Errorf("valuation panicked: %v", r)
		}
	}()

	if reserve.IsNegative() || supply.IsNegative() || userBalance.IsNegative() {
		return spotFallback(decimal.Zero, decimal.Zero, models.SourceDegraded),
			fmt.Errorf("negative chain reading: reserve=%s supply=%s balance=%s", reserve, supply, userBalance)
	}

	if len(transactions) == 0 {
		source := models.SourceNoHistory
		if userBalance.IsZero() {
			source = models.SourceNeverHeld
		}
		return spotFallback(price, userBalance, source), nil
	}

	replay, err := ReplayLedger(transactions)
	if err != nil {
		return spotFallback(price, userBalance, models.SourceDegraded), err
	}

	return metricsFromReplay(price, userBalance, replay), nil
}

func metricsFromReplay(price, userBalance decimal.Decimal, replay LedgerReplay) models.PositionMetrics {
	m := models.PositionMetrics{
		Balance:         userBalance,
		Price:           price,
		RealizedPnL:     replay.RealizedPnL,
		TotalFeesPaid:   replay.TotalFeesPaid,
		NetInvestment:   replay.TotalCostBasis,
		GrossInvestment: replay.GrossInvestment,
		Source:          models.SourceLedger,
		OpenLots:        replay.Lots,
	}

	// A closed position reports realized figures only.
	if userBalance.IsZero() {
		m.CurrentValue = decimal.Zero
		m.CostBasis = replay.TotalCostBasis
		m.UnrealizedPnL = decimal.Zero
		m.PnL = replay.RealizedPnL
		m.Returns = models.PercentOf(replay.RealizedPnL, replay.TotalCostBasis)
		return m
	}

	costBasis := replay.TotalCostBasis
	if replay.SellCount > 0 {
		costBasis = replay.RemainingCostBasis
	}

	m.CurrentValue = userBalance.Mul(price)
	m.CostBasis = costBasis
	m.UnrealizedPnL = m.CurrentValue.Sub(costBasis)
	m.PnL = replay.RealizedPnL.Add(m.UnrealizedPnL)
	m.Returns = models.PercentOf(m.PnL, costBasis)
	return m
}

// spotFallback values the balance at spot with zero P&L
func spotFallback(price, userBalance decimal.Decimal, source models.ValuationSource) models.PositionMetrics {
	value := userBalance.Mul(price)
	return models.PositionMetrics{
		Balance:       userBalance,
		Price:         price,
		CurrentValue:  value,
		CostBasis:     value,
		PnL:           decimal.Zero,
		RealizedPnL:   decimal.Zero,
		UnrealizedPnL: decimal.Zero,
		Returns:       decimal.Zero,
		NetInvestment: value,
		Source:        source,
	}
}

// CostBasisEngine wraps ComputeMetrics with logging of degraded valuations
type CostBasisEngine struct {
	logger *logging.Logger
}

// NewCostBasisEngine creates an engine that logs through logger
func NewCostBasisEngine(logger *logging.Logger) *CostBasisEngine {
	if logger == nil {
		logger = logging.GetGlobalLogger()
	}
	return &CostBasisEngine{logger: logger.WithComponent("cost_basis")}
}

// Value computes metrics for token and never fails; replay problems are logged
// and surface as SourceDegraded.
func (e *CostBasisEngine) Value(token string, reserve, supply, userBalance decimal.Decimal, transactions []models.Transaction) models.PositionMetrics {
	metrics, err := ComputeMetrics(reserve, supply, userBalance, transactions)
	if err != nil {
		e.logger.WithFields(logging.Fields{
			"token":        token,
			"transactions": len(transactions),
		}).WithError(apperrors.NewComputationError(token, err)).Warn("Falling back to spot valuation")
	}
	return metrics
}
