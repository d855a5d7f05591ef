package service

import (
	"sort"

	"github.com/perp-pool-portfolio/internal/models"
	"github.com/perp-pool-portfolio/internal/types"
)

// SideResult is the valuation of one side of a pool. Err is set when the side
// could not be loaded; Metrics then holds whatever fallback was available.
type SideResult struct {
	Metrics models.PositionMetrics
	Err     error
}

// AggregatePool rolls the bull and bear valuations of a pool into pool totals
// and classifies the pool for the user's portfolio. A failed side contributes
// its fallback metrics and an error message; the other side is unaffected.
func AggregatePool(user string, bull, bear SideResult, info models.PoolInfo) models.PoolData {
	pool := models.PoolData{
		Pool:      info,
		Bull:      bull.Metrics,
		Bear:      bear.Metrics,
		IsCreator: types.SameAddress(user, info.Creator),
	}
	if bull.Err != nil {
		pool.BullError = bull.Err.Error()
	}
	if bear.Err != nil {
		pool.BearError = bear.Err.Error()
	}

	pool.TotalValue = bull.Metrics.CurrentValue.Add(bear.Metrics.CurrentValue)
	pool.TotalPnL = bull.Metrics.PnL.Add(bear.Metrics.PnL)
	pool.TotalCostBasis = bull.Metrics.CostBasis.Add(bear.Metrics.CostBasis)
	pool.TotalReturn = models.PercentOf(pool.TotalPnL, pool.TotalCostBasis)
	pool.Status = ClassifyPool(bull.Metrics, bear.Metrics)
	return pool
}

// ClassifyPool marks a pool active when either side is held, historical when
// both are closed but P&L was realized, and excluded otherwise.
func ClassifyPool(bull, bear models.PositionMetrics) types.PoolStatus {
	switch {
	case bull.HasBalance() || bear.HasBalance():
		return types.PoolActive
	case !bull.PnL.IsZero() || !bear.PnL.IsZero():
		return types.PoolHistorical
	default:
		return types.PoolExcluded
	}
}

// PortfolioPools drops excluded pools and orders the rest: active before
// historical, then by current value descending, then by address.
func PortfolioPools(pools []models.PoolData) []models.PoolData {
	out := make([]models.PoolData, 0, len(pools))
	for _, p := range pools {
		if p.Status != types.PoolExcluded {
			out = append(out, p)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Status != out[j].Status {
			return out[i].Status == types.PoolActive
		}
		if c := out[i].TotalValue.Cmp(out[j].TotalValue); c != 0 {
			return c > 0
		}
		return types.NormalizeAddress(out[i].Pool.Address) < types.NormalizeAddress(out[j].Pool.Address)
	})
	return out
}
