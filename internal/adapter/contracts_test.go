package adapter_test

import (
	"context"
	"errors"
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	ethtypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/perp-pool-portfolio/internal/adapter"
	"github.com/perp-pool-portfolio/internal/adapter/adaptertest"
	"github.com/perp-pool-portfolio/internal/types"
)

var (
	factory = common.HexToAddress("0xfac0000000000000000000000000000000000001")
	pool    = common.HexToAddress("0xb001000000000000000000000000000000000001")
	bull    = common.HexToAddress("0xb011000000000000000000000000000000000001")
	bear    = common.HexToAddress("0xbea4000000000000000000000000000000000001")
	asset   = common.HexToAddress("0xa55e000000000000000000000000000000000001")
)

func poolChain() *adaptertest.Chain {
	chain := adaptertest.NewChain(types.ChainBase, 100)
	chain.SetCall(factory, "getAllPools", []common.Address{pool})
	chain.SetPool(adaptertest.PoolSpec{
		Pool:        pool,
		BullToken:   bull,
		BearToken:   bear,
		Asset:       asset,
		Creator:     user,
		AssetSymbol: "USDC",
		BullSymbol:  "ETHBULL",
		BearSymbol:  "ETHBEAR",
		Decimals:    6,
		BullReserve: adaptertest.Units("500", 6),
		BearReserve: adaptertest.Units("250", 6),
		BullSupply:  adaptertest.Units("1000", 6),
		BearSupply:  adaptertest.Units("1000", 6),
	})
	return chain
}

func TestContractReader_PoolReads(t *testing.T) {
	chain := poolChain()
	reader := adapter.NewContractReader(chain)
	ctx := context.Background()

	pools, err := reader.AllPools(ctx, factory)
	require.NoError(t, err)
	assert.Equal(t, []common.Address{pool}, pools)

	static, err := reader.PoolStatic(ctx, pool)
	require.NoError(t, err)
	assert.Equal(t, bull, static.BullToken)
	assert.Equal(t, bear, static.BearToken)
	assert.Equal(t, asset, static.Asset)
	assert.Equal(t, user, static.Creator)
	assert.Equal(t, int64(30), static.MintFee.Int64())
	assert.Equal(t, int64(5), static.TreasuryFee.Int64())

	reserves, err := reader.PoolReserves(ctx, pool)
	require.NoError(t, err)
	assert.Equal(t, "500", adapter.ToDecimal(reserves.Bull, 6).String())
	assert.Equal(t, "250", adapter.ToDecimal(reserves.Bear, 6).String())
}

func TestContractReader_TokenReads(t *testing.T) {
	chain := poolChain()
	chain.SetBalance(bull, user, adaptertest.Units("12.5", 6))
	reader := adapter.NewContractReader(chain)
	ctx := context.Background()

	meta, err := reader.TokenMeta(ctx, bull)
	require.NoError(t, err)
	assert.Equal(t, "ETHBULL", meta.Symbol)
	assert.Equal(t, uint8(6), meta.Decimals)

	supply, err := reader.TotalSupply(ctx, bull)
	require.NoError(t, err)
	assert.Equal(t, "1000", adapter.ToDecimal(supply, 6).String())

	balance, err := reader.BalanceOf(ctx, bull, user)
	require.NoError(t, err)
	assert.Equal(t, "12.5", adapter.ToDecimal(balance, 6).String())

	none, err := reader.BalanceOf(ctx, bear, user)
	require.NoError(t, err)
	assert.Zero(t, none.Sign())
}

func TestContractReader_PropagatesCallErrors(t *testing.T) {
	chain := poolChain()
	boom := errors.New("connection refused")
	chain.FailCall(pool, "bearReserve", boom)

	_, err := adapter.NewContractReader(chain).PoolReserves(context.Background(), pool)
	assert.ErrorIs(t, err, boom)

	_, err = adapter.NewContractReader(chain).AllPools(context.Background(), common.HexToAddress("0xdead"))
	assert.ErrorIs(t, err, adapter.ErrExecutionReverted)
}

func TestDecodeTradeLog(t *testing.T) {
	buyLog := adaptertest.TradeLog(bull, user, types.TxBuy, 42, 7, adaptertest.Units("10", 6), adaptertest.Units("100", 6), adaptertest.Units("0.1", 6))

	tx, err := adapter.DecodeTradeLog(buyLog, 6)
	require.NoError(t, err)
	assert.Equal(t, types.TxBuy, tx.Type)
	assert.Equal(t, uint64(42), tx.BlockNumber)
	assert.Equal(t, uint32(7), tx.LogIndex)
	assert.Equal(t, "10", tx.AmountAsset.String())
	assert.Equal(t, "100", tx.AmountCoin.String())
	assert.Equal(t, "0.1", tx.FeePaid.String())
	assert.Equal(t, "0.1", tx.Price.String())

	sellLog := adaptertest.TradeLog(bull, user, types.TxSell, 43, 0, adaptertest.Units("12", 6), adaptertest.Units("100", 6), big.NewInt(0))
	tx, err = adapter.DecodeTradeLog(sellLog, 6)
	require.NoError(t, err)
	assert.Equal(t, types.TxSell, tx.Type)
	assert.Equal(t, "12", tx.AmountAsset.String())

	_, err = adapter.DecodeTradeLog(ethtypes.Log{}, 6)
	assert.Error(t, err)

	unknown := buyLog
	unknown.Topics = []common.Hash{common.HexToHash("0x01")}
	_, err = adapter.DecodeTradeLog(unknown, 6)
	assert.Error(t, err)

	truncated := buyLog
	truncated.Data = truncated.Data[:32]
	_, err = adapter.DecodeTradeLog(truncated, 6)
	assert.Error(t, err)
}
