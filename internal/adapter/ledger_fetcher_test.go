package adapter_test

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/perp-pool-portfolio/internal/adapter"
	"github.com/perp-pool-portfolio/internal/adapter/adaptertest"
	"github.com/perp-pool-portfolio/internal/types"
)

var (
	token = common.HexToAddress("0x1000000000000000000000000000000000000001")
	user  = common.HexToAddress("0x2000000000000000000000000000000000000002")
	other = common.HexToAddress("0x3000000000000000000000000000000000000003")
)

func newFetcher(chain *adaptertest.Chain) *adapter.LedgerFetcher {
	return adapter.NewLedgerFetcher(chain, adapter.LedgerFetcherConfig{
		ChunkSize:         5000,
		FallbackChunkSize: 1000,
		LookbackBlocks:    12_000,
	}, nil)
}

func TestFetchUserTransactions_ScansWindowInChunks(t *testing.T) {
	chain := adaptertest.NewChain(types.ChainBase, 20_000)
	chain.AddLogs(
		adaptertest.TradeLog(token, user, types.TxBuy, 9_000, 1, adaptertest.Units("10", 18), adaptertest.Units("100", 18), adaptertest.Units("0.1", 18)),
		adaptertest.TradeLog(token, user, types.TxSell, 19_500, 3, adaptertest.Units("12", 18), adaptertest.Units("100", 18), adaptertest.Units("0.1", 18)),
		// outside the lookback window
		adaptertest.TradeLog(token, user, types.TxBuy, 7_000, 0, adaptertest.Units("1", 18), adaptertest.Units("1", 18), big.NewInt(0)),
		// someone else's trade
		adaptertest.TradeLog(token, other, types.TxBuy, 10_000, 0, adaptertest.Units("1", 18), adaptertest.Units("1", 18), big.NewInt(0)),
	)

	txs, report, err := newFetcher(chain).FetchUserTransactions(context.Background(), token, user, 18)
	require.NoError(t, err)

	assert.Equal(t, adapter.BlockRange{From: 8_000, To: 20_000}, report.Window)
	assert.Equal(t, []adapter.BlockRange{
		{From: 8_000, To: 12_999},
		{From: 13_000, To: 17_999},
		{From: 18_000, To: 20_000},
	}, chain.Queries())
	assert.True(t, report.Complete())
	require.Len(t, txs, 2)

	byType := map[types.TransactionType]int{}
	for _, tx := range txs {
		byType[tx.Type]++
		assert.Equal(t, types.NormalizeAddress(token.Hex()), tx.TokenAddress)
	}
	assert.Equal(t, 1, byType[types.TxBuy])
	assert.Equal(t, 1, byType[types.TxSell])
	assert.Equal(t, "10", txs[0].AmountAsset.String())
	assert.Equal(t, "0.1", txs[0].FeePaid.String())
}

func TestFetchChunk_FallsBackToSmallerChunks(t *testing.T) {
	chain := adaptertest.NewChain(types.ChainBase, 20_000)
	chain.MaxSpan = 1000
	chain.AddLogs(adaptertest.TradeLog(token, user, types.TxBuy, 2_500, 0, big.NewInt(10), big.NewInt(10), big.NewInt(0)))

	result, err := newFetcher(chain).FetchChunk(context.Background(), token, user, adapter.BlockRange{From: 0, To: 4_999})
	require.NoError(t, err)

	assert.Equal(t, adapter.ChunkDone, result.State)
	assert.Equal(t, []adapter.ChunkState{
		adapter.ChunkFetching,
		adapter.ChunkRangeTooLarge,
		adapter.ChunkRetryingSmaller,
		adapter.ChunkDone,
	}, result.Trace)
	assert.Len(t, result.Logs, 1)
	// one rejected query plus five 1000-block retries
	assert.Len(t, chain.Queries(), 6)
}

func TestFetchChunk_SkipsSubRangesThatStillFail(t *testing.T) {
	chain := adaptertest.NewChain(types.ChainBase, 20_000)
	chain.MaxSpan = 1000
	chain.LogsHook = func(q ethereum.FilterQuery) error {
		if q.FromBlock.Uint64() == 1_000 {
			return errors.New("query returned more than 10000 results")
		}
		return nil
	}
	chain.AddLogs(
		adaptertest.TradeLog(token, user, types.TxBuy, 1_500, 0, big.NewInt(10), big.NewInt(10), big.NewInt(0)),
		adaptertest.TradeLog(token, user, types.TxBuy, 3_500, 0, big.NewInt(10), big.NewInt(10), big.NewInt(0)),
	)

	result, err := newFetcher(chain).FetchChunk(context.Background(), token, user, adapter.BlockRange{From: 0, To: 4_999})
	require.NoError(t, err)

	assert.Equal(t, adapter.ChunkPartialFailure, result.State)
	assert.Equal(t, []adapter.BlockRange{{From: 1_000, To: 1_999}}, result.Skipped)
	require.Len(t, result.Logs, 1)
	assert.Equal(t, uint64(3_500), result.Logs[0].BlockNumber)
}

func TestFetchUserTransactions_ReportsSkippedRanges(t *testing.T) {
	chain := adaptertest.NewChain(types.ChainBase, 9_999)
	chain.MaxSpan = 1000
	chain.LogsHook = func(q ethereum.FilterQuery) error {
		if q.FromBlock.Uint64() == 6_000 && q.ToBlock.Uint64() == 6_999 {
			return errors.New("rpc: response size exceeded")
		}
		return nil
	}

	fetcher := adapter.NewLedgerFetcher(chain, adapter.LedgerFetcherConfig{ChunkSize: 5000, FallbackChunkSize: 1000, LookbackBlocks: 9_999}, nil)
	_, report, err := fetcher.FetchUserTransactions(context.Background(), token, user, 18)
	require.NoError(t, err)

	assert.False(t, report.Complete())
	assert.Equal(t, 2, report.Chunks)
	assert.Equal(t, 1, report.Partial)
	assert.Equal(t, []adapter.BlockRange{{From: 6_000, To: 6_999}}, report.Skipped)
}

func TestFetchUserTransactions_TimedOutChunkIsSkipped(t *testing.T) {
	chain := adaptertest.NewChain(types.ChainBase, 20_000)
	chain.AddLogs(
		adaptertest.TradeLog(token, user, types.TxBuy, 9_000, 0, adaptertest.Units("8", 18), adaptertest.Units("10", 18), big.NewInt(0)),
	)
	chain.LogsHook = func(q ethereum.FilterQuery) error {
		if q.FromBlock.Uint64() >= 18_000 {
			return fmt.Errorf("%w: request timed out", context.DeadlineExceeded)
		}
		return nil
	}

	txs, report, err := newFetcher(chain).FetchUserTransactions(context.Background(), token, user, 18)
	require.NoError(t, err)

	require.Len(t, txs, 1)
	assert.Equal(t, uint64(9_000), txs[0].BlockNumber)
	assert.Equal(t, 3, report.Chunks)
	assert.Equal(t, 1, report.Partial)
	assert.Equal(t, []adapter.BlockRange{
		{From: 18_000, To: 18_999},
		{From: 19_000, To: 19_999},
		{From: 20_000, To: 20_000},
	}, report.Skipped)
	assert.Equal(t, uint64(2_001), report.Missed())
}

func TestFetchChunk_RecoversFromTransientError(t *testing.T) {
	chain := adaptertest.NewChain(types.ChainBase, 20_000)
	chain.LogsHook = func(q ethereum.FilterQuery) error {
		if q.ToBlock.Uint64()-q.FromBlock.Uint64() >= 1000 {
			return errors.New("502 bad gateway")
		}
		return nil
	}
	chain.AddLogs(
		adaptertest.TradeLog(token, user, types.TxBuy, 2_500, 0, big.NewInt(10), big.NewInt(10), big.NewInt(0)),
	)

	result, err := newFetcher(chain).FetchChunk(context.Background(), token, user, adapter.BlockRange{From: 0, To: 4_999})
	require.NoError(t, err)

	assert.Equal(t, adapter.ChunkDone, result.State)
	assert.Equal(t, []adapter.ChunkState{
		adapter.ChunkFetching,
		adapter.ChunkFailed,
		adapter.ChunkRetryingSmaller,
		adapter.ChunkDone,
	}, result.Trace)
	assert.Empty(t, result.Skipped)
	require.Len(t, result.Logs, 1)
}

func TestFetchUserTransactions_ProviderDownFailsScan(t *testing.T) {
	chain := adaptertest.NewChain(types.ChainBase, 10_000)
	boom := errors.New("connection refused")
	chain.LogsHook = func(ethereum.FilterQuery) error { return boom }

	_, report, err := newFetcher(chain).FetchUserTransactions(context.Background(), token, user, 18)
	assert.ErrorIs(t, err, adapter.ErrLedgerUnavailable)
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, uint64(10_001), report.Missed())

	chain.HeadErr = boom
	_, _, err = newFetcher(chain).FetchUserTransactions(context.Background(), token, user, 18)
	assert.ErrorIs(t, err, boom)
}

func TestFetchUserTransactions_OpenBreakerStopsScan(t *testing.T) {
	chain := adaptertest.NewChain(types.ChainBase, 10_000)
	chain.LogsHook = func(ethereum.FilterQuery) error {
		return fmt.Errorf("%w: breaker open", adapter.ErrChainUnavailable)
	}

	_, _, err := newFetcher(chain).FetchUserTransactions(context.Background(), token, user, 18)
	assert.ErrorIs(t, err, adapter.ErrChainUnavailable)
	assert.Len(t, chain.Queries(), 1)
}

func TestFetchRange_RejectsInvertedRange(t *testing.T) {
	chain := adaptertest.NewChain(types.ChainBase, 10)
	_, _, err := newFetcher(chain).FetchRange(context.Background(), token, user, 18, adapter.BlockRange{From: 10, To: 5})
	assert.ErrorIs(t, err, adapter.ErrInvalidBlockRange)
}

func TestFetchUserTransactions_CancelledContext(t *testing.T) {
	chain := adaptertest.NewChain(types.ChainBase, 10_000)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, _, err := newFetcher(chain).FetchUserTransactions(ctx, token, user, 18)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestNewLedgerFetcher_DefaultsFromChainRegistry(t *testing.T) {
	chain := adaptertest.NewChain(types.ChainBaseSepolia, 1_000_000)
	fetcher := adapter.NewLedgerFetcher(chain, adapter.LedgerFetcherConfig{}, nil)

	window := fetcher.Window(1_000_000)
	assert.Equal(t, uint64(1_000_000-types.TestnetLookbackBlocks), window.From)

	small := fetcher.Window(10)
	assert.Equal(t, uint64(0), small.From)
}
