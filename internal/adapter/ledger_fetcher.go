package adapter

import (
	"context"
	"errors"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	ethtypes "github.com/ethereum/go-ethereum/core/types"

	"github.com/perp-pool-portfolio/internal/logging"
	"github.com/perp-pool-portfolio/internal/metrics"
	"github.com/perp-pool-portfolio/internal/models"
)

// Default chunk sizes for eth_getLogs scans
const (
	DefaultChunkSize         uint64 = 5000
	DefaultFallbackChunkSize uint64 = 1000
)

// ChunkState is a step of the per-chunk fetch state machine:
//
//	Fetching -> Done
//	Fetching -> RangeTooLarge -> RetryingSmaller -> Done | PartialFailure
//	Fetching -> Failed -> RetryingSmaller -> Done | PartialFailure
type ChunkState string

const (
	ChunkFetching        ChunkState = "fetching"
	ChunkRangeTooLarge   ChunkState = "range_too_large"
	ChunkFailed          ChunkState = "failed"
	ChunkRetryingSmaller ChunkState = "retrying_smaller"
	ChunkDone            ChunkState = "done"
	ChunkPartialFailure  ChunkState = "partial_failure"
)

// BlockRange is an inclusive block span
type BlockRange struct {
	From uint64 `json:"from"`
	To   uint64 `json:"to"`
}

// ChunkResult is the terminal outcome of one chunk
type ChunkResult struct {
	Range   BlockRange
	State   ChunkState
	Trace   []ChunkState
	Logs    []ethtypes.Log
	Skipped []BlockRange
	// Err is the last provider error seen, if any
	Err error
}

// FetchReport summarises a ledger scan
type FetchReport struct {
	Window  BlockRange   `json:"window"`
	Head    uint64       `json:"head"`
	Chunks  int          `json:"chunks"`
	Partial int          `json:"partial"`
	Skipped []BlockRange `json:"skipped,omitempty"`
	Events  int          `json:"events"`
}

// Complete reports whether every block of the window was scanned
func (r FetchReport) Complete() bool {
	return len(r.Skipped) == 0
}

// Missed returns how many blocks of the window were skipped
func (r FetchReport) Missed() uint64 {
	var n uint64
	for _, s := range r.Skipped {
		n += s.To - s.From + 1
	}
	return n
}

// LedgerFetcherConfig configures the chunked scan
type LedgerFetcherConfig struct {
	ChunkSize         uint64
	FallbackChunkSize uint64
	// LookbackBlocks overrides the chain registry default when non-zero
	LookbackBlocks uint64
}

// LedgerFetcher retrieves a user's Buy/Sell events for one token contract
type LedgerFetcher struct {
	client ChainClient
	cfg    LedgerFetcherConfig
	logger *logging.Logger
}

// NewLedgerFetcher creates a fetcher; zero sizes take the package defaults
func NewLedgerFetcher(client ChainClient, cfg LedgerFetcherConfig, logger *logging.Logger) *LedgerFetcher {
	if cfg.ChunkSize == 0 {
		cfg.ChunkSize = DefaultChunkSize
	}
	if cfg.FallbackChunkSize == 0 {
		cfg.FallbackChunkSize = DefaultFallbackChunkSize
	}
	if cfg.FallbackChunkSize >= cfg.ChunkSize {
		cfg.FallbackChunkSize = cfg.ChunkSize / 5
		if cfg.FallbackChunkSize == 0 {
			cfg.FallbackChunkSize = 1
		}
	}
	if cfg.LookbackBlocks == 0 {
		cfg.LookbackBlocks = client.ChainID().Metadata().LookbackBlocks
	}
	if logger == nil {
		logger = logging.GetGlobalLogger()
	}
	return &LedgerFetcher{
		client: client,
		cfg:    cfg,
		logger: logger.WithComponent("ledger").WithField("chainId", uint64(client.ChainID())),
	}
}

// Window returns the scan range ending at head
func (f *LedgerFetcher) Window(head uint64) BlockRange {
	from := uint64(0)
	if head > f.cfg.LookbackBlocks {
		from = head - f.cfg.LookbackBlocks
	}
	return BlockRange{From: from, To: head}
}

// FetchUserTransactions scans the lookback window for Buy events where the
// user is the buyer and Sell events where the user is the seller. A chunk
// the provider rejects, for size or otherwise, is rescanned once in smaller
// pieces; pieces that still fail are skipped and listed in the report. The
// scan fails only on the head read, context cancellation, an open chain
// breaker, or when no block of the window could be read. The result is unsorted.
func (f *LedgerFetcher) FetchUserTransactions(ctx context.Context, token, user common.Address, decimals uint8) ([]models.Transaction, FetchReport, error) {
	head, err := f.client.BlockNumber(ctx)
	if err != nil {
		return nil, FetchReport{}, err
	}
	return f.FetchRange(ctx, token, user, decimals, f.Window(head))
}

// FetchRange scans an explicit block range
func (f *LedgerFetcher) FetchRange(ctx context.Context, token, user common.Address, decimals uint8, window BlockRange) ([]models.Transaction, FetchReport, error) {
	if window.From > window.To {
		return nil, FetchReport{}, NewAdapterError(f.client.ChainID(), "FetchRange", ErrInvalidBlockRange,
			map[string]interface{}{"from": window.From, "to": window.To})
	}

	report := FetchReport{Window: window, Head: window.To}
	var txs []models.Transaction
	var lastErr error
	chain := f.client.ChainID().String()
	log := f.logger.WithFields(logging.Fields{"token": token.Hex(), "user": user.Hex()})

	for _, chunk := range splitRange(window, f.cfg.ChunkSize) {
		if err := ctx.Err(); err != nil {
			return nil, report, err
		}

		result, err := f.FetchChunk(ctx, token, user, chunk)
		if err != nil {
			return nil, report, err
		}
		report.Chunks++
		metrics.ChunksTotal.WithLabelValues(chain, string(result.State)).Inc()
		if result.Err != nil {
			lastErr = result.Err
		}

		if result.State == ChunkPartialFailure {
			report.Partial++
			report.Skipped = append(report.Skipped, result.Skipped...)
			log.WithFields(logging.Fields{
				"from":    chunk.From,
				"to":      chunk.To,
				"skipped": len(result.Skipped),
			}).Warn("Ledger chunk partially skipped after fallback")
		}

		for _, l := range result.Logs {
			tx, err := DecodeTradeLog(l, decimals)
			if err != nil {
				log.WithError(err).Warn("Skipping undecodable trade log")
				continue
			}
			txs = append(txs, tx)
		}
	}

	if report.Missed() == window.To-window.From+1 {
		return nil, report, fmt.Errorf("%w: %w", ErrLedgerUnavailable, lastErr)
	}

	report.Events = len(txs)
	log.WithFields(logging.Fields{
		"from":    window.From,
		"to":      window.To,
		"events":  report.Events,
		"partial": report.Partial,
	}).Debug("Ledger scan finished")
	return txs, report, nil
}

// FetchChunk drives one chunk through the fetch state machine. It returns an
// error only when ctx is done or the chain breaker is open.
func (f *LedgerFetcher) FetchChunk(ctx context.Context, token, user common.Address, chunk BlockRange) (ChunkResult, error) {
	result := ChunkResult{Range: chunk}
	state := ChunkFetching

	for {
		result.Trace = append(result.Trace, state)

		switch state {
		case ChunkFetching:
			logs, err := f.query(ctx, token, user, chunk)
			switch {
			case err == nil:
				result.Logs = logs
				state = ChunkDone
			case IsRangeTooLarge(err):
				state = ChunkRangeTooLarge
			case errors.Is(err, ErrChainUnavailable):
				return result, err
			default:
				if ctxErr := ctx.Err(); ctxErr != nil {
					return result, ctxErr
				}
				result.Err = err
				state = ChunkFailed
			}

		case ChunkFailed:
			f.logger.WithFields(logging.Fields{
				"from":     chunk.From,
				"to":       chunk.To,
				"fallback": f.cfg.FallbackChunkSize,
			}).WithError(result.Err).Warn("Log query failed, retrying with smaller chunks")
			state = ChunkRetryingSmaller

		case ChunkRangeTooLarge:
			f.logger.WithFields(logging.Fields{
				"from":     chunk.From,
				"to":       chunk.To,
				"fallback": f.cfg.FallbackChunkSize,
			}).Info("Log query rejected for range, retrying with smaller chunks")
			state = ChunkRetryingSmaller

		case ChunkRetryingSmaller:
			for _, piece := range splitRange(chunk, f.cfg.FallbackChunkSize) {
				logs, err := f.query(ctx, token, user, piece)
				if err != nil {
					if ctxErr := ctx.Err(); ctxErr != nil {
						return result, ctxErr
					}
					if errors.Is(err, ErrChainUnavailable) {
						return result, err
					}
					result.Err = err
					result.Skipped = append(result.Skipped, piece)
					continue
				}
				result.Logs = append(result.Logs, logs...)
			}
			if len(result.Skipped) > 0 {
				state = ChunkPartialFailure
			} else {
				state = ChunkDone
			}

		case ChunkDone, ChunkPartialFailure:
			result.State = state
			return result, nil

		default:
			return result, fmt.Errorf("unknown chunk state %q", state)
		}
	}
}

// query fetches Buy and Sell logs for the user in one eth_getLogs call. Both
// events carry the trader as their first indexed argument.
func (f *LedgerFetcher) query(ctx context.Context, token, user common.Address, r BlockRange) ([]ethtypes.Log, error) {
	q := ethereum.FilterQuery{
		FromBlock: new(big.Int).SetUint64(r.From),
		ToBlock:   new(big.Int).SetUint64(r.To),
		Addresses: []common.Address{token},
		Topics: [][]common.Hash{
			{BuyEventID, SellEventID},
			{common.BytesToHash(user.Bytes())},
		},
	}
	logs, err := f.client.FilterLogs(ctx, q)
	if err != nil {
		return nil, err
	}

	out := make([]ethtypes.Log, 0, len(logs))
	for _, l := range logs {
		if l.Removed {
			continue
		}
		out = append(out, l)
	}
	return out, nil
}

// splitRange cuts r into consecutive inclusive spans of at most size blocks
func splitRange(r BlockRange, size uint64) []BlockRange {
	if size == 0 || r.From > r.To {
		return nil
	}
	var out []BlockRange
	for start := r.From; ; {
		end := start + size - 1
		if end < start || end > r.To { // overflow or past the end
			end = r.To
		}
		out = append(out, BlockRange{From: start, To: end})
		if end == r.To {
			return out
		}
		start = end + 1
	}
}
