package adapter

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum"
	ethtypes "github.com/ethereum/go-ethereum/core/types"

	"github.com/perp-pool-portfolio/internal/types"
)

// ChainClient is the read-only view of one EVM chain used by the portfolio engine
type ChainClient interface {
	// ChainID returns the chain identifier
	ChainID() types.ChainID

	// BlockNumber returns the current head block
	BlockNumber(ctx context.Context) (uint64, error)

	// FilterLogs runs eth_getLogs. A provider rejection because of the block
	// span or result size is reported as ErrRangeTooLarge.
	FilterLogs(ctx context.Context, q ethereum.FilterQuery) ([]ethtypes.Log, error)

	// CallContract runs eth_call at blockNumber (nil for latest)
	CallContract(ctx context.Context, msg ethereum.CallMsg, blockNumber *big.Int) ([]byte, error)
}

var (
	// ErrRangeTooLarge indicates the provider refused a log query because of its block span or result size
	ErrRangeTooLarge = errors.New("log query range too large")

	// ErrChainUnavailable indicates every endpoint is failing and the chain breaker is open
	ErrChainUnavailable = errors.New("chain unavailable")

	// ErrNoEndpoints indicates a chain was configured without any RPC URL
	ErrNoEndpoints = errors.New("no rpc endpoints configured")

	// ErrInvalidBlockRange indicates an invalid block range was specified
	ErrInvalidBlockRange = errors.New("invalid block range")

	// ErrLedgerUnavailable indicates every block range of a ledger scan failed
	ErrLedgerUnavailable = errors.New("ledger unavailable")

	// ErrExecutionReverted indicates a contract call reverted
	ErrExecutionReverted = errors.New("execution reverted")
)

// AdapterError wraps errors with additional context
type AdapterError struct {
	ChainID types.ChainID
	Op      string // Operation that failed (e.g., "FilterLogs", "CallContract")
	Err     error
	Details map[string]interface{}
}

func (e *AdapterError) Error() string {
	if len(e.Details) > 0 {
		return fmt.Sprintf("chain adapter error [%s:%s]: %v (details: %+v)", e.ChainID, e.Op, e.Err, e.Details)
	}
	return fmt.Sprintf("chain adapter error [%s:%s]: %v", e.ChainID, e.Op, e.Err)
}

func (e *AdapterError) Unwrap() error {
	return e.Err
}

// NewAdapterError creates a new AdapterError
func NewAdapterError(chainID types.ChainID, op string, err error, details map[string]interface{}) *AdapterError {
	return &AdapterError{
		ChainID: chainID,
		Op:      op,
		Err:     err,
		Details: details,
	}
}

// rangeLimitMarkers are fragments providers use when rejecting eth_getLogs
// for block span or response size (Alchemy, Infura, QuickNode, public nodes).
var rangeLimitMarkers = []string{
	"block range",
	"range too large",
	"range is too large",
	"exceed maximum block range",
	"query returned more than",
	"more than 10000 results",
	"response size exceeded",
	"response size should not",
	"too many results",
	"limit exceeded",
	"-32005",
}

// IsRangeTooLarge reports whether err is a provider block-range rejection
func IsRangeTooLarge(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrRangeTooLarge) {
		return true
	}
	msg := strings.ToLower(err.Error())
	// throttling shares error codes with range rejections on some providers
	if strings.Contains(msg, "rate limit") || strings.Contains(msg, "too many requests") {
		return false
	}
	for _, marker := range rangeLimitMarkers {
		if strings.Contains(msg, marker) {
			return true
		}
	}
	return false
}

// isExecutionReverted reports a contract-level failure, which says nothing about endpoint health
func isExecutionReverted(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrExecutionReverted) {
		return true
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "execution reverted") || strings.Contains(msg, "invalid opcode")
}

// shouldFailover reports errors where another endpoint may succeed
func shouldFailover(err error) bool {
	if err == nil {
		return false
	}

	errStr := strings.ToLower(err.Error())

	// Check for rate limit errors
	if strings.Contains(errStr, "rate limit") ||
		strings.Contains(errStr, "too many requests") ||
		strings.Contains(errStr, "429") {
		return true
	}

	// Check for timeout errors
	if strings.Contains(errStr, "timeout") ||
		strings.Contains(errStr, "deadline exceeded") {
		return true
	}

	// Check for connection errors
	if strings.Contains(errStr, "connection refused") ||
		strings.Contains(errStr, "connection reset") ||
		strings.Contains(errStr, "no such host") ||
		strings.Contains(errStr, "unexpected eof") ||
		strings.Contains(errStr, "502 bad gateway") ||
		strings.Contains(errStr, "503 service unavailable") {
		return true
	}

	return false
}
