// Package adaptertest provides an in-memory chain for tests of code built on adapter.ChainClient.
package adaptertest

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"sync"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	ethtypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/shopspring/decimal"

	"github.com/perp-pool-portfolio/internal/adapter"
	"github.com/perp-pool-portfolio/internal/types"
)

// ErrRangeRejected mimics a provider refusing a wide eth_getLogs query
var ErrRangeRejected = errors.New("query returned more than 10000 results")

// Chain is an in-memory adapter.ChainClient. Contract reads are answered
// from values registered with SetCall; logs are filtered from Logs.
type Chain struct {
	mu sync.Mutex

	id   types.ChainID
	head uint64
	logs []ethtypes.Log

	// MaxSpan rejects log queries covering more blocks with a range error
	MaxSpan uint64
	// LogsHook, when set, can fail a log query before it is answered
	LogsHook func(q ethereum.FilterQuery) error
	// HeadErr fails BlockNumber
	HeadErr error

	values  map[string][]interface{}
	errs    map[string]error
	calls   map[string]int
	queries []adapter.BlockRange
}

var _ adapter.ChainClient = (*Chain)(nil)

// NewChain creates an empty chain at head
func NewChain(id types.ChainID, head uint64) *Chain {
	return &Chain{
		id:     id,
		head:   head,
		values: make(map[string][]interface{}),
		errs:   make(map[string]error),
		calls:  make(map[string]int),
	}
}

func callKey(addr common.Address, method string, arg string) string {
	k := strings.ToLower(addr.Hex()) + "|" + method
	if arg != "" {
		k += "|" + strings.ToLower(arg)
	}
	return k
}

// SetHead moves the chain head
func (c *Chain) SetHead(head uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.head = head
}

// SetCall registers the outputs of a no-argument view method
func (c *Chain) SetCall(addr common.Address, method string, outputs ...interface{}) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.values[callKey(addr, method, "")] = outputs
}

// FailCall makes a view method fail
func (c *Chain) FailCall(addr common.Address, method string, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.errs[callKey(addr, method, "")] = err
}

// SetBalance registers balanceOf(account) on token
func (c *Chain) SetBalance(token, account common.Address, amount *big.Int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.values[callKey(token, "balanceOf", account.Hex())] = []interface{}{amount}
}

// AddLogs appends logs to the chain
func (c *Chain) AddLogs(logs ...ethtypes.Log) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.logs = append(c.logs, logs...)
}

// Calls returns how many times a method was called on addr
func (c *Chain) Calls(addr common.Address, method string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.calls[callKey(addr, method, "")]
}

// Queries returns the block ranges of every log query seen
func (c *Chain) Queries() []adapter.BlockRange {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]adapter.BlockRange(nil), c.queries...)
}

// ChainID implements adapter.ChainClient
func (c *Chain) ChainID() types.ChainID { return c.id }

// BlockNumber implements adapter.ChainClient
func (c *Chain) BlockNumber(ctx context.Context) (uint64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.HeadErr != nil {
		return 0, c.HeadErr
	}
	return c.head, nil
}

// FilterLogs implements adapter.ChainClient
func (c *Chain) FilterLogs(ctx context.Context, q ethereum.FilterQuery) ([]ethtypes.Log, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	from, to := q.FromBlock.Uint64(), q.ToBlock.Uint64()

	c.mu.Lock()
	c.queries = append(c.queries, adapter.BlockRange{From: from, To: to})
	hook := c.LogsHook
	maxSpan := c.MaxSpan
	c.mu.Unlock()

	if hook != nil {
		if err := hook(q); err != nil {
			return nil, err
		}
	}
	if maxSpan > 0 && to-from+1 > maxSpan {
		return nil, fmt.Errorf("%w: %w", adapter.ErrRangeTooLarge, ErrRangeRejected)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	var out []ethtypes.Log
	for _, l := range c.logs {
		if l.BlockNumber < from || l.BlockNumber > to {
			continue
		}
		if len(q.Addresses) > 0 && !containsAddress(q.Addresses, l.Address) {
			continue
		}
		if !matchTopics(q.Topics, l.Topics) {
			continue
		}
		out = append(out, l)
	}
	return out, nil
}

func containsAddress(list []common.Address, a common.Address) bool {
	for _, x := range list {
		if x == a {
			return true
		}
	}
	return false
}

func matchTopics(filter [][]common.Hash, topics []common.Hash) bool {
	for i, options := range filter {
		if len(options) == 0 {
			continue
		}
		if i >= len(topics) {
			return false
		}
		found := false
		for _, o := range options {
			if o == topics[i] {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}

// CallContract implements adapter.ChainClient by decoding the selector
// against the known contract ABIs.
func (c *Chain) CallContract(ctx context.Context, msg ethereum.CallMsg, _ *big.Int) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if msg.To == nil || len(msg.Data) < 4 {
		return nil, errors.New("malformed call")
	}

	method, err := lookupMethod(msg.Data[:4])
	if err != nil {
		return nil, err
	}

	arg := ""
	if len(method.Inputs) > 0 {
		args, err := method.Inputs.Unpack(msg.Data[4:])
		if err != nil {
			return nil, err
		}
		if a, ok := args[0].(common.Address); ok {
			arg = a.Hex()
		}
	}

	c.mu.Lock()
	c.calls[callKey(*msg.To, method.Name, "")]++
	callErr := c.errs[callKey(*msg.To, method.Name, "")]
	outputs, ok := c.values[callKey(*msg.To, method.Name, arg)]
	c.mu.Unlock()

	if callErr != nil {
		return nil, callErr
	}
	if !ok {
		if method.Name == "balanceOf" {
			outputs = []interface{}{big.NewInt(0)}
		} else {
			return nil, fmt.Errorf("%w: %s on %s", adapter.ErrExecutionReverted, method.Name, msg.To.Hex())
		}
	}
	return method.Outputs.Pack(outputs...)
}

func lookupMethod(selector []byte) (*abi.Method, error) {
	for _, contract := range []abi.ABI{adapter.FactoryABI, adapter.PoolABI, adapter.TokenABI} {
		if m, err := contract.MethodById(selector); err == nil {
			return m, nil
		}
	}
	return nil, fmt.Errorf("unknown selector %x", selector)
}

// Units converts a decimal string to raw integer units
func Units(amount string, decimals uint8) *big.Int {
	return decimal.RequireFromString(amount).Shift(int32(decimals)).BigInt()
}

// TradeLog builds a Buy or Sell log emitted by token for trader
func TradeLog(token, trader common.Address, kind types.TransactionType, block uint64, index uint, asset, coin, fee *big.Int) ethtypes.Log {
	name := "Buy"
	if kind == types.TxSell {
		name = "Sell"
	}
	event := adapter.TokenABI.Events[name]

	data, err := event.Inputs.NonIndexed().Pack(asset, coin, fee)
	if err != nil {
		panic(err)
	}

	traderTopic := common.BytesToHash(trader.Bytes())
	topics := []common.Hash{event.ID, traderTopic}
	if kind == types.TxBuy {
		topics = append(topics, traderTopic)
	}

	return ethtypes.Log{
		Address:     token,
		Topics:      topics,
		Data:        data,
		BlockNumber: block,
		Index:       index,
		TxHash:      common.BigToHash(new(big.Int).SetUint64(block*10_000 + uint64(index))),
	}
}

// PoolSpec describes a pool and its two tokens for SetPool
type PoolSpec struct {
	Pool        common.Address
	BullToken   common.Address
	BearToken   common.Address
	Asset       common.Address
	Creator     common.Address
	AssetSymbol string
	BullSymbol  string
	BearSymbol  string
	Decimals    uint8
	BullReserve *big.Int
	BearReserve *big.Int
	BullSupply  *big.Int
	BearSupply  *big.Int
}

// SetPool registers every view the portfolio engine reads for a pool
func (c *Chain) SetPool(spec PoolSpec) {
	zero := big.NewInt(0)
	or := func(v *big.Int) *big.Int {
		if v == nil {
			return zero
		}
		return v
	}

	c.SetCall(spec.Pool, "bullToken", spec.BullToken)
	c.SetCall(spec.Pool, "bearToken", spec.BearToken)
	c.SetCall(spec.Pool, "asset", spec.Asset)
	c.SetCall(spec.Pool, "creator", spec.Creator)
	c.SetCall(spec.Pool, "mintFee", big.NewInt(30))
	c.SetCall(spec.Pool, "burnFee", big.NewInt(30))
	c.SetCall(spec.Pool, "creatorFee", big.NewInt(10))
	c.SetCall(spec.Pool, "treasuryFee", big.NewInt(5))
	c.SetCall(spec.Pool, "bullReserve", or(spec.BullReserve))
	c.SetCall(spec.Pool, "bearReserve", or(spec.BearReserve))

	c.SetCall(spec.Asset, "name", spec.AssetSymbol)
	c.SetCall(spec.Asset, "symbol", spec.AssetSymbol)
	c.SetCall(spec.Asset, "decimals", spec.Decimals)

	c.SetCall(spec.BullToken, "name", spec.BullSymbol+" token")
	c.SetCall(spec.BullToken, "symbol", spec.BullSymbol)
	c.SetCall(spec.BullToken, "decimals", spec.Decimals)
	c.SetCall(spec.BullToken, "totalSupply", or(spec.BullSupply))

	c.SetCall(spec.BearToken, "name", spec.BearSymbol+" token")
	c.SetCall(spec.BearToken, "symbol", spec.BearSymbol)
	c.SetCall(spec.BearToken, "decimals", spec.Decimals)
	c.SetCall(spec.BearToken, "totalSupply", or(spec.BearSupply))
}
