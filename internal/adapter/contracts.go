package adapter

import (
	"context"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	ethtypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/shopspring/decimal"

	"github.com/perp-pool-portfolio/internal/models"
	"github.com/perp-pool-portfolio/internal/types"
)

const factoryABIJSON = `[
	{"type":"function","name":"getAllPools","stateMutability":"view","inputs":[],"outputs":[{"name":"","type":"address[]"}]}
]`

const poolABIJSON = `[
	{"type":"function","name":"bullToken","stateMutability":"view","inputs":[],"outputs":[{"name":"","type":"address"}]},
	{"type":"function","name":"bearToken","stateMutability":"view","inputs":[],"outputs":[{"name":"","type":"address"}]},
	{"type":"function","name":"asset","stateMutability":"view","inputs":[],"outputs":[{"name":"","type":"address"}]},
	{"type":"function","name":"creator","stateMutability":"view","inputs":[],"outputs":[{"name":"","type":"address"}]},
	{"type":"function","name":"bullReserve","stateMutability":"view","inputs":[],"outputs":[{"name":"","type":"uint256"}]},
	{"type":"function","name":"bearReserve","stateMutability":"view","inputs":[],"outputs":[{"name":"","type":"uint256"}]},
	{"type":"function","name":"mintFee","stateMutability":"view","inputs":[],"outputs":[{"name":"","type":"uint256"}]},
	{"type":"function","name":"burnFee","stateMutability":"view","inputs":[],"outputs":[{"name":"","type":"uint256"}]},
	{"type":"function","name":"creatorFee","stateMutability":"view","inputs":[],"outputs":[{"name":"","type":"uint256"}]},
	{"type":"function","name":"treasuryFee","stateMutability":"view","inputs":[],"outputs":[{"name":"","type":"uint256"}]}
]`

const tokenABIJSON = `[
	{"type":"function","name":"name","stateMutability":"view","inputs":[],"outputs":[{"name":"","type":"string"}]},
	{"type":"function","name":"symbol","stateMutability":"view","inputs":[],"outputs":[{"name":"","type":"string"}]},
	{"type":"function","name":"decimals","stateMutability":"view","inputs":[],"outputs":[{"name":"","type":"uint8"}]},
	{"type":"function","name":"totalSupply","stateMutability":"view","inputs":[],"outputs":[{"name":"","type":"uint256"}]},
	{"type":"function","name":"balanceOf","stateMutability":"view","inputs":[{"name":"account","type":"address"}],"outputs":[{"name":"","type":"uint256"}]},
	{"type":"event","name":"Buy","anonymous":false,"inputs":[
		{"name":"buyer","type":"address","indexed":true},
		{"name":"to","type":"address","indexed":true},
		{"name":"amountAsset","type":"uint256","indexed":false},
		{"name":"amountCoin","type":"uint256","indexed":false},
		{"name":"feePaid","type":"uint256","indexed":false}]},
	{"type":"event","name":"Sell","anonymous":false,"inputs":[
		{"name":"seller","type":"address","indexed":true},
		{"name":"amountAsset","type":"uint256","indexed":false},
		{"name":"amountCoin","type":"uint256","indexed":false},
		{"name":"feePaid","type":"uint256","indexed":false}]}
]`

var (
	// FactoryABI lists pools
	FactoryABI = mustParseABI(factoryABIJSON)
	// PoolABI exposes pool wiring, reserves and fees
	PoolABI = mustParseABI(poolABIJSON)
	// TokenABI covers ERC-20 reads and the Buy/Sell trade events
	TokenABI = mustParseABI(tokenABIJSON)
)

// Event ids (topic 0) of the trade events
var (
	BuyEventID  = TokenABI.Events["Buy"].ID
	SellEventID = TokenABI.Events["Sell"].ID
)

func mustParseABI(raw string) abi.ABI {
	parsed, err := abi.JSON(strings.NewReader(raw))
	if err != nil {
		panic(fmt.Sprintf("invalid contract abi: %v", err))
	}
	return parsed
}

// ToDecimal scales a raw integer amount by the token decimals
func ToDecimal(v *big.Int, decimals uint8) decimal.Decimal {
	if v == nil {
		return decimal.Zero
	}
	return decimal.NewFromBigInt(v, -int32(decimals))
}

// PoolStatic is the immutable wiring of a pool contract
type PoolStatic struct {
	BullToken   common.Address
	BearToken   common.Address
	Asset       common.Address
	Creator     common.Address
	MintFee     *big.Int
	BurnFee     *big.Int
	CreatorFee  *big.Int
	TreasuryFee *big.Int
}

// TokenMeta is ERC-20 metadata
type TokenMeta struct {
	Name     string
	Symbol   string
	Decimals uint8
}

// Reserves are the base-asset reserves backing each side of a pool
type Reserves struct {
	Bull *big.Int
	Bear *big.Int
}

// ContractReader performs typed contract reads over a ChainClient
type ContractReader struct {
	client ChainClient
}

// NewContractReader creates a reader
func NewContractReader(client ChainClient) *ContractReader {
	return &ContractReader{client: client}
}

// Client returns the underlying chain client
func (r *ContractReader) Client() ChainClient {
	return r.client
}

func (r *ContractReader) call(ctx context.Context, contract abi.ABI, addr common.Address, method string, args ...interface{}) ([]interface{}, error) {
	data, err := contract.Pack(method, args...)
	if err != nil {
		return nil, fmt.Errorf("pack %s: %w", method, err)
	}
	out, err := r.client.CallContract(ctx, ethereum.CallMsg{To: &addr, Data: data}, nil)
	if err != nil {
		return nil, err
	}
	values, err := contract.Unpack(method, out)
	if err != nil {
		return nil, NewAdapterError(r.client.ChainID(), "CallContract", fmt.Errorf("unpack %s: %w", method, err),
			map[string]interface{}{"to": addr.Hex()})
	}
	if len(values) == 0 {
		return nil, NewAdapterError(r.client.ChainID(), "CallContract", fmt.Errorf("%s returned no values", method),
			map[string]interface{}{"to": addr.Hex()})
	}
	return values, nil
}

func (r *ContractReader) readAddress(ctx context.Context, contract abi.ABI, addr common.Address, method string) (common.Address, error) {
	values, err := r.call(ctx, contract, addr, method)
	if err != nil {
		return common.Address{}, err
	}
	out, ok := values[0].(common.Address)
	if !ok {
		return common.Address{}, fmt.Errorf("%s: unexpected type %T", method, values[0])
	}
	return out, nil
}

func (r *ContractReader) readUint(ctx context.Context, contract abi.ABI, addr common.Address, method string, args ...interface{}) (*big.Int, error) {
	values, err := r.call(ctx, contract, addr, method, args...)
	if err != nil {
		return nil, err
	}
	out, ok := values[0].(*big.Int)
	if !ok {
		return nil, fmt.Errorf("%s: unexpected type %T", method, values[0])
	}
	return out, nil
}

func (r *ContractReader) readString(ctx context.Context, contract abi.ABI, addr common.Address, method string) (string, error) {
	values, err := r.call(ctx, contract, addr, method)
	if err != nil {
		return "", err
	}
	out, ok := values[0].(string)
	if !ok {
		return "", fmt.Errorf("%s: unexpected type %T", method, values[0])
	}
	return out, nil
}

// AllPools returns every pool registered with the factory
func (r *ContractReader) AllPools(ctx context.Context, factory common.Address) ([]common.Address, error) {
	values, err := r.call(ctx, FactoryABI, factory, "getAllPools")
	if err != nil {
		return nil, err
	}
	pools, ok := values[0].([]common.Address)
	if !ok {
		return nil, fmt.Errorf("getAllPools: unexpected type %T", values[0])
	}
	return pools, nil
}

// PoolStatic reads the pool's token wiring, creator and fee settings
func (r *ContractReader) PoolStatic(ctx context.Context, pool common.Address) (PoolStatic, error) {
	var ps PoolStatic
	var err error

	if ps.BullToken, err = r.readAddress(ctx, PoolABI, pool, "bullToken"); err != nil {
		return ps, err
	}
	if ps.BearToken, err = r.readAddress(ctx, PoolABI, pool, "bearToken"); err != nil {
		return ps, err
	}
	if ps.Asset, err = r.readAddress(ctx, PoolABI, pool, "asset"); err != nil {
		return ps, err
	}
	if ps.Creator, err = r.readAddress(ctx, PoolABI, pool, "creator"); err != nil {
		return ps, err
	}

	fees := []struct {
		method string
		dst    **big.Int
	}{
		{"mintFee", &ps.MintFee},
		{"burnFee", &ps.BurnFee},
		{"creatorFee", &ps.CreatorFee},
		{"treasuryFee", &ps.TreasuryFee},
	}
	for _, f := range fees {
		v, err := r.readUint(ctx, PoolABI, pool, f.method)
		if err != nil {
			return ps, err
		}
		*f.dst = v
	}
	return ps, nil
}

// TokenMeta reads ERC-20 name, symbol and decimals
func (r *ContractReader) TokenMeta(ctx context.Context, token common.Address) (TokenMeta, error) {
	var meta TokenMeta
	var err error

	if meta.Name, err = r.readString(ctx, TokenABI, token, "name"); err != nil {
		return meta, err
	}
	if meta.Symbol, err = r.readString(ctx, TokenABI, token, "symbol"); err != nil {
		return meta, err
	}
	values, err := r.call(ctx, TokenABI, token, "decimals")
	if err != nil {
		return meta, err
	}
	d, ok := values[0].(uint8)
	if !ok {
		return meta, fmt.Errorf("decimals: unexpected type %T", values[0])
	}
	meta.Decimals = d
	return meta, nil
}

// PoolReserves reads both side reserves of a pool
func (r *ContractReader) PoolReserves(ctx context.Context, pool common.Address) (Reserves, error) {
	bull, err := r.readUint(ctx, PoolABI, pool, "bullReserve")
	if err != nil {
		return Reserves{}, err
	}
	bear, err := r.readUint(ctx, PoolABI, pool, "bearReserve")
	if err != nil {
		return Reserves{}, err
	}
	return Reserves{Bull: bull, Bear: bear}, nil
}

// TotalSupply reads a token's total supply
func (r *ContractReader) TotalSupply(ctx context.Context, token common.Address) (*big.Int, error) {
	return r.readUint(ctx, TokenABI, token, "totalSupply")
}

// BalanceOf reads an account's token balance
func (r *ContractReader) BalanceOf(ctx context.Context, token, account common.Address) (*big.Int, error) {
	return r.readUint(ctx, TokenABI, token, "balanceOf", account)
}

// DecodeTradeLog converts a Buy or Sell log into a ledger Transaction.
// Amounts are scaled by the token decimals, which the pool uses for both
// the coin and the base asset.
func DecodeTradeLog(log ethtypes.Log, decimals uint8) (models.Transaction, error) {
	if len(log.Topics) == 0 {
		return models.Transaction{}, fmt.Errorf("log %s:%d has no topics", log.TxHash.Hex(), log.Index)
	}

	var txType types.TransactionType
	var event abi.Event
	switch log.Topics[0] {
	case BuyEventID:
		txType, event = types.TxBuy, TokenABI.Events["Buy"]
	case SellEventID:
		txType, event = types.TxSell, TokenABI.Events["Sell"]
	default:
		return models.Transaction{}, fmt.Errorf("log %s:%d is not a trade event", log.TxHash.Hex(), log.Index)
	}

	fields := make(map[string]interface{})
	if err := event.Inputs.NonIndexed().UnpackIntoMap(fields, log.Data); err != nil {
		return models.Transaction{}, fmt.Errorf("decode %s log %s:%d: %w", event.Name, log.TxHash.Hex(), log.Index, err)
	}

	amount := func(name string) (decimal.Decimal, error) {
		v, ok := fields[name].(*big.Int)
		if !ok {
			return decimal.Zero, fmt.Errorf("decode %s log: field %s has type %T", event.Name, name, fields[name])
		}
		return ToDecimal(v, decimals), nil
	}

	asset, err := amount("amountAsset")
	if err != nil {
		return models.Transaction{}, err
	}
	coin, err := amount("amountCoin")
	if err != nil {
		return models.Transaction{}, err
	}
	fee, err := amount("feePaid")
	if err != nil {
		return models.Transaction{}, err
	}

	return models.NewTransaction(log.Address.Hex(), log.TxHash.Hex(), log.BlockNumber, uint32(log.Index), txType, asset, coin, fee), nil
}
