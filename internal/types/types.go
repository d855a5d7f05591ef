// Package types provides common type definitions for the pool portfolio system.
package types

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

// ChainID is the numeric EVM chain id used to select RPC configuration
type ChainID uint64

const (
	// ChainEthereum represents the Ethereum mainnet
	ChainEthereum ChainID = 1
	// ChainOptimism represents the Optimism network
	ChainOptimism ChainID = 10
	// ChainPolygon represents the Polygon network
	ChainPolygon ChainID = 137
	// ChainBase represents the Base network
	ChainBase ChainID = 8453
	// ChainArbitrum represents the Arbitrum One network
	ChainArbitrum ChainID = 42161
	// ChainSepolia represents the Sepolia test network
	ChainSepolia ChainID = 11155111
	// ChainBaseSepolia represents the Base Sepolia test network
	ChainBaseSepolia ChainID = 84532
	// ChainArbitrumSepolia represents the Arbitrum Sepolia test network
	ChainArbitrumSepolia ChainID = 421614
)

const (
	// DefaultLookbackBlocks is the log scan window for production networks
	DefaultLookbackBlocks uint64 = 50_000
	// TestnetLookbackBlocks is the wider window used on known test networks
	TestnetLookbackBlocks uint64 = 500_000
)

// ChainMetadata describes a supported network
type ChainMetadata struct {
	ID             ChainID `json:"id"`
	Name           string  `json:"name"`
	NativeSymbol   string  `json:"nativeSymbol"`
	Testnet        bool    `json:"testnet"`
	LookbackBlocks uint64  `json:"lookbackBlocks"`
}

var knownChains = map[ChainID]ChainMetadata{
	ChainEthereum:        {ID: ChainEthereum, Name: "ethereum", NativeSymbol: "ETH"},
	ChainOptimism:        {ID: ChainOptimism, Name: "optimism", NativeSymbol: "ETH"},
	ChainPolygon:         {ID: ChainPolygon, Name: "polygon", NativeSymbol: "POL"},
	ChainBase:            {ID: ChainBase, Name: "base", NativeSymbol: "ETH"},
	ChainArbitrum:        {ID: ChainArbitrum, Name: "arbitrum", NativeSymbol: "ETH"},
	ChainSepolia:         {ID: ChainSepolia, Name: "sepolia", NativeSymbol: "ETH", Testnet: true},
	ChainBaseSepolia:     {ID: ChainBaseSepolia, Name: "base-sepolia", NativeSymbol: "ETH", Testnet: true},
	ChainArbitrumSepolia: {ID: ChainArbitrumSepolia, Name: "arbitrum-sepolia", NativeSymbol: "ETH", Testnet: true},
}

// Metadata returns the registry entry for a chain. Unknown chains get a
// generic entry with the production lookback window.
func (c ChainID) Metadata() ChainMetadata {
	meta, ok := knownChains[c]
	if !ok {
		meta = ChainMetadata{ID: c, Name: fmt.Sprintf("chain-%d", uint64(c)), NativeSymbol: "ETH"}
	}
	if meta.LookbackBlocks == 0 {
		if meta.Testnet {
			meta.LookbackBlocks = TestnetLookbackBlocks
		} else {
			meta.LookbackBlocks = DefaultLookbackBlocks
		}
	}
	return meta
}

// IsKnown reports whether the chain is in the built-in registry
func (c ChainID) IsKnown() bool {
	_, ok := knownChains[c]
	return ok
}

func (c ChainID) String() string {
	return strconv.FormatUint(uint64(c), 10)
}

// ParseChainID parses a decimal chain id
func ParseChainID(s string) (ChainID, error) {
	v, err := strconv.ParseUint(strings.TrimSpace(s), 10, 64)
	if err != nil || v == 0 {
		return 0, fmt.Errorf("invalid chain id %q", s)
	}
	return ChainID(v), nil
}

// TokenType identifies the side of a pool a token represents
type TokenType string

const (
	// TokenBull is the long side token
	TokenBull TokenType = "bull"
	// TokenBear is the short side token
	TokenBear TokenType = "bear"
)

// Valid reports whether the token type is bull or bear
func (t TokenType) Valid() bool {
	return t == TokenBull || t == TokenBear
}

// TransactionType is the kind of pool trade recorded in the ledger
type TransactionType string

const (
	// TxBuy mints pool tokens against the base asset
	TxBuy TransactionType = "Buy"
	// TxSell burns pool tokens for the base asset
	TxSell TransactionType = "Sell"
)

// PoolStatus classifies a pool in a user's portfolio
type PoolStatus string

const (
	// PoolActive means the user holds a non-zero balance on either side
	PoolActive PoolStatus = "active"
	// PoolHistorical means both balances are zero but P&L was realized
	PoolHistorical PoolStatus = "historical"
	// PoolExcluded means the user never held the pool
	PoolExcluded PoolStatus = "excluded"
)

var addressPattern = regexp.MustCompile(`^0x[a-fA-F0-9]{40}$`)

// IsValidAddress checks the 0x-prefixed 20 byte hex format
func IsValidAddress(address string) bool {
	return addressPattern.MatchString(address)
}

// NormalizeAddress lowercases an address for use in keys and comparisons
func NormalizeAddress(address string) string {
	return strings.ToLower(strings.TrimSpace(address))
}

// SameAddress compares two addresses case-insensitively
func SameAddress(a, b string) bool {
	return a != "" && strings.EqualFold(strings.TrimSpace(a), strings.TrimSpace(b))
}

// ServiceError represents a structured error response
type ServiceError struct {
	Code    string                 `json:"code"`
	Message string                 `json:"message"`
	Details map[string]interface{} `json:"details,omitempty"`
}

func (e *ServiceError) Error() string {
	return e.Message
}
