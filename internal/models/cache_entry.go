package models

import (
	"fmt"
	"strings"
	"time"

	"github.com/perp-pool-portfolio/internal/types"
	"github.com/shopspring/decimal"
)

// CacheEntryKind discriminates the payload of a CacheEntry. Each kind owns a
// key prefix so a key alone identifies the payload shape.
type CacheEntryKind string

const (
	// KindPoolList holds the factory pool list of a chain
	KindPoolList CacheEntryKind = "pools"
	// KindReserves holds a reserve/supply snapshot of a pool
	KindReserves CacheEntryKind = "reserves"
)

// PoolListPayload is the cached factory pool list
type PoolListPayload struct {
	ChainID types.ChainID `json:"chainId"`
	Pools   []string      `json:"pools"`
}

// ReservesPayload is a cached reserve/supply snapshot for both sides of a pool
type ReservesPayload struct {
	PoolAddress string          `json:"poolAddress"`
	BullReserve decimal.Decimal `json:"bullReserve"`
	BearReserve decimal.Decimal `json:"bearReserve"`
	BullSupply  decimal.Decimal `json:"bullSupply"`
	BearSupply  decimal.Decimal `json:"bearSupply"`
	BlockNumber uint64          `json:"blockNumber"`
}

// CacheEntry is a TTL-bound record in the generic cache collection.
// Exactly one payload pointer is set and it matches Kind.
type CacheEntry struct {
	Key       string           `json:"key"`
	Kind      CacheEntryKind   `json:"kind"`
	CreatedAt int64            `json:"createdAt"`
	ExpiresAt int64            `json:"expiresAt"`
	PoolList  *PoolListPayload `json:"poolList,omitempty"`
	Reserves  *ReservesPayload `json:"reserves,omitempty"`
}

// PoolListKey is the cache key of a chain's pool list
func PoolListKey(chainID types.ChainID) string {
	return fmt.Sprintf("%s:%d", KindPoolList, uint64(chainID))
}

// ReservesKey is the cache key of a pool's reserve snapshot
func ReservesKey(chainID types.ChainID, pool string) string {
	return fmt.Sprintf("%s:%d:%s", KindReserves, uint64(chainID), types.NormalizeAddress(pool))
}

// KindOfKey derives the payload kind from a key prefix
func KindOfKey(key string) (CacheEntryKind, error) {
	prefix, _, ok := strings.Cut(key, ":")
	if !ok {
		return "", fmt.Errorf("cache key %q has no prefix", key)
	}
	switch CacheEntryKind(prefix) {
	case KindPoolList, KindReserves:
		return CacheEntryKind(prefix), nil
	default:
		return "", fmt.Errorf("cache key %q has unknown prefix %q", key, prefix)
	}
}

// NewPoolListEntry builds a pool list entry valid for ttl
func NewPoolListEntry(chainID types.ChainID, pools []string, now time.Time, ttl time.Duration) CacheEntry {
	return CacheEntry{
		Key:       PoolListKey(chainID),
		Kind:      KindPoolList,
		CreatedAt: now.UnixMilli(),
		ExpiresAt: now.Add(ttl).UnixMilli(),
		PoolList:  &PoolListPayload{ChainID: chainID, Pools: pools},
	}
}

// NewReservesEntry builds a reserves entry valid for ttl
func NewReservesEntry(chainID types.ChainID, payload ReservesPayload, now time.Time, ttl time.Duration) CacheEntry {
	return CacheEntry{
		Key:       ReservesKey(chainID, payload.PoolAddress),
		Kind:      KindReserves,
		CreatedAt: now.UnixMilli(),
		ExpiresAt: now.Add(ttl).UnixMilli(),
		Reserves:  &payload,
	}
}

// Validate checks that the key prefix, kind and payload agree
func (e CacheEntry) Validate() error {
	kind, err := KindOfKey(e.Key)
	if err != nil {
		return err
	}
	if kind != e.Kind {
		return fmt.Errorf("cache entry %q: kind %q does not match key prefix %q", e.Key, e.Kind, kind)
	}
	switch e.Kind {
	case KindPoolList:
		if e.PoolList == nil || e.Reserves != nil {
			return fmt.Errorf("cache entry %q: expected pool list payload only", e.Key)
		}
	case KindReserves:
		if e.Reserves == nil || e.PoolList != nil {
			return fmt.Errorf("cache entry %q: expected reserves payload only", e.Key)
		}
	}
	return nil
}

// Expired reports whether the entry is past its expiry
func (e CacheEntry) Expired(now time.Time) bool {
	return now.UnixMilli() >= e.ExpiresAt
}

// AsPoolList returns the pool list payload when the entry holds one
func (e CacheEntry) AsPoolList() (*PoolListPayload, bool) {
	if e.Kind != KindPoolList || e.PoolList == nil {
		return nil, false
	}
	return e.PoolList, true
}

// AsReserves returns the reserves payload when the entry holds one
func (e CacheEntry) AsReserves() (*ReservesPayload, bool) {
	if e.Kind != KindReserves || e.Reserves == nil {
		return nil, false
	}
	return e.Reserves, true
}
