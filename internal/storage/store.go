// Package storage implements the persistent portfolio cache: a versioned
// collection store with memory, Redis and Postgres backends, and the typed
// repository the sync controller uses on top of it.
package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
)

var (
	// ErrNotFound is returned when a record does not exist
	ErrNotFound = errors.New("record not found")

	// ErrExpired is returned with a record whose expiry has passed
	ErrExpired = errors.New("record expired")

	// ErrMissingCollections means the opened store lacks collections the
	// schema requires; ForceReinitialize recovers
	ErrMissingCollections = errors.New("store is missing required collections")

	// ErrStoreUnavailable is returned by every call on an UnavailableStore
	ErrStoreUnavailable = errors.New("persistent store unavailable")

	// ErrUnknownCollection is returned for a collection the schema does not define
	ErrUnknownCollection = errors.New("unknown collection")

	// ErrUnknownIndex is returned for an index the collection does not define
	ErrUnknownIndex = errors.New("unknown index")
)

// Collection names
const (
	CollectionPools       = "pools"
	CollectionTokens      = "tokens"
	CollectionChainStatus = "chainStatus"
	CollectionCache       = "cache"
	CollectionPortfolio   = "portfolio"
)

// Index names
const (
	IndexChainID     = "chainId"
	IndexCreator     = "creator"
	IndexPoolAddress = "poolAddress"
	IndexKind        = "kind"
	IndexUserAddress = "userAddress"
)

// CollectionDef describes one collection: its primary key field and secondary indexes
type CollectionDef struct {
	Name    string   `json:"name"`
	KeyPath string   `json:"keyPath"`
	Indexes []string `json:"indexes"`
}

// HasIndex reports whether the collection defines index
func (c CollectionDef) HasIndex(index string) bool {
	for _, i := range c.Indexes {
		if i == index {
			return true
		}
	}
	return false
}

// Schema is the versioned set of collections. New versions only add
// collections or indexes; existing data is never rewritten.
type Schema struct {
	Version     int             `json:"version"`
	Collections []CollectionDef `json:"collections"`
}

// CurrentSchemaVersion is the schema version this build writes
const CurrentSchemaVersion = 3

// DefaultSchema returns the portfolio cache schema.
//
//	v1: pools, tokens, chainStatus
//	v2: cache (TTL entries)
//	v3: portfolio
func DefaultSchema() Schema {
	return Schema{
		Version: CurrentSchemaVersion,
		Collections: []CollectionDef{
			{Name: CollectionPools, KeyPath: "address", Indexes: []string{IndexChainID, IndexCreator}},
			{Name: CollectionTokens, KeyPath: "address", Indexes: []string{IndexChainID, IndexPoolAddress}},
			{Name: CollectionChainStatus, KeyPath: "chainId"},
			{Name: CollectionCache, KeyPath: "key", Indexes: []string{IndexKind}},
			{Name: CollectionPortfolio, KeyPath: "key", Indexes: []string{IndexUserAddress, IndexChainID}},
		},
	}
}

// Collection returns the named collection definition
func (s Schema) Collection(name string) (CollectionDef, error) {
	for _, c := range s.Collections {
		if c.Name == name {
			return c, nil
		}
	}
	return CollectionDef{}, fmt.Errorf("%w: %s", ErrUnknownCollection, name)
}

// Names returns the collection names in schema order
func (s Schema) Names() []string {
	out := make([]string, 0, len(s.Collections))
	for _, c := range s.Collections {
		out = append(out, c.Name)
	}
	return out
}

// Missing returns the schema collections absent from present
func (s Schema) Missing(present []string) []string {
	have := make(map[string]bool, len(present))
	for _, p := range present {
		have[p] = true
	}
	var missing []string
	for _, c := range s.Collections {
		if !have[c.Name] {
			missing = append(missing, c.Name)
		}
	}
	sort.Strings(missing)
	return missing
}

// Record is one stored value. Data is the JSON encoding of the domain
// object; Indexes holds the secondary index values extracted from it.
// ExpiresAt is unix milliseconds, zero for records that never expire.
type Record struct {
	Key       string            `json:"key"`
	Indexes   map[string]string `json:"indexes,omitempty"`
	Data      json.RawMessage   `json:"data"`
	ExpiresAt int64             `json:"expiresAt,omitempty"`
}

// Expired reports whether the record has an expiry at or before now
func (r Record) Expired(now int64) bool {
	return r.ExpiresAt > 0 && now >= r.ExpiresAt
}

// Store is a versioned collection store. Implementations must be safe for
// concurrent use. Reads of a missing key return ErrNotFound.
type Store interface {
	// Backend names the implementation ("memory", "redis", "postgres", "none")
	Backend() string

	// Version returns the schema version recorded in the store
	Version(ctx context.Context) (int, error)

	Get(ctx context.Context, collection, key string) (Record, error)
	GetByIndex(ctx context.Context, collection, index, value string) ([]Record, error)
	GetAll(ctx context.Context, collection string) ([]Record, error)

	// Put inserts or replaces a record
	Put(ctx context.Context, collection string, rec Record) error

	// PutBatch writes all records or none
	PutBatch(ctx context.Context, collection string, recs []Record) error

	Delete(ctx context.Context, collection, key string) error
	Clear(ctx context.Context, collection string) error

	// DeleteExpired removes records with 0 < ExpiresAt <= now and returns how many
	DeleteExpired(ctx context.Context, collection string, now int64) (int, error)

	// Reset drops every collection and recreates the schema at its current version
	Reset(ctx context.Context) error

	Close() error
}

// validateRecord checks a record against its collection definition
func validateRecord(def CollectionDef, rec Record) error {
	if rec.Key == "" {
		return fmt.Errorf("%s: record key is empty", def.Name)
	}
	for index := range rec.Indexes {
		if !def.HasIndex(index) {
			return fmt.Errorf("%w: %s.%s", ErrUnknownIndex, def.Name, index)
		}
	}
	return nil
}

func sortRecords(recs []Record) {
	sort.Slice(recs, func(i, j int) bool { return recs[i].Key < recs[j].Key })
}

// migrator is implemented by backends that upgrade their schema on open.
// It returns the collections it created.
type migrator interface {
	migrate(ctx context.Context) ([]string, error)
}
