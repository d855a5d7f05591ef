package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/perp-pool-portfolio/internal/config"
)

func rec(key string, indexes map[string]string, expiresAt int64) Record {
	data, _ := json.Marshal(map[string]string{"key": key})
	return Record{Key: key, Indexes: indexes, Data: data, ExpiresAt: expiresAt}
}

// runStoreSuite exercises the Store contract against one backend
func runStoreSuite(t *testing.T, newStore func(t *testing.T) Store) {
	t.Run("put and get", func(t *testing.T) {
		s := newStore(t)
		ctx := testContext(t)

		want := rec("0xaaa", map[string]string{IndexChainID: "8453", IndexCreator: "0xc1"}, 0)
		require.NoError(t, s.Put(ctx, CollectionPools, want))

		got, err := s.Get(ctx, CollectionPools, "0xaaa")
		require.NoError(t, err)
		assert.Equal(t, want.Key, got.Key)
		assert.JSONEq(t, string(want.Data), string(got.Data))
		assert.Equal(t, want.Indexes, got.Indexes)
	})

	t.Run("missing key", func(t *testing.T) {
		s := newStore(t)
		_, err := s.Get(testContext(t), CollectionPools, "0xnope")
		assert.ErrorIs(t, err, ErrNotFound)
	})

	t.Run("unknown collection", func(t *testing.T) {
		s := newStore(t)
		_, err := s.Get(testContext(t), "widgets", "x")
		assert.ErrorIs(t, err, ErrUnknownCollection)
	})

	t.Run("index follows updates", func(t *testing.T) {
		s := newStore(t)
		ctx := testContext(t)

		require.NoError(t, s.PutBatch(ctx, CollectionTokens, []Record{
			rec("0xb1", map[string]string{IndexChainID: "8453", IndexPoolAddress: "0xp1"}, 0),
			rec("0xb2", map[string]string{IndexChainID: "8453", IndexPoolAddress: "0xp1"}, 0),
			rec("0xb3", map[string]string{IndexChainID: "84532", IndexPoolAddress: "0xp2"}, 0),
		}))

		byPool, err := s.GetByIndex(ctx, CollectionTokens, IndexPoolAddress, "0xp1")
		require.NoError(t, err)
		require.Len(t, byPool, 2)
		assert.Equal(t, "0xb1", byPool[0].Key)
		assert.Equal(t, "0xb2", byPool[1].Key)

		// move 0xb2 to another pool
		require.NoError(t, s.Put(ctx, CollectionTokens,
			rec("0xb2", map[string]string{IndexChainID: "8453", IndexPoolAddress: "0xp2"}, 0)))

		byPool, err = s.GetByIndex(ctx, CollectionTokens, IndexPoolAddress, "0xp1")
		require.NoError(t, err)
		require.Len(t, byPool, 1)

		byPool, err = s.GetByIndex(ctx, CollectionTokens, IndexPoolAddress, "0xp2")
		require.NoError(t, err)
		assert.Len(t, byPool, 2)

		_, err = s.GetByIndex(ctx, CollectionTokens, IndexKind, "x")
		assert.ErrorIs(t, err, ErrUnknownIndex)
	})

	t.Run("batch with invalid record writes nothing", func(t *testing.T) {
		s := newStore(t)
		ctx := testContext(t)

		err := s.PutBatch(ctx, CollectionPools, []Record{
			rec("0xok", map[string]string{IndexChainID: "8453"}, 0),
			rec("0xbad", map[string]string{"colour": "red"}, 0),
		})
		require.ErrorIs(t, err, ErrUnknownIndex)

		all, err := s.GetAll(ctx, CollectionPools)
		require.NoError(t, err)
		assert.Empty(t, all)
	})

	t.Run("delete expired", func(t *testing.T) {
		s := newStore(t)
		ctx := testContext(t)

		require.NoError(t, s.PutBatch(ctx, CollectionCache, []Record{
			rec("pools:1", map[string]string{IndexKind: "pools"}, 1000),
			rec("pools:2", map[string]string{IndexKind: "pools"}, 2000),
			rec("pools:3", map[string]string{IndexKind: "pools"}, 0),
		}))

		n, err := s.DeleteExpired(ctx, CollectionCache, 1500)
		require.NoError(t, err)
		assert.Equal(t, 1, n)

		all, err := s.GetAll(ctx, CollectionCache)
		require.NoError(t, err)
		require.Len(t, all, 2)
		assert.Equal(t, "pools:2", all[0].Key)
		assert.Equal(t, "pools:3", all[1].Key)

		// boundary is inclusive
		n, err = s.DeleteExpired(ctx, CollectionCache, 2000)
		require.NoError(t, err)
		assert.Equal(t, 1, n)

		byKind, err := s.GetByIndex(ctx, CollectionCache, IndexKind, "pools")
		require.NoError(t, err)
		assert.Len(t, byKind, 1)
	})

	t.Run("delete and clear", func(t *testing.T) {
		s := newStore(t)
		ctx := testContext(t)

		require.NoError(t, s.PutBatch(ctx, CollectionPortfolio, []Record{
			rec("0xu-8453", map[string]string{IndexUserAddress: "0xu", IndexChainID: "8453"}, 0),
			rec("0xu-84532", map[string]string{IndexUserAddress: "0xu", IndexChainID: "84532"}, 0),
		}))

		require.NoError(t, s.Delete(ctx, CollectionPortfolio, "0xu-8453"))
		require.NoError(t, s.Delete(ctx, CollectionPortfolio, "0xu-8453"))
		byUser, err := s.GetByIndex(ctx, CollectionPortfolio, IndexUserAddress, "0xu")
		require.NoError(t, err)
		assert.Len(t, byUser, 1)

		require.NoError(t, s.Clear(ctx, CollectionPortfolio))
		all, err := s.GetAll(ctx, CollectionPortfolio)
		require.NoError(t, err)
		assert.Empty(t, all)
		byUser, err = s.GetByIndex(ctx, CollectionPortfolio, IndexUserAddress, "0xu")
		require.NoError(t, err)
		assert.Empty(t, byUser)
	})

	t.Run("reset drops data and keeps schema", func(t *testing.T) {
		s := newStore(t)
		ctx := testContext(t)

		require.NoError(t, s.Put(ctx, CollectionChainStatus, rec("8453", nil, 0)))
		require.NoError(t, s.Reset(ctx))

		_, err := s.Get(ctx, CollectionChainStatus, "8453")
		assert.ErrorIs(t, err, ErrNotFound)

		v, err := s.Version(ctx)
		require.NoError(t, err)
		assert.Equal(t, CurrentSchemaVersion, v)
	})
}

func TestMemoryStore(t *testing.T) {
	runStoreSuite(t, func(t *testing.T) Store {
		return NewMemoryStore(DefaultSchema())
	})
}

func TestRedisStore(t *testing.T) {
	runStoreSuite(t, func(t *testing.T) Store {
		s, _ := newTestRedisStore(t)
		return s
	})
}

func TestPostgresStore(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping integration test in short mode")
	}

	cfg := &config.PostgresConfig{
		Host:           "localhost",
		Port:           "5432",
		Database:       "perp_portfolio",
		User:           "portfolio",
		Password:       "portfolio_dev_password",
		MaxConnections: 10,
	}

	pool, err := NewPostgresPool(context.Background(), cfg)
	if err != nil {
		t.Skipf("Skipping test - Postgres not available: %v", err)
		return
	}
	pool.Close()
	require.NoError(t, RunMigrations(cfg.URL()))

	n := 0
	runStoreSuite(t, func(t *testing.T) Store {
		n++
		pool, err := NewPostgresPool(testContext(t), cfg)
		require.NoError(t, err)
		s := NewPostgresStore(pool, fmt.Sprintf("test-%d", n), DefaultSchema())
		require.NoError(t, s.Reset(testContext(t)))
		t.Cleanup(func() { _ = s.Close() })
		return s
	})
}

func TestPrepare_AddsCollectionsFromOlderVersion(t *testing.T) {
	ctx := testContext(t)
	s := NewMemoryStore(DefaultSchema())
	require.NoError(t, s.Put(ctx, CollectionPools, rec("0xkeep", nil, 0)))
	s.rewind(1, CollectionCache, CollectionPortfolio)

	require.NoError(t, Prepare(ctx, s, nil))

	v, err := s.Version(ctx)
	require.NoError(t, err)
	assert.Equal(t, CurrentSchemaVersion, v)

	// existing data survives, new collections usable
	_, err = s.Get(ctx, CollectionPools, "0xkeep")
	require.NoError(t, err)
	require.NoError(t, s.Put(ctx, CollectionPortfolio, rec("0xu-8453", nil, 0)))
}

func TestPrepare_ReinitializesDamagedStore(t *testing.T) {
	ctx := testContext(t)
	s := NewMemoryStore(DefaultSchema())
	require.NoError(t, s.Put(ctx, CollectionPools, rec("0xgone", nil, 0)))
	s.rewind(CurrentSchemaVersion, CollectionTokens)

	_, err := s.Get(ctx, CollectionTokens, "0x1")
	require.ErrorIs(t, err, ErrMissingCollections)

	require.NoError(t, Prepare(ctx, s, nil))

	_, err = s.Get(ctx, CollectionTokens, "0x1")
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = s.Get(ctx, CollectionPools, "0xgone")
	assert.ErrorIs(t, err, ErrNotFound, "reinitialize drops existing data")
}

func TestRedisStore_PrepareReinitializesDamagedStore(t *testing.T) {
	ctx := testContext(t)
	s, mr := newTestRedisStore(t)
	require.NoError(t, s.Put(ctx, CollectionPools, rec("0xgone", nil, 0)))

	_, err := mr.SRem("test:collections", CollectionTokens)
	require.NoError(t, err)

	require.NoError(t, Prepare(ctx, s, nil))

	members, err := mr.Members("test:collections")
	require.NoError(t, err)
	assert.ElementsMatch(t, DefaultSchema().Names(), members)
	assert.False(t, mr.Exists("test:pools"))
}

func TestRedisStore_PrepareUpgradesOlderVersion(t *testing.T) {
	ctx := testContext(t)
	s, mr := newTestRedisStore(t)
	require.NoError(t, s.Put(ctx, CollectionPools, rec("0xkeep", nil, 0)))

	mr.HSet("test:meta", "version", "1")
	_, err := mr.SRem("test:collections", CollectionPortfolio)
	require.NoError(t, err)

	require.NoError(t, Prepare(ctx, s, nil))

	v, err := s.Version(ctx)
	require.NoError(t, err)
	assert.Equal(t, CurrentSchemaVersion, v)
	_, err = s.Get(ctx, CollectionPools, "0xkeep")
	assert.NoError(t, err)
}

func TestUnavailableStore(t *testing.T) {
	ctx := testContext(t)
	cause := errors.New("dial tcp: connection refused")
	s := UnavailableStore{Cause: cause}

	_, err := s.Get(ctx, CollectionPools, "x")
	assert.ErrorIs(t, err, ErrStoreUnavailable)
	assert.ErrorIs(t, err, cause)
	assert.ErrorIs(t, UnavailableStore{}.Put(ctx, CollectionPools, rec("x", nil, 0)), ErrStoreUnavailable)
	assert.False(t, IsAvailable(s))
	assert.False(t, IsAvailable(nil))
	assert.True(t, IsAvailable(NewMemoryStore(DefaultSchema())))
}

func TestSchemaMissing(t *testing.T) {
	missing := DefaultSchema().Missing([]string{CollectionPools, CollectionTokens})
	assert.Equal(t, []string{CollectionCache, CollectionChainStatus, CollectionPortfolio}, missing)
}

func TestDeleteExpiredProperty(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100
	properties := gopter.NewProperties(parameters)

	properties.Property("removes exactly the records expired at now", prop.ForAll(
		func(expiries []int64, now int64) bool {
			ctx := context.Background()
			s := NewMemoryStore(DefaultSchema())

			want := 0
			recs := make([]Record, len(expiries))
			for i, exp := range expiries {
				recs[i] = rec(fmt.Sprintf("k%d", i), nil, exp)
				if exp > 0 && exp <= now {
					want++
				}
			}
			if err := s.PutBatch(ctx, CollectionCache, recs); err != nil {
				return false
			}

			n, err := s.DeleteExpired(ctx, CollectionCache, now)
			if err != nil || n != want {
				return false
			}
			left, err := s.GetAll(ctx, CollectionCache)
			if err != nil || len(left) != len(expiries)-want {
				return false
			}
			for _, r := range left {
				if r.Expired(now) {
					return false
				}
			}
			return true
		},
		gen.SliceOf(gen.Int64Range(0, 10_000)),
		gen.Int64Range(0, 10_000),
	))

	properties.TestingRun(t)
}
