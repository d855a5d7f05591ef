package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/perp-pool-portfolio/internal/config"
)

// NewRedisClient creates a Redis connection and verifies it with a ping
func NewRedisClient(ctx context.Context, cfg *config.RedisConfig) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{
		Addr:         fmt.Sprintf("%s:%s", cfg.Host, cfg.Port),
		Password:     cfg.Password,
		DB:           cfg.DB,
		PoolSize:     cfg.MaxConnections,
		MinIdleConns: 5,
		MaxRetries:   3,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
		PoolTimeout:  4 * time.Second,
	})

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}
	return client, nil
}

// RedisStore keeps each collection in a hash of JSON records under
// "<ns>:<collection>". Secondary indexes are sets of keys and expiries
// live in a sorted set scored by expiresAt.
//
//	<ns>:meta                           hash  {version}
//	<ns>:collections                    set   collection names
//	<ns>:<coll>                         hash  key -> record JSON
//	<ns>:<coll>:idx:<index>:<value>     set   keys
//	<ns>:<coll>:exp                     zset  key scored by expiresAt
type RedisStore struct {
	client redis.UniversalClient
	ns     string
	schema Schema
}

var _ Store = (*RedisStore)(nil)

// NewRedisStore wraps a connected client. The schema is applied by Open.
func NewRedisStore(client redis.UniversalClient, namespace string, schema Schema) *RedisStore {
	if namespace == "" {
		namespace = "portfolio"
	}
	return &RedisStore{client: client, ns: namespace, schema: schema}
}

func (s *RedisStore) metaKey() string        { return s.ns + ":meta" }
func (s *RedisStore) collectionsKey() string { return s.ns + ":collections" }
func (s *RedisStore) dataKey(coll string) string {
	return s.ns + ":" + coll
}
func (s *RedisStore) expKey(coll string) string {
	return s.ns + ":" + coll + ":exp"
}
func (s *RedisStore) indexKey(coll, index, value string) string {
	return s.ns + ":" + coll + ":idx:" + index + ":" + value
}

// Backend implements Store
func (s *RedisStore) Backend() string { return config.BackendRedis }

// Version implements Store
func (s *RedisStore) Version(ctx context.Context) (int, error) {
	v, err := s.client.HGet(ctx, s.metaKey(), "version").Result()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	return strconv.Atoi(v)
}

func (s *RedisStore) migrate(ctx context.Context) ([]string, error) {
	version, err := s.Version(ctx)
	if err != nil {
		return nil, err
	}
	present, err := s.client.SMembers(ctx, s.collectionsKey()).Result()
	if err != nil {
		return nil, err
	}

	missing := s.schema.Missing(present)
	if len(missing) > 0 && version >= s.schema.Version {
		return nil, fmt.Errorf("%w: %v", ErrMissingCollections, missing)
	}

	_, err = s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		for _, name := range missing {
			pipe.SAdd(ctx, s.collectionsKey(), name)
		}
		pipe.HSet(ctx, s.metaKey(), "version", s.schema.Version)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return missing, nil
}

func (s *RedisStore) def(ctx context.Context, collection string) (CollectionDef, error) {
	def, err := s.schema.Collection(collection)
	if err != nil {
		return def, err
	}
	ok, err := s.client.SIsMember(ctx, s.collectionsKey(), collection).Result()
	if err != nil {
		return def, err
	}
	if !ok {
		return def, fmt.Errorf("%w: %s", ErrMissingCollections, collection)
	}
	return def, nil
}

func decodeRedisRecord(raw string) (Record, error) {
	var rec Record
	if err := json.Unmarshal([]byte(raw), &rec); err != nil {
		return Record{}, fmt.Errorf("decode record: %w", err)
	}
	return rec, nil
}

// Get implements Store
func (s *RedisStore) Get(ctx context.Context, collection, key string) (Record, error) {
	if _, err := s.def(ctx, collection); err != nil {
		return Record{}, err
	}
	raw, err := s.client.HGet(ctx, s.dataKey(collection), key).Result()
	if errors.Is(err, redis.Nil) {
		return Record{}, ErrNotFound
	}
	if err != nil {
		return Record{}, err
	}
	return decodeRedisRecord(raw)
}

func (s *RedisStore) getMany(ctx context.Context, collection string, keys []string) ([]Record, error) {
	if len(keys) == 0 {
		return nil, nil
	}
	vals, err := s.client.HMGet(ctx, s.dataKey(collection), keys...).Result()
	if err != nil {
		return nil, err
	}
	out := make([]Record, 0, len(vals))
	for _, v := range vals {
		raw, ok := v.(string)
		if !ok {
			continue // index entry without a record
		}
		rec, err := decodeRedisRecord(raw)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	sortRecords(out)
	return out, nil
}

// GetByIndex implements Store
func (s *RedisStore) GetByIndex(ctx context.Context, collection, index, value string) ([]Record, error) {
	def, err := s.def(ctx, collection)
	if err != nil {
		return nil, err
	}
	if !def.HasIndex(index) {
		return nil, fmt.Errorf("%w: %s.%s", ErrUnknownIndex, collection, index)
	}
	keys, err := s.client.SMembers(ctx, s.indexKey(collection, index, value)).Result()
	if err != nil {
		return nil, err
	}
	return s.getMany(ctx, collection, keys)
}

// GetAll implements Store
func (s *RedisStore) GetAll(ctx context.Context, collection string) ([]Record, error) {
	if _, err := s.def(ctx, collection); err != nil {
		return nil, err
	}
	all, err := s.client.HGetAll(ctx, s.dataKey(collection)).Result()
	if err != nil {
		return nil, err
	}
	out := make([]Record, 0, len(all))
	for _, raw := range all {
		rec, err := decodeRedisRecord(raw)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	sortRecords(out)
	return out, nil
}

// Put implements Store
func (s *RedisStore) Put(ctx context.Context, collection string, rec Record) error {
	return s.PutBatch(ctx, collection, []Record{rec})
}

// PutBatch implements Store. Previous index entries of replaced records are
// read first so the transaction can unlink them.
func (s *RedisStore) PutBatch(ctx context.Context, collection string, recs []Record) error {
	if len(recs) == 0 {
		return nil
	}
	def, err := s.def(ctx, collection)
	if err != nil {
		return err
	}

	keys := make([]string, 0, len(recs))
	encoded := make([]string, 0, len(recs))
	for _, rec := range recs {
		if err := validateRecord(def, rec); err != nil {
			return err
		}
		b, err := json.Marshal(rec)
		if err != nil {
			return fmt.Errorf("encode record %s: %w", rec.Key, err)
		}
		keys = append(keys, rec.Key)
		encoded = append(encoded, string(b))
	}

	previous, err := s.getMany(ctx, collection, keys)
	if err != nil {
		return err
	}

	_, err = s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		for _, old := range previous {
			s.unlink(ctx, pipe, collection, old)
		}
		for i, rec := range recs {
			pipe.HSet(ctx, s.dataKey(collection), rec.Key, encoded[i])
			for index, value := range rec.Indexes {
				pipe.SAdd(ctx, s.indexKey(collection, index, value), rec.Key)
			}
			if rec.ExpiresAt > 0 {
				pipe.ZAdd(ctx, s.expKey(collection), redis.Z{Score: float64(rec.ExpiresAt), Member: rec.Key})
			}
		}
		return nil
	})
	return err
}

// unlink queues removal of a record's index and expiry entries
func (s *RedisStore) unlink(ctx context.Context, pipe redis.Pipeliner, collection string, rec Record) {
	for index, value := range rec.Indexes {
		pipe.SRem(ctx, s.indexKey(collection, index, value), rec.Key)
	}
	pipe.ZRem(ctx, s.expKey(collection), rec.Key)
}

func (s *RedisStore) deleteRecords(ctx context.Context, collection string, recs []Record) error {
	if len(recs) == 0 {
		return nil
	}
	_, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		for _, rec := range recs {
			s.unlink(ctx, pipe, collection, rec)
			pipe.HDel(ctx, s.dataKey(collection), rec.Key)
		}
		return nil
	})
	return err
}

// Delete implements Store
func (s *RedisStore) Delete(ctx context.Context, collection, key string) error {
	rec, err := s.Get(ctx, collection, key)
	if errors.Is(err, ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	return s.deleteRecords(ctx, collection, []Record{rec})
}

// Clear implements Store
func (s *RedisStore) Clear(ctx context.Context, collection string) error {
	if _, err := s.def(ctx, collection); err != nil {
		return err
	}
	idx, err := s.client.Keys(ctx, s.indexKey(collection, "*", "*")).Result()
	if err != nil {
		return err
	}
	keys := append(idx, s.dataKey(collection), s.expKey(collection))
	return s.client.Del(ctx, keys...).Err()
}

// DeleteExpired implements Store
func (s *RedisStore) DeleteExpired(ctx context.Context, collection string, now int64) (int, error) {
	if _, err := s.def(ctx, collection); err != nil {
		return 0, err
	}
	keys, err := s.client.ZRangeByScore(ctx, s.expKey(collection), &redis.ZRangeBy{
		Min: "1",
		Max: strconv.FormatInt(now, 10),
	}).Result()
	if err != nil {
		return 0, err
	}
	recs, err := s.getMany(ctx, collection, keys)
	if err != nil {
		return 0, err
	}
	if err := s.deleteRecords(ctx, collection, recs); err != nil {
		return 0, err
	}
	// drop expiry entries whose record is already gone
	if len(recs) < len(keys) {
		members := make([]interface{}, len(keys))
		for i, k := range keys {
			members[i] = k
		}
		if err := s.client.ZRem(ctx, s.expKey(collection), members...).Err(); err != nil {
			return len(recs), err
		}
	}
	return len(recs), nil
}

// Reset implements Store
func (s *RedisStore) Reset(ctx context.Context) error {
	keys, err := s.client.Keys(ctx, s.ns+":*").Result()
	if err != nil {
		return err
	}
	if len(keys) > 0 {
		if err := s.client.Del(ctx, keys...).Err(); err != nil {
			return err
		}
	}
	_, err = s.migrate(ctx)
	return err
}

// Close implements Store
func (s *RedisStore) Close() error {
	return s.client.Close()
}

// Ping checks if Redis is reachable
func (s *RedisStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}
