package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/perp-pool-portfolio/internal/config"
)

// NewPostgresPool creates a pgx connection pool and verifies it with a ping
func NewPostgresPool(ctx context.Context, cfg *config.PostgresConfig) (*pgxpool.Pool, error) {
	connString := fmt.Sprintf(
		"host=%s port=%s user=%s password=%s dbname=%s sslmode=disable pool_max_conns=%d",
		cfg.Host,
		cfg.Port,
		cfg.User,
		cfg.Password,
		cfg.Database,
		cfg.MaxConnections,
	)

	poolConfig, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, fmt.Errorf("unable to parse connection string: %w", err)
	}

	poolConfig.MaxConns = int32(cfg.MaxConnections) // #nosec G115 - MaxConnections is validated in config
	poolConfig.MinConns = 2
	poolConfig.MaxConnLifetime = time.Hour
	poolConfig.MaxConnIdleTime = 30 * time.Minute
	poolConfig.HealthCheckPeriod = time.Minute

	connectCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	pool, err := pgxpool.NewWithConfig(connectCtx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("unable to create connection pool: %w", err)
	}

	if err := pool.Ping(connectCtx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("unable to ping database: %w", err)
	}
	return pool, nil
}

// PostgresStore keeps every collection in the shared cache_records table,
// partitioned by namespace and collection.
type PostgresStore struct {
	pool   *pgxpool.Pool
	ns     string
	schema Schema
}

var _ Store = (*PostgresStore)(nil)

// NewPostgresStore wraps a pool whose tables RunMigrations has created
func NewPostgresStore(pool *pgxpool.Pool, namespace string, schema Schema) *PostgresStore {
	if namespace == "" {
		namespace = "portfolio"
	}
	return &PostgresStore{pool: pool, ns: namespace, schema: schema}
}

// Backend implements Store
func (s *PostgresStore) Backend() string { return config.BackendPostgres }

// Version implements Store
func (s *PostgresStore) Version(ctx context.Context) (int, error) {
	var v int
	err := s.pool.QueryRow(ctx,
		`SELECT schema_version FROM cache_meta WHERE namespace = $1`, s.ns).Scan(&v)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, nil
	}
	return v, err
}

func (s *PostgresStore) presentCollections(ctx context.Context, q pgx.Tx) ([]string, error) {
	rows, err := q.Query(ctx, `SELECT name FROM cache_collections WHERE namespace = $1`, s.ns)
	if err != nil {
		return nil, err
	}
	return pgx.CollectRows(rows, pgx.RowTo[string])
}

func (s *PostgresStore) migrate(ctx context.Context) ([]string, error) {
	var added []string
	err := pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		var version int
		err := tx.QueryRow(ctx,
			`SELECT schema_version FROM cache_meta WHERE namespace = $1 FOR UPDATE`, s.ns).Scan(&version)
		if err != nil && !errors.Is(err, pgx.ErrNoRows) {
			return err
		}

		present, err := s.presentCollections(ctx, tx)
		if err != nil {
			return err
		}
		missing := s.schema.Missing(present)
		if len(missing) > 0 && version >= s.schema.Version {
			return fmt.Errorf("%w: %v", ErrMissingCollections, missing)
		}

		for _, name := range missing {
			def, _ := s.schema.Collection(name)
			_, err := tx.Exec(ctx,
				`INSERT INTO cache_collections (namespace, name, key_path, indexes) VALUES ($1, $2, $3, $4)`,
				s.ns, def.Name, def.KeyPath, def.Indexes)
			if err != nil {
				return err
			}
		}
		_, err = tx.Exec(ctx, `
			INSERT INTO cache_meta (namespace, schema_version) VALUES ($1, $2)
			ON CONFLICT (namespace) DO UPDATE SET schema_version = EXCLUDED.schema_version, updated_at = NOW()`,
			s.ns, s.schema.Version)
		if err != nil {
			return err
		}
		added = missing
		return nil
	})
	return added, err
}

func (s *PostgresStore) def(collection string) (CollectionDef, error) {
	return s.schema.Collection(collection)
}

func scanRecord(row pgx.Row) (Record, error) {
	var (
		rec  Record
		data string
	)
	if err := row.Scan(&rec.Key, &data, &rec.Indexes, &rec.ExpiresAt); err != nil {
		return Record{}, err
	}
	rec.Data = []byte(data)
	if len(rec.Indexes) == 0 {
		rec.Indexes = nil
	}
	return rec, nil
}

func (s *PostgresStore) queryRecords(ctx context.Context, sql string, args ...interface{}) ([]Record, error) {
	rows, err := s.pool.Query(ctx, sql, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Record
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// Get implements Store
func (s *PostgresStore) Get(ctx context.Context, collection, key string) (Record, error) {
	if _, err := s.def(collection); err != nil {
		return Record{}, err
	}
	row := s.pool.QueryRow(ctx, `
		SELECT key, data, indexes, expires_at FROM cache_records
		WHERE namespace = $1 AND collection = $2 AND key = $3`,
		s.ns, collection, key)
	rec, err := scanRecord(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return Record{}, ErrNotFound
	}
	return rec, err
}

// GetByIndex implements Store
func (s *PostgresStore) GetByIndex(ctx context.Context, collection, index, value string) ([]Record, error) {
	def, err := s.def(collection)
	if err != nil {
		return nil, err
	}
	if !def.HasIndex(index) {
		return nil, fmt.Errorf("%w: %s.%s", ErrUnknownIndex, collection, index)
	}
	return s.queryRecords(ctx, `
		SELECT key, data, indexes, expires_at FROM cache_records
		WHERE namespace = $1 AND collection = $2 AND indexes ->> $3 = $4
		ORDER BY key`,
		s.ns, collection, index, value)
}

// GetAll implements Store
func (s *PostgresStore) GetAll(ctx context.Context, collection string) ([]Record, error) {
	if _, err := s.def(collection); err != nil {
		return nil, err
	}
	return s.queryRecords(ctx, `
		SELECT key, data, indexes, expires_at FROM cache_records
		WHERE namespace = $1 AND collection = $2
		ORDER BY key`,
		s.ns, collection)
}

// Put implements Store
func (s *PostgresStore) Put(ctx context.Context, collection string, rec Record) error {
	return s.PutBatch(ctx, collection, []Record{rec})
}

// PutBatch implements Store
func (s *PostgresStore) PutBatch(ctx context.Context, collection string, recs []Record) error {
	if len(recs) == 0 {
		return nil
	}
	def, err := s.def(collection)
	if err != nil {
		return err
	}

	batch := &pgx.Batch{}
	for _, rec := range recs {
		if err := validateRecord(def, rec); err != nil {
			return err
		}
		indexes := rec.Indexes
		if indexes == nil {
			indexes = map[string]string{}
		}
		batch.Queue(`
			INSERT INTO cache_records (namespace, collection, key, data, indexes, expires_at)
			VALUES ($1, $2, $3, $4, $5, $6)
			ON CONFLICT (namespace, collection, key) DO UPDATE SET
				data = EXCLUDED.data,
				indexes = EXCLUDED.indexes,
				expires_at = EXCLUDED.expires_at,
				updated_at = NOW()`,
			s.ns, collection, rec.Key, string(rec.Data), indexes, rec.ExpiresAt)
	}

	return pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		return tx.SendBatch(ctx, batch).Close()
	})
}

// Delete implements Store
func (s *PostgresStore) Delete(ctx context.Context, collection, key string) error {
	if _, err := s.def(collection); err != nil {
		return err
	}
	_, err := s.pool.Exec(ctx,
		`DELETE FROM cache_records WHERE namespace = $1 AND collection = $2 AND key = $3`,
		s.ns, collection, key)
	return err
}

// Clear implements Store
func (s *PostgresStore) Clear(ctx context.Context, collection string) error {
	if _, err := s.def(collection); err != nil {
		return err
	}
	_, err := s.pool.Exec(ctx,
		`DELETE FROM cache_records WHERE namespace = $1 AND collection = $2`, s.ns, collection)
	return err
}

// DeleteExpired implements Store
func (s *PostgresStore) DeleteExpired(ctx context.Context, collection string, now int64) (int, error) {
	if _, err := s.def(collection); err != nil {
		return 0, err
	}
	tag, err := s.pool.Exec(ctx, `
		DELETE FROM cache_records
		WHERE namespace = $1 AND collection = $2 AND expires_at > 0 AND expires_at <= $3`,
		s.ns, collection, now)
	if err != nil {
		return 0, err
	}
	return int(tag.RowsAffected()), nil
}

// Reset implements Store
func (s *PostgresStore) Reset(ctx context.Context) error {
	err := pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		for _, table := range []string{"cache_records", "cache_collections", "cache_meta"} {
			if _, err := tx.Exec(ctx, "DELETE FROM "+table+" WHERE namespace = $1", s.ns); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return err
	}
	_, err = s.migrate(ctx)
	return err
}

// Close implements Store
func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}

// Ping checks if the database is reachable
func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}
