package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/perp-pool-portfolio/internal/config"
	"github.com/perp-pool-portfolio/internal/logging"
	"github.com/perp-pool-portfolio/internal/retry"
)

// OpenOptions tunes how Open connects
type OpenOptions struct {
	Schema Schema
	Retry  *retry.RetryConfig
}

// DefaultOpenOptions returns the default schema and a short connect retry
func DefaultOpenOptions() OpenOptions {
	return OpenOptions{
		Schema: DefaultSchema(),
		Retry: &retry.RetryConfig{
			MaxAttempts:  3,
			InitialDelay: 500 * time.Millisecond,
			MaxDelay:     5 * time.Second,
			Multiplier:   2.0,
		},
	}
}

// Open connects the configured cache backend and brings its schema up to
// date. A backend that cannot be reached yields an UnavailableStore and a nil
// error: the caller runs in cache-less mode. Only configuration mistakes are
// returned as errors.
func Open(ctx context.Context, cfg *config.Config, opts OpenOptions, logger *logging.Logger) (Store, error) {
	if logger == nil {
		logger = logging.GetGlobalLogger()
	}
	log := logger.WithComponent("cache-store").WithField("backend", cfg.Cache.Backend)
	if len(opts.Schema.Collections) == 0 {
		opts.Schema = DefaultSchema()
	}

	var store Store
	switch cfg.Cache.Backend {
	case config.BackendNone:
		log.Info("Persistent cache disabled, running cache-less")
		return UnavailableStore{}, nil

	case config.BackendMemory, "":
		store = NewMemoryStore(opts.Schema)

	case config.BackendRedis:
		err := retry.Do(ctx, opts.Retry, func(ctx context.Context, attempt int) error {
			client, err := NewRedisClient(ctx, &cfg.Database.Redis)
			if err != nil {
				return err
			}
			store = NewRedisStore(client, cfg.Cache.Namespace, opts.Schema)
			return nil
		})
		if err != nil {
			log.WithError(err).Error("Cache store unreachable, running cache-less")
			return UnavailableStore{Cause: err}, nil
		}

	case config.BackendPostgres:
		err := retry.Do(ctx, opts.Retry, func(ctx context.Context, attempt int) error {
			pool, err := NewPostgresPool(ctx, &cfg.Database.Postgres)
			if err != nil {
				return err
			}
			if err := RunMigrations(cfg.Database.Postgres.URL()); err != nil {
				pool.Close()
				return err
			}
			store = NewPostgresStore(pool, cfg.Cache.Namespace, opts.Schema)
			return nil
		})
		if err != nil {
			log.WithError(err).Error("Cache store unreachable, running cache-less")
			return UnavailableStore{Cause: err}, nil
		}

	default:
		return nil, fmt.Errorf("unknown cache backend %q", cfg.Cache.Backend)
	}

	if err := Prepare(ctx, store, log); err != nil {
		_ = store.Close()
		log.WithError(err).Error("Cache store could not be prepared, running cache-less")
		return UnavailableStore{Cause: err}, nil
	}
	return store, nil
}

// Prepare applies additive schema migration. A store that claims the current
// version but lacks collections is force-reinitialized and migrated again.
func Prepare(ctx context.Context, store Store, logger *logging.Logger) error {
	if logger == nil {
		logger = logging.GetGlobalLogger()
	}
	m, ok := store.(migrator)
	if !ok {
		return nil
	}

	added, err := m.migrate(ctx)
	if errors.Is(err, ErrMissingCollections) {
		logger.WithError(err).Warn("Cache schema damaged, reinitializing")
		if err := ForceReinitialize(ctx, store, logger); err != nil {
			return err
		}
		added, err = m.migrate(ctx)
	}
	if err != nil {
		return fmt.Errorf("migrate cache schema: %w", err)
	}

	if len(added) > 0 {
		logger.WithField("collections", added).Info("Cache schema upgraded")
	}
	return nil
}

// ForceReinitialize drops all cached data and recreates the schema
func ForceReinitialize(ctx context.Context, store Store, logger *logging.Logger) error {
	if err := store.Reset(ctx); err != nil {
		return fmt.Errorf("reinitialize cache store: %w", err)
	}
	if logger != nil {
		logger.Warn("Cache store reinitialized")
	}
	return nil
}
