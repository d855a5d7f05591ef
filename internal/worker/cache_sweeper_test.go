package worker

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/perp-pool-portfolio/internal/models"
	"github.com/perp-pool-portfolio/internal/storage"
	"github.com/perp-pool-portfolio/internal/types"
)

type countingSweeper struct {
	mu    sync.Mutex
	runs  int
	err   error
	runCh chan struct{}
}

func (s *countingSweeper) SweepExpired(context.Context) (int, error) {
	s.mu.Lock()
	s.runs++
	err := s.err
	s.mu.Unlock()
	if s.runCh != nil {
		select {
		case s.runCh <- struct{}{}:
		default:
		}
	}
	return 2, err
}

func TestNewCacheSweeper_Validation(t *testing.T) {
	_, err := NewCacheSweeper(nil, "@every 1m", nil)
	assert.Error(t, err)

	_, err = NewCacheSweeper(&countingSweeper{}, "not a schedule", nil)
	assert.Error(t, err)

	for _, spec := range []string{"@every 1m", "*/30 * * * * *", "0 */5 * * *"} {
		_, err := NewCacheSweeper(&countingSweeper{}, spec, nil)
		assert.NoError(t, err, spec)
	}
}

func TestCacheSweeper_RunOnceRemovesExpired(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	clock := func() time.Time { return now }

	store := storage.NewMemoryStore(storage.DefaultSchema())
	require.NoError(t, storage.Prepare(context.Background(), store, nil))
	repo := storage.NewCacheRepository(store, 5, nil, storage.WithClock(clock), storage.WithRetention(0))
	ctx := context.Background()

	require.NoError(t, repo.PutPoolList(ctx, types.ChainBase, []string{"0x1000000000000000000000000000000000000001"}))
	require.NoError(t, repo.PutPortfolio(ctx, &models.PortfolioCache{
		UserAddress: "0xa11ce00000000000000000000000000000000001",
		ChainID:     types.ChainBase,
	}))

	sweeper, err := NewCacheSweeper(repo, "@every 1m", nil)
	require.NoError(t, err)

	removed, err := sweeper.RunOnce(ctx)
	require.NoError(t, err)
	assert.Zero(t, removed)

	now = now.Add(6 * time.Minute)
	removed, err = sweeper.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, removed)

	last, n, lastErr := sweeper.LastRun()
	assert.False(t, last.IsZero())
	assert.Equal(t, 2, n)
	assert.NoError(t, lastErr)
}

func TestCacheSweeper_RecordsFailure(t *testing.T) {
	fake := &countingSweeper{err: errors.New("redis: connection refused")}
	sweeper, err := NewCacheSweeper(fake, "@every 1m", nil)
	require.NoError(t, err)

	_, err = sweeper.RunOnce(context.Background())
	assert.Error(t, err)
	_, _, lastErr := sweeper.LastRun()
	assert.Error(t, lastErr)
}

func TestCacheSweeper_StartStop(t *testing.T) {
	fake := &countingSweeper{runCh: make(chan struct{}, 1)}
	sweeper, err := NewCacheSweeper(fake, "* * * * * *", nil)
	require.NoError(t, err)

	sweeper.Start(context.Background())
	sweeper.Start(context.Background())
	assert.True(t, sweeper.IsRunning())

	select {
	case <-fake.runCh:
	case <-time.After(3 * time.Second):
		t.Fatal("sweep did not run on schedule")
	}

	sweeper.Stop()
	sweeper.Stop()
	assert.False(t, sweeper.IsRunning())
}
