package retry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func fastConfig(attempts int) *RetryConfig {
	return &RetryConfig{
		MaxAttempts:  attempts,
		InitialDelay: time.Millisecond,
		MaxDelay:     5 * time.Millisecond,
		Multiplier:   2,
	}
}

func TestWithExponentialBackoff_SucceedsAfterRetries(t *testing.T) {
	calls := 0
	result := WithExponentialBackoff(context.Background(), fastConfig(5), func(context.Context, int) error {
		calls++
		if calls < 3 {
			return errors.New("connection refused")
		}
		return nil
	})

	assert.True(t, result.Success)
	assert.Equal(t, 3, result.Attempts)
	assert.NoError(t, result.LastError)
}

func TestWithExponentialBackoff_GivesUp(t *testing.T) {
	boom := errors.New("connection refused")
	err := Do(context.Background(), fastConfig(3), func(context.Context, int) error { return boom })

	require.Error(t, err)
	assert.ErrorIs(t, err, boom)
	assert.Contains(t, err.Error(), "3 attempts")
}

func TestPermanentStopsRetrying(t *testing.T) {
	calls := 0
	boom := errors.New("schema mismatch")
	err := Do(context.Background(), fastConfig(5), func(context.Context, int) error {
		calls++
		return Permanent(boom)
	})

	assert.ErrorIs(t, err, boom)
	assert.Equal(t, 1, calls)
	assert.Nil(t, Permanent(nil))
}

func TestRetryableErrorsFilter(t *testing.T) {
	cfg := fastConfig(5)
	cfg.RetryableErrors = []string{"timeout"}

	calls := 0
	_ = Do(context.Background(), cfg, func(context.Context, int) error {
		calls++
		return errors.New("access denied")
	})
	assert.Equal(t, 1, calls)

	assert.True(t, IsRetryable(errors.New("i/o timeout"), cfg.RetryableErrors))
	assert.False(t, IsRetryable(nil, nil))
	assert.True(t, IsRetryable(errors.New("anything"), nil))
}

func TestCalculateDelayCaps(t *testing.T) {
	cfg := &RetryConfig{InitialDelay: time.Second, MaxDelay: 3 * time.Second, Multiplier: 2}
	assert.Equal(t, time.Second, calculateDelay(cfg, 1))
	assert.Equal(t, 2*time.Second, calculateDelay(cfg, 2))
	assert.Equal(t, 3*time.Second, calculateDelay(cfg, 3))
}

func TestCancelledDuringBackoff(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cfg := &RetryConfig{MaxAttempts: 5, InitialDelay: time.Second, MaxDelay: time.Second, Multiplier: 1}

	result := WithExponentialBackoff(ctx, cfg, func(context.Context, int) error {
		cancel()
		return errors.New("connection refused")
	})
	assert.False(t, result.Success)
	assert.ErrorIs(t, result.LastError, context.Canceled)
}
