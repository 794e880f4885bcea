package retry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var errBoom = errors.New("boom")

func TestBackoffLinear(t *testing.T) {
	cfg := Config{InitialDelay: 2 * time.Second, Strategy: StrategyLinear}

	assert.Equal(t, 2*time.Second, Backoff(cfg, 1))
	assert.Equal(t, 4*time.Second, Backoff(cfg, 2))
	assert.Equal(t, 6*time.Second, Backoff(cfg, 3))
}

func TestBackoffExponentialCapped(t *testing.T) {
	cfg := Config{
		InitialDelay: 100 * time.Millisecond,
		MaxDelay:     300 * time.Millisecond,
		Multiplier:   2.0,
		Strategy:     StrategyExponential,
	}

	assert.Equal(t, 100*time.Millisecond, Backoff(cfg, 1))
	assert.Equal(t, 200*time.Millisecond, Backoff(cfg, 2))
	assert.Equal(t, 300*time.Millisecond, Backoff(cfg, 3))
	assert.Equal(t, 300*time.Millisecond, Backoff(cfg, 4))
}

func TestDoSucceedsAfterFailures(t *testing.T) {
	cfg := Config{Enabled: true, MaxAttempts: 3, InitialDelay: time.Millisecond, Multiplier: 2.0}

	calls := 0
	err := Do(context.Background(), cfg, func() error {
		calls++
		if calls < 3 {
			return errBoom
		}
		return nil
	})

	require.NoError(t, err)
	assert.Equal(t, 3, calls)
}

func TestDoExhaustsBudget(t *testing.T) {
	cfg := Config{Enabled: true, MaxAttempts: 2, InitialDelay: time.Millisecond, Multiplier: 2.0}

	calls := 0
	err := Do(context.Background(), cfg, func() error {
		calls++
		return errBoom
	})

	require.Error(t, err)
	assert.ErrorIs(t, err, errBoom)
	assert.Equal(t, 2, calls)
}

func TestDoWithResultDisabledRunsOnce(t *testing.T) {
	cfg := Config{Enabled: false}

	calls := 0
	v, err := DoWithResult(context.Background(), cfg, func() (int, error) {
		calls++
		return 42, nil
	})

	require.NoError(t, err)
	assert.Equal(t, 42, v)
	assert.Equal(t, 1, calls)
}

func TestDoRespectsContextCancellation(t *testing.T) {
	cfg := Config{Enabled: true, MaxAttempts: 5, InitialDelay: time.Hour, Multiplier: 2.0}

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(10 * time.Millisecond)
		cancel()
	}()

	err := Do(ctx, cfg, func() error { return errBoom })
	require.Error(t, err)
	assert.ErrorIs(t, err, context.Canceled)
}
