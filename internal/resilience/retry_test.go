package resilience

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/extract-cli/internal/config"
)

func fastRetry(attempts int) RetryConfig {
	return RetryConfig{
		MaxAttempts:    attempts,
		InitialBackoff: time.Millisecond,
		MaxBackoff:     5 * time.Millisecond,
		Multiplier:     2.0,
	}
}

func TestDoVal_SuccessAfterTransient(t *testing.T) {
	var calls int
	val, err := DoVal(context.Background(), fastRetry(3), func(_ context.Context) (string, error) {
		calls++
		if calls < 3 {
			return "", NewTransientError(errors.New("overloaded"), 529)
		}
		return "61", nil
	})
	require.NoError(t, err)
	assert.Equal(t, "61", val)
	assert.Equal(t, 3, calls)
}

func TestDoVal_ExhaustsAttempts(t *testing.T) {
	var calls int
	val, err := DoVal(context.Background(), fastRetry(3), func(_ context.Context) (int, error) {
		calls++
		return 7, NewTransientError(errors.New("always"), 503)
	})
	assert.Error(t, err)
	assert.Equal(t, 0, val)
	assert.Equal(t, 3, calls)
}

func TestDo_NonTransientNotRetried(t *testing.T) {
	var calls int
	err := Do(context.Background(), fastRetry(3), func(_ context.Context) error {
		calls++
		return errors.New("bad request")
	})
	assert.Error(t, err)
	assert.Equal(t, 1, calls)
}

func TestDo_DeadlineExceededIsRetried(t *testing.T) {
	var calls int
	err := Do(context.Background(), fastRetry(2), func(_ context.Context) error {
		calls++
		if calls == 1 {
			return context.DeadlineExceeded
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 2, calls)
}

func TestDo_ContextCancelledStops(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	var calls int
	cfg := fastRetry(5)
	cfg.InitialBackoff = 50 * time.Millisecond

	err := Do(ctx, cfg, func(_ context.Context) error {
		calls++
		cancel()
		return NewTransientError(errors.New("fail"), 500)
	})
	assert.Error(t, err)
	assert.Equal(t, 1, calls)
}

func TestDo_OnRetryAndShouldRetry(t *testing.T) {
	var attempts []int
	cfg := fastRetry(3)
	cfg.ShouldRetry = func(err error) bool { return err.Error() == "retry me" }
	cfg.OnRetry = func(attempt int, _ error) { attempts = append(attempts, attempt) }

	err := Do(context.Background(), cfg, func(_ context.Context) error {
		return errors.New("retry me")
	})
	assert.Error(t, err)
	assert.Equal(t, []int{1, 2}, attempts)
}

func TestComputeBackoff_Schedule(t *testing.T) {
	cfg := DefaultRetryConfig()
	cfg.JitterFraction = 0

	assert.Equal(t, 2*time.Second, computeBackoff(0, cfg))
	assert.Equal(t, 4*time.Second, computeBackoff(1, cfg))
	assert.Equal(t, 8*time.Second, computeBackoff(2, cfg))
	assert.Equal(t, 60*time.Second, computeBackoff(10, cfg))
}

func TestComputeBackoff_JitterBounds(t *testing.T) {
	cfg := applyDefaults(RetryConfig{InitialBackoff: time.Second, JitterFraction: 0.5})
	for i := 0; i < 100; i++ {
		d := computeBackoff(0, cfg)
		assert.GreaterOrEqual(t, d, 500*time.Millisecond)
		assert.LessOrEqual(t, d, 1500*time.Millisecond)
	}
}

func TestFromRetryConfig(t *testing.T) {
	cfg := FromRetryConfig(config.RetryConfig{MaxAttempts: 5, InitialBackoffMs: 100, MaxBackoffMs: 1000, Multiplier: 3})
	assert.Equal(t, 5, cfg.MaxAttempts)
	assert.Equal(t, 100*time.Millisecond, cfg.InitialBackoff)
	assert.Equal(t, time.Second, cfg.MaxBackoff)
	assert.InDelta(t, 3.0, cfg.Multiplier, 0.001)

	def := FromRetryConfig(config.RetryConfig{})
	assert.Equal(t, 2*time.Second, def.InitialBackoff)
	assert.Equal(t, 60*time.Second, def.MaxBackoff)
}

func TestRetryLogger(t *testing.T) {
	logger := RetryLogger("cheap", "doi")
	assert.NotPanics(t, func() { logger(1, errors.New("test error")) })
}
