package resilience

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/extract-cli/internal/config"
)

var errFail = errors.New("fail")

func tripN(cb *CircuitBreaker, n int) {
	for i := 0; i < n; i++ {
		_ = cb.Execute(context.Background(), func(_ context.Context) error { return errFail })
	}
}

func TestCircuitBreaker_OpensAfterThreshold(t *testing.T) {
	cb := NewCircuitBreaker(CircuitBreakerConfig{FailureThreshold: 3, ResetTimeout: time.Minute})

	tripN(cb, 2)
	failures, state := cb.Counters()
	assert.Equal(t, 2, failures)
	assert.Equal(t, CircuitClosed, state)

	tripN(cb, 1)
	assert.Equal(t, CircuitOpen, cb.State())

	err := cb.Execute(context.Background(), func(_ context.Context) error {
		t.Error("should not be called when circuit is open")
		return nil
	})
	assert.ErrorIs(t, err, ErrCircuitOpen)
}

func TestCircuitBreaker_SuccessResetsFailures(t *testing.T) {
	cb := NewCircuitBreaker(CircuitBreakerConfig{FailureThreshold: 3, ResetTimeout: time.Minute})
	tripN(cb, 2)

	require.NoError(t, cb.Execute(context.Background(), func(_ context.Context) error { return nil }))
	failures, _ := cb.Counters()
	assert.Equal(t, 0, failures)
}

func TestCircuitBreaker_HalfOpenRecovers(t *testing.T) {
	now := time.Now()
	cb := NewCircuitBreaker(CircuitBreakerConfig{FailureThreshold: 2, ResetTimeout: 100 * time.Millisecond})
	cb.nowFunc = func() time.Time { return now }
	tripN(cb, 2)
	require.Equal(t, CircuitOpen, cb.State())

	cb.nowFunc = func() time.Time { return now.Add(200 * time.Millisecond) }
	assert.Equal(t, CircuitHalfOpen, cb.State())

	require.NoError(t, cb.Execute(context.Background(), func(_ context.Context) error { return nil }))
	assert.Equal(t, CircuitClosed, cb.State())
}

func TestCircuitBreaker_HalfOpenFailureReopens(t *testing.T) {
	now := time.Now()
	cb := NewCircuitBreaker(CircuitBreakerConfig{FailureThreshold: 2, ResetTimeout: 100 * time.Millisecond})
	cb.nowFunc = func() time.Time { return now }
	tripN(cb, 2)

	cb.nowFunc = func() time.Time { return now.Add(200 * time.Millisecond) }
	tripN(cb, 1)

	failures, state := cb.Counters()
	assert.Equal(t, CircuitOpen, state)
	assert.Equal(t, 3, failures)
}

func TestCircuitBreaker_ShouldTrip(t *testing.T) {
	cb := NewCircuitBreaker(CircuitBreakerConfig{
		FailureThreshold: 2,
		ResetTimeout:     time.Minute,
		ShouldTrip:       IsTransient,
	})

	for i := 0; i < 5; i++ {
		_ = cb.Execute(context.Background(), func(_ context.Context) error { return errors.New("bad answer") })
	}
	assert.Equal(t, CircuitClosed, cb.State())

	for i := 0; i < 2; i++ {
		_ = cb.Execute(context.Background(), func(_ context.Context) error {
			return NewTransientError(errors.New("overloaded"), 529)
		})
	}
	assert.Equal(t, CircuitOpen, cb.State())
}

func TestCircuitBreaker_ResetAndStateChange(t *testing.T) {
	var transitions [][2]CircuitState
	cb := NewCircuitBreaker(CircuitBreakerConfig{
		FailureThreshold: 1,
		ResetTimeout:     time.Hour,
		OnStateChange: func(from, to CircuitState) {
			transitions = append(transitions, [2]CircuitState{from, to})
		},
	})
	tripN(cb, 1)
	cb.Reset()

	assert.Equal(t, CircuitClosed, cb.State())
	assert.Equal(t, [][2]CircuitState{{CircuitClosed, CircuitOpen}, {CircuitOpen, CircuitClosed}}, transitions)
}

func TestCircuitBreaker_ConcurrentAccess(t *testing.T) {
	cb := NewCircuitBreaker(CircuitBreakerConfig{FailureThreshold: 100, ResetTimeout: time.Minute})

	var wg sync.WaitGroup
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _ = ExecuteVal(context.Background(), cb, func(_ context.Context) (int, error) {
				if i%2 == 0 {
					return 0, errFail
				}
				return i, nil
			})
		}()
	}
	wg.Wait()
}

func TestExecuteVal_CircuitOpen(t *testing.T) {
	cb := NewCircuitBreaker(CircuitBreakerConfig{FailureThreshold: 1, ResetTimeout: time.Hour})
	tripN(cb, 1)

	val, err := ExecuteVal(context.Background(), cb, func(_ context.Context) (int, error) { return 42, nil })
	assert.ErrorIs(t, err, ErrCircuitOpen)
	assert.Equal(t, 0, val)
}

func TestServiceBreakers(t *testing.T) {
	b := NewServiceBreakers(FromCircuitConfig(config.CircuitConfig{FailureThreshold: 1, ResetTimeoutSecs: 3600}))

	cheap := b.Get("cheap")
	assert.Same(t, cheap, b.Get("cheap"))
	assert.NotSame(t, cheap, b.Get("local"))

	tripN(cheap, 1)
	states := b.States()
	assert.Equal(t, CircuitOpen, states["cheap"])
	assert.Equal(t, CircuitClosed, states["local"])
}

func TestCircuitState_String(t *testing.T) {
	assert.Equal(t, "closed", CircuitClosed.String())
	assert.Equal(t, "open", CircuitOpen.String())
	assert.Equal(t, "half-open", CircuitHalfOpen.String())
	assert.Equal(t, "unknown", CircuitState(99).String())
}

func TestCircuitBreaker_HalfOpenLimitsTrialCalls(t *testing.T) {
	now := time.Now()
	cb := NewCircuitBreaker(CircuitBreakerConfig{FailureThreshold: 1, ResetTimeout: time.Second})
	cb.nowFunc = func() time.Time { return now }
	tripN(cb, 1)
	cb.nowFunc = func() time.Time { return now.Add(2 * time.Second) }

	var nested error
	err := cb.Execute(context.Background(), func(ctx context.Context) error {
		nested = cb.Execute(ctx, func(context.Context) error {
			t.Error("second trial call should be rejected")
			return nil
		})
		return nil
	})
	require.NoError(t, err)
	assert.ErrorIs(t, nested, ErrCircuitOpen)
	assert.Equal(t, CircuitClosed, cb.State())
}

func TestCircuitBreaker_CallerCancelDoesNotTrip(t *testing.T) {
	cb := NewCircuitBreaker(CircuitBreakerConfig{FailureThreshold: 1, ResetTimeout: time.Hour})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := cb.Execute(ctx, func(ctx context.Context) error { return ctx.Err() })
	assert.ErrorIs(t, err, context.Canceled)
	failures, state := cb.Counters()
	assert.Zero(t, failures)
	assert.Equal(t, CircuitClosed, state)

	err = cb.Execute(context.Background(), func(context.Context) error { return context.DeadlineExceeded })
	assert.Error(t, err)
	assert.Equal(t, CircuitOpen, cb.State())
}
