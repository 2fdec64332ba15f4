package cost

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGuard_PreflightBelowCeiling(t *testing.T) {
	g := NewGuard(5, 25)
	called := false
	err := g.Preflight(context.Background(), Estimate{Total: 4.99}, ConfirmFunc(func(context.Context, Estimate) (bool, error) {
		called = true
		return false, nil
	}))
	require.NoError(t, err)
	assert.False(t, called)
}

func TestGuard_PreflightConfirmation(t *testing.T) {
	g := NewGuard(5, 25)
	est := Estimate{Total: 12}

	accept := ConfirmFunc(func(_ context.Context, e Estimate) (bool, error) {
		assert.InDelta(t, 12.0, e.Total, 1e-9)
		return true, nil
	})
	decline := ConfirmFunc(func(context.Context, Estimate) (bool, error) { return false, nil })
	broken := ConfirmFunc(func(context.Context, Estimate) (bool, error) { return false, errors.New("tty closed") })

	assert.NoError(t, g.Preflight(context.Background(), est, accept))
	assert.ErrorIs(t, g.Preflight(context.Background(), est, decline), ErrConfirmationDeclined)
	assert.ErrorIs(t, g.Preflight(context.Background(), est, nil), ErrConfirmationDeclined)

	err := g.Preflight(context.Background(), est, broken)
	assert.Error(t, err)
	assert.NotErrorIs(t, err, ErrConfirmationDeclined)
}

func TestGuard_ChargeHaltsAtHardCeiling(t *testing.T) {
	g := NewGuard(0, 0.1)

	assert.False(t, g.Charge(0.05))
	assert.NoError(t, g.Check())
	assert.True(t, g.Charge(0.05))
	assert.True(t, g.Halted())
	assert.ErrorIs(t, g.Check(), ErrBudgetExceeded)
	assert.InDelta(t, 0.1, g.Spent(), 1e-9)

	// Halt is sticky.
	assert.True(t, g.Charge(0))
}

func TestGuard_NoCeiling(t *testing.T) {
	g := NewGuard(0, 0)
	for i := 0; i < 100; i++ {
		g.Charge(1)
	}
	assert.False(t, g.Halted())
	assert.InDelta(t, 100.0, g.Spent(), 1e-9)
}

func TestGuard_ConcurrentCharge(t *testing.T) {
	g := NewGuard(0, 50)
	var wg sync.WaitGroup
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			g.Charge(1)
		}()
	}
	wg.Wait()
	assert.InDelta(t, 100.0, g.Spent(), 1e-9)
	assert.True(t, g.Halted())
}

func TestGuard_NilNeverHalts(t *testing.T) {
	var g *Guard
	assert.False(t, g.Halted())
	assert.NoError(t, g.Check())
}

func TestGuard_ContextScoped(t *testing.T) {
	shared := NewGuard(0, 1)
	own := NewGuard(0, 1)

	assert.Same(t, shared, GuardFrom(context.Background(), shared))
	assert.Nil(t, GuardFrom(context.Background(), nil))

	ctx := WithGuard(context.Background(), own)
	assert.Same(t, own, GuardFrom(ctx, shared))
	assert.Same(t, shared, GuardFrom(WithGuard(context.Background(), nil), shared))

	GuardFrom(ctx, shared).Charge(2)
	assert.True(t, own.Halted())
	assert.False(t, shared.Halted())
	assert.ErrorIs(t, own.Check(), ErrBudgetExceeded)
}
