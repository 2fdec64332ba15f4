package cost

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
)

var (
	// ErrBudgetExceeded is returned once cumulative spend has crossed the hard ceiling.
	ErrBudgetExceeded = eris.New("cost: hard budget ceiling exceeded")
	// ErrConfirmationDeclined is returned when the operator rejects a pre-flight estimate.
	ErrConfirmationDeclined = eris.New("cost: estimate confirmation declined")
)

// Confirmer asks an operator to approve an estimate above the confirm ceiling.
type Confirmer interface {
	Confirm(ctx context.Context, est Estimate) (bool, error)
}

// ConfirmFunc adapts a function to Confirmer.
type ConfirmFunc func(ctx context.Context, est Estimate) (bool, error)

// Confirm calls f.
func (f ConfirmFunc) Confirm(ctx context.Context, est Estimate) (bool, error) {
	return f(ctx, est)
}

// Guard tracks spend for one run. It is safe for concurrent use.
type Guard struct {
	confirmCeiling float64
	hardCeiling    float64

	mu     sync.Mutex
	spent  float64
	halted atomic.Bool
}

// NewGuard creates a guard. A non-positive ceiling disables that check.
func NewGuard(confirmCeiling, hardCeiling float64) *Guard {
	return &Guard{confirmCeiling: confirmCeiling, hardCeiling: hardCeiling}
}

// Preflight asks the confirmer to approve est when it exceeds the confirm
// ceiling. A nil confirmer declines.
func (g *Guard) Preflight(ctx context.Context, est Estimate, confirmer Confirmer) error {
	if g.confirmCeiling <= 0 || est.Total <= g.confirmCeiling {
		return nil
	}
	if confirmer == nil {
		return eris.Wrapf(ErrConfirmationDeclined, "estimate $%.4f exceeds $%.2f and no confirmer is set", est.Total, g.confirmCeiling)
	}
	ok, err := confirmer.Confirm(ctx, est)
	if err != nil {
		return eris.Wrap(err, "cost: confirm estimate")
	}
	if !ok {
		return ErrConfirmationDeclined
	}
	return nil
}

// Charge adds amount to the running spend and reports whether the guard is
// halted afterwards. Crossing the hard ceiling halts it for good.
func (g *Guard) Charge(amount float64) bool {
	if amount <= 0 {
		return g.halted.Load()
	}

	g.mu.Lock()
	g.spent += amount
	spent := g.spent
	g.mu.Unlock()

	if g.hardCeiling > 0 && spent >= g.hardCeiling && g.halted.CompareAndSwap(false, true) {
		zap.L().Warn("cost: hard ceiling reached, halting new work",
			zap.Float64("spent_usd", spent),
			zap.Float64("ceiling_usd", g.hardCeiling),
		)
	}
	return g.halted.Load()
}

// Halted reports whether the hard ceiling has been crossed. A nil guard
// never halts.
func (g *Guard) Halted() bool {
	return g != nil && g.halted.Load()
}

// Spent returns cumulative spend.
func (g *Guard) Spent() float64 {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.spent
}

// Check returns ErrBudgetExceeded when the guard has halted.
func (g *Guard) Check() error {
	if g.Halted() {
		return ErrBudgetExceeded
	}
	return nil
}

type guardKey struct{}

// WithGuard returns a context whose work is charged to g instead of the
// guard a component was built with. serve uses it to give every request
// its own ceiling.
func WithGuard(ctx context.Context, g *Guard) context.Context {
	return context.WithValue(ctx, guardKey{}, g)
}

// GuardFrom returns the guard carried by ctx, or fallback when there is none.
func GuardFrom(ctx context.Context, fallback *Guard) *Guard {
	if g, ok := ctx.Value(guardKey{}).(*Guard); ok && g != nil {
		return g
	}
	return fallback
}
