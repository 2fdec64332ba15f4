package pipeline

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/sells-group/extract-cli/internal/model"
	"github.com/sells-group/extract-cli/internal/tier"
)

const scenarioText = "DOI: 10.1/x.1 Published 2023. Patient age 61."

func newRegistry(t *testing.T, fields ...model.FieldSpec) *model.FieldRegistry {
	t.Helper()
	reg, err := model.NewFieldRegistry(model.Schema{Version: 1, PolicyVersion: 1, Fields: fields})
	require.NoError(t, err)
	return reg
}

// scenarioRegistry is the doi / patient_age schema.
func scenarioRegistry(t *testing.T) *model.FieldRegistry {
	return newRegistry(t,
		model.FieldSpec{Name: "doi", Required: true, MinTier: model.TierDeterministic, MaxTier: model.TierExpensive},
		model.FieldSpec{Name: "patient_age", ValueType: model.ValueInteger, MinTier: model.TierLocal, MaxTier: model.TierExpensive},
	)
}

// fakeBackend answers from fn and counts calls.
type fakeBackend struct {
	tier  model.Tier
	fn    func(req tier.Request) (tier.Result, error)
	calls atomic.Int32

	mu   sync.Mutex
	reqs []tier.Request
}

func (f *fakeBackend) Tier() model.Tier { return f.tier }

func (f *fakeBackend) Extract(_ context.Context, req tier.Request) (tier.Result, error) {
	f.calls.Add(1)
	f.mu.Lock()
	f.reqs = append(f.reqs, req)
	f.mu.Unlock()
	return f.fn(req)
}

func (f *fakeBackend) requests() []tier.Request {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]tier.Request, len(f.reqs))
	copy(out, f.reqs)
	return out
}

// answer returns a backend that always resolves to value.
func answer(t model.Tier, value, quote string, confidence, costUSD float64) *fakeBackend {
	return &fakeBackend{tier: t, fn: func(req tier.Request) (tier.Result, error) {
		return tier.Result{
			Value: model.FieldValue{
				FieldName:   req.Field.Name,
				RawValue:    value,
				SourceQuote: quote,
				Confidence:  confidence,
				TierUsed:    t,
			},
			Cost: costUSD,
		}, nil
	}}
}

// unresolved returns a backend that always declines.
func unresolved(t model.Tier, costUSD float64) *fakeBackend {
	return &fakeBackend{tier: t, fn: func(tier.Request) (tier.Result, error) {
		return tier.Result{Cost: costUSD}, tier.ErrUnresolved
	}}
}

// scenarioDispatch resolves patient_age at the local tier and fails the test
// if a hosted tier is reached.
func scenarioDispatch(t *testing.T) (tier.Dispatch, *fakeBackend, *fakeBackend) {
	t.Helper()
	local := answer(model.TierLocal, "61", "Patient age 61", 0.9, 0.001)
	cheap := &fakeBackend{tier: model.TierCheap, fn: func(req tier.Request) (tier.Result, error) {
		t.Errorf("cheap tier called for %s", req.Field.Name)
		return tier.Result{}, tier.ErrUnresolved
	}}
	return tier.Dispatch{
		model.TierDeterministic: tier.NewDeterministic(),
		model.TierLocal:         local,
		model.TierCheap:         cheap,
	}, local, cheap
}
