package pipeline

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/rotisserie/eris"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/extract-cli/internal/audit"
	"github.com/sells-group/extract-cli/internal/cost"
	"github.com/sells-group/extract-cli/internal/model"
)

type runnerFunc func(ctx context.Context, doc model.Document) (*model.PipelineResult, error)

func (f runnerFunc) Run(ctx context.Context, doc model.Document) (*model.PipelineResult, error) {
	return f(ctx, doc)
}

func succeed(doc model.Document, costUSD float64) *model.PipelineResult {
	return &model.PipelineResult{DocumentID: doc.ID, Status: model.StatusSuccess, TotalCost: costUSD}
}

func docs(ids ...string) []model.Document {
	out := make([]model.Document, len(ids))
	for i, id := range ids {
		out[i] = model.Document{ID: id, Text: "text " + id}
	}
	return out
}

func TestBatch_ResultsInInputOrder(t *testing.T) {
	reg := scenarioRegistry(t)
	delays := map[string]time.Duration{"a": 30 * time.Millisecond, "b": 10 * time.Millisecond, "c": 0}
	b := NewBatch(runnerFunc(func(_ context.Context, doc model.Document) (*model.PipelineResult, error) {
		time.Sleep(delays[doc.ID])
		return succeed(doc, 0), nil
	}), reg, nil, nil, nil, nil, BatchConfig{MaxConcurrentDocuments: 3})

	results := b.Run(context.Background(), docs("a", "b", "c"))

	require.Len(t, results, 3)
	for i, id := range []string{"a", "b", "c"} {
		assert.Equal(t, id, results[i].DocumentID)
		assert.Equal(t, i, results[i].Index)
	}
}

func TestBatch_BudgetHaltSkipsQueued(t *testing.T) {
	reg := scenarioRegistry(t)
	guard := cost.NewGuard(0, 0.10)
	rec := &audit.Recorder{}
	var started []string
	b := NewBatch(runnerFunc(func(_ context.Context, doc model.Document) (*model.PipelineResult, error) {
		started = append(started, doc.ID)
		guard.Charge(0.05)
		return succeed(doc, 0.05), nil
	}), reg, nil, guard, nil, rec, BatchConfig{MaxConcurrentDocuments: 1})

	results := b.Run(context.Background(), docs("a", "b", "c", "d", "e"))

	assert.Equal(t, []string{"a", "b"}, started)
	assert.Equal(t, model.StatusSuccess, results[0].Status)
	assert.Equal(t, model.StatusSuccess, results[1].Status)
	for _, r := range results[2:] {
		assert.Equal(t, model.StatusBudgetExceeded, r.Status)
		assert.Equal(t, cost.ErrBudgetExceeded.Error(), r.Error)
	}
	assert.Len(t, rec.ByKind(model.AuditResult), 3)

	s := Summarize(results)
	assert.Equal(t, 2, s.Succeeded)
	assert.Equal(t, 3, s.Skipped)
	assert.InDelta(t, 0.10, s.TotalCost, 1e-9)
}

func TestBatch_PanicAndErrorMarkFailed(t *testing.T) {
	reg := scenarioRegistry(t)
	b := NewBatch(runnerFunc(func(_ context.Context, doc model.Document) (*model.PipelineResult, error) {
		switch doc.ID {
		case "boom":
			panic("nil map write")
		case "bad":
			return nil, eris.New("store unavailable")
		}
		return succeed(doc, 0), nil
	}), reg, nil, nil, nil, nil, BatchConfig{MaxConcurrentDocuments: 2})

	results := b.Run(context.Background(), docs("ok1", "boom", "bad", "ok2"))

	assert.Equal(t, model.StatusSuccess, results[0].Status)
	assert.Equal(t, model.StatusFailed, results[1].Status)
	assert.Contains(t, results[1].Error, "panic: nil map write")
	assert.Equal(t, model.StatusFailed, results[2].Status)
	assert.Contains(t, results[2].Error, "store unavailable")
	assert.Equal(t, model.StatusSuccess, results[3].Status)
}

func TestBatch_CanceledContextFailsQueued(t *testing.T) {
	reg := scenarioRegistry(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	called := false
	b := NewBatch(runnerFunc(func(_ context.Context, doc model.Document) (*model.PipelineResult, error) {
		called = true
		return succeed(doc, 0), nil
	}), reg, nil, nil, nil, nil, BatchConfig{})

	results := b.Run(ctx, docs("a", "b"))

	assert.False(t, called)
	for _, r := range results {
		assert.Equal(t, model.StatusFailed, r.Status)
		assert.Equal(t, "canceled", r.Error)
	}
}

func TestBatch_Preflight(t *testing.T) {
	reg := scenarioRegistry(t)
	guard := cost.NewGuard(0.001, 0)
	b := NewBatch(nil, reg, cost.DefaultTable(), guard, nil, nil, BatchConfig{EscalationProbability: 0.5})

	declined := cost.ConfirmFunc(func(context.Context, cost.Estimate) (bool, error) { return false, nil })
	est, err := b.Preflight(context.Background(), 100, declined)
	assert.True(t, errors.Is(err, cost.ErrConfirmationDeclined))
	assert.Greater(t, est.Total, 0.001)

	approved := cost.ConfirmFunc(func(context.Context, cost.Estimate) (bool, error) { return true, nil })
	_, err = b.Preflight(context.Background(), 100, approved)
	assert.NoError(t, err)
}

func TestBatch_EndToEndWithLoop(t *testing.T) {
	reg := scenarioRegistry(t)
	dispatch, _, _ := scenarioDispatch(t)
	l := newTestLoop(reg, dispatch, nil, nil, nil, LoopConfig{})
	b := NewBatch(New(l, nil), reg, nil, nil, nil, nil, BatchConfig{MaxConcurrentDocuments: 2})

	in := []model.Document{
		{ID: "d1", Text: scenarioText},
		{ID: "d2", Text: "DOI: 10.5/y.2 Published 2021. Patient age 61."},
	}
	results := b.Run(context.Background(), in)

	require.Len(t, results, 2)
	assert.Equal(t, model.StatusSuccess, results[0].Status)
	assert.Equal(t, "10.1/x.1", results[0].FieldValues["doi"].RawValue)
	assert.Equal(t, model.StatusSuccess, results[1].Status)
	assert.Equal(t, "10.5/y.2", results[1].FieldValues["doi"].RawValue)
}
