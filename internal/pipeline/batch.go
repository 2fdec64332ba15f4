package pipeline

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/sells-group/extract-cli/internal/audit"
	"github.com/sells-group/extract-cli/internal/cost"
	"github.com/sells-group/extract-cli/internal/model"
	"github.com/sells-group/extract-cli/internal/resilience"
)

// BatchConfig tunes the batch orchestrator.
type BatchConfig struct {
	MaxConcurrentDocuments int
	SampleInterval         time.Duration
	EscalationProbability  float64

	// DeadLetterMaxRetries bounds retries of a dead-lettered document.
	DeadLetterMaxRetries int
	// DeadLetterBackoff spaces those retries.
	DeadLetterBackoff resilience.RetryConfig
}

// Batch runs many documents through a Runner under the cost guard and the
// memory-aware throttle.
type Batch struct {
	runner   Runner
	reg      *model.FieldRegistry
	table    cost.Table
	guard    *cost.Guard
	throttle *Throttle
	sink     audit.Sink
	dlq      DeadLetterQueue
	cfg      BatchConfig
}

// NewBatch creates a batch orchestrator. guard, throttle and sink may be
// nil; a nil throttle becomes a fixed pool of MaxConcurrentDocuments.
func NewBatch(runner Runner, reg *model.FieldRegistry, table cost.Table, guard *cost.Guard, throttle *Throttle, sink audit.Sink, cfg BatchConfig) *Batch {
	if cfg.MaxConcurrentDocuments <= 0 {
		cfg.MaxConcurrentDocuments = DefaultMaxConcurrentDocuments
	}
	if throttle == nil {
		throttle = NewThrottle(cfg.MaxConcurrentDocuments, 0, nil)
	}
	if sink == nil {
		sink = audit.Nop{}
	}
	if table == nil {
		table = cost.DefaultTable()
	}
	if cfg.DeadLetterMaxRetries <= 0 {
		cfg.DeadLetterMaxRetries = DefaultDeadLetterMaxRetries
	}
	if cfg.DeadLetterBackoff.InitialBackoff <= 0 {
		cfg.DeadLetterBackoff = resilience.DefaultDLQBackoff()
	}
	return &Batch{
		runner:   runner,
		reg:      reg,
		table:    table,
		guard:    guard,
		throttle: throttle,
		sink:     sink,
		cfg:      cfg,
	}
}

// Estimate returns the expected cost of n documents.
func (b *Batch) Estimate(n int) cost.Estimate {
	return cost.EstimateBatch(n, b.reg, b.table, b.cfg.EscalationProbability)
}

// Preflight estimates n documents and asks confirmer to approve the
// estimate when it exceeds the guard's confirm ceiling.
func (b *Batch) Preflight(ctx context.Context, n int, confirmer cost.Confirmer) (cost.Estimate, error) {
	est := b.Estimate(n)
	if b.guard == nil {
		return est, nil
	}
	return est, b.guard.Preflight(ctx, est, confirmer)
}

// Run processes docs and returns one result per document in input order.
// Documents are started in input order; once the guard halts or ctx is
// done, the remaining queued documents are not started. With a dead letter
// queue attached, FAILED and BUDGET_EXCEEDED documents are enqueued.
func (b *Batch) Run(ctx context.Context, docs []model.Document) []*model.PipelineResult {
	results := b.run(ctx, docs)
	b.deadLetter(ctx, docs, results)
	return results
}

func (b *Batch) run(ctx context.Context, docs []model.Document) []*model.PipelineResult {
	start := time.Now()
	results := make([]*model.PipelineResult, len(docs))

	zap.L().Info("batch: starting",
		zap.Int("documents", len(docs)),
		zap.Int("concurrency", b.throttle.Limit()),
	)

	sampleCtx, stopSampling := context.WithCancel(ctx)
	defer stopSampling()
	b.throttle.Start(sampleCtx, b.cfg.SampleInterval)

	var g errgroup.Group
	for i, doc := range docs {
		if b.halted() {
			b.skipRemaining(ctx, docs, results, i, model.StatusBudgetExceeded, cost.ErrBudgetExceeded.Error())
			break
		}
		if ctx.Err() != nil {
			b.skipRemaining(ctx, docs, results, i, model.StatusFailed, "canceled")
			break
		}
		if err := b.throttle.Acquire(ctx); err != nil {
			b.skipRemaining(ctx, docs, results, i, model.StatusFailed, "canceled")
			break
		}
		// The guard may have halted while this document waited for a slot.
		if b.halted() {
			b.throttle.Release()
			b.skipRemaining(ctx, docs, results, i, model.StatusBudgetExceeded, cost.ErrBudgetExceeded.Error())
			break
		}

		g.Go(func() error {
			defer b.throttle.Release()
			results[i] = b.runOne(ctx, i, doc)
			return nil
		})
	}
	_ = g.Wait()

	b.logSummary(results, time.Since(start))
	return results
}

func (b *Batch) halted() bool {
	return b.guard != nil && b.guard.Halted()
}

func (b *Batch) runOne(ctx context.Context, idx int, doc model.Document) (res *model.PipelineResult) {
	log := zap.L().With(zap.String("document_id", doc.ID), zap.Int("index", idx))
	defer func() {
		if r := recover(); r != nil {
			log.Error("batch: document panicked", zap.Any("panic", r))
			res = b.failed(ctx, idx, doc, fmt.Sprintf("panic: %v", r))
		}
	}()

	res, err := b.runner.Run(ctx, doc)
	if err != nil {
		log.Error("batch: document failed", zap.Error(err))
		return b.failed(ctx, idx, doc, err.Error())
	}
	res.Index = idx
	return res
}

func (b *Batch) failed(ctx context.Context, idx int, doc model.Document, note string) *model.PipelineResult {
	res := &model.PipelineResult{
		DocumentID:    doc.ID,
		Index:         idx,
		SchemaVersion: b.reg.Version,
		FieldValues:   map[string]model.FieldValue{},
		Status:        model.StatusFailed,
		Error:         note,
	}
	b.recordResult(ctx, res)
	return res
}

func (b *Batch) skipRemaining(ctx context.Context, docs []model.Document, results []*model.PipelineResult, from int, status model.Status, note string) {
	for j := from; j < len(docs); j++ {
		results[j] = &model.PipelineResult{
			DocumentID:    docs[j].ID,
			Index:         j,
			SchemaVersion: b.reg.Version,
			FieldValues:   map[string]model.FieldValue{},
			Status:        status,
			Error:         note,
		}
		b.recordResult(ctx, results[j])
	}
	zap.L().Warn("batch: stopped dispatching",
		zap.Int("skipped", len(docs)-from),
		zap.String("status", string(status)),
		zap.String("reason", note),
	)
}

func (b *Batch) recordResult(ctx context.Context, res *model.PipelineResult) {
	b.sink.Record(context.WithoutCancel(ctx), model.AuditRecord{
		Kind:       model.AuditResult,
		DocumentID: res.DocumentID,
		Outcome:    string(res.Status),
		Note:       res.Error,
		At:         time.Now().UTC(),
	})
}

// Summary counts batch outcomes.
type Summary struct {
	Succeeded int
	Partial   int
	Failed    int
	Skipped   int
	TotalCost float64
}

// Summarize tallies results by status.
func Summarize(results []*model.PipelineResult) Summary {
	var s Summary
	for _, r := range results {
		if r == nil {
			continue
		}
		switch r.Status {
		case model.StatusSuccess:
			s.Succeeded++
		case model.StatusPartial:
			s.Partial++
		case model.StatusFailed:
			s.Failed++
		case model.StatusBudgetExceeded:
			s.Skipped++
		}
		s.TotalCost += r.TotalCost
	}
	return s
}

func (b *Batch) logSummary(results []*model.PipelineResult, elapsed time.Duration) {
	s := Summarize(results)
	fields := []zap.Field{
		zap.Int("succeeded", s.Succeeded),
		zap.Int("partial", s.Partial),
		zap.Int("failed", s.Failed),
		zap.Int("skipped", s.Skipped),
		zap.Float64("total_cost_usd", s.TotalCost),
		zap.Duration("elapsed", elapsed),
	}
	if b.guard != nil {
		fields = append(fields, zap.Float64("guard_spent_usd", b.guard.Spent()))
	}
	zap.L().Info("batch: complete", fields...)
}
