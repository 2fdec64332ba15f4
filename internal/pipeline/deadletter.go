package pipeline

import (
	"context"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/extract-cli/internal/cost"
	"github.com/sells-group/extract-cli/internal/model"
	"github.com/sells-group/extract-cli/internal/resilience"
)

// DefaultDeadLetterMaxRetries bounds retries of a dead-lettered document.
const DefaultDeadLetterMaxRetries = 3

// DeadLetterQueue persists documents whose run did not finish. store.Store
// satisfies it.
type DeadLetterQueue interface {
	EnqueueDLQ(ctx context.Context, entry resilience.DLQEntry) error
	DequeueDLQ(ctx context.Context, filter resilience.DLQFilter) ([]resilience.DLQEntry, error)
	IncrementDLQRetry(ctx context.Context, id string, nextRetryAt time.Time, lastErr string) error
	RemoveDLQ(ctx context.Context, id string) error
}

// WithDeadLetters attaches q to the batch and returns it.
func (b *Batch) WithDeadLetters(q DeadLetterQueue) *Batch {
	b.dlq = q
	return b
}

func deadLettered(s model.Status) bool {
	return s == model.StatusFailed || s == model.StatusBudgetExceeded
}

func (b *Batch) deadLetter(ctx context.Context, docs []model.Document, results []*model.PipelineResult) {
	if b.dlq == nil {
		return
	}
	ctx = context.WithoutCancel(ctx)
	now := time.Now().UTC()
	n := 0
	for i, res := range results {
		if res == nil || !deadLettered(res.Status) {
			continue
		}
		entry := resilience.NewDLQEntry(docs[i], res.Status, res.Error, b.cfg.DeadLetterMaxRetries, now)
		if err := b.dlq.EnqueueDLQ(ctx, entry); err != nil {
			zap.L().Warn("batch: dead letter enqueue failed", zap.String("document_id", docs[i].ID), zap.Error(err))
			continue
		}
		n++
	}
	if n > 0 {
		zap.L().Info("batch: dead-lettered documents", zap.Int("count", n))
	}
}

// RetryDeadLetters runs every due dead-lettered document matching filter
// after confirmer approves their estimate. Documents that now finish SUCCESS
// or PARTIAL leave the queue; the rest are rescheduled with backoff until
// they run out of retries.
func (b *Batch) RetryDeadLetters(ctx context.Context, filter resilience.DLQFilter, confirmer cost.Confirmer) ([]*model.PipelineResult, error) {
	if b.dlq == nil {
		return nil, eris.New("pipeline: no dead letter queue attached")
	}
	entries, err := b.dlq.DequeueDLQ(ctx, filter)
	if err != nil {
		return nil, eris.Wrap(err, "pipeline: dequeue dead letters")
	}
	if len(entries) == 0 {
		zap.L().Info("batch: no dead letters due")
		return nil, nil
	}

	if _, err := b.Preflight(ctx, len(entries), confirmer); err != nil {
		return nil, eris.Wrap(err, "pipeline: preflight dead letters")
	}

	docs := make([]model.Document, len(entries))
	for i, e := range entries {
		docs[i] = e.Document
	}
	results := b.run(ctx, docs)

	wctx := context.WithoutCancel(ctx)
	now := time.Now().UTC()
	var recovered, rescheduled int
	for i, e := range entries {
		res := results[i]
		if !deadLettered(res.Status) {
			if err := b.dlq.RemoveDLQ(wctx, e.ID); err != nil {
				zap.L().Warn("batch: dead letter remove failed", zap.String("id", e.ID), zap.Error(err))
			}
			recovered++
			continue
		}
		next := e.NextAttempt(now, b.cfg.DeadLetterBackoff)
		if err := b.dlq.IncrementDLQRetry(wctx, e.ID, next, res.Error); err != nil {
			zap.L().Warn("batch: dead letter reschedule failed", zap.String("id", e.ID), zap.Error(err))
		}
		rescheduled++
	}
	zap.L().Info("batch: dead letter retry complete",
		zap.Int("recovered", recovered),
		zap.Int("rescheduled", rescheduled),
	)
	return results, nil
}
