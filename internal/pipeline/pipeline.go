package pipeline

import (
	"context"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/extract-cli/internal/model"
	"github.com/sells-group/extract-cli/internal/store"
)

// Runner processes one document to a terminal result.
type Runner interface {
	Run(ctx context.Context, doc model.Document) (*model.PipelineResult, error)
}

// Pipeline runs the retry loop for one document and records the run.
type Pipeline struct {
	loop  *Loop
	store store.Store
}

// New creates a Pipeline. st may be nil, in which case runs are not persisted.
func New(loop *Loop, st store.Store) *Pipeline {
	return &Pipeline{loop: loop, store: st}
}

// Run extracts doc. Only a failure to create the run record is returned as
// an error; extraction failures are reported in the result's status.
func (p *Pipeline) Run(ctx context.Context, doc model.Document) (*model.PipelineResult, error) {
	log := zap.L().With(zap.String("document_id", doc.ID))
	log.Info("pipeline: starting extraction", zap.Int("text_len", len(doc.Text)))

	var runID string
	if p.store != nil {
		run, err := p.store.CreateRun(ctx, doc.ID)
		if err != nil {
			return nil, eris.Wrap(err, "pipeline: create run")
		}
		runID = run.ID
	}

	result := p.loop.Run(ctx, doc)

	if p.store != nil {
		// Persist even after cancellation so the run is not left pending.
		if err := p.store.UpdateRunResult(context.WithoutCancel(ctx), runID, result); err != nil {
			log.Warn("pipeline: failed to save run result", zap.String("run_id", runID), zap.Error(err))
		}
	}

	log.Info("pipeline: extraction complete",
		zap.String("status", string(result.Status)),
		zap.Int("iterations", len(result.IterationHistory)),
		zap.Float64("cost_usd", result.TotalCost),
		zap.Bool("cache_hit", result.CacheHit),
		zap.Duration("duration", result.Duration),
	)
	return result, nil
}
