package pipeline

import (
	"context"
	"fmt"
	"slices"
	"sort"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/sells-group/extract-cli/internal/audit"
	"github.com/sells-group/extract-cli/internal/cache"
	"github.com/sells-group/extract-cli/internal/cost"
	"github.com/sells-group/extract-cli/internal/model"
)

// Loop defaults.
const (
	DefaultMaxIterations       = 3
	DefaultQualityAuditPenalty = 0.8
)

// LoopConfig tunes the retry/revision loop.
type LoopConfig struct {
	MaxIterations       int
	QualityAuditPenalty float64
}

// Loop drives one document through cascade, merge and validation passes
// until the result is accepted or the loop is exhausted.
type Loop struct {
	reg        *model.FieldRegistry
	controller *Controller
	validator  *Validator
	cache      *cache.Manager
	guard      *cost.Guard
	sink       audit.Sink
	cfg        LoopConfig
}

// NewLoop creates a loop. cm, guard and sink may be nil.
func NewLoop(reg *model.FieldRegistry, controller *Controller, validator *Validator, cm *cache.Manager, guard *cost.Guard, sink audit.Sink, cfg LoopConfig) *Loop {
	if cfg.MaxIterations <= 0 {
		cfg.MaxIterations = DefaultMaxIterations
	}
	if cfg.QualityAuditPenalty <= 0 || cfg.QualityAuditPenalty > 1 {
		cfg.QualityAuditPenalty = DefaultQualityAuditPenalty
	}
	if sink == nil {
		sink = audit.Nop{}
	}
	return &Loop{
		reg:        reg,
		controller: controller,
		validator:  validator,
		cache:      cm,
		guard:      guard,
		sink:       sink,
		cfg:        cfg,
	}
}

// Run processes doc and returns its terminal result. It never returns nil.
func (l *Loop) Run(ctx context.Context, doc model.Document) *model.PipelineResult {
	start := time.Now()
	res := &model.PipelineResult{
		DocumentID:    doc.ID,
		SchemaVersion: l.reg.Version,
		LoopState:     model.LoopInitial,
	}
	log := zap.L().With(zap.String("document_id", doc.ID))

	guard := cost.GuardFrom(ctx, l.guard)
	merger := NewMerger(doc.ID, l.sink)
	fields := l.allSpecs()

	var (
		merged        map[string]model.FieldValue
		prior         *model.ExtractionAttempt
		rev           *Revision
		prevFailing   []string
		prevDirective string
		bestFailing   []string
	)
	bestPenalized := -1.0

	for iter := 1; ; iter++ {
		if err := ctx.Err(); err != nil {
			res.Status = model.StatusFailed
			res.Error = "canceled"
			break
		}

		res.LoopState = model.LoopIterating
		attempt := l.controller.Resolve(ctx, doc, fields, prior, rev)
		res.TotalCost += attempt.Cost
		if iter == 1 {
			res.Fingerprint = attempt.Fingerprint
			res.CacheHit = attempt.BackendCalls == 0 && attempt.CacheHits > 0
		}

		next, err := merger.Merge(ctx, merged, attempt)
		if err != nil {
			res.Status = model.StatusFailed
			res.Error = err.Error()
			break
		}
		merged = next

		verdicts, score := l.validator.Validate(merged, doc.Text)
		penalized := score.Overall
		if len(score.MissingRequired) > 0 {
			penalized *= l.cfg.QualityAuditPenalty
		}
		failing := l.failingFields(verdicts, merged)
		directive := buildDirective(failing, verdicts, merged)

		record := model.IterationRecord{
			IterationNumber:       iter,
			AccuracyScore:         score.Accuracy,
			ConsistencyScore:      score.Consistency,
			OverallScore:          score.Overall,
			PenalizedScore:        penalized,
			IssuesCount:           score.Issues,
			ExecutionTime:         attempt.Duration,
			MissingRequiredFields: score.MissingRequired,
			Cost:                  attempt.Cost,
		}
		accepted := penalized >= l.validator.AcceptThreshold()
		if !accepted {
			record.RevisionFields = failing
			record.Directive = directive
		}
		res.IterationHistory = append(res.IterationHistory, record)

		log.Debug("loop: iteration complete",
			zap.Int("iteration", iter),
			zap.Float64("overall", score.Overall),
			zap.Float64("penalized", penalized),
			zap.Strings("failing", failing),
		)

		if penalized > bestPenalized {
			bestPenalized = penalized
			bestFailing = failing
			res.BestIteration = iter
			res.FieldValues = merged
			res.Verdicts = verdicts
		}

		if accepted {
			res.LoopState = model.LoopAccepted
			res.Status = model.StatusSuccess
			res.BestIteration = iter
			res.FieldValues = merged
			res.Verdicts = verdicts
			bestFailing = nil
			break
		}

		stop := ""
		switch {
		case iter >= l.cfg.MaxIterations:
			stop = "max iterations reached"
		case len(failing) == 0:
			stop = "no revisable fields"
		case iter > 2 && slices.Equal(failing, prevFailing) && directive == prevDirective:
			stop = "same fields failed with unchanged directive"
		case guard.Check() != nil:
			stop = "budget exceeded"
			res.Error = guard.Check().Error()
		}
		if stop != "" {
			log.Debug("loop: exhausted", zap.Int("iteration", iter), zap.String("reason", stop))
			res.LoopState = model.LoopExhausted
			res.Status = model.StatusPartial
			break
		}

		if l.cache != nil {
			for _, name := range failing {
				if err := l.cache.Invalidate(ctx, attempt.Fingerprint, name); err != nil {
					log.Warn("loop: cache invalidate failed", zap.String("field", name), zap.Error(err))
				}
			}
		}
		rev = newRevision(directive, failing, verdicts, merged)
		fields = l.reg.Specs(failing)
		prior = attempt
		prevFailing = failing
		prevDirective = directive
	}

	if res.Status != model.StatusSuccess {
		res.UnresolvedFields = bestFailing
	}
	if res.FieldValues == nil {
		res.FieldValues = map[string]model.FieldValue{}
	}
	res.Duration = time.Since(start)

	l.sink.Record(ctx, model.AuditRecord{
		Kind:       model.AuditResult,
		DocumentID: doc.ID,
		Iteration:  len(res.IterationHistory),
		Latency:    res.Duration,
		CostUnits:  res.TotalCost,
		Outcome:    string(res.Status),
		Note:       res.Error,
		At:         start.UTC(),
	})
	return res
}

func (l *Loop) allSpecs() []*model.FieldSpec {
	specs := make([]*model.FieldSpec, len(l.reg.Fields))
	for i := range l.reg.Fields {
		specs[i] = &l.reg.Fields[i]
	}
	return specs
}

// failingFields returns, sorted, every unlocked field whose verdict is
// unverified, below its confidence threshold or flagged for review.
func (l *Loop) failingFields(verdicts []model.ValidationVerdict, values map[string]model.FieldValue) []string {
	var failing []string
	for _, v := range verdicts {
		val, ok := values[v.FieldName]
		if ok && val.Locked {
			continue
		}
		spec := l.reg.ByName(v.FieldName)
		lowConf := spec != nil && v.Confidence < spec.ConfidenceThreshold
		if !v.Verified || lowConf || val.NeedsReview {
			failing = append(failing, v.FieldName)
		}
	}
	sort.Strings(failing)
	return failing
}

func revisionLine(field string, verdicts []model.ValidationVerdict, values map[string]model.FieldValue) string {
	kind := "low-confidence"
	if v, ok := values[field]; !ok || strings.TrimSpace(v.RawValue) == "" {
		kind = "missing"
	}
	line := fmt.Sprintf("field %s was %s; re-examine source for %s", field, kind, field)
	for _, v := range verdicts {
		if v.FieldName == field && v.Notes != "" {
			line += ": " + v.Notes
			break
		}
	}
	return line
}

// buildDirective renders one line per failing field. failing is sorted so
// equal inputs yield equal directives.
func buildDirective(failing []string, verdicts []model.ValidationVerdict, values map[string]model.FieldValue) string {
	lines := make([]string, 0, len(failing))
	for _, f := range failing {
		lines = append(lines, revisionLine(f, verdicts, values))
	}
	return strings.Join(lines, "\n")
}

func newRevision(directive string, failing []string, verdicts []model.ValidationVerdict, values map[string]model.FieldValue) *Revision {
	rev := &Revision{Directive: directive, PerField: make(map[string]string, len(failing))}
	for _, f := range failing {
		rev.PerField[f] = revisionLine(f, verdicts, values)
	}
	return rev
}
