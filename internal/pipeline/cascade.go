// Package pipeline runs documents through the extraction cascade, merges
// and validates the results, retries failing fields and orchestrates
// batches under a cost guard.
package pipeline

import (
	"context"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/sells-group/extract-cli/internal/cache"
	"github.com/sells-group/extract-cli/internal/cost"
	"github.com/sells-group/extract-cli/internal/model"
	"github.com/sells-group/extract-cli/internal/tier"
)

// DefaultFieldConcurrency bounds concurrent field cascades per document.
const DefaultFieldConcurrency = 4

// Revision carries the retry loop's feedback into a later cascade pass.
type Revision struct {
	Directive string
	// PerField holds the instruction passed to inference backends for each
	// requested field.
	PerField map[string]string
}

// Controller walks each field up the tier ladder until a result clears the
// field's confidence threshold.
type Controller struct {
	reg              *model.FieldRegistry
	dispatch         tier.Dispatch
	cache            *cache.Manager
	guard            *cost.Guard
	fieldConcurrency int
}

// NewController creates a cascade controller. cache and guard may be nil.
func NewController(reg *model.FieldRegistry, dispatch tier.Dispatch, cm *cache.Manager, guard *cost.Guard, fieldConcurrency int) *Controller {
	if fieldConcurrency <= 0 {
		fieldConcurrency = DefaultFieldConcurrency
	}
	return &Controller{
		reg:              reg,
		dispatch:         dispatch,
		cache:            cm,
		guard:            guard,
		fieldConcurrency: fieldConcurrency,
	}
}

type fieldOutcome struct {
	value    model.FieldValue
	found    bool
	accepted bool
	cacheHit bool
	calls    int
	cost     float64
	err      error
}

// Resolve runs one cascade pass over fields. prior is the previous
// iteration's attempt, or nil on the first pass. rev is nil on the first
// pass; with a revision the cache is bypassed for the requested fields.
// Field failures are recorded on the attempt and never returned.
func (c *Controller) Resolve(ctx context.Context, doc model.Document, fields []*model.FieldSpec, prior *model.ExtractionAttempt, rev *Revision) *model.ExtractionAttempt {
	start := time.Now()
	attempt := &model.ExtractionAttempt{
		SchemaVersion:   c.reg.Version,
		FieldValues:     make(map[string]model.FieldValue, len(fields)),
		IterationNumber: 1,
		StartedAt:       start.UTC(),
	}
	if prior != nil {
		attempt.Fingerprint = prior.Fingerprint
		attempt.IterationNumber = prior.IterationNumber + 1
	} else {
		attempt.Fingerprint = model.FingerprintOf(doc.Text)
	}

	outcomes := make([]fieldOutcome, len(fields))
	var g errgroup.Group
	g.SetLimit(c.fieldConcurrency)
	for i, f := range fields {
		g.Go(func() error {
			outcomes[i] = c.resolveField(ctx, doc, attempt, f, rev)
			return nil
		})
	}
	_ = g.Wait()

	var accepted []model.FieldValue
	for i, o := range outcomes {
		name := fields[i].Name
		if o.found {
			attempt.FieldValues[name] = o.value
		}
		if o.accepted && !o.cacheHit {
			accepted = append(accepted, o.value)
		}
		if o.cacheHit {
			attempt.CacheHits++
		}
		attempt.BackendCalls += o.calls
		attempt.Cost += o.cost
		if o.err != nil {
			if attempt.Errors == nil {
				attempt.Errors = make(map[string]string)
			}
			attempt.Errors[name] = o.err.Error()
		}
	}
	if c.cache != nil {
		if err := c.cache.StoreAll(ctx, attempt.Fingerprint, accepted); err != nil {
			zap.L().Warn("cascade: cache write failed", zap.String("document_id", doc.ID), zap.Error(err))
		}
	}
	attempt.Duration = time.Since(start)
	return attempt
}

func (c *Controller) resolveField(ctx context.Context, doc model.Document, attempt *model.ExtractionAttempt, spec *model.FieldSpec, rev *Revision) fieldOutcome {
	var out fieldOutcome
	log := zap.L().With(
		zap.String("document_id", doc.ID),
		zap.String("field", spec.Name),
		zap.Int("iteration", attempt.IterationNumber),
	)

	if c.cache != nil && rev == nil {
		if v, ok := c.cache.Lookup(ctx, attempt.Fingerprint, spec.Name); ok {
			out.value, out.found, out.cacheHit = v, true, true
			return out
		}
	}

	var instructions string
	if rev != nil {
		instructions = rev.PerField[spec.Name]
	}

	guard := cost.GuardFrom(ctx, c.guard)
	var best *model.FieldValue
	accepted := false
	for t, more := spec.MinTier, true; more && spec.Eligible(t); t, more = t.Next() {
		if err := ctx.Err(); err != nil {
			out.err = err
			break
		}
		backend, ok := c.dispatch[t]
		if !ok {
			continue
		}
		if guard.Halted() && tier.IsBillable(backend) {
			log.Debug("cascade: budget halted, stopping escalation", zap.Stringer("tier", t))
			break
		}

		res, err := backend.Extract(ctx, tier.Request{
			DocumentID:   doc.ID,
			Text:         doc.Text,
			Field:        spec,
			Instructions: instructions,
			Iteration:    attempt.IterationNumber,
		})
		out.calls++
		out.cost += res.Cost
		if guard != nil {
			guard.Charge(res.Cost)
		}
		if err != nil {
			if !tier.IsUnresolved(err) {
				log.Warn("cascade: tier call failed", zap.Stringer("tier", t), zap.Error(err))
				out.err = err
			}
			continue
		}

		v := res.Value
		v.FieldName = spec.Name
		v.TierUsed = t
		if t == model.TierDeterministic {
			v.Locked = true
			best, accepted = &v, true
			break
		}
		// Strictly greater: on a tie the cheaper tier keeps the field.
		if best == nil || v.Confidence > best.Confidence {
			best = &v
		}
		if v.Confidence >= spec.ConfidenceThreshold {
			accepted = true
			break
		}
		log.Debug("cascade: below threshold, escalating",
			zap.Stringer("tier", t),
			zap.Float64("confidence", v.Confidence),
			zap.Float64("threshold", spec.ConfidenceThreshold),
		)
	}

	if best == nil {
		return out
	}
	out.value, out.found, out.accepted = *best, true, accepted
	if !accepted {
		out.value.NeedsReview = true
	}
	return out
}
