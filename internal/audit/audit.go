// Package audit fans structured audit records out to logs, persistence and
// metrics.
package audit

import (
	"context"
	"sync"

	"go.uber.org/zap"

	"github.com/sells-group/extract-cli/internal/model"
)

// Sink receives audit records. Record must be safe for concurrent use and
// must not block extraction on a slow destination for long.
type Sink interface {
	Record(ctx context.Context, r model.AuditRecord)
}

// Nop discards records.
type Nop struct{}

func (Nop) Record(context.Context, model.AuditRecord) {}

// Multi forwards every record to each sink in order.
type Multi []Sink

func (m Multi) Record(ctx context.Context, r model.AuditRecord) {
	for _, s := range m {
		if s != nil {
			s.Record(ctx, r)
		}
	}
}

// LogSink writes records to the global zap logger at debug level, except
// suppressed overrides and manual corrections which log at info.
type LogSink struct{}

func (LogSink) Record(_ context.Context, r model.AuditRecord) {
	fields := []zap.Field{
		zap.String("kind", string(r.Kind)),
		zap.String("document_id", r.DocumentID),
		zap.String("field", r.Field),
		zap.Stringer("tier", r.Tier),
		zap.Int("iteration", r.Iteration),
		zap.Duration("latency", r.Latency),
		zap.Float64("cost_units", r.CostUnits),
		zap.String("outcome", r.Outcome),
	}
	if r.Note != "" {
		fields = append(fields, zap.String("note", r.Note))
	}

	switch r.Kind {
	case model.AuditOverrideSuppressed, model.AuditManualCorrection:
		zap.L().Info("audit: "+string(r.Kind), fields...)
	default:
		zap.L().Debug("audit: "+string(r.Kind), fields...)
	}
}

// Recorder collects records in memory. Useful for tests and for the serve
// endpoint, which returns a document's records with its result.
type Recorder struct {
	mu      sync.Mutex
	records []model.AuditRecord
}

func (r *Recorder) Record(_ context.Context, rec model.AuditRecord) {
	r.mu.Lock()
	r.records = append(r.records, rec)
	r.mu.Unlock()
}

// Records returns a copy of the collected records.
func (r *Recorder) Records() []model.AuditRecord {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]model.AuditRecord, len(r.records))
	copy(out, r.records)
	return out
}

// ByKind returns the collected records of the given kind.
func (r *Recorder) ByKind(kind model.AuditKind) []model.AuditRecord {
	var out []model.AuditRecord
	for _, rec := range r.Records() {
		if rec.Kind == kind {
			out = append(out, rec)
		}
	}
	return out
}
