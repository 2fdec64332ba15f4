package pipeline

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/rotisserie/eris"

	"github.com/sells-group/extract-cli/internal/audit"
	"github.com/sells-group/extract-cli/internal/model"
)

// Merger is the single writer of one document's merged field values.
// Merges are serialized and must arrive in iteration order.
type Merger struct {
	mu            sync.Mutex
	documentID    string
	lastIteration int
	sink          audit.Sink
}

// NewMerger creates a merger for one document. sink may be nil.
func NewMerger(documentID string, sink audit.Sink) *Merger {
	if sink == nil {
		sink = audit.Nop{}
	}
	return &Merger{documentID: documentID, sink: sink}
}

// Merge folds attempt into existing and returns a new map. A locked existing
// value is kept; a disagreeing newcomer is recorded as override_suppressed.
// Otherwise the new value is adopted, locked only when it came from the
// deterministic tier. Fields absent from the attempt keep their existing
// value. existing is not modified.
func (m *Merger) Merge(ctx context.Context, existing map[string]model.FieldValue, attempt *model.ExtractionAttempt) (map[string]model.FieldValue, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if attempt.IterationNumber < m.lastIteration {
		return nil, eris.Wrapf(ErrOutOfOrder, "document %s: iteration %d after %d",
			m.documentID, attempt.IterationNumber, m.lastIteration)
	}
	m.lastIteration = attempt.IterationNumber

	merged := make(map[string]model.FieldValue, len(existing)+len(attempt.FieldValues))
	for name, v := range existing {
		merged[name] = v
	}

	names := make([]string, 0, len(attempt.FieldValues))
	for name := range attempt.FieldValues {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		next := attempt.FieldValues[name]
		cur, ok := merged[name]
		if ok && cur.Locked {
			if next.RawValue != cur.RawValue {
				m.sink.Record(ctx, model.AuditRecord{
					Kind:       model.AuditOverrideSuppressed,
					DocumentID: m.documentID,
					Field:      name,
					Tier:       next.TierUsed,
					Iteration:  attempt.IterationNumber,
					Outcome:    "suppressed",
					Note:       fmt.Sprintf("kept locked %q from %s, rejected %q", cur.RawValue, cur.TierUsed, next.RawValue),
					At:         time.Now().UTC(),
				})
			}
			continue
		}
		next.Locked = next.TierUsed == model.TierDeterministic
		merged[name] = next
	}
	return merged, nil
}

// ApplyCorrection sets field to value regardless of its lock and records a
// manual_correction audit record. It returns a new map and leaves values
// untouched.
func (m *Merger) ApplyCorrection(ctx context.Context, values map[string]model.FieldValue, field, value, reason string) map[string]model.FieldValue {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make(map[string]model.FieldValue, len(values)+1)
	for name, v := range values {
		out[name] = v
	}
	prev := out[field]
	out[field] = model.FieldValue{
		FieldName:   field,
		RawValue:    value,
		Confidence:  1.0,
		SourceQuote: prev.SourceQuote,
		TierUsed:    prev.TierUsed,
		Locked:      true,
	}

	note := fmt.Sprintf("%q -> %q", prev.RawValue, value)
	if reason != "" {
		note += ": " + reason
	}
	m.sink.Record(ctx, model.AuditRecord{
		Kind:       model.AuditManualCorrection,
		DocumentID: m.documentID,
		Field:      field,
		Tier:       prev.TierUsed,
		Iteration:  m.lastIteration,
		Outcome:    "corrected",
		Note:       note,
		At:         time.Now().UTC(),
	})
	return out
}
