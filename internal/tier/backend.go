// Package tier implements the extraction backends the cascade dispatches to:
// deterministic pattern rules and model inference behind an Inferer.
package tier

import (
	"context"
	"errors"
	"time"

	"github.com/rotisserie/eris"

	"github.com/sells-group/extract-cli/internal/audit"
	"github.com/sells-group/extract-cli/internal/model"
)

// ErrUnresolved signals that a backend declined the field, answered with no
// value, or exhausted its retries. It drives escalation and is not a
// pipeline failure.
var ErrUnresolved = eris.New("tier: unresolved")

// IsUnresolved reports whether err is ErrUnresolved or wraps it.
func IsUnresolved(err error) bool {
	return errors.Is(err, ErrUnresolved)
}

// Request asks a backend for one field of one document.
type Request struct {
	DocumentID   string
	Text         string
	Field        *model.FieldSpec
	Instructions string
	Iteration    int
}

// Result is a backend's answer. Cost is charged even when the call ended
// unresolved.
type Result struct {
	Value model.FieldValue
	Cost  float64
}

// Backend extracts one field at one tier.
type Backend interface {
	Tier() model.Tier
	Extract(ctx context.Context, req Request) (Result, error)
}

// Metered is implemented by backends that know whether a call can cost
// anything.
type Metered interface {
	Billable() bool
}

// IsBillable reports whether a call to b may be charged. Backends that do
// not implement Metered are billable.
func IsBillable(b Backend) bool {
	if m, ok := b.(Metered); ok {
		return m.Billable()
	}
	return true
}

// Dispatch maps each tier to its backend. A tier without a backend is
// skipped by the cascade.
type Dispatch map[model.Tier]Backend

// Audited wraps every backend so each call emits one tier_call record.
func (d Dispatch) Audited(sink audit.Sink) Dispatch {
	out := make(Dispatch, len(d))
	for t, b := range d {
		out[t] = WithAudit(b, sink)
	}
	return out
}

type audited struct {
	Backend
	sink audit.Sink
}

// WithAudit returns b emitting an audit record per Extract call.
func WithAudit(b Backend, sink audit.Sink) Backend {
	if sink == nil {
		return b
	}
	return &audited{Backend: b, sink: sink}
}

func (a *audited) Billable() bool { return IsBillable(a.Backend) }

func (a *audited) Extract(ctx context.Context, req Request) (Result, error) {
	start := time.Now()
	res, err := a.Backend.Extract(ctx, req)

	rec := model.AuditRecord{
		Kind:       model.AuditTierCall,
		DocumentID: req.DocumentID,
		Field:      req.Field.Name,
		Tier:       a.Tier(),
		Iteration:  req.Iteration,
		Latency:    time.Since(start),
		CostUnits:  res.Cost,
		Outcome:    model.OutcomeResolved,
		At:         start.UTC(),
	}
	switch {
	case err == nil:
	case IsUnresolved(err):
		rec.Outcome = model.OutcomeUnresolved
		rec.Note = err.Error()
	default:
		rec.Outcome = model.OutcomeError
		rec.Note = err.Error()
	}
	a.sink.Record(ctx, rec)
	return res, err
}
