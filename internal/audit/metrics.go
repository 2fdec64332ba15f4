package audit

import (
	"context"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/sells-group/extract-cli/internal/model"
)

// Metrics turns audit records into Prometheus series.
type Metrics struct {
	// TierCalls counts backend calls.
	// Labels: tier, outcome (resolved, unresolved, error)
	TierCalls *prometheus.CounterVec

	// TierLatency tracks backend call latency in seconds.
	TierLatency *prometheus.HistogramVec

	// CostUnits accumulates reported cost per tier.
	CostUnits *prometheus.CounterVec

	// OverridesSuppressed counts attempts to replace a locked value.
	OverridesSuppressed prometheus.Counter

	// ManualCorrections counts audited corrections.
	ManualCorrections prometheus.Counter

	// Documents counts finished documents.
	// Labels: status
	Documents *prometheus.CounterVec
}

// NewMetrics registers the extraction metrics with reg. A nil reg uses the
// default registerer.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	f := promauto.With(reg)
	return &Metrics{
		TierCalls: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "extract",
				Subsystem: "tier",
				Name:      "calls_total",
				Help:      "Total number of tier backend calls",
			},
			[]string{"tier", "outcome"},
		),
		TierLatency: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: "extract",
				Subsystem: "tier",
				Name:      "call_duration_seconds",
				Help:      "Duration of tier backend calls in seconds",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"tier"},
		),
		CostUnits: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "extract",
				Subsystem: "tier",
				Name:      "cost_units_total",
				Help:      "Cost units charged by tier backend calls",
			},
			[]string{"tier"},
		),
		OverridesSuppressed: f.NewCounter(
			prometheus.CounterOpts{
				Namespace: "extract",
				Subsystem: "merge",
				Name:      "overrides_suppressed_total",
				Help:      "Total number of suppressed overrides of locked values",
			},
		),
		ManualCorrections: f.NewCounter(
			prometheus.CounterOpts{
				Namespace: "extract",
				Subsystem: "merge",
				Name:      "manual_corrections_total",
				Help:      "Total number of manual corrections applied",
			},
		),
		Documents: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "extract",
				Subsystem: "batch",
				Name:      "documents_total",
				Help:      "Total number of finished documents by status",
			},
			[]string{"status"},
		),
	}
}

func (m *Metrics) Record(_ context.Context, r model.AuditRecord) {
	switch r.Kind {
	case model.AuditTierCall:
		tier := r.Tier.String()
		m.TierCalls.WithLabelValues(tier, r.Outcome).Inc()
		m.TierLatency.WithLabelValues(tier).Observe(r.Latency.Seconds())
		if r.CostUnits > 0 {
			m.CostUnits.WithLabelValues(tier).Add(r.CostUnits)
		}
	case model.AuditOverrideSuppressed:
		m.OverridesSuppressed.Inc()
	case model.AuditManualCorrection:
		m.ManualCorrections.Inc()
	case model.AuditResult:
		m.Documents.WithLabelValues(r.Outcome).Inc()
	}
}
