package model

import "time"

// Status is the terminal outcome of one document.
type Status string

const (
	StatusSuccess Status = "SUCCESS"
	StatusPartial Status = "PARTIAL"
	StatusFailed  Status = "FAILED"
	// StatusBudgetExceeded marks a queued document that never started because
	// the run crossed its hard cost ceiling.
	StatusBudgetExceeded Status = "BUDGET_EXCEEDED"
)

// LoopState is a state of the retry/revision state machine.
type LoopState string

const (
	LoopInitial   LoopState = "INITIAL"
	LoopIterating LoopState = "ITERATING"
	LoopAccepted  LoopState = "ACCEPTED"
	LoopExhausted LoopState = "EXHAUSTED"
)

// ValidationVerdict is the validator's judgement on one field.
type ValidationVerdict struct {
	FieldName     string  `json:"field_name"`
	Verified      bool    `json:"verified"`
	Confidence    float64 `json:"confidence"`
	Correction    *string `json:"correction,omitempty"`
	Notes         string  `json:"notes,omitempty"`
	Hallucination bool    `json:"hallucination,omitempty"`
}

// IterationRecord summarises one pass of the retry loop.
type IterationRecord struct {
	IterationNumber       int           `json:"iteration_number"`
	AccuracyScore         float64       `json:"accuracy_score"`
	ConsistencyScore      float64       `json:"consistency_score"`
	OverallScore          float64       `json:"overall_score"`
	PenalizedScore        float64       `json:"penalized_score"`
	IssuesCount           int           `json:"issues_count"`
	ExecutionTime         time.Duration `json:"execution_time"`
	MissingRequiredFields []string      `json:"missing_required_fields,omitempty"`
	RevisionFields        []string      `json:"revision_fields,omitempty"`
	Directive             string        `json:"directive,omitempty"`
	Cost                  float64       `json:"cost"`
}

// PipelineResult is the terminal artifact for one document.
type PipelineResult struct {
	DocumentID       string                `json:"document_id"`
	Index            int                   `json:"-"`
	Fingerprint      Fingerprint           `json:"fingerprint,omitempty"`
	SchemaVersion    int                   `json:"schema_version"`
	FieldValues      map[string]FieldValue `json:"field_values"`
	Verdicts         []ValidationVerdict   `json:"verdicts,omitempty"`
	IterationHistory []IterationRecord     `json:"iteration_history"`
	BestIteration    int                   `json:"best_iteration"`
	Status           Status                `json:"status"`
	LoopState        LoopState             `json:"loop_state,omitempty"`
	TotalCost        float64               `json:"total_cost"`
	CacheHit         bool                  `json:"cache_hit"`
	UnresolvedFields []string              `json:"unresolved_fields,omitempty"`
	Error            string                `json:"error,omitempty"`
	Duration         time.Duration         `json:"duration"`
}

// AuditKind classifies an audit record.
type AuditKind string

const (
	AuditTierCall           AuditKind = "tier_call"
	AuditOverrideSuppressed AuditKind = "override_suppressed"
	AuditManualCorrection   AuditKind = "manual_correction"
	AuditResult             AuditKind = "result"
)

// AuditRecord is one structured audit event.
type AuditRecord struct {
	ID         string        `json:"id"`
	Kind       AuditKind     `json:"kind"`
	DocumentID string        `json:"document_id,omitempty"`
	Field      string        `json:"field,omitempty"`
	Tier       Tier          `json:"tier"`
	Iteration  int           `json:"iteration,omitempty"`
	Latency    time.Duration `json:"latency"`
	CostUnits  float64       `json:"cost_units"`
	Outcome    string        `json:"outcome"`
	Note       string        `json:"note,omitempty"`
	At         time.Time     `json:"at"`
}

// Audit outcomes for tier calls.
const (
	OutcomeResolved   = "resolved"
	OutcomeUnresolved = "unresolved"
	OutcomeError      = "error"
)

// Run is a persisted record of one document's processing.
type Run struct {
	ID         string          `json:"id"`
	DocumentID string          `json:"document_id"`
	Status     Status          `json:"status"`
	Result     *PipelineResult `json:"result,omitempty"`
	CreatedAt  time.Time       `json:"created_at"`
	UpdatedAt  time.Time       `json:"updated_at"`
}
