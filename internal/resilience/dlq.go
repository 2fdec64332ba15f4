package resilience

import (
	"errors"
	"time"

	"github.com/sells-group/extract-cli/internal/model"
)

// Error classes recorded on dead-lettered documents.
const (
	ErrorTransient = "transient"
	ErrorPermanent = "permanent"
	ErrorBudget    = "budget"
)

// DLQEntry is a document whose run ended FAILED or BUDGET_EXCEEDED and can
// be retried later.
type DLQEntry struct {
	ID           string         `json:"id"`
	Document     model.Document `json:"document"`
	Status       model.Status   `json:"status"`
	Error        string         `json:"error"`
	ErrorType    string         `json:"error_type"`
	RetryCount   int            `json:"retry_count"`
	MaxRetries   int            `json:"max_retries"`
	NextRetryAt  time.Time      `json:"next_retry_at"`
	CreatedAt    time.Time      `json:"created_at"`
	LastFailedAt time.Time      `json:"last_failed_at"`
}

// DLQFilter specifies criteria for querying the dead letter queue.
type DLQFilter struct {
	ErrorType string `json:"error_type,omitempty"` // "transient", "permanent", "budget" or "" for all
	Limit     int    `json:"limit,omitempty"`
}

// DefaultDLQBackoff spaces dead-letter retries: 5m base, doubling, capped
// at 6h.
func DefaultDLQBackoff() RetryConfig {
	return RetryConfig{
		InitialBackoff: 5 * time.Minute,
		MaxBackoff:     6 * time.Hour,
		Multiplier:     2,
	}
}

// NewDLQEntry builds an entry for a document whose run ended with status and
// note. The first retry is due immediately.
func NewDLQEntry(doc model.Document, status model.Status, note string, maxRetries int, now time.Time) DLQEntry {
	return DLQEntry{
		Document:     doc,
		Status:       status,
		Error:        note,
		ErrorType:    ClassifyResult(status, note),
		MaxRetries:   maxRetries,
		NextRetryAt:  now,
		CreatedAt:    now,
		LastFailedAt: now,
	}
}

// CanRetry returns true if this entry hasn't exceeded its max retry count.
func (e *DLQEntry) CanRetry() bool {
	return e.RetryCount < e.MaxRetries
}

// NextAttempt returns when the entry is due again after its current retry
// failed.
func (e *DLQEntry) NextAttempt(now time.Time, cfg RetryConfig) time.Time {
	cfg = applyDefaults(cfg)
	cfg.JitterFraction = 0
	return now.Add(computeBackoff(e.RetryCount, cfg))
}

// ClassifyError categorizes an error as "transient" or "permanent".
func ClassifyError(err error) string {
	if IsTransient(err) {
		return ErrorTransient
	}
	return ErrorPermanent
}

// ClassifyResult categorizes a terminal run. Budget halts and cancellations
// are worth retrying; other failures are classified by their message.
func ClassifyResult(status model.Status, note string) string {
	switch {
	case status == model.StatusBudgetExceeded:
		return ErrorBudget
	case note == "canceled":
		return ErrorTransient
	case note == "":
		return ErrorPermanent
	default:
		return ClassifyError(errors.New(note))
	}
}
