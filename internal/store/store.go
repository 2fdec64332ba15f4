// Package store persists cache entries, run records and audit records in
// SQLite or Postgres.
package store

import (
	"context"
	"time"

	"github.com/sells-group/extract-cli/internal/model"
	"github.com/sells-group/extract-cli/internal/resilience"
)

// RunFilter specifies criteria for listing runs.
type RunFilter struct {
	Status     model.Status `json:"status,omitempty"`
	DocumentID string       `json:"document_id,omitempty"`
	Limit      int          `json:"limit,omitempty"`
	Offset     int          `json:"offset,omitempty"`
}

// CacheStats summarises the cache_entries table.
type CacheStats struct {
	Entries         int                `json:"entries"`
	ByTier          map[model.Tier]int `json:"by_tier"`
	BySchemaVersion map[int]int        `json:"by_schema_version"`
}

// Store defines the persistence interface for the extraction pipeline.
type Store interface {
	// Field cache
	GetCacheEntry(ctx context.Context, key model.CacheKey) (*model.CacheEntry, error)
	PutCacheEntry(ctx context.Context, entry model.CacheEntry) error
	PutCacheEntries(ctx context.Context, entries []model.CacheEntry) (int, error)
	DeleteCacheEntry(ctx context.Context, key model.CacheKey) error
	PurgeStaleCache(ctx context.Context, schemaVersion, policyVersion int) (int, error)
	CacheStats(ctx context.Context) (*CacheStats, error)

	// Runs
	CreateRun(ctx context.Context, documentID string) (*model.Run, error)
	UpdateRunResult(ctx context.Context, runID string, result *model.PipelineResult) error
	GetRun(ctx context.Context, runID string) (*model.Run, error)
	ListRuns(ctx context.Context, filter RunFilter) ([]model.Run, error)

	// Audit
	InsertAuditRecords(ctx context.Context, records []model.AuditRecord) error
	ListAuditRecords(ctx context.Context, documentID string, limit int) ([]model.AuditRecord, error)

	// Dead letter queue
	EnqueueDLQ(ctx context.Context, entry resilience.DLQEntry) error
	DequeueDLQ(ctx context.Context, filter resilience.DLQFilter) ([]resilience.DLQEntry, error)
	IncrementDLQRetry(ctx context.Context, id string, nextRetryAt time.Time, lastErr string) error
	RemoveDLQ(ctx context.Context, id string) error
	CountDLQ(ctx context.Context) (int, error)

	// Lifecycle
	Ping(ctx context.Context) error
	Migrate(ctx context.Context) error
	Close() error
}
