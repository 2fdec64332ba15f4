package store

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/extract-cli/internal/model"
	"github.com/sells-group/extract-cli/internal/resilience"
)

// newMockPostgresStore creates a PostgresStore backed by pgxmock for unit testing.
func newMockPostgresStore(t *testing.T) (*PostgresStore, pgxmock.PgxPoolIface) {
	t.Helper()
	mock, err := pgxmock.NewPool(pgxmock.QueryMatcherOption(pgxmock.QueryMatcherRegexp))
	require.NoError(t, err)
	t.Cleanup(func() { mock.Close() })

	s := &PostgresStore{pool: mock}
	return s, mock
}

func TestPostgresStore_GetCacheEntry_Hit(t *testing.T) {
	s, mock := newMockPostgresStore(t)
	key := model.CacheKey{Fingerprint: "abc", FieldName: "doi", SchemaVersion: 1, PolicyVersion: 1}
	written := time.Now().UTC()

	mock.ExpectQuery(`SELECT raw_value, confidence, source_quote, tier_used, written_at FROM cache_entries`).
		WithArgs("abc", "doi", 1, 1).
		WillReturnRows(pgxmock.NewRows([]string{"raw_value", "confidence", "source_quote", "tier_used", "written_at"}).
			AddRow("10.1/x.1", 0.95, "DOI: 10.1/x.1", 0, written))

	got, err := s.GetCacheEntry(context.Background(), key)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "10.1/x.1", got.Value.RawValue)
	assert.Equal(t, model.TierDeterministic, got.TierUsed)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_GetCacheEntry_Miss(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectQuery(`FROM cache_entries`).
		WithArgs("abc", "doi", 1, 0).
		WillReturnError(pgx.ErrNoRows)

	got, err := s.GetCacheEntry(context.Background(), model.CacheKey{Fingerprint: "abc", FieldName: "doi", SchemaVersion: 1})
	require.NoError(t, err)
	assert.Nil(t, got)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_PutCacheEntry_Upsert(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectExec(`ON CONFLICT \(fingerprint, field_name, schema_version\) DO UPDATE`).
		WithArgs("abc", "patient_age", 1, 1, "61", 0.9, "Patient age 61", 1, pgxmock.AnyArg()).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	err := s.PutCacheEntry(context.Background(), model.CacheEntry{
		Fingerprint: "abc", FieldName: "patient_age", SchemaVersion: 1, PolicyVersion: 1,
		TierUsed: model.TierLocal,
		Value:    model.FieldValue{RawValue: "61", Confidence: 0.9, SourceQuote: "Patient age 61"},
	})
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_PurgeStaleCache(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectExec(`DELETE FROM cache_entries WHERE schema_version <> \$1 OR policy_version <> \$2`).
		WithArgs(3, 1).
		WillReturnResult(pgxmock.NewResult("DELETE", 7))

	n, err := s.PurgeStaleCache(context.Background(), 3, 1)
	require.NoError(t, err)
	assert.Equal(t, 7, n)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_CacheStats(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectQuery(`SELECT tier_used, schema_version, COUNT\(\*\) FROM cache_entries`).
		WillReturnRows(pgxmock.NewRows([]string{"tier_used", "schema_version", "count"}).
			AddRow(0, 1, int64(4)).
			AddRow(2, 1, int64(1)))

	stats, err := s.CacheStats(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 5, stats.Entries)
	assert.Equal(t, 4, stats.ByTier[model.TierDeterministic])
	assert.Equal(t, 5, stats.BySchemaVersion[1])
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_GetRun(t *testing.T) {
	s, mock := newMockPostgresStore(t)
	now := time.Now().UTC()
	result, err := json.Marshal(model.PipelineResult{DocumentID: "doc-1", Status: model.StatusPartial})
	require.NoError(t, err)

	mock.ExpectQuery(`SELECT id, document_id, status, result, created_at, updated_at FROM runs WHERE id = \$1`).
		WithArgs("run-1").
		WillReturnRows(pgxmock.NewRows([]string{"id", "document_id", "status", "result", "created_at", "updated_at"}).
			AddRow("run-1", "doc-1", "PARTIAL", &result, now, now))

	run, err := s.GetRun(context.Background(), "run-1")
	require.NoError(t, err)
	assert.Equal(t, model.StatusPartial, run.Status)
	require.NotNil(t, run.Result)
	assert.Equal(t, "doc-1", run.Result.DocumentID)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_GetRun_NotFound(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectQuery(`FROM runs WHERE id = \$1`).
		WithArgs("nonexistent-run").
		WillReturnError(pgx.ErrNoRows)

	_, err := s.GetRun(context.Background(), "nonexistent-run")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "get run")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_UpdateRunResult_NotFound(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectExec(`UPDATE runs SET result`).
		WithArgs(pgxmock.AnyArg(), "FAILED", pgxmock.AnyArg(), "missing").
		WillReturnResult(pgxmock.NewResult("UPDATE", 0))

	err := s.UpdateRunResult(context.Background(), "missing", &model.PipelineResult{Status: model.StatusFailed})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "run not found")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_ListRuns_Filters(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectQuery(`AND status = \$1 AND document_id = \$2 ORDER BY created_at DESC LIMIT \$3 OFFSET \$4`).
		WithArgs("SUCCESS", "doc-1", 10, 20).
		WillReturnRows(pgxmock.NewRows([]string{"id", "document_id", "status", "result", "created_at", "updated_at"}))

	runs, err := s.ListRuns(context.Background(), RunFilter{Status: model.StatusSuccess, DocumentID: "doc-1", Limit: 10, Offset: 20})
	require.NoError(t, err)
	assert.Empty(t, runs)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_InsertAuditRecords_Copy(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectCopyFrom(pgx.Identifier{"audit_log"}, auditColumns).WillReturnResult(2)

	err := s.InsertAuditRecords(context.Background(), []model.AuditRecord{
		{Kind: model.AuditTierCall, DocumentID: "doc-1", Field: "doi", Outcome: model.OutcomeResolved},
		{Kind: model.AuditResult, DocumentID: "doc-1", Outcome: "SUCCESS"},
	})
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_InsertAuditRecords_Error(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectCopyFrom(pgx.Identifier{"audit_log"}, auditColumns).WillReturnError(errors.New("copy failed"))

	err := s.InsertAuditRecords(context.Background(), []model.AuditRecord{{Kind: model.AuditResult}})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "insert audit records")
}

func TestPostgresStore_Migrate(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectExec(`CREATE TABLE IF NOT EXISTS cache_entries`).
		WillReturnResult(pgxmock.NewResult("CREATE", 0))

	require.NoError(t, s.Migrate(context.Background()))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_PutCacheEntries_BulkUpsert(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectBegin()
	mock.ExpectExec(`CREATE TEMP TABLE "_tmp_upsert_cache_entries"`).WillReturnResult(pgxmock.NewResult("CREATE", 0))
	mock.ExpectCopyFrom(pgx.Identifier{"_tmp_upsert_cache_entries"}, cacheUpsert.Columns).WillReturnResult(2)
	mock.ExpectExec(`DELETE FROM "_tmp_upsert_cache_entries"`).WillReturnResult(pgxmock.NewResult("DELETE", 0))
	mock.ExpectExec(`INSERT INTO "cache_entries"`).WillReturnResult(pgxmock.NewResult("INSERT", 2))
	mock.ExpectCommit()

	n, err := s.PutCacheEntries(context.Background(), []model.CacheEntry{
		{Fingerprint: "abc", FieldName: "doi", SchemaVersion: 1, PolicyVersion: 1, TierUsed: model.TierDeterministic, Value: model.FieldValue{RawValue: "10.1/x"}},
		{Fingerprint: "abc", FieldName: "patient_age", SchemaVersion: 1, PolicyVersion: 1, TierUsed: model.TierLocal, Value: model.FieldValue{RawValue: "61"}},
	})
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_PutCacheEntries_Empty(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	n, err := s.PutCacheEntries(context.Background(), nil)
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_EnqueueDLQ(t *testing.T) {
	s, mock := newMockPostgresStore(t)
	now := time.Now().UTC()
	entry := resilience.NewDLQEntry(model.Document{ID: "doc-1", Text: "body"}, model.StatusBudgetExceeded, "halted", 3, now)

	mock.ExpectExec(`INSERT INTO dead_letter_queue`).
		WithArgs(pgxmock.AnyArg(), "doc-1", pgxmock.AnyArg(), "BUDGET_EXCEEDED", "halted", resilience.ErrorBudget, 0, 3, now, now, now).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	require.NoError(t, s.EnqueueDLQ(context.Background(), entry))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_DequeueDLQ(t *testing.T) {
	s, mock := newMockPostgresStore(t)
	now := time.Now().UTC()
	docJSON, err := json.Marshal(model.Document{ID: "doc-1", Text: "body"})
	require.NoError(t, err)

	mock.ExpectQuery(`FROM dead_letter_queue\s+WHERE next_retry_at <= now\(\) AND retry_count < max_retries AND error_type = \$1 ORDER BY next_retry_at ASC LIMIT \$2`).
		WithArgs("transient", 100).
		WillReturnRows(pgxmock.NewRows([]string{"id", "document", "status", "error", "error_type", "retry_count", "max_retries", "next_retry_at", "created_at", "last_failed_at"}).
			AddRow("e1", docJSON, "FAILED", "rate limit", "transient", 1, 3, now, now, now))

	entries, err := s.DequeueDLQ(context.Background(), resilience.DLQFilter{ErrorType: resilience.ErrorTransient})
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "doc-1", entries[0].Document.ID)
	assert.Equal(t, model.StatusFailed, entries[0].Status)
	assert.Equal(t, 1, entries[0].RetryCount)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_IncrementDLQRetry_NotFound(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectExec(`UPDATE dead_letter_queue`).
		WithArgs(pgxmock.AnyArg(), "boom", "missing").
		WillReturnResult(pgxmock.NewResult("UPDATE", 0))

	err := s.IncrementDLQRetry(context.Background(), "missing", time.Now(), "boom")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "dlq_entry not found")
	assert.NoError(t, mock.ExpectationsWereMet())
}
