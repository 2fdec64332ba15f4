package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	_ "modernc.org/sqlite"

	"github.com/sells-group/extract-cli/internal/model"
	"github.com/sells-group/extract-cli/internal/resilience"
)

// SQLiteStore implements Store using modernc.org/sqlite.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLite opens a SQLite database at the given path and configures WAL mode.
func NewSQLite(dsn string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: open")
	}
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA synchronous=NORMAL",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, eris.Wrapf(err, "sqlite: exec %s", pragma)
		}
	}
	// One connection keeps the pragmas above in effect for every statement
	// and serializes writers.
	db.SetMaxOpenConns(1)
	return &SQLiteStore{db: db}, nil
}

const sqliteMigration = `
CREATE TABLE IF NOT EXISTS cache_entries (
	fingerprint    TEXT NOT NULL,
	field_name     TEXT NOT NULL,
	schema_version INTEGER NOT NULL,
	policy_version INTEGER NOT NULL DEFAULT 0,
	raw_value      TEXT NOT NULL,
	confidence     REAL NOT NULL,
	source_quote   TEXT NOT NULL DEFAULT '',
	tier_used      INTEGER NOT NULL,
	written_at     DATETIME NOT NULL DEFAULT (datetime('now')),
	PRIMARY KEY (fingerprint, field_name, schema_version)
);

CREATE TABLE IF NOT EXISTS runs (
	id          TEXT PRIMARY KEY,
	document_id TEXT NOT NULL,
	status      TEXT NOT NULL DEFAULT '',
	result      TEXT,
	created_at  DATETIME NOT NULL DEFAULT (datetime('now')),
	updated_at  DATETIME NOT NULL DEFAULT (datetime('now'))
);

CREATE TABLE IF NOT EXISTS audit_log (
	id          TEXT PRIMARY KEY,
	kind        TEXT NOT NULL,
	document_id TEXT NOT NULL DEFAULT '',
	field       TEXT NOT NULL DEFAULT '',
	tier        INTEGER NOT NULL DEFAULT 0,
	iteration   INTEGER NOT NULL DEFAULT 0,
	latency_ms  INTEGER NOT NULL DEFAULT 0,
	cost_units  REAL NOT NULL DEFAULT 0,
	outcome     TEXT NOT NULL DEFAULT '',
	note        TEXT NOT NULL DEFAULT '',
	at          DATETIME NOT NULL DEFAULT (datetime('now'))
);

CREATE TABLE IF NOT EXISTS dead_letter_queue (
	id             TEXT PRIMARY KEY,
	document_id    TEXT NOT NULL UNIQUE,
	document       TEXT NOT NULL,
	status         TEXT NOT NULL,
	error          TEXT NOT NULL DEFAULT '',
	error_type     TEXT NOT NULL DEFAULT '',
	retry_count    INTEGER NOT NULL DEFAULT 0,
	max_retries    INTEGER NOT NULL DEFAULT 3,
	next_retry_at  DATETIME NOT NULL,
	created_at     DATETIME NOT NULL,
	last_failed_at DATETIME NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_cache_entries_versions ON cache_entries(schema_version, policy_version);
CREATE INDEX IF NOT EXISTS idx_dead_letter_queue_due ON dead_letter_queue(next_retry_at);
CREATE INDEX IF NOT EXISTS idx_runs_status ON runs(status);
CREATE INDEX IF NOT EXISTS idx_runs_document ON runs(document_id);
CREATE INDEX IF NOT EXISTS idx_audit_log_document ON audit_log(document_id, at);
`

func (s *SQLiteStore) Ping(ctx context.Context) error {
	return eris.Wrap(s.db.PingContext(ctx), "sqlite: ping")
}

func (s *SQLiteStore) Migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, sqliteMigration)
	return eris.Wrap(err, "sqlite: migrate")
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// --- Field cache ---

func (s *SQLiteStore) GetCacheEntry(ctx context.Context, key model.CacheKey) (*model.CacheEntry, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT raw_value, confidence, source_quote, tier_used, written_at FROM cache_entries
		 WHERE fingerprint = ? AND field_name = ? AND schema_version = ? AND policy_version = ?`,
		string(key.Fingerprint), key.FieldName, key.SchemaVersion, key.PolicyVersion,
	)
	e, err := scanCacheEntry(row, key)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: get cache entry")
	}
	return e, nil
}

const sqliteUpsertCache = `INSERT INTO cache_entries (fingerprint, field_name, schema_version, policy_version, raw_value, confidence, source_quote, tier_used, written_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT (fingerprint, field_name, schema_version) DO UPDATE SET
	policy_version = excluded.policy_version,
	raw_value = excluded.raw_value,
	confidence = excluded.confidence,
	source_quote = excluded.source_quote,
	tier_used = excluded.tier_used,
	written_at = excluded.written_at`

func (s *SQLiteStore) PutCacheEntry(ctx context.Context, e model.CacheEntry) error {
	_, err := s.db.ExecContext(ctx, sqliteUpsertCache, cacheRow(e)...)
	return eris.Wrap(err, "sqlite: put cache entry")
}

// PutCacheEntries upserts entries in one transaction.
func (s *SQLiteStore) PutCacheEntries(ctx context.Context, entries []model.CacheEntry) (int, error) {
	if len(entries) == 0 {
		return 0, nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, eris.Wrap(err, "sqlite: begin cache tx")
	}
	defer tx.Rollback() //nolint:errcheck

	stmt, err := tx.PrepareContext(ctx, sqliteUpsertCache)
	if err != nil {
		return 0, eris.Wrap(err, "sqlite: prepare cache upsert")
	}
	defer stmt.Close()

	for _, e := range entries {
		if _, err := stmt.ExecContext(ctx, cacheRow(e)...); err != nil {
			return 0, eris.Wrapf(err, "sqlite: put cache entry %s", e.FieldName)
		}
	}
	if err := tx.Commit(); err != nil {
		return 0, eris.Wrap(err, "sqlite: commit cache tx")
	}
	return len(entries), nil
}

func (s *SQLiteStore) DeleteCacheEntry(ctx context.Context, key model.CacheKey) error {
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM cache_entries WHERE fingerprint = ? AND field_name = ? AND schema_version = ?`,
		string(key.Fingerprint), key.FieldName, key.SchemaVersion,
	)
	return eris.Wrap(err, "sqlite: delete cache entry")
}

func (s *SQLiteStore) PurgeStaleCache(ctx context.Context, schemaVersion, policyVersion int) (int, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM cache_entries WHERE schema_version <> ? OR policy_version <> ?`,
		schemaVersion, policyVersion,
	)
	if err != nil {
		return 0, eris.Wrap(err, "sqlite: purge stale cache")
	}
	n, err := res.RowsAffected()
	return int(n), eris.Wrap(err, "sqlite: rows affected")
}

func (s *SQLiteStore) CacheStats(ctx context.Context) (*CacheStats, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT tier_used, schema_version, COUNT(*) FROM cache_entries GROUP BY tier_used, schema_version`,
	)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: cache stats")
	}
	defer rows.Close()

	stats := newCacheStats()
	for rows.Next() {
		var tier, version, n int
		if err := rows.Scan(&tier, &version, &n); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan cache stats")
		}
		stats.add(model.Tier(tier), version, n)
	}
	return stats, eris.Wrap(rows.Err(), "sqlite: cache stats iterate")
}

// --- Runs ---

func (s *SQLiteStore) CreateRun(ctx context.Context, documentID string) (*model.Run, error) {
	id := uuid.New().String()
	now := time.Now().UTC()

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO runs (id, document_id, status, created_at, updated_at) VALUES (?, ?, ?, ?, ?)`,
		id, documentID, "", now, now,
	)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: insert run")
	}

	return &model.Run{ID: id, DocumentID: documentID, CreatedAt: now, UpdatedAt: now}, nil
}

func (s *SQLiteStore) UpdateRunResult(ctx context.Context, runID string, result *model.PipelineResult) error {
	resultJSON, err := json.Marshal(result)
	if err != nil {
		return eris.Wrap(err, "sqlite: marshal result")
	}

	res, err := s.db.ExecContext(ctx,
		`UPDATE runs SET result = ?, status = ?, updated_at = ? WHERE id = ?`,
		string(resultJSON), string(result.Status), time.Now().UTC(), runID,
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: update run result %s", runID)
	}
	return checkRowsAffected(res, "run", runID)
}

func (s *SQLiteStore) GetRun(ctx context.Context, runID string) (*model.Run, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, document_id, status, result, created_at, updated_at FROM runs WHERE id = ?`,
		runID,
	)
	return scanRun(row)
}

func (s *SQLiteStore) ListRuns(ctx context.Context, filter RunFilter) ([]model.Run, error) {
	query := `SELECT id, document_id, status, result, created_at, updated_at FROM runs WHERE 1=1`
	var args []any

	if filter.Status != "" {
		query += ` AND status = ?`
		args = append(args, string(filter.Status))
	}
	if filter.DocumentID != "" {
		query += ` AND document_id = ?`
		args = append(args, filter.DocumentID)
	}
	query += ` ORDER BY created_at DESC LIMIT ?`
	args = append(args, filter.limit())

	if filter.Offset > 0 {
		query += ` OFFSET ?`
		args = append(args, filter.Offset)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list runs")
	}
	defer rows.Close()

	var runs []model.Run
	for rows.Next() {
		r, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, *r)
	}
	return runs, eris.Wrap(rows.Err(), "sqlite: list runs iterate")
}

// --- Audit ---

func (s *SQLiteStore) InsertAuditRecords(ctx context.Context, records []model.AuditRecord) error {
	if len(records) == 0 {
		return nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return eris.Wrap(err, "sqlite: begin audit tx")
	}
	defer tx.Rollback() //nolint:errcheck

	stmt, err := tx.PrepareContext(ctx,
		`INSERT INTO audit_log (id, kind, document_id, field, tier, iteration, latency_ms, cost_units, outcome, note, at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
	)
	if err != nil {
		return eris.Wrap(err, "sqlite: prepare audit insert")
	}
	defer stmt.Close()

	for _, r := range records {
		if _, err := stmt.ExecContext(ctx, auditRow(r)...); err != nil {
			return eris.Wrapf(err, "sqlite: insert audit record %s", r.ID)
		}
	}
	return eris.Wrap(tx.Commit(), "sqlite: commit audit tx")
}

func (s *SQLiteStore) ListAuditRecords(ctx context.Context, documentID string, limit int) ([]model.AuditRecord, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, kind, document_id, field, tier, iteration, latency_ms, cost_units, outcome, note, at
		 FROM audit_log WHERE document_id = ? ORDER BY at ASC LIMIT ?`,
		documentID, limit,
	)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list audit records")
	}
	defer rows.Close()

	var out []model.AuditRecord
	for rows.Next() {
		r, err := scanAudit(rows)
		if err != nil {
			return nil, eris.Wrap(err, "sqlite: scan audit record")
		}
		out = append(out, r)
	}
	return out, eris.Wrap(rows.Err(), "sqlite: list audit iterate")
}

// --- Dead letter queue ---

func (s *SQLiteStore) EnqueueDLQ(ctx context.Context, entry resilience.DLQEntry) error {
	docJSON, err := json.Marshal(entry.Document)
	if err != nil {
		return eris.Wrap(err, "sqlite: marshal dlq document")
	}
	entry = dlqDefaults(entry)

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO dead_letter_queue
		 (id, document_id, document, status, error, error_type, retry_count, max_retries, next_retry_at, created_at, last_failed_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT (document_id) DO UPDATE SET
		   document = excluded.document, status = excluded.status, error = excluded.error,
		   error_type = excluded.error_type, next_retry_at = excluded.next_retry_at,
		   last_failed_at = excluded.last_failed_at`,
		entry.ID, entry.Document.ID, string(docJSON), string(entry.Status), entry.Error, entry.ErrorType,
		entry.RetryCount, entry.MaxRetries, entry.NextRetryAt.UTC(), entry.CreatedAt.UTC(), entry.LastFailedAt.UTC(),
	)
	return eris.Wrap(err, "sqlite: enqueue dlq")
}

func (s *SQLiteStore) DequeueDLQ(ctx context.Context, filter resilience.DLQFilter) ([]resilience.DLQEntry, error) {
	query := `SELECT id, document, status, error, error_type, retry_count, max_retries, next_retry_at, created_at, last_failed_at
	          FROM dead_letter_queue
	          WHERE next_retry_at <= ? AND retry_count < max_retries`
	args := []any{time.Now().UTC()}

	if filter.ErrorType != "" {
		query += ` AND error_type = ?`
		args = append(args, filter.ErrorType)
	}
	query += ` ORDER BY next_retry_at ASC LIMIT ?`
	args = append(args, dlqLimit(filter))

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: dequeue dlq")
	}
	defer rows.Close()

	var entries []resilience.DLQEntry
	for rows.Next() {
		var e resilience.DLQEntry
		var docJSON, status string
		if err := rows.Scan(&e.ID, &docJSON, &status, &e.Error, &e.ErrorType,
			&e.RetryCount, &e.MaxRetries, &e.NextRetryAt, &e.CreatedAt, &e.LastFailedAt); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan dlq entry")
		}
		e.Status = model.Status(status)
		if err := json.Unmarshal([]byte(docJSON), &e.Document); err != nil {
			return nil, eris.Wrap(err, "sqlite: unmarshal dlq document")
		}
		entries = append(entries, e)
	}
	return entries, eris.Wrap(rows.Err(), "sqlite: dequeue dlq iterate")
}

func (s *SQLiteStore) IncrementDLQRetry(ctx context.Context, id string, nextRetryAt time.Time, lastErr string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE dead_letter_queue
		 SET retry_count = retry_count + 1, next_retry_at = ?, error = ?, last_failed_at = ?
		 WHERE id = ?`,
		nextRetryAt.UTC(), lastErr, time.Now().UTC(), id,
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: increment dlq retry %s", id)
	}
	return checkRowsAffected(res, "dlq_entry", id)
}

func (s *SQLiteStore) RemoveDLQ(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM dead_letter_queue WHERE id = ?`, id)
	return eris.Wrap(err, "sqlite: remove dlq")
}

func (s *SQLiteStore) CountDLQ(ctx context.Context) (int, error) {
	var count int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM dead_letter_queue`).Scan(&count)
	return count, eris.Wrap(err, "sqlite: count dlq")
}

// helpers

func checkRowsAffected(res sql.Result, entity, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return eris.Wrap(err, "rows affected")
	}
	if n == 0 {
		return eris.Errorf("%s not found: %s", entity, id)
	}
	return nil
}

type scannable interface {
	Scan(dest ...any) error
}

func (f RunFilter) limit() int {
	if f.Limit <= 0 {
		return 100
	}
	return f.Limit
}

func newCacheStats() *CacheStats {
	return &CacheStats{ByTier: make(map[model.Tier]int), BySchemaVersion: make(map[int]int)}
}

func (c *CacheStats) add(tier model.Tier, version, n int) {
	c.Entries += n
	c.ByTier[tier] += n
	c.BySchemaVersion[version] += n
}

func cacheRow(e model.CacheEntry) []any {
	if e.WrittenAt.IsZero() {
		e.WrittenAt = time.Now().UTC()
	}
	return []any{
		string(e.Fingerprint), e.FieldName, e.SchemaVersion, e.PolicyVersion,
		e.Value.RawValue, e.Value.Confidence, e.Value.SourceQuote, int(e.TierUsed), e.WrittenAt,
	}
}

func dlqDefaults(e resilience.DLQEntry) resilience.DLQEntry {
	if e.ID == "" {
		e.ID = uuid.New().String()
	}
	now := time.Now().UTC()
	if e.CreatedAt.IsZero() {
		e.CreatedAt = now
	}
	if e.LastFailedAt.IsZero() {
		e.LastFailedAt = now
	}
	if e.NextRetryAt.IsZero() {
		e.NextRetryAt = now
	}
	return e
}

func dlqLimit(f resilience.DLQFilter) int {
	if f.Limit <= 0 {
		return 100
	}
	return f.Limit
}

func scanCacheEntry(row scannable, key model.CacheKey) (*model.CacheEntry, error) {
	var v model.FieldValue
	var tier int
	var writtenAt time.Time
	if err := row.Scan(&v.RawValue, &v.Confidence, &v.SourceQuote, &tier, &writtenAt); err != nil {
		return nil, err
	}
	v.FieldName = key.FieldName
	v.TierUsed = model.Tier(tier)
	return &model.CacheEntry{
		Fingerprint:   key.Fingerprint,
		FieldName:     key.FieldName,
		SchemaVersion: key.SchemaVersion,
		PolicyVersion: key.PolicyVersion,
		Value:         v,
		TierUsed:      v.TierUsed,
		WrittenAt:     writtenAt,
	}, nil
}

func scanRun(row scannable) (*model.Run, error) {
	var r model.Run
	var status string
	var resultJSON sql.NullString

	err := row.Scan(&r.ID, &r.DocumentID, &status, &resultJSON, &r.CreatedAt, &r.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, eris.New("run not found")
	}
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: scan run")
	}
	r.Status = model.Status(status)

	if resultJSON.Valid && resultJSON.String != "" {
		r.Result = &model.PipelineResult{}
		if err := json.Unmarshal([]byte(resultJSON.String), r.Result); err != nil {
			return nil, eris.Wrap(err, "sqlite: unmarshal result")
		}
	}
	return &r, nil
}

func auditRow(r model.AuditRecord) []any {
	if r.ID == "" {
		r.ID = uuid.New().String()
	}
	if r.At.IsZero() {
		r.At = time.Now().UTC()
	}
	return []any{
		r.ID, string(r.Kind), r.DocumentID, r.Field, int(r.Tier), r.Iteration,
		r.Latency.Milliseconds(), r.CostUnits, r.Outcome, r.Note, r.At,
	}
}

func scanAudit(row scannable) (model.AuditRecord, error) {
	var r model.AuditRecord
	var kind string
	var tier int
	var latencyMs int64
	err := row.Scan(&r.ID, &kind, &r.DocumentID, &r.Field, &tier, &r.Iteration,
		&latencyMs, &r.CostUnits, &r.Outcome, &r.Note, &r.At)
	r.Kind = model.AuditKind(kind)
	r.Tier = model.Tier(tier)
	r.Latency = time.Duration(latencyMs) * time.Millisecond
	return r, err
}
