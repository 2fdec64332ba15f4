package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rotisserie/eris"

	"github.com/sells-group/extract-cli/internal/db"
	"github.com/sells-group/extract-cli/internal/model"
	"github.com/sells-group/extract-cli/internal/resilience"
)

// PostgresStore implements Store using pgxpool.
type PostgresStore struct {
	pool    db.Pool
	closeFn func()
	pingFn  func(ctx context.Context) error
}

// PoolConfig holds optional connection pool tuning parameters.
type PoolConfig struct {
	MaxConns int32 `yaml:"max_conns" mapstructure:"max_conns"`
	MinConns int32 `yaml:"min_conns" mapstructure:"min_conns"`
}

// preparedStatements are prepared on each new connection for the hot paths
// of the cascade: cache reads and writes.
var preparedStatements = map[string]string{
	"get_cache_entry": `SELECT raw_value, confidence, source_quote, tier_used, written_at FROM cache_entries WHERE fingerprint = $1 AND field_name = $2 AND schema_version = $3 AND policy_version = $4`,
	"put_cache_entry": upsertCacheSQL,
}

const upsertCacheSQL = `INSERT INTO cache_entries (fingerprint, field_name, schema_version, policy_version, raw_value, confidence, source_quote, tier_used, written_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
ON CONFLICT (fingerprint, field_name, schema_version) DO UPDATE SET
	policy_version = EXCLUDED.policy_version,
	raw_value = EXCLUDED.raw_value,
	confidence = EXCLUDED.confidence,
	source_quote = EXCLUDED.source_quote,
	tier_used = EXCLUDED.tier_used,
	written_at = EXCLUDED.written_at`

// cacheUpsert merges batches of cache entries through db.BulkUpsert.
var cacheUpsert = db.UpsertConfig{
	Table:        "cache_entries",
	Columns:      []string{"fingerprint", "field_name", "schema_version", "policy_version", "raw_value", "confidence", "source_quote", "tier_used", "written_at"},
	ConflictKeys: []string{"fingerprint", "field_name", "schema_version"},
}

// auditColumns is the COPY column order for audit_log.
var auditColumns = []string{"id", "kind", "document_id", "field", "tier", "iteration", "latency_ms", "cost_units", "outcome", "note", "at"}

// NewPostgres creates a PostgresStore with a connection pool.
func NewPostgres(ctx context.Context, connString string, poolCfg *PoolConfig) (*PostgresStore, error) {
	pgxCfg, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: parse config")
	}

	maxConns := int32(10)
	minConns := int32(2)
	if poolCfg != nil {
		if poolCfg.MaxConns > 0 {
			maxConns = poolCfg.MaxConns
		}
		if poolCfg.MinConns > 0 {
			minConns = poolCfg.MinConns
		}
	}
	pgxCfg.MaxConns = maxConns
	pgxCfg.MinConns = minConns
	pgxCfg.MaxConnLifetime = 30 * time.Minute
	pgxCfg.MaxConnIdleTime = 5 * time.Minute

	pgxCfg.AfterConnect = func(ctx context.Context, conn *pgx.Conn) error {
		for name, sql := range preparedStatements {
			if _, err := conn.Prepare(ctx, name, sql); err != nil {
				return eris.Wrapf(err, "postgres: prepare %s", name)
			}
		}
		return nil
	}

	pool, err := pgxpool.NewWithConfig(ctx, pgxCfg)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: create pool")
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, eris.Wrap(err, "postgres: ping")
	}
	return &PostgresStore{pool: pool, closeFn: pool.Close, pingFn: pool.Ping}, nil
}

const postgresMigration = `
CREATE TABLE IF NOT EXISTS cache_entries (
	fingerprint    TEXT NOT NULL,
	field_name     TEXT NOT NULL,
	schema_version INTEGER NOT NULL,
	policy_version INTEGER NOT NULL DEFAULT 0,
	raw_value      TEXT NOT NULL,
	confidence     DOUBLE PRECISION NOT NULL,
	source_quote   TEXT NOT NULL DEFAULT '',
	tier_used      SMALLINT NOT NULL,
	written_at     TIMESTAMPTZ NOT NULL DEFAULT now(),
	PRIMARY KEY (fingerprint, field_name, schema_version)
);

CREATE TABLE IF NOT EXISTS runs (
	id          TEXT PRIMARY KEY DEFAULT gen_random_uuid()::text,
	document_id TEXT NOT NULL,
	status      TEXT NOT NULL DEFAULT '',
	result      JSONB,
	created_at  TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at  TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS audit_log (
	id          TEXT PRIMARY KEY DEFAULT gen_random_uuid()::text,
	kind        TEXT NOT NULL,
	document_id TEXT NOT NULL DEFAULT '',
	field       TEXT NOT NULL DEFAULT '',
	tier        SMALLINT NOT NULL DEFAULT 0,
	iteration   INTEGER NOT NULL DEFAULT 0,
	latency_ms  BIGINT NOT NULL DEFAULT 0,
	cost_units  DOUBLE PRECISION NOT NULL DEFAULT 0,
	outcome     TEXT NOT NULL DEFAULT '',
	note        TEXT NOT NULL DEFAULT '',
	at          TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS dead_letter_queue (
	id             TEXT PRIMARY KEY DEFAULT gen_random_uuid()::text,
	document_id    TEXT NOT NULL UNIQUE,
	document       JSONB NOT NULL,
	status         TEXT NOT NULL,
	error          TEXT NOT NULL DEFAULT '',
	error_type     TEXT NOT NULL DEFAULT '',
	retry_count    INTEGER NOT NULL DEFAULT 0,
	max_retries    INTEGER NOT NULL DEFAULT 3,
	next_retry_at  TIMESTAMPTZ NOT NULL DEFAULT now(),
	created_at     TIMESTAMPTZ NOT NULL DEFAULT now(),
	last_failed_at TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_cache_entries_versions ON cache_entries(schema_version, policy_version);
CREATE INDEX IF NOT EXISTS idx_dead_letter_queue_due ON dead_letter_queue(next_retry_at);
CREATE INDEX IF NOT EXISTS idx_runs_status ON runs(status);
CREATE INDEX IF NOT EXISTS idx_runs_document ON runs(document_id);
CREATE INDEX IF NOT EXISTS idx_audit_log_document ON audit_log(document_id, at);
`

func (s *PostgresStore) Ping(ctx context.Context) error {
	if s.pingFn != nil {
		return eris.Wrap(s.pingFn(ctx), "postgres: ping")
	}
	_, err := s.pool.Exec(ctx, "SELECT 1")
	return eris.Wrap(err, "postgres: ping")
}

func (s *PostgresStore) Migrate(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, postgresMigration)
	return eris.Wrap(err, "postgres: migrate")
}

func (s *PostgresStore) Close() error {
	if s.closeFn != nil {
		s.closeFn()
	}
	return nil
}

// --- Field cache ---

func (s *PostgresStore) GetCacheEntry(ctx context.Context, key model.CacheKey) (*model.CacheEntry, error) {
	row := s.pool.QueryRow(ctx, preparedStatements["get_cache_entry"],
		string(key.Fingerprint), key.FieldName, key.SchemaVersion, key.PolicyVersion,
	)
	e, err := scanCacheEntry(row, key)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, eris.Wrap(err, "postgres: get cache entry")
	}
	return e, nil
}

func (s *PostgresStore) PutCacheEntry(ctx context.Context, e model.CacheEntry) error {
	_, err := s.pool.Exec(ctx, upsertCacheSQL, cacheRow(e)...)
	return eris.Wrap(err, "postgres: put cache entry")
}

// PutCacheEntries bulk-upserts entries with COPY through a temp table.
func (s *PostgresStore) PutCacheEntries(ctx context.Context, entries []model.CacheEntry) (int, error) {
	rows := make([][]any, 0, len(entries))
	for _, e := range entries {
		rows = append(rows, cacheRow(e))
	}
	n, err := db.BulkUpsert(ctx, s.pool, cacheUpsert, rows)
	if err != nil {
		return 0, eris.Wrap(err, "postgres: put cache entries")
	}
	return int(n), nil
}

func (s *PostgresStore) DeleteCacheEntry(ctx context.Context, key model.CacheKey) error {
	_, err := s.pool.Exec(ctx,
		`DELETE FROM cache_entries WHERE fingerprint = $1 AND field_name = $2 AND schema_version = $3`,
		string(key.Fingerprint), key.FieldName, key.SchemaVersion,
	)
	return eris.Wrap(err, "postgres: delete cache entry")
}

func (s *PostgresStore) PurgeStaleCache(ctx context.Context, schemaVersion, policyVersion int) (int, error) {
	tag, err := s.pool.Exec(ctx,
		`DELETE FROM cache_entries WHERE schema_version <> $1 OR policy_version <> $2`,
		schemaVersion, policyVersion,
	)
	if err != nil {
		return 0, eris.Wrap(err, "postgres: purge stale cache")
	}
	return int(tag.RowsAffected()), nil
}

func (s *PostgresStore) CacheStats(ctx context.Context) (*CacheStats, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT tier_used, schema_version, COUNT(*) FROM cache_entries GROUP BY tier_used, schema_version`,
	)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: cache stats")
	}
	defer rows.Close()

	stats := newCacheStats()
	for rows.Next() {
		var tier, version int
		var n int64
		if err := rows.Scan(&tier, &version, &n); err != nil {
			return nil, eris.Wrap(err, "postgres: scan cache stats")
		}
		stats.add(model.Tier(tier), version, int(n))
	}
	return stats, eris.Wrap(rows.Err(), "postgres: cache stats iterate")
}

// --- Runs ---

func (s *PostgresStore) CreateRun(ctx context.Context, documentID string) (*model.Run, error) {
	id := uuid.New().String()
	now := time.Now().UTC()

	_, err := s.pool.Exec(ctx,
		`INSERT INTO runs (id, document_id, status, created_at, updated_at) VALUES ($1, $2, $3, $4, $5)`,
		id, documentID, "", now, now,
	)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: insert run")
	}
	return &model.Run{ID: id, DocumentID: documentID, CreatedAt: now, UpdatedAt: now}, nil
}

func (s *PostgresStore) UpdateRunResult(ctx context.Context, runID string, result *model.PipelineResult) error {
	resultJSON, err := json.Marshal(result)
	if err != nil {
		return eris.Wrap(err, "postgres: marshal result")
	}

	tag, err := s.pool.Exec(ctx,
		`UPDATE runs SET result = $1, status = $2, updated_at = $3 WHERE id = $4`,
		resultJSON, string(result.Status), time.Now().UTC(), runID,
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: update run result %s", runID)
	}
	if tag.RowsAffected() == 0 {
		return eris.Errorf("run not found: %s", runID)
	}
	return nil
}

func (s *PostgresStore) GetRun(ctx context.Context, runID string) (*model.Run, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT id, document_id, status, result, created_at, updated_at FROM runs WHERE id = $1`,
		runID,
	)
	r, err := scanPgRun(row)
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: get run %s", runID)
	}
	return r, nil
}

func (s *PostgresStore) ListRuns(ctx context.Context, filter RunFilter) ([]model.Run, error) {
	query := `SELECT id, document_id, status, result, created_at, updated_at FROM runs WHERE true`
	args := []any{}

	if filter.Status != "" {
		args = append(args, string(filter.Status))
		query += fmt.Sprintf(` AND status = $%d`, len(args))
	}
	if filter.DocumentID != "" {
		args = append(args, filter.DocumentID)
		query += fmt.Sprintf(` AND document_id = $%d`, len(args))
	}
	args = append(args, filter.limit())
	query += fmt.Sprintf(` ORDER BY created_at DESC LIMIT $%d`, len(args))
	if filter.Offset > 0 {
		args = append(args, filter.Offset)
		query += fmt.Sprintf(` OFFSET $%d`, len(args))
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list runs")
	}
	defer rows.Close()

	var runs []model.Run
	for rows.Next() {
		r, err := scanPgRun(rows)
		if err != nil {
			return nil, eris.Wrap(err, "postgres: scan run")
		}
		runs = append(runs, *r)
	}
	return runs, eris.Wrap(rows.Err(), "postgres: list runs iterate")
}

// --- Audit ---

// InsertAuditRecords bulk-loads records with COPY.
func (s *PostgresStore) InsertAuditRecords(ctx context.Context, records []model.AuditRecord) error {
	rows := make([][]any, 0, len(records))
	for _, r := range records {
		rows = append(rows, auditRow(r))
	}
	_, err := db.CopyFrom(ctx, s.pool, "audit_log", auditColumns, rows)
	return eris.Wrap(err, "postgres: insert audit records")
}

func (s *PostgresStore) ListAuditRecords(ctx context.Context, documentID string, limit int) ([]model.AuditRecord, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.pool.Query(ctx,
		`SELECT id, kind, document_id, field, tier, iteration, latency_ms, cost_units, outcome, note, at
		 FROM audit_log WHERE document_id = $1 ORDER BY at ASC LIMIT $2`,
		documentID, limit,
	)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list audit records")
	}
	defer rows.Close()

	var out []model.AuditRecord
	for rows.Next() {
		r, err := scanAudit(rows)
		if err != nil {
			return nil, eris.Wrap(err, "postgres: scan audit record")
		}
		out = append(out, r)
	}
	return out, eris.Wrap(rows.Err(), "postgres: list audit iterate")
}

// --- Dead letter queue ---

func (s *PostgresStore) EnqueueDLQ(ctx context.Context, entry resilience.DLQEntry) error {
	docJSON, err := json.Marshal(entry.Document)
	if err != nil {
		return eris.Wrap(err, "postgres: marshal dlq document")
	}
	entry = dlqDefaults(entry)

	_, err = s.pool.Exec(ctx,
		`INSERT INTO dead_letter_queue
		 (id, document_id, document, status, error, error_type, retry_count, max_retries, next_retry_at, created_at, last_failed_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		 ON CONFLICT (document_id) DO UPDATE SET
		   document = $3, status = $4, error = $5, error_type = $6,
		   next_retry_at = $9, last_failed_at = $11`,
		entry.ID, entry.Document.ID, docJSON, string(entry.Status), entry.Error, entry.ErrorType,
		entry.RetryCount, entry.MaxRetries, entry.NextRetryAt, entry.CreatedAt, entry.LastFailedAt,
	)
	return eris.Wrap(err, "postgres: enqueue dlq")
}

func (s *PostgresStore) DequeueDLQ(ctx context.Context, filter resilience.DLQFilter) ([]resilience.DLQEntry, error) {
	query := `SELECT id, document, status, error, error_type, retry_count, max_retries, next_retry_at, created_at, last_failed_at
	          FROM dead_letter_queue
	          WHERE next_retry_at <= now() AND retry_count < max_retries`
	args := []any{}

	if filter.ErrorType != "" {
		args = append(args, filter.ErrorType)
		query += fmt.Sprintf(` AND error_type = $%d`, len(args))
	}
	args = append(args, dlqLimit(filter))
	query += fmt.Sprintf(` ORDER BY next_retry_at ASC LIMIT $%d`, len(args))

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: dequeue dlq")
	}
	defer rows.Close()

	var entries []resilience.DLQEntry
	for rows.Next() {
		var e resilience.DLQEntry
		var docJSON []byte
		var status string
		if err := rows.Scan(&e.ID, &docJSON, &status, &e.Error, &e.ErrorType,
			&e.RetryCount, &e.MaxRetries, &e.NextRetryAt, &e.CreatedAt, &e.LastFailedAt); err != nil {
			return nil, eris.Wrap(err, "postgres: scan dlq entry")
		}
		e.Status = model.Status(status)
		if err := json.Unmarshal(docJSON, &e.Document); err != nil {
			return nil, eris.Wrap(err, "postgres: unmarshal dlq document")
		}
		entries = append(entries, e)
	}
	return entries, eris.Wrap(rows.Err(), "postgres: dequeue dlq iterate")
}

func (s *PostgresStore) IncrementDLQRetry(ctx context.Context, id string, nextRetryAt time.Time, lastErr string) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE dead_letter_queue
		 SET retry_count = retry_count + 1, next_retry_at = $1, error = $2, last_failed_at = now()
		 WHERE id = $3`,
		nextRetryAt, lastErr, id,
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: increment dlq retry %s", id)
	}
	if tag.RowsAffected() == 0 {
		return eris.Errorf("dlq_entry not found: %s", id)
	}
	return nil
}

func (s *PostgresStore) RemoveDLQ(ctx context.Context, id string) error {
	_, err := s.pool.Exec(ctx, `DELETE FROM dead_letter_queue WHERE id = $1`, id)
	return eris.Wrap(err, "postgres: remove dlq")
}

func (s *PostgresStore) CountDLQ(ctx context.Context) (int, error) {
	var count int
	err := s.pool.QueryRow(ctx, `SELECT COUNT(*) FROM dead_letter_queue`).Scan(&count)
	return count, eris.Wrap(err, "postgres: count dlq")
}

func scanPgRun(row scannable) (*model.Run, error) {
	var r model.Run
	var status string
	var resultNull *[]byte

	if err := row.Scan(&r.ID, &r.DocumentID, &status, &resultNull, &r.CreatedAt, &r.UpdatedAt); err != nil {
		return nil, err
	}
	r.Status = model.Status(status)
	if resultNull != nil {
		r.Result = &model.PipelineResult{}
		if err := json.Unmarshal(*resultNull, r.Result); err != nil {
			return nil, eris.Wrap(err, "postgres: unmarshal result")
		}
	}
	return &r, nil
}
