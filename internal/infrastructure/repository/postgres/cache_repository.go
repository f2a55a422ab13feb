package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"

	"github.com/procurelens/tendersearch/internal/core/domain"
)

// CacheRepository is the durable multi-tier store for search results,
// keyed by (params_hash, user_id). Row locks give per-key linearizable
// read-modify-write; unrelated keys proceed fully in parallel.
type CacheRepository struct {
	db       *sql.DB
	capacity int
	policy   domain.TierPolicy
	now      func() time.Time
}

func NewCacheRepository(db *sql.DB, capacity int, policy domain.TierPolicy) *CacheRepository {
	if capacity <= 0 {
		capacity = 5
	}
	return &CacheRepository{
		db:       db,
		capacity: capacity,
		policy:   policy,
		now:      func() time.Time { return time.Now().UTC() },
	}
}

func OpenDB(dsn string) (*sql.DB, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("sql open: %w", err)
	}
	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(10)
	db.SetConnMaxLifetime(30 * time.Minute)

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("db ping: %w", err)
	}
	return db, nil
}

func (r *CacheRepository) EnsureSchema(ctx context.Context) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin schema tx: %w", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	// Serialize bootstrap DDL across api/worker startups.
	if _, err := tx.ExecContext(ctx, `SELECT pg_advisory_xact_lock($1)`, int64(2026082901)); err != nil {
		return fmt.Errorf("acquire schema lock: %w", err)
	}

	const query = `
CREATE TABLE IF NOT EXISTS cache_entries (
	params_hash TEXT NOT NULL,
	user_id TEXT NOT NULL,
	result JSONB NOT NULL,
	sources JSONB NOT NULL DEFAULT '[]'::jsonb,
	coverage JSONB NOT NULL DEFAULT '{}'::jsonb,
	tier TEXT NOT NULL,
	access_count BIGINT NOT NULL DEFAULT 0,
	failure_streak INT NOT NULL DEFAULT 0,
	degraded_until TIMESTAMPTZ,
	fetched_at TIMESTAMPTZ NOT NULL,
	created_at TIMESTAMPTZ NOT NULL,
	last_accessed_at TIMESTAMPTZ NOT NULL,
	fetch_duration_ms BIGINT NOT NULL DEFAULT 0,
	PRIMARY KEY (params_hash, user_id)
);

CREATE INDEX IF NOT EXISTS idx_cache_entries_user_lru ON cache_entries(user_id, last_accessed_at);
CREATE INDEX IF NOT EXISTS idx_cache_entries_access ON cache_entries(access_count DESC);
`
	if _, err := tx.ExecContext(ctx, query); err != nil {
		return fmt.Errorf("execute schema ddl: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit schema tx: %w", err)
	}
	return nil
}

const entryColumns = `params_hash, user_id, result, sources, coverage, tier, access_count, failure_streak, degraded_until, fetched_at, created_at, last_accessed_at, fetch_duration_ms`

// Get returns the entry and atomically bumps its access accounting,
// recomputing the priority tier under the row lock.
func (r *CacheRepository) Get(ctx context.Context, paramsHash, userID string) (*domain.CacheEntry, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin cache get tx: %w", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	row := tx.QueryRowContext(ctx, `
SELECT `+entryColumns+`
FROM cache_entries
WHERE params_hash = $1 AND user_id = $2
FOR UPDATE
`, paramsHash, userID)

	entry, err := scanEntry(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, domain.WrapError(domain.ErrNotFound, "cache get",
				fmt.Errorf("no entry for hash %s", paramsHash))
		}
		return nil, fmt.Errorf("scan cache entry: %w", err)
	}

	now := r.now()
	entry.AccessCount++
	entry.LastAccessedAt = now
	entry.Tier = r.policy.Tier(entry.AccessCount, entry.CreatedAt, now, now)

	if _, err := tx.ExecContext(ctx, `
UPDATE cache_entries
SET access_count = $3, last_accessed_at = $4, tier = $5
WHERE params_hash = $1 AND user_id = $2
`, paramsHash, userID, entry.AccessCount, now, string(entry.Tier)); err != nil {
		return nil, fmt.Errorf("bump cache access: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit cache get: %w", err)
	}
	return entry, nil
}

// Put upserts the entry and enforces the per-user capacity: beyond the
// cap the least-recently-accessed entries for that user are deleted in
// the same transaction. A replaced key has its degraded state cleared.
func (r *CacheRepository) Put(ctx context.Context, entry *domain.CacheEntry) error {
	resultJSON, err := json.Marshal(entry.Result)
	if err != nil {
		return fmt.Errorf("marshal result: %w", err)
	}
	sourcesJSON, err := json.Marshal(emptySliceIfNil(entry.Sources))
	if err != nil {
		return fmt.Errorf("marshal sources: %w", err)
	}
	coverageJSON, err := json.Marshal(entry.Coverage)
	if err != nil {
		return fmt.Errorf("marshal coverage: %w", err)
	}

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin cache put tx: %w", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	if _, err := tx.ExecContext(ctx, `
INSERT INTO cache_entries (`+entryColumns+`)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13)
ON CONFLICT (params_hash, user_id) DO UPDATE SET
	result = EXCLUDED.result,
	sources = EXCLUDED.sources,
	coverage = EXCLUDED.coverage,
	tier = EXCLUDED.tier,
	access_count = cache_entries.access_count + 1,
	failure_streak = 0,
	degraded_until = NULL,
	fetched_at = EXCLUDED.fetched_at,
	last_accessed_at = EXCLUDED.last_accessed_at,
	fetch_duration_ms = EXCLUDED.fetch_duration_ms
`,
		entry.ParamsHash, entry.UserID, resultJSON, sourcesJSON, coverageJSON,
		string(entry.Tier), entry.AccessCount, entry.FailureStreak, entry.DegradedUntil,
		entry.FetchedAt, entry.CreatedAt, entry.LastAccessedAt, entry.FetchDuration.Milliseconds(),
	); err != nil {
		return fmt.Errorf("upsert cache entry: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `
DELETE FROM cache_entries
WHERE user_id = $1 AND params_hash IN (
	SELECT params_hash FROM cache_entries
	WHERE user_id = $1
	ORDER BY last_accessed_at DESC
	OFFSET $2
)
`, entry.UserID, r.capacity); err != nil {
		return fmt.Errorf("evict over-capacity entries: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit cache put: %w", err)
	}
	return nil
}

func (r *CacheRepository) MarkDegraded(ctx context.Context, paramsHash, userID string, until time.Time) error {
	_, err := r.db.ExecContext(ctx, `
UPDATE cache_entries
SET degraded_until = $3, failure_streak = failure_streak + 1
WHERE params_hash = $1 AND user_id = $2
`, paramsHash, userID, until)
	if err != nil {
		return fmt.Errorf("mark degraded: %w", err)
	}
	return nil
}

func (r *CacheRepository) Invalidate(ctx context.Context, paramsHash string) error {
	_, err := r.db.ExecContext(ctx, `DELETE FROM cache_entries WHERE params_hash = $1`, paramsHash)
	if err != nil {
		return fmt.Errorf("invalidate cache entry: %w", err)
	}
	return nil
}

func (r *CacheRepository) InvalidateUser(ctx context.Context, userID string) error {
	_, err := r.db.ExecContext(ctx, `DELETE FROM cache_entries WHERE user_id = $1`, userID)
	if err != nil {
		return fmt.Errorf("invalidate user cache: %w", err)
	}
	return nil
}

func (r *CacheRepository) InvalidateAll(ctx context.Context) error {
	_, err := r.db.ExecContext(ctx, `DELETE FROM cache_entries`)
	if err != nil {
		return fmt.Errorf("invalidate all cache entries: %w", err)
	}
	return nil
}

func (r *CacheRepository) ListTop(ctx context.Context, limit int) ([]domain.CacheEntry, error) {
	rows, err := r.db.QueryContext(ctx, `
SELECT `+entryColumns+`
FROM cache_entries
ORDER BY access_count DESC, last_accessed_at DESC
LIMIT $1
`, limit)
	if err != nil {
		return nil, fmt.Errorf("list top entries: %w", err)
	}
	return collectEntries(rows)
}

func (r *CacheRepository) Inspect(ctx context.Context, paramsHash string) ([]domain.CacheEntry, error) {
	rows, err := r.db.QueryContext(ctx, `
SELECT `+entryColumns+`
FROM cache_entries
WHERE params_hash = $1
ORDER BY user_id
`, paramsHash)
	if err != nil {
		return nil, fmt.Errorf("inspect entries: %w", err)
	}
	return collectEntries(rows)
}

type entryScanner interface {
	Scan(dest ...interface{}) error
}

func scanEntry(row entryScanner) (*domain.CacheEntry, error) {
	var entry domain.CacheEntry
	var resultRaw, sourcesRaw, coverageRaw []byte
	var tier string
	var degradedUntil sql.NullTime
	var fetchDurationMS int64

	err := row.Scan(
		&entry.ParamsHash, &entry.UserID, &resultRaw, &sourcesRaw, &coverageRaw,
		&tier, &entry.AccessCount, &entry.FailureStreak, &degradedUntil,
		&entry.FetchedAt, &entry.CreatedAt, &entry.LastAccessedAt, &fetchDurationMS,
	)
	if err != nil {
		return nil, err
	}

	if err := json.Unmarshal(resultRaw, &entry.Result); err != nil {
		return nil, fmt.Errorf("unmarshal result: %w", err)
	}
	if err := json.Unmarshal(sourcesRaw, &entry.Sources); err != nil {
		return nil, fmt.Errorf("unmarshal sources: %w", err)
	}
	if err := json.Unmarshal(coverageRaw, &entry.Coverage); err != nil {
		return nil, fmt.Errorf("unmarshal coverage: %w", err)
	}
	entry.Tier = domain.CacheTier(tier)
	if degradedUntil.Valid {
		t := degradedUntil.Time
		entry.DegradedUntil = &t
	}
	entry.FetchDuration = time.Duration(fetchDurationMS) * time.Millisecond
	return &entry, nil
}

func collectEntries(rows *sql.Rows) ([]domain.CacheEntry, error) {
	defer rows.Close()

	out := make([]domain.CacheEntry, 0)
	for rows.Next() {
		entry, err := scanEntry(rows)
		if err != nil {
			return nil, fmt.Errorf("scan cache entry: %w", err)
		}
		out = append(out, *entry)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate cache entries: %w", err)
	}
	return out, nil
}

func emptySliceIfNil(values []string) []string {
	if values == nil {
		return []string{}
	}
	return values
}
