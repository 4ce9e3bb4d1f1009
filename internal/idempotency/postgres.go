package idempotency

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"sync/atomic"
	"time"

	_ "github.com/lib/pq"

	"github.com/fluxgate/toolrun/internal/retry"
	"github.com/fluxgate/toolrun/pkg/models"
)

// PostgresConfig configures the connection pool for a durable,
// row-store-backed idempotency store, matching the pool-tuning
// conventions used by this codebase's other Postgres-backed stores.
type PostgresConfig struct {
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	ConnMaxIdleTime time.Duration
	ConnectTimeout  time.Duration
}

// DefaultPostgresConfig returns sane pool defaults.
func DefaultPostgresConfig() *PostgresConfig {
	return &PostgresConfig{
		MaxOpenConns:    10,
		MaxIdleConns:    5,
		ConnMaxLifetime: 5 * time.Minute,
		ConnMaxIdleTime: 2 * time.Minute,
		ConnectTimeout:  10 * time.Second,
	}
}

// Schema is the DDL PostgresStore expects. Callers run migrations
// however this deployment already manages them; it is exposed here so a
// fresh environment can bootstrap with it directly.
const Schema = `
CREATE TABLE IF NOT EXISTS tool_idempotency (
	idempotency_key   TEXT PRIMARY KEY,
	request_id        TEXT NOT NULL,
	tool_name         TEXT NOT NULL,
	capability_name   TEXT NOT NULL,
	company_id        TEXT NOT NULL,
	user_id           TEXT NOT NULL,
	status            TEXT NOT NULL,
	result            JSONB,
	created_at        TIMESTAMPTZ NOT NULL,
	expires_at        TIMESTAMPTZ NOT NULL,
	last_accessed_at  TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS tool_idempotency_expires_at_idx ON tool_idempotency (expires_at);
`

// PostgresStore implements Store atop database/sql with a Postgres (or
// CockroachDB) driver, using a compare-and-set UPDATE to make the
// in_progress -> completed transition atomic across processes.
type PostgresStore struct {
	db *sql.DB

	stats atomicStats
}

type atomicStats struct {
	totalRequests       int64
	cacheHits           int64
	cacheMisses         int64
	duplicatesPrevented int64
}

// NewPostgresStoreFromDSN opens a pooled connection and verifies
// connectivity before returning.
func NewPostgresStoreFromDSN(dsn string, cfg *PostgresConfig) (*PostgresStore, error) {
	if dsn == "" {
		return nil, fmt.Errorf("dsn is required")
	}
	if cfg == nil {
		cfg = DefaultPostgresConfig()
	}

	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetMaxIdleConns(cfg.MaxIdleConns)
	db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	db.SetConnMaxIdleTime(cfg.ConnMaxIdleTime)

	ctx, cancel := context.WithTimeout(context.Background(), cfg.ConnectTimeout)
	defer cancel()
	pingResult := retry.Do(ctx, retry.Exponential(3, 200*time.Millisecond, 2*time.Second), func() error {
		return db.PingContext(ctx)
	})
	if pingResult.Err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping database after %d attempts: %w", pingResult.Attempts, pingResult.Err)
	}

	return &PostgresStore{db: db}, nil
}

// Close releases the underlying connection pool.
func (s *PostgresStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *PostgresStore) Check(ctx context.Context, env *models.Envelope) (CheckStatus, *models.Result, error) {
	key := env.EffectiveIdempotencyKey()
	atomic.AddInt64(&s.stats.totalRequests, 1)

	row := s.db.QueryRowContext(ctx, `
		SELECT status, result, created_at, expires_at
		FROM tool_idempotency WHERE idempotency_key = $1
	`, key)

	var status string
	var resultBytes []byte
	var createdAt, expiresAt time.Time
	err := row.Scan(&status, &resultBytes, &createdAt, &expiresAt)
	if err == sql.ErrNoRows {
		atomic.AddInt64(&s.stats.cacheMisses, 1)
		return CheckNew, nil, nil
	}
	if err != nil {
		return "", nil, fmt.Errorf("check idempotency key: %w", err)
	}

	now := time.Now()
	if status != string(models.RecordInProgress) && !expiresAt.After(now) {
		_, _ = s.db.ExecContext(ctx, `DELETE FROM tool_idempotency WHERE idempotency_key = $1 AND status != $2`, key, string(models.RecordInProgress))
		atomic.AddInt64(&s.stats.cacheMisses, 1)
		return CheckExpired, nil, nil
	}
	if status == string(models.RecordInProgress) {
		return CheckInProgress, nil, nil
	}

	atomic.AddInt64(&s.stats.cacheHits, 1)
	atomic.AddInt64(&s.stats.duplicatesPrevented, 1)
	_, _ = s.db.ExecContext(ctx, `UPDATE tool_idempotency SET last_accessed_at = $2 WHERE idempotency_key = $1`, key, now)

	var result *models.Result
	if len(resultBytes) > 0 {
		result = &models.Result{}
		if err := json.Unmarshal(resultBytes, result); err != nil {
			return "", nil, fmt.Errorf("unmarshal cached result: %w", err)
		}
		result.IdempotencyStatus = models.IdempotencyDuplicate
		cachedAt := createdAt
		result.CachedAt = &cachedAt
	}
	return CheckDuplicate, result, nil
}

func (s *PostgresStore) Begin(ctx context.Context, env *models.Envelope, ttl time.Duration) error {
	key := env.EffectiveIdempotencyKey()
	now := time.Now()

	// INSERT ... ON CONFLICT DO UPDATE ... WHERE makes claiming the key
	// atomic across processes: an existing row is taken over only when it
	// is not in progress and has expired; otherwise no row is affected,
	// meaning another process already began (or holds) this key.
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO tool_idempotency
			(idempotency_key, request_id, tool_name, capability_name, company_id, user_id, status, created_at, expires_at, last_accessed_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)
		ON CONFLICT (idempotency_key) DO UPDATE
			SET request_id = EXCLUDED.request_id,
				status = EXCLUDED.status,
				created_at = EXCLUDED.created_at,
				expires_at = EXCLUDED.expires_at,
				last_accessed_at = EXCLUDED.last_accessed_at
			WHERE tool_idempotency.status != $7 AND tool_idempotency.expires_at <= $11
	`, key, env.RequestID, env.ToolName, env.CapabilityName, env.Context.CompanyID, env.Context.UserID,
		string(models.RecordInProgress), now, now.Add(ttl), now, now)
	if err != nil {
		return fmt.Errorf("begin idempotency key: %w", err)
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("begin idempotency key: %w", err)
	}
	if rows == 0 {
		return ErrAlreadyInProgress
	}
	return nil
}

func (s *PostgresStore) Complete(ctx context.Context, key string, result *models.Result) error {
	payload, err := json.Marshal(result)
	if err != nil {
		return fmt.Errorf("marshal result: %w", err)
	}
	now := time.Now()
	_, err = s.db.ExecContext(ctx, `
		UPDATE tool_idempotency
		SET status = $2, result = $3, last_accessed_at = $4
		WHERE idempotency_key = $1 AND status = $5
	`, key, string(models.RecordCompleted), payload, now, string(models.RecordInProgress))
	if err != nil {
		return fmt.Errorf("complete idempotency key: %w", err)
	}
	return nil
}

func (s *PostgresStore) Fail(ctx context.Context, key string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM tool_idempotency WHERE idempotency_key = $1`, key)
	if err != nil {
		return fmt.Errorf("fail idempotency key: %w", err)
	}
	return nil
}

// Wait polls the row on a short interval until it observes a terminal
// state or the timeout elapses. Cross-process waiters cannot share a Go
// channel, so polling (rather than the in-memory store's condition
// signal) is the correct adaptation here.
func (s *PostgresStore) Wait(ctx context.Context, key string, timeout time.Duration) (*models.Result, error) {
	deadline := time.Now().Add(timeout)
	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()

	for {
		row := s.db.QueryRowContext(ctx, `SELECT status, result, created_at FROM tool_idempotency WHERE idempotency_key = $1`, key)
		var status string
		var resultBytes []byte
		var createdAt time.Time
		err := row.Scan(&status, &resultBytes, &createdAt)
		switch {
		case err == sql.ErrNoRows:
			return nil, nil
		case err != nil:
			return nil, fmt.Errorf("wait idempotency key: %w", err)
		case status == string(models.RecordCompleted):
			if len(resultBytes) == 0 {
				return nil, nil
			}
			result := &models.Result{}
			if err := json.Unmarshal(resultBytes, result); err != nil {
				return nil, fmt.Errorf("unmarshal cached result: %w", err)
			}
			return result, nil
		}

		select {
		case <-ticker.C:
			if time.Now().After(deadline) {
				return nil, nil
			}
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

func (s *PostgresStore) Cleanup(ctx context.Context) (int, error) {
	res, err := s.db.ExecContext(ctx, `
		DELETE FROM tool_idempotency WHERE status != $1 AND expires_at <= $2
	`, string(models.RecordInProgress), time.Now())
	if err != nil {
		return 0, fmt.Errorf("cleanup: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, err
	}
	return int(n), nil
}

func (s *PostgresStore) EnforceBound(ctx context.Context, maxRecords int) (int, error) {
	if maxRecords <= 0 {
		return 0, nil
	}
	res, err := s.db.ExecContext(ctx, `
		DELETE FROM tool_idempotency
		WHERE idempotency_key IN (
			SELECT idempotency_key FROM tool_idempotency
			WHERE status != $1
			ORDER BY last_accessed_at ASC
			OFFSET $2
		)
	`, string(models.RecordInProgress), maxRecords)
	if err != nil {
		return 0, fmt.Errorf("enforce bound: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, err
	}
	return int(n), nil
}

func (s *PostgresStore) Stats() Stats {
	return Stats{
		TotalRequests:       atomic.LoadInt64(&s.stats.totalRequests),
		CacheHits:           atomic.LoadInt64(&s.stats.cacheHits),
		CacheMisses:         atomic.LoadInt64(&s.stats.cacheMisses),
		DuplicatesPrevented: atomic.LoadInt64(&s.stats.duplicatesPrevented),
	}
}

