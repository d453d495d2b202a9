// Package audit writes a best-effort compile audit trail to Postgres
// (supplemental feature, generalized from the original implementation's
// periodic cache-stats logging): one row per completed or failed
// compile, off the request's critical path. It is never consulted to
// answer a request — only the caches serve traffic — so a write
// failure is logged and dropped, never surfaced to the caller.
// Grounded in the teacher's common/db.DB pgxpool wrapper.
package audit

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/tachyontex/service/internal/logger"
)

// Trail wraps a pgxpool connection pool dedicated to the audit table.
type Trail struct {
	pool *pgxpool.Pool
	log  *logger.Logger
}

// Open connects to Postgres and ensures the audit table exists.
func Open(ctx context.Context, databaseURL string, log *logger.Logger) (*Trail, error) {
	poolConfig, err := pgxpool.ParseConfig(databaseURL)
	if err != nil {
		return nil, err
	}
	poolConfig.MaxConns = 8
	poolConfig.MinConns = 1

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, err
	}

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := pool.Ping(pingCtx); err != nil {
		pool.Close()
		return nil, err
	}

	t := &Trail{pool: pool, log: log}
	if err := t.ensureSchema(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return t, nil
}

func (t *Trail) ensureSchema(ctx context.Context) error {
	const ddl = `
CREATE TABLE IF NOT EXISTS compile_audit (
	id BIGSERIAL PRIMARY KEY,
	fingerprint TEXT NOT NULL,
	cache_outcome TEXT NOT NULL,
	compile_time_ms BIGINT NOT NULL,
	file_count INT NOT NULL,
	error_kind TEXT,
	recorded_at TIMESTAMPTZ NOT NULL DEFAULT now()
)`
	_, err := t.pool.Exec(ctx, ddl)
	return err
}

// Record is one audit row (spec-supplement §"Compile audit trail").
type Record struct {
	Fingerprint   string
	CacheOutcome  string // "HIT" | "MISS"
	CompileTimeMs int64
	FileCount     int
	ErrorKind     string // empty on success
}

// Write inserts one audit row, fired off the caller's goroutine and
// never waited on. Failures are logged, not returned, by design: the
// audit trail must never slow or fail a compile response.
func (t *Trail) Write(rec Record) {
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		var errorKind interface{}
		if rec.ErrorKind != "" {
			errorKind = rec.ErrorKind
		}

		const q = `INSERT INTO compile_audit (fingerprint, cache_outcome, compile_time_ms, file_count, error_kind) VALUES ($1, $2, $3, $4, $5)`
		if _, err := t.pool.Exec(ctx, q, rec.Fingerprint, rec.CacheOutcome, rec.CompileTimeMs, rec.FileCount, errorKind); err != nil {
			if t.log != nil {
				t.log.Warn("audit: write failed", "error", err)
			}
		}
	}()
}

// Close releases the connection pool.
func (t *Trail) Close() {
	t.pool.Close()
}
