package guard

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"go.opentelemetry.io/otel/attribute"
)

const guardSchema = `
CREATE TABLE IF NOT EXISTS dedupe_records (
    dedupe_key TEXT PRIMARY KEY,
    created_at TIMESTAMP NOT NULL,
    expires_at TIMESTAMP NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_dedupe_expires ON dedupe_records(expires_at);

CREATE TABLE IF NOT EXISTS metric_rollups (
    handler TEXT NOT NULL,
    period_start TIMESTAMP NOT NULL,
    call_count INTEGER NOT NULL,
    success_count INTEGER NOT NULL,
    failure_count INTEGER NOT NULL,
    dedupe_hit_count INTEGER NOT NULL,
    total_duration_ms INTEGER NOT NULL,
    p50_ms INTEGER NOT NULL,
    p95_ms INTEGER NOT NULL,
    p99_ms INTEGER NOT NULL,
    PRIMARY KEY (handler, period_start)
);
`

// Store persists dedupe records and metric rollups in SQLite. Dedupe
// insertion is a single atomic statement — the correctness of the guard's
// exactly-once property rests on it, so it is never expressed as a
// read-then-write.
type Store struct {
	db *sql.DB
}

// NewStore opens (and migrates) the guard database at dbPath.
func NewStore(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("opening guard database: %w", err)
	}
	if _, err := db.ExecContext(context.Background(), guardSchema); err != nil {
		return nil, fmt.Errorf("creating guard schema: %w", err)
	}
	return &Store{db: db}, nil
}

// Close releases the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// InsertDedupe atomically inserts a dedupe record with the given TTL.
// Returns true when the key was fresh (inserted, or an expired record was
// reclaimed) and false when an unexpired record already exists — the caller
// must then skip the wrapped execution. The upsert-with-guard form keeps the
// whole check-and-claim in one statement.
func (s *Store) InsertDedupe(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	ctx, span := tracer.Start(ctx, "guard.insert_dedupe")
	defer span.End()

	now := time.Now().UTC()
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO dedupe_records (dedupe_key, created_at, expires_at)
		 VALUES (?, ?, ?)
		 ON CONFLICT(dedupe_key) DO UPDATE SET
		     created_at = excluded.created_at,
		     expires_at = excluded.expires_at
		 WHERE dedupe_records.expires_at <= excluded.created_at`,
		key, now, now.Add(ttl))
	if err != nil {
		return false, fmt.Errorf("inserting dedupe record: %w", err)
	}
	rows, _ := res.RowsAffected()
	fresh := rows > 0
	span.SetAttributes(attribute.Bool("dedupe.fresh", fresh))
	return fresh, nil
}

// PurgeExpiredDedupe deletes dedupe records whose TTL has elapsed.
func (s *Store) PurgeExpiredDedupe(ctx context.Context) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM dedupe_records WHERE expires_at <= ?`, time.Now().UTC())
	if err != nil {
		return 0, fmt.Errorf("purging dedupe records: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

// SaveRollup upserts one per-handler aggregate for a reporting period.
// Repeated flushes of the same open period overwrite with the latest totals.
func (s *Store) SaveRollup(ctx context.Context, a *Aggregate) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO metric_rollups
		     (handler, period_start, call_count, success_count, failure_count, dedupe_hit_count,
		      total_duration_ms, p50_ms, p95_ms, p99_ms)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(handler, period_start) DO UPDATE SET
		     call_count = excluded.call_count,
		     success_count = excluded.success_count,
		     failure_count = excluded.failure_count,
		     dedupe_hit_count = excluded.dedupe_hit_count,
		     total_duration_ms = excluded.total_duration_ms,
		     p50_ms = excluded.p50_ms,
		     p95_ms = excluded.p95_ms,
		     p99_ms = excluded.p99_ms`,
		a.Handler, a.PeriodStart,
		a.CallCount, a.SuccessCount, a.FailureCount, a.DedupeHitCount,
		a.TotalDuration.Milliseconds(),
		a.P50.Milliseconds(), a.P95.Milliseconds(), a.P99.Milliseconds())
	if err != nil {
		return fmt.Errorf("saving metric rollup: %w", err)
	}
	return nil
}

// QueryRollups returns persisted aggregates ordered newest first, optionally
// filtered by handler. limit <= 0 returns all.
func (s *Store) QueryRollups(ctx context.Context, handler string, limit int) ([]Aggregate, error) {
	query := `SELECT handler, period_start, call_count, success_count, failure_count,
	                 dedupe_hit_count, total_duration_ms, p50_ms, p95_ms, p99_ms
	          FROM metric_rollups`
	var args []interface{}
	if handler != "" {
		query += ` WHERE handler = ?`
		args = append(args, handler)
	}
	query += ` ORDER BY period_start DESC`
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying metric rollups: %w", err)
	}
	defer rows.Close()

	var results []Aggregate
	for rows.Next() {
		var a Aggregate
		var totalMS, p50, p95, p99 int64
		if err := rows.Scan(&a.Handler, &a.PeriodStart, &a.CallCount, &a.SuccessCount,
			&a.FailureCount, &a.DedupeHitCount, &totalMS, &p50, &p95, &p99); err != nil {
			continue
		}
		a.TotalDuration = time.Duration(totalMS) * time.Millisecond
		a.P50 = time.Duration(p50) * time.Millisecond
		a.P95 = time.Duration(p95) * time.Millisecond
		a.P99 = time.Duration(p99) * time.Millisecond
		results = append(results, a)
	}
	return results, rows.Err()
}
