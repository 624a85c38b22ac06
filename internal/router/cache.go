package router

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"fmt"
	"strconv"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

const cacheSchema = `
CREATE TABLE IF NOT EXISTS cache_entries (
    cache_key TEXT PRIMARY KEY,
    value TEXT NOT NULL,
    provider TEXT NOT NULL,
    model TEXT NOT NULL DEFAULT '',
    template_id TEXT NOT NULL,
    template_version INTEGER NOT NULL,
    created_at TIMESTAMP NOT NULL,
    expires_at TIMESTAMP NOT NULL,
    hit_count INTEGER NOT NULL DEFAULT 0
);

CREATE INDEX IF NOT EXISTS idx_cache_template ON cache_entries(template_id, template_version);
CREATE INDEX IF NOT EXISTS idx_cache_expires ON cache_entries(expires_at);
`

// Cache persists provider responses in SQLite keyed by content fingerprint.
// All mutations are single-statement atomic operations so the cache stays
// correct under concurrent workers without external locking.
type Cache struct {
	db  *sql.DB
	ttl time.Duration
}

// NewCache opens (and migrates) the response cache at dbPath. Entries expire
// ttl after creation.
func NewCache(dbPath string, ttl time.Duration) (*Cache, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("opening cache database: %w", err)
	}
	if _, err := db.ExecContext(context.Background(), cacheSchema); err != nil {
		return nil, fmt.Errorf("creating cache schema: %w", err)
	}
	return &Cache{db: db, ttl: ttl}, nil
}

// Close releases the database connection.
func (c *Cache) Close() error {
	return c.db.Close()
}

// Fingerprint computes the deterministic cache key from template identity,
// template version, provider identity, and one or more content hashes. A new
// template version yields a disjoint key space, so stale-template entries are
// unreachable by construction rather than explicitly invalidated.
func Fingerprint(templateID string, templateVersion int, providerID string, contentHashes ...string) string {
	h := sha256.New()
	h.Write([]byte(templateID))
	h.Write([]byte{0})
	h.Write([]byte(strconv.Itoa(templateVersion)))
	h.Write([]byte{0})
	h.Write([]byte(providerID))
	for _, ch := range contentHashes {
		h.Write([]byte{0})
		h.Write([]byte(ch))
	}
	return hex.EncodeToString(h.Sum(nil))
}

// ContentHash returns the SHA-256 hex digest of content.
func ContentHash(content string) string {
	sum := sha256.Sum256([]byte(content))
	return hex.EncodeToString(sum[:])
}

// Get returns the cached value for key if present and unexpired, atomically
// incrementing hit_count on a hit. A TTL-expired entry is a miss.
func (c *Cache) Get(ctx context.Context, key string) (value string, ok bool, err error) {
	ctx, span := tracer.Start(ctx, "cache.get")
	defer span.End()

	now := time.Now().UTC()
	res, err := c.db.ExecContext(ctx,
		`UPDATE cache_entries SET hit_count = hit_count + 1 WHERE cache_key = ? AND expires_at > ?`,
		key, now)
	if err != nil {
		return "", false, fmt.Errorf("touching cache entry: %w", err)
	}
	rows, _ := res.RowsAffected()
	if rows == 0 {
		span.SetAttributes(attribute.Bool("cache.hit", false))
		return "", false, nil
	}

	err = c.db.QueryRowContext(ctx,
		`SELECT value FROM cache_entries WHERE cache_key = ?`, key).Scan(&value)
	if err == sql.ErrNoRows {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("reading cache entry: %w", err)
	}
	span.SetAttributes(attribute.Bool("cache.hit", true))
	return value, true, nil
}

// Put stores value under key with the cache TTL. An existing entry is
// replaced in a single upsert (set-with-TTL), resetting its hit count.
func (c *Cache) Put(ctx context.Context, key, value, providerID, model, templateID string, templateVersion int) error {
	ctx, span := tracer.Start(ctx, "cache.put",
		trace.WithAttributes(attribute.String("cache.provider", providerID)))
	defer span.End()

	now := time.Now().UTC()
	_, err := c.db.ExecContext(ctx,
		`INSERT INTO cache_entries (cache_key, value, provider, model, template_id, template_version, created_at, expires_at, hit_count)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, 0)
		 ON CONFLICT(cache_key) DO UPDATE SET
		     value = excluded.value,
		     provider = excluded.provider,
		     model = excluded.model,
		     created_at = excluded.created_at,
		     expires_at = excluded.expires_at,
		     hit_count = 0`,
		key, value, providerID, model, templateID, templateVersion, now, now.Add(c.ttl))
	if err != nil {
		return fmt.Errorf("writing cache entry: %w", err)
	}
	return nil
}

// HitCount returns the hit counter for key, or 0 when absent.
func (c *Cache) HitCount(ctx context.Context, key string) (int64, error) {
	var n int64
	err := c.db.QueryRowContext(ctx,
		`SELECT hit_count FROM cache_entries WHERE cache_key = ?`, key).Scan(&n)
	if err == sql.ErrNoRows {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("reading hit count: %w", err)
	}
	return n, nil
}

// PurgeExpired deletes entries whose TTL has elapsed. Returns the number of
// deleted entries.
func (c *Cache) PurgeExpired(ctx context.Context) (int64, error) {
	ctx, span := tracer.Start(ctx, "cache.purge_expired")
	defer span.End()

	res, err := c.db.ExecContext(ctx,
		`DELETE FROM cache_entries WHERE expires_at <= ?`, time.Now().UTC())
	if err != nil {
		return 0, fmt.Errorf("purging expired cache entries: %w", err)
	}
	n, _ := res.RowsAffected()
	span.SetAttributes(attribute.Int64("cache.purged", n))
	return n, nil
}

// PurgeVersionRange deletes entries for templateID whose template_version is
// within [minVersion, maxVersion]. Stale-template entries are unreachable
// anyway; this reclaims their storage on demand.
func (c *Cache) PurgeVersionRange(ctx context.Context, templateID string, minVersion, maxVersion int) (int64, error) {
	ctx, span := tracer.Start(ctx, "cache.purge_version_range",
		trace.WithAttributes(attribute.String("cache.template_id", templateID)))
	defer span.End()

	res, err := c.db.ExecContext(ctx,
		`DELETE FROM cache_entries WHERE template_id = ? AND template_version >= ? AND template_version <= ?`,
		templateID, minVersion, maxVersion)
	if err != nil {
		return 0, fmt.Errorf("purging cache version range: %w", err)
	}
	n, _ := res.RowsAffected()
	span.SetAttributes(attribute.Int64("cache.purged", n))
	return n, nil
}

// Stats returns entry count and total hits, for the stats surface.
func (c *Cache) Stats(ctx context.Context) (entries, hits int64, err error) {
	err = c.db.QueryRowContext(ctx,
		`SELECT COUNT(*), COALESCE(SUM(hit_count), 0) FROM cache_entries`).Scan(&entries, &hits)
	if err != nil {
		return 0, 0, fmt.Errorf("reading cache stats: %w", err)
	}
	return entries, hits, nil
}
