package cache

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

// Cache types. Persistent entries never expire by TTL; temporary entries
// go stale once their TTL elapses.
const (
	TypePersistent = "persistent"
	TypeTemporary  = "temporary"
)

const schema = `
-- Per-table replica bookkeeping, read by the query router.
CREATE TABLE IF NOT EXISTS cache_metadata (
    table_name TEXT PRIMARY KEY,
    cache_type TEXT NOT NULL DEFAULT 'temporary',
    ttl_seconds INTEGER NOT NULL DEFAULT 300,
    live_query_uuid TEXT,
    is_active BOOLEAN NOT NULL DEFAULT 0,
    last_refresh TIMESTAMP,
    updated_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
);

CREATE INDEX IF NOT EXISTS idx_cache_metadata_live
    ON cache_metadata(live_query_uuid);
`

// Entry is one table's cache record.
type Entry struct {
	TableName   string
	CacheType   string
	TTL         time.Duration
	LiveQueryID string
	IsActive    bool
	LastRefresh time.Time
}

// Fresh reports whether the entry may serve CACHED reads: it must be
// active, its live subscription must be alive, and a temporary entry must
// still be inside its TTL window. A dead subscription makes the entry
// stale no matter what the TTL says.
func (e *Entry) Fresh(now time.Time, liveAlive bool) bool {
	if !e.IsActive || !liveAlive {
		return false
	}
	if strings.EqualFold(e.CacheType, TypePersistent) {
		return true
	}
	return now.Before(e.LastRefresh.Add(e.TTL))
}

// Store is the cache metadata table. Shared-read, single-writer: only the
// warming/invalidation pipeline mutates it.
type Store struct {
	db *sql.DB
}

// NewStore prepares the metadata table on the given database handle.
func NewStore(db *sql.DB) (*Store, error) {
	if _, err := db.Exec(schema); err != nil {
		return nil, fmt.Errorf("failed to run cache metadata migrations: %w", err)
	}
	return &Store{db: db}, nil
}

// Upsert records a table's cache state. Used by the warmer after a
// successful mirror.
func (s *Store) Upsert(ctx context.Context, e *Entry) error {
	query := `
		INSERT INTO cache_metadata (table_name, cache_type, ttl_seconds, live_query_uuid, is_active, last_refresh, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, CURRENT_TIMESTAMP)
		ON CONFLICT(table_name) DO UPDATE SET
			cache_type = excluded.cache_type,
			ttl_seconds = excluded.ttl_seconds,
			live_query_uuid = excluded.live_query_uuid,
			is_active = excluded.is_active,
			last_refresh = excluded.last_refresh,
			updated_at = CURRENT_TIMESTAMP
	`
	_, err := s.db.ExecContext(ctx, query,
		strings.ToLower(e.TableName), e.CacheType, int64(e.TTL.Seconds()),
		e.LiveQueryID, e.IsActive, e.LastRefresh,
	)
	if err != nil {
		return fmt.Errorf("failed to upsert cache metadata for %s: %w", e.TableName, err)
	}
	return nil
}

// Get returns the entry for a table, or nil when the table has never been
// warmed.
func (s *Store) Get(ctx context.Context, table string) (*Entry, error) {
	query := `
		SELECT table_name, cache_type, ttl_seconds, live_query_uuid, is_active, last_refresh
		FROM cache_metadata WHERE table_name = ?
	`
	return scanEntry(s.db.QueryRowContext(ctx, query, strings.ToLower(table)))
}

// All returns every entry.
func (s *Store) All(ctx context.Context) ([]*Entry, error) {
	query := `
		SELECT table_name, cache_type, ttl_seconds, live_query_uuid, is_active, last_refresh
		FROM cache_metadata ORDER BY table_name
	`
	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []*Entry
	for rows.Next() {
		e, err := scanEntryRow(rows)
		if err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// Touch refreshes last_refresh for a table. Called for every live
// notification touching it.
func (s *Store) Touch(ctx context.Context, table string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE cache_metadata SET last_refresh = ?, updated_at = CURRENT_TIMESTAMP WHERE table_name = ?`,
		time.Now().UTC(), strings.ToLower(table),
	)
	return err
}

// Deactivate flips a table's entry inactive, invalidating it for CACHED
// routing.
func (s *Store) Deactivate(ctx context.Context, table string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE cache_metadata SET is_active = 0, updated_at = CURRENT_TIMESTAMP WHERE table_name = ?`,
		strings.ToLower(table),
	)
	return err
}

// DeactivateByLiveID invalidates every table bound to a live subscription
// that died.
func (s *Store) DeactivateByLiveID(ctx context.Context, liveID string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE cache_metadata SET is_active = 0, updated_at = CURRENT_TIMESTAMP WHERE live_query_uuid = ?`,
		liveID,
	)
	return err
}

// DeactivateAll invalidates everything; used when the upstream connection
// is lost because every live subscription died with it.
func (s *Store) DeactivateAll(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE cache_metadata SET is_active = 0, updated_at = CURRENT_TIMESTAMP`)
	return err
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanEntry(row *sql.Row) (*Entry, error) {
	e, err := scanEntryRow(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return e, err
}

func scanEntryRow(row rowScanner) (*Entry, error) {
	var e Entry
	var ttlSeconds int64
	var liveID sql.NullString
	var lastRefresh sql.NullTime
	if err := row.Scan(&e.TableName, &e.CacheType, &ttlSeconds, &liveID, &e.IsActive, &lastRefresh); err != nil {
		return nil, err
	}
	e.TTL = time.Duration(ttlSeconds) * time.Second
	e.LiveQueryID = liveID.String
	if lastRefresh.Valid {
		e.LastRefresh = lastRefresh.Time
	}
	return &e, nil
}
