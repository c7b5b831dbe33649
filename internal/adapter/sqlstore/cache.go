package sqlstore

import (
	"context"
	"database/sql"
	"errors"

	sq "github.com/Masterminds/squirrel"

	"github.com/signalmap/waybackd/internal/domain"
)

const cacheTable = "wayback_snapshot_cache"

var cacheColumns = []string{
	"snapshot_ts", "original_url", "archived_url", "metric_value", "confidence", "evidence",
	"following_count", "posts_count",
}

// upsertGuard keeps an existing entry when the incoming one is less confident.
const upsertGuard = `ON CONFLICT (platform, identity, snapshot_ts) DO UPDATE SET
    original_url = excluded.original_url,
    archived_url = excluded.archived_url,
    metric_value = excluded.metric_value,
    confidence = excluded.confidence,
    evidence = excluded.evidence,
    following_count = excluded.following_count,
    posts_count = excluded.posts_count,
    fetched_at = excluded.fetched_at
WHERE excluded.confidence >= ` + cacheTable + `.confidence`

// CacheGet returns the cached result for the key, or nil when absent.
func (s *Store) CacheGet(ctx context.Context, platform domain.Platform, identity, timestamp string) (*domain.SnapshotResult, error) {
	query, args, err := s.sb.Select(cacheColumns...).From(cacheTable).
		Where(sq.Eq{"platform": string(platform)}).
		Where(sq.Eq{"identity": identity}).
		Where(sq.Eq{"snapshot_ts": timestamp}).
		ToSql()
	if err != nil {
		return nil, err
	}
	r, err := scanResult(s.db.QueryRowContext(ctx, query, args...), false)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, &domain.StorageError{Op: "cache get", Err: err}
	}
	r.Source = domain.SourceCache
	return &r, nil
}

// CachePut upserts a result. Lower confidence never replaces higher.
func (s *Store) CachePut(ctx context.Context, platform domain.Platform, identity string, r domain.SnapshotResult) error {
	q := s.sb.Insert(cacheTable).
		Columns("platform", "identity", "snapshot_ts", "original_url", "archived_url",
			"metric_value", "confidence", "evidence", "following_count", "posts_count", "fetched_at").
		Values(string(platform), identity, r.Timestamp, r.OriginalURL, r.ArchivedURL,
			nullInt64(r.Value), r.Confidence, r.Evidence, nullInt64(r.Following), nullInt64(r.Posts), s.now()).
		Suffix(upsertGuard)
	_, err := s.exec(ctx, s.db, "cache put", q)
	return err
}

// CacheList returns every cached result for a profile in ascending order.
func (s *Store) CacheList(ctx context.Context, platform domain.Platform, identity string) ([]domain.SnapshotResult, error) {
	query, args, err := s.sb.Select(cacheColumns...).From(cacheTable).
		Where(sq.Eq{"platform": string(platform)}).
		Where(sq.Eq{"identity": identity}).
		OrderBy("snapshot_ts ASC").
		ToSql()
	if err != nil {
		return nil, err
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, &domain.StorageError{Op: "cache list", Err: err}
	}
	defer rows.Close()

	var out []domain.SnapshotResult
	for rows.Next() {
		r, err := scanResult(rows, false)
		if err != nil {
			return nil, &domain.StorageError{Op: "cache list", Err: err}
		}
		r.Source = domain.SourceCache
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, &domain.StorageError{Op: "cache list", Err: err}
	}
	return out, nil
}

// Cache adapts the store to domain.SnapshotCache. The job repository and
// the cache both have a Get, so the cache is exposed as its own value.
type Cache struct {
	s *Store
}

// Cache returns the snapshot cache view of the store.
func (s *Store) Cache() *Cache {
	return &Cache{s: s}
}

func (c *Cache) Get(ctx context.Context, platform domain.Platform, identity, timestamp string) (*domain.SnapshotResult, error) {
	return c.s.CacheGet(ctx, platform, identity, timestamp)
}

func (c *Cache) Put(ctx context.Context, platform domain.Platform, identity string, r domain.SnapshotResult) error {
	return c.s.CachePut(ctx, platform, identity, r)
}

func (c *Cache) ListByIdentity(ctx context.Context, platform domain.Platform, identity string) ([]domain.SnapshotResult, error) {
	return c.s.CacheList(ctx, platform, identity)
}
