package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/roach88/posync/internal/domain"
)

const cacheColumns = `id, owner, model, record_id, payload, content_hash, cache_version,
	created_at, expires_at, invalidated, access_count, last_accessed_at,
	last_validated_at, validation_attempts`

// UpsertCacheEntry stores e, or refreshes the existing entry for the same
// (owner, model, record_id).
//
// A refresh replaces payload and hash, bumps cache_version, restarts
// created_at/expires_at and clears the invalidated flag. Access and
// validation history is preserved.
func (s *Store) UpsertCacheEntry(ctx context.Context, e domain.CacheEntry) (domain.CacheEntry, error) {
	row := s.db.QueryRowContext(ctx, `
		INSERT INTO cache_entries
		(owner, model, record_id, payload, content_hash, cache_version, created_at, expires_at)
		VALUES (?, ?, ?, ?, ?, 1, ?, ?)
		ON CONFLICT(owner, model, record_id) DO UPDATE SET
		    payload = excluded.payload,
		    content_hash = excluded.content_hash,
		    cache_version = cache_entries.cache_version + 1,
		    created_at = excluded.created_at,
		    expires_at = excluded.expires_at,
		    invalidated = 0
		RETURNING `+cacheColumns,
		e.Owner,
		e.Model,
		e.RecordID,
		string(e.Payload),
		e.ContentHash,
		unixNano(e.CreatedAt),
		unixNano(e.ExpiresAt),
	)
	stored, err := scanCacheEntry(row)
	if err != nil {
		return domain.CacheEntry{}, fmt.Errorf("upsert cache entry %s/%s/%d: %w", e.Owner, e.Model, e.RecordID, err)
	}
	return stored, nil
}

// GetCacheEntry returns the entry for (owner, model, recordID) regardless of
// validity. Returns ErrNotFound if there is none.
func (s *Store) GetCacheEntry(ctx context.Context, owner, model string, recordID int64) (domain.CacheEntry, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+cacheColumns+` FROM cache_entries
		WHERE owner = ? AND model = ? AND record_id = ?
	`, owner, model, recordID)
	e, err := scanCacheEntry(row)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.CacheEntry{}, fmt.Errorf("get cache entry %s/%s/%d: %w", owner, model, recordID, ErrNotFound)
	}
	if err != nil {
		return domain.CacheEntry{}, fmt.Errorf("get cache entry %s/%s/%d: %w", owner, model, recordID, err)
	}
	return e, nil
}

// RecordCacheAccess increments access_count and stamps last_accessed_at.
func (s *Store) RecordCacheAccess(ctx context.Context, id int64, at time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE cache_entries
		SET access_count = access_count + 1, last_accessed_at = ?
		WHERE id = ?
	`, unixNano(at), id)
	if err != nil {
		return fmt.Errorf("record cache access %d: %w", id, err)
	}
	return nil
}

// RecordCacheValidation increments validation_attempts and stamps
// last_validated_at.
func (s *Store) RecordCacheValidation(ctx context.Context, id int64, at time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE cache_entries
		SET validation_attempts = validation_attempts + 1, last_validated_at = ?
		WHERE id = ?
	`, unixNano(at), id)
	if err != nil {
		return fmt.Errorf("record cache validation %d: %w", id, err)
	}
	return nil
}

// InvalidateCache marks entries of owner invalid without deleting them.
// An empty model selects every model; a nil recordID selects every record of
// the model. Returns the number of entries matched.
func (s *Store) InvalidateCache(ctx context.Context, owner, model string, recordID *int64) (int64, error) {
	query := `UPDATE cache_entries SET invalidated = 1 WHERE owner = ?`
	args := []any{owner}
	if model != "" {
		query += ` AND model = ?`
		args = append(args, model)
		if recordID != nil {
			query += ` AND record_id = ?`
			args = append(args, *recordID)
		}
	}

	result, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, fmt.Errorf("invalidate cache %s: %w", owner, err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("invalidate cache %s: rows affected: %w", owner, err)
	}
	return n, nil
}

// DeleteExpiredCache hard-deletes entries whose expires_at is at or before
// now. Invalidated entries that have not expired are kept.
func (s *Store) DeleteExpiredCache(ctx context.Context, now time.Time) (int64, error) {
	result, err := s.db.ExecContext(ctx, `
		DELETE FROM cache_entries WHERE expires_at <= ?
	`, unixNano(now))
	if err != nil {
		return 0, fmt.Errorf("delete expired cache: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("delete expired cache: rows affected: %w", err)
	}
	return n, nil
}

// AcquireCacheLock takes the lease lock on entry id for holder without
// waiting. The lock is granted when it is free or when the current lease was
// acquired before staleBefore. Returns false if another holder owns a live
// lease.
func (s *Store) AcquireCacheLock(ctx context.Context, id int64, holder string, at, staleBefore time.Time) (bool, error) {
	result, err := s.db.ExecContext(ctx, `
		UPDATE cache_entries
		SET lock_holder = ?, lock_acquired_at = ?
		WHERE id = ?
		  AND (lock_holder IS NULL OR lock_holder = ? OR lock_acquired_at < ?)
	`, holder, unixNano(at), id, holder, unixNano(staleBefore))
	if err != nil {
		return false, fmt.Errorf("acquire cache lock %d: %w", id, err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("acquire cache lock %d: rows affected: %w", id, err)
	}
	return n > 0, nil
}

// ReleaseCacheLock releases holder's lease on entry id. Releasing a lock
// held by someone else is a no-op.
func (s *Store) ReleaseCacheLock(ctx context.Context, id int64, holder string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE cache_entries
		SET lock_holder = NULL, lock_acquired_at = NULL
		WHERE id = ? AND lock_holder = ?
	`, id, holder)
	if err != nil {
		return fmt.Errorf("release cache lock %d: %w", id, err)
	}
	return nil
}

// CacheLockHolder returns the current lease holder of entry id, or "" when
// the entry is unlocked.
func (s *Store) CacheLockHolder(ctx context.Context, id int64) (string, error) {
	var holder sql.NullString
	err := s.db.QueryRowContext(ctx,
		`SELECT lock_holder FROM cache_entries WHERE id = ?`, id).Scan(&holder)
	if errors.Is(err, sql.ErrNoRows) {
		return "", fmt.Errorf("cache lock holder %d: %w", id, ErrNotFound)
	}
	if err != nil {
		return "", fmt.Errorf("cache lock holder %d: %w", id, err)
	}
	return holder.String, nil
}

// CacheStats summarizes owner's entries as of now.
func (s *Store) CacheStats(ctx context.Context, owner string, now time.Time) (domain.CacheStats, error) {
	var stats domain.CacheStats
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*),
		       COALESCE(SUM(CASE WHEN invalidated = 0 AND expires_at > ? THEN 1 ELSE 0 END), 0),
		       COALESCE(SUM(access_count), 0)
		FROM cache_entries
		WHERE owner = ?
	`, unixNano(now), owner).Scan(&stats.Total, &stats.Valid, &stats.TotalAccesses)
	if err != nil {
		return domain.CacheStats{}, fmt.Errorf("cache stats %s: %w", owner, err)
	}

	stats.Stale = stats.Total - stats.Valid
	if stats.Total > 0 {
		stats.Efficiency = float64(stats.Valid) / float64(stats.Total) * 100
	}
	return stats, nil
}

// CacheOwners returns every owner holding at least one cache entry.
func (s *Store) CacheOwners(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT DISTINCT owner FROM cache_entries ORDER BY owner ASC`)
	if err != nil {
		return nil, fmt.Errorf("cache owners: %w", err)
	}
	defer rows.Close()

	var owners []string
	for rows.Next() {
		var owner string
		if err := rows.Scan(&owner); err != nil {
			return nil, fmt.Errorf("cache owners: scan: %w", err)
		}
		owners = append(owners, owner)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("cache owners: %w", err)
	}
	return owners, nil
}

func scanCacheEntry(row rowScanner) (domain.CacheEntry, error) {
	var (
		e                          domain.CacheEntry
		payload                    string
		createdAt, expiresAt       int64
		invalidated                int
		lastAccessed, lastValidate sql.NullInt64
	)
	err := row.Scan(
		&e.ID,
		&e.Owner,
		&e.Model,
		&e.RecordID,
		&payload,
		&e.ContentHash,
		&e.Version,
		&createdAt,
		&expiresAt,
		&invalidated,
		&e.AccessCount,
		&lastAccessed,
		&lastValidate,
		&e.ValidationAttempts,
	)
	if err != nil {
		return domain.CacheEntry{}, err
	}
	e.Payload = []byte(payload)
	e.CreatedAt = timeFromInt(createdAt)
	e.ExpiresAt = timeFromInt(expiresAt)
	e.Invalidated = invalidated != 0
	e.LastAccessedAt = timeFrom(lastAccessed)
	e.LastValidatedAt = timeFrom(lastValidate)
	return e, nil
}
