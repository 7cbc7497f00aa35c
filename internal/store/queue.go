package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/roach88/posync/internal/domain"
)

const queueColumns = `id, owner, sequence, transaction_id, item_type, item_data, status,
	attempts, last_attempt_at, next_attempt_at, processing_started_at, created_at,
	completed_at, archived_at, processing_time_ns, last_error`

// InsertQueueItem appends item to its owner's queue.
//
// The sequence is taken from the owner's counter in queue_sequences, which is
// never decremented, so sequence numbers are not reused after archival or
// purge. Returns the stored item and the owner's queued count after the insert.
func (s *Store) InsertQueueItem(ctx context.Context, item domain.QueueItem) (domain.QueueItem, int, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return domain.QueueItem{}, 0, fmt.Errorf("insert queue item: begin tx: %w", err)
	}
	defer tx.Rollback() // No-op if committed

	var seq int64
	err = tx.QueryRowContext(ctx, `
		INSERT INTO queue_sequences (owner, last_sequence) VALUES (?, 1)
		ON CONFLICT(owner) DO UPDATE SET last_sequence = last_sequence + 1
		RETURNING last_sequence
	`, item.Owner).Scan(&seq)
	if err != nil {
		return domain.QueueItem{}, 0, fmt.Errorf("insert queue item: next sequence: %w", err)
	}

	var txnID any
	if item.TransactionID != "" {
		txnID = item.TransactionID
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO queue_items
		(id, owner, sequence, transaction_id, item_type, item_data, status, created_at)
		VALUES (?, ?, ?, ?, ?, ?, 'queued', ?)
	`,
		item.ID,
		item.Owner,
		seq,
		txnID,
		string(item.Type),
		string(item.Data),
		unixNano(item.CreatedAt),
	)
	if err != nil {
		return domain.QueueItem{}, 0, fmt.Errorf("insert queue item: %w", err)
	}

	var queued int
	err = tx.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM queue_items WHERE owner = ? AND status = 'queued'
	`, item.Owner).Scan(&queued)
	if err != nil {
		return domain.QueueItem{}, 0, fmt.Errorf("insert queue item: count queued: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return domain.QueueItem{}, 0, fmt.Errorf("insert queue item: commit: %w", err)
	}

	item.Sequence = seq
	item.Status = domain.QueueQueued
	return item, queued, nil
}

// GetQueueItem returns the queue item with the given ID.
// Returns ErrNotFound if it does not exist.
func (s *Store) GetQueueItem(ctx context.Context, id string) (domain.QueueItem, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+queueColumns+` FROM queue_items WHERE id = ?`, id)
	item, err := scanQueueItem(row)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.QueueItem{}, fmt.Errorf("get queue item %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return domain.QueueItem{}, fmt.Errorf("get queue item %s: %w", id, err)
	}
	return item, nil
}

// NextQueued returns the lowest-sequence queued item for owner.
// Returns ErrNotFound if the owner has no queued items.
func (s *Store) NextQueued(ctx context.Context, owner string) (domain.QueueItem, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+queueColumns+` FROM queue_items
		WHERE owner = ? AND status = 'queued'
		ORDER BY sequence ASC
		LIMIT 1
	`, owner)
	item, err := scanQueueItem(row)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.QueueItem{}, fmt.Errorf("next queued %s: %w", owner, ErrNotFound)
	}
	if err != nil {
		return domain.QueueItem{}, fmt.Errorf("next queued %s: %w", owner, err)
	}
	return item, nil
}

// QueueDueFilter selects queue items eligible for processing.
type QueueDueFilter struct {
	Owner       string
	Now         time.Time
	MaxAttempts int
	Limit       int
}

// DueQueueItems returns the owner's queued items together with failed items
// whose attempts < MaxAttempts and next_attempt_at <= Now, ordered by
// sequence ASC.
func (s *Store) DueQueueItems(ctx context.Context, f QueueDueFilter) ([]domain.QueueItem, error) {
	query := `
		SELECT ` + queueColumns + ` FROM queue_items
		WHERE owner = ?
		  AND (status = 'queued'
		       OR (status = 'failed' AND attempts < ? AND (next_attempt_at IS NULL OR next_attempt_at <= ?)))
		ORDER BY sequence ASC`
	args := []any{f.Owner, f.MaxAttempts, unixNano(f.Now)}
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}

	items, err := s.queryQueueItems(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("due queue items: %w", err)
	}
	return items, nil
}

// QueueOwnersWithWork returns the owners that have queued or failed items,
// in ascending order.
func (s *Store) QueueOwnersWithWork(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT DISTINCT owner FROM queue_items
		WHERE status IN ('queued', 'failed')
		ORDER BY owner ASC
	`)
	if err != nil {
		return nil, fmt.Errorf("queue owners with work: %w", err)
	}
	defer rows.Close()

	var owners []string
	for rows.Next() {
		var owner string
		if err := rows.Scan(&owner); err != nil {
			return nil, fmt.Errorf("queue owners with work: scan: %w", err)
		}
		owners = append(owners, owner)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("queue owners with work: %w", err)
	}
	return owners, nil
}

// ClaimQueueItem moves a queued or failed item to processing and returns the
// status it had before the claim. Returns ErrStateConflict if the item is in
// any other status.
func (s *Store) ClaimQueueItem(ctx context.Context, id string, at time.Time) (domain.QueueStatus, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return "", fmt.Errorf("claim queue item %s: begin tx: %w", id, err)
	}
	defer tx.Rollback() // No-op if committed

	var prev string
	err = tx.QueryRowContext(ctx, `SELECT status FROM queue_items WHERE id = ?`, id).Scan(&prev)
	if errors.Is(err, sql.ErrNoRows) {
		return "", fmt.Errorf("claim queue item %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return "", fmt.Errorf("claim queue item %s: %w", id, err)
	}

	result, err := tx.ExecContext(ctx, `
		UPDATE queue_items
		SET status = 'processing', processing_started_at = ?
		WHERE id = ? AND status = ? AND status IN ('queued', 'failed')
	`, unixNano(at), id, prev)
	if err != nil {
		return "", fmt.Errorf("claim queue item %s: %w", id, err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return "", fmt.Errorf("claim queue item %s: rows affected: %w", id, err)
	}
	if n == 0 {
		return "", fmt.Errorf("claim queue item %s (status %s): %w", id, prev, ErrStateConflict)
	}

	if err := tx.Commit(); err != nil {
		return "", fmt.Errorf("claim queue item %s: commit: %w", id, err)
	}
	return domain.QueueStatus(prev), nil
}

// CompleteQueueItem moves a processing item to completed, recording the
// completion time and how long processing took.
func (s *Store) CompleteQueueItem(ctx context.Context, id string, at time.Time, took time.Duration) error {
	result, err := s.db.ExecContext(ctx, `
		UPDATE queue_items
		SET status = 'completed',
		    last_attempt_at = ?,
		    completed_at = ?,
		    next_attempt_at = NULL,
		    processing_started_at = NULL,
		    processing_time_ns = ?,
		    last_error = ''
		WHERE id = ? AND status = 'processing'
	`, unixNano(at), unixNano(at), int64(took), id)
	if err != nil {
		return fmt.Errorf("complete queue item %s: %w", id, err)
	}
	return s.requireOneRow(ctx, result, "queue_items", id, "complete queue item")
}

// QueueFailure describes a failed processing attempt.
type QueueFailure struct {
	ID            string
	At            time.Time
	Took          time.Duration
	Error         string
	NextAttemptAt time.Time
}

// FailQueueItem moves a processing item to failed, or to dead_letter when
// deadLetter is set, incrementing attempts.
func (s *Store) FailQueueItem(ctx context.Context, f QueueFailure, deadLetter bool) error {
	status := domain.QueueFailed
	next := nullTime(f.NextAttemptAt)
	if deadLetter {
		status = domain.QueueDeadLetter
		next = nil
	}

	result, err := s.db.ExecContext(ctx, `
		UPDATE queue_items
		SET status = ?,
		    attempts = attempts + 1,
		    last_attempt_at = ?,
		    next_attempt_at = ?,
		    processing_started_at = NULL,
		    processing_time_ns = ?,
		    last_error = ?
		WHERE id = ? AND status = 'processing'
	`, string(status), unixNano(f.At), next, int64(f.Took), f.Error, f.ID)
	if err != nil {
		return fmt.Errorf("fail queue item %s: %w", f.ID, err)
	}
	return s.requireOneRow(ctx, result, "queue_items", f.ID, "fail queue item")
}

// ReleaseQueueItem returns a processing item to prev without counting an
// attempt. Used when an attempt is abandoned.
func (s *Store) ReleaseQueueItem(ctx context.Context, id string, prev domain.QueueStatus) error {
	result, err := s.db.ExecContext(ctx, `
		UPDATE queue_items
		SET status = ?, processing_started_at = NULL
		WHERE id = ? AND status = 'processing'
	`, string(prev), id)
	if err != nil {
		return fmt.Errorf("release queue item %s: %w", id, err)
	}
	return s.requireOneRow(ctx, result, "queue_items", id, "release queue item")
}

// RecoverStaleProcessing returns items that have been processing since
// before cutoff to queued. Attempts are left unchanged.
func (s *Store) RecoverStaleProcessing(ctx context.Context, cutoff time.Time) (int64, error) {
	result, err := s.db.ExecContext(ctx, `
		UPDATE queue_items
		SET status = 'queued', processing_started_at = NULL
		WHERE status = 'processing' AND processing_started_at < ?
	`, unixNano(cutoff))
	if err != nil {
		return 0, fmt.Errorf("recover stale processing: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("recover stale processing: rows affected: %w", err)
	}
	return n, nil
}

// ArchiveOldestQueued archives all of owner's queued items except the keep
// most recent by sequence. Rows are never deleted. keep <= 0 archives every
// queued item. Returns the number of items archived.
func (s *Store) ArchiveOldestQueued(ctx context.Context, owner string, keep int, at time.Time) (int64, error) {
	if keep < 0 {
		keep = 0
	}
	result, err := s.db.ExecContext(ctx, `
		UPDATE queue_items
		SET status = 'archived', archived_at = ?
		WHERE owner = ? AND status = 'queued'
		  AND id NOT IN (
		      SELECT id FROM queue_items
		      WHERE owner = ? AND status = 'queued'
		      ORDER BY sequence DESC
		      LIMIT ?
		  )
	`, unixNano(at), owner, owner, keep)
	if err != nil {
		return 0, fmt.Errorf("archive oldest queued %s: %w", owner, err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("archive oldest queued %s: rows affected: %w", owner, err)
	}
	return n, nil
}

// QueueStats counts owner's items per status. Overflow is set when the
// queued count exceeds overflowThreshold.
func (s *Store) QueueStats(ctx context.Context, owner string, overflowThreshold int) (domain.QueueStats, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT status, COUNT(*) FROM queue_items WHERE owner = ? GROUP BY status
	`, owner)
	if err != nil {
		return domain.QueueStats{}, fmt.Errorf("queue stats %s: %w", owner, err)
	}
	defer rows.Close()

	var stats domain.QueueStats
	for rows.Next() {
		var (
			status string
			n      int
		)
		if err := rows.Scan(&status, &n); err != nil {
			return domain.QueueStats{}, fmt.Errorf("queue stats %s: scan: %w", owner, err)
		}
		stats.Total += n
		switch domain.QueueStatus(status) {
		case domain.QueueQueued:
			stats.Queued = n
		case domain.QueueProcessing:
			stats.Processing = n
		case domain.QueueCompleted:
			stats.Completed = n
		case domain.QueueFailed:
			stats.Failed = n
		case domain.QueueArchived:
			stats.Archived = n
		case domain.QueueDeadLetter:
			stats.DeadLetter = n
		}
	}
	if err := rows.Err(); err != nil {
		return domain.QueueStats{}, fmt.Errorf("queue stats %s: %w", owner, err)
	}

	stats.Overflow = stats.Queued > overflowThreshold
	return stats, nil
}

// QueueFilter selects queue items for listing.
type QueueFilter struct {
	Owner  string
	Status domain.QueueStatus
	Limit  int
}

// ListQueueItems returns items matching f ordered by owner, sequence ASC.
func (s *Store) ListQueueItems(ctx context.Context, f QueueFilter) ([]domain.QueueItem, error) {
	var (
		conds []string
		args  []any
	)
	if f.Owner != "" {
		conds = append(conds, "owner = ?")
		args = append(args, f.Owner)
	}
	if f.Status != "" {
		conds = append(conds, "status = ?")
		args = append(args, string(f.Status))
	}

	query := `SELECT ` + queueColumns + ` FROM queue_items`
	if len(conds) > 0 {
		query += " WHERE " + strings.Join(conds, " AND ")
	}
	query += " ORDER BY owner ASC, sequence ASC"
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}

	items, err := s.queryQueueItems(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list queue items: %w", err)
	}
	return items, nil
}

// PurgeCompletedQueueItems hard-deletes completed items whose completed_at
// is before cutoff. Returns the number of rows deleted.
func (s *Store) PurgeCompletedQueueItems(ctx context.Context, cutoff time.Time) (int64, error) {
	result, err := s.db.ExecContext(ctx, `
		DELETE FROM queue_items
		WHERE status = 'completed' AND completed_at < ?
	`, unixNano(cutoff))
	if err != nil {
		return 0, fmt.Errorf("purge completed queue items: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("purge completed queue items: rows affected: %w", err)
	}
	return n, nil
}

// RequeueDeadLetter puts a dead-lettered item back in the queue with its
// attempts reset. The sequence is kept so the item resumes its FIFO position.
func (s *Store) RequeueDeadLetter(ctx context.Context, id string) error {
	result, err := s.db.ExecContext(ctx, `
		UPDATE queue_items
		SET status = 'queued', attempts = 0, next_attempt_at = NULL
		WHERE id = ? AND status = 'dead_letter'
	`, id)
	if err != nil {
		return fmt.Errorf("requeue dead letter %s: %w", id, err)
	}
	return s.requireOneRow(ctx, result, "queue_items", id, "requeue dead letter")
}

func (s *Store) queryQueueItems(ctx context.Context, query string, args ...any) ([]domain.QueueItem, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var items []domain.QueueItem
	for rows.Next() {
		item, err := scanQueueItem(rows)
		if err != nil {
			return nil, fmt.Errorf("scan: %w", err)
		}
		items = append(items, item)
	}
	return items, rows.Err()
}

func scanQueueItem(row rowScanner) (domain.QueueItem, error) {
	var (
		item                              domain.QueueItem
		txnID                             sql.NullString
		itemType, data, status            string
		lastAttempt, nextAttempt, started sql.NullInt64
		completed, archived               sql.NullInt64
		createdAt, processingNS           int64
	)
	err := row.Scan(
		&item.ID,
		&item.Owner,
		&item.Sequence,
		&txnID,
		&itemType,
		&data,
		&status,
		&item.Attempts,
		&lastAttempt,
		&nextAttempt,
		&started,
		&createdAt,
		&completed,
		&archived,
		&processingNS,
		&item.LastError,
	)
	if err != nil {
		return domain.QueueItem{}, err
	}
	item.TransactionID = txnID.String
	item.Type = domain.ItemType(itemType)
	item.Data = []byte(data)
	item.Status = domain.QueueStatus(status)
	item.LastAttemptAt = timeFrom(lastAttempt)
	item.NextAttemptAt = timeFrom(nextAttempt)
	item.ProcessingStartedAt = timeFrom(started)
	item.CreatedAt = timeFromInt(createdAt)
	item.CompletedAt = timeFrom(completed)
	item.ArchivedAt = timeFrom(archived)
	item.ProcessingTime = time.Duration(processingNS)
	return item, nil
}
