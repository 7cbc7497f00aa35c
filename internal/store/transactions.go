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

const transactionColumns = `id, idempotency_key, transaction_type, origin_id, owner, payload,
	sync_status, attempt_count, last_attempt_at, next_retry_at, created_at, synced_at,
	last_error, sync_response`

// InsertTransaction stores txn unless a transaction with the same
// idempotency key already exists.
//
// Uses ON CONFLICT(idempotency_key) DO NOTHING so the unique constraint is the
// only authority on duplicates. When the key exists, the existing row is
// returned unmodified with inserted=false and the repeated submission is
// appended to duplicate_submissions in the same database transaction. When
// the existing row belongs to a different owner nothing is recorded; callers
// must compare stored.Owner before treating the result as a duplicate.
func (s *Store) InsertTransaction(ctx context.Context, txn domain.Transaction) (stored domain.Transaction, inserted bool, err error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return domain.Transaction{}, false, fmt.Errorf("insert transaction: begin tx: %w", err)
	}
	defer tx.Rollback() // No-op if committed

	result, err := tx.ExecContext(ctx, `
		INSERT INTO transactions
		(id, idempotency_key, transaction_type, origin_id, owner, payload, sync_status, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(idempotency_key) DO NOTHING
	`,
		txn.ID,
		txn.IdempotencyKey,
		string(txn.Type),
		txn.OriginID,
		txn.Owner,
		string(txn.Payload),
		string(domain.SyncPending),
		unixNano(txn.CreatedAt),
	)
	if err != nil {
		return domain.Transaction{}, false, fmt.Errorf("insert transaction: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return domain.Transaction{}, false, fmt.Errorf("insert transaction: rows affected: %w", err)
	}

	row := tx.QueryRowContext(ctx,
		`SELECT `+transactionColumns+` FROM transactions WHERE idempotency_key = ?`,
		txn.IdempotencyKey)
	stored, err = scanTransaction(row)
	if err != nil {
		return domain.Transaction{}, false, fmt.Errorf("insert transaction: read back: %w", err)
	}

	// A key held by another owner is a conflict, not a resubmission, and is
	// not audited against that owner's record.
	if rowsAffected == 0 && stored.Owner == txn.Owner {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO duplicate_submissions (idempotency_key, owner, submitted_at)
			VALUES (?, ?, ?)
		`, txn.IdempotencyKey, txn.Owner, unixNano(txn.CreatedAt)); err != nil {
			return domain.Transaction{}, false, fmt.Errorf("insert transaction: record duplicate: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return domain.Transaction{}, false, fmt.Errorf("insert transaction: commit: %w", err)
	}

	return stored, rowsAffected > 0, nil
}

// GetTransaction returns the transaction with the given ID.
// Returns ErrNotFound if it does not exist.
func (s *Store) GetTransaction(ctx context.Context, id string) (domain.Transaction, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+transactionColumns+` FROM transactions WHERE id = ?`, id)
	txn, err := scanTransaction(row)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Transaction{}, fmt.Errorf("get transaction %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return domain.Transaction{}, fmt.Errorf("get transaction %s: %w", id, err)
	}
	return txn, nil
}

// GetTransactionByKey returns the transaction with the given idempotency key.
// Returns ErrNotFound if it does not exist.
func (s *Store) GetTransactionByKey(ctx context.Context, key string) (domain.Transaction, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+transactionColumns+` FROM transactions WHERE idempotency_key = ?`, key)
	txn, err := scanTransaction(row)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Transaction{}, fmt.Errorf("get transaction by key %s: %w", key, ErrNotFound)
	}
	if err != nil {
		return domain.Transaction{}, fmt.Errorf("get transaction by key %s: %w", key, err)
	}
	return txn, nil
}

// AttemptOutcome describes the result of one sync attempt on a transaction.
type AttemptOutcome struct {
	ID string

	// ExpectedAttempts is the attempt_count observed before the attempt.
	// The update only applies if the row still carries this count.
	ExpectedAttempts int

	AttemptedAt time.Time
	Error       string
	Response    string

	// NextRetryAt is ignored for synced and dead-lettered outcomes.
	NextRetryAt time.Time
}

// MarkTransactionSynced records a confirmed attempt: attempt_count is
// incremented and the transaction becomes synced.
//
// The update is conditional on the transaction being pending or failed with
// the expected attempt count. Returns ErrStateConflict otherwise.
func (s *Store) MarkTransactionSynced(ctx context.Context, o AttemptOutcome) error {
	result, err := s.db.ExecContext(ctx, `
		UPDATE transactions
		SET sync_status = 'synced',
		    attempt_count = attempt_count + 1,
		    last_attempt_at = ?,
		    synced_at = ?,
		    next_retry_at = NULL,
		    last_error = '',
		    sync_response = ?
		WHERE id = ? AND sync_status IN ('pending', 'failed') AND attempt_count = ?
	`,
		unixNano(o.AttemptedAt),
		unixNano(o.AttemptedAt),
		o.Response,
		o.ID,
		o.ExpectedAttempts,
	)
	if err != nil {
		return fmt.Errorf("mark transaction synced %s: %w", o.ID, err)
	}
	return s.requireOneRow(ctx, result, "transactions", o.ID, "mark transaction synced")
}

// MarkTransactionFailed records an unconfirmed attempt: attempt_count is
// incremented and last_error stored. With deadLetter the transaction becomes
// dead_letter and leaves the schedule; otherwise it becomes failed with
// next_retry_at set from the outcome.
//
// Same conditions as MarkTransactionSynced.
func (s *Store) MarkTransactionFailed(ctx context.Context, o AttemptOutcome, deadLetter bool) error {
	status := domain.SyncFailed
	nextRetry := nullTime(o.NextRetryAt)
	if deadLetter {
		status = domain.SyncDeadLetter
		nextRetry = nil
	}

	result, err := s.db.ExecContext(ctx, `
		UPDATE transactions
		SET sync_status = ?,
		    attempt_count = attempt_count + 1,
		    last_attempt_at = ?,
		    next_retry_at = ?,
		    last_error = ?,
		    sync_response = ?
		WHERE id = ? AND sync_status IN ('pending', 'failed') AND attempt_count = ?
	`,
		string(status),
		unixNano(o.AttemptedAt),
		nextRetry,
		o.Error,
		o.Response,
		o.ID,
		o.ExpectedAttempts,
	)
	if err != nil {
		return fmt.Errorf("mark transaction failed %s: %w", o.ID, err)
	}
	return s.requireOneRow(ctx, result, "transactions", o.ID, "mark transaction failed")
}

// DueFilter selects transactions eligible for a sync attempt.
type DueFilter struct {
	// Owner restricts the selection; empty selects all owners.
	Owner string

	Now         time.Time
	MaxAttempts int

	// IncludePending adds never-attempted transactions to the failed ones.
	IncludePending bool

	// Limit caps the result; zero means no limit.
	Limit int
}

// DueTransactions returns transactions due for an attempt: failed with
// attempt_count < MaxAttempts and next_retry_at <= Now, plus pending ones when
// IncludePending is set. Results are ordered by created_at ASC, id ASC.
func (s *Store) DueTransactions(ctx context.Context, f DueFilter) ([]domain.Transaction, error) {
	var (
		conds []string
		args  []any
	)

	failed := `(sync_status = 'failed' AND attempt_count < ? AND (next_retry_at IS NULL OR next_retry_at <= ?))`
	args = append(args, f.MaxAttempts, unixNano(f.Now))
	if f.IncludePending {
		conds = append(conds, `(sync_status = 'pending' OR `+failed+`)`)
	} else {
		conds = append(conds, failed)
	}

	if f.Owner != "" {
		conds = append(conds, "owner = ?")
		args = append(args, f.Owner)
	}

	query := `SELECT ` + transactionColumns + ` FROM transactions WHERE ` +
		strings.Join(conds, " AND ") + ` ORDER BY created_at ASC, id ASC`
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}

	txns, err := s.queryTransactions(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("due transactions: %w", err)
	}
	return txns, nil
}

// TransactionFilter selects transactions for listing.
type TransactionFilter struct {
	Owner  string
	Status domain.SyncStatus
	Limit  int
}

// ListTransactions returns transactions matching f ordered by created_at ASC, id ASC.
func (s *Store) ListTransactions(ctx context.Context, f TransactionFilter) ([]domain.Transaction, error) {
	var (
		conds []string
		args  []any
	)
	if f.Owner != "" {
		conds = append(conds, "owner = ?")
		args = append(args, f.Owner)
	}
	if f.Status != "" {
		conds = append(conds, "sync_status = ?")
		args = append(args, string(f.Status))
	}

	query := `SELECT ` + transactionColumns + ` FROM transactions`
	if len(conds) > 0 {
		query += " WHERE " + strings.Join(conds, " AND ")
	}
	query += " ORDER BY created_at ASC, id ASC"
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}

	txns, err := s.queryTransactions(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list transactions: %w", err)
	}
	return txns, nil
}

// PurgeSyncedTransactions hard-deletes synced transactions whose synced_at
// is before cutoff. Returns the number of rows deleted.
func (s *Store) PurgeSyncedTransactions(ctx context.Context, cutoff time.Time) (int64, error) {
	result, err := s.db.ExecContext(ctx, `
		DELETE FROM transactions
		WHERE sync_status = 'synced' AND synced_at < ?
	`, unixNano(cutoff))
	if err != nil {
		return 0, fmt.Errorf("purge synced transactions: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("purge synced transactions: rows affected: %w", err)
	}
	return n, nil
}

// DeleteDeadLetterTransaction removes one dead-lettered transaction.
// Returns ErrNotFound if it does not exist and ErrStateConflict if it is not
// dead-lettered.
func (s *Store) DeleteDeadLetterTransaction(ctx context.Context, id string) error {
	result, err := s.db.ExecContext(ctx, `
		DELETE FROM transactions WHERE id = ? AND sync_status = 'dead_letter'
	`, id)
	if err != nil {
		return fmt.Errorf("delete dead-letter transaction %s: %w", id, err)
	}
	return s.requireOneRow(ctx, result, "transactions", id, "delete dead-letter transaction")
}

// CountDuplicateSubmissions returns how many times the idempotency key was
// submitted again after the original insert.
func (s *Store) CountDuplicateSubmissions(ctx context.Context, key string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM duplicate_submissions WHERE idempotency_key = ?`, key).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count duplicate submissions: %w", err)
	}
	return n, nil
}

// TransactionCounts returns the number of transactions per sync status.
// Owner "" counts all owners.
func (s *Store) TransactionCounts(ctx context.Context, owner string) (map[domain.SyncStatus]int, error) {
	query := `SELECT sync_status, COUNT(*) FROM transactions`
	var args []any
	if owner != "" {
		query += ` WHERE owner = ?`
		args = append(args, owner)
	}
	query += ` GROUP BY sync_status`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("transaction counts: %w", err)
	}
	defer rows.Close()

	counts := make(map[domain.SyncStatus]int)
	for rows.Next() {
		var (
			status string
			n      int
		)
		if err := rows.Scan(&status, &n); err != nil {
			return nil, fmt.Errorf("transaction counts: scan: %w", err)
		}
		counts[domain.SyncStatus(status)] = n
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("transaction counts: %w", err)
	}
	return counts, nil
}

func (s *Store) queryTransactions(ctx context.Context, query string, args ...any) ([]domain.Transaction, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var txns []domain.Transaction
	for rows.Next() {
		txn, err := scanTransaction(rows)
		if err != nil {
			return nil, fmt.Errorf("scan: %w", err)
		}
		txns = append(txns, txn)
	}
	return txns, rows.Err()
}

func scanTransaction(row rowScanner) (domain.Transaction, error) {
	var (
		txn                          domain.Transaction
		txType, payload, status      string
		lastAttempt, nextRetry, sync sql.NullInt64
		createdAt                    int64
	)
	err := row.Scan(
		&txn.ID,
		&txn.IdempotencyKey,
		&txType,
		&txn.OriginID,
		&txn.Owner,
		&payload,
		&status,
		&txn.AttemptCount,
		&lastAttempt,
		&nextRetry,
		&createdAt,
		&sync,
		&txn.LastError,
		&txn.SyncResponse,
	)
	if err != nil {
		return domain.Transaction{}, err
	}
	txn.Type = domain.TransactionType(txType)
	txn.Payload = []byte(payload)
	txn.Status = domain.SyncStatus(status)
	txn.LastAttemptAt = timeFrom(lastAttempt)
	txn.NextRetryAt = timeFrom(nextRetry)
	txn.CreatedAt = timeFromInt(createdAt)
	txn.SyncedAt = timeFrom(sync)
	return txn, nil
}

// requireOneRow turns a conditional UPDATE/DELETE that matched nothing into
// ErrNotFound or ErrStateConflict depending on whether the row exists.
func (s *Store) requireOneRow(ctx context.Context, result sql.Result, table, id, op string) error {
	n, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("%s %s: rows affected: %w", op, id, err)
	}
	if n > 0 {
		return nil
	}

	var exists int
	err = s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM `+table+` WHERE id = ?`, id).Scan(&exists)
	if err != nil {
		return fmt.Errorf("%s %s: %w", op, id, err)
	}
	if exists == 0 {
		return fmt.Errorf("%s %s: %w", op, id, ErrNotFound)
	}
	return fmt.Errorf("%s %s: %w", op, id, ErrStateConflict)
}
