package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/roach88/posync/internal/domain"
	"github.com/roach88/posync/internal/remote"
	"github.com/roach88/posync/internal/store"
)

// CreateTransaction records a client-originated transaction for owner.
//
// The idempotency key is derived from type, origin, payload and the current
// time bucket. If a transaction with that key exists, it is returned
// unmodified and the result status is duplicate. A key already held by a
// different owner is rejected so no record is shared across owners. Invalid
// input yields a rejected result. Neither is an error; err is reserved for
// storage failures.
//
// No network I/O happens here.
func (s *Service) CreateTransaction(ctx context.Context, owner string, txType domain.TransactionType, payload json.RawMessage, originID string) (domain.CreateResult, error) {
	if reason := validateCreate(owner, txType, originID); reason != "" {
		return s.reject(owner, reason), nil
	}

	canonical, err := domain.CanonicalizeJSON(payload)
	if err != nil {
		return s.reject(owner, "payload is not valid JSON"), nil
	}

	now := s.clock.Now()
	key, err := domain.IdempotencyKey(txType, originID, canonical, now, s.settings.IdempotencyWindow)
	if err != nil {
		return s.reject(owner, err.Error()), nil
	}

	stored, inserted, err := s.store.InsertTransaction(ctx, domain.Transaction{
		ID:             s.ids.Generate(),
		IdempotencyKey: key,
		Type:           txType,
		OriginID:       originID,
		Owner:          owner,
		Payload:        canonical,
		Status:         domain.SyncPending,
		CreatedAt:      now,
	})
	if err != nil {
		return domain.CreateResult{}, fmt.Errorf("create transaction: %w", err)
	}

	if !inserted && stored.Owner != owner {
		return s.reject(owner, "idempotency key owned by another principal"), nil
	}

	if !inserted {
		s.metrics.IncDuplicate()
		s.logger.Warn("duplicate transaction submission",
			"owner", owner,
			"idempotency_key", key,
			"transaction_id", stored.ID,
			"sync_status", stored.Status,
		)
		return domain.CreateResult{
			Status:         domain.CreateDuplicate,
			TransactionID:  stored.ID,
			IdempotencyKey: key,
			SyncStatus:     stored.Status,
		}, nil
	}

	s.metrics.IncTransactionCreated()
	s.logger.Info("transaction created",
		"owner", owner,
		"transaction_id", stored.ID,
		"idempotency_key", key,
		"type", txType,
	)
	return domain.CreateResult{
		Status:         domain.CreateCreated,
		TransactionID:  stored.ID,
		IdempotencyKey: key,
		SyncStatus:     stored.Status,
	}, nil
}

func validateCreate(owner string, txType domain.TransactionType, originID string) string {
	switch {
	case owner == "":
		return "owner is required"
	case !txType.Valid():
		return fmt.Sprintf("unknown transaction type %q", txType)
	case originID == "":
		return "origin id is required"
	case strings.Contains(originID, "_"):
		return "origin id must not contain '_'"
	}
	return ""
}

func (s *Service) reject(owner, reason string) domain.CreateResult {
	s.metrics.IncTransactionRejected()
	s.logger.Warn("transaction rejected", "owner", owner, "reason", reason)
	return domain.CreateResult{Status: domain.CreateRejected, Reason: reason}
}

// TransactionStatus is the operational view of one transaction.
type TransactionStatus struct {
	domain.Transaction

	// ShouldRetry is true when the transaction is failed, below the attempt
	// limit and due now.
	ShouldRetry bool `json:"should_retry"`

	// DuplicateSubmissions counts repeated creations resolved to this record.
	DuplicateSubmissions int `json:"duplicate_submissions"`
}

// GetTransaction returns the status view of a transaction.
func (s *Service) GetTransaction(ctx context.Context, id string) (TransactionStatus, error) {
	txn, err := s.store.GetTransaction(ctx, id)
	if err != nil {
		return TransactionStatus{}, err
	}
	dups, err := s.store.CountDuplicateSubmissions(ctx, txn.IdempotencyKey)
	if err != nil {
		return TransactionStatus{}, err
	}
	return TransactionStatus{
		Transaction:          txn,
		ShouldRetry:          s.settings.TransactionPolicy.ShouldRetry(txn, s.clock.Now()),
		DuplicateSubmissions: dups,
	}, nil
}

// ListTransactions returns transactions matching f.
func (s *Service) ListTransactions(ctx context.Context, f store.TransactionFilter) ([]domain.Transaction, error) {
	return s.store.ListTransactions(ctx, f)
}

// DueForRetry returns owner's failed transactions below the attempt limit
// whose next retry is due, oldest first.
func (s *Service) DueForRetry(ctx context.Context, owner string) ([]domain.Transaction, error) {
	return s.store.DueTransactions(ctx, store.DueFilter{
		Owner:       owner,
		Now:         s.clock.Now(),
		MaxAttempts: s.settings.TransactionPolicy.MaxAttempts,
	})
}

// MarkSynced records a confirmed attempt on txn. txn must be the state read
// before the attempt; a concurrent change yields store.ErrStateConflict.
func (s *Service) MarkSynced(ctx context.Context, txn domain.Transaction, conf remote.Confirmation) error {
	return s.store.MarkTransactionSynced(ctx, store.AttemptOutcome{
		ID:               txn.ID,
		ExpectedAttempts: txn.AttemptCount,
		AttemptedAt:      s.clock.Now(),
		Response:         string(conf.Raw),
	})
}

// MarkFailed records an unconfirmed attempt on txn and returns the resulting
// status. The attempt count is incremented and the next retry computed from
// the backoff; a permanent cause or an exhausted attempt budget moves the
// transaction to dead_letter instead.
func (s *Service) MarkFailed(ctx context.Context, txn domain.Transaction, cause error) (domain.SyncStatus, error) {
	policy := s.settings.TransactionPolicy
	now := s.clock.Now()
	attempts := txn.AttemptCount + 1
	deadLetter := IsPermanent(cause) || policy.Exhausted(attempts)

	msg := ""
	if cause != nil {
		msg = cause.Error()
	}
	err := s.store.MarkTransactionFailed(ctx, store.AttemptOutcome{
		ID:               txn.ID,
		ExpectedAttempts: txn.AttemptCount,
		AttemptedAt:      now,
		Error:            msg,
		NextRetryAt:      policy.Backoff.NextAttempt(attempts, now),
	}, deadLetter)
	if err != nil {
		return "", err
	}

	if deadLetter {
		s.metrics.IncSyncDeadLettered()
		s.logger.Error("transaction dead-lettered",
			"transaction_id", txn.ID,
			"owner", txn.Owner,
			"attempts", attempts,
			"error", msg,
		)
		return domain.SyncDeadLetter, nil
	}

	s.logger.Warn("transaction sync failed",
		"transaction_id", txn.ID,
		"owner", txn.Owner,
		"attempts", attempts,
		"retry_in", policy.Backoff.Delay(attempts),
		"error", msg,
	)
	return domain.SyncFailed, nil
}
