package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/roach88/posync/internal/domain"
	"github.com/roach88/posync/internal/remote"
	"github.com/roach88/posync/internal/store"
)

// SyncOutcome is the result of one sync request for a transaction.
type SyncOutcome string

const (
	OutcomeSynced        SyncOutcome = "synced"
	OutcomeAlreadySynced SyncOutcome = "already_synced"
	OutcomeFailed        SyncOutcome = "failed"
	OutcomeDeadLetter    SyncOutcome = "dead_letter"
)

// SyncResult reports one sync request.
type SyncResult struct {
	TransactionID string      `json:"transaction_id"`
	Outcome       SyncOutcome `json:"outcome"`
	Attempts      int         `json:"attempts"`
	Error         string      `json:"error,omitempty"`
	RetryAt       time.Time   `json:"retry_at,omitzero"`
}

// RetryReport summarizes one retry pass.
type RetryReport struct {
	Attempted    int `json:"attempted"`
	Synced       int `json:"synced"`
	Failed       int `json:"failed"`
	DeadLettered int `json:"dead_lettered"`
	Skipped      int `json:"skipped"`
}

// SyncTransaction attempts to push one transaction to the remote now,
// regardless of its retry schedule.
//
// A synced transaction returns already_synced without a network call. A
// dead-lettered one returns an error matching ErrDeadLetter. Remote failures
// are recorded and reported in the result, not returned as errors. If ctx
// ends during the round trip the attempt is abandoned and the transaction
// keeps its pre-attempt state.
func (s *Service) SyncTransaction(ctx context.Context, id string) (SyncResult, error) {
	txn, err := s.store.GetTransaction(ctx, id)
	if err != nil {
		return SyncResult{}, err
	}

	switch txn.Status {
	case domain.SyncSynced:
		return SyncResult{TransactionID: id, Outcome: OutcomeAlreadySynced, Attempts: txn.AttemptCount}, nil
	case domain.SyncDeadLetter:
		return SyncResult{TransactionID: id, Outcome: OutcomeDeadLetter, Attempts: txn.AttemptCount}, deadLetterError(id)
	}

	return s.attemptTransaction(ctx, txn)
}

// RunTransactionRetries attempts every transaction due now, oldest first:
// pending ones and failed ones whose backoff has elapsed. An empty owner
// covers all owners. At most BatchSize transactions are attempted.
//
// Stops early when ctx ends; the in-flight attempt is abandoned.
func (s *Service) RunTransactionRetries(ctx context.Context, owner string) (RetryReport, error) {
	due, err := s.store.DueTransactions(ctx, store.DueFilter{
		Owner:          owner,
		Now:            s.clock.Now(),
		MaxAttempts:    s.settings.TransactionPolicy.MaxAttempts,
		IncludePending: true,
		Limit:          s.settings.BatchSize,
	})
	if err != nil {
		return RetryReport{}, fmt.Errorf("run transaction retries: %w", err)
	}

	var report RetryReport
	for _, txn := range due {
		if ctx.Err() != nil {
			return report, ctx.Err()
		}

		res, err := s.attemptTransaction(ctx, txn)
		switch {
		case errors.Is(err, store.ErrStateConflict):
			// Another worker changed the record during our attempt.
			report.Skipped++
			s.logger.Debug("transaction changed concurrently, skipping", "transaction_id", txn.ID)
			continue
		case err != nil:
			if ctx.Err() != nil {
				return report, ctx.Err()
			}
			return report, fmt.Errorf("run transaction retries: %w", err)
		}

		report.Attempted++
		switch res.Outcome {
		case OutcomeSynced:
			report.Synced++
		case OutcomeDeadLetter:
			report.DeadLettered++
		default:
			report.Failed++
		}
	}
	return report, nil
}

// attemptTransaction performs one round trip for txn and records the result.
func (s *Service) attemptTransaction(ctx context.Context, txn domain.Transaction) (SyncResult, error) {
	req := remote.TransactionRequest{
		IdempotencyKey:  txn.IdempotencyKey,
		TransactionType: txn.Type,
		TransactionData: txn.Payload,
		SyncAttempt:     txn.AttemptCount + 1,
	}

	start := time.Now()
	conf, callErr := s.remote.SyncTransaction(ctx, req)
	if ctx.Err() != nil {
		s.logger.Info("sync attempt abandoned", "transaction_id", txn.ID, "reason", ctx.Err())
		return SyncResult{}, ctx.Err()
	}
	s.metrics.ObserveSync(time.Since(start), callErr == nil)

	// Writes below must land even if ctx is cancelled after the round trip.
	wctx := context.WithoutCancel(ctx)

	if callErr == nil {
		if err := s.MarkSynced(wctx, txn, conf); err != nil {
			return SyncResult{}, fmt.Errorf("sync transaction %s: %w", txn.ID, err)
		}
		s.logger.Info("transaction synced",
			"transaction_id", txn.ID,
			"owner", txn.Owner,
			"attempts", txn.AttemptCount+1,
		)
		return SyncResult{TransactionID: txn.ID, Outcome: OutcomeSynced, Attempts: txn.AttemptCount + 1}, nil
	}

	cause := classifyRemoteError(txn.ID, callErr)
	status, err := s.MarkFailed(wctx, txn, cause)
	if err != nil {
		return SyncResult{}, fmt.Errorf("sync transaction %s: %w", txn.ID, err)
	}

	res := SyncResult{
		TransactionID: txn.ID,
		Attempts:      txn.AttemptCount + 1,
		Error:         cause.Error(),
	}
	if status == domain.SyncDeadLetter {
		res.Outcome = OutcomeDeadLetter
	} else {
		res.Outcome = OutcomeFailed
		res.RetryAt = s.settings.TransactionPolicy.Backoff.NextAttempt(res.Attempts, s.clock.Now())
	}
	return res, nil
}
