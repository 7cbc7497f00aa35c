package engine

import (
	"context"
	"fmt"
)

// ArchiveOldestQueued archives all of owner's queued items except the keep
// newest by sequence. Archived items stay queryable; nothing is deleted.
func (s *Service) ArchiveOldestQueued(ctx context.Context, owner string, keep int) (int, error) {
	n, err := s.store.ArchiveOldestQueued(ctx, owner, keep, s.clock.Now())
	if err != nil {
		return 0, err
	}
	if n > 0 {
		s.metrics.AddArchived(int(n))
		s.logger.Warn("queue overflow, archived oldest queued items",
			"owner", owner,
			"archived", n,
			"kept", keep,
		)
	}
	return int(n), nil
}

// PurgeReport counts the rows removed by PurgeCompleted.
type PurgeReport struct {
	QueueItems   int `json:"queue_items"`
	Transactions int `json:"transactions"`
}

// PurgeCompleted hard-deletes completed queue items older than
// QueueRetention and synced transactions older than TransactionRetention.
// Dead-lettered, failed and archived records are never touched.
func (s *Service) PurgeCompleted(ctx context.Context) (PurgeReport, error) {
	now := s.clock.Now()

	items, err := s.store.PurgeCompletedQueueItems(ctx, now.Add(-s.settings.QueueRetention))
	if err != nil {
		return PurgeReport{}, err
	}
	txns, err := s.store.PurgeSyncedTransactions(ctx, now.Add(-s.settings.TransactionRetention))
	if err != nil {
		return PurgeReport{QueueItems: int(items)}, err
	}

	report := PurgeReport{QueueItems: int(items), Transactions: int(txns)}
	s.logger.Info("purged completed records",
		"queue_items", report.QueueItems,
		"transactions", report.Transactions,
	)
	return report, nil
}

// RecoverStale returns queue items that have been processing longer than
// StaleAttemptTimeout to queued, with attempts unchanged.
func (s *Service) RecoverStale(ctx context.Context) (int, error) {
	n, err := s.store.RecoverStaleProcessing(ctx, s.clock.Now().Add(-s.settings.StaleAttemptTimeout))
	if err != nil {
		return 0, err
	}
	if n > 0 {
		s.logger.Warn("recovered stale in-flight queue items", "count", n)
	}
	return int(n), nil
}

// PurgeDeadLetterTransaction deletes one dead-lettered transaction.
// Operator action only; any other status is refused.
func (s *Service) PurgeDeadLetterTransaction(ctx context.Context, id string) error {
	if err := s.store.DeleteDeadLetterTransaction(ctx, id); err != nil {
		return fmt.Errorf("purge dead-letter transaction: %w", err)
	}
	s.logger.Info("dead-letter transaction purged", "transaction_id", id)
	return nil
}

// SweepCache deletes expired cache entries.
func (s *Service) SweepCache(ctx context.Context) (int, error) {
	return s.cache.SweepExpired(ctx)
}
