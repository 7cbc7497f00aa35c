package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/roach88/posync/internal/domain"
	"github.com/roach88/posync/internal/remote"
	"github.com/roach88/posync/internal/store"
)

// Enqueue appends a work item to owner's queue and returns it with its
// sequence number assigned.
//
// If the owner's queued count exceeds OverflowThreshold after the insert, all
// but the KeepRecent newest queued items are archived before returning.
// Archival is not an error; it is logged at warn level.
func (s *Service) Enqueue(ctx context.Context, owner string, itemType domain.ItemType, data json.RawMessage) (domain.QueueItem, error) {
	return s.enqueue(ctx, owner, itemType, data, "")
}

// EnqueueTransaction enqueues a copy of a transaction's payload as a work
// item of the matching type, linked by transaction ID.
func (s *Service) EnqueueTransaction(ctx context.Context, transactionID string) (domain.QueueItem, error) {
	txn, err := s.store.GetTransaction(ctx, transactionID)
	if err != nil {
		return domain.QueueItem{}, err
	}
	return s.enqueue(ctx, txn.Owner, domain.ItemType(txn.Type), txn.Payload, txn.ID)
}

func (s *Service) enqueue(ctx context.Context, owner string, itemType domain.ItemType, data json.RawMessage, txnID string) (domain.QueueItem, error) {
	switch {
	case owner == "":
		return domain.QueueItem{}, invalidRequest("owner is required")
	case !itemType.Valid():
		return domain.QueueItem{}, invalidRequest("unknown item type %q", itemType)
	}

	canonical, err := domain.CanonicalizeJSON(data)
	if err != nil {
		return domain.QueueItem{}, invalidRequest("item data is not valid JSON: %v", err)
	}

	now := s.clock.Now()
	item, queued, err := s.store.InsertQueueItem(ctx, domain.QueueItem{
		ID:            s.ids.Generate(),
		Owner:         owner,
		TransactionID: txnID,
		Type:          itemType,
		Data:          canonical,
		CreatedAt:     now,
	})
	if err != nil {
		return domain.QueueItem{}, fmt.Errorf("enqueue: %w", err)
	}
	s.metrics.IncEnqueued()
	s.logger.Debug("item enqueued",
		"owner", owner,
		"item_id", item.ID,
		"sequence", item.Sequence,
		"type", itemType,
	)

	if queued > s.settings.OverflowThreshold {
		if _, err := s.ArchiveOldestQueued(ctx, owner, s.settings.KeepRecent); err != nil {
			return item, fmt.Errorf("enqueue: %w", err)
		}
		// The new item is the newest, so it survives archival unless keep is 0.
		if refreshed, err := s.store.GetQueueItem(ctx, item.ID); err == nil {
			item = refreshed
		}
	}
	return item, nil
}

// DequeueNext returns owner's lowest-sequence queued item without claiming
// it. The boolean is false when nothing is queued.
func (s *Service) DequeueNext(ctx context.Context, owner string) (domain.QueueItem, bool, error) {
	item, err := s.store.NextQueued(ctx, owner)
	if errors.Is(err, store.ErrNotFound) {
		return domain.QueueItem{}, false, nil
	}
	if err != nil {
		return domain.QueueItem{}, false, err
	}
	return item, true, nil
}

// ProcessResult reports one processing request.
type ProcessResult struct {
	ItemID  string             `json:"item_id"`
	Status  domain.QueueStatus `json:"status"`
	Noop    bool               `json:"noop,omitempty"`
	Error   string             `json:"error,omitempty"`
	RetryAt time.Time          `json:"retry_at,omitzero"`
}

// ProcessItem executes one queue item against the remote.
//
// A completed item is a no-op success. A dead-lettered item returns an error
// matching ErrDeadLetter; an archived or in-flight item is refused likewise.
// Otherwise the item is claimed, executed and moved to completed, failed or
// dead_letter. Remote failures are reported in the result, not as errors. If
// ctx ends during the round trip the item is released to its prior status
// without counting an attempt.
func (s *Service) ProcessItem(ctx context.Context, id string) (ProcessResult, error) {
	item, err := s.store.GetQueueItem(ctx, id)
	if err != nil {
		return ProcessResult{}, err
	}

	switch item.Status {
	case domain.QueueCompleted:
		return ProcessResult{ItemID: id, Status: item.Status, Noop: true}, nil
	case domain.QueueDeadLetter:
		return ProcessResult{ItemID: id, Status: item.Status}, deadLetterError(id)
	case domain.QueueArchived:
		return ProcessResult{ItemID: id, Status: item.Status}, &SyncError{
			Code:      ErrCodeArchived,
			Message:   "item was archived by overflow handling",
			ID:        id,
			Permanent: true,
		}
	case domain.QueueProcessing:
		return ProcessResult{ItemID: id, Status: item.Status}, &SyncError{
			Code:    ErrCodeInFlight,
			Message: "item is being processed",
			ID:      id,
		}
	}

	return s.processClaimed(ctx, item)
}

func (s *Service) processClaimed(ctx context.Context, item domain.QueueItem) (ProcessResult, error) {
	started := s.clock.Now()
	prev, err := s.store.ClaimQueueItem(ctx, item.ID, started)
	if err != nil {
		if errors.Is(err, store.ErrStateConflict) {
			return ProcessResult{ItemID: item.ID}, &SyncError{
				Code:    ErrCodeInFlight,
				Message: "item changed before it could be claimed",
				ID:      item.ID,
				Err:     err,
			}
		}
		return ProcessResult{}, err
	}

	conf, callErr := s.remote.ProcessItem(ctx, remote.ItemRequest{
		ItemID:        item.ID,
		Owner:         item.Owner,
		Sequence:      item.Sequence,
		ItemType:      item.Type,
		ItemData:      item.Data,
		TransactionID: item.TransactionID,
		Attempt:       item.Attempts + 1,
	})

	// Writes below must land even if ctx is cancelled after the round trip.
	wctx := context.WithoutCancel(ctx)

	if ctx.Err() != nil {
		if err := s.store.ReleaseQueueItem(wctx, item.ID, prev); err != nil {
			return ProcessResult{}, fmt.Errorf("release abandoned item %s: %w", item.ID, err)
		}
		s.logger.Info("queue attempt abandoned", "item_id", item.ID, "reason", ctx.Err())
		return ProcessResult{}, ctx.Err()
	}

	now := s.clock.Now()
	took := now.Sub(started)

	if callErr == nil {
		if err := s.store.CompleteQueueItem(wctx, item.ID, now, took); err != nil {
			return ProcessResult{}, err
		}
		s.metrics.IncQueueCompleted()
		s.logger.Info("queue item completed",
			"item_id", item.ID,
			"owner", item.Owner,
			"sequence", item.Sequence,
			"reference", conf.Reference,
		)
		return ProcessResult{ItemID: item.ID, Status: domain.QueueCompleted}, nil
	}

	cause := classifyRemoteError(item.ID, callErr)
	policy := s.settings.QueuePolicy
	attempts := item.Attempts + 1
	deadLetter := cause.Permanent || policy.Exhausted(attempts)
	next := policy.Backoff.NextAttempt(attempts, now)

	err = s.store.FailQueueItem(wctx, store.QueueFailure{
		ID:            item.ID,
		At:            now,
		Took:          took,
		Error:         cause.Error(),
		NextAttemptAt: next,
	}, deadLetter)
	if err != nil {
		return ProcessResult{}, err
	}

	res := ProcessResult{ItemID: item.ID, Error: cause.Error()}
	if deadLetter {
		s.metrics.IncQueueDeadLettered()
		s.logger.Error("queue item dead-lettered",
			"item_id", item.ID,
			"owner", item.Owner,
			"attempts", attempts,
			"error", cause.Error(),
		)
		res.Status = domain.QueueDeadLetter
		return res, nil
	}

	s.metrics.IncQueueFailed()
	s.logger.Warn("queue item failed",
		"item_id", item.ID,
		"owner", item.Owner,
		"attempts", attempts,
		"retry_in", policy.Backoff.Delay(attempts),
		"error", cause.Error(),
	)
	res.Status = domain.QueueFailed
	res.RetryAt = next
	return res, nil
}

// QueueReport summarizes one queue processing pass.
type QueueReport struct {
	Processed    int `json:"processed"`
	Completed    int `json:"completed"`
	Failed       int `json:"failed"`
	DeadLettered int `json:"dead_lettered"`
	Skipped      int `json:"skipped"`
}

// ProcessQueue drains owner's due items in sequence order: queued items and
// failed items whose backoff has elapsed. A failed item does not block the
// items behind it. At most BatchSize items are processed.
func (s *Service) ProcessQueue(ctx context.Context, owner string) (QueueReport, error) {
	due, err := s.store.DueQueueItems(ctx, store.QueueDueFilter{
		Owner:       owner,
		Now:         s.clock.Now(),
		MaxAttempts: s.settings.QueuePolicy.MaxAttempts,
		Limit:       s.settings.BatchSize,
	})
	if err != nil {
		return QueueReport{}, fmt.Errorf("process queue %s: %w", owner, err)
	}

	var report QueueReport
	for _, item := range due {
		if ctx.Err() != nil {
			return report, ctx.Err()
		}

		res, err := s.processClaimed(ctx, item)
		if err != nil {
			var se *SyncError
			if errors.As(err, &se) && se.Code == ErrCodeInFlight {
				report.Skipped++
				continue
			}
			if ctx.Err() != nil {
				return report, ctx.Err()
			}
			return report, fmt.Errorf("process queue %s: %w", owner, err)
		}

		report.Processed++
		switch res.Status {
		case domain.QueueCompleted:
			report.Completed++
		case domain.QueueDeadLetter:
			report.DeadLettered++
		default:
			report.Failed++
		}
	}
	return report, nil
}

// ProcessAllQueues runs ProcessQueue for every owner with queued or failed
// items. Reports are keyed by owner.
func (s *Service) ProcessAllQueues(ctx context.Context) (map[string]QueueReport, error) {
	owners, err := s.store.QueueOwnersWithWork(ctx)
	if err != nil {
		return nil, err
	}
	reports := make(map[string]QueueReport, len(owners))
	for _, owner := range owners {
		r, err := s.ProcessQueue(ctx, owner)
		reports[owner] = r
		if err != nil {
			return reports, err
		}
	}
	return reports, nil
}

// GetQueueItem returns one queue item.
func (s *Service) GetQueueItem(ctx context.Context, id string) (domain.QueueItem, error) {
	return s.store.GetQueueItem(ctx, id)
}

// GetQueueStats counts owner's items per status.
func (s *Service) GetQueueStats(ctx context.Context, owner string) (domain.QueueStats, error) {
	return s.store.QueueStats(ctx, owner, s.settings.OverflowThreshold)
}

// ListQueueItems returns queue items matching f.
func (s *Service) ListQueueItems(ctx context.Context, f store.QueueFilter) ([]domain.QueueItem, error) {
	return s.store.ListQueueItems(ctx, f)
}

// ListDeadLetter returns owner's dead-lettered items in sequence order.
func (s *Service) ListDeadLetter(ctx context.Context, owner string) ([]domain.QueueItem, error) {
	return s.store.ListQueueItems(ctx, store.QueueFilter{Owner: owner, Status: domain.QueueDeadLetter})
}

// RequeueDeadLetter returns a dead-lettered item to the queue with its
// attempts reset. Operator action only.
func (s *Service) RequeueDeadLetter(ctx context.Context, id string) error {
	if err := s.store.RequeueDeadLetter(ctx, id); err != nil {
		return err
	}
	s.logger.Info("dead-letter item requeued", "item_id", id)
	return nil
}
