package engine

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/posync/internal/domain"
	"github.com/roach88/posync/internal/testutil"
)

func TestEnqueue_AssignsIncreasingSequence(t *testing.T) {
	f := setupTestService(t)

	items := f.mustEnqueue(t, "user1", 3)
	other := f.mustEnqueue(t, "user2", 1)

	for i, item := range items {
		assert.Equal(t, int64(i+1), item.Sequence)
		assert.Equal(t, domain.QueueQueued, item.Status)
	}
	assert.Equal(t, int64(1), other[0].Sequence, "sequences are per owner")
}

func TestEnqueue_RejectsInvalidInput(t *testing.T) {
	f := setupTestService(t)
	ctx := t.Context()

	_, err := f.svc.Enqueue(ctx, "", domain.ItemOrder, []byte(`{}`))
	assert.True(t, IsInvalidRequest(err))

	_, err = f.svc.Enqueue(ctx, "user1", "teleport", []byte(`{}`))
	assert.True(t, IsInvalidRequest(err))

	_, err = f.svc.Enqueue(ctx, "user1", domain.ItemOrder, []byte(`{`))
	assert.True(t, IsInvalidRequest(err))
}

func TestEnqueue_OverflowArchivesOldest(t *testing.T) {
	f := setupTestService(t)
	ctx := t.Context()

	items := f.mustEnqueue(t, "user1", DefaultOverflowThreshold+1)

	stats, err := f.svc.GetQueueStats(ctx, "user1")
	require.NoError(t, err)
	assert.Equal(t, DefaultOverflowThreshold+1, stats.Total)
	assert.Equal(t, DefaultKeepRecent, stats.Queued)
	assert.Equal(t, DefaultOverflowThreshold+1-DefaultKeepRecent, stats.Archived)
	assert.False(t, stats.Overflow)

	oldest, err := f.svc.GetQueueItem(ctx, items[0].ID)
	require.NoError(t, err)
	assert.Equal(t, domain.QueueArchived, oldest.Status)
	assert.False(t, oldest.ArchivedAt.IsZero())

	newest := items[len(items)-1]
	assert.Equal(t, domain.QueueQueued, newest.Status)

	next, ok, err := f.svc.DequeueNext(ctx, "user1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, int64(DefaultOverflowThreshold+1-DefaultKeepRecent+1), next.Sequence)

	assert.EqualValues(t, DefaultOverflowThreshold+1-DefaultKeepRecent, f.svc.Metrics().Snapshot().QueueArchived)
}

func TestEnqueueTransaction_LinksTransaction(t *testing.T) {
	f := setupTestService(t)
	ctx := t.Context()

	created := f.mustCreate(t, "user1", "7", `{"amount":7}`)

	item, err := f.svc.EnqueueTransaction(ctx, created.TransactionID)
	require.NoError(t, err)
	assert.Equal(t, created.TransactionID, item.TransactionID)
	assert.Equal(t, domain.ItemOrder, item.Type)
	assert.Equal(t, "user1", item.Owner)
	assert.JSONEq(t, `{"amount":7}`, string(item.Data))
}

func TestDequeueNext_FIFOSkipsArchived(t *testing.T) {
	f := setupTestService(t)
	ctx := t.Context()

	items := f.mustEnqueue(t, "user1", 5)
	_, err := f.svc.ArchiveOldestQueued(ctx, "user1", 3)
	require.NoError(t, err)

	var seen []int64
	for {
		next, ok, err := f.svc.DequeueNext(ctx, "user1")
		require.NoError(t, err)
		if !ok {
			break
		}
		seen = append(seen, next.Sequence)
		_, err = f.svc.ProcessItem(ctx, next.ID)
		require.NoError(t, err)
	}
	assert.Equal(t, []int64{3, 4, 5}, seen)

	archived, err := f.svc.GetQueueItem(ctx, items[0].ID)
	require.NoError(t, err)
	assert.Equal(t, domain.QueueArchived, archived.Status)
}

func TestProcessItem_CompletesAndRecordsTiming(t *testing.T) {
	f := setupTestService(t)
	ctx := t.Context()

	item := f.mustEnqueue(t, "user1", 1)[0]

	res, err := f.svc.ProcessItem(ctx, item.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.QueueCompleted, res.Status)

	got, err := f.svc.GetQueueItem(ctx, item.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.QueueCompleted, got.Status)
	assert.Equal(t, f.clock.Now(), got.CompletedAt)
	assert.Zero(t, got.Attempts)
}

func TestProcessItem_CompletedIsNoop(t *testing.T) {
	f := setupTestService(t)
	ctx := t.Context()

	item := f.mustEnqueue(t, "user1", 1)[0]
	_, err := f.svc.ProcessItem(ctx, item.ID)
	require.NoError(t, err)

	res, err := f.svc.ProcessItem(ctx, item.ID)
	require.NoError(t, err)
	assert.True(t, res.Noop)
	assert.Equal(t, domain.QueueCompleted, res.Status)
	assert.Len(t, f.remote.Calls(), 1)
}

func TestProcessItem_DeadLetterAfterMaxAttempts(t *testing.T) {
	f := setupTestService(t)
	ctx := t.Context()
	f.remote.SetDefault(testutil.Transient("down"))

	item := f.mustEnqueue(t, "user1", 1)[0]

	for attempt := 1; attempt <= domain.DefaultQueueMaxAttempts; attempt++ {
		report, err := f.svc.ProcessQueue(ctx, "user1")
		require.NoError(t, err)
		require.Equal(t, 1, report.Processed, "attempt %d", attempt)
		f.clock.Advance(domain.DefaultBackoff.Delay(attempt))
	}

	got, err := f.svc.GetQueueItem(ctx, item.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.QueueDeadLetter, got.Status)
	assert.Equal(t, domain.DefaultQueueMaxAttempts, got.Attempts)

	_, err = f.svc.ProcessItem(ctx, item.ID)
	assert.ErrorIs(t, err, ErrDeadLetter)

	report, err := f.svc.ProcessQueue(ctx, "user1")
	require.NoError(t, err)
	assert.Zero(t, report.Processed)

	dead, err := f.svc.ListDeadLetter(ctx, "user1")
	require.NoError(t, err)
	require.Len(t, dead, 1)
	assert.Equal(t, item.ID, dead[0].ID)
}

func TestProcessItem_PermanentRejectionDeadLetters(t *testing.T) {
	f := setupTestService(t)
	f.remote.Script(testutil.Permanent("rejected"))

	item := f.mustEnqueue(t, "user1", 1)[0]

	res, err := f.svc.ProcessItem(t.Context(), item.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.QueueDeadLetter, res.Status)
	assert.Contains(t, res.Error, string(ErrCodeRemoteRejected))
}

func TestProcessItem_ArchivedRefused(t *testing.T) {
	f := setupTestService(t)
	ctx := t.Context()

	items := f.mustEnqueue(t, "user1", 2)
	_, err := f.svc.ArchiveOldestQueued(ctx, "user1", 1)
	require.NoError(t, err)

	_, err = f.svc.ProcessItem(ctx, items[0].ID)
	var se *SyncError
	require.True(t, errors.As(err, &se))
	assert.Equal(t, ErrCodeArchived, se.Code)
	assert.Empty(t, f.remote.Calls())
}

func TestProcessItem_CancelledAttemptReleasesItem(t *testing.T) {
	f := setupTestService(t)
	f.remote.Script(testutil.Blocking())

	item := f.mustEnqueue(t, "user1", 1)[0]

	ctx, cancel := context.WithTimeout(t.Context(), 20*time.Millisecond)
	defer cancel()

	_, err := f.svc.ProcessItem(ctx, item.ID)
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	got, err := f.svc.GetQueueItem(t.Context(), item.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.QueueQueued, got.Status)
	assert.Zero(t, got.Attempts)
}

func TestProcessQueue_FailedItemDoesNotBlock(t *testing.T) {
	f := setupTestService(t)
	ctx := t.Context()
	f.remote.Script(testutil.Transient("busy"))

	items := f.mustEnqueue(t, "user1", 3)

	report, err := f.svc.ProcessQueue(ctx, "user1")
	require.NoError(t, err)
	assert.Equal(t, QueueReport{Processed: 3, Completed: 2, Failed: 1}, report)

	first, err := f.svc.GetQueueItem(ctx, items[0].ID)
	require.NoError(t, err)
	assert.Equal(t, domain.QueueFailed, first.Status)
	assert.Equal(t, 1, first.Attempts)
	assert.Equal(t, f.clock.Now().Add(5*time.Second), first.NextAttemptAt)

	// Retried once its backoff has elapsed.
	f.clock.Advance(5 * time.Second)
	report, err = f.svc.ProcessQueue(ctx, "user1")
	require.NoError(t, err)
	assert.Equal(t, QueueReport{Processed: 1, Completed: 1}, report)

	stats, err := f.svc.GetQueueStats(ctx, "user1")
	require.NoError(t, err)
	assert.Equal(t, 3, stats.Completed)
}

func TestProcessQueue_SequenceOrder(t *testing.T) {
	f := setupTestService(t)

	items := f.mustEnqueue(t, "user1", 4)

	_, err := f.svc.ProcessQueue(t.Context(), "user1")
	require.NoError(t, err)

	calls := f.remote.Calls()
	require.Len(t, calls, len(items))
	for i, item := range items {
		assert.Equal(t, item.ID, calls[i].Key)
	}
}

func TestRequeueDeadLetter(t *testing.T) {
	f := setupTestService(t)
	ctx := t.Context()
	f.remote.Script(testutil.Permanent("rejected"))

	item := f.mustEnqueue(t, "user1", 1)[0]
	_, err := f.svc.ProcessItem(ctx, item.ID)
	require.NoError(t, err)

	require.NoError(t, f.svc.RequeueDeadLetter(ctx, item.ID))

	got, err := f.svc.GetQueueItem(ctx, item.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.QueueQueued, got.Status)
	assert.Zero(t, got.Attempts)
	assert.Equal(t, item.Sequence, got.Sequence)

	res, err := f.svc.ProcessItem(ctx, item.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.QueueCompleted, res.Status)
}
