package store

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/posync/internal/domain"
)

func TestInsertQueueItem_AssignsSequencePerOwner(t *testing.T) {
	s := createTestStore(t)
	ctx := t.Context()

	a1, queued, err := s.InsertQueueItem(ctx, createTestQueueItem("a1", "user1", testEpoch))
	require.NoError(t, err)
	assert.EqualValues(t, 1, a1.Sequence)
	assert.Equal(t, 1, queued)
	assert.Equal(t, domain.QueueQueued, a1.Status)

	b1, _, err := s.InsertQueueItem(ctx, createTestQueueItem("b1", "user2", testEpoch))
	require.NoError(t, err)
	assert.EqualValues(t, 1, b1.Sequence)

	a2, queued, err := s.InsertQueueItem(ctx, createTestQueueItem("a2", "user1", testEpoch))
	require.NoError(t, err)
	assert.EqualValues(t, 2, a2.Sequence)
	assert.Equal(t, 2, queued)
}

func TestInsertQueueItem_SequenceNotReusedAfterPurge(t *testing.T) {
	s := createTestStore(t)
	ctx := t.Context()

	items := enqueueN(t, s, "user1", "q", 3)
	for _, item := range items {
		_, err := s.ClaimQueueItem(ctx, item.ID, testEpoch)
		require.NoError(t, err)
		require.NoError(t, s.CompleteQueueItem(ctx, item.ID, testEpoch, time.Millisecond))
	}
	n, err := s.PurgeCompletedQueueItems(ctx, testEpoch.Add(time.Hour))
	require.NoError(t, err)
	assert.EqualValues(t, 3, n)

	next, _, err := s.InsertQueueItem(ctx, createTestQueueItem("q-4", "user1", testEpoch))
	require.NoError(t, err)
	assert.EqualValues(t, 4, next.Sequence)
}

func TestInsertQueueItem_LinksTransaction(t *testing.T) {
	s := createTestStore(t)
	ctx := t.Context()

	_, _, err := s.InsertTransaction(ctx, createTestTransaction("txn-1", "user1", testEpoch))
	require.NoError(t, err)

	item := createTestQueueItem("q1", "user1", testEpoch)
	item.TransactionID = "txn-1"
	_, _, err = s.InsertQueueItem(ctx, item)
	require.NoError(t, err)

	got, err := s.GetQueueItem(ctx, "q1")
	require.NoError(t, err)
	assert.Equal(t, "txn-1", got.TransactionID)
	assert.JSONEq(t, `{"n":"q1"}`, string(got.Data))

	_, err = s.GetQueueItem(ctx, "missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestNextQueued_FIFO(t *testing.T) {
	s := createTestStore(t)
	ctx := t.Context()

	enqueueN(t, s, "user1", "q", 3)

	var seqs []int64
	for {
		item, err := s.NextQueued(ctx, "user1")
		if err != nil {
			assert.ErrorIs(t, err, ErrNotFound)
			break
		}
		seqs = append(seqs, item.Sequence)
		_, err = s.ClaimQueueItem(ctx, item.ID, testEpoch)
		require.NoError(t, err)
		require.NoError(t, s.CompleteQueueItem(ctx, item.ID, testEpoch, 0))
	}
	assert.Equal(t, []int64{1, 2, 3}, seqs)
}

func TestClaimQueueItem_Transitions(t *testing.T) {
	s := createTestStore(t)
	ctx := t.Context()

	enqueueN(t, s, "user1", "q", 1)

	prev, err := s.ClaimQueueItem(ctx, "q-1", testEpoch)
	require.NoError(t, err)
	assert.Equal(t, domain.QueueQueued, prev)

	_, err = s.ClaimQueueItem(ctx, "q-1", testEpoch)
	assert.ErrorIs(t, err, ErrStateConflict, "processing items cannot be claimed twice")

	require.NoError(t, s.FailQueueItem(ctx, QueueFailure{
		ID: "q-1", At: testEpoch, Error: "boom", NextAttemptAt: testEpoch.Add(5 * time.Second),
	}, false))

	got, err := s.GetQueueItem(ctx, "q-1")
	require.NoError(t, err)
	assert.Equal(t, domain.QueueFailed, got.Status)
	assert.Equal(t, 1, got.Attempts)
	assert.Equal(t, "boom", got.LastError)
	assert.True(t, got.ProcessingStartedAt.IsZero())

	prev, err = s.ClaimQueueItem(ctx, "q-1", testEpoch)
	require.NoError(t, err)
	assert.Equal(t, domain.QueueFailed, prev)

	require.NoError(t, s.ReleaseQueueItem(ctx, "q-1", prev))
	got, err = s.GetQueueItem(ctx, "q-1")
	require.NoError(t, err)
	assert.Equal(t, domain.QueueFailed, got.Status)
	assert.Equal(t, 1, got.Attempts, "release does not count an attempt")

	_, err = s.ClaimQueueItem(ctx, "missing", testEpoch)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestCompleteQueueItem_RecordsProcessingTime(t *testing.T) {
	s := createTestStore(t)
	ctx := t.Context()

	enqueueN(t, s, "user1", "q", 1)
	_, err := s.ClaimQueueItem(ctx, "q-1", testEpoch)
	require.NoError(t, err)

	done := testEpoch.Add(250 * time.Millisecond)
	require.NoError(t, s.CompleteQueueItem(ctx, "q-1", done, 250*time.Millisecond))

	got, err := s.GetQueueItem(ctx, "q-1")
	require.NoError(t, err)
	assert.Equal(t, domain.QueueCompleted, got.Status)
	assert.Equal(t, 250*time.Millisecond, got.ProcessingTime)
	assert.True(t, got.CompletedAt.Equal(done))

	assert.ErrorIs(t, s.CompleteQueueItem(ctx, "q-1", done, 0), ErrStateConflict)
}

func TestFailQueueItem_DeadLetterIsTerminal(t *testing.T) {
	s := createTestStore(t)
	ctx := t.Context()

	enqueueN(t, s, "user1", "q", 1)
	_, err := s.ClaimQueueItem(ctx, "q-1", testEpoch)
	require.NoError(t, err)
	require.NoError(t, s.FailQueueItem(ctx, QueueFailure{ID: "q-1", At: testEpoch, Error: "rejected"}, true))

	_, err = s.ClaimQueueItem(ctx, "q-1", testEpoch)
	assert.ErrorIs(t, err, ErrStateConflict)

	due, err := s.DueQueueItems(ctx, QueueDueFilter{Owner: "user1", Now: testEpoch.Add(24 * time.Hour), MaxAttempts: 5})
	require.NoError(t, err)
	assert.Empty(t, due)

	dead, err := s.ListQueueItems(ctx, QueueFilter{Owner: "user1", Status: domain.QueueDeadLetter})
	require.NoError(t, err)
	require.Len(t, dead, 1)
	assert.Equal(t, 1, dead[0].Attempts)
}

func TestRequeueDeadLetter(t *testing.T) {
	s := createTestStore(t)
	ctx := t.Context()

	enqueueN(t, s, "user1", "q", 2)
	_, err := s.ClaimQueueItem(ctx, "q-1", testEpoch)
	require.NoError(t, err)
	require.NoError(t, s.FailQueueItem(ctx, QueueFailure{ID: "q-1", At: testEpoch}, true))

	assert.ErrorIs(t, s.RequeueDeadLetter(ctx, "q-2"), ErrStateConflict)
	require.NoError(t, s.RequeueDeadLetter(ctx, "q-1"))

	next, err := s.NextQueued(ctx, "user1")
	require.NoError(t, err)
	assert.Equal(t, "q-1", next.ID, "requeued item keeps its FIFO position")
	assert.Equal(t, 0, next.Attempts)
}

func TestDueQueueItems_IncludesDueFailed(t *testing.T) {
	s := createTestStore(t)
	ctx := t.Context()
	now := testEpoch.Add(time.Hour)

	enqueueN(t, s, "user1", "q", 4)
	fail := func(id string, next time.Time) {
		_, err := s.ClaimQueueItem(ctx, id, testEpoch)
		require.NoError(t, err)
		require.NoError(t, s.FailQueueItem(ctx, QueueFailure{ID: id, At: testEpoch, NextAttemptAt: next}, false))
	}
	fail("q-1", now.Add(-time.Second))
	fail("q-2", now.Add(time.Minute))

	due, err := s.DueQueueItems(ctx, QueueDueFilter{Owner: "user1", Now: now, MaxAttempts: 5})
	require.NoError(t, err)
	assert.Equal(t, []string{"q-1", "q-3", "q-4"}, queueIDs(due))

	due, err = s.DueQueueItems(ctx, QueueDueFilter{Owner: "user1", Now: now, MaxAttempts: 1})
	require.NoError(t, err)
	assert.Equal(t, []string{"q-3", "q-4"}, queueIDs(due), "exhausted items are not due")

	due, err = s.DueQueueItems(ctx, QueueDueFilter{Owner: "user1", Now: now, MaxAttempts: 5, Limit: 1})
	require.NoError(t, err)
	assert.Equal(t, []string{"q-1"}, queueIDs(due))
}

func TestRecoverStaleProcessing(t *testing.T) {
	s := createTestStore(t)
	ctx := t.Context()

	enqueueN(t, s, "user1", "q", 2)
	_, err := s.ClaimQueueItem(ctx, "q-1", testEpoch)
	require.NoError(t, err)
	_, err = s.ClaimQueueItem(ctx, "q-2", testEpoch.Add(time.Hour))
	require.NoError(t, err)

	n, err := s.RecoverStaleProcessing(ctx, testEpoch.Add(30*time.Minute))
	require.NoError(t, err)
	assert.EqualValues(t, 1, n)

	got, err := s.GetQueueItem(ctx, "q-1")
	require.NoError(t, err)
	assert.Equal(t, domain.QueueQueued, got.Status)
	assert.Equal(t, 0, got.Attempts)

	got, err = s.GetQueueItem(ctx, "q-2")
	require.NoError(t, err)
	assert.Equal(t, domain.QueueProcessing, got.Status)
}

func TestArchiveOldestQueued(t *testing.T) {
	s := createTestStore(t)
	ctx := t.Context()

	enqueueN(t, s, "user1", "q", 10)
	enqueueN(t, s, "user2", "other", 3)

	n, err := s.ArchiveOldestQueued(ctx, "user1", 4, testEpoch)
	require.NoError(t, err)
	assert.EqualValues(t, 6, n)

	queued, err := s.ListQueueItems(ctx, QueueFilter{Owner: "user1", Status: domain.QueueQueued})
	require.NoError(t, err)
	assert.Equal(t, []string{"q-7", "q-8", "q-9", "q-10"}, queueIDs(queued))

	archived, err := s.ListQueueItems(ctx, QueueFilter{Owner: "user1", Status: domain.QueueArchived})
	require.NoError(t, err)
	require.Len(t, archived, 6)
	for _, item := range archived {
		assert.True(t, item.ArchivedAt.Equal(testEpoch))
	}

	stats, err := s.QueueStats(ctx, "user2", 1000)
	require.NoError(t, err)
	assert.Equal(t, 3, stats.Queued, "other owners are untouched")

	n, err = s.ArchiveOldestQueued(ctx, "user1", 0, testEpoch)
	require.NoError(t, err)
	assert.EqualValues(t, 4, n)
}

func TestQueueStats(t *testing.T) {
	s := createTestStore(t)
	ctx := t.Context()

	enqueueN(t, s, "user1", "q", 5)
	_, err := s.ClaimQueueItem(ctx, "q-1", testEpoch)
	require.NoError(t, err)
	require.NoError(t, s.CompleteQueueItem(ctx, "q-1", testEpoch, 0))
	_, err = s.ClaimQueueItem(ctx, "q-2", testEpoch)
	require.NoError(t, err)
	require.NoError(t, s.FailQueueItem(ctx, QueueFailure{ID: "q-2", At: testEpoch}, false))
	_, err = s.ClaimQueueItem(ctx, "q-3", testEpoch)
	require.NoError(t, err)

	stats, err := s.QueueStats(ctx, "user1", 1)
	require.NoError(t, err)
	assert.Equal(t, domain.QueueStats{
		Total:      5,
		Queued:     2,
		Processing: 1,
		Completed:  1,
		Failed:     1,
		Overflow:   true,
	}, stats)

	stats, err = s.QueueStats(ctx, "nobody", 1000)
	require.NoError(t, err)
	assert.Equal(t, domain.QueueStats{}, stats)
}

func TestQueueOwnersWithWork(t *testing.T) {
	s := createTestStore(t)
	ctx := t.Context()

	enqueueN(t, s, "user2", "b", 1)
	enqueueN(t, s, "user1", "a", 1)
	enqueueN(t, s, "user3", "c", 1)
	_, err := s.ClaimQueueItem(ctx, "c-1", testEpoch)
	require.NoError(t, err)
	require.NoError(t, s.CompleteQueueItem(ctx, "c-1", testEpoch, 0))

	owners, err := s.QueueOwnersWithWork(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"user1", "user2"}, owners)
}

func queueIDs(items []domain.QueueItem) []string {
	ids := make([]string, len(items))
	for i, item := range items {
		ids[i] = item.ID
	}
	return ids
}
