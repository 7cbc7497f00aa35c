package store

import (
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/posync/internal/domain"
)

func TestInsertTransaction_New(t *testing.T) {
	s := createTestStore(t)
	ctx := t.Context()

	txn := createTestTransaction("txn-1", "user1", testEpoch)
	stored, inserted, err := s.InsertTransaction(ctx, txn)
	require.NoError(t, err)
	assert.True(t, inserted)
	assert.Equal(t, "txn-1", stored.ID)
	assert.Equal(t, domain.SyncPending, stored.Status)
	assert.Equal(t, 0, stored.AttemptCount)
	assert.True(t, stored.CreatedAt.Equal(testEpoch))
	assert.JSONEq(t, `{"amount":100}`, string(stored.Payload))
}

func TestInsertTransaction_DuplicateReturnsOriginal(t *testing.T) {
	s := createTestStore(t)
	ctx := t.Context()

	first := createTestTransaction("txn-1", "user1", testEpoch)
	_, _, err := s.InsertTransaction(ctx, first)
	require.NoError(t, err)

	second := first
	second.ID = "txn-2"
	second.Payload = json.RawMessage(`{"amount":999}`)
	second.CreatedAt = testEpoch.Add(time.Second)

	stored, inserted, err := s.InsertTransaction(ctx, second)
	require.NoError(t, err)
	assert.False(t, inserted)
	assert.Equal(t, "txn-1", stored.ID)
	assert.JSONEq(t, `{"amount":100}`, string(stored.Payload))
	assert.True(t, stored.CreatedAt.Equal(testEpoch))

	_, err = s.GetTransaction(ctx, "txn-2")
	assert.ErrorIs(t, err, ErrNotFound)

	n, err := s.CountDuplicateSubmissions(ctx, first.IdempotencyKey)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestInsertTransaction_KeyHeldByOtherOwnerNotAudited(t *testing.T) {
	s := createTestStore(t)
	ctx := t.Context()

	first := createTestTransaction("txn-1", "alice", testEpoch)
	_, _, err := s.InsertTransaction(ctx, first)
	require.NoError(t, err)

	second := first
	second.ID = "txn-2"
	second.Owner = "bob"

	stored, inserted, err := s.InsertTransaction(ctx, second)
	require.NoError(t, err)
	assert.False(t, inserted)
	assert.Equal(t, "alice", stored.Owner)

	n, err := s.CountDuplicateSubmissions(ctx, first.IdempotencyKey)
	require.NoError(t, err)
	assert.Equal(t, 0, n)
}

func TestInsertTransaction_DuplicateDoesNotTouchSynced(t *testing.T) {
	s := createTestStore(t)
	ctx := t.Context()

	txn := createTestTransaction("txn-1", "user1", testEpoch)
	_, _, err := s.InsertTransaction(ctx, txn)
	require.NoError(t, err)
	require.NoError(t, s.MarkTransactionSynced(ctx, AttemptOutcome{
		ID: "txn-1", AttemptedAt: testEpoch.Add(time.Minute), Response: `{"status":"applied"}`,
	}))

	dup := txn
	dup.ID = "txn-dup"
	stored, inserted, err := s.InsertTransaction(ctx, dup)
	require.NoError(t, err)
	assert.False(t, inserted)
	assert.Equal(t, domain.SyncSynced, stored.Status)
	assert.Equal(t, 1, stored.AttemptCount)
}

func TestInsertTransaction_ConcurrentSameKey(t *testing.T) {
	s := createTestStore(t)
	ctx := t.Context()

	const workers = 8
	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		inserted int
		ids      = map[string]bool{}
	)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			txn := createTestTransaction("txn-1", "user1", testEpoch)
			txn.ID = "txn-" + string(rune('a'+i))
			stored, ok, err := s.InsertTransaction(ctx, txn)
			if !assert.NoError(t, err) {
				return
			}
			mu.Lock()
			defer mu.Unlock()
			if ok {
				inserted++
			}
			ids[stored.ID] = true
		}(i)
	}
	wg.Wait()

	assert.Equal(t, 1, inserted)
	assert.Len(t, ids, 1, "every caller must observe the same record")

	txns, err := s.ListTransactions(ctx, TransactionFilter{})
	require.NoError(t, err)
	assert.Len(t, txns, 1)

	n, err := s.CountDuplicateSubmissions(ctx, "order_txn-1_0_deadbeef")
	require.NoError(t, err)
	assert.Equal(t, workers-1, n)
}

func TestGetTransactionByKey(t *testing.T) {
	s := createTestStore(t)
	ctx := t.Context()

	txn := createTestTransaction("txn-1", "user1", testEpoch)
	_, _, err := s.InsertTransaction(ctx, txn)
	require.NoError(t, err)

	got, err := s.GetTransactionByKey(ctx, txn.IdempotencyKey)
	require.NoError(t, err)
	assert.Equal(t, "txn-1", got.ID)

	_, err = s.GetTransactionByKey(ctx, "missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestMarkTransactionFailed_SchedulesRetry(t *testing.T) {
	s := createTestStore(t)
	ctx := t.Context()

	_, _, err := s.InsertTransaction(ctx, createTestTransaction("txn-1", "user1", testEpoch))
	require.NoError(t, err)

	at := testEpoch.Add(time.Minute)
	require.NoError(t, s.MarkTransactionFailed(ctx, AttemptOutcome{
		ID:          "txn-1",
		AttemptedAt: at,
		Error:       "timeout",
		NextRetryAt: at.Add(5 * time.Second),
	}, false))

	got, err := s.GetTransaction(ctx, "txn-1")
	require.NoError(t, err)
	assert.Equal(t, domain.SyncFailed, got.Status)
	assert.Equal(t, 1, got.AttemptCount)
	assert.Equal(t, "timeout", got.LastError)
	assert.True(t, got.LastAttemptAt.Equal(at))
	assert.True(t, got.NextRetryAt.Equal(at.Add(5*time.Second)))
}

func TestMarkTransactionFailed_DeadLetter(t *testing.T) {
	s := createTestStore(t)
	ctx := t.Context()

	_, _, err := s.InsertTransaction(ctx, createTestTransaction("txn-1", "user1", testEpoch))
	require.NoError(t, err)

	require.NoError(t, s.MarkTransactionFailed(ctx, AttemptOutcome{
		ID: "txn-1", AttemptedAt: testEpoch, Error: "rejected", NextRetryAt: testEpoch.Add(time.Hour),
	}, true))

	got, err := s.GetTransaction(ctx, "txn-1")
	require.NoError(t, err)
	assert.Equal(t, domain.SyncDeadLetter, got.Status)
	assert.True(t, got.NextRetryAt.IsZero())

	// Terminal: further attempts conflict.
	err = s.MarkTransactionFailed(ctx, AttemptOutcome{ID: "txn-1", ExpectedAttempts: 1, AttemptedAt: testEpoch}, false)
	assert.ErrorIs(t, err, ErrStateConflict)
	err = s.MarkTransactionSynced(ctx, AttemptOutcome{ID: "txn-1", ExpectedAttempts: 1, AttemptedAt: testEpoch})
	assert.ErrorIs(t, err, ErrStateConflict)
}

func TestMarkTransaction_StaleAttemptCountConflicts(t *testing.T) {
	s := createTestStore(t)
	ctx := t.Context()

	_, _, err := s.InsertTransaction(ctx, createTestTransaction("txn-1", "user1", testEpoch))
	require.NoError(t, err)
	require.NoError(t, s.MarkTransactionFailed(ctx, AttemptOutcome{ID: "txn-1", AttemptedAt: testEpoch}, false))

	// A second worker that read attempt_count=0 must not apply its result.
	err = s.MarkTransactionSynced(ctx, AttemptOutcome{ID: "txn-1", ExpectedAttempts: 0, AttemptedAt: testEpoch})
	assert.ErrorIs(t, err, ErrStateConflict)

	err = s.MarkTransactionSynced(ctx, AttemptOutcome{ID: "missing", AttemptedAt: testEpoch})
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestMarkTransactionSynced_StoresResponse(t *testing.T) {
	s := createTestStore(t)
	ctx := t.Context()

	_, _, err := s.InsertTransaction(ctx, createTestTransaction("txn-1", "user1", testEpoch))
	require.NoError(t, err)
	require.NoError(t, s.MarkTransactionFailed(ctx, AttemptOutcome{
		ID: "txn-1", AttemptedAt: testEpoch, Error: "boom", NextRetryAt: testEpoch.Add(5 * time.Second),
	}, false))

	at := testEpoch.Add(time.Minute)
	require.NoError(t, s.MarkTransactionSynced(ctx, AttemptOutcome{
		ID: "txn-1", ExpectedAttempts: 1, AttemptedAt: at, Response: `{"status":"applied"}`,
	}))

	got, err := s.GetTransaction(ctx, "txn-1")
	require.NoError(t, err)
	assert.Equal(t, domain.SyncSynced, got.Status)
	assert.Equal(t, 2, got.AttemptCount)
	assert.Empty(t, got.LastError)
	assert.True(t, got.SyncedAt.Equal(at))
	assert.True(t, got.NextRetryAt.IsZero())
	assert.Equal(t, `{"status":"applied"}`, got.SyncResponse)
}

func TestDueTransactions(t *testing.T) {
	s := createTestStore(t)
	ctx := t.Context()
	now := testEpoch.Add(time.Hour)

	// Insert out of creation order to check ordering.
	for _, tc := range []struct {
		id     string
		offset time.Duration
	}{
		{"c-pending", 3 * time.Second},
		{"a-due", 1 * time.Second},
		{"b-later", 2 * time.Second},
		{"d-exhausted", 4 * time.Second},
		{"e-other", 5 * time.Second},
	} {
		owner := "user1"
		if tc.id == "e-other" {
			owner = "user2"
		}
		_, _, err := s.InsertTransaction(ctx, createTestTransaction(tc.id, owner, testEpoch.Add(tc.offset)))
		require.NoError(t, err)
	}

	require.NoError(t, s.MarkTransactionFailed(ctx, AttemptOutcome{ID: "a-due", AttemptedAt: testEpoch, NextRetryAt: now.Add(-time.Second)}, false))
	require.NoError(t, s.MarkTransactionFailed(ctx, AttemptOutcome{ID: "b-later", AttemptedAt: testEpoch, NextRetryAt: now.Add(time.Minute)}, false))
	for i := 0; i < 3; i++ {
		require.NoError(t, s.MarkTransactionFailed(ctx, AttemptOutcome{ID: "d-exhausted", ExpectedAttempts: i, AttemptedAt: testEpoch}, false))
	}
	require.NoError(t, s.MarkTransactionFailed(ctx, AttemptOutcome{ID: "e-other", AttemptedAt: testEpoch}, false))

	due, err := s.DueTransactions(ctx, DueFilter{Owner: "user1", Now: now, MaxAttempts: 3})
	require.NoError(t, err)
	assert.Equal(t, []string{"a-due"}, transactionIDs(due))

	due, err = s.DueTransactions(ctx, DueFilter{Owner: "user1", Now: now, MaxAttempts: 3, IncludePending: true})
	require.NoError(t, err)
	assert.Equal(t, []string{"a-due", "c-pending"}, transactionIDs(due))

	due, err = s.DueTransactions(ctx, DueFilter{Now: now, MaxAttempts: 3, IncludePending: true, Limit: 2})
	require.NoError(t, err)
	assert.Equal(t, []string{"a-due", "c-pending"}, transactionIDs(due))

	due, err = s.DueTransactions(ctx, DueFilter{Now: now, MaxAttempts: 3, IncludePending: true})
	require.NoError(t, err)
	assert.Equal(t, []string{"a-due", "c-pending", "e-other"}, transactionIDs(due))
}

func TestPurgeSyncedTransactions(t *testing.T) {
	s := createTestStore(t)
	ctx := t.Context()

	for _, id := range []string{"old", "new", "failed"} {
		_, _, err := s.InsertTransaction(ctx, createTestTransaction(id, "user1", testEpoch))
		require.NoError(t, err)
	}
	require.NoError(t, s.MarkTransactionSynced(ctx, AttemptOutcome{ID: "old", AttemptedAt: testEpoch}))
	require.NoError(t, s.MarkTransactionSynced(ctx, AttemptOutcome{ID: "new", AttemptedAt: testEpoch.Add(48 * time.Hour)}))
	require.NoError(t, s.MarkTransactionFailed(ctx, AttemptOutcome{ID: "failed", AttemptedAt: testEpoch}, true))

	n, err := s.PurgeSyncedTransactions(ctx, testEpoch.Add(24*time.Hour))
	require.NoError(t, err)
	assert.EqualValues(t, 1, n)

	txns, err := s.ListTransactions(ctx, TransactionFilter{Owner: "user1"})
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"new", "failed"}, transactionIDs(txns))
}

func TestDeleteDeadLetterTransaction(t *testing.T) {
	s := createTestStore(t)
	ctx := t.Context()

	_, _, err := s.InsertTransaction(ctx, createTestTransaction("pending", "user1", testEpoch))
	require.NoError(t, err)
	_, _, err = s.InsertTransaction(ctx, createTestTransaction("dead", "user1", testEpoch))
	require.NoError(t, err)
	require.NoError(t, s.MarkTransactionFailed(ctx, AttemptOutcome{ID: "dead", AttemptedAt: testEpoch}, true))

	assert.ErrorIs(t, s.DeleteDeadLetterTransaction(ctx, "pending"), ErrStateConflict)
	assert.ErrorIs(t, s.DeleteDeadLetterTransaction(ctx, "missing"), ErrNotFound)
	require.NoError(t, s.DeleteDeadLetterTransaction(ctx, "dead"))

	_, err = s.GetTransaction(ctx, "dead")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestTransactionCounts(t *testing.T) {
	s := createTestStore(t)
	ctx := t.Context()

	for _, id := range []string{"a", "b", "c"} {
		_, _, err := s.InsertTransaction(ctx, createTestTransaction(id, "user1", testEpoch))
		require.NoError(t, err)
	}
	require.NoError(t, s.MarkTransactionSynced(ctx, AttemptOutcome{ID: "a", AttemptedAt: testEpoch}))

	counts, err := s.TransactionCounts(ctx, "user1")
	require.NoError(t, err)
	assert.Equal(t, 2, counts[domain.SyncPending])
	assert.Equal(t, 1, counts[domain.SyncSynced])
	assert.Equal(t, 0, counts[domain.SyncFailed])
}

func transactionIDs(txns []domain.Transaction) []string {
	ids := make([]string, len(txns))
	for i, txn := range txns {
		ids[i] = txn.ID
	}
	return ids
}
