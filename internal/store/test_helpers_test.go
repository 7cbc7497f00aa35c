package store

import (
	"encoding/json"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/roach88/posync/internal/domain"
)

var testEpoch = time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

// createTestStore opens a fresh store in a temp directory.
func createTestStore(t *testing.T) *Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.db")
	s, err := Open(path)
	if err != nil {
		t.Fatalf("Open() failed: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

// createTestTransaction builds a pending order transaction with a key
// derived from id.
func createTestTransaction(id, owner string, createdAt time.Time) domain.Transaction {
	return domain.Transaction{
		ID:             id,
		IdempotencyKey: "order_" + id + "_0_deadbeef",
		Type:           domain.TransactionOrder,
		OriginID:       id,
		Owner:          owner,
		Payload:        json.RawMessage(`{"amount":100}`),
		Status:         domain.SyncPending,
		CreatedAt:      createdAt,
	}
}

// createTestQueueItem builds an order queue item.
func createTestQueueItem(id, owner string, createdAt time.Time) domain.QueueItem {
	return domain.QueueItem{
		ID:        id,
		Owner:     owner,
		Type:      domain.ItemOrder,
		Data:      json.RawMessage(`{"n":"` + id + `"}`),
		CreatedAt: createdAt,
	}
}

// enqueueN inserts n queue items for owner with IDs prefix-1..prefix-n.
func enqueueN(t *testing.T, s *Store, owner, prefix string, n int) []domain.QueueItem {
	t.Helper()
	items := make([]domain.QueueItem, 0, n)
	for i := 1; i <= n; i++ {
		item, _, err := s.InsertQueueItem(t.Context(), createTestQueueItem(
			fmt.Sprintf("%s-%d", prefix, i), owner, testEpoch.Add(time.Duration(i)*time.Millisecond)))
		if err != nil {
			t.Fatalf("InsertQueueItem(%d) failed: %v", i, err)
		}
		items = append(items, item)
	}
	return items
}
