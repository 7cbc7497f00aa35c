package domain

import (
	"encoding/json"
	"time"
)

// TransactionType is the business kind of a Transaction.
type TransactionType string

const (
	TransactionOrder      TransactionType = "order"
	TransactionPayment    TransactionType = "payment"
	TransactionRefund     TransactionType = "refund"
	TransactionAdjustment TransactionType = "adjustment"
)

// Valid reports whether t is a known transaction type.
func (t TransactionType) Valid() bool {
	switch t {
	case TransactionOrder, TransactionPayment, TransactionRefund, TransactionAdjustment:
		return true
	default:
		return false
	}
}

// SyncStatus is the synchronization state of a Transaction.
//
// Allowed transitions:
//
//	pending -> synced | failed | dead_letter
//	failed  -> synced | failed | dead_letter
//
// synced and dead_letter are terminal. duplicate is never stored on a
// record; it is reported to the caller of a repeated creation.
type SyncStatus string

const (
	SyncPending    SyncStatus = "pending"
	SyncSynced     SyncStatus = "synced"
	SyncFailed     SyncStatus = "failed"
	SyncDuplicate  SyncStatus = "duplicate"
	SyncDeadLetter SyncStatus = "dead_letter"
)

// Terminal reports whether no automatic process may mutate a record in s.
func (s SyncStatus) Terminal() bool {
	return s == SyncSynced || s == SyncDeadLetter
}

// Transaction is one client-originated business event.
type Transaction struct {
	ID             string          `json:"id"`
	IdempotencyKey string          `json:"idempotency_key"`
	Type           TransactionType `json:"transaction_type"`
	OriginID       string          `json:"origin_id"`
	Owner          string          `json:"owner"`
	Payload        json.RawMessage `json:"payload"`
	Status         SyncStatus      `json:"sync_status"`
	AttemptCount   int             `json:"attempt_count"`
	LastAttemptAt  time.Time       `json:"last_attempt_at,omitzero"`
	NextRetryAt    time.Time       `json:"next_retry_at,omitzero"`
	CreatedAt      time.Time       `json:"created_at"`
	SyncedAt       time.Time       `json:"synced_at,omitzero"`
	LastError      string          `json:"last_error,omitempty"`
	SyncResponse   string          `json:"sync_response,omitempty"`
}

// CreateStatus is the outcome of a transaction creation request.
type CreateStatus string

const (
	CreateCreated   CreateStatus = "created"
	CreateDuplicate CreateStatus = "duplicate"
	CreateRejected  CreateStatus = "rejected"
)

// CreateResult is returned from every creation request. Duplicate and
// rejected requests are outcomes, not errors.
type CreateResult struct {
	Status         CreateStatus `json:"status"`
	TransactionID  string       `json:"transaction_id,omitempty"`
	IdempotencyKey string       `json:"idempotency_key,omitempty"`
	SyncStatus     SyncStatus   `json:"sync_status,omitempty"`
	Reason         string       `json:"reason,omitempty"`
}

// ItemType is the kind of work a QueueItem carries.
type ItemType string

const (
	ItemOrder      ItemType = "order"
	ItemPayment    ItemType = "payment"
	ItemRefund     ItemType = "refund"
	ItemAdjustment ItemType = "adjustment"
	ItemSync       ItemType = "sync"
)

// Valid reports whether t is a known item type.
func (t ItemType) Valid() bool {
	switch t {
	case ItemOrder, ItemPayment, ItemRefund, ItemAdjustment, ItemSync:
		return true
	default:
		return false
	}
}

// QueueStatus is the state of a QueueItem.
type QueueStatus string

const (
	QueueQueued     QueueStatus = "queued"
	QueueProcessing QueueStatus = "processing"
	QueueCompleted  QueueStatus = "completed"
	QueueFailed     QueueStatus = "failed"
	QueueArchived   QueueStatus = "archived"
	QueueDeadLetter QueueStatus = "dead_letter"
)

// QueueItem is one entry of an owner's durable FIFO work queue.
//
// Data is a copy of what is needed to execute the work, independent of any
// linked Transaction.
type QueueItem struct {
	ID                  string          `json:"id"`
	Owner               string          `json:"owner"`
	Sequence            int64           `json:"sequence"`
	TransactionID       string          `json:"transaction_id,omitempty"`
	Type                ItemType        `json:"item_type"`
	Data                json.RawMessage `json:"item_data"`
	Status              QueueStatus     `json:"status"`
	Attempts            int             `json:"attempts"`
	LastAttemptAt       time.Time       `json:"last_attempt_at,omitzero"`
	NextAttemptAt       time.Time       `json:"next_attempt_at,omitzero"`
	ProcessingStartedAt time.Time       `json:"processing_started_at,omitzero"`
	CreatedAt           time.Time       `json:"created_at"`
	CompletedAt         time.Time       `json:"completed_at,omitzero"`
	ArchivedAt          time.Time       `json:"archived_at,omitzero"`
	ProcessingTime      time.Duration   `json:"processing_time"`
	LastError           string          `json:"last_error,omitempty"`
}

// QueueStats summarizes one owner's queue.
type QueueStats struct {
	Total      int  `json:"total"`
	Queued     int  `json:"queued"`
	Processing int  `json:"processing"`
	Completed  int  `json:"completed"`
	Failed     int  `json:"failed"`
	Archived   int  `json:"archived"`
	DeadLetter int  `json:"dead_letter"`
	Overflow   bool `json:"overflow"`
}

// CacheEntry is a locally held copy of one remote read-only record.
type CacheEntry struct {
	ID                 int64           `json:"id"`
	Owner              string          `json:"owner"`
	Model              string          `json:"model"`
	RecordID           int64           `json:"record_id"`
	Payload            json.RawMessage `json:"payload"`
	ContentHash        string          `json:"content_hash"`
	Version            int64           `json:"cache_version"`
	CreatedAt          time.Time       `json:"created_at"`
	ExpiresAt          time.Time       `json:"expires_at"`
	Invalidated        bool            `json:"invalidated"`
	AccessCount        int64           `json:"access_count"`
	LastAccessedAt     time.Time       `json:"last_accessed_at,omitzero"`
	LastValidatedAt    time.Time       `json:"last_validated_at,omitzero"`
	ValidationAttempts int64           `json:"validation_attempts"`
}

// IsValid reports whether the entry may be served at now.
func (e CacheEntry) IsValid(now time.Time) bool {
	return !e.Invalidated && now.Before(e.ExpiresAt)
}

// ExpiresAt returns the expiry of an entry created at createdAt.
func ExpiresAt(createdAt time.Time, ttl time.Duration) time.Time {
	return createdAt.Add(ttl)
}

// CacheStats summarizes one owner's cache.
type CacheStats struct {
	Total         int   `json:"total"`
	Valid         int   `json:"valid"`
	Stale         int   `json:"stale"`
	TotalAccesses int64 `json:"total_accesses"`

	// Efficiency is the percentage of entries that are valid.
	Efficiency float64 `json:"efficiency"`
}
