// Package store provides SQLite-backed durable storage for offline
// transactions, the per-owner work queue, and the read cache.
//
// # Concurrency Control
//
// Deduplication of transactions is enforced by UNIQUE(idempotency_key).
// Creation uses INSERT ... ON CONFLICT DO NOTHING and re-reads the existing
// row on conflict inside the same transaction; no check-then-insert.
//
// Status transitions are conditional UPDATEs (WHERE status = ? AND
// attempt_count = ?). A transition that matches no row returns
// ErrStateConflict, so two concurrent workers never both apply an attempt.
//
// Queue sequences come from a per-owner counter row and are never reused,
// even after completed items are purged.
//
// Cache entries carry a lease lock (lock_holder, lock_acquired_at) that is
// acquired without waiting. SQLite has no row locks; the lease gives the
// same non-blocking, fail-closed behavior.
//
// # Database Configuration
//
//   - WAL mode: Concurrent reads during writes
//   - synchronous=NORMAL: Balance durability/performance
//   - busy_timeout=5000: Wait for locks up to 5 seconds
//   - foreign_keys=ON: Enforce referential integrity
//
// All timestamps are stored as INTEGER Unix nanoseconds; NULL means unset.
package store
