// Package engine drives offline transactions and queued work to the system
// of record.
//
// Service is the entry point used by the host system. It records
// transactions and queue items locally and returns immediately; remote
// synchronization happens later, on the Scheduler's cadence, and its failures
// never reach the code path that created the work. Retries follow
// exponential backoff until a per-kind attempt limit moves the work to
// dead_letter, a terminal state that only operator actions leave.
//
// Architecture:
//
//	Service.CreateTransaction ──▶ store (UNIQUE idempotency_key)
//	Service.Enqueue ────────────▶ store (per-owner sequence, overflow archive)
//	Scheduler tick ──▶ RecoverStale ──▶ RunTransactionRetries ──▶ ProcessQueue
//	Monitor probe ──▶ offline→online edge ──▶ OnReconnect + immediate tick
//
// Thread-safety: Service, Scheduler and Monitor are safe for concurrent use.
// Concurrent attempts on the same record are resolved by conditional updates
// in the store; the loser observes a state conflict and skips the record.
package engine
