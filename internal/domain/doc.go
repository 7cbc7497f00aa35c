// Package domain defines the entities of the offline synchronization core
// and the pure functions derived from them.
//
// This package imports nothing internal. Every other package builds on it.
//
// Three entity kinds exist, each exclusively owned by one principal:
//   - Transaction: a client-originated business event awaiting confirmation
//     by the system of record, identified by its idempotency key
//   - QueueItem: a position in a per-owner FIFO work queue
//   - CacheEntry: a locally held copy of one remote read-only record
//
// Compute-on-read attributes (next retry time, cache validity, expiry) are
// plain functions evaluated at the point of use. Nothing is recomputed
// implicitly.
//
// Payloads are opaque JSON blobs. The only introspection performed here is
// canonicalization for content hashing.
package domain
