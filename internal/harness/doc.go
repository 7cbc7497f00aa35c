// Package harness runs YAML scenarios against the synchronization engine.
//
// Every scenario executes in a fresh in-memory database with a fake clock,
// sequential IDs and a scripted remote, so traces are reproducible and can be
// compared against golden files.
//
// # Scenario Format
//
//	name: idempotent_create
//	description: "Identical submissions collapse to one transaction"
//	config:                      # optional overlay on the default config
//	  queue:
//	    overflowThreshold: 10
//	setup:
//	  - action: cache_put
//	    args: { owner: user1, model: product, record_id: 7, payload: { price: 9.99 } }
//	flow:
//	  - invoke: create_transaction
//	    as: first
//	    args: { owner: user1, type: order, origin_id: "42", payload: { amount: 100 } }
//	    expect:
//	      case: created
//	      result: { sync_status: pending }
//	  - invoke: sync_transaction
//	    args: { id: $first.transaction_id }
//	assertions:
//	  - type: final_state
//	    table: transactions
//	    where: { origin_id: "42" }
//	    expect: { sync_status: synced }
//
// A string argument of the form $name.field refers to a field of the result
// of an earlier step saved with "as".
//
// # Actions
//
// Transactions: create_transaction, get_transaction, sync_transaction,
// run_retries, purge_dead_letter. Queue: enqueue, enqueue_many, enqueue_transaction,
// dequeue_next, process_item, process_queue, queue_stats, requeue_dead_letter,
// archive_oldest. Cache: cache_put, cache_get, cache_validate, cache_stats,
// invalidate_model, reconnect, sweep_cache. Maintenance: purge, recover_stale,
// scheduler_pass, probe. Environment: advance, remote.
//
// Every step completes with an output case. Operations that return a status
// use it as the case; failures use the engine error code, or "error".
//
// # Assertion Types
//
//   - trace_contains: an invocation of the action with matching args exists
//   - trace_order: the actions appear in the given order
//   - trace_count: the action was invoked exactly N times
//   - final_state: exactly one row of a table matches and has the given values
//   - row_count: the number of rows of a table matching where
//
// # Golden Files
//
// RunWithGolden compares the canonical JSON trace against
// testdata/golden/{name}.golden. Regenerate with:
//
//	go test ./internal/harness -update
package harness
