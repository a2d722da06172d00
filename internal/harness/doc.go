// Package harness runs sync conformance scenarios against the real engine.
//
// A scenario scripts the remote sync service, drives the engine through
// enqueue, cycle and clock steps, and records every call the engine makes to
// the remote as a trace. Assertions then check the trace and the final local
// state.
//
// # Scenario Format
//
// Scenarios are defined in YAML files with the following structure:
//
//	name: push_retry
//	description: "A failed push is retried after its backoff"
//	entity_types: [products]
//	max_attempts: 2
//	remote:
//	  pages:
//	    products:
//	      - changes:
//	          - { record_id: p-1, sequence: 1, payload: { name: Espresso } }
//	  push_failures:
//	    sale-1: [503]
//	steps:
//	  - enqueue: { entity_type: sales, entity_id: sale-1, payload: { total: 1250 } }
//	  - cycle: { expect: { failed: 1 } }
//	  - advance: 2s
//	  - cycle: { expect: { pushed: 1 } }
//	assertions:
//	  - type: trace_count
//	    kind: push
//	    count: 2
//	  - type: final_state
//	    table: outbox_items
//	    where: { entity_id: sale-1 }
//	    expect: { synced: true }
//
// Other steps are reset_stuck, restore (by entity id), fail_push and
// fail_fetch.
//
// # Assertion Types
//
//   - trace_contains: an event of a kind with matching detail appears
//   - trace_order: event kinds appear in the given order
//   - trace_count: an event of a kind with matching detail appears exactly N times
//   - final_state: one row of a local state table holds the expected values
//
// # Deterministic Testing
//
// Every scenario runs on an in-memory SQLite database with a manual clock
// starting at Epoch, a fixed cycle token, jitter-free retry delays and
// sleep-free pull retries. The same scenario always yields the same trace,
// which golden files under testdata/golden pin down.
package harness
