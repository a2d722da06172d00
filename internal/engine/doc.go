// Package engine composes one synchronization cycle out of the outbox, the
// pull tracker and the session orchestrator, and schedules cycles in the
// background.
//
// CYCLE:
//
// A cycle belongs to one tenant and runs inside a remote session:
//  1. Items stuck in backoff by clock skew are made due again.
//  2. Pull: every configured entity type is paged to completion (or its
//     page bound) through the Puller.
//  3. Push: the Dispatcher drains due outbox items.
//
// Steps 2 and 3 swap with OrderPushFirst. Pull and delivery failures are
// classified and recorded on queue items; they do not fail the cycle. Only
// session start failures, revocation, storage faults and cancellation do.
//
// Every cycle carries a time-sortable token (UUIDv7) that is attached to its
// log lines and its CycleReport.
//
// Thread-safety: Engine and Scheduler are safe for concurrent use. Cycles
// are single-flight process-wide through the session.Orchestrator.
package engine
