// Package store provides SQLite-backed durable state for the sync engine.
//
// The store holds four tables:
//   - outbox_items: the transactional outbox and its dead-letter partition
//   - pull_cursors: per entity type resumption pointers for inbound pulls
//   - applied_records: the inbound idempotency ledger (record id -> content hash)
//   - sync_timestamps: applied and seen sequence high-water marks
//
// # Tenant Scoping
//
// Tenant data is only reachable through a Scope obtained from Store.Tenant or
// Tx.Tenant. Every Scope query binds tenant_id; there is no lookup by row id
// alone, so one tenant can never read or mutate another tenant's rows.
//
// # Idempotency
//
//   - UNIQUE(tenant_id, idempotency_key) partial index on outbox_items
//   - INSERT ... ON CONFLICT DO NOTHING followed by a fetch of the existing row,
//     inside one transaction
//   - Ledger and watermark upserts never move a sequence backwards
//
// # Database Configuration
//
//   - WAL mode: Concurrent reads during writes
//   - synchronous=NORMAL: Balance durability/performance
//   - busy_timeout=5000: Wait for locks up to 5 seconds
//   - foreign_keys=ON: Enforce referential integrity
//
// Business tables share the database file. Callers write them through
// Store.WithTx and enqueue outbox items on the same Tx so both commit or
// neither does.
package store
