// Package ir defines the shared data model of the sync engine.
//
// Every other internal package imports ir; ir imports nothing internal.
// This keeps the model the foundational layer with no circular dependencies.
//
// Key design constraints:
//   - Every persisted entity carries a TenantID
//   - Wall-clock instants are time.Time in UTC, stored as unix milliseconds
//   - Remote progress is measured in sequence numbers, never timestamps
//   - Content hashes are computed over canonical JSON (see canonical.go)
package ir
