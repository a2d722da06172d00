package store

import "errors"

var (
	// ErrNotFound is returned when a tenant-scoped row does not exist.
	ErrNotFound = errors.New("not found")

	// ErrTenantRequired is returned when a Scope is requested without a tenant.
	ErrTenantRequired = errors.New("tenant id required")
)

var (
	// ErrQueueFull is returned when a tenant's pending depth has reached its bound.
	ErrQueueFull = errors.New("outbox queue full")

	// ErrNotPending is returned when an attempt is recorded against an item
	// that is already synced or dead-lettered.
	ErrNotPending = errors.New("item is not pending")
)
