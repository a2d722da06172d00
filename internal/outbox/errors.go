package outbox

import (
	"errors"

	"github.com/roach88/tillsync/internal/store"
)

var (
	// ErrQueueFull is returned when a tenant's pending depth has reached MaxPending.
	ErrQueueFull = store.ErrQueueFull

	// ErrInvalidRequest wraps enqueue request validation failures.
	ErrInvalidRequest = errors.New("invalid enqueue request")
)
